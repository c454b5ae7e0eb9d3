package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func expectNone(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{
		Type:        "execution_completed",
		Workflow:    "triage",
		ExecutionID: "exec-1",
		Payload:     map[string]any{"actions": 2},
	}))

	got := receive(t, ch)
	assert.Equal(t, "execution_completed", got.Type)
	assert.Equal(t, "triage", got.Workflow)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.False(t, got.Time.IsZero(), "publish stamps the event time")
}

func TestFilters(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	byWorkflow, c1, err := hub.Subscribe(ctx, EventFilter{Workflow: "triage"})
	require.NoError(t, err)
	defer c1()
	byExecution, c2, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-2"})
	require.NoError(t, err)
	defer c2()
	byType, c3, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"action_failed", "execution_failed"}})
	require.NoError(t, err)
	defer c3()

	events := []StreamEvent{
		{Type: "action_started", Workflow: "triage", ExecutionID: "exec-1"},
		{Type: "action_failed", Workflow: "deploy", ExecutionID: "exec-2"},
		{Type: "execution_failed", Workflow: "triage", ExecutionID: "exec-1"},
	}
	for _, e := range events {
		require.NoError(t, hub.Publish(ctx, e))
	}

	assert.Equal(t, "action_started", receive(t, byWorkflow).Type)
	assert.Equal(t, "execution_failed", receive(t, byWorkflow).Type)
	expectNone(t, byWorkflow)

	assert.Equal(t, "action_failed", receive(t, byExecution).Type)
	expectNone(t, byExecution)

	assert.Equal(t, "action_failed", receive(t, byType).Type)
	assert.Equal(t, "execution_failed", receive(t, byType).Type)
	expectNone(t, byType)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{Type: "execution_started", Workflow: "triage"}))

	for _, ch := range []<-chan StreamEvent{ch1, ch2} {
		assert.Equal(t, "execution_started", receive(t, ch).Type)
	}
	assert.Equal(t, 2, hub.Subscribers())
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	require.NoError(t, hub.Publish(ctx, StreamEvent{Type: "execution_started"}))

	_, ok := <-ch
	assert.False(t, ok, "cancel closes the channel")
	assert.Zero(t, hub.Subscribers())
}

func TestBackpressureDropsForSlowSubscribers(t *testing.T) {
	hub := NewMemoryHub(8)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 18; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{Type: "tick"}))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, 8, drained)
	assert.Equal(t, int64(10), hub.Dropped())
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, StreamEvent{Type: "tick", Workflow: "load"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{Workflow: "load"})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{Type: "tick"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
