package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/pkg/schema"
)

type sentNotification struct {
	sessionID string
	method    string
	params    map[string]any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentNotification{sessionID: sessionID, method: method, params: params})
	return nil
}

func (f *fakeSender) events() []streaming.StreamEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]streaming.StreamEvent, 0, len(f.sent))
	for _, n := range f.sent {
		out = append(out, n.params["data"].(streaming.StreamEvent))
	}
	return out
}

func TestNotifier_IgnoresUnwatched(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, NewSessionRegistry(), nil)

	n.Notify(streaming.StreamEvent{Type: schema.EventExecutionStarted, ExecutionID: "exec-1"})
	assert.Empty(t, sender.events())
}

func TestNotifier_FollowsRetry(t *testing.T) {
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	n := NewNotifier(sender, sessions, nil)
	sessions.Watch("exec-1", "session-a")

	n.Notify(streaming.StreamEvent{
		Type:        schema.EventExecutionRetrying,
		ExecutionID: "exec-1",
		Payload:     map[string]any{"next_execution_id": "exec-2"},
	})

	_, ok := sessions.SessionFor("exec-1")
	assert.False(t, ok)
	sid, ok := sessions.SessionFor("exec-2")
	require.True(t, ok)
	assert.Equal(t, "session-a", sid)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "session-a", sender.sent[0].sessionID)
	assert.Equal(t, notificationMethod, sender.sent[0].method)
	assert.Equal(t, "warning", sender.sent[0].params["level"])
}

func TestNotifier_DropsVanishedSession(t *testing.T) {
	sender := &fakeSender{err: server.ErrSessionNotFound}
	sessions := NewSessionRegistry()
	n := NewNotifier(sender, sessions, nil)
	sessions.Watch("exec-1", "session-a")
	sessions.Watch("exec-2", "session-a")

	n.Notify(streaming.StreamEvent{Type: schema.EventExecutionStarted, ExecutionID: "exec-1"})
	assert.Zero(t, sessions.Len())
}

func TestNotifier_KeepsSessionOnOtherErrors(t *testing.T) {
	sender := &fakeSender{err: errors.New("transport hiccup")}
	sessions := NewSessionRegistry()
	n := NewNotifier(sender, sessions, nil)
	sessions.Watch("exec-1", "session-a")

	n.Notify(streaming.StreamEvent{Type: schema.EventActionFailed, ExecutionID: "exec-1"})
	assert.Equal(t, 1, sessions.Len())
}

func TestNotifier_TrackReportsFinalStatus(t *testing.T) {
	e := newTestEngine(t, nil)
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	n := NewNotifier(sender, sessions, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx, e) }()

	handles, err := e.Submit(context.Background(), schema.Event{Type: "job.explode", Source: "test"})
	require.NoError(t, err)
	require.Len(t, handles, 1)
	n.Track(ctx, handles[0], "session-a")

	_, err = handles[0].Wait(context.Background())
	require.NoError(t, err)
	n.Wait()

	assert.Zero(t, sessions.Len(), "watch released once the run is done")
	require.Eventually(t, func() bool {
		for _, ev := range sender.events() {
			if ev.Type == EventExecutionFinished {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	var final streaming.StreamEvent
	for _, ev := range sender.events() {
		if ev.Type == EventExecutionFinished {
			final = ev
		}
	}
	assert.Equal(t, "explode", final.Workflow)
	assert.Equal(t, handles[0].Info().ID, final.ExecutionID)
	assert.Equal(t, string(schema.ExecutionStatusFailed), payloadString(final, "status"))
	assert.Equal(t, "error", levelFor(final))
}

func TestNotifier_TrackStopsWithContext(t *testing.T) {
	e := newTestEngine(t, nil)
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	n := NewNotifier(sender, sessions, nil)

	handles, err := e.Submit(context.Background(), schema.Event{Type: "user.signup", Source: "test", Payload: map[string]any{"name": "ada"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Track(ctx, handles[0], "session-a")
	n.Wait()

	_, ok := sessions.SessionFor(handles[0].Info().ID)
	assert.False(t, ok)
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, "info", levelFor(streaming.StreamEvent{Type: schema.EventExecutionStarted}))
	assert.Equal(t, "error", levelFor(streaming.StreamEvent{Type: schema.EventActionFailed}))
	assert.Equal(t, "warning", levelFor(streaming.StreamEvent{Type: schema.EventActionIgnored}))
	assert.Equal(t, "info", levelFor(streaming.StreamEvent{
		Type:    EventExecutionFinished,
		Payload: map[string]any{"status": string(schema.ExecutionStatusCompleted)},
	}))
}

func TestPayloadString(t *testing.T) {
	ev := streaming.StreamEvent{Payload: map[string]any{"status": "failed", "retry_count": 2}}
	assert.Equal(t, "failed", payloadString(ev, "status"))
	assert.Empty(t, payloadString(ev, "retry_count"))
	assert.Empty(t, payloadString(ev, "missing"))
	assert.Empty(t, payloadString(streaming.StreamEvent{Payload: "plain"}, "status"))
	assert.Empty(t, payloadString(streaming.StreamEvent{}, "status"))

	// A retry event without a map payload still releases the old watch.
	sessions := NewSessionRegistry()
	n := NewNotifier(&fakeSender{}, sessions, nil)
	sessions.Watch("exec-1", "session-a")
	n.Notify(streaming.StreamEvent{Type: schema.EventExecutionRetrying, ExecutionID: "exec-1", Payload: "opaque"})
	assert.Equal(t, 0, sessions.Len())
}
