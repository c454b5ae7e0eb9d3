package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/trigger"
	"github.com/rendis/hookflow/pkg/schema"
)

// mockDispatcher records dispatched events and serves a mutable schedule list.
type mockDispatcher struct {
	mu        sync.Mutex
	schedules []trigger.Schedule
	events    []schema.Event
	err       error
	block     chan struct{}
	entered   chan struct{}
}

func (m *mockDispatcher) Dispatch(_ context.Context, ev schema.Event) ([]*engine.ExecutionHandle, error) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	block, entered, err := m.block, m.entered, m.err
	m.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return nil, err
}

func (m *mockDispatcher) Schedules() []trigger.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]trigger.Schedule(nil), m.schedules...)
}

func (m *mockDispatcher) setSchedules(s ...trigger.Schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules = s
}

func (m *mockDispatcher) dispatched() []schema.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schema.Event(nil), m.events...)
}

// mockPruner records prune cutoffs.
type mockPruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int64
	err     error
}

func (p *mockPruner) PruneLogs(_ context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, before)
	return p.n, p.err
}

func stopScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.Stop())
}

func TestScheduler_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := NewScheduler(Config{}, &mockDispatcher{}, nil)

	require.NoError(t, s.Stop(), "stop before start is a no-op")
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "already started")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	// restartable after stop
	require.NoError(t, s.Start(context.Background()))
	stopScheduler(t, s)
}

func TestScheduler_SyncAddsAndRemovesEntries(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := &mockDispatcher{}
	d.setSchedules(
		trigger.Schedule{Workflow: "nightly", Spec: "0 3 * * *"},
		trigger.Schedule{Workflow: "hourly", Spec: "@hourly"},
	)
	s := NewScheduler(Config{}, d, nil)
	require.NoError(t, s.Start(context.Background()))
	defer stopScheduler(t, s)

	assert.Equal(t, 2, s.Len())
	next, ok := s.NextRun("nightly")
	require.True(t, ok)
	assert.Equal(t, 3, next.UTC().Hour())
	assert.Equal(t, 0, next.Minute())

	d.setSchedules(trigger.Schedule{Workflow: "hourly", Spec: "@hourly"})
	s.Sync()
	assert.Equal(t, 1, s.Len())
	_, ok = s.NextRun("nightly")
	assert.False(t, ok)

	// a changed spec replaces the entry
	d.setSchedules(trigger.Schedule{Workflow: "hourly", Spec: "*/5 * * * *"})
	s.Sync()
	assert.Equal(t, 1, s.Len())
	next, ok = s.NextRun("hourly")
	require.True(t, ok)
	assert.Zero(t, next.Minute()%5)
}

func TestScheduler_InvalidSpecIsSkipped(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := &mockDispatcher{}
	d.setSchedules(
		trigger.Schedule{Workflow: "good", Spec: "@daily"},
		trigger.Schedule{Workflow: "bad", Spec: "every tuesday"},
	)
	s := NewScheduler(Config{}, d, nil)
	require.NoError(t, s.Start(context.Background()))
	defer stopScheduler(t, s)

	assert.Equal(t, 1, s.Len())
	_, ok := s.NextRun("bad")
	assert.False(t, ok)
}

func TestScheduler_SyncBeforeStartIsNoop(t *testing.T) {
	d := &mockDispatcher{}
	d.setSchedules(trigger.Schedule{Workflow: "x", Spec: "@daily"})
	s := NewScheduler(Config{}, d, nil)
	s.Sync()
	assert.Zero(t, s.Len())
}

func TestScheduler_FireDispatchesScheduleEvent(t *testing.T) {
	d := &mockDispatcher{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(Config{}, d, nil, WithClock(func() time.Time { return fixed }))

	s.Fire(context.Background(), "nightly")

	events := d.dispatched()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, schema.EventTypeSchedule, ev.Type)
	assert.Equal(t, "nightly", ev.Workflow)
	assert.Equal(t, "scheduler", ev.Source)
	assert.Equal(t, "2026-03-01T12:00:00Z", ev.Payload["scheduled_at"])
}

func TestScheduler_FireSkipsWhileInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := &mockDispatcher{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := NewScheduler(Config{}, d, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Fire(context.Background(), "slow")
	}()
	<-d.entered

	s.Fire(context.Background(), "slow")
	assert.Len(t, d.dispatched(), 1, "second fire is skipped")

	close(d.block)
	<-done

	d.mu.Lock()
	d.block, d.entered = nil, nil
	d.mu.Unlock()
	s.Fire(context.Background(), "slow")
	assert.Len(t, d.dispatched(), 2, "released after the first dispatch returned")
}

func TestScheduler_FireSurvivesDispatchError(t *testing.T) {
	d := &mockDispatcher{err: errors.New("engine is shutting down")}
	s := NewScheduler(Config{}, d, nil)
	s.Fire(context.Background(), "x")
	s.Fire(context.Background(), "x")
	assert.Len(t, d.dispatched(), 2)
}

func TestScheduler_Prune(t *testing.T) {
	fixed := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	p := &mockPruner{n: 7}
	s := NewScheduler(Config{LogRetention: 72 * time.Hour}, &mockDispatcher{}, nil,
		WithPruner(p), WithClock(func() time.Time { return fixed }))

	assert.EqualValues(t, 7, s.Prune(context.Background()))
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, fixed.Add(-72*time.Hour), p.cutoffs[0])

	p.err = errors.New("disk full")
	assert.Zero(t, s.Prune(context.Background()))
}

func TestScheduler_PruneDisabled(t *testing.T) {
	p := &mockPruner{n: 7}
	s := NewScheduler(Config{}, &mockDispatcher{}, nil, WithPruner(p))
	assert.Zero(t, s.Prune(context.Background()))
	assert.Empty(t, p.cutoffs)

	s = NewScheduler(Config{LogRetention: time.Hour}, &mockDispatcher{}, nil)
	assert.Zero(t, s.Prune(context.Background()))
}

func TestScheduler_InvalidRetentionSweep(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := NewScheduler(Config{LogRetention: time.Hour, RetentionSweep: "whenever"}, &mockDispatcher{}, nil,
		WithPruner(&mockPruner{}))
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention sweep")
	require.NoError(t, s.Stop())
}

func TestCalculateNextRun(t *testing.T) {
	s := NewScheduler(Config{}, &mockDispatcher{}, nil)
	from := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

	next, err := s.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("61 * * * *", from)
	assert.Error(t, err)
}

func TestScheduler_DrivesEngine(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := actions.NewRegistry(nil)
	require.NoError(t, actions.RegisterBuiltins(reg, actions.BuiltinDeps{}))
	e, err := engine.New(engine.Config{}, engine.Deps{Actions: reg})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, e.Shutdown(ctx))
	}()

	_, err = e.Register(context.Background(), &schema.Workflow{
		Name:     "heartbeat",
		Triggers: []schema.TriggerCondition{{EventType: schema.EventTypeSchedule, Schedule: "@every 1s"}},
		Actions:  []schema.ActionSpec{{Type: "noop"}},
	})
	require.NoError(t, err)

	s := NewScheduler(Config{}, e, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, s.Len())

	require.Eventually(t, func() bool {
		return e.GetMetrics().Completed >= 1
	}, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop())

	history := e.GetHistory(1, 0)
	require.NotEmpty(t, history)
	assert.Equal(t, "heartbeat", history[0].WorkflowName)
	assert.Equal(t, schema.EventTypeSchedule, history[0].EventType)
}
