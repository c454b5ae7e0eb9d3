package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// TransitionHook runs after an execution entered a new status. snap is a
// private copy of the record taken inside the transition.
type TransitionHook func(ctx context.Context, x *execution, snap *store.Execution, from schema.ExecutionStatus)

// ValidExecutionTransitions defines the allowed state transitions for
// executions. Terminal states have no outgoing edges; a retry is a new
// execution, never a reopened one.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusTimeout,
		schema.ExecutionStatusCancelled,
	},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to schema.ExecutionStatus) bool {
	return slices.Contains(ValidExecutionTransitions[from], to)
}

// ExecutionFSM applies status transitions to executions and fans them out
// to hooks. Because a transition is validated and applied under the
// execution's own lock, each terminal status is entered at most once.
type ExecutionFSM struct {
	mu    sync.RWMutex
	after map[schema.ExecutionStatus][]TransitionHook
	now   func() time.Time
}

// NewExecutionFSM creates an FSM. now defaults to time.Now.
func NewExecutionFSM(now func() time.Time) *ExecutionFSM {
	if now == nil {
		now = time.Now
	}
	return &ExecutionFSM{
		after: make(map[schema.ExecutionStatus][]TransitionHook),
		now:   now,
	}
}

// OnEnter registers a hook called after an execution enters status to.
func (f *ExecutionFSM) OnEnter(to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[to] = append(f.after[to], hook)
}

// OnTerminal registers a hook for every terminal status.
func (f *ExecutionFSM) OnTerminal(hook TransitionHook) {
	for _, s := range []schema.ExecutionStatus{
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusTimeout,
		schema.ExecutionStatusCancelled,
	} {
		f.OnEnter(s, hook)
	}
}

// Transition moves x to status to. mutate, when set, edits the record while
// the lock is held so the new status and its details land together.
// Hooks run after the lock is released, in registration order.
func (f *ExecutionFSM) Transition(ctx context.Context, x *execution, to schema.ExecutionStatus, mutate func(*store.Execution)) (*store.Execution, error) {
	x.mu.Lock()
	from := x.rec.Status
	if !CanTransition(from, to) {
		x.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution": x.rec.ID, "from": string(from), "to": string(to)})
	}

	now := f.now().UTC()
	x.rec.Status = to
	if to == schema.ExecutionStatusRunning {
		x.rec.StartedAt = &now
	}
	if to.IsTerminal() {
		if x.rec.StartedAt != nil && now.Before(*x.rec.StartedAt) {
			now = *x.rec.StartedAt
		}
		x.rec.CompletedAt = &now
	}
	if mutate != nil {
		mutate(&x.rec)
	}
	snap := x.rec.Clone()
	x.mu.Unlock()

	f.mu.RLock()
	hooks := f.after[to]
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, x, snap, from)
	}
	return snap, nil
}

// statusEventType maps a status to the notification published on entry.
func statusEventType(s schema.ExecutionStatus) string {
	switch s {
	case schema.ExecutionStatusPending:
		return schema.EventExecutionQueued
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusTimeout:
		return schema.EventExecutionTimedOut
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}
