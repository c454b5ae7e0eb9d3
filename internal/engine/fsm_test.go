package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

func pendingExecution(id string) *execution {
	return &execution{rec: store.Execution{ID: id, WorkflowName: "wf", Status: schema.ExecutionStatusPending}}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to schema.ExecutionStatus
		want     bool
	}{
		{schema.ExecutionStatusPending, schema.ExecutionStatusRunning, true},
		{schema.ExecutionStatusPending, schema.ExecutionStatusCancelled, true},
		{schema.ExecutionStatusPending, schema.ExecutionStatusFailed, true},
		{schema.ExecutionStatusPending, schema.ExecutionStatusCompleted, false},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, true},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusTimeout, true},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusPending, false},
		{schema.ExecutionStatusCompleted, schema.ExecutionStatusRunning, false},
		{schema.ExecutionStatusFailed, schema.ExecutionStatusPending, false},
		{schema.ExecutionStatusCancelled, schema.ExecutionStatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestExecutionFSM_StampsTimes(t *testing.T) {
	clock := newFakeClock()
	fsm := NewExecutionFSM(clock.now)
	x := pendingExecution("e1")

	snap, err := fsm.Transition(context.Background(), x, schema.ExecutionStatusRunning, nil)
	require.NoError(t, err)
	require.NotNil(t, snap.StartedAt)
	assert.Nil(t, snap.CompletedAt)

	clock.advance(250 * time.Millisecond)
	snap, err = fsm.Transition(context.Background(), x, schema.ExecutionStatusCompleted, func(r *store.Execution) {
		r.ActionsExecuted = 2
	})
	require.NoError(t, err)
	require.NotNil(t, snap.CompletedAt)
	assert.Equal(t, 250*time.Millisecond, snap.Duration())
	assert.Equal(t, 2, snap.ActionsExecuted)
}

func TestExecutionFSM_TerminalIsFinal(t *testing.T) {
	fsm := NewExecutionFSM(nil)
	x := pendingExecution("e1")

	_, err := fsm.Transition(context.Background(), x, schema.ExecutionStatusCancelled, nil)
	require.NoError(t, err)

	_, err = fsm.Transition(context.Background(), x, schema.ExecutionStatusRunning, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	assert.Equal(t, schema.ExecutionStatusCancelled, x.status())
}

func TestExecutionFSM_HooksRunInOrderAfterTransition(t *testing.T) {
	fsm := NewExecutionFSM(nil)
	var calls []string
	fsm.OnEnter(schema.ExecutionStatusRunning, func(_ context.Context, x *execution, snap *store.Execution, from schema.ExecutionStatus) {
		// the execution lock is released before hooks run
		assert.Equal(t, schema.ExecutionStatusRunning, x.status())
		assert.Equal(t, schema.ExecutionStatusPending, from)
		calls = append(calls, "first:"+string(snap.Status))
	})
	fsm.OnEnter(schema.ExecutionStatusRunning, func(context.Context, *execution, *store.Execution, schema.ExecutionStatus) {
		calls = append(calls, "second")
	})
	fsm.OnTerminal(func(_ context.Context, _ *execution, snap *store.Execution, _ schema.ExecutionStatus) {
		calls = append(calls, "terminal:"+string(snap.Status))
	})

	x := pendingExecution("e1")
	_, err := fsm.Transition(context.Background(), x, schema.ExecutionStatusRunning, nil)
	require.NoError(t, err)
	_, err = fsm.Transition(context.Background(), x, schema.ExecutionStatusFailed, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"first:running", "second", "terminal:failed"}, calls)
}

func TestExecutionFSM_SnapshotIsPrivate(t *testing.T) {
	fsm := NewExecutionFSM(nil)
	x := pendingExecution("e1")
	snap, err := fsm.Transition(context.Background(), x, schema.ExecutionStatusRunning, nil)
	require.NoError(t, err)

	snap.ErrorMessage = "mutated"
	*snap.StartedAt = time.Time{}
	assert.Empty(t, x.snapshot().ErrorMessage)
	assert.False(t, x.snapshot().StartedAt.IsZero())
}

func TestStatusEventType(t *testing.T) {
	assert.Equal(t, schema.EventExecutionQueued, statusEventType(schema.ExecutionStatusPending))
	assert.Equal(t, schema.EventExecutionTimedOut, statusEventType(schema.ExecutionStatusTimeout))
	assert.Equal(t, schema.EventExecutionCancelled, statusEventType(schema.ExecutionStatusCancelled))
	assert.Empty(t, statusEventType("bogus"))
}
