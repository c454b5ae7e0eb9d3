package engine

import (
	"context"
	"sync"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// ExecutionHandle follows one workflow run across its retry attempts. It is
// done once an attempt ends without scheduling another.
type ExecutionHandle struct {
	executionID string
	workflow    string
	done        chan struct{}

	mu       sync.Mutex
	attempts []*execution
	final    *store.Execution
}

func newHandle(executionID, workflow string) *ExecutionHandle {
	return &ExecutionHandle{
		executionID: executionID,
		workflow:    workflow,
		done:        make(chan struct{}),
	}
}

// ID is the record id of the first attempt.
func (h *ExecutionHandle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.attempts) == 0 {
		return ""
	}
	return h.attempts[0].rec.ID
}

// ExecutionID is the correlation id shared by every attempt.
func (h *ExecutionHandle) ExecutionID() string { return h.executionID }

// Workflow is the name of the workflow being run.
func (h *ExecutionHandle) Workflow() string { return h.workflow }

// Done is closed when the run reached its final status.
func (h *ExecutionHandle) Done() <-chan struct{} { return h.done }

// Attempts returns the record ids of every attempt in order.
func (h *ExecutionHandle) Attempts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, len(h.attempts))
	for i, x := range h.attempts {
		ids[i] = x.rec.ID
	}
	return ids
}

// Current returns a snapshot of the latest attempt.
func (h *ExecutionHandle) Current() *store.Execution {
	h.mu.Lock()
	if h.final != nil {
		defer h.mu.Unlock()
		return h.final.Clone()
	}
	var last *execution
	if n := len(h.attempts); n > 0 {
		last = h.attempts[n-1]
	}
	h.mu.Unlock()
	if last == nil {
		return nil
	}
	return last.snapshot()
}

// Result returns the final attempt once the run is done.
func (h *ExecutionHandle) Result() (*store.Execution, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.final.Clone(), true
	default:
		return nil, false
	}
}

// Wait blocks until the run is done or ctx ends.
func (h *ExecutionHandle) Wait(ctx context.Context) (*store.Execution, error) {
	select {
	case <-h.done:
		res, _ := h.Result()
		return res, nil
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "waiting for execution %s: %s", h.executionID, ctx.Err()).WithCause(ctx.Err())
	}
}

// HandleInfo is the serializable view of a handle returned to callers.
type HandleInfo struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"execution_id"`
	Workflow    string                 `json:"workflow"`
	Status      schema.ExecutionStatus `json:"status"`
}

// Info summarizes the handle.
func (h *ExecutionHandle) Info() HandleInfo {
	info := HandleInfo{ID: h.ID(), ExecutionID: h.executionID, Workflow: h.workflow}
	if cur := h.Current(); cur != nil {
		info.Status = cur.Status
	}
	return info
}

func (h *ExecutionHandle) attach(x *execution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = append(h.attempts, x)
}

func (h *ExecutionHandle) finish(final *store.Execution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.final != nil {
		return
	}
	h.final = final.Clone()
	close(h.done)
}
