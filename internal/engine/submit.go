package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/hookflow/internal/ratelimit"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

const anonymousKey = "anonymous"

// Submit validates and rate-limits an external event, then starts one
// execution per matching workflow. An event that matches nothing returns an
// empty slice and no error.
func (e *Engine) Submit(ctx context.Context, ev schema.Event) ([]*ExecutionHandle, error) {
	handles, _, err := e.SubmitWithInfo(ctx, ev)
	return handles, err
}

// SubmitWithInfo is Submit that also returns the rate-limit state for the
// caller, so transports can render quota headers.
func (e *Engine) SubmitWithInfo(ctx context.Context, ev schema.Event) ([]*ExecutionHandle, ratelimit.Info, error) {
	if err := e.accepting(); err != nil {
		return nil, ratelimit.Info{}, err
	}
	ev, err := e.contexts.ValidateEvent(ev)
	if err != nil {
		return nil, ratelimit.Info{}, err
	}

	allowed, info := e.limiter.Allow(rateKey(ev), ratelimit.ParseTier(ev.Tier))
	if !allowed {
		e.logger.WarnContext(ctx, "event rate limited",
			"key", rateKey(ev), "tier", ev.Tier, "retry_after", info.RetryAfterSeconds())
		return nil, info, schema.NewErrorf(schema.ErrCodeRateLimited,
			"rate limit exceeded, retry after %d seconds", info.RetryAfterSeconds()).
			WithDetails(map[string]any{
				"retry_after": info.RetryAfterSeconds(),
				"limit":       info.Limit,
				"reset_at":    info.ResetAt,
			})
	}

	handles, err := e.dispatch(ctx, ev)
	return handles, info, err
}

// Dispatch admits an event from a trusted in-process source such as the
// scheduler. It validates the event but skips rate limiting.
func (e *Engine) Dispatch(ctx context.Context, ev schema.Event) ([]*ExecutionHandle, error) {
	if err := e.accepting(); err != nil {
		return nil, err
	}
	ev, err := e.contexts.ValidateEvent(ev)
	if err != nil {
		return nil, err
	}
	return e.dispatch(ctx, ev)
}

// Trigger runs one workflow by name with payload, bypassing its trigger
// conditions.
func (e *Engine) Trigger(ctx context.Context, name string, payload map[string]any) (*ExecutionHandle, error) {
	handles, err := e.Dispatch(ctx, schema.Event{
		Type:     schema.EventTypeManual,
		Source:   "manual",
		Workflow: name,
		Payload:  payload,
	})
	if err != nil {
		return nil, err
	}
	return handles[0], nil
}

func (e *Engine) dispatch(ctx context.Context, ev schema.Event) ([]*ExecutionHandle, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.now().UTC()
	}

	var regs []*registration
	if ev.Type == schema.EventTypeManual && ev.Workflow != "" {
		reg := e.lookup(ev.Workflow)
		if reg == nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not registered", ev.Workflow)
		}
		if !reg.wf.IsActive() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q is %s", ev.Workflow, reg.wf.Status)
		}
		regs = append(regs, reg)
	} else {
		for _, ref := range e.matcher.Match(ctx, ev) {
			if reg := e.lookup(ref.Name); reg != nil {
				regs = append(regs, reg)
			}
		}
	}

	handles := make([]*ExecutionHandle, 0, len(regs))
	for _, reg := range regs {
		handles = append(handles, e.startChain(ctx, reg, ev))
	}
	e.logger.DebugContext(ctx, "event dispatched",
		"event_id", ev.ID, "event_type", ev.Type, "matched", len(handles))
	return handles, nil
}

func rateKey(ev schema.Event) string {
	switch {
	case ev.Subject != "":
		return ev.Subject
	case ev.Source != "":
		return ev.Source
	default:
		return anonymousKey
	}
}

// Cancel stops an execution. id may be an attempt's record id or a
// correlation id, in which case every live attempt sharing it is cancelled.
// A queued attempt is cancelled immediately; a running one is interrupted
// and records its cancelled status when its current action returns control.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	var targets []*execution
	if x, ok := e.active[id]; ok {
		targets = append(targets, x)
	} else {
		for _, x := range e.active {
			if x.rec.ExecutionID == id {
				targets = append(targets, x)
			}
		}
	}
	e.mu.Unlock()

	if len(targets) == 0 {
		if e.knownExecution(ctx, id) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %q already finished", id)
		}
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}

	for _, x := range targets {
		e.cancelExecution(x, errCancelled)
	}
	e.logger.InfoContext(ctx, "execution cancel requested", "execution", id, "attempts", len(targets))
	return nil
}

// knownExecution reports whether id names a finished attempt or run.
func (e *Engine) knownExecution(ctx context.Context, id string) bool {
	if _, err := e.GetExecution(ctx, id); err == nil {
		return true
	}
	for _, rec := range e.history.list(0, 0) {
		if rec.ExecutionID == id {
			return true
		}
	}
	if e.store == nil {
		return false
	}
	recs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{ExecutionID: id, Limit: 1})
	return err == nil && len(recs) > 0
}

func (e *Engine) cancelExecution(x *execution, cause error) {
	x.cancel(cause)
	x.mu.Lock()
	ticket := x.ticket
	status := x.rec.Status
	x.mu.Unlock()
	if status == schema.ExecutionStatusPending && ticket != nil && ticket.Cancel() {
		e.finishUnstarted(x, cause)
	}
}
