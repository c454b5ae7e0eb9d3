package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/pkg/schema"
)

var errCancelled = schema.NewError(schema.ErrCodeCancelled, "execution cancelled")

// registration is a workflow compiled for execution. It is immutable once
// built; re-registering a workflow swaps in a new registration.
type registration struct {
	wf             *schema.Workflow
	steps          []step
	timeout        time.Duration
	retry          *schema.RetryPolicy
	maxConcurrency int
}

type step struct {
	spec     schema.ActionSpec
	key      string
	language string
	timeout  time.Duration
}

func compileRegistration(wf *schema.Workflow, defaultTimeout time.Duration) (*registration, error) {
	reg := &registration{
		wf:             wf,
		timeout:        defaultTimeout,
		retry:          wf.Policy.Retry,
		maxConcurrency: wf.Policy.MaxConcurrency,
	}
	if wf.Policy.Timeout != "" {
		d, err := time.ParseDuration(wf.Policy.Timeout)
		if err != nil || d <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q: invalid timeout %q", wf.Name, wf.Policy.Timeout)
		}
		reg.timeout = d
	}

	seen := make(map[string]bool)
	for _, spec := range wf.OrderedActions() {
		s := step{spec: spec, key: spec.Key(), language: spec.Language}
		if seen[s.key] {
			s.key = fmt.Sprintf("%s_%d", s.key, spec.OrderIndex)
		}
		seen[s.key] = true
		if spec.Timeout != "" {
			d, err := time.ParseDuration(spec.Timeout)
			if err != nil || d <= 0 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"workflow %q: action %q has invalid timeout %q", wf.Name, s.key, spec.Timeout)
			}
			s.timeout = d
		}
		reg.steps = append(reg.steps, s)
	}
	return reg, nil
}

// execution is one attempt of a workflow run. rec is guarded by mu and only
// changes status through the ExecutionFSM.
type execution struct {
	mu        sync.Mutex
	rec       store.Execution
	ticket    *Ticket
	persisted bool

	reg    *registration
	event  schema.Event
	safe   schema.SafeContext
	handle *ExecutionHandle

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func (x *execution) snapshot() *store.Execution {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.rec.Clone()
}

func (x *execution) status() schema.ExecutionStatus {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.rec.Status
}

// attemptOutcome is what running the action list produced.
type attemptOutcome struct {
	outputs  map[string]any
	executed int
	skipped  int
	err      error
	action   string // key of the action that failed
}

// startChain admits one workflow run for ev and returns its handle.
func (e *Engine) startChain(ctx context.Context, reg *registration, ev schema.Event) *ExecutionHandle {
	corr := ev.ExecutionID
	if corr == "" {
		corr = uuid.New().String()
	}
	h := newHandle(corr, reg.wf.Name)
	x := e.newAttempt(ctx, reg, ev, h, nil)

	safe, err := e.contexts.Validate(buildRawContext(reg.wf.Name, corr, ev))
	if err == nil && len(reg.wf.InputSchema) > 0 {
		payload, _ := safe.Data["payload"].(map[string]any)
		if payload == nil {
			payload = map[string]any{}
		}
		err = e.definitions.ValidateInput(payload, reg.wf.InputSchema)
	}
	if err != nil {
		e.rejectAttempt(ctx, x, err)
		return h
	}
	x.safe = safe
	e.enqueue(x, 0)
	return h
}

func buildRawContext(workflow, corr string, ev schema.Event) map[string]any {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw := map[string]any{
		"workflow_name": workflow,
		"execution_id":  corr,
		"event_type":    ev.Type,
		"payload":       payload,
	}
	if ev.ID != "" {
		raw["event_id"] = ev.ID
	}
	if ev.Source != "" {
		raw["source"] = ev.Source
	}
	return raw
}

// newAttempt creates the pending record of an attempt and makes it visible
// to queries, metrics, the store and subscribers.
func (e *Engine) newAttempt(ctx context.Context, reg *registration, ev schema.Event, h *ExecutionHandle, parent *execution) *execution {
	xctx, cancel := context.WithCancelCause(context.Background())
	x := &execution{
		reg:    reg,
		event:  ev,
		handle: h,
		ctx:    xctx,
		cancel: cancel,
		rec: store.Execution{
			ID:           uuid.New().String(),
			WorkflowID:   reg.wf.ID,
			WorkflowName: reg.wf.Name,
			ExecutionID:  h.ExecutionID(),
			Status:       schema.ExecutionStatusPending,
			EventType:    ev.Type,
			CreatedAt:    e.now().UTC(),
		},
	}
	if input, err := json.Marshal(ev.Payload); err == nil && ev.Payload != nil {
		x.rec.Input = input
	}
	if parent != nil {
		p := parent.snapshot()
		x.rec.RetryCount = p.RetryCount + 1
		x.rec.ParentExecutionID = p.ID
		x.safe = parent.safe
	}

	e.mu.Lock()
	e.active[x.rec.ID] = x
	e.mu.Unlock()
	h.attach(x)

	snap := x.snapshot()
	e.history.add(snap)
	e.metrics.RecordStart()
	e.saveExecution(ctx, x, snap)
	e.publish(ctx, streaming.StreamEvent{
		Type:        schema.EventExecutionQueued,
		Workflow:    snap.WorkflowName,
		ExecutionID: snap.ID,
		Payload:     map[string]any{"correlation_id": snap.ExecutionID, "retry_count": snap.RetryCount},
	})
	return x
}

// rejectAttempt fails an attempt whose context never validated. No action runs.
func (e *Engine) rejectAttempt(ctx context.Context, x *execution, err error) {
	code := schema.CodeOf(err)
	if code == "" {
		code = schema.ErrCodeValidation
	}
	snap, terr := e.fsm.Transition(ctx, x, schema.ExecutionStatusFailed, func(r *store.Execution) {
		r.ErrorCode = code
		r.ErrorMessage = schema.PublicMessage(err)
	})
	if terr != nil {
		return
	}
	e.appendLog(ctx, snap.ID, schema.LogLevelWarn, "execution context rejected", map[string]any{"error": err.Error(), "code": code})
	x.handle.finish(snap)
}

// enqueue hands x to the worker pool, after delay when delay > 0.
func (e *Engine) enqueue(x *execution, delay time.Duration) {
	if delay <= 0 {
		e.submitToPool(x)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			e.submitToPool(x)
		case <-x.ctx.Done():
			e.finishUnstarted(x, context.Cause(x.ctx))
		case <-e.stopping:
			e.finishUnstarted(x, errEngineStopped)
		}
	}()
}

func (e *Engine) submitToPool(x *execution) {
	ticket, err := e.pool.Submit(Task{
		Key:     x.reg.wf.Name,
		Limit:   x.reg.maxConcurrency,
		Run:     func(pctx context.Context) error { return e.run(pctx, x) },
		Dropped: func() { e.finishUnstarted(x, errEngineStopped) },
	})
	if err != nil {
		e.finishUnstarted(x, errEngineStopped)
		return
	}
	x.mu.Lock()
	x.ticket = ticket
	x.mu.Unlock()
}

// finishUnstarted cancels an attempt that never reached running.
func (e *Engine) finishUnstarted(x *execution, cause error) {
	if cause == nil {
		cause = errCancelled
	}
	code := schema.CodeOf(cause)
	if code == "" {
		code = schema.ErrCodeCancelled
	}
	x.cancel(cause)
	snap, err := e.fsm.Transition(context.Background(), x, schema.ExecutionStatusCancelled, func(r *store.Execution) {
		r.ErrorCode = code
		r.ErrorMessage = schema.PublicMessage(cause)
	})
	if err != nil {
		return
	}
	x.handle.finish(snap)
}

// run executes one attempt on a pool worker. pctx is cancelled only when a
// shutdown deadline forces running work to stop.
func (e *Engine) run(pctx context.Context, x *execution) (runErr error) {
	stop := context.AfterFunc(pctx, func() { x.cancel(errEngineStopped) })
	defer stop()

	if x.ctx.Err() != nil {
		e.finishUnstarted(x, context.Cause(x.ctx))
		return nil
	}
	snap, err := e.fsm.Transition(x.ctx, x, schema.ExecutionStatusRunning, nil)
	if err != nil {
		return nil
	}

	tctx, cancel := context.WithTimeout(x.ctx, x.reg.timeout)
	defer cancel()
	tctx = logging.WithExecution(tctx, snap.ID, snap.WorkflowName)

	defer func() {
		if r := recover(); r != nil {
			perr := schema.NewErrorf(schema.ErrCodeNonRetryable, "execution panicked: %v", r)
			e.logger.ErrorContext(tctx, "execution panicked", "panic", r)
			e.complete(tctx, x, attemptOutcome{err: perr})
			runErr = perr
		}
	}()

	out := e.runActions(tctx, x)
	e.complete(tctx, x, out)
	return out.err
}

// runActions executes the workflow's actions in order, stopping at the first
// failure that is not ignored.
func (e *Engine) runActions(ctx context.Context, x *execution) (out attemptOutcome) {
	scope := expressions.NewScope(x.event, x.safe)
	defer func() { out.outputs = scope.Outputs() }()

	for _, s := range x.reg.steps {
		if err := ctx.Err(); err != nil {
			out.err = err
			return out
		}
		actx := logging.WithAction(ctx, s.key)

		if s.spec.Condition != "" {
			ok, err := e.evaluator.EvalBool(actx, s.language, s.spec.Condition, scope.Data())
			if err != nil {
				out.err = schema.NewErrorf(schema.ErrCodeExpression,
					"condition of action %q: %s", s.key, err.Error()).WithAction(s.spec.Type).WithCause(err)
				out.action = s.key
				return out
			}
			if !ok {
				out.skipped++
				e.publishAction(actx, x, schema.EventActionSkipped, s, nil)
				continue
			}
		}

		out.executed++
		res, err := e.invoke(actx, x, s, scope)
		if err != nil {
			if ctx.Err() == nil && e.ignoreFailure(actx, x, s, err) {
				_ = scope.AddOutput(s.key, map[string]any{"ignored": true, "error": schema.PublicMessage(err)})
				continue
			}
			out.err = err
			out.action = s.key
			return out
		}

		var output any
		if res != nil && len(res.Data) > 0 {
			if err := json.Unmarshal(res.Data, &output); err != nil {
				output = string(res.Data)
			}
		}
		if err := scope.AddOutput(s.key, output); err != nil {
			out.err = err
			out.action = s.key
			return out
		}
	}
	return out
}

// invoke runs one action through the circuit breaker with its own timeout.
func (e *Engine) invoke(ctx context.Context, x *execution, s step, scope *expressions.Scope) (*actions.Result, error) {
	config, err := expressions.Interpolate(s.spec.Config, scope.Data())
	if err != nil {
		return nil, actions.Terminal(err)
	}
	if err := e.breakers.AllowRequest(s.spec.Type); err != nil {
		e.publishAction(ctx, x, schema.EventActionFailed, s, map[string]any{"error": err.Error()})
		return nil, actions.Retryable(err)
	}

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	e.publishAction(ctx, x, schema.EventActionStarted, s, nil)
	res, err := e.callAction(callCtx, s.spec.Type, config, x.safe)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = actions.Retryable(schema.NewErrorf(schema.ErrCodeActionFailed,
				"action %q timed out after %s", s.key, s.timeout).WithAction(s.spec.Type).WithCause(err))
		}
		if ctx.Err() == nil {
			if _, opened := e.breakers.RecordFailure(s.spec.Type); opened {
				e.logger.WarnContext(ctx, "circuit breaker opened", "action_type", s.spec.Type)
				e.publishAction(ctx, x, schema.EventCircuitBreakerOpen, s, nil)
			}
		}
		e.publishAction(ctx, x, schema.EventActionFailed, s, map[string]any{"error": schema.PublicMessage(err)})
		return nil, err
	}
	e.breakers.RecordSuccess(s.spec.Type)
	e.publishAction(ctx, x, schema.EventActionCompleted, s, map[string]any{"duration_ms": res.Duration.Milliseconds()})
	return res, nil
}

// callAction stops waiting as soon as ctx is done, even if the action does
// not honor cancellation.
func (e *Engine) callAction(ctx context.Context, actionType string, config map[string]any, sc schema.SafeContext) (*actions.Result, error) {
	type reply struct {
		res *actions.Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: actions.Terminal(schema.NewErrorf(schema.ErrCodeActionFailed,
					"action %q panicked: %v", actionType, r).WithAction(actionType))}
			}
		}()
		res, err := e.actions.Execute(ctx, actionType, config, sc)
		ch <- reply{res: res, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && r.res == nil {
			r.res = &actions.Result{}
		}
		return r.res, r.err
	case <-ctx.Done():
		select {
		case r := <-ch:
			if r.err == nil && r.res != nil {
				return r.res, nil
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// complete moves a running attempt to its terminal status and schedules a
// retry when the policy allows one.
func (e *Engine) complete(ctx context.Context, x *execution, out attemptOutcome) {
	var result json.RawMessage
	if len(out.outputs) > 0 {
		result, _ = json.Marshal(out.outputs)
	}

	status := schema.ExecutionStatusCompleted
	var code string
	var failure error
	retry := false

	switch {
	case out.err == nil:
	case x.ctx.Err() != nil:
		status = schema.ExecutionStatusCancelled
		failure = context.Cause(x.ctx)
		code = schema.CodeOf(failure)
		if code == "" {
			code = schema.ErrCodeCancelled
		}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = schema.ExecutionStatusTimeout
		code = schema.ErrCodeTimeout
		failure = schema.NewErrorf(schema.ErrCodeTimeout, "execution exceeded timeout of %s", x.reg.timeout).WithCause(out.err)
	default:
		status = schema.ExecutionStatusFailed
		failure = out.err
		code, retry = e.classifyFailure(x, out.err)
		if code == schema.ErrCodeRetryExhausted {
			failure = schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"retries exhausted after %d attempts: %s", x.reg.retry.MaxRetries+1, out.err.Error()).WithCause(out.err)
		}
	}

	snap, err := e.fsm.Transition(ctx, x, status, func(r *store.Execution) {
		r.Result = result
		r.ActionsExecuted = out.executed
		r.ActionsSkipped = out.skipped
		if failure != nil {
			r.ErrorCode = code
			r.ErrorMessage = schema.PublicMessage(failure)
		}
	})
	if err != nil {
		return
	}

	if failure != nil {
		meta := map[string]any{"error": failure.Error(), "code": code}
		if out.action != "" {
			meta["action"] = out.action
		}
		e.appendLog(ctx, snap.ID, schema.LogLevelError, "execution "+string(status), meta)
	}

	if retry {
		e.scheduleRetry(ctx, x, snap)
		return
	}
	x.handle.finish(snap)
}

// classifyFailure picks the error code of a failed attempt and whether a
// retry follows it.
func (e *Engine) classifyFailure(x *execution, err error) (string, bool) {
	retryable := IsRetryableError(err)
	code := schema.CodeOf(err)
	switch {
	case code == "" && retryable:
		code = schema.ErrCodeActionFailed
	case code == "" || (code == schema.ErrCodeActionFailed && !retryable):
		code = schema.ErrCodeNonRetryable
	}

	policy := x.reg.retry
	if !retryable || policy == nil || policy.MaxRetries <= 0 {
		return code, false
	}
	x.mu.Lock()
	attempt := x.rec.RetryCount
	x.mu.Unlock()
	if attempt >= policy.MaxRetries {
		return schema.ErrCodeRetryExhausted, false
	}
	if e.isStopping() {
		return code, false
	}
	return code, true
}

// scheduleRetry creates the next attempt of a failed execution and queues
// it after the policy's backoff.
func (e *Engine) scheduleRetry(ctx context.Context, x *execution, failed *store.Execution) {
	child := e.newAttempt(ctx, x.reg, x.event, x.handle, x)
	e.metrics.RecordRetry()

	delay := ComputeBackoff(x.reg.retry, failed.RetryCount, BackoffBounds{Base: e.cfg.RetryBaseDelay, Max: e.cfg.RetryMaxDelay})
	snap := child.snapshot()
	e.logger.InfoContext(ctx, "scheduling retry",
		"retry_count", snap.RetryCount, "delay", delay.String(), "next_execution", snap.ID)
	e.publish(ctx, streaming.StreamEvent{
		Type:        schema.EventExecutionRetrying,
		Workflow:    snap.WorkflowName,
		ExecutionID: failed.ID,
		Payload: map[string]any{
			"next_execution_id": snap.ID,
			"retry_count":       snap.RetryCount,
			"delay_ms":          delay.Milliseconds(),
		},
	})
	e.enqueue(child, delay)
}

func (e *Engine) publishAction(ctx context.Context, x *execution, eventType string, s step, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["action_type"] = s.spec.Type
	x.mu.Lock()
	id, wf := x.rec.ID, x.rec.WorkflowName
	x.mu.Unlock()
	e.publish(ctx, streaming.StreamEvent{
		Type:        eventType,
		Workflow:    wf,
		ExecutionID: id,
		Action:      s.key,
		Payload:     payload,
	})
}
