// Package engine executes workflows in response to events. It owns the
// execution state machine, the bounded worker pool, retries, timeouts and
// the in-memory history, and reports outcomes to metrics, the store and the
// notification hub.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/metrics"
	"github.com/rendis/hookflow/internal/ratelimit"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/internal/trigger"
	"github.com/rendis/hookflow/internal/validation"
	"github.com/rendis/hookflow/pkg/schema"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultMaxConcurrent   = 10
	DefaultTimeout         = 5 * time.Minute
	DefaultRetryBaseDelay  = time.Second
	DefaultRetryMaxDelay   = time.Minute
	DefaultPersistAttempts = 3
	DefaultPersistBackoff  = 50 * time.Millisecond
)

// Config bounds how the engine runs executions.
type Config struct {
	MaxConcurrent   int                  `mapstructure:"max_concurrent"`
	DefaultTimeout  time.Duration        `mapstructure:"default_timeout"`
	HistorySize     int                  `mapstructure:"history_size"`
	RetryBaseDelay  time.Duration        `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration        `mapstructure:"retry_max_delay"`
	PersistAttempts int                  `mapstructure:"persist_attempts"`
	PersistBackoff  time.Duration        `mapstructure:"persist_backoff"`
	CircuitBreaker  CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   DefaultMaxConcurrent,
		DefaultTimeout:  DefaultTimeout,
		HistorySize:     DefaultHistorySize,
		RetryBaseDelay:  DefaultRetryBaseDelay,
		RetryMaxDelay:   DefaultRetryMaxDelay,
		PersistAttempts: DefaultPersistAttempts,
		PersistBackoff:  DefaultPersistBackoff,
		CircuitBreaker:  DefaultCircuitBreakerConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = d.PersistAttempts
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = d.PersistBackoff
	}
	return c
}

// Deps are the collaborators of an Engine. Only Actions is required.
type Deps struct {
	Actions     actions.Executor
	Store       store.Store
	Contexts    *validation.ContextValidator
	Definitions validation.Validator
	Limiter     ratelimit.Limiter
	Evaluator   *expressions.Evaluator
	Metrics     *metrics.Collector
	Hub         streaming.EventHub
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Lifecycle states reported by GetStatus.
const (
	StateCreated  = "created"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)

var errEngineStopped = schema.NewError(schema.ErrCodeEngineStopped, "engine is shutting down")

// Engine is the workflow execution coordinator.
type Engine struct {
	cfg         Config
	actions     actions.Executor
	store       store.Store
	contexts    *validation.ContextValidator
	definitions validation.Validator
	limiter     ratelimit.Limiter
	evaluator   *expressions.Evaluator
	metrics     *metrics.Collector
	hub         streaming.EventHub
	logger      *slog.Logger
	now         func() time.Time

	matcher  *trigger.Matcher
	breakers *CircuitBreakerRegistry
	pool     *WorkerPool
	fsm      *ExecutionFSM
	history  *history

	wfMu      sync.RWMutex
	workflows map[string]*registration

	// mu guards active, state and startedAt.
	mu        sync.Mutex
	active    map[string]*execution
	state     string
	startedAt time.Time
	stopping  chan struct{}

	// wg tracks retries waiting out their backoff.
	wg sync.WaitGroup
}

// New creates an Engine. Missing optional collaborators get in-process
// defaults: default validation limits, no rate limiting, a fresh metrics
// collector and an in-memory hub. A nil Store keeps state in memory only.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Actions == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires an action executor")
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:       cfg,
		actions:   deps.Actions,
		store:     deps.Store,
		contexts:  deps.Contexts,
		limiter:   deps.Limiter,
		evaluator: deps.Evaluator,
		metrics:   deps.Metrics,
		hub:       deps.Hub,
		logger:    logging.OrDiscard(deps.Logger),
		now:       deps.Clock,
		breakers:  NewCircuitBreakerRegistry(cfg.CircuitBreaker),
		pool:      NewWorkerPool(cfg.MaxConcurrent),
		history:   newHistory(cfg.HistorySize),
		workflows: make(map[string]*registration),
		active:    make(map[string]*execution),
		state:     StateCreated,
		stopping:  make(chan struct{}),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.evaluator == nil {
		ev, err := expressions.NewEvaluator()
		if err != nil {
			return nil, err
		}
		e.evaluator = ev
	}
	if e.contexts == nil {
		e.contexts = validation.NewContextValidator(validation.DefaultLimits())
	}
	e.definitions = deps.Definitions
	if e.definitions == nil {
		wv, err := validation.NewWorkflowValidator(deps.Actions, e.evaluator)
		if err != nil {
			return nil, err
		}
		e.definitions = wv
	}
	if e.limiter == nil {
		e.limiter = ratelimit.Unlimited{}
	}
	if e.metrics == nil {
		e.metrics = metrics.NewCollector()
	}
	if e.hub == nil {
		e.hub = streaming.NewMemoryHub(0)
	}
	e.matcher = trigger.NewMatcher(e.evaluator, e.logger)

	e.fsm = NewExecutionFSM(e.now)
	e.fsm.OnEnter(schema.ExecutionStatusRunning, e.onRunning)
	e.fsm.OnTerminal(e.onTerminal)
	return e, nil
}

// --- Workflows ---

// Register validates a workflow definition, persists it and makes it
// eligible for matching. Re-registering a name replaces the previous
// definition; executions already running keep the version they started with.
func (e *Engine) Register(ctx context.Context, wf *schema.Workflow) (*schema.Workflow, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if err := e.definitions.ValidateDefinition(wf); err != nil {
		return nil, err
	}
	cp, err := cloneWorkflow(wf)
	if err != nil {
		return nil, err
	}
	if _, err := compileRegistration(cp, e.cfg.DefaultTimeout); err != nil {
		return nil, err
	}
	// Compile trigger paths and predicates before anything is persisted.
	if err := trigger.NewMatcher(e.evaluator, e.logger).Set(cp); err != nil {
		return nil, err
	}

	if e.store != nil {
		rec := &store.Workflow{Definition: *cp}
		if err := e.store.UpsertWorkflow(ctx, rec); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "persist workflow %q: %s", cp.Name, err.Error()).WithCause(err)
		}
		*cp = rec.Definition
	} else {
		e.stampLocal(cp)
	}

	reg, err := compileRegistration(cp, e.cfg.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	e.wfMu.Lock()
	if err := e.matcher.Set(cp); err != nil {
		e.wfMu.Unlock()
		return nil, err
	}
	e.workflows[cp.Name] = reg
	e.wfMu.Unlock()

	e.logger.InfoContext(ctx, "workflow registered",
		"workflow", cp.Name, "version", cp.Version, "actions", len(cp.Actions), "active", cp.IsActive())
	out, _ := cloneWorkflow(cp)
	return out, nil
}

// stampLocal assigns identity to a definition when no store is configured.
func (e *Engine) stampLocal(wf *schema.Workflow) {
	now := e.now().UTC()
	e.wfMu.RLock()
	prev, ok := e.workflows[wf.Name]
	e.wfMu.RUnlock()
	if ok {
		wf.ID = prev.wf.ID
		wf.Version = prev.wf.Version + 1
		wf.CreatedAt = prev.wf.CreatedAt
	} else {
		if wf.ID == "" {
			wf.ID = uuid.New().String()
		}
		if wf.Version < 1 {
			wf.Version = 1
		}
		wf.CreatedAt = now
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusActive
	}
	wf.UpdatedAt = now
}

// Unregister removes a workflow from matching and archives it in the store.
func (e *Engine) Unregister(ctx context.Context, name string) error {
	e.wfMu.Lock()
	reg, ok := e.workflows[name]
	if ok {
		delete(e.workflows, name)
		e.matcher.Remove(name)
	}
	e.wfMu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not registered", name)
	}

	if e.store != nil {
		rec := &store.Workflow{Definition: *reg.wf, Status: schema.WorkflowStatusArchived}
		if err := e.store.UpsertWorkflow(ctx, rec); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "archive workflow %q: %s", name, err.Error()).WithCause(err)
		}
	}
	e.logger.InfoContext(ctx, "workflow unregistered", "workflow", name)
	return nil
}

// Workflows returns copies of the registered definitions sorted by name.
func (e *Engine) Workflows() []*schema.Workflow {
	e.wfMu.RLock()
	out := make([]*schema.Workflow, 0, len(e.workflows))
	for _, reg := range e.workflows {
		if cp, err := cloneWorkflow(reg.wf); err == nil {
			out = append(out, cp)
		}
	}
	e.wfMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Workflow returns a copy of one registered definition.
func (e *Engine) Workflow(name string) (*schema.Workflow, bool) {
	reg := e.lookup(name)
	if reg == nil {
		return nil, false
	}
	cp, err := cloneWorkflow(reg.wf)
	return cp, err == nil
}

// Schedules lists the cron triggers of the active workflows.
func (e *Engine) Schedules() []trigger.Schedule {
	return e.matcher.Schedules()
}

func (e *Engine) lookup(name string) *registration {
	e.wfMu.RLock()
	defer e.wfMu.RUnlock()
	return e.workflows[name]
}

// --- Lifecycle ---

// Start loads persisted workflows and closes out executions a previous
// process left unfinished. Calling Start more than once is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateCreated {
		state := e.state
		e.mu.Unlock()
		if state == StateRunning {
			return nil
		}
		return errEngineStopped
	}
	e.state = StateRunning
	e.startedAt = e.now().UTC()
	e.mu.Unlock()

	if e.store == nil {
		e.logger.InfoContext(ctx, "engine started", "max_concurrent", e.cfg.MaxConcurrent, "persistence", false)
		return nil
	}

	active := schema.WorkflowStatusActive
	stored, err := e.store.ListWorkflows(ctx, store.WorkflowFilter{Status: &active})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "load workflows: %s", err.Error()).WithCause(err)
	}
	for _, rec := range stored {
		if e.lookup(rec.Name) != nil {
			continue
		}
		def := rec.Definition
		if _, err := e.Register(ctx, &def); err != nil {
			e.logger.WarnContext(ctx, "skipping stored workflow", "workflow", rec.Name, "error", err)
		}
	}

	recovered := e.recoverOrphans(ctx)
	e.logger.InfoContext(ctx, "engine started",
		"max_concurrent", e.cfg.MaxConcurrent, "workflows", len(e.Workflows()), "recovered", recovered)
	return nil
}

// recoverOrphans fails executions persisted as pending or running by a
// process that no longer exists.
func (e *Engine) recoverOrphans(ctx context.Context) int {
	n := 0
	msg := "interrupted: engine restarted before the execution finished"
	code := schema.ErrCodeEngineStopped
	for _, st := range []schema.ExecutionStatus{schema.ExecutionStatusPending, schema.ExecutionStatusRunning} {
		status := st
		orphans, err := e.store.ListExecutions(ctx, store.ExecutionFilter{Status: &status})
		if err != nil {
			e.logger.WarnContext(ctx, "list orphaned executions", "status", status, "error", err)
			continue
		}
		for _, o := range orphans {
			failed := schema.ExecutionStatusFailed
			now := e.now().UTC()
			if err := e.store.UpdateExecution(ctx, o.ID, store.ExecutionUpdate{
				Status:       &failed,
				ErrorMessage: &msg,
				ErrorCode:    &code,
				CompletedAt:  &now,
			}); err != nil {
				e.logger.WarnContext(ctx, "recover orphaned execution", "execution", o.ID, "error", err)
				continue
			}
			n++
		}
	}
	return n
}

// Shutdown stops accepting events, cancels queued and backing-off
// executions and waits for running ones. When ctx ends first, running
// executions are cancelled and Shutdown returns ctx.Err() once they have
// recorded their terminal state.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateStopping || e.state == StateStopped {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopping
	close(e.stopping)
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "engine shutting down")
	err := e.pool.Shutdown(ctx)
	e.wg.Wait()

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()

	if err != nil {
		e.logger.WarnContext(ctx, "engine shutdown forced running executions to cancel", "error", err)
	} else {
		e.logger.InfoContext(ctx, "engine stopped")
	}
	return err
}

func (e *Engine) isStopping() bool {
	select {
	case <-e.stopping:
		return true
	default:
		return false
	}
}

func (e *Engine) accepting() error {
	if e.isStopping() {
		return errEngineStopped
	}
	return nil
}

// --- Queries ---

// Status is a point-in-time view of the engine.
type Status struct {
	State         string         `json:"state"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	Uptime        string         `json:"uptime,omitempty"`
	Workflows     int            `json:"workflows"`
	Running       int64          `json:"running"`
	Queued        int64          `json:"queued"`
	Pending       int            `json:"pending"`
	MaxConcurrent int            `json:"max_concurrent"`
	HistorySize   int            `json:"history_size"`
	Pool          PoolMetrics    `json:"pool"`
	Breakers      []CircuitStats `json:"circuit_breakers,omitempty"`
}

// GetStatus reports the lifecycle state and load of the engine.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	st := Status{State: e.state, MaxConcurrent: e.cfg.MaxConcurrent}
	if !e.startedAt.IsZero() {
		t := e.startedAt
		st.StartedAt = &t
		st.Uptime = e.now().Sub(t).Round(time.Second).String()
	}
	for _, x := range e.active {
		if x.status() == schema.ExecutionStatusPending {
			st.Pending++
		}
	}
	e.mu.Unlock()

	e.wfMu.RLock()
	st.Workflows = len(e.workflows)
	e.wfMu.RUnlock()

	st.Pool = e.pool.Metrics()
	st.Running = st.Pool.Active
	st.Queued = st.Pool.Queued
	st.HistorySize = e.history.len()
	st.Breakers = e.breakers.Stats()
	return st
}

// GetMetrics returns a consistent snapshot of the execution counters.
func (e *Engine) GetMetrics() metrics.Snapshot {
	return e.metrics.Snapshot()
}

// GetHistory returns recent executions newest first.
func (e *Engine) GetHistory(limit, offset int) []store.Execution {
	return e.history.list(limit, offset)
}

// GetExecution looks an execution up by id, first in memory, then in the store.
func (e *Engine) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	e.mu.Lock()
	x, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		return x.snapshot(), nil
	}
	if rec, ok := e.history.get(id); ok {
		return rec, nil
	}
	if e.store != nil {
		return e.store.GetExecution(ctx, id)
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
}

// ExecutionLogs returns the persisted diagnostic log of an execution.
func (e *Engine) ExecutionLogs(ctx context.Context, id string) ([]*store.ExecutionLog, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.ListLogs(ctx, id, store.LogFilter{})
}

// Subscribe streams notifications matching filter until cancel is called.
func (e *Engine) Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error) {
	return e.hub.Subscribe(ctx, filter)
}

// --- Helpers ---

func cloneWorkflow(wf *schema.Workflow) (*schema.Workflow, error) {
	data, err := json.Marshal(wf)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode workflow: %s", err.Error()).WithCause(err)
	}
	var cp schema.Workflow
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode workflow: %s", err.Error()).WithCause(err)
	}
	return &cp, nil
}

func (e *Engine) publish(ctx context.Context, ev streaming.StreamEvent) {
	if ev.Time.IsZero() {
		ev.Time = e.now().UTC()
	}
	if err := e.hub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.DebugContext(ctx, "publish notification", "type", ev.Type, "error", err)
	}
}
