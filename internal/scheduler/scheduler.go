// Package scheduler fires cron-triggered workflows and runs periodic
// housekeeping such as execution log retention.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/trigger"
	"github.com/rendis/hookflow/pkg/schema"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultResyncInterval = 30 * time.Second
	DefaultRetentionSweep = "@hourly"
)

// Dispatcher is the part of the engine the scheduler drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev schema.Event) ([]*engine.ExecutionHandle, error)
	Schedules() []trigger.Schedule
}

// LogPruner deletes execution log entries older than a cutoff.
type LogPruner interface {
	PruneLogs(ctx context.Context, before time.Time) (int64, error)
}

// Config controls the scheduler.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// ResyncInterval is how often cron entries are reconciled with the
	// registered workflows.
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
	// LogRetention is the age after which execution logs are pruned. Zero
	// keeps logs forever.
	LogRetention time.Duration `mapstructure:"log_retention"`
	// RetentionSweep is the cron spec of the pruning job.
	RetentionSweep string `mapstructure:"retention_sweep"`
}

func (c Config) withDefaults() Config {
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = DefaultResyncInterval
	}
	if c.RetentionSweep == "" {
		c.RetentionSweep = DefaultRetentionSweep
	}
	return c
}

// Scheduler keeps one cron entry per workflow schedule trigger and
// dispatches a schedule event to the engine each time one fires.
type Scheduler struct {
	cfg        Config
	dispatcher Dispatcher
	pruner     LogPruner
	parser     cron.Parser
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[trigger.Schedule]cron.EntryID

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflows currently being dispatched (dedup)
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithPruner enables the log retention sweep.
func WithPruner(p LogPruner) Option {
	return func(s *Scheduler) { s.pruner = p }
}

// WithClock overrides the time source used for retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a new Scheduler.
func NewScheduler(cfg Config, d Dispatcher, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:        cfg.withDefaults(),
		dispatcher: d,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:     logging.OrDiscard(logger),
		now:        time.Now,
		entries:    make(map[trigger.Schedule]cron.EntryID),
		inflight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the current schedules and launches the cron loop. Jobs run
// with a context derived from ctx that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.ctx, s.cancel = jobCtx, cancel
	s.cron = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.ResyncInterval), s.Sync); err != nil {
		cancel()
		s.reset()
		s.mu.Unlock()
		return fmt.Errorf("schedule resync: %w", err)
	}
	if s.pruner != nil && s.cfg.LogRetention > 0 {
		if _, err := s.cron.AddFunc(s.cfg.RetentionSweep, func() { s.Prune(jobCtx) }); err != nil {
			cancel()
			s.reset()
			s.mu.Unlock()
			return fmt.Errorf("schedule retention sweep %q: %w", s.cfg.RetentionSweep, err)
		}
	}
	s.mu.Unlock()

	s.Sync()
	s.cron.Start()
	s.logger.Info("scheduler started",
		slog.Int("schedules", s.Len()),
		slog.Duration("log_retention", s.cfg.LogRetention))
	return nil
}

// Stop halts the cron loop and waits for jobs that are already running.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	cancel()
	<-c.Stop().Done()

	s.mu.Lock()
	s.reset()
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) reset() {
	s.cron = nil
	s.cancel = nil
	s.ctx = nil
	s.entries = make(map[trigger.Schedule]cron.EntryID)
}

// Sync reconciles cron entries with the schedules of the registered
// workflows: new triggers are added and triggers that disappeared are removed.
func (s *Scheduler) Sync() {
	want := make(map[trigger.Schedule]bool)
	for _, sc := range s.dispatcher.Schedules() {
		want[sc] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	for sc, id := range s.entries {
		if !want[sc] {
			s.cron.Remove(id)
			delete(s.entries, sc)
			s.logger.Info("schedule removed", slog.String("workflow", sc.Workflow), slog.String("spec", sc.Spec))
		}
	}
	jobCtx := s.ctx
	for sc := range want {
		if _, ok := s.entries[sc]; ok {
			continue
		}
		id, err := s.cron.AddFunc(sc.Spec, func() { s.Fire(jobCtx, sc.Workflow) })
		if err != nil {
			s.logger.Error("invalid schedule",
				slog.String("workflow", sc.Workflow),
				slog.String("spec", sc.Spec),
				slog.String("error", err.Error()))
			continue
		}
		s.entries[sc] = id
		s.logger.Info("schedule added", slog.String("workflow", sc.Workflow), slog.String("spec", sc.Spec))
	}
}

// Len returns the number of workflow schedules currently registered.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NextRun returns when the schedule of workflow fires next.
func (s *Scheduler) NextRun(workflow string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}, false
	}
	var next time.Time
	for sc, id := range s.entries {
		if sc.Workflow != workflow {
			continue
		}
		entry := s.cron.Entry(id)
		n := entry.Next
		// Next is filled in by the cron loop; compute it for entries it has not seen yet.
		if n.IsZero() && entry.Schedule != nil {
			n = entry.Schedule.Next(s.now().UTC())
		}
		if !n.IsZero() && (next.IsZero() || n.Before(next)) {
			next = n
		}
	}
	return next, !next.IsZero()
}

// Fire dispatches one schedule event for workflow. A workflow whose previous
// dispatch is still in progress is skipped.
func (s *Scheduler) Fire(ctx context.Context, workflow string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.tryAcquire(workflow) {
		s.logger.Warn("skipping schedule, previous dispatch still in progress", slog.String("workflow", workflow))
		return
	}
	defer s.releaseJob(workflow)

	firedAt := s.now().UTC()
	handles, err := s.dispatcher.Dispatch(ctx, schema.Event{
		Type:     schema.EventTypeSchedule,
		Source:   "scheduler",
		Workflow: workflow,
		Payload:  map[string]any{"scheduled_at": firedAt.Format(time.RFC3339)},
	})
	if err != nil {
		s.logger.Error("scheduled dispatch failed",
			slog.String("workflow", workflow),
			slog.String("error", err.Error()))
		return
	}
	for _, h := range handles {
		s.logger.Info("scheduled execution queued",
			slog.String("workflow", h.Workflow()),
			slog.String("execution_id", h.ExecutionID()))
	}
}

// Prune deletes execution logs older than the retention window.
func (s *Scheduler) Prune(ctx context.Context) int64 {
	if s.pruner == nil || s.cfg.LogRetention <= 0 {
		return 0
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cutoff := s.now().UTC().Add(-s.cfg.LogRetention)
	n, err := s.pruner.PruneLogs(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to prune execution logs", slog.String("error", err.Error()))
		return 0
	}
	if n > 0 {
		s.logger.Info("pruned execution logs", slog.Int64("count", n), slog.Time("before", cutoff))
	}
	return n
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// tryAcquire returns true and marks the workflow as in-flight if it is not already.
func (s *Scheduler) tryAcquire(workflow string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[workflow]; ok {
		return false
	}
	s.inflight[workflow] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(workflow string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, workflow)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
