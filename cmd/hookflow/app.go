package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/catalog"
	"github.com/rendis/hookflow/internal/config"
	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/ratelimit"
	"github.com/rendis/hookflow/internal/scheduler"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/internal/validation"
)

// app holds the wired components shared by serve and mcp.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	fs        afero.Fs
	store     *store.LibSQLStore
	limiter   ratelimit.Limiter
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
}

// newApp builds every component from cfg without starting anything.
func newApp(ctx context.Context, cfg *config.Config, fs afero.Fs, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, fs: fs, logger: logger}

	deps := engine.Deps{Logger: logger}

	if cfg.Store.Path != "" {
		s, err := store.NewLibSQLStore(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate store: %w", err)
		}
		a.store = s
		deps.Store = s
		logger.Info("store opened", "path", cfg.Store.Path)
	} else {
		logger.Warn("store.path is empty; executions are kept in memory only")
	}

	limiter, err := ratelimit.New(cfg.RateLimit, ratelimit.WithLogger(logger))
	if err != nil {
		a.close()
		return nil, err
	}
	a.limiter = limiter
	deps.Limiter = limiter

	evaluator, err := expressions.NewEvaluator()
	if err != nil {
		a.close()
		return nil, err
	}
	deps.Evaluator = evaluator

	hub := streaming.NewMemoryHub(0)
	deps.Hub = hub

	registry := actions.NewRegistry(nil)
	if err := actions.RegisterBuiltins(registry, actions.BuiltinDeps{
		HTTP:   cfg.Actions.HTTP,
		Hub:    hub,
		Logger: logger,
	}); err != nil {
		a.close()
		return nil, err
	}
	deps.Actions = registry
	deps.Contexts = validation.NewContextValidator(cfg.Validation)

	e, err := engine.New(cfg.Engine, deps)
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = e

	var opts []scheduler.Option
	if a.store != nil {
		opts = append(opts, scheduler.WithPruner(a.store))
	}
	a.scheduler = scheduler.NewScheduler(cfg.SchedulerSettings(), e, logger, opts...)
	return a, nil
}

// start runs the engine, registers the catalog and starts the scheduler.
func (a *app) start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if err := a.loadCatalog(ctx); err != nil {
		return err
	}
	if !a.cfg.Scheduler.Enabled {
		a.logger.Info("scheduler disabled; schedule triggers and log retention will not run")
		return nil
	}
	return a.scheduler.Start(ctx)
}

// loadCatalog registers the definitions found in workflows.dir. A missing
// directory only warns.
func (a *app) loadCatalog(ctx context.Context) error {
	dir := a.cfg.Workflows.Dir
	if dir == "" {
		return nil
	}
	defs, err := catalog.Load(a.fs, dir)
	if errors.Is(err, catalog.ErrNoDirectory) {
		a.logger.Warn("workflow directory not found", "dir", dir)
		return nil
	}
	if err != nil {
		return err
	}
	n, err := catalog.Apply(ctx, a.engine, defs, a.logger)
	a.logger.Info("workflow catalog loaded", "dir", dir, "registered", n, "found", len(defs))
	return err
}

// stop shuts components down in reverse order within ctx.
func (a *app) stop(ctx context.Context) error {
	var errs []error
	if err := a.scheduler.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if err := a.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown engine: %w", err))
	}
	a.close()
	return errors.Join(errs...)
}

func (a *app) close() {
	if c, ok := a.limiter.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("close rate limiter", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
}
