package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/rendis/hookflow/internal/ingress"
	"github.com/rendis/hookflow/internal/ratelimit"
	"github.com/rendis/hookflow/pkg/mcp"
)

func (c *cli) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine behind the HTTP ingress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address (default :8080)")
	cmd.Flags().String("workflows", "", "directory of workflow definitions")
	cmd.Flags().String("store", "", "libSQL database path or URL; empty keeps state in memory")
	cmd.Flags().Bool("mcp-sse", false, "mount the MCP SSE transport on the ingress")
	cmd.PreRunE = c.bindFlags(map[string]string{
		"server.addr":   "addr",
		"workflows.dir": "workflows",
		"store.path":    "store",
		"mcp.sse":       "mcp-sse",
	})
	return cmd
}

func (c *cli) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, c.fs, logger)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(err, a.stop(shutdownCtx))
	}

	srv := ingress.NewServer(ingress.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		TrustTierHeader: cfg.Server.TrustTierHeader,
		APIKeys:         cfg.Server.KeyTiers(),
	}, a.engine, logger)

	var (
		mcpSrv *mcp.HookflowServer
		sse    *server.SSEServer
	)
	if cfg.MCP.SSE {
		mcpSrv = mcp.NewHookflowServer(mcp.ServerDeps{
			Engine:  a.engine,
			Logger:  logger,
			Version: version,
			Tier:    ratelimit.ParseTier(cfg.MCP.Tier),
		})
		mcpSrv.Start()
		sse = mcpSrv.SSEServer(cfg.MCP.Path)
		srv.Mount(cfg.MCP.Path, sse)
		logger.Info("mcp sse transport mounted", "path", cfg.MCP.Path)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err = <-serveErr:
		if err != nil {
			logger.Error("http ingress failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	errs := []error{err}
	if sse != nil {
		if stopErr := sse.Shutdown(shutdownCtx); stopErr != nil {
			errs = append(errs, stopErr)
		}
	}
	if stopErr := srv.Stop(shutdownCtx); stopErr != nil {
		errs = append(errs, stopErr)
	}
	if mcpSrv != nil {
		mcpSrv.Close()
	}
	errs = append(errs, a.stop(shutdownCtx))
	return errors.Join(errs...)
}
