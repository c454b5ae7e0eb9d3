package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/hookflow/internal/ratelimit"
	"github.com/rendis/hookflow/pkg/mcp"
)

func (c *cli) mcpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the engine as an MCP server over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serveMCP(cmd.Context())
		},
	}
	cmd.Flags().String("workflows", "", "directory of workflow definitions")
	cmd.Flags().String("store", "", "libSQL database path or URL; empty keeps state in memory")
	cmd.PreRunE = c.bindFlags(map[string]string{
		"workflows.dir": "workflows",
		"store.path":    "store",
	})
	return cmd
}

func (c *cli) serveMCP(parent context.Context) error {
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

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.stop(shutdownCtx)
	}
	if err := a.start(ctx); err != nil {
		return errors.Join(err, shutdown())
	}

	srv := mcp.NewHookflowServer(mcp.ServerDeps{
		Engine:  a.engine,
		Logger:  logger,
		Version: version,
		Tier:    ratelimit.ParseTier(cfg.MCP.Tier),
	})
	srv.Start()
	logger.Info("mcp stdio server ready")

	err = srv.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	srv.Close()
	return errors.Join(err, shutdown())
}
