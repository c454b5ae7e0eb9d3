// Package mcp exposes the hookflow engine as Model Context Protocol tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/metrics"
	"github.com/rendis/hookflow/internal/ratelimit"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/pkg/schema"
)

// Engine is the part of *engine.Engine the MCP tools use.
type Engine interface {
	SubmitWithInfo(ctx context.Context, ev schema.Event) ([]*engine.ExecutionHandle, ratelimit.Info, error)
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	ExecutionLogs(ctx context.Context, id string) ([]*store.ExecutionLog, error)
	GetStatus() engine.Status
	GetMetrics() metrics.Snapshot
	GetHistory(limit, offset int) []store.Execution
	Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error)
}

// ServerDeps holds the dependencies for creating a HookflowServer.
type ServerDeps struct {
	Engine  Engine
	Logger  *slog.Logger
	Version string
	// Tier is the rate-limit tier of events submitted through MCP.
	// Defaults to authenticated.
	Tier ratelimit.Tier
}

// HookflowServer wraps an MCP server with hookflow tool handlers.
type HookflowServer struct {
	engine    Engine
	logger    *slog.Logger
	tier      ratelimit.Tier
	sessions  *SessionRegistry
	notifier  *Notifier
	mcpServer *server.MCPServer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHookflowServer creates a new HookflowServer with all 5 tools registered.
func NewHookflowServer(deps ServerDeps) *HookflowServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	tier := deps.Tier
	if tier == "" {
		tier = ratelimit.TierAuthenticated
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &HookflowServer{
		engine:   deps.Engine,
		logger:   logging.OrDiscard(deps.Logger),
		tier:     tier,
		sessions: NewSessionRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}

	mcpSrv := server.NewMCPServer(
		"hookflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Hookflow runs workflows in response to events. Use hookflow.submit to send an event, hookflow.execution to inspect a run, hookflow.history for recent runs, and hookflow.status or hookflow.metrics for engine health."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, s.sessions, s.logger)
	return s
}

// Start relays engine progress to watching sessions until Close.
func (s *HookflowServer) Start() {
	go func() {
		if err := s.notifier.Run(s.ctx, s.engine); err != nil {
			s.logger.Warn("mcp notifier stopped", "error", err)
		}
	}()
}

// Close stops notifications and waits for pending ones to drain.
func (s *HookflowServer) Close() {
	s.cancel()
	s.notifier.Wait()
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *HookflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEServer returns the SSE transport for mounting under basePath. It serves
// basePath+"/sse" and basePath+"/message".
func (s *HookflowServer) SSEServer(basePath string) *server.SSEServer {
	return server.NewSSEServer(s.mcpServer, server.WithStaticBasePath(basePath))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *HookflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *HookflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: metricsTool(), Handler: s.handleMetrics},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: executionTool(), Handler: s.handleExecution},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("hookflow.submit",
		mcp.WithDescription("Submit an event and start every workflow it matches"),
		mcp.WithString("event_type", mcp.Required(), mcp.Description("Event type, e.g. order.created. Use manual with workflow to run one workflow by name")),
		mcp.WithString("source", mcp.Description("Event source (default: mcp)")),
		mcp.WithString("workflow", mcp.Description("Workflow to run when event_type is manual")),
		mcp.WithString("execution_id", mcp.Description("Correlation id shared by the runs (default: generated)")),
		mcp.WithObject("payload", mcp.Description("Event payload")),
		mcp.WithString("wait", mcp.Description("Wait up to this duration for the runs to finish, e.g. 5s")),
		mcp.WithBoolean("notify", mcp.Description("Push progress notifications for the started runs to this session")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("hookflow.status",
		mcp.WithDescription("Get engine state and load"),
	)
}

func metricsTool() mcp.Tool {
	return mcp.NewTool("hookflow.metrics",
		mcp.WithDescription("Get execution counters and durations"),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("hookflow.history",
		mcp.WithDescription("List recent executions, newest first"),
		mcp.WithNumber("limit", mcp.Description("Maximum executions to return (default: 20)")),
		mcp.WithNumber("offset", mcp.Description("Executions to skip")),
	)
}

func executionTool() mcp.Tool {
	return mcp.NewTool("hookflow.execution",
		mcp.WithDescription("Get one execution record"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Execution record id")),
		mcp.WithBoolean("include_logs", mcp.Description("Attach the persisted execution log")),
	)
}
