package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/ratelimit"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

const (
	defaultHistoryLimit = 20
	maxWait             = 60 * time.Second
)

type submittedRun struct {
	engine.HandleInfo
	Result *store.Execution `json:"result,omitempty"`
}

type submitResult struct {
	Executions []submittedRun  `json:"executions"`
	RateLimit  *ratelimit.Info `json:"rate_limit,omitempty"`
	Notifying  bool            `json:"notifying,omitempty"`
}

type executionResult struct {
	*store.Execution
	Logs []*store.ExecutionLog `json:"logs,omitempty"`
}

// handleSubmit admits an event on behalf of the calling session.
func (s *HookflowServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventType, err := req.RequireString("event_type")
	if err != nil {
		return mcp.NewToolResultError("event_type is required"), nil
	}
	var wait time.Duration
	if raw := req.GetString("wait", ""); raw != "" {
		wait, err = time.ParseDuration(raw)
		if err != nil || wait < 0 {
			return mcp.NewToolResultError(fmt.Sprintf("wait %q is not a valid duration", raw)), nil
		}
		wait = min(wait, maxWait)
	}

	sessionID := currentSession(ctx)
	ev := schema.Event{
		Type:        eventType,
		Source:      req.GetString("source", "mcp"),
		Workflow:    req.GetString("workflow", ""),
		ExecutionID: req.GetString("execution_id", ""),
		Payload:     mcp.ParseStringMap(req, "payload", nil),
		Subject:     "mcp",
		Tier:        string(s.tier),
	}
	if sessionID != "" {
		ev.Subject = "mcp:" + sessionID
	}

	handles, info, err := s.engine.SubmitWithInfo(ctx, ev)
	if err != nil {
		return toolError(err), nil
	}

	notify := req.GetBool("notify", false) && sessionID != ""
	if notify {
		for _, h := range handles {
			s.notifier.Track(s.ctx, h, sessionID)
		}
	}

	runs := make([]submittedRun, len(handles))
	if wait > 0 {
		wctx, cancel := context.WithTimeout(ctx, wait)
		for i, h := range handles {
			if res, err := h.Wait(wctx); err == nil {
				runs[i].Result = res
			}
		}
		cancel()
	}
	for i, h := range handles {
		runs[i].HandleInfo = h.Info()
	}

	out := submitResult{Executions: runs, Notifying: notify && len(handles) > 0}
	if info.Limit > 0 {
		out.RateLimit = &info
	}
	return marshalResult(out)
}

// handleStatus reports engine state.
func (s *HookflowServer) handleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(s.engine.GetStatus())
}

// handleMetrics reports execution counters.
func (s *HookflowServer) handleMetrics(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(s.engine.GetMetrics())
}

// handleHistory lists recent executions.
func (s *HookflowServer) handleHistory(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultHistoryLimit)
	offset := req.GetInt("offset", 0)
	if limit < 0 || offset < 0 {
		return mcp.NewToolResultError("limit and offset must be non-negative"), nil
	}
	execs := s.engine.GetHistory(limit, offset)
	if execs == nil {
		execs = []store.Execution{}
	}
	return marshalResult(map[string]any{
		"executions": execs,
		"limit":      limit,
		"offset":     offset,
	})
}

// handleExecution returns one execution record, optionally with its log.
func (s *HookflowServer) handleExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	rec, err := s.engine.GetExecution(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	out := executionResult{Execution: rec}
	if req.GetBool("include_logs", false) {
		logs, err := s.engine.ExecutionLogs(ctx, id)
		if err != nil {
			return toolError(err), nil
		}
		out.Logs = logs
	}
	return marshalResult(out)
}

// currentSession returns the id of the calling MCP session, if any.
func currentSession(ctx context.Context) string {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return ""
}

// toolError renders an engine error as a tool error result. Structured
// errors already carry their code in the message.
func toolError(err error) *mcp.CallToolResult {
	if schema.CodeOf(err) == "" {
		return mcp.NewToolResultError("[INTERNAL_ERROR] " + schema.PublicMessage(err))
	}
	return mcp.NewToolResultError(schema.PublicMessage(err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
