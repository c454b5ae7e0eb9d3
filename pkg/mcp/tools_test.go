package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/ratelimit"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// failAction always fails without retry.
type failAction struct{}

func (failAction) Name() string                  { return "fail" }
func (failAction) Schema() actions.ActionSchema  { return actions.ActionSchema{} }
func (failAction) Validate(map[string]any) error { return nil }
func (failAction) Execute(context.Context, actions.ActionInput) (*actions.Result, error) {
	return nil, actions.Terminal(errors.New("boom"))
}

func newTestEngine(t *testing.T, limiter ratelimit.Limiter) *engine.Engine {
	t.Helper()
	reg := actions.NewRegistry(nil)
	require.NoError(t, actions.RegisterBuiltins(reg, actions.BuiltinDeps{}))
	require.NoError(t, reg.Register(failAction{}))

	e, err := engine.New(engine.Config{}, engine.Deps{Actions: reg, Limiter: limiter})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})

	for _, wf := range []*schema.Workflow{
		{
			Name:     "greet",
			Triggers: []schema.TriggerCondition{{EventType: "user.signup"}},
			Actions: []schema.ActionSpec{{
				Type:   "noop",
				Config: map[string]any{"output": map[string]any{"hello": "{$.payload.name}"}},
			}},
		},
		{
			Name:     "explode",
			Triggers: []schema.TriggerCondition{{EventType: "job.explode"}},
			Actions:  []schema.ActionSpec{{Type: "fail"}},
		},
	} {
		_, err := e.Register(context.Background(), wf)
		require.NoError(t, err)
	}
	return e
}

func newTestServer(t *testing.T, limiter ratelimit.Limiter) (*HookflowServer, *engine.Engine) {
	t.Helper()
	e := newTestEngine(t, limiter)
	s := NewHookflowServer(ServerDeps{Engine: e})
	s.Start()
	t.Cleanup(s.Close)
	return s, e
}

// buildRequest creates a CallToolRequest with the given arguments.
func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// --- Tests ---

func TestSubmitTool(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := buildRequest("hookflow.submit", map[string]any{
		"event_type": "user.signup",
		"payload":    map[string]any{"name": "ada"},
		"wait":       "5s",
	})
	result, err := s.handleSubmit(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out submitResult
	unmarshalResult(t, result, &out)
	require.Len(t, out.Executions, 1)
	run := out.Executions[0]
	assert.Equal(t, "greet", run.Workflow)
	assert.NotEmpty(t, run.ID)
	assert.NotEmpty(t, run.ExecutionID)
	require.NotNil(t, run.Result)
	assert.Equal(t, schema.ExecutionStatusCompleted, run.Result.Status)
	assert.Equal(t, "user.signup", run.Result.EventType)
	assert.Nil(t, out.RateLimit, "unlimited engines report no quota")
	assert.False(t, out.Notifying, "no session to notify")
}

func TestSubmitTool_NoMatch(t *testing.T) {
	s, _ := newTestServer(t, nil)

	result, err := s.handleSubmit(context.Background(), buildRequest("hookflow.submit", map[string]any{
		"event_type": "nothing.listens",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out submitResult
	unmarshalResult(t, result, &out)
	assert.Empty(t, out.Executions)
}

func TestSubmitTool_ManualWorkflow(t *testing.T) {
	s, _ := newTestServer(t, nil)

	result, err := s.handleSubmit(context.Background(), buildRequest("hookflow.submit", map[string]any{
		"event_type":   schema.EventTypeManual,
		"workflow":     "greet",
		"execution_id": "order-42",
		"wait":         "5s",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out submitResult
	unmarshalResult(t, result, &out)
	require.Len(t, out.Executions, 1)
	assert.Equal(t, "order-42", out.Executions[0].ExecutionID)
	require.NotNil(t, out.Executions[0].Result)
	assert.Equal(t, schema.EventTypeManual, out.Executions[0].Result.EventType)
}

func TestSubmitTool_Errors(t *testing.T) {
	s, _ := newTestServer(t, nil)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing event type", map[string]any{}, "event_type is required"},
		{"bad wait", map[string]any{"event_type": "user.signup", "wait": "soon"}, "not a valid duration"},
		{"unknown workflow", map[string]any{"event_type": schema.EventTypeManual, "workflow": "ghost"}, schema.ErrCodeNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleSubmit(context.Background(), buildRequest("hookflow.submit", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.want)
		})
	}
}

func TestSubmitTool_RateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(map[ratelimit.Tier]ratelimit.Quota{
		ratelimit.TierAuthenticated: {Limit: 1, Window: time.Minute},
	})
	s, _ := newTestServer(t, limiter)
	args := map[string]any{"event_type": "user.signup"}

	result, err := s.handleSubmit(context.Background(), buildRequest("hookflow.submit", args))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var out submitResult
	unmarshalResult(t, result, &out)
	require.NotNil(t, out.RateLimit)
	assert.Equal(t, 1, out.RateLimit.Limit)
	assert.Equal(t, 0, out.RateLimit.Remaining)

	result, err = s.handleSubmit(context.Background(), buildRequest("hookflow.submit", args))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeRateLimited)
}

func TestStatusAndMetricsTools(t *testing.T) {
	s, e := newTestServer(t, nil)

	handles, err := e.Submit(context.Background(), schema.Event{Type: "user.signup", Source: "test", Payload: map[string]any{"name": "ada"}})
	require.NoError(t, err)
	require.Len(t, handles, 1)
	_, err = handles[0].Wait(context.Background())
	require.NoError(t, err)

	result, err := s.handleStatus(context.Background(), buildRequest("hookflow.status", nil))
	require.NoError(t, err)
	var status engine.Status
	unmarshalResult(t, result, &status)
	assert.Equal(t, engine.StateRunning, status.State)
	assert.Equal(t, 2, status.Workflows)

	result, err = s.handleMetrics(context.Background(), buildRequest("hookflow.metrics", nil))
	require.NoError(t, err)
	var snap map[string]any
	unmarshalResult(t, result, &snap)
	assert.NotEmpty(t, snap)
}

func TestHistoryTool(t *testing.T) {
	s, e := newTestServer(t, nil)

	for range 3 {
		handles, err := e.Submit(context.Background(), schema.Event{Type: "user.signup", Source: "test", Payload: map[string]any{"name": "ada"}})
		require.NoError(t, err)
		_, err = handles[0].Wait(context.Background())
		require.NoError(t, err)
	}

	result, err := s.handleHistory(context.Background(), buildRequest("hookflow.history", map[string]any{
		"limit":  float64(2),
		"offset": float64(1),
	}))
	require.NoError(t, err)
	var out struct {
		Executions []store.Execution `json:"executions"`
		Limit      int               `json:"limit"`
		Offset     int               `json:"offset"`
	}
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Executions, 2)
	assert.Equal(t, 2, out.Limit)
	assert.Equal(t, 1, out.Offset)

	result, err = s.handleHistory(context.Background(), buildRequest("hookflow.history", map[string]any{"limit": float64(-1)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExecutionTool(t *testing.T) {
	s, e := newTestServer(t, nil)

	handles, err := e.Submit(context.Background(), schema.Event{
		Type:    "user.signup",
		Source:  "test",
		Payload: map[string]any{"name": "grace"},
	})
	require.NoError(t, err)
	final, err := handles[0].Wait(context.Background())
	require.NoError(t, err)

	result, err := s.handleExecution(context.Background(), buildRequest("hookflow.execution", map[string]any{
		"id":           final.ID,
		"include_logs": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var rec store.Execution
	unmarshalResult(t, result, &rec)
	assert.Equal(t, final.ID, rec.ID)
	assert.Equal(t, schema.ExecutionStatusCompleted, rec.Status)
	assert.JSONEq(t, `{"name":"grace"}`, string(rec.Input))

	result, err = s.handleExecution(context.Background(), buildRequest("hookflow.execution", map[string]any{"id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)

	result, err = s.handleExecution(context.Background(), buildRequest("hookflow.execution", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
