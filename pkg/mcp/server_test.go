package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/ratelimit"
)

func TestNewHookflowServer(t *testing.T) {
	s := NewHookflowServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
	assert.Equal(t, ratelimit.TierAuthenticated, s.tier)
}

func TestToolRegistration(t *testing.T) {
	s := NewHookflowServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	expectedTools := []string{
		"hookflow.submit",
		"hookflow.status",
		"hookflow.metrics",
		"hookflow.history",
		"hookflow.execution",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"submit", "hookflow.submit", "Submit an event and start every workflow it matches"},
		{"status", "hookflow.status", "Get engine state and load"},
		{"metrics", "hookflow.metrics", "Get execution counters and durations"},
		{"history", "hookflow.history", "List recent executions, newest first"},
		{"execution", "hookflow.execution", "Get one execution record"},
	}

	s := NewHookflowServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestSubmitToolRequiresEventType(t *testing.T) {
	tool := submitTool()
	assert.Contains(t, tool.InputSchema.Required, "event_type")
	assert.Contains(t, tool.InputSchema.Properties, "payload")
	assert.Contains(t, tool.InputSchema.Properties, "notify")
}

func TestSSEServer(t *testing.T) {
	s := NewHookflowServer(ServerDeps{})
	assert.NotNil(t, s.SSEServer("/mcp"))
}
