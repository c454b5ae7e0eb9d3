package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.True(t, strings.HasPrefix(output, "graph TD\n"))
	assert.Contains(t, output, "%% order-sync v2")
	assert.Contains(t, output, `trigger_0{{"order.created"}}`)
	assert.Contains(t, output, `action_0["shape (transform)"]`)
	assert.Contains(t, output, `__end__(("End"))`)
	assert.Contains(t, output, "action_0 --> action_1")
	assert.Contains(t, output, "classDef completed")
	assert.Contains(t, output, "classDef failed")
	assert.NotContains(t, output, "class action_0")
}

func TestRenderMermaidConditional(t *testing.T) {
	model, err := Build(conditionalWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, `action_1{"page (notify)"}`)
	assert.Contains(t, output, "action_0 -->|when| action_1")
	assert.Contains(t, output, "action_0 -.->|skip| action_2")
}

func TestRenderMermaidWithStatus(t *testing.T) {
	run := &Run{Execution: &store.Execution{
		WorkflowName: "order-sync",
		Status:       schema.ExecutionStatusCompleted,
		Result:       []byte(`{"shape":{},"push":{},"log":null}`),
	}}
	model, err := Build(linearWorkflow(), run)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class action_0 completed")
	assert.Contains(t, output, "class action_2 completed")
	assert.Contains(t, output, "class __end__ completed")
}

func TestMermaidHelpers(t *testing.T) {
	assert.Equal(t, "a_b_c_d", mermaidSafeID("a.b-c d"))
	assert.Equal(t, "say #quot;hi#quot;", mermaidEscapeLabel(`say "hi"`))
	assert.Equal(t, "ignored", mermaidStatusClass(StatusIgnored))
	assert.Empty(t, mermaidStatusClass("weird"))
}
