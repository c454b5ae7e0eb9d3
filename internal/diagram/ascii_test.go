package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "=== order-sync v2 ===")
	assert.Contains(t, output, "│ order.created │")
	assert.Contains(t, output, "│ shape (transform) │")
	assert.Contains(t, output, "│ End │")
	assert.Contains(t, output, "▼")
	assert.NotContains(t, output, "[OK]")
}

func TestRenderASCIIConditionalNotes(t *testing.T) {
	model, err := Build(conditionalWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	// Both triggers share one row.
	assert.Contains(t, output, "│ metric.breach (filtered) │  │ schedule */5 * * * * │")
	assert.Contains(t, output, "? page (notify) runs only when its condition holds")
}

func TestRenderASCIIWithStatus(t *testing.T) {
	run := &Run{
		Execution: &store.Execution{
			WorkflowName: "order-sync",
			Status:       schema.ExecutionStatusFailed,
			RetryCount:   2,
			ErrorMessage: "[ACTION_ERROR] remote said no",
			Result:       []byte(`{"shape":{}}`),
		},
		Logs: []*store.ExecutionLog{
			{Level: schema.LogLevelError, Metadata: []byte(`{"action":"push"}`)},
		},
	}
	model, err := Build(linearWorkflow(), run)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "[FAIL]")
	assert.Contains(t, output, "[PEND]")
	assert.Contains(t, output, "retry 2")
	assert.Contains(t, output, "! push (http.post): [ACTION_ERROR] remote said no")
}

func TestStatusTag(t *testing.T) {
	assert.Equal(t, "[IGNORED]", statusTag(StatusIgnored))
	assert.Equal(t, "[SKIP]", statusTag(StatusSkipped))
	assert.Empty(t, statusTag("unknown"))
}
