package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/pkg/schema"
)

func prData() map[string]any {
	return map[string]any{
		"event": map[string]any{"type": "pr.opened", "subject": "octo"},
		"payload": map[string]any{
			"repo":   "x/y",
			"number": 7,
			"draft":  false,
			"labels": []any{"bug", "urgent"},
			"author": map[string]any{"login": "octo", "bot": false},
		},
		"context": map[string]any{"workflow_name": "triage"},
		"outputs": map[string]any{"fetch": map[string]any{"status": 200}},
	}
}

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator()
	require.NoError(t, err)
	return ev
}

func TestEvaluator_EvalBool(t *testing.T) {
	ev := newEvaluator(t)
	ctx := context.Background()

	tests := []struct {
		language, expression string
		want                 bool
	}{
		{"", `payload.repo == "x/y"`, true},
		{"cel", `payload.number > 5 && !payload.draft`, true},
		{"cel", `"urgent" in payload.labels`, true},
		{"cel", `event.type.startsWith("pr.")`, true},
		{"cel", `outputs.fetch.status == 404`, false},
		{"expr", `payload.number > 5 and "bug" in payload.labels`, true},
		{"expr", `payload.author.login == event.subject`, true},
		{"expr", `payload.missing?.field ?? false`, false},
		{"jq", `.payload.labels | any(. == "urgent")`, true},
		{"jq", `.payload.draft`, false},
		{"jq", `.payload.missing`, false},
		{"jq", `.payload.repo`, true},
	}
	for _, tt := range tests {
		t.Run(tt.language+":"+tt.expression, func(t *testing.T) {
			got, err := ev.EvalBool(ctx, tt.language, tt.expression, prData())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_EvalBoolRejectsNonBoolean(t *testing.T) {
	ev := newEvaluator(t)
	_, err := ev.EvalBool(context.Background(), "cel", "payload.number", prData())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
}

func TestEvaluator_UnknownLanguage(t *testing.T) {
	ev := newEvaluator(t)
	err := ev.Check("lua", "true")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lua")

	_, err = ev.Evaluate(context.Background(), "lua", "true", nil)
	require.Error(t, err)
}

func TestEvaluator_Check(t *testing.T) {
	ev := newEvaluator(t)

	assert.NoError(t, ev.Check("cel", `payload.repo == "x"`))
	assert.NoError(t, ev.Check("expr", `len(payload.labels) > 0`))
	assert.NoError(t, ev.Check("jq", `.payload | keys`))

	assert.Error(t, ev.Check("cel", `payload.repo ==`))
	assert.Error(t, ev.Check("cel", `unknown_var == 1`))
	assert.Error(t, ev.Check("expr", `1 +`))
	assert.Error(t, ev.Check("jq", `.[`))
	assert.Error(t, ev.Check("cel", ""))
}

func TestEvaluator_ConcurrentUse(t *testing.T) {
	ev := newEvaluator(t)
	var wg sync.WaitGroup
	errs := make(chan error, 60)
	for i := 0; i < 20; i++ {
		for _, lang := range []string{"cel", "expr", "jq"} {
			wg.Add(1)
			go func(lang string) {
				defer wg.Done()
				expression := map[string]string{
					"cel":  `payload.number == 7`,
					"expr": `payload.number == 7`,
					"jq":   `.payload.number == 7`,
				}[lang]
				ok, err := ev.EvalBool(context.Background(), lang, expression, prData())
				if err == nil && !ok {
					err = assert.AnError
				}
				errs <- err
			}(lang)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestCELEngine_MissingVariablesDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(outputs) == 0`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	_, err = e.Evaluate(context.Background(), `payload.repo == "x"`, map[string]any{})
	require.Error(t, err, "missing key in an empty map is a runtime error")
}

func TestGoJQEngine_Outputs(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `.payload.labels[]`, prData())
	require.NoError(t, err)
	assert.Equal(t, []any{"bug", "urgent"}, out)

	out, err = e.Evaluate(ctx, `empty`, prData())
	require.NoError(t, err)
	assert.Nil(t, out)

	all, err := e.EvaluateAll(ctx, `.payload.number`, prData())
	require.NoError(t, err)
	assert.Equal(t, []any{7}, all)

	_, err = e.Evaluate(ctx, `error("boom")`, prData())
	require.Error(t, err)
}

func TestGoJQEngine_NormalizesGoTypes(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `.n + .m`, map[string]any{
		"n": int64(2),
		"m": uint8(3),
	})
	require.NoError(t, err)
	assert.Equal(t, 5, out)

	out, err = e.Evaluate(context.Background(), `.tags | length`, map[string]any{"tags": []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestGoJQEngine_BlocksEnv(t *testing.T) {
	out, err := NewGoJQEngine().Evaluate(context.Background(), `$ENV | length`, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}
