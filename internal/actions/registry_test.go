package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/validation"
	"github.com/rendis/hookflow/pkg/schema"
)

// stubAction is a minimal Action for registry tests.
type stubAction struct {
	name        string
	desc        string
	inputSchema string
	validateErr error
	execErr     error
	calls       int
	lastInput   ActionInput
	mu          sync.Mutex
}

func (s *stubAction) Name() string { return s.name }
func (s *stubAction) Schema() ActionSchema {
	return ActionSchema{Description: s.desc, InputSchema: json.RawMessage(s.inputSchema)}
}
func (s *stubAction) Validate(map[string]any) error { return s.validateErr }
func (s *stubAction) Execute(_ context.Context, input ActionInput) (*Result, error) {
	s.mu.Lock()
	s.calls++
	s.lastInput = input
	s.mu.Unlock()
	if s.execErr != nil {
		return nil, s.execErr
	}
	return &Result{Data: json.RawMessage(`{"ok":true}`)}, nil
}

func safeContext() schema.SafeContext {
	return schema.SafeContext{WorkflowName: "triage", Data: map[string]any{"payload": map[string]any{"repo": "x/y"}}}
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubAction{name: "test.action", desc: "A test action"}))
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("test.action"))
	assert.False(t, reg.Has("other"))

	a, err := reg.Get("test.action")
	require.NoError(t, err)
	assert.Equal(t, "test.action", a.Name())
}

func TestRegistry_RegisterErrors(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubAction{name: "dup"}))

	err := reg.Register(&stubAction{name: "dup"})
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	err = reg.Register(nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	err = reg.Register(&stubAction{name: ""})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	err = reg.Register(&stubAction{name: "bad.schema", inputSchema: `{not json`})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestRegistry_GetUnknown(t *testing.T) {
	_, err := NewRegistry(nil).Get("nope")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeActionUnavailable, schema.CodeOf(err))
}

func TestRegistry_List(t *testing.T) {
	reg := NewRegistry(nil)
	for _, n := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Register(&stubAction{name: n, desc: n + " desc"}))
	}
	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "alpha desc", list[0].Description)
	assert.Equal(t, "zeta", list[2].Name)
}

func TestRegistry_Execute(t *testing.T) {
	reg := NewRegistry(nil)
	stub := &stubAction{name: "stub"}
	require.NoError(t, reg.Register(stub))

	res, err := reg.Execute(context.Background(), "stub", map[string]any{"k": "v"}, safeContext())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Data))
	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, "v", stub.lastInput.Config["k"])
	assert.Equal(t, "triage", stub.lastInput.Context.WorkflowName)
}

func TestRegistry_ExecuteClassification(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubAction{name: "flaky", execErr: Retryable(errors.New("503"))}))
	require.NoError(t, reg.Register(&stubAction{name: "broken", execErr: Terminal(errors.New("400"))}))
	require.NoError(t, reg.Register(&stubAction{name: "plain", execErr: errors.New("unclassified")}))
	require.NoError(t, reg.Register(&stubAction{name: "invalid", validateErr: errors.New("bad config")}))

	ctx := context.Background()

	_, err := reg.Execute(ctx, "flaky", nil, safeContext())
	assert.True(t, IsRetryable(err))

	_, err = reg.Execute(ctx, "broken", nil, safeContext())
	assert.Equal(t, KindTerminal, Classify(err))

	_, err = reg.Execute(ctx, "plain", nil, safeContext())
	assert.Equal(t, KindTerminal, Classify(err), "unclassified errors fail closed")
	assert.EqualError(t, err, "unclassified")

	_, err = reg.Execute(ctx, "invalid", nil, safeContext())
	assert.Equal(t, KindTerminal, Classify(err))

	_, err = reg.Execute(ctx, "missing", nil, safeContext())
	assert.Equal(t, KindTerminal, Classify(err))
	assert.Equal(t, schema.ErrCodeActionUnavailable, schema.CodeOf(err))
}

func TestRegistry_ExecuteValidatesConfigSchema(t *testing.T) {
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	reg := NewRegistry(v)
	stub := &stubAction{
		name:        "typed",
		inputSchema: `{"type":"object","properties":{"count":{"type":"integer"}},"required":["count"]}`,
	}
	require.NoError(t, reg.Register(stub))

	_, err = reg.Execute(context.Background(), "typed", map[string]any{"count": "three"}, safeContext())
	require.Error(t, err)
	assert.Equal(t, KindTerminal, Classify(err))
	assert.Equal(t, 0, stub.calls)

	_, err = reg.Execute(context.Background(), "typed", map[string]any{"count": 3}, safeContext())
	require.NoError(t, err)
}

func TestRegistry_ExecuteCancelledContext(t *testing.T) {
	reg := NewRegistry(nil)
	stub := &stubAction{name: "stub"}
	require.NoError(t, reg.Register(stub))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := reg.Execute(ctx, "stub", nil, safeContext())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
	assert.Zero(t, stub.calls)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = reg.Register(&stubAction{name: fmt.Sprintf("action.%d", i)})
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = reg.Has(fmt.Sprintf("action.%d", i))
			_ = reg.List()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, reg.Count())
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, RegisterBuiltins(reg, BuiltinDeps{}))
	for _, name := range []string{"noop", "log", "delay", "transform", "expr.eval", "notify", "http.request", "http.get", "http.post"} {
		assert.True(t, reg.Has(name), name)
	}
	assert.Error(t, RegisterBuiltins(reg, BuiltinDeps{}), "second registration conflicts")
}
