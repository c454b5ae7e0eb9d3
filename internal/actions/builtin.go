package actions

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/pkg/schema"
)

// BuiltinDeps holds the dependencies injected into built-in actions.
type BuiltinDeps struct {
	HTTP   HTTPConfig
	Hub    streaming.EventHub // optional; notify fails without it
	Logger *slog.Logger
}

// Builtins returns every built-in action.
func Builtins(deps BuiltinDeps) []Action {
	logger := logging.OrDiscard(deps.Logger)
	return []Action{
		noopAction{},
		&logAction{logger: logger},
		delayAction{},
		&transformAction{engine: expressions.NewGoJQEngine()},
		&exprEvalAction{engine: expressions.NewExprEngine()},
		&notifyAction{hub: deps.Hub},
		NewHTTPRequestAction(deps.HTTP),
		NewHTTPGetAction(deps.HTTP),
		NewHTTPPostAction(deps.HTTP),
	}
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	for _, a := range Builtins(deps) {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// --- noop ---

type noopAction struct{}

func (noopAction) Name() string { return "noop" }

func (noopAction) Schema() ActionSchema {
	return ActionSchema{Description: "Do nothing. Returns config.output when set."}
}

func (noopAction) Validate(map[string]any) error { return nil }

func (noopAction) Execute(_ context.Context, input ActionInput) (*Result, error) {
	if out, ok := input.Config["output"]; ok {
		return jsonResult(out)
	}
	return jsonResult(map[string]any{"ok": true})
}

// --- log ---

type logAction struct {
	logger *slog.Logger
}

func (a *logAction) Name() string { return "log" }

func (a *logAction) Schema() ActionSchema {
	return ActionSchema{Description: "Write a structured log entry with the execution context."}
}

func (a *logAction) Validate(config map[string]any) error {
	if stringParam(config, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "log: missing required config 'message'")
	}
	switch stringParam(config, "level", "info") {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return schema.NewError(schema.ErrCodeValidation, "log: level must be debug, info, warn or error")
	}
}

func (a *logAction) Execute(ctx context.Context, input ActionInput) (*Result, error) {
	message := stringParam(input.Config, "message", "")
	attrs := []any{slog.String("workflow_name", input.Context.WorkflowName)}
	if data, ok := input.Config["data"]; ok {
		attrs = append(attrs, slog.Any("data", data))
	}

	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(stringParam(input.Config, "level", "info")))
	a.logger.Log(ctx, level, message, attrs...)

	return jsonResult(map[string]any{"logged": true, "message": message})
}

// --- delay ---

const maxDelay = 10 * time.Minute

type delayAction struct{}

func (delayAction) Name() string { return "delay" }

func (delayAction) Schema() ActionSchema {
	return ActionSchema{Description: "Wait for config.duration; honours cancellation."}
}

func (delayAction) Validate(config map[string]any) error {
	d, err := durationParam(config, "duration", 0)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "delay: %s", err.Error())
	}
	if d <= 0 || d > maxDelay {
		return schema.NewErrorf(schema.ErrCodeValidation, "delay: duration must be within (0, %s]", maxDelay)
	}
	return nil
}

func (delayAction) Execute(ctx context.Context, input ActionInput) (*Result, error) {
	d, _ := durationParam(input.Config, "duration", 0)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return jsonResult(map[string]any{"waited_ms": d.Milliseconds()})
	case <-ctx.Done():
		return nil, Terminal(schema.NewError(schema.ErrCodeCancelled, "delay interrupted").WithCause(ctx.Err()))
	}
}

// --- transform ---

type transformAction struct {
	engine *expressions.GoJQEngine
}

func (a *transformAction) Name() string { return "transform" }

func (a *transformAction) Schema() ActionSchema {
	return ActionSchema{Description: "Run a jq program over the execution context (or config.data) and return its output."}
}

func (a *transformAction) Validate(config map[string]any) error {
	q := stringParam(config, "query", "")
	if q == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform: missing required config 'query'")
	}
	return a.engine.Compile(q)
}

func (a *transformAction) Execute(ctx context.Context, input ActionInput) (*Result, error) {
	data := input.Context.Map()
	if explicit, ok := input.Config["data"].(map[string]any); ok {
		data = explicit
	}
	out, err := a.engine.Evaluate(ctx, stringParam(input.Config, "query", ""), data)
	if err != nil {
		return nil, Terminal(err)
	}
	return jsonResult(map[string]any{"result": out})
}

// --- expr.eval ---

type exprEvalAction struct {
	engine *expressions.ExprEngine
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() ActionSchema {
	return ActionSchema{Description: "Evaluate an Expr expression against the execution context."}
}

func (a *exprEvalAction) Validate(config map[string]any) error {
	expr := stringParam(config, "expression", "")
	if expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval: missing required config 'expression'")
	}
	return a.engine.Compile(expr)
}

func (a *exprEvalAction) Execute(ctx context.Context, input ActionInput) (*Result, error) {
	env := input.Context.Map()
	if data, ok := input.Config["data"]; ok {
		env["data"] = data
	}
	out, err := a.engine.Evaluate(ctx, stringParam(input.Config, "expression", ""), env)
	if err != nil {
		return nil, Terminal(err)
	}
	return jsonResult(map[string]any{"result": out})
}

// --- notify ---

type notifyAction struct {
	hub streaming.EventHub
}

func (a *notifyAction) Name() string { return "notify" }

func (a *notifyAction) Schema() ActionSchema {
	return ActionSchema{Description: "Publish a custom event to stream subscribers."}
}

func (a *notifyAction) Validate(config map[string]any) error {
	if stringParam(config, "event_type", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "notify: missing required config 'event_type'")
	}
	return nil
}

func (a *notifyAction) Execute(ctx context.Context, input ActionInput) (*Result, error) {
	if a.hub == nil {
		return nil, Terminal(schema.NewError(schema.ErrCodeActionUnavailable, "notify: event hub not configured"))
	}
	eventType := stringParam(input.Config, "event_type", "")
	err := a.hub.Publish(ctx, streaming.StreamEvent{
		Type:        eventType,
		Workflow:    input.Context.WorkflowName,
		ExecutionID: logging.ExecutionID(ctx),
		Action:      logging.Action(ctx),
		Payload:     input.Config["payload"],
	})
	if err != nil {
		return nil, Retryable(schema.NewError(schema.ErrCodeActionFailed, "notify: publish failed").WithCause(err))
	}
	return jsonResult(map[string]any{"emitted": true, "event_type": eventType})
}
