// Package actions resolves action types to executable handlers. The engine
// consumes it only through the Executor interface.
package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// Action is an executable unit of work within a workflow.
type Action interface {
	Name() string
	Schema() ActionSchema
	Validate(config map[string]any) error
	Execute(ctx context.Context, input ActionInput) (*Result, error)
}

// Executor runs a named action with a resolved config and a validated context.
type Executor interface {
	Execute(ctx context.Context, actionType string, config map[string]any, sc schema.SafeContext) (*Result, error)
	Has(name string) bool
}

// ActionSchema describes the config/output contract of an action.
type ActionSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	Config  map[string]any     `json:"config"`
	Context schema.SafeContext `json:"context"`
}

// Result is the output of an action execution.
type Result struct {
	Data     json.RawMessage `json:"data,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func jsonResult(v any) (*Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, Terminal(schema.NewError(schema.ErrCodeActionFailed, "marshal action output").WithCause(err))
	}
	return &Result{Data: data}, nil
}
