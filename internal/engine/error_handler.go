package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// ErrorHandlerResult describes the outcome of an on_error strategy.
type ErrorHandlerResult struct {
	// Handled is true when the failure was absorbed and the next action runs.
	Handled bool
	// ShouldFailWorkflow is true when the strategy ends the attempt.
	ShouldFailWorkflow bool
}

// LogAppender receives execution log entries.
type LogAppender interface {
	AppendLog(ctx context.Context, entry *store.ExecutionLog) error
}

// HandleActionError applies the action's on_error strategy to a failure and
// records the decision in the execution log. A nil logs skips recording.
func HandleActionError(
	ctx context.Context,
	logs LogAppender,
	executionID, key string,
	spec schema.ActionSpec,
	actionErr error,
) *ErrorHandlerResult {
	switch spec.OnError {
	case schema.OnErrorIgnore:
		if logs != nil {
			meta, _ := json.Marshal(map[string]any{
				"action":      key,
				"action_type": spec.Type,
				"strategy":    spec.OnError,
				"error":       actionErr.Error(),
				"code":        schema.CodeOf(actionErr),
			})
			_ = logs.AppendLog(ctx, &store.ExecutionLog{
				ExecutionID: executionID,
				Level:       schema.LogLevelWarn,
				Message:     "action failure ignored",
				Metadata:    meta,
			})
		}
		return &ErrorHandlerResult{Handled: true}

	default:
		// "fail" and unknown strategies end the attempt.
		return &ErrorHandlerResult{ShouldFailWorkflow: true}
	}
}

// ignoreFailure reports whether the failure of step s is absorbed by its
// on_error strategy.
func (e *Engine) ignoreFailure(ctx context.Context, x *execution, s step, err error) bool {
	var logs LogAppender
	if e.store != nil {
		logs = persistentLogs{e: e}
	}
	res := HandleActionError(ctx, logs, x.snapshot().ID, s.key, s.spec, err)
	if !res.Handled {
		return false
	}
	e.logger.WarnContext(ctx, "ignoring action failure", "action_type", s.spec.Type, "error", err)
	e.publishAction(ctx, x, schema.EventActionIgnored, s, map[string]any{"error": schema.PublicMessage(err)})
	return true
}
