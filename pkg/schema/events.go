package schema

import "time"

// Notification event types published on the streaming hub.
const (
	EventExecutionQueued    = "execution_queued"
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionTimedOut  = "execution_timed_out"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionRetrying  = "execution_retrying"

	EventActionStarted   = "action_started"
	EventActionCompleted = "action_completed"
	EventActionFailed    = "action_failed"
	EventActionSkipped   = "action_skipped"
	EventActionIgnored   = "action_ignored"

	EventCircuitBreakerOpen = "circuit_breaker_open"
	EventPersistenceFailed  = "persistence_failed"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimeout, ExecutionStatusCancelled:
		return true
	}
	return false
}

// LogLevel is the severity of an execution log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Event is an external trigger fed into the engine.
type Event struct {
	ID          string         `json:"id,omitempty"`
	Type        string         `json:"type"`
	Source      string         `json:"source,omitempty"`
	Subject     string         `json:"subject,omitempty"`      // rate-limit key (caller identity, IP, ...)
	Tier        string         `json:"tier,omitempty"`         // rate-limit tier (default: anonymous)
	ExecutionID string         `json:"execution_id,omitempty"` // caller correlation id
	Workflow    string         `json:"workflow,omitempty"`     // restricts matching to one workflow
	Payload     map[string]any `json:"payload,omitempty"`
	ReceivedAt  time.Time      `json:"received_at,omitempty"`
}

// SafeContext is an execution context that passed validation and sanitization.
// Only values of this type reach the action executor.
type SafeContext struct {
	WorkflowName string         `json:"workflow_name"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	Data         map[string]any `json:"data"`
}

// Get returns a top-level value from the sanitized data.
func (c SafeContext) Get(key string) (any, bool) {
	v, ok := c.Data[key]
	return v, ok
}

// Map returns the context as a flat map including the identifying fields.
func (c SafeContext) Map() map[string]any {
	out := make(map[string]any, len(c.Data)+2)
	for k, v := range c.Data {
		out[k] = v
	}
	out["workflow_name"] = c.WorkflowName
	if c.ExecutionID != "" {
		out["execution_id"] = c.ExecutionID
	}
	return out
}
