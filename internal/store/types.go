package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// Workflow is a persisted workflow definition.
type Workflow struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Version    int                   `json:"version"`
	Status     schema.WorkflowStatus `json:"status"`
	Definition schema.Workflow       `json:"definition"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus
	Limit  int
	Offset int
}

// Execution is one run of a workflow against one triggering event.
// A retry is a new Execution whose ParentExecutionID points at the failed attempt.
type Execution struct {
	ID                string                 `json:"id"`
	WorkflowID        string                 `json:"workflow_id,omitempty"`
	WorkflowName      string                 `json:"workflow_name"`
	ExecutionID       string                 `json:"execution_id"`
	Status            schema.ExecutionStatus `json:"status"`
	EventType         string                 `json:"event_type,omitempty"`
	Input             json.RawMessage        `json:"input,omitempty"`
	Result            json.RawMessage        `json:"result,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	ErrorCode         string                 `json:"error_code,omitempty"`
	RetryCount        int                    `json:"retry_count"`
	ParentExecutionID string                 `json:"parent_execution_id,omitempty"`
	ActionsExecuted   int                    `json:"actions_executed"`
	ActionsSkipped    int                    `json:"actions_skipped"`
	CreatedAt         time.Time              `json:"created_at"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
}

// Duration is the time spent running, zero until the execution has both
// started and completed.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

// Clone returns a copy that shares no mutable state with e.
func (e *Execution) Clone() *Execution {
	cp := *e
	if e.StartedAt != nil {
		t := *e.StartedAt
		cp.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Input = append(json.RawMessage(nil), e.Input...)
	cp.Result = append(json.RawMessage(nil), e.Result...)
	return &cp
}

// ExecutionUpdate holds optional fields for a partial execution update.
// Nil fields are left untouched.
type ExecutionUpdate struct {
	Status          *schema.ExecutionStatus
	Result          json.RawMessage
	ErrorMessage    *string
	ErrorCode       *string
	ActionsExecuted *int
	ActionsSkipped  *int
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// UpdateFrom builds the update that brings a stored row in line with e.
func UpdateFrom(e *Execution) ExecutionUpdate {
	status := e.Status
	msg := e.ErrorMessage
	code := e.ErrorCode
	executed := e.ActionsExecuted
	skipped := e.ActionsSkipped
	return ExecutionUpdate{
		Status:          &status,
		Result:          e.Result,
		ErrorMessage:    &msg,
		ErrorCode:       &code,
		ActionsExecuted: &executed,
		ActionsSkipped:  &skipped,
		StartedAt:       e.StartedAt,
		CompletedAt:     e.CompletedAt,
	}
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowName string
	ExecutionID  string
	Status       *schema.ExecutionStatus
	Since        *time.Time
	Limit        int
	Offset       int
}

// ExecutionLog is an append-only diagnostic record attached to an execution.
type ExecutionLog struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"`
	Level       schema.LogLevel `json:"level"`
	Message     string          `json:"message"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// LogFilter specifies criteria for listing execution logs.
type LogFilter struct {
	Level *schema.LogLevel
	Since int64 // return entries with sequence > Since
	Limit int
}
