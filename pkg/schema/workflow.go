package schema

import (
	"sort"
	"time"
)

// Workflow is the JSON/YAML-serializable workflow definition.
// Operators provide it as a catalog file or through the store.
type Workflow struct {
	ID          string             `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string             `json:"name" yaml:"name"`
	Version     int                `json:"version,omitempty" yaml:"version,omitempty"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Status      WorkflowStatus     `json:"status,omitempty" yaml:"status,omitempty"` // default: active
	Triggers    []TriggerCondition `json:"triggers" yaml:"triggers"`
	Actions     []ActionSpec       `json:"actions" yaml:"actions"`
	Policy      ExecutionPolicy    `json:"policy,omitempty" yaml:"policy,omitempty"`
	InputSchema map[string]any     `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	CreatedAt   time.Time          `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt   time.Time          `json:"updated_at,omitempty" yaml:"-"`
}

// WorkflowStatus is the registration status of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusInactive WorkflowStatus = "inactive"
	WorkflowStatusArchived WorkflowStatus = "archived"
	WorkflowStatusDraft    WorkflowStatus = "draft"
)

// IsActive reports whether the workflow participates in trigger matching.
// An empty status counts as active.
func (w *Workflow) IsActive() bool {
	return w.Status == "" || w.Status == WorkflowStatusActive
}

// OrderedActions returns the actions sorted by OrderIndex.
func (w *Workflow) OrderedActions() []ActionSpec {
	out := make([]ActionSpec, len(w.Actions))
	copy(out, w.Actions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}

// TriggerCondition selects events for a workflow. All Match clauses and the
// Condition predicate must hold; a workflow with several conditions matches
// when any one of them does.
type TriggerCondition struct {
	EventType string        `json:"event_type" yaml:"event_type"`
	Match     []MatchClause `json:"match,omitempty" yaml:"match,omitempty"`
	Condition string        `json:"condition,omitempty" yaml:"condition,omitempty"`
	Language  string        `json:"language,omitempty" yaml:"language,omitempty"` // cel | expr | jq (default: cel)
	Schedule  string        `json:"schedule,omitempty" yaml:"schedule,omitempty"` // cron, event_type "schedule" only
}

// MatchClause is a single JSONPath sub-clause evaluated against the event payload.
type MatchClause struct {
	Path   string `json:"path" yaml:"path"`
	Equals any    `json:"equals,omitempty" yaml:"equals,omitempty"`
	Exists *bool  `json:"exists,omitempty" yaml:"exists,omitempty"`
}

// ActionSpec is one ordered step of a workflow.
type ActionSpec struct {
	Type       string         `json:"type" yaml:"type"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	OrderIndex int            `json:"order_index" yaml:"order_index"`
	Config     map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Condition  string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	Language   string         `json:"language,omitempty" yaml:"language,omitempty"`
	Timeout    string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	OnError    string         `json:"on_error,omitempty" yaml:"on_error,omitempty"` // fail | ignore (default: fail)
}

// Key is the output key under which the action result is aggregated.
func (a ActionSpec) Key() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Type
}

// On-error strategies for an action.
const (
	OnErrorFail   = "fail"
	OnErrorIgnore = "ignore"
)

// Expression languages accepted by conditions.
const (
	LanguageCEL  = "cel"
	LanguageExpr = "expr"
	LanguageJQ   = "jq"
)

// EventTypeSchedule is the event type emitted by cron triggers.
const EventTypeSchedule = "schedule"

// EventTypeManual is the event type used by manual workflow triggers.
const EventTypeManual = "manual"

// ExecutionPolicy bounds how a workflow executes.
type ExecutionPolicy struct {
	Timeout        string       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxConcurrency int          `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	Retry          *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// RetryPolicy configures retry behavior for a workflow execution.
type RetryPolicy struct {
	MaxRetries int    `json:"max_retries" yaml:"max_retries"`
	Backoff    string `json:"backoff,omitempty" yaml:"backoff,omitempty"`     // none | constant | linear | exponential (default: exponential)
	Delay      string `json:"delay,omitempty" yaml:"delay,omitempty"`         // base delay (e.g. "1s", "500ms")
	MaxDelay   string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"` // cap on computed delay
}

// Backoff strategies.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)
