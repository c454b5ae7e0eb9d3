package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rendis/hookflow/pkg/schema"
)

// Rules reported by ValidationError.
const (
	RuleRequired        = "required"
	RuleCharset         = "charset"
	RuleMaxLength       = "max_length"
	RuleDenyList        = "deny_list"
	RuleMaxDepth        = "max_depth"
	RuleUnsupportedType = "unsupported_type"
)

// Reserved context keys.
const (
	FieldWorkflowName = "workflow_name"
	FieldExecutionID  = "execution_id"
)

// Limits bounds the shape of an incoming context.
type Limits struct {
	MaxStringLength      int `mapstructure:"max_string_length"`
	MaxDepth             int `mapstructure:"max_depth"`
	MaxNameLength        int `mapstructure:"max_name_length"`
	MaxExecutionIDLength int `mapstructure:"max_execution_id_length"`
}

// DefaultLimits returns the limits applied when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxStringLength:      10000,
		MaxDepth:             10,
		MaxNameLength:        255,
		MaxExecutionIDLength: 500,
	}
}

// ValidationError reports the field and rule a context violated.
type ValidationError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid context (%s): %s", e.Rule, e.Message)
	}
	return fmt.Sprintf("invalid context field %q (%s): %s", e.Field, e.Rule, e.Message)
}

// Unwrap exposes the structured form so schema.CodeOf reports VALIDATION_ERROR.
func (e *ValidationError) Unwrap() error {
	return schema.NewError(schema.ErrCodeValidation, e.Message).
		WithDetails(map[string]any{"field": e.Field, "rule": e.Rule})
}

func violation(field, rule, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Rule: rule, Message: fmt.Sprintf(format, args...)}
}

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9 _.\-]+$`)

	denyPatterns = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"script tag", regexp.MustCompile(`(?i)<\s*/?\s*script`)},
		{"javascript scheme", regexp.MustCompile(`(?i)javascript\s*:`)},
		{"vbscript scheme", regexp.MustCompile(`(?i)vbscript\s*:`)},
		{"event handler attribute", regexp.MustCompile(`(?i)<[^>]*\son[a-z]+\s*=`)},
		{"event handler attribute", regexp.MustCompile(`(?i)\bon[a-z]{3,}\s*=`)},
		{"eval call", regexp.MustCompile(`(?i)\beval\s*\(`)},
		{"exec call", regexp.MustCompile(`(?i)\bexec\s*\(`)},
		{"path traversal", regexp.MustCompile(`\.\.[/\\]`)},
	}
)

// ContextValidator validates and sanitizes trigger contexts. It holds no
// mutable state and is safe for concurrent use.
type ContextValidator struct {
	limits Limits
}

// NewContextValidator creates a validator. Zero limits fall back to defaults.
func NewContextValidator(limits Limits) *ContextValidator {
	d := DefaultLimits()
	if limits.MaxStringLength <= 0 {
		limits.MaxStringLength = d.MaxStringLength
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = d.MaxDepth
	}
	if limits.MaxNameLength <= 0 {
		limits.MaxNameLength = d.MaxNameLength
	}
	if limits.MaxExecutionIDLength <= 0 {
		limits.MaxExecutionIDLength = d.MaxExecutionIDLength
	}
	return &ContextValidator{limits: limits}
}

// Limits returns the effective limits.
func (v *ContextValidator) Limits() Limits { return v.limits }

// Validate checks a raw execution context and returns a sanitized copy.
// The workflow_name key is required; execution_id is optional. Every other
// value is walked recursively and copied into SafeContext.Data.
func (v *ContextValidator) Validate(raw map[string]any) (schema.SafeContext, error) {
	if raw == nil {
		return schema.SafeContext{}, violation(FieldWorkflowName, RuleRequired, "context is empty")
	}

	name, err := v.identifier(raw, FieldWorkflowName, v.limits.MaxNameLength, true)
	if err != nil {
		return schema.SafeContext{}, err
	}
	execID, err := v.identifier(raw, FieldExecutionID, v.limits.MaxExecutionIDLength, false)
	if err != nil {
		return schema.SafeContext{}, err
	}

	data := make(map[string]any, len(raw))
	for k, val := range raw {
		if k == FieldWorkflowName || k == FieldExecutionID {
			continue
		}
		if err := v.checkString(k, k); err != nil {
			return schema.SafeContext{}, err
		}
		clean, err := v.sanitize(val, k, 1)
		if err != nil {
			return schema.SafeContext{}, err
		}
		data[k] = clean
	}

	return schema.SafeContext{WorkflowName: name, ExecutionID: execID, Data: data}, nil
}

// ValidateEvent applies the same rules to an incoming event at the ingestion
// boundary and returns the event with a sanitized payload copy.
func (v *ContextValidator) ValidateEvent(ev schema.Event) (schema.Event, error) {
	if strings.TrimSpace(ev.Type) == "" {
		return ev, violation("type", RuleRequired, "event type is required")
	}
	if err := v.checkIdentifier("type", ev.Type, v.limits.MaxNameLength); err != nil {
		return ev, err
	}
	if ev.ExecutionID != "" {
		if err := v.checkIdentifier(FieldExecutionID, ev.ExecutionID, v.limits.MaxExecutionIDLength); err != nil {
			return ev, err
		}
	}
	if ev.Workflow != "" {
		if err := v.checkIdentifier("workflow", ev.Workflow, v.limits.MaxNameLength); err != nil {
			return ev, err
		}
	}
	if utf8.RuneCountInString(ev.Subject) > v.limits.MaxNameLength {
		return ev, violation("subject", RuleMaxLength, "subject exceeds %d characters", v.limits.MaxNameLength)
	}

	if ev.Payload != nil {
		clean, err := v.sanitize(ev.Payload, "payload", 1)
		if err != nil {
			return ev, err
		}
		ev.Payload = clean.(map[string]any)
	}
	return ev, nil
}

func (v *ContextValidator) identifier(raw map[string]any, field string, maxLen int, required bool) (string, error) {
	val, ok := raw[field]
	if !ok || val == nil {
		if required {
			return "", violation(field, RuleRequired, "%s is required", field)
		}
		return "", nil
	}
	s, ok := val.(string)
	if !ok {
		return "", violation(field, RuleUnsupportedType, "%s must be a string", field)
	}
	if s == "" {
		if required {
			return "", violation(field, RuleRequired, "%s must not be empty", field)
		}
		return "", nil
	}
	if err := v.checkIdentifier(field, s, maxLen); err != nil {
		return "", err
	}
	return s, nil
}

func (v *ContextValidator) checkIdentifier(field, s string, maxLen int) error {
	if utf8.RuneCountInString(s) > maxLen {
		return violation(field, RuleMaxLength, "%s exceeds %d characters", field, maxLen)
	}
	if !identifierPattern.MatchString(s) {
		return violation(field, RuleCharset, "%s may only contain letters, digits, spaces, '-', '_' and '.'", field)
	}
	return nil
}

func (v *ContextValidator) checkString(field, s string) error {
	if utf8.RuneCountInString(s) > v.limits.MaxStringLength {
		return violation(field, RuleMaxLength, "string exceeds %d characters", v.limits.MaxStringLength)
	}
	for _, p := range denyPatterns {
		if p.re.MatchString(s) {
			return violation(field, RuleDenyList, "value contains a disallowed pattern (%s)", p.name)
		}
	}
	return nil
}

// sanitize returns a deep copy of val. depth is the nesting level of the
// container holding val; containers deeper than MaxDepth are rejected.
func (v *ContextValidator) sanitize(val any, field string, depth int) (any, error) {
	switch t := val.(type) {
	case nil, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number, time.Time:
		return t, nil

	case string:
		if err := v.checkString(field, t); err != nil {
			return nil, err
		}
		return t, nil

	case map[string]any:
		if depth+1 > v.limits.MaxDepth {
			return nil, violation(field, RuleMaxDepth, "nesting exceeds %d levels", v.limits.MaxDepth)
		}
		out := make(map[string]any, len(t))
		for k, item := range t {
			path := field + "." + k
			if err := v.checkString(path, k); err != nil {
				return nil, err
			}
			clean, err := v.sanitize(item, path, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = clean
		}
		return out, nil

	case []any:
		if depth+1 > v.limits.MaxDepth {
			return nil, violation(field, RuleMaxDepth, "nesting exceeds %d levels", v.limits.MaxDepth)
		}
		out := make([]any, len(t))
		for i, item := range t {
			clean, err := v.sanitize(item, fmt.Sprintf("%s[%d]", field, i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil

	case []string:
		items := make([]any, len(t))
		for i, s := range t {
			items[i] = s
		}
		return v.sanitize(items, field, depth)

	case []map[string]any:
		items := make([]any, len(t))
		for i, m := range t {
			items[i] = m
		}
		return v.sanitize(items, field, depth)

	default:
		return nil, violation(field, RuleUnsupportedType, "unsupported value type %T", val)
	}
}
