package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeActionFailed      = "ACTION_FAILED"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeEngineStopped     = "ENGINE_STOPPED"
	ErrCodeExpression        = "EXPRESSION_ERROR"
)

// nonRetryableCodes lists codes that must never be retried by the engine.
var nonRetryableCodes = map[string]bool{
	ErrCodeValidation:        true,
	ErrCodeRateLimited:       true,
	ErrCodeNonRetryable:      true,
	ErrCodeTimeout:           true,
	ErrCodeRetryExhausted:    true,
	ErrCodeCancelled:         true,
	ErrCodeNotFound:          true,
	ErrCodeConflict:          true,
	ErrCodeInvalidTransition: true,
	ErrCodeActionUnavailable: true,
	ErrCodeEngineStopped:     true,
	ErrCodeExpression:        true,
}

// Error is the structured error type for all hookflow operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Action  string         `json:"action,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("[%s] action %s: %s", e.Code, e.Action, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code allows another attempt.
func (e *Error) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAction attaches the action type the error originated from.
func (e *Error) WithAction(action string) *Error {
	e.Action = action
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

var (
	goFramePattern   = regexp.MustCompile(`\S+\.go:\d+`)
	pathPattern      = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.\-]+){2,}`)
	credentialAssign = regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[_-]?key|access[_-]?key|authorization)\s*[=:]\s*\S+`)
	bearerPattern    = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=\-]+`)
	userinfoPattern  = regexp.MustCompile(`://[^/\s:@]+:[^/\s@]+@`)
)

// MaxErrorMessageLength bounds user-visible error messages.
const MaxErrorMessageLength = 500

// SanitizeMessage strips stack frames, file system paths and credentials from
// an error message before it is exposed to callers or stored as ErrorMessage.
func SanitizeMessage(msg string) string {
	if i := strings.Index(msg, "goroutine "); i >= 0 {
		msg = msg[:i]
	}
	if lines := strings.SplitN(msg, "\n", 2); len(lines) > 1 {
		msg = lines[0]
	}
	msg = userinfoPattern.ReplaceAllString(msg, "://[redacted]@")
	msg = credentialAssign.ReplaceAllString(msg, "$1=[redacted]")
	msg = bearerPattern.ReplaceAllString(msg, "Bearer [redacted]")
	msg = goFramePattern.ReplaceAllString(msg, "[internal]")
	msg = pathPattern.ReplaceAllString(msg, "[path]")
	msg = strings.TrimSpace(msg)
	if len(msg) > MaxErrorMessageLength {
		msg = msg[:MaxErrorMessageLength] + "..."
	}
	return msg
}

// PublicMessage renders err for external consumption.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeMessage(err.Error())
}
