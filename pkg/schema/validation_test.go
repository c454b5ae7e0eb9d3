package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("actions[0].type", ErrCodeActionUnavailable, "unknown action type")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "actions[0].type", r.Errors[0].Path)
	assert.Equal(t, ErrCodeActionUnavailable, r.Errors[0].Code)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("policy.retry.max_retries", ErrCodeValidation, "high retry count")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("name", ErrCodeValidation, "err1")
	r1.Merge(nil)

	r2 := &ValidationResult{}
	r2.AddError("actions[1]", ErrCodeConflict, "err2")
	r2.AddWarning("triggers", ErrCodeValidation, "warn")
	r1.Merge(r2)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError("actions[0].order_index", ErrCodeValidation, "must be non-negative")

		var e *Error
		require.True(t, errors.As(r.ToError(), &e))
		assert.Equal(t, ErrCodeValidation, e.Code)
		assert.Equal(t, "actions[0].order_index: must be non-negative", e.Message)
		assert.Equal(t, 1, e.Details["error_count"])
	})

	t.Run("multiple", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError("name", ErrCodeValidation, "required")
		r.AddError("actions", ErrCodeValidation, "empty")
		r.AddWarning("policy", ErrCodeValidation, "no timeout")

		var e *Error
		require.True(t, errors.As(r.ToError(), &e))
		assert.Contains(t, e.Message, "2 errors")
		assert.Equal(t, 1, e.Details["warning_count"])
	})
}
