package actions

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an action failure for the retry loop.
type ErrorKind string

const (
	KindRetryable ErrorKind = "retryable"
	KindTerminal  ErrorKind = "terminal"
)

// ActionError wraps an action failure with its classification.
type ActionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ActionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s action error", e.Kind)
	}
	return e.Err.Error()
}

func (e *ActionError) Unwrap() error { return e.Err }

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &ActionError{Kind: KindRetryable, Err: err}
}

// Terminal marks err as permanent.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &ActionError{Kind: KindTerminal, Err: err}
}

// Classify returns the kind of err. Unclassified errors are terminal.
func Classify(err error) ErrorKind {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTerminal
}

// IsRetryable reports whether err was classified as retryable.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == KindRetryable
}
