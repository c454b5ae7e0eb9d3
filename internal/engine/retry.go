package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/pkg/schema"
)

// BackoffBounds supplies the base delay and cap used when a retry policy
// leaves them unset.
type BackoffBounds struct {
	Base time.Duration
	Max  time.Duration
}

// IsRetryableError classifies whether a failed attempt may be retried.
// Cancellation never is. A per-action deadline is transient. Everything else
// follows the action classification, so unclassified errors are terminal.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *schema.Error
	if errors.As(err, &se) && !se.IsRetryable() {
		return false
	}
	return actions.IsRetryable(err)
}

// ComputeBackoff calculates the delay before retry number attempt+1.
// attempt is zero-based: the first retry waits base. Supported strategies are
// none, constant, linear and exponential (the default). The result never
// exceeds the cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int, bounds BackoffBounds) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := bounds.Base
	limit := bounds.Max
	strategy := schema.BackoffExponential
	if policy != nil {
		if d, err := time.ParseDuration(policy.Delay); err == nil && d >= 0 {
			base = d
		}
		if d, err := time.ParseDuration(policy.MaxDelay); err == nil && d > 0 {
			limit = d
		}
		if policy.Backoff != "" {
			strategy = policy.Backoff
		}
	}

	var delay time.Duration
	switch strategy {
	case schema.BackoffNone:
		return 0
	case schema.BackoffConstant:
		delay = base
	case schema.BackoffLinear:
		delay = base * time.Duration(attempt+1)
	default:
		delay = base
		for i := 0; i < attempt; i++ {
			delay *= 2
			if limit > 0 && delay >= limit {
				break
			}
			if delay <= 0 {
				// overflow
				delay = limit
				break
			}
		}
	}

	if limit > 0 && delay > limit {
		delay = limit
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
