package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// Non-retryable structured error codes. A definition problem or a mismatch
// does not get better by trying again.
var nonRetryableCodes = map[string]bool{
	schema.ErrCodeDefinition:        true,
	schema.ErrCodeValidation:        true,
	schema.ErrCodeHumanMismatch:     true,
	schema.ErrCodeNotFound:          true,
	schema.ErrCodeConflict:          true,
	schema.ErrCodeInvalidTransition: true,
	schema.ErrCodeCancelled:         true,
	schema.ErrCodeRetryExhausted:    true,
}

// IsRetryableError classifies whether an error should be retried. Network
// errors, timeouts, agent failures, and resolution errors are retryable;
// definition and mismatch errors are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var se *schema.Error
	if errors.As(err, &se) {
		return !nonRetryableCodes[se.Code]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable. The retry policy limits attempts.
	return true
}

// ComputeBackoff calculates the delay before the next retry attempt: the
// base delay doubled per attempt, capped at max delay. attempt is zero-based
// (the delay before attempt 2 uses attempt=0).
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.BaseDelay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.BaseDelay)
	if err != nil {
		return 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay < 0 {
			// overflow
			delay = 1<<62 - 1
			break
		}
	}

	if policy.MaxDelay != "" {
		if maxDelay, parseErr := time.ParseDuration(policy.MaxDelay); parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the computed backoff or returns early when the
// context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
