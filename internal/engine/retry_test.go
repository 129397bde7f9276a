package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loom/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"context cancelled", context.Canceled, false},
		{"agent error", schema.NewError(schema.ErrCodeAgent, "agent exploded"), true},
		{"resolution error", schema.NewError(schema.ErrCodeResolution, "no such name"), true},
		{"definition error", schema.NewError(schema.ErrCodeDefinition, "bad step"), false},
		{"validation error", schema.NewError(schema.ErrCodeValidation, "bad document"), false},
		{"human mismatch", schema.NewError(schema.ErrCodeHumanMismatch, "wrong step"), false},
		{"already exhausted", schema.NewError(schema.ErrCodeRetryExhausted, "gave up"), false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"plain error defaults retryable", errors.New("something odd"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryableError(tt.err))
		})
	}
}

func TestComputeBackoff_Doubling(t *testing.T) {
	policy := &schema.RetryPolicy{MaxAttempts: 5, BaseDelay: "100ms", MaxDelay: "1s"}

	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(policy, 1))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(policy, 2))
	assert.Equal(t, 800*time.Millisecond, ComputeBackoff(policy, 3))
	// Capped at max delay.
	assert.Equal(t, time.Second, ComputeBackoff(policy, 4))
	assert.Equal(t, time.Second, ComputeBackoff(policy, 10))
}

func TestComputeBackoff_NoPolicy(t *testing.T) {
	assert.Equal(t, time.Duration(0), ComputeBackoff(nil, 3))
	assert.Equal(t, time.Duration(0), ComputeBackoff(&schema.RetryPolicy{MaxAttempts: 3}, 3))
}

func TestComputeBackoff_OverflowCapped(t *testing.T) {
	policy := &schema.RetryPolicy{BaseDelay: "1h", MaxDelay: "2h"}
	assert.Equal(t, 2*time.Hour, ComputeBackoff(policy, 100))
}

func TestWaitForBackoff_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForBackoff_ZeroReturnsImmediately(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}
