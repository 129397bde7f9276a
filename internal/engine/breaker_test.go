package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         50 * time.Millisecond,
		HalfOpenMax:      1,
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())

	assert.Equal(t, CircuitClosed, r.RecordFailure("notify"))
	assert.Equal(t, CircuitClosed, r.RecordFailure("notify"))
	assert.Equal(t, CircuitOpen, r.RecordFailure("notify"))

	err := r.AllowRequest("notify")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.CodeOf(err))
}

func TestCircuitBreaker_PerCapabilityIsolation(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())
	for i := 0; i < 3; i++ {
		r.RecordFailure("notify")
	}

	assert.Error(t, r.AllowRequest("notify"))
	assert.NoError(t, r.AllowRequest("search"))
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())
	r.RecordFailure("notify")
	r.RecordFailure("notify")
	r.RecordSuccess("notify")
	assert.Equal(t, CircuitClosed, r.RecordFailure("notify"))
	assert.Equal(t, CircuitClosed, r.RecordFailure("notify"))
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())
	for i := 0; i < 3; i++ {
		r.RecordFailure("notify")
	}
	require.Error(t, r.AllowRequest("notify"))

	time.Sleep(60 * time.Millisecond)

	// First request after cooldown is the half-open probe.
	assert.NoError(t, r.AllowRequest("notify"))
	// Second probe exceeds HalfOpenMax.
	assert.Error(t, r.AllowRequest("notify"))

	r.RecordSuccess("notify")
	assert.Equal(t, CircuitClosed, r.GetState("notify"))
	assert.NoError(t, r.AllowRequest("notify"))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())
	for i := 0; i < 3; i++ {
		r.RecordFailure("notify")
	}
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, r.AllowRequest("notify"))

	assert.Equal(t, CircuitOpen, r.RecordFailure("notify"))
	assert.Error(t, r.AllowRequest("notify"))
}
