package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *CircuitBreakerConfig {
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.VolumeThreshold = 2
	cfg.ErrorThreshold = 0.5
	cfg.SleepWindow = 20 * time.Millisecond
	cfg.HalfOpenRequests = 1
	return cfg
}

func TestCircuitBreakerOpensAfterErrorThreshold(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig())
	require.NoError(t, err)

	boom := errors.New("boom")
	for i := 0; i < 4; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}

	assert.Equal(t, "open", cb.GetState())
}

func TestCircuitBreakerRejectsWhileOpen(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig())
	require.NoError(t, err)
	cb.ForceOpen()

	err = cb.Execute(context.Background(), func() error { return nil })
	assert.Error(t, err)
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cfg := testConfig()
	cb, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)
	cb.ForceOpen()
	cb.ClearForce()

	time.Sleep(cfg.SleepWindow + 10*time.Millisecond)

	err = cb.Execute(context.Background(), func() error { return nil })
	assert.NoError(t, err)
}

func TestCircuitBreakerExecuteWithTimeoutErrorsOnSlowCall(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig())
	require.NoError(t, err)

	err = cb.ExecuteWithTimeout(context.Background(), 5*time.Millisecond, func() error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	assert.Error(t, err)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 2
	cfg.InitialDelay = time.Millisecond

	err := Retry(context.Background(), cfg, func() error {
		return errors.New("permanent")
	})

	assert.Error(t, err)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := DefaultRetryConfig()
	err := Retry(ctx, cfg, func() error { return errors.New("x") })
	assert.ErrorIs(t, err, context.Canceled)
}
