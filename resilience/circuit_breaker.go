package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lighthouse-core/lighthouse/core"
)

// CircuitState is one of the three states a CircuitBreaker can be in.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier decides whether err should count toward the breaker's
// error-rate threshold.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure failures (network, timeout,
// connection) but not errors that originate with the caller: a bad request
// or missing resource shouldn't trip the breaker for everyone else calling
// the same expert.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) || core.IsNotFound(err) || core.IsStateError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig configures a CircuitBreaker. Used for the Expert
// Coordinator's and Remote Registry's calls to external experts
// (expert/coordinator.go, expert/remote_registry.go).
type CircuitBreakerConfig struct {
	Name string

	// ErrorThreshold is the error rate (0.0-1.0) that trips the breaker open.
	ErrorThreshold float64
	// VolumeThreshold is the minimum number of requests in the window
	// before ErrorThreshold is evaluated at all.
	VolumeThreshold int
	// SleepWindow is how long the breaker stays open before probing with a
	// half-open request.
	SleepWindow time.Duration
	// HalfOpenRequests is how many probe requests are allowed through
	// while half-open.
	HalfOpenRequests int
	// SuccessThreshold is the half-open success rate needed to close again.
	SuccessThreshold float64

	WindowSize  time.Duration
	BucketCount int

	ErrorClassifier ErrorClassifier
	Logger          core.Logger
}

// DefaultConfig returns sane defaults for an expert-call circuit breaker.
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           core.NoOpLogger{},
	}
}

func (c *CircuitBreakerConfig) validate() error {
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("error threshold must be between 0 and 1, got %f", c.ErrorThreshold)
	}
	if c.VolumeThreshold < 0 {
		return fmt.Errorf("volume threshold must be non-negative, got %d", c.VolumeThreshold)
	}
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		return fmt.Errorf("success threshold must be between 0 and 1, got %f", c.SuccessThreshold)
	}
	if c.HalfOpenRequests < 1 {
		return fmt.Errorf("half-open requests must be at least 1, got %d", c.HalfOpenRequests)
	}
	if c.SleepWindow < 0 {
		return fmt.Errorf("sleep window must be non-negative, got %v", c.SleepWindow)
	}
	if c.BucketCount < 1 {
		return fmt.Errorf("bucket count must be at least 1, got %d", c.BucketCount)
	}
	return nil
}

// CircuitBreaker wraps expert-call execution with a three-state breaker:
// closed (all calls pass), open (all calls rejected until SleepWindow
// elapses), half-open (a bounded number of probe calls decide whether to
// close or reopen). State is kept in atomics so Execute never blocks on a
// mutex in the common (closed) path.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	window *slidingWindow

	state          atomic.Value // CircuitState
	stateChangedAt atomic.Value // time.Time

	halfOpenTotal     atomic.Int32
	halfOpenSuccesses atomic.Int32
	halfOpenFailures  atomic.Int32

	forceOpen atomic.Bool

	mu sync.Mutex // guards state transitions only
}

// NewCircuitBreaker builds a CircuitBreaker from config, applying defaults
// for any zero-valued fields.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount == 0 {
		config.BucketCount = 10
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = core.NoOpLogger{}
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 0.6
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 5
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	cb := &CircuitBreaker{
		config: config,
		window: newSlidingWindow(config.WindowSize, config.BucketCount),
	}
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	return cb, nil
}

// Execute runs fn with circuit breaker protection: rejected immediately if
// the circuit is open, otherwise run and the outcome recorded.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout runs fn with an optional per-call timeout on top of
// circuit breaker protection. fn keeps running after a timeout (it may
// still be mid-flight against a remote expert); its eventual result is
// still recorded against the breaker once it returns.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	halfOpen, allowed := cb.startExecution()
	if !allowed {
		return fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in circuit breaker %q: %v", cb.config.Name, r)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		cb.completeExecution(halfOpen, err)
		return err
	case <-ctx.Done():
		go func() {
			cb.completeExecution(halfOpen, <-done)
		}()
		return ctx.Err()
	}
}

// startExecution decides whether a call may proceed, reserving a half-open
// probe slot if the circuit is currently probing.
func (cb *CircuitBreaker) startExecution() (halfOpen bool, allowed bool) {
	if cb.forceOpen.Load() {
		return false, false
	}

	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		return false, true

	case StateOpen:
		changedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(changedAt) <= cb.config.SleepWindow {
			return false, false
		}
		cb.mu.Lock()
		if cb.state.Load().(CircuitState) == StateOpen {
			cb.transitionLocked(StateHalfOpen)
		}
		cb.mu.Unlock()
		return cb.startExecution()

	case StateHalfOpen:
		for {
			current := cb.halfOpenTotal.Load()
			if int(current) >= cb.config.HalfOpenRequests {
				return false, false
			}
			if cb.halfOpenTotal.CompareAndSwap(current, current+1) {
				return true, true
			}
		}

	default:
		return false, false
	}
}

func (cb *CircuitBreaker) completeExecution(halfOpen bool, err error) {
	if cb.forceOpen.Load() {
		return
	}

	if err == nil {
		cb.window.recordSuccess()
		if halfOpen {
			cb.halfOpenSuccesses.Add(1)
		}
	} else if cb.config.ErrorClassifier(err) {
		cb.window.recordFailure()
		if halfOpen {
			cb.halfOpenFailures.Add(1)
		}
	}

	cb.evaluateState()
}

func (cb *CircuitBreaker) evaluateState() {
	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		total := cb.window.total()
		if cb.config.VolumeThreshold > 0 && total >= uint64(cb.config.VolumeThreshold) &&
			cb.window.errorRate() >= cb.config.ErrorThreshold {
			cb.mu.Lock()
			cb.transitionLocked(StateOpen)
			cb.mu.Unlock()
		}

	case StateHalfOpen:
		successes := cb.halfOpenSuccesses.Load()
		failures := cb.halfOpenFailures.Load()
		attempted := successes + failures
		if int(attempted) < cb.config.HalfOpenRequests {
			return
		}

		cb.mu.Lock()
		if float64(successes)/float64(attempted) >= cb.config.SuccessThreshold {
			cb.transitionLocked(StateClosed)
		} else {
			cb.transitionLocked(StateOpen)
		}
		cb.mu.Unlock()
	}
}

// transitionLocked changes state; callers must hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	oldState := cb.state.Load().(CircuitState)
	if oldState == newState {
		return
	}
	cb.state.Store(newState)
	cb.stateChangedAt.Store(time.Now())

	if newState == StateHalfOpen {
		cb.halfOpenTotal.Store(0)
		cb.halfOpenSuccesses.Store(0)
		cb.halfOpenFailures.Store(0)
	}

	cb.config.Logger.Info("circuit breaker state changed", map[string]interface{}{
		"name": cb.config.Name,
		"from": oldState.String(),
		"to":   newState.String(),
	})
}

// GetState returns the breaker's current state as a string.
func (cb *CircuitBreaker) GetState() string {
	return cb.state.Load().(CircuitState).String()
}

// ForceOpen manually opens the circuit, rejecting every call until
// ClearForce is called.
func (cb *CircuitBreaker) ForceOpen() {
	cb.forceOpen.Store(true)
	cb.mu.Lock()
	if cb.state.Load().(CircuitState) != StateOpen {
		cb.transitionLocked(StateOpen)
	}
	cb.mu.Unlock()
}

// ClearForce releases a manual ForceOpen override, letting the breaker
// resume its normal state machine.
func (cb *CircuitBreaker) ClearForce() {
	cb.forceOpen.Store(false)
}

// slidingWindow tracks success/failure counts over a rolling time window,
// bucketed so old counts age out without rescanning every recorded call.
type slidingWindow struct {
	mu         sync.RWMutex
	buckets    []bucket
	windowSize time.Duration
	bucketSize time.Duration
	currentIdx int
	rotatedAt  time.Time
}

type bucket struct {
	timestamp        time.Time
	success, failure uint64
}

func newSlidingWindow(windowSize time.Duration, bucketCount int) *slidingWindow {
	now := time.Now()
	buckets := make([]bucket, bucketCount)
	for i := range buckets {
		buckets[i].timestamp = now
	}
	return &slidingWindow{
		buckets:    buckets,
		windowSize: windowSize,
		bucketSize: windowSize / time.Duration(bucketCount),
		rotatedAt:  now,
	}
}

// rotate advances the current bucket forward to now, zeroing any buckets
// skipped in between. Must be called with mu held.
func (sw *slidingWindow) rotate() {
	now := time.Now()
	elapsed := now.Sub(sw.rotatedAt)
	if elapsed < sw.bucketSize {
		return
	}

	steps := int(elapsed / sw.bucketSize)
	if steps > len(sw.buckets) {
		steps = len(sw.buckets)
	}
	for i := 0; i < steps; i++ {
		sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
		sw.buckets[sw.currentIdx] = bucket{timestamp: now}
	}
	sw.rotatedAt = now
}

func (sw *slidingWindow) recordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	sw.buckets[sw.currentIdx].success++
}

func (sw *slidingWindow) recordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	sw.buckets[sw.currentIdx].failure++
}

func (sw *slidingWindow) counts() (success, failure uint64) {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	cutoff := time.Now().Add(-sw.windowSize)
	for _, b := range sw.buckets {
		if b.timestamp.After(cutoff) {
			success += b.success
			failure += b.failure
		}
	}
	return success, failure
}

func (sw *slidingWindow) total() uint64 {
	success, failure := sw.counts()
	return success + failure
}

func (sw *slidingWindow) errorRate() float64 {
	success, failure := sw.counts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}
