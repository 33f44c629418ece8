package speedlayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lighthouse-core/lighthouse/cache"
	"github.com/lighthouse-core/lighthouse/core"
)

// EscalationContext carries the risk assessment, required capabilities,
// priority, and timeout a dispatcher hands to the Expert Coordinator when
// no cache tier resolves a request with adequate confidence (spec §4.5
// contract: "escalation payload").
type EscalationContext struct {
	RequiredCapabilities []string
	RiskLevel            string
	Priority             int
	Timeout              time.Duration
}

// Escalator is the narrow surface the dispatcher needs from the Expert
// Coordinator. Accepting an interface here (rather than importing the
// expert package directly) keeps the dependency edge pointing one way:
// expert depends on speedlayer's types, not the reverse.
type Escalator interface {
	Escalate(ctx context.Context, req *core.ValidationRequest, esc EscalationContext) (*core.ValidationResult, error)
}

// Dispatcher implements the Speed Layer Dispatcher of spec §4.4: a
// five-tier pipeline (cache, policy, pattern, heuristic, expert escalation)
// with tier-failure isolation and fail-closed semantics.
type Dispatcher struct {
	cache     *cache.DistributedCache
	policy    *PolicyCache
	pattern   *PatternCache
	heuristic *HeuristicCache
	escalator Escalator
	logger    core.Logger

	expertTimeout time.Duration

	tierFailuresMu sync.Mutex
	tierFailures   map[string]int64
}

// Config bundles the dependencies a Dispatcher is assembled from.
type Config struct {
	Cache         *cache.DistributedCache
	Policy        *PolicyCache
	Pattern       *PatternCache
	Heuristic     *HeuristicCache
	Escalator     Escalator
	Logger        core.Logger
	ExpertTimeout time.Duration
}

// NewDispatcher wires the pipeline. Heuristic and Escalator may be nil; a
// nil Escalator makes every unresolved request fail closed.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
	if cfg.ExpertTimeout <= 0 {
		cfg.ExpertTimeout = 5 * time.Second
	}
	return &Dispatcher{
		cache:         cfg.Cache,
		policy:        cfg.Policy,
		pattern:       cfg.Pattern,
		heuristic:     cfg.Heuristic,
		escalator:     cfg.Escalator,
		logger:        cfg.Logger,
		expertTimeout: cfg.ExpertTimeout,
		tierFailures:  make(map[string]int64),
	}
}

// Validate runs the pipeline to completion, returning a verdict with a soft
// p99 budget of 100ms on cache-hit paths (spec §4.4 public contract).
func (d *Dispatcher) Validate(ctx context.Context, req *core.ValidationRequest) (*core.ValidationResult, error) {
	start := time.Now()
	req.Fingerprint = Fingerprint(req)

	result := d.runPipeline(ctx, req)
	result.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	return result, nil
}

// runPipeline never returns an error: every failure mode resolves to a
// ValidationResult per spec §4.4's fail-closed contract. Validate's error
// return exists for future transport-level plumbing and is always nil.
func (d *Dispatcher) runPipeline(ctx context.Context, req *core.ValidationRequest) *core.ValidationResult {
	if result, ok := d.tryCache(ctx, req); ok {
		result.CacheHit = true
		return result
	}

	if result, ok := d.tryTier("policy", func() (*core.ValidationResult, bool) {
		return d.policy.Evaluate(req)
	}); ok {
		d.cacheAndReturn(ctx, req, result)
		return result
	}

	if result, ok := d.tryTier("pattern", func() (*core.ValidationResult, bool) {
		return d.pattern.Evaluate(req)
	}); ok {
		d.cacheAndReturn(ctx, req, result)
		return result
	}

	if d.heuristic != nil {
		if result, ok := d.tryTier("heuristic", func() (*core.ValidationResult, bool) {
			return d.heuristic.Evaluate(req)
		}); ok {
			d.cacheAndReturn(ctx, req, result)
			return result
		}
	}

	result, cacheable := d.escalate(ctx, req)
	if cacheable {
		d.cacheAndReturn(ctx, req, result)
	}
	return result
}

func (d *Dispatcher) tryCache(ctx context.Context, req *core.ValidationRequest) (*core.ValidationResult, bool) {
	if d.cache == nil {
		return nil, false
	}
	result, layer := d.cache.Get(ctx, req.Fingerprint)
	if result == nil {
		return nil, false
	}
	if !result.Confidence.AtLeast(core.ConfidenceHigh) {
		return nil, false
	}
	result.CacheLayer = layer
	return result, true
}

// tryTier isolates a single tier's panic/failure so one bad tier never
// aborts the pipeline (spec §4.4: "tier exceptions are isolated: a failing
// tier is skipped and a counter incremented").
func (d *Dispatcher) tryTier(name string, fn func() (*core.ValidationResult, bool)) (result *core.ValidationResult, matched bool) {
	defer func() {
		if r := recover(); r != nil {
			d.incrTierFailure(name)
			d.logger.Error("validation tier panicked", map[string]interface{}{
				"tier":  name,
				"panic": fmt.Sprintf("%v", r),
			})
			result, matched = nil, false
		}
	}()

	result, matched = fn()
	if !matched {
		return nil, false
	}
	if result.Decision == core.DecisionEscalate {
		// An explicit escalate verdict never short-circuits later tiers.
		return nil, false
	}
	if !result.Confidence.AtLeast(core.ConfidenceMedium) {
		return nil, false
	}
	return result, true
}

// escalate calls the Expert Coordinator synchronously with a bounded
// timeout (spec §4.4 step 6). Any failure — no escalator wired, coordinator
// error, or the caller's context already cancelled — falls closed. The
// second return reports whether the result reflects a genuine expert
// verdict worth caching; a fail-closed fallback is never cached, since it
// reflects transient unavailability rather than a real safety judgement
// (spec §8 scenario 4: "no result is cached" on expert timeout).
func (d *Dispatcher) escalate(ctx context.Context, req *core.ValidationRequest) (*core.ValidationResult, bool) {
	if err := ctx.Err(); err != nil {
		return blockedResult("request cancelled before escalation"), false
	}
	if d.escalator == nil {
		return blockedResult("validation pipeline unavailable"), false
	}

	escCtx, cancel := context.WithTimeout(ctx, d.expertTimeout)
	defer cancel()

	result, err := d.escalator.Escalate(escCtx, req, EscalationContext{
		RiskLevel: "unknown",
		Priority:  0,
		Timeout:   d.expertTimeout,
	})
	if err != nil {
		d.incrTierFailure("expert")
		reason := "validation pipeline unavailable"
		switch {
		case errors.Is(err, core.ErrExpertTimeout):
			reason = "expert timeout"
		case errors.Is(err, core.ErrBackpressure):
			reason = "expert backpressure"
		case errors.Is(err, core.ErrNoEligibleExpert):
			reason = "no eligible expert"
		}
		return blockedResult(reason), false
	}
	result.ExpertRequired = true
	return result, true
}

func blockedResult(reason string) *core.ValidationResult {
	return &core.ValidationResult{
		Decision:   core.DecisionBlocked,
		Confidence: core.ConfidenceHigh,
		Reason:     reason,
	}
}

// cacheAndReturn writes an approved/blocked verdict back to the Distributed
// Cache so subsequent identical fingerprints hit on tier 2 (spec §4.4 step
// 6: "the returned decision is cached and returned"). Escalate verdicts and
// cache writes are skipped if the caller's context was cancelled mid-flight,
// per spec §4.4's cancellation clause — except an approved result, which is
// still written so the work already done isn't wasted.
func (d *Dispatcher) cacheAndReturn(ctx context.Context, req *core.ValidationRequest, result *core.ValidationResult) {
	if d.cache == nil || result.Decision == core.DecisionEscalate {
		return
	}
	if ctx.Err() != nil && result.Decision != core.DecisionApproved {
		return
	}
	writeCtx := ctx
	if ctx.Err() != nil {
		writeCtx = context.Background()
	}
	d.cache.Set(writeCtx, req.Fingerprint, result, 0)
}

// incrTierFailure bumps name's failure counter. Concurrent Validate calls can
// land on the same failing/escalating tier at once, so the map needs the
// same mutex discipline as cache/local.go's counters — a bare map write here
// races and can trip Go's fatal "concurrent map writes" detector, not just a
// benign data race.
func (d *Dispatcher) incrTierFailure(name string) {
	d.tierFailuresMu.Lock()
	d.tierFailures[name]++
	d.tierFailuresMu.Unlock()
}

// TierFailures returns a snapshot of per-tier failure counters, for health
// reporting.
func (d *Dispatcher) TierFailures() map[string]int64 {
	d.tierFailuresMu.Lock()
	defer d.tierFailuresMu.Unlock()
	out := make(map[string]int64, len(d.tierFailures))
	for k, v := range d.tierFailures {
		out[k] = v
	}
	return out
}
