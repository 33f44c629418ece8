package expert

import (
	"context"
	"fmt"
	"time"

	"github.com/lighthouse-core/lighthouse/core"
	"github.com/lighthouse-core/lighthouse/resilience"
	"github.com/lighthouse-core/lighthouse/speedlayer"
)

// Client is the transport-neutral surface the coordinator uses to actually
// reach an expert (in-process handler, RPC stub, message-queue publisher —
// any implementation satisfying this interface works).
type Client interface {
	Handle(ctx context.Context, expertID string, req *core.ValidationRequest) (*core.ValidationResult, error)
}

// Coordinator implements spec §4.5: registry-backed routing, per-expert
// backpressure, timeout/reliability tracking, and consensus aggregation.
// It satisfies speedlayer.Escalator, so a Dispatcher can call it directly.
type Coordinator struct {
	registry *Registry
	client   Client
	logger   core.Logger
	breaker  *resilience.CircuitBreaker
}

// NewCoordinator wires a Coordinator. client is the actual expert transport;
// every expert call goes through a circuit breaker that NewCoordinator builds
// itself, which bounds/backs off repeated expert-call failures.
func NewCoordinator(registry *Registry, client Client, logger core.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	cbCfg := resilience.DefaultConfig()
	cbCfg.Name = "expert-coordinator"
	cbCfg.Logger = logger
	breaker, err := resilience.NewCircuitBreaker(cbCfg)
	if err != nil {
		return nil, fmt.Errorf("expert coordinator: %w", err)
	}
	return &Coordinator{registry: registry, client: client, logger: logger, breaker: breaker}, nil
}

// Escalate implements speedlayer.Escalator. It routes to the least-loaded
// eligible expert (or, under required_consensus > 1, to that many experts)
// and aggregates their decisions.
func (c *Coordinator) Escalate(ctx context.Context, req *core.ValidationRequest, esc speedlayer.EscalationContext) (*core.ValidationResult, error) {
	consensus := 1
	if v, ok := req.ToolInput["__required_consensus"].(int); ok && v > 1 {
		consensus = v
	}

	candidates := c.registry.Candidates(esc.RequiredCapabilities)
	if len(candidates) < consensus {
		return nil, fmt.Errorf("%w: need %d, have %d eligible", core.ErrNoEligibleExpert, consensus, len(candidates))
	}

	chosen := candidates[:consensus]
	results := make([]*core.ValidationResult, 0, consensus)
	contributing := make([]string, 0, consensus)

	for _, cand := range chosen {
		result, err := c.callExpert(ctx, cand.ExpertID, req, esc.Timeout)
		if err != nil {
			c.logger.Warn("expert call failed", map[string]interface{}{
				"expert_id": cand.ExpertID,
				"error":     err.Error(),
			})
			continue
		}
		results = append(results, result)
		contributing = append(contributing, cand.ExpertID)
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("%w: all %d candidate experts failed", core.ErrExpertTimeout, consensus)
	}

	decision := majority(results)
	return &core.ValidationResult{
		Decision:            decision,
		Confidence:          core.ConfidenceHigh,
		Reason:              "expert coordinator consensus",
		ContributingExperts: contributing,
	}, nil
}

// callExpert reserves a queue slot, invokes the client with a bounded
// timeout, and releases the slot, decrementing reliability on timeout
// (spec §4.5 "Request lifecycle").
func (c *Coordinator) callExpert(ctx context.Context, expertID string, req *core.ValidationRequest, timeout time.Duration) (*core.ValidationResult, error) {
	if !c.registry.acquire(expertID) {
		return nil, fmt.Errorf("%w: expert %s", core.ErrBackpressure, expertID)
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result *core.ValidationResult
	err := c.breaker.Execute(callCtx, func() error {
		var callErr error
		result, callErr = c.client.Handle(callCtx, expertID, req)
		return callErr
	})

	timedOut := callCtx.Err() != nil
	c.registry.release(expertID, err != nil || timedOut)

	if timedOut {
		return nil, fmt.Errorf("%w: expert %s", core.ErrExpertTimeout, expertID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: expert %s: %v", core.ErrCoordination, expertID, err)
	}
	return result, nil
}

// majority returns the decision with the most votes; a tie resolves to
// blocked (spec §4.5: "returns the majority decision (ties → blocked)").
func majority(results []*core.ValidationResult) core.ValidationDecision {
	counts := make(map[core.ValidationDecision]int, len(results))
	for _, r := range results {
		counts[r.Decision]++
	}

	var best core.ValidationDecision
	bestCount, tie := 0, false
	for decision, n := range counts {
		switch {
		case n > bestCount:
			best, bestCount, tie = decision, n, false
		case n == bestCount:
			tie = true
		}
	}
	if tie {
		return core.DecisionBlocked
	}
	return best
}
