package speedlayer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-core/lighthouse/cache"
	"github.com/lighthouse-core/lighthouse/core"
)

func newTestCache(t *testing.T) *cache.DistributedCache {
	t.Helper()
	dc, err := cache.NewDistributedCache(core.DefaultConfig(), core.NoOpLogger{})
	require.NoError(t, err)
	return dc
}

func newRequest(tool string, input map[string]interface{}) *core.ValidationRequest {
	return &core.ValidationRequest{
		RequestID: "req-1",
		ToolName:  tool,
		ToolInput: input,
		AgentID:   "agent-1",
		AgentRole: core.RoleAgent,
	}
}

func TestDispatcherApprovesKnownSafeTool(t *testing.T) {
	d := NewDispatcher(Config{
		Cache:   newTestCache(t),
		Policy:  NewPolicyCache(),
		Pattern: NewPatternCache(),
	})

	result, err := d.Validate(context.Background(), newRequest("file_read", map[string]interface{}{"path": "/tmp/x"}))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionApproved, result.Decision)
	assert.False(t, result.CacheHit)
}

func TestDispatcherBlocksKnownDangerousShape(t *testing.T) {
	d := NewDispatcher(Config{
		Cache:   newTestCache(t),
		Policy:  NewPolicyCache(),
		Pattern: NewPatternCache(),
	})

	req := newRequest("shell_exec", map[string]interface{}{"command": "rm -rf /"})
	result, err := d.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionBlocked, result.Decision)
}

func TestDispatcherSecondCallIsCacheHit(t *testing.T) {
	d := NewDispatcher(Config{
		Cache:   newTestCache(t),
		Policy:  NewPolicyCache(),
		Pattern: NewPatternCache(),
	})

	req := newRequest("file_read", map[string]interface{}{"path": "/tmp/x"})
	_, err := d.Validate(context.Background(), req)
	require.NoError(t, err)

	req2 := newRequest("file_read", map[string]interface{}{"path": "/tmp/x"})
	result, err := d.Validate(context.Background(), req2)
	require.NoError(t, err)
	assert.True(t, result.CacheHit)
}

func TestDispatcherFallsThroughToPatternCache(t *testing.T) {
	d := NewDispatcher(Config{
		Cache:   newTestCache(t),
		Policy:  NewPolicyCache(),
		Pattern: NewPatternCache(),
	})

	req := newRequest("file_delete", map[string]interface{}{"path": "/etc/passwd"})
	result, err := d.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionBlocked, result.Decision)
}

type fakeEscalator struct {
	result *core.ValidationResult
	err    error
}

func (f *fakeEscalator) Escalate(ctx context.Context, req *core.ValidationRequest, esc EscalationContext) (*core.ValidationResult, error) {
	return f.result, f.err
}

func TestDispatcherEscalatesWhenNoTierResolves(t *testing.T) {
	d := NewDispatcher(Config{
		Cache:   newTestCache(t),
		Policy:  NewPolicyCache(),
		Pattern: NewPatternCache(),
		Escalator: &fakeEscalator{result: &core.ValidationResult{
			Decision:   core.DecisionApproved,
			Confidence: core.ConfidenceHigh,
		}},
	})

	req := newRequest("custom_tool", map[string]interface{}{"arg": "value"})
	result, err := d.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionApproved, result.Decision)
	assert.True(t, result.ExpertRequired)
}

func TestDispatcherFailsClosedWhenEscalatorUnavailable(t *testing.T) {
	d := NewDispatcher(Config{
		Cache:   newTestCache(t),
		Policy:  NewPolicyCache(),
		Pattern: NewPatternCache(),
	})

	req := newRequest("custom_tool", map[string]interface{}{"arg": "value"})
	result, err := d.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionBlocked, result.Decision)
	assert.Equal(t, "validation pipeline unavailable", result.Reason)
}

func TestDispatcherFailsClosedWhenEscalatorErrors(t *testing.T) {
	d := NewDispatcher(Config{
		Cache:     newTestCache(t),
		Policy:    NewPolicyCache(),
		Pattern:   NewPatternCache(),
		Escalator: &fakeEscalator{err: errors.New("expert call failed")},
	})

	req := newRequest("custom_tool", map[string]interface{}{"arg": "value"})
	result, err := d.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionBlocked, result.Decision)
}

func TestDispatcherDoesNotCacheExpertTimeoutFallback(t *testing.T) {
	c := newTestCache(t)
	d := NewDispatcher(Config{
		Cache:     c,
		Policy:    NewPolicyCache(),
		Pattern:   NewPatternCache(),
		Escalator: &fakeEscalator{err: core.ErrExpertTimeout},
	})

	req := newRequest("custom_tool", map[string]interface{}{"arg": "value"})
	result, err := d.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionBlocked, result.Decision)
	assert.Equal(t, "expert timeout", result.Reason)

	cached, _ := c.Get(context.Background(), req.Fingerprint)
	assert.Nil(t, cached, "a fail-closed fallback must not be cached")
}

func TestDispatcherIsolatesPanickingTier(t *testing.T) {
	d := NewDispatcher(Config{
		Cache:   newTestCache(t),
		Policy:  NewPolicyCache(),
		Pattern: NewPatternCache(),
		Heuristic: NewHeuristicCache(panicScorer{}, 0.5),
		Escalator: &fakeEscalator{result: &core.ValidationResult{
			Decision:   core.DecisionApproved,
			Confidence: core.ConfidenceHigh,
		}},
	})

	req := newRequest("custom_tool", map[string]interface{}{"arg": "value"})
	result, err := d.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionApproved, result.Decision)
	assert.Equal(t, int64(1), d.TierFailures()["heuristic"])
}

type panicScorer struct{}

func (panicScorer) Score(req *core.ValidationRequest) (core.ValidationDecision, float64, string) {
	panic("scorer exploded")
}

// TestDispatcherConcurrentTierFailuresDoNotRace drives many goroutines
// through a permanently panicking tier at once. Run with -race: before the
// tierFailuresMu guard this tripped Go's "concurrent map writes" fatal
// error, not just a benign race.
func TestDispatcherConcurrentTierFailuresDoNotRace(t *testing.T) {
	d := NewDispatcher(Config{
		Cache:     newTestCache(t),
		Policy:    NewPolicyCache(),
		Pattern:   NewPatternCache(),
		Heuristic: NewHeuristicCache(panicScorer{}, 0.5),
		Escalator: &fakeEscalator{err: core.ErrExpertTimeout},
	})

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			req := newRequest("custom_tool", map[string]interface{}{"arg": i})
			_, err := d.Validate(context.Background(), req)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	failures := d.TierFailures()
	assert.Equal(t, int64(goroutines), failures["heuristic"])
	assert.Equal(t, int64(goroutines), failures["expert"])
}

func TestDispatcherCancelledContextStillCachesApproval(t *testing.T) {
	c := newTestCache(t)
	d := NewDispatcher(Config{
		Cache:   c,
		Policy:  NewPolicyCache(),
		Pattern: NewPatternCache(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := newRequest("file_read", map[string]interface{}{"path": "/tmp/x"})
	result, err := d.Validate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionApproved, result.Decision)

	cached, _ := c.Get(context.Background(), req.Fingerprint)
	assert.NotNil(t, cached)
}

func TestFingerprintIgnoresAgentIDAndMapOrder(t *testing.T) {
	req1 := &core.ValidationRequest{
		ToolName:  "t",
		AgentRole: core.RoleAgent,
		AgentID:   "agent-a",
		ToolInput: map[string]interface{}{"a": 1, "b": 2},
	}
	req2 := &core.ValidationRequest{
		ToolName:  "t",
		AgentRole: core.RoleAgent,
		AgentID:   "agent-b",
		ToolInput: map[string]interface{}{"b": 2, "a": 1},
	}
	assert.Equal(t, Fingerprint(req1), Fingerprint(req2))
}

func TestFingerprintDiffersByRole(t *testing.T) {
	req1 := &core.ValidationRequest{ToolName: "t", AgentRole: core.RoleAgent, ToolInput: map[string]interface{}{}}
	req2 := &core.ValidationRequest{ToolName: "t", AgentRole: core.RoleExpert, ToolInput: map[string]interface{}{}}
	assert.NotEqual(t, Fingerprint(req1), Fingerprint(req2))
}

func TestExpertTimeoutDefaultsWhenUnset(t *testing.T) {
	d := NewDispatcher(Config{Cache: newTestCache(t), Policy: NewPolicyCache(), Pattern: NewPatternCache()})
	assert.Equal(t, 5*time.Second, d.expertTimeout)
}
