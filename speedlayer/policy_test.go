package speedlayer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lighthouse-core/lighthouse/core"
)

func TestPolicyCacheApprovesReadOnlyTools(t *testing.T) {
	p := NewPolicyCache()
	result, matched := p.Evaluate(newRequest("file_read", map[string]interface{}{"path": "/tmp/a"}))
	assert.True(t, matched)
	assert.Equal(t, core.DecisionApproved, result.Decision)
	assert.Equal(t, core.ConfidenceHigh, result.Confidence)
}

func TestPolicyCacheBlocksPrivilegeEscalation(t *testing.T) {
	p := NewPolicyCache()
	result, matched := p.Evaluate(newRequest("shell_exec", map[string]interface{}{"command": "sudo reboot"}))
	assert.True(t, matched)
	assert.Equal(t, core.DecisionBlocked, result.Decision)
}

func TestPolicyCacheFallsThroughOnUnknownTool(t *testing.T) {
	p := NewPolicyCache()
	_, matched := p.Evaluate(newRequest("unknown_tool", map[string]interface{}{}))
	assert.False(t, matched)
}

func TestPatternCacheApprovesSafeBuiltin(t *testing.T) {
	p := NewPatternCache()
	result, matched := p.Evaluate(newRequest("shell_exec", map[string]interface{}{"command": "whoami"}))
	assert.True(t, matched)
	assert.Equal(t, core.DecisionApproved, result.Decision)
}

func TestPatternCacheBlocksProtectedPrefix(t *testing.T) {
	p := NewPatternCache()
	result, matched := p.Evaluate(newRequest("file_write", map[string]interface{}{"path": "/etc/shadow"}))
	assert.True(t, matched)
	assert.Equal(t, core.DecisionBlocked, result.Decision)
}

func TestHeuristicCacheRespectsConfidenceFloor(t *testing.T) {
	h := NewHeuristicCache(&KeywordScorer{SuspiciousTerms: []string{"malware"}}, 0.9)
	_, matched := h.Evaluate(newRequest("custom_tool", map[string]interface{}{"arg": "malware payload"}))
	assert.False(t, matched, "score of 0.8 should not clear a 0.9 floor")
}

func TestHeuristicCacheFlagsSuspiciousTerm(t *testing.T) {
	h := NewHeuristicCache(&KeywordScorer{SuspiciousTerms: []string{"malware"}}, 0.5)
	result, matched := h.Evaluate(newRequest("custom_tool", map[string]interface{}{"arg": "malware payload"}))
	assert.True(t, matched)
	assert.Equal(t, core.DecisionBlocked, result.Decision)
}

func TestHeuristicCacheNilScorerAlwaysFallsThrough(t *testing.T) {
	h := NewHeuristicCache(nil, 0.5)
	_, matched := h.Evaluate(newRequest("custom_tool", map[string]interface{}{}))
	assert.False(t, matched)
}
