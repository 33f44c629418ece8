package speedlayer

import (
	"strings"

	"github.com/lighthouse-core/lighthouse/core"
)

// Scorer is the pluggable ML/heuristic interface of spec §4.4 step 5: an
// optional scorer returning a decision with a confidence. Accepting an
// interface lets a real model-backed implementation be swapped in without
// touching the dispatcher.
type Scorer interface {
	Score(req *core.ValidationRequest) (core.ValidationDecision, float64, string)
}

// HeuristicCache wraps a Scorer with the configured confidence floor: scores
// below the floor are treated as "no verdict" and the pipeline falls through
// (spec §4.4 step 5: "only trusted at or above a configured confidence
// floor").
type HeuristicCache struct {
	scorer         Scorer
	confidenceFloor float64
}

// NewHeuristicCache wraps scorer with a confidence floor in [0,1]. A nil
// scorer disables the tier (Evaluate always falls through).
func NewHeuristicCache(scorer Scorer, confidenceFloor float64) *HeuristicCache {
	return &HeuristicCache{scorer: scorer, confidenceFloor: confidenceFloor}
}

// Evaluate scores the request and returns a verdict only when the score
// clears the confidence floor.
func (h *HeuristicCache) Evaluate(req *core.ValidationRequest) (*core.ValidationResult, bool) {
	if h.scorer == nil {
		return nil, false
	}
	decision, score, reason := h.scorer.Score(req)
	if score < h.confidenceFloor {
		return nil, false
	}
	confidence := core.ConfidenceMedium
	if score >= 0.9 {
		confidence = core.ConfidenceHigh
	}
	return &core.ValidationResult{
		Decision:   decision,
		Confidence: confidence,
		Reason:     reason,
	}, true
}

// KeywordScorer is a minimal heuristic scorer grounded on keyword density:
// it flags tool inputs containing a configured set of suspicious terms.
// Stands in for a trained model until one is wired in; real deployments
// should replace this with an actual classifier satisfying Scorer.
type KeywordScorer struct {
	SuspiciousTerms []string
}

// Score implements Scorer.
func (k *KeywordScorer) Score(req *core.ValidationRequest) (core.ValidationDecision, float64, string) {
	haystack := flattenInput(req.ToolInput)
	for _, term := range k.SuspiciousTerms {
		if strings.Contains(haystack, term) {
			return core.DecisionBlocked, 0.8, "tool input contains suspicious term: " + term
		}
	}
	return core.DecisionApproved, 0.5, "no suspicious terms detected"
}

func flattenInput(input map[string]interface{}) string {
	var b strings.Builder
	for _, v := range input {
		if s, ok := v.(string); ok {
			b.WriteString(strings.ToLower(s))
			b.WriteByte(' ')
		}
	}
	return b.String()
}
