package speedlayer

import (
	"github.com/lighthouse-core/lighthouse/core"
)

// policyVerdict is a policy cache rule's fixed answer for a tool+shape match.
type policyVerdict struct {
	decision   core.ValidationDecision
	confidence core.ValidationConfidence
	reason     string
}

// policyRule matches a tool_name, optionally gated on a shape predicate over
// tool_input (e.g. "is this a recursive remove").
type policyRule struct {
	toolName string
	shape    func(input map[string]interface{}) bool
	verdict  policyVerdict
}

// PolicyCache is the compiled safe/unsafe tool+shape table of spec §4.4 step
// 3: known-safe read-only tools approve with high confidence, known-dangerous
// primitives block with high confidence, everything else falls through.
type PolicyCache struct {
	rules []policyRule
}

// NewPolicyCache builds the fixed rule table. Rules are evaluated in order;
// the first match wins (dangerous patterns are listed ahead of blanket-safe
// ones so an ambiguous shape resolves to blocked).
func NewPolicyCache() *PolicyCache {
	return &PolicyCache{rules: defaultPolicyRules()}
}

func defaultPolicyRules() []policyRule {
	dangerous := policyVerdict{core.DecisionBlocked, core.ConfidenceHigh, "matches known-dangerous tool shape"}
	safe := policyVerdict{core.DecisionApproved, core.ConfidenceHigh, "matches known-safe tool shape"}

	return []policyRule{
		{toolName: "shell_exec", shape: isRecursiveForceRemove, verdict: dangerous},
		{toolName: "shell_exec", shape: isPrivilegeEscalation, verdict: dangerous},
		{toolName: "file_write", shape: targetsSystemPath, verdict: dangerous},

		{toolName: "file_read", shape: always, verdict: safe},
		{toolName: "directory_list", shape: always, verdict: safe},
		{toolName: "pattern_search", shape: always, verdict: safe},
		{toolName: "file_stat", shape: always, verdict: safe},
	}
}

func always(map[string]interface{}) bool { return true }

func isRecursiveForceRemove(input map[string]interface{}) bool {
	cmd, _ := input["command"].(string)
	return containsAll(cmd, "rm", "-rf") || containsAll(cmd, "rm", "-fr")
}

func isPrivilegeEscalation(input map[string]interface{}) bool {
	cmd, _ := input["command"].(string)
	return containsAny(cmd, "sudo ", "chmod 777", "setuid", "su -")
}

func targetsSystemPath(input map[string]interface{}) bool {
	path, _ := input["path"].(string)
	return hasSystemPrefix(path)
}

// Evaluate returns a verdict and true if a rule matched; false lets the
// pipeline fall through to the next tier.
func (p *PolicyCache) Evaluate(req *core.ValidationRequest) (*core.ValidationResult, bool) {
	for _, rule := range p.rules {
		if rule.toolName != req.ToolName {
			continue
		}
		if rule.shape == nil || !rule.shape(req.ToolInput) {
			continue
		}
		return &core.ValidationResult{
			Decision:   rule.verdict.decision,
			Confidence: rule.verdict.confidence,
			Reason:     rule.verdict.reason,
		}, true
	}
	return nil, false
}
