package speedlayer

import (
	"path"
	"regexp"
	"strings"

	"github.com/lighthouse-core/lighthouse/core"
)

// protectedPathPrefixes are system/config directories that any write into
// is blocked regardless of tool (spec §4.4 step 4: "writes to protected
// prefixes → blocked").
var protectedPathPrefixes = []string{
	"/etc", "/boot", "/sys", "/proc", "/root", "/var/lib", "/usr/bin", "/usr/sbin",
}

// safeShellBuiltins are common read-only shell built-ins approved at medium
// confidence when no policy rule already matched.
var safeShellBuiltins = regexp.MustCompile(`^\s*(pwd|whoami|echo|date|uname|env)\b`)

// destructiveCommand matches broader destructive-looking shell invocations
// that the fixed policy table does not enumerate by name.
var destructiveCommand = regexp.MustCompile(`\b(mkfs|dd\s+if=|:(){ :\|:& };:|shutdown|reboot)\b`)

// PatternCache is the regex/glob/path-prefix rule tier of spec §4.4 step 4:
// medium-confidence judgements for shapes the policy cache doesn't cover by
// exact tool name.
type PatternCache struct{}

// NewPatternCache builds the pattern tier. Stateless: every rule is a
// package-level compiled pattern.
func NewPatternCache() *PatternCache { return &PatternCache{} }

// Evaluate returns a verdict and true if a pattern matched.
func (p *PatternCache) Evaluate(req *core.ValidationRequest) (*core.ValidationResult, bool) {
	if path, ok := req.ToolInput["path"].(string); ok && hasSystemPrefix(path) {
		return &core.ValidationResult{
			Decision:   core.DecisionBlocked,
			Confidence: core.ConfidenceMedium,
			Reason:     "path falls under a protected system prefix",
		}, true
	}

	if cmd, ok := req.ToolInput["command"].(string); ok {
		if destructiveCommand.MatchString(cmd) {
			return &core.ValidationResult{
				Decision:   core.DecisionBlocked,
				Confidence: core.ConfidenceMedium,
				Reason:     "command matches a known destructive pattern",
			}, true
		}
		if safeShellBuiltins.MatchString(cmd) {
			return &core.ValidationResult{
				Decision:   core.DecisionApproved,
				Confidence: core.ConfidenceMedium,
				Reason:     "command is a recognized safe shell built-in",
			}, true
		}
	}

	return nil, false
}

func hasSystemPrefix(p string) bool {
	if p == "" {
		return false
	}
	clean := path.Clean(p)
	for _, prefix := range protectedPathPrefixes {
		if clean == prefix || strings.HasPrefix(clean, prefix+"/") {
			return true
		}
	}
	return false
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
