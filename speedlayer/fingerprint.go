package speedlayer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/lighthouse-core/lighthouse/core"
)

// Fingerprint computes a stable cache key for a request: a hash of
// tool_name, the canonicalised tool_input, and the agent's role — never
// agent_id, so that identical safe commands from different agents share
// cache entries (spec §4.4 step 1).
func Fingerprint(req *core.ValidationRequest) string {
	var b strings.Builder
	b.WriteString(req.ToolName)
	b.WriteByte('\x00')
	b.WriteString(string(req.AgentRole))
	b.WriteByte('\x00')
	writeCanonical(&b, req.ToolInput)

	h := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(h[:])
}

// writeCanonical renders v deterministically: map keys sorted, so the same
// logical input always produces the same fingerprint regardless of Go's
// randomized map iteration order.
func writeCanonical(b *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%q:", k)
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		fmt.Fprintf(b, "%v", val)
	}
}
