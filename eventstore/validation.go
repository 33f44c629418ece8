package eventstore

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lighthouse-core/lighthouse/core"
)

// dangerousPatterns catches the same class of payload-embedded attacks the
// original validator rejected (script injection, eval/exec primitives, data
// URIs), compiled once at package init.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script[\s>]`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`(?i)\bexec\s*\(`),
	regexp.MustCompile(`(?i)\bsetTimeout\s*\(`),
	regexp.MustCompile(`(?i)\bsetInterval\s*\(`),
	regexp.MustCompile(`(?i)data:text/html`),
}

// ValidateEvent enforces spec §4.1's payload rules: size, nesting depth,
// null bytes, and dangerous string patterns. Run before signing and append.
func ValidateEvent(ev *core.Event) error {
	if ev == nil {
		return fmt.Errorf("%w: event is nil", core.ErrValidation)
	}
	size := estimateSize(ev.Data) + estimateSize(ev.Metadata)
	if size > core.MaxEventPayloadBytes {
		return fmt.Errorf("%w: payload length %d exceeds limit %d", core.ErrPayloadTooLarge, size, core.MaxEventPayloadBytes)
	}
	if depth := maxDepth(ev.Data, 0); depth > core.MaxNestedDepth {
		return fmt.Errorf("%w: nesting too deep (%d > %d)", core.ErrValidation, depth, core.MaxNestedDepth)
	}
	if err := scanStrings(ev.Data); err != nil {
		return err
	}
	return nil
}

// ValidateBatch enforces the batch-level caps of spec §3/§4.1 in addition to
// validating every member event.
func ValidateBatch(events []*core.Event) error {
	if len(events) > core.MaxBatchEvents {
		return fmt.Errorf("%w: batch of %d events exceeds %d event limit", core.ErrValidation, len(events), core.MaxBatchEvents)
	}
	var total int
	for _, ev := range events {
		if err := ValidateEvent(ev); err != nil {
			return err
		}
		total += estimateSize(ev.Data) + estimateSize(ev.Metadata)
	}
	if total > core.MaxBatchBytes {
		return fmt.Errorf("%w: batch size %d exceeds %d byte limit", core.ErrValidation, total, core.MaxBatchBytes)
	}
	return nil
}

func estimateSize(v interface{}) int {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return len(t)
	case map[string]interface{}:
		n := 0
		for k, val := range t {
			n += len(k) + estimateSize(val)
		}
		return n
	case map[string]string:
		n := 0
		for k, val := range t {
			n += len(k) + len(val)
		}
		return n
	case []interface{}:
		n := 0
		for _, val := range t {
			n += estimateSize(val)
		}
		return n
	default:
		return 8
	}
}

func maxDepth(v interface{}, depth int) int {
	switch t := v.(type) {
	case map[string]interface{}:
		best := depth
		for _, val := range t {
			if d := maxDepth(val, depth+1); d > best {
				best = d
			}
		}
		return best
	case []interface{}:
		best := depth
		for _, val := range t {
			if d := maxDepth(val, depth+1); d > best {
				best = d
			}
		}
		return best
	default:
		return depth
	}
}

func scanStrings(v interface{}) error {
	switch t := v.(type) {
	case string:
		return scanString(t)
	case map[string]interface{}:
		for k, val := range t {
			if err := scanString(k); err != nil {
				return err
			}
			if err := scanStrings(val); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, val := range t {
			if err := scanStrings(val); err != nil {
				return err
			}
		}
	}
	return nil
}

func scanString(s string) error {
	if strings.ContainsRune(s, '\x00') {
		return fmt.Errorf("%w: null byte detected", core.ErrValidation)
	}
	for _, p := range dangerousPatterns {
		if p.MatchString(s) {
			return fmt.Errorf("%w: dangerous pattern detected", core.ErrValidation)
		}
	}
	return nil
}

// dangerousPathPrefixes mirrors the path-traversal and system-directory
// denylist enforced by the original store's PathValidator.
var dangerousPathPrefixes = []string{
	"/etc/", "/usr/", "/var/", "/boot/", "/sys/", "/proc/", "/dev/",
}

var dangerousPathSchemes = []string{
	"file://", "http://", "https://", "ftp://",
}

// ValidatePath confirms a data-directory path resolves inside one of the
// allowed base directories and never touches a traversal or scheme attack
// (spec §6 allowed_base_dirs, grounded on the original PathValidator).
func ValidatePath(path string, allowedBaseDirs []string) error {
	lower := strings.ToLower(path)
	for _, scheme := range dangerousPathSchemes {
		if strings.HasPrefix(lower, scheme) {
			return fmt.Errorf("%w: dangerous path pattern %q", core.ErrValidation, path)
		}
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("%w: dangerous path pattern (traversal) %q", core.ErrValidation, path)
	}
	for _, prefix := range dangerousPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			allowed := false
			for _, base := range allowedBaseDirs {
				if strings.HasPrefix(path, base) {
					allowed = true
					break
				}
			}
			if !allowed {
				return fmt.Errorf("%w: dangerous path pattern (system directory) %q", core.ErrValidation, path)
			}
		}
	}
	for _, base := range allowedBaseDirs {
		if strings.HasPrefix(path, base) {
			return nil
		}
	}
	return fmt.Errorf("%w: path %q is outside allowed directories", core.ErrValidation, path)
}
