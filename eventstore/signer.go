package eventstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lighthouse-core/lighthouse/core"
)

// Signer computes and verifies the HMAC over an Event's canonical encoding
// (spec §4.1: "compute the canonical byte encoding, sign it with the
// store's HMAC key").
type Signer struct {
	key []byte
}

// NewSigner creates a Signer from the configured auth_secret.
func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret)}
}

// canonicalBytes renders every field of ev except HMAC in a stable order, so
// two equal events always produce identical bytes regardless of map
// iteration order.
func canonicalBytes(ev *core.Event) ([]byte, error) {
	data, err := canonicalJSON(ev.Data)
	if err != nil {
		return nil, err
	}
	meta, err := canonicalJSON(ev.Metadata)
	if err != nil {
		return nil, err
	}
	parts := struct {
		EventID       string `json:"event_id"`
		Sequence      int64  `json:"sequence"`
		EventType     string `json:"event_type"`
		AggregateID   string `json:"aggregate_id"`
		AggregateType string `json:"aggregate_type"`
		Data          string `json:"data"`
		Metadata      string `json:"metadata"`
		SourceAgent   string `json:"source_agent"`
		Timestamp     int64  `json:"timestamp"`
		SchemaVersion int    `json:"schema_version"`
	}{
		EventID:       ev.EventID.String(),
		Sequence:      ev.Sequence,
		EventType:     string(ev.EventType),
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		Data:          string(data),
		Metadata:      string(meta),
		SourceAgent:   ev.SourceAgent,
		Timestamp:     ev.Timestamp,
		SchemaVersion: ev.SchemaVersion,
	}
	return json.Marshal(parts)
}

// canonicalJSON marshals a map with keys sorted, so the resulting bytes are
// deterministic independent of Go's randomized map iteration order.
func canonicalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b []byte
		b = append(b, '{')
		for i, k := range keys {
			if i > 0 {
				b = append(b, ',')
			}
			kb, _ := json.Marshal(k)
			b = append(b, kb...)
			b = append(b, ':')
			vb, err := canonicalJSON(t[k])
			if err != nil {
				return nil, err
			}
			b = append(b, vb...)
		}
		b = append(b, '}')
		return b, nil
	case map[string]string:
		m := make(map[string]interface{}, len(t))
		for k, v := range t {
			m[k] = v
		}
		return canonicalJSON(m)
	default:
		return json.Marshal(t)
	}
}

// Sign computes the HMAC-SHA256 over ev's canonical encoding and sets ev.HMAC.
func (s *Signer) Sign(ev *core.Event) error {
	b, err := canonicalBytes(ev)
	if err != nil {
		return fmt.Errorf("%w: canonicalizing event: %v", core.ErrValidation, err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(b)
	ev.HMAC = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// Verify reports whether ev.HMAC matches the recomputed HMAC over its
// canonical encoding.
func (s *Signer) Verify(ev *core.Event) bool {
	b, err := canonicalBytes(ev)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(b)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(ev.HMAC))
}
