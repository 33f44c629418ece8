package core

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EventID is the ADR-003 event identifier: printed as
// "<timestamp_ns>_<sequence_in_tick>_<node_id>", sortable lexicographically
// in exactly the order it sorts chronologically (spec §3, §8 invariant 4).
type EventID struct {
	TimestampNs int64
	Sequence    int64
	NodeID      string
}

// String renders the ADR-003 canonical form, zero-padding timestamp and
// sequence to 19 digits so that string order matches Less.
func (id EventID) String() string {
	return fmt.Sprintf("%019d_%019d_%s", id.TimestampNs, id.Sequence, id.NodeID)
}

// ParseEventID parses the ADR-003 string form, round-tripping with String.
func ParseEventID(s string) (EventID, error) {
	parts := strings.SplitN(s, "_", 3)
	if len(parts) != 3 {
		return EventID{}, fmt.Errorf("invalid EventID format: %q", s)
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("invalid EventID format: %q: %w", s, err)
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("invalid EventID format: %q: %w", s, err)
	}
	if parts[2] == "" {
		return EventID{}, fmt.Errorf("invalid EventID format: %q", s)
	}
	return EventID{TimestampNs: ts, Sequence: seq, NodeID: parts[2]}, nil
}

// Less orders EventIDs chronologically: timestamp, then in-tick sequence,
// then node_id as the final deterministic tie-break.
func (id EventID) Less(other EventID) bool {
	if id.TimestampNs != other.TimestampNs {
		return id.TimestampNs < other.TimestampNs
	}
	if id.Sequence != other.Sequence {
		return id.Sequence < other.Sequence
	}
	return id.NodeID < other.NodeID
}

const sequenceCounterHighWaterMark = 1000

// MonotonicEventIDGenerator produces EventIDs whose timestamp never goes
// backwards even under wall-clock skew, breaking ties within the same
// nanosecond tick with a per-tick sequence counter. Safe for concurrent use.
type MonotonicEventIDGenerator struct {
	mu               sync.Mutex
	nodeID           string
	lastTimestampNs  int64
	sequenceCounters map[int64]int64
	now              func() int64 // injectable for tests
}

// NewMonotonicEventIDGenerator creates a generator for the given node ID.
func NewMonotonicEventIDGenerator(nodeID string) *MonotonicEventIDGenerator {
	return &MonotonicEventIDGenerator{
		nodeID:           nodeID,
		lastTimestampNs:  time.Now().UnixNano(),
		sequenceCounters: make(map[int64]int64),
		now:              func() int64 { return time.Now().UnixNano() },
	}
}

// Generate returns the next EventID. The timestamp component is guaranteed to
// be >= every previously generated timestamp from this generator.
func (g *MonotonicEventIDGenerator) Generate() EventID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	if ts <= g.lastTimestampNs {
		ts = g.lastTimestampNs
	}
	g.lastTimestampNs = ts

	seq := g.sequenceCounters[ts]
	g.sequenceCounters[ts] = seq + 1

	if len(g.sequenceCounters) > sequenceCounterHighWaterMark {
		g.evictOldCounters(ts)
	}

	return EventID{TimestampNs: ts, Sequence: seq, NodeID: g.nodeID}
}

// evictOldCounters drops per-tick sequence counters for timestamps strictly
// older than the current tick, bounding memory under sustained load. Must be
// called with mu held.
func (g *MonotonicEventIDGenerator) evictOldCounters(current int64) {
	for ts := range g.sequenceCounters {
		if ts < current {
			delete(g.sequenceCounters, ts)
		}
	}
}

// Reset clears per-tick counters and re-synchronizes the last timestamp to
// now, without ever regressing it.
func (g *MonotonicEventIDGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if now > g.lastTimestampNs {
		g.lastTimestampNs = now
	}
	g.sequenceCounters = make(map[int64]int64)
}

// NodeID returns the generator's node identifier.
func (g *MonotonicEventIDGenerator) NodeID() string { return g.nodeID }

// Package-level convenience generator, mirroring the teacher's pattern of
// exposing both an injectable type and a zero-config global default.
var (
	globalGeneratorMu sync.Mutex
	globalGenerator   = NewMonotonicEventIDGenerator("lighthouse-01")
)

// GenerateEventID returns the next EventID from the process-wide generator.
func GenerateEventID() EventID {
	globalGeneratorMu.Lock()
	g := globalGenerator
	globalGeneratorMu.Unlock()
	return g.Generate()
}

// SetNodeID replaces the process-wide generator's node ID.
func SetNodeID(nodeID string) {
	globalGeneratorMu.Lock()
	defer globalGeneratorMu.Unlock()
	globalGenerator = NewMonotonicEventIDGenerator(nodeID)
}

// ResetGlobalGenerator resets the process-wide generator to its default node ID.
func ResetGlobalGenerator() {
	globalGeneratorMu.Lock()
	defer globalGeneratorMu.Unlock()
	globalGenerator = NewMonotonicEventIDGenerator("lighthouse-01")
}
