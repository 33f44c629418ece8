package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventIDStringRoundTrip(t *testing.T) {
	id := EventID{TimestampNs: 1234567890, Sequence: 3, NodeID: "node-a"}
	parsed, err := ParseEventID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseEventIDRejectsMalformed(t *testing.T) {
	_, err := ParseEventID("not-an-event-id")
	assert.Error(t, err)

	_, err = ParseEventID("123_456_")
	assert.Error(t, err)
}

func TestEventIDLessOrdersByTimestampThenSequenceThenNode(t *testing.T) {
	a := EventID{TimestampNs: 1, Sequence: 0, NodeID: "a"}
	b := EventID{TimestampNs: 2, Sequence: 0, NodeID: "a"}
	assert.True(t, a.Less(b))

	c := EventID{TimestampNs: 1, Sequence: 0, NodeID: "a"}
	d := EventID{TimestampNs: 1, Sequence: 1, NodeID: "a"}
	assert.True(t, c.Less(d))

	e := EventID{TimestampNs: 1, Sequence: 0, NodeID: "a"}
	f := EventID{TimestampNs: 1, Sequence: 0, NodeID: "b"}
	assert.True(t, e.Less(f))
}

func TestGeneratorNeverRegressesTimestamp(t *testing.T) {
	g := NewMonotonicEventIDGenerator("node-a")
	tick := int64(1000)
	g.now = func() int64 { return tick }

	first := g.Generate()
	tick = 500 // clock moves backwards
	second := g.Generate()

	assert.GreaterOrEqual(t, second.TimestampNs, first.TimestampNs)
}

func TestGeneratorAssignsDistinctSequenceWithinSameTick(t *testing.T) {
	g := NewMonotonicEventIDGenerator("node-a")
	g.now = func() int64 { return 42 }

	a := g.Generate()
	b := g.Generate()

	assert.Equal(t, a.TimestampNs, b.TimestampNs)
	assert.NotEqual(t, a.Sequence, b.Sequence)
}

func TestGeneratorConcurrentSafety(t *testing.T) {
	g := NewMonotonicEventIDGenerator("node-a")
	seen := sync.Map{}
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := g.Generate()
			_, loaded := seen.LoadOrStore(id.String(), true)
			assert.False(t, loaded, "duplicate EventID generated: %s", id.String())
		}()
	}
	wg.Wait()
}

func TestGeneratorEvictsOldCounters(t *testing.T) {
	g := NewMonotonicEventIDGenerator("node-a")
	tick := int64(0)
	g.now = func() int64 { return tick }

	for i := 0; i < sequenceCounterHighWaterMark+10; i++ {
		tick++
		g.Generate()
	}
	assert.LessOrEqual(t, len(g.sequenceCounters), sequenceCounterHighWaterMark+1)
}
