package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-core/lighthouse/core"
)

func testConfig(t *testing.T) *core.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := core.NewConfig(
		core.WithAuthSecret("a-sufficiently-long-test-secret-key-value"),
		core.WithDataDir(dir),
		core.WithAllowedBaseDirs(dir),
	)
	require.NoError(t, err)
	return cfg
}

func newEvent(eventType core.EventType, aggregateID string) *core.Event {
	return &core.Event{
		EventType:   eventType,
		AggregateID: aggregateID,
		Data:        map[string]interface{}{"foo": "bar"},
		SourceAgent: "test-agent",
		Timestamp:   time.Now().UnixNano(),
	}
}

func TestSegmentedLogAppendAssignsSequentialSequences(t *testing.T) {
	store, err := OpenSegmentedLogStore(testConfig(t), core.NoOpLogger{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	seq1, err := store.Append(ctx, newEvent(core.EventCommandReceived, "cmd-1"))
	require.NoError(t, err)
	seq2, err := store.Append(ctx, newEvent(core.EventCommandReceived, "cmd-2"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), seq1)
	assert.Equal(t, int64(2), seq2)
}

func TestSegmentedLogQueryVerifiesHMAC(t *testing.T) {
	store, err := OpenSegmentedLogStore(testConfig(t), core.NoOpLogger{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Append(ctx, newEvent(core.EventCommandReceived, "cmd-1"))
	require.NoError(t, err)

	result, err := store.Query(ctx, Filter{Sort: SortBySequence, Order: SortAscending})
	require.NoError(t, err)
	assert.Len(t, result.Events, 1)
	assert.Equal(t, 1, result.TotalCount)
	assert.False(t, result.HasMore)
}

func TestSegmentedLogBatchAppendIsContiguous(t *testing.T) {
	store, err := OpenSegmentedLogStore(testConfig(t), core.NoOpLogger{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	events := []*core.Event{
		newEvent(core.EventCommandReceived, "a"),
		newEvent(core.EventCommandReceived, "b"),
		newEvent(core.EventCommandReceived, "c"),
	}
	seqs, err := store.AppendBatch(ctx, events)
	require.NoError(t, err)
	require.Len(t, seqs, 3)
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestSegmentedLogRejectsOversizedPayload(t *testing.T) {
	store, err := OpenSegmentedLogStore(testConfig(t), core.NoOpLogger{})
	require.NoError(t, err)
	defer store.Close()

	ev := newEvent(core.EventCommandReceived, "too-big")
	ev.Data = map[string]interface{}{"payload": make([]byte, 0)}
	huge := ""
	for i := 0; i < 2*1024*1024; i++ {
		huge += "x"
	}
	ev.Data = map[string]interface{}{"payload": huge}

	_, err = store.Append(context.Background(), ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPayloadTooLarge)
}

func TestSegmentedLogRejectsDangerousPattern(t *testing.T) {
	store, err := OpenSegmentedLogStore(testConfig(t), core.NoOpLogger{})
	require.NoError(t, err)
	defer store.Close()

	ev := newEvent(core.EventCommandReceived, "xss")
	ev.Data = map[string]interface{}{"payload": "<script>alert(1)</script>"}

	_, err = store.Append(context.Background(), ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestSegmentedLogReplayFoldsEventsInOrder(t *testing.T) {
	store, err := OpenSegmentedLogStore(testConfig(t), core.NoOpLogger{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, newEvent(core.EventCommandReceived, "agg"))
		require.NoError(t, err)
	}

	var count int
	handlers := HandlerTable{
		core.EventCommandReceived: func(state interface{}, ev *core.Event) error {
			counter := state.(*int)
			*counter++
			return nil
		},
	}
	require.NoError(t, store.Replay(ctx, 0, handlers, &count))
	assert.Equal(t, 5, count)
}

func TestSegmentedLogSnapshotRoundTrip(t *testing.T) {
	store, err := OpenSegmentedLogStore(testConfig(t), core.NoOpLogger{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	id, err := store.CreateSnapshot(ctx, []byte(`{"count":5}`), 10, map[string]string{"reason": "test"})
	require.NoError(t, err)

	snap, err := store.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.Sequence)
	assert.Equal(t, []byte(`{"count":5}`), snap.State)
}

func TestSegmentedLogRecoversAfterReopen(t *testing.T) {
	cfg := testConfig(t)
	store, err := OpenSegmentedLogStore(cfg, core.NoOpLogger{})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Append(ctx, newEvent(core.EventCommandReceived, "a"))
	require.NoError(t, err)
	_, err = store.Append(ctx, newEvent(core.EventCommandReceived, "b"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenSegmentedLogStore(cfg, core.NoOpLogger{})
	require.NoError(t, err)
	defer reopened.Close()

	seq, err := reopened.Append(ctx, newEvent(core.EventCommandReceived, "c"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}
