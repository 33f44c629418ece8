package eventstore

import (
	"context"
	"time"

	"github.com/lighthouse-core/lighthouse/core"
)

// SortField and SortOrder parameterize Query (spec §4.1).
type SortField string
type SortOrder string

const (
	SortBySequence  SortField = "sequence"
	SortByTimestamp SortField = "timestamp"

	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

// Filter selects a subset of events for Query (spec §4.1).
type Filter struct {
	EventTypes     []core.EventType
	AggregateIDs   []string
	SourceAgents   []string
	AfterSequence  *int64
	BeforeSequence *int64
	AfterTime      *time.Time
	BeforeTime     *time.Time

	Offset int
	Limit  int
	Sort   SortField
	Order  SortOrder
}

// QueryResult is the output of Query (spec §4.1).
type QueryResult struct {
	Events          []*core.Event
	TotalCount      int
	HasMore         bool
	ExecutionTimeMs float64
}

// Handler folds one event of a known type into a caller-owned state object
// (spec §4.1 "handler table"). Implementations type-assert ev.Data as needed.
type Handler func(state interface{}, ev *core.Event) error

// HandlerTable maps event type to its reducer.
type HandlerTable map[core.EventType]Handler

// Snapshot captures a reduced state at a given sequence (spec §4.1).
type Snapshot struct {
	ID        string
	Sequence  int64
	State     []byte // caller-serialized state
	Metadata  map[string]string
	CreatedAt time.Time
}

// Store is the durable, append-only, authenticated event log contract that
// both backends (segmented_log, sqlite_wal) satisfy identically (spec §4.1).
type Store interface {
	// Append assigns the next sequence to ev, signs it, and durably persists
	// it, returning the assigned sequence. ev.Sequence is ignored on input.
	Append(ctx context.Context, ev *core.Event) (int64, error)

	// AppendBatch atomically appends events as a contiguous sequence range;
	// either every event is durable or none are.
	AppendBatch(ctx context.Context, events []*core.Event) ([]int64, error)

	// Query returns events matching filter, verifying HMACs on read.
	Query(ctx context.Context, filter Filter) (*QueryResult, error)

	// Replay streams events from (optionally) a start sequence into handlers,
	// folding them into state in strict sequence order.
	Replay(ctx context.Context, fromSequence int64, handlers HandlerTable, state interface{}) error

	// CreateSnapshot persists state at sequence, returning a snapshot id.
	CreateSnapshot(ctx context.Context, state []byte, sequence int64, metadata map[string]string) (string, error)

	// LoadSnapshot retrieves a previously created snapshot.
	LoadSnapshot(ctx context.Context, id string) (*Snapshot, error)

	// IntegrityIncidents returns the running count of HMAC verification
	// failures observed since the store opened (spec §4.1 failure model).
	IntegrityIncidents() int64

	// Health reports store-level health for the Bridge Facade's get_health.
	Health(ctx context.Context) Health

	// Close flushes and releases any open file handles.
	Close() error
}

// Health is a point-in-time status snapshot of the store.
type Health struct {
	Healthy             bool
	TailSequence        int64
	ActiveSegment       string
	IntegrityIncidents  int64
	LastAppendLatencyMs float64
}
