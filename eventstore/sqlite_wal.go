package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lighthouse-core/lighthouse/core"
)

// SQLiteWALStore is the single-file embedded-SQL backend (spec §4.1b): one
// database opened in write-ahead-logging mode, indexed on sequence,
// aggregate_id, event_type, and timestamp. WAL mode itself gives the crash
// recovery guarantee (SQLite replays its own WAL journal on open), so no
// bespoke tail-scan is needed the way the segmented log backend requires.
type SQLiteWALStore struct {
	db     *sql.DB
	signer *Signer
	logger core.Logger

	integrityIncidents int64
}

// OpenSQLiteWALStore opens (creating if absent) a SQLite database at
// cfg.DataDir/events.db in WAL journal mode.
func OpenSQLiteWALStore(cfg *core.Config, logger core.Logger) (*SQLiteWALStore, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if err := ValidatePath(cfg.DataDir, cfg.AllowedBaseDirs); err != nil {
		return nil, err
	}

	path := cfg.DataDir + "/events.db"
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("%w: opening sqlite database: %v", core.ErrStorage, err)
	}
	db.SetMaxOpenConns(1) // single-writer WAL discipline, matching the segmented-log's exclusive append lock

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: applying schema: %v", core.ErrStorage, err)
	}

	return &SQLiteWALStore{
		db:     db,
		signer: NewSigner(cfg.AuthSecret),
		logger: withComponentSafe(logger, "eventstore"),
	}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	sequence       INTEGER PRIMARY KEY,
	event_id       TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT,
	data           TEXT NOT NULL,
	metadata       TEXT,
	source_agent   TEXT NOT NULL,
	timestamp      INTEGER NOT NULL,
	schema_version INTEGER NOT NULL,
	hmac           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_aggregate_id ON events(aggregate_id);
CREATE INDEX IF NOT EXISTS idx_events_event_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);

CREATE TABLE IF NOT EXISTS snapshots (
	id         TEXT PRIMARY KEY,
	sequence   INTEGER NOT NULL,
	state      BLOB NOT NULL,
	metadata   TEXT,
	created_at INTEGER NOT NULL
);
`

// Append assigns the next sequence, signs, and durably persists ev.
func (s *SQLiteWALStore) Append(ctx context.Context, ev *core.Event) (int64, error) {
	if err := ValidateEvent(ev); err != nil {
		return 0, err
	}
	seqs, err := s.insertAll(ctx, []*core.Event{ev})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch atomically appends events as a contiguous sequence range
// inside a single SQL transaction.
func (s *SQLiteWALStore) AppendBatch(ctx context.Context, events []*core.Event) ([]int64, error) {
	if err := ValidateBatch(events); err != nil {
		return nil, err
	}
	return s.insertAll(ctx, events)
}

func (s *SQLiteWALStore) insertAll(ctx context.Context, events []*core.Event) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: beginning transaction: %v", core.ErrStorage, err)
	}
	defer tx.Rollback()

	var tail int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM events`).Scan(&tail); err != nil {
		return nil, fmt.Errorf("%w: reading tail sequence: %v", core.ErrStorage, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events
		(sequence, event_id, event_type, aggregate_id, aggregate_type, data, metadata, source_agent, timestamp, schema_version, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("%w: preparing insert: %v", core.ErrStorage, err)
	}
	defer stmt.Close()

	seqs := make([]int64, len(events))
	for i, ev := range events {
		tail++
		ev.Sequence = tail
		if err := s.signer.Sign(ev); err != nil {
			return nil, err
		}
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding data: %v", core.ErrStorage, err)
		}
		meta, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding metadata: %v", core.ErrStorage, err)
		}
		if _, err := stmt.ExecContext(ctx, ev.Sequence, ev.EventID.String(), string(ev.EventType),
			ev.AggregateID, ev.AggregateType, string(data), string(meta), ev.SourceAgent,
			ev.Timestamp, ev.SchemaVersion, ev.HMAC); err != nil {
			return nil, fmt.Errorf("%w: inserting event: %v", core.ErrStorage, err)
		}
		seqs[i] = tail
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing transaction: %v", core.ErrStorage, err)
	}
	return seqs, nil
}

// Query returns events matching filter, verifying HMACs on read.
func (s *SQLiteWALStore) Query(ctx context.Context, filter Filter) (*QueryResult, error) {
	start := time.Now()

	where, args := buildWhere(filter)
	orderCol := "sequence"
	if filter.Sort == SortByTimestamp {
		orderCol = "timestamp"
	}
	orderDir := "ASC"
	if filter.Order == SortDescending {
		orderDir = "DESC"
	}

	countQuery := "SELECT COUNT(*) FROM events" + where
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("%w: counting events: %v", core.ErrStorage, err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 10000 {
		limit = 10000
	}
	query := fmt.Sprintf("SELECT sequence, event_id, event_type, aggregate_id, aggregate_type, data, metadata, source_agent, timestamp, schema_version, hmac FROM events%s ORDER BY %s %s LIMIT ? OFFSET ?",
		where, orderCol, orderDir)
	rows, err := s.db.QueryContext(ctx, query, append(append([]interface{}{}, args...), limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying events: %v", core.ErrStorage, err)
	}
	defer rows.Close()

	var events []*core.Event
	for rows.Next() {
		ev, eventID, dataRaw, metaRaw, err := scanEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning row: %v", core.ErrStorage, err)
		}
		parsed, perr := core.ParseEventID(eventID)
		if perr == nil {
			ev.EventID = parsed
		}
		_ = json.Unmarshal(dataRaw, &ev.Data)
		_ = json.Unmarshal(metaRaw, &ev.Metadata)

		if !s.signer.Verify(ev) {
			s.integrityIncidents++
			s.logger.Error("integrity check failed: HMAC mismatch, omitting event", map[string]interface{}{
				"sequence": ev.Sequence,
			})
			continue
		}
		events = append(events, ev)
	}

	return &QueryResult{
		Events:          events,
		TotalCount:      total,
		HasMore:         filter.Offset+len(events) < total,
		ExecutionTimeMs: core.TimeSince(start),
	}, nil
}

func scanEventRow(rows *sql.Rows) (*core.Event, string, []byte, []byte, error) {
	var ev core.Event
	var eventID string
	var dataRaw, metaRaw []byte
	var eventType, aggregateType string
	err := rows.Scan(&ev.Sequence, &eventID, &eventType, &ev.AggregateID, &aggregateType,
		&dataRaw, &metaRaw, &ev.SourceAgent, &ev.Timestamp, &ev.SchemaVersion, &ev.HMAC)
	ev.EventType = core.EventType(eventType)
	ev.AggregateType = aggregateType
	return &ev, eventID, dataRaw, metaRaw, err
}

func buildWhere(f Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if len(f.EventTypes) > 0 {
		placeholders := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		clauses = append(clauses, "event_type IN ("+join(placeholders)+")")
	}
	if len(f.AggregateIDs) > 0 {
		placeholders := make([]string, len(f.AggregateIDs))
		for i, v := range f.AggregateIDs {
			placeholders[i] = "?"
			args = append(args, v)
		}
		clauses = append(clauses, "aggregate_id IN ("+join(placeholders)+")")
	}
	if len(f.SourceAgents) > 0 {
		placeholders := make([]string, len(f.SourceAgents))
		for i, v := range f.SourceAgents {
			placeholders[i] = "?"
			args = append(args, v)
		}
		clauses = append(clauses, "source_agent IN ("+join(placeholders)+")")
	}
	if f.AfterSequence != nil {
		clauses = append(clauses, "sequence > ?")
		args = append(args, *f.AfterSequence)
	}
	if f.BeforeSequence != nil {
		clauses = append(clauses, "sequence < ?")
		args = append(args, *f.BeforeSequence)
	}
	if f.AfterTime != nil {
		clauses = append(clauses, "timestamp > ?")
		args = append(args, f.AfterTime.UnixNano())
	}
	if f.BeforeTime != nil {
		clauses = append(clauses, "timestamp < ?")
		args = append(args, f.BeforeTime.UnixNano())
	}

	if len(clauses) == 0 {
		return "", args
	}
	out := " WHERE "
	for i, c := range clauses {
		if i > 0 {
			out += " AND "
		}
		out += c
	}
	return out, args
}

func join(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// Replay streams events from fromSequence into handlers in sequence order.
func (s *SQLiteWALStore) Replay(ctx context.Context, fromSequence int64, handlers HandlerTable, state interface{}) error {
	after := fromSequence - 1
	for {
		from := after
		result, err := s.Query(ctx, Filter{AfterSequence: &from, Sort: SortBySequence, Order: SortAscending, Limit: 10000})
		if err != nil {
			return err
		}
		for _, ev := range result.Events {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w", core.ErrCancellation)
			default:
			}
			after = ev.Sequence
			handler, ok := handlers[ev.EventType]
			if !ok {
				continue
			}
			if err := handler(state, ev); err != nil {
				return fmt.Errorf("replaying event %s: %w", ev.EventID.String(), err)
			}
		}
		if !result.HasMore || len(result.Events) == 0 {
			return nil
		}
	}
}

// CreateSnapshot persists state at sequence in the snapshots table.
func (s *SQLiteWALStore) CreateSnapshot(ctx context.Context, state []byte, sequence int64, metadata map[string]string) (string, error) {
	id := fmt.Sprintf("snap_%d_%d", sequence, time.Now().UnixNano())
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("%w: encoding metadata: %v", core.ErrStorage, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, sequence, state, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, sequence, state, string(meta), time.Now().UnixNano()); err != nil {
		return "", fmt.Errorf("%w: writing snapshot: %v", core.ErrStorage, err)
	}
	_, _ = s.Append(ctx, &core.Event{
		EventType:   core.EventSnapshotCreated,
		AggregateID: id,
		Data:        map[string]interface{}{"sequence": sequence, "snapshot_id": id},
		SourceAgent: "eventstore",
		Timestamp:   time.Now().UnixNano(),
	})
	return id, nil
}

// LoadSnapshot retrieves a previously created snapshot.
func (s *SQLiteWALStore) LoadSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	var snap Snapshot
	var metaRaw string
	var createdAtNs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, sequence, state, metadata, created_at FROM snapshots WHERE id = ?`, id,
	).Scan(&snap.ID, &snap.Sequence, &snap.State, &metaRaw, &createdAtNs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: snapshot %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading snapshot: %v", core.ErrStorage, err)
	}
	_ = json.Unmarshal([]byte(metaRaw), &snap.Metadata)
	snap.CreatedAt = time.Unix(0, createdAtNs)
	return &snap, nil
}

// IntegrityIncidents returns the running HMAC-failure counter.
func (s *SQLiteWALStore) IntegrityIncidents() int64 {
	return s.integrityIncidents
}

// Health reports store status for the Bridge Facade.
func (s *SQLiteWALStore) Health(ctx context.Context) Health {
	var tail int64
	_ = s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM events`).Scan(&tail)
	return Health{
		Healthy:            s.db.PingContext(ctx) == nil,
		TailSequence:       tail,
		IntegrityIncidents: s.integrityIncidents,
	}
}

// Close releases the underlying database handle.
func (s *SQLiteWALStore) Close() error {
	return s.db.Close()
}
