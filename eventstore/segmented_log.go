package eventstore

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lighthouse-core/lighthouse/core"
)

// recordMagic prefixes every on-disk record so a torn trailing write (a
// partial magic+length+body triple) is unambiguously detectable on recovery.
const recordMagic uint32 = 0x4c485356 // "LHSV"

// SegmentedLogStore is the append-only segmented-log backend (spec §4.1a):
// one active segment file plus rolled history, rotated at a configurable
// size bound, with an in-memory sequence->offset index rebuilt on open.
type SegmentedLogStore struct {
	mu sync.Mutex

	dir             string
	segmentMaxBytes int64
	fsyncPolicy     core.FsyncPolicy
	fsyncIntervalMs int
	signer          *Signer
	logger          core.Logger

	activeFile *os.File
	activeName string
	activeSize int64

	tailSequence int64
	index        map[int64]recordLocation // sequence -> location
	segments     []string                 // ordered oldest-first, including active

	integrityIncidents int64

	snapshots map[string]*Snapshot

	lastFsync    time.Time
	pendingFsync bool
}

type recordLocation struct {
	segment string
	offset  int64
}

// OpenSegmentedLogStore opens (or creates) a segmented log rooted at dir,
// performing WAL-style crash recovery: scanning the tail of the active
// segment and discarding any trailing partial record (spec §4.1).
func OpenSegmentedLogStore(cfg *core.Config, logger core.Logger) (*SegmentedLogStore, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if err := ValidatePath(cfg.DataDir, cfg.AllowedBaseDirs); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data dir: %v", core.ErrStorage, err)
	}

	s := &SegmentedLogStore{
		dir:             cfg.DataDir,
		segmentMaxBytes: cfg.SegmentMaxBytes,
		fsyncPolicy:     cfg.FsyncPolicy,
		fsyncIntervalMs: cfg.FsyncIntervalMs,
		signer:          NewSigner(cfg.AuthSecret),
		logger:          withComponentSafe(logger, "eventstore"),
		index:           make(map[int64]recordLocation),
		snapshots:       make(map[string]*Snapshot),
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// withComponentSafe calls WithComponent if logger implements
// ComponentAwareLogger, else returns logger unchanged.
func withComponentSafe(logger core.Logger, component string) core.Logger {
	if caw, ok := logger.(core.ComponentAwareLogger); ok {
		return caw.WithComponent(component)
	}
	return logger
}

func (s *SegmentedLogStore) recover() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: reading data dir: %v", core.ErrStorage, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".seg" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	s.segments = names

	if len(names) == 0 {
		return s.rollSegment()
	}

	for i, name := range names {
		last := i == len(names)-1
		tail, truncatedAt, err := s.scanSegment(name, last)
		if err != nil {
			return err
		}
		if last && truncatedAt >= 0 {
			s.logger.Warn("truncating torn trailing write on recovery", map[string]interface{}{
				"segment": name, "offset": truncatedAt,
			})
		}
		_ = tail
	}

	activeName := names[len(names)-1]
	f, err := os.OpenFile(filepath.Join(s.dir, activeName), os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: reopening active segment: %v", core.ErrStorage, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: stat active segment: %v", core.ErrStorage, err)
	}
	s.activeFile = f
	s.activeName = activeName
	s.activeSize = info.Size()

	if s.activeSize >= s.segmentMaxBytes {
		return s.rollSegment()
	}
	return nil
}

// scanSegment reads every intact record in name, populating the index and
// advancing tailSequence. If isActive and a torn trailing record is found,
// the file is truncated to the last intact record boundary and the byte
// offset of the truncation point is returned; otherwise -1.
func (s *SegmentedLogStore) scanSegment(name string, isActive bool) (tailSeq int64, truncatedAt int64, err error) {
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, -1, fmt.Errorf("%w: opening segment %s: %v", core.ErrStorage, name, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	truncatedAt = -1

	for {
		header := make([]byte, 8)
		n, rerr := io.ReadFull(r, header)
		if rerr == io.EOF {
			break
		}
		if rerr != nil || n < 8 {
			truncatedAt = offset
			break
		}
		magic := binary.BigEndian.Uint32(header[0:4])
		length := binary.BigEndian.Uint32(header[4:8])
		if magic != recordMagic {
			truncatedAt = offset
			break
		}
		body := make([]byte, length)
		if _, rerr := io.ReadFull(r, body); rerr != nil {
			truncatedAt = offset
			break
		}

		var ev core.Event
		if jerr := json.Unmarshal(body, &ev); jerr != nil {
			truncatedAt = offset
			break
		}

		s.index[ev.Sequence] = recordLocation{segment: name, offset: offset}
		if ev.Sequence > s.tailSequence {
			s.tailSequence = ev.Sequence
		}
		offset += int64(8 + length)
	}

	if isActive && truncatedAt >= 0 {
		if terr := f.Truncate(truncatedAt); terr != nil {
			return 0, -1, fmt.Errorf("%w: truncating torn write: %v", core.ErrStorage, terr)
		}
	}
	return s.tailSequence, truncatedAt, nil
}

func (s *SegmentedLogStore) rollSegment() error {
	if s.activeFile != nil {
		if err := s.activeFile.Close(); err != nil {
			return fmt.Errorf("%w: closing segment: %v", core.ErrStorage, err)
		}
	}
	name := fmt.Sprintf("%020d.seg", s.tailSequence+1)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: creating segment: %v", core.ErrStorage, err)
	}
	s.activeFile = f
	s.activeName = name
	s.activeSize = 0
	s.segments = append(s.segments, name)
	return nil
}

// Append assigns the next sequence, signs, and durably persists ev.
func (s *SegmentedLogStore) Append(ctx context.Context, ev *core.Event) (int64, error) {
	start := time.Now()
	if err := ValidateEvent(ev); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.tailSequence + 1
	ev.Sequence = seq
	if err := s.signer.Sign(ev); err != nil {
		return 0, err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("%w: encoding event: %v", core.ErrStorage, err)
	}
	if s.activeSize+int64(8+len(body)) > s.segmentMaxBytes {
		if err := s.rollSegment(); err != nil {
			return 0, err
		}
	}

	offset := s.activeSize
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], recordMagic)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(body)))

	if _, err := s.activeFile.Write(header); err != nil {
		return 0, fmt.Errorf("%w: writing record header: %v", core.ErrStorage, err)
	}
	if _, err := s.activeFile.Write(body); err != nil {
		return 0, fmt.Errorf("%w: writing record body: %v", core.ErrStorage, err)
	}

	if err := s.maybeFsync(true); err != nil {
		return 0, err
	}

	s.activeSize += int64(8 + len(body))
	s.index[seq] = recordLocation{segment: s.activeName, offset: offset}
	s.tailSequence = seq

	s.logger.DebugWithContext(ctx, "event appended", map[string]interface{}{
		"sequence": seq, "event_type": ev.EventType, "latency_ms": core.TimeSince(start),
	})
	return seq, nil
}

// AppendBatch atomically appends events as a contiguous sequence range.
func (s *SegmentedLogStore) AppendBatch(ctx context.Context, events []*core.Event) ([]int64, error) {
	if err := ValidateBatch(events); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	startSeq := s.tailSequence + 1
	var buf []byte
	locations := make([]recordLocation, len(events))
	offset := s.activeSize
	segName := s.activeName

	for i, ev := range events {
		ev.Sequence = startSeq + int64(i)
		if err := s.signer.Sign(ev); err != nil {
			return nil, err
		}
		body, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding event: %v", core.ErrStorage, err)
		}
		if offset+int64(len(buf))+int64(8+len(body)) > s.segmentMaxBytes && len(buf) > 0 {
			// flush what we have to the current segment before rolling, keeping
			// the batch atomic: we still hold mu, so no interleaving append
			// can observe a partial batch.
			if err := s.writeRaw(buf); err != nil {
				return nil, err
			}
			buf = nil
			if err := s.rollSegment(); err != nil {
				return nil, err
			}
			offset = 0
			segName = s.activeName
		}
		locations[i] = recordLocation{segment: segName, offset: offset + int64(len(buf))}

		header := make([]byte, 8)
		binary.BigEndian.PutUint32(header[0:4], recordMagic)
		binary.BigEndian.PutUint32(header[4:8], uint32(len(body)))
		buf = append(buf, header...)
		buf = append(buf, body...)
	}

	if err := s.writeRaw(buf); err != nil {
		return nil, err
	}
	if err := s.maybeFsync(true); err != nil {
		return nil, err
	}

	seqs := make([]int64, len(events))
	for i, ev := range events {
		s.index[ev.Sequence] = locations[i]
		seqs[i] = ev.Sequence
	}
	s.tailSequence = startSeq + int64(len(events)) - 1

	s.logger.DebugWithContext(ctx, "batch appended", map[string]interface{}{
		"count": len(events), "start_sequence": startSeq,
	})
	return seqs, nil
}

func (s *SegmentedLogStore) writeRaw(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	n, err := s.activeFile.Write(buf)
	if err != nil {
		return fmt.Errorf("%w: writing batch: %v", core.ErrStorage, err)
	}
	s.activeSize += int64(n)
	return nil
}

// maybeFsync applies the configured fsync policy. isAppend distinguishes a
// per-write call site (honors per_write immediately) from batch callers that
// already decided to flush.
func (s *SegmentedLogStore) maybeFsync(isAppend bool) error {
	switch s.fsyncPolicy {
	case core.FsyncPerWrite:
		if err := s.activeFile.Sync(); err != nil {
			return fmt.Errorf("%w: fsync failed: %v", core.ErrStorage, err)
		}
	case core.FsyncPerBatch:
		if !isAppend {
			return nil
		}
		if err := s.activeFile.Sync(); err != nil {
			return fmt.Errorf("%w: fsync failed: %v", core.ErrStorage, err)
		}
	case core.FsyncInterval:
		if time.Since(s.lastFsync) >= time.Duration(s.fsyncIntervalMs)*time.Millisecond {
			if err := s.activeFile.Sync(); err != nil {
				return fmt.Errorf("%w: fsync failed: %v", core.ErrStorage, err)
			}
			s.lastFsync = time.Now()
		}
	}
	return nil
}

// readEvent loads and HMAC-verifies the event at loc, incrementing the
// integrity-incident counter and returning (nil, false) on verification
// failure rather than ever serving a tampered event (spec §4.1).
func (s *SegmentedLogStore) readEvent(loc recordLocation) (*core.Event, bool) {
	f, err := os.Open(filepath.Join(s.dir, loc.segment))
	if err != nil {
		return nil, false
	}
	defer f.Close()
	if _, err := f.Seek(loc.offset, io.SeekStart); err != nil {
		return nil, false
	}
	header := make([]byte, 8)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, false
	}
	length := binary.BigEndian.Uint32(header[4:8])
	body := make([]byte, length)
	if _, err := io.ReadFull(f, body); err != nil {
		return nil, false
	}
	var ev core.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, false
	}
	if !s.signer.Verify(&ev) {
		s.mu.Lock()
		s.integrityIncidents++
		s.mu.Unlock()
		s.logger.Error("integrity check failed: HMAC mismatch, omitting event", map[string]interface{}{
			"sequence": ev.Sequence, "segment": loc.segment,
		})
		return nil, false
	}
	return &ev, true
}

// Query returns events matching filter in the requested order, verifying
// HMACs on read (spec §4.1).
func (s *SegmentedLogStore) Query(ctx context.Context, filter Filter) (*QueryResult, error) {
	start := time.Now()

	s.mu.Lock()
	sequences := make([]int64, 0, len(s.index))
	for seq := range s.index {
		sequences = append(sequences, seq)
	}
	locations := make(map[int64]recordLocation, len(s.index))
	for k, v := range s.index {
		locations[k] = v
	}
	s.mu.Unlock()

	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	var matched []*core.Event
	for _, seq := range sequences {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w", core.ErrCancellation)
		default:
		}
		ev, ok := s.readEvent(locations[seq])
		if !ok {
			continue // integrity incident already recorded
		}
		if !matchesFilter(ev, filter) {
			continue
		}
		matched = append(matched, ev)
	}

	sortEvents(matched, filter)

	total := len(matched)
	offset := filter.Offset
	limit := filter.Limit
	if limit <= 0 || limit > 10000 {
		limit = 10000
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := matched[offset:end]

	return &QueryResult{
		Events:          page,
		TotalCount:      total,
		HasMore:         end < total,
		ExecutionTimeMs: core.TimeSince(start),
	}, nil
}

func matchesFilter(ev *core.Event, f Filter) bool {
	if len(f.EventTypes) > 0 && !containsType(f.EventTypes, ev.EventType) {
		return false
	}
	if len(f.AggregateIDs) > 0 && !containsString(f.AggregateIDs, ev.AggregateID) {
		return false
	}
	if len(f.SourceAgents) > 0 && !containsString(f.SourceAgents, ev.SourceAgent) {
		return false
	}
	if f.AfterSequence != nil && ev.Sequence <= *f.AfterSequence {
		return false
	}
	if f.BeforeSequence != nil && ev.Sequence >= *f.BeforeSequence {
		return false
	}
	if f.AfterTime != nil && ev.Timestamp <= f.AfterTime.UnixNano() {
		return false
	}
	if f.BeforeTime != nil && ev.Timestamp >= f.BeforeTime.UnixNano() {
		return false
	}
	return true
}

func containsType(list []core.EventType, v core.EventType) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func sortEvents(events []*core.Event, f Filter) {
	less := func(i, j int) bool {
		switch f.Sort {
		case SortByTimestamp:
			return events[i].Timestamp < events[j].Timestamp
		default:
			return events[i].Sequence < events[j].Sequence
		}
	}
	if f.Order == SortDescending {
		base := less
		less = func(i, j int) bool { return base(j, i) }
	}
	sort.SliceStable(events, less)
}

// Replay streams events from fromSequence (inclusive; 0 means from the
// start) into handlers, folding them into state in strict sequence order.
func (s *SegmentedLogStore) Replay(ctx context.Context, fromSequence int64, handlers HandlerTable, state interface{}) error {
	after := fromSequence - 1
	for {
		result, err := s.Query(ctx, Filter{
			AfterSequence: ptrInt64(after),
			Sort:          SortBySequence,
			Order:         SortAscending,
			Limit:         core.MaxBatchEvents * 10,
		})
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

func ptrInt64(v int64) *int64 { return &v }

// CreateSnapshot persists state at sequence (in-memory registry; durability
// of snapshots rides on the same segment directory via a dedicated file).
func (s *SegmentedLogStore) CreateSnapshot(ctx context.Context, state []byte, sequence int64, metadata map[string]string) (string, error) {
	id := fmt.Sprintf("snap_%d_%d", sequence, time.Now().UnixNano())
	snap := &Snapshot{ID: id, Sequence: sequence, State: state, Metadata: metadata, CreatedAt: time.Now()}

	path := filepath.Join(s.dir, "snapshots")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating snapshot dir: %v", core.ErrStorage, err)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("%w: encoding snapshot: %v", core.ErrStorage, err)
	}
	if err := os.WriteFile(filepath.Join(path, id+".json"), raw, 0o644); err != nil {
		return "", fmt.Errorf("%w: writing snapshot: %v", core.ErrStorage, err)
	}

	s.mu.Lock()
	s.snapshots[id] = snap
	s.mu.Unlock()

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
func (s *SegmentedLogStore) LoadSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	s.mu.Lock()
	snap, ok := s.snapshots[id]
	s.mu.Unlock()
	if ok {
		return snap, nil
	}

	raw, err := os.ReadFile(filepath.Join(s.dir, "snapshots", id+".json"))
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot %s", core.ErrNotFound, id)
	}
	var loaded Snapshot
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("%w: decoding snapshot: %v", core.ErrStorage, err)
	}
	return &loaded, nil
}

// IntegrityIncidents returns the running HMAC-failure counter.
func (s *SegmentedLogStore) IntegrityIncidents() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.integrityIncidents
}

// Health reports store status for the Bridge Facade.
func (s *SegmentedLogStore) Health(ctx context.Context) Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{
		Healthy:            s.activeFile != nil,
		TailSequence:       s.tailSequence,
		ActiveSegment:      s.activeName,
		IntegrityIncidents: s.integrityIncidents,
	}
}

// Close flushes and releases the active segment file.
func (s *SegmentedLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeFile == nil {
		return nil
	}
	if err := s.activeFile.Sync(); err != nil {
		return fmt.Errorf("%w: final sync: %v", core.ErrStorage, err)
	}
	return s.activeFile.Close()
}
