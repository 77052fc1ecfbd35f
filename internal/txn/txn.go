// Package txn is the MVCC transaction manager: snapshot isolation,
// optimistic conflict detection on reads registered for update, and
// pessimistic canonical-order commit locks.
//
// The manager drives the KV engine's batch and lock table directly.
// There is no consensus layer here; replication is out of scope for
// an embedded single-process engine.
package txn

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/themisdb/internal/changefeed"
	"github.com/cuemby/themisdb/internal/dberr"
	"github.com/cuemby/themisdb/internal/document"
	"github.com/cuemby/themisdb/internal/entity"
	"github.com/cuemby/themisdb/internal/keyenc"
	"github.com/cuemby/themisdb/internal/kvengine"
	"github.com/cuemby/themisdb/internal/metrics"
	"github.com/cuemby/themisdb/internal/wal"
)

// Indexer is implemented by the secondary and full-text index
// families and registered against a table so Txn.Put/Delete can stage
// the matching index writes into the same atomic batch as the entity
// write. Vector and spatial indexes are driven through Snapshot and
// Batch instead.
type Indexer interface {
	// OnPut is called after the entity write is staged. old/oldOK
	// describe the entity's value before this write, if any.
	OnPut(w entity.Writer, table, pk string, old document.Value, oldOK bool, next document.Value) error
	// OnDelete is called after the entity tombstone is staged.
	OnDelete(w entity.Writer, table, pk string, old document.Value, oldOK bool) error
}

// namedIndexer pairs an Indexer with the catalog name it was
// registered under, so DropIndex can detach exactly the right one.
type namedIndexer struct {
	name string
	idx  Indexer
}

// Manager owns the shared commit-sequencing state, the per-key
// version table used for conflict detection, and the registered
// indexers for every table.
type Manager struct {
	engine     *kvengine.Engine
	wal        *wal.WAL
	broker     *changefeed.Broker
	durability kvengine.DurabilityMode

	mu       sync.Mutex
	versions map[string]uint64 // entity key -> WAL seq of last committing write
	indexers map[string][]namedIndexer

	// commitMu serialises Commit's sequence-assignment, WAL-append,
	// batch-apply and publish window so changefeed sequences are
	// assigned in the same total order they become durable and
	// visible in, gap-free.
	commitMu      sync.Mutex
	changefeedSeq uint64
}

// NewManager constructs a Manager over an already-open engine, WAL
// and changefeed broker.
func NewManager(engine *kvengine.Engine, w *wal.WAL, broker *changefeed.Broker, durability kvengine.DurabilityMode) *Manager {
	return &Manager{
		engine:     engine,
		wal:        w,
		broker:     broker,
		durability: durability,
		versions:   make(map[string]uint64),
		indexers:   make(map[string][]namedIndexer),
	}
}

// SetChangefeedSeq seeds the sequence counter from the durable log's
// highest sequence, called once at open before any commit so reopened
// databases keep assigning strictly increasing sequences.
func (m *Manager) SetChangefeedSeq(seq uint64) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if seq > m.changefeedSeq {
		m.changefeedSeq = seq
	}
}

// RegisterIndexer attaches idx, registered under the catalog name, to
// every future write against table.
func (m *Manager) RegisterIndexer(table, name string, idx Indexer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexers[table] = append(m.indexers[table], namedIndexer{name: name, idx: idx})
}

// UnregisterIndexer detaches the indexer registered under name, so a
// dropped index stops receiving double-writes.
func (m *Manager) UnregisterIndexer(table, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.indexers[table]
	for i, ni := range list {
		if ni.name == name {
			m.indexers[table] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (m *Manager) indexersFor(table string) []Indexer {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.indexers[table]
	out := make([]Indexer, len(list))
	for i, ni := range list {
		out[i] = ni.idx
	}
	return out
}

// pendingChange is one Put/Delete staged inside a transaction,
// carried through to the WAL record and the changefeed.
type pendingChange struct {
	kind       changefeed.Kind
	table      string
	key        string
	valueAfter json.RawMessage
	// entityDelta is the net change to the table's live entity count
	// this change commits: +1 for a Put over an absent key, -1 for a
	// Delete of a present key, 0 for an overwrite.
	entityDelta int
}

// stagedWrite is the transaction-local overlay entry for one entity
// key, letting the transaction's own reads observe its uncommitted
// writes in program order without exposing them to anyone
// else.
type stagedWrite struct {
	table   string
	pk      string
	value   document.Value
	deleted bool
}

// Txn is one in-flight transaction: a frozen read snapshot plus a
// buffered write set.
type Txn struct {
	mgr      *Manager
	snapshot *kvengine.Snapshot
	snapSeq  uint64
	readOnly bool

	batch   *kvengine.Batch
	writes  map[string]struct{}    // entity keys written, for lock acquisition
	reads   map[string]uint64      // entity keys read-for-update -> version seen
	staged  map[string]stagedWrite // entity key -> this txn's latest value
	pending []pendingChange

	closed bool
}

// Begin opens a new transaction. A read-only transaction requires
// neither locks nor conflict checks on Commit.
func (m *Manager) Begin(readOnly bool) (*Txn, error) {
	snap, err := m.engine.NewSnapshot()
	if err != nil {
		return nil, err
	}
	t := &Txn{
		mgr:      m,
		snapshot: snap,
		snapSeq:  m.wal.LastSeq(),
		readOnly: readOnly,
		reads:    make(map[string]uint64),
	}
	if !readOnly {
		t.batch = m.engine.NewBatch()
		t.writes = make(map[string]struct{})
		t.staged = make(map[string]stagedWrite)
	}
	return t, nil
}

// lookup reads table/pk through this transaction's own staged writes
// first, falling back to the frozen snapshot.
func (t *Txn) lookup(table, pk string) (document.Value, bool, error) {
	if sw, ok := t.staged[string(keyenc.EntityKey(table, pk))]; ok {
		if sw.deleted {
			return document.Value{}, false, nil
		}
		return sw.value, true, nil
	}
	return entity.Get(t.snapshot, table, pk)
}

// Get reads table/pk as of the transaction's snapshot, seeing this
// transaction's own staged writes first.
func (t *Txn) Get(table, pk string) (document.Value, bool, error) {
	return t.lookup(table, pk)
}

// GetForUpdate reads table/pk and registers it in the read-fingerprint
// set: Commit aborts with Conflict if any registered key was written
// by another transaction after this snapshot was taken.
func (t *Txn) GetForUpdate(table, pk string) (document.Value, bool, error) {
	v, ok, err := t.lookup(table, pk)
	if err != nil {
		return document.Value{}, false, err
	}
	key := string(keyenc.EntityKey(table, pk))
	t.mgr.mu.Lock()
	t.reads[key] = t.mgr.versions[key]
	t.mgr.mu.Unlock()
	return v, ok, nil
}

// Scan returns a lazy ordered sequence over the transaction's
// snapshot, with this transaction's own staged writes merged in.
func (t *Txn) Scan(table string, rng entity.ScanRange) *entity.Cursor {
	if len(t.staged) == 0 {
		return entity.Scan(t.snapshot, table, rng)
	}
	var overlay []entity.Record
	deleted := make(map[string]bool)
	for _, sw := range t.staged {
		if sw.table != table {
			continue
		}
		if rng.StartPK != "" && sw.pk < rng.StartPK {
			continue
		}
		if rng.EndPK != "" && sw.pk >= rng.EndPK {
			continue
		}
		if sw.deleted {
			deleted[sw.pk] = true
			continue
		}
		overlay = append(overlay, entity.Record{PK: sw.pk, Value: sw.value})
	}
	sort.Slice(overlay, func(i, j int) bool {
		if rng.Reverse {
			return overlay[i].PK > overlay[j].PK
		}
		return overlay[i].PK < overlay[j].PK
	})
	return entity.ScanWithOverlay(t.snapshot, table, rng, overlay, deleted)
}

// Snapshot exposes the transaction's frozen read view, for index
// families (vector, spatial) that need interleaved reads while
// staging a write and so can't go through the write-only Indexer
// contract.
func (t *Txn) Snapshot() *kvengine.Snapshot {
	return t.snapshot
}

// Batch exposes the transaction's pending write batch, the Writer half
// of the same interleaved-read-and-write index families need.
func (t *Txn) Batch() *kvengine.Batch {
	return t.batch
}

// Put stages an entity write plus every registered index's matching
// write, all into the same pending batch.
func (t *Txn) Put(table, pk string, value document.Value, overwrite bool) error {
	if t.readOnly {
		return dberr.New(dberr.InvalidValue, "txn: write on read-only transaction")
	}
	old, oldOK, err := t.lookup(table, pk)
	if err != nil {
		return err
	}
	if !overwrite && oldOK {
		return dberr.New(dberr.Exists, "entity: primary key already exists").WithTable(table).WithKey(pk)
	}
	// The overwrite guard already ran against the staged-writes
	// overlay above; entity.Put's own snapshot check would miss keys
	// this same transaction just wrote.
	if err := entity.Put(t.batch, t.snapshot, table, pk, value, true); err != nil {
		return err
	}
	for _, idx := range t.mgr.indexersFor(table) {
		if err := idx.OnPut(t.batch, table, pk, old, oldOK, value); err != nil {
			return err
		}
	}
	delta := 0
	if !oldOK {
		delta = 1
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return dberr.Wrap(dberr.InvalidValue, err)
	}
	key := string(keyenc.EntityKey(table, pk))
	t.writes[key] = struct{}{}
	t.staged[key] = stagedWrite{table: table, pk: pk, value: value}
	t.pending = append(t.pending, pendingChange{kind: changefeed.KindPut, table: table, key: pk, valueAfter: raw, entityDelta: delta})
	return nil
}

// Delete stages a tombstone plus every registered index's matching
// delete. Deleting a key absent from this transaction's view is a
// complete no-op: nothing is staged and no changefeed record is ever
// emitted for it.
func (t *Txn) Delete(table, pk string) error {
	if t.readOnly {
		return dberr.New(dberr.InvalidValue, "txn: write on read-only transaction")
	}
	old, oldOK, err := t.lookup(table, pk)
	if err != nil {
		return err
	}
	if !oldOK {
		return nil
	}
	if err := entity.Delete(t.batch, table, pk); err != nil {
		return err
	}
	for _, idx := range t.mgr.indexersFor(table) {
		if err := idx.OnDelete(t.batch, table, pk, old, oldOK); err != nil {
			return err
		}
	}
	key := string(keyenc.EntityKey(table, pk))
	t.writes[key] = struct{}{}
	t.staged[key] = stagedWrite{table: table, pk: pk, deleted: true}
	t.pending = append(t.pending, pendingChange{kind: changefeed.KindDelete, table: table, key: pk, entityDelta: -1})
	return nil
}

// Commit acquires locks in canonical order, verifies
// read-fingerprints, assembles the (already staged) atomic batch,
// writes the WAL record, then durably applies, releases locks and
// publishes the changefeed.
func (t *Txn) Commit() error {
	defer t.close()

	if t.readOnly || len(t.writes) == 0 {
		return nil
	}

	timer := metrics.NewTimer()

	keys := make([]string, 0, len(t.writes))
	for k := range t.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	held, err := t.mgr.engine.Locks().AcquireAll(keys)
	if err != nil {
		metrics.TxnCommitsTotal.WithLabelValues("timeout").Inc()
		return err
	}
	defer held.Release()

	t.mgr.mu.Lock()
	for key, seenVer := range t.reads {
		if t.mgr.versions[key] != seenVer {
			conflictSeq := t.mgr.versions[key]
			t.mgr.mu.Unlock()
			metrics.TxnCommitsTotal.WithLabelValues("conflict").Inc()
			return dberr.New(dberr.Conflict, "txn: read set invalidated by a concurrent commit").WithConflictSeq(conflictSeq)
		}
	}
	t.mgr.mu.Unlock()

	t.mgr.commitMu.Lock()
	defer t.mgr.commitMu.Unlock()

	nowMs := time.Now().UnixMilli()
	records := make([]changefeed.Record, 0, len(t.pending))
	for _, pc := range t.pending {
		t.mgr.changefeedSeq++
		seq := t.mgr.changefeedSeq
		if err := changefeed.Append(t.batch, nil, seq, nowMs, pc.kind, pc.table, pc.key, pc.valueAfter); err != nil {
			t.mgr.changefeedSeq -= uint64(len(records) + 1)
			metrics.TxnCommitsTotal.WithLabelValues("aborted").Inc()
			return err
		}
		records = append(records, changefeed.Record{Seq: seq, TimestampMs: nowMs, Kind: pc.kind, Table: pc.table, Key: pc.key, ValueAfter: pc.valueAfter})
	}

	walPayload, err := json.Marshal(records)
	if err != nil {
		t.mgr.changefeedSeq -= uint64(len(records))
		metrics.TxnCommitsTotal.WithLabelValues("aborted").Inc()
		return dberr.Wrap(dberr.InvalidValue, err)
	}
	walTimer := metrics.NewTimer()
	walSeq, err := t.mgr.wal.Append(walPayload)
	walTimer.ObserveDuration(metrics.WALAppendDuration)
	if err != nil {
		t.mgr.changefeedSeq -= uint64(len(records))
		metrics.TxnCommitsTotal.WithLabelValues("aborted").Inc()
		return err
	}

	if err := t.batch.Commit(t.mgr.durability); err != nil {
		// The WAL record is already durable; recovery replays it, so
		// the assigned sequences stand.
		metrics.TxnCommitsTotal.WithLabelValues("aborted").Inc()
		return err
	}

	t.mgr.mu.Lock()
	for key := range t.writes {
		t.mgr.versions[key] = walSeq
	}
	t.mgr.mu.Unlock()

	// Locks are released before the changefeed publish; Release is
	// idempotent, so the deferred call is a no-op on this path.
	held.Release()

	if t.mgr.broker != nil {
		for _, rec := range records {
			t.mgr.broker.PublishLive(rec)
		}
	}
	for _, pc := range t.pending {
		if pc.entityDelta != 0 {
			metrics.EntitiesTotal.WithLabelValues(pc.table).Add(float64(pc.entityDelta))
		}
	}
	if len(records) > 0 {
		metrics.ChangefeedSeq.Set(float64(records[len(records)-1].Seq))
	}
	metrics.TxnCommitsTotal.WithLabelValues("ok").Inc()
	timer.ObserveDuration(metrics.TxnCommitDuration)
	return nil
}

// Rollback discards the pending write set; nothing it staged was ever
// applied to the engine.
func (t *Txn) Rollback() error {
	t.close()
	return nil
}

func (t *Txn) close() {
	if t.closed {
		return
	}
	t.closed = true
	t.snapshot.Close()
}
