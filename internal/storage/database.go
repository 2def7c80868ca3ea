package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ensotriple/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Database — the MVCC facade over the pager, indices, and tombstone list
// ───────────────────────────────────────────────────────────────────────────
//
// At most one WriteTxn is active at a time; Database.mu is held for its
// entire lifetime (acquired by BeginWrite, released by Commit or Abort),
// which is what actually enforces the single-writer rule — there is no
// separate state machine guarding it. Any number of Snapshots may read
// concurrently; they never block on, or are blocked by, the writer.

// Database is an open triple store: a pager, its three B-tree-backed
// indices, the tombstone list, and an HLC clock, all guarded by a
// single-writer / many-readers discipline.
type Database struct {
	mu sync.Mutex

	pager           *pager.Pager
	clock           *Clock
	primary         *PrimaryIndex
	attribute       *AttributeIndex
	entityAttribute *EntityAttributeIndex
	tombstones      *TombstoneList
	cfg             EngineConfig
	log             zerolog.Logger

	snapMu          sync.Mutex
	activeSnapshots map[pager.TxID]int

	writesSinceCheckpoint int
	bytesSinceCheckpoint  uint64
}

// Open opens an existing database file, or creates one if it does not
// exist, applying recovery as part of pager.OpenPager.
func Open(path string, cfg EngineConfig) (*Database, error) {
	p, err := pager.OpenPager(pager.PagerConfig{
		DBPath:           path,
		PageSize:         cfg.PageSize,
		MaxCachePages:    cfg.MaxCachePages,
		WALCapacityBytes: cfg.WALCapacityBytes,
	})
	if err != nil {
		return nil, newError(KindInternal, "database.open", err)
	}

	sb := p.Superblock()
	nodeID := cfg.NodeID
	if nodeID == 0 {
		id := uuid.New()
		nodeID = binary.LittleEndian.Uint32(id[:4])
	}

	seed, err := HLCFromBytes(sb.LastCheckpointHLC[:])
	if err != nil {
		return nil, newError(KindInternal, "database.open", err)
	}
	var clock *Clock
	if seed.PhysicalTimeMillis == 0 {
		clock = NewClock(nodeID)
	} else {
		clock = NewClockFromTimestamp(nodeID, seed)
	}
	if cfg.MaxDriftMillis != 0 {
		clock.SetMaxDriftMillis(cfg.MaxDriftMillis)
	}

	db := &Database{
		pager:           p,
		clock:           clock,
		primary:         NewPrimaryIndex(p, sb.PrimaryIndexRoot),
		attribute:       NewAttributeIndex(p, sb.AttributeIndexRoot),
		entityAttribute: NewEntityAttributeIndex(p, sb.EntityAttributeIndexRoot),
		tombstones: LoadTombstoneList(p.PageSize(), sb.TombstoneHeadPage, sb.TombstoneHeadSlot,
			sb.TombstoneTailPage, sb.TombstoneTailSlot, sb.TombstoneCount),
		cfg:             cfg,
		log:             zerolog.New(os.Stderr).With().Timestamp().Str("component", "database").Logger(),
		activeSnapshots: make(map[pager.TxID]int),
	}
	db.log.Info().Str("path", path).Uint64("next_txn_id", uint64(sb.NextTxnID)).Msg("database opened")
	return db, nil
}

// Create is Open for a path that must not already exist, giving the caller
// an explicit AlreadyExists error instead of silently attaching to existing
// state.
func Create(path string, cfg EngineConfig) (*Database, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, newError(KindAlreadyExists, "database.create", fmt.Errorf("%s already exists", path))
	}
	return Open(path, cfg)
}

// Close performs a final checkpoint and closes the underlying file.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.pager.Close(); err != nil {
		return newError(KindInternal, "database.close", err)
	}
	db.log.Info().Msg("database closed")
	return nil
}

// Clock exposes the database's HLC clock, primarily so a caller holding a
// write transaction can Tick it to mint a timestamp for txn.Insert; the
// Clock's methods expect the writer mutex that BeginWrite takes to be held.
func (db *Database) Clock() *Clock { return db.clock }

// ───────────────────────────────────────────────────────────────────────────
// Write transactions
// ───────────────────────────────────────────────────────────────────────────

type pendingKind uint8

const (
	pendingLive pendingKind = iota
	pendingDeleted
)

type pendingOp struct {
	kind      pendingKind
	record    TripleRecord // always populated; DeletedTxn set when kind==pendingDeleted
	wasUpdate bool         // true if a live record already existed at this key
}

// WriteTxn is the single active writer transaction. Effects are buffered in
// memory (overlay, keyed by the 32-byte primary key) and applied to the
// indices only at Commit, so Abort never needs to undo anything already on
// disk or in the buffer pool.
type WriteTxn struct {
	db      *Database
	txID    pager.TxID
	hlc     HLC
	overlay map[[32]byte]pendingOp
	order   [][32]byte
	tombs   []Tombstone
	done    bool
}

// BeginWrite starts the single writer transaction, blocking until any prior
// writer has committed or aborted.
func (db *Database) BeginWrite() (*WriteTxn, error) {
	db.mu.Lock()
	txID, err := db.pager.BeginTx()
	if err != nil {
		db.mu.Unlock()
		return nil, newError(KindInternal, "database.begin_write", err)
	}
	return &WriteTxn{
		db:      db,
		txID:    txID,
		overlay: make(map[[32]byte]pendingOp),
	}, nil
}

// TxnID returns the transaction id assigned at BeginWrite.
func (t *WriteTxn) TxnID() pager.TxID { return t.txID }

// snapshotTxn is the highest txn id this transaction's own reads may see:
// every transaction before it, since there can be no concurrent committer.
func (t *WriteTxn) snapshotTxn() pager.TxID {
	if t.txID == 0 {
		return 0
	}
	return t.txID - 1
}

// Get reads a key using the transaction's own pending overlay first, falling
// back to the last committed state.
func (t *WriteTxn) Get(entity EntityID, attr AttributeID) (TripleRecord, bool, error) {
	key := PrimaryKey(entity, attr)
	if op, ok := t.overlay[key]; ok {
		return op.record, op.kind == pendingLive, nil
	}
	rec, found, err := t.db.primary.GetVisible(entity, attr, t.snapshotTxn())
	if err != nil {
		return TripleRecord{}, false, newError(KindInternal, "txn.get", err)
	}
	return rec, found, nil
}

func (t *WriteTxn) currentForConflictCheck(key [32]byte, entity EntityID, attr AttributeID) (TripleRecord, bool, error) {
	if op, ok := t.overlay[key]; ok {
		return op.record, true, nil
	}
	return t.db.primary.Get(entity, attr)
}

// Insert applies the last-writer-wins HLC rule: a newer incoming HLC
// overwrites value and created_hlc (and clears deleted_txn, resurrecting a
// tombstoned key); an incoming HLC that is less than or equal to the stored
// one is rejected outright — no mutation, no tombstone, no broadcast. The
// current (possibly unchanged) record is always returned so the caller can
// see the value that actually won.
func (t *WriteTxn) Insert(entity EntityID, attr AttributeID, value TripleValue, hlc HLC) (accepted bool, current TripleRecord, err error) {
	if t.done {
		return false, TripleRecord{}, newError(KindFailedPrecondition, "txn.insert", fmt.Errorf("transaction already finished"))
	}
	key := PrimaryKey(entity, attr)
	existing, found, err := t.currentForConflictCheck(key, entity, attr)
	if err != nil {
		return false, TripleRecord{}, newError(KindInternal, "txn.insert", err)
	}
	if found && existing.CreatedHLC.Compare(hlc) >= 0 {
		return false, existing, nil
	}

	rec := TripleRecord{
		EntityID:    entity,
		AttributeID: attr,
		CreatedTxn:  t.txID,
		DeletedTxn:  0,
		CreatedHLC:  hlc,
		Value:       value,
	}
	t.stage(key, pendingOp{kind: pendingLive, record: rec, wasUpdate: found && !existing.IsDeleted()})
	return true, rec, nil
}

// Update is an alias for Insert: the API surface names them separately, but
// both resolve to the same HLC-gated overwrite.
func (t *WriteTxn) Update(entity EntityID, attr AttributeID, value TripleValue, hlc HLC) (bool, TripleRecord, error) {
	return t.Insert(entity, attr, value, hlc)
}

// Delete marks (entity, attr) deleted at this transaction and queues a
// tombstone entry. It is an error to delete a key with no live record.
func (t *WriteTxn) Delete(entity EntityID, attr AttributeID) error {
	if t.done {
		return newError(KindFailedPrecondition, "txn.delete", fmt.Errorf("transaction already finished"))
	}
	key := PrimaryKey(entity, attr)
	existing, found, err := t.currentForConflictCheck(key, entity, attr)
	if err != nil {
		return newError(KindInternal, "txn.delete", err)
	}
	if !found || existing.IsDeleted() {
		return newError(KindNotFound, "txn.delete", pager.ErrNotFound)
	}

	existing.DeletedTxn = t.txID
	t.stage(key, pendingOp{kind: pendingDeleted, record: existing})
	// DeletedHLC is filled in at Commit, once a single commit-time HLC has
	// been minted for every tombstone this transaction queues.
	t.tombs = append(t.tombs, Tombstone{EntityID: entity, AttributeID: attr, DeletedTxn: t.txID})
	return nil
}

func (t *WriteTxn) stage(key [32]byte, op pendingOp) {
	if _, exists := t.overlay[key]; !exists {
		t.order = append(t.order, key)
	}
	t.overlay[key] = op
}

// Commit applies every buffered operation to the primary and auxiliary
// indices, flushes queued tombstones, appends the WAL Commit record, and
// persists the superblock (new index roots, tombstone pointers, checkpoint
// HLC). It then triggers a checkpoint if the configured write/byte
// thresholds have been crossed.
func (t *WriteTxn) Commit() error {
	if t.done {
		return newError(KindFailedPrecondition, "txn.commit", fmt.Errorf("transaction already finished"))
	}
	defer func() {
		t.done = true
		t.db.mu.Unlock()
	}()

	db := t.db
	var bytesWritten uint64
	for _, key := range t.order {
		op := t.overlay[key]
		if err := db.primary.Insert(t.txID, op.record); err != nil {
			return newError(KindInternal, "txn.commit", err)
		}
		bytesWritten += uint64(op.record.SerializedSize())

		createdTxn, deletedTxn := op.record.CreatedTxn, op.record.DeletedTxn
		if err := db.attribute.MarkDeleted(t.txID, op.record.AttributeID, op.record.EntityID, createdTxn, deletedTxn); err != nil {
			return newError(KindInternal, "txn.commit", err)
		}
		if err := db.entityAttribute.MarkDeleted(t.txID, op.record.EntityID, op.record.AttributeID, createdTxn, deletedTxn); err != nil {
			return newError(KindInternal, "txn.commit", err)
		}

		switch op.kind {
		case pendingDeleted:
			delKey := PrimaryKey(op.record.EntityID, op.record.AttributeID)
			if err := db.pager.LogChange(t.txID, pager.WALRecordDelete, pager.HLCBytes{}, delKey[:]); err != nil {
				return newError(KindInternal, "txn.commit", err)
			}
		default:
			typ := pager.WALRecordInsert
			if op.wasUpdate {
				typ = pager.WALRecordUpdate
			}
			hlcBytes := op.record.CreatedHLC.ToBytes()
			if err := db.pager.LogChange(t.txID, typ, pager.HLCBytes(hlcBytes), op.record.ToBytes()); err != nil {
				return newError(KindInternal, "txn.commit", err)
			}
		}
	}

	if len(t.tombs) > 0 {
		t.hlc = db.clock.Tick()
		for i := range t.tombs {
			t.tombs[i].DeletedHLC = t.hlc
			db.tombstones.Append(t.tombs[i])
		}
		if err := db.flushTombstones(t.txID); err != nil {
			return newError(KindInternal, "txn.commit", err)
		}
	}

	// The superblock write must land inside this transaction's WAL-logged,
	// fsynced commit — not only at the next periodic Checkpoint — or a
	// crash between this commit and that checkpoint would silently orphan
	// any B-tree root changed by this transaction's inserts/deletes.
	if err := db.persistRoots(t.txID); err != nil {
		return newError(KindInternal, "txn.commit", err)
	}

	if err := db.pager.CommitTx(t.txID); err != nil {
		return newError(KindInternal, "txn.commit", err)
	}

	db.writesSinceCheckpoint++
	db.bytesSinceCheckpoint += bytesWritten
	if db.writesSinceCheckpoint >= db.cfg.CheckpointEveryWrites || db.bytesSinceCheckpoint >= db.cfg.CheckpointEveryBytes {
		if err := db.pager.Checkpoint(); err != nil {
			return newError(KindInternal, "txn.commit", err)
		}
		db.writesSinceCheckpoint = 0
		db.bytesSinceCheckpoint = 0
		db.log.Info().Uint64("txn_id", uint64(t.txID)).Msg("checkpoint triggered by commit thresholds")
	}

	db.log.Debug().Uint64("txn_id", uint64(t.txID)).Int("ops", len(t.order)).Msg("transaction committed")
	return nil
}

// Abort discards every buffered operation. Since nothing was applied to the
// indices before Commit, there is nothing on disk or in the buffer pool to
// undo; the WAL Abort record is written only so a reader of the raw log can
// see the transaction was abandoned, not for correctness (recovery already
// ignores any transaction with no Commit record).
func (t *WriteTxn) Abort() error {
	if t.done {
		return newError(KindFailedPrecondition, "txn.abort", fmt.Errorf("transaction already finished"))
	}
	defer func() {
		t.done = true
		t.db.mu.Unlock()
	}()
	if err := t.db.pager.AbortTx(t.txID); err != nil {
		return newError(KindInternal, "txn.abort", err)
	}
	t.db.log.Debug().Uint64("txn_id", uint64(t.txID)).Msg("transaction aborted")
	return nil
}

func (db *Database) flushTombstones(txID pager.TxID) error {
	alloc := func() (pager.PageID, []byte, error) { return db.pager.AllocPage() }
	write := func(id pager.PageID, buf []byte) error { return db.pager.WritePage(txID, id, buf) }
	return db.tombstones.Flush(alloc, db.pager.ReadPage, write)
}

// persistRoots writes the current index roots and tombstone list pointers
// into the superblock via Pager.PersistSuperblock, which routes the write
// through the same per-commit WAL-logging path as any other page so it
// becomes durable exactly when txID's commit does.
func (db *Database) persistRoots(txID pager.TxID) error {
	headP, headS, tailP, tailS, count := db.tombstones.Persisted()
	return db.pager.PersistSuperblock(txID, func(sb *pager.Superblock) {
		sb.PrimaryIndexRoot = db.primary.Root()
		sb.AttributeIndexRoot = db.attribute.Root()
		sb.EntityAttributeIndexRoot = db.entityAttribute.Root()
		sb.TombstoneHeadPage, sb.TombstoneHeadSlot = headP, headS
		sb.TombstoneTailPage, sb.TombstoneTailSlot = tailP, tailS
		sb.TombstoneCount = count
		sb.LastCheckpointHLC = db.clock.Last().ToBytes()
	})
}

// ───────────────────────────────────────────────────────────────────────────
// Read-only snapshots
// ───────────────────────────────────────────────────────────────────────────

// Snapshot is a point-in-time, read-only view pinned at the highest
// transaction committed when it was opened.
type Snapshot struct {
	db          *Database
	snapshotTxn pager.TxID
	closed      bool
}

// BeginReadOnly opens a snapshot pinned at the current next_txn_id - 1, and
// registers it in the active-snapshot set consulted by garbage collection.
func (db *Database) BeginReadOnly() (*Snapshot, error) {
	sb := db.pager.Superblock()
	var snapTxn pager.TxID
	if sb.NextTxnID > 0 {
		snapTxn = sb.NextTxnID - 1
	}

	db.snapMu.Lock()
	db.activeSnapshots[snapTxn]++
	db.snapMu.Unlock()

	return &Snapshot{db: db, snapshotTxn: snapTxn}, nil
}

// SnapshotTxn returns the transaction id this snapshot is pinned at.
func (s *Snapshot) SnapshotTxn() pager.TxID { return s.snapshotTxn }

// Get returns the visible record for (entity, attr), if any.
func (s *Snapshot) Get(entity EntityID, attr AttributeID) (TripleRecord, bool, error) {
	rec, found, err := s.db.primary.GetVisible(entity, attr, s.snapshotTxn)
	if err != nil {
		return TripleRecord{}, false, newError(KindInternal, "snapshot.get", err)
	}
	return rec, found, nil
}

// ScanEntity returns every visible record for the given entity.
func (s *Snapshot) ScanEntity(entity EntityID) ([]TripleRecord, error) {
	var out []TripleRecord
	err := s.db.primary.ScanEntityVisible(entity, s.snapshotTxn, func(rec TripleRecord) bool {
		out = append(out, rec)
		return true
	})
	if err != nil {
		return nil, newError(KindInternal, "snapshot.scan_entity", err)
	}
	return out, nil
}

// CollectAll returns every record visible to this snapshot, in primary-key
// order. Intended for the query engine's full-scan candidate retrieval path
// (§4.N's "scan the entire primary index" fallback).
func (s *Snapshot) CollectAll() ([]TripleRecord, error) {
	var out []TripleRecord
	err := s.db.primary.CursorVisible(s.snapshotTxn, func(rec TripleRecord) bool {
		out = append(out, rec)
		return true
	})
	if err != nil {
		return nil, newError(KindInternal, "snapshot.collect_all", err)
	}
	return out, nil
}

// ScanAttribute returns every entity carrying attr, visible to this
// snapshot, via the attribute index rather than a primary-index scan.
func (s *Snapshot) ScanAttribute(attr AttributeID) ([]EntityID, error) {
	var out []EntityID
	err := s.db.attribute.ScanAttribute(attr, s.snapshotTxn, func(e EntityID) bool {
		out = append(out, e)
		return true
	})
	if err != nil {
		return nil, newError(KindInternal, "snapshot.scan_attribute", err)
	}
	return out, nil
}

// Close marks the snapshot finished and returns its pinned transaction id.
// It does not, by itself, drop the snapshot from the active set consulted
// by GC — call Database.ReleaseSnapshot with the returned id for that,
// mirroring the two-step close()/release_snapshot() surface.
func (s *Snapshot) Close() (pager.TxID, error) {
	s.closed = true
	return s.snapshotTxn, nil
}

// ReleaseSnapshot drops one reservation held against snapTxn in the active
// snapshot set. Once no reservation remains at or below a tombstone's
// deleting transaction, that tombstone becomes GC-eligible.
func (db *Database) ReleaseSnapshot(snapTxn pager.TxID) {
	db.snapMu.Lock()
	defer db.snapMu.Unlock()
	if n, ok := db.activeSnapshots[snapTxn]; ok {
		if n <= 1 {
			delete(db.activeSnapshots, snapTxn)
		} else {
			db.activeSnapshots[snapTxn] = n - 1
		}
	}
}

// minActiveSnapshotTxn returns the lowest transaction id any open snapshot
// is still pinned at, or the current next_txn_id if none are open.
func (db *Database) minActiveSnapshotTxn() pager.TxID {
	db.snapMu.Lock()
	defer db.snapMu.Unlock()
	min := db.pager.Superblock().NextTxnID
	for txn := range db.activeSnapshots {
		if txn < min {
			min = txn
		}
	}
	return min
}

// ───────────────────────────────────────────────────────────────────────────
// Garbage collection, checkpoint, compaction, change feed
// ───────────────────────────────────────────────────────────────────────────

// CollectGarbage pops up to batch GC-eligible tombstones (those whose
// deleting transaction predates every open snapshot), hard-removes the
// corresponding rows from all three indices, and persists the updated
// tombstone and index root pointers.
func (db *Database) CollectGarbage(batch int) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	txID, err := db.pager.BeginTx()
	if err != nil {
		return 0, newError(KindInternal, "database.collect_garbage", err)
	}

	min := db.minActiveSnapshotTxn()
	popped, err := db.tombstones.PopBatch(batch, min, db.pager.ReadPage)
	if err != nil {
		_ = db.pager.AbortTx(txID)
		return 0, newError(KindInternal, "database.collect_garbage", err)
	}

	for _, ts := range popped {
		if _, err := db.primary.Remove(txID, ts.EntityID, ts.AttributeID); err != nil {
			_ = db.pager.AbortTx(txID)
			return 0, newError(KindInternal, "database.collect_garbage", err)
		}
		if _, err := db.attribute.bt.Delete(txID, attributeIndexKey(ts.AttributeID, ts.EntityID)); err != nil {
			_ = db.pager.AbortTx(txID)
			return 0, newError(KindInternal, "database.collect_garbage", err)
		}
		if _, err := db.entityAttribute.bt.Delete(txID, PrimaryKey(ts.EntityID, ts.AttributeID)); err != nil {
			_ = db.pager.AbortTx(txID)
			return 0, newError(KindInternal, "database.collect_garbage", err)
		}
	}

	if err := db.persistRoots(txID); err != nil {
		return 0, newError(KindInternal, "database.collect_garbage", err)
	}

	if err := db.pager.CommitTx(txID); err != nil {
		return 0, newError(KindInternal, "database.collect_garbage", err)
	}
	db.log.Info().Int("reclaimed", len(popped)).Msg("tombstone GC sweep")
	return len(popped), nil
}

// Checkpoint forces a checkpoint outside the normal commit-threshold
// trigger, e.g. from the CheckpointScheduler or an operator command.
func (db *Database) Checkpoint() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.pager.Checkpoint(); err != nil {
		return newError(KindInternal, "database.checkpoint", err)
	}
	db.writesSinceCheckpoint = 0
	db.bytesSinceCheckpoint = 0
	return nil
}

// Compact reclaims orphaned pages via a reachability sweep (pager.Compact)
// under the writer lock.
func (db *Database) Compact() (*pager.CompactResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	result, err := db.pager.Compact()
	if err != nil {
		return nil, newError(KindInternal, "database.compact", err)
	}
	db.log.Info().Int("reclaimed", result.Reclaimed).Int("reachable", result.ReachablePages).Msg("compaction sweep")
	return result, nil
}

// ChangesSince returns every insert/update/delete at or after hlc, ordered
// by HLC, for subscription bootstrapping. Inserts and updates surface as
// live records found by a primary-index scan filtered on created_hlc;
// deletions surface as synthetic records (DeletedTxn set, Value zero) found
// by walking the tombstone list and filtering on each entry's deleted_hlc,
// since a tombstoned record's created_hlc reflects its original insert, not
// its deletion. Only tombstones the list still holds are visible here: one
// already popped by CollectGarbage is gone from both the index and the
// list, so a key created and deleted entirely within a window that was
// already GC'd before ChangesSince runs will not appear at all.
func (db *Database) ChangesSince(hlc HLC) ([]TripleRecord, error) {
	var out []TripleRecord
	err := db.primary.Cursor(func(rec TripleRecord) bool {
		if !rec.IsDeleted() && rec.CreatedHLC.Compare(hlc) >= 0 {
			out = append(out, rec)
		}
		return true
	})
	if err != nil {
		return nil, newError(KindInternal, "database.changes_since", err)
	}

	err = db.tombstones.ForEach(db.pager.ReadPage, func(t Tombstone) bool {
		if t.DeletedHLC.Compare(hlc) >= 0 {
			out = append(out, TripleRecord{
				EntityID:    t.EntityID,
				AttributeID: t.AttributeID,
				DeletedTxn:  t.DeletedTxn,
				CreatedHLC:  t.DeletedHLC,
				Value:       NullValue(),
			})
		}
		return true
	})
	if err != nil {
		return nil, newError(KindInternal, "database.changes_since", err)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedHLC.Compare(out[j].CreatedHLC) < 0
	})
	return out, nil
}
