package storage

import (
	"encoding/binary"
	"fmt"

	"ensotriple/internal/storage/pager"
)

// maxID16 is the largest possible 16-byte identifier, used as the upper
// bound of a prefix range scan.
var maxID16 = [16]byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// ───────────────────────────────────────────────────────────────────────────
// PrimaryIndex
// ───────────────────────────────────────────────────────────────────────────

// PrimaryIndex wraps the (entity, attribute)-keyed B-tree with triple-record
// (de)serialization and MVCC visibility filtering.
type PrimaryIndex struct {
	bt *pager.BTree
}

// NewPrimaryIndex attaches a PrimaryIndex to an existing B-tree root.
func NewPrimaryIndex(p *pager.Pager, root pager.PageID) *PrimaryIndex {
	return &PrimaryIndex{bt: pager.NewBTree(p, root)}
}

// Root returns the current root page id, which may change after a split;
// callers persist it back into the superblock after every mutating commit.
func (pi *PrimaryIndex) Root() pager.PageID { return pi.bt.Root() }

// Get looks up a key regardless of its deleted state.
func (pi *PrimaryIndex) Get(entity EntityID, attr AttributeID) (TripleRecord, bool, error) {
	raw, found, err := pi.bt.Get(PrimaryKey(entity, attr))
	if err != nil || !found {
		return TripleRecord{}, found, err
	}
	rec, err := TripleRecordFromBytes(raw)
	if err != nil {
		return TripleRecord{}, false, err
	}
	return rec, true, nil
}

// GetVisible looks up a key and applies MVCC visibility for snapshotTxn.
func (pi *PrimaryIndex) GetVisible(entity EntityID, attr AttributeID, snapshotTxn pager.TxID) (TripleRecord, bool, error) {
	rec, found, err := pi.Get(entity, attr)
	if err != nil || !found {
		return TripleRecord{}, false, err
	}
	if !rec.IsVisibleTo(snapshotTxn) {
		return TripleRecord{}, false, nil
	}
	return rec, true, nil
}

// Insert writes the full record (header + value) at its composite key,
// overwriting whatever was there before — live or tombstoned.
func (pi *PrimaryIndex) Insert(txID pager.TxID, rec TripleRecord) error {
	return pi.bt.Insert(txID, PrimaryKey(rec.EntityID, rec.AttributeID), rec.ToBytes())
}

// MarkDeleted loads the current record for (entity, attr), sets its
// deleted_txn, and writes it back. Returns ErrNotFound if the key has never
// been written.
func (pi *PrimaryIndex) MarkDeleted(txID pager.TxID, entity EntityID, attr AttributeID, deletedTxn pager.TxID) (TripleRecord, error) {
	rec, found, err := pi.Get(entity, attr)
	if err != nil {
		return TripleRecord{}, err
	}
	if !found {
		return TripleRecord{}, fmt.Errorf("%w: primary index key", pager.ErrNotFound)
	}
	rec.DeletedTxn = deletedTxn
	if err := pi.Insert(txID, rec); err != nil {
		return TripleRecord{}, err
	}
	return rec, nil
}

// Remove hard-deletes a key from the tree, freeing any overflow chain it
// referenced. Used by garbage collection once a tombstone is GC-eligible,
// not by ordinary transactional deletes (which call MarkDeleted instead).
func (pi *PrimaryIndex) Remove(txID pager.TxID, entity EntityID, attr AttributeID) (bool, error) {
	return pi.bt.Delete(txID, PrimaryKey(entity, attr))
}

// Cursor visits every record in key order regardless of visibility.
func (pi *PrimaryIndex) Cursor(fn func(TripleRecord) bool) error {
	var start [32]byte
	return pi.bt.ScanRange(start, nil, func(_ [32]byte, value []byte) bool {
		rec, err := TripleRecordFromBytes(value)
		if err != nil {
			return true
		}
		return fn(rec)
	})
}

// CursorVisible visits every record visible to snapshotTxn in key order.
func (pi *PrimaryIndex) CursorVisible(snapshotTxn pager.TxID, fn func(TripleRecord) bool) error {
	return pi.Cursor(func(rec TripleRecord) bool {
		if !rec.IsVisibleTo(snapshotTxn) {
			return true
		}
		return fn(rec)
	})
}

// ScanEntity visits every record for the given entity, regardless of
// visibility, in attribute order.
func (pi *PrimaryIndex) ScanEntity(entity EntityID, fn func(TripleRecord) bool) error {
	start := PrimaryKey(entity, AttributeID{})
	end := PrimaryKey(entity, AttributeID(maxID16))
	return pi.bt.ScanRange(start, &end, func(_ [32]byte, value []byte) bool {
		rec, err := TripleRecordFromBytes(value)
		if err != nil {
			return true
		}
		return fn(rec)
	})
}

// ScanEntityVisible visits every record for the given entity visible to
// snapshotTxn, in attribute order.
func (pi *PrimaryIndex) ScanEntityVisible(entity EntityID, snapshotTxn pager.TxID, fn func(TripleRecord) bool) error {
	return pi.ScanEntity(entity, func(rec TripleRecord) bool {
		if !rec.IsVisibleTo(snapshotTxn) {
			return true
		}
		return fn(rec)
	})
}

// ───────────────────────────────────────────────────────────────────────────
// Auxiliary indices
// ───────────────────────────────────────────────────────────────────────────
//
// AttributeIndex (attribute -> entities) and EntityAttributeIndex (entity ->
// attributes) carry the same (created_txn, deleted_txn) pair as their value
// and differ only in key order, so they share an encoding. Neither stores the
// triple's value: the query engine point-looks-up the primary index once it
// has a concrete (entity, attribute) pair from one of these.

const auxValueSize = 8 + 8

func encodeAuxValue(createdTxn, deletedTxn pager.TxID) []byte {
	buf := make([]byte, auxValueSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(createdTxn))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(deletedTxn))
	return buf
}

func decodeAuxValue(buf []byte) (createdTxn, deletedTxn pager.TxID, err error) {
	if len(buf) < auxValueSize {
		return 0, 0, fmt.Errorf("%w: auxiliary index entry truncated", pager.ErrCorruptRecord)
	}
	createdTxn = pager.TxID(binary.LittleEndian.Uint64(buf[0:8]))
	deletedTxn = pager.TxID(binary.LittleEndian.Uint64(buf[8:16]))
	return createdTxn, deletedTxn, nil
}

func auxIsVisible(createdTxn, deletedTxn, snapshotTxn pager.TxID) bool {
	if createdTxn > snapshotTxn {
		return false
	}
	return deletedTxn == 0 || deletedTxn > snapshotTxn
}

// AttributeIndex maps attribute -> entities that carry it, keyed
// attribute_id || entity_id, so every entity for a given attribute is a
// contiguous range.
type AttributeIndex struct {
	bt *pager.BTree
}

// NewAttributeIndex attaches an AttributeIndex to an existing B-tree root.
func NewAttributeIndex(p *pager.Pager, root pager.PageID) *AttributeIndex {
	return &AttributeIndex{bt: pager.NewBTree(p, root)}
}

// Root returns the current root page id.
func (ai *AttributeIndex) Root() pager.PageID { return ai.bt.Root() }

func attributeIndexKey(attr AttributeID, entity EntityID) [32]byte {
	var k [32]byte
	copy(k[0:16], attr[:])
	copy(k[16:32], entity[:])
	return k
}

// Insert records that entity carries attribute as of createdTxn.
func (ai *AttributeIndex) Insert(txID pager.TxID, attr AttributeID, entity EntityID, createdTxn pager.TxID) error {
	return ai.bt.Insert(txID, attributeIndexKey(attr, entity), encodeAuxValue(createdTxn, 0))
}

// MarkDeleted records that entity's attribute was deleted at deletedTxn.
func (ai *AttributeIndex) MarkDeleted(txID pager.TxID, attr AttributeID, entity EntityID, createdTxn, deletedTxn pager.TxID) error {
	return ai.bt.Insert(txID, attributeIndexKey(attr, entity), encodeAuxValue(createdTxn, deletedTxn))
}

// ScanAttribute visits every entity recorded against attr, visible to
// snapshotTxn, in entity order.
func (ai *AttributeIndex) ScanAttribute(attr AttributeID, snapshotTxn pager.TxID, fn func(EntityID) bool) error {
	start := attributeIndexKey(attr, EntityID{})
	end := attributeIndexKey(attr, EntityID(maxID16))
	return ai.bt.ScanRange(start, &end, func(key [32]byte, value []byte) bool {
		createdTxn, deletedTxn, err := decodeAuxValue(value)
		if err != nil || !auxIsVisible(createdTxn, deletedTxn, snapshotTxn) {
			return true
		}
		var entity EntityID
		copy(entity[:], key[16:32])
		return fn(entity)
	})
}

// EntityAttributeIndex maps entity -> attributes it carries, keyed
// entity_id || attribute_id, with the same created/deleted transaction pair
// as the attribute index. It is kept up to date on commit; the query
// engine's entity scans read the primary index, not this one.
type EntityAttributeIndex struct {
	bt *pager.BTree
}

// NewEntityAttributeIndex attaches an EntityAttributeIndex to an existing
// B-tree root.
func NewEntityAttributeIndex(p *pager.Pager, root pager.PageID) *EntityAttributeIndex {
	return &EntityAttributeIndex{bt: pager.NewBTree(p, root)}
}

// Root returns the current root page id.
func (ei *EntityAttributeIndex) Root() pager.PageID { return ei.bt.Root() }

// Insert records that entity carries attribute as of createdTxn.
func (ei *EntityAttributeIndex) Insert(txID pager.TxID, entity EntityID, attr AttributeID, createdTxn pager.TxID) error {
	return ei.bt.Insert(txID, PrimaryKey(entity, attr), encodeAuxValue(createdTxn, 0))
}

// MarkDeleted records that entity's attribute was deleted at deletedTxn.
func (ei *EntityAttributeIndex) MarkDeleted(txID pager.TxID, entity EntityID, attr AttributeID, createdTxn, deletedTxn pager.TxID) error {
	return ei.bt.Insert(txID, PrimaryKey(entity, attr), encodeAuxValue(createdTxn, deletedTxn))
}

// ScanEntity visits every attribute recorded against entity, visible to
// snapshotTxn, in attribute order.
func (ei *EntityAttributeIndex) ScanEntity(entity EntityID, snapshotTxn pager.TxID, fn func(AttributeID) bool) error {
	start := PrimaryKey(entity, AttributeID{})
	end := PrimaryKey(entity, AttributeID(maxID16))
	return ei.bt.ScanRange(start, &end, func(key [32]byte, value []byte) bool {
		createdTxn, deletedTxn, err := decodeAuxValue(value)
		if err != nil || !auxIsVisible(createdTxn, deletedTxn, snapshotTxn) {
			return true
		}
		var attr AttributeID
		copy(attr[:], key[16:32])
		return fn(attr)
	})
}
