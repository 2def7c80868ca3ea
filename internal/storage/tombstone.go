package storage

import (
	"encoding/binary"
	"fmt"

	"ensotriple/internal/storage/pager"
)

// TombstoneEntrySize is the on-disk size of one tombstone page entry:
// entity_id (16) + attribute_id (16) + deleted_txn (8) + deleted_hlc (16).
const TombstoneEntrySize = 16 + 16 + 8 + 16

// tombstonePageHeaderSize: entry_count (8) + next_page_id (8) + head_slot (8),
// following the common 8-byte PageHeader.
const tombstonePageHeaderSize = 8 + 8 + 8

// TombstonesPerPage is the number of fixed-size entries that fit on one
// 8 KiB tombstone page after the common and tombstone-specific headers.
func TombstonesPerPage(pageSize int) int {
	usable := pageSize - pager.PageHeaderSize - tombstonePageHeaderSize
	return usable / TombstoneEntrySize
}

// tombstoneWriteBufferCapacity bounds the in-memory write buffer flushed to
// the tail page at commit time.
const tombstoneWriteBufferCapacity = 100

// Tombstone records that a (entity, attribute) pair was deleted by a given
// transaction, so garbage collection can reclaim it once no snapshot can
// still observe it.
type Tombstone struct {
	EntityID    EntityID
	AttributeID AttributeID
	DeletedTxn  pager.TxID
	DeletedHLC  HLC
}

// IsGCEligible reports whether this tombstone's deleting transaction is
// older than every currently active snapshot, meaning no reader can still
// need the deleted record.
func (t Tombstone) IsGCEligible(minActiveSnapshotTxn pager.TxID) bool {
	return t.DeletedTxn < minActiveSnapshotTxn
}

// ToBytes encodes a tombstone entry.
func (t Tombstone) ToBytes() []byte {
	buf := make([]byte, TombstoneEntrySize)
	copy(buf[0:16], t.EntityID[:])
	copy(buf[16:32], t.AttributeID[:])
	binary.LittleEndian.PutUint64(buf[32:40], uint64(t.DeletedTxn))
	hlcBytes := t.DeletedHLC.ToBytes()
	copy(buf[40:56], hlcBytes[:])
	return buf
}

// TombstoneFromBytes decodes a tombstone entry from buf.
func TombstoneFromBytes(buf []byte) (Tombstone, error) {
	if len(buf) < TombstoneEntrySize {
		return Tombstone{}, fmt.Errorf("%w: tombstone entry truncated", pager.ErrCorruptRecord)
	}
	var t Tombstone
	copy(t.EntityID[:], buf[0:16])
	copy(t.AttributeID[:], buf[16:32])
	t.DeletedTxn = pager.TxID(binary.LittleEndian.Uint64(buf[32:40]))
	hlc, err := HLCFromBytes(buf[40:56])
	if err != nil {
		return Tombstone{}, fmt.Errorf("%w: tombstone deleted_hlc", pager.ErrCorruptRecord)
	}
	t.DeletedHLC = hlc
	return t, nil
}

// TombstoneList is a singly-linked list of fixed-capacity pages recording
// deleted keys awaiting garbage collection. New entries accumulate in an
// in-memory write buffer and are flushed to the tail page as a batch at
// commit time; GC pops entries from the head.
type TombstoneList struct {
	headPageID  pager.PageID
	headSlot    uint64
	tailPageID  pager.PageID
	tailSlot    uint64
	count       uint64
	writeBuffer []Tombstone
	pageSize    int
}

// NewTombstoneList creates an empty tombstone list.
func NewTombstoneList(pageSize int) *TombstoneList {
	return &TombstoneList{
		headPageID: pager.InvalidPageID,
		tailPageID: pager.InvalidPageID,
		pageSize:   pageSize,
	}
}

// LoadTombstoneList reconstructs a TombstoneList's in-memory state from the
// persisted superblock fields; no pages are read until Flush, PopBatch or
// ForEach is called.
func LoadTombstoneList(pageSize int, headPage pager.PageID, headSlot uint64, tailPage pager.PageID, tailSlot uint64, count uint64) *TombstoneList {
	return &TombstoneList{
		headPageID: headPage,
		headSlot:   headSlot,
		tailPageID: tailPage,
		tailSlot:   tailSlot,
		count:      count,
		pageSize:   pageSize,
	}
}

// IsEmpty reports whether the list has no pending or committed tombstones.
func (l *TombstoneList) IsEmpty() bool { return l.count == 0 && len(l.writeBuffer) == 0 }

// Count returns the number of tombstones recorded, including the unflushed
// write buffer.
func (l *TombstoneList) Count() uint64 { return l.count + uint64(len(l.writeBuffer)) }

// Append buffers a tombstone for the next flush.
func (l *TombstoneList) Append(t Tombstone) {
	l.writeBuffer = append(l.writeBuffer, t)
}

// NeedsFlush reports whether the write buffer has reached its capacity and
// should be flushed before accepting more entries.
func (l *TombstoneList) NeedsFlush() bool {
	return len(l.writeBuffer) >= tombstoneWriteBufferCapacity
}

// AllocPageFunc allocates a fresh zeroed page and returns its id.
type AllocPageFunc func() (pager.PageID, []byte, error)

// WritePageFunc persists a page buffer back to storage.
type WritePageFunc func(id pager.PageID, buf []byte) error

// ReadPageFunc reads a page buffer from storage.
type ReadPageFunc func(id pager.PageID) ([]byte, error)

// Flush writes the buffered tombstones to the tail page, allocating new
// tombstone pages as the current tail fills, and clears the write buffer.
func (l *TombstoneList) Flush(alloc AllocPageFunc, read ReadPageFunc, write WritePageFunc) error {
	perPage := TombstonesPerPage(l.pageSize)
	for _, t := range l.writeBuffer {
		if l.tailPageID == pager.InvalidPageID || l.tailSlot >= uint64(perPage) {
			newID, buf, err := alloc()
			if err != nil {
				return fmt.Errorf("tombstone: allocate page: %w", err)
			}
			initTombstonePage(buf)
			if l.tailPageID != pager.InvalidPageID {
				oldBuf, err := read(l.tailPageID)
				if err != nil {
					return fmt.Errorf("tombstone: read old tail: %w", err)
				}
				setTombstoneNextPage(oldBuf, newID)
				if err := write(l.tailPageID, oldBuf); err != nil {
					return fmt.Errorf("tombstone: write old tail: %w", err)
				}
			} else {
				l.headPageID = newID
			}
			l.tailPageID = newID
			l.tailSlot = 0
		}
		buf, err := read(l.tailPageID)
		if err != nil {
			return fmt.Errorf("tombstone: read tail: %w", err)
		}
		writeTombstoneSlot(buf, l.tailSlot, t, l.pageSize)
		setTombstoneEntryCount(buf, tombstoneEntryCount(buf)+1)
		if err := write(l.tailPageID, buf); err != nil {
			return fmt.Errorf("tombstone: write tail: %w", err)
		}
		l.tailSlot++
		l.count++
	}
	l.writeBuffer = l.writeBuffer[:0]
	return nil
}

// PopBatch removes up to n GC-eligible tombstones from the head of the
// list, advancing the head pointer across page boundaries as pages empty,
// and returns the popped entries. Pages themselves are not reclaimed into
// the bitmap allocator by this initial implementation (see design notes);
// only their logical entries are consumed.
func (l *TombstoneList) PopBatch(n int, minActiveSnapshotTxn pager.TxID, read ReadPageFunc) ([]Tombstone, error) {
	var popped []Tombstone
	for len(popped) < n && l.headPageID != pager.InvalidPageID {
		buf, err := read(l.headPageID)
		if err != nil {
			return popped, fmt.Errorf("tombstone: read head: %w", err)
		}
		count := tombstoneEntryCount(buf)
		if l.headSlot >= count {
			next := tombstoneNextPage(buf)
			if next == pager.InvalidPageID {
				break
			}
			l.headPageID = next
			l.headSlot = 0
			continue
		}
		t := readTombstoneSlot(buf, l.headSlot, l.pageSize)
		if !t.IsGCEligible(minActiveSnapshotTxn) {
			break
		}
		popped = append(popped, t)
		l.headSlot++
		if l.count > 0 {
			l.count--
		}
	}
	return popped, nil
}

// ForEach visits every tombstone still reachable from the list's current
// head — flushed pages first, then the unflushed write buffer — without
// consuming them, unlike PopBatch. fn returning false stops the walk early.
// Entries already popped by a prior GC sweep (before headPageID/headSlot)
// are correctly skipped since the walk starts from the current head.
func (l *TombstoneList) ForEach(read ReadPageFunc, fn func(Tombstone) bool) error {
	pageID := l.headPageID
	slot := l.headSlot
	for pageID != pager.InvalidPageID {
		buf, err := read(pageID)
		if err != nil {
			return fmt.Errorf("tombstone: read page: %w", err)
		}
		count := tombstoneEntryCount(buf)
		if slot >= count {
			pageID = tombstoneNextPage(buf)
			slot = 0
			continue
		}
		t := readTombstoneSlot(buf, slot, l.pageSize)
		if !fn(t) {
			return nil
		}
		slot++
	}
	for _, t := range l.writeBuffer {
		if !fn(t) {
			return nil
		}
	}
	return nil
}

// Persisted returns the five superblock fields describing this list's
// current state, for Database.persistRoots to write back.
func (l *TombstoneList) Persisted() (headPage pager.PageID, headSlot uint64, tailPage pager.PageID, tailSlot uint64, count uint64) {
	return l.headPageID, l.headSlot, l.tailPageID, l.tailSlot, l.count
}

func initTombstonePage(buf []byte) {
	h := pager.PageHeader{Type: pager.PageTypeTombstone}
	pager.MarshalHeader(&h, buf)
	setTombstoneEntryCount(buf, 0)
	setTombstoneNextPage(buf, pager.InvalidPageID)
}

func tombstoneEntryCount(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[pager.PageHeaderSize : pager.PageHeaderSize+8])
}

func setTombstoneEntryCount(buf []byte, n uint64) {
	binary.LittleEndian.PutUint64(buf[pager.PageHeaderSize:pager.PageHeaderSize+8], n)
}

func tombstoneNextPage(buf []byte) pager.PageID {
	off := pager.PageHeaderSize + 8
	return pager.PageID(binary.LittleEndian.Uint64(buf[off : off+8]))
}

func setTombstoneNextPage(buf []byte, id pager.PageID) {
	off := pager.PageHeaderSize + 8
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(id))
}

func tombstoneSlotOffset(slot uint64) int {
	return pager.PageHeaderSize + tombstonePageHeaderSize + int(slot)*TombstoneEntrySize
}

func writeTombstoneSlot(buf []byte, slot uint64, t Tombstone, pageSize int) {
	off := tombstoneSlotOffset(slot)
	copy(buf[off:off+TombstoneEntrySize], t.ToBytes())
	pager.SetPageCRC(buf)
}

func readTombstoneSlot(buf []byte, slot uint64, pageSize int) Tombstone {
	off := tombstoneSlotOffset(slot)
	t, _ := TombstoneFromBytes(buf[off : off+TombstoneEntrySize])
	return t
}
