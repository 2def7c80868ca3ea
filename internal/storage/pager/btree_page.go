package pager

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// B-tree on-disk format
// ───────────────────────────────────────────────────────────────────────────
//
// Every B-tree node uses a fixed 32-byte composite key (entity_id (16) ||
// attribute_id (16) for the primary index; other indices use whatever
// 32-byte key their facade constructs). Following the common 8-byte
// PageHeader, every node carries a 27-byte node header:
//
//   [0]     NodeType    (uint8, mirrors PageType — Internal or Leaf)
//   [1:3]   KeyCount    (uint16 LE)
//   [3:11]  ParentPage  (uint64 LE, PageID — set to InvalidPageID when a node is initialized; splits do not update it)
//   [11:19] PrevLeaf    (uint64 LE, PageID — leaf sibling chain; unused on internal nodes)
//   [19:27] NextLeaf    (uint64 LE, PageID — leaf sibling chain; unused on internal nodes)
//
// Internal nodes store key_count (key, left_child) pairs plus a trailing
// right_child pointer: MAX_INTERNAL_KEYS = (usable - 8) / 40, where usable
// is the page size minus the common and node headers, the 8 accounts for
// the trailing right_child pointer, and 40 = 32 (key) + 8 (child PageID).
//
// Leaf nodes store key_count (key, value) pairs, size-limited by bytes
// rather than a fixed count, since triple-record values vary in length
// even after the overflow threshold caps them.
//
// A node's full entry set is decoded into an in-memory slice, mutated, and
// re-encoded in one pass; there is no in-place slotted layout. This keeps
// the encode/decode logic simple at the cost of rewriting the whole page on
// every mutation, acceptable given the 8 KiB page size.

const (
	KeySize = 32

	btreeNodeHeaderSize = 27
	btreeNodeTypeOff     = PageHeaderSize
	btreeKeyCountOff     = btreeNodeTypeOff + 1
	btreeParentOff       = btreeKeyCountOff + 2
	btreePrevLeafOff     = btreeParentOff + 8
	btreeNextLeafOff     = btreePrevLeafOff + 8
	btreeBodyOff         = PageHeaderSize + btreeNodeHeaderSize // 35

	internalEntrySize = KeySize + 8 // key + child PageID
)

// MaxInternalKeys returns the maximum number of separator keys an internal
// node can hold for the given page size.
func MaxInternalKeys(pageSize int) int {
	usable := pageSize - btreeBodyOff
	return (usable - 8) / internalEntrySize
}

// MaxLeafBytes returns the number of bytes available in a leaf node's body
// for (key, value) entries.
func MaxLeafBytes(pageSize int) int {
	return pageSize - btreeBodyOff
}

// BTreePage wraps a page buffer as a B-tree node, decoding and re-encoding
// its full entry set on each access.
type BTreePage struct {
	buf      []byte
	pageSize int
}

// WrapBTreePage wraps an existing buffer.
func WrapBTreePage(buf []byte) *BTreePage {
	return &BTreePage{buf: buf, pageSize: len(buf)}
}

// InitBTreePage initializes a page as an empty B-tree node.
func InitBTreePage(buf []byte, leaf bool) *BTreePage {
	pt := PageTypeBTreeInternal
	if leaf {
		pt = PageTypeBTreeLeaf
	}
	h := &PageHeader{Type: pt}
	MarshalHeader(h, buf)
	buf[btreeNodeTypeOff] = byte(pt)
	binary.LittleEndian.PutUint16(buf[btreeKeyCountOff:], 0)
	binary.LittleEndian.PutUint64(buf[btreeParentOff:], uint64(InvalidPageID))
	binary.LittleEndian.PutUint64(buf[btreePrevLeafOff:], uint64(InvalidPageID))
	binary.LittleEndian.PutUint64(buf[btreeNextLeafOff:], uint64(InvalidPageID))
	bp := &BTreePage{buf: buf, pageSize: len(buf)}
	if !leaf {
		bp.setRightChild(InvalidPageID)
	}
	return bp
}

func (bp *BTreePage) IsLeaf() bool {
	return PageType(bp.buf[btreeNodeTypeOff]) == PageTypeBTreeLeaf
}

func (bp *BTreePage) KeyCount() int {
	return int(binary.LittleEndian.Uint16(bp.buf[btreeKeyCountOff:]))
}

func (bp *BTreePage) setKeyCount(n int) {
	binary.LittleEndian.PutUint16(bp.buf[btreeKeyCountOff:], uint16(n))
}

func (bp *BTreePage) ParentPage() PageID {
	return PageID(binary.LittleEndian.Uint64(bp.buf[btreeParentOff:]))
}

func (bp *BTreePage) SetParentPage(id PageID) {
	binary.LittleEndian.PutUint64(bp.buf[btreeParentOff:], uint64(id))
}

func (bp *BTreePage) PrevLeaf() PageID {
	return PageID(binary.LittleEndian.Uint64(bp.buf[btreePrevLeafOff:]))
}

func (bp *BTreePage) SetPrevLeaf(id PageID) {
	binary.LittleEndian.PutUint64(bp.buf[btreePrevLeafOff:], uint64(id))
}

func (bp *BTreePage) NextLeaf() PageID {
	return PageID(binary.LittleEndian.Uint64(bp.buf[btreeNextLeafOff:]))
}

func (bp *BTreePage) SetNextLeaf(id PageID) {
	binary.LittleEndian.PutUint64(bp.buf[btreeNextLeafOff:], uint64(id))
}

// Bytes returns the underlying page buffer. SetLeafEntries and
// SetInternalEntries re-encode the entries into this buffer.
func (bp *BTreePage) Bytes() []byte { return bp.buf }

func (bp *BTreePage) finalize() {
	SetPageCRC(bp.buf)
}

// ───────────────────────────────────────────────────────────────────────────
// Internal node entries
// ───────────────────────────────────────────────────────────────────────────

// InternalEntry is a separator key paired with its left child.
type InternalEntry struct {
	Key     [KeySize]byte
	ChildID PageID
}

// GetAllInternalEntries decodes every separator entry, in key order.
func (bp *BTreePage) GetAllInternalEntries() []InternalEntry {
	n := bp.KeyCount()
	entries := make([]InternalEntry, n)
	off := btreeBodyOff
	for i := 0; i < n; i++ {
		copy(entries[i].Key[:], bp.buf[off:off+KeySize])
		entries[i].ChildID = PageID(binary.LittleEndian.Uint64(bp.buf[off+KeySize : off+internalEntrySize]))
		off += internalEntrySize
	}
	return entries
}

// RightChild returns the trailing rightmost child pointer.
func (bp *BTreePage) RightChild() PageID {
	off := btreeBodyOff + bp.KeyCount()*internalEntrySize
	return PageID(binary.LittleEndian.Uint64(bp.buf[off : off+8]))
}

func (bp *BTreePage) setRightChild(id PageID) {
	off := btreeBodyOff + bp.KeyCount()*internalEntrySize
	binary.LittleEndian.PutUint64(bp.buf[off:off+8], uint64(id))
}

// SetInternalEntries overwrites the full separator-entry set and right
// child pointer, re-encoding the page. Returns an error if the entries do
// not fit within MaxInternalKeys.
func (bp *BTreePage) SetInternalEntries(entries []InternalEntry, rightChild PageID) error {
	if len(entries) > MaxInternalKeys(bp.pageSize) {
		return fmt.Errorf("%w: %d separator keys exceeds max %d", ErrInvalidHeader, len(entries), MaxInternalKeys(bp.pageSize))
	}
	bp.setKeyCount(len(entries))
	off := btreeBodyOff
	for _, e := range entries {
		copy(bp.buf[off:off+KeySize], e.Key[:])
		binary.LittleEndian.PutUint64(bp.buf[off+KeySize:off+internalEntrySize], uint64(e.ChildID))
		off += internalEntrySize
	}
	binary.LittleEndian.PutUint64(bp.buf[off:off+8], uint64(rightChild))
	bp.finalize()
	return nil
}

// FindChild returns the child PageID to descend into for the given key:
// the left child of the first separator greater than key, or the right
// child if key is greater than or equal to every separator.
func (bp *BTreePage) FindChild(key [KeySize]byte) PageID {
	entries := bp.GetAllInternalEntries()
	for _, e := range entries {
		if bytes.Compare(key[:], e.Key[:]) < 0 {
			return e.ChildID
		}
	}
	return bp.RightChild()
}

// ───────────────────────────────────────────────────────────────────────────
// Leaf node entries
// ───────────────────────────────────────────────────────────────────────────

// LeafEntry is a key paired with its (possibly overflow-referenced) value.
type LeafEntry struct {
	Key   [KeySize]byte
	Value []byte
}

// GetAllLeafEntries decodes every (key, value) pair, in key order.
func (bp *BTreePage) GetAllLeafEntries() []LeafEntry {
	n := bp.KeyCount()
	entries := make([]LeafEntry, n)
	off := btreeBodyOff
	for i := 0; i < n; i++ {
		copy(entries[i].Key[:], bp.buf[off:off+KeySize])
		off += KeySize
		vl := int(binary.LittleEndian.Uint32(bp.buf[off : off+4]))
		off += 4
		entries[i].Value = append([]byte(nil), bp.buf[off:off+vl]...)
		off += vl
	}
	return entries
}

// leafEncodedSize returns the byte length entries would occupy if encoded.
func leafEncodedSize(entries []LeafEntry) int {
	n := 0
	for _, e := range entries {
		n += KeySize + 4 + len(e.Value)
	}
	return n
}

// SetLeafEntries overwrites the full (key, value) set, re-encoding the
// page. Returns an error if the entries do not fit in MaxLeafBytes.
func (bp *BTreePage) SetLeafEntries(entries []LeafEntry) error {
	size := leafEncodedSize(entries)
	if size > MaxLeafBytes(bp.pageSize) {
		return fmt.Errorf("%w: leaf entries need %d bytes, have %d", ErrInvalidHeader, size, MaxLeafBytes(bp.pageSize))
	}
	bp.setKeyCount(len(entries))
	off := btreeBodyOff
	for _, e := range entries {
		copy(bp.buf[off:off+KeySize], e.Key[:])
		off += KeySize
		binary.LittleEndian.PutUint32(bp.buf[off:off+4], uint32(len(e.Value)))
		off += 4
		copy(bp.buf[off:off+len(e.Value)], e.Value)
		off += len(e.Value)
	}
	// Clear any trailing bytes from a previously larger encoding so stale
	// data never gets reinterpreted across CRC verification.
	for ; off < len(bp.buf); off++ {
		bp.buf[off] = 0
	}
	bp.finalize()
	return nil
}

// FindLeafEntry searches for an exact key match via binary search over the
// decoded, sorted entry set.
func (bp *BTreePage) FindLeafEntry(key [KeySize]byte) (LeafEntry, int, bool) {
	entries := bp.GetAllLeafEntries()
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		c := bytes.Compare(entries[mid].Key[:], key[:])
		if c < 0 {
			lo = mid + 1
		} else if c > 0 {
			hi = mid
		} else {
			return entries[mid], mid, true
		}
	}
	return LeafEntry{}, -1, false
}

// WouldFit reports whether entries, if encoded, fit within one leaf page.
func WouldFit(pageSize int, entries []LeafEntry) bool {
	return leafEncodedSize(entries) <= MaxLeafBytes(pageSize)
}
