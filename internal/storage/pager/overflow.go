package pager

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Overflow pages
// ───────────────────────────────────────────────────────────────────────────
//
// Values larger than MaxInlineValueSize are chained across overflow pages
// instead of being stored inline in a leaf record. Layout, after the common
// 8-byte PageHeader:
//
//   [8:16]   NextPageID  (uint64 LE) — next page in chain, 0 = end
//   [16:20]  DataLength  (uint32 LE) — bytes of payload in this page
//   [20:cap] Payload data
//
// The reference left inline in the leaf record in place of the value is a
// 13-byte OverflowReference: a 0xFF marker byte, the chain's first page id
// (8 bytes), and the value's total length across all pages (4 bytes). A
// leaf value is read as a reference only if it is exactly 13 bytes long and
// starts with the marker; the values the storage layer stores inline are
// triple records of at least 65 bytes or 16-byte index entries, so none of
// them is taken for a reference whatever its first byte.

const (
	overflowNextOff    = PageHeaderSize         // 8
	overflowDataLenOff = overflowNextOff + 8     // 16
	overflowDataOff    = overflowDataLenOff + 4  // 20

	// OverflowReferenceMarker tags an inline overflow reference; it is
	// chosen outside the range of valid ValueType tag bytes.
	OverflowReferenceMarker = 0xFF

	// OverflowReferenceSize is the encoded size of an OverflowReference.
	OverflowReferenceSize = 1 + 8 + 4
)

// OverflowCapacity returns the payload capacity of a single overflow page.
func OverflowCapacity(pageSize int) int {
	return pageSize - overflowDataOff
}

// OverflowPage wraps a page buffer as an overflow page.
type OverflowPage struct {
	buf      []byte
	pageSize int
}

// WrapOverflowPage wraps an existing overflow page buffer.
func WrapOverflowPage(buf []byte) *OverflowPage {
	return &OverflowPage{buf: buf, pageSize: len(buf)}
}

// InitOverflowPage initializes a fresh overflow page in buf.
func InitOverflowPage(buf []byte) *OverflowPage {
	h := &PageHeader{Type: PageTypeOverflow}
	MarshalHeader(h, buf)
	binary.LittleEndian.PutUint64(buf[overflowNextOff:], uint64(InvalidPageID))
	binary.LittleEndian.PutUint32(buf[overflowDataLenOff:], 0)
	return &OverflowPage{buf: buf, pageSize: len(buf)}
}

// NextOverflow returns the next overflow page in the chain.
func (op *OverflowPage) NextOverflow() PageID {
	return PageID(binary.LittleEndian.Uint64(op.buf[overflowNextOff:]))
}

// SetNextOverflow sets the next-page pointer.
func (op *OverflowPage) SetNextOverflow(pid PageID) {
	binary.LittleEndian.PutUint64(op.buf[overflowNextOff:], uint64(pid))
}

// DataLen returns the number of payload bytes stored on this page.
func (op *OverflowPage) DataLen() int {
	return int(binary.LittleEndian.Uint32(op.buf[overflowDataLenOff:]))
}

// SetData writes payload into the overflow page, then recomputes its
// checksum. Returns an error if the data exceeds this page's capacity.
func (op *OverflowPage) SetData(data []byte) error {
	capacity := OverflowCapacity(op.pageSize)
	if len(data) > capacity {
		return fmt.Errorf("overflow data %d bytes exceeds capacity %d", len(data), capacity)
	}
	binary.LittleEndian.PutUint32(op.buf[overflowDataLenOff:], uint32(len(data)))
	copy(op.buf[overflowDataOff:], data)
	SetPageCRC(op.buf)
	return nil
}

// Data returns the payload bytes stored on this page.
func (op *OverflowPage) Data() []byte {
	dl := op.DataLen()
	return op.buf[overflowDataOff : overflowDataOff+dl]
}

// Bytes returns the underlying page buffer.
func (op *OverflowPage) Bytes() []byte { return op.buf }

// OverflowReference is the 13-byte marker stored inline in a leaf record in
// place of a value too large to inline.
type OverflowReference struct {
	FirstPageID PageID
	TotalLength uint32
}

// ToBytes encodes an OverflowReference.
func (r OverflowReference) ToBytes() []byte {
	buf := make([]byte, OverflowReferenceSize)
	buf[0] = OverflowReferenceMarker
	binary.LittleEndian.PutUint64(buf[1:9], uint64(r.FirstPageID))
	binary.LittleEndian.PutUint32(buf[9:13], r.TotalLength)
	return buf
}

// IsOverflowReference reports whether buf is an encoded OverflowReference:
// exactly OverflowReferenceSize bytes, beginning with the overflow marker.
func IsOverflowReference(buf []byte) bool {
	return len(buf) == OverflowReferenceSize && buf[0] == OverflowReferenceMarker
}

// OverflowReferenceFromBytes decodes an OverflowReference from the front of buf.
func OverflowReferenceFromBytes(buf []byte) (OverflowReference, error) {
	if len(buf) < OverflowReferenceSize || buf[0] != OverflowReferenceMarker {
		return OverflowReference{}, fmt.Errorf("%w: not an overflow reference", ErrInvalidHeader)
	}
	return OverflowReference{
		FirstPageID: PageID(binary.LittleEndian.Uint64(buf[1:9])),
		TotalLength: binary.LittleEndian.Uint32(buf[9:13]),
	}, nil
}

// WriteOverflowChain splits data across as many freshly allocated overflow
// pages as needed and returns a reference to the head of the chain. alloc
// must return a zeroed page buffer and its id; write persists a page.
func WriteOverflowChain(data []byte, pageSize int, alloc AllocPageFunc, write WritePageFunc) (OverflowReference, error) {
	capacity := OverflowCapacity(pageSize)
	if capacity <= 0 {
		return OverflowReference{}, fmt.Errorf("overflow: page size %d too small", pageSize)
	}
	var firstID PageID = InvalidPageID
	var prevID PageID = InvalidPageID
	var prevBuf []byte

	offset := 0
	for offset < len(data) || (offset == 0 && len(data) == 0) {
		id, buf, err := alloc()
		if err != nil {
			return OverflowReference{}, fmt.Errorf("overflow: allocate page: %w", err)
		}
		page := InitOverflowPage(buf)
		end := offset + capacity
		if end > len(data) {
			end = len(data)
		}
		if err := page.SetData(data[offset:end]); err != nil {
			return OverflowReference{}, err
		}
		if prevBuf != nil {
			WrapOverflowPage(prevBuf).SetNextOverflow(id)
			SetPageCRC(prevBuf)
			if err := write(prevID, prevBuf); err != nil {
				return OverflowReference{}, fmt.Errorf("overflow: write chain link: %w", err)
			}
		} else {
			firstID = id
		}
		prevID, prevBuf = id, page.Bytes()
		offset = end
		if len(data) == 0 {
			break
		}
	}
	if prevBuf != nil {
		if err := write(prevID, prevBuf); err != nil {
			return OverflowReference{}, fmt.Errorf("overflow: write chain tail: %w", err)
		}
	}
	return OverflowReference{FirstPageID: firstID, TotalLength: uint32(len(data))}, nil
}

// ReadOverflowChain follows an overflow chain and reassembles the full value.
func ReadOverflowChain(ref OverflowReference, read ReadPageFunc) ([]byte, error) {
	out := make([]byte, 0, ref.TotalLength)
	id := ref.FirstPageID
	for id != InvalidPageID && uint32(len(out)) < ref.TotalLength {
		buf, err := read(id)
		if err != nil {
			return nil, fmt.Errorf("overflow: read page %d: %w", id, err)
		}
		page := WrapOverflowPage(buf)
		out = append(out, page.Data()...)
		id = page.NextOverflow()
	}
	return out, nil
}

// AllocPageFunc allocates a fresh zeroed page and returns its id and buffer.
type AllocPageFunc func() (PageID, []byte, error)

// WritePageFunc persists a page buffer back to storage.
type WritePageFunc func(id PageID, buf []byte) error

// ReadPageFunc reads a page buffer from storage.
type ReadPageFunc func(id PageID) ([]byte, error)
