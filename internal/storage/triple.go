package storage

import (
	"encoding/binary"
	"fmt"
	"math"

	"ensotriple/internal/storage/pager"
)

// EntityID and AttributeID are opaque 16-byte identifiers. Callers derive
// them however they like (random, content-hashed, or the first 16 bytes of
// a normalized UTF-8 name); the engine only ever compares them byte-for-byte.
type EntityID [16]byte
type AttributeID [16]byte

// ValueType tags the kind of a TripleValue on the wire.
type ValueType uint8

const (
	ValueTypeNull ValueType = iota
	ValueTypeBoolean
	ValueTypeNumber
	ValueTypeString
)

// TripleValue is the tagged value stored in a triple record: a JSON-null,
// a boolean, an IEEE-754 double, or a UTF-8 string (uint16 length prefix,
// so at most 65535 bytes; ToBytes panics on a longer string). The codec
// itself never overflow-chains: the B-tree moves any encoded record larger
// than pager.MaxInlineValueSize to an overflow chain.
type TripleValue struct {
	Type   ValueType
	Bool   bool
	Number float64
	Str    string
}

func NullValue() TripleValue             { return TripleValue{Type: ValueTypeNull} }
func BooleanValue(b bool) TripleValue    { return TripleValue{Type: ValueTypeBoolean, Bool: b} }
func NumberValue(n float64) TripleValue  { return TripleValue{Type: ValueTypeNumber, Number: n} }
func StringValue(s string) TripleValue   { return TripleValue{Type: ValueTypeString, Str: s} }

// SerializedSize returns the encoded byte length of the value alone
// (tag byte plus payload).
func (v TripleValue) SerializedSize() int {
	switch v.Type {
	case ValueTypeNull:
		return 1
	case ValueTypeBoolean:
		return 2
	case ValueTypeNumber:
		return 9
	case ValueTypeString:
		return 3 + len(v.Str)
	default:
		return 1
	}
}

// ToBytes appends the value's wire encoding to dst and returns the result.
func (v TripleValue) ToBytes(dst []byte) []byte {
	switch v.Type {
	case ValueTypeNull:
		return append(dst, byte(ValueTypeNull))
	case ValueTypeBoolean:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		return append(dst, byte(ValueTypeBoolean), b)
	case ValueTypeNumber:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v.Number))
		dst = append(dst, byte(ValueTypeNumber))
		return append(dst, buf[:]...)
	case ValueTypeString:
		if len(v.Str) > math.MaxUint16 {
			panic("triple: string value exceeds 65535 bytes; caller must overflow-chain first")
		}
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(v.Str)))
		dst = append(dst, byte(ValueTypeString))
		dst = append(dst, lenBuf[:]...)
		return append(dst, v.Str...)
	default:
		panic(fmt.Sprintf("triple: unknown value type %d", v.Type))
	}
}

// ValueFromBytes decodes a TripleValue from the front of buf, returning the
// value and the number of bytes consumed.
func ValueFromBytes(buf []byte) (TripleValue, int, error) {
	if len(buf) < 1 {
		return TripleValue{}, 0, fmt.Errorf("%w: empty value buffer", pager.ErrCorruptRecord)
	}
	switch ValueType(buf[0]) {
	case ValueTypeNull:
		return NullValue(), 1, nil
	case ValueTypeBoolean:
		if len(buf) < 2 {
			return TripleValue{}, 0, fmt.Errorf("%w: truncated boolean value", pager.ErrCorruptRecord)
		}
		return BooleanValue(buf[1] != 0), 2, nil
	case ValueTypeNumber:
		if len(buf) < 9 {
			return TripleValue{}, 0, fmt.Errorf("%w: truncated number value", pager.ErrCorruptRecord)
		}
		bits := binary.LittleEndian.Uint64(buf[1:9])
		return NumberValue(math.Float64frombits(bits)), 9, nil
	case ValueTypeString:
		if len(buf) < 3 {
			return TripleValue{}, 0, fmt.Errorf("%w: truncated string length", pager.ErrCorruptRecord)
		}
		n := int(binary.LittleEndian.Uint16(buf[1:3]))
		if len(buf) < 3+n {
			return TripleValue{}, 0, fmt.Errorf("%w: truncated string body", pager.ErrCorruptRecord)
		}
		return StringValue(string(buf[3 : 3+n])), 3 + n, nil
	default:
		return TripleValue{}, 0, fmt.Errorf("%w: unknown value tag 0x%02x", pager.ErrInvalidHeader, buf[0])
	}
}

// Equal compares two values for byte-for-byte equality, except Number
// values which are compared within float64 epsilon, so accumulated float
// error does not make two numbers differ. The query engine uses it to match
// pattern values; last-writer-wins conflicts are decided by HLC order alone.
func (v TripleValue) Equal(other TripleValue) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case ValueTypeNull:
		return true
	case ValueTypeBoolean:
		return v.Bool == other.Bool
	case ValueTypeNumber:
		d := v.Number - other.Number
		if d < 0 {
			d = -d
		}
		return d < float64EPSILON
	case ValueTypeString:
		return v.Str == other.Str
	default:
		return false
	}
}

// float64EPSILON mirrors Rust's f64::EPSILON, the difference between 1.0
// and the next representable float64.
const float64EPSILON = 2.220446049250313e-16

// TripleMetadataSize is the size, in bytes, of a triple record's fixed
// header (entity_id, attribute_id, created_txn, deleted_txn, created_hlc),
// excluding the variable-length tagged value that follows it.
const TripleMetadataSize = 16 + 16 + 8 + 8 + 16 // 64

// TripleRecord is the unit stored at each leaf-level key in the primary
// index: the 32-byte (entity_id, attribute_id) key's associated metadata
// and value.
type TripleRecord struct {
	EntityID    EntityID
	AttributeID AttributeID
	CreatedTxn  pager.TxID
	DeletedTxn  pager.TxID // 0 means live
	CreatedHLC  HLC
	Value       TripleValue
}

// NewTripleRecord constructs a live (non-deleted) triple record.
func NewTripleRecord(entity EntityID, attr AttributeID, txn pager.TxID, hlc HLC, value TripleValue) TripleRecord {
	return TripleRecord{
		EntityID:    entity,
		AttributeID: attr,
		CreatedTxn:  txn,
		DeletedTxn:  0,
		CreatedHLC:  hlc,
		Value:       value,
	}
}

// IsDeleted reports whether this record carries a tombstone marker.
func (r TripleRecord) IsDeleted() bool { return r.DeletedTxn != 0 }

// IsVisibleTo reports whether this record should be visible to a reader
// whose snapshot is pinned at snapshotTxn: it must have been created at or
// before the snapshot, and either never deleted or deleted strictly after
// the snapshot.
func (r TripleRecord) IsVisibleTo(snapshotTxn pager.TxID) bool {
	if r.CreatedTxn > snapshotTxn {
		return false
	}
	return r.DeletedTxn == 0 || r.DeletedTxn > snapshotTxn
}

// SerializedSize returns the total encoded size of the record (header plus
// value).
func (r TripleRecord) SerializedSize() int {
	return TripleMetadataSize + r.Value.SerializedSize()
}

// ToBytes encodes the full record (header + value).
func (r TripleRecord) ToBytes() []byte {
	buf := make([]byte, 0, r.SerializedSize())
	buf = append(buf, r.EntityID[:]...)
	buf = append(buf, r.AttributeID[:]...)
	var txnBuf [8]byte
	binary.LittleEndian.PutUint64(txnBuf[:], uint64(r.CreatedTxn))
	buf = append(buf, txnBuf[:]...)
	binary.LittleEndian.PutUint64(txnBuf[:], uint64(r.DeletedTxn))
	buf = append(buf, txnBuf[:]...)
	hlcBytes := r.CreatedHLC.ToBytes()
	buf = append(buf, hlcBytes[:]...)
	return r.Value.ToBytes(buf)
}

// TripleRecordFromBytes decodes a full record from buf.
func TripleRecordFromBytes(buf []byte) (TripleRecord, error) {
	if len(buf) < TripleMetadataSize {
		return TripleRecord{}, fmt.Errorf("%w: triple header truncated (%d bytes)", pager.ErrCorruptRecord, len(buf))
	}
	var r TripleRecord
	copy(r.EntityID[:], buf[0:16])
	copy(r.AttributeID[:], buf[16:32])
	r.CreatedTxn = pager.TxID(binary.LittleEndian.Uint64(buf[32:40]))
	r.DeletedTxn = pager.TxID(binary.LittleEndian.Uint64(buf[40:48]))
	hlc, err := HLCFromBytes(buf[48:64])
	if err != nil {
		return TripleRecord{}, err
	}
	r.CreatedHLC = hlc
	val, _, err := ValueFromBytes(buf[64:])
	if err != nil {
		return TripleRecord{}, err
	}
	r.Value = val
	return r, nil
}

// PrimaryKey returns the 32-byte composite key (entity_id || attribute_id)
// used by the primary index's B-tree.
func PrimaryKey(entity EntityID, attr AttributeID) [32]byte {
	var k [32]byte
	copy(k[0:16], entity[:])
	copy(k[16:32], attr[:])
	return k
}
