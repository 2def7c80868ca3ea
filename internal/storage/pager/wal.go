package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// Circular write-ahead log
// ───────────────────────────────────────────────────────────────────────────
//
// The WAL lives in a fixed-capacity region of the main database file (bounds
// recorded in the superblock as WALRegionStart/WALRegionEnd/WALRegionCapacity)
// rather than a separate file. Records are appended sequentially; when the
// next record would run past the end of the region, the WAL forces a
// synchronous checkpoint (flushing and fsyncing every dirty page, then
// resetting the region) before wrapping back to the start — so a wrap can
// never overwrite a record that hasn't yet been made durable elsewhere.
//
// Record layout:
//
//	[0:4]   RecordLength  (uint32 LE) — bytes following this field
//	[4]     Type          (1 byte)
//	[5:13]  TxID          (uint64 LE)
//	[13:21] LSN           (uint64 LE)
//	[21:37] HLC           (16 bytes, see HLCBytes)
//	[37:45] PageID        (uint64 LE) — meaningful only for WALRecordPut
//	[45:49] PayloadLen    (uint32 LE)
//	[49:49+n] Payload
//	[49+n:53+n] CRC32     (uint32 LE, IEEE, over everything from Type onward)
//
// Payload and PageID meaning is type-dependent: WALRecordPut carries a full
// page image addressed by PageID; WALRecordInsert/WALRecordUpdate carry a
// serialized triple record (PageID unused); WALRecordDelete carries a
// 32-byte entity||attribute primary key (PageID and HLC unused);
// WALRecordCheckpoint carries min_active_txn||active_txn_count as two
// uint64 LE fields.
const (
	walRecFixedHdrSize = 1 + 8 + 8 + 16 + 8 + 4 // Type..PayloadLen
	walRecLengthSize   = 4
	walRecCRCSize      = 4
)

// WALRecordType identifies the kind of WAL record.
type WALRecordType uint8

const (
	WALRecordBegin      WALRecordType = 0x01
	WALRecordPut        WALRecordType = 0x02 // page write (physical image)
	WALRecordCommit     WALRecordType = 0x03
	WALRecordAbort      WALRecordType = 0x04
	WALRecordCheckpoint WALRecordType = 0x05
	WALRecordInsert     WALRecordType = 0x06 // logical: serialized triple record
	WALRecordUpdate     WALRecordType = 0x07 // logical: serialized triple record
	WALRecordDelete     WALRecordType = 0x08 // logical: entity||attribute key only
)

// WALRecordInsert/Update/Delete are logical records layered alongside the
// physical WALRecordPut image: every page write that implements a committed
// triple mutation is still logged (and replayed) as a page image, but the
// transaction also appends one of these carrying the operation itself —
// (entity,attribute,value) for Insert/Update, (entity,attribute) for
// Delete — so a reader that only understands operations (a change feed, an
// external replica) can tail the log without ever parsing a page. Recover
// does not replay them; physical WALRecordPut remains the only source of
// on-disk page state after a crash.

func (rt WALRecordType) String() string {
	switch rt {
	case WALRecordBegin:
		return "BEGIN"
	case WALRecordPut:
		return "PUT"
	case WALRecordCommit:
		return "COMMIT"
	case WALRecordAbort:
		return "ABORT"
	case WALRecordCheckpoint:
		return "CHECKPOINT"
	case WALRecordInsert:
		return "INSERT"
	case WALRecordUpdate:
		return "UPDATE"
	case WALRecordDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(rt))
	}
}

// WALRecord is an in-memory representation of a WAL record.
type WALRecord struct {
	Type    WALRecordType
	TxID    TxID
	LSN     LSN
	HLC     HLCBytes
	PageID  PageID // only meaningful for WALRecordPut
	Payload []byte // type-dependent, see the record layout above; nil for Begin/Commit/Abort
}

// WAL manages the circular WAL region of the database file.
type WAL struct {
	mu           sync.Mutex
	file         *os.File
	regionStart  uint64
	regionCap    uint64
	writeOffset  uint64
	nextLSN      LSN
	checkpointFn func() error // invoked before a wrap would overwrite live records
}

// OpenWAL creates a WAL manager over [regionStart, regionStart+regionCap) of
// file. checkpointFn is called synchronously whenever the next append would
// wrap past the end of the region.
func OpenWAL(file *os.File, regionStart, regionCap uint64, nextLSN LSN, checkpointFn func() error) *WAL {
	return &WAL{
		file:         file,
		regionStart:  regionStart,
		regionCap:    regionCap,
		writeOffset:  regionStart,
		nextLSN:      nextLSN,
		checkpointFn: checkpointFn,
	}
}

// AppendRecord serializes and writes rec at the current write offset,
// wrapping (and checkpointing first) if it would not fit before the end of
// the region. Returns the assigned LSN.
func (w *WAL) AppendRecord(rec *WALRecord) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN
	w.nextLSN++
	rec.LSN = lsn

	data := marshalWALRecord(rec)
	need := uint64(len(data))

	if w.writeOffset+need > w.regionStart+w.regionCap {
		if w.checkpointFn != nil {
			// checkpointFn (Pager.Checkpoint) calls back into Reset, which
			// takes w.mu itself, so release it for the duration of the call.
			w.mu.Unlock()
			err := w.checkpointFn()
			w.mu.Lock()
			if err != nil {
				return 0, fmt.Errorf("WAL wrap checkpoint: %w", err)
			}
		}
		w.writeOffset = w.regionStart
	}

	if _, err := w.file.WriteAt(data, int64(w.writeOffset)); err != nil {
		return 0, fmt.Errorf("WAL append: %w", err)
	}
	w.writeOffset += need
	return lsn, nil
}

// Sync fsyncs the underlying file.
func (w *WAL) Sync() error {
	return w.file.Sync()
}

// Reset logically truncates the WAL after a checkpoint: the write cursor
// returns to the start of the region and a zero length-prefix is written
// there so a recovery scan stops immediately, ignoring any stale bytes left
// over from before the checkpoint.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeOffset = w.regionStart
	var zero [walRecLengthSize]byte
	if _, err := w.file.WriteAt(zero[:], int64(w.regionStart)); err != nil {
		return fmt.Errorf("WAL reset: %w", err)
	}
	return nil
}

// NextLSN returns the next LSN that will be assigned.
func (w *WAL) NextLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// ReadRegion scans the WAL region from its start and returns every
// well-formed record up to the first corrupt, truncated, or zero-length
// record — which is either genuine end-of-log or the boundary left by the
// last Reset.
func (w *WAL) ReadRegion() ([]*WALRecord, error) {
	buf := make([]byte, w.regionCap)
	if _, err := w.file.ReadAt(buf, int64(w.regionStart)); err != nil {
		return nil, fmt.Errorf("WAL read region: %w", err)
	}

	var records []*WALRecord
	off := 0
	for off+walRecLengthSize <= len(buf) {
		recLen := int(binary.LittleEndian.Uint32(buf[off:]))
		if recLen == 0 {
			break
		}
		start := off + walRecLengthSize
		end := start + recLen
		if end > len(buf) || recLen < walRecFixedHdrSize+walRecCRCSize {
			break
		}
		rec, err := unmarshalWALRecord(buf[start:end])
		if err != nil {
			break
		}
		records = append(records, rec)
		off = end
	}
	return records, nil
}

func marshalWALRecord(rec *WALRecord) []byte {
	body := make([]byte, walRecFixedHdrSize+len(rec.Payload))
	body[0] = byte(rec.Type)
	binary.LittleEndian.PutUint64(body[1:9], uint64(rec.TxID))
	binary.LittleEndian.PutUint64(body[9:17], uint64(rec.LSN))
	copy(body[17:33], rec.HLC[:])
	binary.LittleEndian.PutUint64(body[33:41], uint64(rec.PageID))
	binary.LittleEndian.PutUint32(body[41:45], uint32(len(rec.Payload)))
	copy(body[walRecFixedHdrSize:], rec.Payload)

	crc := crc32.ChecksumIEEE(body)

	out := make([]byte, walRecLengthSize+len(body)+walRecCRCSize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)+walRecCRCSize))
	copy(out[walRecLengthSize:], body)
	binary.LittleEndian.PutUint32(out[walRecLengthSize+len(body):], crc)
	return out
}

func unmarshalWALRecord(buf []byte) (*WALRecord, error) {
	if len(buf) < walRecFixedHdrSize+walRecCRCSize {
		return nil, fmt.Errorf("%w: WAL record truncated", ErrCorruptRecord)
	}
	body := buf[:len(buf)-walRecCRCSize]
	storedCRC := binary.LittleEndian.Uint32(buf[len(buf)-walRecCRCSize:])
	if crc32.ChecksumIEEE(body) != storedCRC {
		return nil, fmt.Errorf("%w: WAL record checksum mismatch", ErrCorruptRecord)
	}

	payloadLen := int(binary.LittleEndian.Uint32(body[41:45]))
	if walRecFixedHdrSize+payloadLen != len(body) {
		return nil, fmt.Errorf("%w: WAL record payload length mismatch", ErrCorruptRecord)
	}

	rec := &WALRecord{
		Type:   WALRecordType(body[0]),
		TxID:   TxID(binary.LittleEndian.Uint64(body[1:9])),
		LSN:    LSN(binary.LittleEndian.Uint64(body[9:17])),
		PageID: PageID(binary.LittleEndian.Uint64(body[33:41])),
	}
	copy(rec.HLC[:], body[17:33])
	if payloadLen > 0 {
		rec.Payload = append([]byte(nil), body[walRecFixedHdrSize:]...)
	}
	return rec, nil
}
