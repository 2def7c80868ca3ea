package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ───────────────────────────────────────────────────────────────────────────
// Superblock – Page 0
// ───────────────────────────────────────────────────────────────────────────
//
// The superblock is the one page in the file with no common PageHeader; it
// occupies page 0 verbatim, using its own layout below. A trailing CRC32
// (IEEE) checksum over the rest of the fields guards against torn writes.
//
//  Offset  Size  Field
//  ──────  ────  ───────────────────
//  0       8     Magic                    [8]byte "ENSOTRPL"
//  8       4     FormatVersion            uint32 LE
//  12      4     PageSize                 uint32 LE (8192)
//  16      8     FileSize                 uint64 LE (bytes)
//  24      8     TotalPageCount           uint64 LE
//  32      8     PrimaryIndexRoot         uint64 LE (PageID)
//  40      8     AttributeIndexRoot       uint64 LE (PageID)
//  48      8     EntityAttributeIndexRoot uint64 LE (PageID)
//  56      8     BitmapRootPage           uint64 LE (PageID of bitmap page 1)
//  64      8     BitmapPageCount          uint64 LE
//  72      8     LastCheckpointLSN        uint64 LE
//  80      16    LastCheckpointHLC        (physical u64, logical u32, node u32)
//  96      8     LastWALLSN               uint64 LE
//  104     8     WALRegionStart           uint64 LE (byte offset in file)
//  112     8     WALRegionEnd             uint64 LE (byte offset, exclusive)
//  120     8     WALRegionCapacity        uint64 LE (bytes)
//  128     8     ActiveTxnCount           uint64 LE
//  136     8     NextTxnID                uint64 LE
//  144     4     SchemaVersion            uint32 LE
//  148     4     Reserved0                uint32 LE
//  152     8     TombstoneHeadPage        uint64 LE
//  160     8     TombstoneHeadSlot        uint64 LE
//  168     8     TombstoneTailPage        uint64 LE
//  176     8     TombstoneTailSlot        uint64 LE
//  184     8     TombstoneCount           uint64 LE
//  192     4     Checksum                 uint32 LE (CRC32 IEEE over bytes 0..191)
//  196..   —     Reserved (zero-filled) up to PageSize

const (
	// SuperblockMagic identifies a valid triple-store database file.
	SuperblockMagic = "ENSOTRPL"

	// CurrentFormatVersion is the on-disk format version.
	CurrentFormatVersion uint32 = 1

	sbMagicOff                   = 0
	sbFormatVersionOff           = sbMagicOff + 8         // 8
	sbPageSizeOff                = sbFormatVersionOff + 4 // 12
	sbFileSizeOff                = sbPageSizeOff + 4      // 16
	sbTotalPageCountOff          = sbFileSizeOff + 8      // 24
	sbPrimaryIndexRootOff        = sbTotalPageCountOff + 8
	sbAttributeIndexRootOff      = sbPrimaryIndexRootOff + 8
	sbEntityAttributeIndexOff    = sbAttributeIndexRootOff + 8
	sbBitmapRootPageOff          = sbEntityAttributeIndexOff + 8
	sbBitmapPageCountOff         = sbBitmapRootPageOff + 8
	sbLastCheckpointLSNOff       = sbBitmapPageCountOff + 8
	sbLastCheckpointHLCOff       = sbLastCheckpointLSNOff + 8 // 80
	sbLastWALLSNOff              = sbLastCheckpointHLCOff + 16
	sbWALRegionStartOff          = sbLastWALLSNOff + 8
	sbWALRegionEndOff            = sbWALRegionStartOff + 8
	sbWALRegionCapacityOff       = sbWALRegionEndOff + 8
	sbActiveTxnCountOff          = sbWALRegionCapacityOff + 8
	sbNextTxnIDOff               = sbActiveTxnCountOff + 8
	sbSchemaVersionOff           = sbNextTxnIDOff + 8
	sbReserved0Off               = sbSchemaVersionOff + 4
	sbTombstoneHeadPageOff       = sbReserved0Off + 4 // 152
	sbTombstoneHeadSlotOff       = sbTombstoneHeadPageOff + 8
	sbTombstoneTailPageOff       = sbTombstoneHeadSlotOff + 8
	sbTombstoneTailSlotOff       = sbTombstoneTailPageOff + 8
	sbTombstoneCountOff          = sbTombstoneTailSlotOff + 8
	sbChecksumOff                = sbTombstoneCountOff + 8 // 192
	SuperblockEncodedSize        = sbChecksumOff + 4        // 196
)

// HLCBytes is the on-disk/wire encoding of a Clock value: 16 bytes, little
// endian, (physical_time_ms u64, logical_counter u32, node_id u32).
type HLCBytes [16]byte

// Superblock holds the parsed contents of page 0.
type Superblock struct {
	FormatVersion uint32
	PageSize      uint32
	FileSize      uint64
	TotalPageCount uint64

	PrimaryIndexRoot         PageID
	AttributeIndexRoot       PageID
	EntityAttributeIndexRoot PageID

	BitmapRootPage  PageID
	BitmapPageCount uint64

	LastCheckpointLSN LSN
	LastCheckpointHLC HLCBytes

	LastWALLSN        LSN
	WALRegionStart    uint64
	WALRegionEnd      uint64
	WALRegionCapacity uint64

	ActiveTxnCount uint64
	NextTxnID      TxID
	SchemaVersion  uint32

	TombstoneHeadPage PageID
	TombstoneHeadSlot uint64
	TombstoneTailPage PageID
	TombstoneTailSlot uint64
	TombstoneCount    uint64
}

// MarshalSuperblock serializes a Superblock into a full page buffer of
// pageSize bytes. Unlike every other page, no common PageHeader is written;
// the superblock's own checksum field guards the page instead.
func MarshalSuperblock(sb *Superblock, pageSize int) []byte {
	buf := make([]byte, pageSize)

	copy(buf[sbMagicOff:sbMagicOff+8], SuperblockMagic)
	binary.LittleEndian.PutUint32(buf[sbFormatVersionOff:], sb.FormatVersion)
	binary.LittleEndian.PutUint32(buf[sbPageSizeOff:], sb.PageSize)
	binary.LittleEndian.PutUint64(buf[sbFileSizeOff:], sb.FileSize)
	binary.LittleEndian.PutUint64(buf[sbTotalPageCountOff:], sb.TotalPageCount)
	binary.LittleEndian.PutUint64(buf[sbPrimaryIndexRootOff:], uint64(sb.PrimaryIndexRoot))
	binary.LittleEndian.PutUint64(buf[sbAttributeIndexRootOff:], uint64(sb.AttributeIndexRoot))
	binary.LittleEndian.PutUint64(buf[sbEntityAttributeIndexOff:], uint64(sb.EntityAttributeIndexRoot))
	binary.LittleEndian.PutUint64(buf[sbBitmapRootPageOff:], uint64(sb.BitmapRootPage))
	binary.LittleEndian.PutUint64(buf[sbBitmapPageCountOff:], sb.BitmapPageCount)
	binary.LittleEndian.PutUint64(buf[sbLastCheckpointLSNOff:], uint64(sb.LastCheckpointLSN))
	copy(buf[sbLastCheckpointHLCOff:sbLastCheckpointHLCOff+16], sb.LastCheckpointHLC[:])
	binary.LittleEndian.PutUint64(buf[sbLastWALLSNOff:], uint64(sb.LastWALLSN))
	binary.LittleEndian.PutUint64(buf[sbWALRegionStartOff:], sb.WALRegionStart)
	binary.LittleEndian.PutUint64(buf[sbWALRegionEndOff:], sb.WALRegionEnd)
	binary.LittleEndian.PutUint64(buf[sbWALRegionCapacityOff:], sb.WALRegionCapacity)
	binary.LittleEndian.PutUint64(buf[sbActiveTxnCountOff:], sb.ActiveTxnCount)
	binary.LittleEndian.PutUint64(buf[sbNextTxnIDOff:], uint64(sb.NextTxnID))
	binary.LittleEndian.PutUint32(buf[sbSchemaVersionOff:], sb.SchemaVersion)
	binary.LittleEndian.PutUint64(buf[sbTombstoneHeadPageOff:], uint64(sb.TombstoneHeadPage))
	binary.LittleEndian.PutUint64(buf[sbTombstoneHeadSlotOff:], sb.TombstoneHeadSlot)
	binary.LittleEndian.PutUint64(buf[sbTombstoneTailPageOff:], uint64(sb.TombstoneTailPage))
	binary.LittleEndian.PutUint64(buf[sbTombstoneTailSlotOff:], sb.TombstoneTailSlot)
	binary.LittleEndian.PutUint64(buf[sbTombstoneCountOff:], sb.TombstoneCount)

	c := crc32.ChecksumIEEE(buf[:sbChecksumOff])
	binary.LittleEndian.PutUint32(buf[sbChecksumOff:], c)
	return buf
}

// UnmarshalSuperblock decodes page 0 from buf, validating magic, format
// version, and checksum.
func UnmarshalSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < SuperblockEncodedSize {
		return nil, fmt.Errorf("superblock too small: %d bytes", len(buf))
	}
	magic := string(buf[sbMagicOff : sbMagicOff+8])
	if magic != SuperblockMagic {
		return nil, fmt.Errorf("%w: bad magic %q, expected %q", ErrInvalidHeader, magic, SuperblockMagic)
	}
	stored := binary.LittleEndian.Uint32(buf[sbChecksumOff:])
	computed := crc32.ChecksumIEEE(buf[:sbChecksumOff])
	if stored != computed {
		return nil, fmt.Errorf("%w: superblock checksum stored=%08x computed=%08x", ErrChecksumMismatch, stored, computed)
	}

	sb := &Superblock{
		FormatVersion:            binary.LittleEndian.Uint32(buf[sbFormatVersionOff:]),
		PageSize:                 binary.LittleEndian.Uint32(buf[sbPageSizeOff:]),
		FileSize:                 binary.LittleEndian.Uint64(buf[sbFileSizeOff:]),
		TotalPageCount:           binary.LittleEndian.Uint64(buf[sbTotalPageCountOff:]),
		PrimaryIndexRoot:         PageID(binary.LittleEndian.Uint64(buf[sbPrimaryIndexRootOff:])),
		AttributeIndexRoot:       PageID(binary.LittleEndian.Uint64(buf[sbAttributeIndexRootOff:])),
		EntityAttributeIndexRoot: PageID(binary.LittleEndian.Uint64(buf[sbEntityAttributeIndexOff:])),
		BitmapRootPage:           PageID(binary.LittleEndian.Uint64(buf[sbBitmapRootPageOff:])),
		BitmapPageCount:          binary.LittleEndian.Uint64(buf[sbBitmapPageCountOff:]),
		LastCheckpointLSN:        LSN(binary.LittleEndian.Uint64(buf[sbLastCheckpointLSNOff:])),
		LastWALLSN:               LSN(binary.LittleEndian.Uint64(buf[sbLastWALLSNOff:])),
		WALRegionStart:           binary.LittleEndian.Uint64(buf[sbWALRegionStartOff:]),
		WALRegionEnd:             binary.LittleEndian.Uint64(buf[sbWALRegionEndOff:]),
		WALRegionCapacity:        binary.LittleEndian.Uint64(buf[sbWALRegionCapacityOff:]),
		ActiveTxnCount:           binary.LittleEndian.Uint64(buf[sbActiveTxnCountOff:]),
		NextTxnID:                TxID(binary.LittleEndian.Uint64(buf[sbNextTxnIDOff:])),
		SchemaVersion:            binary.LittleEndian.Uint32(buf[sbSchemaVersionOff:]),
		TombstoneHeadPage:        PageID(binary.LittleEndian.Uint64(buf[sbTombstoneHeadPageOff:])),
		TombstoneHeadSlot:        binary.LittleEndian.Uint64(buf[sbTombstoneHeadSlotOff:]),
		TombstoneTailPage:        PageID(binary.LittleEndian.Uint64(buf[sbTombstoneTailPageOff:])),
		TombstoneTailSlot:        binary.LittleEndian.Uint64(buf[sbTombstoneTailSlotOff:]),
		TombstoneCount:           binary.LittleEndian.Uint64(buf[sbTombstoneCountOff:]),
	}
	copy(sb.LastCheckpointHLC[:], buf[sbLastCheckpointHLCOff:sbLastCheckpointHLCOff+16])

	if sb.FormatVersion != CurrentFormatVersion {
		return nil, fmt.Errorf("unsupported format version %d (this build supports %d)",
			sb.FormatVersion, CurrentFormatVersion)
	}
	if sb.PageSize == 0 || sb.PageSize&(sb.PageSize-1) != 0 {
		return nil, fmt.Errorf("%w: page size %d is not a positive power of two", ErrInvalidConfig, sb.PageSize)
	}
	return sb, nil
}

// NewSuperblock creates a default Superblock for a newly created database.
// Only the WAL capacity is set; the WAL region bounds are left zero and the
// three index roots start out empty (InvalidPageID). Pager.bootstrap fills
// them in as it lays out the initial file, placing the WAL region after the
// index root pages.
func NewSuperblock(pageSize uint32, walCapacityBytes uint64) *Superblock {
	return &Superblock{
		FormatVersion:            CurrentFormatVersion,
		PageSize:                 pageSize,
		TotalPageCount:           1,
		PrimaryIndexRoot:         InvalidPageID,
		AttributeIndexRoot:       InvalidPageID,
		EntityAttributeIndexRoot: InvalidPageID,
		BitmapRootPage:           InvalidPageID,
		NextTxnID:                1,
		SchemaVersion:            1,
		WALRegionCapacity:        walCapacityBytes,
		TombstoneHeadPage:        InvalidPageID,
		TombstoneTailPage:        InvalidPageID,
	}
}
