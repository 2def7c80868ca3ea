package pager

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// Buffer Pool / Pager
// ───────────────────────────────────────────────────────────────────────────
//
// The Pager is the central I/O layer. It manages the database file, the
// circular in-file WAL, the buffer pool (page cache with dirty tracking),
// the bitmap page allocator, and the superblock. All page reads and writes
// go through the Pager so CRC validation and WAL logging happen
// automatically. Three B-tree roots (primary, attribute, entity-attribute
// indices) are bootstrapped on first open; higher layers address them via
// Superblock().PrimaryIndexRoot etc.

// DefaultWALCapacityBytes is the size of the circular WAL region carved out
// of the database file for a freshly created database.
const DefaultWALCapacityBytes = 4 * 1024 * 1024

// PageFrame is an in-memory cached page.
type PageFrame struct {
	id     PageID
	buf    []byte
	dirty  bool
	lsn    LSN
	pinned int
	prev   *PageFrame
	next   *PageFrame
}

// BufferPoolConfig configures the page buffer pool.
type BufferPoolConfig struct {
	MaxPages int // maximum number of cached pages (default 1024)
}

// PageBufferPool is an LRU page cache with dirty-page tracking.
type PageBufferPool struct {
	mu       sync.Mutex
	maxPages int
	pages    map[PageID]*PageFrame
	head     *PageFrame
	tail     *PageFrame
}

func newPageBufferPool(maxPages int) *PageBufferPool {
	if maxPages <= 0 {
		maxPages = 1024
	}
	return &PageBufferPool{
		maxPages: maxPages,
		pages:    make(map[PageID]*PageFrame, maxPages),
	}
}

func (bp *PageBufferPool) get(id PageID) (*PageFrame, bool) {
	f, ok := bp.pages[id]
	if ok {
		bp.moveToFront(f)
	}
	return f, ok
}

func (bp *PageBufferPool) put(f *PageFrame) {
	if _, exists := bp.pages[f.id]; exists {
		bp.moveToFront(f)
		return
	}
	for len(bp.pages) >= bp.maxPages {
		if !bp.evictOne() {
			break
		}
	}
	bp.pages[f.id] = f
	bp.pushFront(f)
}

func (bp *PageBufferPool) remove(id PageID) {
	f, ok := bp.pages[id]
	if !ok {
		return
	}
	bp.unlink(f)
	delete(bp.pages, id)
}

func (bp *PageBufferPool) evictOne() bool {
	for f := bp.tail; f != nil; f = f.prev {
		if f.pinned == 0 {
			bp.unlink(f)
			delete(bp.pages, f.id)
			return true
		}
	}
	return false
}

func (bp *PageBufferPool) dirtyPages() []*PageFrame {
	var out []*PageFrame
	for _, f := range bp.pages {
		if f.dirty {
			out = append(out, f)
		}
	}
	return out
}

func (bp *PageBufferPool) pushFront(f *PageFrame) {
	f.prev = nil
	f.next = bp.head
	if bp.head != nil {
		bp.head.prev = f
	}
	bp.head = f
	if bp.tail == nil {
		bp.tail = f
	}
}

func (bp *PageBufferPool) unlink(f *PageFrame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		bp.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		bp.tail = f.prev
	}
	f.prev = nil
	f.next = nil
}

func (bp *PageBufferPool) moveToFront(f *PageFrame) {
	bp.unlink(f)
	bp.pushFront(f)
}

// ───────────────────────────────────────────────────────────────────────────
// Pager
// ───────────────────────────────────────────────────────────────────────────

// PagerConfig configures a Pager.
type PagerConfig struct {
	DBPath          string
	PageSize        int
	MaxCachePages   int   // buffer pool capacity (0 = default 1024)
	WALCapacityBytes uint64 // circular WAL region size for a new database
}

// Pager manages page-level I/O, the circular WAL, the buffer pool, and the
// bitmap page allocator.
type Pager struct {
	mu       sync.RWMutex
	file     *os.File
	wal      *WAL
	pool     *PageBufferPool
	sb       *Superblock
	bitmap   *Allocator
	pageSize int
	path     string
	closed   bool
}

// OpenPager opens or creates a page-based database file.
func OpenPager(cfg PagerConfig) (*Pager, error) {
	ps := cfg.PageSize
	if ps == 0 {
		ps = DefaultPageSize
	}
	if ps <= 0 || ps&(ps-1) != 0 {
		return nil, fmt.Errorf("%w: invalid page size %d", ErrInvalidConfig, ps)
	}
	walCap := cfg.WALCapacityBytes
	if walCap == 0 {
		walCap = DefaultWALCapacityBytes
	}

	isNew := false
	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		isNew = true
	}

	f, err := os.OpenFile(cfg.DBPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open db file: %w", err)
	}

	p := &Pager{
		file:     f,
		pageSize: ps,
		path:     cfg.DBPath,
		pool:     newPageBufferPool(cfg.MaxCachePages),
	}

	if isNew {
		if err := p.bootstrap(ps, walCap); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		sb, err := p.readSuperblock()
		if err != nil {
			f.Close()
			return nil, err
		}
		p.sb = sb
		p.pageSize = int(sb.PageSize)

		bitmapPages := make([][]byte, sb.BitmapPageCount)
		for i := range bitmapPages {
			buf, err := p.readPageRaw(PageID(uint64(sb.BitmapRootPage) + uint64(i)))
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("load bitmap: %w", err)
			}
			bitmapPages[i] = buf
		}
		p.bitmap = AllocatorFromPages(bitmapPages, int(sb.TotalPageCount), p.pageSize)

		p.wal = OpenWAL(f, sb.WALRegionStart, sb.WALRegionCapacity, sb.LastWALLSN+1, p.Checkpoint)
		if err := p.Recover(); err != nil {
			f.Close()
			return nil, fmt.Errorf("WAL recovery: %w", err)
		}
	}

	return p, nil
}

// bootstrap lays out a freshly created database file: superblock, bitmap
// pages, the three empty index-root leaf pages, and the WAL region.
func (p *Pager) bootstrap(pageSize int, walCap uint64) error {
	const initialRootPages = 3 // primary, attribute, entity-attribute indices
	bitmapPages := BitmapPagesNeeded(1+initialRootPages, pageSize)
	totalPages := 1 + bitmapPages + initialRootPages

	p.bitmap = NewAllocator(totalPages, pageSize)

	rootIDs := make([]PageID, initialRootPages)
	for i := range rootIDs {
		id, err := p.bitmap.Allocate()
		if err != nil {
			return fmt.Errorf("bootstrap: allocate index root: %w", err)
		}
		rootIDs[i] = id
	}

	walRegionStart := uint64(totalPages) * uint64(pageSize)

	sb := NewSuperblock(uint32(pageSize), walCap)
	sb.TotalPageCount = uint64(totalPages)
	sb.PrimaryIndexRoot = rootIDs[0]
	sb.AttributeIndexRoot = rootIDs[1]
	sb.EntityAttributeIndexRoot = rootIDs[2]
	sb.BitmapRootPage = PageID(1)
	sb.BitmapPageCount = uint64(bitmapPages)
	sb.WALRegionStart = walRegionStart
	sb.WALRegionEnd = walRegionStart + walCap
	sb.FileSize = walRegionStart + walCap
	p.sb = sb

	if err := p.file.Truncate(int64(sb.FileSize)); err != nil {
		return fmt.Errorf("bootstrap: size file: %w", err)
	}

	sbBuf := MarshalSuperblock(sb, pageSize)
	if _, err := p.file.WriteAt(sbBuf, 0); err != nil {
		return fmt.Errorf("bootstrap: write superblock: %w", err)
	}

	for i, buf := range p.bitmap.ToPages() {
		if _, err := p.file.WriteAt(buf, int64(uint64(1+i)*uint64(pageSize))); err != nil {
			return fmt.Errorf("bootstrap: write bitmap page: %w", err)
		}
	}

	for _, id := range rootIDs {
		buf := make([]byte, pageSize)
		InitBTreePage(buf, true)
		SetPageCRC(buf)
		if err := p.writePageRaw(id, buf); err != nil {
			return fmt.Errorf("bootstrap: write index root: %w", err)
		}
	}

	if err := p.file.Sync(); err != nil {
		return err
	}

	p.wal = OpenWAL(p.file, sb.WALRegionStart, sb.WALRegionCapacity, 1, p.Checkpoint)
	return nil
}

func (p *Pager) readSuperblock() (*Superblock, error) {
	buf := make([]byte, p.pageSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	return UnmarshalSuperblock(buf)
}

// readPageRaw reads a page directly from the database file (no cache). Page
// 0 is the superblock, which carries its own magic/checksum trailer
// (superblock.go) rather than the generic page header CRC, so it is read
// without VerifyPageCRC.
func (p *Pager) readPageRaw(id PageID) ([]byte, error) {
	buf := make([]byte, p.pageSize)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("read page %d: %w", id, err)
	}
	if id == 0 {
		return buf, nil
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writePageRaw writes a page directly to the database file (no cache). Page
// 0 is skipped by SetPageCRC: its checksum field (superblock.go, offset 192)
// doesn't overlap the generic page-header CRC field at [2:6], but that
// offset does overlap the superblock's own Magic bytes, so stamping a page
// CRC into it would corrupt the magic on every superblock write.
func (p *Pager) writePageRaw(id PageID, buf []byte) error {
	if id != 0 {
		SetPageCRC(buf)
	}
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("write page %d: %w", id, err)
	}
	return nil
}

// ── Public page I/O ───────────────────────────────────────────────────────

// ReadPage returns a page by ID, pinning it in the buffer pool. Call
// UnpinPage when done.
func (p *Pager) ReadPage(id PageID) ([]byte, error) {
	p.pool.mu.Lock()
	if f, ok := p.pool.get(id); ok {
		f.pinned++
		p.pool.mu.Unlock()
		return f.buf, nil
	}
	p.pool.mu.Unlock()

	buf, err := p.readPageRaw(id)
	if err != nil {
		return nil, err
	}
	f := &PageFrame{id: id, buf: buf, pinned: 1}
	p.pool.mu.Lock()
	p.pool.put(f)
	p.pool.mu.Unlock()
	return buf, nil
}

// UnpinPage decrements the pin count.
func (p *Pager) UnpinPage(id PageID) {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	if f, ok := p.pool.get(id); ok && f.pinned > 0 {
		f.pinned--
	}
}

// WritePage logs the full page image to the WAL, then updates the buffer
// pool, marking the page dirty. The caller should have called BeginTx
// beforehand; the caller is also responsible for setting the page's CRC
// before calling WritePage.
func (p *Pager) WritePage(txID TxID, id PageID, buf []byte) error {
	rec := &WALRecord{
		Type:   WALRecordPut,
		TxID:   txID,
		PageID: id,
		Payload: append([]byte(nil), buf...),
	}
	if _, err := p.wal.AppendRecord(rec); err != nil {
		return fmt.Errorf("WAL write page %d: %w", id, err)
	}

	p.pool.mu.Lock()
	f, ok := p.pool.get(id)
	if !ok {
		f = &PageFrame{id: id, buf: make([]byte, p.pageSize)}
		p.pool.put(f)
	}
	copy(f.buf, buf)
	f.dirty = true
	f.lsn = rec.LSN
	p.pool.mu.Unlock()
	return nil
}

// LogChange appends a logical WAL record (Insert, Update, or Delete)
// alongside the physical page writes already logged for txID. It bypasses
// the buffer pool entirely — there is no page behind it, only a record for
// anything tailing the log for the operation itself rather than the pages
// it touched.
func (p *Pager) LogChange(txID TxID, typ WALRecordType, hlc HLCBytes, payload []byte) error {
	rec := &WALRecord{
		Type:    typ,
		TxID:    txID,
		HLC:     hlc,
		Payload: append([]byte(nil), payload...),
	}
	_, err := p.wal.AppendRecord(rec)
	if err != nil {
		return fmt.Errorf("WAL log change: %w", err)
	}
	return nil
}

// ── Transaction management ───────────────────────────────────────────────

// BeginTx starts a new transaction and writes a BEGIN record to the WAL.
func (p *Pager) BeginTx() (TxID, error) {
	p.mu.Lock()
	txID := p.sb.NextTxnID
	p.sb.NextTxnID++
	p.mu.Unlock()

	rec := &WALRecord{Type: WALRecordBegin, TxID: txID}
	if _, err := p.wal.AppendRecord(rec); err != nil {
		return 0, err
	}
	return txID, nil
}

// CommitTx writes a COMMIT record and fsyncs the WAL.
func (p *Pager) CommitTx(txID TxID) error {
	rec := &WALRecord{Type: WALRecordCommit, TxID: txID}
	if _, err := p.wal.AppendRecord(rec); err != nil {
		return err
	}
	return p.wal.Sync()
}

// AbortTx writes an ABORT record. Dirty pages for this transaction are
// simply never replayed on recovery, since replay is commit-gated.
func (p *Pager) AbortTx(txID TxID) error {
	rec := &WALRecord{Type: WALRecordAbort, TxID: txID}
	_, err := p.wal.AppendRecord(rec)
	return err
}

// ── Page allocation ───────────────────────────────────────────────────────

// AllocPage allocates a new page from the bitmap, expanding the file and
// bitmap if the database has no free pages left. Returns the page ID and a
// zeroed, pinned buffer.
func (p *Pager) AllocPage() (PageID, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, err := p.bitmap.Allocate()
	if err != nil {
		if err := p.expandLocked(); err != nil {
			return InvalidPageID, nil, err
		}
		id, err = p.bitmap.Allocate()
		if err != nil {
			return InvalidPageID, nil, fmt.Errorf("%w: after expansion", ErrBufferPoolExhausted)
		}
	}

	buf := make([]byte, p.pageSize)
	f := &PageFrame{id: id, buf: buf, pinned: 1}
	p.pool.mu.Lock()
	p.pool.put(f)
	p.pool.mu.Unlock()
	return id, buf, nil
}

// expandLocked doubles the page capacity tracked by the bitmap and grows
// the file to match. Must be called with p.mu held.
func (p *Pager) expandLocked() error {
	newTotal := p.bitmap.totalPages * 2
	if newTotal == 0 {
		newTotal = 16
	}
	p.bitmap.Expand(newTotal)
	newSize := int64(newTotal) * int64(p.pageSize)
	if newSize < int64(p.sb.WALRegionEnd) {
		newSize = int64(p.sb.WALRegionEnd)
	}
	if err := p.file.Truncate(newSize); err != nil {
		return fmt.Errorf("expand file: %w", err)
	}
	p.sb.TotalPageCount = uint64(newTotal)
	return nil
}

// FreePage marks a page id as unallocated and evicts it from the cache.
func (p *Pager) FreePage(pid PageID) error {
	p.mu.Lock()
	p.bitmap.Free(pid)
	p.mu.Unlock()
	p.pool.mu.Lock()
	p.pool.remove(pid)
	p.pool.mu.Unlock()
	return nil
}

// ── Checkpoint ────────────────────────────────────────────────────────────

// Checkpoint flushes every dirty page and the bitmap to the database file,
// writes an updated superblock, fsyncs, and resets the WAL region. It is
// also invoked synchronously by the WAL whenever an append would otherwise
// wrap over not-yet-durable records.
func (p *Pager) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pool.mu.Lock()
	dirty := p.pool.dirtyPages()
	for _, f := range dirty {
		if err := p.writePageRaw(f.id, f.buf); err != nil {
			p.pool.mu.Unlock()
			return fmt.Errorf("checkpoint flush page %d: %w", f.id, err)
		}
		f.dirty = false
	}
	p.pool.mu.Unlock()

	bitmapPages := p.bitmap.ToPages()
	for i, buf := range bitmapPages {
		id := PageID(uint64(p.sb.BitmapRootPage) + uint64(i))
		if err := p.writePageRaw(id, buf); err != nil {
			return fmt.Errorf("checkpoint bitmap page: %w", err)
		}
	}
	p.sb.BitmapPageCount = uint64(len(bitmapPages))

	if p.wal != nil {
		p.sb.LastWALLSN = p.wal.NextLSN() - 1
	}
	sbBuf := MarshalSuperblock(p.sb, p.pageSize)
	if err := p.writePageRaw(0, sbBuf); err != nil {
		return fmt.Errorf("checkpoint superblock: %w", err)
	}

	if err := p.file.Sync(); err != nil {
		return err
	}

	if p.wal != nil {
		// The record always reports 0 active transactions. A checkpoint
		// started by Database.Checkpoint, the scheduler or a commit
		// threshold runs with no write transaction in flight; one forced by
		// a wrapping WAL.AppendRecord runs in the middle of the writer's
		// appends, and that transaction is not counted here.
		payload := make([]byte, 16)
		binary.LittleEndian.PutUint64(payload[0:8], uint64(p.sb.NextTxnID))
		binary.LittleEndian.PutUint64(payload[8:16], 0)
		ckpt := &WALRecord{Type: WALRecordCheckpoint, Payload: payload}
		if _, err := p.wal.AppendRecord(ckpt); err != nil {
			return fmt.Errorf("checkpoint record: %w", err)
		}
		return p.wal.Reset()
	}
	return nil
}

// ── Superblock access ─────────────────────────────────────────────────────

// Superblock returns a copy of the current superblock.
func (p *Pager) Superblock() Superblock {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.sb
}

// PersistSuperblock mutates the in-memory superblock via fn and writes the
// result through the same WAL-logged, buffer-pool-dirtying path as any
// other page write, tying the superblock update to txID's commit: it
// becomes durable exactly when the rest of that transaction's pages do,
// instead of waiting for the next periodic Checkpoint. Callers must invoke
// this before Pager.CommitTx(txID) so the superblock write is covered by
// that commit's fsync.
func (p *Pager) PersistSuperblock(txID TxID, fn func(sb *Superblock)) error {
	p.mu.Lock()
	fn(p.sb)
	buf := MarshalSuperblock(p.sb, p.pageSize)
	p.mu.Unlock()
	return p.WritePage(txID, 0, buf)
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.pageSize }

// ── Close ─────────────────────────────────────────────────────────────────

// Close performs a final checkpoint and closes the database file.
func (p *Pager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.Checkpoint(); err != nil {
		_ = p.file.Close()
		return err
	}
	return p.file.Close()
}

// Path returns the database file path.
func (p *Pager) Path() string { return p.path }
