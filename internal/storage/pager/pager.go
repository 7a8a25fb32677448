package pager

import (
	"bytes"
	"encoding/binary"
	"os"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

// ───────────────────────────────────────────────────────────────────────────
// Buffer Pool / Pager
// ───────────────────────────────────────────────────────────────────────────
//
// The Pager is the central I/O layer. It manages the database file, the WAL,
// the buffer pool (page cache with dirty tracking), the free-list, and the
// superblock. All page reads and writes go through the Pager so that CRC
// validation and WAL logging happen automatically, and the write-ahead-log
// rule is upheld: a dirty page is only flushed to the data file once the WAL
// is durable through that page's LSN.

// ErrBufferPoolExhausted is returned when the pool is at capacity and
// every resident page is pinned, so admitting a new page has no victim to
// evict (spec's BufferPoolError::Exhausted).
var ErrBufferPoolExhausted = errors.New("buffer pool exhausted: all pages pinned")

// PageFrame is an in-memory cached page.
type PageFrame struct {
	id     PageID
	buf    []byte
	dirty  bool
	lsn    LSN // LSN of last modification
	pinned int // pin count (>0 = cannot evict)
	prev   *PageFrame
	next   *PageFrame
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

func (bp *PageBufferPool) put(f *PageFrame) error {
	if _, exists := bp.pages[f.id]; exists {
		bp.moveToFront(f)
		return nil
	}
	for len(bp.pages) >= bp.maxPages {
		if !bp.evictOne() {
			return ErrBufferPoolExhausted
		}
	}
	bp.pages[f.id] = f
	bp.pushFront(f)
	return nil
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
// PageGuard — scoped pin/unpin capability
// ───────────────────────────────────────────────────────────────────────────

// PageGuard wraps a fetched page and its pin, so callers cannot forget to
// unpin it. It has no dirty flag of its own: a modified page reaches the
// buffer pool as dirty only through Pager.WritePage.
type PageGuard struct {
	pager *Pager
	id    PageID
	buf   []byte
	done  bool
}

// Bytes returns the page's backing buffer.
func (g *PageGuard) Bytes() []byte { return g.buf }

// PageID returns the guarded page's id.
func (g *PageGuard) PageID() PageID { return g.id }

// Unpin releases the pin. Safe to call multiple times.
func (g *PageGuard) Unpin() {
	if g.done {
		return
	}
	g.done = true
	g.pager.UnpinPage(g.id)
}

// ───────────────────────────────────────────────────────────────────────────
// Pager
// ───────────────────────────────────────────────────────────────────────────

// PagerConfig configures a Pager.
type PagerConfig struct {
	DBPath        string
	WALPath       string
	PageSize      int
	MaxCachePages int // buffer pool capacity (0 = default 1024)
}

// Pager manages page-level I/O, WAL, buffer pool, and free-list.
type Pager struct {
	mu         sync.RWMutex
	file       *os.File
	wal        *WALFile
	pool       *PageBufferPool
	sb         *Superblock
	freeMgr    *FreeManager
	pageSize   int
	path       string
	walPath    string
	closed     bool
	fetchCount int64 // pages fetched from the cache or disk, for EXPLAIN-style cost accounting

	txMu      sync.Mutex
	txLastLSN map[TxID]LSN // active transactions' most recent WAL record
}

// OpenPager opens or creates a page-based database.
func OpenPager(cfg PagerConfig) (*Pager, error) {
	ps := cfg.PageSize
	if ps == 0 {
		ps = DefaultPageSize
	}
	if ps < MinPageSize || ps > MaxPageSize || ps&(ps-1) != 0 {
		return nil, errors.Errorf("invalid page size %d", ps)
	}

	isNew := false
	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		isNew = true
	}

	var f *os.File
	var err error
	if isNew {
		sb := NewSuperblock(uint32(ps))
		buf := MarshalSuperblock(sb, ps)
		if err := atomic.WriteFile(cfg.DBPath, bytes.NewReader(buf)); err != nil {
			return nil, errors.Wrap(err, "create db file")
		}
		f, err = os.OpenFile(cfg.DBPath, os.O_RDWR, 0644)
		if err != nil {
			return nil, errors.Wrap(err, "open new db file")
		}
	} else {
		f, err = os.OpenFile(cfg.DBPath, os.O_RDWR, 0644)
		if err != nil {
			return nil, errors.Wrap(err, "open db file")
		}
	}

	p := &Pager{
		file:      f,
		pageSize:  ps,
		path:      cfg.DBPath,
		walPath:   cfg.WALPath,
		pool:      newPageBufferPool(cfg.MaxCachePages),
		freeMgr:   NewFreeManager(),
		txLastLSN: make(map[TxID]LSN),
	}

	if isNew {
		sb, err := p.readSuperblock()
		if err != nil {
			f.Close()
			return nil, err
		}
		p.sb = sb
	} else {
		sb, err := p.readSuperblock()
		if err != nil {
			f.Close()
			return nil, err
		}
		p.sb = sb
		p.pageSize = int(sb.PageSize)

		if sb.FreeListRoot != InvalidPageID {
			if err := p.freeMgr.LoadFromDisk(sb.FreeListRoot, p.readPageRaw); err != nil {
				f.Close()
				return nil, errors.Wrap(err, "load freelist")
			}
		}
	}

	walPath := cfg.WALPath
	if walPath == "" {
		walPath = cfg.DBPath + ".wal"
	}
	p.walPath = walPath
	wf, err := OpenWALFile(walPath, p.pageSize)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "open WAL file")
	}
	p.wal = wf

	if !isNew {
		if err := p.Recover(); err != nil {
			wf.Close()
			f.Close()
			return nil, errors.Wrap(err, "WAL recovery")
		}
	}

	return p, nil
}

func (p *Pager) readSuperblock() (*Superblock, error) {
	buf := make([]byte, p.pageSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return nil, errors.Wrap(err, "read superblock")
	}
	return UnmarshalSuperblock(buf)
}

// readPageRaw reads a page directly from the database file (no cache).
func (p *Pager) readPageRaw(id PageID) ([]byte, error) {
	buf := make([]byte, p.pageSize)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.ReadAt(buf, off); err != nil {
		return nil, errors.Wrapf(err, "read page %d", id)
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writePageRaw writes a page directly to the database file (no cache). This
// must only be called once the WAL is durable through the page's LSN (the
// write-ahead-log rule); Pager enforces that at the Checkpoint/Flush call
// sites, not here.
func (p *Pager) writePageRaw(id PageID, buf []byte) error {
	SetPageCRC(buf)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.WriteAt(buf, off); err != nil {
		return errors.Wrapf(err, "write page %d", id)
	}
	return nil
}

// ── Public page I/O ───────────────────────────────────────────────────────

// FetchPage returns a pinned PageGuard for the given page, pulling from the
// buffer pool cache or disk as needed.
func (p *Pager) FetchPage(id PageID) (*PageGuard, error) {
	buf, err := p.readPageCached(id)
	if err != nil {
		return nil, err
	}
	return &PageGuard{pager: p, id: id, buf: buf}, nil
}

// ReadPage returns a page by ID, using the buffer pool cache.
// The page is pinned in the cache; call UnpinPage when done.
func (p *Pager) ReadPage(id PageID) ([]byte, error) {
	return p.readPageCached(id)
}

func (p *Pager) readPageCached(id PageID) ([]byte, error) {
	p.mu.Lock()
	p.fetchCount++
	p.mu.Unlock()

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
	admitErr := p.pool.put(f)
	p.pool.mu.Unlock()
	if admitErr != nil {
		return nil, admitErr
	}
	return buf, nil
}

// FetchCount returns how many page fetches (cache hit or miss) have
// occurred since the Pager was opened. Used by the planner's cost model.
func (p *Pager) FetchCount() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fetchCount
}

// UnpinPage decrements the pin count.
func (p *Pager) UnpinPage(id PageID) {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	if f, ok := p.pool.get(id); ok && f.pinned > 0 {
		f.pinned--
	}
}

// TxnHandle is the narrow capability the recovery manager needs to chain
// WAL records for a transaction: its id and its position in that
// transaction's log chain. The Pager's own txID-keyed API (BeginTx/
// WritePage/CommitTx/AbortTx below) is what callers outside this package
// use day to day; TxnHandle is what live rollback (rollbackChain, LogCLR,
// LogEnd) is written against, driven by the Pager's own bookkeeping via
// txCursor. Crash recovery's undoChain does not use it: it walks TxIDs
// recovered from the log with the same CLR-writing algorithm.
type TxnHandle interface {
	ID() TxID
	LastLSN() LSN
	SetLastLSN(LSN)
}

// txCursor adapts the Pager's internal txLastLSN bookkeeping to TxnHandle.
type txCursor struct {
	p  *Pager
	id TxID
}

func (c *txCursor) ID() TxID { return c.id }
func (c *txCursor) LastLSN() LSN {
	c.p.txMu.Lock()
	defer c.p.txMu.Unlock()
	return c.p.txLastLSN[c.id]
}
func (c *txCursor) SetLastLSN(lsn LSN) {
	c.p.txMu.Lock()
	defer c.p.txMu.Unlock()
	c.p.txLastLSN[c.id] = lsn
}

// BeginTx allocates a new transaction id, writes its BEGIN record, and
// starts tracking its WAL chain position.
func (p *Pager) BeginTx() (TxID, error) {
	p.mu.Lock()
	txID := p.sb.NextTxID
	p.sb.NextTxID++
	p.mu.Unlock()

	lsn, err := p.wal.AppendRecord(&WALRecord{Type: WALRecordBegin, TxID: txID})
	if err != nil {
		return 0, errors.Wrap(err, "WAL begin")
	}

	p.txMu.Lock()
	p.txLastLSN[txID] = lsn
	p.txMu.Unlock()
	return txID, nil
}

// WritePage logs a PAGE_UPDATE record for txID carrying the page's
// before-image (its current contents, fetched automatically) and the
// supplied after-image, applies the after-image to the buffer pool, and
// marks the page dirty.
func (p *Pager) WritePage(txID TxID, id PageID, after []byte) error {
	before, err := p.currentPageImage(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cur := &txCursor{p: p, id: txID}
	rec := &WALRecord{
		Type:    WALRecordPageUpdate,
		PrevLSN: cur.LastLSN(),
		TxID:    txID,
		PageID:  id,
		Before:  before,
		After:   append([]byte{}, after...),
	}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return errors.Wrapf(err, "WAL write page %d", id)
	}
	cur.SetLastLSN(lsn)

	p.pool.mu.Lock()
	f, ok := p.pool.get(id)
	if !ok {
		f = &PageFrame{id: id, buf: make([]byte, p.pageSize)}
		_ = p.pool.put(f)
	}
	copy(f.buf, after)
	f.dirty = true
	f.lsn = lsn
	p.pool.mu.Unlock()

	return nil
}

// currentPageImage returns a copy of a page's current bytes, from the
// buffer pool if cached, else from disk, else (a page not yet ever
// written) a zeroed buffer — the before-image for its first WritePage.
func (p *Pager) currentPageImage(id PageID) ([]byte, error) {
	p.pool.mu.Lock()
	if f, ok := p.pool.get(id); ok {
		img := append([]byte{}, f.buf...)
		p.pool.mu.Unlock()
		return img, nil
	}
	p.pool.mu.Unlock()

	buf, err := p.readPageRaw(id)
	if err != nil {
		return make([]byte, p.pageSize), nil
	}
	return buf, nil
}

// CurrentLSN returns a transaction's current WAL chain position, for
// marking a savepoint to later roll back to.
func (p *Pager) CurrentLSN(txID TxID) LSN {
	c := &txCursor{p: p, id: txID}
	return c.LastLSN()
}

// RollbackToSavepoint undoes txID's changes back to (but not including)
// targetLSN, leaving the transaction otherwise active. targetLSN must be a
// value previously returned by CurrentLSN for the same transaction.
func (p *Pager) RollbackToSavepoint(txID TxID, targetLSN LSN) error {
	cur := &txCursor{p: p, id: txID}
	return p.rollbackChain(cur, targetLSN)
}

// CommitTx writes a COMMIT record, flushes the WAL so the commit is
// durable, writes the matching END record, and stops tracking the
// transaction's WAL chain position.
func (p *Pager) CommitTx(txID TxID) error {
	cur := &txCursor{p: p, id: txID}
	rec := &WALRecord{Type: WALRecordCommit, PrevLSN: cur.LastLSN(), TxID: txID}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return err
	}
	cur.SetLastLSN(lsn)
	if err := p.wal.Sync(); err != nil {
		return err
	}
	if err := p.LogEnd(cur); err != nil {
		return err
	}
	p.txMu.Lock()
	delete(p.txLastLSN, txID)
	p.txMu.Unlock()
	return nil
}

// AbortTx writes an ABORT record, undoes every change the transaction
// made (via the same CLR-producing chain walk crash recovery uses), and
// stops tracking the transaction.
func (p *Pager) AbortTx(txID TxID) error {
	cur := &txCursor{p: p, id: txID}
	rec := &WALRecord{Type: WALRecordAbort, PrevLSN: cur.LastLSN(), TxID: txID}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return err
	}
	cur.SetLastLSN(lsn)

	if err := p.RollbackTransaction(cur); err != nil {
		return err
	}

	p.txMu.Lock()
	delete(p.txLastLSN, txID)
	p.txMu.Unlock()
	return nil
}

// LogCLR writes a Compensation Log Record during undo: before is the
// pre-update image being restored, undoNextLSN is the next record in the
// transaction's chain still requiring undo once this CLR is itself durable.
func (p *Pager) LogCLR(th TxnHandle, id PageID, before []byte, undoNextLSN LSN) (LSN, error) {
	rec := &WALRecord{
		Type:        WALRecordCLR,
		PrevLSN:     th.LastLSN(),
		TxID:        th.ID(),
		PageID:      id,
		Before:      append([]byte{}, before...),
		UndoNextLSN: undoNextLSN,
	}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return 0, err
	}
	th.SetLastLSN(lsn)

	p.mu.Lock()
	p.pool.mu.Lock()
	f, ok := p.pool.get(id)
	if !ok {
		f = &PageFrame{id: id, buf: make([]byte, p.pageSize)}
		_ = p.pool.put(f)
	}
	copy(f.buf, before)
	f.dirty = true
	f.lsn = lsn
	p.pool.mu.Unlock()
	p.mu.Unlock()

	return lsn, nil
}

// LogEnd writes the END record that closes out a transaction's WAL chain
// (after commit, or after undo has exhausted a rollback).
func (p *Pager) LogEnd(th TxnHandle) error {
	rec := &WALRecord{Type: WALRecordEnd, PrevLSN: th.LastLSN(), TxID: th.ID()}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return err
	}
	th.SetLastLSN(lsn)
	return nil
}

// ── Page allocation ───────────────────────────────────────────────────────

// AllocPage allocates a new page (from the free-list or by extending the file).
// Returns the page ID and a zeroed buffer. The page is pinned in the cache.
func (p *Pager) AllocPage() (PageID, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pid := p.freeMgr.Alloc()
	if pid == InvalidPageID {
		pid = p.sb.NextPageID
		p.sb.NextPageID++
		p.sb.PageCount++
	}
	buf := make([]byte, p.pageSize)
	f := &PageFrame{id: pid, buf: buf, pinned: 1}
	p.pool.mu.Lock()
	_ = p.pool.put(f)
	p.pool.mu.Unlock()
	return pid, buf
}

// FreePage marks a page as free for reuse.
func (p *Pager) FreePage(pid PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeMgr.Free(pid)
	p.pool.mu.Lock()
	p.pool.remove(pid)
	p.pool.mu.Unlock()
}

func (p *Pager) freeOldFreeListChain(head PageID) {
	pid := head
	for pid != InvalidPageID {
		buf, err := p.readPageRaw(pid)
		if err != nil {
			break
		}
		fl := WrapFreeListPage(buf)
		next := fl.NextFreeList()
		p.freeMgr.Free(pid)
		pid = next
	}
}

// ── Checkpoint ────────────────────────────────────────────────────────────

// Checkpoint performs a (simplified, non-fuzzy) ARIES checkpoint: it
// records the current dirty-page table and active-transaction table in a
// CHECKPOINT_BEGIN/CHECKPOINT_END pair, flushes all dirty pages, updates
// the superblock's checkpoint LSN, and truncates the WAL once no
// transaction remains active.
func (p *Pager) Checkpoint() error {
	p.txMu.Lock()
	activeTx := make(map[TxID]LSN, len(p.txLastLSN))
	for id, lsn := range p.txLastLSN {
		activeTx[id] = lsn
	}
	p.txMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	beginRec := &WALRecord{Type: WALRecordCheckpointBegin}
	if _, err := p.wal.AppendRecord(beginRec); err != nil {
		return err
	}

	p.pool.mu.Lock()
	dirty := p.pool.dirtyPages()
	dpt := make(map[PageID]LSN, len(dirty))
	for _, f := range dirty {
		dpt[f.id] = f.lsn
	}
	p.pool.mu.Unlock()

	endRec := &WALRecord{Type: WALRecordCheckpointEnd, DirtyPageTable: dpt, ActiveTxTable: activeTx}
	endLSN, err := p.wal.AppendRecord(endRec)
	if err != nil {
		return err
	}
	if err := p.wal.Sync(); err != nil {
		return err
	}

	p.pool.mu.Lock()
	for _, f := range dirty {
		SetPageCRC(f.buf)
		if err := p.writePageRaw(f.id, f.buf); err != nil {
			p.pool.mu.Unlock()
			return errors.Wrapf(err, "checkpoint flush page %d", f.id)
		}
		f.dirty = false
	}
	p.pool.mu.Unlock()

	oldFLHead := p.sb.FreeListRoot
	if oldFLHead != InvalidPageID {
		p.freeOldFreeListChain(oldFLHead)
	}

	flHead, flPages := p.freeMgr.FlushToDisk(p.pageSize, func() (PageID, []byte) {
		pid := p.sb.NextPageID
		p.sb.NextPageID++
		p.sb.PageCount++
		return pid, make([]byte, p.pageSize)
	})
	for _, fb := range flPages {
		pid := PageID(binary.LittleEndian.Uint32(fb[4:8]))
		if err := p.writePageRaw(pid, fb); err != nil {
			return errors.Wrap(err, "checkpoint freelist page")
		}
	}

	p.sb.FreeListRoot = flHead
	p.sb.CheckpointLSN = endLSN
	sbBuf := MarshalSuperblock(p.sb, p.pageSize)
	if err := p.writePageRaw(0, sbBuf); err != nil {
		return errors.Wrap(err, "checkpoint superblock")
	}

	if err := p.file.Sync(); err != nil {
		return err
	}

	// Only safe to truncate the WAL entirely when there is no active
	// transaction left whose BEGIN predates the checkpoint.
	if len(activeTx) == 0 {
		return p.wal.Truncate()
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

// UpdateSuperblock updates the in-memory superblock fields. It does NOT
// write to disk. Use Checkpoint for that.
func (p *Pager) UpdateSuperblock(fn func(sb *Superblock)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.sb)
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.pageSize }

// WAL exposes the underlying WAL file for the recovery manager and the
// transaction manager's checkpoint daemon.
func (p *Pager) WAL() *WALFile { return p.wal }

// ── Close ─────────────────────────────────────────────────────────────────

// Close performs a final checkpoint and closes all files.
func (p *Pager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.Checkpoint(); err != nil {
		_ = p.wal.Close()
		_ = p.file.Close()
		return err
	}
	if err := p.wal.Close(); err != nil {
		_ = p.file.Close()
		return err
	}
	return p.file.Close()
}

// Path returns the database file path.
func (p *Pager) Path() string { return p.path }

// WALPath returns the WAL file path.
func (p *Pager) WALPath() string { return p.walPath }
