package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// ───────────────────────────────────────────────────────────────────────────
// WAL file format (ARIES-style logical/physiological logging)
// ───────────────────────────────────────────────────────────────────────────
//
// The WAL is an append-only file of fixed-format records. A PAGE_UPDATE
// record has an Offset field and before/after images, so both redo and
// undo are possible from a single record stream; Pager.WritePage always
// logs the whole page at Offset 0, and recovery applies images from the
// start of the page. The stream also holds Compensation Log Records
// (CLRs) written during undo so that rollback is itself durable and
// idempotent across repeated crashes.
//
// WAL file header (first 32 bytes):
//   [0:8]   Magic       "ARIESWAL"
//   [8:12]  Version     uint32 LE (currently 1)
//   [12:16] PageSize    uint32 LE
//   [16:24] Reserved    8 bytes
//   [24:28] HeaderCRC   uint32 LE (CRC of bytes 0:24)
//   [28:32] Padding     4 bytes
//
// WAL record (variable-length, follows header):
//   [0]      RecordType   (1 byte)
//   [1:5]    Reserved     (4 bytes)
//   [5:13]   LSN          (uint64 LE) — assigned on append
//   [13:21]  PrevLSN      (uint64 LE) — this transaction's previous record
//   [21:29]  TxID         (uint64 LE)
//   [29:33]  PageID       (uint32 LE) — PAGE_UPDATE/CLR only
//   [33:37]  Offset       (uint32 LE) — byte offset within the page
//   [37:45]  UndoNextLSN  (uint64 LE) — CLR only: next record to undo after this one
//   [45:49]  BeforeLen    (uint32 LE)
//   [49:53]  AfterLen     (uint32 LE)
//   [53:57]  RecordCRC    (uint32 LE) — CRC of header + payload
//   [57:57+BeforeLen]            Before-image bytes
//   [57+BeforeLen:...+AfterLen]  After-image bytes
//
// Record types:
//   BEGIN(0x01), PAGE_UPDATE(0x02), COMMIT(0x03), ABORT(0x04), END(0x05),
//   CLR(0x06), CHECKPOINT_BEGIN(0x07), CHECKPOINT_END(0x08)
//
// PAGE_UPDATE carries both before- and after-images of the logged page
// (redo re-applies After, undo re-applies Before). CLR carries only
// the before-image (what undo wrote) plus UndoNextLSN so that undo, once
// interrupted by another crash, resumes from the right place without
// re-undoing work already compensated.

const (
	WALMagic       = "ARIESWAL"
	WALVersion     = uint32(1)
	WALFileHdrSize = 32
	WALRecHdrSize  = 57
)

// WALRecordType identifies the kind of WAL record.
type WALRecordType uint8

const (
	WALRecordBegin           WALRecordType = 0x01
	WALRecordPageUpdate      WALRecordType = 0x02
	WALRecordCommit          WALRecordType = 0x03
	WALRecordAbort           WALRecordType = 0x04
	WALRecordEnd             WALRecordType = 0x05
	WALRecordCLR             WALRecordType = 0x06
	WALRecordCheckpointBegin WALRecordType = 0x07
	WALRecordCheckpointEnd   WALRecordType = 0x08
)

func (rt WALRecordType) String() string {
	switch rt {
	case WALRecordBegin:
		return "BEGIN"
	case WALRecordPageUpdate:
		return "PAGE_UPDATE"
	case WALRecordCommit:
		return "COMMIT"
	case WALRecordAbort:
		return "ABORT"
	case WALRecordEnd:
		return "END"
	case WALRecordCLR:
		return "CLR"
	case WALRecordCheckpointBegin:
		return "CHECKPOINT_BEGIN"
	case WALRecordCheckpointEnd:
		return "CHECKPOINT_END"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(rt))
	}
}

// WALRecord is an in-memory representation of a WAL record.
type WALRecord struct {
	Type        WALRecordType
	LSN         LSN
	PrevLSN     LSN // previous record of the same transaction, 0 if none
	TxID        TxID
	PageID      PageID
	Offset      uint32
	UndoNextLSN LSN    // CLR only
	Before      []byte // before-image (PAGE_UPDATE, CLR)
	After       []byte // after-image (PAGE_UPDATE only)

	// DirtyPageTable/ActiveTxTable are carried only on CHECKPOINT_END
	// records; they are not part of the fixed wire header and are
	// serialized into the After field as a simple count-prefixed list.
	DirtyPageTable map[PageID]LSN
	ActiveTxTable  map[TxID]LSN
}

// ───────────────────────────────────────────────────────────────────────────
// WAL writer/reader
// ───────────────────────────────────────────────────────────────────────────

// WALFile manages the append-only WAL file.
type WALFile struct {
	mu         sync.Mutex
	f          *os.File
	path       string
	pageSize   int
	nextLSN    LSN
	flushedLSN LSN
	writePos   int64 // current write offset — avoids Seek syscall
}

// OpenWALFile opens or creates a WAL file. If the file exists, it validates
// the header and truncates any unreadable tail after the last valid record.
// If it does not exist, it writes a new header.
func OpenWALFile(path string, pageSize int) (*WALFile, error) {
	exists := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		exists = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open WAL")
	}

	wf := &WALFile{f: f, path: path, pageSize: pageSize, nextLSN: 1}

	if exists {
		if err := wf.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := wf.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}

	wf.writePos = WALFileHdrSize
	if exists {
		recs, err := ReadAllRecords(path)
		if err == nil {
			for _, r := range recs {
				wf.writePos += int64(WALRecHdrSize + len(r.Before) + len(r.After))
			}
			err = f.Truncate(wf.writePos)
		}
		if err != nil {
			f.Close()
			return nil, errors.Wrap(err, "truncate WAL tail")
		}
	}

	return wf, nil
}

func (wf *WALFile) writeHeader() error {
	var hdr [WALFileHdrSize]byte
	copy(hdr[0:8], WALMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], WALVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(wf.pageSize))
	c := crc32.Checksum(hdr[:24], crcTable)
	binary.LittleEndian.PutUint32(hdr[24:28], c)
	if _, err := wf.f.WriteAt(hdr[:], 0); err != nil {
		return errors.Wrap(err, "write WAL header")
	}
	return wf.f.Sync()
}

func (wf *WALFile) validateHeader() error {
	var hdr [WALFileHdrSize]byte
	n, err := wf.f.ReadAt(hdr[:], 0)
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "read WAL header")
	}
	if n < WALFileHdrSize {
		return fmt.Errorf("WAL header too short: %d bytes", n)
	}
	if string(hdr[0:8]) != WALMagic {
		return fmt.Errorf("bad WAL magic")
	}
	ver := binary.LittleEndian.Uint32(hdr[8:12])
	if ver != WALVersion {
		return fmt.Errorf("unsupported WAL version %d", ver)
	}
	ps := binary.LittleEndian.Uint32(hdr[12:16])
	if int(ps) != wf.pageSize {
		return fmt.Errorf("WAL page size %d != expected %d", ps, wf.pageSize)
	}
	stored := binary.LittleEndian.Uint32(hdr[24:28])
	computed := crc32.Checksum(hdr[:24], crcTable)
	if stored != computed {
		return fmt.Errorf("WAL header CRC mismatch")
	}
	return nil
}

// AppendRecord writes a WAL record and assigns it a monotonic LSN.
// Returns the assigned LSN. The record is not guaranteed durable until
// Sync is called — callers that require durability (COMMIT)
// must follow up explicitly, per the write-ahead-log rule.
func (wf *WALFile) AppendRecord(rec *WALRecord) (LSN, error) {
	wf.mu.Lock()
	defer wf.mu.Unlock()

	lsn := wf.nextLSN
	wf.nextLSN++
	rec.LSN = lsn

	if rec.Type == WALRecordCheckpointEnd && (len(rec.DirtyPageTable) > 0 || len(rec.ActiveTxTable) > 0) {
		rec.After = encodeCheckpointTables(rec.DirtyPageTable, rec.ActiveTxTable)
	}

	data := marshalWALRecord(rec)
	n, err := wf.f.WriteAt(data, wf.writePos)
	if err != nil {
		return 0, errors.Wrap(err, "WAL append")
	}
	wf.writePos += int64(n)
	return lsn, nil
}

// Sync fsyncs the WAL file to guarantee durability of everything appended
// so far, and records the flushed high-water mark.
func (wf *WALFile) Sync() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if err := datasync(wf.f); err != nil {
		return errors.Wrap(err, "WAL sync")
	}
	wf.flushedLSN = wf.nextLSN - 1
	return nil
}

// FlushedLSN returns the highest LSN known to be durable on disk.
func (wf *WALFile) FlushedLSN() LSN {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.flushedLSN
}

// Close closes the WAL file.
func (wf *WALFile) Close() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.f.Close()
}

// Truncate resets the WAL file to just the header (after a checkpoint that
// proved every prior record has been applied to the data file).
func (wf *WALFile) Truncate() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if err := wf.f.Truncate(WALFileHdrSize); err != nil {
		return err
	}
	wf.writePos = WALFileHdrSize
	return wf.f.Sync()
}

// NextLSN returns the next LSN that will be assigned.
func (wf *WALFile) NextLSN() LSN {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.nextLSN
}

// SetNextLSN allows recovery to set the LSN counter.
func (wf *WALFile) SetNextLSN(lsn LSN) {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.nextLSN = lsn
}

// writeSimple appends a record carrying no page image (BEGIN/COMMIT/ABORT/
// END), chained to prevLSN.
func (wf *WALFile) writeSimple(t WALRecordType, txID TxID, prevLSN LSN) error {
	_, err := wf.AppendRecord(&WALRecord{Type: t, TxID: txID, PrevLSN: prevLSN})
	return err
}

// writeCLR appends a Compensation Log Record during undo (crash recovery or
// live rollback) and returns its assigned LSN. prevLSN chains this CLR into
// the transaction's own log chain (distinct from undoNextLSN, which chains
// the *undo walk* past whatever this CLR just compensated for).
func (wf *WALFile) writeCLR(txID TxID, pageID PageID, before []byte, undoNextLSN LSN, prevLSN LSN) (LSN, error) {
	rec := &WALRecord{
		Type:        WALRecordCLR,
		PrevLSN:     prevLSN,
		TxID:        txID,
		PageID:      pageID,
		Before:      append([]byte{}, before...),
		UndoNextLSN: undoNextLSN,
	}
	return wf.AppendRecord(rec)
}

// ───────────────────────────────────────────────────────────────────────────
// Serialization
// ───────────────────────────────────────────────────────────────────────────

func marshalWALRecord(rec *WALRecord) []byte {
	beforeLen := len(rec.Before)
	afterLen := len(rec.After)
	buf := make([]byte, WALRecHdrSize+beforeLen+afterLen)
	buf[0] = byte(rec.Type)
	binary.LittleEndian.PutUint64(buf[5:13], uint64(rec.LSN))
	binary.LittleEndian.PutUint64(buf[13:21], uint64(rec.PrevLSN))
	binary.LittleEndian.PutUint64(buf[21:29], uint64(rec.TxID))
	binary.LittleEndian.PutUint32(buf[29:33], uint32(rec.PageID))
	binary.LittleEndian.PutUint32(buf[33:37], rec.Offset)
	binary.LittleEndian.PutUint64(buf[37:45], uint64(rec.UndoNextLSN))
	binary.LittleEndian.PutUint32(buf[45:49], uint32(beforeLen))
	binary.LittleEndian.PutUint32(buf[49:53], uint32(afterLen))
	off := WALRecHdrSize
	if beforeLen > 0 {
		copy(buf[off:], rec.Before)
		off += beforeLen
	}
	if afterLen > 0 {
		copy(buf[off:], rec.After)
	}

	h := crc32.New(crcTable)
	h.Write(buf[:53])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(buf[WALRecHdrSize:])
	binary.LittleEndian.PutUint32(buf[53:57], h.Sum32())
	return buf
}

func unmarshalWALRecord(r io.Reader) (*WALRecord, error) {
	var hdr [WALRecHdrSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	rec := &WALRecord{
		Type:        WALRecordType(hdr[0]),
		LSN:         LSN(binary.LittleEndian.Uint64(hdr[5:13])),
		PrevLSN:     LSN(binary.LittleEndian.Uint64(hdr[13:21])),
		TxID:        TxID(binary.LittleEndian.Uint64(hdr[21:29])),
		PageID:      PageID(binary.LittleEndian.Uint32(hdr[29:33])),
		Offset:      binary.LittleEndian.Uint32(hdr[33:37]),
		UndoNextLSN: LSN(binary.LittleEndian.Uint64(hdr[37:45])),
	}
	beforeLen := int(binary.LittleEndian.Uint32(hdr[45:49]))
	afterLen := int(binary.LittleEndian.Uint32(hdr[49:53]))
	storedCRC := binary.LittleEndian.Uint32(hdr[53:57])

	payload := make([]byte, beforeLen+afterLen)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, errors.Wrap(err, "WAL record payload")
		}
	}
	if beforeLen > 0 {
		rec.Before = payload[:beforeLen]
	}
	if afterLen > 0 {
		rec.After = payload[beforeLen : beforeLen+afterLen]
	}

	h := crc32.New(crcTable)
	h.Write(hdr[:53])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(payload)
	if h.Sum32() != storedCRC {
		return nil, fmt.Errorf("WAL record CRC mismatch at LSN %d", rec.LSN)
	}

	if rec.Type == WALRecordCheckpointEnd && len(rec.After) > 0 {
		dpt, att, err := decodeCheckpointTables(rec.After)
		if err != nil {
			return nil, errors.Wrap(err, "decode checkpoint tables")
		}
		rec.DirtyPageTable = dpt
		rec.ActiveTxTable = att
	}

	return rec, nil
}

// encodeCheckpointTables packs the dirty-page table and active-transaction
// table carried by a CHECKPOINT_END record into a flat byte blob:
//
//	[4]  dpt count
//	dpt count * ([4] PageID, [8] LSN)
//	[4]  att count
//	att count * ([8] TxID, [8] LSN)
func encodeCheckpointTables(dpt map[PageID]LSN, att map[TxID]LSN) []byte {
	buf := make([]byte, 4+len(dpt)*12+4+len(att)*16)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(dpt)))
	off += 4
	for pid, lsn := range dpt {
		binary.LittleEndian.PutUint32(buf[off:], uint32(pid))
		binary.LittleEndian.PutUint64(buf[off+4:], uint64(lsn))
		off += 12
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(att)))
	off += 4
	for txID, lsn := range att {
		binary.LittleEndian.PutUint64(buf[off:], uint64(txID))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(lsn))
		off += 16
	}
	return buf
}

func decodeCheckpointTables(buf []byte) (map[PageID]LSN, map[TxID]LSN, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("checkpoint table blob too short")
	}
	off := 0
	dptCount := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	dpt := make(map[PageID]LSN, dptCount)
	for i := 0; i < dptCount; i++ {
		if off+12 > len(buf) {
			return nil, nil, fmt.Errorf("checkpoint table blob truncated (dpt)")
		}
		pid := PageID(binary.LittleEndian.Uint32(buf[off:]))
		lsn := LSN(binary.LittleEndian.Uint64(buf[off+4:]))
		dpt[pid] = lsn
		off += 12
	}
	if off+4 > len(buf) {
		return nil, nil, fmt.Errorf("checkpoint table blob truncated (att header)")
	}
	attCount := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	att := make(map[TxID]LSN, attCount)
	for i := 0; i < attCount; i++ {
		if off+16 > len(buf) {
			return nil, nil, fmt.Errorf("checkpoint table blob truncated (att)")
		}
		txID := TxID(binary.LittleEndian.Uint64(buf[off:]))
		lsn := LSN(binary.LittleEndian.Uint64(buf[off+8:]))
		att[txID] = lsn
		off += 16
	}
	return dpt, att, nil
}

// ReadAllRecords reads all WAL records from the file (after the header).
// Partial/corrupt records at the tail are silently ignored — a crash mid
// append leaves a torn final record which recovery must tolerate.
func ReadAllRecords(path string) ([]*WALRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(WALFileHdrSize, io.SeekStart); err != nil {
		return nil, err
	}

	var records []*WALRecord
	for {
		rec, err := unmarshalWALRecord(f)
		if err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadFrom reads all WAL records with LSN >= from.
func ReadFrom(path string, from LSN) ([]*WALRecord, error) {
	all, err := ReadAllRecords(path)
	if err != nil {
		return nil, err
	}
	var out []*WALRecord
	for _, r := range all {
		if r.LSN >= from {
			out = append(out, r)
		}
	}
	return out, nil
}
