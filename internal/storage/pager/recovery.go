package pager

import (
	"github.com/pkg/errors"
)

// ───────────────────────────────────────────────────────────────────────────
// ARIES recovery: analysis, redo, undo
// ───────────────────────────────────────────────────────────────────────────
//
// Recover() runs once, on open, against whatever the WAL file holds from the
// previous run. It never trusts the buffer pool (empty at this point) and
// applies every redo/undo directly to the data file via readPageRaw /
// writePageRaw, bypassing the WAL-rule check that governs normal operation
// (recovery IS how the WAL rule gets honored after a crash).
//
// txStatus tracks a transaction's last-seen LSN and whether it reached
// COMMIT before the crash. A transaction with no END record by the time the
// log is exhausted is either a loser (never committed: undo it) or a
// straggler (committed but the END never made it out: just close it out).
type txStatus struct {
	lastLSN   LSN
	committed bool
}

// Recover analyzes, redoes, and undoes the WAL against the data file.
func (p *Pager) Recover() error {
	records, err := ReadAllRecords(p.walPath)
	if err != nil {
		return errors.Wrap(err, "read WAL records")
	}
	if len(records) == 0 {
		return nil
	}

	byLSN := make(map[LSN]*WALRecord, len(records))
	tx := make(map[TxID]*txStatus)
	var maxLSN LSN
	var maxTxID TxID
	var maxPageID PageID

	// ── Analysis ─────────────────────────────────────────────────────────
	for _, rec := range records {
		byLSN[rec.LSN] = rec
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		if rec.TxID > maxTxID {
			maxTxID = rec.TxID
		}
		if rec.PageID > maxPageID {
			maxPageID = rec.PageID
		}
		if rec.Type == WALRecordCheckpointBegin || rec.Type == WALRecordCheckpointEnd {
			continue
		}
		st, ok := tx[rec.TxID]
		if !ok {
			st = &txStatus{}
			tx[rec.TxID] = st
		}
		st.lastLSN = rec.LSN
		switch rec.Type {
		case WALRecordCommit:
			st.committed = true
		case WALRecordEnd:
			delete(tx, rec.TxID)
		}
	}
	// CLRs and END records written below must get LSNs past every logged one.
	p.wal.SetNextLSN(maxLSN + 1)

	// ── Redo ─────────────────────────────────────────────────────────────
	for _, rec := range records {
		var image []byte
		switch rec.Type {
		case WALRecordPageUpdate:
			image = rec.After
		case WALRecordCLR:
			image = rec.Before
		default:
			continue
		}
		if err := p.redoOne(rec.PageID, rec.LSN, image); err != nil {
			return errors.Wrapf(err, "redo LSN %d", rec.LSN)
		}
	}

	// ── Undo ─────────────────────────────────────────────────────────────
	for txID, st := range tx {
		if st.committed {
			// Durable commit, but the closing END never made it out.
			if err := p.wal.writeSimple(WALRecordEnd, txID, st.lastLSN); err != nil {
				return err
			}
			continue
		}
		if err := p.undoChain(txID, st.lastLSN, byLSN); err != nil {
			return errors.Wrapf(err, "undo tx %d", txID)
		}
	}

	if err := p.wal.Sync(); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return err
	}

	// Bring the superblock's id counters past anything recovered so fresh
	// allocations never collide with recovered state.
	if TxID(maxTxID+1) > p.sb.NextTxID {
		p.sb.NextTxID = maxTxID + 1
	}
	if PageID(maxPageID+1) > p.sb.NextPageID {
		p.sb.NextPageID = maxPageID + 1
	}
	return nil
}

// redoOne applies image to pageID if the on-disk page's LSN is older than
// lsn (the redo rule: only reapply updates the page hasn't already seen).
func (p *Pager) redoOne(pageID PageID, lsn LSN, image []byte) error {
	buf, err := p.readPageRaw(pageID)
	if err != nil {
		// Page never made it to disk before the crash (e.g. it was a brand
		// new allocation whose containing extent was never flushed). Start
		// from the logged image itself.
		buf = append([]byte{}, image...)
	}
	if len(buf) < PageHeaderSize {
		return errors.Errorf("page %d too small during redo", pageID)
	}
	hdr := UnmarshalHeader(buf)
	if hdr.LSN >= lsn {
		return nil // already applied
	}
	copy(buf, image)
	hdr = UnmarshalHeader(buf)
	hdr.LSN = lsn
	MarshalHeader(&hdr, buf)
	return p.writePageRaw(pageID, buf)
}

// undoChain walks a loser transaction's log chain from lastLSN backward,
// writing a CLR and reapplying the before-image for every PAGE_UPDATE it
// finds, and following UndoNextLSN (not PrevLSN) across CLRs already
// written by a partially-completed live rollback. Terminates at the
// transaction's BEGIN record, then writes the closing END.
func (p *Pager) undoChain(txID TxID, lastLSN LSN, byLSN map[LSN]*WALRecord) error {
	cur := lastLSN
	chainLSN := lastLSN
	for cur != 0 {
		rec, ok := byLSN[cur]
		if !ok {
			break
		}
		switch rec.Type {
		case WALRecordPageUpdate:
			clrLSN, err := p.wal.writeCLR(txID, rec.PageID, rec.Before, rec.PrevLSN, chainLSN)
			if err != nil {
				return err
			}
			if err := p.redoOne(rec.PageID, clrLSN, rec.Before); err != nil {
				return err
			}
			chainLSN = clrLSN
			cur = rec.PrevLSN
		case WALRecordCLR:
			cur = rec.UndoNextLSN
		case WALRecordBegin:
			cur = 0
		default:
			cur = rec.PrevLSN
		}
	}
	return p.wal.writeSimple(WALRecordEnd, txID, chainLSN)
}

// RollbackTransaction aborts a live (not-yet-committed) transaction by
// undoing its changes through the same CLR-based chain walk recovery uses,
// then writes its closing END record. th.LastLSN() must reflect the
// transaction's most recent WAL record (its ABORT, if AbortTx already
// appended one, or its last PAGE_UPDATE otherwise).
func (p *Pager) RollbackTransaction(th TxnHandle) error {
	if err := p.rollbackChain(th, 0); err != nil {
		return err
	}
	return p.LogEnd(th)
}

// rollbackChain undoes th's changes down to (but not including) stopAt —
// stopAt=0 undoes everything back to BEGIN. Used directly by both full
// rollback (RollbackTransaction, stopAt=0) and partial rollback to a
// savepoint (RollbackToSavepoint, stopAt=the savepoint's marked LSN).
func (p *Pager) rollbackChain(th TxnHandle, stopAt LSN) error {
	records, err := ReadAllRecords(p.walPath)
	if err != nil {
		return errors.Wrap(err, "read WAL records")
	}
	byLSN := make(map[LSN]*WALRecord, len(records))
	for _, rec := range records {
		byLSN[rec.LSN] = rec
	}

	cur := th.LastLSN()
	for cur != 0 && cur > stopAt {
		rec, ok := byLSN[cur]
		if !ok {
			break
		}
		switch rec.Type {
		case WALRecordPageUpdate:
			clrLSN, err := p.wal.writeCLR(th.ID(), rec.PageID, rec.Before, rec.PrevLSN, th.LastLSN())
			if err != nil {
				return err
			}
			th.SetLastLSN(clrLSN)
			if err := p.applyToPool(rec.PageID, rec.Before, clrLSN); err != nil {
				return err
			}
			cur = rec.PrevLSN
		case WALRecordCLR:
			cur = rec.UndoNextLSN
		case WALRecordBegin:
			cur = 0
		default:
			cur = rec.PrevLSN
		}
	}
	return nil
}

// applyToPool writes an undo image into the live buffer pool (used by a
// running transaction's rollback, as opposed to crash recovery which has
// no pool yet and writes straight to disk).
func (p *Pager) applyToPool(pageID PageID, image []byte, lsn LSN) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()

	f, ok := p.pool.get(pageID)
	if !ok {
		buf, err := p.readPageRaw(pageID)
		if err != nil {
			buf = make([]byte, p.pageSize)
		}
		f = &PageFrame{id: pageID, buf: buf}
		_ = p.pool.put(f)
	}
	copy(f.buf, image)
	f.dirty = true
	f.lsn = lsn
	return nil
}
