package heap

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/ariesql/ariesql/internal/storage/pager"
	"github.com/ariesql/ariesql/internal/txn"
)

// ErrDuplicateKey is returned by Insert/Update when the tuple's key
// collides with an existing entry in a unique index (spec's
// ConstraintViolation for unique/primary-key enforcement).
var ErrDuplicateKey = errors.New("duplicate key value violates unique constraint")

// A Table is a chain of slotted HEAP pages linked by a next-page pointer
// stored in each page's header padding, the way btree_page.go links leaves
// via NextLeaf. RootPageID is the chain's first page and never changes once
// the table is created — it is what the catalog persists.
type Table struct {
	p          *pager.Pager
	schema     Schema
	rootPageID pager.PageID
	indexes    []IndexBinding
}

// IndexBinding ties a secondary index to the key-extraction function that
// derives its key bytes from a tuple. KeyOf returns nil when the tuple's
// indexed column(s) are NULL, which per ordinary SQL semantics excludes the
// row from the index rather than indexing a NULL key.
type IndexBinding struct {
	Index *pager.Index
	KeyOf func(t Tuple) []byte
}

// getNextPage/setNextPage read and write the forward-chain pointer stored
// in the common page header's reserved Pad bytes (offsets 20:24).
func getNextPage(buf []byte) pager.PageID {
	return pager.PageID(binary.LittleEndian.Uint32(buf[20:24]))
}

func setNextPage(buf []byte, id pager.PageID) {
	binary.LittleEndian.PutUint32(buf[20:24], uint32(id))
}

// CreateTable allocates a fresh single-page heap chain for schema.
func CreateTable(p *pager.Pager, tx *txn.Transaction, schema Schema) (*Table, error) {
	pid, buf := p.AllocPage()
	pager.InitRecordPage(buf, pager.PageTypeHeap, pid)
	pager.SetPageCRC(buf)
	if err := p.WritePage(tx.ID(), pid, buf); err != nil {
		return nil, errors.Wrap(err, "create table heap page")
	}
	p.UnpinPage(pid)
	return &Table{p: p, schema: schema, rootPageID: pid}, nil
}

// OpenTable wraps an existing heap chain identified by its root page, as
// persisted by the catalog.
func OpenTable(p *pager.Pager, schema Schema, rootPageID pager.PageID) *Table {
	return &Table{p: p, schema: schema, rootPageID: rootPageID}
}

// RootPageID returns the table's first heap page, for catalog persistence.
func (t *Table) RootPageID() pager.PageID { return t.rootPageID }

// Schema returns the table's tuple schema.
func (t *Table) Schema() Schema { return t.schema }

// SetIndexes binds the secondary indexes insert_tuple/update_tuples/
// delete_tuples must keep in sync. Called once after the table and all of
// its indexes are opened.
func (t *Table) SetIndexes(indexes []IndexBinding) { t.indexes = indexes }

// Insert implements spec's insert_tuple: probe unique indexes, X-lock the
// target page, write the tuple, then insert index entries — tombstoning the
// row and propagating the error if any index insert fails.
func (t *Table) Insert(tx *txn.Transaction, tup Tuple) (pager.RID, error) {
	enc, err := tup.Encode(t.schema)
	if err != nil {
		return pager.RID{}, err
	}

	for _, ib := range t.indexes {
		if !ib.Index.Unique() {
			continue
		}
		key := ib.KeyOf(tup)
		if key == nil {
			continue
		}
		if _, found, err := ib.Index.Search(key); err != nil {
			return pager.RID{}, err
		} else if found {
			return pager.RID{}, ErrDuplicateKey
		}
	}

	rid, err := t.insertRaw(tx, enc)
	if err != nil {
		return pager.RID{}, err
	}

	for _, ib := range t.indexes {
		key := ib.KeyOf(tup)
		if key == nil {
			continue
		}
		if err := ib.Index.Insert(tx.ID(), key, rid); err != nil {
			// Roll the heap slot back to a tombstone so no orphan row
			// survives under a key no index agrees it has.
			t.tombstone(tx, rid)
			return pager.RID{}, err
		}
	}
	return rid, nil
}

// insertRaw places an already-encoded tuple into the first page in the
// chain with room for it, allocating and linking a new page if none has
// space, and returns its RID.
func (t *Table) insertRaw(tx *txn.Transaction, enc []byte) (pager.RID, error) {
	pid := t.rootPageID
	var prevID pager.PageID
	var prevBuf []byte

	for {
		if err := tx.LockExclusive(txn.PageResource(pid)); err != nil {
			return pager.RID{}, err
		}
		buf, err := t.p.ReadPage(pid)
		if err != nil {
			return pager.RID{}, errors.Wrapf(err, "read heap page %d", pid)
		}
		sp := pager.WrapRecordPage(buf)
		if sp.FreeSpace() >= len(enc) {
			slot, err := sp.InsertRecord(enc)
			if err != nil {
				t.p.UnpinPage(pid)
				return pager.RID{}, err
			}
			pager.SetPageCRC(buf)
			if err := t.p.WritePage(tx.ID(), pid, buf); err != nil {
				t.p.UnpinPage(pid)
				return pager.RID{}, err
			}
			t.p.UnpinPage(pid)
			return pager.RID{PageID: pid, Slot: uint16(slot)}, nil
		}

		next := getNextPage(buf)
		prevID, prevBuf = pid, buf
		t.p.UnpinPage(pid)
		if next == pager.InvalidPageID {
			break
		}
		pid = next
	}

	newPid, newBuf := t.p.AllocPage()
	pager.InitRecordPage(newBuf, pager.PageTypeHeap, newPid)
	slot, err := pager.WrapRecordPage(newBuf).InsertRecord(enc)
	if err != nil {
		return pager.RID{}, errors.Wrap(err, "tuple does not fit an empty heap page")
	}
	pager.SetPageCRC(newBuf)
	if err := t.p.WritePage(tx.ID(), newPid, newBuf); err != nil {
		return pager.RID{}, err
	}

	setNextPage(prevBuf, newPid)
	pager.SetPageCRC(prevBuf)
	if err := t.p.WritePage(tx.ID(), prevID, prevBuf); err != nil {
		return pager.RID{}, err
	}

	return pager.RID{PageID: newPid, Slot: uint16(slot)}, nil
}

func (t *Table) tombstone(tx *txn.Transaction, rid pager.RID) {
	buf, err := t.p.ReadPage(rid.PageID)
	if err != nil {
		return
	}
	sp := pager.WrapRecordPage(buf)
	_ = sp.DeleteRecord(int(rid.Slot))
	pager.SetPageCRC(buf)
	_ = t.p.WritePage(tx.ID(), rid.PageID, buf)
	t.p.UnpinPage(rid.PageID)
}

// GetByRID reads the tuple at rid under a shared row lock. The second
// return value is false if the slot is a tombstone or out of range.
func (t *Table) GetByRID(tx *txn.Transaction, rid pager.RID) (Tuple, bool, error) {
	if err := tx.LockShared(txn.RowResource(rid)); err != nil {
		return nil, false, err
	}
	buf, err := t.p.ReadPage(rid.PageID)
	if err != nil {
		return nil, false, errors.Wrapf(err, "read heap page %d", rid.PageID)
	}
	defer t.p.UnpinPage(rid.PageID)

	sp := pager.WrapRecordPage(buf)
	if int(rid.Slot) >= sp.SlotCount() || sp.IsDeleted(int(rid.Slot)) {
		return nil, false, nil
	}
	tup, err := Decode(sp.GetRecord(int(rid.Slot)), t.schema)
	if err != nil {
		return nil, false, err
	}
	return tup, true, nil
}

// Scan visits every live tuple in page/slot order under shared page locks,
// per spec's scan() ordering rule. visit returns false to stop early.
func (t *Table) Scan(tx *txn.Transaction, visit func(rid pager.RID, tup Tuple) (bool, error)) error {
	pid := t.rootPageID
	for pid != pager.InvalidPageID {
		if err := tx.LockShared(txn.PageResource(pid)); err != nil {
			return err
		}
		buf, err := t.p.ReadPage(pid)
		if err != nil {
			return errors.Wrapf(err, "read heap page %d", pid)
		}
		sp := pager.WrapRecordPage(buf)
		sc := sp.SlotCount()
		for i := 0; i < sc; i++ {
			if sp.IsDeleted(i) {
				continue
			}
			tup, err := Decode(sp.GetRecord(i), t.schema)
			if err != nil {
				t.p.UnpinPage(pid)
				return err
			}
			cont, err := visit(pager.RID{PageID: pid, Slot: uint16(i)}, tup)
			if err != nil {
				t.p.UnpinPage(pid)
				return err
			}
			if !cont {
				t.p.UnpinPage(pid)
				return nil
			}
		}
		next := getNextPage(buf)
		t.p.UnpinPage(pid)
		pid = next
	}
	return nil
}

// Update implements spec's update_tuples for a single row: X-lock it,
// overwrite in place if the new encoding fits the old slot, else tombstone
// and insert fresh (a new RID). Either way, every bound index is brought in
// sync with the new key/RID in one reindex pass. Returns the row's RID
// after the update (unchanged unless the row moved).
func (t *Table) Update(tx *txn.Transaction, rid pager.RID, newTuple Tuple) (pager.RID, error) {
	if err := tx.LockExclusive(txn.RowResource(rid)); err != nil {
		return pager.RID{}, err
	}
	buf, err := t.p.ReadPage(rid.PageID)
	if err != nil {
		return pager.RID{}, errors.Wrapf(err, "read heap page %d", rid.PageID)
	}
	sp := pager.WrapRecordPage(buf)
	if int(rid.Slot) >= sp.SlotCount() || sp.IsDeleted(int(rid.Slot)) {
		t.p.UnpinPage(rid.PageID)
		return pager.RID{}, errors.New("update of a deleted row")
	}
	oldTuple, err := Decode(sp.GetRecord(int(rid.Slot)), t.schema)
	if err != nil {
		t.p.UnpinPage(rid.PageID)
		return pager.RID{}, err
	}

	newEnc, err := newTuple.Encode(t.schema)
	if err != nil {
		t.p.UnpinPage(rid.PageID)
		return pager.RID{}, err
	}

	for _, ib := range t.indexes {
		if !ib.Index.Unique() {
			continue
		}
		newKey := ib.KeyOf(newTuple)
		if newKey == nil {
			continue
		}
		oldKey := ib.KeyOf(oldTuple)
		if bytes.Equal(newKey, oldKey) {
			continue
		}
		if existing, found, err := ib.Index.Search(newKey); err != nil {
			t.p.UnpinPage(rid.PageID)
			return pager.RID{}, err
		} else if found && existing != rid {
			t.p.UnpinPage(rid.PageID)
			return pager.RID{}, ErrDuplicateKey
		}
	}

	oldSlotLen := int(sp.GetSlot(int(rid.Slot)).Length)
	if len(newEnc) <= oldSlotLen {
		_ = sp.UpdateRecord(int(rid.Slot), newEnc)
		pager.SetPageCRC(buf)
		if err := t.p.WritePage(tx.ID(), rid.PageID, buf); err != nil {
			t.p.UnpinPage(rid.PageID)
			return pager.RID{}, err
		}
		t.p.UnpinPage(rid.PageID)
		if err := t.reindex(tx, oldTuple, newTuple, rid, rid); err != nil {
			return pager.RID{}, err
		}
		return rid, nil
	}

	// Doesn't fit in place: tombstone and re-insert, which may land on a
	// different page and therefore assign a new RID.
	_ = sp.DeleteRecord(int(rid.Slot))
	pager.SetPageCRC(buf)
	if err := t.p.WritePage(tx.ID(), rid.PageID, buf); err != nil {
		t.p.UnpinPage(rid.PageID)
		return pager.RID{}, err
	}
	t.p.UnpinPage(rid.PageID)

	newRID, err := t.insertRaw(tx, newEnc)
	if err != nil {
		return pager.RID{}, err
	}
	if err := t.reindex(tx, oldTuple, newTuple, rid, newRID); err != nil {
		return pager.RID{}, err
	}
	return newRID, nil
}

// reindex brings every bound index from (oldTuple, oldRID) to
// (newTuple, newRID), deleting the stale entry and inserting the fresh one
// whenever either the key or the RID actually changed.
func (t *Table) reindex(tx *txn.Transaction, oldTuple, newTuple Tuple, oldRID, newRID pager.RID) error {
	for _, ib := range t.indexes {
		oldKey := ib.KeyOf(oldTuple)
		newKey := ib.KeyOf(newTuple)
		if bytes.Equal(oldKey, newKey) && oldRID == newRID {
			continue
		}
		if oldKey != nil {
			if _, err := ib.Index.Delete(tx.ID(), oldKey, oldRID); err != nil {
				return err
			}
		}
		if newKey != nil {
			if err := ib.Index.Insert(tx.ID(), newKey, newRID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete implements spec's delete_tuples for a single row: X-lock it, log
// and tombstone the heap slot, then remove it from every bound index.
func (t *Table) Delete(tx *txn.Transaction, rid pager.RID) error {
	if err := tx.LockExclusive(txn.RowResource(rid)); err != nil {
		return err
	}
	buf, err := t.p.ReadPage(rid.PageID)
	if err != nil {
		return errors.Wrapf(err, "read heap page %d", rid.PageID)
	}
	sp := pager.WrapRecordPage(buf)
	if int(rid.Slot) >= sp.SlotCount() || sp.IsDeleted(int(rid.Slot)) {
		t.p.UnpinPage(rid.PageID)
		return nil
	}
	tup, err := Decode(sp.GetRecord(int(rid.Slot)), t.schema)
	if err != nil {
		t.p.UnpinPage(rid.PageID)
		return err
	}
	_ = sp.DeleteRecord(int(rid.Slot))
	pager.SetPageCRC(buf)
	if err := t.p.WritePage(tx.ID(), rid.PageID, buf); err != nil {
		t.p.UnpinPage(rid.PageID)
		return err
	}
	t.p.UnpinPage(rid.PageID)

	for _, ib := range t.indexes {
		key := ib.KeyOf(tup)
		if key == nil {
			continue
		}
		if _, err := ib.Index.Delete(tx.ID(), key, rid); err != nil {
			return err
		}
	}
	return nil
}

// RewriteTable walks every live row of the heap chain rooted at rootPageID,
// decoding it with oldSchema, applying transform, and re-encoding it with
// newSchema in place. It is used by ALTER TABLE ADD/DROP COLUMN,
// which change a row's on-disk shape rather than just a value within it —
// an ordinary Update can't do this because it decodes and re-encodes with
// the same schema. Index maintenance is the caller's job: a column-shape
// migration invalidates RIDs for any row that doesn't fit back in its old
// slot, so every index on the table must be rebuilt afterward.
func RewriteTable(p *pager.Pager, tx *txn.Transaction, rootPageID pager.PageID, oldSchema, newSchema Schema, transform func(Tuple) Tuple) error {
	old := OpenTable(p, oldSchema, rootPageID)

	type pending struct {
		rid pager.RID
		tup Tuple
	}
	var rows []pending
	err := old.Scan(tx, func(rid pager.RID, tup Tuple) (bool, error) {
		rows = append(rows, pending{rid: rid, tup: transform(tup)})
		return true, nil
	})
	if err != nil {
		return err
	}

	nw := OpenTable(p, newSchema, rootPageID)
	for _, r := range rows {
		enc, err := r.tup.Encode(newSchema)
		if err != nil {
			return err
		}
		if err := nw.rewriteSlot(tx, r.rid, enc); err != nil {
			return err
		}
	}
	return nil
}

// rewriteSlot replaces rid's raw bytes without decoding the slot's current
// contents against the table's schema, since RewriteTable's caller is
// changing that schema's shape. It falls back to tombstone-and-reinsert
// when enc no longer fits the original slot.
func (t *Table) rewriteSlot(tx *txn.Transaction, rid pager.RID, enc []byte) error {
	if err := tx.LockExclusive(txn.RowResource(rid)); err != nil {
		return err
	}
	buf, err := t.p.ReadPage(rid.PageID)
	if err != nil {
		return errors.Wrapf(err, "read heap page %d", rid.PageID)
	}
	sp := pager.WrapRecordPage(buf)
	oldLen := int(sp.GetSlot(int(rid.Slot)).Length)

	if len(enc) <= oldLen {
		_ = sp.UpdateRecord(int(rid.Slot), enc)
		pager.SetPageCRC(buf)
		err := t.p.WritePage(tx.ID(), rid.PageID, buf)
		t.p.UnpinPage(rid.PageID)
		return err
	}

	_ = sp.DeleteRecord(int(rid.Slot))
	pager.SetPageCRC(buf)
	if err := t.p.WritePage(tx.ID(), rid.PageID, buf); err != nil {
		t.p.UnpinPage(rid.PageID)
		return err
	}
	t.p.UnpinPage(rid.PageID)

	_, err = t.insertRaw(tx, enc)
	return err
}
