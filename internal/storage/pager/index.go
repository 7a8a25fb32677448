package pager

import (
	"bytes"
	"encoding/binary"
)

// ───────────────────────────────────────────────────────────────────────────
// Secondary index — unique and non-unique, layered over the generic PageTree
// ───────────────────────────────────────────────────────────────────────────
//
// btree.go/btree_page.go implement a plain key→value store with
// replace-on-duplicate-key semantics: inserting the same key twice
// overwrites the old value. That is exactly right for a unique index (or a
// primary key), but a non-unique secondary index needs several RIDs to
// coexist under one logical key. Index gets there without touching the
// underlying PageTree at all: for a non-unique index it stores the key as
// key||RID (a composite byte string that is itself unique even when the
// logical key repeats), and recovers the logical grouping with a prefix
// range scan.

// RID identifies a tuple's physical location: the heap page holding it and
// its slot within that page's slot directory.
type RID struct {
	PageID PageID
	Slot   uint16
}

// EncodeRID serializes a RID to its fixed 6-byte wire form.
func EncodeRID(r RID) []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.PageID))
	binary.BigEndian.PutUint16(buf[4:6], r.Slot)
	return buf
}

// DecodeRID parses a RID from its 6-byte wire form.
func DecodeRID(buf []byte) RID {
	return RID{
		PageID: PageID(binary.BigEndian.Uint32(buf[0:4])),
		Slot:   binary.BigEndian.Uint16(buf[4:6]),
	}
}

const ridEncodedLen = 6

// Index wraps a PageTree with unique/non-unique secondary-index semantics.
// Keys are caller-supplied pre-encoded byte strings (the executor's
// key-encoding layer composes multi-column keys before calling Index);
// Index itself only knows about byte-string ordering and RIDs.
type Index struct {
	tree   *PageTree
	unique bool
}

// CreateIndex allocates a fresh empty index tree.
func CreateIndex(p *Pager, txID TxID, unique bool) (*Index, error) {
	bt, err := CreatePageTree(p, txID)
	if err != nil {
		return nil, err
	}
	return &Index{tree: bt, unique: unique}, nil
}

// OpenIndex wraps an existing index tree by its root page.
func OpenIndex(p *Pager, root PageID, unique bool) *Index {
	return &Index{tree: NewPageTree(p, root), unique: unique}
}

// Root returns the index's root page id, for persisting in the catalog.
func (ix *Index) Root() PageID { return ix.tree.Root() }

// Unique reports whether this index enforces a single RID per key.
func (ix *Index) Unique() bool { return ix.unique }

// Insert adds (key, rid) to the index. For a unique index this overwrites
// any existing entry for key with rid and the caller is responsible for
// having already checked for a pre-existing different RID (uniqueness
// violation) via Search. For a non-unique index, key and rid are composed
// into one tree key so that repeated logical keys coexist as distinct
// entries.
func (ix *Index) Insert(txID TxID, key []byte, rid RID) error {
	if ix.unique {
		return ix.tree.Insert(txID, key, EncodeRID(rid))
	}
	return ix.tree.Insert(txID, composeKey(key, rid), nil)
}

// Search looks up a unique index's entry. Only valid for unique indexes —
// use RangeScan/Scan for non-unique lookups, since those may return more
// than one RID.
func (ix *Index) Search(key []byte) (RID, bool, error) {
	val, found, err := ix.tree.Get(key)
	if err != nil || !found {
		return RID{}, false, err
	}
	return DecodeRID(val), true, nil
}

// Scan returns every RID stored under key. For a unique index this is at
// most one RID; for a non-unique index it walks the key||RID range.
func (ix *Index) Scan(key []byte) ([]RID, error) {
	if ix.unique {
		rid, found, err := ix.Search(key)
		if err != nil || !found {
			return nil, err
		}
		return []RID{rid}, nil
	}

	var out []RID
	lo := composeKey(key, RID{})
	hi := composeKeyUpperBound(key)
	err := ix.tree.ScanRange(lo, hi, func(k, _ []byte) bool {
		if len(k) < len(key)+ridEncodedLen || !bytes.Equal(k[:len(key)], key) {
			return true
		}
		out = append(out, DecodeRID(k[len(key):]))
		return true
	})
	return out, err
}

// RangeScan walks every (key, RID) pair with key in [startKey, endKey],
// in key order, calling fn for each. Returning false from fn stops the
// scan early. startKey/endKey may be nil for an open-ended bound.
func (ix *Index) RangeScan(startKey, endKey []byte, fn func(key []byte, rid RID) bool) error {
	if ix.unique {
		return ix.tree.ScanRange(startKey, endKey, func(k, v []byte) bool {
			return fn(k, DecodeRID(v))
		})
	}

	var scanHi []byte
	if endKey != nil {
		scanHi = composeKeyUpperBound(endKey)
	}
	return ix.tree.ScanRange(startKey, scanHi, func(k, _ []byte) bool {
		if len(k) < ridEncodedLen {
			return true
		}
		logicalKey := k[:len(k)-ridEncodedLen]
		rid := DecodeRID(k[len(k)-ridEncodedLen:])
		return fn(logicalKey, rid)
	})
}

// Delete removes a single (key, rid) entry. For a unique index, rid must
// match the stored RID or the delete is a no-op (the caller deleted stale
// state — this should not normally happen under strict 2PL). For a
// non-unique index the composite key precisely identifies the entry to
// remove, which is what makes correct non-unique deletion possible at all.
func (ix *Index) Delete(txID TxID, key []byte, rid RID) (bool, error) {
	if ix.unique {
		existing, found, err := ix.Search(key)
		if err != nil || !found || existing != rid {
			return false, err
		}
		return ix.tree.Delete(txID, key)
	}
	return ix.tree.Delete(txID, composeKey(key, rid))
}

// Rebuild drops and recreates the index's storage in place by walking a
// heap scan callback and reinserting every (key, rid) pair; the first
// failed insert stops the walk and is returned. Used by ALTER TABLE
// ADD/DROP COLUMN, whose row rewrite can move rows to new RIDs.
func (ix *Index) Rebuild(txID TxID, entries func(yield func(key []byte, rid RID) bool) error) error {
	ix.tree.FreeAllPages()
	fresh, err := CreatePageTree(ix.tree.pager, txID)
	if err != nil {
		return err
	}
	ix.tree = fresh

	scanErr := entries(func(key []byte, rid RID) bool {
		if ix.unique {
			err = ix.tree.Insert(txID, key, EncodeRID(rid))
		} else {
			err = ix.tree.Insert(txID, composeKey(key, rid), nil)
		}
		return err == nil
	})
	if scanErr != nil {
		return scanErr
	}
	return err
}

// composeKey concatenates a logical key with its RID's wire encoding,
// producing a tree key unique even when several RIDs share a logical key.
func composeKey(key []byte, rid RID) []byte {
	out := make([]byte, len(key)+ridEncodedLen)
	copy(out, key)
	copy(out[len(key):], EncodeRID(rid))
	return out
}

// composeKeyUpperBound returns the smallest composite key strictly greater
// than every key||RID sharing the given logical key prefix, by appending a
// RID encoding of all 0xFF bytes.
func composeKeyUpperBound(key []byte) []byte {
	out := make([]byte, len(key)+ridEncodedLen)
	copy(out, key)
	for i := len(key); i < len(out); i++ {
		out[i] = 0xFF
	}
	return out
}
