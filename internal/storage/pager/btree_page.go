package pager

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Secondary-index B+Tree page format
// ───────────────────────────────────────────────────────────────────────────
//
// Every secondary index is a B+Tree whose nodes are ordinary pages laid out
// by this file. Internal pages store sorted separator keys and child page
// pointers.
// Leaf pages store sorted key-value pairs with an optional overflow pointer.
// Both types use slotted-page records for variable-length data.
//
// Internal record layout (per slot):
//   [0:4]   ChildPageID  (uint32 LE) — left child for this key
//   [4:6]   KeyLen       (uint16 LE)
//   [6:6+K] Key          (K bytes)
//   The rightmost child pointer is stored in the page-level RightChild
//   field below, not in a slot.
//
// Leaf record layout (per slot):
//   [0:2]   KeyLen       (uint16 LE)
//   [2:2+K] Key          (K bytes)
//   [K+2:K+4] Flags      (uint16 LE) — bit 0: overflow flag
//   If overflow:
//     [K+4:K+8] OverflowPageID (uint32 LE)
//     [K+8:K+12] TotalSize    (uint32 LE) — full value size
//   Else:
//     [K+4:K+6] ValLen   (uint16 LE)
//     [K+6:K+6+V] Value  (V bytes)
//
// Page-level metadata stored right after PageHeader:
//   [32:33]  IsLeaf       (uint8 — 1=leaf, 0=internal)
//   [33:35]  KeyCount     (uint16 LE) — managed by slotted page SlotCount
//   [35:39]  RightChild   (uint32 LE) — internal pages; the same bytes hold
//            NextLeaf     (uint32 LE) on leaf pages (sibling pointer)
//   [39:43]  PrevLeaf     (uint32 LE) — only for leaf pages (sibling pointer)
//
// The slotted-page header starts at offset 43 (overriding the standard 32),
// and the slot directory at 47.
// We therefore customise the slotted-page layout for index pages.

const (
	btreeMetaOff       = PageHeaderSize    // 32
	btreeIsLeafOff     = btreeMetaOff      // 32, 1 byte
	btreeKeyCountOff   = btreeMetaOff + 1  // 33, 2 bytes
	btreeRightChildOff = btreeMetaOff + 3  // 35, 4 bytes (internal)
	btreeNextLeafOff   = btreeMetaOff + 3  // 35, 4 bytes (leaf)
	btreePrevLeafOff   = btreeMetaOff + 7  // 39, 4 bytes (leaf)
	btreeSlotHdrOff    = btreeMetaOff + 11 // 43
	// Overriding slotted page: SlotCount at 43, FreeSpaceEnd at 45,
	// slot directory starts at 47.
	btreeSlotDirOff = btreeSlotHdrOff + 4 // 47
)

// Leaf record flags.
const (
	leafFlagOverflow uint16 = 1 << 0
)

// ───────────────────────────────────────────────────────────────────────────
// IndexPage wraps a page buffer as an index B+Tree node.
// ───────────────────────────────────────────────────────────────────────────

type IndexPage struct {
	buf      []byte
	pageSize int
}

// WrapIndexPage wraps an existing buffer.
func WrapIndexPage(buf []byte) *IndexPage {
	return &IndexPage{buf: buf, pageSize: len(buf)}
}

// InitIndexPage initialises a page as a B+Tree node.
func InitIndexPage(buf []byte, id PageID, leaf bool) *IndexPage {
	pt := PageTypeBTreeInternal
	if leaf {
		pt = PageTypeBTreeLeaf
	}
	h := &PageHeader{Type: pt, ID: id}
	MarshalHeader(h, buf)
	if leaf {
		buf[btreeIsLeafOff] = 1
	} else {
		buf[btreeIsLeafOff] = 0
	}
	binary.LittleEndian.PutUint16(buf[btreeKeyCountOff:], 0)
	binary.LittleEndian.PutUint32(buf[btreeRightChildOff:], uint32(InvalidPageID))
	binary.LittleEndian.PutUint32(buf[btreePrevLeafOff:], uint32(InvalidPageID))
	// Slotted page header: SlotCount=0, FreeSpaceEnd=pageSize
	binary.LittleEndian.PutUint16(buf[btreeSlotHdrOff:], 0)
	binary.LittleEndian.PutUint16(buf[btreeSlotHdrOff+2:], uint16(len(buf)))
	return &IndexPage{buf: buf, pageSize: len(buf)}
}

// ── Accessors ──────────────────────────────────────────────────────────────

func (bp *IndexPage) IsLeaf() bool {
	return bp.buf[btreeIsLeafOff] == 1
}

func (bp *IndexPage) KeyCount() int {
	return int(binary.LittleEndian.Uint16(bp.buf[btreeKeyCountOff:]))
}

func (bp *IndexPage) setKeyCount(n int) {
	binary.LittleEndian.PutUint16(bp.buf[btreeKeyCountOff:], uint16(n))
}

func (bp *IndexPage) PageID() PageID {
	return PageID(binary.LittleEndian.Uint32(bp.buf[4:8]))
}

func (bp *IndexPage) RightChild() PageID {
	return PageID(binary.LittleEndian.Uint32(bp.buf[btreeRightChildOff:]))
}

func (bp *IndexPage) SetRightChild(pid PageID) {
	binary.LittleEndian.PutUint32(bp.buf[btreeRightChildOff:], uint32(pid))
}

func (bp *IndexPage) NextLeaf() PageID {
	return PageID(binary.LittleEndian.Uint32(bp.buf[btreeNextLeafOff:]))
}

func (bp *IndexPage) SetNextLeaf(pid PageID) {
	binary.LittleEndian.PutUint32(bp.buf[btreeNextLeafOff:], uint32(pid))
}

func (bp *IndexPage) PrevLeaf() PageID {
	return PageID(binary.LittleEndian.Uint32(bp.buf[btreePrevLeafOff:]))
}

func (bp *IndexPage) SetPrevLeaf(pid PageID) {
	binary.LittleEndian.PutUint32(bp.buf[btreePrevLeafOff:], uint32(pid))
}

func (bp *IndexPage) Bytes() []byte { return bp.buf }

// ── Slotted-page helpers (custom offsets) ─────────────────────────────────

func (bp *IndexPage) slotCount() int {
	return int(binary.LittleEndian.Uint16(bp.buf[btreeSlotHdrOff:]))
}
func (bp *IndexPage) setSlotCount(n int) {
	binary.LittleEndian.PutUint16(bp.buf[btreeSlotHdrOff:], uint16(n))
}
func (bp *IndexPage) freeSpaceEnd() int {
	return int(binary.LittleEndian.Uint16(bp.buf[btreeSlotHdrOff+2:]))
}
func (bp *IndexPage) setFreeSpaceEnd(off int) {
	binary.LittleEndian.PutUint16(bp.buf[btreeSlotHdrOff+2:], uint16(off))
}
func (bp *IndexPage) slotDirEnd() int {
	return btreeSlotDirOff + bp.slotCount()*slotEntrySize
}
func (bp *IndexPage) freeSpace() int {
	return bp.freeSpaceEnd() - bp.slotDirEnd() - slotEntrySize
}
func (bp *IndexPage) getSlotEntry(i int) SlotEntry {
	off := btreeSlotDirOff + i*slotEntrySize
	return SlotEntry{
		Offset: binary.LittleEndian.Uint16(bp.buf[off:]),
		Length: binary.LittleEndian.Uint16(bp.buf[off+2:]),
	}
}
func (bp *IndexPage) setSlotEntry(i int, e SlotEntry) {
	off := btreeSlotDirOff + i*slotEntrySize
	binary.LittleEndian.PutUint16(bp.buf[off:], e.Offset)
	binary.LittleEndian.PutUint16(bp.buf[off+2:], e.Length)
}
func (bp *IndexPage) getRecord(i int) []byte {
	e := bp.getSlotEntry(i)
	if e.Offset == 0 && e.Length == 0 {
		return nil
	}
	return bp.buf[e.Offset : e.Offset+e.Length]
}

// appendRecord adds a record to the page and returns its slot index.
func (bp *IndexPage) appendRecord(data []byte) (int, error) {
	needed := len(data)
	if bp.freeSpace() < needed {
		return -1, fmt.Errorf("index page full: need %d, have %d free", needed, bp.freeSpace())
	}
	newEnd := bp.freeSpaceEnd() - needed
	copy(bp.buf[newEnd:], data)
	bp.setFreeSpaceEnd(newEnd)
	idx := bp.slotCount()
	bp.setSlotEntry(idx, SlotEntry{Offset: uint16(newEnd), Length: uint16(needed)})
	bp.setSlotCount(idx + 1)
	return idx, nil
}

// insertRecordAt inserts a record at position pos, shifting later slots.
func (bp *IndexPage) insertRecordAt(pos int, data []byte) error {
	needed := len(data)
	if bp.freeSpace() < needed {
		return fmt.Errorf("index page full: need %d, have %d free", needed, bp.freeSpace())
	}
	newEnd := bp.freeSpaceEnd() - needed
	copy(bp.buf[newEnd:], data)
	bp.setFreeSpaceEnd(newEnd)

	sc := bp.slotCount()
	bp.setSlotCount(sc + 1)
	// Shift slots [pos..sc) right by one.
	for i := sc; i > pos; i-- {
		bp.setSlotEntry(i, bp.getSlotEntry(i-1))
	}
	bp.setSlotEntry(pos, SlotEntry{Offset: uint16(newEnd), Length: uint16(needed)})
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Internal page operations
// ───────────────────────────────────────────────────────────────────────────

// InternalEntry represents a key + left-child pointer for internal pages.
type InternalEntry struct {
	ChildID PageID
	Key     []byte
}

// marshalInternalRecord creates the wire format for an internal record.
func marshalInternalRecord(entry InternalEntry) []byte {
	rec := make([]byte, 4+2+len(entry.Key))
	binary.LittleEndian.PutUint32(rec[0:4], uint32(entry.ChildID))
	binary.LittleEndian.PutUint16(rec[4:6], uint16(len(entry.Key)))
	copy(rec[6:], entry.Key)
	return rec
}

// unmarshalInternalRecord parses an internal record.
func unmarshalInternalRecord(rec []byte) InternalEntry {
	child := PageID(binary.LittleEndian.Uint32(rec[0:4]))
	kl := int(binary.LittleEndian.Uint16(rec[4:6]))
	key := make([]byte, kl)
	copy(key, rec[6:6+kl])
	return InternalEntry{ChildID: child, Key: key}
}

// GetInternalEntry returns the i-th separator key and its left child.
func (bp *IndexPage) GetInternalEntry(i int) InternalEntry {
	return unmarshalInternalRecord(bp.getRecord(i))
}

// InsertInternalEntry inserts a separator key at the correct sorted position.
func (bp *IndexPage) InsertInternalEntry(entry InternalEntry) error {
	rec := marshalInternalRecord(entry)
	pos := bp.searchInternal(entry.Key)
	if err := bp.insertRecordAt(pos, rec); err != nil {
		return err
	}
	bp.setKeyCount(bp.KeyCount() + 1)
	return nil
}

// searchInternal returns the sorted insertion position for key.
func (bp *IndexPage) searchInternal(key []byte) int {
	sc := bp.slotCount()
	lo, hi := 0, sc
	for lo < hi {
		mid := (lo + hi) / 2
		e := bp.GetInternalEntry(mid)
		if bytes.Compare(e.Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// SearchInternal returns the child PageID to follow for key.
// Entries divide the key space: key < entry[0].Key follows entry[0].ChildID,
// entry[i-1].Key <= key < entry[i].Key follows entry[i].ChildID, and
// key >= entry[last].Key follows RightChild.
func (bp *IndexPage) SearchInternal(key []byte) PageID {
	sc := bp.slotCount()
	for i := 0; i < sc; i++ {
		e := bp.GetInternalEntry(i)
		if bytes.Compare(key, e.Key) < 0 {
			return e.ChildID
		}
	}
	return bp.RightChild()
}

// GetAllInternalEntries returns all separator entries in order.
func (bp *IndexPage) GetAllInternalEntries() []InternalEntry {
	sc := bp.slotCount()
	entries := make([]InternalEntry, sc)
	for i := 0; i < sc; i++ {
		entries[i] = bp.GetInternalEntry(i)
	}
	return entries
}

// ───────────────────────────────────────────────────────────────────────────
// Leaf page operations
// ───────────────────────────────────────────────────────────────────────────

// LeafEntry represents a key-value pair stored in a leaf page.
type LeafEntry struct {
	Key            []byte
	Value          []byte // inline value (empty when overflow)
	Overflow       bool
	OverflowPageID PageID
	TotalSize      uint32
}

// marshalLeafRecord creates the wire format for a leaf record.
func marshalLeafRecord(entry LeafEntry) []byte {
	kl := len(entry.Key)
	if entry.Overflow {
		rec := make([]byte, 2+kl+2+4+4)
		binary.LittleEndian.PutUint16(rec[0:2], uint16(kl))
		copy(rec[2:2+kl], entry.Key)
		off := 2 + kl
		binary.LittleEndian.PutUint16(rec[off:off+2], leafFlagOverflow)
		binary.LittleEndian.PutUint32(rec[off+2:off+6], uint32(entry.OverflowPageID))
		binary.LittleEndian.PutUint32(rec[off+6:off+10], entry.TotalSize)
		return rec
	}
	vl := len(entry.Value)
	rec := make([]byte, 2+kl+2+2+vl)
	binary.LittleEndian.PutUint16(rec[0:2], uint16(kl))
	copy(rec[2:2+kl], entry.Key)
	off := 2 + kl
	binary.LittleEndian.PutUint16(rec[off:off+2], 0) // no flags
	binary.LittleEndian.PutUint16(rec[off+2:off+4], uint16(vl))
	copy(rec[off+4:], entry.Value)
	return rec
}

// unmarshalLeafRecord parses a leaf record.
func unmarshalLeafRecord(rec []byte) LeafEntry {
	kl := int(binary.LittleEndian.Uint16(rec[0:2]))
	key := make([]byte, kl)
	copy(key, rec[2:2+kl])
	off := 2 + kl
	flags := binary.LittleEndian.Uint16(rec[off : off+2])
	if flags&leafFlagOverflow != 0 {
		opid := PageID(binary.LittleEndian.Uint32(rec[off+2 : off+6]))
		ts := binary.LittleEndian.Uint32(rec[off+6 : off+10])
		return LeafEntry{Key: key, Overflow: true, OverflowPageID: opid, TotalSize: ts}
	}
	vl := int(binary.LittleEndian.Uint16(rec[off+2 : off+4]))
	val := make([]byte, vl)
	copy(val, rec[off+4:off+4+vl])
	return LeafEntry{Key: key, Value: val}
}

// GetLeafEntry returns the i-th key-value pair.
func (bp *IndexPage) GetLeafEntry(i int) LeafEntry {
	return unmarshalLeafRecord(bp.getRecord(i))
}

// InsertLeafEntry inserts a key-value pair at the correct sorted position.
// Returns the slot index.
func (bp *IndexPage) InsertLeafEntry(entry LeafEntry) (int, error) {
	rec := marshalLeafRecord(entry)
	pos := bp.searchLeaf(entry.Key)
	if err := bp.insertRecordAt(pos, rec); err != nil {
		return -1, err
	}
	bp.setKeyCount(bp.KeyCount() + 1)
	return pos, nil
}

// UpdateLeafEntry replaces the value at the given sorted position.
func (bp *IndexPage) UpdateLeafEntry(pos int, entry LeafEntry) error {
	rec := marshalLeafRecord(entry)
	old := bp.getSlotEntry(pos)
	if int(old.Length) >= len(rec) {
		// In-place.
		copy(bp.buf[old.Offset:], rec)
		for j := int(old.Offset) + len(rec); j < int(old.Offset+old.Length); j++ {
			bp.buf[j] = 0
		}
		bp.setSlotEntry(pos, SlotEntry{Offset: old.Offset, Length: uint16(len(rec))})
		return nil
	}
	// Re-append.
	if bp.freeSpace()+slotEntrySize < len(rec) {
		return fmt.Errorf("leaf page full on update: need %d", len(rec))
	}
	newEnd := bp.freeSpaceEnd() - len(rec)
	copy(bp.buf[newEnd:], rec)
	bp.setFreeSpaceEnd(newEnd)
	bp.setSlotEntry(pos, SlotEntry{Offset: uint16(newEnd), Length: uint16(len(rec))})
	return nil
}

// DeleteLeafEntry removes the entry at position pos.
func (bp *IndexPage) DeleteLeafEntry(pos int) error {
	if pos < 0 || pos >= bp.slotCount() {
		return fmt.Errorf("delete: slot %d out of range", pos)
	}
	// Shift slots left.
	sc := bp.slotCount()
	for i := pos; i < sc-1; i++ {
		bp.setSlotEntry(i, bp.getSlotEntry(i+1))
	}
	bp.setSlotEntry(sc-1, SlotEntry{})
	bp.setSlotCount(sc - 1)
	bp.setKeyCount(bp.KeyCount() - 1)
	return nil
}

// searchLeaf returns the sorted insertion position for key in a leaf.
func (bp *IndexPage) searchLeaf(key []byte) int {
	sc := bp.slotCount()
	lo, hi := 0, sc
	for lo < hi {
		mid := (lo + hi) / 2
		e := bp.GetLeafEntry(mid)
		if bytes.Compare(e.Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// FindLeafEntry searches for an exact key match. Returns (index, true) or (-1, false).
func (bp *IndexPage) FindLeafEntry(key []byte) (int, bool) {
	pos := bp.searchLeaf(key)
	if pos < bp.slotCount() {
		e := bp.GetLeafEntry(pos)
		if bytes.Equal(e.Key, key) {
			return pos, true
		}
	}
	return -1, false
}

// GetAllLeafEntries returns all leaf entries in order.
func (bp *IndexPage) GetAllLeafEntries() []LeafEntry {
	sc := bp.slotCount()
	entries := make([]LeafEntry, sc)
	for i := 0; i < sc; i++ {
		entries[i] = bp.GetLeafEntry(i)
	}
	return entries
}
