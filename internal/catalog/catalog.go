// Package catalog persists table and index metadata as system tuples in a
// reserved heap table anchored at the superblock's catalog root, so that
// every DDL mutation goes through the same heap+WAL+lock path as ordinary
// user writes and rolls back identically on abort (spec's single-rollback-
// path decision — see DESIGN.md).
package catalog

import (
	"encoding/binary"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/ariesql/ariesql/internal/heap"
	"github.com/ariesql/ariesql/internal/storage/pager"
	"github.com/ariesql/ariesql/internal/txn"
)

// Column describes one column of a user table.
type Column struct {
	Name        string
	Type        heap.ColType
	Nullable    bool
	HasDefault  bool
	Default     any
}

// IndexMeta describes one secondary index on a user table.
type IndexMeta struct {
	Name    string
	Columns []int // ordinals into TableMeta.Columns, in key order
	Unique  bool
	Root    pager.PageID
}

// TableMeta is a user table's full persistent description.
type TableMeta struct {
	ID       int64
	Name     string
	Columns  []Column
	Indexes  []IndexMeta
	HeapRoot pager.PageID
	PKColumn int // -1 if the table has no PRIMARY KEY
}

func (tm *TableMeta) heapSchema() heap.Schema {
	cols := make([]heap.Column, len(tm.Columns))
	for i, c := range tm.Columns {
		cols[i] = heap.Column{Name: c.Name, Type: c.Type, Nullable: c.Nullable}
	}
	return heap.Schema{Columns: cols}
}

// ColumnIndex returns the ordinal of name, or -1.
func (tm *TableMeta) ColumnIndex(name string) int {
	for i, c := range tm.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

type entry struct {
	meta TableMeta
	rid  pager.RID
}

// catalogSchema is the system table's own fixed row layout: it never
// changes shape, unlike the user schemas it describes.
var catalogSchema = heap.Schema{Columns: []heap.Column{
	{Name: "table_id", Type: heap.ColInt64},
	{Name: "name", Type: heap.ColText},
	{Name: "heap_root", Type: heap.ColInt64},
	{Name: "pk_column", Type: heap.ColInt64},
	{Name: "columns_blob", Type: heap.ColBlob},
	{Name: "indexes_blob", Type: heap.ColBlob},
}}

// Catalog caches every table's metadata in memory, backed by the system
// heap table for durability. All mutating methods take the caller's
// transaction and participate in it like any other write.
type Catalog struct {
	p      *pager.Pager
	sys    *heap.Table
	mu     sync.RWMutex
	byName map[string]*entry
	nextID int64
}

// Open loads the catalog from the superblock's catalog root, creating the
// system table on first use (tx must be active either way).
func Open(p *pager.Pager, tx *txn.Transaction) (*Catalog, error) {
	sb := p.Superblock()
	c := &Catalog{p: p, byName: make(map[string]*entry), nextID: 1}

	if sb.CatalogRoot == pager.InvalidPageID {
		sys, err := heap.CreateTable(p, tx, catalogSchema)
		if err != nil {
			return nil, errors.Wrap(err, "create catalog system table")
		}
		c.sys = sys
		p.UpdateSuperblock(func(sb *pager.Superblock) { sb.CatalogRoot = sys.RootPageID() })
		return c, nil
	}

	c.sys = heap.OpenTable(p, catalogSchema, sb.CatalogRoot)
	err := c.sys.Scan(tx, func(rid pager.RID, row heap.Tuple) (bool, error) {
		meta, err := rowToMeta(row)
		if err != nil {
			return false, err
		}
		c.byName[strings.ToLower(meta.Name)] = &entry{meta: *meta, rid: rid}
		if meta.ID >= c.nextID {
			c.nextID = meta.ID + 1
		}
		return true, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "load catalog")
	}
	return c, nil
}

// Get returns a copy of a table's metadata, or false if it does not exist.
func (c *Catalog) Get(name string) (TableMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byName[strings.ToLower(name)]
	if !ok {
		return TableMeta{}, false
	}
	return e.meta, true
}

// List returns every table's name, in no particular order.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.byName))
	for _, e := range c.byName {
		names = append(names, e.meta.Name)
	}
	return names
}

// OpenHeap opens the live heap.Table for a cataloged table, with its
// current secondary indexes bound so inserts/updates/deletes stay in sync.
func (c *Catalog) OpenHeap(name string) (*heap.Table, TableMeta, error) {
	meta, ok := c.Get(name)
	if !ok {
		return nil, TableMeta{}, errors.Errorf("table %q does not exist", name)
	}
	ht := heap.OpenTable(c.p, meta.heapSchema(), meta.HeapRoot)
	ht.SetIndexes(c.bindIndexes(meta))
	return ht, meta, nil
}

// OpenIndex opens the live B+Tree behind one of a table's indexes, for the
// executor's index-scan planner.
func (c *Catalog) OpenIndex(im IndexMeta) *pager.Index {
	return pager.OpenIndex(c.p, im.Root, im.Unique)
}

// EncodeKey builds an index key from per-ordinal values, in the same
// encoding Insert/Update/Delete maintenance uses, so the executor's
// equality-scan planner can probe an index without duplicating the key
// format. Returns nil if any needed ordinal is missing or NULL, or holds a
// value of a type that isn't a supported index key component.
func EncodeKey(meta TableMeta, ords []int, values map[int]any) []byte {
	var out []byte
	for _, ord := range ords {
		v, ok := values[ord]
		if !ok || v == nil {
			return nil
		}
		enc, ok := encodeKeyComponent(v, meta.Columns[ord].Type)
		if !ok {
			return nil
		}
		out = append(out, enc...)
	}
	return out
}

func (c *Catalog) bindIndexes(meta TableMeta) []heap.IndexBinding {
	bindings := make([]heap.IndexBinding, 0, len(meta.Indexes))
	for _, im := range meta.Indexes {
		im := im
		ix := pager.OpenIndex(c.p, im.Root, im.Unique)
		bindings = append(bindings, heap.IndexBinding{
			Index: ix,
			KeyOf: func(t heap.Tuple) []byte { return buildKey(meta, im.Columns, t) },
		})
	}
	return bindings
}

// CreateTable registers a new table and allocates its heap chain.
func (c *Catalog) CreateTable(tx *txn.Transaction, name string, cols []Column, pkColumn int) (TableMeta, error) {
	c.mu.Lock()
	if _, exists := c.byName[strings.ToLower(name)]; exists {
		c.mu.Unlock()
		return TableMeta{}, errors.Errorf("table %q already exists", name)
	}
	id := c.nextID
	c.nextID++
	c.mu.Unlock()

	schema := heap.Schema{}
	for _, col := range cols {
		schema.Columns = append(schema.Columns, heap.Column{Name: col.Name, Type: col.Type, Nullable: col.Nullable})
	}
	ht, err := heap.CreateTable(c.p, tx, schema)
	if err != nil {
		return TableMeta{}, err
	}

	meta := TableMeta{ID: id, Name: name, Columns: cols, HeapRoot: ht.RootPageID(), PKColumn: pkColumn}
	rid, err := c.sys.Insert(tx, metaToRow(meta))
	if err != nil {
		return TableMeta{}, err
	}

	c.mu.Lock()
	c.byName[strings.ToLower(name)] = &entry{meta: meta, rid: rid}
	c.mu.Unlock()
	return meta, nil
}

// DropTable removes a table's catalog entry. Its heap/index pages are not
// reclaimed — per spec's lifecycle rule, drop is a logical removal and the
// file is not shrunk.
func (c *Catalog) DropTable(tx *txn.Transaction, name string) error {
	c.mu.Lock()
	e, ok := c.byName[strings.ToLower(name)]
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("table %q does not exist", name)
	}
	delete(c.byName, strings.ToLower(name))
	c.mu.Unlock()

	return c.sys.Delete(tx, e.rid)
}

// RenameTable changes a table's catalog name in place.
func (c *Catalog) RenameTable(tx *txn.Transaction, oldName, newName string) error {
	c.mu.Lock()
	e, ok := c.byName[strings.ToLower(oldName)]
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("table %q does not exist", oldName)
	}
	if _, clash := c.byName[strings.ToLower(newName)]; clash {
		c.mu.Unlock()
		return errors.Errorf("table %q already exists", newName)
	}
	meta := e.meta
	meta.Name = newName
	c.mu.Unlock()

	newRID, err := c.sys.Update(tx, e.rid, metaToRow(meta))
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.byName, strings.ToLower(oldName))
	c.byName[strings.ToLower(newName)] = &entry{meta: meta, rid: newRID}
	c.mu.Unlock()
	return nil
}

// AddColumn appends a new column (nullable or with a default, per spec's
// ADD COLUMN DDL) and rewrites every existing row with its value.
func (c *Catalog) AddColumn(tx *txn.Transaction, table string, col Column) error {
	c.mu.Lock()
	e, ok := c.byName[strings.ToLower(table)]
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("table %q does not exist", table)
	}
	oldMeta := e.meta
	c.mu.Unlock()

	newMeta := oldMeta
	newMeta.Columns = append(append([]Column{}, oldMeta.Columns...), col)
	newMeta.Indexes = append([]IndexMeta{}, oldMeta.Indexes...)

	oldSchema := oldMeta.heapSchema()
	newSchema := newMeta.heapSchema()
	def := col.Default
	err := heap.RewriteTable(c.p, tx, oldMeta.HeapRoot, oldSchema, newSchema, func(t heap.Tuple) heap.Tuple {
		return append(append(heap.Tuple{}, t...), def)
	})
	if err != nil {
		return err
	}
	if err := c.rebuildIndexes(tx, newMeta); err != nil {
		return err
	}
	return c.rebuildAndPersist(tx, e, newMeta)
}

// DropColumn removes a column and rewrites every row without it. Any index
// referencing the dropped column by ordinal is dropped along with it.
func (c *Catalog) DropColumn(tx *txn.Transaction, table, column string) error {
	c.mu.Lock()
	e, ok := c.byName[strings.ToLower(table)]
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("table %q does not exist", table)
	}
	oldMeta := e.meta
	c.mu.Unlock()

	ord := oldMeta.ColumnIndex(column)
	if ord < 0 {
		return errors.Errorf("column %q does not exist on table %q", column, table)
	}

	newMeta := oldMeta
	newMeta.Columns = append(append([]Column{}, oldMeta.Columns[:ord]...), oldMeta.Columns[ord+1:]...)
	newMeta.PKColumn = shiftOrdinal(oldMeta.PKColumn, ord)

	var keptIndexes []IndexMeta
	for _, im := range oldMeta.Indexes {
		if containsOrdinal(im.Columns, ord) {
			continue // index is defined over the dropped column; drop it too
		}
		shifted := make([]int, len(im.Columns))
		for i, c := range im.Columns {
			shifted[i] = shiftOrdinal(c, ord)
		}
		im.Columns = shifted
		keptIndexes = append(keptIndexes, im)
	}
	newMeta.Indexes = keptIndexes

	oldSchema := oldMeta.heapSchema()
	newSchema := newMeta.heapSchema()
	err := heap.RewriteTable(c.p, tx, oldMeta.HeapRoot, oldSchema, newSchema, func(t heap.Tuple) heap.Tuple {
		return append(append(heap.Tuple{}, t[:ord]...), t[ord+1:]...)
	})
	if err != nil {
		return err
	}
	if err := c.rebuildIndexes(tx, newMeta); err != nil {
		return err
	}
	return c.rebuildAndPersist(tx, e, newMeta)
}

// RenameColumn changes a column's name only; no row rewrite is needed.
func (c *Catalog) RenameColumn(tx *txn.Transaction, table, oldName, newName string) error {
	c.mu.Lock()
	e, ok := c.byName[strings.ToLower(table)]
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("table %q does not exist", table)
	}
	meta := e.meta
	c.mu.Unlock()

	ord := meta.ColumnIndex(oldName)
	if ord < 0 {
		return errors.Errorf("column %q does not exist on table %q", oldName, table)
	}
	meta.Columns = append([]Column{}, meta.Columns...)
	meta.Columns[ord].Name = newName
	return c.rebuildAndPersist(tx, e, meta)
}

// CreateIndex builds a new index over table's named columns, populating it
// from the table's current rows, and returns an error without persisting
// anything if unique is set and a duplicate key is found.
func (c *Catalog) CreateIndex(tx *txn.Transaction, table, indexName string, columns []string, unique bool) error {
	c.mu.Lock()
	e, ok := c.byName[strings.ToLower(table)]
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("table %q does not exist", table)
	}
	meta := e.meta
	c.mu.Unlock()

	ords := make([]int, len(columns))
	for i, cn := range columns {
		ord := meta.ColumnIndex(cn)
		if ord < 0 {
			return errors.Errorf("column %q does not exist on table %q", cn, table)
		}
		ords[i] = ord
	}

	ix, err := pager.CreateIndex(c.p, tx.ID(), unique)
	if err != nil {
		return err
	}

	ht := heap.OpenTable(c.p, meta.heapSchema(), meta.HeapRoot)
	scanErr := ht.Scan(tx, func(rid pager.RID, t heap.Tuple) (bool, error) {
		key := buildKey(meta, ords, t)
		if key == nil {
			return true, nil
		}
		if unique {
			if _, found, err := ix.Search(key); err != nil {
				return false, err
			} else if found {
				return false, errors.New("duplicate key value violates unique constraint")
			}
		}
		return true, ix.Insert(tx.ID(), key, rid)
	})
	if scanErr != nil {
		return scanErr
	}

	newMeta := meta
	newMeta.Indexes = append(append([]IndexMeta{}, meta.Indexes...), IndexMeta{
		Name: indexName, Columns: ords, Unique: unique, Root: ix.Root(),
	})
	return c.rebuildAndPersist(tx, e, newMeta)
}

func (c *Catalog) rebuildIndexes(tx *txn.Transaction, meta TableMeta) error {
	ht := heap.OpenTable(c.p, meta.heapSchema(), meta.HeapRoot)
	for i := range meta.Indexes {
		im := meta.Indexes[i]
		ix := pager.OpenIndex(c.p, im.Root, im.Unique)
		err := ix.Rebuild(tx.ID(), func(yield func(key []byte, rid pager.RID) bool) error {
			return ht.Scan(tx, func(rid pager.RID, t heap.Tuple) (bool, error) {
				key := buildKey(meta, im.Columns, t)
				if key == nil {
					return true, nil
				}
				return yield(key, rid), nil
			})
		})
		if err != nil {
			return err
		}
		meta.Indexes[i].Root = ix.Root()
	}
	return nil
}

func (c *Catalog) rebuildAndPersist(tx *txn.Transaction, e *entry, meta TableMeta) error {
	newRID, err := c.sys.Update(tx, e.rid, metaToRow(meta))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.byName[strings.ToLower(meta.Name)] = &entry{meta: meta, rid: newRID}
	c.mu.Unlock()
	return nil
}

func shiftOrdinal(ord, dropped int) int {
	switch {
	case ord < 0:
		return ord
	case ord == dropped:
		return -1
	case ord > dropped:
		return ord - 1
	default:
		return ord
	}
}

func containsOrdinal(ords []int, target int) bool {
	for _, o := range ords {
		if o == target {
			return true
		}
	}
	return false
}

// ───────────────────────────────────────────────────────────────────────────
// Row <-> TableMeta marshaling
// ───────────────────────────────────────────────────────────────────────────

func metaToRow(m TableMeta) heap.Tuple {
	return heap.Tuple{m.ID, m.Name, int64(m.HeapRoot), int64(m.PKColumn), encodeColumns(m.Columns), encodeIndexes(m.Indexes)}
}

func rowToMeta(row heap.Tuple) (*TableMeta, error) {
	id, _ := row[0].(int64)
	name, _ := row[1].(string)
	heapRoot, _ := row[2].(int64)
	pk, _ := row[3].(int64)
	cols, err := decodeColumns(row[4].([]byte))
	if err != nil {
		return nil, err
	}
	idxs, err := decodeIndexes(row[5].([]byte))
	if err != nil {
		return nil, err
	}
	return &TableMeta{
		ID: id, Name: name, HeapRoot: pager.PageID(heapRoot), PKColumn: int(pk),
		Columns: cols, Indexes: idxs,
	}, nil
}

func encodeColumns(cols []Column) []byte {
	w := &blobWriter{buf: make([]byte, 0, len(cols)*24)}
	for _, c := range cols {
		w.putString(c.Name)
		w.putString(c.Type.String())
		w.putBool(c.Nullable)
		w.putBool(c.HasDefault)
		w.putDefault(c.Default)
	}
	return w.buf
}

func decodeColumns(buf []byte) ([]Column, error) {
	r := &blobReader{buf: buf}
	var cols []Column
	for r.off < len(r.buf) {
		name, err := r.getString()
		if err != nil {
			return nil, errors.Wrap(err, "decode column metadata")
		}
		typName, err := r.getString()
		if err != nil {
			return nil, errors.Wrap(err, "decode column metadata")
		}
		typ, err := parseColType(typName)
		if err != nil {
			return nil, err
		}
		nullable, err := r.getBool()
		if err != nil {
			return nil, errors.Wrap(err, "decode column metadata")
		}
		hasDefault, err := r.getBool()
		if err != nil {
			return nil, errors.Wrap(err, "decode column metadata")
		}
		def, err := r.getDefault()
		if err != nil {
			return nil, errors.Wrap(err, "decode column metadata")
		}
		cols = append(cols, Column{
			Name:       name,
			Type:       typ,
			Nullable:   nullable,
			HasDefault: hasDefault,
			Default:    def,
		})
	}
	return cols, nil
}

func encodeIndexes(idxs []IndexMeta) []byte {
	w := &blobWriter{buf: make([]byte, 0, len(idxs)*24)}
	for _, ix := range idxs {
		strs := make([]string, len(ix.Columns))
		for i, c := range ix.Columns {
			strs[i] = strconv.Itoa(c)
		}
		w.putString(ix.Name)
		w.putBool(ix.Unique)
		w.putInt64(int64(ix.Root))
		w.putString(strings.Join(strs, ","))
	}
	return w.buf
}

func decodeIndexes(buf []byte) ([]IndexMeta, error) {
	r := &blobReader{buf: buf}
	var idxs []IndexMeta
	for r.off < len(r.buf) {
		name, err := r.getString()
		if err != nil {
			return nil, errors.Wrap(err, "decode index metadata")
		}
		unique, err := r.getBool()
		if err != nil {
			return nil, errors.Wrap(err, "decode index metadata")
		}
		root, err := r.getInt64()
		if err != nil {
			return nil, errors.Wrap(err, "decode index metadata")
		}
		csv, err := r.getString()
		if err != nil {
			return nil, errors.Wrap(err, "decode index metadata")
		}
		var cols []int
		if csv != "" {
			for _, part := range strings.Split(csv, ",") {
				n, err := strconv.Atoi(part)
				if err != nil {
					return nil, errors.Wrap(err, "corrupt index column list")
				}
				cols = append(cols, n)
			}
		}
		idxs = append(idxs, IndexMeta{
			Name:    name,
			Unique:  unique,
			Root:    pager.PageID(root),
			Columns: cols,
		})
	}
	return idxs, nil
}

func colTypeNames() string { return "INT64, FLOAT64, BOOL, TEXT, BLOB" }

func parseColType(s string) (heap.ColType, error) {
	switch s {
	case "INT64":
		return heap.ColInt64, nil
	case "FLOAT64":
		return heap.ColFloat64, nil
	case "BOOL":
		return heap.ColBool, nil
	case "TEXT":
		return heap.ColText, nil
	case "BLOB":
		return heap.ColBlob, nil
	default:
		return 0, errors.Errorf("unknown column type %q (expected one of %s)", s, colTypeNames())
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Index key encoding — Int(i64) | Text(fixed-width padded) | Composite
// ───────────────────────────────────────────────────────────────────────────

// textKeyWidth is the fixed payload width for TEXT index key components, as
// spec.md §3 describes (default 128 bytes).
const textKeyWidth = 128

// buildKey encodes the index key for t over the given column ordinals, or
// nil if any component is NULL (excluding the row from the index, per
// ordinary SQL unique-index semantics).
func buildKey(meta TableMeta, ords []int, t heap.Tuple) []byte {
	var out []byte
	for _, ord := range ords {
		v := t[ord]
		if v == nil {
			return nil
		}
		enc, ok := encodeKeyComponent(v, meta.Columns[ord].Type)
		if !ok {
			return nil
		}
		out = append(out, enc...)
	}
	return out
}

func encodeKeyComponent(v any, typ heap.ColType) ([]byte, bool) {
	switch typ {
	case heap.ColInt64:
		n, ok := v.(int64)
		if !ok {
			return nil, false
		}
		buf := make([]byte, 8)
		// XOR the sign bit so big-endian unsigned comparison matches signed order.
		binary.BigEndian.PutUint64(buf, uint64(n)^0x8000000000000000)
		return buf, true
	case heap.ColBool:
		b, ok := v.(bool)
		if !ok {
			return nil, false
		}
		if b {
			return []byte{1}, true
		}
		return []byte{0}, true
	case heap.ColText:
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		buf := make([]byte, 2+textKeyWidth)
		n := len(s)
		if n > textKeyWidth {
			n = textKeyWidth
		}
		binary.BigEndian.PutUint16(buf[0:2], uint16(n))
		copy(buf[2:2+n], s[:n])
		return buf, true
	default:
		return nil, false
	}
}
