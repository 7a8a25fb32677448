// Package heap implements the table heap: slotted pages holding encoded
// tuples, RID allocation, and the insert/update/delete/scan operations that
// keep a table's secondary indexes in sync with its rows.
package heap

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ColType names a column's physical field type.
type ColType uint8

const (
	ColInt64 ColType = iota
	ColFloat64
	ColBool
	ColText
	ColBlob
)

func (t ColType) String() string {
	switch t {
	case ColInt64:
		return "INT64"
	case ColFloat64:
		return "FLOAT64"
	case ColBool:
		return "BOOL"
	case ColText:
		return "TEXT"
	case ColBlob:
		return "BLOB"
	default:
		return "UNKNOWN"
	}
}

// Column describes one field of a table's schema.
type Column struct {
	Name     string
	Type     ColType
	Nullable bool
}

// Schema is the ordered field list a Tuple is encoded/decoded against.
type Schema struct {
	Columns []Column
}

// ColumnIndex returns the position of name in the schema, or -1.
func (s Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Tuple is one row's decoded field values, column-ordered per its Schema.
// A nil entry represents SQL NULL.
type Tuple []any

// nullBitmapLen is the number of bytes needed to hold one bit per column.
func nullBitmapLen(numCols int) int {
	return (numCols + 7) / 8
}

// Encode marshals t into the wire format: a little-endian null bitmap
// followed by the non-null columns' payloads in schema order. This is the
// tuple-store's own codec, with an explicit per-tuple null bitmap rather
// than an inline nil tag per field.
func (t Tuple) Encode(schema Schema) ([]byte, error) {
	if len(t) != len(schema.Columns) {
		return nil, errors.Errorf("tuple has %d fields, schema has %d", len(t), len(schema.Columns))
	}
	bitmapLen := nullBitmapLen(len(schema.Columns))
	buf := make([]byte, bitmapLen)

	for i, col := range schema.Columns {
		v := t[i]
		if v == nil {
			if !col.Nullable {
				return nil, errors.Errorf("column %q is not nullable", col.Name)
			}
			buf[i/8] |= 1 << uint(i%8)
			continue
		}
		switch col.Type {
		case ColInt64:
			n, ok := asInt64(v)
			if !ok {
				return nil, errors.Errorf("column %q: expected int64, got %T", col.Name, v)
			}
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(n))
			buf = append(buf, b[:]...)
		case ColFloat64:
			f, ok := v.(float64)
			if !ok {
				return nil, errors.Errorf("column %q: expected float64, got %T", col.Name, v)
			}
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
			buf = append(buf, b[:]...)
		case ColBool:
			bv, ok := v.(bool)
			if !ok {
				return nil, errors.Errorf("column %q: expected bool, got %T", col.Name, v)
			}
			if bv {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case ColText:
			s, ok := v.(string)
			if !ok {
				return nil, errors.Errorf("column %q: expected string, got %T", col.Name, v)
			}
			var lb [4]byte
			binary.LittleEndian.PutUint32(lb[:], uint32(len(s)))
			buf = append(buf, lb[:]...)
			buf = append(buf, s...)
		case ColBlob:
			b, ok := v.([]byte)
			if !ok {
				return nil, errors.Errorf("column %q: expected []byte, got %T", col.Name, v)
			}
			var lb [4]byte
			binary.LittleEndian.PutUint32(lb[:], uint32(len(b)))
			buf = append(buf, lb[:]...)
			buf = append(buf, b...)
		default:
			return nil, errors.Errorf("column %q: unknown type %v", col.Name, col.Type)
		}
	}
	return buf, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// Decode parses buf (as produced by Encode) against schema.
func Decode(buf []byte, schema Schema) (Tuple, error) {
	bitmapLen := nullBitmapLen(len(schema.Columns))
	if len(buf) < bitmapLen {
		return nil, errors.New("tuple buffer shorter than null bitmap")
	}
	bitmap := buf[:bitmapLen]
	off := bitmapLen

	t := make(Tuple, len(schema.Columns))
	for i, col := range schema.Columns {
		if bitmap[i/8]&(1<<uint(i%8)) != 0 {
			t[i] = nil
			continue
		}
		switch col.Type {
		case ColInt64:
			if off+8 > len(buf) {
				return nil, errors.Errorf("truncated int64 at column %q", col.Name)
			}
			t[i] = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
			off += 8
		case ColFloat64:
			if off+8 > len(buf) {
				return nil, errors.Errorf("truncated float64 at column %q", col.Name)
			}
			t[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off : off+8]))
			off += 8
		case ColBool:
			if off+1 > len(buf) {
				return nil, errors.Errorf("truncated bool at column %q", col.Name)
			}
			t[i] = buf[off] != 0
			off++
		case ColText:
			if off+4 > len(buf) {
				return nil, errors.Errorf("truncated text length at column %q", col.Name)
			}
			n := int(binary.LittleEndian.Uint32(buf[off : off+4]))
			off += 4
			if off+n > len(buf) {
				return nil, errors.Errorf("truncated text data at column %q", col.Name)
			}
			t[i] = string(buf[off : off+n])
			off += n
		case ColBlob:
			if off+4 > len(buf) {
				return nil, errors.Errorf("truncated blob length at column %q", col.Name)
			}
			n := int(binary.LittleEndian.Uint32(buf[off : off+4]))
			off += 4
			if off+n > len(buf) {
				return nil, errors.Errorf("truncated blob data at column %q", col.Name)
			}
			dst := make([]byte, n)
			copy(dst, buf[off:off+n])
			t[i] = dst
			off += n
		default:
			return nil, errors.Errorf("column %q: unknown type %v", col.Name, col.Type)
		}
	}
	return t, nil
}
