package catalog

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ───────────────────────────────────────────────────────────────────────────
// Catalog metadata blob codec
// ───────────────────────────────────────────────────────────────────────────
//
// TableMeta's column list and index list are stored as opaque []byte blobs
// inside the system catalog's heap tuple (see metaToRow/rowToMeta). Both
// blobs have a fixed, known shape — a flat run of (string, string, bool,
// bool, Default) for columns, (string, bool, int64, string) for indexes —
// so rather than reuse a generic loose-[]any row codec, each field is
// written and read with its own concrete type. Only Column.Default is
// dynamically typed, so that's the only value that carries a type tag.

const (
	defaultTagNil     byte = 0x00
	defaultTagBool    byte = 0x01
	defaultTagInt64   byte = 0x02
	defaultTagFloat64 byte = 0x03
	defaultTagString  byte = 0x04
	defaultTagBytes   byte = 0x05
)

type blobWriter struct{ buf []byte }

func (w *blobWriter) putString(s string) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(len(s)))
	w.buf = append(w.buf, b[:]...)
	w.buf = append(w.buf, s...)
}

func (w *blobWriter) putBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *blobWriter) putInt64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.buf = append(w.buf, b[:]...)
}

// putDefault writes a Column.Default value. v is one of the types the SQL
// parser produces for a DEFAULT clause (nil, bool, int64, float64, string),
// or []byte.
func (w *blobWriter) putDefault(v any) {
	switch val := v.(type) {
	case nil:
		w.buf = append(w.buf, defaultTagNil)
	case bool:
		w.buf = append(w.buf, defaultTagBool)
		w.putBool(val)
	case int64:
		w.buf = append(w.buf, defaultTagInt64)
		w.putInt64(val)
	case float64:
		w.buf = append(w.buf, defaultTagFloat64)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(val))
		w.buf = append(w.buf, b[:]...)
	case string:
		w.buf = append(w.buf, defaultTagString)
		w.putString(val)
	case []byte:
		w.buf = append(w.buf, defaultTagBytes)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(len(val)))
		w.buf = append(w.buf, b[:]...)
		w.buf = append(w.buf, val...)
	default:
		panic(fmt.Sprintf("catalog: unsupported default value type %T", v))
	}
}

type blobReader struct {
	buf []byte
	off int
}

func (r *blobReader) getString() (string, error) {
	if r.off+2 > len(r.buf) {
		return "", fmt.Errorf("truncated string length at offset %d", r.off)
	}
	n := int(binary.LittleEndian.Uint16(r.buf[r.off : r.off+2]))
	r.off += 2
	if r.off+n > len(r.buf) {
		return "", fmt.Errorf("truncated string data at offset %d", r.off)
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s, nil
}

func (r *blobReader) getBool() (bool, error) {
	if r.off+1 > len(r.buf) {
		return false, fmt.Errorf("truncated bool at offset %d", r.off)
	}
	v := r.buf[r.off] != 0
	r.off++
	return v, nil
}

func (r *blobReader) getInt64() (int64, error) {
	if r.off+8 > len(r.buf) {
		return 0, fmt.Errorf("truncated int64 at offset %d", r.off)
	}
	v := int64(binary.LittleEndian.Uint64(r.buf[r.off : r.off+8]))
	r.off += 8
	return v, nil
}

func (r *blobReader) getDefault() (any, error) {
	if r.off+1 > len(r.buf) {
		return nil, fmt.Errorf("truncated default tag at offset %d", r.off)
	}
	tag := r.buf[r.off]
	r.off++
	switch tag {
	case defaultTagNil:
		return nil, nil
	case defaultTagBool:
		return r.getBool()
	case defaultTagInt64:
		return r.getInt64()
	case defaultTagFloat64:
		if r.off+8 > len(r.buf) {
			return nil, fmt.Errorf("truncated float64 at offset %d", r.off)
		}
		v := math.Float64frombits(binary.LittleEndian.Uint64(r.buf[r.off : r.off+8]))
		r.off += 8
		return v, nil
	case defaultTagString:
		return r.getString()
	case defaultTagBytes:
		if r.off+2 > len(r.buf) {
			return nil, fmt.Errorf("truncated bytes length at offset %d", r.off)
		}
		n := int(binary.LittleEndian.Uint16(r.buf[r.off : r.off+2]))
		r.off += 2
		if r.off+n > len(r.buf) {
			return nil, fmt.Errorf("truncated bytes data at offset %d", r.off)
		}
		dst := make([]byte, n)
		copy(dst, r.buf[r.off:r.off+n])
		r.off += n
		return dst, nil
	default:
		return nil, fmt.Errorf("unknown default tag 0x%02x at offset %d", tag, r.off-1)
	}
}
