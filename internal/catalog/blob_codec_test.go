package catalog

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ariesql/ariesql/internal/heap"
)

func TestColumnBlob_RoundTrip(t *testing.T) {
	cols := []Column{
		{Name: "id", Type: heap.ColInt64, Nullable: false, HasDefault: false, Default: nil},
		{Name: "balance", Type: heap.ColFloat64, Nullable: true, HasDefault: true, Default: 0.0},
		{Name: "active", Type: heap.ColBool, Nullable: false, HasDefault: true, Default: true},
		{Name: "name", Type: heap.ColText, Nullable: true, HasDefault: true, Default: "anon"},
		{Name: "blob", Type: heap.ColBlob, Nullable: true, HasDefault: false, Default: nil},
		{Name: "count", Type: heap.ColInt64, Nullable: false, HasDefault: true, Default: int64(42)},
	}

	decoded, err := decodeColumns(encodeColumns(cols))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(cols, decoded); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}

	// The known failure mode this codec exists to avoid: an INT64 default
	// must come back as int64, never float64.
	if _, ok := decoded[5].Default.(int64); !ok {
		t.Fatalf("count default: got %T, want int64", decoded[5].Default)
	}
}

func TestIndexBlob_RoundTrip(t *testing.T) {
	idxs := []IndexMeta{
		{Name: "idx_name", Columns: []int{1}, Unique: false, Root: 7},
		{Name: "idx_composite", Columns: []int{0, 2, 3}, Unique: true, Root: 99},
		{Name: "idx_empty_cols", Columns: nil, Unique: false, Root: 0},
	}

	decoded, err := decodeIndexes(encodeIndexes(idxs))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(idxs, decoded); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestColumnBlob_Empty(t *testing.T) {
	decoded, err := decodeColumns(encodeColumns(nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("expected no columns, got %d", len(decoded))
	}
}
