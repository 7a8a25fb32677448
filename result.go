package ariesql

import (
	"fmt"
	"strings"

	"github.com/ariesql/ariesql/internal/engine"
)

// ValueKind tags the dynamic type a Value carries, so an embedding caller
// can switch on it without type-asserting into Go's own any/interface{}
// machinery.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInt
	KindFloat
	KindBool
	KindText
	KindBlob
)

// Value is one typed cell of a Result's row, per spec's "typed rows" half
// of the (columns+rows)|(rows_affected+message) result shape.
type Value struct {
	Kind ValueKind
	Int  int64
	Flt  float64
	Bool bool
	Str  string
	Blob []byte
}

// Result is the single return shape every Engine query/statement method
// produces: a SELECT's columns and typed rows, or a DML statement's
// rows-affected count. Cols is nil for the latter.
type Result struct {
	Cols         []string
	Rows         [][]Value
	RowsAffected int
}

func toValue(v any) Value {
	switch x := v.(type) {
	case nil:
		return Value{Kind: KindNull}
	case int64:
		return Value{Kind: KindInt, Int: x}
	case int:
		return Value{Kind: KindInt, Int: int64(x)}
	case float64:
		return Value{Kind: KindFloat, Flt: x}
	case bool:
		return Value{Kind: KindBool, Bool: x}
	case []byte:
		return Value{Kind: KindBlob, Blob: x}
	case string:
		return Value{Kind: KindText, Str: x}
	default:
		return Value{Kind: KindText, Str: fmt.Sprintf("%v", x)}
	}
}

// toResult converts an internal/engine.ResultSet (nil for a statement that
// produced no rows, e.g. DDL) into the embedding API's Result shape.
func toResult(rs *engine.ResultSet) *Result {
	if rs == nil {
		return &Result{}
	}
	if rs.Cols == nil {
		return &Result{RowsAffected: rs.RowsAffected}
	}
	rows := make([][]Value, len(rs.Rows))
	for i, row := range rs.Rows {
		vals := make([]Value, len(rs.Cols))
		for j, col := range rs.Cols {
			vals[j] = toValue(row[strings.ToLower(col)])
		}
		rows[i] = vals
	}
	return &Result{Cols: rs.Cols, Rows: rows, RowsAffected: rs.RowsAffected}
}
