package ariesql

import (
	"errors"
	"fmt"

	"github.com/ariesql/ariesql/internal/heap"
	"github.com/ariesql/ariesql/internal/storage/pager"
	"github.com/ariesql/ariesql/internal/txn"
)

// ErrorKind tags every error the engine returns to an embedding caller with
// a distinct, switchable category, per spec's error handling design — no
// string matching required to tell a ConstraintViolation from a Deadlock.
type ErrorKind uint8

const (
	KindSQLParse ErrorKind = iota
	KindPlan
	KindCatalog
	KindConstraintViolation
	KindLockDeadlock
	KindLockTimeout
	KindTransaction
	KindExecution
	KindIO
	KindCorruption
	KindBufferPoolExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindSQLParse:
		return "SqlParseError"
	case KindPlan:
		return "PlanError"
	case KindCatalog:
		return "CatalogError"
	case KindConstraintViolation:
		return "ConstraintViolation"
	case KindLockDeadlock:
		return "LockError::Deadlock"
	case KindLockTimeout:
		return "LockError::Timeout"
	case KindTransaction:
		return "TransactionError"
	case KindExecution:
		return "ExecutionError"
	case KindIO:
		return "IoError"
	case KindCorruption:
		return "CorruptionError"
	case KindBufferPoolExhausted:
		return "BufferPoolError::Exhausted"
	default:
		return "UnknownError"
	}
}

// Error is the typed error shape every Engine method returns. Embedding
// layers (HTTP/RPC/shell) switch on Kind to map to their own protocol
// statuses, per spec §7's propagation policy — never by matching Err's
// message text.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrTimeout is returned by a lock wait that exceeds EngineConfig's
// configured lock-wait timeout (spec's optional Timeout path). Nothing in
// internal/txn currently enforces a wait deadline; Engine classifies it
// here so that wiring one in later (a time.After race alongside the
// waiter's ready channel) only needs to start returning this sentinel.
var ErrTimeout = errors.New("lock wait exceeded configured timeout")

// classify maps an internal error to its spec-mandated ErrorKind by
// identity (errors.Is against the sentinel each owning package exports),
// not by inspecting message text.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, txn.ErrDeadlock):
		return KindLockDeadlock
	case errors.Is(err, ErrTimeout):
		return KindLockTimeout
	case errors.Is(err, txn.ErrTxnClosed):
		return KindTransaction
	case errors.Is(err, heap.ErrDuplicateKey):
		return KindConstraintViolation
	case errors.Is(err, pager.ErrBufferPoolExhausted):
		return KindBufferPoolExhausted
	default:
		return KindExecution
	}
}

// wrapErr tags err with kind unless it is already a *Error (classify's
// sentinel-based result takes priority over a caller-supplied default,
// since the sentinel is the more specific signal).
func wrapErr(defaultKind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	kind := classify(err)
	if kind == KindExecution && defaultKind != KindExecution {
		kind = defaultKind
	}
	return &Error{Kind: kind, Err: err}
}
