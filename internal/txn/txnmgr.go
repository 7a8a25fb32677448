package txn

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ariesql/ariesql/internal/storage/pager"
)

// ErrTxnClosed is returned for a lock request (and by the Engine for a
// statement) issued against a transaction
// that has already committed or aborted (spec's TransactionError for
// use-after-close). A second Commit/Abort call does not return it: those
// are no-op successes returning nil, per spec's idempotence rule.
var ErrTxnClosed = fmt.Errorf("transaction is no longer active")

// State is a transaction's lifecycle stage.
type State uint8

const (
	Active State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transaction is the capability threaded explicitly through every
// operator and storage call that needs to read or mutate under a
// particular transaction's locks and WAL chain. There is deliberately no
// ambient "current transaction" anywhere in this module — callers that
// need one hold this value and pass it along, the way tinySQL's exec.go
// threads its evaluation context rather than reaching for a global.
type Transaction struct {
	id    pager.TxID
	mgr   *Manager
	mu    sync.Mutex
	state State
	locks map[ResourceID]LockMode

	savepoints map[string]pager.LSN
}

// ID returns the transaction's identifier.
func (tx *Transaction) ID() pager.TxID { return tx.id }

// State returns the transaction's current lifecycle stage.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// LockShared acquires a shared (read) lock on resource, blocking until
// granted or returning ErrDeadlock if doing so would deadlock.
func (tx *Transaction) LockShared(resource ResourceID) error {
	return tx.lock(resource, Shared)
}

// LockExclusive acquires an exclusive (write) lock on resource.
func (tx *Transaction) LockExclusive(resource ResourceID) error {
	return tx.lock(resource, Exclusive)
}

func (tx *Transaction) lock(resource ResourceID, mode LockMode) error {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return ErrTxnClosed
	}
	tx.mu.Unlock()

	if err := tx.mgr.locks.Acquire(tx.id, resource, mode); err != nil {
		return err
	}
	tx.mu.Lock()
	tx.locks[resource] = mode
	tx.mu.Unlock()
	return nil
}

// Savepoint marks the transaction's current WAL position under a
// generated name and returns it, for a later RollbackTo.
func (tx *Transaction) Savepoint() string {
	name := uuid.NewString()
	lsn := tx.mgr.pager.CurrentLSN(tx.id)
	tx.mu.Lock()
	tx.savepoints[name] = lsn
	tx.mu.Unlock()
	return name
}

// RollbackTo undoes every change made since the named savepoint, without
// ending the transaction or releasing its locks (strict 2PL still holds
// them until commit/abort — a partial rollback is not a partial release).
func (tx *Transaction) RollbackTo(name string) error {
	tx.mu.Lock()
	lsn, ok := tx.savepoints[name]
	tx.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown savepoint %q", name)
	}
	return tx.mgr.pager.RollbackToSavepoint(tx.id, lsn)
}

// Manager owns the lock table and drives transaction lifecycle against a
// Pager. One Manager per open database.
type Manager struct {
	pager *pager.Pager
	locks *LockManager

	mu  sync.Mutex
	txs map[pager.TxID]*Transaction
}

// NewManager creates a transaction manager bound to a Pager.
func NewManager(p *pager.Pager) *Manager {
	return &Manager{
		pager: p,
		locks: NewLockManager(),
		txs:   make(map[pager.TxID]*Transaction),
	}
}

// Locks exposes the underlying lock manager, e.g. for a diagnostic view
// that reports outstanding locks and waiters.
func (m *Manager) Locks() *LockManager { return m.locks }

// Begin starts a new transaction.
func (m *Manager) Begin() (*Transaction, error) {
	id, err := m.pager.BeginTx()
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	tx := &Transaction{
		id:         id,
		mgr:        m,
		state:      Active,
		locks:      make(map[ResourceID]LockMode),
		savepoints: make(map[string]pager.LSN),
	}
	m.mu.Lock()
	m.txs[id] = tx
	m.mu.Unlock()
	return tx, nil
}

// Commit makes tx's changes durable and releases all of its locks. A
// second call on an already-closed handle is a no-op success, per spec's
// commit/abort idempotence rule.
func (m *Manager) Commit(tx *Transaction) error {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return nil
	}
	tx.state = Committed
	tx.mu.Unlock()

	if err := m.pager.CommitTx(tx.id); err != nil {
		return errors.Wrapf(err, "commit transaction %d", tx.id)
	}
	m.locks.Release(tx.id)

	m.mu.Lock()
	delete(m.txs, tx.id)
	m.mu.Unlock()
	return nil
}

// Abort rolls back every change tx made and releases all of its locks. A
// second call on an already-closed handle is a no-op success, per spec's
// commit/abort idempotence rule.
func (m *Manager) Abort(tx *Transaction) error {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return nil
	}
	tx.state = Aborted
	tx.mu.Unlock()

	if err := m.pager.AbortTx(tx.id); err != nil {
		return errors.Wrapf(err, "abort transaction %d", tx.id)
	}
	m.locks.Release(tx.id)

	m.mu.Lock()
	delete(m.txs, tx.id)
	m.mu.Unlock()
	return nil
}

// WithTransaction begins a transaction, runs fn, and commits on success or
// aborts on error (including a panic, which it re-raises after rolling
// back). This is the scoped-capability pattern spec work at the engine
// layer is expected to use for single-statement auto-commit execution.
func (m *Manager) WithTransaction(fn func(tx *Transaction) error) (err error) {
	tx, err := m.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = m.Abort(tx)
			panic(r)
		}
	}()

	if err = fn(tx); err != nil {
		if abortErr := m.Abort(tx); abortErr != nil {
			return errors.Wrapf(err, "original error; abort also failed: %v", abortErr)
		}
		return err
	}
	return m.Commit(tx)
}

// ActiveCount returns how many transactions are currently active. The
// checkpoint daemon does not call it: Pager.Checkpoint decides on WAL
// truncation from its own table of active transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}
