// Package ariesql composes the paged buffer pool, write-ahead log, lock
// manager, transaction manager, catalog, and SQL front end of
// internal/storage/pager, internal/txn, internal/catalog, and
// internal/engine into the single embedding API external collaborators
// (a line-editor shell, a TCP/JSON-RPC listener, an HTTP/REST service)
// consume:
//
//	db, err := ariesql.Open("orders.db")
//	if err != nil { ... }
//	defer db.Close()
//	res, err := db.Execute("SELECT * FROM orders WHERE id = 1")
//
// The engine, its buffer pool, WAL, lock manager, and transaction manager
// are all fields of an *Engine value rather than process-wide singletons,
// so tests can open independent engines against independent temp
// directories without sharing state.
package ariesql

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ariesql/ariesql/internal/catalog"
	"github.com/ariesql/ariesql/internal/engine"
	"github.com/ariesql/ariesql/internal/storage/pager"
	"github.com/ariesql/ariesql/internal/txn"
)

// Handle is the capability an explicit (non-autocommit) transaction hands
// back to its caller. It is opaque beyond the methods internal/txn already
// exposes on *txn.Transaction (ID, State, Savepoint, RollbackTo).
type Handle = txn.Transaction

// Engine is one open database: a Pager (disk manager + buffer pool + WAL +
// recovery), a transaction manager (lock manager + 2PL lifecycle), a
// catalog, and the SQL front end bound together. Open runs recovery before
// returning, per spec's "recovery runs once before any user transaction is
// admitted" rule.
type Engine struct {
	ID     uuid.UUID
	Logger zerolog.Logger

	cfg   EngineConfig
	p     *pager.Pager
	txMgr *txn.Manager
	cat   *catalog.Catalog

	mu     sync.Mutex
	cron   *cron.Cron
	closed bool
}

// Open opens or creates a database file at path under default
// configuration.
func Open(path string) (*Engine, error) {
	return OpenConfig(EngineConfig{DBPath: path})
}

// OpenConfigFile loads an EngineConfig from a YAML file and opens it.
func OpenConfigFile(yamlPath string) (*Engine, error) {
	cfg, err := LoadConfigFile(yamlPath)
	if err != nil {
		return nil, err
	}
	return OpenConfig(cfg)
}

// OpenConfig opens a database under an explicit EngineConfig.
func OpenConfig(cfg EngineConfig) (*Engine, error) {
	cfg.applyDefaults()

	p, err := pager.OpenPager(pager.PagerConfig{
		DBPath:        cfg.DBPath,
		WALPath:       cfg.WALPath,
		PageSize:      cfg.PageSize,
		MaxCachePages: cfg.BufferPoolPages,
	})
	if err != nil {
		return nil, wrapErr(KindIO, err)
	}

	txMgr := txn.NewManager(p)

	var cat *catalog.Catalog
	err = txMgr.WithTransaction(func(tx *txn.Transaction) error {
		var openErr error
		cat, openErr = catalog.Open(p, tx)
		return openErr
	})
	if err != nil {
		_ = p.Close()
		return nil, wrapErr(KindCatalog, err)
	}

	id := uuid.New()
	e := &Engine{
		ID:     id,
		Logger: zerolog.Nop(), // silent by default; callers opt into logging
		cfg:    cfg,
		p:      p,
		txMgr:  txMgr,
		cat:    cat,
	}
	e.startCheckpointDaemon()
	return e, nil
}

// EnableConsoleLogging points Logger at a human-readable console writer,
// e.g. for a CLI's --verbose flag. Disabled (zerolog.Nop) by default.
func (e *Engine) EnableConsoleLogging(w io.Writer) {
	e.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
		With().Timestamp().Str("engine", e.ID.String()).Logger()
}

// parseOne parses sql (with an optional trailing ';' and surrounding
// whitespace trimmed) into a single statement.
func parseOne(sql string) (engine.Statement, error) {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")
	if strings.TrimSpace(sql) == "" {
		return nil, fmt.Errorf("empty statement")
	}
	return engine.NewParser(sql).ParseStatement()
}

// Execute parses and runs a single SQL statement in its own transaction,
// autocommitting on success and rolling back automatically on any error
// (spec's autocommit semantics). BEGIN/COMMIT/ROLLBACK must go through
// BeginTransaction/CommitTransaction/AbortTransaction instead.
func (e *Engine) Execute(sql string) (*Result, error) {
	stmt, err := parseOne(sql)
	if err != nil {
		return nil, &Error{Kind: KindSQLParse, Err: err}
	}
	switch stmt.(type) {
	case *engine.BeginTransaction, *engine.CommitTransaction, *engine.RollbackTransaction:
		return nil, &Error{Kind: KindTransaction, Err: fmt.Errorf("use BeginTransaction/CommitTransaction/AbortTransaction for explicit transaction control")}
	}

	var rs *engine.ResultSet
	runErr := e.txMgr.WithTransaction(func(tx *txn.Transaction) error {
		var execErr error
		rs, execErr = engine.Execute(engine.ExecEnv{Cat: e.cat, Tx: tx}, stmt)
		return execErr
	})
	if runErr != nil {
		return nil, wrapErr(KindExecution, runErr)
	}
	return toResult(rs), nil
}

// BeginTransaction starts a new explicit transaction and binds it to the
// returned Handle, which the caller threads through every subsequent
// ExecuteInTransaction/CommitTransaction/AbortTransaction call — the
// scoped-capability pattern spec's design notes mandate in place of a
// thread-local "current transaction".
func (e *Engine) BeginTransaction() (*Handle, error) {
	tx, err := e.txMgr.Begin()
	if err != nil {
		return nil, wrapErr(KindTransaction, err)
	}
	return tx, nil
}

// ExecuteInTransaction parses and runs sql under h's locks and WAL chain.
// An execution error aborts h at once: its changes are rolled back and its
// locks released, and h's State is Aborted (there is no separate aborting
// state). Every later call on h returns TransactionError, and
// AbortTransaction on it is a no-op success.
func (e *Engine) ExecuteInTransaction(sql string, h *Handle) (*Result, error) {
	if h == nil {
		return nil, &Error{Kind: KindTransaction, Err: fmt.Errorf("no transaction handle")}
	}
	if h.State() != txn.Active {
		return nil, &Error{Kind: KindTransaction, Err: txn.ErrTxnClosed}
	}
	stmt, err := parseOne(sql)
	if err != nil {
		return nil, &Error{Kind: KindSQLParse, Err: err}
	}
	switch stmt.(type) {
	case *engine.BeginTransaction, *engine.CommitTransaction, *engine.RollbackTransaction:
		return nil, &Error{Kind: KindTransaction, Err: fmt.Errorf("use CommitTransaction/AbortTransaction, not a BEGIN/COMMIT/ROLLBACK statement, inside an explicit transaction")}
	}

	rs, err := engine.Execute(engine.ExecEnv{Cat: e.cat, Tx: h}, stmt)
	if err != nil {
		_ = e.txMgr.Abort(h)
		return nil, wrapErr(KindExecution, err)
	}
	return toResult(rs), nil
}

// CommitTransaction makes h's changes durable and releases its locks.
// Idempotent: a second call on an already-closed handle is a no-op
// success.
func (e *Engine) CommitTransaction(h *Handle) error {
	if h == nil {
		return &Error{Kind: KindTransaction, Err: fmt.Errorf("no transaction handle")}
	}
	return wrapErr(KindTransaction, e.txMgr.Commit(h))
}

// AbortTransaction rolls back every change h made and releases its locks.
// Idempotent: a second call on an already-closed handle is a no-op
// success.
func (e *Engine) AbortTransaction(h *Handle) error {
	if h == nil {
		return &Error{Kind: KindTransaction, Err: fmt.Errorf("no transaction handle")}
	}
	return wrapErr(KindTransaction, e.txMgr.Abort(h))
}

// Close stops the checkpoint daemon and closes the underlying Pager
// (flushing every dirty page and closing the WAL and data files). Safe to
// call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	c := e.cron
	e.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	if err := e.p.Close(); err != nil {
		return wrapErr(KindIO, err)
	}
	return nil
}

// FetchCount exposes the buffer pool's cumulative fetch counter, for the
// cost-comparison performance tests spec §8 scenario 7 requires.
func (e *Engine) FetchCount() int64 { return e.p.FetchCount() }

// Tables lists every user table currently defined, for tooling like a
// shell's ".tables" meta-command.
func (e *Engine) Tables() []string { return e.cat.List() }

// TableSchema returns a table's full catalog description, for a shell's
// ".schema" meta-command. ok is false if name isn't a table.
func (e *Engine) TableSchema(name string) (meta catalog.TableMeta, ok bool) {
	return e.cat.Get(name)
}
