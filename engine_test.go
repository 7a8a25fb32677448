package ariesql

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_CreateInsertSelect(t *testing.T) {
	e := openTestEngine(t)

	if _, err := e.Execute("CREATE TABLE users (id INT64 PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	res, err := e.Execute("INSERT INTO users (id, name) VALUES (1, 'ada')")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if res.RowsAffected != 1 {
		t.Fatalf("rows affected: got %d, want 1", res.RowsAffected)
	}

	res, err = e.Execute("SELECT id, name FROM users WHERE id = 1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("rows: got %d, want 1", len(res.Rows))
	}
	if res.Rows[0][0].Kind != KindInt || res.Rows[0][0].Int != 1 {
		t.Fatalf("id cell: %+v", res.Rows[0][0])
	}
	if res.Rows[0][1].Kind != KindText || res.Rows[0][1].Str != "ada" {
		t.Fatalf("name cell: %+v", res.Rows[0][1])
	}
}

func TestEngine_DuplicateKeyIsConstraintViolation(t *testing.T) {
	e := openTestEngine(t)
	if _, err := e.Execute("CREATE TABLE t (id INT64 PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := e.Execute("INSERT INTO t (id) VALUES (1)"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := e.Execute("INSERT INTO t (id) VALUES (1)")
	if err == nil {
		t.Fatal("expected duplicate-key error, got nil")
	}
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if aerr.Kind != KindConstraintViolation {
		t.Fatalf("kind: got %v, want ConstraintViolation", aerr.Kind)
	}
}

func TestEngine_ExplicitTransactionCommit(t *testing.T) {
	e := openTestEngine(t)
	if _, err := e.Execute("CREATE TABLE t (id INT64 PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	h, err := e.BeginTransaction()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := e.ExecuteInTransaction("INSERT INTO t (id) VALUES (1)", h); err != nil {
		t.Fatalf("insert in txn: %v", err)
	}
	if err := e.CommitTransaction(h); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Idempotent: committing an already-closed handle is a no-op success.
	if err := e.CommitTransaction(h); err != nil {
		t.Fatalf("second commit should be a no-op, got: %v", err)
	}
	if err := e.AbortTransaction(h); err != nil {
		t.Fatalf("abort on closed handle should be a no-op, got: %v", err)
	}

	res, err := e.Execute("SELECT id FROM t")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("rows: got %d, want 1", len(res.Rows))
	}
}

func TestEngine_ExplicitTransactionAbortDiscardsWrites(t *testing.T) {
	e := openTestEngine(t)
	if _, err := e.Execute("CREATE TABLE t (id INT64 PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	h, err := e.BeginTransaction()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := e.ExecuteInTransaction("INSERT INTO t (id) VALUES (1)", h); err != nil {
		t.Fatalf("insert in txn: %v", err)
	}
	if err := e.AbortTransaction(h); err != nil {
		t.Fatalf("abort: %v", err)
	}

	res, err := e.Execute("SELECT id FROM t")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(res.Rows) != 0 {
		t.Fatalf("rows: got %d, want 0 after abort", len(res.Rows))
	}
}

func TestEngine_ExecuteRejectsTransactionControlStatements(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.Execute("BEGIN TRANSACTION")
	if err == nil {
		t.Fatal("expected an error routing BEGIN through Execute")
	}
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Kind != KindTransaction {
		t.Fatalf("expected TransactionError, got %v", err)
	}
}

func TestEngine_SQLParseError(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.Execute("SELECT FROM WHERE")
	if err == nil {
		t.Fatal("expected a parse error")
	}
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Kind != KindSQLParse {
		t.Fatalf("expected SqlParseError, got %v", err)
	}
}

func TestEngine_OpenConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.db")
	e, err := OpenConfig(EngineConfig{DBPath: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()
	if e.cfg.CheckpointInterval <= 0 {
		t.Fatal("expected a default checkpoint interval to be applied")
	}
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	e := openTestEngine(t)
	if err := e.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}
}
