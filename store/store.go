// Package store is the relational persistence layer (component A). It
// wraps crawshaw.io/sqlite the way spilldb/db does: a pooled connection
// handle, an idempotent schema script run at Open, and typed repository
// methods that take an explicit *sqlite.Conn rather than hiding it behind
// an ORM session.
package store

import (
	"context"
	"fmt"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"coremail/storeerr"
)

// Store is the pooled handle every repository method hangs off of.
type Store struct {
	pool *sqlitex.Pool
	Logf func(format string, v ...interface{})
}

// Open opens (creating if necessary) the sqlite database at path, runs
// the schema script, and returns a Store backed by a connection pool.
func Open(path string) (*Store, error) {
	conn, err := sqlite.OpenConn(path, 0)
	if err != nil {
		return nil, fmt.Errorf("store.Open: init open: %v", err)
	}
	if err := Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store.Open: init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("store.Open: init close: %v", err)
	}
	pool, err := sqlitex.Open(path, 0, 16)
	if err != nil {
		return nil, fmt.Errorf("store.Open: pool: %v", err)
	}
	return &Store{pool: pool, Logf: func(string, ...interface{}) {}}, nil
}

// Init applies pragmas and the schema to conn. Exported so tests can open
// an in-memory or temp-file connection directly without going through a pool.
func Init(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA foreign_keys=ON;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		return err
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// WithConn runs fn with a pooled connection, outside of any transaction.
func (s *Store) WithConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return storeerr.New(storeerr.StorageUnavailable, "store: no connection available")
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// WithTx runs fn inside a savepoint: fn's error rolls the savepoint back,
// a nil error commits it. Mirrors spillbox's defer sqlitex.Save(conn)(&err).
func (s *Store) WithTx(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return storeerr.New(storeerr.StorageUnavailable, "store: no connection available")
	}
	defer s.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)
	err = fn(conn)
	return err
}

// isUniqueViolation reports whether err came from a UNIQUE constraint.
func isUniqueViolation(err error) bool {
	return sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE
}

// isForeignKeyViolation reports whether err came from a FOREIGN KEY
// constraint, the backstop DeleteFolders relies on in case a UserMessages
// row is inserted between its existence check and its DELETE.
func isForeignKeyViolation(err error) bool {
	return sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_FOREIGNKEY
}
