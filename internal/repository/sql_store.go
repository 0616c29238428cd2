// Package repository is the MySQL implementation of store.Store.  It
// follows the conventions of the rest of the codebase: raw SQL through
// database/sql, explicit *sql.Tx threading, SELECT ... FOR UPDATE for the
// rows that serialize concurrent sales, and all timestamps in UTC.
package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/dvalera/taquilla-pos/internal/store"
)

// SQLStore implements store.Store on a MySQL database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore returns a SQLStore bound to the given database handle.
func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

// DB exposes the underlying handle for migrations and health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

// WithinTx runs fn inside one transaction, committing on nil and rolling
// back otherwise.  Row locks taken by the ...ForUpdate methods are held
// until the transaction ends, which is what makes increment-and-persist
// atomic for concurrent callers.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&sqlTx{tx: tx}); err != nil {
		return mapSQLError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapSQLError(err)
	}
	committed = true
	return nil
}

// sqlTx implements store.Tx over one *sql.Tx.
type sqlTx struct {
	tx *sql.Tx
}

var (
	_ store.Store = (*SQLStore)(nil)
	_ store.Tx    = (*sqlTx)(nil)
)

// MySQL error numbers that the core's error taxonomy cares about.
const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// mapSQLError translates driver errors into the typed business errors.
// Lock waits and deadlocks become ErrContention (safe to retry, nothing
// was committed); duplicate keys on fiscal tables become
// ErrDuplicateSeriesNumber.  Errors already in the taxonomy pass through.
func mapSQLError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrLockWaitTimeout, mysqlErrDeadlock:
			return store.ErrContention
		case mysqlErrDuplicateEntry:
			return store.ErrDuplicateSeriesNumber
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return store.ErrContention
	}
	return err
}
