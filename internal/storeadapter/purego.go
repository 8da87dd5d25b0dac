package storeadapter

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// PureGoAdapter is the cgo-free dialect (modernc.org/sqlite). It cannot take
// a real exclusive row lock the way BEGIN IMMEDIATE does for the cgo driver,
// so SupportsRowLocks reports false and LockRow returns immediately,
// bypassing the lock, per spec.md §5.3.
type PureGoAdapter struct {
	baseAdapter
}

// NewPureGoAdapter opens path with modernc.org/sqlite.
func NewPureGoAdapter(ctx context.Context, path string, tables *TableNames) (*PureGoAdapter, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open modernc sqlite: %w", err)
	}
	// modernc.org/sqlite serializes through a single connection internally;
	// a larger pool just produces SQLITE_BUSY under contention.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping modernc sqlite: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if tables == nil {
		tables = DefaultTableNames()
	}
	return &PureGoAdapter{baseAdapter{db: db, tables: tables}}, nil
}

// SupportsRowLocks always returns false for the pure-Go dialect.
func (a *PureGoAdapter) SupportsRowLocks() bool { return false }

// LockRow is a no-op: the single-connection pool already serializes every
// statement, and spec.md §5.3 permits bypassing row locks when the dialect
// can't provide them.
func (a *PureGoAdapter) LockRow(ctx context.Context, tx *sql.Tx, table string, id any) error {
	return nil
}

// Optimize runs the pure-Go driver's equivalent housekeeping pragmas.
func (a *PureGoAdapter) Optimize(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, `PRAGMA optimize`); err != nil {
		return fmt.Errorf("pragma optimize: %w", err)
	}
	return nil
}
