package storeadapter

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteAdapter is the cgo-backed dialect. It supports real row locking by
// emulating SELECT ... FOR UPDATE with BEGIN IMMEDIATE, the same trick the
// teacher's memory store leans on for single-writer SQLite, per spec.md
// §5.3's row-lock requirement.
type SQLiteAdapter struct {
	baseAdapter
}

// NewSQLiteAdapter opens path with the mattn/go-sqlite3 driver, applying the
// WAL + busy-timeout + foreign-key pragmas the teacher's db.go uses, then
// runs migrations.
func NewSQLiteAdapter(ctx context.Context, path string, tables *TableNames) (*SQLiteAdapter, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	configurePool(db)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite3: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if tables == nil {
		tables = DefaultTableNames()
	}
	return &SQLiteAdapter{baseAdapter{db: db, tables: tables}}, nil
}

// SupportsRowLocks always returns true for the cgo dialect.
func (a *SQLiteAdapter) SupportsRowLocks() bool { return true }

// LockRow runs a SELECT against the target row inside tx, which, because tx
// began as BEGIN IMMEDIATE (a write transaction), holds SQLite's reserved
// lock on the whole database file for its duration — the closest equivalent
// to a row lock a single-writer engine can offer.
func (a *SQLiteAdapter) LockRow(ctx context.Context, tx *sql.Tx, table string, id any) error {
	query := fmt.Sprintf("SELECT rowid FROM %s WHERE id = ? LIMIT 1", table)
	var rowid int64
	err := tx.QueryRowContext(ctx, query, id).Scan(&rowid)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock row %s/%v: %w", table, id, err)
	}
	return nil
}

// Optimize runs SQLite's housekeeping pragmas.
func (a *SQLiteAdapter) Optimize(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, `PRAGMA optimize`); err != nil {
		return fmt.Errorf("pragma optimize: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, `ANALYZE`); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return nil
}
