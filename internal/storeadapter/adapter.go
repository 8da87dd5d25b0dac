package storeadapter

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"time"
)

//go:embed schema.sql
var schemaFS embed.FS

// Adapter is the storage boundary every subsystem depends on. It owns the
// underlying *sql.DB, the configurable table names, and the dialect-specific
// behavior spec.md §5.3 calls out (row locking, PRAGMA-level maintenance).
type Adapter interface {
	Executor

	// DB exposes the pool directly for subsystems that need to open their
	// own transaction (a *sql.Tx satisfies Executor too).
	DB() *sql.DB

	// Tables returns the configured table names.
	Tables() *TableNames

	// WithTx runs fn inside a transaction, committing on nil return and
	// rolling back otherwise, mirroring the teacher's withTx helper.
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error

	// SupportsRowLocks reports whether LockRow can provide real mutual
	// exclusion. The pure-Go dialect reports false; callers still call
	// LockRow, which is then a no-op.
	SupportsRowLocks() bool

	// LockRow acquires a row-level lock on table/id within tx, emulating
	// SELECT ... FOR UPDATE. A no-op (immediate return) when
	// SupportsRowLocks is false.
	LockRow(ctx context.Context, tx *sql.Tx, table string, id any) error

	// Optimize runs the dialect's housekeeping pragmas (ANALYZE / optimize).
	// Called periodically by the ritual orchestrator's maintenance ritual.
	Optimize(ctx context.Context) error

	// Introspect lists the user tables currently present, used by the
	// governance auditor's schema-drift checks.
	Introspect(ctx context.Context) ([]string, error)

	Close() error
}

// baseAdapter holds everything shared between the two dialects; the
// dialect-specific types embed it and override the handful of methods that
// differ (SupportsRowLocks, LockRow, Optimize).
type baseAdapter struct {
	db     *sql.DB
	tables *TableNames
}

func (b *baseAdapter) DB() *sql.DB        { return b.db }
func (b *baseAdapter) Tables() *TableNames { return b.tables }

func (b *baseAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.db.ExecContext(ctx, query, args...)
}

func (b *baseAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return b.db.QueryContext(ctx, query, args...)
}

func (b *baseAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return b.db.QueryRowContext(ctx, query, args...)
}

func (b *baseAdapter) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (b *baseAdapter) Introspect(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("introspect: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("introspect scan: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (b *baseAdapter) Close() error { return b.db.Close() }

func configurePool(db *sql.DB) {
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("ensure schema_version: %w", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current >= 1 {
		return nil
	}

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read embedded schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("apply schema.sql: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (1)`); err != nil {
		return fmt.Errorf("record schema_version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	log.Printf("[MIGRATION] schema applied, now at version 1")
	return nil
}
