package ritual

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

const ritualColumns = `id, name, type, frequency, status, last_run, next_run, locked_until, metadata`

// Store is the agent_rituals CRUD layer, including the distributed lease
// claim the orchestrator runs every tick.
type Store struct {
	adapter storeadapter.Adapter
	clock   clock.Clock
}

// NewStore builds a Store over adapter.
func NewStore(adapter storeadapter.Adapter, clk clock.Clock) *Store {
	return &Store{adapter: adapter, clock: clk}
}

func (s *Store) table() string { return s.adapter.Tables().Rituals }

// Define inserts a ritual definition by name; if a ritual with that name
// already exists, its row (type, frequency and schedule state) is left
// unchanged.
func (s *Store) Define(ctx context.Context, name string, ritualType Type, frequency Frequency) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (name, type, frequency, status, next_run, metadata)
		VALUES (?, ?, ?, 'pending', ?, '{}')
		ON CONFLICT(name) DO NOTHING`, s.table())
	_, err := s.adapter.ExecContext(ctx, query, name, string(ritualType), string(frequency), s.clock.Now())
	if err != nil {
		return storeadapter.NewError(storeadapter.KindExternalUnavailable, "Define", "insert ritual failed", err)
	}
	return nil
}

// Get fetches a ritual by name.
func (s *Store) Get(ctx context.Context, name string) (*Ritual, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE name = ?`, ritualColumns, s.table())
	return scanRitual(s.adapter.QueryRowContext(ctx, query, name))
}

// ListAll returns every ritual, ordered by next_run.
func (s *Store) ListAll(ctx context.Context) ([]Ritual, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY next_run`, ritualColumns, s.table())
	rows, err := s.adapter.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rituals: %w", err)
	}
	defer rows.Close()

	var out []Ritual
	for rows.Next() {
		r, err := scanRitualRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimDue implements spec.md §4.9 steps 1-2: in a single transaction, select
// rituals whose next_run has passed and whose lease is free, then mark each
// locked_until = now + leaseDuration before returning them to the caller to
// execute outside the transaction.
func (s *Store) ClaimDue(ctx context.Context) ([]Ritual, error) {
	var claimed []Ritual
	err := s.adapter.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		selectQuery := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE next_run <= ? AND (locked_until IS NULL OR locked_until <= ?)`, ritualColumns, s.table())
		rows, err := tx.QueryContext(ctx, selectQuery, now, now)
		if err != nil {
			return fmt.Errorf("select due rituals: %w", err)
		}
		var due []Ritual
		for rows.Next() {
			r, err := scanRitualRows(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		lease := now.Add(leaseDuration)
		updateQuery := fmt.Sprintf(`UPDATE %s SET locked_until = ? WHERE id = ?`, s.table())
		for i := range due {
			if _, err := tx.ExecContext(ctx, updateQuery, lease, due[i].ID); err != nil {
				return fmt.Errorf("lease ritual %s: %w", due[i].Name, err)
			}
			due[i].LockedUntil = &lease
		}
		claimed = due
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete implements spec.md §4.9 step 4: record the outcome, schedule the
// next run from the ritual's base interval plus any failure backoff, release
// the lease, and merge the dispatch result into metadata.
func (s *Store) Complete(ctx context.Context, r Ritual, status Status, runErr error, result map[string]any) error {
	meta := r.Metadata
	if runErr != nil {
		meta.FailureCount++
		meta.LastError = runErr.Error()
	} else {
		meta.FailureCount = 0
		meta.LastError = ""
	}
	if result != nil {
		meta.Result = result
	}
	encoded, err := marshalMetadata(meta)
	if err != nil {
		return storeadapter.InvalidInput("Complete", fmt.Sprintf("bad ritual metadata: %v", err))
	}

	now := s.clock.Now()
	base := baseInterval(r.Frequency)
	next, err := scheduleNext(r.Frequency, now)
	if err != nil {
		return fmt.Errorf("complete ritual %s: %w", r.Name, err)
	}
	next = next.Add(backoff(meta.FailureCount, base))

	query := fmt.Sprintf(`
		UPDATE %s SET status = ?, last_run = ?, next_run = ?, locked_until = NULL, metadata = ?
		WHERE id = ?`, s.table())
	_, err = s.adapter.ExecContext(ctx, query, string(status), now, next, encoded, r.ID)
	if err != nil {
		return storeadapter.NewError(storeadapter.KindExternalUnavailable, "Complete", "update ritual failed", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRitual(row scannable) (*Ritual, error) {
	r, err := scanRitualRows(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func scanRitualRows(row scannable) (Ritual, error) {
	var (
		r           Ritual
		ritualType  string
		frequency   string
		status      string
		lastRun     sql.NullTime
		lockedUntil sql.NullTime
		metadata    string
	)
	if err := row.Scan(&r.ID, &r.Name, &ritualType, &frequency, &status, &lastRun, &r.NextRun, &lockedUntil, &metadata); err != nil {
		return Ritual{}, err
	}
	r.Type = Type(ritualType)
	r.Frequency = Frequency(frequency)
	r.Status = Status(status)
	if lastRun.Valid {
		t := lastRun.Time
		r.LastRun = &t
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		r.LockedUntil = &t
	}
	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return Ritual{}, fmt.Errorf("unmarshal ritual metadata: %w", err)
	}
	r.Metadata = meta
	return r, nil
}
