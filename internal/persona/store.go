// Package persona implements the Strategic Planner (spec.md §4.6): the
// persona mutate / verify / stabilize-or-rollback loop that evolves each
// persona's role and policy set from observed performance.
package persona

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

const personaColumns = `name, role, capabilities, policies, metadata`

// Store is the agent_personas CRUD layer every planner step reads and
// writes through.
type Store struct {
	adapter storeadapter.Adapter
	clock   clock.Clock
}

// NewStore builds a Store over adapter.
func NewStore(adapter storeadapter.Adapter, clk clock.Clock) *Store {
	return &Store{adapter: adapter, clock: clk}
}

func (s *Store) table() string { return s.adapter.Tables().Personas }

// Create inserts a new persona.
func (s *Store) Create(ctx context.Context, p Persona) error {
	caps, err := marshalStringList(p.Capabilities)
	if err != nil {
		return storeadapter.InvalidInput("Create", fmt.Sprintf("bad capabilities: %v", err))
	}
	policies, err := marshalStringList(p.Policies)
	if err != nil {
		return storeadapter.InvalidInput("Create", fmt.Sprintf("bad policies: %v", err))
	}
	meta, err := marshalMetadata(p.Metadata)
	if err != nil {
		return storeadapter.InvalidInput("Create", fmt.Sprintf("bad metadata: %v", err))
	}
	now := s.clock.Now()
	query := fmt.Sprintf(`INSERT INTO %s (%s, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table(), personaColumns)
	_, err = s.adapter.ExecContext(ctx, query, p.Name, p.Role, caps, policies, meta, now, now)
	if err != nil {
		return storeadapter.NewError(storeadapter.KindExternalUnavailable, "Create", "insert persona failed", err)
	}
	return nil
}

// Get fetches a persona by name.
func (s *Store) Get(ctx context.Context, name string) (*Persona, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE name = ?`, personaColumns, s.table())
	return scanPersona(s.adapter.QueryRowContext(ctx, query, name))
}

// ListAll returns every persona, the set mutateStrategy iterates over.
func (s *Store) ListAll(ctx context.Context) ([]Persona, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY name`, personaColumns, s.table())
	rows, err := s.adapter.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	var out []Persona
	for rows.Next() {
		p, err := scanPersonaRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListByHiveTrusted returns every persona metadata.hiveTrusted=true whose
// mutationReason matches reason, the primitive the verification monitor's
// adaptive threshold (spec.md §4.6 step 1) counts against.
func (s *Store) ListByHiveTrusted(ctx context.Context, reason string) ([]Persona, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []Persona
	for _, p := range all {
		if p.Metadata.HiveTrusted && p.Metadata.MutationReason == reason {
			out = append(out, p)
		}
	}
	return out, nil
}

// WithLock runs fn with p's row locked for the duration of a transaction,
// re-fetching the latest row state inside the lock before calling fn, and
// persisting whatever fn returns. This is the single choke point every
// planner step (verification, mutation, rollback) writes a persona through,
// satisfying spec.md §5's "read-then-write acquires a row lock" rule.
func (s *Store) WithLock(ctx context.Context, name string, fn func(tx *sql.Tx, current Persona) (Persona, error)) error {
	return s.adapter.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.lockRow(ctx, tx, name); err != nil {
			return err
		}
		current, err := s.getTx(ctx, tx, name)
		if err != nil {
			return err
		}
		if current == nil {
			return storeadapter.NotFound("WithLock", fmt.Sprintf("persona %q", name))
		}
		next, err := fn(tx, *current)
		if err != nil {
			return err
		}
		return s.updateTx(ctx, tx, next)
	})
}

// lockRow holds a write lock on the persona row within tx. agent_personas'
// primary key is name, not id, so the generic Adapter.LockRow (which
// assumes an "id" column) doesn't apply; see hive.lockCapabilityRow for the
// same pattern against agent_capabilities.
func (s *Store) lockRow(ctx context.Context, tx *sql.Tx, name string) error {
	query := fmt.Sprintf(`SELECT rowid FROM %s WHERE name = ? LIMIT 1`, s.table())
	var rowid int64
	err := tx.QueryRowContext(ctx, query, name).Scan(&rowid)
	if err == sql.ErrNoRows {
		return nil
	}
	return err
}

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, name string) (*Persona, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE name = ?`, personaColumns, s.table())
	return scanPersona(tx.QueryRowContext(ctx, query, name))
}

func (s *Store) updateTx(ctx context.Context, tx *sql.Tx, p Persona) error {
	caps, err := marshalStringList(p.Capabilities)
	if err != nil {
		return storeadapter.InvalidInput("updateTx", fmt.Sprintf("bad capabilities: %v", err))
	}
	policies, err := marshalStringList(p.Policies)
	if err != nil {
		return storeadapter.InvalidInput("updateTx", fmt.Sprintf("bad policies: %v", err))
	}
	meta, err := marshalMetadata(p.Metadata)
	if err != nil {
		return storeadapter.InvalidInput("updateTx", fmt.Sprintf("bad metadata: %v", err))
	}
	query := fmt.Sprintf(`UPDATE %s SET role = ?, capabilities = ?, policies = ?, metadata = ?, updated_at = ? WHERE name = ?`, s.table())
	_, err = tx.ExecContext(ctx, query, p.Role, caps, policies, meta, s.clock.Now(), p.Name)
	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPersona(row scannable) (*Persona, error) {
	p, err := scanPersonaRows(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func scanPersonaRows(row scannable) (Persona, error) {
	var (
		p        Persona
		caps     string
		policies string
		metadata string
	)
	if err := row.Scan(&p.Name, &p.Role, &caps, &policies, &metadata); err != nil {
		return Persona{}, err
	}
	capsList, err := unmarshalStringList(caps)
	if err != nil {
		return Persona{}, fmt.Errorf("unmarshal persona capabilities: %w", err)
	}
	p.Capabilities = capsList
	policiesList, err := unmarshalStringList(policies)
	if err != nil {
		return Persona{}, fmt.Errorf("unmarshal persona policies: %w", err)
	}
	p.Policies = policiesList
	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return Persona{}, fmt.Errorf("unmarshal persona metadata: %w", err)
	}
	p.Metadata = meta
	return p, nil
}
