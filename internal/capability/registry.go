package capability

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

// Registry is the capability store plus lifecycle operations over it.
type Registry struct {
	adapter storeadapter.Adapter
	clock   clock.Clock
}

// New builds a Registry.
func New(adapter storeadapter.Adapter, clk clock.Clock) *Registry {
	return &Registry{adapter: adapter, clock: clk}
}

func (r *Registry) table() string { return r.adapter.Tables().Capabilities }

const capColumns = `name, version, description, status, reliability, usages, metadata, created_at, updated_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanCapability(row scannable) (*Capability, error) {
	var (
		c        Capability
		status   string
		metadata string
	)
	if err := row.Scan(&c.Name, &c.Version, &c.Description, &status, &c.Reliability, &c.Usages, &metadata, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan capability: %w", err)
	}
	c.Status = Status(status)
	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("unmarshal capability metadata: %w", err)
	}
	c.Metadata = meta
	return &c, nil
}

// RegisterInput is the argument shape for RegisterCapability.
type RegisterInput struct {
	Name           string
	Version        string
	Description    string
	InitialStatus  Status
	MutatedFrom    string
	ExtraMetadata  Metadata
}

// RegisterCapability upserts by name: if a capability with this name already
// exists (regardless of version), its row is updated in place; otherwise a
// new row is inserted. Lineage is mutatedFrom if given, else the name
// itself, per spec.md §4.4.
func (r *Registry) RegisterCapability(ctx context.Context, in RegisterInput) (Capability, error) {
	if in.Name == "" {
		return Capability{}, storeadapter.InvalidInput("registerCapability", "name is required")
	}
	status := in.InitialStatus
	if status == "" {
		status = StatusSandbox
	}

	lineage := in.MutatedFrom
	if lineage == "" {
		lineage = in.Name
	}
	meta := in.ExtraMetadata
	meta.Lineage = lineage
	meta.MutatedFrom = in.MutatedFrom

	existing, err := r.GetByName(ctx, in.Name)
	if err != nil {
		return Capability{}, err
	}

	now := r.clock.Now()
	if existing == nil {
		metaJSON, err := marshalMetadata(meta)
		if err != nil {
			return Capability{}, storeadapter.InvalidInput("registerCapability", fmt.Sprintf("bad metadata: %v", err))
		}
		query := fmt.Sprintf(`INSERT INTO %s (name, version, description, status, reliability, usages, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?)`, r.table())
		if _, err := r.adapter.ExecContext(ctx, query, in.Name, in.Version, in.Description, string(status), metaJSON, now, now); err != nil {
			return Capability{}, storeadapter.NewError(storeadapter.KindExternalUnavailable, "registerCapability", "insert capability failed", err)
		}
		return Capability{Name: in.Name, Version: in.Version, Description: in.Description, Status: status, Metadata: meta, CreatedAt: now, UpdatedAt: now}, nil
	}

	meta.SuccessCount = existing.Metadata.SuccessCount
	metaJSON, err := marshalMetadata(meta)
	if err != nil {
		return Capability{}, storeadapter.InvalidInput("registerCapability", fmt.Sprintf("bad metadata: %v", err))
	}
	query := fmt.Sprintf(`UPDATE %s SET version = ?, description = ?, status = ?, metadata = ?, updated_at = ? WHERE name = ? AND version = ?`, r.table())
	if _, err := r.adapter.ExecContext(ctx, query, in.Version, in.Description, string(status), metaJSON, now, existing.Name, existing.Version); err != nil {
		return Capability{}, storeadapter.NewError(storeadapter.KindExternalUnavailable, "registerCapability", "update capability failed", err)
	}
	return Capability{Name: in.Name, Version: in.Version, Description: in.Description, Status: status, Reliability: existing.Reliability, Usages: existing.Usages, Metadata: meta, CreatedAt: existing.CreatedAt, UpdatedAt: now}, nil
}

// GetByName returns the single row carrying name, regardless of version
// (the registry enforces one live row per name via RegisterCapability).
func (r *Registry) GetByName(ctx context.Context, name string) (*Capability, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE name = ? LIMIT 1`, capColumns, r.table())
	return scanCapability(r.adapter.QueryRowContext(ctx, query, name))
}

// ListByStatus returns every capability in the given status.
func (r *Registry) ListByStatus(ctx context.Context, status Status) ([]Capability, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = ?`, capColumns, r.table())
	rows, err := r.adapter.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()
	return scanCapabilityRows(rows)
}

// ListAll returns every capability in the registry.
func (r *Registry) ListAll(ctx context.Context) ([]Capability, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, capColumns, r.table())
	rows, err := r.adapter.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list all: %w", err)
	}
	defer rows.Close()
	return scanCapabilityRows(rows)
}

func scanCapabilityRows(rows *sql.Rows) ([]Capability, error) {
	var out []Capability
	for rows.Next() {
		c, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// RecordOutcome updates usage/reliability counters after an invocation:
// reliability = successes / usages.
func (r *Registry) RecordOutcome(ctx context.Context, name, version string, succeeded bool) error {
	return r.adapter.WithTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE name = ? AND version = ?`, capColumns, r.table())
		cap, err := scanCapability(tx.QueryRowContext(ctx, query, name, version))
		if err != nil {
			return err
		}
		if cap == nil {
			return storeadapter.NotFound("recordOutcome", fmt.Sprintf("capability %s@%s not found", name, version))
		}

		cap.Usages++
		if succeeded {
			cap.Metadata.SuccessCount++
		}
		cap.Reliability = float64(cap.Metadata.SuccessCount) / float64(cap.Usages)

		metaJSON, err := marshalMetadata(cap.Metadata)
		if err != nil {
			return err
		}
		update := fmt.Sprintf(`UPDATE %s SET reliability = ?, usages = ?, metadata = ?, updated_at = ? WHERE name = ? AND version = ?`, r.table())
		_, err = tx.ExecContext(ctx, update, cap.Reliability, cap.Usages, metaJSON, r.clock.Now(), name, version)
		return err
	})
}

// UpdateStatus transitions a capability's status. blacklisted is terminal:
// callers (the governance auditor, hive broadcaster) are expected to follow
// a transition into StatusBlacklisted with their own propagation step.
func (r *Registry) UpdateStatus(ctx context.Context, name, version string, status Status) error {
	query := fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE name = ? AND version = ?`, r.table())
	res, err := r.adapter.ExecContext(ctx, query, string(status), r.clock.Now(), name, version)
	if err != nil {
		return storeadapter.NewError(storeadapter.KindExternalUnavailable, "updateStatus", "update status failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeadapter.NotFound("updateStatus", fmt.Sprintf("capability %s@%s not found", name, version))
	}
	return nil
}

// UpdateDescription rewrites a capability's description, used by
// Lifecycle's pre-warm refinement step.
func (r *Registry) UpdateDescription(ctx context.Context, name, version, description string) error {
	query := fmt.Sprintf(`UPDATE %s SET description = ?, updated_at = ? WHERE name = ? AND version = ?`, r.table())
	_, err := r.adapter.ExecContext(ctx, query, description, r.clock.Now(), name, version)
	if err != nil {
		return storeadapter.NewError(storeadapter.KindExternalUnavailable, "updateDescription", "update description failed", err)
	}
	return nil
}

// Delete removes a capability row outright, used by the synthesizer's
// bottom-reliability pruning.
func (r *Registry) Delete(ctx context.Context, name, version string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = ? AND version = ?`, r.table())
	_, err := r.adapter.ExecContext(ctx, query, name, version)
	return err
}
