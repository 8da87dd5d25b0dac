package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ods-cortex/cortex/internal/storeadapter"
)

// DefinePolicy inserts a new policy row.
func (e *Enforcer) DefinePolicy(ctx context.Context, p Policy) (Policy, error) {
	def, err := json.Marshal(p.Definition)
	if err != nil {
		return Policy{}, storeadapter.InvalidInput("DefinePolicy", fmt.Sprintf("bad definition: %v", err))
	}
	meta, err := marshalMetadata(p.Metadata)
	if err != nil {
		return Policy{}, storeadapter.InvalidInput("DefinePolicy", fmt.Sprintf("bad metadata: %v", err))
	}

	table := e.adapter.Tables().Policies
	query := fmt.Sprintf(`INSERT INTO %s (name, type, definition, is_enabled, metadata) VALUES (?, ?, ?, ?, ?)`, table)
	res, err := e.adapter.ExecContext(ctx, query, p.Name, string(p.Type), string(def), boolToInt(p.IsEnabled), meta)
	if err != nil {
		return Policy{}, storeadapter.NewError(storeadapter.KindExternalUnavailable, "DefinePolicy", "insert policy failed", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Policy{}, fmt.Errorf("policy last insert id: %w", err)
	}
	p.ID = id
	return p, nil
}

// GetPolicy returns the named policy definition, for callers (the
// governance auditors) that need the raw thresholds rather than a
// pass/fail check.
func (e *Enforcer) GetPolicy(ctx context.Context, name string) (Policy, bool, error) {
	return e.loadPolicy(ctx, name)
}

func (e *Enforcer) loadPolicy(ctx context.Context, name string) (Policy, bool, error) {
	table := e.adapter.Tables().Policies
	row := e.adapter.QueryRowContext(ctx, fmt.Sprintf(`SELECT id, name, type, definition, is_enabled, metadata FROM %s WHERE name = ?`, table), name)
	p, err := scanPolicy(row)
	if err != nil {
		return Policy{}, false, err
	}
	if p == nil {
		return Policy{}, false, nil
	}
	return *p, true, nil
}

func (e *Enforcer) loadPoliciesByType(ctx context.Context, t Type) ([]Policy, error) {
	table := e.adapter.Tables().Policies
	rows, err := e.adapter.QueryContext(ctx, fmt.Sprintf(`SELECT id, name, type, definition, is_enabled, metadata FROM %s WHERE type = ?`, table), string(t))
	if err != nil {
		return nil, fmt.Errorf("load policies by type: %w", err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, *p)
		}
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPolicy(row scannable) (*Policy, error) {
	var (
		p          Policy
		typeStr    string
		definition string
		enabled    int
		metadata   string
	)
	if err := row.Scan(&p.ID, &p.Name, &typeStr, &definition, &enabled, &metadata); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan policy: %w", err)
	}
	p.Type = Type(typeStr)
	p.IsEnabled = intToBool(enabled)
	if err := json.Unmarshal([]byte(definition), &p.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal policy definition: %w", err)
	}
	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("unmarshal policy metadata: %w", err)
	}
	p.Metadata = meta
	return &p, nil
}
