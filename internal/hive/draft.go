// Package hive implements the Hive Broadcaster (spec.md §4.5): Sovereign
// Draft alpha/shadow election across capability lineages, blacklist
// propagation, and domain/knowledge synchronization across lineage peers.
package hive

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/ods-cortex/cortex/internal/capability"
	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/knowledge"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

// Broadcaster runs the Sovereign Draft and knowledge propagation over a
// capability registry and knowledge graph.
type Broadcaster struct {
	adapter  storeadapter.Adapter
	registry *capability.Registry
	graph    *knowledge.Graph
	clock    clock.Clock
	transport *Transport
}

// New builds a Broadcaster. transport may be nil: draft/sync results then
// apply locally only, with no cross-lineage publish.
func New(adapter storeadapter.Adapter, registry *capability.Registry, graph *knowledge.Graph, clk clock.Clock, transport *Transport) *Broadcaster {
	return &Broadcaster{adapter: adapter, registry: registry, graph: graph, clock: clk, transport: transport}
}

// DraftResult reports what one Sovereign Draft pass decided.
type DraftResult struct {
	Alphas            []string
	Shadows           []string
	NewlyBlacklisted  []string
}

// RunSovereignDraft implements spec.md §4.5 steps 1-4: elect an Alpha per
// capability lineage by Bayesian score, demote the rest to Shadow, and mark
// not-yet-broadcast blacklisted capabilities broadcasted in one bulk update.
func (b *Broadcaster) RunSovereignDraft(ctx context.Context) (DraftResult, error) {
	var result DraftResult

	verified, err := b.registry.ListByStatus(ctx, capability.StatusVerified)
	if err != nil {
		return result, err
	}

	byLineage := map[string][]capability.Capability{}
	for _, c := range verified {
		lineage := c.Metadata.Lineage
		if lineage == "" {
			lineage = c.Name
		}
		byLineage[lineage] = append(byLineage[lineage], c)
	}

	for lineage, members := range byLineage {
		sort.Slice(members, func(i, j int) bool { return members[i].BayesianScore() > members[j].BayesianScore() })
		alpha := members[0]

		if err := b.electAlpha(ctx, alpha); err != nil {
			return result, fmt.Errorf("elect alpha for lineage %s: %w", lineage, err)
		}
		result.Alphas = append(result.Alphas, alpha.Name)

		for _, shadow := range members[1:] {
			if err := b.demoteToShadow(ctx, shadow); err != nil {
				return result, fmt.Errorf("demote shadow %s: %w", shadow.Name, err)
			}
			result.Shadows = append(result.Shadows, shadow.Name)
		}
	}

	blacklisted, err := b.propagateBlacklist(ctx)
	if err != nil {
		return result, err
	}
	result.NewlyBlacklisted = blacklisted

	if b.transport != nil {
		_ = b.transport.PublishDraft(ctx, result)
	}
	return result, nil
}

func (b *Broadcaster) electAlpha(ctx context.Context, c capability.Capability) error {
	return b.adapter.WithTx(ctx, func(tx *sql.Tx) error {
		if err := b.lockCapabilityRow(ctx, tx, c.Name, c.Version); err != nil {
			return err
		}
		now := b.clock.Now()
		c.Metadata.IsAlpha = true
		c.Metadata.IsShadow = false
		c.Metadata.Broadcasted = true
		c.Metadata.BroadcastedAt = &now
		return b.writeMetadata(ctx, tx, c)
	})
}

func (b *Broadcaster) demoteToShadow(ctx context.Context, c capability.Capability) error {
	c.Metadata.IsAlpha = false
	c.Metadata.IsShadow = true
	c.Status = capability.StatusExperimental
	return b.adapter.WithTx(ctx, func(tx *sql.Tx) error {
		if err := b.writeMetadata(ctx, tx, c); err != nil {
			return err
		}
		query := fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE name = ? AND version = ?`, b.adapter.Tables().Capabilities)
		_, err := tx.ExecContext(ctx, query, string(capability.StatusExperimental), b.clock.Now(), c.Name, c.Version)
		return err
	})
}

// lockCapabilityRow holds a write lock on the (name, version) row: the
// capabilities table's composite key means the generic Adapter.LockRow
// (which assumes a single "id" column) doesn't apply here.
func (b *Broadcaster) lockCapabilityRow(ctx context.Context, tx *sql.Tx, name, version string) error {
	query := fmt.Sprintf(`SELECT rowid FROM %s WHERE name = ? AND version = ? LIMIT 1`, b.adapter.Tables().Capabilities)
	var rowid int64
	err := tx.QueryRowContext(ctx, query, name, version).Scan(&rowid)
	if err == sql.ErrNoRows {
		return nil
	}
	return err
}

func (b *Broadcaster) writeMetadata(ctx context.Context, tx *sql.Tx, c capability.Capability) error {
	meta, err := marshalCapabilityMetadata(c.Metadata)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET metadata = ?, updated_at = ? WHERE name = ? AND version = ?`, b.adapter.Tables().Capabilities)
	_, err = tx.ExecContext(ctx, query, meta, b.clock.Now(), c.Name, c.Version)
	return err
}

// propagateBlacklist sets broadcasted=true, hive_blacklisted=true on every
// blacklisted capability not yet broadcast, in one bulk update.
func (b *Broadcaster) propagateBlacklist(ctx context.Context) ([]string, error) {
	table := b.adapter.Tables().Capabilities
	selectQuery := fmt.Sprintf(`SELECT name FROM %s WHERE status = ? AND (json_extract(metadata, '$.broadcasted') IS NULL OR json_extract(metadata, '$.broadcasted') = 0)`, table)
	rows, err := b.adapter.QueryContext(ctx, selectQuery, string(capability.StatusBlacklisted))
	if err != nil {
		return nil, fmt.Errorf("select unbroadcast blacklisted: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	update := fmt.Sprintf(`UPDATE %s SET metadata = json_set(metadata, '$.broadcasted', json('true'), '$.hive_blacklisted', json('true')), updated_at = ? WHERE status = ? AND (json_extract(metadata, '$.broadcasted') IS NULL OR json_extract(metadata, '$.broadcasted') = 0)`, table)
	if _, err := b.adapter.ExecContext(ctx, update, b.clock.Now(), string(capability.StatusBlacklisted)); err != nil {
		return nil, fmt.Errorf("propagate blacklist: %w", err)
	}
	return names, nil
}

// SyncDomain raises confidence for every knowledge item tagged domainTag,
// publishing the result across the hive if a transport is configured.
func (b *Broadcaster) SyncDomain(ctx context.Context, domainTag string, boost float64) (int64, error) {
	n, err := b.graph.SyncDomain(ctx, domainTag, boost)
	if err != nil || b.transport == nil {
		return n, err
	}
	_ = b.transport.PublishSync(ctx, domainTag, boost, n)
	return n, nil
}

// BroadcastKnowledge promotes local high-confidence knowledge to global
// entries, publishing the outcome across the hive if a transport is
// configured.
func (b *Broadcaster) BroadcastKnowledge(ctx context.Context, minConfidence float64, limit, offset int) (int, error) {
	n, err := b.graph.BroadcastKnowledge(ctx, minConfidence, limit, offset)
	if err != nil || b.transport == nil {
		return n, err
	}
	_ = b.transport.PublishKnowledgeBroadcast(ctx, n, b.clock.Now())
	return n, nil
}
