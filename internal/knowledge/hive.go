package knowledge

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ods-cortex/cortex/internal/storeadapter"
)

// SyncDomain raises confidence toward 1.0 for every item tagged domainTag,
// per spec.md §4.5: a single set-based update, not a per-row walk.
func (g *Graph) SyncDomain(ctx context.Context, domainTag string, boost float64) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET confidence = MIN(1.0, confidence + ?)
		WHERE confidence < 1.0 AND EXISTS (
			SELECT 1 FROM json_each(tags) WHERE json_each.value = ?
		)`, g.table())
	res, err := g.adapter.ExecContext(ctx, query, boost, domainTag)
	if err != nil {
		return 0, fmt.Errorf("sync domain %s: %w", domainTag, err)
	}
	return res.RowsAffected()
}

// BroadcastKnowledge promotes local (source_session_id non-null) items at or
// above minConfidence to global (session-less) entries, paginated by
// limit/offset. On a conflict by (entity, fact, source_session_id IS NULL),
// the existing global row's confidence is reinforced to
// min(0.99, max(old, new) + 0.01). Each promotion runs in its own
// transaction with the target row locked, per spec.md §4.5.
func (g *Graph) BroadcastKnowledge(ctx context.Context, minConfidence float64, limit, offset int) (int, error) {
	candidates, err := g.localCandidates(ctx, minConfidence, limit, offset)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, item := range candidates {
		if err := g.promoteOne(ctx, item); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (g *Graph) localCandidates(ctx context.Context, minConfidence float64, limit, offset int) ([]Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE confidence >= ? AND source_session_id IS NOT NULL
		ORDER BY id LIMIT ? OFFSET ?`, itemColumns, g.table())
	rows, err := g.adapter.QueryContext(ctx, query, minConfidence, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("local candidates: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (g *Graph) promoteOne(ctx context.Context, item Item) error {
	return g.adapter.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := g.getGlobal(ctx, tx, item.Entity, item.Fact)
		if err != nil {
			return err
		}
		if existing == nil {
			global := item
			global.ID = ""
			global.SourceSessionID = nil
			_, err := g.insert(ctx, tx, global)
			return err
		}

		if err := g.lockRow(ctx, tx, existing.ID); err != nil {
			return err
		}
		reinforced := item.Confidence
		if existing.Confidence > reinforced {
			reinforced = existing.Confidence
		}
		reinforced += 0.01
		if reinforced > 0.99 {
			reinforced = 0.99
		}
		existing.Confidence = reinforced
		return g.update(ctx, tx, *existing)
	})
}

func (g *Graph) getGlobal(ctx context.Context, ex storeadapter.Executor, entity, fact string) (*Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE entity = ? AND fact = ? AND source_session_id IS NULL`, itemColumns, g.table())
	return scanItem(ex.QueryRowContext(ctx, query, entity, fact))
}
