package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/ods-cortex/cortex/internal/metricsledger"
)

// GetKnowledgeByEntity returns entity's items sorted by confidence desc,
// optionally filtered to those carrying at least one of filterTags. As a
// side effect it records a retrieval hit on every returned item.
func (g *Graph) GetKnowledgeByEntity(ctx context.Context, entity string, filterTags []string) ([]Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE entity = ?`, itemColumns, g.table())
	rows, err := g.adapter.QueryContext(ctx, query, entity)
	if err != nil {
		return nil, fmt.Errorf("get knowledge by entity: %w", err)
	}

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if len(filterTags) > 0 && !anyTagMatches(item.Tags, filterTags) {
			continue
		}
		items = append(items, *item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Confidence > items[j].Confidence })

	for _, item := range items {
		if err := g.recordHit(ctx, item); err != nil {
			return items, err
		}
	}
	return items, nil
}

func anyTagMatches(tags, filter []string) bool {
	for _, f := range filter {
		if containsString(tags, f) {
			return true
		}
	}
	return false
}

// recordHit increments hit_count/last_retrieved_at on item and emits a
// bounded-cardinality entity_hit metric (Open Question (b): entity as a
// separate column, not part of the metric name).
func (g *Graph) recordHit(ctx context.Context, item Item) error {
	now := g.clock.Now()
	query := fmt.Sprintf(`UPDATE %s SET metadata = json_set(metadata, '$.hit_count', ?, '$.last_retrieved_at', ?), updated_at = ? WHERE id = ?`, g.table())
	newHitCount := item.Metadata.HitCount + 1
	if _, err := g.adapter.ExecContext(ctx, query, newHitCount, now, now, item.ID); err != nil {
		// json_set may be unsupported on older SQLite builds; fall back to a
		// full metadata rewrite rather than fail the read path.
		item.Metadata.HitCount = newHitCount
		item.Metadata.LastRetrievedAt = &now
		meta, merr := marshalItemMetadata(item.Metadata)
		if merr != nil {
			return merr
		}
		fallback := fmt.Sprintf(`UPDATE %s SET metadata = ?, updated_at = ? WHERE id = ?`, g.table())
		if _, ferr := g.adapter.ExecContext(ctx, fallback, meta, now, item.ID); ferr != nil {
			return fmt.Errorf("record hit: %w", ferr)
		}
	}

	if g.ledger == nil {
		return nil
	}
	entity := item.Entity
	return g.ledger.Record(ctx, metricsledger.Metric{
		MetricName:  "entity_hit",
		MetricValue: 1,
		Entity:      &entity,
	})
}

// LinkKnowledge inserts a KnowledgeLink, idempotent on (source,target,rel).
func (g *Graph) LinkKnowledge(ctx context.Context, sourceID, targetID string, rel Relationship, meta map[string]any) error {
	if sourceID == targetID {
		return nil
	}
	metaJSON, err := marshalLinkMetadata(meta)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT OR IGNORE INTO %s (source_id, target_id, relationship, metadata) VALUES (?, ?, ?, ?)`, g.linkTable())
	_, err = g.adapter.ExecContext(ctx, query, sourceID, targetID, string(rel), metaJSON)
	return err
}

const autoLinkScanLimit = 50
const autoLinkSimilarityThreshold = 0.75
const autoLinkMinConfidence = 0.4

// autoLink extracts candidate entity tokens from item.Fact and links
// entity-matching rows with "mentions", then scans the most recently
// updated confident items for Jaccard-similar facts and links those
// "semantically_related", per spec.md §4.1.
func (g *Graph) autoLink(ctx context.Context, item Item) error {
	candidates := extractCandidateEntities(item.Fact)
	for _, candidate := range candidates {
		matches, err := g.findByEntity(ctx, candidate)
		if err != nil {
			return err
		}
		for _, match := range matches {
			if match.ID == item.ID {
				continue
			}
			if err := g.LinkKnowledge(ctx, item.ID, match.ID, RelMentions, nil); err != nil {
				return err
			}
		}
	}

	recent, err := g.recentConfidentItems(ctx, autoLinkScanLimit, autoLinkMinConfidence)
	if err != nil {
		return err
	}
	itemTokens := tokenSet(item.Fact)
	for _, other := range recent {
		if other.ID == item.ID {
			continue
		}
		sim := jaccard(itemTokens, tokenSet(other.Fact))
		if sim > autoLinkSimilarityThreshold {
			if err := g.LinkKnowledge(ctx, item.ID, other.ID, RelSemanticallyRelated, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) findByEntity(ctx context.Context, entity string) ([]Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE entity = ?`, itemColumns, g.table())
	rows, err := g.adapter.QueryContext(ctx, query, entity)
	if err != nil {
		return nil, fmt.Errorf("find by entity: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (g *Graph) recentConfidentItems(ctx context.Context, limit int, minConfidence float64) ([]Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE confidence > ? ORDER BY updated_at DESC LIMIT ?`, itemColumns, g.table())
	rows, err := g.adapter.QueryContext(ctx, query, minConfidence, limit)
	if err != nil {
		return nil, fmt.Errorf("recent confident items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}
