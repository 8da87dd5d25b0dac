package knowledge

import (
	"context"
	"database/sql"
	"fmt"
)

const consolidateSimilarityThreshold = 0.85
const consolidateBucketCap = 100

// ConsolidateKnowledge merges near-duplicate facts within each entity
// bucket: pairwise, any two facts with Jaccard similarity above 0.85 merge
// into the higher-confidence item, unioning tags/metadata and deleting the
// secondary row. Buckets are capped at 100 items (spec.md §5's quadratic
// backpressure bound).
func (g *Graph) ConsolidateKnowledge(ctx context.Context) (int, error) {
	entities, err := g.distinctEntities(ctx)
	if err != nil {
		return 0, err
	}

	merged := 0
	for _, entity := range entities {
		n, err := g.consolidateEntity(ctx, entity)
		if err != nil {
			return merged, err
		}
		merged += n
	}
	return merged, nil
}

func (g *Graph) distinctEntities(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT entity FROM %s`, g.table())
	rows, err := g.adapter.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("distinct entities: %w", err)
	}
	defer rows.Close()

	var entities []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (g *Graph) consolidateEntity(ctx context.Context, entity string) (int, error) {
	items, err := g.findByEntity(ctx, entity)
	if err != nil {
		return 0, err
	}
	if len(items) > consolidateBucketCap {
		items = items[:consolidateBucketCap]
	}

	merged := 0
	deleted := map[string]bool{}
	for i := 0; i < len(items); i++ {
		if deleted[items[i].ID] {
			continue
		}
		for j := i + 1; j < len(items); j++ {
			if deleted[items[j].ID] {
				continue
			}
			sim := jaccard(tokenSet(items[i].Fact), tokenSet(items[j].Fact))
			if sim <= consolidateSimilarityThreshold {
				continue
			}

			keep, drop := items[i], items[j]
			if drop.Confidence > keep.Confidence {
				keep, drop = drop, keep
			}

			if err := g.mergeInto(ctx, &keep, drop); err != nil {
				return merged, err
			}
			if keep.ID == items[i].ID {
				items[i] = keep
			} else {
				items[j] = keep
			}
			deleted[drop.ID] = true
			merged++
		}
	}
	return merged, nil
}

func (g *Graph) mergeInto(ctx context.Context, keep *Item, drop Item) error {
	return g.adapter.WithTx(ctx, func(tx *sql.Tx) error {
		if err := g.lockRow(ctx, tx, keep.ID); err != nil {
			return err
		}
		locked, err := g.getByID(ctx, tx, keep.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return nil
		}
		*keep = *locked

		keep.Tags = stringSetUnion(keep.Tags, drop.Tags...)
		keep.Metadata.Sessions = stringSetUnion(keep.Metadata.Sessions, drop.Metadata.Sessions...)
		keep.Metadata.SessionCount = len(keep.Metadata.Sessions)
		keep.Metadata.HitCount += drop.Metadata.HitCount
		if isVerified(keep.Metadata.Source, keep.Metadata.SessionCount, keep.Confidence) {
			keep.Status = StatusVerified
		}

		if err := g.update(ctx, tx, *keep); err != nil {
			return err
		}
		return g.delete(ctx, tx, drop.ID)
	})
}
