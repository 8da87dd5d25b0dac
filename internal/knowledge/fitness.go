package knowledge

import (
	"context"
	"fmt"
	"time"
)

const (
	fitnessConfidenceWeight = 0.4
	fitnessHitsWeight       = 0.4
	fitnessSourceWeight     = 0.2
	fitnessUserSourceValue  = 1.0
	fitnessOtherSourceValue = 0.7
)

// CalculateFitness computes spec.md §4.1's composite score:
// 0.4*confidence + 0.4*min(1, hits/ageDays) + 0.2*(source==user?1:0.7).
func (g *Graph) CalculateFitness(item Item, now time.Time) float64 {
	ageDays := now.Sub(item.CreatedAt).Hours() / 24
	if ageDays < 1 {
		ageDays = 1
	}
	hitRate := float64(item.Metadata.HitCount) / ageDays
	if hitRate > 1 {
		hitRate = 1
	}

	sourceValue := fitnessOtherSourceValue
	if item.Metadata.Source == SourceUser {
		sourceValue = fitnessUserSourceValue
	}

	return fitnessConfidenceWeight*item.Confidence + fitnessHitsWeight*hitRate + fitnessSourceWeight*sourceValue
}

// PruneLowConfidence deletes every item with confidence below threshold.
func (g *Graph) PruneLowConfidence(ctx context.Context, threshold float64) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE confidence < ?`, g.table())
	res, err := g.adapter.ExecContext(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune low confidence: %w", err)
	}
	return res.RowsAffected()
}

// DeleteItem removes a single knowledge item by id, for callers (the
// ablation engine's zombie sweep) that have already decided a specific row
// should go rather than every row under a threshold.
func (g *Graph) DeleteItem(ctx context.Context, id string) error {
	return g.delete(ctx, g.adapter, id)
}
