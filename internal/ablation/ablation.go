// Package ablation implements the Ablation Engine (spec.md §4.2): reversible
// zero-confidence experiments on knowledge items, zombie pruning, and
// performance-triggered recovery.
package ablation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/knowledge"
	"github.com/ods-cortex/cortex/internal/metricsledger"
	"github.com/ods-cortex/cortex/internal/reflectionlog"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

const (
	zombiePageSize      = 500
	memoryPruneLimit    = 1000
	zombieFitnessFloor  = 0.3
	recoverBatchSize    = 5
	recoverDegradedPct  = 0.8
	recoverMinSamples   = 10
)

// Engine runs ablation experiments and zombie pruning over the knowledge
// graph and memory store.
type Engine struct {
	adapter storeadapter.Adapter
	graph   *knowledge.Graph
	ledger  *metricsledger.Ledger
	log     *reflectionlog.Log
	clock   clock.Clock
}

// New builds an Engine.
func New(adapter storeadapter.Adapter, graph *knowledge.Graph, ledger *metricsledger.Ledger, log *reflectionlog.Log, clk clock.Clock) *Engine {
	return &Engine{adapter: adapter, graph: graph, ledger: ledger, log: log, clock: clk}
}

// PruneZombiesResult reports what a pruning pass removed.
type PruneZombiesResult struct {
	KnowledgeDeleted int
	MemoriesDeleted  int64
}

// PruneZombies deletes unreferenced, stale, low-fitness knowledge (capped at
// 500 candidates per pass) and stale unanchored memories (capped at 1000),
// per spec.md §4.2.
func (e *Engine) PruneZombies(ctx context.Context, thresholdDays int) (PruneZombiesResult, error) {
	cutoff := e.clock.Now().AddDate(0, 0, -thresholdDays)

	candidates, err := e.zombieCandidates(ctx, cutoff)
	if err != nil {
		return PruneZombiesResult{}, err
	}

	deleted := 0
	for _, item := range candidates {
		fitness := e.graph.CalculateFitness(item, e.clock.Now())
		if fitness < zombieFitnessFloor {
			if err := e.graph.DeleteItem(ctx, item.ID); err != nil {
				return PruneZombiesResult{KnowledgeDeleted: deleted}, err
			}
			deleted++
		}
	}

	memoriesDeleted, err := e.pruneStaleMemories(ctx, cutoff)
	if err != nil {
		return PruneZombiesResult{KnowledgeDeleted: deleted}, err
	}

	return PruneZombiesResult{KnowledgeDeleted: deleted, MemoriesDeleted: memoriesDeleted}, nil
}

func (e *Engine) zombieCandidates(ctx context.Context, cutoff time.Time) ([]knowledge.Item, error) {
	table := e.adapter.Tables().KnowledgeBase
	linkTable := e.adapter.Tables().KnowledgeLinks
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE updated_at < ?
		  AND (json_extract(metadata, '$.priority') IS NULL OR json_extract(metadata, '$.priority') != 'high')
		  AND NOT EXISTS (SELECT 1 FROM %s l WHERE l.source_id = %s.id OR l.target_id = %s.id)
		LIMIT %d`, knowledge.ItemColumns, table, linkTable, table, table, zombiePageSize)

	rows, err := e.adapter.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("zombie candidates: %w", err)
	}
	defer rows.Close()

	return scanKnowledgeRows(rows)
}

func (e *Engine) pruneStaleMemories(ctx context.Context, cutoff time.Time) (int64, error) {
	table := e.adapter.Tables().Memories
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
			SELECT id FROM %s
			WHERE created_at < ?
			  AND (json_extract(metadata, '$.anchor') IS NULL OR json_extract(metadata, '$.anchor') != 1)
			LIMIT %d
		)`, table, table, memoryPruneLimit)
	res, err := e.adapter.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune stale memories: %w", err)
	}
	return res.RowsAffected()
}

// TestAblation snapshots confidence into metadata.original_confidence, zeros
// confidence, flags ablation_test, and records a reflection.
func (e *Engine) TestAblation(ctx context.Context, id string) error {
	return e.adapter.WithTx(ctx, func(tx *sql.Tx) error {
		item, err := e.graph.GetByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if item == nil {
			return storeadapter.NotFound("testAblation", fmt.Sprintf("knowledge item %s not found", id))
		}

		original := item.Confidence
		item.Metadata.OriginalConfidence = &original
		item.Metadata.AblationTest = true
		item.Confidence = 0

		if err := e.graph.UpdateTx(ctx, tx, *item); err != nil {
			return err
		}

		_, err = e.log.Reflect(ctx, reflectionlog.Reflection{
			SessionID:      "ablation",
			Outcome:        reflectionlog.OutcomePartial,
			LessonsLearned: fmt.Sprintf("ablation test started on knowledge item %s (%s)", item.ID, item.Entity),
		})
		return err
	})
}

// RecoverAblatedItem restores original_confidence and strips ablation
// metadata.
func (e *Engine) RecoverAblatedItem(ctx context.Context, id string) error {
	return e.adapter.WithTx(ctx, func(tx *sql.Tx) error {
		item, err := e.graph.GetByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if item == nil {
			return storeadapter.NotFound("recoverAblatedItem", fmt.Sprintf("knowledge item %s not found", id))
		}
		if item.Metadata.OriginalConfidence != nil {
			item.Confidence = *item.Metadata.OriginalConfidence
		}
		item.Metadata.OriginalConfidence = nil
		item.Metadata.AblationTest = false
		return e.graph.UpdateTx(ctx, tx, *item)
	})
}

// MonitorResult is what MonitorAblationPerformance returns.
type MonitorResult struct {
	Degraded      bool
	RecoveredCount int
}

// MonitorAblationPerformance recovers up to 5 ablated items (by descending
// historical hit_count) if recent success rate has dropped below 80% of the
// overall baseline with a sufficient sample count.
func (e *Engine) MonitorAblationPerformance(ctx context.Context) (MonitorResult, error) {
	recent, err := e.ledger.ComputeStats(ctx, "success_rate", 20)
	if err != nil {
		return MonitorResult{}, err
	}
	overall, err := e.ledger.ComputeStats(ctx, "success_rate", 500)
	if err != nil {
		return MonitorResult{}, err
	}
	if recent.N < recoverMinSamples || overall.N < recoverMinSamples {
		return MonitorResult{Degraded: false}, nil
	}
	if recent.Mean >= recoverDegradedPct*overall.Mean {
		return MonitorResult{Degraded: false}, nil
	}

	ablated, err := e.ablatedItemsByHitCount(ctx, recoverBatchSize)
	if err != nil {
		return MonitorResult{Degraded: true}, err
	}
	recovered := 0
	for _, item := range ablated {
		if err := e.RecoverAblatedItem(ctx, item.ID); err != nil {
			return MonitorResult{Degraded: true, RecoveredCount: recovered}, err
		}
		recovered++
	}
	return MonitorResult{Degraded: true, RecoveredCount: recovered}, nil
}

func (e *Engine) ablatedItemsByHitCount(ctx context.Context, limit int) ([]knowledge.Item, error) {
	table := e.adapter.Tables().KnowledgeBase
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE json_extract(metadata, '$.ablation_test') = 1
		ORDER BY json_extract(metadata, '$.hit_count') DESC
		LIMIT ?`, knowledge.ItemColumns, table)
	rows, err := e.adapter.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("ablated items: %w", err)
	}
	defer rows.Close()
	return scanKnowledgeRows(rows)
}

func scanKnowledgeRows(rows *sql.Rows) ([]knowledge.Item, error) {
	var out []knowledge.Item
	for rows.Next() {
		item, err := knowledge.ScanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}
