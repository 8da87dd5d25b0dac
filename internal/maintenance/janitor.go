// Package maintenance implements the Janitor (spec.md §4.11): idempotent
// housekeeping over sessions, messages, metrics, and the dialect's own
// indexing and compaction primitives.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/knowledge"
	"github.com/ods-cortex/cortex/internal/metricsledger"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

const (
	sessionArchiveDays  = 30
	metricRetentionDays = 90
	slowQueryMillis     = 300
	debounceWindow      = 10 * time.Minute
	orphanPageSize      = 1000
)

// Janitor runs the low-confidence/orphan/archive/index maintenance pass the
// pruning ritual dispatches.
type Janitor struct {
	adapter storeadapter.Adapter
	graph   *knowledge.Graph
	ledger  *metricsledger.Ledger
	clock   clock.Clock
}

// New builds a Janitor.
func New(adapter storeadapter.Adapter, graph *knowledge.Graph, ledger *metricsledger.Ledger, clk clock.Clock) *Janitor {
	return &Janitor{adapter: adapter, graph: graph, ledger: ledger, clock: clk}
}

// Report summarizes what a maintenance pass changed.
type Report struct {
	KnowledgePruned  int64
	OrphanMessages   int64
	SessionsArchived int64
	MetricsPruned    int64
	IndexesEnsured   []string
}

// RunPruningRitual prunes low-confidence knowledge, cleans orphaned
// messages, archives stale sessions, and prunes old metrics, per spec.md
// §4.9's pruning ritual dispatch.
func (j *Janitor) RunPruningRitual(ctx context.Context, confidenceThreshold float64) (Report, error) {
	var report Report

	pruned, err := j.graph.PruneLowConfidence(ctx, confidenceThreshold)
	if err != nil {
		return report, fmt.Errorf("prune low confidence: %w", err)
	}
	report.KnowledgePruned = pruned

	orphans, err := j.CleanOrphans(ctx)
	if err != nil {
		return report, err
	}
	report.OrphanMessages = orphans

	archived, err := j.ArchiveStaleSessions(ctx)
	if err != nil {
		return report, err
	}
	report.SessionsArchived = archived

	metricsPruned, err := j.PruneOldMetrics(ctx)
	if err != nil {
		return report, err
	}
	report.MetricsPruned = metricsPruned

	indexes, err := j.EnsureIndexes(ctx)
	if err != nil {
		return report, err
	}
	report.IndexesEnsured = indexes

	return report, nil
}

// CleanOrphans deletes messages referencing a session that no longer
// exists, paginated to bound lock duration.
func (j *Janitor) CleanOrphans(ctx context.Context) (int64, error) {
	messages := j.adapter.Tables().Messages
	sessions := j.adapter.Tables().Sessions
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
			SELECT m.id FROM %s m
			LEFT JOIN %s s ON s.id = m.session_id
			WHERE s.id IS NULL
			LIMIT %d
		)`, messages, messages, sessions, orphanPageSize)

	var total int64
	for {
		res, err := j.adapter.ExecContext(ctx, query)
		if err != nil {
			return total, fmt.Errorf("clean orphans: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("clean orphans rows affected: %w", err)
		}
		total += n
		if n < orphanPageSize {
			break
		}
	}
	return total, nil
}

// ArchiveStaleSessions marks sessions with no message activity in the last
// 30 days as archived. Idempotent: already-archived sessions are excluded
// from the WHERE clause.
func (j *Janitor) ArchiveStaleSessions(ctx context.Context) (int64, error) {
	sessions := j.adapter.Tables().Sessions
	messages := j.adapter.Tables().Messages
	cutoff := j.clock.Now().AddDate(0, 0, -sessionArchiveDays)

	query := fmt.Sprintf(`
		UPDATE %s SET status = 'archived', updated_at = ?
		WHERE status != 'archived'
		  AND updated_at < ?
		  AND NOT EXISTS (SELECT 1 FROM %s m WHERE m.session_id = %s.id AND m.created_at >= ?)`,
		sessions, messages, sessions)

	now := j.clock.Now()
	res, err := j.adapter.ExecContext(ctx, query, now, cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive stale sessions: %w", err)
	}
	return res.RowsAffected()
}

// PruneOldMetrics deletes metrics older than 90 days.
func (j *Janitor) PruneOldMetrics(ctx context.Context) (int64, error) {
	table := j.adapter.Tables().Metrics
	cutoff := j.clock.Now().AddDate(0, 0, -metricRetentionDays)
	query := fmt.Sprintf(`DELETE FROM %s WHERE created_at < ?`, table)
	res, err := j.adapter.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune old metrics: %w", err)
	}
	return res.RowsAffected()
}

// EnsureIndexes performs autonomous indexing: guarantees the identity
// indexes on entity/session_id columns exist, then, for any table that
// recently appeared in a slow-query (>300ms) metric, adds a status-
// confidence composite index. Returns the index names it ensured this pass.
func (j *Janitor) EnsureIndexes(ctx context.Context) ([]string, error) {
	tables := j.adapter.Tables()
	identity := []struct{ name, stmt string }{
		{"idx_knowledge_entity", fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_knowledge_entity ON %s(entity)", tables.KnowledgeBase)},
		{"idx_memories_session", fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_memories_session ON %s(session_id)", tables.Memories)},
		{"idx_messages_session_created", fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_messages_session_created ON %s(session_id, created_at)", tables.Messages)},
	}

	var ensured []string
	for _, idx := range identity {
		if _, err := j.adapter.ExecContext(ctx, idx.stmt); err != nil {
			return ensured, fmt.Errorf("ensure index %s: %w", idx.name, err)
		}
		ensured = append(ensured, idx.name)
	}

	slowTables, err := j.slowQueryTables(ctx)
	if err != nil {
		return ensured, err
	}
	for _, t := range slowTables {
		name := fmt.Sprintf("idx_%s_status_confidence", t)
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(status, confidence)", name, t)
		if _, err := j.adapter.ExecContext(ctx, stmt); err != nil {
			continue // table has no status/confidence columns; skip silently
		}
		ensured = append(ensured, name)
	}
	return ensured, nil
}

// slowQueryTables reads distinct entity values off any metric named
// query_duration_ms exceeding slowQueryMillis, recorded with the offending
// table name as the metric's entity.
func (j *Janitor) slowQueryTables(ctx context.Context) ([]string, error) {
	table := j.adapter.Tables().Metrics
	query := fmt.Sprintf(`
		SELECT DISTINCT entity FROM %s
		WHERE metric_name = 'query_duration_ms' AND metric_value > ? AND entity IS NOT NULL`, table)
	rows, err := j.adapter.QueryContext(ctx, query, slowQueryMillis)
	if err != nil {
		return nil, fmt.Errorf("slow query tables: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// OptimizeDatabase runs the adapter's dialect-specific compaction
// primitive, invoked by the optimization ritual after the pilot's
// self-improvement cycle.
func (j *Janitor) OptimizeDatabase(ctx context.Context) error {
	return j.adapter.Optimize(ctx)
}
