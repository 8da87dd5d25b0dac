// Package metricsledger is the append-only numeric-observation store (§4 #2
// in spec.md's dependency table): every axis the evolution loop and the
// governance auditor reason about (query_latency, success_rate, total_cost,
// trust_signal, ...) flows through here. Stats are always derived at read
// time, never stored, per spec.md §3 ("Stats are derived, not stored").
package metricsledger

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

// Metric is one observation, matching spec.md §3's Metric entity.
type Metric struct {
	ID          int64
	SessionID   *string
	AgentID     *string
	MetricName  string
	MetricValue float64
	Entity      *string
	Unit        *string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// Stats is the derived statistical summary spec.md §4.10 reads per axis.
type Stats struct {
	Mean    float64
	StdDev  float64
	Current float64
	Z       float64
	N       int
}

// Ledger is the append-only metrics store.
type Ledger struct {
	adapter storeadapter.Adapter
	clock   clock.Clock
}

// New builds a Ledger over adapter.
func New(adapter storeadapter.Adapter, clk clock.Clock) *Ledger {
	return &Ledger{adapter: adapter, clock: clk}
}

// Record appends a single observation. It never updates or deletes.
func (l *Ledger) Record(ctx context.Context, m Metric) error {
	return l.RecordEx(ctx, l.adapter, m)
}

// RecordEx appends a metric using the supplied Executor, so callers already
// inside a transaction (e.g. a ritual recording its own outcome) can include
// the write atomically.
func (l *Ledger) RecordEx(ctx context.Context, ex storeadapter.Executor, m Metric) error {
	payload, err := marshalMetadata(m.Metadata)
	if err != nil {
		return storeadapter.InvalidInput("Record", fmt.Sprintf("bad metadata: %v", err))
	}
	table := l.adapter.Tables().Metrics
	query := fmt.Sprintf(`INSERT INTO %s (session_id, agent_id, metric_name, metric_value, entity, unit, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, table)
	_, err = ex.ExecContext(ctx, query,
		nullableString(m.SessionID), nullableString(m.AgentID), m.MetricName, m.MetricValue,
		nullableString(m.Entity), nullableString(m.Unit), payload, l.clock.Now())
	if err != nil {
		return storeadapter.NewError(storeadapter.KindExternalUnavailable, "Record", "insert metric failed", err)
	}
	return nil
}

// RecentValues returns up to limit most-recent metric_value observations for
// metricName, newest first.
func (l *Ledger) RecentValues(ctx context.Context, metricName string, limit int) ([]float64, error) {
	table := l.adapter.Tables().Metrics
	query := fmt.Sprintf(`SELECT metric_value FROM %s WHERE metric_name = ? ORDER BY created_at DESC, id DESC LIMIT ?`, table)
	rows, err := l.adapter.QueryContext(ctx, query, metricName, limit)
	if err != nil {
		return nil, fmt.Errorf("recent values for %s: %w", metricName, err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan metric value: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// RecentValuesForAgent is RecentValues scoped to a single agent_id, the
// primitive the Strategic Planner's verification monitor needs to read a
// single persona's own success-rate history rather than the global
// population's.
func (l *Ledger) RecentValuesForAgent(ctx context.Context, metricName, agentID string, limit int) ([]float64, error) {
	table := l.adapter.Tables().Metrics
	query := fmt.Sprintf(`SELECT metric_value FROM %s WHERE metric_name = ? AND agent_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, table)
	rows, err := l.adapter.QueryContext(ctx, query, metricName, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent values for %s/%s: %w", metricName, agentID, err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan metric value: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// ComputeStatsForAgent is ComputeStats scoped to a single agent_id.
func (l *Ledger) ComputeStatsForAgent(ctx context.Context, metricName, agentID string, window int) (Stats, error) {
	values, err := l.RecentValuesForAgent(ctx, metricName, agentID, window)
	if err != nil {
		return Stats{}, err
	}
	if len(values) == 0 {
		return Stats{}, nil
	}
	current := values[0]
	mean, sigma := stat.MeanStdDev(values, nil)
	z := ZScore(current, mean, sigma)
	return Stats{Mean: mean, StdDev: sigma, Current: current, Z: z, N: len(values)}, nil
}

// ComputeStats computes mean/stddev over the most recent window samples of
// metricName and reports the Z-score of the single most recent value against
// that population, the shape spec.md §4.6 and §4.10 both depend on.
func (l *Ledger) ComputeStats(ctx context.Context, metricName string, window int) (Stats, error) {
	values, err := l.RecentValues(ctx, metricName, window)
	if err != nil {
		return Stats{}, err
	}
	if len(values) == 0 {
		return Stats{}, nil
	}

	current := values[0]
	mean, sigma := stat.MeanStdDev(values, nil)
	z := ZScore(current, mean, sigma)
	return Stats{Mean: mean, StdDev: sigma, Current: current, Z: z, N: len(values)}, nil
}

// ZScore computes (value-mean)/max(sigma, floor) the way spec.md §4.6 does,
// with a floor to avoid division blowups when sigma is near zero.
func ZScore(value, mean, sigma float64) float64 {
	denom := sigma
	if denom < 0.1 {
		denom = 0.1
	}
	return (value - mean) / denom
}

// SumSince sums metric_value for metricName recorded at or after since,
// the primitive the budget policy's cumulative-budget check and the
// BudgetAuditor's hourly cost sum both use.
func (l *Ledger) SumSince(ctx context.Context, metricName string, since time.Time) (float64, error) {
	table := l.adapter.Tables().Metrics
	query := fmt.Sprintf(`SELECT COALESCE(SUM(metric_value), 0) FROM %s WHERE metric_name = ? AND created_at >= ?`, table)
	row := l.adapter.QueryRowContext(ctx, query, metricName, since)
	var sum float64
	if err := row.Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum since %s for %s: %w", since, metricName, err)
	}
	return sum, nil
}

// Rate computes how many samples of metricName were recorded per minute
// over [since, until) (metric_value is not summed), used by
// the EmergenceAuditor to compare a short recent window against a longer
// baseline window.
func (l *Ledger) Rate(ctx context.Context, metricName string, since, until time.Time) (float64, error) {
	table := l.adapter.Tables().Metrics
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE metric_name = ? AND created_at >= ? AND created_at < ?`, table)
	row := l.adapter.QueryRowContext(ctx, query, metricName, since, until)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("rate for %s: %w", metricName, err)
	}
	duration := until.Sub(since)
	if duration <= 0 {
		return 0, nil
	}
	return float64(n) / duration.Minutes(), nil
}

// DistinctMetricNames lists every metric_name recorded at or after since,
// used by the governance auditor to discover axes it doesn't statically know.
func (l *Ledger) DistinctMetricNames(ctx context.Context, since time.Time) ([]string, error) {
	table := l.adapter.Tables().Metrics
	query := fmt.Sprintf(`SELECT DISTINCT metric_name FROM %s WHERE created_at >= ?`, table)
	rows, err := l.adapter.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("distinct metric names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan metric name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
