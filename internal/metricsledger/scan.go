package metricsledger

import (
	"context"
	"database/sql"
	"fmt"
)

func scanMetric(rows interface {
	Scan(dest ...any) error
}) (Metric, error) {
	var (
		m        Metric
		session  sql.NullString
		agent    sql.NullString
		entity   sql.NullString
		unit     sql.NullString
		metadata string
	)
	if err := rows.Scan(&m.ID, &session, &agent, &m.MetricName, &m.MetricValue, &entity, &unit, &metadata, &m.CreatedAt); err != nil {
		return Metric{}, err
	}
	if session.Valid {
		m.SessionID = &session.String
	}
	if agent.Valid {
		m.AgentID = &agent.String
	}
	if entity.Valid {
		m.Entity = &entity.String
	}
	if unit.Valid {
		m.Unit = &unit.String
	}
	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return Metric{}, fmt.Errorf("unmarshal metric metadata: %w", err)
	}
	m.Metadata = meta
	return m, nil
}

// ListByName returns the most recent metrics for metricName in full, newest
// first, for callers (the governance auditor) that need more than the bare
// value.
func (l *Ledger) ListByName(ctx context.Context, metricName string, limit int) ([]Metric, error) {
	table := l.adapter.Tables().Metrics
	query := fmt.Sprintf(`SELECT id, session_id, agent_id, metric_name, metric_value, entity, unit, metadata, created_at FROM %s WHERE metric_name = ? ORDER BY created_at DESC, id DESC LIMIT ?`, table)
	rows, err := l.adapter.QueryContext(ctx, query, metricName, limit)
	if err != nil {
		return nil, fmt.Errorf("list metrics %s: %w", metricName, err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
