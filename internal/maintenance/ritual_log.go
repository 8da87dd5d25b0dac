package maintenance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ods-cortex/cortex/internal/reflectionlog"
)

// LogRitualOutcome records a ritual's outcome as a reflection, debounced:
// if a reflection tagged with the same (name, type) already exists within
// the last 10 minutes, the write is skipped and logged reports false.
func (j *Janitor) LogRitualOutcome(ctx context.Context, reflections *reflectionlog.Log, name, ritualType string, outcome reflectionlog.Outcome, detail string) (logged bool, err error) {
	recent, err := j.recentRitualLog(ctx, name, ritualType)
	if err != nil {
		return false, err
	}
	if recent {
		return false, nil
	}

	stored, err := reflections.Reflect(ctx, reflectionlog.Reflection{
		SessionID:      "ritual",
		Outcome:        outcome,
		LessonsLearned: detail,
		Metadata: map[string]any{
			"ritual_name": name,
			"ritual_type": ritualType,
		},
	})
	if err != nil {
		return false, err
	}
	// Stamp the row from the janitor's clock so the debounce window and
	// created_at are measured against the same time source.
	stamp := fmt.Sprintf(`UPDATE %s SET created_at = ? WHERE id = ?`, j.adapter.Tables().Reflections)
	if _, err := j.adapter.ExecContext(ctx, stamp, j.clock.Now(), stored.ID); err != nil {
		return false, fmt.Errorf("stamp ritual log: %w", err)
	}
	return true, nil
}

func (j *Janitor) recentRitualLog(ctx context.Context, name, ritualType string) (bool, error) {
	table := j.adapter.Tables().Reflections
	cutoff := j.clock.Now().Add(-debounceWindow)
	query := fmt.Sprintf(`
		SELECT 1 FROM %s
		WHERE json_extract(metadata, '$.ritual_name') = ?
		  AND json_extract(metadata, '$.ritual_type') = ?
		  AND created_at >= ?
		LIMIT 1`, table)

	var exists int
	err := j.adapter.QueryRowContext(ctx, query, name, ritualType, cutoff).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("recent ritual log: %w", err)
	}
	return true, nil
}
