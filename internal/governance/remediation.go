package governance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

// RemediationEngine turns raised issues into scheduled rituals: high cost
// schedules Emergency Compression, a success-rate failure schedules
// Emergency Pruning.
type RemediationEngine struct {
	adapter storeadapter.Adapter
	clock   clock.Clock
}

// NewRemediationEngine builds a RemediationEngine.
func NewRemediationEngine(adapter storeadapter.Adapter, clk clock.Clock) *RemediationEngine {
	return &RemediationEngine{adapter: adapter, clock: clk}
}

// Schedule upserts one ritual per distinct remediation the raised issues
// call for, each with an hourly frequency and high priority.
func (e *RemediationEngine) Schedule(ctx context.Context, issues []Issue) error {
	wanted := map[string]string{} // ritual name -> ritual type
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCost:
			wanted["Emergency Compression"] = "compression"
		case SeveritySuccessRate:
			wanted["Emergency Pruning"] = "pruning"
		}
	}
	for name, ritualType := range wanted {
		if err := e.scheduleRitual(ctx, name, ritualType); err != nil {
			return err
		}
	}
	return nil
}

func (e *RemediationEngine) scheduleRitual(ctx context.Context, name, ritualType string) error {
	meta, err := json.Marshal(map[string]any{"priority": "high", "source": "remediation"})
	if err != nil {
		return fmt.Errorf("marshal remediation metadata: %w", err)
	}

	table := e.adapter.Tables().Rituals
	now := e.clock.Now()
	query := fmt.Sprintf(`
		INSERT INTO %s (name, type, frequency, status, next_run, metadata)
		VALUES (?, ?, 'hourly', 'pending', ?, ?)
		ON CONFLICT(name) DO UPDATE SET next_run = excluded.next_run, metadata = excluded.metadata`, table)
	_, err = e.adapter.ExecContext(ctx, query, name, ritualType, now, string(meta))
	if err != nil {
		return fmt.Errorf("schedule ritual %s: %w", name, err)
	}
	return nil
}
