package ritual

import (
	"context"
	"fmt"

	"github.com/ods-cortex/cortex/internal/clock"
)

// Orchestrator runs the distributed lease protocol (spec.md §4.9): claim due
// rituals, execute each outside the claiming transaction, and record the
// outcome with the next scheduled run.
type Orchestrator struct {
	store      *Store
	dispatcher *Dispatcher
	clock      clock.Clock
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(store *Store, dispatcher *Dispatcher, clk clock.Clock) *Orchestrator {
	return &Orchestrator{store: store, dispatcher: dispatcher, clock: clk}
}

// TickResult reports what one orchestrator tick did.
type TickResult struct {
	Claimed   int
	Succeeded int
	Failed    int
}

// Tick claims every currently-due ritual and runs each to completion. A
// dispatch failure on one ritual doesn't stop the others: it is recorded
// against that ritual's own failure count and the tick continues.
func (o *Orchestrator) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult

	due, err := o.store.ClaimDue(ctx)
	if err != nil {
		return result, fmt.Errorf("claim due rituals: %w", err)
	}
	result.Claimed = len(due)

	for _, r := range due {
		meta, runErr := o.dispatcher.Run(ctx, r)

		status := StatusSuccess
		if runErr != nil {
			status = StatusFailure
			result.Failed++
		} else {
			result.Succeeded++
		}

		if err := o.store.Complete(ctx, r, status, runErr, meta); err != nil {
			return result, fmt.Errorf("complete ritual %s: %w", r.Name, err)
		}
	}

	return result, nil
}
