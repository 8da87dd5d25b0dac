// Package pilot implements the Evolutionary Pilot (spec.md §4.10): the
// top-level self-improvement cycle that watches the four core metric axes
// and triggers latency optimization, persona mutation, or emergency
// compression in response.
package pilot

import (
	"context"
	"fmt"

	"github.com/ods-cortex/cortex/internal/governance"
	"github.com/ods-cortex/cortex/internal/maintenance"
	"github.com/ods-cortex/cortex/internal/metricsledger"
	"github.com/ods-cortex/cortex/internal/persona"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

const (
	axisWindow = 100

	latencyZThreshold    = 2.0
	latencyMeanThreshold = 1000.0

	successZThreshold    = -1.5
	successMeanThreshold = 0.7

	costZThreshold = 2.5
)

// Pilot runs the self-improvement cycle.
type Pilot struct {
	adapter     storeadapter.Adapter
	ledger      *metricsledger.Ledger
	planner     *persona.Planner
	janitor     *maintenance.Janitor
	governance  *governance.Auditor
	remediation *governance.RemediationEngine
}

// New builds a Pilot.
func New(adapter storeadapter.Adapter, ledger *metricsledger.Ledger, planner *persona.Planner, janitor *maintenance.Janitor, auditor *governance.Auditor, remediation *governance.RemediationEngine) *Pilot {
	return &Pilot{adapter: adapter, ledger: ledger, planner: planner, janitor: janitor, governance: auditor, remediation: remediation}
}

// AxisStats is the four metric axes' derived statistics for one cycle.
type AxisStats struct {
	QueryLatency metricsledger.Stats
	SuccessRate  metricsledger.Stats
	TotalCost    metricsledger.Stats
	TrustSignal  metricsledger.Stats
}

// Result is what one self-improvement cycle did.
type Result struct {
	Axes                AxisStats
	OptimizedLatency     bool
	MutatedStrategy      bool
	ScheduledCompression bool
	AuditHealthy         bool
	Flagged              bool
}

// RunSelfImprovementCycle implements spec.md §4.10: read the last 100
// samples of each axis, trigger the corresponding remediation when a
// threshold is crossed, then run a governance audit and flag the cycle if
// it surfaces anything.
func (p *Pilot) RunSelfImprovementCycle(ctx context.Context) (Result, error) {
	var result Result

	var err error
	result.Axes.QueryLatency, err = p.ledger.ComputeStats(ctx, "query_latency", axisWindow)
	if err != nil {
		return result, fmt.Errorf("self-improvement cycle: %w", err)
	}
	result.Axes.SuccessRate, err = p.ledger.ComputeStats(ctx, "success_rate", axisWindow)
	if err != nil {
		return result, fmt.Errorf("self-improvement cycle: %w", err)
	}
	result.Axes.TotalCost, err = p.ledger.ComputeStats(ctx, "total_cost", axisWindow)
	if err != nil {
		return result, fmt.Errorf("self-improvement cycle: %w", err)
	}
	result.Axes.TrustSignal, err = p.ledger.ComputeStats(ctx, "trust_signal", axisWindow)
	if err != nil {
		return result, fmt.Errorf("self-improvement cycle: %w", err)
	}

	latency := result.Axes.QueryLatency
	if latency.N > 0 && (latency.Z > latencyZThreshold || latency.Mean > latencyMeanThreshold) {
		if err := p.optimizeLatency(ctx); err != nil {
			return result, err
		}
		result.OptimizedLatency = true
	}

	success := result.Axes.SuccessRate
	if success.N > 0 && (success.Z < successZThreshold || success.Mean < successMeanThreshold) {
		if p.planner != nil {
			if _, err := p.planner.MutateStrategy(ctx); err != nil {
				return result, fmt.Errorf("self-improvement mutate strategy: %w", err)
			}
			result.MutatedStrategy = true
		}
	}

	cost := result.Axes.TotalCost
	if cost.N > 0 && cost.Z > costZThreshold {
		if p.remediation != nil {
			if err := p.remediation.Schedule(ctx, []governance.Issue{{Auditor: "EvolutionaryPilot", Severity: governance.SeverityCost, Detail: "total_cost Z-score exceeded 2.5"}}); err != nil {
				return result, fmt.Errorf("self-improvement schedule compression: %w", err)
			}
			result.ScheduledCompression = true
		}
	}

	if p.governance != nil {
		audit, err := p.governance.PerformAudit(ctx)
		if err != nil {
			return result, fmt.Errorf("self-improvement cycle audit: %w", err)
		}
		result.AuditHealthy = audit.Healthy
		result.Flagged = !audit.Healthy
	}

	return result, nil
}

// optimizeLatency runs the adapter's dialect-aware PRAGMA optimize and
// ensures the composite (session_id, created_at) index on the messages
// table the teacher's own query pattern relies on.
func (p *Pilot) optimizeLatency(ctx context.Context) error {
	if p.janitor != nil {
		if err := p.janitor.OptimizeDatabase(ctx); err != nil {
			return fmt.Errorf("optimize latency: %w", err)
		}
	}
	table := p.adapter.Tables().Messages
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_messages_session_created ON %s(session_id, created_at)", table)
	if _, err := p.adapter.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure latency index: %w", err)
	}
	return nil
}
