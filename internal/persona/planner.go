package persona

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ods-cortex/cortex/internal/actionjournal"
	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/metricsledger"
	"github.com/ods-cortex/cortex/internal/reflectionlog"
	"github.com/ods-cortex/cortex/internal/rules"
)

const (
	verificationMaxDuration     = 3 * 24 * time.Hour
	defaultBaseVerificationSamples = 10
)

// Planner runs the persona mutate/verify/stabilize-or-rollback loop.
type Planner struct {
	store                   *Store
	journal                 *actionjournal.Journal
	ledger                  *metricsledger.Ledger
	reflections             *reflectionlog.Log
	rules                   *rules.Engine
	probes                  *ProbeRunner
	clock                   clock.Clock
	baseVerificationSamples int
}

// New builds a Planner. baseVerificationSamples comes from
// Config.Strategy.BaseVerificationSamples; a non-positive value falls back
// to spec.md §4.6's default of 10.
func New(store *Store, journal *actionjournal.Journal, ledger *metricsledger.Ledger, reflections *reflectionlog.Log, ruleEngine *rules.Engine, probes *ProbeRunner, clk clock.Clock, baseVerificationSamples int) *Planner {
	if baseVerificationSamples <= 0 {
		baseVerificationSamples = defaultBaseVerificationSamples
	}
	return &Planner{store: store, journal: journal, ledger: ledger, reflections: reflections, rules: ruleEngine, probes: probes, clock: clk, baseVerificationSamples: baseVerificationSamples}
}

// Report is what one mutateStrategy cycle changed.
type Report struct {
	PreflightFailed bool
	RolledBack      []string
	Stabilized      []string
	Mutated         []string
	Skipped         map[string]string
}

// MutateStrategy runs one cycle of spec.md §4.6's evolution loop over every
// persona.
func (p *Planner) MutateStrategy(ctx context.Context) (Report, error) {
	report := Report{Skipped: map[string]string{}}

	if p.probes != nil {
		ok, err := p.probes.RunAll(ctx)
		if err != nil {
			return report, err
		}
		if !ok {
			report.PreflightFailed = true
			return report, nil
		}
	}

	personas, err := p.store.ListAll(ctx)
	if err != nil {
		return report, err
	}

	for _, persona := range personas {
		if err := p.processPersona(ctx, persona.Name, personas, &report); err != nil {
			return report, fmt.Errorf("process persona %s: %w", persona.Name, err)
		}
	}
	return report, nil
}

func (p *Planner) processPersona(ctx context.Context, name string, population []Persona, report *Report) error {
	now := p.clock.Now()

	var skipMutationThisCycle bool

	err := p.store.WithLock(ctx, name, func(tx *sql.Tx, current Persona) (Persona, error) {
		if current.Metadata.EvolutionStatus == EvolutionVerifying {
			next, rolledBack, stabilized, err := p.runVerificationMonitor(ctx, current, now)
			if err != nil {
				return current, err
			}
			if rolledBack {
				report.RolledBack = append(report.RolledBack, name)
				skipMutationThisCycle = true
				return next, nil
			}
			if stabilized {
				report.Stabilized = append(report.Stabilized, name)
				return next, nil
			}
			skipMutationThisCycle = true
			return next, nil
		}
		return current, nil
	})
	if err != nil {
		return err
	}
	if skipMutationThisCycle {
		// A persona still verifying, or that just rolled back, isn't
		// re-mutated this same cycle.
		return nil
	}

	failureReport, err := p.journal.BuildFailureReport(ctx, 1)
	if err != nil {
		return err
	}
	failureTools := failureReport.ToolNamesOverThreshold(1)

	rec, err := p.analyzePersona(ctx, name)
	if err != nil {
		return err
	}
	if rec == RecommendMaintain {
		return nil
	}

	if p.isBlacklisted(population, name, rec, now) {
		report.Skipped[name] = fmt.Sprintf("recommendation %s blacklisted", rec)
		return nil
	}

	return p.store.WithLock(ctx, name, func(tx *sql.Tx, current Persona) (Persona, error) {
		if rec == RecommendCriticalIntervention {
			next := rollbackPersona(now, current)
			report.RolledBack = append(report.RolledBack, name)
			return next, nil
		}

		mutationReason := "optimize_accuracy"
		if rec == RecommendOptimizeEfficiency {
			mutationReason = "optimize_efficiency"
		}

		roleAfter, policiesAfter, err := p.buildMutation(ctx, current, rec, mutationReason, failureTools, population)
		if err != nil {
			return current, err
		}

		if roleAfter != current.Role {
			collides, err := p.reflections.HasActiveContradiction(ctx, roleAfter)
			if err != nil {
				return current, err
			}
			if collides {
				report.Skipped[name] = "proposed role collides with an active goal contradiction"
				return current, nil
			}
		}

		next := current
		next.Role = roleAfter
		next.Policies = policiesAfter
		next.Metadata.appendMutation(PersonaMutation{
			Timestamp:          now,
			Recommendation:     rec,
			MutationReason:     mutationReason,
			RoleBefore:         current.Role,
			RoleAfter:          roleAfter,
			PoliciesBefore:     current.Policies,
			PoliciesAfter:      policiesAfter,
			CapabilitiesBefore: current.Capabilities,
			CapabilitiesAfter:  current.Capabilities,
		})
		next.Metadata.EvolutionStatus = EvolutionVerifying
		next.Metadata.MutationReason = mutationReason
		next.Metadata.VerificationStartedAt = &now

		baselineStats, err := p.ledger.ComputeStatsForAgent(ctx, "success_rate", name, 1)
		if err != nil {
			return current, err
		}
		next.Metadata.VerificationBaseline = &VerificationBaseline{SuccessRate: baselineStats.Current, RecordedAt: now}

		report.Mutated = append(report.Mutated, name)
		return next, nil
	})
}

// Quarantine force-rolls-back the named persona regardless of its
// verification state, the action the governance auditor's PersonaAuditor
// takes against a verifying persona whose success rate or cost has
// collapsed.
func (p *Planner) Quarantine(ctx context.Context, name string) error {
	now := p.clock.Now()
	return p.store.WithLock(ctx, name, func(tx *sql.Tx, current Persona) (Persona, error) {
		return rollbackPersona(now, current), nil
	})
}

// runVerificationMonitor implements spec.md §4.6 step 1. It returns the
// persona's next state plus whether this call rolled it back or stabilized
// it; when neither, the persona remains in verification unchanged.
func (p *Planner) runVerificationMonitor(ctx context.Context, current Persona, now time.Time) (Persona, bool, bool, error) {
	recentRollbacks := current.Metadata.RecentRollbacks(now)
	threshold := float64(p.baseVerificationSamples + p.baseVerificationSamples*recentRollbacks)

	trusted, err := p.store.ListByHiveTrusted(ctx, current.Metadata.MutationReason)
	if err != nil {
		return current, false, false, err
	}
	if len(trusted) >= 3 {
		threshold /= 2
		if threshold < 5 {
			threshold = 5
		}
	}

	stats, err := p.ledger.ComputeStatsForAgent(ctx, "success_rate", current.Name, 100)
	if err != nil {
		return current, false, false, err
	}

	if stats.N >= 5 {
		earlyWindow := stats.N
		if earlyWindow > 5 {
			earlyWindow = 5
		}
		earlySamples, err := p.ledger.RecentValuesForAgent(ctx, "success_rate", current.Name, stats.N)
		if err != nil {
			return current, false, false, err
		}
		// "early" samples are the oldest ones collected since verification
		// started; RecentValuesForAgent returns newest-first, so the tail
		// holds the earliest observations.
		early := earlySamples[len(earlySamples)-earlyWindow:]
		earlyMean, earlySigma := stat.MeanStdDev(early, nil)
		earlyZ := metricsledger.ZScore(early[len(early)-1], earlyMean, earlySigma)
		if earlyZ > 3.0 {
			threshold = 5
		}
	}

	baseline := current.Metadata.VerificationBaseline
	baselineRate := 0.0
	if baseline != nil {
		baselineRate = baseline.SuccessRate
	}
	z := metricsledger.ZScore(stats.Current, baselineRate, stats.StdDev)

	if z < -2.0 {
		return rollbackPersona(now, current), true, false, nil
	}

	if current.Metadata.VerificationStartedAt != nil && now.Sub(*current.Metadata.VerificationStartedAt) > verificationMaxDuration {
		return rollbackPersona(now, current), true, false, nil
	}

	if float64(stats.N) >= 2*threshold && z >= -0.5 {
		next := current
		next.Metadata.EvolutionStatus = EvolutionStable
		if current.Metadata.MutationReason == "optimize_efficiency" {
			if err := p.distillEfficiencyAuditRule(ctx); err != nil {
				return current, false, false, err
			}
		}
		return next, false, true, nil
	}

	return current, false, false, nil
}

func (p *Planner) distillEfficiencyAuditRule(ctx context.Context) error {
	_, err := p.rules.DefineRule(ctx, rules.Rule{
		TableName: "all",
		Operation: rules.OpAll,
		Condition: "latency > 500",
		Action:    rules.ActionAudit,
		Priority:  0,
		IsEnabled: true,
	})
	return err
}

// analyzePersona implements spec.md §4.6 step 4's dynamic-threshold
// comparison against the global population's recent task_success_rate and
// query_latency metrics.
func (p *Planner) analyzePersona(ctx context.Context, name string) (Recommendation, error) {
	popSuccess, err := p.ledger.ComputeStats(ctx, "task_success_rate", 100)
	if err != nil {
		return RecommendMaintain, err
	}
	popLatency, err := p.ledger.ComputeStats(ctx, "query_latency", 100)
	if err != nil {
		return RecommendMaintain, err
	}
	personaSuccess, err := p.ledger.ComputeStatsForAgent(ctx, "task_success_rate", name, 1)
	if err != nil {
		return RecommendMaintain, err
	}
	personaLatency, err := p.ledger.ComputeStatsForAgent(ctx, "query_latency", name, 1)
	if err != nil {
		return RecommendMaintain, err
	}

	if popSuccess.N > 0 && personaSuccess.N > 0 {
		if personaSuccess.Current < popSuccess.Mean-2.5*popSuccess.StdDev {
			return RecommendCriticalIntervention, nil
		}
		if personaSuccess.Current < popSuccess.Mean-1.0*popSuccess.StdDev {
			return RecommendOptimizeAccuracy, nil
		}
	}
	if popLatency.N > 0 && personaLatency.N > 0 {
		if personaLatency.Current > popLatency.Mean+2.0*popLatency.StdDev {
			return RecommendOptimizeEfficiency, nil
		}
	}
	return RecommendMaintain, nil
}

// isBlacklisted implements spec.md §4.6 step 3: skip if any other persona
// recorded a last_failed_mutation of the same recommendation in the last
// hour, or this persona recorded one in the last 24 hours.
func (p *Planner) isBlacklisted(population []Persona, name string, rec Recommendation, now time.Time) bool {
	for _, other := range population {
		f := other.Metadata.LastFailedMutation
		if f == nil || f.Recommendation != rec {
			continue
		}
		if other.Name == name {
			if now.Sub(f.At) < 24*time.Hour {
				return true
			}
			continue
		}
		if now.Sub(f.At) < time.Hour {
			return true
		}
	}
	return false
}

// buildMutation implements spec.md §4.6 step 4's mutation-building
// preference order: distilled-lesson role, then cross-pollination from a
// stable peer sharing mutationReason, then the canonical mutation.
func (p *Planner) buildMutation(ctx context.Context, current Persona, rec Recommendation, mutationReason string, failureTools []string, population []Persona) (string, []string, error) {
	if len(failureTools) > 0 {
		lessons, err := p.reflections.RecentLessons(ctx, 5)
		if err != nil {
			return "", nil, err
		}
		if len(lessons) > 0 {
			role := sanitizeRole(fmt.Sprintf("%s Learns from recent failures in %s: %s.", current.Role, strings.Join(failureTools, ", "), strings.Join(lessons, "; ")))
			return role, current.Policies, nil
		}
	}

	for _, peer := range population {
		if peer.Name == current.Name {
			continue
		}
		if peer.Metadata.EvolutionStatus == EvolutionStable && peer.Metadata.MutationReason == mutationReason {
			return sanitizeRole(peer.Role), current.Policies, nil
		}
	}

	switch rec {
	case RecommendOptimizeAccuracy:
		role := sanitizeRole(fmt.Sprintf("%s Prioritize accuracy: verify outputs before responding and prefer cautious answers.", current.Role))
		return role, current.Policies, nil
	case RecommendOptimizeEfficiency:
		policies := appendUnique(current.Policies, "timeout_reduction", "concise_output")
		return current.Role, policies, nil
	default:
		return current.Role, current.Policies, nil
	}
}

func appendUnique(existing []string, add ...string) []string {
	seen := map[string]bool{}
	for _, e := range existing {
		seen[e] = true
	}
	out := append([]string{}, existing...)
	for _, a := range add {
		if !seen[a] {
			out = append(out, a)
			seen[a] = true
		}
	}
	return out
}

// rollbackPersona reverts role, policies, and capabilities to the tail
// previousState of mutationHistory (spec.md §8's round-trip law), exits
// verification, and records the failure so the blacklist check can see it.
func rollbackPersona(now time.Time, p Persona) Persona {
	next := p
	if len(next.Metadata.MutationHistory) > 0 {
		last := next.Metadata.MutationHistory[len(next.Metadata.MutationHistory)-1]
		next.Role = last.RoleBefore
		next.Policies = last.PoliciesBefore
		next.Capabilities = last.CapabilitiesBefore
		next.Metadata.LastFailedMutation = &LastFailedMutation{Recommendation: last.Recommendation, At: now}
	}
	next.Metadata.EvolutionStatus = EvolutionStable
	next.Metadata.VerificationBaseline = nil
	next.Metadata.VerificationStartedAt = nil
	next.Metadata.RollbackTimestamps = append(next.Metadata.RollbackTimestamps, now)
	return next
}
