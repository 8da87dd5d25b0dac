// Package governance implements the Governance Auditor (spec.md §4.7): a
// panel of independent auditors run concurrently over a shared
// AuditContext, with a remediation engine that schedules recovery rituals
// when any auditor raises an issue.
package governance

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ods-cortex/cortex/internal/capability"
	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/metricsledger"
	"github.com/ods-cortex/cortex/internal/persona"
	"github.com/ods-cortex/cortex/internal/policy"
	"github.com/ods-cortex/cortex/internal/reflectionlog"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

const (
	fallbackBudgetPerHour    = 1.0
	fallbackMinSuccessRate   = 0.5
	personaQuarantineSuccess = 0.3
	personaQuarantineCostX   = 1.5
	skillPostPromotionFloor  = 0.3
	emergenceRateMultiple    = 3.0
)

// Severity classifies an Issue's urgency for the remediation engine.
type Severity string

const (
	SeverityCost        Severity = "cost"
	SeveritySuccessRate Severity = "success_rate"
	SeverityPersona     Severity = "persona"
	SeveritySkill       Severity = "skill"
	SeverityEmergence   Severity = "emergence"
)

// Issue is one finding from a single auditor.
type Issue struct {
	Auditor  string
	Severity Severity
	Detail   string
}

// AuditContext is shared, read-only state every auditor runs against.
type AuditContext struct {
	Now time.Time
}

// Auditor fans out the five independent checks spec.md §4.7 names, shares
// their findings with the RemediationEngine, and records a failure
// reflection when any issue is raised.
type Auditor struct {
	ledger       *metricsledger.Ledger
	policies     *policy.Enforcer
	personas     *persona.Store
	planner      *persona.Planner
	capabilities *capability.Registry
	reflections  *reflectionlog.Log
	remediation  *RemediationEngine
	clock        clock.Clock
}

// New builds an Auditor.
func New(
	ledger *metricsledger.Ledger,
	policies *policy.Enforcer,
	personas *persona.Store,
	plannerForQuarantine *persona.Planner,
	capabilities *capability.Registry,
	reflections *reflectionlog.Log,
	remediation *RemediationEngine,
	clk clock.Clock,
) *Auditor {
	return &Auditor{
		ledger:       ledger,
		policies:     policies,
		personas:     personas,
		planner:      plannerForQuarantine,
		capabilities: capabilities,
		reflections:  reflections,
		remediation:  remediation,
		clock:        clk,
	}
}

// AuditResult is what one performAudit pass produced.
type AuditResult struct {
	Issues  []Issue
	Healthy bool
}

// PerformAudit runs every auditor concurrently against a shared
// AuditContext, records a failure reflection if anything was raised, and
// hands the issue list to the RemediationEngine.
func (a *Auditor) PerformAudit(ctx context.Context) (AuditResult, error) {
	auditCtx := AuditContext{Now: a.clock.Now()}

	checks := []func(context.Context, AuditContext) ([]Issue, error){
		a.budgetAudit,
		a.performanceAudit,
		a.personaAudit,
		a.skillAudit,
		a.emergenceAudit,
	}

	results := make([][]Issue, len(checks))
	group, gctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		i, check := i, check
		group.Go(func() error {
			issues, err := check(gctx, auditCtx)
			if err != nil {
				return err
			}
			results[i] = issues
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return AuditResult{}, fmt.Errorf("perform audit: %w", err)
	}

	var all []Issue
	for _, issues := range results {
		all = append(all, issues...)
	}

	result := AuditResult{Issues: all, Healthy: len(all) == 0}

	if !result.Healthy {
		_, err := a.reflections.Reflect(ctx, reflectionlog.Reflection{
			SessionID:      "governance",
			Outcome:        reflectionlog.OutcomeFailure,
			LessonsLearned: summarizeIssues(all),
		})
		if err != nil {
			return result, err
		}
		if a.remediation != nil {
			if err := a.remediation.Schedule(ctx, all); err != nil {
				return result, err
			}
		}
	}

	return result, nil
}

func summarizeIssues(issues []Issue) string {
	out := "governance audit raised:"
	for _, i := range issues {
		out += fmt.Sprintf(" [%s] %s: %s;", i.Severity, i.Auditor, i.Detail)
	}
	return out
}

// budgetAudit sums total_cost over the last hour and compares it against
// the active budget policy's threshold (fallback $1.0/h).
func (a *Auditor) budgetAudit(ctx context.Context, actx AuditContext) ([]Issue, error) {
	limit := fallbackBudgetPerHour
	if a.policies != nil {
		if p, ok, err := a.policies.GetPolicy(ctx, "budget"); err == nil && ok && p.Definition.Max != nil {
			limit = *p.Definition.Max
		}
	}

	sum, err := a.ledger.SumSince(ctx, "total_cost", actx.Now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("budget audit: %w", err)
	}
	if sum > limit {
		return []Issue{{Auditor: "BudgetAuditor", Severity: SeverityCost, Detail: fmt.Sprintf("total_cost %.4f exceeds hourly limit %.4f", sum, limit)}}, nil
	}
	return nil, nil
}

// performanceAudit averages the 100 most recent success_rate samples and
// compares that against the policy's min_success_rate (fallback 0.5).
func (a *Auditor) performanceAudit(ctx context.Context, actx AuditContext) ([]Issue, error) {
	floor := fallbackMinSuccessRate
	if a.policies != nil {
		if p, ok, err := a.policies.GetPolicy(ctx, "min_success_rate"); err == nil && ok && p.Definition.Min != nil {
			floor = *p.Definition.Min
		}
	}

	stats, err := a.ledger.ComputeStats(ctx, "success_rate", 100)
	if err != nil {
		return nil, fmt.Errorf("performance audit: %w", err)
	}
	if stats.N > 0 && stats.Mean < floor {
		return []Issue{{Auditor: "PerformanceAuditor", Severity: SeveritySuccessRate, Detail: fmt.Sprintf("mean success_rate %.4f below floor %.4f", stats.Mean, floor)}}, nil
	}
	return nil, nil
}

// personaAudit examines every verifying persona; one with a collapsed
// success rate or runaway cost is quarantined (rolled back).
func (a *Auditor) personaAudit(ctx context.Context, actx AuditContext) ([]Issue, error) {
	if a.personas == nil {
		return nil, nil
	}
	all, err := a.personas.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("persona audit: %w", err)
	}

	budget := fallbackBudgetPerHour
	if a.policies != nil {
		if p, ok, err := a.policies.GetPolicy(ctx, "budget"); err == nil && ok && p.Definition.Max != nil {
			budget = *p.Definition.Max
		}
	}

	var issues []Issue
	for _, p := range all {
		if p.Metadata.EvolutionStatus != persona.EvolutionVerifying {
			continue
		}
		successStats, err := a.ledger.ComputeStatsForAgent(ctx, "success_rate", p.Name, 20)
		if err != nil {
			return issues, fmt.Errorf("persona audit stats for %s: %w", p.Name, err)
		}
		cost, err := a.ledger.SumSince(ctx, "total_cost", actx.Now.Add(-time.Hour))
		if err != nil {
			return issues, fmt.Errorf("persona audit cost for %s: %w", p.Name, err)
		}

		degraded := successStats.N > 0 && successStats.Mean < personaQuarantineSuccess
		overBudget := cost > personaQuarantineCostX*budget
		if !degraded && !overBudget {
			continue
		}

		if a.planner != nil {
			if err := a.planner.Quarantine(ctx, p.Name); err != nil {
				return issues, fmt.Errorf("quarantine persona %s: %w", p.Name, err)
			}
		}
		issues = append(issues, Issue{
			Auditor:  "PersonaAuditor",
			Severity: SeverityPersona,
			Detail:   fmt.Sprintf("persona %s quarantined (success_rate=%.4f cost=%.4f)", p.Name, successStats.Mean, cost),
		})
	}
	return issues, nil
}

// skillAudit detects verified capabilities whose reliability has collapsed
// since promotion and blacklists them.
func (a *Auditor) skillAudit(ctx context.Context, actx AuditContext) ([]Issue, error) {
	if a.capabilities == nil {
		return nil, nil
	}
	verified, err := a.capabilities.ListByStatus(ctx, capability.StatusVerified)
	if err != nil {
		return nil, fmt.Errorf("skill audit: %w", err)
	}

	var issues []Issue
	for _, c := range verified {
		if c.Reliability >= skillPostPromotionFloor {
			continue
		}
		if err := a.capabilities.UpdateStatus(ctx, c.Name, c.Version, capability.StatusBlacklisted); err != nil {
			return issues, fmt.Errorf("blacklist skill %s: %w", c.Name, err)
		}
		issues = append(issues, Issue{
			Auditor:  "SkillAuditor",
			Severity: SeveritySkill,
			Detail:   fmt.Sprintf("capability %s blacklisted after reliability collapsed to %.4f post-promotion", c.Name, c.Reliability),
		})
	}
	return issues, nil
}

// emergenceAudit flags any metric whose last-10-minute rate exceeds
// emergenceRateMultiple times the preceding hour's rate.
func (a *Auditor) emergenceAudit(ctx context.Context, actx AuditContext) ([]Issue, error) {
	names, err := a.ledger.DistinctMetricNames(ctx, actx.Now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("emergence audit: %w", err)
	}

	var issues []Issue
	for _, name := range names {
		recent, err := a.ledger.Rate(ctx, name, actx.Now.Add(-10*time.Minute), actx.Now)
		if err != nil {
			return issues, fmt.Errorf("emergence rate recent %s: %w", name, err)
		}
		baseline, err := a.ledger.Rate(ctx, name, actx.Now.Add(-time.Hour), actx.Now.Add(-10*time.Minute))
		if err != nil {
			return issues, fmt.Errorf("emergence rate baseline %s: %w", name, err)
		}
		if baseline <= 0 {
			continue
		}
		if recent > emergenceRateMultiple*baseline {
			issues = append(issues, Issue{
				Auditor:  "EmergenceAuditor",
				Severity: SeverityEmergence,
				Detail:   fmt.Sprintf("metric %s rate spike: recent %.4f/min vs baseline %.4f/min", name, recent, baseline),
			})
		}
	}
	return issues, nil
}

// SuggestRepairs is a diagnostic-only listing of structural
// recommendations. It reports only which of the knowledge, memories and
// messages tables are absent; it does not inspect indexes and does not list
// cold-storage archival candidates. It never mutates state.
func (a *Auditor) SuggestRepairs(ctx context.Context, adapter storeadapter.Adapter) ([]string, error) {
	tables, err := adapter.Introspect(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest repairs: %w", err)
	}

	expected := map[string]bool{
		adapter.Tables().KnowledgeBase: true,
		adapter.Tables().Memories:      true,
		adapter.Tables().Messages:      true,
	}

	var suggestions []string
	present := map[string]bool{}
	for _, t := range tables {
		present[t] = true
	}
	for t := range expected {
		if !present[t] {
			suggestions = append(suggestions, fmt.Sprintf("table %s missing: create before relying on identity indexes", t))
		}
	}
	return suggestions, nil
}
