package governance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ods-cortex/cortex/internal/actionjournal"
	"github.com/ods-cortex/cortex/internal/capability"
	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/metricsledger"
	"github.com/ods-cortex/cortex/internal/persona"
	"github.com/ods-cortex/cortex/internal/policy"
	"github.com/ods-cortex/cortex/internal/reflectionlog"
	"github.com/ods-cortex/cortex/internal/rules"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

type testRig struct {
	adapter      storeadapter.Adapter
	ledger       *metricsledger.Ledger
	policies     *policy.Enforcer
	personaStore *persona.Store
	planner      *persona.Planner
	capabilities *capability.Registry
	reflections  *reflectionlog.Log
	remediation  *RemediationEngine
	clock        *clock.Fake
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	adapter, err := storeadapter.NewPureGoAdapter(context.Background(), filepath.Join(t.TempDir(), "cortex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ledger := metricsledger.New(adapter, clk)
	policies := policy.New(adapter, ledger, clk, 0)
	personaStore := persona.NewStore(adapter, clk)
	journal := actionjournal.New(adapter, clk)
	reflections := reflectionlog.New(adapter)
	ruleEngine := rules.New(adapter)
	planner := persona.New(personaStore, journal, ledger, reflections, ruleEngine, nil, clk, 0)
	capabilities := capability.New(adapter, clk)
	remediation := NewRemediationEngine(adapter, clk)

	return &testRig{
		adapter: adapter, ledger: ledger, policies: policies, personaStore: personaStore,
		planner: planner, capabilities: capabilities, reflections: reflections,
		remediation: remediation, clock: clk,
	}
}

func (r *testRig) auditor() *Auditor {
	return New(r.ledger, r.policies, r.personaStore, r.planner, r.capabilities, r.reflections, r.remediation, r.clock)
}

func TestPerformAudit_HealthyWithNoIssues(t *testing.T) {
	rig := newTestRig(t)
	result, err := rig.auditor().PerformAudit(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Empty(t, result.Issues)
}

func TestPerformAudit_BudgetAuditorFlagsOverspend(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	max := 1.0
	_, err := rig.policies.DefinePolicy(ctx, policy.Policy{Name: "budget", Type: policy.TypeBudget, Definition: policy.Definition{Max: &max}, IsEnabled: true})
	require.NoError(t, err)

	require.NoError(t, rig.ledger.Record(ctx, metricsledger.Metric{MetricName: "total_cost", MetricValue: 1.5}))

	result, err := rig.auditor().PerformAudit(ctx)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	found := false
	for _, i := range result.Issues {
		if i.Severity == SeverityCost {
			found = true
		}
	}
	assert.True(t, found)

	n, err := rig.reflections.RecentLessons(ctx, 1)
	require.NoError(t, err)
	require.Len(t, n, 1)
}

func TestPerformAudit_PersonaAuditorQuarantinesCollapsedPersona(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.personaStore.Create(ctx, persona.Persona{
		Name: "evolving", Role: "new role",
		Metadata: persona.Metadata{
			EvolutionStatus: persona.EvolutionVerifying,
			MutationHistory: []persona.PersonaMutation{{RoleBefore: "old role", RoleAfter: "new role"}},
		},
	}))

	for i := 0; i < 5; i++ {
		agent := "evolving"
		require.NoError(t, rig.ledger.Record(ctx, metricsledger.Metric{MetricName: "success_rate", MetricValue: 0.1, AgentID: &agent}))
	}

	result, err := rig.auditor().PerformAudit(ctx)
	require.NoError(t, err)
	assert.False(t, result.Healthy)

	got, err := rig.personaStore.Get(ctx, "evolving")
	require.NoError(t, err)
	assert.Equal(t, "old role", got.Role)
	assert.Equal(t, persona.EvolutionStable, got.Metadata.EvolutionStatus)
}

func TestPerformAudit_SkillAuditorBlacklistsCollapsedVerifiedSkill(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.capabilities.RegisterCapability(ctx, capability.RegisterInput{Name: "search_web", Version: "1.0.0", Description: "search", InitialStatus: capability.StatusVerified})
	require.NoError(t, err)
	_, err = rig.adapter.ExecContext(ctx, "UPDATE "+rig.adapter.Tables().Capabilities+" SET reliability = 0.1, usages = 50 WHERE name = 'search_web'")
	require.NoError(t, err)

	result, err := rig.auditor().PerformAudit(ctx)
	require.NoError(t, err)
	assert.False(t, result.Healthy)

	got, err := rig.capabilities.GetByName(ctx, "search_web")
	require.NoError(t, err)
	assert.Equal(t, capability.StatusBlacklisted, got.Status)
}

func TestPerformAudit_EmergenceAuditorFlagsRateSpike(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.clock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, rig.ledger.Record(ctx, metricsledger.Metric{MetricName: "errors", MetricValue: 1}))

	rig.clock.Advance(55 * time.Minute)
	for i := 0; i < 30; i++ {
		require.NoError(t, rig.ledger.Record(ctx, metricsledger.Metric{MetricName: "errors", MetricValue: 1}))
	}
	rig.clock.Advance(time.Second)

	result, err := rig.auditor().PerformAudit(ctx)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
}

func TestRemediationEngine_SchedulesRitualsIdempotently(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	issues := []Issue{{Auditor: "BudgetAuditor", Severity: SeverityCost, Detail: "over budget"}}
	require.NoError(t, rig.remediation.Schedule(ctx, issues))
	require.NoError(t, rig.remediation.Schedule(ctx, issues))

	var count int
	err := rig.adapter.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+rig.adapter.Tables().Rituals+" WHERE name = 'Emergency Compression'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSuggestRepairs_DiagnosticOnly(t *testing.T) {
	rig := newTestRig(t)
	suggestions, err := rig.auditor().SuggestRepairs(context.Background(), rig.adapter)
	require.NoError(t, err)
	assert.Empty(t, suggestions)
}
