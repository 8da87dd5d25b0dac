package persona

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ods-cortex/cortex/internal/actionjournal"
	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/metricsledger"
	"github.com/ods-cortex/cortex/internal/reflectionlog"
	"github.com/ods-cortex/cortex/internal/rules"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

func newTestPlanner(t *testing.T) (*Planner, *Store, *metricsledger.Ledger, *clock.Fake) {
	t.Helper()
	adapter, err := storeadapter.NewPureGoAdapter(context.Background(), filepath.Join(t.TempDir(), "cortex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewStore(adapter, clk)
	journal := actionjournal.New(adapter, clk)
	ledger := metricsledger.New(adapter, clk)
	reflections := reflectionlog.New(adapter)
	ruleEngine := rules.New(adapter)
	planner := New(store, journal, ledger, reflections, ruleEngine, nil, clk, 0)
	return planner, store, ledger, clk
}

func recordAgentMetric(t *testing.T, ledger *metricsledger.Ledger, name, agentID string, value float64) {
	t.Helper()
	require.NoError(t, ledger.Record(context.Background(), metricsledger.Metric{MetricName: name, MetricValue: value, AgentID: &agentID}))
}

func TestMutateStrategy_PreflightFailureAbortsCycle(t *testing.T) {
	adapter, err := storeadapter.NewPureGoAdapter(context.Background(), filepath.Join(t.TempDir(), "cortex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewStore(adapter, clk)
	journal := actionjournal.New(adapter, clk)
	ledger := metricsledger.New(adapter, clk)
	reflections := reflectionlog.New(adapter)
	ruleEngine := rules.New(adapter)

	probes := NewProbeRunner(adapter, clk)
	probes.Register(Probe{Name: "always_fails", Run: func(ctx context.Context) error { return assert.AnError }})

	planner := New(store, journal, ledger, reflections, ruleEngine, probes, clk, 0)
	require.NoError(t, store.Create(context.Background(), Persona{Name: "p1", Role: "r1"}))

	report, err := planner.MutateStrategy(context.Background())
	require.NoError(t, err)
	assert.True(t, report.PreflightFailed)
	assert.Empty(t, report.Mutated)
}

func TestMutateStrategy_MutatesUnderperformingPersonaToAccuracy(t *testing.T) {
	planner, store, ledger, _ := newTestPlanner(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, Persona{Name: "weak", Role: "Answer questions."}))
	require.NoError(t, store.Create(ctx, Persona{Name: "strong", Role: "Answer questions."}))

	// 5 identical "strong" samples against 1 "weak" sample always puts the
	// weak sample's Z-score at exactly -5/sqrt(6) =~ -2.04: inside the
	// optimize_accuracy band (-2.5, -1.0], independent of the actual values.
	for i := 0; i < 5; i++ {
		recordAgentMetric(t, ledger, "task_success_rate", "strong", 0.95)
	}
	recordAgentMetric(t, ledger, "task_success_rate", "weak", 0.5)

	report, err := planner.MutateStrategy(ctx)
	require.NoError(t, err)
	assert.Contains(t, report.Mutated, "weak")

	got, err := store.Get(ctx, "weak")
	require.NoError(t, err)
	assert.Equal(t, EvolutionVerifying, got.Metadata.EvolutionStatus)
}

func TestMutateStrategy_MaintainsWithNoMetrics(t *testing.T) {
	planner, store, _, _ := newTestPlanner(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, Persona{Name: "solo", Role: "r"}))

	report, err := planner.MutateStrategy(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Mutated)
	assert.Empty(t, report.RolledBack)
}

func TestRunVerificationMonitor_RollsBackOnLowZScore(t *testing.T) {
	planner, store, ledger, clk := newTestPlanner(t)
	ctx := context.Background()

	started := clk.Now()
	p := Persona{
		Name: "evolving",
		Role: "new role",
		Metadata: Metadata{
			EvolutionStatus:       EvolutionVerifying,
			VerificationStartedAt: &started,
			VerificationBaseline:  &VerificationBaseline{SuccessRate: 0.9, RecordedAt: started},
			MutationReason:        "optimize_accuracy",
			MutationHistory: []PersonaMutation{{
				Timestamp: started, Recommendation: RecommendOptimizeAccuracy, MutationReason: "optimize_accuracy",
				RoleBefore: "old role", RoleAfter: "new role",
			}},
		},
	}
	require.NoError(t, store.Create(ctx, p))

	for i := 0; i < 10; i++ {
		recordAgentMetric(t, ledger, "success_rate", "evolving", 0.1)
	}

	report, err := planner.MutateStrategy(ctx)
	require.NoError(t, err)
	assert.Contains(t, report.RolledBack, "evolving")

	got, err := store.Get(ctx, "evolving")
	require.NoError(t, err)
	assert.Equal(t, "old role", got.Role)
	assert.Equal(t, EvolutionStable, got.Metadata.EvolutionStatus)
	require.NotNil(t, got.Metadata.LastFailedMutation)
}

func TestRunVerificationMonitor_RollsBackRestoresPoliciesFromEfficiencyMutation(t *testing.T) {
	planner, store, ledger, clk := newTestPlanner(t)
	ctx := context.Background()

	started := clk.Now()
	p := Persona{
		Name:     "efficient",
		Role:     "same role",
		Policies: []string{"timeout_reduction", "concise_output"},
		Metadata: Metadata{
			EvolutionStatus:       EvolutionVerifying,
			VerificationStartedAt: &started,
			VerificationBaseline:  &VerificationBaseline{SuccessRate: 0.9, RecordedAt: started},
			MutationReason:        "optimize_efficiency",
			MutationHistory: []PersonaMutation{{
				Timestamp: started, Recommendation: RecommendOptimizeEfficiency, MutationReason: "optimize_efficiency",
				RoleBefore: "same role", RoleAfter: "same role",
				PoliciesBefore: []string{"original_policy"},
				PoliciesAfter:  []string{"timeout_reduction", "concise_output"},
			}},
		},
	}
	require.NoError(t, store.Create(ctx, p))

	for i := 0; i < 10; i++ {
		recordAgentMetric(t, ledger, "success_rate", "efficient", 0.1)
	}

	report, err := planner.MutateStrategy(ctx)
	require.NoError(t, err)
	assert.Contains(t, report.RolledBack, "efficient")

	got, err := store.Get(ctx, "efficient")
	require.NoError(t, err)
	assert.Equal(t, []string{"original_policy"}, got.Policies)
	assert.Equal(t, EvolutionStable, got.Metadata.EvolutionStatus)
	require.NotNil(t, got.Metadata.LastFailedMutation)
}

func TestIsBlacklisted_GlobalHourAndLocalDayWindows(t *testing.T) {
	planner, _, _, clk := newTestPlanner(t)
	now := clk.Now()

	population := []Persona{
		{Name: "other", Metadata: Metadata{LastFailedMutation: &LastFailedMutation{Recommendation: RecommendOptimizeAccuracy, At: now.Add(-30 * time.Minute)}}},
	}
	assert.True(t, planner.isBlacklisted(population, "self", RecommendOptimizeAccuracy, now))

	populationOld := []Persona{
		{Name: "other", Metadata: Metadata{LastFailedMutation: &LastFailedMutation{Recommendation: RecommendOptimizeAccuracy, At: now.Add(-2 * time.Hour)}}},
	}
	assert.False(t, planner.isBlacklisted(populationOld, "self", RecommendOptimizeAccuracy, now))

	populationSelf := []Persona{
		{Name: "self", Metadata: Metadata{LastFailedMutation: &LastFailedMutation{Recommendation: RecommendOptimizeAccuracy, At: now.Add(-12 * time.Hour)}}},
	}
	assert.True(t, planner.isBlacklisted(populationSelf, "self", RecommendOptimizeAccuracy, now))
}

func TestSanitizeRole_TruncatesAndStripsTemplateSyntax(t *testing.T) {
	raw := "Be helpful {{inject}} and `exec(${cmd})`"
	out := sanitizeRole(raw)
	assert.NotContains(t, out, "{")
	assert.NotContains(t, out, "$")
	assert.NotContains(t, out, "`")

	long := ""
	for i := 0; i < 600; i++ {
		long += "a"
	}
	assert.Len(t, sanitizeRole(long), maxRoleLength)
}
