package ritual

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ods-cortex/cortex/internal/ablation"
	"github.com/ods-cortex/cortex/internal/actionjournal"
	"github.com/ods-cortex/cortex/internal/capability"
	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/governance"
	"github.com/ods-cortex/cortex/internal/hive"
	"github.com/ods-cortex/cortex/internal/knowledge"
	"github.com/ods-cortex/cortex/internal/maintenance"
	"github.com/ods-cortex/cortex/internal/metricsledger"
	"github.com/ods-cortex/cortex/internal/persona"
	"github.com/ods-cortex/cortex/internal/pilot"
	"github.com/ods-cortex/cortex/internal/policy"
	"github.com/ods-cortex/cortex/internal/reflectionlog"
	"github.com/ods-cortex/cortex/internal/rules"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

type testRig struct {
	adapter    storeadapter.Adapter
	store      *Store
	dispatcher *Dispatcher
	clock      *clock.Fake
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	adapter, err := storeadapter.NewPureGoAdapter(context.Background(), filepath.Join(t.TempDir(), "cortex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ledger := metricsledger.New(adapter, clk)
	graph := knowledge.New(adapter, ledger, clk)
	reflections := reflectionlog.New(adapter)
	journal := actionjournal.New(adapter, clk)
	janitor := maintenance.New(adapter, graph, ledger, clk)
	ablationEngine := ablation.New(adapter, graph, ledger, reflections, clk)
	capabilities := capability.New(adapter, clk)
	synthesizer := capability.NewSynthesizer(capabilities, journal, nil, clk, 0, 0)
	broadcaster := hive.New(adapter, capabilities, graph, clk, nil)

	personaStore := persona.NewStore(adapter, clk)
	ruleEngine := rules.New(adapter)
	planner := persona.New(personaStore, journal, ledger, reflections, ruleEngine, nil, clk, 0)
	policies := policy.New(adapter, ledger, clk, 0)
	remediation := governance.NewRemediationEngine(adapter, clk)
	auditor := governance.New(ledger, policies, personaStore, planner, capabilities, reflections, remediation, clk)
	p := pilot.New(adapter, ledger, planner, janitor, auditor, remediation)

	compressor := NewCompressor(adapter, clk)
	dispatcher := NewDispatcher(adapter, compressor, p, janitor, ablationEngine, synthesizer, broadcaster, reflections, 50, 0)
	store := NewStore(adapter, clk)

	return &testRig{adapter: adapter, store: store, dispatcher: dispatcher, clock: clk}
}

func TestDispatcher_OptimizationRunsSelfImprovementAndOptimize(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	meta, err := rig.dispatcher.Run(ctx, Ritual{Type: TypeOptimization})
	require.NoError(t, err)
	assert.Contains(t, meta, "databaseOptimized")
}

func TestDispatcher_PruningRunsJanitorAndAblation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	meta, err := rig.dispatcher.Run(ctx, Ritual{Type: TypePruning})
	require.NoError(t, err)
	assert.Contains(t, meta, "knowledgePruned")
	assert.Contains(t, meta, "zombiesKnowledgeDeleted")
	assert.Contains(t, meta, "orphansCleaned")
}

func TestDispatcher_EvolutionRunsSynthesisAndDraft(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	meta, err := rig.dispatcher.Run(ctx, Ritual{Type: TypeEvolution})
	require.NoError(t, err)
	assert.Contains(t, meta, "synthesized")
	assert.Contains(t, meta, "alphas")
	assert.Contains(t, meta, "domainsSynced")
}

func TestOrchestrator_TickClaimsAndCompletesDueRituals(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.store.Define(ctx, "nightly-pruning", TypePruning, FrequencyDaily))
	orch := NewOrchestrator(rig.store, rig.dispatcher, rig.clock)

	result, err := orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 0, result.Failed)

	got, err := rig.store.Get(ctx, "nightly-pruning")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Nil(t, got.LockedUntil)
}
