package hive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ods-cortex/cortex/internal/capability"
	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/knowledge"
	"github.com/ods-cortex/cortex/internal/metricsledger"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

func newTestBroadcaster(t *testing.T) (*Broadcaster, *capability.Registry, *knowledge.Graph, *clock.Fake) {
	t.Helper()
	adapter, err := storeadapter.NewPureGoAdapter(context.Background(), filepath.Join(t.TempDir(), "cortex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	registry := capability.New(adapter, clk)
	ledger := metricsledger.New(adapter, clk)
	graph := knowledge.New(adapter, ledger, clk)
	return New(adapter, registry, graph, clk, nil), registry, graph, clk
}

func registerVerified(t *testing.T, reg *capability.Registry, name, version, lineage string, usages int64, successes int64) {
	t.Helper()
	ctx := context.Background()
	_, err := reg.RegisterCapability(ctx, capability.RegisterInput{
		Name: name, Version: version, Description: "d", InitialStatus: capability.StatusVerified,
		MutatedFrom: lineage,
	})
	require.NoError(t, err)
	for i := int64(0); i < usages; i++ {
		require.NoError(t, reg.RecordOutcome(ctx, name, version, i < successes))
	}
}

func TestRunSovereignDraft_ElectsHighestBayesianScoreAsAlpha(t *testing.T) {
	broadcaster, reg, _, _ := newTestBroadcaster(t)
	ctx := context.Background()

	registerVerified(t, reg, "skill_a", "1.0.0", "lineage1", 100, 95)
	registerVerified(t, reg, "skill_b", "1.0.0", "lineage1", 100, 60)

	result, err := broadcaster.RunSovereignDraft(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"skill_a"}, result.Alphas)
	assert.Equal(t, []string{"skill_b"}, result.Shadows)

	alpha, err := reg.GetByName(ctx, "skill_a")
	require.NoError(t, err)
	assert.True(t, alpha.Metadata.IsAlpha)
	assert.True(t, alpha.Metadata.Broadcasted)

	shadow, err := reg.GetByName(ctx, "skill_b")
	require.NoError(t, err)
	assert.True(t, shadow.Metadata.IsShadow)
	assert.Equal(t, capability.StatusExperimental, shadow.Status)
}

func TestRunSovereignDraft_PropagatesBlacklist(t *testing.T) {
	broadcaster, reg, _, _ := newTestBroadcaster(t)
	ctx := context.Background()

	_, err := reg.RegisterCapability(ctx, capability.RegisterInput{Name: "bad_skill", Version: "1.0.0", Description: "d", InitialStatus: capability.StatusBlacklisted})
	require.NoError(t, err)

	result, err := broadcaster.RunSovereignDraft(ctx)
	require.NoError(t, err)
	assert.Contains(t, result.NewlyBlacklisted, "bad_skill")

	c, err := reg.GetByName(ctx, "bad_skill")
	require.NoError(t, err)
	assert.True(t, c.Metadata.Broadcasted)
	assert.True(t, c.Metadata.HiveBlacklisted)
}

func TestSyncDomain_DelegatesToGraph(t *testing.T) {
	broadcaster, _, graph, _ := newTestBroadcaster(t)
	ctx := context.Background()

	_, err := graph.Distill(ctx, knowledge.DistillInput{Entity: "Svc", Fact: "x", Confidence: 0.5, Source: knowledge.SourceAssistant, Tags: []string{"billing"}})
	require.NoError(t, err)

	n, err := broadcaster.SyncDomain(ctx, "billing", 0.2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
