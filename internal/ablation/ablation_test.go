package ablation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/knowledge"
	"github.com/ods-cortex/cortex/internal/metricsledger"
	"github.com/ods-cortex/cortex/internal/reflectionlog"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

func newTestEngine(t *testing.T) (*Engine, *knowledge.Graph, *clock.Fake) {
	t.Helper()
	adapter, err := storeadapter.NewPureGoAdapter(context.Background(), filepath.Join(t.TempDir(), "cortex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ledger := metricsledger.New(adapter, clk)
	graph := knowledge.New(adapter, ledger, clk)
	log := reflectionlog.New(adapter)
	return New(adapter, graph, ledger, log, clk), graph, clk
}

func TestAblation_RoundTripRestoresConfidence(t *testing.T) {
	engine, graph, _ := newTestEngine(t)
	ctx := context.Background()

	item, err := graph.Distill(ctx, knowledge.DistillInput{Entity: "X", Fact: "y", Confidence: 0.6, Source: knowledge.SourceUser})
	require.NoError(t, err)

	require.NoError(t, engine.TestAblation(ctx, item.ID))
	require.NoError(t, engine.RecoverAblatedItem(ctx, item.ID))

	restored, err := graph.GetByIDTx(ctx, adapterExecutor(t, engine), item.ID)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.InDelta(t, 0.6, restored.Confidence, 1e-9)
	assert.False(t, restored.Metadata.AblationTest)
	assert.Nil(t, restored.Metadata.OriginalConfidence)
}

func adapterExecutor(t *testing.T, e *Engine) storeadapter.Executor {
	t.Helper()
	return e.adapter
}

func TestMonitorAblationPerformance_InsufficientSamplesIsStable(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	result, err := engine.MonitorAblationPerformance(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Degraded)
	assert.Equal(t, 0, result.RecoveredCount)
}

func TestPruneZombies_RemovesLowFitnessUnlinkedItems(t *testing.T) {
	engine, graph, clk := newTestEngine(t)
	ctx := context.Background()

	item, err := graph.Distill(ctx, knowledge.DistillInput{Entity: "Old", Fact: "stale", Confidence: 0.05, Source: knowledge.SourceAssistant})
	require.NoError(t, err)

	clk.Advance(40 * 24 * time.Hour)

	result, err := engine.PruneZombies(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, result.KnowledgeDeleted)

	items, err := graph.GetKnowledgeByEntity(ctx, "Old", nil)
	require.NoError(t, err)
	assert.Empty(t, items)
	_ = item
}
