package reflectionlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ods-cortex/cortex/internal/storeadapter"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	adapter, err := storeadapter.NewPureGoAdapter(context.Background(), filepath.Join(t.TempDir(), "cortex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })
	return New(adapter)
}

func TestDetectContradictions_FlagsBuiltinConflictPair(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	_, err := log.DeconstructGoal(ctx, "s1", nil, "minimize request latency across the gateway", 1, nil)
	require.NoError(t, err)
	_, err = log.DeconstructGoal(ctx, "s1", nil, "maximize request latency for buffering headroom", 1, nil)
	require.NoError(t, err)
	_, err = log.DeconstructGoal(ctx, "s1", nil, "document the deployment runbook", 1, nil)
	require.NoError(t, err)

	found, err := log.DetectContradictions(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "minimize/maximize", found[0].Token)
}

func TestDetectContradictions_IgnoresCompletedGoals(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	g, err := log.DeconstructGoal(ctx, "s1", nil, "increase cache hit rate", 1, nil)
	require.NoError(t, err)
	_, err = log.DeconstructGoal(ctx, "s1", nil, "decrease cache hit rate for memory pressure", 1, nil)
	require.NoError(t, err)

	table := log.adapter.Tables().Goals
	_, err = log.adapter.ExecContext(ctx, "UPDATE "+table+" SET status = 'completed' WHERE id = ?", g.ID)
	require.NoError(t, err)

	found, err := log.DetectContradictions(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestRegisterConflictPair_ExtendsVocabulary(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()
	log.RegisterConflictPair("centralize", "decentralize")

	_, err := log.DeconstructGoal(ctx, "s1", nil, "centralize configuration management", 1, nil)
	require.NoError(t, err)
	_, err = log.DeconstructGoal(ctx, "s1", nil, "decentralize configuration management for resilience", 1, nil)
	require.NoError(t, err)

	found, err := log.DetectContradictions(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "centralize/decentralize", found[0].Token)
}

func TestHasActiveContradiction_ChecksCandidateAgainstActiveGoals(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	_, err := log.DeconstructGoal(ctx, "s1", nil, "enable verbose tracing on all ingress calls", 1, nil)
	require.NoError(t, err)

	conflict, err := log.HasActiveContradiction(ctx, "disable verbose tracing on all ingress calls")
	require.NoError(t, err)
	assert.True(t, conflict)

	clean, err := log.HasActiveContradiction(ctx, "rotate credentials quarterly")
	require.NoError(t, err)
	assert.False(t, clean)
}

func TestCrossPollinateGoals_InsertsOnlyNewReasonings(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	n, err := log.CrossPollinateGoals(ctx, "s1", []string{"prefer idempotent retries", "cache invalidation on write"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = log.CrossPollinateGoals(ctx, "s1", []string{"prefer idempotent retries", "batch writes under load"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	goals, err := log.ActiveGoals(ctx)
	require.NoError(t, err)
	assert.Len(t, goals, 3)
}

func TestCrossPollinateGoals_EmptyInputIsNoop(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	n, err := log.CrossPollinateGoals(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
