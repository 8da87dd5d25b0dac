package ritual

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	adapter, err := storeadapter.NewPureGoAdapter(context.Background(), filepath.Join(t.TempDir(), "cortex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewStore(adapter, clk), clk
}

func TestDefine_IsIdempotentByName(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Define(ctx, "nightly-pruning", TypePruning, FrequencyDaily))
	require.NoError(t, s.Define(ctx, "nightly-pruning", TypePruning, FrequencyDaily))

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClaimDue_LeasesAndExcludesLockedRituals(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Define(ctx, "nightly-pruning", TypePruning, FrequencyDaily))

	due, err := s.ClaimDue(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.NotNil(t, due[0].LockedUntil)

	again, err := s.ClaimDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	clk.Advance(leaseDuration + time.Minute)
	freed, err := s.ClaimDue(ctx)
	require.NoError(t, err)
	assert.Len(t, freed, 1)
}

func TestComplete_SchedulesNextRunAndClearsLease(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Define(ctx, "hourly-opt", TypeOptimization, FrequencyHourly))

	due, err := s.ClaimDue(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.Complete(ctx, due[0], StatusSuccess, nil, map[string]any{"ok": true}))

	got, err := s.Get(ctx, "hourly-opt")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Nil(t, got.LockedUntil)
	assert.Equal(t, clk.Now().Add(time.Hour), got.NextRun)
	assert.Equal(t, 0, got.Metadata.FailureCount)
}

func TestComplete_FailureIncrementsCountAndAppliesBackoff(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Define(ctx, "hourly-opt", TypeOptimization, FrequencyHourly))

	due, err := s.ClaimDue(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Complete(ctx, due[0], StatusFailure, errors.New("boom"), nil))

	got, err := s.Get(ctx, "hourly-opt")
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, got.Status)
	assert.Equal(t, 1, got.Metadata.FailureCount)
	assert.Equal(t, "boom", got.Metadata.LastError)
	assert.Equal(t, clk.Now().Add(time.Hour).Add(leaseDuration), got.NextRun)
}
