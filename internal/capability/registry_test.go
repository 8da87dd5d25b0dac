package capability

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake) {
	t.Helper()
	adapter, err := storeadapter.NewPureGoAdapter(context.Background(), filepath.Join(t.TempDir(), "cortex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(adapter, clk), clk
}

func TestRegisterCapability_InsertsThenUpsertsByName(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	c, err := reg.RegisterCapability(ctx, RegisterInput{Name: "web_fetch", Version: "1.0.0", Description: "fetches a url", InitialStatus: StatusSandbox})
	require.NoError(t, err)
	assert.Equal(t, "web_fetch", c.Metadata.Lineage)

	updated, err := reg.RegisterCapability(ctx, RegisterInput{Name: "web_fetch", Version: "1.0.1", Description: "fetches a url with retries"})
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", updated.Version)

	fetched, err := reg.GetByName(ctx, "web_fetch")
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, "1.0.1", fetched.Version)
	assert.Equal(t, "fetches a url with retries", fetched.Description)
}

func TestRecordOutcome_ComputesReliability(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterCapability(ctx, RegisterInput{Name: "db_query", Version: "1.0.0", Description: "runs a query"})
	require.NoError(t, err)

	require.NoError(t, reg.RecordOutcome(ctx, "db_query", "1.0.0", true))
	require.NoError(t, reg.RecordOutcome(ctx, "db_query", "1.0.0", true))
	require.NoError(t, reg.RecordOutcome(ctx, "db_query", "1.0.0", false))

	c, err := reg.GetByName(ctx, "db_query")
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Usages)
	assert.InDelta(t, 2.0/3.0, c.Reliability, 1e-9)
}

func TestUpdateStatus_BlacklistedIsReachable(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterCapability(ctx, RegisterInput{Name: "flaky_tool", Version: "1.0.0", Description: "d"})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateStatus(ctx, "flaky_tool", "1.0.0", StatusBlacklisted))

	c, err := reg.GetByName(ctx, "flaky_tool")
	require.NoError(t, err)
	assert.Equal(t, StatusBlacklisted, c.Status)
}

func TestBayesianScore_WeightsUsagesAgainstPrior(t *testing.T) {
	noUsage := Capability{Reliability: 1.0, Usages: 0}
	assert.InDelta(t, 0.5, noUsage.BayesianScore(), 1e-9)

	heavyUsage := Capability{Reliability: 1.0, Usages: 95}
	assert.Greater(t, heavyUsage.BayesianScore(), 0.9)
}
