package actionjournal

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

func newTestJournal(t *testing.T) (*Journal, *clock.Fake) {
	t.Helper()
	adapter, err := storeadapter.NewPureGoAdapter(context.Background(), filepath.Join(t.TempDir(), "cortex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(adapter, clk), clk
}

func errStr(s string) *string { return &s }

func TestRecord_AppendsAndRecentFailuresOrdersNewestFirst(t *testing.T) {
	j, clk := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, Action{ToolName: "web_fetch", Succeeded: true}))
	clk.Advance(time.Second)
	require.NoError(t, j.Record(ctx, Action{ToolName: "web_fetch", Succeeded: false, Error: errStr("timeout")}))
	clk.Advance(time.Second)
	require.NoError(t, j.Record(ctx, Action{ToolName: "web_fetch", Succeeded: false, Error: errStr("timeout")}))

	failures, err := j.RecentFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.True(t, failures[0].CreatedAt.After(failures[1].CreatedAt) || failures[0].CreatedAt.Equal(failures[1].CreatedAt))
	assert.False(t, failures[0].Succeeded)
}

func TestBuildFailureReport_ClustersAndGroupsByDomain(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, j.Record(ctx, Action{ToolName: "web_fetch", Succeeded: false, Error: errStr("x")}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, j.Record(ctx, Action{ToolName: "web_search", Succeeded: false, Error: errStr("x")}))
	}
	require.NoError(t, j.Record(ctx, Action{ToolName: "db_query", Succeeded: false, Error: errStr("x")}))

	report, err := j.BuildFailureReport(ctx, 3)
	require.NoError(t, err)
	require.Len(t, report.Clusters, 2)

	names := report.ToolNamesOverThreshold(1)
	assert.ElementsMatch(t, []string{"web_fetch", "web_search"}, names)

	groups := report.GroupByDomain()
	assert.Len(t, groups["web"], 2)
	_, hasDB := groups["db"]
	assert.False(t, hasDB)
}

func TestToolNamesOverThreshold_RequiresStrictlyMoreThanMin(t *testing.T) {
	report := FailureReport{Clusters: []FailureCluster{
		{ToolName: "a", Failures: make([]Action, 2)},
		{ToolName: "b", Failures: make([]Action, 1)},
	}}
	assert.Equal(t, []string{"a"}, report.ToolNamesOverThreshold(1))
}
