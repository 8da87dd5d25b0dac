package capability

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ods-cortex/cortex/internal/actionjournal"
	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/llmport"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

func newSynthTestDeps(t *testing.T) (*Registry, *actionjournal.Journal, *clock.Fake) {
	t.Helper()
	adapter, err := storeadapter.NewPureGoAdapter(context.Background(), filepath.Join(t.TempDir(), "cortex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(adapter, clk), actionjournal.New(adapter, clk), clk
}

func errPtr(s string) *string { return &s }

func TestDiscoverAndSynthesize_SkipsWithoutLLM(t *testing.T) {
	reg, journal, clk := newSynthTestDeps(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, journal.Record(ctx, actionjournal.Action{ToolName: "web_fetch", Succeeded: false, Error: errPtr("boom")}))
	}

	synth := NewSynthesizer(reg, journal, nil, clk, 0, 0)
	result, err := synth.DiscoverAndSynthesize(ctx)
	require.NoError(t, err)
	assert.Contains(t, result.Skipped, "web_fetch")
	assert.Empty(t, result.Registered)
}

func TestDiscoverAndSynthesize_RegistersExperimentalCapability(t *testing.T) {
	reg, journal, clk := newSynthTestDeps(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, journal.Record(ctx, actionjournal.Action{ToolName: "web_fetch", Succeeded: false, Error: errPtr("boom")}))
	}

	mock := &llmport.MockCompleter{Responses: []llmport.CompleteResult{{Content: `{"tool":"web_fetch","mutatedDescription":"fetches a url, retrying on transient errors"}`}}}
	synth := NewSynthesizer(reg, journal, mock, clk, 0, 0)

	result, err := synth.DiscoverAndSynthesize(ctx)
	require.NoError(t, err)
	require.Len(t, result.Registered, 1)
	assert.Equal(t, "web_fetch", result.Registered[0].Name)
	assert.Equal(t, StatusExperimental, result.Registered[0].Status)
}

func TestPruneIfAtCapacity_RemovesBottomTwentyPercent(t *testing.T) {
	reg, journal, clk := newSynthTestDeps(t)
	ctx := context.Background()
	synth := NewSynthesizer(reg, journal, &llmport.MockCompleter{}, clk, 0, 0)

	for i := 0; i < synth.maxSandboxSkills; i++ {
		name := "skill_" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		_, err := reg.RegisterCapability(ctx, RegisterInput{Name: name, Version: "1.0.0", Description: "d", InitialStatus: StatusExperimental})
		require.NoError(t, err)
		for j := 0; j < i; j++ {
			require.NoError(t, reg.RecordOutcome(ctx, name, "1.0.0", true))
		}
	}

	pruned, err := synth.pruneIfAtCapacity(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, pruned)

	remaining, err := reg.ListByStatus(ctx, StatusExperimental)
	require.NoError(t, err)
	assert.Less(t, len(remaining), synth.maxSandboxSkills)
}
