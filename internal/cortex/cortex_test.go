package cortex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCortex(t *testing.T) *Cortex {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "cortex.db")

	c, err := New(context.Background(), cfg, Providers{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_WiresEveryDefaultRitual(t *testing.T) {
	c := newTestCortex(t)
	all, err := c.Rituals.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestRunRitualSweep_ClaimsAndExecutesDueRituals(t *testing.T) {
	c := newTestCortex(t)
	result, err := c.RunRitualSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Claimed)
	assert.Equal(t, 0, result.Failed)
}

func TestRunRitualSweep_SecondSweepClaimsNothingStillDue(t *testing.T) {
	c := newTestCortex(t)
	ctx := context.Background()
	_, err := c.RunRitualSweep(ctx)
	require.NoError(t, err)

	result, err := c.RunRitualSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)
}
