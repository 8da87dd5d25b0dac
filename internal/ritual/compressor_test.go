package ritual

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

func newTestCompressor(t *testing.T) (*Compressor, storeadapter.Adapter, *clock.Fake) {
	t.Helper()
	adapter, err := storeadapter.NewPureGoAdapter(context.Background(), filepath.Join(t.TempDir(), "cortex.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewCompressor(adapter, clk), adapter, clk
}

func seedSession(t *testing.T, adapter storeadapter.Adapter, id string, messageCount int) {
	t.Helper()
	ctx := context.Background()
	_, err := adapter.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id, status) VALUES (?, 'active')", adapter.Tables().Sessions), id)
	require.NoError(t, err)
	for i := 0; i < messageCount; i++ {
		_, err := adapter.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (session_id, role, content) VALUES (?, 'user', ?)", adapter.Tables().Messages), id, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}
}

func TestCompressSession_CollapsesOldMessagesIntoSummary(t *testing.T) {
	c, adapter, _ := newTestCompressor(t)
	seedSession(t, adapter, "sess-1", compressKeepRecent+10)

	require.NoError(t, c.CompressSession(context.Background(), "sess-1"))

	var n int
	err := adapter.QueryRowContext(context.Background(), fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE session_id = ?", adapter.Tables().Messages), "sess-1").Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, compressKeepRecent+1, n)

	var role string
	err = adapter.QueryRowContext(context.Background(), fmt.Sprintf("SELECT role FROM %s WHERE session_id = ? ORDER BY created_at ASC LIMIT 1", adapter.Tables().Messages), "sess-1").Scan(&role)
	require.NoError(t, err)
	assert.Equal(t, "system", role)
}

func TestCompressActiveSessions_OnlyCompressesOverThreshold(t *testing.T) {
	c, adapter, _ := newTestCompressor(t)
	seedSession(t, adapter, "big", 50)
	seedSession(t, adapter, "small", 5)

	n, err := c.CompressActiveSessions(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var smallCount int
	err = adapter.QueryRowContext(context.Background(), fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE session_id = ?", adapter.Tables().Messages), "small").Scan(&smallCount)
	require.NoError(t, err)
	assert.Equal(t, 5, smallCount)
}
