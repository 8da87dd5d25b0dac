package storeadapter

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestAdapter(t *testing.T) *PureGoAdapter {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cortex.db")
	adapter, err := NewPureGoAdapter(context.Background(), dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })
	return adapter
}

func TestNewPureGoAdapter_MigratesAllTables(t *testing.T) {
	adapter := openTestAdapter(t)

	tables, err := adapter.Introspect(context.Background())
	require.NoError(t, err)

	want := []string{
		"agent_sessions", "agent_messages", "agent_memories", "agent_goals",
		"agent_knowledge_base", "agent_knowledge_links", "agent_capabilities",
		"agent_personas", "agent_reflections", "agent_actions", "agent_metrics",
		"agent_rules", "agent_policies", "agent_rituals", "agent_snapshots",
		"agent_logic_probes", "agent_resource_usage", "agent_telemetry_events",
		"agent_session_evolution", "agent_research_metrics", "agent_configuration",
		"schema_version",
	}
	for _, name := range want {
		assert.Contains(t, tables, name)
	}
}

func TestNewPureGoAdapter_MigrateIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cortex.db")
	ctx := context.Background()

	a1, err := NewPureGoAdapter(ctx, dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, a1.Close())

	a2, err := NewPureGoAdapter(ctx, dbPath, nil)
	require.NoError(t, err)
	defer a2.Close()

	var version int
	row := a2.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`)
	require.NoError(t, row.Scan(&version))
	assert.Equal(t, 1, version)
}

func TestPureGoAdapter_SupportsRowLocksIsFalse(t *testing.T) {
	adapter := openTestAdapter(t)
	assert.False(t, adapter.SupportsRowLocks())

	err := adapter.WithTx(context.Background(), func(tx *sql.Tx) error {
		return adapter.LockRow(context.Background(), tx, "agent_sessions", "missing")
	})
	assert.NoError(t, err)
}

func TestAdapter_WithTx_RollsBackOnError(t *testing.T) {
	adapter := openTestAdapter(t)
	ctx := context.Background()

	sentinel := assert.AnError
	err := adapter.WithTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `INSERT INTO agent_sessions (id) VALUES (?)`, "s1")
		require.NoError(t, execErr)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	var count int
	row := adapter.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_sessions WHERE id = ?`, "s1")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count)
}

func TestAdapter_WithTx_CommitsOnSuccess(t *testing.T) {
	adapter := openTestAdapter(t)
	ctx := context.Background()

	err := adapter.WithTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `INSERT INTO agent_sessions (id) VALUES (?)`, "s1")
		return execErr
	})
	require.NoError(t, err)

	var count int
	row := adapter.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_sessions WHERE id = ?`, "s1")
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}

func TestErrorIsMatchesByKind(t *testing.T) {
	err := NotFound("GetMemory", "memory m1 not found")
	var target error = NotFound("", "")
	assert.ErrorIs(t, err, target)

	conflict := Conflict("StoreKnowledge", "duplicate fact", nil)
	assert.False(t, conflict.Is(NotFound("", "")))
}
