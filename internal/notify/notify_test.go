package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ods-cortex/cortex/internal/governance"
)

func TestShowToast_DisabledReturnsError(t *testing.T) {
	n := New(Config{})
	err := n.ShowToast("title", "message")
	require.Error(t, err)
}

func TestShowToast_EnabledOnUnsupportedPlatformLogsOnly(t *testing.T) {
	n := New(Config{Enabled: true})
	err := n.ShowToast("title", "message")
	if n.IsSupported() {
		t.Skip("running on windows, toast.Push would actually fire")
	}
	require.NoError(t, err)
}

func TestNotifyAuditIssues_EmptyIsNoop(t *testing.T) {
	n := New(Config{Enabled: true})
	require.NoError(t, n.NotifyAuditIssues(nil))
}

func TestNotifyAuditIssues_DisabledReturnsError(t *testing.T) {
	n := New(Config{})
	err := n.NotifyAuditIssues([]governance.Issue{{Auditor: "BudgetAuditor", Severity: governance.SeverityCost, Detail: "over budget"}})
	require.Error(t, err)
}

func TestEnableDisable_TogglesState(t *testing.T) {
	n := New(Config{})
	assert.False(t, n.IsEnabled())
	n.Enable()
	assert.True(t, n.IsEnabled())
	n.Disable()
	assert.False(t, n.IsEnabled())
}
