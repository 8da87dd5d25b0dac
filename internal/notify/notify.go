// Package notify implements the operator notification channel: a Windows
// toast popup for governance audit issues and ritual failures severe enough
// to need a human look. Grounded on the teacher's internal/notifications
// package, adapted from supervisor alerts to the Cortex's audit domain.
package notify

import (
	"fmt"
	"log"
	"runtime"
	"sync"

	"github.com/go-toast/toast"

	"github.com/ods-cortex/cortex/internal/governance"
)

// Notifier raises a Windows toast when the governance auditor flags an
// issue or a ritual fails enough times to need attention. On any other
// platform it only logs, matching the teacher's IsSupported gate.
type Notifier struct {
	appID        string
	dashboardURL string
	enabled      bool
	mu           sync.RWMutex
	logger       *log.Logger
}

// Config configures a Notifier.
type Config struct {
	AppID        string
	DashboardURL string
	Enabled      bool
	Logger       *log.Logger
}

// New builds a Notifier.
func New(cfg Config) *Notifier {
	if cfg.AppID == "" {
		cfg.AppID = "cortex"
	}
	if cfg.DashboardURL == "" {
		cfg.DashboardURL = "http://localhost:8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	n := &Notifier{appID: cfg.AppID, dashboardURL: cfg.DashboardURL, enabled: cfg.Enabled, logger: cfg.Logger}
	n.logger.Printf("[NOTIFY] toast notifications supported: %v", n.IsSupported())
	return n
}

// IsSupported reports whether this platform can display a toast.
func (n *Notifier) IsSupported() bool {
	return runtime.GOOS == "windows"
}

// IsEnabled reports whether notifications are currently turned on.
func (n *Notifier) IsEnabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled
}

// Enable turns notifications on.
func (n *Notifier) Enable() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = true
}

// Disable turns notifications off.
func (n *Notifier) Disable() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = false
}

// ShowToast pushes a plain toast with a dashboard deep link.
func (n *Notifier) ShowToast(title, message string) error {
	if !n.IsEnabled() {
		return fmt.Errorf("notifications are disabled")
	}
	if !n.IsSupported() {
		n.logger.Printf("[NOTIFY] %s: %s", title, message)
		return nil
	}

	notification := toast.Notification{
		AppID:   n.appID,
		Title:   title,
		Message: message,
		Audio:   toast.Default,
		Actions: []toast.Action{
			{Type: "protocol", Label: "Open Dashboard", Arguments: n.dashboardURL},
		},
	}
	if err := notification.Push(); err != nil {
		n.logger.Printf("[NOTIFY] toast failed: %v", err)
		return fmt.Errorf("push toast: %w", err)
	}
	return nil
}

// NotifyAuditIssues raises one high-priority toast per unhealthy audit,
// summarizing the raised issues so an operator doesn't need to open the
// dashboard to know something needs attention.
func (n *Notifier) NotifyAuditIssues(issues []governance.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	if !n.IsEnabled() {
		return fmt.Errorf("notifications are disabled")
	}

	message := fmt.Sprintf("%d issue(s) raised: %s", len(issues), issues[0].Detail)
	if !n.IsSupported() {
		n.logger.Printf("[NOTIFY] Governance Audit: %s", message)
		return nil
	}

	notification := toast.Notification{
		AppID:   n.appID,
		Title:   "Governance Audit",
		Message: message,
		Audio:   toast.IM,
		Actions: []toast.Action{
			{Type: "protocol", Label: "View Now", Arguments: n.dashboardURL},
		},
	}
	if err := notification.Push(); err != nil {
		n.logger.Printf("[NOTIFY] audit toast failed: %v", err)
		return fmt.Errorf("push audit toast: %w", err)
	}
	return nil
}

// NotifyRitualFailure raises a toast for a ritual that failed enough times
// in a row to be worth a human look.
func (n *Notifier) NotifyRitualFailure(name string, failureCount int, lastErr string) error {
	return n.ShowToast("Ritual Failing", fmt.Sprintf("%s has failed %d times: %s", name, failureCount, lastErr))
}
