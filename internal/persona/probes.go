package persona

import (
	"context"
	"fmt"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

// Probe is a named health check registered against the pre-flight gate
// mutateStrategy runs before touching any persona.
type Probe struct {
	Name string
	Run  func(ctx context.Context) error
}

// ProbeStatus is the persisted outcome of a probe's most recent run.
type ProbeStatus string

const (
	ProbeOK     ProbeStatus = "ok"
	ProbeFailed ProbeStatus = "failed"
	ProbePending ProbeStatus = "pending"
)

// ProbeRunner executes registered probes and persists their status to
// agent_logic_probes, the audit trail spec.md §5's "probe status update"
// row-lock rule references.
type ProbeRunner struct {
	adapter storeadapter.Adapter
	clock   clock.Clock
	probes  []Probe
}

// NewProbeRunner builds a ProbeRunner over adapter.
func NewProbeRunner(adapter storeadapter.Adapter, clk clock.Clock) *ProbeRunner {
	return &ProbeRunner{adapter: adapter, clock: clk}
}

// Register adds a probe to the pre-flight set.
func (r *ProbeRunner) Register(p Probe) {
	r.probes = append(r.probes, p)
}

// RunAll executes every registered probe, persists its outcome, and returns
// true only if every probe passed. A single failing probe aborts the
// calling mutateStrategy cycle per spec.md §4.6's pre-flight rule.
func (r *ProbeRunner) RunAll(ctx context.Context) (bool, error) {
	allOK := true
	for _, p := range r.probes {
		status := ProbeOK
		var lastErr *string
		if err := p.Run(ctx); err != nil {
			status = ProbeFailed
			msg := err.Error()
			lastErr = &msg
			allOK = false
		}
		if err := r.recordStatus(ctx, p.Name, status, lastErr); err != nil {
			return false, err
		}
	}
	return allOK, nil
}

func (r *ProbeRunner) recordStatus(ctx context.Context, name string, status ProbeStatus, lastErr *string) error {
	table := r.adapter.Tables().LogicProbes
	var errArg any
	if lastErr != nil {
		errArg = *lastErr
	}
	upsert := fmt.Sprintf(`
		INSERT INTO %s (name, status, last_error, checked_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET status = excluded.status, last_error = excluded.last_error, checked_at = excluded.checked_at`, table)
	_, err := r.adapter.ExecContext(ctx, upsert, name, string(status), errArg, r.clock.Now())
	if err != nil {
		return storeadapter.NewError(storeadapter.KindExternalUnavailable, "RunAll", "record probe status failed", err)
	}
	return nil
}
