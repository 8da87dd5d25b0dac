package capability

import (
	"context"
	"fmt"

	"github.com/ods-cortex/cortex/internal/llmport"
)

// Lifecycle thresholds (spec.md §4.4 leaves the exact numbers to the
// implementation; these constants are the values chosen here).
const (
	minUsagesForPromotion   = 10
	sandboxPromoteThreshold = 0.5
	verifiedPromoteThreshold = 0.85
	blacklistThreshold      = 0.1
	minUsagesForBlacklist   = 20
)

// Lifecycle drives capability status transitions from observed reliability,
// per spec.md §4.4's "status lifecycle ... driven by observed reliability
// crossing thresholds".
type Lifecycle struct {
	registry *Registry
	premium  llmport.Completer
}

// NewLifecycle builds a Lifecycle evaluator. premium may be nil: pre-warm
// refinement is then skipped and promotion proceeds with the existing
// description.
func NewLifecycle(registry *Registry, premium llmport.Completer) *Lifecycle {
	return &Lifecycle{registry: registry, premium: premium}
}

// EvaluateResult reports what one lifecycle pass changed.
type EvaluateResult struct {
	Promoted    []string
	Blacklisted []string
}

// Evaluate scans every non-terminal capability and applies the lifecycle
// rule: sandbox -> experimental at sandboxPromoteThreshold reliability,
// experimental -> verified (with a pre-warm description refinement) at
// verifiedPromoteThreshold, any -> blacklisted if reliability collapses
// below blacklistThreshold over enough usages.
func (l *Lifecycle) Evaluate(ctx context.Context) (EvaluateResult, error) {
	var result EvaluateResult

	all, err := l.registry.ListAll(ctx)
	if err != nil {
		return result, err
	}

	for _, c := range all {
		if c.Status == StatusBlacklisted {
			continue
		}
		if c.Usages >= minUsagesForBlacklist && c.Reliability < blacklistThreshold {
			if err := l.registry.UpdateStatus(ctx, c.Name, c.Version, StatusBlacklisted); err != nil {
				return result, err
			}
			result.Blacklisted = append(result.Blacklisted, c.Name)
			continue
		}

		switch c.Status {
		case StatusSandbox:
			if c.Usages >= minUsagesForPromotion && c.Reliability >= sandboxPromoteThreshold {
				if err := l.registry.UpdateStatus(ctx, c.Name, c.Version, StatusExperimental); err != nil {
					return result, err
				}
				result.Promoted = append(result.Promoted, c.Name)
			}
		case StatusExperimental:
			if c.Usages >= minUsagesForPromotion && c.Reliability >= verifiedPromoteThreshold {
				if err := l.preWarm(ctx, c); err != nil {
					return result, err
				}
				if err := l.registry.UpdateStatus(ctx, c.Name, c.Version, StatusVerified); err != nil {
					return result, err
				}
				result.Promoted = append(result.Promoted, c.Name)
			}
		}
	}
	return result, nil
}

// preWarm refines an experimental capability's description via the premium
// tier just before it is promoted to verified, per spec.md §4.4's pre-warm
// note. A nil premium completer, or a failed refinement, is not fatal: the
// existing description survives the promotion.
func (l *Lifecycle) preWarm(ctx context.Context, c Capability) error {
	if l.premium == nil {
		return nil
	}
	prompt := fmt.Sprintf("Refine this tool description for clarity and precision before it is promoted to verified:\n\n%s", c.Description)
	res, err := l.premium.Complete(ctx, llmport.CompleteRequest{Prompt: prompt, ResponseFormat: llmport.FormatText})
	if err != nil || res.Content == "" {
		return nil
	}
	return l.registry.UpdateDescription(ctx, c.Name, c.Version, res.Content)
}
