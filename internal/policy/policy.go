// Package policy implements the PolicyEnforcer (spec.md §4.8): numeric
// threshold, regex, and cumulative-budget checks, plus composite
// dependsOn policy evaluation, with a TTL-bounded budget cache per
// spec.md §5's "bounded caches" requirement.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/metricsledger"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

// Type is spec.md §3's Policy type.
type Type string

const (
	TypeBudget      Type = "budget"
	TypeSafety      Type = "safety"
	TypePrivacy     Type = "privacy"
	TypePerformance Type = "performance"
)

// Period is the window a cumulative-budget policy accumulates over.
type Period string

const (
	PeriodDaily  Period = "daily"
	PeriodHourly Period = "hourly"
	PeriodAll    Period = "all"
)

// Definition is a Policy's typed `definition` column (Design Notes §9: a
// tagged record, not a free-form JSON blob held in memory).
type Definition struct {
	Min            *float64 `json:"min,omitempty"`
	Max            *float64 `json:"max,omitempty"`
	MustMatch      string   `json:"mustMatch,omitempty"`
	Forbidden      string   `json:"forbidden,omitempty"`
	BudgetMetric   string   `json:"budgetMetric,omitempty"`
	BudgetPeriod   Period   `json:"budgetPeriod,omitempty"`
	BudgetLimit    float64  `json:"budgetLimit,omitempty"`
	DependsOn      []string `json:"dependsOn,omitempty"`
}

// Policy is spec.md §3's Policy entity.
type Policy struct {
	ID         int64
	Name       string
	Type       Type
	Definition Definition
	IsEnabled  bool
	Metadata   map[string]any
}

const defaultCacheTTL = 60 * time.Second

type cacheEntry struct {
	total   float64
	expires time.Time
}

// Enforcer evaluates policies against proposed values and request contexts.
type Enforcer struct {
	adapter  storeadapter.Adapter
	ledger   *metricsledger.Ledger
	clock    clock.Clock
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New builds an Enforcer. cacheTTL <= 0 uses the spec default of 60s.
func New(adapter storeadapter.Adapter, ledger *metricsledger.Ledger, clk clock.Clock, cacheTTL time.Duration) *Enforcer {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Enforcer{adapter: adapter, ledger: ledger, clock: clk, cacheTTL: cacheTTL, cache: map[string]cacheEntry{}}
}

// CheckPolicy evaluates the named policy against value, returning a
// PolicyViolation error when it fails, nil otherwise.
func (e *Enforcer) CheckPolicy(ctx context.Context, name string, value float64) error {
	p, ok, err := e.loadPolicy(ctx, name)
	if err != nil {
		return err
	}
	if !ok || !p.IsEnabled {
		return nil
	}
	return e.evaluate(ctx, p, value, "")
}

// CheckPolicyContent runs a string-valued policy (regex forbidden/mustMatch)
// against content.
func (e *Enforcer) CheckPolicyContent(ctx context.Context, name string, content string) error {
	p, ok, err := e.loadPolicy(ctx, name)
	if err != nil {
		return err
	}
	if !ok || !p.IsEnabled {
		return nil
	}
	return e.evaluate(ctx, p, 0, content)
}

func (e *Enforcer) evaluate(ctx context.Context, p Policy, value float64, content string) error {
	d := p.Definition

	if d.Min != nil && value < *d.Min {
		return storeadapter.NewError(storeadapter.KindPolicyViolation, "CheckPolicy", fmt.Sprintf("%s below minimum %.4f", p.Name, *d.Min), nil)
	}
	if d.Max != nil && value > *d.Max {
		return storeadapter.NewError(storeadapter.KindPolicyViolation, "CheckPolicy", fmt.Sprintf("%s above maximum %.4f", p.Name, *d.Max), nil)
	}
	if d.MustMatch != "" && content != "" {
		re, err := regexp.Compile(d.MustMatch)
		if err != nil {
			return storeadapter.InvalidInput("CheckPolicy", fmt.Sprintf("bad mustMatch regex: %v", err))
		}
		if !re.MatchString(content) {
			return storeadapter.NewError(storeadapter.KindPolicyViolation, "CheckPolicy", fmt.Sprintf("%s content does not match required pattern", p.Name), nil)
		}
	}
	if d.Forbidden != "" && content != "" {
		re, err := regexp.Compile(d.Forbidden)
		if err != nil {
			return storeadapter.InvalidInput("CheckPolicy", fmt.Sprintf("bad forbidden regex: %v", err))
		}
		if re.MatchString(content) {
			return storeadapter.NewError(storeadapter.KindPolicyViolation, "CheckPolicy", fmt.Sprintf("%s content matches forbidden pattern", p.Name), nil)
		}
	}
	if d.BudgetMetric != "" {
		total, err := e.budgetTotal(ctx, d.BudgetMetric, d.BudgetPeriod)
		if err != nil {
			return err
		}
		if total+value > d.BudgetLimit {
			return storeadapter.NewError(storeadapter.KindPolicyViolation, "CheckPolicy", fmt.Sprintf("%s would exceed budget %.4f (current %.4f + %.4f)", p.Name, d.BudgetLimit, total, value), nil)
		}
	}

	for _, dep := range d.DependsOn {
		if err := e.CheckPolicy(ctx, dep, value); err != nil {
			return err
		}
	}
	return nil
}

// budgetTotal returns total(metricName, period), cached for cacheTTL.
func (e *Enforcer) budgetTotal(ctx context.Context, metricName string, period Period) (float64, error) {
	key := fmt.Sprintf("%s|%s", metricName, period)
	now := e.clock.Now()

	e.mu.RLock()
	entry, ok := e.cache[key]
	e.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.total, nil
	}

	since := periodStart(now, period)
	total, err := e.ledger.SumSince(ctx, metricName, since)
	if err != nil {
		// A stale cached value, if any, is a hardened fallback per spec.md §5.
		e.mu.RLock()
		stale, hasStale := e.cache[key]
		e.mu.RUnlock()
		if hasStale {
			return stale.total, nil
		}
		return 0, err
	}

	e.mu.Lock()
	e.cache[key] = cacheEntry{total: total, expires: now.Add(e.cacheTTL)}
	e.mu.Unlock()
	return total, nil
}

func periodStart(now time.Time, period Period) time.Time {
	switch period {
	case PeriodHourly:
		return now.Add(-time.Hour)
	case PeriodDaily:
		return now.Add(-24 * time.Hour)
	default:
		return time.Unix(0, 0)
	}
}

// EvaluationContext is the argument to EvaluateContext: a set of named
// numeric values plus free-form content, checked against every active
// policy whose name matches a context key, and against all privacy
// policies regardless of key match.
type EvaluationContext struct {
	Values  map[string]float64
	Content string
}

// EvaluateContext runs every active policy whose name matches a context
// key, plus all active privacy policies against ctx.Content.
func (e *Enforcer) EvaluateContext(ctx context.Context, evalCtx EvaluationContext) error {
	for key, value := range evalCtx.Values {
		if err := e.CheckPolicy(ctx, key, value); err != nil {
			return err
		}
	}

	privacyPolicies, err := e.loadPoliciesByType(ctx, TypePrivacy)
	if err != nil {
		return err
	}
	for _, p := range privacyPolicies {
		if !p.IsEnabled {
			continue
		}
		if err := e.evaluate(ctx, p, 0, evalCtx.Content); err != nil {
			return err
		}
	}
	return nil
}
