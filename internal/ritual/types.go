// Package ritual implements the Ritual Orchestrator (spec.md §4.9): a
// distributed lease protocol over the agent_rituals table that dispatches
// compression, optimization, pruning, and evolution passes on their own
// schedule, backing off on repeated failure.
package ritual

import "time"

// Type is spec.md §3's Ritual type.
type Type string

const (
	TypeCompression  Type = "compression"
	TypeOptimization Type = "optimization"
	TypePruning      Type = "pruning"
	TypeEvolution    Type = "evolution"
)

// Frequency is spec.md §3's Ritual frequency.
type Frequency string

const (
	FrequencyHourly Frequency = "hourly"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// Status is spec.md §3's Ritual status.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Metadata is the ritual row's typed metadata column.
type Metadata struct {
	FailureCount int            `json:"failureCount,omitempty"`
	LastError    string         `json:"error,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
}

// Ritual is spec.md §3's Ritual entity, one row of agent_rituals.
type Ritual struct {
	ID          int64
	Name        string
	Type        Type
	Frequency   Frequency
	Status      Status
	LastRun     *time.Time
	NextRun     time.Time
	LockedUntil *time.Time
	Metadata    Metadata
}

// leaseDuration is the fixed lease window a claimed ritual holds while it
// executes, per spec.md §4.9 step 2.
const leaseDuration = 10 * time.Minute

// baseInterval maps a frequency to its nominal re-run period, used only as
// the cap applied to the exponential backoff added on top of the
// cron-computed schedule (see scheduleNext).
func baseInterval(f Frequency) time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// backoff implements spec.md §4.9 step 5: min(base, 2^(n-1)*10min) for
// n >= 1, zero otherwise.
func backoff(n int, base time.Duration) time.Duration {
	if n < 1 {
		return 0
	}
	grown := leaseDuration
	for i := 1; i < n; i++ {
		grown *= 2
	}
	if grown > base {
		return base
	}
	return grown
}
