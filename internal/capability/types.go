// Package capability implements the Capability Registry and Skill
// Synthesizer (spec.md §4.4): the lifecycle of tool/skill definitions the
// rest of the system can invoke, and the loop that mints new experimental
// ones from clustered action-journal failures.
package capability

import "time"

// Status is a capability's position in the sandbox -> experimental ->
// verified lifecycle; blacklisted is terminal.
type Status string

const (
	StatusSandbox      Status = "sandbox"
	StatusExperimental Status = "experimental"
	StatusVerified     Status = "verified"
	StatusBlacklisted  Status = "blacklisted"
)

// Metadata carries the fields spec.md §4.4 and §4.5 reference that the
// fixed agent_capabilities columns don't have a place for.
type Metadata struct {
	Lineage         string     `json:"lineage,omitempty"`
	MutatedFrom     string     `json:"mutated_from,omitempty"`
	IsAlpha         bool       `json:"is_alpha,omitempty"`
	IsShadow        bool       `json:"is_shadow,omitempty"`
	Broadcasted     bool       `json:"broadcasted,omitempty"`
	BroadcastedAt   *time.Time `json:"broadcasted_at,omitempty"`
	HiveBlacklisted bool       `json:"hive_blacklisted,omitempty"`
	SuccessCount    int        `json:"success_count,omitempty"`
	SynthesisStatus string     `json:"synthesis_status,omitempty"`
	SynthesizedFrom []string   `json:"synthesized_from,omitempty"`
}

// Capability is one row of the registry, matching spec.md §3's Capability
// entity, keyed by (name, version).
type Capability struct {
	Name        string
	Version     string
	Description string
	Status      Status
	Reliability float64
	Usages      int64
	Metadata    Metadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BayesianScore computes spec.md §4.5's lineage-ranking score:
// (reliability*usages + K*prior) / (usages + K), K=5, prior=0.5.
func (c Capability) BayesianScore() float64 {
	const k = 5.0
	const prior = 0.5
	return (c.Reliability*float64(c.Usages) + k*prior) / (float64(c.Usages) + k)
}
