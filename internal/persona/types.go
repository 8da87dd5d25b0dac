package persona

import "time"

// EvolutionStatus is a Persona's position in the mutate/verify/stabilize
// loop, spec.md §4.6's `metadata.evolution_status`.
type EvolutionStatus string

const (
	EvolutionStable    EvolutionStatus = "stable"
	EvolutionVerifying EvolutionStatus = "verifying"
)

// Recommendation is what analyzePersona's dynamic-threshold comparison
// decides for a persona.
type Recommendation string

const (
	RecommendCriticalIntervention Recommendation = "critical_intervention"
	RecommendOptimizeAccuracy     Recommendation = "optimize_accuracy"
	RecommendOptimizeEfficiency   Recommendation = "optimize_efficiency"
	RecommendMaintain             Recommendation = "maintain"
)

// VerificationBaseline snapshots the report a persona entered verification
// against, the reference point the verification monitor's Z-score is
// computed from.
type VerificationBaseline struct {
	SuccessRate float64   `json:"successRate"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// PersonaMutation is one entry in a persona's mutationHistory, capped at 5.
// It captures the full previousState/newState pair spec.md §3 describes —
// role, policies, and capabilities — so rollbackPersona can restore
// whichever of the three a given mutation actually touched.
type PersonaMutation struct {
	Timestamp          time.Time      `json:"timestamp"`
	Recommendation     Recommendation `json:"recommendation"`
	MutationReason     string         `json:"mutationReason"`
	RoleBefore         string         `json:"roleBefore"`
	RoleAfter          string         `json:"roleAfter"`
	PoliciesBefore     []string       `json:"policiesBefore"`
	PoliciesAfter      []string       `json:"policiesAfter"`
	CapabilitiesBefore []string       `json:"capabilitiesBefore"`
	CapabilitiesAfter  []string       `json:"capabilitiesAfter"`
}

// LastFailedMutation records the most recent rollback, the primitive the
// blacklist check (spec.md §4.6 step 3) consults.
type LastFailedMutation struct {
	Recommendation Recommendation `json:"recommendation"`
	At             time.Time      `json:"at"`
}

// Metadata is a Persona's typed `metadata` column.
type Metadata struct {
	EvolutionStatus       EvolutionStatus       `json:"evolutionStatus,omitempty"`
	VerificationBaseline  *VerificationBaseline `json:"verificationBaseline,omitempty"`
	VerificationStartedAt *time.Time            `json:"verificationStartedAt,omitempty"`
	MutationReason        string                `json:"mutationReason,omitempty"`
	MutationHistory       []PersonaMutation      `json:"mutationHistory,omitempty"`
	LastFailedMutation    *LastFailedMutation    `json:"lastFailedMutation,omitempty"`
	RollbackTimestamps    []time.Time            `json:"rollbackTimestamps,omitempty"`
	HiveTrusted           bool                   `json:"hiveTrusted,omitempty"`
}

// Persona is spec.md §3's Persona entity.
type Persona struct {
	Name         string
	Role         string
	Capabilities []string
	Policies     []string
	Metadata     Metadata
}

// RecentRollbacks counts rollback timestamps within the last 7 days of at,
// feeding the verification monitor's adaptive sample-size threshold.
func (m Metadata) RecentRollbacks(at time.Time) int {
	cutoff := at.AddDate(0, 0, -7)
	n := 0
	for _, ts := range m.RollbackTimestamps {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// appendMutation pushes a mutation onto the history, keeping only the most
// recent 5 per spec.md §4.6 step 6.
func (m *Metadata) appendMutation(mut PersonaMutation) {
	m.MutationHistory = append(m.MutationHistory, mut)
	if len(m.MutationHistory) > 5 {
		m.MutationHistory = m.MutationHistory[len(m.MutationHistory)-5:]
	}
}
