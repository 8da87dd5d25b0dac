// Package knowledge implements the central Knowledge Graph (spec.md §4.1):
// entity/fact storage with a confidence lifecycle, automatic linking,
// consolidation, conflict resolution (challenge), and hit-tracked fitness.
package knowledge

import "time"

// Status is a KnowledgeItem's lifecycle state.
type Status string

const (
	StatusProposed   Status = "proposed"
	StatusVerified   Status = "verified"
	StatusDisputed   Status = "disputed"
	StatusDeprecated Status = "deprecated"
)

// Source is who asserted a KnowledgeItem.
type Source string

const (
	SourceUser      Source = "user"
	SourceAssistant Source = "assistant"
	SourceSystem    Source = "system"
)

// Relationship is a KnowledgeLink's kind.
type Relationship string

const (
	RelMentions            Relationship = "mentions"
	RelSemanticallyRelated Relationship = "semantically_related"
)

// ItemMetadata is spec.md §3's KnowledgeItem.metadata, modeled as a tagged
// record per Design Notes §9 rather than a raw map.
type ItemMetadata struct {
	Source             Source     `json:"source"`
	Sessions           []string   `json:"sessions"`
	SessionCount       int        `json:"session_count"`
	HitCount           int        `json:"hit_count"`
	LastRetrievedAt    *time.Time `json:"last_retrieved_at,omitempty"`
	AblationTest       bool       `json:"ablation_test,omitempty"`
	OriginalConfidence *float64   `json:"original_confidence,omitempty"`
	Priority           *string    `json:"priority,omitempty"`
	StatusReason       *string    `json:"status_reason,omitempty"`
}

// Item is spec.md §3's KnowledgeItem entity.
type Item struct {
	ID              string
	Entity          string
	Fact            string
	Confidence      float64
	Status          Status
	SourceSessionID *string
	Tags            []string
	Metadata        ItemMetadata
	Embedding       []float32
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Link is spec.md §3's KnowledgeLink entity.
type Link struct {
	ID           int64
	SourceID     string
	TargetID     string
	Relationship Relationship
	Metadata     map[string]any
}

const (
	capConfidence        = 0.85
	capSessionCount      = 3
	verifiedConfidenceMin = 0.9
)

// isVerified applies spec.md §3's invariant: status=verified iff
// source=user OR session_count >= 3 OR confidence >= 0.9.
func isVerified(source Source, sessionCount int, confidence float64) bool {
	return source == SourceUser || sessionCount >= capSessionCount || confidence >= verifiedConfidenceMin
}

// applyConfidenceCap applies the cap invariant: confidence capped at 0.85
// while source != user and session_count < 3.
func applyConfidenceCap(source Source, sessionCount int, confidence float64) float64 {
	if source != SourceUser && sessionCount < capSessionCount && confidence > capConfidence {
		return capConfidence
	}
	return confidence
}
