// Package llmport models the language-model provider as a pair of optional
// capability interfaces, per spec.md §6: the provider itself is a
// deliberately-external collaborator, referenced only through these ports.
package llmport

import "context"

// ResponseFormat selects how a Completer should shape its answer.
type ResponseFormat string

const (
	// FormatText asks for a free-form natural-language answer.
	FormatText ResponseFormat = "text"
	// FormatJSON asks for a single JSON value, required by the skill
	// synthesizer's batch mutation responses.
	FormatJSON ResponseFormat = "json"
)

// CompleteRequest is the argument shape for Completer.Complete.
type CompleteRequest struct {
	Prompt         string
	ResponseFormat ResponseFormat
	Temperature    float64
	MaxTokens      int
}

// Usage reports token accounting, when the provider exposes it.
type Usage struct {
	TotalTokens int
}

// CompleteResult is what a Completer returns.
type CompleteResult struct {
	Content string
	Usage   *Usage
}

// Completer is the optional language-model capability. Its absence makes
// skill synthesis register nothing and report the target tools as skipped,
// rather than failing the surrounding operation.
type Completer interface {
	Complete(ctx context.Context, req CompleteRequest) (CompleteResult, error)
}

// Embedder is the optional vector-embedding capability. knowledge.WithEmbedder
// accepts one, but no component calls Embed: link candidates and similarity
// always use the built-in Jaccard-style token metric.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Tier distinguishes the fast/premium provider variants spec.md §9 calls out
// as capability interfaces over variants rather than global singletons.
type Tier string

const (
	// TierFast favors latency over quality (the fast completer is the one
	// the skill synthesizer uses).
	TierFast Tier = "fast"
	// TierPremium favors quality over latency (the premium completer is the
	// one capability.Lifecycle uses for pre-warm description refinement).
	TierPremium Tier = "premium"
)

// Provider bundles a Completer and an Embedder at a given tier. A Cortex may
// be configured with zero, one, or two Providers (fast and premium); nil
// fields signal "capability absent" exactly as the bare interfaces do.
type Provider struct {
	Tier      Tier
	Completer Completer
	Embedder  Embedder
}
