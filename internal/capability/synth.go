package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ods-cortex/cortex/internal/actionjournal"
	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/llmport"
)

const (
	synthesisRetries  = 3
	synthesisRetryGap = 200 * time.Millisecond
)

// FailureSample is what a synthesis prompt shows the model for one past
// invocation, per spec.md §4.4 step 4.
type FailureSample struct {
	Arguments map[string]any `json:"arguments"`
	Error     string         `json:"error"`
	Timestamp time.Time      `json:"timestamp"`
}

// SynthesisContext is the per-tool input to synthesize/synthesizeBatch.
type SynthesisContext struct {
	TargetTool          string           `json:"targetTool"`
	Failures            []FailureSample  `json:"failures"`
	ExistingDescription string           `json:"existingDescription"`
	EvolutionConfig     map[string]any   `json:"evolutionConfig,omitempty"`
}

// SynthesisResult is one mutated capability proposal.
type SynthesisResult struct {
	Tool               string         `json:"tool"`
	MutatedDescription string         `json:"mutatedDescription"`
	MutatedMetadata    map[string]any `json:"mutatedMetadata,omitempty"`
}

// Synthesizer builds new experimental capabilities from clustered
// action-journal failures, per spec.md §4.4.
type Synthesizer struct {
	registry          *Registry
	journal           *actionjournal.Journal
	fast              llmport.Completer
	clock             clock.Clock
	minFailureCluster int
	maxSandboxSkills  int
}

// NewSynthesizer builds a Synthesizer. fast may be nil: the synthesizer then
// registers nothing and lists every target tool in the result's Skipped
// field; it does not set Metadata.SynthesisStatus. minFailureCluster
// and maxSandboxSkills come from Config.Refiner/Config.Evolution; a
// non-positive value falls back to spec.md §6's defaults (3 and 50).
func NewSynthesizer(registry *Registry, journal *actionjournal.Journal, fast llmport.Completer, clk clock.Clock, minFailureCluster, maxSandboxSkills int) *Synthesizer {
	if minFailureCluster <= 0 {
		minFailureCluster = 3
	}
	if maxSandboxSkills <= 0 {
		maxSandboxSkills = 50
	}
	return &Synthesizer{registry: registry, journal: journal, fast: fast, clock: clk, minFailureCluster: minFailureCluster, maxSandboxSkills: maxSandboxSkills}
}

// DiscoverAndSynthesizeResult reports what one synthesis pass produced.
type DiscoverAndSynthesizeResult struct {
	Registered []Capability
	Skipped    []string
	Pruned     []string
}

// DiscoverAndSynthesize implements spec.md §4.4's discoverAndSynthesize:
// cluster the 200 most recent action failures by tool (>=3 failures),
// group by domain, synthesize a refined capability per target (batched
// within a domain when more than one tool and a fast tier is available),
// and register each as experimental, pruning the bottom 20% by reliability
// first if the experimental population is already at maxSandboxSkills.
func (s *Synthesizer) DiscoverAndSynthesize(ctx context.Context) (DiscoverAndSynthesizeResult, error) {
	report, err := s.journal.BuildFailureReport(ctx, s.minFailureCluster)
	if err != nil {
		return DiscoverAndSynthesizeResult{}, err
	}

	var result DiscoverAndSynthesizeResult
	if s.fast == nil {
		for _, c := range report.Clusters {
			result.Skipped = append(result.Skipped, c.ToolName)
		}
		return result, nil
	}

	for domain, clusters := range report.GroupByDomain() {
		var synthResults []SynthesisResult
		if len(clusters) > 1 {
			batch, err := s.synthesizeBatch(ctx, clusters)
			if err != nil {
				return result, fmt.Errorf("synthesize batch for domain %s: %w", domain, err)
			}
			synthResults = batch
		} else {
			one, err := s.synthesizeOne(ctx, toContext(clusters[0]))
			if err != nil {
				return result, fmt.Errorf("synthesize %s: %w", clusters[0].ToolName, err)
			}
			synthResults = []SynthesisResult{one}
		}

		for _, sr := range synthResults {
			pruned, err := s.pruneIfAtCapacity(ctx)
			if err != nil {
				return result, err
			}
			result.Pruned = append(result.Pruned, pruned...)

			version := fmt.Sprintf("1.0.%d", s.clock.Now().Unix())
			cap, err := s.registry.RegisterCapability(ctx, RegisterInput{
				Name:          sr.Tool,
				Version:       version,
				Description:   sr.MutatedDescription,
				InitialStatus: StatusExperimental,
				ExtraMetadata: Metadata{SynthesizedFrom: clusterToolNames(clusters)},
			})
			if err != nil {
				return result, err
			}
			result.Registered = append(result.Registered, cap)
		}
	}
	return result, nil
}

func clusterToolNames(clusters []actionjournal.FailureCluster) []string {
	names := make([]string, 0, len(clusters))
	for _, c := range clusters {
		names = append(names, c.ToolName)
	}
	return names
}

func toContext(c actionjournal.FailureCluster) SynthesisContext {
	sc := SynthesisContext{TargetTool: c.ToolName}
	for _, f := range c.Failures {
		errText := ""
		if f.Error != nil {
			errText = *f.Error
		}
		sc.Failures = append(sc.Failures, FailureSample{Arguments: f.Arguments, Error: errText, Timestamp: f.CreatedAt})
	}
	return sc
}

// synthesizeOne calls the fast tier once for a single tool, retrying up to
// synthesisRetries times with a linear backoff.
func (s *Synthesizer) synthesizeOne(ctx context.Context, sc SynthesisContext) (SynthesisResult, error) {
	payload, err := json.Marshal(sc)
	if err != nil {
		return SynthesisResult{}, err
	}
	prompt := fmt.Sprintf("Given this tool's recent failures, propose a refined description and metadata that would prevent them. Respond with JSON {\"tool\",\"mutatedDescription\",\"mutatedMetadata\"}.\n\n%s", payload)

	var lastErr error
	for attempt := 0; attempt < synthesisRetries; attempt++ {
		res, err := s.fast.Complete(ctx, llmport.CompleteRequest{Prompt: prompt, ResponseFormat: llmport.FormatJSON})
		if err == nil {
			var out SynthesisResult
			if jerr := json.Unmarshal([]byte(res.Content), &out); jerr == nil {
				if out.Tool == "" {
					out.Tool = sc.TargetTool
				}
				return out, nil
			}
			lastErr = fmt.Errorf("malformed synthesis response")
		} else {
			lastErr = err
		}
		time.Sleep(time.Duration(attempt+1) * synthesisRetryGap)
	}
	return SynthesisResult{}, fmt.Errorf("synthesize %s: %w", sc.TargetTool, lastErr)
}

// synthesizeBatch calls the fast tier once for multiple tools in the same
// domain, per spec.md §4.4 step 5.
func (s *Synthesizer) synthesizeBatch(ctx context.Context, clusters []actionjournal.FailureCluster) ([]SynthesisResult, error) {
	contexts := make([]SynthesisContext, 0, len(clusters))
	for _, c := range clusters {
		contexts = append(contexts, toContext(c))
	}
	payload, err := json.Marshal(contexts)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf("Given these tools' recent failures, propose a refined description and metadata for each that would prevent them. Respond with a JSON array of {\"tool\",\"mutatedDescription\",\"mutatedMetadata\"}.\n\n%s", payload)

	var lastErr error
	for attempt := 0; attempt < synthesisRetries; attempt++ {
		res, err := s.fast.Complete(ctx, llmport.CompleteRequest{Prompt: prompt, ResponseFormat: llmport.FormatJSON})
		if err == nil {
			var out []SynthesisResult
			if jerr := json.Unmarshal([]byte(res.Content), &out); jerr == nil {
				return out, nil
			}
			lastErr = fmt.Errorf("malformed batch synthesis response")
		} else {
			lastErr = err
		}
		time.Sleep(time.Duration(attempt+1) * synthesisRetryGap)
	}
	return nil, lastErr
}

// pruneIfAtCapacity deletes the bottom 20% by reliability of experimental
// capabilities when the population is already at maxSandboxSkills, per
// spec.md §4.4 step 7.
func (s *Synthesizer) pruneIfAtCapacity(ctx context.Context) ([]string, error) {
	experimental, err := s.registry.ListByStatus(ctx, StatusExperimental)
	if err != nil {
		return nil, err
	}
	if len(experimental) < s.maxSandboxSkills {
		return nil, nil
	}

	sort.Slice(experimental, func(i, j int) bool { return experimental[i].Reliability < experimental[j].Reliability })
	cut := len(experimental) / 5
	if cut == 0 {
		cut = 1
	}

	var pruned []string
	for _, c := range experimental[:cut] {
		if err := s.registry.Delete(ctx, c.Name, c.Version); err != nil {
			return pruned, err
		}
		pruned = append(pruned, c.Name)
	}
	return pruned, nil
}
