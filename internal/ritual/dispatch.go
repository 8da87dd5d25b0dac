package ritual

import (
	"context"
	"fmt"

	"github.com/ods-cortex/cortex/internal/ablation"
	"github.com/ods-cortex/cortex/internal/capability"
	"github.com/ods-cortex/cortex/internal/hive"
	"github.com/ods-cortex/cortex/internal/maintenance"
	"github.com/ods-cortex/cortex/internal/pilot"
	"github.com/ods-cortex/cortex/internal/reflectionlog"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

const (
	pruningConfidenceThreshold = 0.2
	zombieThresholdDays        = 30

	activeDomainLimit     = 3
	activeDomainMinConf   = 1.0
	matureDomainMinMean   = 0.95
	matureDomainMinPop    = 3
	matureDomainBoost     = 0.15
	youngDomainBoost      = 0.05
)

// Dispatcher runs the per-type work a claimed ritual names, per spec.md
// §4.9's "Ritual dispatch" list.
type Dispatcher struct {
	adapter     storeadapter.Adapter
	compressor  *Compressor
	pilot       *pilot.Pilot
	janitor     *maintenance.Janitor
	ablation    *ablation.Engine
	synthesizer *capability.Synthesizer
	hive        *hive.Broadcaster
	reflections *reflectionlog.Log

	contextWindowSize int
	maxSynthesisItems int
}

// NewDispatcher builds a Dispatcher. Any dependency may be nil: the
// corresponding ritual type then becomes a no-op that still reports success,
// so a partially wired Cortex doesn't fail its whole orchestration loop.
// maxSynthesisItems comes from Config.MaxSynthesisItems and bounds the
// optimization ritual's lesson-synthesis pass (reflectionlog.SynthesizeLessons
// falls back to its own default when non-positive).
func NewDispatcher(adapter storeadapter.Adapter, compressor *Compressor, p *pilot.Pilot, janitor *maintenance.Janitor, ablationEngine *ablation.Engine, synthesizer *capability.Synthesizer, broadcaster *hive.Broadcaster, reflections *reflectionlog.Log, contextWindowSize, maxSynthesisItems int) *Dispatcher {
	return &Dispatcher{
		adapter: adapter, compressor: compressor, pilot: p, janitor: janitor,
		ablation: ablationEngine, synthesizer: synthesizer, hive: broadcaster,
		reflections:       reflections,
		contextWindowSize: contextWindowSize,
		maxSynthesisItems: maxSynthesisItems,
	}
}

// Run executes r's type and returns the result metadata to merge back into
// the ritual row.
func (d *Dispatcher) Run(ctx context.Context, r Ritual) (map[string]any, error) {
	switch r.Type {
	case TypeCompression:
		return d.runCompression(ctx)
	case TypeOptimization:
		return d.runOptimization(ctx)
	case TypePruning:
		return d.runPruning(ctx)
	case TypeEvolution:
		return d.runEvolution(ctx)
	default:
		return nil, fmt.Errorf("dispatch: unknown ritual type %q", r.Type)
	}
}

func (d *Dispatcher) runCompression(ctx context.Context) (map[string]any, error) {
	if d.compressor == nil {
		return nil, nil
	}
	n, err := d.compressor.CompressActiveSessions(ctx, d.contextWindowSize)
	if err != nil {
		return nil, fmt.Errorf("compression ritual: %w", err)
	}
	return map[string]any{"sessionsCompressed": n}, nil
}

func (d *Dispatcher) runOptimization(ctx context.Context) (map[string]any, error) {
	result := map[string]any{}
	if d.pilot != nil {
		cycle, err := d.pilot.RunSelfImprovementCycle(ctx)
		if err != nil {
			return nil, fmt.Errorf("optimization ritual self-improvement: %w", err)
		}
		result["optimizedLatency"] = cycle.OptimizedLatency
		result["mutatedStrategy"] = cycle.MutatedStrategy
	}
	if d.janitor != nil {
		if err := d.janitor.OptimizeDatabase(ctx); err != nil {
			return nil, fmt.Errorf("optimization ritual database optimize: %w", err)
		}
		result["databaseOptimized"] = true
	}
	if d.reflections != nil {
		clusters, err := d.reflections.SynthesizeLessons(ctx, d.maxSynthesisItems)
		if err != nil {
			return nil, fmt.Errorf("optimization ritual lesson synthesis: %w", err)
		}
		result["lessonClusters"] = len(clusters)
	}
	return result, nil
}

func (d *Dispatcher) runPruning(ctx context.Context) (map[string]any, error) {
	result := map[string]any{}
	if d.janitor != nil {
		report, err := d.janitor.RunPruningRitual(ctx, pruningConfidenceThreshold)
		if err != nil {
			return nil, fmt.Errorf("pruning ritual low confidence: %w", err)
		}
		result["knowledgePruned"] = report.KnowledgePruned
		result["orphanMessages"] = report.OrphanMessages
	}
	if d.ablation != nil {
		zombies, err := d.ablation.PruneZombies(ctx, zombieThresholdDays)
		if err != nil {
			return nil, fmt.Errorf("pruning ritual zombies: %w", err)
		}
		result["zombiesKnowledgeDeleted"] = zombies.KnowledgeDeleted
		result["zombiesMemoriesDeleted"] = zombies.MemoriesDeleted
	}
	if d.janitor != nil {
		orphans, err := d.janitor.CleanOrphans(ctx)
		if err != nil {
			return nil, fmt.Errorf("pruning ritual clean orphans: %w", err)
		}
		result["orphansCleaned"] = orphans
	}
	return result, nil
}

func (d *Dispatcher) runEvolution(ctx context.Context) (map[string]any, error) {
	result := map[string]any{}
	if d.synthesizer != nil {
		synth, err := d.synthesizer.DiscoverAndSynthesize(ctx)
		if err != nil {
			return nil, fmt.Errorf("evolution ritual synthesis: %w", err)
		}
		result["synthesized"] = len(synth.Registered)
	}
	if d.hive != nil {
		draft, err := d.hive.RunSovereignDraft(ctx)
		if err != nil {
			return nil, fmt.Errorf("evolution ritual sovereign draft: %w", err)
		}
		result["alphas"] = len(draft.Alphas)
		result["blacklisted"] = len(draft.NewlyBlacklisted)

		domains, err := d.activeDomains(ctx)
		if err != nil {
			return nil, fmt.Errorf("evolution ritual active domains: %w", err)
		}
		synced := 0
		for _, dom := range domains {
			boost := youngDomainBoost
			if dom.mature {
				boost = matureDomainBoost
			}
			if _, err := d.hive.SyncDomain(ctx, dom.tag, boost); err != nil {
				return nil, fmt.Errorf("evolution ritual sync domain %s: %w", dom.tag, err)
			}
			synced++
		}
		result["domainsSynced"] = synced
	}
	return result, nil
}

type domainTag struct {
	tag    string
	mature bool
}

// activeDomains finds the top activeDomainLimit knowledge tags by summed
// confidence (floor activeDomainMinConf) over every knowledge row; no
// recency window is applied. It then classifies each as
// mature when a same-named capability family's mean reliability is at least
// matureDomainMinMean over at least matureDomainMinPop registrations, per
// spec.md §4.9's evolution dispatch.
func (d *Dispatcher) activeDomains(ctx context.Context) ([]domainTag, error) {
	knowledgeTable := d.adapter.Tables().KnowledgeBase
	query := fmt.Sprintf(`
		SELECT json_each.value AS tag, SUM(confidence) AS total
		FROM %s, json_each(tags)
		GROUP BY json_each.value
		HAVING total >= ?
		ORDER BY total DESC
		LIMIT ?`, knowledgeTable)
	rows, err := d.adapter.QueryContext(ctx, query, activeDomainMinConf, activeDomainLimit)
	if err != nil {
		return nil, fmt.Errorf("select active domains: %w", err)
	}
	defer rows.Close()

	var out []domainTag
	for rows.Next() {
		var tag string
		var total float64
		if err := rows.Scan(&tag, &total); err != nil {
			return nil, err
		}
		mature, err := d.isMatureDomain(ctx, tag)
		if err != nil {
			return nil, err
		}
		out = append(out, domainTag{tag: tag, mature: mature})
	}
	return out, rows.Err()
}

// isMatureDomain treats capabilities whose name is prefixed "<tag>_" (the
// same domain-grouping convention the synthesizer's discoverAndSynthesize
// uses) as the domain's population.
func (d *Dispatcher) isMatureDomain(ctx context.Context, tag string) (bool, error) {
	capTable := d.adapter.Tables().Capabilities
	query := fmt.Sprintf(`SELECT COUNT(*), COALESCE(AVG(reliability), 0) FROM %s WHERE name LIKE ? || '\_%%' ESCAPE '\'`, capTable)
	var n int
	var mean float64
	if err := d.adapter.QueryRowContext(ctx, query, tag).Scan(&n, &mean); err != nil {
		return false, fmt.Errorf("mature domain check %s: %w", tag, err)
	}
	return n >= matureDomainMinPop && mean >= matureDomainMinMean, nil
}
