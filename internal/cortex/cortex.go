package cortex

import (
	"context"
	"fmt"
	"log"

	"github.com/ods-cortex/cortex/internal/ablation"
	"github.com/ods-cortex/cortex/internal/actionjournal"
	"github.com/ods-cortex/cortex/internal/capability"
	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/governance"
	"github.com/ods-cortex/cortex/internal/hive"
	"github.com/ods-cortex/cortex/internal/knowledge"
	"github.com/ods-cortex/cortex/internal/llmport"
	"github.com/ods-cortex/cortex/internal/maintenance"
	"github.com/ods-cortex/cortex/internal/metricsledger"
	"github.com/ods-cortex/cortex/internal/notify"
	"github.com/ods-cortex/cortex/internal/persona"
	"github.com/ods-cortex/cortex/internal/pilot"
	"github.com/ods-cortex/cortex/internal/policy"
	"github.com/ods-cortex/cortex/internal/reflectionlog"
	"github.com/ods-cortex/cortex/internal/ritual"
	"github.com/ods-cortex/cortex/internal/rules"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

// Cortex is the fully wired substrate: every subsystem the component table
// in spec.md §2 names, composed over one Store Adapter.
type Cortex struct {
	Config Config

	Adapter      storeadapter.Adapter
	Clock        clock.Clock
	Ledger       *metricsledger.Ledger
	Reflections  *reflectionlog.Log
	Rules        *rules.Engine
	Policies     *policy.Enforcer
	Knowledge    *knowledge.Graph
	Ablation     *ablation.Engine
	Journal      *actionjournal.Journal
	Capabilities *capability.Registry
	Lifecycle    *capability.Lifecycle
	Synthesizer  *capability.Synthesizer
	Hive         *hive.Broadcaster
	PersonaStore *persona.Store
	Planner      *persona.Planner
	Janitor      *maintenance.Janitor
	Governance   *governance.Auditor
	Remediation  *governance.RemediationEngine
	Rituals      *ritual.Store
	Dispatcher   *ritual.Dispatcher
	Orchestrator *ritual.Orchestrator
	Pilot        *pilot.Pilot
	Notifier     *notify.Notifier

	hiveTransport *hive.Transport
}

// Providers bundles the optional fast/premium language-model tiers. Either
// field may be nil, degrading the dependent feature per llmport's contract.
type Providers struct {
	Fast    llmport.Completer
	Premium llmport.Completer
}

// New opens the store adapter for cfg.DBPath (dialect selected by
// cfg.Dialect) and wires every subsystem over it, in spec.md §2's dependency
// order: leaves first, evolution-layer services last, cortex itself last of
// all.
func New(ctx context.Context, cfg Config, providers Providers) (*Cortex, error) {
	tables := storeadapter.DefaultTableNames()

	var adapter storeadapter.Adapter
	var err error
	switch cfg.Dialect {
	case "sqlite":
		adapter, err = storeadapter.NewSQLiteAdapter(ctx, cfg.DBPath, tables)
	default:
		adapter, err = storeadapter.NewPureGoAdapter(ctx, cfg.DBPath, tables)
	}
	if err != nil {
		return nil, fmt.Errorf("open store adapter: %w", err)
	}

	clk := clock.System{}
	ledger := metricsledger.New(adapter, clk)
	reflections := reflectionlog.New(adapter)
	ruleEngine := rules.New(adapter)
	policies := policy.New(adapter, ledger, clk, cfg.PolicyCacheTTL)
	graph := knowledge.New(adapter, ledger, clk)
	ablationEngine := ablation.New(adapter, graph, ledger, reflections, clk)
	journal := actionjournal.New(adapter, clk)

	capabilities := capability.New(adapter, clk)
	lifecycle := capability.NewLifecycle(capabilities, providers.Premium)
	synthesizer := capability.NewSynthesizer(capabilities, journal, providers.Fast, clk, cfg.Refiner.MinFailureCluster, cfg.Evolution.MaxSandboxSkills)

	var transport *hive.Transport
	if cfg.HiveNATSURL != "" {
		transport, err = hive.NewTransport(cfg.HiveNATSURL)
		if err != nil {
			log.Printf("[HIVE] transport unavailable, running local-only: %v", err)
			transport = nil
		}
	}
	broadcaster := hive.New(adapter, capabilities, graph, clk, transport)

	probes := persona.NewProbeRunner(adapter, clk)
	probes.Register(persona.Probe{
		Name: "storage",
		Run:  func(ctx context.Context) error { return adapter.DB().PingContext(ctx) },
	})

	personaStore := persona.NewStore(adapter, clk)
	planner := persona.New(personaStore, journal, ledger, reflections, ruleEngine, probes, clk, cfg.Strategy.BaseVerificationSamples)

	janitor := maintenance.New(adapter, graph, ledger, clk)
	remediation := governance.NewRemediationEngine(adapter, clk)
	auditor := governance.New(ledger, policies, personaStore, planner, capabilities, reflections, remediation, clk)

	evolutionPilot := pilot.New(adapter, ledger, planner, janitor, auditor, remediation)

	compressor := ritual.NewCompressor(adapter, clk)
	dispatcher := ritual.NewDispatcher(adapter, compressor, evolutionPilot, janitor, ablationEngine, synthesizer, broadcaster, reflections, cfg.ContextWindowSize, cfg.MaxSynthesisItems)
	rituals := ritual.NewStore(adapter, clk)
	orchestrator := ritual.NewOrchestrator(rituals, dispatcher, clk)

	notifier := notify.New(notify.Config{Enabled: cfg.NotifyEnabled})

	c := &Cortex{
		Config: cfg, Adapter: adapter, Clock: clk, Ledger: ledger, Reflections: reflections,
		Rules: ruleEngine, Policies: policies, Knowledge: graph, Ablation: ablationEngine,
		Journal: journal, Capabilities: capabilities, Lifecycle: lifecycle, Synthesizer: synthesizer,
		Hive: broadcaster, PersonaStore: personaStore, Planner: planner, Janitor: janitor,
		Governance: auditor, Remediation: remediation, Rituals: rituals, Dispatcher: dispatcher,
		Orchestrator: orchestrator, Pilot: evolutionPilot, Notifier: notifier, hiveTransport: transport,
	}
	if err := c.ensureDefaultRituals(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ensureDefaultRituals defines the four standing rituals spec.md §4.9
// dispatches, each idempotently (Store.Define is a no-op on conflict), so a
// fresh Cortex always has a full schedule without operator setup.
func (c *Cortex) ensureDefaultRituals(ctx context.Context) error {
	defs := []struct {
		name string
		typ  ritual.Type
		freq ritual.Frequency
	}{
		{"hourly-compression", ritual.TypeCompression, ritual.FrequencyHourly},
		{"daily-optimization", ritual.TypeOptimization, ritual.FrequencyDaily},
		{"daily-pruning", ritual.TypePruning, ritual.FrequencyDaily},
		{"weekly-evolution", ritual.TypeEvolution, ritual.FrequencyWeekly},
	}
	for _, d := range defs {
		if err := c.Rituals.Define(ctx, d.name, d.typ, d.freq); err != nil {
			return fmt.Errorf("define default ritual %s: %w", d.name, err)
		}
	}
	return nil
}

// RunRitualSweep claims and executes every currently due ritual, then runs
// one governance audit and notifies the operator if it raised anything,
// mirroring the closed loop spec.md §4.10 describes.
func (c *Cortex) RunRitualSweep(ctx context.Context) (ritual.TickResult, error) {
	result, err := c.Orchestrator.Tick(ctx)
	if err != nil {
		return result, fmt.Errorf("ritual sweep: %w", err)
	}

	audit, err := c.Governance.PerformAudit(ctx)
	if err != nil {
		return result, fmt.Errorf("ritual sweep audit: %w", err)
	}
	if !audit.Healthy && c.Notifier != nil && c.Notifier.IsEnabled() {
		if err := c.Notifier.NotifyAuditIssues(audit.Issues); err != nil {
			log.Printf("[CORTEX] operator notification failed: %v", err)
		}
	}
	return result, nil
}

// Close releases the store adapter and any hive transport connection.
func (c *Cortex) Close() error {
	if c.hiveTransport != nil {
		c.hiveTransport.Close()
	}
	return c.Adapter.Close()
}
