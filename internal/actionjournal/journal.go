// Package actionjournal is the append-only tool-invocation history (spec.md
// §2 component #7): every tool call the host makes is recorded here, and the
// Skill Synthesizer and Strategic Planner both read its failure report to
// decide what to mutate next.
package actionjournal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ods-cortex/cortex/internal/clock"
	"github.com/ods-cortex/cortex/internal/storeadapter"
)

// Action is one recorded tool invocation, matching spec.md §3's Action
// entity.
type Action struct {
	ID        int64
	SessionID *string
	ToolName  string
	Arguments map[string]any
	Succeeded bool
	Error     *string
	LatencyMS *int64
	Metadata  map[string]any
	CreatedAt time.Time
}

// Journal is the append-only action store.
type Journal struct {
	adapter storeadapter.Adapter
	clock   clock.Clock
}

// New builds a Journal over adapter.
func New(adapter storeadapter.Adapter, clk clock.Clock) *Journal {
	return &Journal{adapter: adapter, clock: clk}
}

// Record appends one tool invocation outcome. It never updates or deletes.
func (j *Journal) Record(ctx context.Context, a Action) error {
	args, err := marshalMetadata(a.Arguments)
	if err != nil {
		return storeadapter.InvalidInput("Record", fmt.Sprintf("bad arguments: %v", err))
	}
	meta, err := marshalMetadata(a.Metadata)
	if err != nil {
		return storeadapter.InvalidInput("Record", fmt.Sprintf("bad metadata: %v", err))
	}

	table := j.adapter.Tables().Actions
	query := fmt.Sprintf(`INSERT INTO %s (session_id, tool_name, arguments, succeeded, error, latency_ms, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, table)
	_, err = j.adapter.ExecContext(ctx, query,
		nullableString(a.SessionID), a.ToolName, args, boolToInt(a.Succeeded), nullableString(a.Error), nullableInt64(a.LatencyMS), meta, j.clock.Now())
	if err != nil {
		return storeadapter.NewError(storeadapter.KindExternalUnavailable, "Record", "insert action failed", err)
	}
	return nil
}

// RecentFailures returns up to limit most-recent failed actions, newest
// first. spec.md §4.4 step 1 calls this with limit 200.
func (j *Journal) RecentFailures(ctx context.Context, limit int) ([]Action, error) {
	table := j.adapter.Tables().Actions
	query := fmt.Sprintf(`SELECT id, session_id, tool_name, arguments, succeeded, error, latency_ms, metadata, created_at
		FROM %s WHERE succeeded = 0 ORDER BY created_at DESC, id DESC LIMIT ?`, table)
	rows, err := j.adapter.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("recent failures: %w", err)
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// FailureCluster groups failed invocations of a single tool for the Skill
// Synthesizer and the Strategic Planner's failure analysis step.
type FailureCluster struct {
	ToolName string
	Domain   string
	Failures []Action
}

// FailureReport is the clustered view spec.md §4.4 and §4.6 both consume.
type FailureReport struct {
	Clusters []FailureCluster
}

// ToolNamesOverThreshold returns the tool names carrying more than
// minFailures failures, the primitive the Strategic Planner's step 2 needs
// ("collect tool names with >1 failure").
func (r FailureReport) ToolNamesOverThreshold(minFailures int) []string {
	var names []string
	for _, c := range r.Clusters {
		if len(c.Failures) > minFailures {
			names = append(names, c.ToolName)
		}
	}
	sort.Strings(names)
	return names
}

// BuildFailureReport fetches the most recent 200 failures, clusters them by
// tool name, keeps tools with >= minClusterSize failures, and groups the
// clusters by domain (the prefix before the first underscore in the tool
// name), per spec.md §4.4 steps 1-3.
func (j *Journal) BuildFailureReport(ctx context.Context, minClusterSize int) (FailureReport, error) {
	failures, err := j.RecentFailures(ctx, 200)
	if err != nil {
		return FailureReport{}, err
	}

	byTool := map[string][]Action{}
	var order []string
	for _, f := range failures {
		if _, ok := byTool[f.ToolName]; !ok {
			order = append(order, f.ToolName)
		}
		byTool[f.ToolName] = append(byTool[f.ToolName], f)
	}

	var clusters []FailureCluster
	for _, tool := range order {
		fs := byTool[tool]
		if len(fs) < minClusterSize {
			continue
		}
		clusters = append(clusters, FailureCluster{ToolName: tool, Domain: domainOf(tool), Failures: fs})
	}
	return FailureReport{Clusters: clusters}, nil
}

// GroupByDomain buckets clusters under their Domain, the shape
// discoverAndSynthesize iterates over to decide batch-vs-single synthesis.
func (r FailureReport) GroupByDomain() map[string][]FailureCluster {
	groups := map[string][]FailureCluster{}
	for _, c := range r.Clusters {
		groups[c.Domain] = append(groups[c.Domain], c)
	}
	return groups
}

func domainOf(toolName string) string {
	if idx := strings.IndexByte(toolName, '_'); idx > 0 {
		return toolName[:idx]
	}
	return toolName
}
