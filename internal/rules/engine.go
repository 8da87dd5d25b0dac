// Package rules implements the declarative guardrail engine (spec.md §4.8):
// a small condition grammar ("<key> <op> <value>") evaluated per table
// operation, with masking support. Per the Design Notes §9 redesign target,
// conditions are parsed into a Predicate value at definition time, not
// evaluated ad hoc at match time.
package rules

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ods-cortex/cortex/internal/storeadapter"
)

// Operation is the table operation a rule matches against.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpSelect Operation = "select"
	OpAll    Operation = "all"
)

// Action is what a matching rule does.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAudit Action = "audit"
	ActionMask  Action = "mask"
)

// Rule is spec.md §3's Rule entity, with its condition pre-parsed into a
// Predicate.
type Rule struct {
	ID         int64
	TableName  string
	Operation  Operation
	Condition  string
	predicate  Predicate
	Action     Action
	Priority   int
	IsEnabled  bool
	Script     string
	MaskFields []string
	Metadata   map[string]any
}

// Decision is what EvaluateRules returns.
type Decision struct {
	Action Action
	RuleID int64
	Reason string
}

// Engine evaluates rules against operation data.
type Engine struct {
	adapter storeadapter.Adapter
}

// New builds an Engine over adapter.
func New(adapter storeadapter.Adapter) *Engine {
	return &Engine{adapter: adapter}
}

// DefineRule validates and inserts a rule, rejecting a malformed condition
// at definition time rather than at evaluation time (Design Notes §9).
func (e *Engine) DefineRule(ctx context.Context, r Rule) (Rule, error) {
	var pred Predicate
	var err error
	if strings.TrimSpace(r.Condition) != "" {
		pred, err = ParsePredicate(r.Condition)
		if err != nil {
			return Rule{}, storeadapter.InvalidInput("DefineRule", fmt.Sprintf("condition %q: %v", r.Condition, err))
		}
	}
	r.predicate = pred

	metaMap := map[string]any{}
	for k, v := range r.Metadata {
		metaMap[k] = v
	}
	if len(r.MaskFields) > 0 {
		metaMap["maskFields"] = r.MaskFields
	}
	meta, err := marshalMetadata(metaMap)
	if err != nil {
		return Rule{}, storeadapter.InvalidInput("DefineRule", fmt.Sprintf("bad metadata: %v", err))
	}

	table := e.adapter.Tables().Rules
	query := fmt.Sprintf(`INSERT INTO %s (table_name, operation, condition, action, priority, is_enabled, script, metadata) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, table)
	res, err := e.adapter.ExecContext(ctx, query, r.TableName, string(r.Operation), r.Condition, string(r.Action), r.Priority, boolToInt(r.IsEnabled), r.Script, meta)
	if err != nil {
		return Rule{}, storeadapter.NewError(storeadapter.KindExternalUnavailable, "DefineRule", "insert rule failed", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Rule{}, fmt.Errorf("rule last insert id: %w", err)
	}
	r.ID = id
	return r, nil
}

// EvaluateRules selects enabled rules matching (tableName, operation or
// "all"), sorted by priority desc, and returns the first match's decision.
// Absent any match, the default decision is allow.
func (e *Engine) EvaluateRules(ctx context.Context, tableName string, op Operation, data map[string]any) (Decision, error) {
	rules, err := e.loadMatchingRules(ctx, tableName, op)
	if err != nil {
		return Decision{}, err
	}

	for _, r := range rules {
		if r.predicate == nil || r.predicate.Eval(data) {
			return Decision{Action: r.Action, RuleID: r.ID, Reason: describeReason(r)}, nil
		}
	}
	return Decision{Action: ActionAllow}, nil
}

func describeReason(r Rule) string {
	if r.Condition == "" {
		return fmt.Sprintf("rule %d matched unconditionally", r.ID)
	}
	return fmt.Sprintf("rule %d matched condition %q", r.ID, r.Condition)
}

func (e *Engine) loadMatchingRules(ctx context.Context, tableName string, op Operation) ([]Rule, error) {
	table := e.adapter.Tables().Rules
	query := fmt.Sprintf(`SELECT id, table_name, operation, condition, action, priority, is_enabled, script, metadata FROM %s WHERE table_name = ? AND is_enabled = 1 AND (operation = ? OR operation = ?)`, table)
	rows, err := e.adapter.QueryContext(ctx, query, tableName, string(op), string(OpAll))
	if err != nil {
		return nil, fmt.Errorf("load matching rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var (
			r          Rule
			operation  string
			action     string
			enabled    int
			script     *string
			metadata   string
		)
		if err := rows.Scan(&r.ID, &r.TableName, &operation, &r.Condition, &action, &r.Priority, &enabled, &script, &metadata); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Operation = Operation(operation)
		r.Action = Action(action)
		r.IsEnabled = intToBool(enabled)
		if script != nil {
			r.Script = *script
		}
		meta, err := unmarshalMetadata(metadata)
		if err != nil {
			return nil, fmt.Errorf("unmarshal rule metadata: %w", err)
		}
		r.Metadata = meta
		if fields, ok := meta["maskFields"].([]any); ok {
			for _, f := range fields {
				if s, ok := f.(string); ok {
					r.MaskFields = append(r.MaskFields, s)
				}
			}
		}
		if strings.TrimSpace(r.Condition) != "" {
			pred, err := ParsePredicate(r.Condition)
			if err != nil {
				// malformed conditions are rejected at DefineRule time; a
				// row that somehow got here is simply never matched.
				continue
			}
			r.predicate = pred
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, rows.Err()
}

// ApplyMasking replaces fields listed in maskFields with "*****" in data,
// returning a new map (the input is never mutated).
func ApplyMasking(data map[string]any, maskFields []string) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, field := range maskFields {
		if _, ok := out[field]; ok {
			out[field] = "*****"
		}
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool { return i != 0 }

func coerce(raw string) any {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return strings.Trim(raw, `"'`)
}
