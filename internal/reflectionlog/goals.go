package reflectionlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ods-cortex/cortex/internal/storeadapter"
)

// GoalStatus is spec.md §3's Goal status.
type GoalStatus string

const (
	GoalPending    GoalStatus = "pending"
	GoalInProgress GoalStatus = "in_progress"
	GoalCompleted  GoalStatus = "completed"
	GoalFailed     GoalStatus = "failed"
	GoalBlocked    GoalStatus = "blocked"
)

// Goal is spec.md §3's Goal entity. Parent/child forms a tree; cycles are
// forbidden by DeconstructGoal.
type Goal struct {
	ID          int64
	SessionID   string
	ParentID    *int64
	Description string
	Status      GoalStatus
	Priority    int
	Metadata    map[string]any
}

// DeconstructGoal inserts a child goal under parentID, rejecting any chain
// that would make the new parent reachable from the new goal itself (the
// acyclic invariant from spec.md §8, property 5).
func (l *Log) DeconstructGoal(ctx context.Context, sessionID string, parentID *int64, description string, priority int, metadata map[string]any) (Goal, error) {
	if parentID != nil {
		cyclic, err := l.goalReachesAncestor(ctx, *parentID, *parentID)
		if err != nil {
			return Goal{}, err
		}
		if cyclic {
			return Goal{}, storeadapter.Inconsistent("DeconstructGoal", "parent goal chain is cyclic")
		}
	}

	meta, err := marshalMetadata(metadata)
	if err != nil {
		return Goal{}, storeadapter.InvalidInput("DeconstructGoal", fmt.Sprintf("bad metadata: %v", err))
	}
	table := l.adapter.Tables().Goals
	query := fmt.Sprintf(`INSERT INTO %s (session_id, parent_id, description, status, priority, metadata) VALUES (?, ?, ?, ?, ?, ?)`, table)
	res, err := l.adapter.ExecContext(ctx, query, sessionID, nullableInt64Ptr(parentID), description, string(GoalPending), priority, meta)
	if err != nil {
		return Goal{}, storeadapter.NewError(storeadapter.KindExternalUnavailable, "DeconstructGoal", "insert goal failed", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Goal{}, fmt.Errorf("goal last insert id: %w", err)
	}
	return Goal{ID: id, SessionID: sessionID, ParentID: parentID, Description: description, Status: GoalPending, Priority: priority, Metadata: metadata}, nil
}

// goalReachesAncestor walks up from goalID's own ancestry to see whether it
// would ever reach target, guarding against self-reference loops introduced
// by a bad parent_id.
func (l *Log) goalReachesAncestor(ctx context.Context, goalID, target int64) (bool, error) {
	table := l.adapter.Tables().Goals
	current := goalID
	for depth := 0; depth < 10_000; depth++ {
		row := l.adapter.QueryRowContext(ctx, fmt.Sprintf(`SELECT parent_id FROM %s WHERE id = ?`, table), current)
		var parent *int64
		if err := row.Scan(&parent); err != nil {
			return false, nil
		}
		if parent == nil {
			return false, nil
		}
		if *parent == target {
			return true, nil
		}
		current = *parent
	}
	return true, nil
}

// ActiveGoals returns every goal not yet completed/failed, used by
// DetectContradictions and CrossPollinateGoals.
func (l *Log) ActiveGoals(ctx context.Context) ([]Goal, error) {
	table := l.adapter.Tables().Goals
	query := fmt.Sprintf(`SELECT id, session_id, parent_id, description, status, priority, metadata FROM %s WHERE status IN ('pending','in_progress','blocked')`, table)
	rows, err := l.adapter.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("active goals: %w", err)
	}
	defer rows.Close()

	var goals []Goal
	for rows.Next() {
		var (
			g        Goal
			status   string
			metadata string
			parent   *int64
		)
		if err := rows.Scan(&g.ID, &g.SessionID, &parent, &g.Description, &status, &g.Priority, &metadata); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		g.ParentID = parent
		g.Status = GoalStatus(status)
		meta, err := unmarshalMeta(metadata)
		if err != nil {
			return nil, fmt.Errorf("unmarshal goal metadata: %w", err)
		}
		g.Metadata = meta
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// GoalExistsWithDescription batch-checks a set of descriptions with a single
// IN query, the primitive CrossPollinateGoals needs to stay single-round-trip
// per spec.md §4.3.
func (l *Log) GoalExistsWithDescription(ctx context.Context, descriptions []string) (map[string]bool, error) {
	exists := make(map[string]bool, len(descriptions))
	if len(descriptions) == 0 {
		return exists, nil
	}
	table := l.adapter.Tables().Goals
	placeholders := make([]any, len(descriptions))
	qmarks := ""
	for i, d := range descriptions {
		placeholders[i] = d
		if i > 0 {
			qmarks += ","
		}
		qmarks += "?"
	}
	query := fmt.Sprintf(`SELECT DISTINCT description FROM %s WHERE description IN (%s)`, table, qmarks)
	rows, err := l.adapter.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("goal exists batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan goal description: %w", err)
		}
		exists[d] = true
	}
	return exists, rows.Err()
}

func nullableInt64Ptr(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

func unmarshalMeta(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}
