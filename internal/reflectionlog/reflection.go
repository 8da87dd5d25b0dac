// Package reflectionlog implements the append-only session post-mortem log
// and the lightweight "recursive reasoner" passes over it (spec.md §4.3):
// lesson synthesis, cross-pollination of stable personas' reasoning into
// goals, and cheap O(N) goal-contradiction detection.
package reflectionlog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ods-cortex/cortex/internal/storeadapter"
)

// Outcome is a Reflection's result classification.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Reflection is spec.md §3's Reflection entity.
type Reflection struct {
	ID               int64
	SessionID        string
	Outcome          Outcome
	LessonsLearned   string
	SuggestedActions *string
	Metadata         map[string]any
}

// Log is the append-only reflection store.
type Log struct {
	adapter storeadapter.Adapter

	conflictMu         sync.Mutex
	extraConflictPairs [][2]string
}

// New builds a Log over adapter.
func New(adapter storeadapter.Adapter) *Log {
	return &Log{adapter: adapter}
}

// Reflect appends a reflection and returns the stored row with its
// assigned ID.
func (l *Log) Reflect(ctx context.Context, r Reflection) (Reflection, error) {
	meta, err := marshalMetadata(r.Metadata)
	if err != nil {
		return Reflection{}, storeadapter.InvalidInput("Reflect", fmt.Sprintf("bad metadata: %v", err))
	}
	table := l.adapter.Tables().Reflections
	query := fmt.Sprintf(`INSERT INTO %s (session_id, outcome, lessons_learned, suggested_actions, metadata) VALUES (?, ?, ?, ?, ?)`, table)
	res, err := l.adapter.ExecContext(ctx, query, r.SessionID, string(r.Outcome), r.LessonsLearned, nullableStringPtr(r.SuggestedActions), meta)
	if err != nil {
		return Reflection{}, storeadapter.NewError(storeadapter.KindExternalUnavailable, "Reflect", "insert reflection failed", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Reflection{}, fmt.Errorf("reflection last insert id: %w", err)
	}
	r.ID = id
	return r, nil
}

// RecentLessons returns the `lessons_learned` text of the most recent limit
// reflections, newest first, feeding synthesizeLessons.
func (l *Log) RecentLessons(ctx context.Context, limit int) ([]string, error) {
	table := l.adapter.Tables().Reflections
	query := fmt.Sprintf(`SELECT lessons_learned FROM %s ORDER BY created_at DESC, id DESC LIMIT ?`, table)
	rows, err := l.adapter.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("recent lessons: %w", err)
	}
	defer rows.Close()

	var lessons []string
	for rows.Next() {
		var lesson string
		if err := rows.Scan(&lesson); err != nil {
			return nil, fmt.Errorf("scan lesson: %w", err)
		}
		lessons = append(lessons, lesson)
	}
	return lessons, rows.Err()
}

// LessonCluster groups lessons under their defining token.
type LessonCluster struct {
	Token   string
	Lessons []string
}

const defaultMaxSynthesisItems = 500

// SynthesizeLessons groups the most recent maxItems lessons (default 500 if
// maxItems <= 0) by their "defining token": the token in each lesson
// maximizing len(token)/frequency(token) across the whole window, per
// spec.md §4.3.
func (l *Log) SynthesizeLessons(ctx context.Context, maxItems int) ([]LessonCluster, error) {
	if maxItems <= 0 {
		maxItems = defaultMaxSynthesisItems
	}
	lessons, err := l.RecentLessons(ctx, maxItems)
	if err != nil {
		return nil, err
	}
	if len(lessons) == 0 {
		return nil, nil
	}

	tokenized := make([][]string, len(lessons))
	freq := map[string]int{}
	for i, lesson := range lessons {
		toks := tokenize(lesson)
		tokenized[i] = toks
		seen := map[string]bool{}
		for _, tok := range toks {
			if seen[tok] {
				continue
			}
			seen[tok] = true
			freq[tok]++
		}
	}

	order := []string{}
	groups := map[string][]string{}
	for i, toks := range tokenized {
		definer := definingToken(toks, freq)
		if definer == "" {
			continue
		}
		if _, ok := groups[definer]; !ok {
			order = append(order, definer)
		}
		groups[definer] = append(groups[definer], lessons[i])
	}

	clusters := make([]LessonCluster, 0, len(order))
	for _, tok := range order {
		clusters = append(clusters, LessonCluster{Token: tok, Lessons: groups[tok]})
	}
	return clusters, nil
}

func definingToken(tokens []string, freq map[string]int) string {
	best := ""
	bestScore := -1.0
	for _, tok := range tokens {
		f := freq[tok]
		if f == 0 {
			continue
		}
		score := float64(len(tok)) / float64(f)
		if score > bestScore {
			bestScore = score
			best = tok
		}
	}
	return best
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}
