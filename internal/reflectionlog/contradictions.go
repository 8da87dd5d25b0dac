package reflectionlog

import (
	"context"
	"fmt"
)

// Contradiction is one pair of active goals flagged as textually opposed.
type Contradiction struct {
	GoalA Goal
	GoalB Goal
	Token string
}

var defaultConflictPairs = [][2]string{
	{"minimize", "maximize"},
	{"increase", "decrease"},
	{"low", "high"},
	{"fast", "slow"},
	{"short", "long"},
	{"start", "stop"},
	{"enable", "disable"},
}

const maxContradictions = 50

// RegisterConflictPair adds a custom word pair to the contradiction
// vocabulary DetectContradictions checks, alongside the builtin pairs.
func (l *Log) RegisterConflictPair(a, b string) {
	l.conflictMu.Lock()
	defer l.conflictMu.Unlock()
	l.extraConflictPairs = append(l.extraConflictPairs, [2]string{a, b})
}

func (l *Log) conflictPairs() [][2]string {
	l.conflictMu.Lock()
	defer l.conflictMu.Unlock()
	return append(append([][2]string{}, defaultConflictPairs...), l.extraConflictPairs...)
}

// DetectContradictions implements spec.md §4.3's O(N) contradiction scan:
// bucket active goals by token via an inverted index, then within each
// bucket pairwise-check for an explicit conflict-pair hit. Results are
// capped at 50.
func (l *Log) DetectContradictions(ctx context.Context) ([]Contradiction, error) {
	goals, err := l.ActiveGoals(ctx)
	if err != nil {
		return nil, err
	}

	byToken := map[string][]Goal{}
	for _, g := range goals {
		for _, t := range tokenize(g.Description) {
			byToken[t] = append(byToken[t], g)
		}
	}

	pairs := l.conflictPairs()
	seen := map[[2]int64]bool{}
	var out []Contradiction

	for _, bucket := range byToken {
		for i := 0; i < len(bucket) && len(out) < maxContradictions; i++ {
			for j := i + 1; j < len(bucket) && len(out) < maxContradictions; j++ {
				a, b := bucket[i], bucket[j]
				if a.ID == b.ID {
					continue
				}
				key := [2]int64{a.ID, b.ID}
				if a.ID > b.ID {
					key = [2]int64{b.ID, a.ID}
				}
				if seen[key] {
					continue
				}

				if token, ok := conflicts(tokenize(a.Description), tokenize(b.Description), pairs); ok {
					seen[key] = true
					out = append(out, Contradiction{GoalA: a, GoalB: b, Token: token})
				}
			}
		}
		if len(out) >= maxContradictions {
			break
		}
	}
	return out, nil
}

func conflicts(tokensA, tokensB []string, pairs [][2]string) (string, bool) {
	setA := tokenSetOf(tokensA)
	setB := tokenSetOf(tokensB)
	for _, pair := range pairs {
		if setA[pair[0]] && setB[pair[1]] {
			return pair[0] + "/" + pair[1], true
		}
		if setA[pair[1]] && setB[pair[0]] {
			return pair[1] + "/" + pair[0], true
		}
	}
	return "", false
}

func tokenSetOf(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// HasActiveContradiction reports whether candidateText textually collides
// with any active goal's description through a registered conflict pair,
// the check the Strategic Planner's conflict gate (spec.md §4.6 step 5)
// uses before committing a proposed persona role.
func (l *Log) HasActiveContradiction(ctx context.Context, candidateText string) (bool, error) {
	goals, err := l.ActiveGoals(ctx)
	if err != nil {
		return false, err
	}
	pairs := l.conflictPairs()
	candidateTokens := tokenize(candidateText)
	for _, g := range goals {
		if _, ok := conflicts(candidateTokens, tokenize(g.Description), pairs); ok {
			return true, nil
		}
	}
	return false, nil
}

// CrossPollinateGoals implements spec.md §4.3's crossPollinateGoals: for
// every supplied stable-persona mutation reasoning, insert a system goal
// "Systemic Best-Practice: <reasoning>" if no goal with that exact
// description already exists, checked in a single batch round trip.
func (l *Log) CrossPollinateGoals(ctx context.Context, sessionID string, reasonings []string) (int, error) {
	if len(reasonings) == 0 {
		return 0, nil
	}
	descriptions := make([]string, len(reasonings))
	for i, r := range reasonings {
		descriptions[i] = fmt.Sprintf("Systemic Best-Practice: %s", r)
	}

	exists, err := l.GoalExistsWithDescription(ctx, descriptions)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, desc := range descriptions {
		if exists[desc] {
			continue
		}
		if _, err := l.DeconstructGoal(ctx, sessionID, nil, desc, 0, nil); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}
