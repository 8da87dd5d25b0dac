package knowledge

import (
	"regexp"
	"strings"
)

var (
	quotedRe      = regexp.MustCompile(`"([^"]{3,})"|'([^']{3,})'`)
	capitalizedRe = regexp.MustCompile(`\b[A-Z][a-zA-Z]{2,}(?:\s[A-Z][a-zA-Z]{2,})*\b`)
	camelCaseRe   = regexp.MustCompile(`\b[a-z]+(?:[A-Z][a-z0-9]*)+\b`)
)

// extractCandidateEntities pulls entity-shaped tokens out of fact per
// spec.md §4.1's autoLink tokenizer: capitalized phrases, quoted strings,
// and camelCase identifiers, each over length 2.
func extractCandidateEntities(fact string) []string {
	seen := map[string]bool{}
	var out []string

	add := func(s string) {
		s = strings.TrimSpace(s)
		if len(s) > 2 && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	for _, m := range quotedRe.FindAllStringSubmatch(fact, -1) {
		if m[1] != "" {
			add(m[1])
		} else if m[2] != "" {
			add(m[2])
		}
	}
	for _, m := range capitalizedRe.FindAllString(fact, -1) {
		add(m)
	}
	for _, m := range camelCaseRe.FindAllString(fact, -1) {
		add(m)
	}
	return out
}

var tokenSplitRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// tokenSet lowercases and splits text into a de-duplicated token set, the
// basis for the Jaccard similarity used by autoLink and consolidateKnowledge.
func tokenSet(text string) map[string]bool {
	tokens := tokenSplitRe.Split(strings.ToLower(text), -1)
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if len(t) > 2 {
			set[t] = true
		}
	}
	return set
}

// jaccard computes |A∩B| / |A∪B| over two token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if b[t] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
