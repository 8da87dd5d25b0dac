package persona

import "strings"

const maxRoleLength = 500

// sanitizeRole truncates to 500 chars and strips control characters and
// templated delimiters ("{{", "}}", "${", "`"), per spec.md §4.6's role
// sanitization rule: a mutation must never let a distilled lesson or an
// LLM response inject executable-looking template syntax into a role.
func sanitizeRole(role string) string {
	var b strings.Builder
	for i := 0; i < len(role); i++ {
		c := role[i]
		if c < 0x20 || c == 0x7f {
			continue
		}
		if c == '{' || c == '}' || c == '$' || c == '`' {
			continue
		}
		b.WriteByte(c)
	}
	out := strings.TrimSpace(b.String())
	if len(out) > maxRoleLength {
		out = out[:maxRoleLength]
	}
	return out
}
