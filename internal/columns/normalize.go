package columns

import (
	"strings"
	"unicode"
)

// MaxIdentifierLength bounds normalized destination column names, matching
// the SQL Server identifier limit.
const MaxIdentifierLength = 128

// Normalize converts a user-supplied rename into a safe destination
// identifier:
//
//	trim surrounding whitespace
//	collapse internal whitespace runs to a single underscore
//	drop characters outside [A-Za-z0-9_]
//	truncate to MaxIdentifierLength
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(name string) string {
	name = strings.TrimSpace(name)

	var b strings.Builder
	b.Grow(len(name))

	pendingSep := false
	for _, r := range name {
		switch {
		case unicode.IsSpace(r):
			pendingSep = b.Len() > 0
		case r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9':
			if pendingSep {
				b.WriteByte('_')
				pendingSep = false
			}
			b.WriteRune(r)
		default:
			// Unsafe character, dropped
		}
	}

	out := b.String()
	if len(out) > MaxIdentifierLength {
		out = out[:MaxIdentifierLength]
		out = strings.TrimRight(out, "_")
	}
	return out
}
