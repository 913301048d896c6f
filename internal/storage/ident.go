package storage

import "strings"

// maxIdentLength fits the strictest backend (Postgres truncates at 63 bytes).
const maxIdentLength = 63

// Ident turns a record key such as "hr:name[type]" or "@id" into a portable
// column or table identifier: lower-case ASCII letters, digits and
// underscores, not starting with a digit, at most 63 bytes. Runs of other
// characters collapse into one underscore.
func Ident(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(key)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			underscore = false
		default:
			if !underscore && b.Len() > 0 {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	s := strings.TrimRight(b.String(), "_")
	if s == "" {
		s = "col"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "c_" + s
	}
	if len(s) > maxIdentLength {
		s = strings.TrimRight(s[:maxIdentLength], "_")
	}
	return s
}
