package router

import (
	"strings"
	"unicode"
)

// Normalize lowercases, drops apostrophes, turns other punctuation into
// spaces and collapses whitespace. It is the cache key and the text the
// rule tier matches against.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '’':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
