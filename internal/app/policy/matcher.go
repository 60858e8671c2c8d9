package policy

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// pattern is one compiled trigger. Literal phrases match case-insensitively
// on word boundaries; /expr/ is a case-insensitive regular expression.
type pattern struct {
	source  string
	literal string // lowercased phrase, empty for regex patterns
	re      *regexp.Regexp
}

func compilePattern(src string) (pattern, error) {
	s := strings.TrimSpace(src)
	if s == "" {
		return pattern{}, fmt.Errorf("empty pattern")
	}

	if len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		expr := s[1 : len(s)-1]
		if expr == "" {
			return pattern{}, fmt.Errorf("empty regular expression")
		}
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return pattern{}, fmt.Errorf("pattern %q: %w", s, err)
		}
		return pattern{source: s, re: re}, nil
	}

	phrase := strings.ToLower(strings.Join(strings.Fields(s), " "))
	expr := regexp.QuoteMeta(phrase)
	// Internal runs of whitespace in the input match any whitespace.
	expr = strings.ReplaceAll(expr, " ", `\s+`)
	if isWordRune(firstRune(phrase)) {
		expr = `\b` + expr
	}
	if isWordRune(lastRune(phrase)) {
		expr += `\b`
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return pattern{}, fmt.Errorf("pattern %q: %w", s, err)
	}
	return pattern{source: s, literal: phrase, re: re}, nil
}

func (p pattern) isRegex() bool { return p.literal == "" }

func (p pattern) match(text string) bool {
	return p.re.MatchString(text)
}

func compilePatterns(srcs []string) ([]pattern, error) {
	out := make([]pattern, 0, len(srcs))
	for _, s := range srcs {
		p, err := compilePattern(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func matchAny(ps []pattern, text string) (pattern, bool) {
	for _, p := range ps {
		if p.match(text) {
			return p, true
		}
	}
	return pattern{}, false
}

// overlaps reports whether some input could trigger both patterns in an
// obvious way: equal phrases, one phrase inside the other, a regex matching
// the other's phrase, or identical regexes.
func overlaps(a, b pattern) bool {
	switch {
	case !a.isRegex() && !b.isRegex():
		return a.literal == b.literal || a.re.MatchString(b.literal) || b.re.MatchString(a.literal)
	case a.isRegex() && b.isRegex():
		return a.re.String() == b.re.String()
	case a.isRegex():
		return a.re.MatchString(b.literal)
	default:
		return b.re.MatchString(a.literal)
	}
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

func lastRune(s string) rune {
	var last rune
	for _, r := range s {
		last = r
	}
	return last
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
