package resolve

import (
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldName lowercases s, strips diacritics and punctuation, and collapses
// whitespace, so "Zoë  O'Brien" and "zoe obrien" compare equal.
func foldName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '-':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// similarity is the Levenshtein similarity of two folded names in [0,1].
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return levenshtein.Similarity(a, b, nil)
}

// nameScore is the best similarity of subject against an entry's full
// name, its first name, its last name, and its aliases.
func nameScore(subject, name string, aliases []string) float64 {
	s := foldName(subject)
	if s == "" {
		return 0
	}
	full := foldName(name)
	best := similarity(s, full)

	if parts := strings.Fields(full); len(parts) > 1 {
		best = max(best, similarity(s, parts[0]))
		best = max(best, similarity(s, parts[len(parts)-1]))
	}
	for _, a := range aliases {
		best = max(best, similarity(s, foldName(a)))
	}
	return best
}
