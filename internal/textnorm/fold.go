// Package textnorm normalises French text for keyword matching.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lower-cases s and strips diacritics, so "Éligibilité" and
// "eligibilite" compare equal. Typographic apostrophes become ASCII.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.NewReplacer("\u2019", "'", "\u2018", "'", "\u00a0", " ", "\u202f", " ").Replace(out)
	return strings.ToLower(out)
}

// ContainsAny reports whether the folded text contains any of the folded
// keywords. Empty keywords are ignored.
func ContainsAny(text string, keywords []string) bool {
	folded := Fold(text)
	for _, kw := range keywords {
		kw = Fold(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(folded, kw) {
			return true
		}
	}
	return false
}

// CollapseSpace trims s and collapses runs of whitespace into single spaces.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
