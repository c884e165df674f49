package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agrisubsidy/harvest-cli/internal/textnorm"
)

var frenchMonths = map[string]time.Month{
	"janvier": time.January, "fevrier": time.February, "mars": time.March,
	"avril": time.April, "mai": time.May, "juin": time.June,
	"juillet": time.July, "aout": time.August, "septembre": time.September,
	"octobre": time.October, "novembre": time.November, "decembre": time.December,
}

var (
	reLongDate  = regexp.MustCompile(`(\d{1,2})(?:er)?\s+(janvier|fevrier|mars|avril|mai|juin|juillet|aout|septembre|octobre|novembre|decembre)\s+(\d{4})`)
	reSlashDate = regexp.MustCompile(`(\d{1,2})[/.-](\d{1,2})[/.-](\d{4})`)
	reISODate   = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)

	reMultiplier = regexp.MustCompile(`^\s*(millions?|m€|m\b|k€|k\b|milliers?)`)
)

// parseFrenchNumber parses "5 000", "5.000", "1 234,50" or "0,2". Spaces and
// dots between digit groups are thousands separators; a comma is decimal.
func parseFrenchNumber(s string) (float64, bool) {
	s = strings.TrimSpace(textnorm.Fold(s))
	s = strings.Map(func(r rune) rune {
		if r == ' ' {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return 0, false
	}
	switch {
	case strings.Contains(s, ","):
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	case strings.Contains(s, "."):
		// "5.000" is five thousand; "2.5" is two and a half.
		if i := strings.Index(s, "."); len(s)-i-1 == 3 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// applyMultiplier scales n by a "k€" or "millions" suffix found at the
// start of rest.
func applyMultiplier(n float64, rest string) float64 {
	m := reMultiplier.FindStringSubmatch(strings.ToLower(rest))
	if m == nil {
		return n
	}
	switch {
	case strings.HasPrefix(m[1], "millier"), strings.HasPrefix(m[1], "k"):
		return n * 1e3
	default:
		return n * 1e6
	}
}

// parseFrenchDate finds the first date in s. Supported forms are
// "31 décembre 2025", "1er mars 2025", "31/12/2025" and "2025-12-31".
func parseFrenchDate(s string) (time.Time, bool) {
	folded := textnorm.Fold(s)
	type hit struct {
		at int
		t  time.Time
	}
	var best *hit
	consider := func(at int, t time.Time) {
		if best == nil || at < best.at {
			best = &hit{at: at, t: t}
		}
	}

	if m := reLongDate.FindStringSubmatchIndex(folded); m != nil {
		day, _ := strconv.Atoi(folded[m[2]:m[3]])
		year, _ := strconv.Atoi(folded[m[6]:m[7]])
		if t, ok := makeDate(year, frenchMonths[folded[m[4]:m[5]]], day); ok {
			consider(m[0], t)
		}
	}
	if m := reSlashDate.FindStringSubmatchIndex(folded); m != nil {
		day, _ := strconv.Atoi(folded[m[2]:m[3]])
		month, _ := strconv.Atoi(folded[m[4]:m[5]])
		year, _ := strconv.Atoi(folded[m[6]:m[7]])
		if t, ok := makeDate(year, time.Month(month), day); ok {
			consider(m[0], t)
		}
	}
	if m := reISODate.FindStringSubmatchIndex(folded); m != nil {
		year, _ := strconv.Atoi(folded[m[2]:m[3]])
		month, _ := strconv.Atoi(folded[m[4]:m[5]])
		day, _ := strconv.Atoi(folded[m[6]:m[7]])
		if t, ok := makeDate(year, time.Month(month), day); ok {
			consider(m[0], t)
		}
	}
	if best == nil {
		return time.Time{}, false
	}
	return best.t, true
}

func makeDate(year int, month time.Month, day int) (time.Time, bool) {
	if month < time.January || month > time.December || day < 1 || day > 31 || year < 1900 || year > 2200 {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

// NormalizeDate rewrites a recognisable date as YYYY-MM-DD and leaves
// anything else unchanged.
func NormalizeDate(s string) string {
	if t, ok := parseFrenchDate(s); ok {
		return t.Format(time.DateOnly)
	}
	return strings.TrimSpace(s)
}
