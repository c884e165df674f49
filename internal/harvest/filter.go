package harvest

import (
	"strings"
	"unicode/utf8"

	"github.com/agrisubsidy/harvest-cli/internal/textnorm"
)

// Skip reasons reported for pages that are fetched but not stored.
const (
	SkipTooShort         = "too_short"
	SkipNoContentKeyword = "no_content_keyword"
	SkipLanguageMismatch = "language_mismatch"
	SkipBlocked          = "blocked"
)

// Filter rejects pages that are unlikely to describe a subsidy.
type Filter struct {
	MinTextLength int
	Detector      LanguageDetector
}

// Check returns the skip reason for content found on site, or "" when the
// page should be kept. The detected language is returned either way.
func (f Filter) Check(c *Content, site SiteConfig) (reason, language string) {
	if utf8.RuneCountInString(c.Text) < f.MinTextLength {
		return SkipTooShort, ""
	}
	if !textnorm.ContainsAny(c.Text, site.ContentKeywords) {
		return SkipNoContentKeyword, ""
	}
	if f.Detector != nil {
		if lang, ok := f.Detector.Detect(c.Text); ok {
			language = lang
			if site.Language != "" && !strings.EqualFold(site.Language, lang) {
				return SkipLanguageMismatch, language
			}
		}
	}
	return "", language
}
