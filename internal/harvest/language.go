package harvest

import (
	"strings"
	"sync"

	"github.com/pemistahl/lingua-go"
)

// LanguageDetector guesses the ISO 639-1 language of a text. ok is false
// when no language is reliably detected.
type LanguageDetector interface {
	Detect(text string) (code string, ok bool)
}

// maxDetectRunes bounds how much text the detector looks at.
const maxDetectRunes = 4000

// LinguaDetector detects the languages of European aid portals. The
// underlying models load on first use.
type LinguaDetector struct {
	once     sync.Once
	detector lingua.LanguageDetector
}

// NewLinguaDetector creates a detector restricted to French, English,
// German, Spanish and Italian.
func NewLinguaDetector() *LinguaDetector {
	return &LinguaDetector{}
}

func (d *LinguaDetector) build() {
	d.detector = lingua.NewLanguageDetectorBuilder().
		FromLanguages(lingua.French, lingua.English, lingua.German, lingua.Spanish, lingua.Italian).
		WithMinimumRelativeDistance(0.2).
		Build()
}

// Detect implements LanguageDetector.
func (d *LinguaDetector) Detect(text string) (string, bool) {
	d.once.Do(d.build)
	if r := []rune(text); len(r) > maxDetectRunes {
		text = string(r[:maxDetectRunes])
	}
	lang, ok := d.detector.DetectLanguageOf(text)
	if !ok {
		return "", false
	}
	return strings.ToLower(lang.IsoCode639_1().String()), true
}
