package extract

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNoJSON is returned when a model reply holds no JSON object.
var ErrNoJSON = eris.New("extract: no json object in reply")

// parseLenientJSON decodes the first balanced JSON object in text. Markdown
// code fences and prose around the object are ignored.
func parseLenientJSON(text string) (map[string]any, error) {
	obj := firstObject(stripFences(text))
	if obj == "" {
		return nil, ErrNoJSON
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return nil, eris.Wrap(err, "extract: decode reply json")
	}
	return out, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	for _, fence := range []string{"```json", "```JSON", "```"} {
		if strings.HasPrefix(text, fence) {
			text = strings.TrimPrefix(text, fence)
			if idx := strings.LastIndex(text, "```"); idx >= 0 {
				text = text[:idx]
			}
			break
		}
	}
	return strings.TrimSpace(text)
}

// firstObject returns the first {...} span whose braces balance, skipping
// braces inside string literals.
func firstObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
