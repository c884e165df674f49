package extract

import (
	"fmt"
	"strings"

	"github.com/agrisubsidy/harvest-cli/pkg/anthropic"
)

const systemPrompt = `Tu es un assistant qui extrait les conditions d'aides publiques agricoles
à partir de documents officiels français.

Réponds UNIQUEMENT avec un objet JSON conforme à ce schéma :
%s

Règles :
- "amount" est un tableau de un ou deux nombres en euros : [maximum] ou [minimum, maximum].
- "co_financing_rate" est un pourcentage entre 0 et 100 (20 pour 20 %%).
- "deadline" est une date au format AAAA-MM-JJ.
- Les champs de type liste sont toujours des tableaux, éventuellement vides.
- N'invente rien : omets un champ absent du document.`

// BuildSystemPrompt returns the cacheable instruction block for schema.
func BuildSystemPrompt(schema *Schema) string {
	return fmt.Sprintf(systemPrompt, schema.JSON())
}

// BuildRequest assembles the extraction request for text, truncated to
// maxChars runes when maxChars > 0.
func BuildRequest(schema *Schema, modelID string, maxTokens int64, text, fileName string, maxChars int) anthropic.MessageRequest {
	if r := []rune(text); maxChars > 0 && len(r) > maxChars {
		text = string(r[:maxChars])
	}
	var b strings.Builder
	if fileName != "" {
		fmt.Fprintf(&b, "Document : %s\n\n", fileName)
	}
	b.WriteString("<document>\n")
	b.WriteString(text)
	b.WriteString("\n</document>")

	temp := 0.0
	return anthropic.MessageRequest{
		Model:       modelID,
		MaxTokens:   maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(BuildSystemPrompt(schema), "1h"),
		Messages:    []anthropic.Message{{Role: "user", Content: b.String()}},
		Temperature: &temp,
	}
}
