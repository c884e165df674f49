package model

// TokenUsage tracks token consumption of AI calls.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.Cost += other.Cost
}

// Total returns input plus output tokens.
func (t TokenUsage) Total() int {
	return t.InputTokens + t.OutputTokens
}
