// Package cost attributes USD cost to AI token usage.
package cost

import (
	"go.uber.org/zap"

	"github.com/agrisubsidy/harvest-cli/internal/config"
	"github.com/agrisubsidy/harvest-cli/internal/model"
)

// Rates holds per-model pricing.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Usage is the token breakdown of one call.
type Usage struct {
	Input      int
	Output     int
	CacheWrite int
	CacheRead  int
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost of a Claude API call. Unknown models cost 0.
func (c *Calculator) Claude(modelID string, u Usage) float64 {
	rate, ok := c.rates.Anthropic[modelID]
	if !ok {
		return 0
	}
	inCost := (float64(u.Input) / 1e6) * rate.Input
	outCost := (float64(u.Output) / 1e6) * rate.Output
	cwCost := (float64(u.CacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(u.CacheRead) / 1e6) * rate.Input * rate.CacheReadMul
	return inCost + outCost + cwCost + crCost
}

// Attribute prices u and logs it against phase.
func (c *Calculator) Attribute(modelID, phase string, u Usage) model.TokenUsage {
	out := model.TokenUsage{
		InputTokens:  u.Input + u.CacheWrite + u.CacheRead,
		OutputTokens: u.Output,
		Cost:         c.Claude(modelID, u),
	}
	zap.L().Info("cost: attribution",
		zap.String("model", modelID),
		zap.String("phase", phase),
		zap.Int("input_tokens", u.Input),
		zap.Int("output_tokens", u.Output),
		zap.Int("cache_write_tokens", u.CacheWrite),
		zap.Int("cache_read_tokens", u.CacheRead),
		zap.Float64("estimated_cost_usd", out.Cost),
	)
	return out
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
	}
}

// RatesFrom overlays configured prices on the defaults. Configured models
// keep the default cache multipliers.
func RatesFrom(p config.PricingConfig) Rates {
	rates := DefaultRates()
	for id, mp := range p.Anthropic {
		r := ModelRate{CacheWriteMul: 1.25, CacheReadMul: 0.1}
		if def, ok := rates.Anthropic[id]; ok {
			r = def
		}
		r.Input = mp.Input
		r.Output = mp.Output
		rates.Anthropic[id] = r
	}
	return rates
}
