// Package cost prices provider calls from token usage.
package cost

import "strings"

// Rates holds per-model pricing for the text-generation provider.
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

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the USD cost of one call. An unlisted model is priced by
// its family (haiku, sonnet, opus) and otherwise at the most expensive
// listed rate, so cost ceilings never see a free call.
func (c *Calculator) Claude(model string, input, output, cacheWrite, cacheRead int64) float64 {
	rate := c.rateFor(model)

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

func (c *Calculator) rateFor(model string) ModelRate {
	if rate, ok := c.rates.Anthropic[model]; ok {
		return rate
	}
	for _, family := range []string{"haiku", "sonnet", "opus"} {
		if !strings.Contains(model, family) {
			continue
		}
		for name, rate := range c.rates.Anthropic {
			if strings.Contains(name, family) {
				return rate
			}
		}
	}

	var worst ModelRate
	for _, rate := range c.rates.Anthropic {
		if rate.Output > worst.Output {
			worst = rate
		}
	}
	return worst
}

// WithOverrides returns a copy of r with the given models replaced or added.
func (r Rates) WithOverrides(over map[string]ModelRate) Rates {
	out := Rates{Anthropic: make(map[string]ModelRate, len(r.Anthropic)+len(over))}
	for k, v := range r.Anthropic {
		out.Anthropic[k] = v
	}
	for k, v := range over {
		out.Anthropic[k] = v
	}
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
