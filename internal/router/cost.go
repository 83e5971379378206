package router

import "math"

// ── Cost Helpers ────────────────────────────────────────────

// Rate is a price in JPY per 1K tokens.
type Rate struct {
	Input  float64
	Output float64
}

// defaultRates are list prices converted to JPY per 1K tokens.
var defaultRates = map[string]Rate{
	"gpt-4o":                    {Input: 0.375, Output: 1.5},
	"gpt-4o-mini":               {Input: 0.0225, Output: 0.09},
	"gpt-4-turbo":               {Input: 1.5, Output: 4.5},
	"claude-sonnet-4-20250514":  {Input: 0.45, Output: 2.25},
	"claude-3-5-haiku-20241022": {Input: 0.15, Output: 0.75},
	"claude-opus-4-20250514":    {Input: 2.25, Output: 11.25},
}

// fallbackRate prices models missing from the table.
var fallbackRate = Rate{Input: 0.15, Output: 0.6}

// RateFor returns the per-1K rate for model.
func RateFor(model string) Rate {
	if r, ok := defaultRates[model]; ok {
		return r
	}
	return fallbackRate
}

// EstimateCostJPY returns the estimated cost of a call, rounded to four
// decimal places.
func EstimateCostJPY(model string, inputTokens, outputTokens int64) float64 {
	r := RateFor(model)
	cost := float64(inputTokens)/1000*r.Input + float64(outputTokens)/1000*r.Output
	return math.Round(cost*10000) / 10000
}
