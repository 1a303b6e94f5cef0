// Package cost prices model calls from their token usage.
package cost

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates maps a provider model name to its pricing.
type Rates map[string]ModelRate

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Tokens computes the USD cost of one call. Unknown models and a nil
// calculator cost 0.
func (c *Calculator) Tokens(model string, input, output int64) float64 {
	if c == nil {
		return 0
	}
	rate, ok := c.rates[model]
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Known reports whether model has a price.
func (c *Calculator) Known(model string) bool {
	if c == nil {
		return false
	}
	_, ok := c.rates[model]
	return ok
}

// With returns a copy of the rates with overrides applied on top.
func (r Rates) With(overrides Rates) Rates {
	out := make(Rates, len(r)+len(overrides))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001":  {Input: 1.00, Output: 5.00},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		"claude-opus-4-1-20250805":   {Input: 15.00, Output: 75.00},
		"gemini-2.5-flash":           {Input: 0.30, Output: 2.50},
		"gemini-2.5-flash-lite":      {Input: 0.10, Output: 0.40},
		"gemini-2.5-pro":             {Input: 1.25, Output: 10.00},
	}
}
