package config

// ProviderPricing holds per-million-token prices used to estimate cost when a
// tool reports token counts but no cost.
type ProviderPricing struct {
	InputPerMTok  float64 `toml:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64 `toml:"output_per_mtok" yaml:"output_per_mtok"`
}

// PricingOverride allows user-defined pricing for a provider.
type PricingOverride struct {
	InputPerMTok  *float64 `toml:"input_per_mtok,omitempty" yaml:"input_per_mtok,omitempty"`
	OutputPerMTok *float64 `toml:"output_per_mtok,omitempty" yaml:"output_per_mtok,omitempty"`
}

// DefaultPricing maps built-in provider names to the list price of their
// default model.
var DefaultPricing = map[string]ProviderPricing{
	"claude": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"codex":  {InputPerMTok: 1.25, OutputPerMTok: 10.00},
	"gemini": {InputPerMTok: 1.25, OutputPerMTok: 10.00},
}

// LookupPricing returns the pricing for a provider with config overrides applied.
// Returns zero pricing and false if neither a default nor an override exists.
func (c Config) LookupPricing(provider string) (ProviderPricing, bool) {
	pricing, ok := DefaultPricing[provider]
	override := c.Providers[provider].Pricing
	if override == nil {
		return pricing, ok
	}
	if override.InputPerMTok != nil {
		pricing.InputPerMTok = *override.InputPerMTok
		ok = true
	}
	if override.OutputPerMTok != nil {
		pricing.OutputPerMTok = *override.OutputPerMTok
		ok = true
	}
	return pricing, ok
}

// CalculateCost computes the estimated cost in USD for the given token counts.
func (p ProviderPricing) CalculateCost(inputTokens, outputTokens int64) float64 {
	cost := float64(inputTokens) * p.InputPerMTok / 1_000_000
	cost += float64(outputTokens) * p.OutputPerMTok / 1_000_000
	return cost
}
