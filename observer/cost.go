package observer

// ModelPricing is the USD price of one million input and output tokens.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing covers the models a preset is likely to name. Anything
// served through an OpenAI-compatible gateway under one of these names
// is priced the same way; entries can be extended or replaced via
// [observer.pricing] in parley.toml.
var DefaultPricing = map[string]ModelPricing{
	// OpenAI
	"gpt-4o":       {2.50, 10.00},
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4.1":      {2.00, 8.00},
	"gpt-4.1-mini": {0.40, 1.60},
	"gpt-4.1-nano": {0.10, 0.40},
	"o3-mini":      {1.10, 4.40},

	// Gemini (OpenAI-compatible endpoint)
	"gemini-2.0-flash":      {0.10, 0.40},
	"gemini-2.0-flash-lite": {0, 0},
	"gemini-2.5-flash":      {0.15, 0.60},
	"gemini-2.5-flash-lite": {0, 0},
	"gemini-2.5-pro":        {1.25, 10.00},

	// Anthropic
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-3-5":  {0.80, 4.00},
	"claude-opus-4":     {15.00, 75.00},
}

// CostCalculator turns the token usage reported on a node turn into a
// USD figure for the run_usage span attribute.
type CostCalculator struct {
	pricing map[string]ModelPricing
}

// NewCostCalculator merges overrides on top of DefaultPricing. An
// override for a known model replaces its default entirely.
func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for name, p := range DefaultPricing {
		merged[name] = p
	}
	for name, p := range overrides {
		merged[name] = p
	}
	return &CostCalculator{pricing: merged}
}

// Calculate prices a single turn. Unknown models cost 0 rather than
// erroring: cost tracking is advisory and must never fail a turn.
func (c *CostCalculator) Calculate(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.pricing[model]
	if !ok {
		return 0
	}
	in := float64(inputTokens) / 1_000_000 * p.InputPerMillion
	out := float64(outputTokens) / 1_000_000 * p.OutputPerMillion
	return in + out
}
