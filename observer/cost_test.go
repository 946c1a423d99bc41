package observer

import (
	"math"
	"testing"
)

func TestCalculate(t *testing.T) {
	c := NewCostCalculator(nil)

	// gpt-4o-mini: 0.15 in / 0.60 out per million tokens.
	got := c.Calculate("gpt-4o-mini", 1_000_000, 1_000_000)
	if want := 0.75; got != want {
		t.Errorf("Calculate = %v, want %v", got, want)
	}

	got = c.Calculate("gpt-4o-mini", 10_000, 5_000)
	if want := 0.15*0.01 + 0.60*0.005; math.Abs(got-want) > 1e-12 {
		t.Errorf("Calculate = %v, want %v", got, want)
	}

	if got := c.Calculate("gpt-4o-mini", 0, 0); got != 0 {
		t.Errorf("zero tokens cost %v", got)
	}
}

func TestCalculateUnknownModel(t *testing.T) {
	c := NewCostCalculator(nil)
	if got := c.Calculate("some-local-model", 1_000_000, 1_000_000); got != 0 {
		t.Errorf("unknown model cost %v, want 0", got)
	}
}

func TestCalculateOverrides(t *testing.T) {
	c := NewCostCalculator(map[string]ModelPricing{
		"some-local-model": {InputPerMillion: 1.0, OutputPerMillion: 2.0},
		"gpt-4o-mini":      {InputPerMillion: 0, OutputPerMillion: 0},
	})

	if got := c.Calculate("some-local-model", 500_000, 500_000); got != 1.5 {
		t.Errorf("override cost = %v, want 1.5", got)
	}
	// Overrides replace defaults, not merge with them.
	if got := c.Calculate("gpt-4o-mini", 1_000_000, 0); got != 0 {
		t.Errorf("overridden default cost = %v, want 0", got)
	}
	// Untouched defaults survive.
	if got := c.Calculate("gpt-4o", 1_000_000, 0); got != 2.50 {
		t.Errorf("default cost = %v, want 2.5", got)
	}
}
