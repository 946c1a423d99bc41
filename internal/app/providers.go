package app

import (
	"os"
	"sync"

	"github.com/nevindra/parley"
	"github.com/nevindra/parley/observer"
	"github.com/nevindra/parley/provider/openaicompat"
)

// registeringPresets resolves presets and, on first resolution, registers
// the preset's declared providers into the shared registry with retry and
// rate-limit middleware applied. The adapter then resolves provider ids the
// usual way.
type registeringPresets struct {
	inner     parley.PresetSource
	providers *parley.ProviderRegistry
	inst      *observer.Instruments

	mu   sync.Mutex
	seen map[string]bool
}

func (r *registeringPresets) Get(ref string) (*parley.Preset, error) {
	p, err := r.inner.Get(ref)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.seen[ref] {
		for _, spec := range p.Providers {
			r.providers.AddNamed(spec.ID, buildProvider(spec, r.inst))
		}
		r.seen[ref] = true
	}
	return p, nil
}

// BuildProviders constructs a registry from a preset's provider specs, with
// middleware applied. Used by the CLI, which runs one preset directly.
func BuildProviders(p *parley.Preset, inst *observer.Instruments) *parley.ProviderRegistry {
	reg := parley.NewProviderRegistry()
	for _, spec := range p.Providers {
		reg.AddNamed(spec.ID, buildProvider(spec, inst))
	}
	return reg
}

// buildProvider turns one provider spec into a middleware-wrapped provider.
func buildProvider(spec parley.ProviderSpec, inst *observer.Instruments) parley.Provider {
	apiKey := ""
	if spec.APIKeyEnv != "" {
		apiKey = os.Getenv(spec.APIKeyEnv)
	}

	var reqOpts []openaicompat.Option
	if spec.Temp > 0 {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(spec.Temp))
	}

	var p parley.Provider = openaicompat.NewProvider(apiKey, spec.Model, spec.BaseURL,
		openaicompat.WithName(spec.ID),
		openaicompat.WithOptions(reqOpts...),
	)

	if inst != nil {
		p = observer.WrapProvider(p, spec.Model, inst)
	}
	if spec.RPM > 0 || spec.TPM > 0 {
		p = parley.WithRateLimit(p, parley.RPM(spec.RPM), parley.TPM(spec.TPM))
	}
	if spec.MaxRetries > 0 {
		p = parley.WithRetry(p, parley.RetryMaxAttempts(spec.MaxRetries))
	}
	return p
}
