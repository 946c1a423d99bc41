package openaicompat

import "net/http"

// ProviderOption configures a Provider at construction time.
type ProviderOption func(*Provider)

// WithName sets the name reported by Name() (default "openai"). Register
// several compatible backends under distinct names to address them from
// preset node specs.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient swaps the HTTP client, e.g. for proxies or test servers.
// Per-call deadlines still come from the request timeout.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithOptions appends request options applied to every chat call this
// provider makes.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}
