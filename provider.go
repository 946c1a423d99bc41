package parley

import (
	"context"
	"fmt"
	"sync"
)

// Provider abstracts an LLM backend. One Chat call per non-tool turn; when
// req.Tools is non-empty the response may carry ToolCalls instead of content.
//
// Implementations must be safe for concurrent use across threads. Transport
// failures are returned as *ErrHTTP or *ErrLLM; retry policy belongs to
// provider middleware (WithRetry), never to the lab.
type Provider interface {
	// Name identifies the provider for logs and error messages.
	Name() string
	// Chat sends the request and returns the complete response. The call must
	// honor ctx cancellation and req.Timeout.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ProviderRegistry is a named lookup of providers, shared by all nodes of a
// lab. Safe for concurrent use.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Add registers p under p.Name(), replacing any previous entry.
func (r *ProviderRegistry) Add(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// AddNamed registers p under an explicit id, letting a preset reference the
// same backend twice with different generation settings.
func (r *ProviderRegistry) AddNamed(id string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
}

// Get returns the provider registered under id.
func (r *ProviderRegistry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", id)
	}
	return p, nil
}

// Names returns the registered provider ids in no particular order.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}
