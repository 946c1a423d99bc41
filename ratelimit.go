package parley

import (
	"context"
	"sync"
	"time"
)

// rateLimitProvider throttles calls to the wrapped Provider. A lab with
// several agent nodes can fan out bursts of provider calls in one step;
// throttling here keeps the whole lab inside the upstream quota instead
// of each node guessing its own share.
type rateLimitProvider struct {
	inner Provider
	mu    sync.Mutex

	rpm      int
	requests []time.Time // send times inside the sliding minute

	tpm   int
	spent []tokenSpend // usage recorded inside the sliding minute
}

type tokenSpend struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rateLimitProvider.
type RateLimitOption func(*rateLimitProvider)

// RPM caps requests per minute. Zero or negative means no request cap.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// TPM caps tokens per minute, input and output combined. The cap is
// soft: usage is only known after a response arrives, so the request
// that crosses the line completes and later requests wait for the
// window to slide.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// WithRateLimit wraps p so that Chat blocks until the configured
// budgets allow the call. It composes with the other wrappers:
//
//	llm = parley.WithRateLimit(provider, parley.RPM(60))
//	llm = parley.WithRateLimit(parley.WithRetry(provider), parley.RPM(60), parley.TPM(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.acquire(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.spend(resp.Usage)
	}
	return resp, err
}

// acquire blocks until both budgets have room, then claims a request
// slot. Returns ctx.Err() if the context ends first.
func (r *rateLimitProvider) acquire(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		r.slide(now)

		if r.roomForRequest() && r.roomForTokens() {
			if r.rpm > 0 {
				r.requests = append(r.requests, now)
			}
			r.mu.Unlock()
			return nil
		}

		wait := r.nextOpening(now)
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// slide drops window entries older than one minute. Both slices are
// append-only in time order, so a single scan from the front suffices.
func (r *rateLimitProvider) slide(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(r.requests) && r.requests[i].Before(cutoff) {
		i++
	}
	r.requests = r.requests[i:]
	j := 0
	for j < len(r.spent) && r.spent[j].at.Before(cutoff) {
		j++
	}
	r.spent = r.spent[j:]
}

func (r *rateLimitProvider) roomForRequest() bool {
	return r.rpm <= 0 || len(r.requests) < r.rpm
}

func (r *rateLimitProvider) roomForTokens() bool {
	if r.tpm <= 0 {
		return true
	}
	total := 0
	for _, s := range r.spent {
		total += s.tokens
	}
	return total < r.tpm
}

// nextOpening returns how long until the oldest blocking entry leaves
// its window, with a small floor so a cleared window re-checks promptly.
func (r *rateLimitProvider) nextOpening(now time.Time) time.Duration {
	var wait time.Duration
	if !r.roomForRequest() && len(r.requests) > 0 {
		wait = r.requests[0].Add(time.Minute).Sub(now)
	}
	if !r.roomForTokens() && len(r.spent) > 0 {
		if w := r.spent[0].at.Add(time.Minute).Sub(now); wait == 0 || w < wait {
			wait = w
		}
	}
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	return wait
}

// spend records a response's token usage against the TPM window.
// Failed calls never reach here, so errors cost nothing.
func (r *rateLimitProvider) spend(u Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.spent = append(r.spent, tokenSpend{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

var _ Provider = (*rateLimitProvider)(nil)
