package parley

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// retryProvider wraps a Provider and automatically retries transient HTTP
// errors (status 429 Too Many Requests and 503 Service Unavailable) with
// exponential backoff. Retries stay inside the provider adapter; the lab
// never retries a turn itself.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles: baseDelay, 2×baseDelay, …
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryTimeout sets the overall timeout for the entire retry sequence. If
// the total time across all attempts exceeds this duration, the retry loop
// gives up and returns the last error. Zero (default) disables the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. When set,
// retries log at WARN and final failures after exhausting attempts at
// ERROR. If not set, a no-op logger is used.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient HTTP errors (429,
// 503). Retries use exponential backoff with jitter. When the error
// includes a Retry-After duration, the retry delay is at least that long.
// Compose with any Provider:
//
//	llm = parley.WithRetry(openaicompat.NewProvider(key, model, url))
//	llm = parley.WithRetry(p, parley.RetryMaxAttempts(5))
//	llm = parley.WithRetry(p, parley.RetryTimeout(30*time.Second))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Name delegates to the inner provider.
func (r *retryProvider) Name() string { return r.inner.Name() }

// Chat implements Provider with retry.
func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var last error
	for i := 0; i < r.maxAttempts; i++ {
		resp, err := r.inner.Chat(ctx, req)
		if err == nil || !isTransient(err) {
			return resp, err
		}
		last = err
		r.logger.Warn("retrying transient error",
			"provider", r.inner.Name(),
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(r.baseDelay, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ChatResponse{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", last)
	return ChatResponse{}, last
}

// withTimeout returns a child context with a deadline if r.timeout is set.
// If timeout is zero or ctx already has an earlier deadline, returns ctx
// unchanged. The caller must call the returned CancelFunc when done.
func (r *retryProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum. The effective delay is max(backoff, retryAfter).
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// ParseRetryAfter parses an HTTP Retry-After header value: either a delay
// in seconds or an HTTP date. Returns 0 when the header is empty or
// unparseable. Provider adapters use it to fill ErrHTTP.RetryAfter.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// compile-time check
var _ Provider = (*retryProvider)(nil)
