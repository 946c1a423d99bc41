package parley

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// flakyProvider fails a fixed number of times before succeeding.
type flakyProvider struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) Chat(_ context.Context, _ ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return ChatResponse{}, p.err
	}
	return ChatResponse{Content: "recovered"}, nil
}

func TestRetryTransient(t *testing.T) {
	p := &flakyProvider{failures: 2, err: &ErrHTTP{Status: 429, Body: "slow down"}}
	r := WithRetry(p, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	resp, err := r.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "recovered" || p.calls != 3 {
		t.Errorf("content = %q after %d calls", resp.Content, p.calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	p := &flakyProvider{failures: 10, err: &ErrHTTP{Status: 503, Body: "unavailable"}}
	r := WithRetry(p, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	_, err := r.Chat(context.Background(), ChatRequest{})
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 503 {
		t.Fatalf("err = %v, want the last 503", err)
	}
	if p.calls != 2 {
		t.Errorf("provider called %d times, want 2", p.calls)
	}
}

func TestRetryNonTransient(t *testing.T) {
	p := &flakyProvider{failures: 10, err: &ErrHTTP{Status: 400, Body: "bad request"}}
	r := WithRetry(p, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	if _, err := r.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("want error")
	}
	if p.calls != 1 {
		t.Errorf("non-transient error retried %d times", p.calls-1)
	}

	p2 := &flakyProvider{failures: 10, err: &ErrLLM{Provider: "flaky", Message: "model melted"}}
	r2 := WithRetry(p2, RetryBaseDelay(time.Millisecond))
	if _, err := r2.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("want error")
	}
	if p2.calls != 1 {
		t.Errorf("ErrLLM retried %d times", p2.calls-1)
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	p := &flakyProvider{failures: 1, err: &ErrHTTP{Status: 429, RetryAfter: 80 * time.Millisecond}}
	r := WithRetry(p, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	start := time.Now()
	if _, err := r.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("retried after %v, want at least the Retry-After floor", elapsed)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	p := &flakyProvider{failures: 10, err: &ErrHTTP{Status: 429}}
	r := WithRetry(p, RetryMaxAttempts(5), RetryBaseDelay(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Chat(ctx, ChatRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded while backing off", err)
	}
	if p.calls != 1 {
		t.Errorf("provider called %d times", p.calls)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("30"); d != 30*time.Second {
		t.Errorf("seconds form = %v", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Errorf("empty = %v", d)
	}
	if d := ParseRetryAfter("-5"); d != 0 {
		t.Errorf("negative = %v", d)
	}
	if d := ParseRetryAfter("soonish"); d != 0 {
		t.Errorf("garbage = %v", d)
	}
	future := time.Now().Add(90 * time.Second).UTC().Format(time.RFC1123)
	// HTTP dates use GMT
	future = future[:len(future)-3] + "GMT"
	if d := ParseRetryAfter(future); d < 80*time.Second || d > 90*time.Second {
		t.Errorf("http-date form = %v", d)
	}
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC1123)
	past = past[:len(past)-3] + "GMT"
	if d := ParseRetryAfter(past); d != 0 {
		t.Errorf("past date = %v", d)
	}
}

func TestRetryName(t *testing.T) {
	r := WithRetry(&flakyProvider{})
	if r.Name() != "flaky" {
		t.Errorf("name = %q", r.Name())
	}
}
