package parley

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimitRPM(t *testing.T) {
	p := scriptReplies("one", "two")
	r := WithRateLimit(p, RPM(2))

	ctx := context.Background()
	if _, err := r.Chat(ctx, ChatRequest{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Chat(ctx, ChatRequest{}); err != nil {
		t.Fatal(err)
	}

	// The third request must block; a short deadline surfaces that.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := r.Chat(blocked, ChatRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("third request = %v, want to block past the budget", err)
	}
	if p.callCount() != 2 {
		t.Errorf("inner provider saw %d calls, want 2", p.callCount())
	}
}

func TestRateLimitTPMSoftLimit(t *testing.T) {
	p := newScriptProvider(
		ChatResponse{Content: "big", Usage: Usage{InputTokens: 600, OutputTokens: 500}},
		ChatResponse{Content: "never sent"},
	)
	r := WithRateLimit(p, TPM(1000))

	ctx := context.Background()
	// First request passes; its usage blows the budget after the fact.
	if _, err := r.Chat(ctx, ChatRequest{}); err != nil {
		t.Fatal(err)
	}

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := r.Chat(blocked, ChatRequest{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second request = %v, want to block until the window slides", err)
	}
}

func TestRateLimitUnlimited(t *testing.T) {
	p := scriptReplies()
	r := WithRateLimit(p)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := r.Chat(ctx, ChatRequest{}); err != nil {
			t.Fatal(err)
		}
	}
	if r.Name() != "script" {
		t.Errorf("name = %q", r.Name())
	}
}

func TestRateLimitErrorNotCounted(t *testing.T) {
	p := newScriptProvider().failWith(&ErrHTTP{Status: 500})
	p.responses = []ChatResponse{{Content: "ok", Usage: Usage{InputTokens: 900, OutputTokens: 200}}}
	r := WithRateLimit(p, TPM(1000))

	ctx := context.Background()
	// The failed call records no usage, so the next call is not throttled.
	if _, err := r.Chat(ctx, ChatRequest{}); err == nil {
		t.Fatal("want the injected error")
	}
	if _, err := r.Chat(ctx, ChatRequest{}); err != nil {
		t.Fatal(err)
	}
}
