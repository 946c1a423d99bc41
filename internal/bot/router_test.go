package bot

import (
	"strings"
	"testing"
	"time"

	"github.com/nevindra/parley"
	"github.com/nevindra/parley/internal/config"
)

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		in         string
		head, tail string
	}{
		{"/new debate", "/new", "debate"},
		{"/new debate  the weather ", "/new", "debate  the weather"},
		{"/pause", "/pause", ""},
		{"  /say hello there  ", "/say", "hello there"},
		{"", "", ""},
	}
	for _, tc := range cases {
		head, tail := splitCommand(tc.in)
		if head != tc.head || tail != tc.tail {
			t.Errorf("splitCommand(%q) = %q, %q", tc.in, head, tail)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0198a3f2-9b7c-7000-8000-000000000000"); got != "0198a3f2" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}

func TestAllowed(t *testing.T) {
	open := New(&config.Config{}, nil, nil, nil)
	if !open.allowed("anyone") {
		t.Error("empty allow-list should admit everyone")
	}

	cfg := &config.Config{}
	cfg.Telegram.AllowedUserID = "42"
	locked := New(cfg, nil, nil, nil)
	if !locked.allowed("42") || locked.allowed("43") {
		t.Error("allow-list not enforced")
	}
}

func TestSessionLifecycle(t *testing.T) {
	a := New(&config.Config{}, nil, nil, nil)
	if a.session("chat-1") != nil {
		t.Error("session before set")
	}

	var cancelled bool
	a.setSession("chat-1", &chatSession{convID: "c1", cancel: func() { cancelled = true }})
	if s := a.session("chat-1"); s == nil || s.convID != "c1" {
		t.Fatalf("session = %+v", a.session("chat-1"))
	}

	// Replacing a session cancels the old relay.
	a.setSession("chat-1", &chatSession{convID: "c2"})
	if !cancelled {
		t.Error("old session not cancelled")
	}
	a.setSession("chat-1", nil)
	if a.session("chat-1") != nil {
		t.Error("session not cleared")
	}
}

func TestFormatStatus(t *testing.T) {
	text := formatStatus(parley.ConversationInfo{
		ID:     "0198a3f2-9b7c-7000-8000-000000000000",
		Preset: "debate",
		Topic:  "the weather",
		Status: parley.ConversationActive,
		Rounds: 6,
	})
	for _, want := range []string{"0198a3f2", "debate", "the weather", "Rounds: 6"} {
		if !strings.Contains(text, want) {
			t.Errorf("status %q missing %q", text, want)
		}
	}

	noTopic := formatStatus(parley.ConversationInfo{ID: "x", Preset: "p"})
	if strings.Contains(noTopic, "Topic:") {
		t.Errorf("status = %q", noTopic)
	}
}

func TestFormatEntry(t *testing.T) {
	now := time.Now()
	cases := []struct {
		e    parley.Entry
		want string
	}{
		{parley.Entry{T: now, AgentID: "alpha", Role: parley.RoleAgent, Content: "hi"}, "*alpha*\nhi"},
		{parley.Entry{T: now, AgentID: "mod", Role: parley.RoleModerator, Content: "steady"}, "*mod (moderator)*\nsteady"},
		{parley.Entry{T: now, AgentID: "sum", Role: parley.RoleSummarizer, Content: "recap"}, "*sum (summary)*\nrecap"},
		{parley.Entry{T: now, AgentID: "alice", Role: parley.RoleUser, Content: "hello"}, ""},
		{parley.Entry{T: now, AgentID: "system", Role: parley.RoleSystem, Content: "topic"}, ""},
		{parley.Entry{T: now, AgentID: "alpha", Role: parley.RoleAgent, Content: ""}, ""},
	}
	for i, tc := range cases {
		if got := formatEntry(tc.e); got != tc.want {
			t.Errorf("case %d: formatEntry = %q, want %q", i, got, tc.want)
		}
	}
}
