package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short"); len(got) != 1 || got[0] != "short" {
		t.Errorf("short split = %v", got)
	}

	// Long text splits at a newline boundary when one is in range.
	long := strings.Repeat("a", 4000) + "\n" + strings.Repeat("b", 500)
	chunks := splitMessage(long)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Error("first chunk does not end at the newline")
	}
	if chunks[1] != strings.Repeat("b", 500) {
		t.Errorf("second chunk = %d chars", len(chunks[1]))
	}

	// No newline anywhere: hard split at the limit.
	solid := strings.Repeat("x", maxMessageLength+10)
	chunks = splitMessage(solid)
	if len(chunks) != 2 || len(chunks[0]) != maxMessageLength || len(chunks[1]) != 10 {
		t.Errorf("solid chunks = %d: %d, %d", len(chunks), len(chunks[0]), len(chunks[1]))
	}
}

func TestMapToIncoming(t *testing.T) {
	m := &Message{
		MessageID:      77,
		Chat:           Chat{ID: -100123},
		Text:           "/start",
		From:           &User{ID: 9, Username: "pat"},
		ReplyToMessage: &Message{MessageID: 42},
	}
	got := mapToIncoming(m)
	if got.ID != "77" || got.ChatID != "-100123" || got.Text != "/start" {
		t.Errorf("msg = %+v", got)
	}
	if got.UserID != "9" || got.Username != "pat" || got.ReplyToMsgID != "42" {
		t.Errorf("msg = %+v", got)
	}

	bare := mapToIncoming(&Message{MessageID: 1, Chat: Chat{ID: 2}})
	if bare.UserID != "" || bare.ReplyToMsgID != "" {
		t.Errorf("bare msg = %+v", bare)
	}
}

func testBot(t *testing.T, handler http.HandlerFunc) *Bot {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBot("TOKEN", WithBaseURL(srv.URL))
}

func TestSendPlain(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	b := testBot(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"ok":true,"result":{"message_id":501}}`))
	})

	id, err := b.SendPlain(context.Background(), "chat-1", "hello there")
	if err != nil {
		t.Fatalf("SendPlain: %v", err)
	}
	if id != "501" {
		t.Errorf("message id = %q", id)
	}
	if gotPath != "/botTOKEN/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["text"] != "hello there" || gotBody["parse_mode"] != nil {
		t.Errorf("body = %v", gotBody)
	}
}

func TestSendFormatsHTML(t *testing.T) {
	var gotBody map[string]any
	b := testBot(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	})

	if _, err := b.Send(context.Background(), "c", "**bold** move"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotBody["parse_mode"] != "HTML" {
		t.Errorf("parse_mode = %v", gotBody["parse_mode"])
	}
	text, _ := gotBody["text"].(string)
	if !strings.Contains(text, "<b>bold</b>") {
		t.Errorf("text = %q", text)
	}
}

func TestCallAPIError(t *testing.T) {
	b := testBot(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error_code":403,"description":"bot was blocked by the user"}`))
	})

	_, err := b.SendPlain(context.Background(), "c", "hi")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("err = %v", err)
	}
}

func TestEditSwallowsNotModified(t *testing.T) {
	b := testBot(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: message is not modified"}`))
	})

	if err := b.Edit(context.Background(), "c", "10", "same text"); err != nil {
		t.Errorf("Edit: %v", err)
	}
	if err := b.Edit(context.Background(), "c", "not-a-number", "x"); err == nil {
		t.Error("bad message id accepted")
	}
}

func TestEditFormattedFallsBack(t *testing.T) {
	var calls []map[string]any
	b := testBot(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		calls = append(calls, body)
		if body["parse_mode"] == "HTML" {
			w.Write([]byte(`{"ok":false,"error_code":400,"description":"can't parse entities"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})

	if err := b.EditFormatted(context.Background(), "c", "10", "<broken"); err != nil {
		t.Fatalf("EditFormatted: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want HTML then plain", len(calls))
	}
	if calls[1]["parse_mode"] != nil {
		t.Errorf("fallback still HTML: %v", calls[1])
	}
}
