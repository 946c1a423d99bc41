package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/nevindra/parley"
)

func TestFormatDigest(t *testing.T) {
	listings := []parley.Listing{
		{Title: "Road bike", Price: 250, Currency: "USD", URL: "https://x/1"},
		{Title: "Desk", Price: 40, Currency: "EUR", URL: "https://x/2"},
		{Title: "Lamp", Price: 15, Currency: "USD", URL: "https://x/3"},
		{Title: "Chair", Price: 30, Currency: "USD", URL: "https://x/4"},
		{Title: "Rug", Price: 20, Currency: "USD", URL: "https://x/5"},
	}
	text := FormatDigest("bike-deals", listings)

	if !strings.Contains(text, "Found 5 deals") {
		t.Errorf("digest = %q", text)
	}
	if !strings.Contains(text, "Road bike") || !strings.Contains(text, "250 USD") {
		t.Errorf("digest missing top listing: %q", text)
	}
	// Only the top results are detailed.
	if strings.Contains(text, "Chair") {
		t.Errorf("digest details more than %d listings", notifyTopN)
	}
	if !strings.Contains(text, "and 2 more") {
		t.Errorf("digest = %q", text)
	}
}

func TestFormatDigestEmpty(t *testing.T) {
	text := FormatDigest("bike-deals", nil)
	if !strings.Contains(text, "bike-deals") || !strings.Contains(text, "no deals") {
		t.Errorf("digest = %q", text)
	}
	if text := FormatDigest("", nil); !strings.Contains(text, "No deals") {
		t.Errorf("digest = %q", text)
	}
}

func TestNotifierDeliver(t *testing.T) {
	var gotBody map[string]any
	b := testBot(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"ok":true,"result":{"message_id":8}}`))
	})

	n, err := NewNotifier(b, "chat-9")
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	if n.Name() != "telegram" {
		t.Errorf("name = %q", n.Name())
	}

	cfg := parley.TaskConfig{ID: "deals", Name: "bike-deals"}
	listings := []parley.Listing{{Title: "Bike", Price: 99, Currency: "USD", URL: "https://x/1"}}
	if err := n.Deliver(context.Background(), cfg, listings); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if gotBody["chat_id"] != "chat-9" {
		t.Errorf("chat_id = %v", gotBody["chat_id"])
	}
	text, _ := gotBody["text"].(string)
	if !strings.Contains(text, "Bike") {
		t.Errorf("text = %q", text)
	}
}

func TestNotifierDeliverError(t *testing.T) {
	b := testBot(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests"}`))
	})
	n, _ := NewNotifier(b, "c")
	err := n.Deliver(context.Background(), parley.TaskConfig{ID: "t"}, nil)
	if err == nil || !strings.Contains(err.Error(), "telegram sink") {
		t.Errorf("err = %v", err)
	}
}

func TestNewNotifierValidation(t *testing.T) {
	if _, err := NewNotifier(nil, "c"); err == nil {
		t.Error("nil bot accepted")
	}
	if _, err := NewNotifier(NewBot("t"), ""); err == nil {
		t.Error("empty chat id accepted")
	}
}
