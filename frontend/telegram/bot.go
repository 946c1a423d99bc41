// Package telegram implements a Telegram Bot API client, a markdown-to-HTML
// renderer for Telegram's HTML subset, and a listing-notification sink for
// task pipelines.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

const (
	maxMessageLength = 4096
	apiBaseURL       = "https://api.telegram.org/bot"
)

// IncomingMessage is a normalized inbound message from a chat.
type IncomingMessage struct {
	ID           string
	ChatID       string
	UserID       string
	Username     string
	Text         string
	ReplyToMsgID string
}

// Bot is a long-polling Telegram Bot API client.
type Bot struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// BotOption configures a Bot.
type BotOption func(*Bot)

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) BotOption {
	return func(b *Bot) {
		if c != nil {
			b.httpClient = c
		}
	}
}

// WithBaseURL points the client at a different API endpoint, mainly for tests.
func WithBaseURL(u string) BotOption {
	return func(b *Bot) {
		if u != "" {
			b.baseURL = strings.TrimRight(u, "/") + "/bot"
		}
	}
}

// WithLogger sets the logger for poll diagnostics.
func WithLogger(l *slog.Logger) BotOption {
	return func(b *Bot) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBot creates a Telegram bot client with the given token.
func NewBot(token string, opts ...BotOption) *Bot {
	b := &Bot{
		token:      token,
		baseURL:    apiBaseURL,
		httpClient: &http.Client{},
		logger:     slog.New(nopLogHandler{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Poll starts long-polling for updates and returns a channel of incoming
// messages. The channel closes when ctx is cancelled.
func (b *Bot) Poll(ctx context.Context) (<-chan IncomingMessage, error) {
	ch := make(chan IncomingMessage)
	go b.pollLoop(ctx, ch)
	return ch, nil
}

func (b *Bot) pollLoop(ctx context.Context, ch chan<- IncomingMessage) {
	defer close(ch)
	var offset int64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := b.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("poll error", "error", err)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil {
				continue
			}
			msg := mapToIncoming(u.Message)
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Bot) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         30,
		"allowed_updates": []string{"message"},
	}
	var result []Update
	if err := b.callAPI(ctx, "getUpdates", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Send sends a message with HTML formatting. Text beyond Telegram's
// 4096-char limit is split into multiple messages. Returns the message ID
// of the last sent message.
func (b *Bot) Send(ctx context.Context, chatID string, text string) (string, error) {
	chunks := splitMessage(text)

	var lastMsgID string
	for _, chunk := range chunks {
		html := MarkdownToHTML(chunk)
		body := map[string]any{
			"chat_id":    chatID,
			"text":       html,
			"parse_mode": "HTML",
		}
		var result Message
		if err := b.callAPI(ctx, "sendMessage", body, &result); err != nil {
			return "", err
		}
		lastMsgID = strconv.FormatInt(result.MessageID, 10)
	}

	return lastMsgID, nil
}

// SendPlain sends a message without any parse mode. Used when the payload
// may contain characters that break Telegram's HTML parser.
func (b *Bot) SendPlain(ctx context.Context, chatID string, text string) (string, error) {
	var lastMsgID string
	for _, chunk := range splitMessage(text) {
		body := map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		}
		var result Message
		if err := b.callAPI(ctx, "sendMessage", body, &result); err != nil {
			return "", err
		}
		lastMsgID = strconv.FormatInt(result.MessageID, 10)
	}
	return lastMsgID, nil
}

// Edit updates a message with plain text (no parse_mode).
// Silently ignores "message is not modified" errors.
func (b *Bot) Edit(ctx context.Context, chatID string, msgID string, text string) error {
	msgIDInt, err := strconv.ParseInt(msgID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid message ID %q: %w", msgID, err)
	}
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": msgIDInt,
		"text":       text,
	}
	err = b.callAPI(ctx, "editMessageText", body, nil)
	if err != nil && isNotModifiedError(err) {
		return nil
	}
	return err
}

// EditFormatted updates a message with HTML formatting.
// Falls back to plain text Edit when Telegram rejects the HTML.
func (b *Bot) EditFormatted(ctx context.Context, chatID string, msgID string, text string) error {
	msgIDInt, err := strconv.ParseInt(msgID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid message ID %q: %w", msgID, err)
	}

	html := MarkdownToHTML(text)
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": msgIDInt,
		"text":       html,
		"parse_mode": "HTML",
	}
	err = b.callAPI(ctx, "editMessageText", body, nil)
	if err == nil {
		return nil
	}
	if isNotModifiedError(err) {
		return nil
	}

	// HTML rejected -- fall back to plain text
	return b.Edit(ctx, chatID, msgID, text)
}

// SendTyping shows a typing indicator.
func (b *Bot) SendTyping(ctx context.Context, chatID string) error {
	body := map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	}
	return b.callAPI(ctx, "sendChatAction", body, nil)
}

// callAPI posts JSON to a Telegram Bot API method and decodes the result.
func (b *Bot) callAPI(ctx context.Context, method string, reqBody any, result any) error {
	url := b.baseURL + b.token + "/" + method

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	// Parse the envelope to check ok/description
	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("telegram: decode response: %w (body: %s)", err, string(respBody))
	}

	if !envelope.OK {
		return &apiError{
			Code:        envelope.ErrorCode,
			Description: envelope.Description,
		}
	}

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}

	return nil
}

// apiError represents a Telegram API error response.
type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// isNotModifiedError checks if the error is a Telegram "message is not modified" error.
func isNotModifiedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "message is not modified")
}

// mapToIncoming converts a Telegram Message to an IncomingMessage.
func mapToIncoming(m *Message) IncomingMessage {
	msg := IncomingMessage{
		ID:     strconv.FormatInt(m.MessageID, 10),
		ChatID: strconv.FormatInt(m.Chat.ID, 10),
		Text:   m.Text,
	}

	if m.From != nil {
		msg.UserID = strconv.FormatInt(m.From.ID, 10)
		msg.Username = m.From.Username
	}

	if m.ReplyToMessage != nil {
		msg.ReplyToMsgID = strconv.FormatInt(m.ReplyToMessage.MessageID, 10)
	}

	return msg
}

// splitMessage splits text into chunks that fit within Telegram's 4096-char limit.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLength {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > 0 {
		if len(remaining) <= maxMessageLength {
			chunks = append(chunks, remaining)
			break
		}

		splitAt := remaining[:maxMessageLength]
		splitPos := strings.LastIndex(splitAt, "\n")
		if splitPos == -1 {
			splitPos = maxMessageLength
		} else {
			splitPos++ // include the newline in the current chunk
		}

		chunks = append(chunks, remaining[:splitPos])
		remaining = remaining[splitPos:]
	}

	return chunks
}

type nopLogHandler struct{}

func (nopLogHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopLogHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopLogHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopLogHandler) WithGroup(string) slog.Handler           { return h }
