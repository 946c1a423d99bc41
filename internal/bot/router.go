// Package bot routes Telegram chat commands to conversation adapter
// operations and relays lab events back into the chat.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/nevindra/parley"
	"github.com/nevindra/parley/frontend/telegram"
	"github.com/nevindra/parley/internal/config"
)

const helpText = `Commands:
/new <preset> [topic] - start a conversation
/say <text> - post a message into the conversation
/pause - pause the conversation
/resume - resume a paused conversation
/stop - stop the conversation
/topic <text> - change the topic
/rounds <n> - set remaining rounds
/status - show conversation status
/help - this message`

// App wires the Telegram bot to the conversation adapter. One conversation
// is tracked per chat; events from its lab stream into the chat as messages.
type App struct {
	bot     *telegram.Bot
	adapter *parley.Adapter
	cfg     *config.Config
	logger  *slog.Logger

	mu    sync.Mutex
	chats map[string]*chatSession // chatID -> active session
}

// chatSession tracks the conversation bound to one chat.
type chatSession struct {
	convID string
	cancel context.CancelFunc
}

// New creates the bot application.
func New(cfg *config.Config, bot *telegram.Bot, adapter *parley.Adapter, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		bot:     bot,
		adapter: adapter,
		cfg:     cfg,
		logger:  logger,
		chats:   make(map[string]*chatSession),
	}
}

// Run polls for messages and dispatches commands until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	msgs, err := a.bot.Poll(ctx)
	if err != nil {
		return fmt.Errorf("bot poll: %w", err)
	}

	a.logger.Info("bot running")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("bot shutting down")
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			go a.route(ctx, msg)
		}
	}
}

// route handles one incoming message.
func (a *App) route(ctx context.Context, msg telegram.IncomingMessage) {
	a.logger.Debug("received message", "user", msg.UserID, "chat", msg.ChatID)

	if !a.allowed(msg.UserID) {
		a.logger.Warn("unauthorized user", "user", msg.UserID)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	cmd, rest := splitCommand(text)
	switch cmd {
	case "/new":
		a.cmdNew(ctx, msg, rest)
	case "/say":
		a.cmdSay(ctx, msg, rest)
	case "/pause":
		a.cmdPause(ctx, msg)
	case "/resume":
		a.cmdResume(ctx, msg)
	case "/stop":
		a.cmdStop(ctx, msg)
	case "/topic":
		a.cmdTopic(ctx, msg, rest)
	case "/rounds":
		a.cmdRounds(ctx, msg, rest)
	case "/status":
		a.cmdStatus(ctx, msg)
	case "/help", "/start":
		a.reply(ctx, msg.ChatID, helpText)
	default:
		// Bare text in a chat with an active conversation is a user message.
		if a.session(msg.ChatID) != nil {
			a.cmdSay(ctx, msg, text)
			return
		}
		a.reply(ctx, msg.ChatID, "No active conversation. Use /new <preset> [topic] to start one, or /help.")
	}
}

// allowed checks the configured user allow-list. An empty allow-list means
// anyone can talk to the bot.
func (a *App) allowed(userID string) bool {
	if a.cfg.Telegram.AllowedUserID == "" {
		return true
	}
	return a.cfg.Telegram.AllowedUserID == userID
}

func (a *App) session(chatID string) *chatSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chats[chatID]
}

func (a *App) setSession(chatID string, s *chatSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if old := a.chats[chatID]; old != nil && old.cancel != nil {
		old.cancel()
	}
	if s == nil {
		delete(a.chats, chatID)
		return
	}
	a.chats[chatID] = s
}

func (a *App) cmdNew(ctx context.Context, msg telegram.IncomingMessage, rest string) {
	preset, topic := splitCommand(rest)
	if preset == "" {
		a.reply(ctx, msg.ChatID, "Usage: /new <preset> [topic]")
		return
	}

	id, err := a.adapter.StartConversation(ctx, parley.StartRequest{
		Preset: preset,
		Topic:  topic,
		UserID: msg.UserID,
	})
	if err != nil {
		a.reply(ctx, msg.ChatID, "Could not start conversation: "+err.Error())
		return
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.setSession(msg.ChatID, &chatSession{convID: id, cancel: cancel})
	go a.relayEvents(streamCtx, msg.ChatID, id)

	a.logger.Info("conversation started", "chat", msg.ChatID, "conversation", id, "preset", preset)
	a.reply(ctx, msg.ChatID, fmt.Sprintf("Started %s conversation %s.", preset, shortID(id)))
}

func (a *App) cmdSay(ctx context.Context, msg telegram.IncomingMessage, rest string) {
	s := a.session(msg.ChatID)
	if s == nil {
		a.reply(ctx, msg.ChatID, "No active conversation. Use /new first.")
		return
	}
	if rest == "" {
		a.reply(ctx, msg.ChatID, "Usage: /say <text>")
		return
	}
	if err := a.adapter.PostUserMessage(s.convID, rest, msg.UserID); err != nil {
		a.reply(ctx, msg.ChatID, "Could not post message: "+err.Error())
	}
}

func (a *App) cmdPause(ctx context.Context, msg telegram.IncomingMessage) {
	s := a.session(msg.ChatID)
	if s == nil {
		a.reply(ctx, msg.ChatID, "No active conversation.")
		return
	}
	if err := a.adapter.PauseConversation(s.convID); err != nil {
		a.reply(ctx, msg.ChatID, "Could not pause: "+err.Error())
		return
	}
	a.reply(ctx, msg.ChatID, "Paused.")
}

func (a *App) cmdResume(ctx context.Context, msg telegram.IncomingMessage) {
	s := a.session(msg.ChatID)
	if s == nil {
		a.reply(ctx, msg.ChatID, "No active conversation.")
		return
	}
	if err := a.adapter.ResumeConversation(s.convID); err != nil {
		a.reply(ctx, msg.ChatID, "Could not resume: "+err.Error())
		return
	}
	a.reply(ctx, msg.ChatID, "Resumed.")
}

func (a *App) cmdStop(ctx context.Context, msg telegram.IncomingMessage) {
	s := a.session(msg.ChatID)
	if s == nil {
		a.reply(ctx, msg.ChatID, "No active conversation.")
		return
	}
	if err := a.adapter.StopConversation(s.convID); err != nil {
		a.reply(ctx, msg.ChatID, "Could not stop: "+err.Error())
		return
	}
	a.reply(ctx, msg.ChatID, "Stopped.")
}

func (a *App) cmdTopic(ctx context.Context, msg telegram.IncomingMessage, rest string) {
	s := a.session(msg.ChatID)
	if s == nil {
		a.reply(ctx, msg.ChatID, "No active conversation.")
		return
	}
	if rest == "" {
		a.reply(ctx, msg.ChatID, "Usage: /topic <text>")
		return
	}
	if err := a.adapter.ChangeConversationTopic(ctx, s.convID, rest); err != nil {
		a.reply(ctx, msg.ChatID, "Could not change topic: "+err.Error())
		return
	}
	a.reply(ctx, msg.ChatID, "Topic changed.")
}

func (a *App) cmdRounds(ctx context.Context, msg telegram.IncomingMessage, rest string) {
	s := a.session(msg.ChatID)
	if s == nil {
		a.reply(ctx, msg.ChatID, "No active conversation.")
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || n <= 0 {
		a.reply(ctx, msg.ChatID, "Usage: /rounds <n>")
		return
	}
	if err := a.adapter.SetConversationRounds(s.convID, n); err != nil {
		a.reply(ctx, msg.ChatID, "Could not set rounds: "+err.Error())
		return
	}
	a.reply(ctx, msg.ChatID, fmt.Sprintf("Rounds set to %d.", n))
}

func (a *App) cmdStatus(ctx context.Context, msg telegram.IncomingMessage) {
	s := a.session(msg.ChatID)
	if s == nil {
		a.reply(ctx, msg.ChatID, "No active conversation.")
		return
	}
	info, err := a.adapter.GetConversation(s.convID)
	if err != nil {
		a.reply(ctx, msg.ChatID, "Conversation is gone: "+err.Error())
		a.setSession(msg.ChatID, nil)
		return
	}
	a.reply(ctx, msg.ChatID, formatStatus(info))
}

func (a *App) reply(ctx context.Context, chatID, text string) {
	if _, err := a.bot.SendPlain(ctx, chatID, text); err != nil {
		a.logger.Warn("send failed", "chat", chatID, "error", err)
	}
}

func formatStatus(info parley.ConversationInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Conversation %s\n", shortID(info.ID))
	fmt.Fprintf(&sb, "Preset: %s\n", info.Preset)
	if info.Topic != "" {
		fmt.Fprintf(&sb, "Topic: %s\n", info.Topic)
	}
	fmt.Fprintf(&sb, "Status: %s\n", info.Status)
	fmt.Fprintf(&sb, "Rounds: %d", info.Rounds)
	return sb.String()
}

// splitCommand splits "cmd rest of text" into its head and trimmed tail.
func splitCommand(text string) (string, string) {
	head, tail, found := strings.Cut(strings.TrimSpace(text), " ")
	if !found {
		return head, ""
	}
	return head, strings.TrimSpace(tail)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
