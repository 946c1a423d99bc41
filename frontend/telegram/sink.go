package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nevindra/parley"
)

// notifyTopN bounds how many listings a single notification details.
const notifyTopN = 3

// Notifier delivers task pipeline results to a Telegram chat. It implements
// the task Sink interface: each delivery becomes one message summarizing the
// top listings.
type Notifier struct {
	bot    *Bot
	chatID string
	logger *slog.Logger
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithNotifierLogger sets the logger for delivery diagnostics.
func WithNotifierLogger(l *slog.Logger) NotifierOption {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewNotifier creates a sink that posts listing digests to chatID via bot.
func NewNotifier(bot *Bot, chatID string, opts ...NotifierOption) (*Notifier, error) {
	if bot == nil {
		return nil, &parley.InvalidArgumentError{Arg: "bot", Reason: "must not be nil"}
	}
	if chatID == "" {
		return nil, &parley.InvalidArgumentError{Arg: "chatID", Reason: "must not be empty"}
	}
	n := &Notifier{
		bot:    bot,
		chatID: chatID,
		logger: slog.New(nopLogHandler{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Name identifies the sink in logs and task configs.
func (n *Notifier) Name() string { return "telegram" }

// Deliver posts a digest of the listings to the configured chat. An empty
// batch is delivered as a short "nothing found" note so the subscriber knows
// the task ran.
func (n *Notifier) Deliver(ctx context.Context, cfg parley.TaskConfig, listings []parley.Listing) error {
	text := FormatDigest(cfg.Name, listings)
	msgID, err := n.bot.SendPlain(ctx, n.chatID, text)
	if err != nil {
		return fmt.Errorf("telegram sink: %w", err)
	}
	n.logger.Debug("delivered listing digest",
		"task", cfg.ID, "chat", n.chatID, "listings", len(listings), "message_id", msgID)
	return nil
}

// FormatDigest renders a batch of listings as a notification message.
// The top results are detailed; the rest are counted.
func FormatDigest(taskName string, listings []parley.Listing) string {
	if len(listings) == 0 {
		if taskName != "" {
			return fmt.Sprintf("🔍 %s: no deals found this run.", taskName)
		}
		return "🔍 No deals found this run."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🔍 Found %d deals:\n\n", len(listings))

	for i, l := range listings {
		if i >= notifyTopN {
			fmt.Fprintf(&sb, "… and %d more.\n", len(listings)-notifyTopN)
			break
		}
		fmt.Fprintf(&sb, "%d. %s\n", i+1, l.Title)
		fmt.Fprintf(&sb, "   💰 %g %s\n", l.Price, l.Currency)
		fmt.Fprintf(&sb, "   🔗 %s\n\n", l.URL)
	}

	return strings.TrimRight(sb.String(), "\n")
}
