package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/nevindra/parley"
)

// relayWindow bounds how much history one iteration flush may pull.
const relayWindow = 50

// relayEvents streams a conversation's events into its chat. Transcript
// content is flushed once per iteration; control events are rendered as
// short notes. The relay exits on the terminal event or when ctx ends.
func (a *App) relayEvents(ctx context.Context, chatID, convID string) {
	events, err := a.adapter.StreamEvents(ctx, convID)
	if err != nil {
		a.logger.Warn("event stream failed", "conversation", convID, "error", err)
		return
	}

	var lastFlushed time.Time

	for ev := range events {
		switch ev.Type {
		case parley.EventIterationComplete:
			lastFlushed = a.flushTranscript(ctx, chatID, convID, lastFlushed)
		case parley.EventError:
			if ev.Content != "" {
				a.reply(ctx, chatID, "⚠️ "+ev.Content)
			}
		case parley.EventRunComplete:
			// Flush whatever the final iteration produced before signing off.
			a.flushTranscript(ctx, chatID, convID, lastFlushed)
			a.reply(ctx, chatID, "Conversation finished.")
		}

		if ev.Terminal() {
			a.setSession(chatID, nil)
			return
		}
	}
}

// flushTranscript sends transcript entries newer than since to the chat and
// returns the timestamp of the last entry sent.
func (a *App) flushTranscript(ctx context.Context, chatID, convID string, since time.Time) time.Time {
	lab, err := a.adapter.Lab(convID)
	if err != nil {
		return since
	}

	last := since
	for _, e := range lab.History(relayWindow) {
		if !e.T.After(since) {
			continue
		}
		if text := formatEntry(e); text != "" {
			if _, err := a.bot.Send(ctx, chatID, text); err != nil {
				a.logger.Warn("relay send failed", "chat", chatID, "error", err)
			}
		}
		if e.T.After(last) {
			last = e.T
		}
	}
	return last
}

// formatEntry renders one transcript entry as a chat message. System
// bookkeeping entries and echoed user messages are skipped.
func formatEntry(e parley.Entry) string {
	if e.Content == "" {
		return ""
	}
	switch e.Role {
	case parley.RoleAgent:
		return fmt.Sprintf("*%s*\n%s", e.AgentID, e.Content)
	case parley.RoleModerator:
		return fmt.Sprintf("*%s (moderator)*\n%s", e.AgentID, e.Content)
	case parley.RoleSummarizer:
		return fmt.Sprintf("*%s (summary)*\n%s", e.AgentID, e.Content)
	default:
		return ""
	}
}
