package parley

import "time"

// EventType discriminates the events a lab emits on its feed.
type EventType string

const (
	// EventProviderResult follows a successful provider call by a node.
	// Metadata carries "content_len".
	EventProviderResult EventType = "provider_result"
	// EventToolCall / EventToolResult / EventToolError bracket tool invocations.
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventToolError  EventType = "tool_error"
	// EventNodeSkipped marks a scheduled user turn with an empty queue.
	EventNodeSkipped EventType = "node_skipped"
	// EventIterationComplete closes every iteration. Content is empty;
	// Iter carries the iteration index.
	EventIterationComplete EventType = "iteration_complete"
	// EventModeratorAction reports a consumed moderator action. Metadata
	// carries "action" and, for rollbacks, "rollback".
	EventModeratorAction EventType = "moderator_action"
	// EventRunComplete is the terminal event of a Run or Stream call.
	EventRunComplete EventType = "run_complete"
	// EventError reports a per-turn failure that did not stop the lab, or a
	// fatal failure (Metadata["fatal"] = true) that did.
	EventError EventType = "error"
	// EventUserMessage is emitted when a user message is posted with the
	// immediate option.
	EventUserMessage EventType = "user_message"
	// EventHeartbeat keeps long-lived adapter streams alive on idle gaps.
	// Only the adapter emits it; it never appears on a lab's own feed.
	EventHeartbeat EventType = "heartbeat"
)

// Event is one item on a lab's event feed. Within a thread, Seq is strictly
// increasing and Iter is non-decreasing; across threads there is no ordering.
type Event struct {
	ThreadID string         `json:"thread_id"`
	Type     EventType      `json:"event_type"`
	Iter     int            `json:"iteration"`
	AgentID  string         `json:"agent_id,omitempty"`
	Role     Role           `json:"role,omitempty"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	T        time.Time      `json:"timestamp"`
	Seq      uint64         `json:"seq"`
}

// Terminal reports whether the event ends a conversation stream.
func (e Event) Terminal() bool {
	if e.Type == EventRunComplete {
		return true
	}
	if e.Type == EventError && e.Metadata != nil {
		fatal, _ := e.Metadata["fatal"].(bool)
		return fatal
	}
	return false
}

// EmitFunc receives events produced during a node turn. A nil EmitFunc is
// valid and discards everything.
type EmitFunc func(Event)
