package parley

import (
	"encoding/json"
	"time"
)

// --- Transcript plane ---

// Role classifies who produced a transcript entry.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAgent      Role = "agent"
	RoleModerator  Role = "moderator"
	RoleSummarizer Role = "summarizer"
)

// Entry is one turn in a thread's append-only transcript. Entries are never
// mutated after being written; a moderator rollback removes entries from the
// live window only and appends a marker entry to the durable record.
type Entry struct {
	T        time.Time      `json:"t"`
	Iter     int            `json:"iter"`
	AgentID  string         `json:"agent_id"`
	Role     Role           `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IsRollbackMarker reports whether the entry marks a moderator rollback.
func (e Entry) IsRollbackMarker() bool {
	if e.Role != RoleSystem || e.Metadata == nil {
		return false
	}
	_, ok := e.Metadata[rollbackMetaKey]
	return ok
}

// rollbackMetaKey carries the number of rolled-back entries on a marker entry.
const rollbackMetaKey = "rollback"

// Thread identifies one persistent conversation.
type Thread struct {
	ID        string `json:"id"`
	PresetRef string `json:"preset_ref"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// --- Chat plane (provider protocol) ---

type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	// ResponseSchema, when set, asks the provider for JSON output matching the
	// schema. Used by the moderator node.
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
	// Timeout bounds the provider call. Zero means the provider default.
	Timeout time.Duration `json:"-"`
}

type ChatResponse struct {
	Content   string         `json:"content"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	Usage     Usage          `json:"usage"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
