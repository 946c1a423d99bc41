package parley

import (
	"errors"
	"fmt"
	"time"
)

// ErrLLM reports a provider failure that is not a plain HTTP error
// (marshalling, malformed response body, transport breakage).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-2xx provider response. RetryAfter carries the parsed
// Retry-After header when the server sent one (429/503).
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ContractViolation means a node's output failed validation: malformed
// moderator JSON, a broken output contract, or a schema mismatch. The turn is
// abandoned and the lab continues.
type ContractViolation struct {
	Node   string
	Reason string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation in %s: %s", e.Node, e.Reason)
}

// ToolError reports a failed tool invocation (the tool itself errored, not
// the budget guard).
type ToolError struct {
	Tool   string
	Reason string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Reason)
}

// BudgetExceededError means a tool call would exceed its per-run or
// per-iteration budget. The call is refused and never retried.
type BudgetExceededError struct {
	Tool  string
	Scope string // "per_run" or "per_iteration"
	Limit int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("tool %s exceeded %s budget (%d)", e.Tool, e.Scope, e.Limit)
}

// FatalStoreError wraps a persistence failure. It is terminal for the thread:
// the lab sets the stop flag, transitions to errored, and surfaces the error
// from the active Run/Stream call.
type FatalStoreError struct {
	Op  string
	Err error
}

func (e *FatalStoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *FatalStoreError) Unwrap() error { return e.Err }

// InvalidArgumentError reports a caller contract violation (bad rounds count,
// empty content, unknown node id).
type InvalidArgumentError struct {
	Arg    string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Arg, e.Reason)
}

// InvalidPresetError reports a structurally broken or unknown preset.
type InvalidPresetError struct {
	Preset string
	Reason string
}

func (e *InvalidPresetError) Error() string {
	if e.Preset == "" {
		return "invalid preset: " + e.Reason
	}
	return fmt.Sprintf("invalid preset %q: %s", e.Preset, e.Reason)
}

// StreamingError reports a failure while forwarding a conversation's event
// stream to a consumer.
type StreamingError struct {
	ID     string
	Reason string
}

func (e *StreamingError) Error() string {
	return fmt.Sprintf("stream %s: %s", e.ID, e.Reason)
}

// Adapter surface sentinels. Matched with errors.Is.
var (
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationExists    = errors.New("conversation already exists")
	ErrConversationNotActive = errors.New("conversation not active")
	ErrCapacity              = errors.New("max concurrent conversations reached")
	ErrQueueFull             = errors.New("user message queue full")

	// ErrOpaqueCheckpoint marks a checkpoint that cannot be resumed because its
	// serialization is opaque (foreign snapshot marker or unknown version).
	ErrOpaqueCheckpoint = errors.New("checkpoint is opaque and cannot be resumed")

	// ErrLabBusy means a Run/Stream call was issued while another is active.
	ErrLabBusy = errors.New("lab already running")
)
