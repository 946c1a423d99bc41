package parley

import (
	"context"
	"encoding/json"
)

// Tool defines a node capability with one or more tool functions. Tools must
// be safe for concurrent invocation across threads; side effects are allowed
// but flow back into the conversation only through the returned result.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. Meta carries auxiliary data
// that nodes merge into their output metadata; the "citations" key is
// propagated to transcript entries.
type ToolResult struct {
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error string         `json:"error,omitempty"`
}

// Text renders the result payload for the chat plane: strings pass through,
// anything else is JSON-encoded. Failed results render their error.
func (r ToolResult) Text() string {
	if !r.OK {
		if r.Error != "" {
			return "error: " + r.Error
		}
		return "error: tool failed"
	}
	switch d := r.Data.(type) {
	case nil:
		return ""
	case string:
		return d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Citations extracts the "citations" meta entry, tolerating both []string and
// []any encodings (the latter appears after a JSON round trip).
func (r ToolResult) Citations() []string {
	if r.Meta == nil {
		return nil
	}
	switch v := r.Meta["citations"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, c := range v {
			if s, ok := c.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ToolRegistry holds all registered tools and dispatches execution.
type ToolRegistry struct {
	tools []Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{}
}

// Add registers a tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Definitions returns the definitions for a named subset, preserving the
// order of ids. Unknown ids are skipped.
func (r *ToolRegistry) Definitions(ids []string) []ToolDefinition {
	var defs []ToolDefinition
	for _, id := range ids {
		for _, t := range r.tools {
			for _, d := range t.Definitions() {
				if d.Name == id {
					defs = append(defs, d)
				}
			}
		}
	}
	return defs
}

// Has reports whether a tool function with the given name is registered.
func (r *ToolRegistry) Has(name string) bool {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return true
			}
		}
	}
	return false
}

// Execute dispatches a tool call by name.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t.Execute(ctx, name, args)
			}
		}
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}
