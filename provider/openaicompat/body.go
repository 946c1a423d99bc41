package openaicompat

import (
	"encoding/json"

	"github.com/nevindra/parley"
)

// BuildBody converts parley ChatMessages and a model name into an
// OpenAI-format ChatRequest. System messages are kept in the messages array
// as role:"system". A non-empty schema asks for structured JSON output via
// response_format. Options configure generation parameters.
func BuildBody(messages []parley.ChatMessage, tools []parley.ToolDefinition, model string, schema json.RawMessage, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			// Assistant message with tool calls.
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, Message{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: tcs,
			})

		case m.Role == "tool":
			// Tool result message.
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			msgs = append(msgs, Message{
				Role:    m.Role,
				Content: m.Content,
			})
		}
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}

	// Structured output: enforce JSON response matching the schema.
	if len(schema) > 0 {
		req.ResponseFormat = &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   "response",
				Schema: schema,
				Strict: true,
			},
		}
	}

	for _, opt := range opts {
		opt(&req)
	}

	return req
}

// BuildToolDefs converts parley ToolDefinitions to OpenAI tool format.
func BuildToolDefs(tools []parley.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
