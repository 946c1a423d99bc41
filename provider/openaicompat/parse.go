package openaicompat

import (
	"encoding/json"

	"github.com/nevindra/parley"
)

// ParseResponse converts an OpenAI-format ChatResponse to a parley
// ChatResponse. It extracts content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (parley.ChatResponse, error) {
	var out parley.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = parley.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to parley ToolCalls.
// OpenAI returns function.arguments as a JSON string; we parse it into
// json.RawMessage.
func ParseToolCalls(tcs []ToolCallRequest) []parley.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]parley.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		// Malformed arguments degrade to an empty object rather than
		// poisoning the tool loop.
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, parley.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
