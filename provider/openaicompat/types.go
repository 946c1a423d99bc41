// Package openaicompat speaks the OpenAI chat-completions dialect.
// One request/response shape covers OpenAI itself plus the compatible
// gateways (OpenRouter, Groq, llama.cpp servers), so every preset node
// resolves to this package regardless of which vendor hosts the model.
package openaicompat

import "encoding/json"

// ChatRequest is the request body POSTed to /chat/completions.
// Optional knobs are pointers so omitempty can tell "unset" from zero.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Tools            []Tool          `json:"tools,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
	ToolChoice       any             `json:"tool_choice,omitempty"`
}

// ResponseFormat requests structured output. Type is "json_schema"
// when a schema is attached.
type ResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

// JSONSchema names the schema the model must emit. Strict mode makes
// compliant servers reject any deviation instead of best-efforting.
type JSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

// Message is one entry in the conversation sent to the model. Assistant
// turns may carry ToolCalls; tool turns echo the call id they answer.
type Message struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
}

// Tool is the function-typed envelope the API expects around a
// function definition.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function declares a callable tool to the model.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCallRequest is a tool invocation, either requested by the model
// or replayed back to it in an assistant message.
type ToolCallRequest struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its arguments as the raw JSON
// string the model produced.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatResponse is the completion body returned by the server.
type ChatResponse struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one candidate completion; ParseResponse reads the first.
type Choice struct {
	Index        int            `json:"index"`
	Message      *ChoiceMessage `json:"message,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

// ChoiceMessage is the assistant turn inside a choice.
type ChoiceMessage struct {
	Role      string            `json:"role,omitempty"`
	Content   string            `json:"content,omitempty"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
	Refusal   string            `json:"refusal,omitempty"`
}

// Usage reports token consumption in the server's prompt/completion
// vocabulary; the provider maps it onto input/output counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
