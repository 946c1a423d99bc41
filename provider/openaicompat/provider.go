package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nevindra/parley"
)

// Provider implements parley.Provider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, ParseResponse)
// to handle body building and response parsing.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other provider
// that implements the OpenAI chat completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
//
// Provider-level options (WithOptions(WithTemperature(...)), etc.) are
// applied to every request.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a chat request and returns the complete response. When
// req.Tools is non-empty, the response may contain ToolCalls. A non-zero
// req.Timeout bounds the whole HTTP exchange.
func (p *Provider) Chat(ctx context.Context, req parley.ChatRequest) (parley.ChatResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	body := BuildBody(req.Messages, req.Tools, p.model, req.ResponseSchema, p.opts...)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return parley.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parley.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return parley.ChatResponse{}, &parley.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return ParseResponse(chatResp)
}

// sendHTTP marshals the request body and sends it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &parley.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &parley.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry
// middleware. Parses the Retry-After header when present (429/503).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &parley.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: parley.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ parley.Provider = (*Provider)(nil)
