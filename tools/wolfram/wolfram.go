// Package wolfram implements a factual-answer tool backed by the
// WolframAlpha Short Answers API.
package wolfram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nevindra/parley"
)

const endpoint = "https://api.wolframalpha.com/v1/result"

// Tool answers short factual and computational queries.
type Tool struct {
	appID  string
	client *http.Client
}

// ToolOption configures a wolfram Tool.
type ToolOption func(*Tool)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ToolOption {
	return func(t *Tool) { t.client = c }
}

// New creates a wolfram Tool. appID is the WolframAlpha application id.
func New(appID string, opts ...ToolOption) *Tool {
	t := &Tool{
		appID:  appID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definitions() []parley.ToolDefinition {
	return []parley.ToolDefinition{{
		Name:        "wolfram_alpha",
		Description: "Answer factual, mathematical and scientific questions with a short computed result. Use for calculations, unit conversions, dates, and quantitative facts.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"The question, phrased as a short natural-language query"}},"required":["query"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (parley.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return parley.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(params.Query) == "" {
		return parley.ToolResult{Error: "query must not be empty"}, nil
	}

	answer, err := t.Query(ctx, params.Query)
	if err != nil {
		return parley.ToolResult{Error: err.Error()}, nil
	}
	return parley.ToolResult{
		OK:   true,
		Data: answer,
		Meta: map[string]any{"citations": []string{"https://www.wolframalpha.com"}},
	}, nil
}

// Query sends one question to the Short Answers API.
func (t *Tool) Query(ctx context.Context, query string) (string, error) {
	u := fmt.Sprintf("%s?appid=%s&i=%s", endpoint, url.QueryEscape(t.appID), url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("wolfram error: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<10))
	switch resp.StatusCode {
	case http.StatusOK:
		return strings.TrimSpace(string(body)), nil
	case http.StatusNotImplemented:
		// The API answers 501 when it cannot compute a short answer.
		return "", fmt.Errorf("no short answer available for %q", query)
	default:
		return "", fmt.Errorf("wolfram API %d: %s", resp.StatusCode, string(body))
	}
}

var _ parley.Tool = (*Tool)(nil)
