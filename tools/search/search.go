// Package search implements a web search tool backed by the DuckDuckGo
// HTML endpoint, with readable-text extraction of the top results.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/nevindra/parley"
)

const (
	searchEndpoint  = "https://html.duckduckgo.com/html/"
	defaultResults  = 5
	maxPageBytes    = 512 << 10
	maxExtractChars = 4000
	userAgent       = "Mozilla/5.0 (compatible; ParleyBot/1.0)"
)

// Tool performs web searches and returns snippets plus extracted page text.
// Result URLs are reported in Meta["citations"] so nodes can propagate them
// to transcript entries.
type Tool struct {
	client     *http.Client
	maxResults int
	fetchPages bool
}

// ToolOption configures a search Tool.
type ToolOption func(*Tool)

// WithMaxResults caps how many results are returned (default: 5).
func WithMaxResults(n int) ToolOption {
	return func(t *Tool) {
		if n > 0 {
			t.maxResults = n
		}
	}
}

// WithoutPageFetch disables fetching result pages; only the search snippets
// are returned. Useful for tests and rate-limited environments.
func WithoutPageFetch() ToolOption {
	return func(t *Tool) { t.fetchPages = false }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ToolOption {
	return func(t *Tool) { t.client = c }
}

// New creates a search Tool with a 10-second timeout.
func New(opts ...ToolOption) *Tool {
	t := &Tool{
		client:     &http.Client{Timeout: 10 * time.Second},
		maxResults: defaultResults,
		fetchPages: true,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definitions() []parley.ToolDefinition {
	return []parley.ToolDefinition{{
		Name:        "web_search",
		Description: "Search the web for current/real-time information. Use for recent events, news, prices, or anything that requires up-to-date data.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query optimized for search engines"}},"required":["query"]}`),
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

	results, err := t.Search(ctx, params.Query)
	if err != nil {
		return parley.ToolResult{Error: err.Error()}, nil
	}
	if len(results) == 0 {
		return parley.ToolResult{OK: true, Data: fmt.Sprintf("No results found for %q.", params.Query)}, nil
	}

	citations := make([]string, 0, len(results))
	for _, r := range results {
		citations = append(citations, r.URL)
	}
	return parley.ToolResult{
		OK:   true,
		Data: formatResults(results),
		Meta: map[string]any{"citations": citations},
	}, nil
}

// Result is one search hit with its snippet and, when page fetching is
// enabled, extracted page text.
type Result struct {
	Title   string
	URL     string
	Snippet string
	Content string
}

// Search queries the DuckDuckGo HTML endpoint and optionally extracts
// readable text from the result pages.
func (t *Tool) Search(ctx context.Context, query string) ([]Result, error) {
	results, err := t.htmlSearch(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(results) > t.maxResults {
		results = results[:t.maxResults]
	}
	if t.fetchPages {
		t.fetchAndExtract(ctx, results)
	}
	return results, nil
}

func (t *Tool) htmlSearch(ctx context.Context, query string) ([]Result, error) {
	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, searchEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("search API %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	return ParseResults(string(body)), nil
}

var (
	resultLinkRe    = regexp.MustCompile(`(?s)<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.*?)</a>`)
	resultSnippetRe = regexp.MustCompile(`(?s)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	tagRe           = regexp.MustCompile(`<[^>]+>`)
)

// ParseResults extracts results from a DuckDuckGo HTML results page.
// Exported for tests against captured fixtures.
func ParseResults(page string) []Result {
	links := resultLinkRe.FindAllStringSubmatch(page, -1)
	snippets := resultSnippetRe.FindAllStringSubmatch(page, -1)

	var out []Result
	for i, m := range links {
		r := Result{
			Title: cleanFragment(m[2]),
			URL:   resolveRedirect(html.UnescapeString(m[1])),
		}
		if r.URL == "" || r.Title == "" {
			continue
		}
		if i < len(snippets) {
			r.Snippet = cleanFragment(snippets[i][1])
		}
		out = append(out, r)
	}
	return out
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg=<encoded> redirect links.
func resolveRedirect(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Host == "" {
		return ""
	}
	return raw
}

func cleanFragment(s string) string {
	s = tagRe.ReplaceAllString(s, "")
	return strings.TrimSpace(html.UnescapeString(s))
}

// fetchAndExtract fills each result's Content with readable page text,
// fetching pages concurrently. Failures leave Content empty.
func (t *Tool) fetchAndExtract(ctx context.Context, results []Result) {
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(r *Result) {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
			defer cancel()
			r.Content = t.extract(fetchCtx, r.URL)
		}(&results[i])
	}
	wg.Wait()
}

func (t *Tool) extract(ctx context.Context, pageURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return ""
	}

	parsed, _ := url.Parse(pageURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil || article.TextContent == "" {
		return ""
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > maxExtractChars {
		text = text[:maxExtractChars]
	}
	return text
}

func formatResults(results []Result) string {
	var out strings.Builder
	for i, r := range results {
		fmt.Fprintf(&out, "[%d] %s\n%s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			out.WriteString(r.Snippet + "\n")
		}
		if r.Content != "" {
			out.WriteString(r.Content + "\n")
		}
		if i < len(results)-1 {
			out.WriteString("\n")
		}
	}
	return out.String()
}

var _ parley.Tool = (*Tool)(nil)
