// Package marketplace provides data sources and normalizers for
// marketplace-monitoring task pipelines. Sources fetch raw listing records
// from external scrapers, normalizers convert them into the standard
// Listing shape consumed by processors and sinks.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nevindra/parley"
)

const (
	defaultActorID    = "apify/facebook-marketplace-scraper"
	defaultMaxResults = 100
	defaultTimeout    = 5 * time.Minute
	apifyBaseURL      = "https://api.apify.com/v2"

	// Hard cap imposed by the marketplace scraper actor.
	maxResultsCeiling = 1000
)

// ApifySource fetches marketplace listings by running an Apify actor
// synchronously and reading its default dataset. The actor is given a
// Facebook Marketplace search URL built from the task params.
type ApifySource struct {
	token      string
	actorID    string
	maxResults int
	timeout    time.Duration
	baseURL    string
	client     *http.Client
	logger     *slog.Logger
}

// ApifyOption configures an ApifySource.
type ApifyOption func(*ApifySource)

// WithActorID overrides the default marketplace scraper actor.
func WithActorID(id string) ApifyOption {
	return func(s *ApifySource) { s.actorID = id }
}

// WithMaxResults caps the number of records fetched per run.
func WithMaxResults(n int) ApifyOption {
	return func(s *ApifySource) {
		if n > 0 {
			s.maxResults = n
		}
	}
}

// WithTimeout bounds the synchronous actor run.
func WithTimeout(d time.Duration) ApifyOption {
	return func(s *ApifySource) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) ApifyOption {
	return func(s *ApifySource) {
		if c != nil {
			s.client = c
		}
	}
}

// WithBaseURL points the source at a different API endpoint, mainly for tests.
func WithBaseURL(u string) ApifyOption {
	return func(s *ApifySource) {
		if u != "" {
			s.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithLogger sets the logger for fetch diagnostics.
func WithLogger(l *slog.Logger) ApifyOption {
	return func(s *ApifySource) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewApifySource creates a source backed by the Apify API. The token is
// required; everything else has working defaults.
func NewApifySource(token string, opts ...ApifyOption) (*ApifySource, error) {
	if token == "" {
		return nil, &parley.InvalidArgumentError{Arg: "token", Reason: "apify token is required"}
	}
	s := &ApifySource{
		token:      token,
		actorID:    defaultActorID,
		maxResults: defaultMaxResults,
		timeout:    defaultTimeout,
		baseURL:    apifyBaseURL,
		client:     &http.Client{},
		logger:     slog.New(nopLogHandler{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name identifies the source in logs and task configs.
func (s *ApifySource) Name() string { return "apify_facebook_marketplace" }

// Fetch runs the actor against a marketplace search built from params.
// Recognized params: "search_query" (required), "location", "max_results".
// Remaining params are forwarded verbatim as actor input.
func (s *ApifySource) Fetch(ctx context.Context, params map[string]any) ([]map[string]any, error) {
	query, _ := params["search_query"].(string)
	if query == "" {
		return nil, &parley.InvalidArgumentError{Arg: "search_query", Reason: "must not be empty"}
	}
	location, _ := params["location"].(string)

	maxResults := s.maxResults
	if v, ok := intParam(params, "max_results"); ok && v > 0 {
		maxResults = v
	}
	if maxResults > maxResultsCeiling {
		maxResults = maxResultsCeiling
	}

	input := map[string]any{
		"startUrls":  []map[string]any{{"url": searchURL(query, location)}},
		"maxResults": maxResults,
		"proxy": map[string]any{
			"useApifyProxy":    true,
			"apifyProxyGroups": []string{"RESIDENTIAL"},
		},
	}
	for k, v := range params {
		switch k {
		case "search_query", "location", "max_results":
		default:
			if v != nil {
				input[k] = v
			}
		}
	}

	start := time.Now()
	s.logger.Debug("running marketplace actor", "actor", s.actorID, "query", query, "max_results", maxResults)

	items, err := s.runActor(ctx, input)
	if err != nil {
		s.logger.Error("marketplace actor failed", "actor", s.actorID, "error", err, "duration", time.Since(start))
		return nil, err
	}

	s.logger.Debug("marketplace actor done", "actor", s.actorID, "items", len(items), "duration", time.Since(start))
	return items, nil
}

// runActor calls the run-sync-get-dataset-items endpoint, which starts the
// actor, waits for it to finish, and streams the dataset back in one request.
func (s *ApifySource) runActor(ctx context.Context, input map[string]any) ([]map[string]any, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode actor input: %w", err)
	}

	// Actor IDs use ~ instead of / in URL paths.
	actorPath := strings.ReplaceAll(s.actorID, "/", "~")
	endpoint := fmt.Sprintf("%s/acts/%s/run-sync-get-dataset-items?timeout=%d",
		s.baseURL, actorPath, int(s.timeout.Seconds()))

	ctx, cancel := context.WithTimeout(ctx, s.timeout+30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build actor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apify request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read apify response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &parley.ErrHTTP{Status: resp.StatusCode, Body: truncate(string(data), 512)}
	}

	var items []map[string]any
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode dataset items: %w", err)
	}
	return items, nil
}

// searchURL builds a Facebook Marketplace search URL for the actor input.
func searchURL(query, location string) string {
	q := url.Values{}
	q.Set("query", query)
	if location != "" {
		q.Set("location", location)
	}
	return "https://www.facebook.com/marketplace/search/?" + q.Encode()
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type nopLogHandler struct{}

func (nopLogHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopLogHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopLogHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopLogHandler) WithGroup(string) slog.Handler           { return h }
