package parley

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Listing is a normalized marketplace record produced by a Normalizer and
// consumed by processors and sinks.
type Listing struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Price    float64        `json:"price"`
	Currency string         `json:"currency"`
	URL      string         `json:"url"`
	Images   []string       `json:"images,omitempty"`
	PostedAt time.Time      `json:"posted_at,omitzero"`
	Location map[string]any `json:"location,omitempty"`
	Seller   map[string]any `json:"seller,omitempty"`
	Raw      map[string]any `json:"raw,omitempty"`
}

// Validate checks the listing invariants: id, title, url and currency must
// be non-empty and price must be non-negative.
func (l Listing) Validate() error {
	switch {
	case l.ID == "":
		return &InvalidArgumentError{Arg: "id", Reason: "must not be empty"}
	case l.Title == "":
		return &InvalidArgumentError{Arg: "title", Reason: "must not be empty"}
	case l.URL == "":
		return &InvalidArgumentError{Arg: "url", Reason: "must not be empty"}
	case l.Currency == "":
		return &InvalidArgumentError{Arg: "currency", Reason: "must not be empty"}
	case l.Price < 0:
		return &InvalidArgumentError{Arg: "price", Reason: fmt.Sprintf("must be >= 0, got %v", l.Price)}
	}
	return nil
}

// Source fetches raw records from an external system. Fetch errors
// propagate and fail the task run.
type Source interface {
	Name() string
	Fetch(ctx context.Context, params map[string]any) ([]map[string]any, error)
}

// Normalizer maps one raw record to a Listing. A record that cannot be
// normalized returns an error; the pipeline drops it with a warning and
// continues.
type Normalizer interface {
	Normalize(raw map[string]any) (Listing, error)
}

// Processor filters, orders and truncates normalized listings between the
// normalizer and the sinks.
type Processor interface {
	Process(listings []Listing, params ProcessorParams) []Listing
}

// Sink delivers processed listings somewhere side-effecting (a chat
// message, a store, a webhook). Sink failures are logged by the runner and
// are not retried within the same run.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, cfg TaskConfig, listings []Listing) error
}

// ProcessorParams controls DefaultProcessor. Zero values disable the
// corresponding filter, except TopN which defaults to keep-all when <= 0.
type ProcessorParams struct {
	MinPrice float64
	MaxPrice float64
	Currency string
	TopN     int
}

// ProcessorParamsFrom extracts processor settings from a task's params map
// (keys: min_price, max_price, currency, top_n). Numeric values may arrive
// as int or float64 depending on how the preset was decoded.
func ProcessorParamsFrom(params map[string]any) ProcessorParams {
	var p ProcessorParams
	p.MinPrice = floatParam(params, "min_price")
	p.MaxPrice = floatParam(params, "max_price")
	if s, ok := params["currency"].(string); ok {
		p.Currency = s
	}
	p.TopN = int(floatParam(params, "top_n"))
	return p
}

func floatParam(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// DefaultProcessor filters by price range and currency, sorts ascending by
// price, and truncates to TopN.
type DefaultProcessor struct{}

// Process implements Processor.
func (DefaultProcessor) Process(listings []Listing, params ProcessorParams) []Listing {
	out := make([]Listing, 0, len(listings))
	for _, l := range listings {
		if l.Price < params.MinPrice {
			continue
		}
		if params.MaxPrice > 0 && l.Price > params.MaxPrice {
			continue
		}
		if params.Currency != "" && l.Currency != params.Currency {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	if params.TopN > 0 && len(out) > params.TopN {
		out = out[:params.TopN]
	}
	return out
}

// TaskConfig is the persisted definition of one scheduled pipeline.
// Built from a preset TaskSpec; stored in the KV namespace under
// "task-config-<id>".
type TaskConfig struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Schedule Schedule       `json:"schedule"`
	Params   map[string]any `json:"params,omitempty"`
	Sources  []string       `json:"sources,omitempty"`
	Sinks    []string       `json:"sinks,omitempty"`
	Enabled  bool           `json:"enabled"`
}

// TaskConfigFromSpec converts a preset TaskSpec into a TaskConfig.
func TaskConfigFromSpec(spec TaskSpec) (TaskConfig, error) {
	sched, err := ParseSchedule(spec.Schedule.Type, spec.Schedule.Value)
	if err != nil {
		return TaskConfig{}, fmt.Errorf("task %q: %w", spec.ID, err)
	}
	name := spec.Name
	if name == "" {
		name = spec.ID
	}
	return TaskConfig{
		ID:       spec.ID,
		Name:     name,
		Schedule: sched,
		Params:   spec.Params,
		Sources:  spec.Sources,
		Sinks:    spec.Sinks,
		Enabled:  spec.IsEnabled(),
	}, nil
}

// TaskState is a task's lifecycle status.
type TaskState string

const (
	TaskCreated   TaskState = "created"
	TaskRunning   TaskState = "running"
	TaskStopped   TaskState = "stopped"
	TaskCompleted TaskState = "completed"
	TaskError     TaskState = "error"
)

// TaskStatus is per-task run accounting, persisted to the KV namespace
// under "task-status-<id>" after every run.
type TaskStatus struct {
	ID         string    `json:"id"`
	State      TaskState `json:"state"`
	LastRun    int64     `json:"last_run,omitempty"`  // unix seconds, 0 = never
	NextRun    int64     `json:"next_run,omitempty"`  // unix seconds, 0 = unknown
	RunCount   int       `json:"run_count"`
	ErrorCount int       `json:"error_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// Task bundles a config with the concrete pipeline stages resolved for it.
// The runner owns the status; everything here is immutable during runs.
type Task struct {
	Config    TaskConfig
	Sources   []Source
	Normalize Normalizer
	Process   Processor
	Sinks     []Sink
}

// lastRunTime converts the persisted unix-seconds stamp back to time.Time.
// Zero stays the zero time so schedule logic can detect "never ran".
func (s TaskStatus) lastRunTime() time.Time {
	if s.LastRun == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastRun, 0)
}
