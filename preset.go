package parley

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Preset is a complete conversation setup: providers, participants, tool
// budgets, the turn plan and optional scheduled tasks. Presets are YAML
// documents on disk; see LoadPreset.
type Preset struct {
	Name      string `yaml:"name"`
	Objective string `yaml:"objective"`

	Providers []ProviderSpec `yaml:"providers,omitempty"`
	Agents    []AgentSpec    `yaml:"agents,omitempty"`

	// Moderator, Summarizer and Users are conveniences for the common
	// layout; the same nodes can be declared inline in Agents with a role.
	Moderator  *AgentSpec `yaml:"moderator,omitempty"`
	Summarizer *AgentSpec `yaml:"summarizer,omitempty"`
	Users      []UserSpec `yaml:"users,omitempty"`

	Tools   []ToolSpec  `yaml:"tools,omitempty"`
	Runtime RuntimeSpec `yaml:"runtime,omitempty"`
	Tasks   []TaskSpec  `yaml:"tasks,omitempty"`
}

// ProviderSpec names an LLM backend. The application wiring turns specs
// into registry entries; the lab itself only resolves ids.
type ProviderSpec struct {
	ID        string  `yaml:"id"`
	Kind      string  `yaml:"kind"` // "openai_compat"
	BaseURL   string  `yaml:"base_url"`
	Model     string  `yaml:"model"`
	APIKeyEnv string  `yaml:"api_key_env,omitempty"`
	Temp      float64 `yaml:"temperature,omitempty"`

	// Middleware knobs. Zero disables.
	MaxRetries int `yaml:"max_retries,omitempty"`
	RPM        int `yaml:"rpm,omitempty"`
	TPM        int `yaml:"tpm,omitempty"`
}

// AgentSpec declares one provider-backed participant (or, with a role, a
// moderator, summarizer or user node inline).
type AgentSpec struct {
	ID           string   `yaml:"id"`
	Role         string   `yaml:"role,omitempty"` // agent (default) | moderator | summarizer | user
	Provider     string   `yaml:"provider,omitempty"`
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
	Tools        []string `yaml:"tools,omitempty"`
	Window       int      `yaml:"window,omitempty"`
	MaxToolIter  int      `yaml:"max_tool_iterations,omitempty"`
	RunOnLast    bool     `yaml:"run_on_last,omitempty"` // summarizer only

	// Output contracts.
	ResponseFormat   string   `yaml:"response_format,omitempty"` // "json"
	MaxOutputChars   int      `yaml:"max_output_chars,omitempty"`
	BlockedKeywords  []string `yaml:"blocked_keywords,omitempty"`
	RequireCitations bool     `yaml:"require_citations,omitempty"`
}

// UserSpec declares a human participant slot.
type UserSpec struct {
	ID string `yaml:"id"`
}

// ToolSpec binds a registered tool into the preset with its budgets.
// Params configure the tool's construction in the application wiring.
type ToolSpec struct {
	ID              string         `yaml:"id"`
	PerRunMax       int            `yaml:"per_run_max,omitempty"`
	PerIterationMax int            `yaml:"per_iteration_max,omitempty"`
	Params          map[string]any `yaml:"params,omitempty"`
}

// RuntimeSpec tunes the loop.
type RuntimeSpec struct {
	Scheduler  string         `yaml:"scheduler,omitempty"` // every_n (default) | round_robin
	Cadence    map[string]int `yaml:"cadence,omitempty"`
	Order      []string       `yaml:"order,omitempty"` // explicit turn order
	MaxHistory int            `yaml:"max_history,omitempty"`
	Rounds     int            `yaml:"rounds,omitempty"` // default rounds for the CLI
}

// ScheduleSpec is a task trigger: cron expressions (optional seconds field)
// or plain intervals ("30m", "2h").
type ScheduleSpec struct {
	Type  string `yaml:"type"` // cron | interval
	Value string `yaml:"value"`
}

// TaskSpec declares one scheduled pipeline run.
type TaskSpec struct {
	ID       string         `yaml:"id"`
	Name     string         `yaml:"name,omitempty"`
	Schedule ScheduleSpec   `yaml:"schedule"`
	Params   map[string]any `yaml:"params,omitempty"`
	Sources  []string       `yaml:"sources,omitempty"`
	Sinks    []string       `yaml:"sinks,omitempty"`
	Enabled  *bool          `yaml:"enabled,omitempty"` // default true
}

// IsEnabled reports whether the task should be scheduled.
func (t TaskSpec) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

const moderatorDefaultPrompt = `You moderate a multi-participant conversation. Review the recent turns
and reply with ONLY a JSON object:
{"action": "CONTINUE" | "STOP" | "ROLLBACK" | "CLEAR_SUMMARIES",
 "summary": "one sentence on the state of the discussion",
 "drift": 0.0,
 "rollback": 0,
 "clear_summaries": false}
Use STOP when the objective is met or the discussion is unrecoverable,
ROLLBACK with a positive "rollback" count to erase off-topic turns, and
CLEAR_SUMMARIES when the running summary no longer matches the discussion.
"drift" grades how far the conversation strayed from the topic, 0 to 1.`

const summarizerDefaultPrompt = `Summarize the conversation so far in at most five sentences. Plain text
only. Keep who said what and any decisions or open points.`

// LoadPreset reads and validates a YAML preset file.
func LoadPreset(path string) (*Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &InvalidPresetError{Preset: path, Reason: err.Error()}
	}
	p, err := ParsePreset(data)
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// ParsePreset parses and validates a YAML preset document. Unknown fields
// are rejected so typos surface instead of silently dropping configuration.
func ParsePreset(data []byte) (*Preset, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Preset
	if err := dec.Decode(&p); err != nil {
		return nil, &InvalidPresetError{Reason: "yaml: " + err.Error()}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the preset's structure. Provider and tool references are
// resolved later, against the registries, in BuildNodes.
func (p *Preset) Validate() error {
	fail := func(format string, args ...any) error {
		return &InvalidPresetError{Preset: p.Name, Reason: fmt.Sprintf(format, args...)}
	}

	specs := p.nodeSpecs()
	if len(specs) == 0 {
		return fail("no nodes declared")
	}
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return fail("node with empty id")
		}
		if seen[spec.ID] {
			return fail("duplicate node id %q", spec.ID)
		}
		seen[spec.ID] = true
		switch spec.Role {
		case "", "agent", "moderator", "summarizer", "user":
		default:
			return fail("node %q has unknown role %q", spec.ID, spec.Role)
		}
		if spec.Role != "user" && spec.Provider == "" {
			return fail("node %q has no provider", spec.ID)
		}
	}

	for id, cadence := range p.Runtime.Cadence {
		if cadence < 0 {
			return fail("negative cadence for %q", id)
		}
		if !seen[id] {
			return fail("cadence references unknown node %q", id)
		}
	}
	for _, id := range p.Runtime.Order {
		if !seen[id] {
			return fail("order references unknown node %q", id)
		}
	}

	for _, t := range p.Tools {
		if t.ID == "" {
			return fail("tool with empty id")
		}
		if t.PerRunMax < 0 || t.PerIterationMax < 0 {
			return fail("tool %q has a negative budget", t.ID)
		}
	}

	for _, task := range p.Tasks {
		if task.ID == "" {
			return fail("task with empty id")
		}
		switch task.Schedule.Type {
		case "cron", "interval":
		default:
			return fail("task %q has unknown schedule type %q", task.ID, task.Schedule.Type)
		}
		if task.Schedule.Value == "" {
			return fail("task %q has an empty schedule value", task.ID)
		}
	}
	return nil
}

// nodeSpecs flattens the inline agents and the convenience blocks into one
// list, in declaration order: users, agents, moderator, summarizer. An
// explicit Runtime.Order overrides this ordering for the turn plan.
func (p *Preset) nodeSpecs() []AgentSpec {
	specs := make([]AgentSpec, 0, len(p.Agents)+len(p.Users)+2)
	for _, u := range p.Users {
		specs = append(specs, AgentSpec{ID: u.ID, Role: "user"})
	}
	for _, a := range p.Agents {
		if a.Role == "" {
			a.Role = "agent"
		}
		specs = append(specs, a)
	}
	if p.Moderator != nil {
		m := *p.Moderator
		m.Role = "moderator"
		specs = append(specs, m)
	}
	if p.Summarizer != nil {
		s := *p.Summarizer
		s.Role = "summarizer"
		specs = append(specs, s)
	}
	return specs
}

// BuildNodes constructs the preset's nodes against the given registries and
// returns them with the turn plan, in turn order.
func (p *Preset) BuildNodes(deps Deps) ([]Node, TurnPlan, error) {
	specs := p.nodeSpecs()
	byID := make(map[string]Node, len(specs))
	for _, spec := range specs {
		n, err := p.buildNode(spec, deps)
		if err != nil {
			return nil, TurnPlan{}, err
		}
		byID[spec.ID] = n
	}

	order := p.Runtime.Order
	if len(order) == 0 {
		order = make([]string, 0, len(specs))
		for _, spec := range specs {
			order = append(order, spec.ID)
		}
	}
	nodes := make([]Node, 0, len(order))
	for _, id := range order {
		nodes = append(nodes, byID[id])
	}
	plan := TurnPlan{Order: order, Cadence: p.Runtime.Cadence}
	return nodes, plan, nil
}

func (p *Preset) buildNode(spec AgentSpec, deps Deps) (Node, error) {
	if spec.Role == "user" {
		return NewUserNode(spec.ID), nil
	}
	if deps.Providers == nil {
		return nil, &InvalidPresetError{Preset: p.Name, Reason: "preset needs providers but none are registered"}
	}
	provider, err := deps.Providers.Get(spec.Provider)
	if err != nil {
		return nil, &InvalidPresetError{Preset: p.Name, Reason: fmt.Sprintf("node %q: %v", spec.ID, err)}
	}

	opts := []NodeOption{WithHistoryWindow(spec.Window)}
	if spec.MaxToolIter > 0 {
		opts = append(opts, WithMaxToolIterations(spec.MaxToolIter))
	}

	switch spec.Role {
	case "moderator":
		prompt := spec.SystemPrompt
		if prompt == "" {
			prompt = moderatorDefaultPrompt
		}
		opts = append(opts, WithSystemPrompt(prompt))
		return NewModeratorNode(spec.ID, provider, opts...), nil
	case "summarizer":
		prompt := spec.SystemPrompt
		if prompt == "" {
			prompt = summarizerDefaultPrompt
		}
		opts = append(opts, WithSystemPrompt(prompt))
		if spec.RunOnLast {
			opts = append(opts, WithRunOnLast())
		}
		return NewSummarizerNode(spec.ID, provider, opts...), nil
	default: // agent
		opts = append(opts, WithSystemPrompt(spec.SystemPrompt))
		if len(spec.Tools) > 0 {
			for _, id := range spec.Tools {
				if deps.Tools == nil || !deps.Tools.Has(id) {
					return nil, &InvalidPresetError{Preset: p.Name, Reason: fmt.Sprintf("node %q references unknown tool %q", spec.ID, id)}
				}
			}
			opts = append(opts, WithNodeTools(spec.Tools...))
		}
		return NewAgentNode(spec.ID, provider, deps.Tools, opts...), nil
	}
}

// Budgets maps the preset's tool budgets by tool id.
func (p *Preset) Budgets() map[string]ToolBudget {
	if len(p.Tools) == 0 {
		return nil
	}
	out := make(map[string]ToolBudget, len(p.Tools))
	for _, t := range p.Tools {
		out[t.ID] = ToolBudget{PerRunMax: t.PerRunMax, PerIterationMax: t.PerIterationMax}
	}
	return out
}

// AttachContracts installs each node's declared output contracts on the
// state.
func (p *Preset) AttachContracts(st *State) {
	for _, spec := range p.nodeSpecs() {
		if spec.ResponseFormat == "json" {
			st.AttachContract(spec.ID, JSONContract{})
		}
		if spec.MaxOutputChars > 0 {
			st.AttachContract(spec.ID, LengthContract{Max: spec.MaxOutputChars})
		}
		if len(spec.BlockedKeywords) > 0 {
			st.AttachContract(spec.ID, NewKeywordContract(spec.BlockedKeywords...))
		}
		if spec.RequireCitations {
			st.AttachContract(spec.ID, CitationContract{})
		}
	}
}

// PresetSource resolves preset references for the adapter.
type PresetSource interface {
	Get(ref string) (*Preset, error)
}

// PresetMap is an in-memory PresetSource.
type PresetMap map[string]*Preset

func (m PresetMap) Get(ref string) (*Preset, error) {
	p, ok := m[ref]
	if !ok {
		return nil, &InvalidPresetError{Preset: ref, Reason: "unknown preset"}
	}
	return p, nil
}

// PresetDir loads presets from a directory, resolving "ref" to
// "<dir>/<ref>.yaml" (or .yml).
type PresetDir string

func (d PresetDir) Get(ref string) (*Preset, error) {
	if strings.ContainsAny(ref, `/\`) || strings.Contains(ref, "..") {
		return nil, &InvalidPresetError{Preset: ref, Reason: "preset references cannot contain path separators"}
	}
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(string(d), ref+ext)
		if _, err := os.Stat(path); err == nil {
			return LoadPreset(path)
		}
	}
	return nil, &InvalidPresetError{Preset: ref, Reason: "not found"}
}

// DefaultPreset is a minimal two-agent debate with a moderator and a
// summarizer, used by the CLI when no preset file is given. It expects an
// OpenAI-compatible endpoint; see the provider spec fields.
func DefaultPreset() *Preset {
	return &Preset{
		Name:      "debate",
		Objective: "Debate whether code review should block merges.",
		Providers: []ProviderSpec{{
			ID:        "main",
			Kind:      "openai_compat",
			BaseURL:   "http://localhost:11434/v1",
			Model:     "llama3.1",
			APIKeyEnv: "PARLEY_API_KEY",
		}},
		Agents: []AgentSpec{
			{
				ID:           "advocate",
				Provider:     "main",
				SystemPrompt: "You argue in favor of the position under discussion. Two or three sentences per turn, direct and concrete.",
			},
			{
				ID:           "skeptic",
				Provider:     "main",
				SystemPrompt: "You argue against the position under discussion. Two or three sentences per turn; address the last argument made.",
			},
		},
		Moderator:  &AgentSpec{ID: "moderator", Provider: "main"},
		Summarizer: &AgentSpec{ID: "summarizer", Provider: "main", RunOnLast: true},
		Runtime: RuntimeSpec{
			Scheduler: "every_n",
			Cadence: map[string]int{
				"advocate":   1,
				"skeptic":    1,
				"moderator":  2,
				"summarizer": 3,
			},
			Rounds: 4,
		},
	}
}
