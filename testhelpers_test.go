package parley

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// memStore is a full in-memory Store for lab and adapter tests. Error hooks
// let individual tests inject fatal failures on specific operations.
type memStore struct {
	mu          sync.Mutex
	threads     map[string]Thread
	entries     map[string][]Entry
	checkpoints map[string][]byte
	kv          map[string]string

	appendErr     error
	checkpointErr error
	loadErr       error
}

func newMemStore() *memStore {
	return &memStore{
		threads:     make(map[string]Thread),
		entries:     make(map[string][]Entry),
		checkpoints: make(map[string][]byte),
		kv:          make(map[string]string),
	}
}

func (s *memStore) CreateThread(_ context.Context, th Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[th.ID] = th
	return nil
}

func (s *memStore) TouchThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if th, ok := s.threads[threadID]; ok {
		th.UpdatedAt++
		s.threads[threadID] = th
	}
	return nil
}

func (s *memStore) ListThreads(_ context.Context, presetRef string) ([]Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Thread
	for _, th := range s.threads {
		if presetRef == "" || th.PresetRef == presetRef {
			out = append(out, th)
		}
	}
	return out, nil
}

func (s *memStore) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	delete(s.entries, threadID)
	delete(s.checkpoints, threadID)
	return nil
}

func (s *memStore) AppendEntry(_ context.Context, threadID string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.entries[threadID] = append(s.entries[threadID], e)
	return nil
}

func (s *memStore) ReadTranscript(_ context.Context, threadID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.entries[threadID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Entry, len(all))
	copy(out, all)
	return out, nil
}

func (s *memStore) SaveCheckpoint(_ context.Context, threadID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpointErr != nil {
		return s.checkpointErr
	}
	s.checkpoints[threadID] = append([]byte(nil), blob...)
	return nil
}

func (s *memStore) LoadCheckpoint(_ context.Context, threadID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	blob, ok := s.checkpoints[threadID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), blob...), nil
}

func (s *memStore) GetValue(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[key], nil
}

func (s *memStore) SetValue(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

func (s *memStore) DeleteValue(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *memStore) Init(_ context.Context) error { return nil }
func (s *memStore) Close() error                 { return nil }

func (s *memStore) entryCount(threadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[threadID])
}

// scriptProvider replays a fixed sequence of responses. When the script runs
// out it keeps answering with a stock reply so long runs don't need padding.
type scriptProvider struct {
	mu        sync.Mutex
	name      string
	responses []ChatResponse
	errs      []error
	calls     []ChatRequest
}

func newScriptProvider(responses ...ChatResponse) *scriptProvider {
	return &scriptProvider{name: "script", responses: responses}
}

// scriptReplies builds a provider from plain-text turns.
func scriptReplies(texts ...string) *scriptProvider {
	rs := make([]ChatResponse, len(texts))
	for i, t := range texts {
		rs[i] = ChatResponse{Content: t, Usage: Usage{InputTokens: 10, OutputTokens: 5}}
	}
	return newScriptProvider(rs...)
}

func (p *scriptProvider) failWith(err error) *scriptProvider {
	p.errs = append(p.errs, err)
	return p
}

func (p *scriptProvider) Name() string { return p.name }

func (p *scriptProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return ChatResponse{}, err
	}
	if len(p.responses) == 0 {
		return ChatResponse{Content: "ok"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// echoTool exposes one function, "echo", that returns its args verbatim.
type echoTool struct{}

func (echoTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "echo", Description: "Echo the arguments back"}}
}

func (echoTool) Execute(_ context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	return ToolResult{OK: true, Data: string(args)}, nil
}

// brokenTool always fails at the transport level.
type brokenTool struct{}

func (brokenTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "broken", Description: "Always fails"}}
}

func (brokenTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{}, errors.New("wire snapped")
}

// frozenClock returns a clock stuck at a fixed instant.
func frozenClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// tickingClock advances one second per call, starting after base.
func tickingClock(base time.Time) func() time.Time {
	var mu sync.Mutex
	t := base
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

var testEpoch = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// twoAgentPreset is the smallest preset most lab tests need: two agents on
// one scripted provider, no moderator.
func twoAgentPreset() *Preset {
	return &Preset{
		Name:      "test",
		Objective: "discuss the weather",
		Agents: []AgentSpec{
			{ID: "alpha", Provider: "script"},
			{ID: "beta", Provider: "script"},
		},
	}
}

func testDeps(store Store, p Provider) Deps {
	reg := NewProviderRegistry()
	if p != nil {
		reg.Add(p)
	}
	return Deps{Store: store, Providers: reg, Tools: NewToolRegistry()}
}

// newTestState builds a State with a deterministic clock.
func newTestState(opts ...func(*stateConfig)) *State {
	cfg := stateConfig{
		threadID:  "t-1",
		presetRef: "test",
		objective: "discuss the weather",
		now:       tickingClock(testEpoch),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return newState(cfg)
}
