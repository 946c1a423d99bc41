package parley

import (
	"sync"
	"sync/atomic"
	"time"
)

// defaultMaxHistory bounds the live transcript window when the preset does
// not set one. The durable transcript in the store is never trimmed.
const defaultMaxHistory = 256

// defaultUserQueueBound caps queued user messages per user node.
const defaultUserQueueBound = 64

// ToolBudget caps how often a tool may be called. Zero means unbounded.
type ToolBudget struct {
	PerRunMax       int `json:"per_run_max"`
	PerIterationMax int `json:"per_iteration_max"`
}

// queuedInput is one pending user message awaiting a user-node turn.
// Messages posted with the persist option are recorded as completed turns
// at post time and never enter a queue.
type queuedInput struct {
	Content string
	UserID  string
}

// State is the single source of truth for one running thread: iteration
// counter, live history window, running summaries, queued user input, tool
// budget counters and per-node contracts.
//
// State is owned by exactly one Lab, but a few surfaces are reached from
// other goroutines (the adapter posts user messages and reads history), so
// mutable sections are guarded by small internal mutexes. Contracts are
// attached during construction and read-only afterwards.
type State struct {
	threadID  string
	presetRef string

	mu        sync.Mutex // guards everything below except queues and stop
	iter      int
	objective string
	history   []Entry
	lastT     time.Time
	summaries []string
	perRun    map[string]int
	perIter   map[string]int

	maxHistory int
	stop       atomic.Bool

	queueMu    sync.Mutex
	queues     map[string][]queuedInput
	queueBound int

	budgets   map[string]ToolBudget
	contracts map[string][]Contract

	now func() time.Time
}

type stateConfig struct {
	threadID   string
	presetRef  string
	objective  string
	maxHistory int
	queueBound int
	budgets    map[string]ToolBudget
	now        func() time.Time
}

func newState(cfg stateConfig) *State {
	if cfg.maxHistory == 0 {
		cfg.maxHistory = defaultMaxHistory
	}
	if cfg.queueBound <= 0 {
		cfg.queueBound = defaultUserQueueBound
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	s := &State{
		threadID:   cfg.threadID,
		presetRef:  cfg.presetRef,
		objective:  cfg.objective,
		maxHistory: cfg.maxHistory,
		queues:     make(map[string][]queuedInput),
		queueBound: cfg.queueBound,
		budgets:    make(map[string]ToolBudget, len(cfg.budgets)),
		perRun:     make(map[string]int),
		perIter:    make(map[string]int),
		contracts:  make(map[string][]Contract),
		now:        cfg.now,
	}
	for id, b := range cfg.budgets {
		s.budgets[id] = b
	}
	return s
}

// ThreadID returns the owning thread's id.
func (s *State) ThreadID() string { return s.threadID }

// PresetRef returns the preset reference the thread was created from.
func (s *State) PresetRef() string { return s.presetRef }

// Iter returns the current iteration index. Zero before the first step.
func (s *State) Iter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iter
}

// Objective returns the current topic or goal of the conversation.
func (s *State) Objective() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objective
}

// SetObjective replaces the conversation objective.
func (s *State) SetObjective(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objective = topic
}

// RequestStop sets the stop flag. The loop observes it at the next
// iteration boundary.
func (s *State) RequestStop() { s.stop.Store(true) }

// StopRequested reports whether the stop flag is set.
func (s *State) StopRequested() bool { return s.stop.Load() }

// clearStop resets the stop flag; a fresh Run on a stopped thread is an
// explicit decision to continue.
func (s *State) clearStop() { s.stop.Store(false) }

// BeginIteration advances the iteration counter, resets the per-iteration
// tool counters and returns the new 1-based index. Called by the owning
// loop at the start of each step.
func (s *State) BeginIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iter++
	for k := range s.perIter {
		delete(s.perIter, k)
	}
	return s.iter
}

// NextEntryTime returns a timestamp for a new transcript entry, strictly
// after every previously issued one even when the clock is coarse or fixed.
func (s *State) NextEntryTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextEntryTimeLocked()
}

func (s *State) nextEntryTimeLocked() time.Time {
	t := s.now()
	if !t.After(s.lastT) {
		t = s.lastT.Add(time.Microsecond)
	}
	s.lastT = t
	return t
}

// AppendEntry appends an entry to the live history window, trimming the
// window to its bound. The durable transcript write is the Lab's job.
func (s *State) AppendEntry(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, e)
	if s.maxHistory > 0 && len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
}

// History returns a copy of the live window, oldest first. A positive limit
// returns only the most recent limit entries, still oldest first.
func (s *State) History(limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]Entry, len(h))
	copy(out, h)
	return out
}

// Rollback removes the last n entries from the live window and returns how
// many were actually removed. When clearSummaries is set the running
// summaries are dropped as well. The durable transcript keeps the removed
// entries; the Lab appends a rollback marker there instead.
func (s *State) Rollback(n int, clearSummaries bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.history) {
		n = len(s.history)
	}
	if n > 0 {
		s.history = s.history[:len(s.history)-n]
	}
	if clearSummaries {
		s.summaries = nil
	}
	return n
}

// AppendSummary records a new running summary produced by the summarizer.
func (s *State) AppendSummary(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, text)
}

// ClearSummaries drops all running summaries.
func (s *State) ClearSummaries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = nil
}

// Summaries returns a copy of the running summaries, oldest first.
func (s *State) Summaries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.summaries))
	copy(out, s.summaries)
	return out
}

// LatestSummary returns the most recent running summary, or "".
func (s *State) LatestSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.summaries) == 0 {
		return ""
	}
	return s.summaries[len(s.summaries)-1]
}

// ComposeMessages builds the prompt window for a provider call: one system
// message (the node's system prompt plus the current objective and latest
// running summary, when present) followed by the mapped history window.
// Agent, moderator and summarizer entries map to the assistant role, user
// entries stay user, system entries (markers) are skipped. A positive
// window limits how many recent entries are included.
func (s *State) ComposeMessages(systemPrompt string, window int) []ChatMessage {
	sys := systemPrompt
	if obj := s.Objective(); obj != "" {
		sys += "\n\nCurrent topic: " + obj
	}
	if sum := s.LatestSummary(); sum != "" {
		sys += "\n\nSummary of the conversation so far: " + sum
	}

	hist := s.History(window)
	msgs := make([]ChatMessage, 0, len(hist)+1)
	if sys != "" {
		msgs = append(msgs, SystemMessage(sys))
	}
	for _, e := range hist {
		switch e.Role {
		case RoleUser:
			msgs = append(msgs, UserMessage(e.Content))
		case RoleAgent, RoleModerator, RoleSummarizer:
			content := e.Content
			if e.AgentID != "" {
				content = e.AgentID + ": " + content
			}
			msgs = append(msgs, AssistantMessage(content))
		default:
			// system markers are bookkeeping, not prompt material
		}
	}
	return msgs
}

// PushUserInput enqueues a user message for a user node, FIFO per node id.
// Returns ErrQueueFull when the node's queue is at its bound.
func (s *State) PushUserInput(nodeID, content, userID string) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	q := s.queues[nodeID]
	if len(q) >= s.queueBound {
		return ErrQueueFull
	}
	s.queues[nodeID] = append(q, queuedInput{Content: content, UserID: userID})
	return nil
}

// PopUserInput dequeues the next pending message for a user node. ok is
// false when the queue is empty.
func (s *State) PopUserInput(nodeID string) (content, userID string, ok bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	q := s.queues[nodeID]
	if len(q) == 0 {
		return "", "", false
	}
	item := q[0]
	s.queues[nodeID] = q[1:]
	return item.Content, item.UserID, true
}

// QueuedUserInputs returns how many messages are pending for a user node.
func (s *State) QueuedUserInputs(nodeID string) int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queues[nodeID])
}

// CanCallTool reports whether one more call to the tool stays within both
// budgets. On refusal the reason names the exhausted scope.
func (s *State) CanCallTool(toolID string) (bool, string) {
	b, ok := s.budgets[toolID]
	if !ok {
		return true, ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.PerIterationMax > 0 && s.perIter[toolID] >= b.PerIterationMax {
		e := &BudgetExceededError{Tool: toolID, Scope: "per_iteration", Limit: b.PerIterationMax}
		return false, e.Error()
	}
	if b.PerRunMax > 0 && s.perRun[toolID] >= b.PerRunMax {
		e := &BudgetExceededError{Tool: toolID, Scope: "per_run", Limit: b.PerRunMax}
		return false, e.Error()
	}
	return true, ""
}

// RecordToolCall counts one call against both budget scopes.
func (s *State) RecordToolCall(toolID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perRun[toolID]++
	s.perIter[toolID]++
}

// ToolBudgets returns a copy of the configured budgets.
func (s *State) ToolBudgets() map[string]ToolBudget {
	out := make(map[string]ToolBudget, len(s.budgets))
	for k, v := range s.budgets {
		out[k] = v
	}
	return out
}

// ToolUsage returns copies of the per-run and per-iteration call counters.
func (s *State) ToolUsage() (perRun, perIteration map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perRun = make(map[string]int, len(s.perRun))
	for k, v := range s.perRun {
		perRun[k] = v
	}
	perIteration = make(map[string]int, len(s.perIter))
	for k, v := range s.perIter {
		perIteration[k] = v
	}
	return perRun, perIteration
}

// AttachContract adds an output contract for a node. Not safe to call once
// the lab is running.
func (s *State) AttachContract(nodeID string, c Contract) {
	s.contracts[nodeID] = append(s.contracts[nodeID], c)
}

// ContractsFor returns the contracts attached to a node. The returned slice
// is shared; callers must not mutate it.
func (s *State) ContractsFor(nodeID string) []Contract {
	return s.contracts[nodeID]
}

// Snapshot captures a resumable checkpoint of the state: iteration, live
// window, summaries, per-run counters and queue depths. Queue contents are
// not captured; pending user messages do not survive a restart.
func (s *State) Snapshot() *Checkpoint {
	s.queueMu.Lock()
	sizes := make(map[string]int, len(s.queues))
	for id, q := range s.queues {
		sizes[id] = len(q)
	}
	s.queueMu.Unlock()

	perRun, _ := s.ToolUsage()
	return &Checkpoint{
		Version:    checkpointVersion,
		ThreadID:   s.threadID,
		PresetRef:  s.presetRef,
		Iter:       s.Iter(),
		Objective:  s.Objective(),
		Summaries:  s.Summaries(),
		StopFlag:   s.stop.Load(),
		History:    s.History(0),
		PerRun:     perRun,
		QueueSizes: sizes,
		SavedAt:    s.now().Unix(),
	}
}

// RestoreSnapshot loads a checkpoint into the state. Budgets, contracts and
// queue bounds come from the preset, not the checkpoint.
func (s *State) RestoreSnapshot(cp *Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iter = cp.Iter
	s.objective = cp.Objective
	s.summaries = append([]string(nil), cp.Summaries...)
	s.stop.Store(cp.StopFlag)
	s.history = append([]Entry(nil), cp.History...)
	if s.maxHistory > 0 && len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
	s.perRun = make(map[string]int, len(cp.PerRun))
	for k, v := range cp.PerRun {
		s.perRun[k] = v
	}
	s.perIter = make(map[string]int)
	for _, e := range s.history {
		if e.T.After(s.lastT) {
			s.lastT = e.T
		}
	}
}
