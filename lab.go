package parley

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabStatus is the per-thread lifecycle state.
//
//	idle → running → {paused | stopping} → stopped | errored
//
// Pause and stop commands are observed at suspension points: between nodes
// within an iteration and between iterations. Fatal store failures move any
// state to errored.
type LabStatus string

const (
	StatusIdle     LabStatus = "idle"
	StatusRunning  LabStatus = "running"
	StatusPaused   LabStatus = "paused"
	StatusStopping LabStatus = "stopping"
	StatusStopped  LabStatus = "stopped"
	StatusErrored  LabStatus = "errored"
)

// defaultEventBuffer sizes the per-lab event queue. Once a consumer is
// attached a full queue blocks the loop (backpressure) instead of dropping.
const defaultEventBuffer = 1024

// defaultModeratorStrikes is how many consecutive moderator contract
// violations escalate to a forced STOP.
const defaultModeratorStrikes = 3

// Deps bundles the external collaborators a lab composes: the persistence
// store and the provider and tool registries referenced by the preset.
type Deps struct {
	Store     Store
	Providers *ProviderRegistry
	Tools     *ToolRegistry
}

// Lab runs one multi-participant conversation: a single-threaded cooperative
// loop over the preset's turn plan, streaming events to a bounded queue and
// persisting every turn. One Lab owns one thread; independent labs run in
// parallel through the Adapter.
type Lab struct {
	threadID  string
	presetRef string
	state     *State
	store     Store
	nodes     map[string]Node
	order     []string
	plan      TurnPlan
	sched     TurnScheduler
	userNodes []string

	logger *slog.Logger
	tracer Tracer
	now    func() time.Time

	events   chan Event
	seq      atomic.Uint64
	attached atomic.Bool

	mu       sync.Mutex
	status   LabStatus
	resumeCh chan struct{}

	externalStop atomic.Bool
	roundsTarget atomic.Int64

	strikeLimit int
	strikes     map[string]int
}

type labConfig struct {
	threadID    string
	logger      *slog.Logger
	tracer      Tracer
	eventBuffer int
	maxHistory  int
	queueBound  int
	strikeLimit int
	now         func() time.Time
	noResume    bool
}

// Option configures a Lab.
type Option func(*labConfig)

// WithThreadID pins the thread id instead of generating one. When a
// resumable checkpoint exists for the id, the lab restores it.
func WithThreadID(id string) Option {
	return func(c *labConfig) { c.threadID = id }
}

// WithoutResume skips the checkpoint autoload for an explicit thread id.
func WithoutResume() Option {
	return func(c *labConfig) { c.noResume = true }
}

// WithLogger sets the structured logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(c *labConfig) { c.logger = l }
}

// WithTracer enables tracing of steps and turns.
func WithTracer(t Tracer) Option {
	return func(c *labConfig) { c.tracer = t }
}

// WithEventBuffer sizes the event queue. Default 1024.
func WithEventBuffer(n int) Option {
	return func(c *labConfig) {
		if n > 0 {
			c.eventBuffer = n
		}
	}
}

// WithMaxHistory bounds the live history window, overriding the preset.
func WithMaxHistory(n int) Option {
	return func(c *labConfig) { c.maxHistory = n }
}

// WithUserQueueBound caps queued user messages per user node. Default 64.
func WithUserQueueBound(n int) Option {
	return func(c *labConfig) { c.queueBound = n }
}

// WithModeratorStrikeLimit sets how many consecutive moderator contract
// violations force a STOP. Default 3.
func WithModeratorStrikeLimit(n int) Option {
	return func(c *labConfig) {
		if n > 0 {
			c.strikeLimit = n
		}
	}
}

// WithNow injects the clock. Tests use it for deterministic timestamps.
func WithNow(now func() time.Time) Option {
	return func(c *labConfig) { c.now = now }
}

// New builds a lab from a preset. A fresh thread id is generated unless
// WithThreadID is given; for a pinned id with a resumable checkpoint the
// state is restored and the run continues from the checkpointed iteration.
// An opaque or unknown-version checkpoint fails with ErrOpaqueCheckpoint.
func New(ctx context.Context, preset *Preset, deps Deps, opts ...Option) (*Lab, error) {
	if preset == nil {
		return nil, &InvalidPresetError{Reason: "nil preset"}
	}
	if deps.Store == nil {
		return nil, &InvalidArgumentError{Arg: "deps.Store", Reason: "a lab needs a store"}
	}
	if err := preset.Validate(); err != nil {
		return nil, err
	}

	cfg := labConfig{
		eventBuffer: defaultEventBuffer,
		strikeLimit: defaultModeratorStrikes,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}

	nodes, plan, err := preset.BuildNodes(deps)
	if err != nil {
		return nil, err
	}
	schedName := preset.Runtime.Scheduler
	if schedName == "" {
		schedName = "every_n"
	}
	sched, err := TurnSchedulerByName(schedName)
	if err != nil {
		return nil, &InvalidPresetError{Preset: preset.Name, Reason: err.Error()}
	}

	threadID := cfg.threadID
	fresh := threadID == ""
	if fresh {
		threadID = NewID()
	}

	maxHistory := cfg.maxHistory
	if maxHistory == 0 {
		maxHistory = preset.Runtime.MaxHistory
	}
	st := newState(stateConfig{
		threadID:   threadID,
		presetRef:  preset.Name,
		objective:  preset.Objective,
		maxHistory: maxHistory,
		queueBound: cfg.queueBound,
		budgets:    preset.Budgets(),
		now:        cfg.now,
	})
	preset.AttachContracts(st)

	l := &Lab{
		threadID:    threadID,
		presetRef:   preset.Name,
		state:       st,
		store:       deps.Store,
		nodes:       make(map[string]Node, len(nodes)),
		plan:        plan,
		sched:       sched,
		logger:      cfg.logger.With("thread_id", threadID),
		tracer:      cfg.tracer,
		now:         cfg.now,
		events:      make(chan Event, cfg.eventBuffer),
		status:      StatusIdle,
		strikeLimit: cfg.strikeLimit,
		strikes:     make(map[string]int),
	}
	for _, n := range nodes {
		l.nodes[n.ID()] = n
		l.order = append(l.order, n.ID())
		if n.Role() == RoleUser {
			l.userNodes = append(l.userNodes, n.ID())
		}
	}

	var cp *Checkpoint
	if !fresh && !cfg.noResume {
		blob, err := deps.Store.LoadCheckpoint(ctx, threadID)
		if err != nil {
			return nil, &FatalStoreError{Op: "load_checkpoint", Err: err}
		}
		if blob != nil {
			cp, err = DecodeCheckpoint(blob)
			if err != nil {
				return nil, err
			}
		}
	}
	if cp != nil {
		st.RestoreSnapshot(cp)
		l.logger.Info("resumed from checkpoint", "iter", cp.Iter, "entries", len(cp.History))
	} else {
		now := cfg.now().Unix()
		th := Thread{ID: threadID, PresetRef: preset.Name, CreatedAt: now, UpdatedAt: now}
		if err := deps.Store.CreateThread(ctx, th); err != nil {
			return nil, &FatalStoreError{Op: "create_thread", Err: err}
		}
	}
	return l, nil
}

// ThreadID returns the lab's thread id.
func (l *Lab) ThreadID() string { return l.threadID }

// Iter returns the current iteration index.
func (l *Lab) Iter() int { return l.state.Iter() }

// Status returns the lifecycle state.
func (l *Lab) Status() LabStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Lab) setStatus(st LabStatus) {
	l.mu.Lock()
	l.status = st
	l.mu.Unlock()
}

// Events exposes the lab's event queue. Attaching a consumer switches the
// queue to backpressure mode: a full queue blocks the loop until drained,
// so events are never dropped. Events emitted before any consumer attaches
// are kept up to the buffer size and discarded beyond it.
func (l *Lab) Events() <-chan Event {
	l.attached.Store(true)
	return l.events
}

func (l *Lab) stamp(ev *Event) {
	ev.ThreadID = l.threadID
	if ev.T.IsZero() {
		ev.T = l.now()
	}
	ev.Seq = l.seq.Add(1)
}

// emit delivers an event from the running loop. With a consumer attached it
// blocks on a full queue until drained or the run context ends.
func (l *Lab) emit(ctx context.Context, ev Event) {
	l.stamp(&ev)
	if l.attached.Load() {
		select {
		case l.events <- ev:
		case <-ctx.Done():
		}
		return
	}
	select {
	case l.events <- ev:
	default:
		l.logger.Debug("event dropped, no consumer attached", "event_type", string(ev.Type))
	}
}

// emitDetached delivers an event from outside the loop (posting, fatal
// bookkeeping). Best effort: a full queue drops instead of blocking the
// caller.
func (l *Lab) emitDetached(ev Event) {
	l.stamp(&ev)
	select {
	case l.events <- ev:
	default:
		l.logger.Debug("detached event dropped, queue full", "event_type", string(ev.Type))
	}
}

func (l *Lab) loopEmitter(ctx context.Context) EmitFunc {
	return func(ev Event) { l.emit(ctx, ev) }
}

// beginRun moves idle/stopped to running. A lab that errored stays errored.
func (l *Lab) beginRun() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.status {
	case StatusRunning, StatusPaused, StatusStopping:
		return ErrLabBusy
	case StatusErrored:
		return fmt.Errorf("thread %s is errored and cannot run", l.threadID)
	}
	l.status = StatusRunning
	l.externalStop.Store(false)
	l.state.clearStop()
	return nil
}

func (l *Lab) finishRun() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != StatusErrored {
		l.status = StatusStopped
	}
}

// Step executes exactly one iteration and returns its index.
func (l *Lab) Step(ctx context.Context) (int, error) {
	if err := l.beginRun(); err != nil {
		return 0, err
	}
	iter, err := l.step(ctx, l.loopEmitter(ctx))
	l.finishRun()
	return iter, err
}

// Run executes up to rounds iterations, stopping early when the stop flag
// is set (moderator STOP or Stop command). Fatal store failures are
// returned; per-turn failures become error events and the loop continues.
func (l *Lab) Run(ctx context.Context, rounds int) error {
	if rounds <= 0 {
		return &InvalidArgumentError{Arg: "rounds", Reason: "must be positive"}
	}
	if err := l.beginRun(); err != nil {
		return err
	}
	return l.runLoop(ctx, rounds)
}

// Stream starts Run in the background and returns a channel that yields
// events as they happen. The channel closes after the terminal event
// (run_complete, or error with fatal set) or when ctx ends.
func (l *Lab) Stream(ctx context.Context, rounds int) (<-chan Event, error) {
	if rounds <= 0 {
		return nil, &InvalidArgumentError{Arg: "rounds", Reason: "must be positive"}
	}
	if err := l.beginRun(); err != nil {
		return nil, err
	}
	l.attached.Store(true)
	out := make(chan Event, cap(l.events))
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-l.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		if err := l.runLoop(ctx, rounds); err != nil {
			l.logger.Warn("stream run ended with error", "error", err)
		}
	}()
	return out, nil
}

func (l *Lab) runLoop(ctx context.Context, rounds int) error {
	l.roundsTarget.Store(int64(rounds))
	emit := l.loopEmitter(ctx)

	var completed int64
	var runErr error
	for completed < l.roundsTarget.Load() {
		if l.state.StopRequested() || l.externalStop.Load() {
			break
		}
		if err := l.waitIfPaused(ctx); err != nil {
			runErr = err
			break
		}
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
		if _, err := l.step(ctx, emit); err != nil {
			runErr = err
			break
		}
		completed++
	}

	if runErr == nil && !l.externalStop.Load() {
		l.runSummarizersOnLast(ctx, emit)
	}
	if runErr == nil && l.Status() != StatusErrored {
		emit(Event{
			Type: EventRunComplete,
			Iter: l.state.Iter(),
			Metadata: map[string]any{
				"rounds":  completed,
				"stopped": l.state.StopRequested(),
			},
		})
	}
	l.finishRun()
	return runErr
}

// step runs one iteration: advance the counter, pick nodes, run them in
// order, checkpoint, emit iteration_complete.
func (l *Lab) step(ctx context.Context, emit EmitFunc) (int, error) {
	iter := l.state.BeginIteration()

	stepCtx := ctx
	if l.tracer != nil {
		var span Span
		stepCtx, span = l.tracer.Start(ctx, "lab.step", IntAttr("iter", iter))
		defer span.End()
	}

	for _, id := range l.sched.Pick(iter, l.plan) {
		if err := l.waitIfPaused(stepCtx); err != nil {
			return iter, err
		}
		if l.externalStop.Load() {
			break
		}
		if stepCtx.Err() != nil {
			return iter, stepCtx.Err()
		}
		node, ok := l.nodes[id]
		if !ok {
			l.logger.Warn("turn plan references unknown node", "node", id)
			continue
		}
		if err := l.runTurn(stepCtx, node, emit); err != nil {
			return iter, err
		}
	}

	if err := l.checkpoint(stepCtx, emit); err != nil {
		return iter, err
	}
	emit(Event{Type: EventIterationComplete, Iter: iter})
	return iter, nil
}

// runTurn executes one node turn and applies its consequences. Per-turn
// failures (provider transport, contract violations) abandon the turn and
// return nil; only fatal store failures and context cancellation propagate.
func (l *Lab) runTurn(ctx context.Context, node Node, emit EmitFunc) error {
	turnCtx := ctx
	if l.tracer != nil {
		var span Span
		turnCtx, span = l.tracer.Start(ctx, "lab.turn",
			StringAttr("node", node.ID()),
			StringAttr("role", string(node.Role())))
		defer span.End()
	}

	stopBefore := l.externalStop.Load()
	out, err := node.Execute(turnCtx, l.state, emit)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var cv *ContractViolation
		if errors.As(err, &cv) {
			l.logger.Warn("turn abandoned", "node", node.ID(), "reason", cv.Reason)
			emit(Event{
				Type:     EventError,
				AgentID:  node.ID(),
				Role:     node.Role(),
				Iter:     l.state.Iter(),
				Content:  cv.Error(),
				Metadata: map[string]any{"kind": "contract_violation"},
			})
			if node.Role() == RoleModerator {
				l.moderatorStrike(node.ID(), emit)
			}
			return nil
		}
		kind := "node_error"
		var httpErr *ErrHTTP
		var llmErr *ErrLLM
		if errors.As(err, &httpErr) || errors.As(err, &llmErr) {
			kind = "provider_error"
		}
		l.logger.Warn("turn abandoned", "node", node.ID(), "error", err)
		emit(Event{
			Type:     EventError,
			AgentID:  node.ID(),
			Role:     node.Role(),
			Iter:     l.state.Iter(),
			Content:  err.Error(),
			Metadata: map[string]any{"kind": kind},
		})
		return nil
	}
	if node.Role() == RoleModerator {
		l.strikes[node.ID()] = 0
	}

	// A Stop command that landed while the call was in flight discards the
	// output: the call completed, nothing is appended.
	if !stopBefore && l.externalStop.Load() {
		l.logger.Info("turn output discarded, stop requested mid-call", "node", node.ID())
		return nil
	}

	if node.Role() == RoleUser && out.Content == "" {
		emit(Event{
			Type:     EventNodeSkipped,
			AgentID:  node.ID(),
			Role:     RoleUser,
			Iter:     l.state.Iter(),
			Metadata: map[string]any{"reason": "empty_queue"},
		})
		return nil
	}

	// The verdict is applied before its own entry lands in the window, so a
	// rollback consumes the preceding conversation turns and the verdict
	// entry survives it.
	if out.Action != nil {
		if err := l.applyModeratorAction(ctx, node.ID(), out.Action, emit); err != nil {
			return err
		}
	}

	entry := Entry{
		T:        l.state.NextEntryTime(),
		Iter:     l.state.Iter(),
		AgentID:  node.ID(),
		Role:     out.Role,
		Content:  out.Content,
		Metadata: out.Metadata,
	}
	l.state.AppendEntry(entry)
	if err := l.store.AppendEntry(ctx, l.threadID, entry); err != nil {
		return l.fatal(ctx, "append_entry", err, emit)
	}

	if out.Role == RoleSummarizer {
		l.state.AppendSummary(out.Content)
	}
	return nil
}

// applyModeratorAction dispatches a parsed verdict. The stop flag is only
// set, never acted on here: remaining nodes of the iteration still run and
// the loop observes the flag at the boundary.
func (l *Lab) applyModeratorAction(ctx context.Context, nodeID string, a *ModeratorAction, emit EmitFunc) error {
	meta := map[string]any{"action": string(a.Kind)}
	switch a.Kind {
	case ActionStop:
		l.state.RequestStop()
	case ActionRollback:
		removed := l.state.Rollback(a.Rollback, a.ClearSummaries)
		meta["rollback"] = removed
		if a.ClearSummaries {
			meta["clear_summaries"] = true
		}
		marker := Entry{
			T:       l.state.NextEntryTime(),
			Iter:    l.state.Iter(),
			AgentID: nodeID,
			Role:    RoleSystem,
			Content: fmt.Sprintf("moderator rolled back %d entries", removed),
			Metadata: map[string]any{
				rollbackMetaKey:   removed,
				"clear_summaries": a.ClearSummaries,
			},
		}
		if err := l.store.AppendEntry(ctx, l.threadID, marker); err != nil {
			return l.fatal(ctx, "append_entry", err, emit)
		}
	case ActionClearSummaries:
		l.state.ClearSummaries()
	case ActionContinue:
	}
	emit(Event{
		Type:     EventModeratorAction,
		AgentID:  nodeID,
		Role:     RoleModerator,
		Iter:     l.state.Iter(),
		Metadata: meta,
	})
	return nil
}

func (l *Lab) moderatorStrike(nodeID string, emit EmitFunc) {
	l.strikes[nodeID]++
	if l.strikes[nodeID] < l.strikeLimit {
		return
	}
	l.logger.Warn("moderator violations at limit, forcing stop", "node", nodeID, "strikes", l.strikes[nodeID])
	l.state.RequestStop()
	l.strikes[nodeID] = 0
	emit(Event{
		Type:     EventModeratorAction,
		AgentID:  nodeID,
		Role:     RoleModerator,
		Iter:     l.state.Iter(),
		Metadata: map[string]any{"action": string(ActionStop), "forced": true},
	})
}

// runSummarizersOnLast fires run-on-last summarizers after the final
// iteration of a run, unless the plan already picked them on it.
func (l *Lab) runSummarizersOnLast(ctx context.Context, emit EmitFunc) {
	iter := l.state.Iter()
	if iter == 0 {
		return
	}
	picked := make(map[string]bool)
	for _, id := range l.sched.Pick(iter, l.plan) {
		picked[id] = true
	}
	for _, id := range l.order {
		sn, ok := l.nodes[id].(*SummarizerNode)
		if !ok || !sn.RunOnLast() || picked[id] {
			continue
		}
		if err := l.runTurn(ctx, sn, emit); err != nil {
			l.logger.Warn("run-on-last summarizer failed", "node", id, "error", err)
			return
		}
	}
}

func (l *Lab) checkpoint(ctx context.Context, emit EmitFunc) error {
	blob, err := EncodeCheckpoint(l.state.Snapshot())
	if err != nil {
		return l.fatal(ctx, "encode_checkpoint", err, emit)
	}
	if err := l.store.SaveCheckpoint(ctx, l.threadID, blob); err != nil {
		return l.fatal(ctx, "save_checkpoint", err, emit)
	}
	if err := l.store.TouchThread(ctx, l.threadID); err != nil {
		l.logger.Warn("touch thread failed", "error", err)
	}
	return nil
}

// fatal records a terminal store failure: stop flag, errored status, a
// fatal error event, and the wrapped error for the Run/Stream caller.
func (l *Lab) fatal(ctx context.Context, op string, err error, emit EmitFunc) error {
	ferr := &FatalStoreError{Op: op, Err: err}
	l.logger.Error("fatal store failure", "op", op, "error", err)
	l.state.RequestStop()
	l.setStatus(StatusErrored)
	emit(Event{
		Type:     EventError,
		Iter:     l.state.Iter(),
		Content:  ferr.Error(),
		Metadata: map[string]any{"kind": "store", "fatal": true},
	})
	return ferr
}

func (l *Lab) waitIfPaused(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.status != StatusPaused {
			l.mu.Unlock()
			return nil
		}
		ch := l.resumeCh
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pause suspends the loop at the next suspension point. Only valid while
// running.
func (l *Lab) Pause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != StatusRunning {
		return ErrConversationNotActive
	}
	l.status = StatusPaused
	l.resumeCh = make(chan struct{})
	l.logger.Info("paused")
	return nil
}

// Resume continues a paused loop.
func (l *Lab) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != StatusPaused {
		return ErrConversationNotActive
	}
	l.status = StatusRunning
	close(l.resumeCh)
	l.logger.Info("resumed")
	return nil
}

// Stop requests the loop to end. In-flight provider or tool calls are not
// cancelled; they run to completion and their output is discarded. The loop
// observes the signal at the next suspension point.
func (l *Lab) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.status {
	case StatusRunning:
		l.status = StatusStopping
	case StatusPaused:
		l.status = StatusStopping
		close(l.resumeCh)
	default:
		return
	}
	l.externalStop.Store(true)
	l.state.RequestStop()
	l.logger.Info("stop requested")
}

// SetRounds changes the total rounds target of the current run.
func (l *Lab) SetRounds(n int) error {
	if n <= 0 {
		return &InvalidArgumentError{Arg: "rounds", Reason: "must be positive"}
	}
	l.roundsTarget.Store(int64(n))
	return nil
}

// ChangeTopic replaces the conversation objective. The change is recorded
// as a system entry in the durable transcript and reaches every node
// through the composed system prompt.
func (l *Lab) ChangeTopic(ctx context.Context, topic string) error {
	if strings.TrimSpace(topic) == "" {
		return &InvalidArgumentError{Arg: "topic", Reason: "empty"}
	}
	l.state.SetObjective(topic)
	entry := Entry{
		T:        l.state.NextEntryTime(),
		Iter:     l.state.Iter(),
		Role:     RoleSystem,
		Content:  topic,
		Metadata: map[string]any{"topic_change": true},
	}
	if err := l.store.AppendEntry(ctx, l.threadID, entry); err != nil {
		return &FatalStoreError{Op: "append_entry", Err: err}
	}
	l.logger.Info("topic changed")
	return nil
}

type postConfig struct {
	immediate bool
	persist   bool
}

// PostOption modifies how a user message is posted.
type PostOption func(*postConfig)

// PostImmediate also emits a user_message event right away, without waiting
// for a user-node turn.
func PostImmediate() PostOption {
	return func(c *postConfig) { c.immediate = true }
}

// PostPersist records the message as a completed user turn at post time:
// it is written to the transcript immediately and is not queued for a
// user-node turn. Use it when the caller is the authoritative human turn,
// including presets that schedule no user node at all.
func PostPersist() PostOption {
	return func(c *postConfig) { c.persist = true }
}

// PostUserMessage queues a user message for the thread's user node (FIFO;
// the next scheduled user turn consumes it). userID doubles as the user
// node id; with exactly one user node in the preset it may be empty.
// Returns ErrQueueFull when the node's inbox is at its bound.
func (l *Lab) PostUserMessage(content, userID string, opts ...PostOption) error {
	if strings.TrimSpace(content) == "" {
		return &InvalidArgumentError{Arg: "content", Reason: "empty"}
	}
	var pc postConfig
	for _, opt := range opts {
		opt(&pc)
	}

	nodeID := ""
	for _, id := range l.userNodes {
		if id == userID {
			nodeID = id
			break
		}
	}
	if nodeID == "" && len(l.userNodes) == 1 {
		nodeID = l.userNodes[0]
	}

	if pc.persist {
		agentID := nodeID
		if agentID == "" {
			agentID = userID
		}
		entry := Entry{
			T:       l.state.NextEntryTime(),
			Iter:    l.state.Iter(),
			AgentID: agentID,
			Role:    RoleUser,
			Content: content,
		}
		if userID != "" {
			entry.Metadata = map[string]any{"user_id": userID}
		}
		l.state.AppendEntry(entry)
		if err := l.store.AppendEntry(context.Background(), l.threadID, entry); err != nil {
			return &FatalStoreError{Op: "append_entry", Err: err}
		}
	} else {
		if nodeID == "" {
			return &InvalidArgumentError{Arg: "userID", Reason: "no matching user node in preset"}
		}
		if err := l.state.PushUserInput(nodeID, content, userID); err != nil {
			return err
		}
	}

	if pc.immediate {
		l.emitDetached(Event{
			Type:     EventUserMessage,
			AgentID:  nodeID,
			Role:     RoleUser,
			Iter:     l.state.Iter(),
			Content:  content,
			Metadata: map[string]any{"user_id": userID},
		})
	}
	return nil
}

// History returns the live window, oldest first. A positive limit returns
// the most recent limit entries.
func (l *Lab) History(limit int) []Entry {
	return l.state.History(limit)
}

// Transcript reads the durable transcript from the store, oldest first.
func (l *Lab) Transcript(ctx context.Context, limit int) ([]Entry, error) {
	return l.store.ReadTranscript(ctx, l.threadID, limit)
}

// ToolUsage returns the per-run and per-iteration tool counters.
func (l *Lab) ToolUsage() (perRun, perIteration map[string]int) {
	return l.state.ToolUsage()
}
