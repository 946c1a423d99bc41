package parley

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// defaultMaxConversations caps how many conversations an Adapter tracks at
// once.
const defaultMaxConversations = 100

// defaultHeartbeat is the idle gap after which StreamEvents emits a
// synthetic heartbeat event.
const defaultHeartbeat = time.Second

// defaultRounds is the run length when neither the start request nor the
// preset specifies one.
const defaultRounds = 10

// AdapterDeps bundles what the Adapter needs to spin up labs.
type AdapterDeps struct {
	Store     Store
	Presets   PresetSource
	Providers *ProviderRegistry
	Tools     *ToolRegistry
}

// ConversationStatus is the adapter-level view of a conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationPaused    ConversationStatus = "paused"
	ConversationStopped   ConversationStatus = "stopped"
	ConversationErrored   ConversationStatus = "errored"
	ConversationCompleted ConversationStatus = "completed"
)

// StartRequest describes a conversation to start (or resume).
type StartRequest struct {
	Preset string // preset reference, resolved through the PresetSource
	Topic  string // overrides the preset objective when non-empty
	UserID string
	ID     string // optional; empty = generate. Required for Resume.
	Resume bool   // resume from checkpoint when one exists for ID
	Rounds int    // run length; 0 = preset default
}

// ConversationInfo is a snapshot of one tracked conversation.
type ConversationInfo struct {
	ID        string
	Preset    string
	Topic     string
	UserID    string
	Status    ConversationStatus
	Iter      int
	Rounds    int
	CreatedAt time.Time
}

// conversation pairs a lab with its run goroutine bookkeeping.
type conversation struct {
	id      string
	preset  string
	topic   string
	userID  string
	rounds  int
	lab     *Lab
	cancel  context.CancelFunc
	created time.Time

	mu       sync.Mutex
	done     bool
	runErr   error
	stopped  bool // explicit StopConversation
}

// status maps lab state plus run bookkeeping to the adapter-level status.
func (c *conversation) status() ConversationStatus {
	c.mu.Lock()
	done, stopped := c.done, c.stopped
	c.mu.Unlock()

	switch c.lab.Status() {
	case StatusErrored:
		return ConversationErrored
	case StatusPaused:
		return ConversationPaused
	}
	if done || c.lab.Status() == StatusStopped {
		if stopped {
			return ConversationStopped
		}
		return ConversationCompleted
	}
	return ConversationActive
}

// Adapter multiplexes many labs behind one surface: lifecycle commands,
// per-conversation event streams and user-message posting. Frontends (the
// Telegram bot, the CLI service) talk to the engine exclusively through it.
type Adapter struct {
	deps      AdapterDeps
	logger    *slog.Logger
	tracer    Tracer
	maxConvs  int
	heartbeat time.Duration
	eventBuf  int
	labOpts   []Option

	mu    sync.Mutex
	convs map[string]*conversation
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithMaxConversations caps concurrently tracked conversations
// (default: 100). Starting beyond the cap fails with ErrCapacity.
func WithMaxConversations(n int) AdapterOption {
	return func(a *Adapter) {
		if n > 0 {
			a.maxConvs = n
		}
	}
}

// WithAdapterLogger sets the structured logger.
func WithAdapterLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = l }
}

// WithAdapterTracer sets the tracer passed down to labs.
func WithAdapterTracer(t Tracer) AdapterOption {
	return func(a *Adapter) { a.tracer = t }
}

// WithHeartbeat sets the idle gap after which event streams emit a
// heartbeat (default: 1s). Zero disables heartbeats.
func WithHeartbeat(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.heartbeat = d }
}

// WithAdapterEventBuffer sizes each stream's forwarding channel.
func WithAdapterEventBuffer(n int) AdapterOption {
	return func(a *Adapter) {
		if n > 0 {
			a.eventBuf = n
		}
	}
}

// WithLabOptions appends extra options applied to every lab the adapter
// creates (clock injection, history bounds).
func WithLabOptions(opts ...Option) AdapterOption {
	return func(a *Adapter) { a.labOpts = append(a.labOpts, opts...) }
}

// NewAdapter creates an Adapter.
func NewAdapter(deps AdapterDeps, opts ...AdapterOption) (*Adapter, error) {
	if deps.Store == nil {
		return nil, &InvalidArgumentError{Arg: "deps.Store", Reason: "required"}
	}
	if deps.Presets == nil {
		return nil, &InvalidArgumentError{Arg: "deps.Presets", Reason: "required"}
	}
	a := &Adapter{
		deps:      deps,
		logger:    nopLogger,
		maxConvs:  defaultMaxConversations,
		heartbeat: defaultHeartbeat,
		convs:     make(map[string]*conversation),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// StartConversation creates (or resumes) a conversation and starts its run
// loop in the background. Returns the conversation id.
//
// Errors: duplicate id → ErrConversationExists; unknown preset →
// *InvalidPresetError; capacity reached → ErrCapacity.
func (a *Adapter) StartConversation(ctx context.Context, req StartRequest) (string, error) {
	preset, err := a.deps.Presets.Get(req.Preset)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	if req.ID != "" {
		if _, ok := a.convs[req.ID]; ok {
			a.mu.Unlock()
			return "", ErrConversationExists
		}
	}
	if a.liveCountLocked() >= a.maxConvs {
		a.mu.Unlock()
		return "", ErrCapacity
	}
	a.mu.Unlock()

	// The topic override must not leak into the shared preset.
	p := *preset
	if req.Topic != "" {
		p.Objective = req.Topic
	}

	labOpts := append([]Option{}, a.labOpts...)
	labOpts = append(labOpts, WithLogger(a.logger))
	if a.tracer != nil {
		labOpts = append(labOpts, WithTracer(a.tracer))
	}
	if req.ID != "" {
		labOpts = append(labOpts, WithThreadID(req.ID))
		if !req.Resume {
			labOpts = append(labOpts, WithoutResume())
		}
	}

	lab, err := New(ctx, &p, Deps{
		Store:     a.deps.Store,
		Providers: a.deps.Providers,
		Tools:     a.deps.Tools,
	}, labOpts...)
	if err != nil {
		return "", err
	}

	rounds := req.Rounds
	if rounds <= 0 {
		rounds = p.Runtime.Rounds
	}
	if rounds <= 0 {
		rounds = defaultRounds
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conv := &conversation{
		id:      lab.ThreadID(),
		preset:  req.Preset,
		topic:   p.Objective,
		userID:  req.UserID,
		rounds:  rounds,
		lab:     lab,
		cancel:  cancel,
		created: time.Now(),
	}

	a.mu.Lock()
	if _, ok := a.convs[conv.id]; ok {
		a.mu.Unlock()
		cancel()
		return "", ErrConversationExists
	}
	if a.liveCountLocked() >= a.maxConvs {
		a.mu.Unlock()
		cancel()
		return "", ErrCapacity
	}
	a.convs[conv.id] = conv
	a.mu.Unlock()

	go func() {
		err := lab.Run(runCtx, rounds)
		conv.mu.Lock()
		conv.done = true
		conv.runErr = err
		conv.mu.Unlock()
		if err != nil {
			a.logger.Warn("conversation run ended with error",
				"conversation", conv.id, "error", err)
		}
	}()

	a.logger.Info("conversation started",
		"conversation", conv.id,
		"preset", req.Preset,
		"rounds", rounds,
		"resume", req.Resume)
	return conv.id, nil
}

// liveCountLocked counts conversations that still occupy capacity.
// Caller holds a.mu.
func (a *Adapter) liveCountLocked() int {
	n := 0
	for _, c := range a.convs {
		switch c.status() {
		case ConversationActive, ConversationPaused:
			n++
		}
	}
	return n
}

func (a *Adapter) conv(id string) (*conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.convs[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return c, nil
}

// PostUserMessage enqueues a user message for the conversation's user node
// and surfaces it on the event stream. Fails with ErrConversationNotFound
// or, for finished conversations, ErrConversationNotActive.
func (a *Adapter) PostUserMessage(id, content, userID string) error {
	c, err := a.conv(id)
	if err != nil {
		return err
	}
	switch c.status() {
	case ConversationActive, ConversationPaused:
	default:
		return ErrConversationNotActive
	}
	return c.lab.PostUserMessage(content, userID, PostImmediate())
}

// StreamEvents returns a channel yielding the conversation's events until
// the terminal event (run_complete or fatal error) or ctx ends. When the
// underlying feed stays idle longer than the heartbeat interval, a
// synthetic heartbeat event is yielded to keep long-lived consumers alive.
func (a *Adapter) StreamEvents(ctx context.Context, id string) (<-chan Event, error) {
	c, err := a.conv(id)
	if err != nil {
		return nil, err
	}
	src := c.lab.Events()
	buf := a.eventBuf
	if buf <= 0 {
		buf = 64
	}
	out := make(chan Event, buf)

	go func() {
		defer close(out)
		var timer *time.Timer
		var idle <-chan time.Time
		if a.heartbeat > 0 {
			timer = time.NewTimer(a.heartbeat)
			defer timer.Stop()
			idle = timer.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-src:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
				if timer != nil {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(a.heartbeat)
				}
			case <-idle:
				hb := Event{
					ThreadID: id,
					Type:     EventHeartbeat,
					Iter:     c.lab.Iter(),
					T:        time.Now(),
				}
				select {
				case out <- hb:
				case <-ctx.Done():
					return
				}
				timer.Reset(a.heartbeat)
			}
		}
	}()
	return out, nil
}

// PauseConversation pauses a running conversation at its next suspension
// point.
func (a *Adapter) PauseConversation(id string) error {
	c, err := a.conv(id)
	if err != nil {
		return err
	}
	return c.lab.Pause()
}

// ResumeConversation continues a paused conversation.
func (a *Adapter) ResumeConversation(id string) error {
	c, err := a.conv(id)
	if err != nil {
		return err
	}
	return c.lab.Resume()
}

// StopConversation requests a stop. In-flight provider and tool calls run
// to completion; the loop ends at the next suspension point.
func (a *Adapter) StopConversation(id string) error {
	c, err := a.conv(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.lab.Stop()
	return nil
}

// SetConversationRounds changes the rounds target of an active
// conversation.
func (a *Adapter) SetConversationRounds(id string, n int) error {
	c, err := a.conv(id)
	if err != nil {
		return err
	}
	switch c.status() {
	case ConversationActive, ConversationPaused:
	default:
		return ErrConversationNotActive
	}
	if err := c.lab.SetRounds(n); err != nil {
		return err
	}
	c.mu.Lock()
	c.rounds = n
	c.mu.Unlock()
	return nil
}

// ChangeConversationTopic replaces the objective of an active
// conversation.
func (a *Adapter) ChangeConversationTopic(ctx context.Context, id, topic string) error {
	c, err := a.conv(id)
	if err != nil {
		return err
	}
	switch c.status() {
	case ConversationActive, ConversationPaused:
	default:
		return ErrConversationNotActive
	}
	if err := c.lab.ChangeTopic(ctx, topic); err != nil {
		return err
	}
	c.mu.Lock()
	c.topic = topic
	c.mu.Unlock()
	return nil
}

// CanResumeConversation reports whether a resumable (non-opaque,
// known-version) checkpoint exists for the id.
func (a *Adapter) CanResumeConversation(ctx context.Context, id string) bool {
	return CanResume(ctx, a.deps.Store, id)
}

// Cleanup stops a conversation if needed and removes it from the adapter.
// The thread and its transcript remain in the store; use the store's
// DeleteThread to destroy data.
func (a *Adapter) Cleanup(id string) error {
	a.mu.Lock()
	c, ok := a.convs[id]
	if ok {
		delete(a.convs, id)
	}
	a.mu.Unlock()
	if !ok {
		return ErrConversationNotFound
	}
	c.lab.Stop()
	c.cancel()
	a.logger.Info("conversation cleaned up", "conversation", id)
	return nil
}

// Close stops and removes every conversation.
func (a *Adapter) Close() {
	a.mu.Lock()
	convs := make([]*conversation, 0, len(a.convs))
	for _, c := range a.convs {
		convs = append(convs, c)
	}
	a.convs = make(map[string]*conversation)
	a.mu.Unlock()
	for _, c := range convs {
		c.lab.Stop()
		c.cancel()
	}
}

// GetConversation returns a snapshot of one conversation.
func (a *Adapter) GetConversation(id string) (ConversationInfo, error) {
	c, err := a.conv(id)
	if err != nil {
		return ConversationInfo{}, err
	}
	return c.info(), nil
}

// Lab returns the underlying lab for direct reads (history, transcript,
// tool usage). Frontends must not drive its lifecycle directly.
func (a *Adapter) Lab(id string) (*Lab, error) {
	c, err := a.conv(id)
	if err != nil {
		return nil, err
	}
	return c.lab, nil
}

// ListConversations returns snapshots of all tracked conversations,
// oldest first.
func (a *Adapter) ListConversations() []ConversationInfo {
	a.mu.Lock()
	convs := make([]*conversation, 0, len(a.convs))
	for _, c := range a.convs {
		convs = append(convs, c)
	}
	a.mu.Unlock()
	sort.Slice(convs, func(i, j int) bool { return convs[i].created.Before(convs[j].created) })
	out := make([]ConversationInfo, len(convs))
	for i, c := range convs {
		out[i] = c.info()
	}
	return out
}

func (c *conversation) info() ConversationInfo {
	c.mu.Lock()
	topic, rounds := c.topic, c.rounds
	c.mu.Unlock()
	return ConversationInfo{
		ID:        c.id,
		Preset:    c.preset,
		Topic:     topic,
		UserID:    c.userID,
		Status:    c.status(),
		Iter:      c.lab.Iter(),
		Rounds:    rounds,
		CreatedAt: c.created,
	}
}

// Stats counts tracked conversations by status.
func (a *Adapter) Stats() map[ConversationStatus]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := map[ConversationStatus]int{
		ConversationActive:    0,
		ConversationPaused:    0,
		ConversationStopped:   0,
		ConversationErrored:   0,
		ConversationCompleted: 0,
	}
	for _, c := range a.convs {
		stats[c.status()]++
	}
	return stats
}
