package parley

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// KV keys for task persistence.
func taskConfigKey(id string) string { return "task-config-" + id }
func taskStatusKey(id string) string { return "task-status-" + id }

// TaskScheduler runs registered tasks on their schedules. A single
// background loop wakes on a ticker, checks each enabled task's schedule
// against its last run, and dispatches due tasks to a bounded worker pool.
// At most one run per task id is in flight at a time; when the pool is
// full, dispatch is deferred to the next wake.
//
// Task runs never touch conversation state. Each run gets its own context
// derived from the scheduler's; cancelling the scheduler cancels in-flight
// runs, which then report status "stopped".
type TaskScheduler struct {
	store  Store
	logger *slog.Logger
	tracer Tracer
	now    func() time.Time

	tick          time.Duration
	maxConcurrent int
	runHook       func(taskID string, state TaskState, d time.Duration)

	mu       sync.Mutex
	tasks    map[string]*Task
	statuses map[string]*TaskStatus
	inflight map[string]bool
	order    []string // registration order, for deterministic sweeps

	slots  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// TaskSchedulerOption configures a TaskScheduler.
type TaskSchedulerOption func(*TaskScheduler)

// WithTickInterval sets how often the scheduler loop wakes to evaluate
// schedules (default: 1 minute).
func WithTickInterval(d time.Duration) TaskSchedulerOption {
	return func(s *TaskScheduler) { s.tick = d }
}

// WithMaxConcurrent bounds the number of task runs in flight at once
// (default: 4).
func WithMaxConcurrent(n int) TaskSchedulerOption {
	return func(s *TaskScheduler) { s.maxConcurrent = n }
}

// WithTaskLogger sets the structured logger.
func WithTaskLogger(l *slog.Logger) TaskSchedulerOption {
	return func(s *TaskScheduler) { s.logger = l }
}

// WithTaskTracer sets the tracer used to span each task run.
func WithTaskTracer(t Tracer) TaskSchedulerOption {
	return func(s *TaskScheduler) { s.tracer = t }
}

// WithTaskClock overrides the scheduler's clock. Test hook.
func WithTaskClock(now func() time.Time) TaskSchedulerOption {
	return func(s *TaskScheduler) { s.now = now }
}

// WithRunHook registers a callback invoked after every finished run with
// the task id, the resulting state and the run duration. Used for metrics.
func WithRunHook(fn func(taskID string, state TaskState, d time.Duration)) TaskSchedulerOption {
	return func(s *TaskScheduler) { s.runHook = fn }
}

// NewTaskScheduler creates a scheduler persisting task state to store.
// The store may be nil; state then lives only in memory.
func NewTaskScheduler(store Store, opts ...TaskSchedulerOption) *TaskScheduler {
	s := &TaskScheduler{
		store:         store,
		logger:        nopLogger,
		now:           time.Now,
		tick:          time.Minute,
		maxConcurrent: 4,
		tasks:         make(map[string]*Task),
		statuses:      make(map[string]*TaskStatus),
		inflight:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxConcurrent < 1 {
		s.maxConcurrent = 1
	}
	s.slots = make(chan struct{}, s.maxConcurrent)
	return s
}

// Register adds a task. Persisted status for the same id (from a previous
// process) is restored so run counts and the re-run guard survive
// restarts. Returns an error if the id is empty or already registered.
func (s *TaskScheduler) Register(ctx context.Context, task Task) error {
	if task.Config.ID == "" {
		return &InvalidArgumentError{Arg: "task.id", Reason: "must not be empty"}
	}
	if len(task.Sources) == 0 {
		return &InvalidArgumentError{Arg: "task.sources", Reason: "at least one source required"}
	}
	if task.Process == nil {
		task.Process = DefaultProcessor{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := task.Config.ID
	if _, ok := s.tasks[id]; ok {
		return &InvalidArgumentError{Arg: "task.id", Reason: fmt.Sprintf("task %q already registered", id)}
	}

	st := &TaskStatus{ID: id, State: TaskCreated}
	if s.store != nil {
		if raw, err := s.store.GetValue(ctx, taskStatusKey(id)); err == nil && raw != "" {
			var prev TaskStatus
			if err := json.Unmarshal([]byte(raw), &prev); err == nil {
				st = &prev
				// A run that was in flight when the process died is over.
				if st.State == TaskRunning {
					st.State = TaskStopped
				}
			}
		}
		if blob, err := json.Marshal(task.Config); err == nil {
			if err := s.store.SetValue(ctx, taskConfigKey(id), string(blob)); err != nil {
				s.logger.Warn("persist task config failed", "task", id, "error", err)
			}
		}
	}

	s.tasks[id] = &task
	s.statuses[id] = st
	s.order = append(s.order, id)
	s.logger.Info("task registered",
		"task", id,
		"schedule", string(task.Config.Schedule.Type)+" "+task.Config.Schedule.Value,
		"enabled", task.Config.Enabled)
	return nil
}

// Start launches the background scheduler loop. It returns immediately;
// the loop runs until Stop is called or ctx is cancelled.
func (s *TaskScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		s.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
	s.logger.Info("task scheduler started", "tick", s.tick, "max_concurrent", s.maxConcurrent)
}

// Stop cancels the loop and waits for in-flight runs to finish, bounded by
// ctx.
func (s *TaskScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	finished := make(chan struct{})
	go func() {
		<-done
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single scheduling sweep synchronously: every due task
// is dispatched and RunOnce waits for those runs to finish. Test hook, and
// useful for one-shot CLI invocations.
func (s *TaskScheduler) RunOnce(ctx context.Context) {
	s.sweep(ctx)
	s.wg.Wait()
}

// TaskStatuses returns a snapshot of all task statuses, ordered by
// registration.
func (s *TaskScheduler) TaskStatuses() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.statuses[id])
	}
	return out
}

// sweep evaluates every enabled task once and dispatches the due ones.
func (s *TaskScheduler) sweep(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*Task
	for _, id := range s.order {
		task := s.tasks[id]
		if !task.Config.Enabled {
			continue
		}
		if s.inflight[id] {
			continue
		}
		st := s.statuses[id]
		if !task.Config.Schedule.Due(st.lastRunTime(), now) {
			continue
		}
		due = append(due, task)
	}
	s.mu.Unlock()

	for _, task := range due {
		select {
		case s.slots <- struct{}{}:
		default:
			// Pool full. The task stays due and is picked up next wake.
			s.logger.Warn("worker pool full, deferring task", "task", task.Config.ID)
			continue
		}
		s.mu.Lock()
		if s.inflight[task.Config.ID] {
			s.mu.Unlock()
			<-s.slots
			continue
		}
		s.inflight[task.Config.ID] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go func(task *Task) {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.runTask(ctx, task)
		}(task)
	}
}

// runTask executes one full pipeline run and records the outcome.
func (s *TaskScheduler) runTask(ctx context.Context, task *Task) {
	id := task.Config.ID
	started := s.now()

	var span Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "task.run", StringAttr("task.id", id))
		defer span.End()
	}

	s.setStatus(ctx, id, func(st *TaskStatus) {
		st.State = TaskRunning
		st.RunCount++
		st.LastRun = started.Unix()
	})

	err := s.runPipeline(ctx, task)
	final := TaskCompleted
	switch {
	case ctx.Err() != nil:
		final = TaskStopped
		s.logger.Info("task run cancelled", "task", id)
	case err != nil:
		final = TaskError
		if span != nil {
			span.Error(err)
		}
		s.logger.Error("task run failed", "task", id, "error", err)
	default:
		s.logger.Info("task run completed", "task", id, "duration", s.now().Sub(started))
	}

	// Persist final accounting even if ctx is cancelled.
	pctx := context.WithoutCancel(ctx)
	s.setStatus(pctx, id, func(st *TaskStatus) {
		st.State = final
		if final == TaskError {
			st.ErrorCount++
			st.LastError = err.Error()
		} else {
			st.LastError = ""
		}
		next := task.Config.Schedule.Next(started, s.now())
		if !next.IsZero() {
			st.NextRun = next.Unix()
		}
	})

	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()

	if s.runHook != nil {
		s.runHook(id, final, s.now().Sub(started))
	}
}

// runPipeline drives sources → normalizer → processor → sinks.
func (s *TaskScheduler) runPipeline(ctx context.Context, task *Task) error {
	cfg := task.Config

	var raw []map[string]any
	for _, src := range task.Sources {
		records, err := src.Fetch(ctx, cfg.Params)
		if err != nil {
			return fmt.Errorf("source %s: %w", src.Name(), err)
		}
		raw = append(raw, records...)
	}

	listings := make([]Listing, 0, len(raw))
	for _, rec := range raw {
		if task.Normalize == nil {
			return fmt.Errorf("task %s: no normalizer configured", cfg.ID)
		}
		l, err := task.Normalize.Normalize(rec)
		if err != nil {
			s.logger.Warn("dropping record", "task", cfg.ID, "error", err)
			continue
		}
		if err := l.Validate(); err != nil {
			s.logger.Warn("dropping invalid listing", "task", cfg.ID, "listing", l.ID, "error", err)
			continue
		}
		listings = append(listings, l)
	}

	listings = task.Process.Process(listings, ProcessorParamsFrom(cfg.Params))
	s.logger.Debug("pipeline processed", "task", cfg.ID, "raw", len(raw), "kept", len(listings))

	// Sink failures do not fail the run or each other.
	for _, sink := range task.Sinks {
		if err := sink.Deliver(ctx, cfg, listings); err != nil {
			s.logger.Error("sink delivery failed", "task", cfg.ID, "sink", sink.Name(), "error", err)
		}
	}
	return ctx.Err()
}

// setStatus applies fn to the task's status under lock and persists the
// result.
func (s *TaskScheduler) setStatus(ctx context.Context, id string, fn func(*TaskStatus)) {
	s.mu.Lock()
	st, ok := s.statuses[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	fn(st)
	snapshot := *st
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	blob, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := s.store.SetValue(ctx, taskStatusKey(id), string(blob)); err != nil {
		s.logger.Warn("persist task status failed", "task", id, "error", err)
	}
}
