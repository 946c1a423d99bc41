package parley

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubSource returns a fixed batch of raw records.
type stubSource struct {
	name    string
	records []map[string]any
	err     error

	mu    sync.Mutex
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(_ context.Context, _ map[string]any) ([]map[string]any, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.records, s.err
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// passNormalizer maps records that already look like listings.
type passNormalizer struct{}

func (passNormalizer) Normalize(raw map[string]any) (Listing, error) {
	id, _ := raw["id"].(string)
	if id == "" {
		return Listing{}, errors.New("no id")
	}
	title, _ := raw["title"].(string)
	price, _ := raw["price"].(float64)
	return Listing{ID: id, Title: title, Price: price, Currency: "USD", URL: "https://x/" + id}, nil
}

// captureSink records what was delivered.
type captureSink struct {
	mu        sync.Mutex
	delivered [][]Listing
	err       error
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Deliver(_ context.Context, _ TaskConfig, listings []Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, listings)
	return s.err
}

func (s *captureSink) last() []Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.delivered) == 0 {
		return nil
	}
	return s.delivered[len(s.delivered)-1]
}

func dealTask(id string, src Source, sink Sink, params map[string]any) Task {
	return Task{
		Config: TaskConfig{
			ID:       id,
			Name:     id,
			Schedule: mustSchedule("interval", "30m"),
			Params:   params,
			Enabled:  true,
		},
		Sources:   []Source{src},
		Normalize: passNormalizer{},
		Process:   DefaultProcessor{},
		Sinks:     []Sink{sink},
	}
}

func mustSchedule(typ, value string) Schedule {
	s, err := ParseSchedule(typ, value)
	if err != nil {
		panic(err)
	}
	return s
}

func TestTaskPipeline(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{name: "stub", records: []map[string]any{
		{"id": "1", "title": "couch", "price": 10.0},
		{"id": "2", "title": "piano", "price": 200.0},
		{"id": "3", "title": "lamp", "price": 50.0},
		{"title": "no id, dropped"},
	}}
	sink := &captureSink{}
	store := newMemStore()

	sched := NewTaskScheduler(store, WithTaskClock(frozenClock(testEpoch)))
	params := map[string]any{"min_price": 0.0, "max_price": 100.0, "top_n": 5.0}
	if err := sched.Register(ctx, dealTask("deals", src, sink, params)); err != nil {
		t.Fatal(err)
	}

	sched.RunOnce(ctx)

	got := sink.last()
	if len(got) != 2 {
		t.Fatalf("delivered %d listings, want 2 within the price range", len(got))
	}
	// ascending by price
	if got[0].ID != "1" || got[1].ID != "3" {
		t.Errorf("delivered order = %s, %s, want 1 then 3", got[0].ID, got[1].ID)
	}

	statuses := sched.TaskStatuses()
	if len(statuses) != 1 {
		t.Fatalf("statuses = %v", statuses)
	}
	st := statuses[0]
	if st.State != TaskCompleted || st.RunCount != 1 || st.ErrorCount != 0 {
		t.Errorf("status = %+v", st)
	}
	if st.NextRun == 0 {
		t.Error("next run not recorded")
	}

	// Accounting is persisted to the KV namespace.
	raw, err := store.GetValue(ctx, "task-status-deals")
	if err != nil || raw == "" {
		t.Fatalf("persisted status = (%q, %v)", raw, err)
	}
	var persisted TaskStatus
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted.State != TaskCompleted {
		t.Errorf("persisted state = %s", persisted.State)
	}
}

func TestTaskSourceFailure(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{name: "stub", err: errors.New("upstream down")}
	sink := &captureSink{}

	sched := NewTaskScheduler(nil, WithTaskClock(frozenClock(testEpoch)))
	if err := sched.Register(ctx, dealTask("deals", src, sink, nil)); err != nil {
		t.Fatal(err)
	}
	sched.RunOnce(ctx)

	st := sched.TaskStatuses()[0]
	if st.State != TaskError || st.ErrorCount != 1 || st.LastError == "" {
		t.Errorf("status after source failure = %+v", st)
	}
	if len(sink.delivered) != 0 {
		t.Error("sink reached despite source failure")
	}
}

func TestTaskSinkFailureDoesNotFailRun(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{name: "stub", records: []map[string]any{{"id": "1", "title": "x", "price": 1.0}}}
	sink := &captureSink{err: errors.New("chat is down")}

	sched := NewTaskScheduler(nil, WithTaskClock(frozenClock(testEpoch)))
	if err := sched.Register(ctx, dealTask("deals", src, sink, nil)); err != nil {
		t.Fatal(err)
	}
	sched.RunOnce(ctx)

	if st := sched.TaskStatuses()[0]; st.State != TaskCompleted {
		t.Errorf("state = %s, want completed despite sink failure", st.State)
	}
}

func TestTaskRerunGuardAcrossSweeps(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{name: "stub"}
	sink := &captureSink{}

	sched := NewTaskScheduler(nil, WithTaskClock(frozenClock(testEpoch)))
	if err := sched.Register(ctx, dealTask("deals", src, sink, nil)); err != nil {
		t.Fatal(err)
	}
	sched.RunOnce(ctx)
	sched.RunOnce(ctx)
	if src.callCount() != 1 {
		t.Errorf("source fetched %d times, want 1 (second sweep inside the guard)", src.callCount())
	}
}

func TestTaskRegisterValidation(t *testing.T) {
	ctx := context.Background()
	sched := NewTaskScheduler(nil)
	src := &stubSource{name: "stub"}

	task := dealTask("deals", src, &captureSink{}, nil)
	task.Config.ID = ""
	if err := sched.Register(ctx, task); err == nil {
		t.Error("empty id accepted")
	}

	task = dealTask("deals", src, &captureSink{}, nil)
	task.Sources = nil
	if err := sched.Register(ctx, task); err == nil {
		t.Error("task without sources accepted")
	}

	if err := sched.Register(ctx, dealTask("deals", src, &captureSink{}, nil)); err != nil {
		t.Fatal(err)
	}
	if err := sched.Register(ctx, dealTask("deals", src, &captureSink{}, nil)); err == nil {
		t.Error("duplicate id accepted")
	}
}

func TestTaskDisabledNeverRuns(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{name: "stub"}
	sched := NewTaskScheduler(nil, WithTaskClock(frozenClock(testEpoch)))

	task := dealTask("deals", src, &captureSink{}, nil)
	task.Config.Enabled = false
	if err := sched.Register(ctx, task); err != nil {
		t.Fatal(err)
	}
	sched.RunOnce(ctx)
	if src.callCount() != 0 {
		t.Error("disabled task ran")
	}
}

func TestTaskStatusRestoredOnRegister(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	prev := TaskStatus{ID: "deals", State: TaskRunning, RunCount: 9, LastRun: testEpoch.Unix()}
	blob, _ := json.Marshal(prev)
	if err := store.SetValue(ctx, "task-status-deals", string(blob)); err != nil {
		t.Fatal(err)
	}

	sched := NewTaskScheduler(store, WithTaskClock(frozenClock(testEpoch.Add(time.Minute))))
	if err := sched.Register(ctx, dealTask("deals", &stubSource{name: "stub"}, &captureSink{}, nil)); err != nil {
		t.Fatal(err)
	}

	st := sched.TaskStatuses()[0]
	if st.RunCount != 9 {
		t.Errorf("run count = %d, want restored 9", st.RunCount)
	}
	// A run in flight when the previous process died is over.
	if st.State != TaskStopped {
		t.Errorf("state = %s, want stopped", st.State)
	}

	// The restored last-run keeps the re-run guard effective.
	sched.RunOnce(ctx)
	if sched.TaskStatuses()[0].RunCount != 9 {
		t.Error("task ran inside the restored guard window")
	}
}

func TestTaskRunHook(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var hookID string
	var hookState TaskState

	sched := NewTaskScheduler(nil,
		WithTaskClock(frozenClock(testEpoch)),
		WithRunHook(func(taskID string, state TaskState, _ time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			hookID, hookState = taskID, state
		}))
	src := &stubSource{name: "stub", records: []map[string]any{{"id": "1", "title": "x", "price": 1.0}}}
	if err := sched.Register(ctx, dealTask("deals", src, &captureSink{}, nil)); err != nil {
		t.Fatal(err)
	}
	sched.RunOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if hookID != "deals" || hookState != TaskCompleted {
		t.Errorf("hook saw (%q, %s)", hookID, hookState)
	}
}

func TestProcessorParamsFrom(t *testing.T) {
	p := ProcessorParamsFrom(map[string]any{
		"min_price": 10,
		"max_price": 250.5,
		"currency":  "EUR",
		"top_n":     3,
	})
	if p.MinPrice != 10 || p.MaxPrice != 250.5 || p.Currency != "EUR" || p.TopN != 3 {
		t.Errorf("params = %+v", p)
	}
	if got := ProcessorParamsFrom(nil); got != (ProcessorParams{}) {
		t.Errorf("nil params = %+v", got)
	}
}

func TestDefaultProcessor(t *testing.T) {
	listings := []Listing{
		{ID: "a", Price: 30, Currency: "USD"},
		{ID: "b", Price: 10, Currency: "USD"},
		{ID: "c", Price: 20, Currency: "EUR"},
		{ID: "d", Price: 500, Currency: "USD"},
	}
	got := DefaultProcessor{}.Process(listings, ProcessorParams{MaxPrice: 100, Currency: "USD", TopN: 1})
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("processed = %v, want the cheapest USD listing", got)
	}
	// zero params keep everything, sorted by price
	all := DefaultProcessor{}.Process(listings, ProcessorParams{})
	if len(all) != 4 || all[0].ID != "b" || all[3].ID != "d" {
		t.Errorf("unfiltered = %v", all)
	}
}

func TestListingValidate(t *testing.T) {
	good := Listing{ID: "1", Title: "x", URL: "https://x", Currency: "USD"}
	if err := good.Validate(); err != nil {
		t.Fatal(err)
	}
	bad := []Listing{
		{Title: "x", URL: "u", Currency: "USD"},
		{ID: "1", URL: "u", Currency: "USD"},
		{ID: "1", Title: "x", Currency: "USD"},
		{ID: "1", Title: "x", URL: "u"},
		{ID: "1", Title: "x", URL: "u", Currency: "USD", Price: -1},
	}
	for i, l := range bad {
		if err := l.Validate(); err == nil {
			t.Errorf("case %d accepted: %+v", i, l)
		}
	}
}

func TestTaskConfigFromSpec(t *testing.T) {
	cfg, err := TaskConfigFromSpec(TaskSpec{
		ID:       "deals",
		Schedule: ScheduleSpec{Type: "interval", Value: "1h"},
		Sinks:    []string{"telegram"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "deals" || !cfg.Enabled || cfg.Schedule.Type != ScheduleInterval {
		t.Errorf("config = %+v", cfg)
	}

	if _, err := TaskConfigFromSpec(TaskSpec{ID: "x", Schedule: ScheduleSpec{Type: "cron", Value: "bad"}}); err == nil {
		t.Error("bad schedule accepted")
	}
}

func TestTaskSchedulerStartStop(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{name: "stub", records: []map[string]any{{"id": "1", "title": "x", "price": 1.0}}}
	sink := &captureSink{}

	sched := NewTaskScheduler(nil, WithTickInterval(time.Hour))
	if err := sched.Register(ctx, dealTask("deals", src, sink, nil)); err != nil {
		t.Fatal(err)
	}
	sched.Start(ctx)
	// Start is idempotent.
	sched.Start(ctx)

	// The initial sweep dispatches the never-run interval task.
	deadline := time.After(5 * time.Second)
	for src.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("initial sweep never ran the task")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
	// Stop with no loop running is a no-op.
	if err := sched.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
}
