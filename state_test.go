package parley

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNextEntryTimeMonotonic(t *testing.T) {
	st := newTestState(func(c *stateConfig) {
		c.now = frozenClock(testEpoch)
	})

	prev := st.NextEntryTime()
	for i := 0; i < 5; i++ {
		next := st.NextEntryTime()
		if !next.After(prev) {
			t.Fatalf("timestamp %v not after %v on a frozen clock", next, prev)
		}
		prev = next
	}
}

func TestBeginIterationResetsPerIter(t *testing.T) {
	st := newTestState(func(c *stateConfig) {
		c.budgets = map[string]ToolBudget{"search": {PerIterationMax: 1}}
	})

	if got := st.BeginIteration(); got != 1 {
		t.Fatalf("first iteration = %d, want 1", got)
	}
	st.RecordToolCall("search")
	if ok, _ := st.CanCallTool("search"); ok {
		t.Fatal("per-iteration budget of 1 should refuse a second call")
	}
	st.BeginIteration()
	if ok, reason := st.CanCallTool("search"); !ok {
		t.Fatalf("budget should reset at iteration boundary, got refusal: %s", reason)
	}
}

func TestToolBudgetPerRun(t *testing.T) {
	st := newTestState(func(c *stateConfig) {
		c.budgets = map[string]ToolBudget{"search": {PerRunMax: 2}}
	})

	st.RecordToolCall("search")
	st.BeginIteration()
	st.RecordToolCall("search")
	st.BeginIteration()

	ok, reason := st.CanCallTool("search")
	if ok {
		t.Fatal("per-run budget of 2 should refuse a third call")
	}
	if !strings.Contains(reason, "per_run") {
		t.Errorf("refusal reason %q does not name the per_run scope", reason)
	}

	if ok, _ := st.CanCallTool("unbudgeted"); !ok {
		t.Error("tools without a budget should be unbounded")
	}
}

func TestHistoryWindowTrim(t *testing.T) {
	st := newTestState(func(c *stateConfig) { c.maxHistory = 3 })

	for i := 0; i < 5; i++ {
		st.AppendEntry(Entry{T: st.NextEntryTime(), AgentID: "alpha", Role: RoleAgent, Content: strings.Repeat("x", i+1)})
	}
	h := st.History(0)
	if len(h) != 3 {
		t.Fatalf("window holds %d entries, want 3", len(h))
	}
	if h[0].Content != "xxx" {
		t.Errorf("oldest kept entry = %q, want the third appended", h[0].Content)
	}
	if got := st.History(2); len(got) != 2 || got[1].Content != "xxxxx" {
		t.Errorf("History(2) = %v, want the two most recent entries", got)
	}
}

func TestRollback(t *testing.T) {
	st := newTestState()
	for i := 0; i < 4; i++ {
		st.AppendEntry(Entry{T: st.NextEntryTime(), Role: RoleAgent, Content: "turn"})
	}
	st.AppendSummary("a summary")

	if removed := st.Rollback(2, false); removed != 2 {
		t.Fatalf("Rollback(2) removed %d, want 2", removed)
	}
	if len(st.History(0)) != 2 {
		t.Fatalf("window holds %d entries after rollback, want 2", len(st.History(0)))
	}
	if st.LatestSummary() != "a summary" {
		t.Error("rollback without clearSummaries dropped the summary")
	}

	if removed := st.Rollback(10, true); removed != 2 {
		t.Errorf("over-long rollback removed %d, want 2 (clamped)", removed)
	}
	if st.LatestSummary() != "" {
		t.Error("clearSummaries should drop running summaries")
	}
}

func TestUserQueueBound(t *testing.T) {
	st := newTestState(func(c *stateConfig) { c.queueBound = 2 })

	if err := st.PushUserInput("u1", "first", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := st.PushUserInput("u1", "second", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := st.PushUserInput("u1", "third", "carol"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("push beyond bound = %v, want ErrQueueFull", err)
	}

	content, userID, ok := st.PopUserInput("u1")
	if !ok || content != "first" || userID != "alice" {
		t.Errorf("pop = (%q, %q, %v), want FIFO head (first, alice, true)", content, userID, ok)
	}
	if st.QueuedUserInputs("u1") != 1 {
		t.Errorf("queue depth = %d after one pop, want 1", st.QueuedUserInputs("u1"))
	}
	if _, _, ok := st.PopUserInput("empty"); ok {
		t.Error("pop on an unknown node should report not ok")
	}
}

func TestComposeMessages(t *testing.T) {
	st := newTestState()
	st.AppendEntry(Entry{T: st.NextEntryTime(), AgentID: "alpha", Role: RoleAgent, Content: "hello"})
	st.AppendEntry(Entry{T: st.NextEntryTime(), Role: RoleSystem, Content: "marker"})
	st.AppendEntry(Entry{T: st.NextEntryTime(), AgentID: "u1", Role: RoleUser, Content: "a question"})
	st.AppendSummary("so far so good")

	msgs := st.ComposeMessages("be brief", 0)
	if len(msgs) != 3 {
		t.Fatalf("composed %d messages, want 3 (system + agent + user)", len(msgs))
	}
	sys := msgs[0]
	if sys.Role != "system" || !strings.Contains(sys.Content, "be brief") {
		t.Errorf("system message = %+v, want the node prompt first", sys)
	}
	if !strings.Contains(sys.Content, "discuss the weather") {
		t.Error("system message should carry the objective")
	}
	if !strings.Contains(sys.Content, "so far so good") {
		t.Error("system message should carry the latest summary")
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "alpha: hello" {
		t.Errorf("agent entry mapped to %+v, want assistant with speaker prefix", msgs[1])
	}
	if msgs[2].Role != "user" || msgs[2].Content != "a question" {
		t.Errorf("user entry mapped to %+v", msgs[2])
	}
}

func TestComposeMessagesEmptyPrompt(t *testing.T) {
	st := newTestState(func(c *stateConfig) { c.objective = "" })
	st.AppendEntry(Entry{T: st.NextEntryTime(), Role: RoleUser, Content: "hi"})

	msgs := st.ComposeMessages("", 0)
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("composed %v, want only the user message when there is no system material", msgs)
	}
}

func TestSnapshotRestore(t *testing.T) {
	st := newTestState()
	st.BeginIteration()
	st.AppendEntry(Entry{T: st.NextEntryTime(), AgentID: "alpha", Role: RoleAgent, Content: "one"})
	st.AppendSummary("summary")
	st.RecordToolCall("search")
	st.SetObjective("new topic")
	if err := st.PushUserInput("u1", "pending", ""); err != nil {
		t.Fatal(err)
	}

	cp := st.Snapshot()
	if cp.Version != checkpointVersion || cp.Iter != 1 || cp.Objective != "new topic" {
		t.Fatalf("snapshot = %+v", cp)
	}
	if cp.QueueSizes["u1"] != 1 {
		t.Errorf("snapshot queue size = %d, want 1", cp.QueueSizes["u1"])
	}

	restored := newTestState()
	restored.RestoreSnapshot(cp)
	if restored.Iter() != 1 || restored.Objective() != "new topic" {
		t.Errorf("restored iter=%d objective=%q", restored.Iter(), restored.Objective())
	}
	if restored.LatestSummary() != "summary" {
		t.Error("summaries not restored")
	}
	if len(restored.History(0)) != 1 {
		t.Errorf("restored window holds %d entries, want 1", len(restored.History(0)))
	}
	perRun, _ := restored.ToolUsage()
	if perRun["search"] != 1 {
		t.Errorf("restored per-run counter = %d, want 1", perRun["search"])
	}
	// Queue contents are not carried across restarts.
	if restored.QueuedUserInputs("u1") != 0 {
		t.Error("queued messages should not survive a restore")
	}
	// Entry timestamps must stay monotonic past the restored window.
	last := cp.History[0].T
	if next := restored.NextEntryTime(); !next.After(last) {
		t.Errorf("post-restore timestamp %v not after restored entry %v", next, last)
	}
}

func TestRestoreTrimsToWindow(t *testing.T) {
	cp := &Checkpoint{Version: checkpointVersion, Iter: 3}
	base := testEpoch
	for i := 0; i < 5; i++ {
		cp.History = append(cp.History, Entry{T: base.Add(time.Duration(i) * time.Second), Role: RoleAgent, Content: "e"})
	}

	st := newTestState(func(c *stateConfig) { c.maxHistory = 2 })
	st.RestoreSnapshot(cp)
	if got := len(st.History(0)); got != 2 {
		t.Fatalf("restored window holds %d entries, want the bound of 2", got)
	}
}
