package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nevindra/parley"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestThreadLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := parley.Thread{ID: "th-a", PresetRef: "debate", CreatedAt: 100, UpdatedAt: 100}
	b := parley.Thread{ID: "th-b", PresetRef: "debate", CreatedAt: 200, UpdatedAt: 200}
	c := parley.Thread{ID: "th-c", PresetRef: "standup", CreatedAt: 300, UpdatedAt: 300}
	for _, th := range []parley.Thread{a, b, c} {
		if err := s.CreateThread(ctx, th); err != nil {
			t.Fatalf("CreateThread(%s): %v", th.ID, err)
		}
	}

	// Re-creating an existing id must not error or clobber timestamps.
	if err := s.CreateThread(ctx, parley.Thread{ID: "th-a", PresetRef: "debate", CreatedAt: 999}); err != nil {
		t.Fatalf("re-create: %v", err)
	}

	all, err := s.ListThreads(ctx, "")
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all threads = %d, want 3", len(all))
	}
	// Most recently updated first.
	if all[0].ID != "th-c" || all[2].ID != "th-a" {
		t.Errorf("order = %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}
	if all[2].CreatedAt != 100 {
		t.Errorf("th-a created_at = %d after re-create, want 100", all[2].CreatedAt)
	}

	debate, err := s.ListThreads(ctx, "debate")
	if err != nil {
		t.Fatalf("ListThreads(debate): %v", err)
	}
	if len(debate) != 2 {
		t.Errorf("debate threads = %d, want 2", len(debate))
	}

	if err := s.TouchThread(ctx, "th-a"); err != nil {
		t.Fatalf("TouchThread: %v", err)
	}
	all, _ = s.ListThreads(ctx, "")
	if all[0].ID != "th-a" {
		t.Errorf("after touch, first = %s, want th-a", all[0].ID)
	}
}

func TestDeleteThreadCascades(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateThread(ctx, parley.Thread{ID: "th-1", PresetRef: "p"}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	e := parley.Entry{T: time.Unix(0, 1000), Iter: 1, AgentID: "alpha", Role: parley.RoleAgent, Content: "hi"}
	if err := s.AppendEntry(ctx, "th-1", e); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, "th-1", []byte(`{"version":1}`)); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	if err := s.DeleteThread(ctx, "th-1"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	entries, err := s.ReadTranscript(ctx, "th-1", 0)
	if err != nil {
		t.Fatalf("ReadTranscript: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries survived delete: %d", len(entries))
	}
	blob, err := s.LoadCheckpoint(ctx, "th-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if blob != nil {
		t.Errorf("checkpoint survived delete")
	}
}

func TestTranscriptOrderAndLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateThread(ctx, parley.Thread{ID: "th-1", PresetRef: "p"}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	contents := []string{"one", "two", "three", "four", "five"}
	for i, c := range contents {
		e := parley.Entry{
			T:       base.Add(time.Duration(i) * time.Second),
			Iter:    i + 1,
			AgentID: "alpha",
			Role:    parley.RoleAgent,
			Content: c,
		}
		if i == 4 {
			e.Metadata = map[string]any{"citations": []any{"https://x.example"}}
		}
		if err := s.AppendEntry(ctx, "th-1", e); err != nil {
			t.Fatalf("AppendEntry(%d): %v", i, err)
		}
	}

	all, err := s.ReadTranscript(ctx, "th-1", 0)
	if err != nil {
		t.Fatalf("ReadTranscript: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("entries = %d, want 5", len(all))
	}
	for i, e := range all {
		if e.Content != contents[i] {
			t.Errorf("entry %d = %q, want %q", i, e.Content, contents[i])
		}
		if i > 0 && !all[i-1].T.Before(e.T) {
			t.Errorf("entries not chronological at %d", i)
		}
	}
	if all[4].Metadata == nil {
		t.Error("metadata lost on round trip")
	}

	// A limit keeps the most recent entries, still oldest first.
	tail, err := s.ReadTranscript(ctx, "th-1", 2)
	if err != nil {
		t.Fatalf("ReadTranscript(limit): %v", err)
	}
	if len(tail) != 2 || tail[0].Content != "four" || tail[1].Content != "five" {
		t.Errorf("tail = %+v", tail)
	}

	other, err := s.ReadTranscript(ctx, "th-none", 0)
	if err != nil {
		t.Fatalf("ReadTranscript(missing): %v", err)
	}
	if len(other) != 0 {
		t.Errorf("missing thread returned %d entries", len(other))
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	blob, err := s.LoadCheckpoint(ctx, "th-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint(absent): %v", err)
	}
	if blob != nil {
		t.Fatalf("absent checkpoint = %q, want nil", blob)
	}

	first := []byte(`{"version":1,"iter":3}`)
	if err := s.SaveCheckpoint(ctx, "th-1", first); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	got, err := s.LoadCheckpoint(ctx, "th-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if string(got) != string(first) {
		t.Errorf("blob = %q, want %q", got, first)
	}

	second := []byte(`{"version":1,"iter":4}`)
	if err := s.SaveCheckpoint(ctx, "th-1", second); err != nil {
		t.Fatalf("SaveCheckpoint(overwrite): %v", err)
	}
	got, _ = s.LoadCheckpoint(ctx, "th-1")
	if string(got) != string(second) {
		t.Errorf("blob after overwrite = %q", got)
	}
}

func TestKV(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	v, err := s.GetValue(ctx, "missing")
	if err != nil {
		t.Fatalf("GetValue(missing): %v", err)
	}
	if v != "" {
		t.Errorf("missing key = %q", v)
	}

	if err := s.SetValue(ctx, "task-status-deals", `{"run_count":2}`); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	v, err = s.GetValue(ctx, "task-status-deals")
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if v != `{"run_count":2}` {
		t.Errorf("value = %q", v)
	}

	if err := s.SetValue(ctx, "task-status-deals", `{"run_count":3}`); err != nil {
		t.Fatalf("SetValue(overwrite): %v", err)
	}
	v, _ = s.GetValue(ctx, "task-status-deals")
	if v != `{"run_count":3}` {
		t.Errorf("value after overwrite = %q", v)
	}

	if err := s.DeleteValue(ctx, "task-status-deals"); err != nil {
		t.Fatalf("DeleteValue: %v", err)
	}
	v, _ = s.GetValue(ctx, "task-status-deals")
	if v != "" {
		t.Errorf("value after delete = %q", v)
	}

	if err := s.DeleteValue(ctx, "never-there"); err != nil {
		t.Errorf("DeleteValue(missing): %v", err)
	}
}
