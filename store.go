package parley

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store abstracts thread persistence: the append-only transcript, resumable
// checkpoints, and a small key-value area (task state lives there under
// "task-config-<id>" / "task-status-<id>" keys).
//
// Per-thread write serialization is the Lab's job (one Lab owns one thread);
// stores must still be safe for concurrent use across threads.
type Store interface {
	// --- Threads ---
	CreateThread(ctx context.Context, th Thread) error
	TouchThread(ctx context.Context, threadID string) error
	ListThreads(ctx context.Context, presetRef string) ([]Thread, error)
	DeleteThread(ctx context.Context, threadID string) error

	// --- Transcript ---
	AppendEntry(ctx context.Context, threadID string, e Entry) error
	// ReadTranscript returns entries in chronological order. A positive
	// limit returns only the most recent limit entries, still oldest first.
	ReadTranscript(ctx context.Context, threadID string, limit int) ([]Entry, error)

	// --- Checkpoints ---
	SaveCheckpoint(ctx context.Context, threadID string, blob []byte) error
	// LoadCheckpoint returns nil with no error when no checkpoint exists.
	LoadCheckpoint(ctx context.Context, threadID string) ([]byte, error)

	// --- Key-value ---
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string) error
	DeleteValue(ctx context.Context, key string) error

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}

// checkpointVersion is bumped when the snapshot layout changes. Loads of an
// unknown version are refused rather than misread.
const checkpointVersion = 1

// opaqueMarkerKey flags snapshots written by foreign serializers (the
// original system pickled whole state objects under this marker). Such
// blobs cannot be resumed and DecodeCheckpoint refuses them.
const opaqueMarkerKey = "_pickled"

// Checkpoint is the structured snapshot of a thread's State written at each
// iteration boundary. It carries everything needed to resume: iteration,
// objective, summaries, live window, per-run tool counters. Queue contents
// are not carried, only their sizes.
type Checkpoint struct {
	Version    int            `json:"version"`
	ThreadID   string         `json:"thread_id"`
	PresetRef  string         `json:"preset_ref"`
	Iter       int            `json:"iter"`
	Objective  string         `json:"objective,omitempty"`
	Summaries  []string       `json:"summaries,omitempty"`
	StopFlag   bool           `json:"stop_flag"`
	History    []Entry        `json:"history"`
	PerRun     map[string]int `json:"per_run,omitempty"`
	QueueSizes map[string]int `json:"queue_sizes,omitempty"`
	SavedAt    int64          `json:"saved_at"`
}

// EncodeCheckpoint serializes a checkpoint for SaveCheckpoint.
func EncodeCheckpoint(cp *Checkpoint) ([]byte, error) {
	return json.Marshal(cp)
}

// DecodeCheckpoint parses a checkpoint blob. Blobs carrying the opaque
// snapshot marker or an unknown version return ErrOpaqueCheckpoint; they
// were written by a serializer this engine cannot resume from.
func DecodeCheckpoint(blob []byte) (*Checkpoint, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(blob, &probe); err != nil {
		return nil, fmt.Errorf("malformed checkpoint: %w", err)
	}
	if _, ok := probe[opaqueMarkerKey]; ok {
		return nil, ErrOpaqueCheckpoint
	}
	var cp Checkpoint
	if err := json.Unmarshal(blob, &cp); err != nil {
		return nil, fmt.Errorf("malformed checkpoint: %w", err)
	}
	if cp.Version != checkpointVersion {
		return nil, ErrOpaqueCheckpoint
	}
	return &cp, nil
}

// CanResume reports whether a thread has a checkpoint this engine can
// resume from: present, structured, and of a known version.
func CanResume(ctx context.Context, store Store, threadID string) bool {
	blob, err := store.LoadCheckpoint(ctx, threadID)
	if err != nil || blob == nil {
		return false
	}
	_, err = DecodeCheckpoint(blob)
	return err == nil
}

// EntryMetadataJSON round-trips an Entry's metadata through JSON so stores
// can persist it in a single text column.
func EntryMetadataJSON(e Entry) (string, error) {
	if e.Metadata == nil {
		return "", nil
	}
	b, err := json.Marshal(e.Metadata)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func EntryMetadataFromJSON(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
