// Package postgres implements parley.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/parley"
)

// Store implements parley.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

var _ parley.Store = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			preset_ref TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS threads_preset_idx ON threads(preset_ref)`,

		`CREATE TABLE IF NOT EXISTS entries (
			thread_id TEXT NOT NULL,
			t BIGINT NOT NULL,
			iter INT NOT NULL,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS entries_thread_t_idx ON entries(thread_id, t)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			blob BYTEA NOT NULL,
			saved_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// CreateThread inserts a new thread; re-inserting an existing id is a
// no-op so resumed conversations do not fail thread creation.
func (s *Store) CreateThread(ctx context.Context, th parley.Thread) error {
	created := th.CreatedAt
	if created == 0 {
		created = time.Now().Unix()
	}
	updated := th.UpdatedAt
	if updated == 0 {
		updated = created
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO threads (id, preset_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		th.ID, th.PresetRef, created, updated,
	)
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

// TouchThread bumps the thread's updated_at to now.
func (s *Store) TouchThread(ctx context.Context, threadID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE threads SET updated_at = $1 WHERE id = $2`,
		time.Now().Unix(), threadID,
	)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return nil
}

// ListThreads returns threads ordered by most recently updated first. An
// empty presetRef lists all threads.
func (s *Store) ListThreads(ctx context.Context, presetRef string) ([]parley.Thread, error) {
	query := `SELECT id, preset_ref, created_at, updated_at FROM threads`
	var args []any
	if presetRef != "" {
		query += ` WHERE preset_ref = $1`
		args = append(args, presetRef)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []parley.Thread
	for rows.Next() {
		var t parley.Thread
		if err := rows.Scan(&t.ID, &t.PresetRef, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// DeleteThread removes a thread with its transcript and checkpoint.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM entries WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("delete thread entries: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("delete thread checkpoint: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM threads WHERE id = $1`, threadID); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return tx.Commit(ctx)
}

// AppendEntry writes one transcript entry. Entries are append-only.
func (s *Store) AppendEntry(ctx context.Context, threadID string, e parley.Entry) error {
	metaJSON, err := parley.EntryMetadataJSON(e)
	if err != nil {
		return fmt.Errorf("encode entry metadata: %w", err)
	}
	var meta *string
	if metaJSON != "" {
		meta = &metaJSON
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO entries (thread_id, t, iter, agent_id, role, content, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		threadID, e.T.UnixNano(), e.Iter, e.AgentID, string(e.Role), e.Content, meta,
	)
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// ReadTranscript returns entries in chronological order. A positive limit
// returns only the most recent limit entries, still oldest first.
func (s *Store) ReadTranscript(ctx context.Context, threadID string, limit int) ([]parley.Entry, error) {
	query := `SELECT t, iter, agent_id, role, content, metadata
		 FROM entries WHERE thread_id = $1 ORDER BY t DESC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	defer rows.Close()

	var entries []parley.Entry
	for rows.Next() {
		var e parley.Entry
		var tn int64
		var role string
		var meta *string
		if err := rows.Scan(&tn, &e.Iter, &e.AgentID, &role, &e.Content, &meta); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.T = time.Unix(0, tn)
		e.Role = parley.Role(role)
		if meta != nil {
			m, err := parley.EntryMetadataFromJSON(*meta)
			if err != nil {
				return nil, fmt.Errorf("decode entry metadata: %w", err)
			}
			e.Metadata = m
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// SaveCheckpoint upserts the thread's checkpoint blob.
func (s *Store) SaveCheckpoint(ctx context.Context, threadID string, blob []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (thread_id, blob, saved_at) VALUES ($1, $2, $3)
		 ON CONFLICT (thread_id) DO UPDATE SET blob = EXCLUDED.blob, saved_at = EXCLUDED.saved_at`,
		threadID, blob, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint blob, or nil when none exists.
func (s *Store) LoadCheckpoint(ctx context.Context, threadID string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT blob FROM checkpoints WHERE thread_id = $1`, threadID,
	).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return blob, nil
}

// GetValue reads a KV entry. A missing key returns "" with no error.
func (s *Store) GetValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get value: %w", err)
	}
	return value, nil
}

// SetValue upserts a KV entry.
func (s *Store) SetValue(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set value: %w", err)
	}
	return nil
}

// DeleteValue removes a KV entry. Deleting a missing key is a no-op.
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete value: %w", err)
	}
	return nil
}

// Close is a no-op: the pool is owned by the caller.
func (s *Store) Close() error { return nil }
