// Package sqlite implements parley.Store on a local SQLite file using the
// pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/parley"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements parley.Store backed by a local SQLite file. Transcript
// entries, checkpoints and the task KV namespace all live in one file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ parley.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("set wal: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			preset_ref TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			thread_id TEXT NOT NULL,
			t INTEGER NOT NULL,
			iter INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			blob BLOB NOT NULL,
			saved_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_entries_thread_t ON entries(thread_id, t)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_threads_preset ON threads(preset_ref)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// CreateThread inserts a new thread. Inserting an existing id is a no-op so
// resumed conversations do not fail thread creation.
func (s *Store) CreateThread(ctx context.Context, th parley.Thread) error {
	start := time.Now()
	s.logger.Debug("sqlite: create thread", "id", th.ID, "preset_ref", th.PresetRef)

	created := th.CreatedAt
	if created == 0 {
		created = time.Now().Unix()
	}
	updated := th.UpdatedAt
	if updated == 0 {
		updated = created
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO threads (id, preset_ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?)`,
		th.ID, th.PresetRef, created, updated,
	)
	if err != nil {
		s.logger.Error("sqlite: create thread failed", "id", th.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create thread: %w", err)
	}
	s.logger.Debug("sqlite: create thread ok", "id", th.ID, "duration", time.Since(start))
	return nil
}

// TouchThread bumps the thread's updated_at to now.
func (s *Store) TouchThread(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE threads SET updated_at = ? WHERE id = ?`,
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
	start := time.Now()
	s.logger.Debug("sqlite: list threads", "preset_ref", presetRef)

	query := `SELECT id, preset_ref, created_at, updated_at FROM threads`
	var args []any
	if presetRef != "" {
		query += ` WHERE preset_ref = ?`
		args = append(args, presetRef)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: list threads failed", "error", err, "duration", time.Since(start))
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
	s.logger.Debug("sqlite: list threads ok", "count", len(threads), "duration", time.Since(start))
	return threads, rows.Err()
}

// DeleteThread removes a thread with its transcript and checkpoint.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete thread", "id", threadID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete thread entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete thread checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: delete thread commit failed", "id", threadID, "error", err)
		return err
	}
	s.logger.Debug("sqlite: delete thread ok", "id", threadID, "duration", time.Since(start))
	return nil
}

// AppendEntry writes one transcript entry. Entries are append-only.
func (s *Store) AppendEntry(ctx context.Context, threadID string, e parley.Entry) error {
	start := time.Now()
	s.logger.Debug("sqlite: append entry", "thread_id", threadID, "iter", e.Iter, "role", string(e.Role))

	metaJSON, err := parley.EntryMetadataJSON(e)
	if err != nil {
		return fmt.Errorf("encode entry metadata: %w", err)
	}
	var meta *string
	if metaJSON != "" {
		meta = &metaJSON
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (thread_id, t, iter, agent_id, role, content, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		threadID, e.T.UnixNano(), e.Iter, e.AgentID, string(e.Role), e.Content, meta,
	)
	if err != nil {
		s.logger.Error("sqlite: append entry failed", "thread_id", threadID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append entry: %w", err)
	}
	s.logger.Debug("sqlite: append entry ok", "thread_id", threadID, "duration", time.Since(start))
	return nil
}

// ReadTranscript returns entries in chronological order. A positive limit
// returns only the most recent limit entries, still oldest first.
func (s *Store) ReadTranscript(ctx context.Context, threadID string, limit int) ([]parley.Entry, error) {
	start := time.Now()
	s.logger.Debug("sqlite: read transcript", "thread_id", threadID, "limit", limit)

	query := `SELECT t, iter, agent_id, role, content, metadata
		 FROM entries WHERE thread_id = ? ORDER BY t DESC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: read transcript failed", "thread_id", threadID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	defer rows.Close()

	var entries []parley.Entry
	for rows.Next() {
		var e parley.Entry
		var tn int64
		var role string
		var meta sql.NullString
		if err := rows.Scan(&tn, &e.Iter, &e.AgentID, &role, &e.Content, &meta); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.T = time.Unix(0, tn)
		e.Role = parley.Role(role)
		if meta.Valid {
			m, err := parley.EntryMetadataFromJSON(meta.String)
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

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	s.logger.Debug("sqlite: read transcript ok", "thread_id", threadID, "count", len(entries), "duration", time.Since(start))
	return entries, nil
}

// SaveCheckpoint upserts the thread's checkpoint blob.
func (s *Store) SaveCheckpoint(ctx context.Context, threadID string, blob []byte) error {
	start := time.Now()
	s.logger.Debug("sqlite: save checkpoint", "thread_id", threadID, "bytes", len(blob))

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (thread_id, blob, saved_at) VALUES (?, ?, ?)`,
		threadID, blob, time.Now().Unix(),
	)
	if err != nil {
		s.logger.Error("sqlite: save checkpoint failed", "thread_id", threadID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save checkpoint: %w", err)
	}
	s.logger.Debug("sqlite: save checkpoint ok", "thread_id", threadID, "duration", time.Since(start))
	return nil
}

// LoadCheckpoint returns the checkpoint blob, or nil when none exists.
func (s *Store) LoadCheckpoint(ctx context.Context, threadID string) ([]byte, error) {
	start := time.Now()
	s.logger.Debug("sqlite: load checkpoint", "thread_id", threadID)

	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		s.logger.Debug("sqlite: load checkpoint not found", "thread_id", threadID, "duration", time.Since(start))
		return nil, nil
	}
	if err != nil {
		s.logger.Error("sqlite: load checkpoint failed", "thread_id", threadID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	s.logger.Debug("sqlite: load checkpoint ok", "thread_id", threadID, "bytes", len(blob), "duration", time.Since(start))
	return blob, nil
}

// GetValue reads a KV entry. A missing key returns "" with no error.
func (s *Store) GetValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get value: %w", err)
	}
	return value, nil
}

// SetValue upserts a KV entry.
func (s *Store) SetValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set value: %w", err)
	}
	return nil
}

// DeleteValue removes a KV entry. Deleting a missing key is a no-op.
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete value: %w", err)
	}
	return nil
}

// DB returns the underlying *sql.DB for maintenance tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}
