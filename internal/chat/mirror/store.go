package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the local SQLite mirror of server-authoritative chat state.
//
// It is a cache, never a source of truth: row ids and message bodies are
// written exactly as the agent served them, and every read feeds a warm start
// that is later replaced by a network baseline. Corruption or loss of this
// database is always recoverable by deleting it.
//
// WAL is enabled so the UI can read while background merges write.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Thread is the mirrored directory entry for one thread.
type Thread struct {
	ThreadID            string
	Title               string
	ModelID             string
	RunStatus           string
	RunUpdatedAtUnixMs  int64
	RunError            string
	CreatedAtUnixMs     int64
	UpdatedAtUnixMs     int64
	LastMessageAtUnixMs int64
	LastMessagePreview  string
}

// MessageRow is one mirrored transcript row keyed by the server's row id.
type MessageRow struct {
	RowID       int64
	MessageJSON string
}

// UpsertThread writes the thread summary, replacing any previous mirror entry.
func (s *Store) UpsertThread(ctx context.Context, t Thread) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.ThreadID = strings.TrimSpace(t.ThreadID)
	if t.ThreadID == "" {
		return errors.New("missing thread_id")
	}
	if t.UpdatedAtUnixMs <= 0 {
		t.UpdatedAtUnixMs = time.Now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO threads(
  thread_id, title, model_id,
  run_status, run_updated_at_unix_ms, run_error,
  created_at_unix_ms, updated_at_unix_ms,
  last_message_at_unix_ms, last_message_preview
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  title = excluded.title,
  model_id = excluded.model_id,
  run_status = excluded.run_status,
  run_updated_at_unix_ms = excluded.run_updated_at_unix_ms,
  run_error = excluded.run_error,
  created_at_unix_ms = excluded.created_at_unix_ms,
  updated_at_unix_ms = excluded.updated_at_unix_ms,
  last_message_at_unix_ms = excluded.last_message_at_unix_ms,
  last_message_preview = excluded.last_message_preview
`,
		t.ThreadID,
		strings.TrimSpace(t.Title),
		strings.TrimSpace(t.ModelID),
		strings.TrimSpace(t.RunStatus),
		t.RunUpdatedAtUnixMs,
		strings.TrimSpace(t.RunError),
		t.CreatedAtUnixMs,
		t.UpdatedAtUnixMs,
		t.LastMessageAtUnixMs,
		t.LastMessagePreview,
	)
	return err
}

// ListThreads returns every mirrored thread, most recently updated first.
func (s *Store) ListThreads(ctx context.Context) ([]Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, title, model_id,
       run_status, run_updated_at_unix_ms, run_error,
       created_at_unix_ms, updated_at_unix_ms,
       last_message_at_unix_ms, last_message_preview
FROM threads
ORDER BY updated_at_unix_ms DESC, thread_id DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(
			&t.ThreadID,
			&t.Title,
			&t.ModelID,
			&t.RunStatus,
			&t.RunUpdatedAtUnixMs,
			&t.RunError,
			&t.CreatedAtUnixMs,
			&t.UpdatedAtUnixMs,
			&t.LastMessageAtUnixMs,
			&t.LastMessagePreview,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteThread removes the thread and its mirrored messages.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertMessage mirrors one persisted row. The server's row id is the key, so
// replays and duplicate deliveries collapse into a single row.
func (s *Store) UpsertMessage(ctx context.Context, threadID string, rowID int64, messageJSON string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	messageJSON = strings.TrimSpace(messageJSON)
	if threadID == "" || rowID <= 0 || messageJSON == "" {
		return errors.New("invalid message row")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages(thread_id, row_id, message_json, stored_at_unix_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(thread_id, row_id) DO UPDATE SET
  message_json = excluded.message_json,
  stored_at_unix_ms = excluded.stored_at_unix_ms
`, threadID, rowID, messageJSON, time.Now().UnixMilli())
	return err
}

// ListMessages returns rows after afterRowID in ascending row order.
func (s *Store) ListMessages(ctx context.Context, threadID string, afterRowID int64, limit int) ([]MessageRow, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT row_id, message_json
FROM messages
WHERE thread_id = ? AND row_id > ?
ORDER BY row_id ASC
LIMIT ?
`, threadID, afterRowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(&m.RowID, &m.MessageJSON); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  thread_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  model_id TEXT NOT NULL DEFAULT '',
  run_status TEXT NOT NULL DEFAULT 'idle',
  run_updated_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  run_error TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  updated_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  last_message_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  last_message_preview TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at_unix_ms DESC, thread_id DESC);

CREATE TABLE IF NOT EXISTS messages (
  thread_id TEXT NOT NULL,
  row_id INTEGER NOT NULL,
  message_json TEXT NOT NULL,
  stored_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY(thread_id, row_id)
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
