package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Storage on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		content          TEXT NOT NULL,
		embedding        BLOB NOT NULL,
		priority         REAL NOT NULL DEFAULT 5,
		metadata         TEXT,
		tags             TEXT,
		session_id       TEXT,
		content_hash     TEXT NOT NULL UNIQUE,
		created_at       INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		access_count     INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_memories_priority ON memories(priority);
	CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);

	CREATE TABLE IF NOT EXISTS identity (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		started_at    INTEGER NOT NULL,
		ended_at      INTEGER NOT NULL,
		messages      INTEGER NOT NULL,
		total_tokens  INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		compressions  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS configuration (
		key   TEXT PRIMARY KEY,
		value TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Identity Implementation

func (s *SQLiteStore) SetIdentity(ctx context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("identity value for %q is not valid JSON", key)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(value))
	return err
}

func (s *SQLiteStore) GetIdentity(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM identity WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

// Session Archive Implementation

func (s *SQLiteStore) ArchiveSession(ctx context.Context, sess *SessionSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at, ended_at, messages, total_tokens, input_tokens, output_tokens, compressions)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   ended_at = excluded.ended_at,
		   messages = excluded.messages,
		   total_tokens = excluded.total_tokens,
		   input_tokens = excluded.input_tokens,
		   output_tokens = excluded.output_tokens,
		   compressions = excluded.compressions`,
		sess.ID, sess.StartedAt, sess.EndedAt, sess.Messages,
		sess.TotalTokens, sess.InputTokens, sess.OutputTokens, sess.Compressions)
	return err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, ended_at, messages, total_tokens, input_tokens, output_tokens, compressions
		 FROM sessions ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*SessionSummary
	for rows.Next() {
		var sess SessionSummary
		if err := rows.Scan(&sess.ID, &sess.StartedAt, &sess.EndedAt, &sess.Messages,
			&sess.TotalTokens, &sess.InputTokens, &sess.OutputTokens, &sess.Compressions); err != nil {
			return nil, err
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// Configuration Implementation

func (s *SQLiteStore) SetConfig(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO configuration (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

func (s *SQLiteStore) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM configuration WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(priority), 0), COALESCE(MIN(created_at), 0), COALESCE(MAX(created_at), 0)
		 FROM memories`).
		Scan(&st.Memories, &st.AveragePriority, &st.OldestCreatedAt, &st.NewestCreatedAt)
	if err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&st.Sessions); err != nil {
		return nil, err
	}
	return &st, nil
}
