package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/deskpilot/internal/llm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SQLiteStore persists sessions in a SQLite database. History is stored
// as a JSON array per thread.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the session database at
// dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
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
	CREATE TABLE IF NOT EXISTS sessions (
		thread_id  TEXT PRIMARY KEY,
		version    INTEGER NOT NULL,
		history    TEXT NOT NULL,
		tool_set   TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load implements [Store].
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*State, error) {
	var (
		version          int64
		history, toolSet string
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, history, tool_set, created_at, updated_at
		 FROM sessions WHERE thread_id = ?`,
		threadID,
	).Scan(&version, &history, &toolSet, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &State{ThreadID: threadID}, nil
	}
	if err != nil {
		return nil, &ErrStoreUnavailable{Op: "load", ThreadID: threadID, Err: err}
	}

	st := &State{ThreadID: threadID, Version: version}
	if err := json.Unmarshal([]byte(history), &st.History); err != nil {
		return nil, &ErrStoreUnavailable{Op: "load", ThreadID: threadID, Err: fmt.Errorf("decode history: %w", err)}
	}
	if err := json.Unmarshal([]byte(toolSet), &st.ToolSet); err != nil {
		return nil, &ErrStoreUnavailable{Op: "load", ThreadID: threadID, Err: fmt.Errorf("decode tool set: %w", err)}
	}
	st.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return st, nil
}

// Save implements [Store].
func (s *SQLiteStore) Save(ctx context.Context, st *State) (*State, error) {
	history := st.History
	if history == nil {
		history = []llm.Message{}
	}
	histJSON, err := json.Marshal(history)
	if err != nil {
		return nil, &ErrStoreUnavailable{Op: "save", ThreadID: st.ThreadID, Err: fmt.Errorf("encode history: %w", err)}
	}
	toolSet := st.ToolSet
	if toolSet == nil {
		toolSet = []string{}
	}
	toolJSON, err := json.Marshal(toolSet)
	if err != nil {
		return nil, &ErrStoreUnavailable{Op: "save", ThreadID: st.ThreadID, Err: fmt.Errorf("encode tool set: %w", err)}
	}

	now := time.Now().UTC()
	stamp := now.Format(time.RFC3339Nano)

	var res sql.Result
	if st.Version == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO sessions (thread_id, version, history, tool_set, created_at, updated_at)
			 VALUES (?, 1, ?, ?, ?, ?)
			 ON CONFLICT (thread_id) DO NOTHING`,
			st.ThreadID, string(histJSON), string(toolJSON), stamp, stamp,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions
			 SET version = version + 1, history = ?, tool_set = ?, updated_at = ?
			 WHERE thread_id = ? AND version = ?`,
			string(histJSON), string(toolJSON), stamp, st.ThreadID, st.Version,
		)
	}
	if err != nil {
		return nil, &ErrStoreUnavailable{Op: "save", ThreadID: st.ThreadID, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, &ErrStoreUnavailable{Op: "save", ThreadID: st.ThreadID, Err: err}
	}
	if n == 0 {
		return nil, conflict(st.ThreadID, st.Version)
	}

	saved := st.Clone()
	saved.Version = st.Version + 1
	saved.UpdatedAt = now
	if st.Version == 0 || saved.CreatedAt.IsZero() {
		saved.CreatedAt = now
	}
	return saved, nil
}
