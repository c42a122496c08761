package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/nugget/deskpilot/internal/llm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store handles staged-run persistence.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the staging database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Serialize access; the pure-Go driver does not share an in-memory
	// database between connections.
	db.SetMaxOpenConns(1)

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore creates a staging store using the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS staged_runs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			version INTEGER NOT NULL,
			model TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			reason TEXT,
			pending_count INTEGER NOT NULL,
			state_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_staged_runs_thread
			ON staged_runs(thread_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_staged_runs_created
			ON staged_runs(created_at);
	`)
	return err
}

// payload is the compressed part of a record.
type payload struct {
	History  []llm.Message `json:"history"`
	Proposed llm.Message   `json:"proposed"`
	ToolSet  []string      `json:"tool_set,omitempty"`
}

// Stage saves rec and returns it with ID, CreatedAt and ByteSize
// populated.
func (s *Store) Stage(rec *Record) (*Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	stateJSON, err := json.Marshal(payload{History: rec.History, Proposed: rec.Proposed, ToolSet: rec.ToolSet})
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}

	compressed := buf.Bytes()
	now := time.Now().UTC()

	staged := *rec
	staged.ID = id
	staged.CreatedAt = now
	staged.ByteSize = int64(len(compressed))

	_, err = s.db.Exec(`
		INSERT INTO staged_runs (id, thread_id, created_at, version, model, iteration, reason, pending_count, state_gz, byte_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), rec.ThreadID, now.Format(timeFormat), rec.Version, rec.Model, rec.Iteration,
		rec.Reason, len(rec.Proposed.ToolCalls), compressed, len(compressed))
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}

	return &staged, nil
}

// Get retrieves a staged run by ID, including full state.
func (s *Store) Get(id uuid.UUID) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT id, thread_id, created_at, version, model, iteration, reason, state_gz, byte_size
		FROM staged_runs WHERE id = ?
	`, id.String())

	rec, err := s.scanFull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Take retrieves and deletes a staged run in one transaction, so a
// decision can be applied at most once.
func (s *Store) Take(id uuid.UUID) (*Record, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	row := tx.QueryRow(`
		SELECT id, thread_id, created_at, version, model, iteration, reason, state_gz, byte_size
		FROM staged_runs WHERE id = ?
	`, id.String())
	rec, err := s.scanFull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM staged_runs WHERE id = ?`, id.String()); err != nil {
		return nil, fmt.Errorf("delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// Summary is the listing form of a staged run, without its history.
type Summary struct {
	ID        uuid.UUID `json:"id"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
	Model     string    `json:"model"`
	Iteration int       `json:"iteration"`
	Reason    string    `json:"reason,omitempty"`
	Pending   int       `json:"pending_tool_calls"`
	ByteSize  int64     `json:"byte_size"`
}

// List returns staged runs ordered by creation time (oldest first).
// An empty threadID lists every thread. Does not include full state to
// keep the response small.
func (s *Store) List(threadID string) ([]*Summary, error) {
	query := `
		SELECT id, thread_id, created_at, model, iteration, reason, pending_count, byte_size
		FROM staged_runs`
	var args []any
	if threadID != "" {
		query += ` WHERE thread_id = ?`
		args = append(args, threadID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Prune removes staged runs older than olderThan and returns how many
// were removed.
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.db.Exec(`DELETE FROM staged_runs WHERE created_at < ?`, cutoff.Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

func (s *Store) scanFull(row *sql.Row) (*Record, error) {
	var rec Record
	var idStr, createdStr string
	var reason sql.NullString
	var stateGz []byte

	err := row.Scan(&idStr, &rec.ThreadID, &createdStr, &rec.Version, &rec.Model, &rec.Iteration, &reason, &stateGz, &rec.ByteSize)
	if err != nil {
		return nil, err
	}

	rec.ID, _ = uuid.Parse(idStr)
	rec.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	if reason.Valid {
		rec.Reason = reason.String
	}

	gr, err := gzip.NewReader(bytes.NewReader(stateGz))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	var p payload
	if err := json.Unmarshal(stateJSON, &p); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	rec.History = p.History
	rec.Proposed = p.Proposed
	rec.ToolSet = p.ToolSet

	return &rec, nil
}

func scanSummary(rows *sql.Rows) (*Summary, error) {
	var sum Summary
	var idStr, createdStr string
	var reason sql.NullString

	err := rows.Scan(&idStr, &sum.ThreadID, &createdStr, &sum.Model, &sum.Iteration, &reason, &sum.Pending, &sum.ByteSize)
	if err != nil {
		return nil, err
	}

	sum.ID, _ = uuid.Parse(idStr)
	sum.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	if reason.Valid {
		sum.Reason = reason.String
	}
	return &sum, nil
}
