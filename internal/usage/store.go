// Package usage keeps a ledger of tokens spent per model call and
// answers windowed cost reports over it.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/deskpilot/internal/config"
)

// Record is one model call.
type Record struct {
	ID           string
	Timestamp    time.Time
	RunID        string
	ThreadID     string
	Model        string
	Iteration    int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Totals aggregates a set of records.
type Totals struct {
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Last returns the window of length d ending now.
func Last(d time.Duration) Window {
	end := time.Now().UTC()
	return Window{Start: end.Add(-d), End: end}
}

// Dimension names a breakdown column for [Store.Report].
type Dimension string

const (
	ByModel  Dimension = "model"
	ByThread Dimension = "thread"
)

// ParseDimension maps a query parameter value to a Dimension.
func ParseDimension(s string) (Dimension, error) {
	switch d := Dimension(strings.ToLower(strings.TrimSpace(s))); d {
	case ByModel, ByThread:
		return d, nil
	}
	return "", fmt.Errorf("unknown usage breakdown %q (valid: model, thread)", s)
}

var dimensionColumn = map[Dimension]string{
	ByModel:  "model",
	ByThread: "thread_id",
}

// Report is the answer to a windowed usage query.
type Report struct {
	Window
	Total    Totals            `json:"total"`
	ByModel  map[string]Totals `json:"by_model,omitempty"`
	ByThread map[string]Totals `json:"by_thread,omitempty"`
}

// Store is the SQLite-backed ledger. Records are append-only until
// pruned.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the ledger at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS model_calls (
	id            TEXT PRIMARY KEY,
	ts            INTEGER NOT NULL,
	run_id        TEXT NOT NULL DEFAULT '',
	thread_id     TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL,
	iteration     INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_model_calls_ts ON model_calls(ts);
`

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Record appends rec, assigning an ID and timestamp when missing.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_calls (id, ts, run_id, thread_id, model, iteration, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixMilli(), rec.RunID, rec.ThreadID, rec.Model,
		rec.Iteration, rec.InputTokens, rec.OutputTokens, rec.CostUSD)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Report totals the records in w and adds one breakdown per requested
// dimension.
func (s *Store) Report(ctx context.Context, w Window, dims ...Dimension) (*Report, error) {
	rep := &Report{Window: w}
	groups, err := s.aggregate(ctx, w, "")
	if err != nil {
		return nil, err
	}
	rep.Total = groups[""]

	for _, d := range dims {
		col, ok := dimensionColumn[d]
		if !ok {
			return nil, fmt.Errorf("unknown usage breakdown %q", d)
		}
		groups, err := s.aggregate(ctx, w, col)
		if err != nil {
			return nil, err
		}
		switch d {
		case ByModel:
			rep.ByModel = groups
		case ByThread:
			rep.ByThread = groups
		}
	}
	return rep, nil
}

// aggregate sums the window, grouped by column when it is non-empty.
// column always comes from dimensionColumn.
func (s *Store) aggregate(ctx context.Context, w Window, column string) (map[string]Totals, error) {
	key, group := "''", ""
	if column != "" {
		key, group = column, " GROUP BY "+column
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+key+`, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM model_calls WHERE ts >= ? AND ts < ?`+group,
		w.Start.UnixMilli(), w.End.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Totals)
	for rows.Next() {
		var k string
		var t Totals
		if err := rows.Scan(&k, &t.Calls, &t.InputTokens, &t.OutputTokens, &t.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out[k] = t
	}
	return out, rows.Err()
}

// Prune deletes records older than before and reports how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM model_calls WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	return res.RowsAffected()
}

// Pricing maps model names to per-million-token prices.
type Pricing map[string]config.PricingEntry

// Cost prices one call. A provider-qualified name ("openai/gpt-4o")
// falls back to the bare model's entry. Unlisted models are free.
func (p Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	entry, ok := p[model]
	if !ok {
		if _, bare, cut := strings.Cut(model, "/"); cut {
			entry, ok = p[bare]
		}
	}
	if !ok {
		return 0
	}
	return (float64(inputTokens)*entry.InputPerMillion + float64(outputTokens)*entry.OutputPerMillion) / 1e6
}
