// Package session persists per-thread conversation state.
//
// A thread's state is read, modified and written back once per agent
// run. Writers are serialized two ways: [Locks] serializes runs on the
// same thread within a process, and every [Store.Save] is a
// compare-and-swap on the state's version so that a stale writer (a
// second process, or a run resumed after the thread moved on) fails
// with [ErrVersionConflict] instead of silently discarding history.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/deskpilot/internal/llm"
)

// ErrVersionConflict is returned by Save when the stored version no
// longer matches the version the caller loaded.
var ErrVersionConflict = errors.New("session version conflict")

// ErrStoreUnavailable reports a backend failure. The run that hit it
// must fail; whatever it produced was not durably saved.
type ErrStoreUnavailable struct {
	Op       string // "load" or "save"
	ThreadID string
	Err      error
}

// Error implements the error interface.
func (e *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("session store %s for thread %s: %v", e.Op, e.ThreadID, e.Err)
}

// Unwrap returns the backend error.
func (e *ErrStoreUnavailable) Unwrap() error { return e.Err }

// State is the durable record of one thread.
type State struct {
	ThreadID string        `json:"thread_id"`
	History  []llm.Message `json:"history"`

	// Version is 0 for a thread that has never been saved and is
	// incremented by every successful Save.
	Version int64 `json:"version"`

	// ToolSet is the names of the tools resolved for the last run.
	ToolSet []string `json:"tool_set,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of s whose slices can be appended to without
// affecting s.
func (s *State) Clone() *State {
	c := *s
	c.History = append([]llm.Message(nil), s.History...)
	c.ToolSet = append([]string(nil), s.ToolSet...)
	return &c
}

// Store is a session persistence backend.
type Store interface {
	// Load returns the thread's state, or an empty state with Version 0
	// when the thread is unknown.
	Load(ctx context.Context, threadID string) (*State, error)

	// Save writes st if the stored version equals st.Version and
	// returns the saved state with the incremented version. A mismatch
	// returns an error wrapping ErrVersionConflict.
	Save(ctx context.Context, st *State) (*State, error)

	Close() error
}

// NewThreadID returns a new random thread identifier.
func NewThreadID() string {
	return uuid.NewString()
}

// Open returns the store for the named backend: "memory" (or empty) or
// "sqlite" at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown session backend %q", backend)
	}
}

func conflict(threadID string, have int64) error {
	return fmt.Errorf("%w: thread %s was modified since version %d", ErrVersionConflict, threadID, have)
}
