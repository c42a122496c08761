// Package checkpoint stages suspended agent runs.
//
// When a run pauses for human review, everything needed to continue it
// is written here as a durable record: the history so far, the proposed
// assistant turn awaiting a decision, and the session version the run
// started from. A decision consumes the record with [Store.Take].
package checkpoint

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/deskpilot/internal/llm"
)

// ErrNotFound is returned for an unknown or already consumed record.
var ErrNotFound = errors.New("staged run not found")

// Record is a suspended agent run.
type Record struct {
	ID        uuid.UUID `json:"id"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`

	// Version is the session version loaded at the start of the run.
	// Persisting the resumed run is a compare-and-swap against it.
	Version int64 `json:"version"`

	Model     string `json:"model"`
	Iteration int    `json:"iteration"` // Model invocations so far

	// History is the run's accumulated history, excluding Proposed.
	History []llm.Message `json:"history"`

	// Proposed is the assistant message whose tool calls await review.
	Proposed llm.Message `json:"proposed"`

	// ToolSet is the resolved tool names at suspension time.
	ToolSet []string `json:"tool_set,omitempty"`

	// Reason explains why review was required.
	Reason string `json:"reason,omitempty"`

	// Metadata
	ByteSize int64 `json:"byte_size"` // Compressed size
}

// Pending returns the tool calls awaiting review.
func (r *Record) Pending() []llm.ToolCall {
	return r.Proposed.ToolCalls
}
