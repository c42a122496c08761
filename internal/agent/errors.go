package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/deskpilot/internal/llm"
	"github.com/nugget/deskpilot/internal/session"
	"github.com/nugget/deskpilot/internal/tools"
)

// ErrRunNotFound is returned by Resume for an unknown or already
// decided run.
var ErrRunNotFound = errors.New("run not found")

// ErrInvalidRequest is returned for requests the loop cannot start:
// no inbound messages, or a supplied tool that fails registration.
var ErrInvalidRequest = errors.New("invalid request")

// ErrIterationLimitExceeded is returned when a run reaches its model
// invocation limit without a final answer. Nothing from the run is
// persisted.
type ErrIterationLimitExceeded struct {
	ThreadID string
	Limit    int
}

// Error implements the error interface.
func (e *ErrIterationLimitExceeded) Error() string {
	return fmt.Sprintf("thread %s: no final answer after %d model invocations", e.ThreadID, e.Limit)
}

// Error kinds reported to API clients.
const (
	KindToolNotFound        = "tool_not_found"
	KindInvalidArguments    = "invalid_arguments"
	KindToolExecutionFailed = "tool_execution_failed"
	KindModelInvocation     = "model_invocation_failed"
	KindIterationLimit      = "iteration_limit_exceeded"
	KindStoreUnavailable    = "session_store_unavailable"
	KindVersionConflict     = "version_conflict"
	KindRunNotFound         = "run_not_found"
	KindInvalidRequest      = "invalid_request"
	KindCancelled           = "cancelled"
	KindInternal            = "internal_error"
)

// ErrorKind classifies a run error into a stable string.
func ErrorKind(err error) string {
	var (
		notFound  *tools.ErrToolNotFound
		badArgs   *tools.ErrInvalidArguments
		toolFail  *tools.ErrToolExecutionFailed
		modelFail *llm.ErrModelInvocationFailed
		iterLimit *ErrIterationLimitExceeded
		storeFail *session.ErrStoreUnavailable
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &iterLimit):
		return KindIterationLimit
	case errors.As(err, &notFound):
		return KindToolNotFound
	case errors.As(err, &badArgs):
		return KindInvalidArguments
	case errors.As(err, &toolFail):
		return KindToolExecutionFailed
	case errors.As(err, &modelFail):
		return KindModelInvocation
	case errors.Is(err, session.ErrVersionConflict):
		return KindVersionConflict
	case errors.As(err, &storeFail):
		return KindStoreUnavailable
	case errors.Is(err, ErrRunNotFound):
		return KindRunNotFound
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, tools.ErrInvalidDefinition):
		return KindInvalidRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}
