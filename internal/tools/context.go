package tools

import "context"

type contextKey string

const (
	threadIDKey   contextKey = "thread_id"
	runIDKey      contextKey = "run_id"
	toolCallIDKey contextKey = "tool_call_id"
)

// WithThreadID adds the thread ID to the context.
func WithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadIDKey, id)
}

// ThreadIDFromContext extracts the thread ID from the context.
// Returns "" if not set.
func ThreadIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(threadIDKey).(string)
	return id
}

// WithRunID adds the agent run ID to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the agent run ID from the context.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// WithToolCallID adds the ID of the tool call being executed.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolCallIDKey, id)
}

// ToolCallIDFromContext extracts the tool call ID from the context.
func ToolCallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(toolCallIDKey).(string)
	return id
}
