package llm

import (
	"context"
	"log/slog"

	"github.com/nugget/deskpilot/internal/config"
)

// Client is the interface that all model providers implement.
type Client interface {
	// Chat sends the full message history and the available tool
	// definitions (OpenAI function format) and returns the next
	// assistant message.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)
}

// toolFunction extracts name, description and parameters from a tool
// definition in OpenAI function format.
func toolFunction(def map[string]any) (name, description string, params map[string]any) {
	fn, _ := def["function"].(map[string]any)
	if fn == nil {
		fn = def
	}
	name, _ = fn["name"].(string)
	description, _ = fn["description"].(string)
	params, _ = fn["parameters"].(map[string]any)
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return name, description, params
}

// tracePayload logs v as JSON at trace level. Marshalling is skipped
// unless trace is enabled.
func tracePayload(ctx context.Context, logger *slog.Logger, msg string, v any) {
	if !logger.Enabled(ctx, config.LevelTrace) {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		logger.Log(ctx, config.LevelTrace, msg, "marshal_error", err)
		return
	}
	logger.Log(ctx, config.LevelTrace, msg, "payload", string(raw))
}
