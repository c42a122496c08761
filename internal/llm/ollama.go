package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/nugget/deskpilot/internal/httpkit"
)

// OllamaClient is a client for a local Ollama server.
type OllamaClient struct {
	client      *api.Client
	temperature float64
	logger      *slog.Logger
}

// NewOllamaClient creates a client for the server at baseURL.
func NewOllamaClient(baseURL string, temperature float64, logger *slog.Logger) (*OllamaClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", baseURL, err)
	}
	// Local models can take minutes to load; no overall timeout.
	httpClient := httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger))

	return &OllamaClient{
		client:      api.NewClient(u, httpClient),
		temperature: temperature,
		logger:      logger,
	}, nil
}

// Chat sends a non-streaming chat request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	apiMessages, err := convertOllamaMessages(messages)
	if err != nil {
		return nil, &ProviderError{Provider: "ollama", Err: err}
	}
	apiTools, err := convertOllamaTools(tools)
	if err != nil {
		return nil, &ProviderError{Provider: "ollama", Err: err}
	}

	stream := false
	req := &api.ChatRequest{
		Model:    model,
		Messages: apiMessages,
		Tools:    apiTools,
		Stream:   &stream,
		Options:  map[string]any{"temperature": c.temperature},
	}

	c.logger.Debug("sending ollama request",
		"model", model,
		"messages", len(messages),
		"tools", len(apiTools),
	)

	tracePayload(ctx, c.logger, "ollama request payload", req)
	start := time.Now()
	var final api.ChatResponse
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		final = resp
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return nil, &ProviderError{Provider: "ollama", StatusCode: statusErr.StatusCode, Err: err}
		}
		return nil, &ProviderError{Provider: "ollama", Err: err}
	}

	msg := Message{
		Role:    RoleAssistant,
		Content: final.Message.Content,
	}
	for i, tc := range final.Message.ToolCalls {
		id := tc.ID
		if id == "" {
			// Older servers omit call ids.
			id = fmt.Sprintf("call_%d_%d", time.Now().UnixNano(), i)
		}
		call := newToolCall(id, tc.Function.Name, ollamaArguments(tc.Function.Arguments))
		if err := call.ArgumentsError(); err != nil {
			c.logger.Warn("tool call arguments did not decode",
				"tool", tc.Function.Name, "call_id", id, "error", err)
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}

	tracePayload(ctx, c.logger, "ollama response payload", final)
	c.logger.Debug("ollama response",
		"model", final.Model,
		"done_reason", final.DoneReason,
		"tool_calls", len(msg.ToolCalls),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	return &ChatResponse{
		Model:        final.Model,
		CreatedAt:    final.CreatedAt,
		Message:      msg,
		InputTokens:  final.PromptEvalCount,
		OutputTokens: final.EvalCount,
		FinishReason: final.DoneReason,
	}, nil
}

func convertOllamaMessages(messages []Message) ([]api.Message, error) {
	out := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		msg := api.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			// api.ToolCallFunctionArguments decodes from a JSON object;
			// undecodable arguments are replayed as an empty one.
			encoded := "{}"
			if tc.ArgumentsError() == nil {
				encoded = tc.ArgumentsJSON()
			}
			var args api.ToolCallFunctionArguments
			if err := json.Unmarshal([]byte(encoded), &args); err != nil {
				return nil, fmt.Errorf("encode arguments for tool call %s: %w", tc.ID, err)
			}
			msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
				ID: tc.ID,
				Function: api.ToolCallFunction{
					Name:      tc.Function.Name,
					Arguments: args,
				},
			})
		}
		out = append(out, msg)
	}
	return out, nil
}

// convertOllamaTools converts OpenAI-format definitions, which Ollama
// accepts as-is, by round-tripping through JSON.
func convertOllamaTools(tools []map[string]any) ([]api.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(tools)
	if err != nil {
		return nil, fmt.Errorf("marshal tool definitions: %w", err)
	}
	var out []api.Tool
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("convert tool definitions: %w", err)
	}
	return out, nil
}

// ollamaArguments re-encodes decoded arguments as JSON text.
func ollamaArguments(args api.ToolCallFunctionArguments) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(raw)
}
