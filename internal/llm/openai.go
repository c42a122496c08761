package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIClient is a Chat Completions client for OpenAI and
// OpenAI-compatible endpoints.
type OpenAIClient struct {
	client      openai.Client
	temperature float64
	logger      *slog.Logger
}

// NewOpenAIClient creates a client. baseURL may be empty to use the
// public OpenAI endpoint.
func NewOpenAIClient(apiKey, baseURL string, temperature float64, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	// Retries are owned by RetryClient.
	opts = append(opts, option.WithMaxRetries(0))

	return &OpenAIClient{
		client:      openai.NewClient(opts...),
		temperature: temperature,
		logger:      logger,
	}
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Messages:    convertOpenAIMessages(messages),
		Model:       openai.ChatModel(model),
		Temperature: openai.Float(c.temperature),
	}
	if len(tools) > 0 {
		params.Tools = convertOpenAITools(tools)
	}

	c.logger.Debug("sending openai request",
		"model", model,
		"messages", len(messages),
		"tools", len(tools),
	)

	tracePayload(ctx, c.logger, "openai request payload", params)
	start := time.Now()
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &ProviderError{Provider: "openai", StatusCode: apiErr.StatusCode, Err: err}
		}
		return nil, &ProviderError{Provider: "openai", Err: err}
	}
	if len(completion.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Err: errors.New("response contained no choices")}
	}

	choice := completion.Choices[0]
	msg := Message{
		Role:    RoleAssistant,
		Content: choice.Message.Content,
	}
	for _, tc := range choice.Message.ToolCalls {
		call := newToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)
		if err := call.ArgumentsError(); err != nil {
			c.logger.Warn("tool call arguments did not decode",
				"tool", tc.Function.Name, "call_id", tc.ID, "error", err)
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}

	tracePayload(ctx, c.logger, "openai response payload", completion)
	c.logger.Debug("openai response",
		"model", completion.Model,
		"finish_reason", choice.FinishReason,
		"tool_calls", len(msg.ToolCalls),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	return &ChatResponse{
		Model:        completion.Model,
		CreatedAt:    time.Unix(completion.Created, 0),
		Message:      msg,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		FinishReason: choice.FinishReason,
	}, nil
}

func convertOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			assistant := &openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" || !m.HasToolCalls() {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Content)}
			}
			for _, tc := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Function.Name,
							Arguments: tc.ArgumentsJSON(),
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		}
	}
	return out
}

func convertOpenAITools(tools []map[string]any) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, def := range tools {
		name, description, params := toolFunction(def)
		out = append(out, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        name,
			Description: openai.String(description),
			Parameters:  shared.FunctionParameters(params),
		}))
	}
	return out
}
