package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiClient is a client for the Google Gemini API.
type GeminiClient struct {
	client      *genai.Client
	temperature float64
	logger      *slog.Logger
}

// NewGeminiClient creates a Gemini API client.
func NewGeminiClient(ctx context.Context, apiKey string, temperature float64, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{
		client:      client,
		temperature: temperature,
		logger:      logger,
	}, nil
}

// Chat sends a GenerateContent request.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	contents, system := convertGeminiMessages(messages)
	genaiTools, err := convertGeminiTools(tools)
	if err != nil {
		return nil, &ProviderError{Provider: "gemini", Err: err}
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Tools:             genaiTools,
		Temperature:       genai.Ptr(float32(c.temperature)),
	}

	c.logger.Debug("sending gemini request",
		"model", model,
		"messages", len(messages),
		"tools", len(tools),
	)

	tracePayload(ctx, c.logger, "gemini request payload", contents)
	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, &ProviderError{Provider: "gemini", StatusCode: geminiStatus(err), Err: err}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &ProviderError{Provider: "gemini", Err: errors.New("response contained no candidates")}
	}

	candidate := resp.Candidates[0]
	msg := Message{Role: RoleAssistant}
	var text strings.Builder
	for i, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%d", time.Now().UnixNano(), i)
			}
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID: id,
				Function: ToolCallFunction{
					Name:      part.FunctionCall.Name,
					Arguments: args,
				},
			})
		case part.Text != "" && !part.Thought:
			text.WriteString(part.Text)
		}
	}
	msg.Content = text.String()

	out := &ChatResponse{
		Model:        model,
		CreatedAt:    time.Now(),
		Message:      msg,
		FinishReason: string(candidate.FinishReason),
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	tracePayload(ctx, c.logger, "gemini response payload", resp)
	c.logger.Debug("gemini response",
		"model", out.Model,
		"finish_reason", out.FinishReason,
		"tool_calls", len(msg.ToolCalls),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return out, nil
}

// convertGeminiMessages splits off the system instruction and maps the
// remaining turns to Gemini contents. Tool results are sent as user
// function responses; Gemini needs the function name, which is
// recovered from the assistant turn that issued the call.
func convertGeminiMessages(messages []Message) ([]*genai.Content, *genai.Content) {
	var (
		contents []*genai.Content
		system   *genai.Content
		names    = make(map[string]string)
	)

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				system = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
			}

		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       m.ToolCallID,
						Name:     names[m.ToolCallID],
						Response: map[string]any{"result": m.Content},
					},
				}},
			})

		case RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				names[tc.ID] = tc.Function.Name
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
						Args: tc.Function.Arguments,
					},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}

		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}
	return contents, system
}

func convertGeminiTools(tools []map[string]any) ([]*genai.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, def := range tools {
		name, description, params := toolFunction(def)
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal parameters for %s: %w", name, err)
		}
		var schema genai.Schema
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("convert parameters for %s: %w", name, err)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        name,
			Description: description,
			Parameters:  &schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}, nil
}

// geminiStatus infers an HTTP status from an SDK error message. The
// SDK folds the status into the error text.
func geminiStatus(err error) int {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "resource exhausted"):
		return 429
	case strings.Contains(msg, "503"), strings.Contains(msg, "overloaded"):
		return 503
	case strings.Contains(msg, "500"), strings.Contains(msg, "internal error"):
		return 500
	default:
		return 0
	}
}
