// Package llm provides the model invoker: a provider-neutral chat
// interface, provider implementations (OpenAI, Ollama, Gemini), model
// routing, and bounded retry.
package llm

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single turn in a conversation. Messages are append-only;
// a message is never modified once it is part of a history.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool results
}

// ToolCall is a model-emitted request to execute a named tool.
type ToolCall struct {
	ID       string           `json:"id"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction names the tool and carries its structured arguments.
type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`

	// RawArguments holds the provider's argument text when it did not
	// decode to a JSON object. Arguments is nil in that case.
	RawArguments string `json:"raw_arguments,omitempty"`
}

// ArgumentsJSON returns the arguments encoded as a JSON object. Nil
// arguments encode as "{}". Undecodable arguments are returned as the
// model sent them.
func (tc ToolCall) ArgumentsJSON() string {
	if tc.Function.Arguments == nil {
		if tc.Function.RawArguments != "" {
			return tc.Function.RawArguments
		}
		return "{}"
	}
	b, err := json.Marshal(tc.Function.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ArgumentsError reports why the model's arguments could not be
// decoded, or nil if they were.
func (tc ToolCall) ArgumentsError() error {
	if tc.Function.Arguments != nil || tc.Function.RawArguments == "" {
		return nil
	}
	if _, err := parseArguments(tc.Function.RawArguments); err != nil {
		return err
	}
	return fmt.Errorf("arguments are not a JSON object: %s", tc.Function.RawArguments)
}

// HasToolCalls reports whether m requests any tool executions.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at provider boundaries.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// FinishReason as reported by the provider, when available.
	FinishReason string
}

// parseArguments decodes a JSON object string into an argument map.
// Empty input yields an empty map.
func parseArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// newToolCall builds a call from provider argument text. Text that does
// not decode to an object is kept in RawArguments so the executor can
// report it back to the model instead of failing the response.
func newToolCall(id, name, raw string) ToolCall {
	fn := ToolCallFunction{Name: name}
	args, err := parseArguments(raw)
	if err != nil || args == nil {
		fn.RawArguments = raw
	} else {
		fn.Arguments = args
	}
	return ToolCall{ID: id, Function: fn}
}
