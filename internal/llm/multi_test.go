package llm

import (
	"context"
	"testing"
)

type namedClient struct {
	name string
}

func (n *namedClient) Chat(_ context.Context, model string, _ []Message, _ []map[string]any) (*ChatResponse, error) {
	return &ChatResponse{Model: model, Message: Message{Role: RoleAssistant, Content: n.name}}, nil
}

func TestMultiClient_Routing(t *testing.T) {
	fallback := &namedClient{name: "fallback"}
	m := NewMultiClient(fallback)
	m.AddProvider("ollama", &namedClient{name: "ollama"})
	m.AddProvider("gemini", &namedClient{name: "gemini"})
	m.AddModel("llama3", "ollama")
	m.AddModel("gemini-2.0-flash", "gemini")
	m.AddModel("orphan", "missing")

	tests := []struct {
		model string
		want  string
	}{
		{"llama3", "ollama"},
		{"gemini-2.0-flash", "gemini"},
		{"gpt-4o-mini", "fallback"},
		{"orphan", "fallback"},
		{"ollama/qwen2.5", "ollama"},
		{"gemini/gemini-1.5-pro", "gemini"},
		{"library/llama3", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			resp, err := m.Chat(context.Background(), tt.model, nil, nil)
			if err != nil {
				t.Fatalf("Chat: %v", err)
			}
			if resp.Message.Content != tt.want {
				t.Errorf("routed to %q, want %q", resp.Message.Content, tt.want)
			}
		})
	}

	if got := m.Providers(); len(got) != 2 || got[0] != "gemini" || got[1] != "ollama" {
		t.Errorf("Providers() = %v, want [gemini ollama]", got)
	}
}

func TestMultiClient_QualifiedNameIsStripped(t *testing.T) {
	m := NewMultiClient(nil)
	m.AddProvider("ollama", &namedClient{name: "ollama"})

	resp, err := m.Chat(context.Background(), "ollama/qwen2.5:7b", nil, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Model != "qwen2.5:7b" {
		t.Errorf("provider received model %q, want %q", resp.Model, "qwen2.5:7b")
	}

	if _, err := m.Chat(context.Background(), "ollama/", nil, nil); err == nil {
		t.Error("empty qualified model should not resolve without a fallback")
	}
}

func TestMultiClient_NoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "anything", nil, nil); err == nil {
		t.Fatal("expected error for unmapped model without fallback")
	}
}

func TestToolFunction(t *testing.T) {
	def := map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        "getWeather",
			"description": "Get the weather",
			"parameters": map[string]any{
				"type":       "object",
				"properties": map[string]any{"location": map[string]any{"type": "string"}},
			},
		},
	}
	name, desc, params := toolFunction(def)
	if name != "getWeather" || desc != "Get the weather" {
		t.Errorf("got (%q, %q)", name, desc)
	}
	if params["type"] != "object" {
		t.Errorf("params type = %v", params["type"])
	}

	_, _, params = toolFunction(map[string]any{"function": map[string]any{"name": "bare"}})
	if params["type"] != "object" {
		t.Errorf("missing parameters should default to an object schema, got %v", params)
	}
}
