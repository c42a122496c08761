package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// MultiClient dispatches each chat to a provider chosen by model name.
//
// A model resolves, in order, through an explicit "provider/model"
// prefix naming a registered provider, the model table built with
// [MultiClient.AddModel], and finally the fallback client.
type MultiClient struct {
	providers map[string]Client
	models    map[string]string // model → provider
	fallback  Client
}

// NewMultiClient creates a router. fallback may be nil, in which case
// models that resolve to no provider fail.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers: make(map[string]Client),
		models:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.providers[name] = client
}

// AddModel assigns a model to a provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.models[model] = provider
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve picks the client for model and the model name to send it.
func (m *MultiClient) resolve(model string) (Client, string) {
	if provider, name, ok := strings.Cut(model, "/"); ok && name != "" {
		if c, ok := m.providers[provider]; ok {
			return c, name
		}
	}
	if c, ok := m.providers[m.models[model]]; ok {
		return c, model
	}
	return m.fallback, model
}

// Chat implements [Client].
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client, name := m.resolve(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.Chat(ctx, name, messages, tools)
}
