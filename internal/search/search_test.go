package search

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// mockProvider is a simple test provider.
type mockProvider struct {
	name    string
	results []Result
	err     error
	query   string
	opts    Options
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Search(_ context.Context, query string, opts Options) ([]Result, error) {
	m.query, m.opts = query, opts
	return m.results, m.err
}

func TestManagerSearch(t *testing.T) {
	mgr := NewManager("mock")
	mgr.Register(&mockProvider{
		name: "mock",
		results: []Result{
			{Title: "Test", URL: "https://example.com", Content: "A test result", Score: 0.9},
		},
	})

	ans, err := mgr.Search(context.Background(), "test", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ans.Provider != "mock" || len(ans.Results) != 1 {
		t.Fatalf("answer = %+v", ans)
	}
	if ans.Results[0].Title != "Test" {
		t.Errorf("expected title 'Test', got %q", ans.Results[0].Title)
	}
}

func TestManagerSearchWith(t *testing.T) {
	mgr := NewManager("primary")
	mgr.Register(&mockProvider{name: "primary", results: []Result{{Title: "Primary"}}})
	mgr.Register(&mockProvider{name: "secondary", results: []Result{{Title: "Secondary"}}})

	ans, err := mgr.SearchWith(context.Background(), "secondary", "test", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ans.Results[0].Title != "Secondary" {
		t.Errorf("expected 'Secondary', got %q", ans.Results[0].Title)
	}
	if got := mgr.Providers(); len(got) != 2 || got[0] != "primary" || got[1] != "secondary" {
		t.Errorf("Providers() = %v", got)
	}
}

func TestManagerPrimaryFallsBackToFirstRegistered(t *testing.T) {
	mgr := NewManager("tavily")
	mgr.Register(&mockProvider{name: "brave"})
	if mgr.Primary() != "brave" {
		t.Errorf("Primary() = %q, want brave", mgr.Primary())
	}
	mgr.Register(&mockProvider{name: "tavily"})
	if mgr.Primary() != "tavily" {
		t.Errorf("Primary() = %q, want tavily once registered", mgr.Primary())
	}
}

func TestManagerFailover(t *testing.T) {
	tavily := &mockProvider{name: "tavily", err: errors.New("quota exceeded")}
	brave := &mockProvider{name: "brave", results: []Result{{Title: "Fallback", URL: "https://b.example"}}}
	mgr := NewManager("tavily")
	mgr.Register(brave)
	mgr.Register(tavily)

	ans, err := mgr.Search(context.Background(), "golang", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if ans.Provider != "brave" || ans.Results[0].Title != "Fallback" {
		t.Errorf("answer = %+v, want brave fallback", ans)
	}
	if tavily.query != "golang" {
		t.Error("primary was not tried first")
	}

	brave.err = errors.New("unauthorized")
	_, err = mgr.Search(context.Background(), "golang", Options{})
	if err == nil {
		t.Fatal("expected error when every provider fails")
	}
	for _, want := range []string{"quota exceeded", "unauthorized"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}

	if _, err := mgr.SearchWith(context.Background(), "tavily", "golang", Options{}); err == nil {
		t.Error("SearchWith should not fail over")
	}
}

func TestManagerDedupesAndCaps(t *testing.T) {
	mgr := NewManager("mock")
	mgr.Register(&mockProvider{name: "mock", results: []Result{
		{Title: "A", URL: "https://a.example/"},
		{Title: "A again", URL: "https://a.example"},
		{Title: "B", URL: "https://b.example"},
		{Title: "C", URL: "https://c.example"},
	}})

	ans, err := mgr.Search(context.Background(), "q", Options{Count: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(ans.Results) != 2 || ans.Results[0].Title != "A" || ans.Results[1].Title != "B" {
		t.Errorf("results = %+v", ans.Results)
	}
}

func TestManagerUnconfigured(t *testing.T) {
	mgr := NewManager("missing")
	if mgr.Configured() {
		t.Error("empty manager should not be configured")
	}
	_, err := mgr.Search(context.Background(), "test", Options{})
	if err == nil {
		t.Fatal("expected error for missing provider")
	}
}

func TestFormatResults(t *testing.T) {
	results := []Result{
		{Title: "First", URL: "https://a.com", Content: "Snippet A"},
		{Title: "Second", URL: "https://b.com"},
	}
	out := FormatResults(results)
	for _, want := range []string{"1. First", "https://a.com", "Snippet A", "2. Second"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if got := FormatResults(nil); got != "No results found." {
		t.Errorf("expected 'No results found.', got %q", got)
	}
}

func TestToolHandler(t *testing.T) {
	p := &mockProvider{name: "tavily", results: []Result{{Title: "Go", URL: "https://go.dev", Content: "The Go language", Score: 1}}}
	mgr := NewManager("tavily")
	mgr.Register(p)
	handler := ToolHandler(mgr)

	out, err := handler(context.Background(), map[string]any{"query": "golang", "count": float64(2)})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if p.query != "golang" || p.opts.Count != 2 {
		t.Errorf("provider got query %q, opts %+v", p.query, p.opts)
	}
	if !strings.Contains(out, `"provider":"tavily"`) || !strings.Contains(out, `"url":"https://go.dev"`) || !strings.Contains(out, `"score":1`) {
		t.Errorf("output = %s", out)
	}

	if _, err := handler(context.Background(), map[string]any{"query": "golang", "count": 50}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if p.opts.Count != maxToolCount {
		t.Errorf("count = %d, want clamp to %d", p.opts.Count, maxToolCount)
	}

	if _, err := handler(context.Background(), map[string]any{"query": "   "}); err == nil {
		t.Error("expected error for blank query")
	}

	p.err = errors.New("quota exceeded")
	if _, err := handler(context.Background(), map[string]any{"query": "x"}); err == nil {
		t.Error("expected provider error to surface")
	}
}

func TestTool(t *testing.T) {
	mgr := NewManager("tavily")
	mgr.Register(&mockProvider{name: "tavily"})
	mgr.Register(&mockProvider{name: "brave"})

	tool := Tool(mgr)
	if tool.Name != ToolName || tool.Handler == nil {
		t.Fatalf("Tool() = %+v", tool)
	}
	props := tool.Parameters["properties"].(map[string]any)
	enum := props["provider"].(map[string]any)["enum"].([]string)
	if len(enum) != 2 {
		t.Errorf("provider enum = %v", enum)
	}
}
