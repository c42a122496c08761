package search

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/deskpilot/internal/httpkit"
)

func TestTavilySearch(t *testing.T) {
	var gotBody, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"results":[
			{"title":"Go","url":"https://go.dev","content":"The Go language","score":0.82},
			{"title":"Gopher","url":"https://go.dev/blog","snippet":"Blog snippet"}
		]}`)
	}))
	defer srv.Close()

	tv := NewTavily("tvly-key", 0, srv.Client()).WithEndpoint(srv.URL)
	results, err := tv.Search(context.Background(), "golang", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if gotAuth != "Bearer tvly-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if !strings.Contains(gotBody, `"max_results":3`) || !strings.Contains(gotBody, `"query":"golang"`) {
		t.Errorf("request body = %s", gotBody)
	}

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Score != 0.82 || results[0].Content != "The Go language" {
		t.Errorf("results[0] = %+v", results[0])
	}
	// Missing content falls back to snippet; missing score defaults to 1.
	if results[1].Content != "Blog snippet" || results[1].Score != 1 {
		t.Errorf("results[1] = %+v", results[1])
	}
}

func TestTavilySearch_CountOverride(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		io.WriteString(w, `{"results":[]}`)
	}))
	defer srv.Close()

	tv := NewTavily("k", 5, srv.Client()).WithEndpoint(srv.URL)
	if _, err := tv.Search(context.Background(), "q", Options{Count: 7}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !strings.Contains(gotBody, `"max_results":7`) {
		t.Errorf("request body = %s", gotBody)
	}
}

func TestTavilySearch_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	tv := NewTavily("bad", 0, srv.Client()).WithEndpoint(srv.URL)
	_, err := tv.Search(context.Background(), "golang", Options{})
	var se *httpkit.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want *httpkit.StatusError 401", err)
	}

	if _, err := tv.Search(context.Background(), "   ", Options{}); err == nil {
		t.Error("expected error for blank query")
	}
}

func TestBraveSearch(t *testing.T) {
	var gotToken, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Subscription-Token")
		gotQuery = r.URL.RawQuery
		io.WriteString(w, `{"web":{"results":[
			{"title":"A","url":"https://a.example","description":"first"},
			{"title":"B","url":"https://b.example","description":"second"}
		]}}`)
	}))
	defer srv.Close()

	b := NewBrave("brave-key", srv.Client()).WithEndpoint(srv.URL)
	results, err := b.Search(context.Background(), "deskpilot", Options{Language: "en"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotToken != "brave-key" {
		t.Errorf("token = %q", gotToken)
	}
	for _, want := range []string{"q=deskpilot", "count=3", "search_lang=en"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
	if len(results) != 2 || results[0].Content != "first" || results[0].Score != 1 || results[1].Score != 0.5 {
		t.Errorf("results = %+v", results)
	}
}

func TestBraveSearch_Markup(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		io.WriteString(w, `{"web":{"results":[
			{"title":"<strong>Go</strong> &amp; you","url":"https://go.dev","description":"The <strong>Go</strong> language"}
		]}}`)
	}))
	defer srv.Close()

	b := NewBrave("k", srv.Client()).WithEndpoint(srv.URL)
	results, err := b.Search(context.Background(), "go", Options{Count: 50})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !strings.Contains(gotQuery, "count=20") {
		t.Errorf("query %q, want count clamped to 20", gotQuery)
	}
	if results[0].Title != "Go & you" || results[0].Content != "The Go language" {
		t.Errorf("results = %+v", results)
	}

	if _, err := b.Search(context.Background(), "  ", Options{}); err == nil {
		t.Error("expected error for blank query")
	}
}
