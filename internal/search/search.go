// Package search implements the web_search tool over one or more
// search backends.
//
// Backends implement [Provider] and are registered with a [Manager].
// A query goes to the primary backend first; if it fails, the remaining
// backends are tried in registration order until one answers.
package search

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultMaxResults applies when neither the caller nor the backend
// asks for a specific count.
const DefaultMaxResults = 3

// Result is a single search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Options narrow a query. Zero values mean "backend default".
type Options struct {
	Count    int    `json:"count,omitempty"`
	Language string `json:"language,omitempty"` // ISO 639-1
}

// Provider is a search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Answer is what a [Manager] returns: the hits plus the backend that
// produced them.
type Answer struct {
	Provider string   `json:"provider"`
	Results  []Result `json:"results"`
}

// Manager routes queries to registered backends.
type Manager struct {
	order   []string
	byName  map[string]Provider
	primary string
}

// NewManager returns an empty manager preferring the named backend.
func NewManager(primary string) *Manager {
	return &Manager{byName: make(map[string]Provider), primary: primary}
}

// Register adds a backend. Registering a name twice replaces the
// earlier backend. Until the preferred backend is registered, the
// first one registered acts as primary.
func (m *Manager) Register(p Provider) {
	name := p.Name()
	if _, dup := m.byName[name]; !dup {
		m.order = append(m.order, name)
	}
	m.byName[name] = p
}

// Primary returns the backend tried first.
func (m *Manager) Primary() string {
	if _, ok := m.byName[m.primary]; ok || len(m.order) == 0 {
		return m.primary
	}
	return m.order[0]
}

// Providers returns the registered backend names, sorted.
func (m *Manager) Providers() []string {
	names := slices.Clone(m.order)
	slices.Sort(names)
	return names
}

// Configured reports whether any backend is registered.
func (m *Manager) Configured() bool { return len(m.order) > 0 }

// Search queries the primary backend and fails over to the others.
// The returned error joins every backend failure.
func (m *Manager) Search(ctx context.Context, query string, opts Options) (Answer, error) {
	if !m.Configured() {
		return Answer{}, errors.New("no search provider configured")
	}
	var errs []error
	for _, name := range m.attemptOrder() {
		ans, err := m.SearchWith(ctx, name, query, opts)
		if err == nil {
			return ans, nil
		}
		if ctx.Err() != nil {
			return Answer{}, ctx.Err()
		}
		errs = append(errs, err)
	}
	return Answer{}, errors.Join(errs...)
}

// SearchWith queries one named backend without failover. Results with
// a URL already seen are dropped and the list is capped at opts.Count.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) (Answer, error) {
	p, ok := m.byName[provider]
	if !ok {
		return Answer{}, fmt.Errorf("search provider %q not configured", provider)
	}
	results, err := p.Search(ctx, query, opts)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Provider: provider, Results: dedupe(results, opts.Count)}, nil
}

func (m *Manager) attemptOrder() []string {
	first := m.Primary()
	names := []string{first}
	for _, n := range m.order {
		if n != first {
			names = append(names, n)
		}
	}
	return names
}

func dedupe(results []Result, limit int) []Result {
	seen := make(map[string]bool, len(results))
	out := results[:0:0]
	for _, r := range results {
		key := strings.TrimSuffix(r.URL, "/")
		if key != "" && seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// FormatResults renders hits as a numbered plain-text list.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString(". ")
		sb.WriteString(r.Title)
		sb.WriteString("\n   ")
		sb.WriteString(r.URL)
		if r.Content != "" {
			sb.WriteString("\n   ")
			sb.WriteString(r.Content)
		}
	}
	return sb.String()
}
