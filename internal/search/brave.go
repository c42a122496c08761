package search

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/deskpilot/internal/httpkit"
)

// BraveURL is the Brave web search endpoint.
const BraveURL = "https://api.search.brave.com/res/v1/web/search"

const defaultSearchTimeout = 15 * time.Second

// Brave implements the Provider interface for the Brave Search API.
type Brave struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewBrave creates a Brave Search provider. A nil client gets an
// httpkit client with a 15 second timeout.
func NewBrave(apiKey string, client *http.Client) *Brave {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(defaultSearchTimeout))
	}
	return &Brave{
		apiKey:     apiKey,
		endpoint:   BraveURL,
		httpClient: client,
	}
}

// WithEndpoint returns b pointed at a different search URL.
func (b *Brave) WithEndpoint(endpoint string) *Brave {
	b.endpoint = endpoint
	return b
}

func (b *Brave) Name() string { return "brave" }

// braveResponse is the JSON response from Brave's web search API.
type braveResponse struct {
	Web struct {
		Results []braveResult `json:"results"`
	} `json:"web"`
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// braveMaxCount is the largest page the API serves.
const braveMaxCount = 20

func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("brave: query is required")
	}
	count := min(opts.Count, braveMaxCount)
	if count <= 0 {
		count = DefaultMaxResults
	}

	params := url.Values{"q": {query}, "count": {strconv.Itoa(count)}}
	if opts.Language != "" {
		params.Set("search_lang", opts.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("brave: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave: request failed: %w", err)
	}
	if err := httpkit.CheckResponse(resp); err != nil {
		return nil, fmt.Errorf("brave: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var br braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, fmt.Errorf("brave: decode response: %w", err)
	}

	// Brave does not score results; rank order stands in for relevance.
	results := make([]Result, 0, len(br.Web.Results))
	for i, r := range br.Web.Results {
		results = append(results, Result{
			Title:   stripMarkup(r.Title),
			URL:     r.URL,
			Content: stripMarkup(r.Description),
			Score:   1 / float64(i+1),
		})
	}

	return results, nil
}

// stripMarkup removes the <strong> highlighting Brave puts around
// matched terms and unescapes entities.
func stripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	var sb strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>' && inTag:
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return html.UnescapeString(sb.String())
}
