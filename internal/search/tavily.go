package search

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/nugget/deskpilot/internal/httpkit"
)

// TavilyURL is the Tavily search endpoint.
const TavilyURL = "https://api.tavily.com/search"

// Tavily implements the Provider interface for the Tavily search API.
type Tavily struct {
	apiKey     string
	endpoint   string
	maxResults int
	httpClient *http.Client
}

// NewTavily creates a Tavily provider. maxResults applies when a query
// does not set Options.Count; zero means [DefaultMaxResults]. A nil
// client gets an httpkit client with a 15 second timeout.
func NewTavily(apiKey string, maxResults int, client *http.Client) *Tavily {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(defaultSearchTimeout))
	}
	return &Tavily{
		apiKey:     apiKey,
		endpoint:   TavilyURL,
		maxResults: maxResults,
		httpClient: client,
	}
}

// WithEndpoint returns t pointed at a different search URL.
func (t *Tavily) WithEndpoint(endpoint string) *Tavily {
	t.endpoint = endpoint
	return t
}

func (t *Tavily) Name() string { return "tavily" }

type tavilyRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

// tavilyResponse is the JSON response from Tavily's search API.
type tavilyResponse struct {
	Results []tavilyResult `json:"results"`
}

type tavilyResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

func (t *Tavily) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("tavily: query is required")
	}
	count := opts.Count
	if count <= 0 {
		count = t.maxResults
	}

	body, err := json.Marshal(tavilyRequest{Query: query, MaxResults: count, SearchDepth: "basic"})
	if err != nil {
		return nil, fmt.Errorf("tavily: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tavily: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily: request failed: %w", err)
	}
	if err := httpkit.CheckResponse(resp); err != nil {
		return nil, fmt.Errorf("tavily: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var tr tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("tavily: decode response: %w", err)
	}

	results := make([]Result, 0, len(tr.Results))
	for _, r := range tr.Results {
		content := r.Content
		if content == "" {
			content = r.Snippet
		}
		score := r.Score
		if score == 0 {
			score = 1
		}
		results = append(results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Content: content,
			Score:   score,
		})
	}
	return results, nil
}
