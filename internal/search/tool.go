package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/deskpilot/internal/tools"
)

// ToolName is the name the web search tool is registered under.
const ToolName = "web_search"

// maxToolCount bounds the count a model may ask for.
const maxToolCount = 10

// Tool returns the web_search tool backed by mgr.
func Tool(mgr *Manager) *tools.Tool {
	return &tools.Tool{
		Name:        ToolName,
		Description: "Search the web for current information. Returns JSON with the answering provider and a results array of title, url, content and score.",
		Parameters:  ToolDefinition(mgr.Providers()),
		Handler:     ToolHandler(mgr),
	}
}

type searchArgs struct {
	Query    string `json:"query"`
	Count    int    `json:"count"`
	Language string `json:"language"`
	Provider string `json:"provider"`
}

func decodeArgs(args map[string]any) (searchArgs, error) {
	var a searchArgs
	raw, err := json.Marshal(args)
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return a, fmt.Errorf("web_search: %w", err)
	}
	a.Query = strings.TrimSpace(a.Query)
	if a.Query == "" {
		return a, errors.New("web_search: query is required")
	}
	a.Count = max(0, min(a.Count, maxToolCount))
	return a, nil
}

// ToolHandler adapts mgr to the tools.Handler signature. An explicit
// provider argument disables failover.
func ToolHandler(mgr *Manager) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		a, err := decodeArgs(args)
		if err != nil {
			return "", err
		}
		opts := Options{Count: a.Count, Language: a.Language}

		var ans Answer
		if a.Provider != "" {
			ans, err = mgr.SearchWith(ctx, a.Provider, a.Query, opts)
		} else {
			ans, err = mgr.Search(ctx, a.Query, opts)
		}
		if err != nil {
			return "", err
		}

		out, err := json.Marshal(ans)
		if err != nil {
			return FormatResults(ans.Results), nil
		}
		return string(out), nil
	}
}

// ToolDefinition returns the JSON Schema for web_search arguments.
// A non-empty providers list becomes the provider enum.
func ToolDefinition(providers []string) map[string]any {
	props := map[string]any{
		"query": map[string]any{"type": "string", "description": "What to search for."},
		"count": map[string]any{
			"type": "integer", "minimum": 1, "maximum": maxToolCount,
			"description": fmt.Sprintf("Maximum results (1-%d). Defaults to the provider setting.", maxToolCount),
		},
		"language": map[string]any{"type": "string", "description": "ISO 639-1 code to restrict results to, such as en or de."},
		"provider": map[string]any{"type": "string", "description": "Search provider to use. Omit to try the default and fall back to the others."},
	}
	if len(providers) > 0 {
		props["provider"].(map[string]any)["enum"] = providers
	}
	return map[string]any{"type": "object", "properties": props, "required": []string{"query"}}
}
