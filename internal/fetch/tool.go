package fetch

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/deskpilot/internal/tools"
)

// ToolName is the name the fetch tool is registered under.
const ToolName = "web_fetch"

// Tool returns the web_fetch tool backed by f.
func Tool(f *Fetcher) *tools.Tool {
	return &tools.Tool{
		Name:        ToolName,
		Description: "Fetch a web page and return its readable text. Use after web_search to read a result in full.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The page URL. https is assumed when no scheme is given.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"description": "Maximum characters of text to return.",
				},
			},
			"required": []string{"url"},
		},
		Handler: toolHandler(f),
	}
}

func toolHandler(f *Fetcher) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		rawURL, _ := args["url"].(string)
		limit := 0
		if v, ok := args["max_chars"].(float64); ok {
			limit = int(v)
		}

		page, err := f.Fetch(ctx, rawURL, limit)
		if err != nil {
			return "", err
		}

		var b strings.Builder
		if page.Title != "" {
			fmt.Fprintf(&b, "Title: %s\n", page.Title)
		}
		fmt.Fprintf(&b, "URL: %s\n\n%s", page.URL, page.Text)
		if page.Truncated {
			b.WriteString("\n\n[truncated]")
		}
		return b.String(), nil
	}
}
