package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/nugget/deskpilot/internal/httpkit"
)

// maxWebhookResponse caps how much of a webhook response is returned to
// the model.
const maxWebhookResponse = 64 << 10

// WebhookDefinition describes a request-scoped tool whose capability
// lives in the calling application, reachable over HTTP.
type WebhookDefinition struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  map[string]any    `json:"parameters,omitempty"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// WebhookTool converts def into a tool whose handler POSTs the call
// arguments as a JSON object to def.URL and returns the response body.
// The thread, run and call IDs are forwarded as headers.
func WebhookTool(def WebhookDefinition, client *http.Client) (*Tool, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: webhook tool has no name", ErrInvalidDefinition)
	}
	u, err := url.Parse(def.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: webhook tool %q: url must be absolute http(s), got %q", ErrInvalidDefinition, def.Name, def.URL)
	}
	if client == nil {
		client = httpkit.NewClient()
	}

	target := u.String()
	headers := def.Headers
	name := def.Name

	handler := func(ctx context.Context, args map[string]any) (string, error) {
		body, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode arguments: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("X-Deskpilot-Tool", name)
		if id := ThreadIDFromContext(ctx); id != "" {
			req.Header.Set("X-Deskpilot-Thread", id)
		}
		if id := RunIDFromContext(ctx); id != "" {
			req.Header.Set("X-Deskpilot-Run", id)
		}
		if id := ToolCallIDFromContext(ctx); id != "" {
			req.Header.Set("X-Deskpilot-Call", id)
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("webhook request: %w", err)
		}
		defer resp.Body.Close()

		if err := httpkit.CheckResponse(resp); err != nil {
			return "", err
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
		if err != nil {
			return "", fmt.Errorf("read webhook response: %w", err)
		}
		return string(data), nil
	}

	return &Tool{
		Name:        def.Name,
		Description: def.Description,
		Parameters:  def.Parameters,
		Handler:     handler,
	}, nil
}
