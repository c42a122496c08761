// Package fetch reads web pages for the web_fetch tool. HTML is reduced
// to its visible text; plain text and other UTF-8 bodies pass through.
package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/nugget/deskpilot/internal/httpkit"
)

const (
	// DefaultMaxBytes caps the downloaded body.
	DefaultMaxBytes int64 = 2 << 20

	// DefaultMaxChars caps the text handed back to the model.
	DefaultMaxChars = 20000
)

// Page is a fetched and reduced web page.
type Page struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Text        string `json:"text"`
	ContentType string `json:"content_type,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetcher downloads pages over HTTP(S).
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	maxChars int
}

// New creates a Fetcher. A nil client gets an httpkit client; maxChars
// of zero or less selects [DefaultMaxChars].
func New(client *http.Client, maxChars int) *Fetcher {
	if client == nil {
		client = httpkit.NewClient()
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Fetcher{client: client, maxBytes: DefaultMaxBytes, maxChars: maxChars}
}

// Fetch downloads rawURL and returns its readable text. A URL without a
// scheme is fetched over https. limit overrides the fetcher's character
// cap when positive and smaller.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, limit int) (*Page, error) {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	if err := httpkit.CheckResponse(resp); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}

	page := &Page{URL: target, ContentType: resp.Header.Get("Content-Type")}
	mediaType, _, _ := mime.ParseMediaType(page.ContentType)
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		page.Title, page.Text = extractHTML(string(body))
	case utf8.Valid(body):
		page.Text = string(body)
	default:
		page.Text = fmt.Sprintf("(binary content, %s, %d bytes)", mediaType, len(body))
	}

	chars := f.maxChars
	if limit > 0 && limit < chars {
		chars = limit
	}
	page.Text, page.Truncated = truncateRunes(page.Text, chars)
	return page, nil
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url %q: no host", raw)
	}
	return u.String(), nil
}

// truncateRunes cuts s to at most limit runes.
func truncateRunes(s string, limit int) (string, bool) {
	if utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i], true
		}
		n++
	}
	return s, false
}
