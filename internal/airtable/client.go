// Package airtable provides a read-only client for the Airtable REST API
// and the agent tools built on it.
package airtable

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/nugget/deskpilot/internal/httpkit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultBaseURL is the Airtable API root.
const DefaultBaseURL = "https://api.airtable.com"

// MaxPageSize is the largest page Airtable returns per request.
const MaxPageSize = 100

// Client is an Airtable REST API client bound to one base.
type Client struct {
	baseURL    string
	apiKey     string
	baseID     string
	httpClient *http.Client
}

// NewClient creates a new Airtable client. An empty baseURL means
// [DefaultBaseURL].
func NewClient(baseURL, apiKey, baseID string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		baseID:  baseID,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// Record is a single Airtable row.
type Record struct {
	ID          string         `json:"id"`
	CreatedTime time.Time      `json:"createdTime"`
	Fields      map[string]any `json:"fields"`
}

// RecordPage is one page of a record listing. Offset is non-empty when
// more records are available.
type RecordPage struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset,omitempty"`
}

// ListOptions narrows a record listing.
type ListOptions struct {
	MaxRecords      int
	PageSize        int
	FilterByFormula string
	View            string
	Fields          []string
	Offset          string
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if o.MaxRecords > 0 {
		v.Set("maxRecords", strconv.Itoa(o.MaxRecords))
	}
	if o.PageSize > 0 {
		v.Set("pageSize", strconv.Itoa(min(o.PageSize, MaxPageSize)))
	}
	if o.FilterByFormula != "" {
		v.Set("filterByFormula", o.FilterByFormula)
	}
	if o.View != "" {
		v.Set("view", o.View)
	}
	for _, f := range o.Fields {
		v.Add("fields[]", f)
	}
	if o.Offset != "" {
		v.Set("offset", o.Offset)
	}
	return v
}

// Table describes a table in the base schema.
type Table struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	PrimaryFieldID string  `json:"primaryFieldId"`
	Fields         []Field `json:"fields"`
}

// Field describes a column.
type Field struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// APIError is an error reported by Airtable.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	switch {
	case e.Type != "" && e.Message != "":
		return fmt.Sprintf("airtable: HTTP %d %s: %s", e.StatusCode, e.Type, e.Message)
	case e.Type != "":
		return fmt.Sprintf("airtable: HTTP %d %s", e.StatusCode, e.Type)
	default:
		return fmt.Sprintf("airtable: HTTP %d", e.StatusCode)
	}
}

// ListRecords returns one page of records from table.
func (c *Client) ListRecords(ctx context.Context, table string, opts ListOptions) (*RecordPage, error) {
	if table == "" {
		return nil, fmt.Errorf("airtable: table is required")
	}
	path := fmt.Sprintf("/v0/%s/%s", url.PathEscape(c.baseID), url.PathEscape(table))
	if q := opts.values().Encode(); q != "" {
		path += "?" + q
	}

	var page RecordPage
	if err := c.get(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListAllRecords follows offsets until limit records are collected or
// the table is exhausted. A limit of zero collects everything.
func (c *Client) ListAllRecords(ctx context.Context, table string, opts ListOptions, limit int) ([]Record, error) {
	var out []Record
	for {
		page, err := c.ListRecords(ctx, table, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
		if page.Offset == "" {
			return out, nil
		}
		opts.Offset = page.Offset
	}
}

// ListTables returns the base schema.
func (c *Client) ListTables(ctx context.Context) ([]Table, error) {
	var resp struct {
		Tables []Table `json:"tables"`
	}
	if err := c.get(ctx, "/v0/meta/bases/"+url.PathEscape(c.baseID)+"/tables", &resp); err != nil {
		return nil, err
	}
	return resp.Tables, nil
}

// get performs a GET request to the Airtable API.
func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("airtable: request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("airtable: decode response: %w", err)
	}
	return nil
}

// apiError decodes either of Airtable's error shapes:
// {"error":{"type":…,"message":…}} or {"error":"NOT_FOUND"}.
func apiError(status int, body string) error {
	e := &APIError{StatusCode: status}
	var wrapped struct {
		Error jsoniter.RawMessage `json:"error"`
	}
	if json.UnmarshalFromString(body, &wrapped) != nil || len(wrapped.Error) == 0 {
		e.Message = strings.TrimSpace(body)
		return e
	}
	var detail struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if json.Unmarshal(wrapped.Error, &detail) == nil {
		e.Type, e.Message = detail.Type, detail.Message
		return e
	}
	var code string
	if json.Unmarshal(wrapped.Error, &code) == nil {
		e.Type = code
	}
	return e
}
