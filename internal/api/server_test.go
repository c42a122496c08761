package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/deskpilot/internal/agent"
	"github.com/nugget/deskpilot/internal/checkpoint"
	"github.com/nugget/deskpilot/internal/config"
	"github.com/nugget/deskpilot/internal/events"
	"github.com/nugget/deskpilot/internal/llm"
	"github.com/nugget/deskpilot/internal/session"
	"github.com/nugget/deskpilot/internal/tools"
)

// scriptedLLM replays responses in order.
type scriptedLLM struct {
	mu     sync.Mutex
	script []llm.Message
	err    error
	calls  int
}

func (s *scriptedLLM) Chat(_ context.Context, model string, _ []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.calls > len(s.script) {
		return nil, fmt.Errorf("unexpected model call %d", s.calls)
	}
	return &llm.ChatResponse{Model: model, Message: s.script[s.calls-1], InputTokens: 7, OutputTokens: 3}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	srv   *httptest.Server
	store *session.MemoryStore
	bus   *events.Bus
}

func newTestEnv(t *testing.T, model llm.Client, review []string) *testEnv {
	t.Helper()
	reg, err := tools.NewRegistry(tools.WeatherTool())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store := session.NewMemoryStore()
	staging, err := checkpoint.Open(":memory:")
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	t.Cleanup(func() { staging.Close() })

	cfg := agent.Config{SystemPrompt: "You are a helpful assistant.", Model: "gpt-4o-mini"}
	if len(review) > 0 {
		cfg.Review = agent.PatternReview(review)
	}
	bus := events.New()
	loop := agent.NewLoop(quietLogger(), model, store, reg, nil, cfg)
	loop.SetStaging(staging)
	loop.SetEventBus(bus)

	s := NewServer("", 0, loop, store, quietLogger())
	s.SetRunLister(staging)
	s.SetEventBus(bus)
	s.SetThreadCookie(config.ThreadConfig{CookieName: "copilot_thread_id", MaxAge: 7 * 24 * time.Hour})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path, body string, cookies ...*http.Cookie) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp, out
}

func threadCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == "copilot_thread_id" {
			return c
		}
	}
	return nil
}

func errorType(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	typ, _ := e["type"].(string)
	return typ
}

func TestChat_NewThreadSetsCookie(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{script: []llm.Message{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Function: llm.ToolCallFunction{Name: "getWeather", Arguments: map[string]any{"location": "Boston"}}}}},
		{Role: llm.RoleAssistant, Content: "It's rainy!"},
	}}, nil)

	resp, body := env.do(t, http.MethodPost, "/v1/chat", `{"message":"What's the weather in Boston?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["state"] != string(agent.StateDone) {
		t.Errorf("state = %v", body["state"])
	}
	msg, _ := body["message"].(map[string]any)
	if msg["content"] != "It's rainy!" {
		t.Errorf("message = %v", body["message"])
	}

	c := threadCookie(t, resp)
	if c == nil {
		t.Fatal("no thread cookie set")
	}
	if c.Value != body["thread_id"] {
		t.Errorf("cookie %q != thread_id %v", c.Value, body["thread_id"])
	}
	if !c.HttpOnly || c.SameSite != http.SameSiteStrictMode || c.MaxAge != 604800 || c.Path != "/" {
		t.Errorf("cookie attributes = %+v", c)
	}

	st, _ := env.store.Load(context.Background(), c.Value)
	if len(st.History) != 4 {
		t.Errorf("stored history has %d messages, want 4", len(st.History))
	}
}

func TestChat_ThreadSelection(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{script: []llm.Message{
		{Role: llm.RoleAssistant, Content: "one"},
		{Role: llm.RoleAssistant, Content: "two"},
		{Role: llm.RoleAssistant, Content: "three"},
	}}, nil)

	// Cookie thread is used when the body names none.
	cookie := &http.Cookie{Name: "copilot_thread_id", Value: "from-cookie"}
	resp, body := env.do(t, http.MethodPost, "/v1/chat", `{"message":"hi"}`, cookie)
	if body["thread_id"] != "from-cookie" {
		t.Errorf("thread_id = %v, want from-cookie", body["thread_id"])
	}
	if threadCookie(t, resp) != nil {
		t.Error("cookie re-issued for an unchanged thread")
	}

	// The body wins over the cookie, and the cookie follows it.
	resp, body = env.do(t, http.MethodPost, "/v1/chat", `{"message":"hi","thread_id":"from-body"}`, cookie)
	if body["thread_id"] != "from-body" {
		t.Errorf("thread_id = %v, want from-body", body["thread_id"])
	}
	if c := threadCookie(t, resp); c == nil || c.Value != "from-body" {
		t.Errorf("cookie = %+v, want from-body", c)
	}

	// Continuity: the second message on from-cookie sees version 2.
	_, body = env.do(t, http.MethodPost, "/v1/chat", `{"message":"again"}`, cookie)
	if body["version"] != float64(2) {
		t.Errorf("version = %v, want 2", body["version"])
	}
}

func TestChat_BadRequests(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{}, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"message":`},
		{"empty message", `{"message":"  "}`},
		{"bad thread id", `{"message":"hi","thread_id":"has space"}`},
		{"bad webhook url", `{"message":"hi","tools":[{"name":"lookup","url":"ftp://example.com"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/v1/chat", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %v)", resp.StatusCode, body)
			}
			if errorType(body) != agent.KindInvalidRequest {
				t.Errorf("error type = %q", errorType(body))
			}
		})
	}
}

func TestChat_ErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		model    *scriptedLLM
		wantCode int
		wantType string
	}{
		{
			name:     "model failure",
			model:    &scriptedLLM{err: errors.New("connection refused")},
			wantCode: http.StatusBadGateway,
			wantType: agent.KindModelInvocation,
		},
		{
			name: "unknown tool",
			model: &scriptedLLM{script: []llm.Message{
				{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Function: llm.ToolCallFunction{Name: "launchRocket"}}}},
			}},
			wantCode: http.StatusUnprocessableEntity,
			wantType: agent.KindToolNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.model, nil)
			resp, body := env.do(t, http.MethodPost, "/v1/chat", `{"message":"hi"}`)
			if resp.StatusCode != tt.wantCode || errorType(body) != tt.wantType {
				t.Errorf("got %d %q, want %d %q", resp.StatusCode, errorType(body), tt.wantCode, tt.wantType)
			}
		})
	}
}

func TestChat_WebhookTool(t *testing.T) {
	var gotBody, gotThread string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotThread = r.Header.Get("X-Deskpilot-Thread")
		io.WriteString(w, `{"rows":2}`)
	}))
	defer hook.Close()

	env := newTestEnv(t, &scriptedLLM{script: []llm.Message{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Function: llm.ToolCallFunction{Name: "countRows", Arguments: map[string]any{"table": "Leads"}}}}},
		{Role: llm.RoleAssistant, Content: "There are 2 rows."},
	}}, nil)

	payload := fmt.Sprintf(`{"message":"how many rows?","thread_id":"t-hook","tools":[{"name":"countRows","description":"Count rows","parameters":{"type":"object","properties":{"table":{"type":"string"}}},"url":%q}]}`, hook.URL)
	resp, body := env.do(t, http.MethodPost, "/v1/chat", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if gotBody != `{"table":"Leads"}` || gotThread != "t-hook" {
		t.Errorf("webhook got body %q thread %q", gotBody, gotThread)
	}
	st, _ := env.store.Load(context.Background(), "t-hook")
	if st.History[2].Content != `{"rows":2}` {
		t.Errorf("tool result = %q", st.History[2].Content)
	}
}

func TestNewThread(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{}, nil)
	resp, body := env.do(t, http.MethodGet, "/v1/thread", "")
	id, _ := body["threadId"].(string)
	if id == "" {
		t.Fatalf("body = %v", body)
	}
	if c := threadCookie(t, resp); c == nil || c.Value != id {
		t.Errorf("cookie = %+v, want %q", c, id)
	}
}

func TestThreadGetAndTranscript(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{script: []llm.Message{
		{Role: llm.RoleAssistant, Content: "Here is **bold** advice. <script>alert(1)</script>"},
	}}, nil)
	env.do(t, http.MethodPost, "/v1/chat", `{"message":"advise me","thread_id":"t-1"}`)

	resp, body := env.do(t, http.MethodGet, "/v1/threads/t-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 || body["version"] != float64(1) {
		t.Errorf("thread = %v", body)
	}
	if ts, _ := body["tool_set"].([]any); len(ts) != 1 || ts[0] != "getWeather" {
		t.Errorf("tool_set = %v", body["tool_set"])
	}

	resp, err := http.Get(env.srv.URL + "/v1/threads/t-1/transcript")
	if err != nil {
		t.Fatal(err)
	}
	page, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	html := string(page)
	if !strings.Contains(html, "<strong>bold</strong>") || !strings.Contains(html, "advise me") {
		t.Errorf("transcript missing rendered content:\n%s", html)
	}
	if strings.Contains(html, "<script>") {
		t.Error("transcript passed raw HTML through")
	}

	resp, body = env.do(t, http.MethodGet, "/v1/threads/unknown", "")
	if resp.StatusCode != http.StatusNotFound || errorType(body) != typeNotFound {
		t.Errorf("unknown thread: %d %v", resp.StatusCode, body)
	}
}

func TestReviewFlow(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{script: []llm.Message{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Function: llm.ToolCallFunction{Name: "getWeather", Arguments: map[string]any{"location": "sf"}}}}},
		{Role: llm.RoleAssistant, Content: "It's sunny!"},
	}}, []string{"getWeather"})

	resp, body := env.do(t, http.MethodPost, "/v1/chat", `{"message":"weather in sf?","thread_id":"t-r"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %v)", resp.StatusCode, body)
	}
	cookie := threadCookie(t, resp)
	if cookie == nil {
		t.Fatal("no thread cookie set")
	}
	runID, _ := body["run_id"].(string)
	pending, _ := body["pending_tool_calls"].([]any)
	if runID == "" || len(pending) != 1 {
		t.Fatalf("suspended body = %v", body)
	}
	if p := pending[0].(map[string]any); p["name"] != "getWeather" || p["id"] != "c1" {
		t.Errorf("pending = %v", p)
	}

	_, body = env.do(t, http.MethodGet, "/v1/runs?thread_id=t-r", "")
	runs, _ := body["runs"].([]any)
	if len(runs) != 1 || runs[0].(map[string]any)["id"] != runID {
		t.Errorf("runs = %v", body)
	}

	resp, body = env.do(t, http.MethodPost, "/v1/runs/"+runID+"/decision", `{"approved":true}`, cookie)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decision status = %d (body %v)", resp.StatusCode, body)
	}
	if msg, _ := body["message"].(map[string]any); msg["content"] != "It's sunny!" {
		t.Errorf("decision body = %v", body)
	}

	resp, body = env.do(t, http.MethodPost, "/v1/runs/"+runID+"/decision", `{"approved":true}`, cookie)
	if resp.StatusCode != http.StatusNotFound || errorType(body) != agent.KindRunNotFound {
		t.Errorf("second decision: %d %v", resp.StatusCode, body)
	}

	_, body = env.do(t, http.MethodGet, "/v1/runs", "")
	if runs, _ := body["runs"].([]any); len(runs) != 0 {
		t.Errorf("runs after decision = %v", runs)
	}
}

func TestDecision_BoundToThread(t *testing.T) {
	model := &scriptedLLM{script: []llm.Message{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Function: llm.ToolCallFunction{Name: "getWeather", Arguments: map[string]any{"location": "sf"}}}}},
		{Role: llm.RoleAssistant, Content: "It's sunny!"},
	}}
	env := newTestEnv(t, model, []string{"getWeather"})

	_, body := env.do(t, http.MethodPost, "/v1/chat", `{"message":"weather in sf?","thread_id":"owner"}`)
	runID, _ := body["run_id"].(string)
	if runID == "" {
		t.Fatalf("suspended body = %v", body)
	}

	tests := []struct {
		name    string
		body    string
		cookies []*http.Cookie
	}{
		{name: "no thread", body: `{"approved":true}`},
		{name: "other cookie", body: `{"approved":true}`, cookies: []*http.Cookie{{Name: "copilot_thread_id", Value: "intruder"}}},
		{name: "other body thread", body: `{"approved":true,"thread_id":"intruder"}`, cookies: []*http.Cookie{{Name: "copilot_thread_id", Value: "owner"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/v1/runs/"+runID+"/decision", tt.body, tt.cookies...)
			if resp.StatusCode != http.StatusNotFound || errorType(body) != agent.KindRunNotFound {
				t.Errorf("decision = %d %v, want 404 run_not_found", resp.StatusCode, body)
			}
		})
	}

	// Rejected attempts neither consumed the run nor reached the model.
	model.mu.Lock()
	calls := model.calls
	model.mu.Unlock()
	if calls != 1 {
		t.Errorf("model calls = %d, want 1", calls)
	}
	resp, body := env.do(t, http.MethodPost, "/v1/runs/"+runID+"/decision", `{"approved":true,"thread_id":"owner"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner decision = %d %v", resp.StatusCode, body)
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{}, nil)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/events?kind=" + events.KindThreadIssued
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Wait for the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	env.bus.Emit(events.SourceAgent, events.KindLLMCall, nil) // filtered out
	_, body := env.do(t, http.MethodGet, "/v1/thread", "")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if e.Kind != events.KindThreadIssued || e.Source != events.SourceAPI {
		t.Errorf("event = %+v", e)
	}
	if e.Data["thread_id"] != body["threadId"] {
		t.Errorf("event thread_id = %v, want %v", e.Data["thread_id"], body["threadId"])
	}
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{}, nil)

	resp, body := env.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
	_, body = env.do(t, http.MethodGet, "/v1/version", "")
	if _, ok := body["version"]; !ok {
		t.Errorf("version body = %v", body)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := map[string]int{
		agent.KindInvalidRequest:      http.StatusBadRequest,
		agent.KindRunNotFound:         http.StatusNotFound,
		agent.KindVersionConflict:     http.StatusConflict,
		agent.KindIterationLimit:      http.StatusUnprocessableEntity,
		agent.KindToolExecutionFailed: http.StatusBadGateway,
		agent.KindStoreUnavailable:    http.StatusServiceUnavailable,
		agent.KindCancelled:           http.StatusRequestTimeout,
		agent.KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := errorStatus(kind); got != want {
			t.Errorf("errorStatus(%q) = %d, want %d", kind, got, want)
		}
	}
}
