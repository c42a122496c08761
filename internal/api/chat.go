package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/deskpilot/internal/agent"
	"github.com/nugget/deskpilot/internal/events"
	"github.com/nugget/deskpilot/internal/llm"
	"github.com/nugget/deskpilot/internal/session"
	"github.com/nugget/deskpilot/internal/tools"
)

// maxThreadIDLen bounds client-supplied thread IDs.
const maxThreadIDLen = 128

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message  string                    `json:"message"`
	ThreadID string                    `json:"thread_id,omitempty"`
	Model    string                    `json:"model,omitempty"`
	Tools    []tools.WebhookDefinition `json:"tools,omitempty"`
}

// DecisionRequest is the body of POST /v1/runs/{id}/decision.
// The run must belong to the caller's thread: ThreadID when set, else
// the thread cookie.
type DecisionRequest struct {
	ThreadID string                    `json:"thread_id,omitempty"`
	Approved bool                      `json:"approved"`
	Reason   string                    `json:"reason,omitempty"`
	Tools    []tools.WebhookDefinition `json:"tools,omitempty"`
}

// ChatResponse is returned for a completed or suspended run.
type ChatResponse struct {
	ThreadID   string         `json:"thread_id"`
	State      agent.State    `json:"state"`
	Message    *llm.Message   `json:"message,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Pending    []PendingCall  `json:"pending_tool_calls,omitempty"`
	Model      string         `json:"model"`
	Iterations int            `json:"iterations"`
	Usage      map[string]int `json:"usage"`
	Version    int64          `json:"version"`
}

// PendingCall is a tool call awaiting review.
type PendingCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, typeBadJSON, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, agent.KindInvalidRequest, "message is required")
		return
	}

	threadID, err := s.resolveThread(w, r, req.ThreadID)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, agent.KindInvalidRequest, err.Error())
		return
	}

	supplied, err := s.webhookTools(req.Tools)
	if err != nil {
		s.runError(w, err)
		return
	}

	resp, err := s.runner.Run(r.Context(), &agent.Request{
		ThreadID: threadID,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: req.Message}},
		Model:    req.Model,
		Tools:    supplied,
	})
	if err != nil {
		s.runError(w, err)
		return
	}
	s.writeRunResponse(w, resp)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, typeBadJSON, "invalid request body")
		return
	}

	runID := r.PathValue("id")
	owner, err := s.runner.StagedThread(runID)
	if err != nil {
		s.runError(w, err)
		return
	}
	// A run on another thread is reported exactly like a missing one.
	if caller := s.callerThread(r, req.ThreadID); caller == "" || caller != owner {
		s.logger.Warn("decision rejected for foreign thread", "run_id", runID)
		s.runError(w, fmt.Errorf("%w: %s", agent.ErrRunNotFound, runID))
		return
	}

	supplied, err := s.webhookTools(req.Tools)
	if err != nil {
		s.runError(w, err)
		return
	}

	resp, err := s.runner.Resume(r.Context(), &agent.ResumeRequest{
		RunID:    runID,
		Approved: req.Approved,
		Reason:   req.Reason,
		Tools:    supplied,
	})
	if err != nil {
		s.runError(w, err)
		return
	}
	s.writeRunResponse(w, resp)
}

// handleNewThread issues a fresh thread ID and sets the thread cookie.
func (s *Server) handleNewThread(w http.ResponseWriter, r *http.Request) {
	threadID := s.issueThread(w)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"threadId": threadID}, s.logger)
}

// resolveThread picks the thread for a chat request: the body's ID,
// else the cookie's, else a new one. The cookie is (re)set whenever it
// does not already carry the chosen ID.
func (s *Server) resolveThread(w http.ResponseWriter, r *http.Request, fromBody string) (string, error) {
	var fromCookie string
	if c, err := r.Cookie(s.cookie.CookieName); err == nil {
		fromCookie = c.Value
	}

	switch {
	case fromBody != "":
		if err := validThreadID(fromBody); err != nil {
			return "", err
		}
		if fromBody != fromCookie {
			s.setThreadCookie(w, fromBody)
		}
		return fromBody, nil
	case fromCookie != "" && validThreadID(fromCookie) == nil:
		return fromCookie, nil
	default:
		return s.issueThread(w), nil
	}
}

// callerThread returns the thread a request speaks for without
// issuing a new one: the body's ID, else the cookie's.
func (s *Server) callerThread(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if c, err := r.Cookie(s.cookie.CookieName); err == nil {
		return c.Value
	}
	return ""
}

func (s *Server) issueThread(w http.ResponseWriter) string {
	threadID := session.NewThreadID()
	s.setThreadCookie(w, threadID)
	s.bus.Emit(events.SourceAPI, events.KindThreadIssued, map[string]any{"thread_id": threadID})
	return threadID
}

func (s *Server) setThreadCookie(w http.ResponseWriter, threadID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie.CookieName,
		Value:    threadID,
		Path:     "/",
		MaxAge:   int(s.cookie.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   s.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func validThreadID(id string) error {
	if len(id) > maxThreadIDLen {
		return fmt.Errorf("thread_id longer than %d bytes", maxThreadIDLen)
	}
	for _, c := range id {
		if c <= ' ' || c == ';' || c == ',' || c == '"' || c == '\\' || c > '~' {
			return errors.New("thread_id contains characters not allowed in a cookie value")
		}
	}
	return nil
}

// webhookTools converts request-supplied definitions to tools.
func (s *Server) webhookTools(defs []tools.WebhookDefinition) ([]*tools.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]*tools.Tool, 0, len(defs))
	for _, def := range defs {
		t, err := tools.WebhookTool(def, s.webhook)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Server) writeRunResponse(w http.ResponseWriter, resp *agent.Response) {
	out := ChatResponse{
		ThreadID:   resp.ThreadID,
		State:      resp.State,
		RunID:      resp.RunID,
		Model:      resp.Model,
		Iterations: resp.Iterations,
		Usage: map[string]int{
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
		},
		Version: resp.Version,
	}

	code := http.StatusOK
	if resp.State == agent.StateSuspended {
		code = http.StatusAccepted
		out.Pending = make([]PendingCall, 0, len(resp.Pending))
		for _, tc := range resp.Pending {
			out.Pending = append(out.Pending, PendingCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	} else {
		msg := resp.Message
		out.Message = &msg
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, out, s.logger)
}
