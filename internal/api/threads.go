package api

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/nugget/deskpilot/internal/agent"
	"github.com/nugget/deskpilot/internal/checkpoint"
	"github.com/nugget/deskpilot/internal/llm"
	"github.com/nugget/deskpilot/internal/session"
)

// ThreadResponse is returned by GET /v1/threads/{id}.
type ThreadResponse struct {
	ThreadID  string        `json:"thread_id"`
	Version   int64         `json:"version"`
	ToolSet   []string      `json:"tool_set"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
	Messages  []llm.Message `json:"messages"`
}

// loadThread writes an error response and returns nil when the thread
// cannot be served.
func (s *Server) loadThread(w http.ResponseWriter, r *http.Request) *session.State {
	st, err := s.threads.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		s.runError(w, &session.ErrStoreUnavailable{Op: "load", ThreadID: r.PathValue("id"), Err: err})
		return nil
	}
	if st.Version == 0 {
		s.errorResponse(w, http.StatusNotFound, typeNotFound, "thread not found")
		return nil
	}
	return st
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	st := s.loadThread(w, r)
	if st == nil {
		return
	}

	toolSet := st.ToolSet
	if toolSet == nil {
		toolSet = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ThreadResponse{
		ThreadID:  st.ThreadID,
		Version:   st.Version,
		ToolSet:   toolSet,
		CreatedAt: st.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt: st.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Messages:  st.History,
	}, s.logger)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	st := s.loadThread(w, r)
	if st == nil {
		return
	}

	page, err := renderTranscript(st)
	if err != nil {
		s.logger.Error("transcript render failed", "thread_id", st.ThreadID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, agent.KindInternal, "transcript render failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(page); err != nil {
		s.logger.Debug("failed to write transcript", "error", err)
	}
}

// renderTranscript renders the user-visible turns of a thread as an
// HTML page. Message content is treated as markdown; raw HTML in it is
// not passed through.
func renderTranscript(st *session.State) ([]byte, error) {
	var body bytes.Buffer
	for _, m := range st.History {
		switch m.Role {
		case llm.RoleUser, llm.RoleAssistant:
		default:
			continue
		}

		fmt.Fprintf(&body, "<section class=\"%s\">\n<h3>%s</h3>\n", m.Role, html.EscapeString(m.Role))
		if m.Content != "" {
			if err := goldmark.Convert([]byte(m.Content), &body); err != nil {
				return nil, err
			}
		}
		if len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, "<code>"+html.EscapeString(tc.Function.Name)+"</code>")
			}
			fmt.Fprintf(&body, "<p class=\"tools\">Called %s</p>\n", strings.Join(names, ", "))
		}
		body.WriteString("</section>\n")
	}

	var page bytes.Buffer
	fmt.Fprintf(&page, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Thread %s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s</body></html>
`, html.EscapeString(st.ThreadID), body.String())
	return page.Bytes(), nil
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.errorResponse(w, http.StatusNotFound, typeNotFound, "review staging is not configured")
		return
	}

	runs, err := s.runs.List(r.URL.Query().Get("thread_id"))
	if err != nil {
		s.runError(w, &session.ErrStoreUnavailable{Op: "stage", Err: err})
		return
	}
	if runs == nil {
		runs = []*checkpoint.Summary{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"runs": runs}, s.logger)
}
