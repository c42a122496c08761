package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/deskpilot/internal/session"
	"github.com/nugget/deskpilot/internal/usage"
)

// defaultUsageWindow is the lookback for GET /v1/usage without ?since.
const defaultUsageWindow = 24 * time.Hour

// UsageReader answers windowed usage reports.
type UsageReader interface {
	Report(ctx context.Context, w usage.Window, dims ...usage.Dimension) (*usage.Report, error)
}

// SetUsageReader configures the source for GET /v1/usage.
func (s *Server) SetUsageReader(u UsageReader) {
	s.usage = u
}

// handleUsage serves GET /v1/usage?since=<duration>&by=model,thread.
// The model breakdown is included when by is absent.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, typeNotFound, "usage ledger is not configured")
		return
	}

	q := r.URL.Query()
	window := defaultUsageWindow
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, typeBadJSON, fmt.Sprintf("since must be a positive duration, got %q", v))
			return
		}
		window = d
	}

	dims := []usage.Dimension{usage.ByModel}
	if v := q.Get("by"); v != "" {
		dims = dims[:0]
		for _, part := range strings.Split(v, ",") {
			d, err := usage.ParseDimension(part)
			if err != nil {
				s.errorResponse(w, http.StatusBadRequest, typeBadJSON, err.Error())
				return
			}
			dims = append(dims, d)
		}
	}

	rep, err := s.usage.Report(r.Context(), usage.Last(window), dims...)
	if err != nil {
		s.runError(w, &session.ErrStoreUnavailable{Op: "usage", Err: err})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, rep, s.logger)
}
