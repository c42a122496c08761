package api

import (
	"net/http"

	"github.com/nugget/deskpilot/internal/agent"
)

// Error types that do not come from the agent loop.
const (
	typeNotFound = "not_found"
	typeBadJSON  = "invalid_request"
)

// errorStatus maps an agent error kind to an HTTP status.
func errorStatus(kind string) int {
	switch kind {
	case agent.KindInvalidRequest, agent.KindInvalidArguments:
		return http.StatusBadRequest
	case agent.KindRunNotFound:
		return http.StatusNotFound
	case agent.KindVersionConflict:
		return http.StatusConflict
	case agent.KindToolNotFound, agent.KindIterationLimit:
		return http.StatusUnprocessableEntity
	case agent.KindModelInvocation, agent.KindToolExecutionFailed:
		return http.StatusBadGateway
	case agent.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case agent.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}, s.logger)
}

// runError reports a failed run using its classified kind.
func (s *Server) runError(w http.ResponseWriter, err error) {
	kind := agent.ErrorKind(err)
	code := errorStatus(kind)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("agent run failed", "error", err)
		msg = "internal error"
	}
	s.errorResponse(w, code, kind, msg)
}
