package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/deskpilot/internal/events"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = wsPongWait * 9 / 10
	wsEventBuffer = 128
)

// The default origin check rejects cross-origin browser connections.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams bus events as JSON text frames. Optional
// source and kind query parameters filter the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusNotFound, typeNotFound, "event feed is not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	source := r.URL.Query().Get("source")
	kind := r.URL.Query().Get("kind")

	ch := s.bus.Subscribe(wsEventBuffer)
	defer s.bus.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read side only handles control frames; it ends the stream
	// when the client goes away.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr, "source", source, "kind", kind)
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !matchEvent(e, source, kind) {
				continue
			}
			payload, err := json.Marshal(e)
			if err != nil {
				s.logger.Debug("marshal event failed", "kind", e.Kind, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("event stream write failed", "error", err)
				}
				return
			}
		}
	}
}

func matchEvent(e events.Event, source, kind string) bool {
	return (source == "" || e.Source == source) && (kind == "" || e.Kind == kind)
}
