package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// eventSocketBuffer is the per-watcher backlog. A watcher that falls
// further behind loses events rather than slowing producers.
const eventSocketBuffer = 128

const eventWriteTimeout = 10 * time.Second

// handleEventSocket streams operational events as JSON websocket
// messages. ?source=agent,tasks limits the sources.
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	var sources []string
	if v := r.URL.Query().Get("source"); v != "" {
		sources = strings.Split(v, ",")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.deps.Events.Subscribe(eventSocketBuffer, sources...)
	defer sub.Close()
	s.logger.Debug("event watcher connected", "sources", sources)

	// The client sends nothing; reading only surfaces the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
			return
		case <-closed:
			s.logger.Debug("event watcher disconnected")
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}

// closeMessage is sent before the server ends a websocket.
var closeMessage = websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
