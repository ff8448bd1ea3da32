package olympus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket keep-alive policy.
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is read-only and guarded by the API key, so any origin
	// may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams change events as server-sent events named
// "queue-update". A comment heartbeat keeps idle connections open
// through proxies.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		s.writeMessage(w, http.StatusServiceUnavailable, "event feed unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel, err := s.Bus.Subscribe(r.Context())
	if err != nil {
		s.failErr(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat())
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: queue-update\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleEventsWS streams the same change events over a WebSocket, one
// JSON envelope per message.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		s.writeMessage(w, http.StatusServiceUnavailable, "event feed unavailable")
		return
	}

	events, cancel, err := s.Bus.Subscribe(r.Context())
	if err != nil {
		s.failErr(w, err)
		return
	}
	defer cancel()

	// Upgrade writes its own error response on failure.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn(r.Context(), "websocket upgrade failed", map[string]any{
			"error": err.Error(),
		})
		return
	}
	defer conn.Close()

	// The read pump only consumes control frames; it closes done when the
	// peer goes away, which is not observable through r.Context() on a
	// hijacked connection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return

		case <-r.Context().Done():
			return

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case event, ok := <-events:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func (s *Server) heartbeat() time.Duration {
	if s.Heartbeat > 0 {
		return s.Heartbeat
	}
	return DefaultHeartbeat
}
