package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/position.report/internal/monitoring"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is read-only position data served on the local network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveWebSocket streams each published position as a JSON text message.
// Messages from the client are read and discarded so close frames and
// disconnects are noticed.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		monitoring.Logf("ws: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	id, positions := s.cfg.Stream.Subscribe(feedBuffer)
	defer s.cfg.Stream.Unsubscribe(id)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case p, ok := <-positions:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(p); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// serveEvents streams each published position as a Server-Sent Event.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, positions := s.cfg.Stream.Subscribe(feedBuffer)
	defer s.cfg.Stream.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	keepAlive := time.NewTicker(s.cfg.PingInterval)
	defer keepAlive.Stop()

	for {
		select {
		case p, ok := <-positions:
			if !ok {
				return
			}
			data, err := p.JSON()
			if err != nil {
				monitoring.Logf("events: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: position\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
