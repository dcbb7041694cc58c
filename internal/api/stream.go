package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"missiontrack/internal/logging"
)

const (
	heartbeatEvery = 15 * time.Second
	wsPongWait     = 60 * time.Second
	wsWriteWait    = 10 * time.Second
)

func heartbeat(missionID string, now time.Time) map[string]string {
	return map[string]string{"missionId": missionID, "ts": now.UTC().Format(time.RFC3339)}
}

// StreamHandler handles GET /v1/missions/{id}/stream as server-sent events.
func (s *Server) StreamHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Engine.Mission(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)

	send := func(name, evtID string, v any) {
		b, _ := json.Marshal(v)
		if evtID != "" {
			fmt.Fprintf(w, "id: %s\n", evtID)
		}
		fmt.Fprintf(w, "event: %s\n", name)
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}
	send("heartbeat", "", heartbeat(id, time.Now()))

	tick := time.NewTicker(heartbeatEvery)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			send(evt.Type, evt.ID, evt)
		case now := <-tick.C:
			send("heartbeat", "", heartbeat(id, now))
		}
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSHandler handles GET /v1/missions/{id}/ws. The server pushes
// {"type":"event","payload":<event>} frames; clients may send
// {"type":"ping"} and get a pong back.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Engine.Mission(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	log := logging.FromContext(r.Context(), s.Log).With(slog.String("missionId", id))

	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)

	// The reader owns inbound frames; all writes stay on this goroutine.
	pings := make(chan struct{}, 4)
	done := make(chan struct{})
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
	go func() {
		defer close(done)
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			if msg.Type == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}
	if err := write(wsMessage{Type: "connection_ack"}); err != nil {
		return
	}
	tick := time.NewTicker(heartbeatEvery)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-pings:
			if err := write(wsMessage{Type: "pong"}); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				_ = write(wsMessage{Type: "complete"})
				return
			}
			payload, _ := json.Marshal(evt)
			if err := write(wsMessage{Type: "event", Payload: payload}); err != nil {
				log.Debug("websocket write failed", slog.Any("error", err))
				return
			}
		case <-tick.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
