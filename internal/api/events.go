package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"caremap/internal/events"
)

const heartbeatEvery = 15 * time.Second

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// EventStreamHandler handles GET /v1/events/stream as server-sent events.
func (s *Server) EventStreamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(events.TopicClusters)
	defer s.Broker.Unsubscribe(events.TopicClusters, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"ts\":%q}\n\n", time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(evt)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}

type wsMessage struct {
	Type  string        `json:"type"`
	Event *events.Event `json:"event,omitempty"`
	Data  any           `json:"data,omitempty"`
}

// EventWSHandler handles GET /v1/events/ws. The first message is the current snapshot;
// every cluster event follows as {"type":"event"}. Clients may send {"type":"ping"}.
func (s *Server) EventWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.Broker.Subscribe(events.TopicClusters)
	defer s.Broker.Unsubscribe(events.TopicClusters, ch)

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(60 * time.Second)) })

	// The read loop owns the client side: it answers pings and notices the close.
	incoming := make(chan wsMessage)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			select {
			case incoming <- msg:
			case <-r.Context().Done():
				return
			}
		}
	}()

	if err := conn.WriteJSON(wsMessage{Type: "snapshot", Data: s.Clusters.Snapshot()}); err != nil {
		return
	}

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		var out any
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case msg := <-incoming:
			if msg.Type != "ping" {
				continue
			}
			out = wsMessage{Type: "pong"}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			out = wsMessage{Type: "event", Event: &evt}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(out); err != nil {
			s.Log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}
