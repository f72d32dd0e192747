// Package main runs a demo WebSocket client for cluster events.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/events/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	var first struct {
		Type string `json:"type"`
		Data struct {
			Clusters []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"clusters"`
		} `json:"data"`
	}
	if err := c.ReadJSON(&first); err != nil {
		log.Fatal(err)
	}
	log.Printf("WS <- %s: %d cluster(s)", first.Type, len(first.Data.Clusters))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Event))
		}
	}()

	// Select the first cluster to trigger cluster.selected and membership.loaded
	if len(first.Data.Clusters) > 0 {
		id := first.Data.Clusters[0].ID
		log.Printf("selecting %s (%s)", id, first.Data.Clusters[0].Name)
		resp, err := http.Post(base+"/v1/clusters/"+url.PathEscape(id)+"/select", "application/json", nil)
		if err != nil {
			log.Fatal(err)
		}
		_ = resp.Body.Close()
	}
	_ = c.WriteJSON(map[string]string{"type": "ping"})

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
