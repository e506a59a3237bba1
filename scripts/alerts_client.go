// Command alerts_client tails the live alert feed of a running fleetwatch server.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"

	"fleetwatch/internal/model"
)

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	host := flag.String("host", "localhost:"+port, "server host:port")
	typ := flag.String("type", "", "comma-separated alert types to follow")
	vehicle := flag.String("vehicle", "", "comma-separated vehicle ids to follow")
	flag.Parse()

	q := url.Values{}
	if *typ != "" {
		q.Set("type", *typ)
	}
	if *vehicle != "" {
		q.Set("vehicle", *vehicle)
	}
	u := url.URL{Scheme: "ws", Host: *host, Path: "/v1/alerts/ws", RawQuery: q.Encode()}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			switch m.Type {
			case "ping":
				_ = c.WriteJSON(wsMessage{Type: "pong"})
			case "alert":
				var ev model.AlertEvent
				if err := json.Unmarshal(m.Payload, &ev); err != nil {
					log.Printf("bad alert: %v", err)
					continue
				}
				log.Printf("%s %s %s -> %v\n%s", ev.Timestamp.Format("15:04:05"), ev.Type, ev.VehicleID, ev.Recipients, ev.Message)
			default:
				log.Printf("WS <- %s", m.Type)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	select {
	case <-stop:
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	case <-done:
	}
}
