package api

import (
    "encoding/json"
    "net/http"
    "strings"
    "sync"
    "time"

    "github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
    Type    string          `json:"type"`
    Payload json.RawMessage `json:"payload,omitempty"`
}

// AlertsWSHandler handles /v1/alerts/ws. Every dispatched alert is pushed as
// {"type":"alert","payload":{...}}; ?type= and ?vehicle= narrow the stream.
func (s *Server) AlertsWSHandler(w http.ResponseWriter, r *http.Request) {
    if s.Feed == nil {
        writeProblem(w, http.StatusServiceUnavailable, "Alert feed disabled", "", r.URL.Path)
        return
    }
    types := queryList(r, "type")
    vehicles := queryList(r, "vehicle")
    conn, err := upgrader.Upgrade(w, r, nil)
    if err != nil { return }
    defer func() { _ = conn.Close() }()

    ch := s.Feed.Subscribe()
    defer s.Feed.Unsubscribe(ch)

    var mu sync.Mutex
    write := func(v any) error {
        mu.Lock()
        defer mu.Unlock()
        _ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
        return conn.WriteJSON(v)
    }
    if err := write(wsMessage{Type: "connection_ack"}); err != nil { return }

    conn.SetReadLimit(1 << 16)
    _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
    conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

    done := make(chan struct{})
    go func() {
        defer close(done)
        for {
            var msg wsMessage
            if err := conn.ReadJSON(&msg); err != nil { return }
            _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
            if msg.Type == "ping" { _ = write(wsMessage{Type: "pong"}) }
        }
    }()

    keepalive := time.NewTicker(20 * time.Second)
    defer keepalive.Stop()
    for {
        select {
        case <-done:
            return
        case <-r.Context().Done():
            return
        case <-keepalive.C:
            if err := write(wsMessage{Type: "ping"}); err != nil { return }
        case ev, ok := <-ch:
            if !ok { return }
            if !wants(types, string(ev.Type)) || !wants(vehicles, ev.VehicleID) { continue }
            payload, err := json.Marshal(ev)
            if err != nil { continue }
            if err := write(wsMessage{Type: "alert", Payload: payload}); err != nil { return }
        }
    }
}

func wants(filter []string, v string) bool {
    if len(filter) == 0 { return true }
    for _, f := range filter {
        if strings.EqualFold(f, v) { return true }
    }
    return false
}
