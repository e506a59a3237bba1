package api

import (
    "encoding/json"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/alicebob/miniredis/v2"
    "github.com/gorilla/websocket"
    redis "github.com/redis/go-redis/v9"

    "fleetwatch/internal/model"
)

func TestMemoryFeedFanOut(t *testing.T) {
    f := NewMemoryFeed()
    a, b := f.Subscribe(), f.Subscribe()
    f.Publish(model.AlertEvent{ID: "1", Type: model.AlertIdle})
    for _, ch := range []chan model.AlertEvent{a, b} {
        select {
        case ev := <-ch:
            if ev.ID != "1" { t.Fatalf("event = %+v", ev) }
        case <-time.After(time.Second):
            t.Fatalf("subscriber did not receive event")
        }
    }
    f.Unsubscribe(a)
    f.Unsubscribe(a)
    if _, ok := <-a; ok { t.Fatalf("unsubscribed channel should be closed") }
    // a full buffer drops instead of blocking
    for i := 0; i < 40; i++ { f.Publish(model.AlertEvent{ID: "x"}) }
    if len(b) != cap(b) { t.Fatalf("buffer len %d cap %d", len(b), cap(b)) }
}

func TestRedisFeedFanOut(t *testing.T) {
    mr := miniredis.RunT(t)
    f := NewRedisFeedClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
    ch := f.Subscribe()
    f.Publish(model.AlertEvent{ID: "r1", Type: model.AlertRouteDeviation, VehicleID: "V2"})
    select {
    case ev := <-ch:
        if ev.ID != "r1" || ev.VehicleID != "V2" { t.Fatalf("event = %+v", ev) }
    case <-time.After(2 * time.Second):
        t.Fatalf("redis subscriber did not receive event")
    }
    f.Unsubscribe(ch)
    if _, ok := <-ch; ok { t.Fatalf("unsubscribed channel should be closed") }
}

func TestAlertsWebSocket(t *testing.T) {
    s := newTestServer(t)
    srv := httptest.NewServer(s.Routes())
    defer srv.Close()

    url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/alerts/ws?type=IDLE"
    c, _, err := websocket.DefaultDialer.Dial(url, nil)
    if err != nil { t.Fatalf("dial: %v", err) }
    defer func() { _ = c.Close() }()
    _ = c.SetReadDeadline(time.Now().Add(3 * time.Second))

    var msg wsMessage
    if err := c.ReadJSON(&msg); err != nil || msg.Type != "connection_ack" { t.Fatalf("ack: %+v %v", msg, err) }

    s.PublishAlert(model.AlertEvent{ID: "skip", Type: model.AlertViolation})
    s.PublishAlert(model.AlertEvent{ID: "a1", Type: model.AlertIdle, VehicleID: "V1", Message: "idle"})

    if err := c.ReadJSON(&msg); err != nil { t.Fatalf("read: %v", err) }
    if msg.Type != "alert" { t.Fatalf("type = %s", msg.Type) }
    var ev model.AlertEvent
    if err := json.Unmarshal(msg.Payload, &ev); err != nil { t.Fatalf("payload: %v", err) }
    if ev.ID != "a1" { t.Fatalf("filtered stream delivered %+v", ev) }
}
