package api

import (
    "context"
    "encoding/json"
    "log"
    "sync"
    "time"

    redis "github.com/redis/go-redis/v9"

    "fleetwatch/internal/model"
)

// AlertFeed fans dispatched alerts out to live subscribers.
type AlertFeed interface {
    Subscribe() chan model.AlertEvent
    Unsubscribe(ch chan model.AlertEvent)
    Publish(ev model.AlertEvent)
}

// MemoryFeed is an in-process AlertFeed. Slow subscribers drop events.
type MemoryFeed struct {
    mu   sync.Mutex
    subs map[chan model.AlertEvent]struct{}
}

func NewMemoryFeed() *MemoryFeed {
    return &MemoryFeed{subs: map[chan model.AlertEvent]struct{}{}}
}

func (f *MemoryFeed) Subscribe() chan model.AlertEvent {
    ch := make(chan model.AlertEvent, 16)
    f.mu.Lock()
    f.subs[ch] = struct{}{}
    f.mu.Unlock()
    return ch
}

func (f *MemoryFeed) Unsubscribe(ch chan model.AlertEvent) {
    f.mu.Lock()
    defer f.mu.Unlock()
    if _, ok := f.subs[ch]; !ok { return }
    delete(f.subs, ch)
    close(ch)
}

func (f *MemoryFeed) Publish(ev model.AlertEvent) {
    f.mu.Lock()
    defer f.mu.Unlock()
    for ch := range f.subs {
        select { case ch <- ev: default: }
    }
}

var (
    _ AlertFeed = (*MemoryFeed)(nil)
    _ AlertFeed = (*RedisFeed)(nil)
)

// AlertChannel is the Redis pub/sub channel carrying alert events.
const AlertChannel = "fleetwatch:alerts"

// RedisFeed publishes alerts over Redis pub/sub so every API replica sees
// alerts dispatched by any scheduler.
type RedisFeed struct {
    rdb  *redis.Client
    mu   sync.Mutex
    subs map[chan model.AlertEvent]*redis.PubSub
}

func NewRedisFeed(url string) (*RedisFeed, error) {
    opt, err := redis.ParseURL(url)
    if err != nil { return nil, err }
    return NewRedisFeedClient(redis.NewClient(opt)), nil
}

func NewRedisFeedClient(rdb *redis.Client) *RedisFeed {
    return &RedisFeed{rdb: rdb, subs: map[chan model.AlertEvent]*redis.PubSub{}}
}

func (f *RedisFeed) Subscribe() chan model.AlertEvent {
    ch := make(chan model.AlertEvent, 16)
    ctx := context.Background()
    ps := f.rdb.Subscribe(ctx, AlertChannel)
    // wait for the subscription confirmation
    if _, err := ps.Receive(ctx); err != nil {
        log.Printf("feed: subscribe: %v", err)
    }
    f.mu.Lock()
    f.subs[ch] = ps
    f.mu.Unlock()
    go func() {
        for msg := range ps.Channel() {
            var ev model.AlertEvent
            if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
                log.Printf("feed: bad payload: %v", err)
                continue
            }
            f.mu.Lock()
            if _, ok := f.subs[ch]; ok {
                select { case ch <- ev: default: }
            }
            f.mu.Unlock()
        }
    }()
    return ch
}

func (f *RedisFeed) Unsubscribe(ch chan model.AlertEvent) {
    f.mu.Lock()
    ps, ok := f.subs[ch]
    delete(f.subs, ch)
    if ok { close(ch) }
    f.mu.Unlock()
    if ok { _ = ps.Close() }
}

func (f *RedisFeed) Publish(ev model.AlertEvent) {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    data, err := json.Marshal(ev)
    if err != nil { return }
    if err := f.rdb.Publish(ctx, AlertChannel, data).Err(); err != nil {
        log.Printf("feed: publish: %v", err)
    }
}
