package store

import (
    "context"
    "sort"
    "sync"
    "time"

    "fleetwatch/internal/model"
)

// Memory is a simple in-memory store used in tests and when no backend is configured.
type Memory struct {
    mu      sync.Mutex
    buckets map[string]map[string]Entry          // bucket -> key -> entry
    logs    map[string][]model.AlertLogEntry     // day -> entries
}

func NewMemory() *Memory {
    return &Memory{
        buckets: map[string]map[string]Entry{},
        logs: map[string][]model.AlertLogEntry{},
    }
}

func (m *Memory) Get(ctx context.Context, bucket, key string) (Entry, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    e, ok := m.buckets[bucket][key]
    if !ok { return Entry{}, ErrNotFound }
    return e, nil
}

func (m *Memory) Put(ctx context.Context, bucket string, e Entry) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.buckets[bucket] == nil { m.buckets[bucket] = map[string]Entry{} }
    m.buckets[bucket][e.Key] = e
    return nil
}

func (m *Memory) Delete(ctx context.Context, bucket, key string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    delete(m.buckets[bucket], key)
    return nil
}

func (m *Memory) List(ctx context.Context, bucket string) ([]Entry, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    return sortedEntries(m.buckets[bucket]), nil
}

func (m *Memory) Expire(ctx context.Context, bucket string, cutoff time.Time) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    return expireMap(m.buckets[bucket], cutoff), nil
}

func (m *Memory) Reset(ctx context.Context, bucket string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    delete(m.buckets, bucket)
    return nil
}

func (m *Memory) AppendAlert(ctx context.Context, day string, e model.AlertLogEntry) error {
    m.mu.Lock(); defer m.mu.Unlock()
    m.logs[day] = append(m.logs[day], e)
    return nil
}

func (m *Memory) ListAlerts(ctx context.Context, day string) (map[string][]model.AlertLogEntry, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    return copyLogs(m.logs, day), nil
}

func (m *Memory) PruneAlerts(ctx context.Context, before string) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    return pruneLogs(m.logs, before), nil
}

// helpers shared by the map-backed stores

func sortedEntries(b map[string]Entry) []Entry {
    out := make([]Entry, 0, len(b))
    for _, e := range b { out = append(out, e) }
    sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
    return out
}

func expireMap(b map[string]Entry, cutoff time.Time) int {
    n := 0
    for k, e := range b {
        if e.At.Before(cutoff) {
            delete(b, k)
            n++
        }
    }
    return n
}

func copyLogs(logs map[string][]model.AlertLogEntry, day string) map[string][]model.AlertLogEntry {
    out := map[string][]model.AlertLogEntry{}
    for d, entries := range logs {
        if day != "" && d != day { continue }
        out[d] = append([]model.AlertLogEntry(nil), entries...)
    }
    return out
}

func pruneLogs(logs map[string][]model.AlertLogEntry, before string) int {
    n := 0
    for d := range logs {
        if dayLess(d, before) {
            n += len(logs[d])
            delete(logs, d)
        }
    }
    return n
}
