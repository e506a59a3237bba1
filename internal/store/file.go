package store

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "sync"
    "time"

    "fleetwatch/internal/model"
)

// File persists each bucket as a JSON document under Dir, plus a dated alert log.
// Buckets are loaded once and held in memory; every write rewrites the whole
// document through a temp file and rename so a crash never leaves a torn file.
type File struct {
    Dir string

    mu      sync.Mutex
    buckets map[string]map[string]Entry
    logs    *alertLogDoc
}

type alertLogDoc struct {
    DailyLogs   map[string][]model.AlertLogEntry `json:"daily_logs"`
    LastCleared string                           `json:"last_cleared"`
}

const alertLogFile = "alert_logs.json"

func NewFile(dir string) (*File, error) {
    if err := os.MkdirAll(dir, 0o755); err != nil {
        return nil, fmt.Errorf("create store dir: %w", err)
    }
    return &File{Dir: dir, buckets: map[string]map[string]Entry{}}, nil
}

func (f *File) Get(ctx context.Context, bucket, key string) (Entry, error) {
    f.mu.Lock(); defer f.mu.Unlock()
    e, ok := f.bucket(bucket)[key]
    if !ok { return Entry{}, ErrNotFound }
    return e, nil
}

func (f *File) Put(ctx context.Context, bucket string, e Entry) error {
    f.mu.Lock(); defer f.mu.Unlock()
    b := f.bucket(bucket)
    b[e.Key] = e
    return f.flushBucket(bucket, b)
}

func (f *File) Delete(ctx context.Context, bucket, key string) error {
    f.mu.Lock(); defer f.mu.Unlock()
    b := f.bucket(bucket)
    if _, ok := b[key]; !ok { return nil }
    delete(b, key)
    return f.flushBucket(bucket, b)
}

func (f *File) List(ctx context.Context, bucket string) ([]Entry, error) {
    f.mu.Lock(); defer f.mu.Unlock()
    return sortedEntries(f.bucket(bucket)), nil
}

func (f *File) Expire(ctx context.Context, bucket string, cutoff time.Time) (int, error) {
    f.mu.Lock(); defer f.mu.Unlock()
    b := f.bucket(bucket)
    n := expireMap(b, cutoff)
    if n == 0 { return 0, nil }
    return n, f.flushBucket(bucket, b)
}

func (f *File) Reset(ctx context.Context, bucket string) error {
    f.mu.Lock(); defer f.mu.Unlock()
    b := map[string]Entry{}
    f.buckets[bucket] = b
    return f.flushBucket(bucket, b)
}

func (f *File) AppendAlert(ctx context.Context, day string, e model.AlertLogEntry) error {
    f.mu.Lock(); defer f.mu.Unlock()
    doc := f.alertLogs()
    doc.DailyLogs[day] = append(doc.DailyLogs[day], e)
    return writeJSONAtomic(filepath.Join(f.Dir, alertLogFile), doc)
}

func (f *File) ListAlerts(ctx context.Context, day string) (map[string][]model.AlertLogEntry, error) {
    f.mu.Lock(); defer f.mu.Unlock()
    return copyLogs(f.alertLogs().DailyLogs, day), nil
}

func (f *File) PruneAlerts(ctx context.Context, before string) (int, error) {
    f.mu.Lock(); defer f.mu.Unlock()
    doc := f.alertLogs()
    n := pruneLogs(doc.DailyLogs, before)
    doc.LastCleared = before
    return n, writeJSONAtomic(filepath.Join(f.Dir, alertLogFile), doc)
}

// bucket returns the cached bucket, loading it on first use. A missing file is
// an empty bucket; a corrupt one is logged and reset to empty.
func (f *File) bucket(name string) map[string]Entry {
    if b, ok := f.buckets[name]; ok { return b }
    b := map[string]Entry{}
    if err := readJSON(f.bucketPath(name), &b); err != nil {
        log.Printf("store: bucket %s unreadable, starting empty: %v", name, err)
        b = map[string]Entry{}
    }
    for k, e := range b {
        e.Key = k
        b[k] = e
    }
    f.buckets[name] = b
    return b
}

func (f *File) alertLogs() *alertLogDoc {
    if f.logs != nil { return f.logs }
    doc := &alertLogDoc{}
    if err := readJSON(filepath.Join(f.Dir, alertLogFile), doc); err != nil {
        log.Printf("store: alert log unreadable, starting empty: %v", err)
        doc = &alertLogDoc{}
    }
    if doc.DailyLogs == nil { doc.DailyLogs = map[string][]model.AlertLogEntry{} }
    f.logs = doc
    return doc
}

func (f *File) bucketPath(name string) string { return filepath.Join(f.Dir, name+".json") }

func (f *File) flushBucket(name string, b map[string]Entry) error {
    return writeJSONAtomic(f.bucketPath(name), b)
}

func readJSON(path string, v any) error {
    data, err := os.ReadFile(path)
    if errors.Is(err, os.ErrNotExist) { return nil }
    if err != nil { return err }
    if len(data) == 0 { return nil }
    return json.Unmarshal(data, v)
}

func writeJSONAtomic(path string, v any) error {
    data, err := json.MarshalIndent(v, "", "  ")
    if err != nil { return err }
    return WriteFileAtomic(path, data)
}

// WriteFileAtomic replaces path with data via a temp file in the same directory.
func WriteFileAtomic(path string, data []byte) error {
    tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
    if err != nil { return err }
    if _, err := tmp.Write(data); err != nil {
        _ = tmp.Close(); _ = os.Remove(tmp.Name())
        return err
    }
    if err := tmp.Close(); err != nil {
        _ = os.Remove(tmp.Name())
        return err
    }
    if err := os.Rename(tmp.Name(), path); err != nil {
        _ = os.Remove(tmp.Name())
        return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
    }
    return nil
}
