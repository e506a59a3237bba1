package store

import (
    "context"
    "errors"
    "time"

    "fleetwatch/internal/model"
)

// Buckets used by the alert engine.
const (
    BucketAlertHash  = "alert_cache"
    BucketSent       = "sent_alerts"
    BucketViolations = "driver_violations"
    BucketDeviation  = "route_deviation_logs"
)

// Entry is a keyed value with the time it was recorded. Eviction policies
// compare At against a cutoff.
type Entry struct {
    Key   string    `json:"key"`
    Value string    `json:"value"`
    At    time.Time `json:"at"`
}

// KV is a bucketed key/value store with time-based expiry.
type KV interface {
    Get(ctx context.Context, bucket, key string) (Entry, error)
    Put(ctx context.Context, bucket string, e Entry) error
    Delete(ctx context.Context, bucket, key string) error
    List(ctx context.Context, bucket string) ([]Entry, error)
    // Expire removes entries recorded strictly before cutoff and returns how many were removed.
    Expire(ctx context.Context, bucket string, cutoff time.Time) (int, error)
    Reset(ctx context.Context, bucket string) error
}

// AlertLog is the dated log of individual alert deliveries.
type AlertLog interface {
    AppendAlert(ctx context.Context, day string, e model.AlertLogEntry) error
    // ListAlerts returns entries for day, or for every day when day is empty.
    ListAlerts(ctx context.Context, day string) (map[string][]model.AlertLogEntry, error)
    // PruneAlerts drops days strictly before the given YYYY-MM-DD day and returns the
    // number of entries removed.
    PruneAlerts(ctx context.Context, before string) (int, error)
}

// Store is the persistence interface used by the alert engine and API server.
type Store interface {
    KV
    AlertLog
}

var ErrNotFound = errors.New("not found")

// dayLess compares YYYY-MM-DD strings; unparsable days sort first so pruning drops them.
func dayLess(day, before string) bool {
    d, err := time.Parse("2006-01-02", day)
    if err != nil {
        return true
    }
    b, err := time.Parse("2006-01-02", before)
    if err != nil {
        return false
    }
    return d.Before(b)
}
