package alerts

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"fleetwatch/internal/model"
	"fleetwatch/internal/store"
)

const (
	hourLayout = "2006-01-02-15"
	sentLayout = "2006-01-02 15:04:05"

	// HashWindow is how long a content hash blocks an identical alert.
	HashWindow = time.Hour
	// Cooldown is the minimum gap between two sends of the same alert key.
	Cooldown = time.Hour
	// SentRetention bounds the sent log.
	SentRetention = 24 * time.Hour
)

var keyPrefix = map[model.AlertType]string{
	model.AlertIdle:                 "IDLE",
	model.AlertUnauthorizedGeofence: "GEOFENCE",
	model.AlertEarlyReturn:          "EARLY",
	model.AlertViolation:            "VIOLATION",
	model.AlertRouteDeviation:       "ROUTE_DEV",
}

func joinParts(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "_")
}

// AlertHash is the MD5 of the alert content bucketed to the local hour.
// Early returns are identified by vehicle alone.
func AlertHash(t model.AlertType, vehicleID, disc string, now time.Time) string {
	if t == model.AlertEarlyReturn {
		disc = ""
	}
	content := joinParts(string(t), vehicleID, disc, now.Format("2006-01-02"), now.Format("15"))
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// SentKey is the cool-down identity of an alert on a given day.
func SentKey(t model.AlertType, vehicleID, disc string, now time.Time) string {
	prefix, ok := keyPrefix[t]
	if !ok {
		prefix = string(t)
	}
	return joinParts(prefix, vehicleID, disc, now.Format("2006-01-02"))
}

// Deduper implements the two suppression layers over a KV store: the hourly
// content hash and the sent-log cool-down.
type Deduper struct {
	KV  store.KV
	Now func() time.Time
}

func (d *Deduper) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Duplicate reports whether hash was already recorded in the current hour
// bucket. A new hash is recorded before returning, and buckets older than
// HashWindow are evicted.
func (d *Deduper) Duplicate(ctx context.Context, hash string) (bool, error) {
	now := d.now()
	bucket := now.Format(hourLayout)
	e, err := d.KV.Get(ctx, store.BucketAlertHash, hash)
	switch {
	case err == nil && e.Value == bucket:
		return true, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return false, err
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	if err := d.KV.Put(ctx, store.BucketAlertHash, store.Entry{Key: hash, Value: bucket, At: start}); err != nil {
		return false, err
	}
	if _, err := d.KV.Expire(ctx, store.BucketAlertHash, now.Add(-HashWindow)); err != nil {
		return false, err
	}
	return false, nil
}

// RecentlySent reports whether key was marked within the cool-down.
func (d *Deduper) RecentlySent(ctx context.Context, key string) (bool, error) {
	e, err := d.KV.Get(ctx, store.BucketSent, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.now().Sub(e.At) < Cooldown, nil
}

// MarkSent records a successful send and purges entries past SentRetention.
func (d *Deduper) MarkSent(ctx context.Context, key string) error {
	now := d.now()
	if err := d.KV.Put(ctx, store.BucketSent, store.Entry{Key: key, Value: now.Format(sentLayout), At: now}); err != nil {
		return err
	}
	_, err := d.KV.Expire(ctx, store.BucketSent, now.Add(-SentRetention))
	return err
}
