package store

import (
    "context"
    "encoding/json"
    "errors"
    "sort"
    "strings"
    "time"

    redis "github.com/redis/go-redis/v9"

    "fleetwatch/internal/model"
)

// BucketTTL is the native Redis expiry applied to entries on Put. Buckets
// without a TTL (the violation high-water marks) persist until reset.
var BucketTTL = map[string]time.Duration{
    BucketAlertHash: time.Hour,
    BucketSent:      24 * time.Hour,
    BucketDeviation: 48 * time.Hour,
}

// Redis keeps every entry in its own string key (prefix kv:<bucket>:<key>)
// so buckets listed in TTL expire natively, and each alert-log day in a list
// with the set of known days alongside. Expire still sweeps by At so callers
// with an injected clock see the same eviction as the other backends.
type Redis struct {
    rdb    *redis.Client
    prefix string
    TTL    map[string]time.Duration
}

func NewRedis(url string) (*Redis, error) {
    opt, err := redis.ParseURL(url)
    if err != nil { return nil, err }
    return NewRedisClient(redis.NewClient(opt)), nil
}

func NewRedisClient(rdb *redis.Client) *Redis {
    return &Redis{rdb: rdb, prefix: "fleetwatch:", TTL: BucketTTL}
}

// Client exposes the connection so the alert feed can share it.
func (r *Redis) Client() *redis.Client { return r.rdb }

func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) bucketPrefix(bucket string) string { return r.prefix + "kv:" + bucket + ":" }
func (r *Redis) entryKey(bucket, key string) string { return r.bucketPrefix(bucket) + key }
func (r *Redis) dayKey(day string) string           { return r.prefix + "alerts:" + day }
func (r *Redis) daysKey() string                    { return r.prefix + "alerts:days" }

func (r *Redis) Get(ctx context.Context, bucket, key string) (Entry, error) {
    raw, err := r.rdb.Get(ctx, r.entryKey(bucket, key)).Result()
    if errors.Is(err, redis.Nil) { return Entry{}, ErrNotFound }
    if err != nil { return Entry{}, err }
    var e Entry
    if err := json.Unmarshal([]byte(raw), &e); err != nil { return Entry{}, err }
    e.Key = key
    return e, nil
}

func (r *Redis) Put(ctx context.Context, bucket string, e Entry) error {
    data, err := json.Marshal(e)
    if err != nil { return err }
    return r.rdb.Set(ctx, r.entryKey(bucket, e.Key), data, r.TTL[bucket]).Err()
}

func (r *Redis) Delete(ctx context.Context, bucket, key string) error {
    return r.rdb.Del(ctx, r.entryKey(bucket, key)).Err()
}

// keys returns every redis key of a bucket.
func (r *Redis) keys(ctx context.Context, bucket string) ([]string, error) {
    out := []string{}
    iter := r.rdb.Scan(ctx, 0, r.bucketPrefix(bucket)+"*", 200).Iterator()
    for iter.Next(ctx) {
        out = append(out, iter.Val())
    }
    return out, iter.Err()
}

func (r *Redis) List(ctx context.Context, bucket string) ([]Entry, error) {
    keys, err := r.keys(ctx, bucket)
    if err != nil || len(keys) == 0 { return []Entry{}, err }
    vals, err := r.rdb.MGet(ctx, keys...).Result()
    if err != nil { return nil, err }
    out := make([]Entry, 0, len(keys))
    for i, v := range vals {
        raw, ok := v.(string)
        if !ok { continue } // expired between SCAN and MGET
        var e Entry
        if err := json.Unmarshal([]byte(raw), &e); err != nil {
            // unreadable entries are treated as expired
            e = Entry{}
        }
        e.Key = strings.TrimPrefix(keys[i], r.bucketPrefix(bucket))
        out = append(out, e)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
    return out, nil
}

func (r *Redis) Expire(ctx context.Context, bucket string, cutoff time.Time) (int, error) {
    entries, err := r.List(ctx, bucket)
    if err != nil { return 0, err }
    stale := []string{}
    for _, e := range entries {
        if e.At.Before(cutoff) { stale = append(stale, r.entryKey(bucket, e.Key)) }
    }
    if len(stale) == 0 { return 0, nil }
    if err := r.rdb.Del(ctx, stale...).Err(); err != nil { return 0, err }
    return len(stale), nil
}

func (r *Redis) Reset(ctx context.Context, bucket string) error {
    keys, err := r.keys(ctx, bucket)
    if err != nil || len(keys) == 0 { return err }
    return r.rdb.Del(ctx, keys...).Err()
}

func (r *Redis) AppendAlert(ctx context.Context, day string, e model.AlertLogEntry) error {
    data, _ := json.Marshal(e)
    pipe := r.rdb.TxPipeline()
    pipe.RPush(ctx, r.dayKey(day), data)
    pipe.SAdd(ctx, r.daysKey(), day)
    _, err := pipe.Exec(ctx)
    return err
}

func (r *Redis) ListAlerts(ctx context.Context, day string) (map[string][]model.AlertLogEntry, error) {
    days := []string{day}
    if day == "" {
        var err error
        days, err = r.rdb.SMembers(ctx, r.daysKey()).Result()
        if err != nil { return nil, err }
    }
    out := map[string][]model.AlertLogEntry{}
    for _, d := range days {
        raws, err := r.rdb.LRange(ctx, r.dayKey(d), 0, -1).Result()
        if err != nil { return nil, err }
        for _, raw := range raws {
            var e model.AlertLogEntry
            if err := json.Unmarshal([]byte(raw), &e); err == nil {
                out[d] = append(out[d], e)
            }
        }
    }
    return out, nil
}

func (r *Redis) PruneAlerts(ctx context.Context, before string) (int, error) {
    days, err := r.rdb.SMembers(ctx, r.daysKey()).Result()
    if err != nil { return 0, err }
    n := 0
    for _, d := range days {
        if !dayLess(d, before) { continue }
        cnt, err := r.rdb.LLen(ctx, r.dayKey(d)).Result()
        if err != nil { return n, err }
        if err := r.rdb.Del(ctx, r.dayKey(d)).Err(); err != nil { return n, err }
        if err := r.rdb.SRem(ctx, r.daysKey(), d).Err(); err != nil { return n, err }
        n += int(cnt)
    }
    return n, nil
}
