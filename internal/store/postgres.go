package store

import (
    "context"
    "database/sql"
    "embed"
    "errors"
    "fmt"
    "io/fs"
    "sort"
    "time"

    _ "github.com/jackc/pgx/v5/stdlib"

    "fleetwatch/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in lexical order. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
    names, err := fs.Glob(migrations, "migrations/*.sql")
    if err != nil { return err }
    sort.Strings(names)
    for _, name := range names {
        body, err := migrations.ReadFile(name)
        if err != nil { return err }
        if _, err := p.db.ExecContext(ctx, string(body)); err != nil {
            return fmt.Errorf("migrate %s: %w", name, err)
        }
    }
    return nil
}

func (p *Postgres) Get(ctx context.Context, bucket, key string) (Entry, error) {
    e := Entry{Key: key}
    err := p.db.QueryRowContext(ctx, `SELECT value, recorded_at FROM kv_entries WHERE bucket=$1 AND key=$2`, bucket, key).Scan(&e.Value, &e.At)
    if errors.Is(err, sql.ErrNoRows) { return Entry{}, ErrNotFound }
    if err != nil { return Entry{}, err }
    return e, nil
}

func (p *Postgres) Put(ctx context.Context, bucket string, e Entry) error {
    _, err := p.db.ExecContext(ctx, `INSERT INTO kv_entries (bucket, key, value, recorded_at) VALUES ($1,$2,$3,$4)
        ON CONFLICT (bucket, key) DO UPDATE SET value=EXCLUDED.value, recorded_at=EXCLUDED.recorded_at`,
        bucket, e.Key, e.Value, e.At.UTC())
    return err
}

func (p *Postgres) Delete(ctx context.Context, bucket, key string) error {
    _, err := p.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE bucket=$1 AND key=$2`, bucket, key)
    return err
}

func (p *Postgres) List(ctx context.Context, bucket string) ([]Entry, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT key, value, recorded_at FROM kv_entries WHERE bucket=$1 ORDER BY key`, bucket)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []Entry{}
    for rows.Next() {
        var e Entry
        if err := rows.Scan(&e.Key, &e.Value, &e.At); err != nil { return nil, err }
        out = append(out, e)
    }
    return out, rows.Err()
}

func (p *Postgres) Expire(ctx context.Context, bucket string, cutoff time.Time) (int, error) {
    res, err := p.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE bucket=$1 AND recorded_at < $2`, bucket, cutoff.UTC())
    if err != nil { return 0, err }
    n, _ := res.RowsAffected()
    return int(n), nil
}

func (p *Postgres) Reset(ctx context.Context, bucket string) error {
    _, err := p.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE bucket=$1`, bucket)
    return err
}

func (p *Postgres) AppendAlert(ctx context.Context, day string, e model.AlertLogEntry) error {
    _, err := p.db.ExecContext(ctx, `INSERT INTO alert_logs (day, ts, alert_type, recipient_phone, recipient_name, message, vehicle_id, driver_name)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
        day, e.Timestamp, string(e.Type), e.RecipientPhone, e.RecipientName, e.Message, nullIfEmpty(e.VehicleID), nullIfEmpty(e.DriverName))
    return err
}

func (p *Postgres) ListAlerts(ctx context.Context, day string) (map[string][]model.AlertLogEntry, error) {
    q := `SELECT to_char(day, 'YYYY-MM-DD'), ts, alert_type, recipient_phone, recipient_name, message, vehicle_id, driver_name FROM alert_logs`
    args := []any{}
    if day != "" {
        q += ` WHERE day=$1`
        args = append(args, day)
    }
    q += ` ORDER BY id`
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := map[string][]model.AlertLogEntry{}
    for rows.Next() {
        var d, typ string
        var veh, drv sql.NullString
        var e model.AlertLogEntry
        if err := rows.Scan(&d, &e.Timestamp, &typ, &e.RecipientPhone, &e.RecipientName, &e.Message, &veh, &drv); err != nil {
            return nil, err
        }
        e.Type = model.AlertType(typ)
        e.VehicleID = veh.String
        e.DriverName = drv.String
        out[d] = append(out[d], e)
    }
    return out, rows.Err()
}

func (p *Postgres) PruneAlerts(ctx context.Context, before string) (int, error) {
    res, err := p.db.ExecContext(ctx, `DELETE FROM alert_logs WHERE day < $1`, before)
    if err != nil { return 0, err }
    n, _ := res.RowsAffected()
    return int(n), nil
}

func nullIfEmpty(s string) any { if s == "" { return nil }; return s }
