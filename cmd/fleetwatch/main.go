package main

import (
    "context"
    "errors"
    "fmt"
    "log"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "fleetwatch/internal/alerts"
    "fleetwatch/internal/api"
    "fleetwatch/internal/compare"
    "fleetwatch/internal/config"
    "fleetwatch/internal/customers"
    "fleetwatch/internal/directory"
    "fleetwatch/internal/notify"
    "fleetwatch/internal/reports"
    "fleetwatch/internal/segment"
    "fleetwatch/internal/store"
)

const usage = `usage: fleetwatch <command>

commands:
  serve        run the HTTP API and the alert scheduler (default)
  preprocess   rebuild the idle-points table from telemetry history
  alerts       run one alert poll
  report       build the daily report and send it to admins (-dry prints it)
  test         run every scheduled job once`

func main() {
    cmd := "serve"
    if len(os.Args) > 1 { cmd = os.Args[1] }

    cfg, err := config.Load()
    if err != nil { log.Fatalf("config: %v", err) }

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    app, err := build(ctx, cfg)
    if err != nil { log.Fatalf("init: %v", err) }
    defer app.close()

    switch cmd {
    case "serve":
        err = app.serve(ctx)
    case "preprocess":
        err = app.preprocess(ctx)
    case "alerts":
        var res alerts.PollResult
        res, err = app.engine.Poll(ctx)
        log.Printf("alerts: dispatched=%d duplicate=%d suppressed=%d failed=%d",
            res.Total(alerts.OutcomeDispatched), res.Total(alerts.OutcomeDuplicate),
            res.Total(alerts.OutcomeSuppressed), res.Total(alerts.OutcomeFailed))
    case "report":
        if len(os.Args) > 2 && os.Args[2] == "-dry" {
            var msg string
            if msg, err = app.engine.BuildDailyReport(ctx); err == nil { fmt.Println(msg) }
        } else {
            err = app.engine.DailyReport(ctx)
        }
    case "test":
        err = app.scheduler.RunOnce(ctx)
    case "help", "-h", "--help":
        fmt.Println(usage)
        return
    default:
        fmt.Fprintln(os.Stderr, usage)
        os.Exit(2)
    }
    if err != nil {
        app.close()
        log.Fatalf("%s: %v", cmd, err)
    }
}

type application struct {
    cfg       config.Settings
    loc       *time.Location
    store     store.Store
    feed      api.AlertFeed
    server    *api.Server
    engine    *alerts.Engine
    scheduler *alerts.Scheduler
    customers *customers.Service
    ready     func(ctx context.Context) error
    closers   []func() error
}

func (a *application) close() {
    for _, c := range a.closers {
        if err := c(); err != nil { log.Printf("close: %v", err) }
    }
    a.closers = nil
}

// openStore selects the persistence backend; the redis client is shared with
// the alert feed.
func (a *application) openStore(ctx context.Context) error {
    switch a.cfg.Store.Backend {
    case "memory":
        a.store = store.NewMemory()
        a.feed = api.NewMemoryFeed()
    case "postgres":
        pg, err := store.NewPostgres(a.cfg.Store.DatabaseURL)
        if err != nil { return fmt.Errorf("postgres: %w", err) }
        a.closers = append(a.closers, pg.Close)
        if err := pg.Migrate(ctx); err != nil { return fmt.Errorf("postgres migrate: %w", err) }
        a.store, a.ready = pg, pg.Ping
        a.feed = api.NewMemoryFeed()
    case "redis":
        rs, err := store.NewRedis(a.cfg.Store.RedisURL)
        if err != nil { return fmt.Errorf("redis: %w", err) }
        a.closers = append(a.closers, rs.Close)
        a.store, a.ready = rs, rs.Ping
        a.feed = api.NewRedisFeedClient(rs.Client())
    default:
        fs, err := store.NewFile(a.cfg.Paths.State)
        if err != nil { return fmt.Errorf("file store: %w", err) }
        a.store = fs
        a.feed = api.NewMemoryFeed()
    }
    // A redis URL alongside a non-redis store still fans alerts out across replicas.
    if a.cfg.Store.Backend != "redis" && a.cfg.Store.RedisURL != "" {
        rf, err := api.NewRedisFeed(a.cfg.Store.RedisURL)
        if err != nil { return fmt.Errorf("redis feed: %w", err) }
        a.feed = rf
    }
    log.Printf("store: %s backend", a.cfg.Store.Backend)
    return nil
}

func build(ctx context.Context, cfg config.Settings) (*application, error) {
    loc, err := cfg.Location()
    if err != nil { return nil, err }
    a := &application{cfg: cfg, loc: loc}
    if err := a.openStore(ctx); err != nil {
        a.close()
        return nil, err
    }

    var sender notify.Sender = notify.LogSender{}
    if cfg.Gateway.URL != "" {
        sender = notify.NewGateway(cfg.Gateway.URL, cfg.Gateway.Secret, cfg.Gateway.RPS)
    } else {
        log.Printf("notify: no gateway configured, messages are logged, not delivered")
    }

    dir := directory.New(cfg.Paths.Contacts, cfg.Paths.Aliases)
    travel := &reports.TravelSource{CurrentPath: cfg.Paths.TravelCurrent, PastPath: cfg.Paths.TravelPast, Loc: loc}
    a.customers = &customers.Service{
        IdlePointsPath: cfg.Paths.IdlePoints,
        CacheDir:       cfg.Paths.CustomerCache,
        Edits:          customers.NewEditStore(cfg.Paths.CustomerEdits),
        Loc:            loc,
    }
    params := customers.Params{
        SegmentAreas: cfg.Customers.SegmentAreas,
        MinDuration:  time.Duration(cfg.Customers.MinDurationMinutes) * time.Minute,
        MinStopCount: cfg.Customers.MinStopCount,
    }
    cmp := &compare.Engine{
        Pings:       travel,
        Routes:      &compare.RouteFile{Path: cfg.Paths.Routes},
        Points:      a.customers,
        PointParams: params,
        Aliases:     dir,
        Loc:         loc,
        Tolerance:   cfg.Compare.Tolerance,
        VisitRadius: cfg.Compare.VisitRadius,
    }

    a.server = &api.Server{
        Store:     a.store,
        Compare:   cmp,
        Customers: a.customers,
        Pings:     travel,
        Aliases:   dir,
        Feed:      a.feed,
        Loc:       loc,
        Settings:  cfg.Redacted(),
        Ready:     a.ready,
    }
    a.engine = &alerts.Engine{
        Store:     a.store,
        Sender:    sender,
        Directory: dir,
        Locator:   travel,
        Comparer:  cmp,
        Publisher: a.server,
        Reports: alerts.ReportPaths{
            OverIdle:    cfg.Paths.OverIdle,
            Performance: cfg.Paths.Performance,
            Geofence:    cfg.Paths.Geofence,
        },
        Thresholds: alerts.Thresholds{
            IdleMinutes:     cfg.Alerts.IdleMinutes,
            Violations:      cfg.Alerts.Violations,
            DeviationMetres: cfg.Alerts.DeviationMetres,
        },
        AuthorizedGeofences: cfg.Alerts.AuthorizedGeofences,
        HomeGeofence:        cfg.Alerts.HomeGeofence,
        Loc:                 loc,
    }
    sched, err := schedule(cfg)
    if err != nil { return nil, err }
    a.scheduler = &alerts.Scheduler{Engine: a.engine, Preprocess: a.preprocess, Schedule: sched}
    return a, nil
}

func schedule(cfg config.Settings) (alerts.Schedule, error) {
    s := alerts.Schedule{
        PollInterval: time.Duration(cfg.Alerts.PollMinutes) * time.Minute,
        QuietStart:   cfg.Alerts.QuietStart,
        QuietEnd:     cfg.Alerts.QuietEnd,
    }
    for _, c := range []struct {
        v   string
        dst *alerts.Clock
    }{
        {cfg.Alerts.PreprocessAt, &s.Preprocess},
        {cfg.Alerts.HousekeepAt, &s.Housekeep},
        {cfg.Alerts.DailyReportAt, &s.DailyReport},
    } {
        h, m, err := config.Clock(c.v)
        if err != nil { return s, err }
        *c.dst = alerts.Clock{Hour: h, Minute: m}
    }
    return s, nil
}

// preprocess rebuilds the idle-points table and drops stale customer caches.
func (a *application) preprocess(ctx context.Context) error {
    n, err := segment.Preprocess(ctx, segment.PreprocessConfig{
        HistoryPath:     a.cfg.Paths.History,
        OutputPath:      a.cfg.Paths.IdlePoints,
        TruncateHistory: a.cfg.Preprocess.TruncateHistory,
        Options: segment.Options{
            Now:           time.Now().In(a.loc),
            Window:        time.Duration(a.cfg.Preprocess.WindowDays) * 24 * time.Hour,
            ClusterRadius: a.cfg.Preprocess.ClusterRadius,
            Loc:           a.loc,
        },
    })
    if err != nil { return err }
    log.Printf("preprocess: wrote %d idle segments", n)
    return a.customers.Invalidate()
}

func (a *application) serve(ctx context.Context) error {
    addr := ":" + a.cfg.Port
    srv := &http.Server{
        Addr:              addr,
        Handler:           logMiddleware(api.Instrument(a.server.Routes())),
        ReadHeaderTimeout: 5 * time.Second,
    }

    go func() {
        if err := a.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
            log.Printf("scheduler stopped: %v", err)
        }
    }()
    go func() {
        <-ctx.Done()
        shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
        defer cancel()
        _ = srv.Shutdown(shutdown)
    }()

    log.Printf("API listening on %s", addr)
    if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
        return fmt.Errorf("server error: %w", err)
    }
    return nil
}

func logMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        next.ServeHTTP(w, r)
        dur := time.Since(start)
        log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
    })
}
