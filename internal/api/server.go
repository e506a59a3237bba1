package api

import (
    "context"
    "net/http"
    "strings"
    "time"

    "fleetwatch/internal/compare"
    "fleetwatch/internal/customers"
    "fleetwatch/internal/model"
    "fleetwatch/internal/store"
)

// PingSource serves telemetry for the stops endpoint.
type PingSource interface {
    Window(ctx context.Context, vehicleIDs []string, start, end time.Time) ([]model.Ping, error)
    Vehicles(ctx context.Context) ([]string, error)
}

// AliasSource lists display names for vehicles.
type AliasSource interface {
    Aliases() map[string]string
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
    Store     store.Store
    Compare   *compare.Engine
    Customers *customers.Service
    Pings     PingSource
    Aliases   AliasSource
    Feed      AlertFeed
    Loc       *time.Location
    // Settings is exposed on /debug/vars and must already be redacted.
    Settings  any
    // Ready reports backend readiness; nil means always ready.
    Ready     func(ctx context.Context) error
}

func (s *Server) location() *time.Location {
    if s.Loc == nil { return time.Local }
    return s.Loc
}

// PublishAlert forwards dispatched alerts to the live feed.
func (s *Server) PublishAlert(ev model.AlertEvent) {
    if s.Feed != nil { s.Feed.Publish(ev) }
}

// Routes registers every handler on a new mux.
func (s *Server) Routes() *http.ServeMux {
    mux := http.NewServeMux()

    mux.HandleFunc("/healthz", s.HealthHandler)
    mux.HandleFunc("/readyz", s.ReadyHandler)
    mux.Handle("/metrics", MetricsHandler())
    mux.HandleFunc("/debug/vars", s.DebugJSON)

    // Analytics
    mux.HandleFunc("/v1/compare", s.CompareHandler)
    mux.HandleFunc("/v1/stops", s.StopsHandler)
    mux.HandleFunc("/v1/vehicles", s.VehiclesHandler)

    // Customer points and edits
    mux.HandleFunc("/v1/customer-points", s.CustomerPointsHandler)
    mux.HandleFunc("/v1/customer-points/summary", s.CustomerPointsSummaryHandler)
    mux.HandleFunc("/v1/customer-edits", s.CustomerEditsHandler)
    mux.HandleFunc("/v1/customer-edits/", s.CustomerEditByIDHandler)

    // Alerts
    mux.HandleFunc("/v1/alerts/logs", s.AlertLogsHandler)
    mux.HandleFunc("/v1/alerts/ws", s.AlertsWSHandler)
    return mux
}

func pathID(path, prefix string) string {
    return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}
