package api

import (
    "bufio"
    "errors"
    "net"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "fleetwatch/internal/buildinfo"
    "fleetwatch/internal/metrics"
)

// DebugJSON reports build information and the effective (redacted) settings.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    writeJSON(w, http.StatusOK, map[string]any{
        "build":    buildinfo.Info(),
        "time":     time.Now().In(s.location()).Format(time.RFC3339),
        "timezone": s.location().String(),
        "settings": s.Settings,
    })
}

// MetricsHandler serves the fleetwatch registry.
func MetricsHandler() http.Handler {
    metrics.RegisterDefault()
    return promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
}

// Instrument records request counts and latency per path pattern.
func Instrument(next http.Handler) http.Handler {
    metrics.RegisterDefault()
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
        next.ServeHTTP(rec, r)
        path := routeLabel(r.URL.Path)
        status := strconv.Itoa(rec.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
    })
}

type statusRecorder struct {
    http.ResponseWriter
    status int
}

func (s *statusRecorder) WriteHeader(code int) {
    s.status = code
    s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
    h, ok := s.ResponseWriter.(http.Hijacker)
    if !ok { return nil, nil, errors.New("hijack not supported") }
    return h.Hijack()
}

// routeLabel collapses id segments so label cardinality stays bounded.
func routeLabel(path string) string {
    if strings.HasPrefix(path, "/v1/customer-edits/") {
        switch path {
        case "/v1/customer-edits/export", "/v1/customer-edits/import":
            return path
        }
        return "/v1/customer-edits/{id}"
    }
    return path
}
