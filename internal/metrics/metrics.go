package metrics

import (
    "sync"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the process
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // AlertsEvaluated counts rule candidates by alert type and outcome
    // (duplicate, suppressed, dispatched, failed).
    AlertsEvaluated = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "alerts_evaluated_total", Help: "Alert candidates by type and outcome."},
        []string{"type", "outcome"},
    )
    // Notifications counts gateway sends by status
    Notifications = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "notifications_total", Help: "Gateway notification sends by status."},
        []string{"status"},
    )
    // NotificationLatency tracks gateway send latencies in milliseconds
    NotificationLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "notification_latency_ms", Help: "Gateway send latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000}},
        []string{"status"},
    )
    // JobRuns counts scheduled job runs by job and status
    JobRuns = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "job_runs_total", Help: "Scheduled job runs by job and status."},
        []string{"job", "status"},
    )
    // ComparisonDuration records route comparison latency in seconds
    ComparisonDuration = prometheus.NewHistogram(
        prometheus.HistogramOpts{Name: "comparison_duration_seconds", Help: "Route comparison duration in seconds.", Buckets: prometheus.DefBuckets},
    )
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(AlertsEvaluated)
        Registry.MustRegister(Notifications)
        Registry.MustRegister(NotificationLatency)
        Registry.MustRegister(JobRuns)
        Registry.MustRegister(ComparisonDuration)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
