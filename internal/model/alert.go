package model

import "time"

type AlertType string

const (
    AlertIdle                 AlertType = "IDLE"
    AlertViolation            AlertType = "VIOLATION"
    AlertRouteDeviation       AlertType = "ROUTE_DEVIATION"
    AlertEarlyReturn          AlertType = "EARLY_RETURN"
    AlertUnauthorizedGeofence AlertType = "UNAUTHORIZED_GEOFENCE"
    AlertDailyReport          AlertType = "DAILY_REPORT"
)

// AdminOnly reports whether drivers are excluded from this alert type.
func (t AlertType) AdminOnly() bool {
    switch t {
    case AlertRouteDeviation, AlertEarlyReturn, AlertDailyReport:
        return true
    }
    return false
}

// AlertEvent is a dispatched (or attempted) notification.
type AlertEvent struct {
    ID         string    `json:"id"`
    Type       AlertType `json:"type"`
    VehicleID  string    `json:"vehicleId,omitempty"`
    DriverName string    `json:"driverName,omitempty"`
    Message    string    `json:"message"`
    Recipients []string  `json:"recipients"`
    Timestamp  time.Time `json:"timestamp"`
}

// AlertLogEntry records a single delivery to a single recipient.
type AlertLogEntry struct {
    Timestamp      string    `json:"timestamp"`
    Type           AlertType `json:"alert_type"`
    RecipientPhone string    `json:"recipient_phone"`
    RecipientName  string    `json:"recipient_name"`
    Message        string    `json:"message"`
    VehicleID      string    `json:"vehicle_id,omitempty"`
    DriverName     string    `json:"driver_name,omitempty"`
}

// Report rows consumed by the alert rules.

type IdleReportRow struct {
    VehicleID string
    Driver    string
    Location  string
    IdleFrom  time.Time
    IdleTill  time.Time
    Duration  time.Duration
}

type PerformanceRow struct {
    Driver            string
    VehicleID         string
    KM                float64
    HarshBrake        int
    HarshAcceleration int
    OverSpeed         int
    Login             time.Time
    Logout            time.Time
}

// Violations is the summed violation count used by the escalation rule.
func (r PerformanceRow) Violations() int { return r.HarshBrake + r.HarshAcceleration + r.OverSpeed }

type GeofenceRow struct {
    VehicleID string
    Driver    string
    Geofence  string
    Type      string
    In        time.Time
    Out       time.Time
    Elapsed   string
}
