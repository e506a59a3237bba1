package model

import (
    "math"
    "time"
)

// Core domain types shared by the analytics and alerting packages.

type Status string

const (
    StatusMoving  Status = "Moving"
    StatusStopped Status = "Stopped"
    StatusIdle    Status = "Idle"
)

// Stationary reports whether the status counts as a stop for segmentation.
func (s Status) Stationary() bool { return s == StatusStopped || s == StatusIdle }

// Ping is one telemetry row. Lat/Lon are NaN when the source value was malformed,
// Time is zero when the timestamp could not be parsed.
type Ping struct {
    VehicleID string    `json:"vehicleId"`
    Time      time.Time `json:"ts"`
    Status    Status    `json:"status"`
    Lat       float64   `json:"lat"`
    Lon       float64   `json:"lon"`
    Address   string    `json:"address,omitempty"`
    Speed     float64   `json:"speed"`
    Odometer  float64   `json:"odometer"`
}

// HasLocation reports whether both coordinates are usable.
func (p Ping) HasLocation() bool {
    return !math.IsNaN(p.Lat) && !math.IsNaN(p.Lon) && !math.IsInf(p.Lat, 0) && !math.IsInf(p.Lon, 0)
}

// StopSegment is a contiguous same-location, same-status run for one vehicle.
// After day splitting Date holds the local calendar day (YYYY-MM-DD).
type StopSegment struct {
    VehicleID string        `json:"vehicleId"`
    Status    Status        `json:"status"`
    Lat       float64       `json:"lat"`
    Lon       float64       `json:"lon"`
    Address   string        `json:"address,omitempty"`
    Start     time.Time     `json:"start"`
    End       time.Time     `json:"end"`
    Duration  time.Duration `json:"duration"`
    Date      string        `json:"date"`
    Cluster   int           `json:"geoCluster"`
}

// CustomerPoint is a recurring stop location for a vehicle on a weekday.
// Cluster is -1 for points created from a manual edit.
type CustomerPoint struct {
    VehicleID  string    `json:"vehicleId"`
    Cluster    int       `json:"geoCluster"`
    Weekday    string    `json:"weekday"`
    Lat        float64   `json:"lat"`
    Lon        float64   `json:"lon"`
    Address    string    `json:"address"`
    StopCount  int       `json:"stopCount"`
    FirstVisit time.Time `json:"firstVisit"`
    LastVisit  time.Time `json:"lastVisit"`

    CustomerID      string `json:"customerId,omitempty"`
    CustomerName    string `json:"customerName,omitempty"`
    CustomerContact string `json:"customerContact,omitempty"`
    Description     string `json:"description,omitempty"`
}

// CustomerEdit is a manually maintained override for a customer point.
type CustomerEdit struct {
    ID          string  `json:"customerId" validate:"required"`
    VehicleID   string  `json:"vehicleId" validate:"required"`
    Weekday     string  `json:"weekday" validate:"required"`
    Lat         float64 `json:"lat" validate:"gte=-90,lte=90"`
    Lon         float64 `json:"lon" validate:"gte=-180,lte=180"`
    Contact     string  `json:"customerContact,omitempty"`
    Name        string  `json:"customerName,omitempty"`
    Description string  `json:"description,omitempty"`
}

// PlannedRoute is an ordered polyline of [lon,lat] pairs for a vehicle and weekday.
type PlannedRoute struct {
    VehicleID       string       `json:"vehicleId"`
    Weekday         string       `json:"weekday"`
    Coords          [][2]float64 `json:"coords"`
    TotalDistanceKm float64      `json:"totalDistanceKm"`
    Streets         []string     `json:"orderedStreetNames,omitempty"`
}

// StopPoint is a dwell detected from raw pings within an explicit window.
type StopPoint struct {
    VehicleID       string    `json:"vehicleId"`
    Lat             float64   `json:"lat"`
    Lon             float64   `json:"lon"`
    Start           time.Time `json:"start"`
    End             time.Time `json:"end"`
    DurationMinutes float64   `json:"durationMinutes"`
    Pings           int       `json:"pings"`
    Status          Status    `json:"status"`
    Address         string    `json:"address,omitempty"`
}

const (
    LabelCurrent = "Current"
    LabelPast    = "Past"
)

// ComparisonResult holds route metrics for one vehicle and window label.
// Distances are kilometres, deviation metres, coverage/alignment percent.
type ComparisonResult struct {
    VehicleID        string       `json:"vehicleId"`
    Alias            string       `json:"alias,omitempty"`
    Label            string       `json:"label"`
    Date             string       `json:"date"`
    Weekday          string       `json:"weekday"`
    ComparisonType   string       `json:"comparisonType"`
    ActualDistance   float64      `json:"actualDistance"`
    PlannedDistance  float64      `json:"plannedDistance"`
    ComparedDistance *float64     `json:"comparedDistance,omitempty"`
    MaxDeviation     float64      `json:"maximumRouteDeviation"`
    Coverage         float64      `json:"plannedRouteCoverage"`
    Alignment        float64      `json:"actualRouteAlignment"`
    TotalPoints      int          `json:"totalCustomerPoints"`
    VisitedPoints    int          `json:"visitedCustomerPoints"`
    UnvisitedPoints  int          `json:"unvisitedCustomerPoints"`
    VisitPercentage  float64      `json:"visitPercentage"`
    ActualCoords     [][2]float64 `json:"actualCoords,omitempty"`
}

// Key returns the "<vehicle>_<label>" identifier used in comparison reports.
func (r ComparisonResult) Key() string { return r.VehicleID + "_" + r.Label }
