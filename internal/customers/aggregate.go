// Package customers derives recurring customer points from the idle-points
// table, optionally reassigns territories between vehicles, and merges the
// manually maintained edits at read time.
package customers

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"fleetwatch/internal/geo"
	"fleetwatch/internal/model"
)

// Params is the tuple a customer-point set is computed and cached under.
type Params struct {
	SegmentAreas bool          `json:"segmentAreas"`
	MinDuration  time.Duration `json:"minDuration"`
	MinStopCount int           `json:"minStopCount"`
}

// DefaultParams matches the thresholds the dashboard starts from.
func DefaultParams() Params {
	return Params{MinDuration: 4 * time.Minute, MinStopCount: 5}
}

// CacheKey encodes the tuple, e.g. "cust_1_min4_stop5". Fractional minutes
// are kept exactly ("min4.5") so distinct thresholds never share a cache.
func (p Params) CacheKey() string {
	flag := 0
	if p.SegmentAreas {
		flag = 1
	}
	mins := strconv.FormatFloat(p.MinDuration.Minutes(), 'f', -1, 64)
	return fmt.Sprintf("cust_%d_min%s_stop%d", flag, mins, p.MinStopCount)
}

type groupKey struct {
	vehicle string
	cluster int
	weekday string
}

type group struct {
	count       int
	sumLat      float64
	sumLon      float64
	address     string
	first, last time.Time
}

// Aggregate filters idle points by minimum duration, groups them by
// (vehicle, cluster, weekday) and keeps groups visited at least MinStopCount
// times. Points carry the mean location and the first address seen.
func Aggregate(rows []model.StopSegment, p Params) []model.CustomerPoint {
	groups := map[groupKey]*group{}
	for _, r := range rows {
		if r.Duration < p.MinDuration {
			continue
		}
		day, err := time.Parse("2006-01-02", r.Date)
		if err != nil {
			continue
		}
		k := groupKey{strings.TrimSpace(r.VehicleID), r.Cluster, day.Weekday().String()}
		g := groups[k]
		if g == nil {
			g = &group{address: r.Address}
			groups[k] = g
		}
		g.count++
		g.sumLat += r.Lat
		g.sumLon += r.Lon
		if !r.Start.IsZero() {
			if g.first.IsZero() || r.Start.Before(g.first) {
				g.first = r.Start
			}
			if g.last.IsZero() || r.Start.After(g.last) {
				g.last = r.Start
			}
		}
	}

	out := []model.CustomerPoint{}
	for k, g := range groups {
		if g.count < p.MinStopCount {
			continue
		}
		lat, lon := g.sumLat/float64(g.count), g.sumLon/float64(g.count)
		if k.vehicle == "" || !geo.Valid(lat, lon) {
			continue
		}
		out = append(out, model.CustomerPoint{
			VehicleID:  k.vehicle,
			Cluster:    k.cluster,
			Weekday:    k.weekday,
			Lat:        lat,
			Lon:        lon,
			Address:    g.address,
			StopCount:  g.count,
			FirstVisit: g.first,
			LastVisit:  g.last,
		})
	}
	SortPoints(out)
	return out
}

// SortPoints orders points by vehicle, cluster and weekday name.
func SortPoints(points []model.CustomerPoint) {
	sort.SliceStable(points, func(i, j int) bool {
		a, b := points[i], points[j]
		if a.VehicleID != b.VehicleID {
			return a.VehicleID < b.VehicleID
		}
		if a.Cluster != b.Cluster {
			return a.Cluster < b.Cluster
		}
		return a.Weekday < b.Weekday
	})
}

// Filter keeps points matching the vehicle and weekday (case-insensitive);
// empty arguments match everything.
func Filter(points []model.CustomerPoint, vehicleID, weekday string) []model.CustomerPoint {
	out := []model.CustomerPoint{}
	for _, p := range points {
		if vehicleID != "" && p.VehicleID != vehicleID {
			continue
		}
		if weekday != "" && !strings.EqualFold(p.Weekday, weekday) {
			continue
		}
		out = append(out, p)
	}
	return out
}
