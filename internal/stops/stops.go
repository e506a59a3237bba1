// Package stops detects dwell points in raw telemetry for an explicit time
// window. It is independent of the nightly segmentation and is used for ad hoc
// queries and customer-visit matching.
package stops

import (
	"sort"
	"strings"
	"time"

	"fleetwatch/internal/geo"
	"fleetwatch/internal/model"
)

const (
	// DefaultRadius is the maximum distance, in metres, from the running
	// centroid for a ping to join the open group.
	DefaultRadius = 50.0
	// DefaultMinPings and DefaultMinDuration gate which groups become stops.
	DefaultMinPings    = 2
	DefaultMinDuration = 2 * time.Minute
)

// Options bounds the window and the grouping thresholds. Zero thresholds use
// the defaults; zero Start/End leave that side of the window open.
type Options struct {
	Start       time.Time
	End         time.Time
	Radius      float64
	MinPings    int
	MinDuration time.Duration
}

func (o Options) withDefaults() Options {
	if o.Radius <= 0 {
		o.Radius = DefaultRadius
	}
	if o.MinPings <= 0 {
		o.MinPings = DefaultMinPings
	}
	if o.MinDuration <= 0 {
		o.MinDuration = DefaultMinDuration
	}
	return o
}

func (o Options) inWindow(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	if !o.Start.IsZero() && t.Before(o.Start) {
		return false
	}
	if !o.End.IsZero() && t.After(o.End) {
		return false
	}
	return true
}

// group is the open run; the centroid is kept as an incremental mean, which
// equals the mean of all members.
type group struct {
	first, last model.Ping
	n           int
	lat, lon    float64
}

func (g *group) add(p model.Ping) {
	if g.n == 0 {
		g.first = p
	}
	g.last = p
	g.n++
	g.lat += (p.Lat - g.lat) / float64(g.n)
	g.lon += (p.Lon - g.lon) / float64(g.n)
}

func (g *group) stop(vehicleID string, o Options) (model.StopPoint, bool) {
	if g.n < o.MinPings {
		return model.StopPoint{}, false
	}
	d := g.last.Time.Sub(g.first.Time)
	if d < o.MinDuration {
		return model.StopPoint{}, false
	}
	return model.StopPoint{
		VehicleID:       vehicleID,
		Lat:             g.lat,
		Lon:             g.lon,
		Start:           g.first.Time,
		End:             g.last.Time,
		DurationMinutes: geo.Round(d.Minutes(), 1),
		Pings:           g.n,
		Status:          g.first.Status,
		Address:         g.first.Address,
	}, true
}

// Extract runs one forward pass per vehicle over its Idle/Stopped pings in the
// window. Output follows the order of vehicleIDs, then time.
func Extract(pings []model.Ping, vehicleIDs []string, opts Options) []model.StopPoint {
	opts = opts.withDefaults()
	byVehicle := map[string][]model.Ping{}
	for _, p := range pings {
		id := strings.TrimSpace(p.VehicleID)
		if !p.Status.Stationary() || !p.HasLocation() || !opts.inWindow(p.Time) {
			continue
		}
		byVehicle[id] = append(byVehicle[id], p)
	}

	out := []model.StopPoint{}
	for _, raw := range vehicleIDs {
		id := strings.TrimSpace(raw)
		vp := byVehicle[id]
		sort.SliceStable(vp, func(i, j int) bool { return vp[i].Time.Before(vp[j].Time) })

		var g group
		for _, p := range vp {
			if g.n > 0 && geo.Haversine(g.lat, g.lon, p.Lat, p.Lon) > opts.Radius {
				if s, ok := g.stop(id, opts); ok {
					out = append(out, s)
				}
				g = group{}
			}
			g.add(p)
		}
		if s, ok := g.stop(id, opts); ok {
			out = append(out, s)
		}
	}
	return out
}

// Near reports whether any stop lies within radius metres of lat/lon.
func Near(stops []model.StopPoint, lat, lon, radius float64) bool {
	for _, s := range stops {
		if geo.Haversine(s.Lat, s.Lon, lat, lon) <= radius {
			return true
		}
	}
	return false
}
