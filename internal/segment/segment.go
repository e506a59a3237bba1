// Package segment collapses raw telemetry into stop/idle segments, splits them
// at local midnight, greedily geo-clusters them per vehicle/day/status and
// aggregates the clusters into the idle-points table.
package segment

import (
	"sort"
	"time"

	"fleetwatch/internal/geo"
	"fleetwatch/internal/model"
)

// DefaultClusterRadius is the seed-distance threshold for geo-clustering, in metres.
const DefaultClusterRadius = 25.0

// DefaultWindow is the rolling history window kept for segmentation.
const DefaultWindow = 70 * 24 * time.Hour

// Options controls a segmentation run.
type Options struct {
	Now           time.Time
	Window        time.Duration
	ClusterRadius float64
	Loc           *time.Location
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.ClusterRadius <= 0 {
		o.ClusterRadius = DefaultClusterRadius
	}
	if o.Loc == nil {
		o.Loc = time.Local
	}
	if o.Now.IsZero() {
		o.Now = time.Now()
	}
	return o
}

// Stationary keeps Idle/Stopped pings with a timestamp and orders them by
// vehicle then time. The sort is stable so equal timestamps keep file order.
func Stationary(pings []model.Ping) []model.Ping {
	out := make([]model.Ping, 0, len(pings))
	for _, p := range pings {
		if p.Status.Stationary() && !p.Time.IsZero() {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].VehicleID != out[j].VehicleID {
			return out[i].VehicleID < out[j].VehicleID
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

// sameCoord compares coordinates exactly, treating two NaNs as equal so that a
// run of unlocated pings stays one segment.
func sameCoord(a, b float64) bool {
	return a == b || (a != a && b != b)
}

// Collapse turns ordered stationary pings into segments. A new segment starts
// whenever vehicle, status, latitude or longitude differ from the previous ping.
func Collapse(pings []model.Ping) []model.StopSegment {
	out := []model.StopSegment{}
	for i, p := range pings {
		if i > 0 {
			prev := pings[i-1]
			if p.VehicleID == prev.VehicleID && p.Status == prev.Status && sameCoord(p.Lat, prev.Lat) && sameCoord(p.Lon, prev.Lon) {
				cur := &out[len(out)-1]
				if p.Time.Before(cur.Start) {
					cur.Start = p.Time
				}
				if p.Time.After(cur.End) {
					cur.End = p.Time
				}
				cur.Duration = cur.End.Sub(cur.Start)
				continue
			}
		}
		out = append(out, model.StopSegment{
			VehicleID: p.VehicleID,
			Status:    p.Status,
			Lat:       p.Lat,
			Lon:       p.Lon,
			Address:   p.Address,
			Start:     p.Time,
			End:       p.Time,
		})
	}
	return out
}

// SplitByDay cuts a segment at each local midnight it crosses. Each piece
// carries its own Date and a duration truncated to that day.
func SplitByDay(s model.StopSegment, loc *time.Location) []model.StopSegment {
	start, end := s.Start.In(loc), s.End.In(loc)
	out := []model.StopSegment{}
	cur := start
	for {
		y, m, d := cur.Date()
		midnight := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
		if !end.After(midnight) {
			break
		}
		piece := s
		piece.Start, piece.End = cur, midnight
		piece.Duration = midnight.Sub(cur)
		piece.Date = cur.Format("2006-01-02")
		out = append(out, piece)
		cur = midnight
	}
	last := s
	last.Start, last.End = cur, end
	last.Duration = end.Sub(cur)
	last.Date = cur.Format("2006-01-02")
	return append(out, last)
}

type partitionKey struct {
	vehicle string
	date    string
	status  model.Status
}

// AssignClusters numbers segments within each (vehicle, date, status)
// partition. Each unclustered segment seeds a new cluster and claims every later
// unclustered segment within radius of itself. Singleton partitions get
// cluster 0. Order dependent: the input order is preserved and decides seeds.
func AssignClusters(segs []model.StopSegment, radius float64) {
	parts := map[partitionKey][]int{}
	order := []partitionKey{}
	for i, s := range segs {
		k := partitionKey{s.VehicleID, s.Date, s.Status}
		if _, ok := parts[k]; !ok {
			order = append(order, k)
		}
		parts[k] = append(parts[k], i)
	}
	for _, k := range order {
		idx := parts[k]
		if len(idx) <= 1 {
			for _, i := range idx {
				segs[i].Cluster = 0
			}
			continue
		}
		assigned := make([]bool, len(idx))
		cluster := 0
		for a := range idx {
			if assigned[a] {
				continue
			}
			assigned[a] = true
			seed := segs[idx[a]]
			segs[idx[a]].Cluster = cluster
			for b := a + 1; b < len(idx); b++ {
				if assigned[b] {
					continue
				}
				other := segs[idx[b]]
				if !geo.Valid(seed.Lat, seed.Lon) || !geo.Valid(other.Lat, other.Lon) {
					continue
				}
				if geo.Haversine(seed.Lat, seed.Lon, other.Lat, other.Lon) <= radius {
					assigned[b] = true
					segs[idx[b]].Cluster = cluster
				}
			}
			cluster++
		}
	}
}

type aggKey struct {
	vehicle string
	status  model.Status
	date    string
	cluster int
}

// Aggregate collapses each (vehicle, status, date, cluster) group: first
// lat/lon/address, earliest start, latest end and the summed duration.
// Output is sorted by vehicle, status, date and cluster.
func Aggregate(segs []model.StopSegment) []model.StopSegment {
	groups := map[aggKey]*model.StopSegment{}
	keys := []aggKey{}
	for _, s := range segs {
		k := aggKey{s.VehicleID, s.Status, s.Date, s.Cluster}
		g, ok := groups[k]
		if !ok {
			cp := s
			groups[k] = &cp
			keys = append(keys, k)
			continue
		}
		if s.Start.Before(g.Start) {
			g.Start = s.Start
		}
		if s.End.After(g.End) {
			g.End = s.End
		}
		g.Duration += s.Duration
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.vehicle != b.vehicle {
			return a.vehicle < b.vehicle
		}
		if a.status != b.status {
			return a.status < b.status
		}
		if a.date != b.date {
			return a.date < b.date
		}
		return a.cluster < b.cluster
	})
	out := make([]model.StopSegment, 0, len(keys))
	for _, k := range keys {
		out = append(out, *groups[k])
	}
	return out
}

// Run applies the full pipeline: window filter, stationary filter, collapse,
// day split, clustering and aggregation.
func Run(pings []model.Ping, opts Options) []model.StopSegment {
	opts = opts.withDefaults()
	cutoff := opts.Now.Add(-opts.Window)
	recent := make([]model.Ping, 0, len(pings))
	for _, p := range pings {
		if !p.Time.IsZero() && !p.Time.Before(cutoff) {
			recent = append(recent, p)
		}
	}
	collapsed := Collapse(Stationary(recent))
	split := make([]model.StopSegment, 0, len(collapsed))
	for _, s := range collapsed {
		split = append(split, SplitByDay(s, opts.Loc)...)
	}
	AssignClusters(split, opts.ClusterRadius)
	return Aggregate(split)
}
