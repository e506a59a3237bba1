// Package compare measures actual vehicle routes against a planned route or
// a prior day's actual route: distance, Hausdorff deviation, coverage and
// alignment, and the share of known customer points visited.
package compare

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"fleetwatch/internal/customers"
	"fleetwatch/internal/geo"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/model"
	"fleetwatch/internal/stops"
)

const (
	// DefaultTolerance is the coverage/alignment distance in metres.
	DefaultTolerance = 500.0
	// DefaultVisitRadius is the stop-to-customer distance counted as a visit.
	DefaultVisitRadius = 500.0

	TypePlanned = "vs Planned"
	TypePast    = "vs Past Actual"

	// ErrRouteSourceMissing is reported in Report.Error, never returned.
	ErrRouteSourceMissing = "planned route source not found"
)

// PingSource returns time-ordered pings for the vehicles within [start, end].
type PingSource interface {
	Window(ctx context.Context, vehicleIDs []string, start, end time.Time) ([]model.Ping, error)
}

// RouteSource returns the planned-route collection.
type RouteSource interface {
	Routes(ctx context.Context) ([]model.PlannedRoute, error)
}

// PointSource returns customer points with edits applied.
type PointSource interface {
	LoadMerged(ctx context.Context, p customers.Params) ([]model.CustomerPoint, error)
}

// AliasSource maps a vehicle id to its display name.
type AliasSource interface {
	Alias(vehicleID string) string
}

// Window is an inclusive time range on one local day.
type Window struct {
	Day   time.Time
	Start time.Time
	End   time.Time
}

// Resolve fills a missing start or end with the day's first or last second.
func (w Window) Resolve(loc *time.Location) Window {
	y, m, d := w.Day.In(loc).Date()
	if w.Start.IsZero() {
		w.Start = time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	if w.End.IsZero() {
		w.End = time.Date(y, m, d, 23, 59, 59, 0, loc)
	}
	return w
}

// ParseWindow builds a window from a YYYY-MM-DD date and optional start/end.
// Start and end may be full "YYYY-MM-DD HH:MM[:SS]" timestamps or a clock
// time on the date.
func ParseWindow(date, start, end string, loc *time.Location) (Window, error) {
	day, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(date), loc)
	if err != nil {
		return Window{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	w := Window{Day: day}
	if w.Start, err = parseBound(day, start, loc); err != nil {
		return Window{}, err
	}
	if w.End, err = parseBound(day, end, loc); err != nil {
		return Window{}, err
	}
	w = w.Resolve(loc)
	if w.End.Before(w.Start) {
		return Window{}, fmt.Errorf("window end %s before start %s", w.End.Format(time.DateTime), w.Start.Format(time.DateTime))
	}
	return w, nil
}

func parseBound(day time.Time, s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			y, m, d := day.Date()
			return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

// Request selects vehicles and windows. A nil Past compares Current against
// the planned route; otherwise Current and Past are compared with each other.
type Request struct {
	VehicleIDs []string
	Current    Window
	Past       *Window
}

// Report is the outcome of a comparison. Error is set instead of returning
// an error when a required source is unavailable.
type Report struct {
	Results []model.ComparisonResult `json:"results"`
	Error   string                   `json:"error,omitempty"`
}

// Get returns the result for a vehicle and label.
func (r Report) Get(vehicleID, label string) (model.ComparisonResult, bool) {
	for _, res := range r.Results {
		if res.VehicleID == vehicleID && res.Label == label {
			return res, true
		}
	}
	return model.ComparisonResult{}, false
}

// Engine runs comparisons. Routes, Points and Aliases are optional; without
// Routes a planned comparison reports ErrRouteSourceMissing.
type Engine struct {
	Pings       PingSource
	Routes      RouteSource
	Points      PointSource
	PointParams customers.Params
	Aliases     AliasSource
	Loc         *time.Location
	Tolerance   float64
	VisitRadius float64
}

func (e *Engine) location() *time.Location {
	if e.Loc == nil {
		return time.Local
	}
	return e.Loc
}

func (e *Engine) tolerance() float64 {
	if e.Tolerance <= 0 {
		return DefaultTolerance
	}
	return e.Tolerance
}

func (e *Engine) visitRadius() float64 {
	if e.VisitRadius <= 0 {
		return DefaultVisitRadius
	}
	return e.VisitRadius
}

type labelled struct {
	label  string
	window Window
}

// Compare computes one result per vehicle and label. Per-vehicle problems
// leave that vehicle's metrics at zero and never abort the batch.
func (e *Engine) Compare(ctx context.Context, req Request) Report {
	started := time.Now()
	defer func() { metrics.ComparisonDuration.Observe(time.Since(started).Seconds()) }()

	loc := e.location()
	ids := make([]string, 0, len(req.VehicleIDs))
	for _, id := range req.VehicleIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	var routes []model.PlannedRoute
	if req.Past == nil {
		if e.Routes == nil {
			return Report{Results: []model.ComparisonResult{}, Error: ErrRouteSourceMissing}
		}
		var err error
		routes, err = e.Routes.Routes(ctx)
		if errors.Is(err, os.ErrNotExist) {
			return Report{Results: []model.ComparisonResult{}, Error: ErrRouteSourceMissing}
		}
		if err != nil {
			log.Printf("compare: planned routes: %v", err)
			return Report{Results: []model.ComparisonResult{}, Error: "failed to load planned routes"}
		}
	}

	var points []model.CustomerPoint
	if e.Points != nil {
		var err error
		if points, err = e.Points.LoadMerged(ctx, e.PointParams); err != nil {
			log.Printf("compare: customer points unavailable: %v", err)
			points = nil
		}
	}

	windows := []labelled{{model.LabelCurrent, req.Current.Resolve(loc)}}
	ctype := TypePlanned
	if req.Past != nil {
		windows = append(windows, labelled{model.LabelPast, req.Past.Resolve(loc)})
		ctype = TypePast
	}

	rep := Report{Results: []model.ComparisonResult{}}
	for _, lw := range windows {
		pings, err := e.Pings.Window(ctx, ids, lw.window.Start, lw.window.End)
		if err != nil {
			log.Printf("compare: %s pings %s..%s: %v", lw.label, lw.window.Start.Format(time.DateTime), lw.window.End.Format(time.DateTime), err)
			pings = nil
		}
		extracted := stops.Extract(pings, ids, stops.Options{Start: lw.window.Start, End: lw.window.End})
		day := lw.window.Day.In(loc)
		weekday := day.Weekday().String()

		for _, id := range ids {
			coords := ActualCoords(pings, id)
			res := model.ComparisonResult{
				VehicleID:      id,
				Alias:          id,
				Label:          lw.label,
				Date:           day.Format("January 02, 2006"),
				Weekday:        weekday,
				ComparisonType: ctype,
				ActualCoords:   coords,
			}
			if e.Aliases != nil {
				res.Alias = e.Aliases.Alias(id)
			}
			if len(coords) > 1 {
				res.ActualDistance = geo.Round(geo.PathLength(coords)/1000, 2)
			}
			e.visits(&res, points, extracted)
			rep.Results = append(rep.Results, res)
		}
	}

	if req.Past == nil {
		e.againstPlan(&rep, routes)
	} else {
		e.againstPast(&rep, ids)
	}
	return rep
}

func (e *Engine) againstPlan(rep *Report, routes []model.PlannedRoute) {
	for i := range rep.Results {
		res := &rep.Results[i]
		route, ok := FindRoute(routes, res.VehicleID, res.Weekday)
		if !ok || len(route.Coords) < 2 {
			continue
		}
		res.PlannedDistance = geo.Round(geo.PathLength(route.Coords)/1000, 2)
		if len(res.ActualCoords) < 2 {
			continue
		}
		dev, cov, align := e.deviation(res.ActualCoords, route.Coords)
		res.MaxDeviation, res.Coverage, res.Alignment = dev, cov, align
	}
}

func (e *Engine) againstPast(rep *Report, ids []string) {
	for _, id := range ids {
		cur, past := rep.index(id, model.LabelCurrent), rep.index(id, model.LabelPast)
		if cur < 0 || past < 0 {
			continue
		}
		c, p := &rep.Results[cur], &rep.Results[past]
		cd, pd := c.ActualDistance, p.ActualDistance
		c.ComparedDistance, p.ComparedDistance = &pd, &cd
		if len(c.ActualCoords) < 2 || len(p.ActualCoords) < 2 {
			continue
		}
		dev, cov, align := e.deviation(c.ActualCoords, p.ActualCoords)
		c.MaxDeviation, c.Coverage, c.Alignment = dev, cov, align
		p.MaxDeviation, p.Coverage, p.Alignment = dev, align, cov
	}
}

func (r *Report) index(vehicleID, label string) int {
	for i, res := range r.Results {
		if res.VehicleID == vehicleID && res.Label == label {
			return i
		}
	}
	return -1
}

// deviation returns the symmetric Hausdorff distance, the share of other's
// points near actual, and the share of actual's points near other.
func (e *Engine) deviation(actual, other [][2]float64) (float64, float64, float64) {
	proj := geo.NewProjector(actual, other)
	a, b := proj.LineString(actual), proj.LineString(other)
	tol := e.tolerance()
	return geo.Round(geo.Hausdorff(a, b), 1),
		geo.Round(geo.Coverage(a, b, tol), 1),
		geo.Round(geo.Coverage(b, a, tol), 1)
}

func (e *Engine) visits(res *model.ComparisonResult, points []model.CustomerPoint, extracted []model.StopPoint) {
	var mine []model.StopPoint
	for _, s := range extracted {
		if s.VehicleID == res.VehicleID {
			mine = append(mine, s)
		}
	}
	for _, p := range points {
		if p.VehicleID != res.VehicleID || p.Weekday != res.Weekday {
			continue
		}
		res.TotalPoints++
		if stops.Near(mine, p.Lat, p.Lon, e.visitRadius()) {
			res.VisitedPoints++
		}
	}
	res.UnvisitedPoints = res.TotalPoints - res.VisitedPoints
	if res.TotalPoints > 0 {
		res.VisitPercentage = geo.Round(float64(res.VisitedPoints)/float64(res.TotalPoints)*100, 1)
	}
}

// ActualCoords returns the vehicle's located pings as [lon,lat] in time order,
// keeping the first occurrence of each coordinate.
func ActualCoords(pings []model.Ping, vehicleID string) [][2]float64 {
	mine := make([]model.Ping, 0)
	for _, p := range pings {
		if strings.TrimSpace(p.VehicleID) == vehicleID && p.HasLocation() {
			mine = append(mine, p)
		}
	}
	sort.SliceStable(mine, func(i, j int) bool { return mine[i].Time.Before(mine[j].Time) })
	seen := map[[2]float64]struct{}{}
	out := make([][2]float64, 0, len(mine))
	for _, p := range mine {
		c := [2]float64{p.Lon, p.Lat}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
