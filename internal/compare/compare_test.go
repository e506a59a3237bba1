package compare

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fleetwatch/internal/customers"
	"fleetwatch/internal/geo"
	"fleetwatch/internal/model"
	"fleetwatch/internal/reports"
)

var dubai = time.FixedZone("GST", 4*3600)

// metresPerDegreeLat matches the projection and haversine radius.
var metresPerDegreeLat = geo.EarthRadius * math.Pi / 180

type fakePings struct{ pings []model.Ping }

func (f fakePings) Window(ctx context.Context, ids []string, start, end time.Time) ([]model.Ping, error) {
	return reports.FilterWindow(f.pings, ids, start, end), nil
}

type fakeRoutes []model.PlannedRoute

func (f fakeRoutes) Routes(ctx context.Context) ([]model.PlannedRoute, error) { return f, nil }

type fakePoints []model.CustomerPoint

func (f fakePoints) LoadMerged(ctx context.Context, p customers.Params) ([]model.CustomerPoint, error) {
	return f, nil
}

type aliases map[string]string

func (a aliases) Alias(id string) string {
	if v, ok := a[id]; ok {
		return v
	}
	return id
}

// line returns [lon,lat] vertices along latitude lat, from lon 55.20 eastwards.
func line(lat float64, n int) [][2]float64 {
	out := make([][2]float64, n)
	for i := range out {
		out[i] = [2]float64{55.20 + float64(i)*0.002, lat}
	}
	return out
}

// drive turns a path into moving pings one minute apart from start.
func drive(vehicle string, start time.Time, coords [][2]float64) []model.Ping {
	out := make([]model.Ping, 0, len(coords))
	for i, c := range coords {
		out = append(out, model.Ping{VehicleID: vehicle, Status: model.StatusMoving, Lon: c[0], Lat: c[1], Time: start.Add(time.Duration(i) * time.Minute)})
	}
	return out
}

var monday = time.Date(2025, 3, 3, 0, 0, 0, 0, dubai)

func TestIdenticalPathsAgainstPlan(t *testing.T) {
	path := line(25.1, 10)
	e := &Engine{
		Pings:   fakePings{drive("V1", monday.Add(9*time.Hour), path)},
		Routes:  fakeRoutes{{VehicleID: " V1 ", Weekday: "MONDAY", Coords: path}},
		Aliases: aliases{"V1": "Van 1"},
		Loc:     dubai,
	}
	rep := e.Compare(context.Background(), Request{VehicleIDs: []string{"V1"}, Current: Window{Day: monday}})
	if rep.Error != "" {
		t.Fatalf("unexpected error: %s", rep.Error)
	}
	r, ok := rep.Get("V1", model.LabelCurrent)
	if !ok {
		t.Fatalf("missing result: %+v", rep)
	}
	if r.MaxDeviation != 0 || r.Coverage != 100 || r.Alignment != 100 {
		t.Fatalf("identical paths: dev=%v cov=%v align=%v", r.MaxDeviation, r.Coverage, r.Alignment)
	}
	if r.ActualDistance != r.PlannedDistance || r.ActualDistance == 0 {
		t.Fatalf("distances: %v vs %v", r.ActualDistance, r.PlannedDistance)
	}
	if r.Alias != "Van 1" || r.ComparisonType != TypePlanned || r.Weekday != "Monday" || r.Date != "March 03, 2025" {
		t.Fatalf("labels: %+v", r)
	}
}

func TestParallelPathsScale(t *testing.T) {
	for _, tc := range []struct {
		offset float64
		want   float64
	}{{300, 100}, {800, 0}} {
		actual := line(25.1, 10)
		planned := line(25.1+tc.offset/metresPerDegreeLat, 10)
		e := &Engine{Pings: fakePings{drive("V1", monday.Add(9*time.Hour), actual)}, Routes: fakeRoutes{{VehicleID: "V1", Weekday: "Monday", Coords: planned}}, Loc: dubai}
		rep := e.Compare(context.Background(), Request{VehicleIDs: []string{"V1"}, Current: Window{Day: monday}})
		r, _ := rep.Get("V1", model.LabelCurrent)
		if r.Coverage != tc.want || r.Alignment != tc.want {
			t.Fatalf("offset %v: coverage=%v alignment=%v want %v", tc.offset, r.Coverage, r.Alignment, tc.want)
		}
		if math.Abs(r.MaxDeviation-tc.offset) > 1 {
			t.Fatalf("offset %v: deviation=%v", tc.offset, r.MaxDeviation)
		}
	}
}

func TestMissingRouteSourceIsReported(t *testing.T) {
	e := &Engine{
		Pings:  fakePings{drive("V1", monday.Add(9*time.Hour), line(25.1, 5))},
		Routes: &RouteFile{Path: filepath.Join(t.TempDir(), "routes.geojson")},
		Loc:    dubai,
	}
	rep := e.Compare(context.Background(), Request{VehicleIDs: []string{"V1"}, Current: Window{Day: monday}})
	if rep.Error != ErrRouteSourceMissing || len(rep.Results) != 0 {
		t.Fatalf("want route source error, got %+v", rep)
	}
}

func TestUnmatchedWeekdayZeroesDeviation(t *testing.T) {
	path := line(25.1, 5)
	e := &Engine{
		Pings:  fakePings{drive("V1", monday.Add(9*time.Hour), path)},
		Routes: fakeRoutes{{VehicleID: "V1", Weekday: "Tuesday", Coords: path}},
		Loc:    dubai,
	}
	rep := e.Compare(context.Background(), Request{VehicleIDs: []string{"V1", "V2"}, Current: Window{Day: monday}})
	if rep.Error != "" || len(rep.Results) != 2 {
		t.Fatalf("report: %+v", rep)
	}
	r, _ := rep.Get("V1", model.LabelCurrent)
	if r.PlannedDistance != 0 || r.MaxDeviation != 0 || r.Coverage != 0 || r.ActualDistance == 0 {
		t.Fatalf("no plan for weekday: %+v", r)
	}
	if r2, _ := rep.Get("V2", model.LabelCurrent); r2.ActualDistance != 0 {
		t.Fatalf("vehicle without pings: %+v", r2)
	}
}

func TestAgainstPastSwapsDirections(t *testing.T) {
	cur := line(25.1, 10)
	// Past drove only the first half, so all of it lies on the current route
	// while half of the current route is far from it.
	past := line(25.1, 5)
	prev := monday.AddDate(0, 0, -7)
	pings := append(drive("V1", monday.Add(9*time.Hour), cur), drive("V1", prev.Add(9*time.Hour), past)...)
	e := &Engine{Pings: fakePings{pings}, Loc: dubai, Tolerance: 100}
	rep := e.Compare(context.Background(), Request{VehicleIDs: []string{"V1"}, Current: Window{Day: monday}, Past: &Window{Day: prev}})
	c, _ := rep.Get("V1", model.LabelCurrent)
	p, _ := rep.Get("V1", model.LabelPast)
	if c.ComparisonType != TypePast || c.ComparedDistance == nil || *c.ComparedDistance != p.ActualDistance || *p.ComparedDistance != c.ActualDistance {
		t.Fatalf("compared distances: %+v %+v", c, p)
	}
	if c.Coverage != 100 || c.Alignment != 50 {
		t.Fatalf("current: coverage=%v alignment=%v", c.Coverage, c.Alignment)
	}
	if p.Coverage != c.Alignment || p.Alignment != c.Coverage || p.MaxDeviation != c.MaxDeviation {
		t.Fatalf("past should mirror current: %+v vs %+v", p, c)
	}
}

func TestVisitAnalysis(t *testing.T) {
	start := monday.Add(9 * time.Hour)
	pings := drive("V1", start, line(25.1, 5))
	pings = append(pings,
		model.Ping{VehicleID: "V1", Status: model.StatusIdle, Lat: 25.2, Lon: 55.3, Time: start.Add(10 * time.Minute)},
		model.Ping{VehicleID: "V1", Status: model.StatusIdle, Lat: 25.2, Lon: 55.3, Time: start.Add(15 * time.Minute)},
	)
	points := fakePoints{
		{VehicleID: "V1", Weekday: "Monday", Lat: 25.201, Lon: 55.3},
		{VehicleID: "V1", Weekday: "Monday", Lat: 25.5, Lon: 55.5},
		{VehicleID: "V1", Weekday: "Monday", Lat: 25.6, Lon: 55.6},
		{VehicleID: "V1", Weekday: "Tuesday", Lat: 25.2, Lon: 55.3},
	}
	e := &Engine{Pings: fakePings{pings}, Routes: fakeRoutes{}, Points: points, Loc: dubai}
	rep := e.Compare(context.Background(), Request{VehicleIDs: []string{"V1"}, Current: Window{Day: monday}})
	r, _ := rep.Get("V1", model.LabelCurrent)
	if r.TotalPoints != 3 || r.VisitedPoints != 1 || r.UnvisitedPoints != 2 || r.VisitPercentage != 33.3 {
		t.Fatalf("visits: %+v", r)
	}
}

func TestLoadRoutesGeoJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.geojson")
	doc := `{"type":"FeatureCollection","features":[
	 {"type":"Feature","properties":{"vehicle_id":30915,"weekday":"Monday","total_distance_km":12.5,"ordered_street_names":["A St","B Rd"]},
	  "geometry":{"type":"LineString","coordinates":[[55.2,25.1],[55.21,25.1]]}},
	 {"type":"Feature","properties":{"vehicle_id":"x"},"geometry":{"type":"Point","coordinates":[55.2,25.1]}}]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	routes, err := (&RouteFile{Path: path}).Routes(context.Background())
	if err != nil || len(routes) != 1 {
		t.Fatalf("routes: %+v %v", routes, err)
	}
	r, ok := FindRoute(routes, "30915", " monday ")
	if !ok || r.TotalDistanceKm != 12.5 || len(r.Streets) != 2 || len(r.Coords) != 2 {
		t.Fatalf("route: %+v %v", r, ok)
	}
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("2025-03-03", "08:30", "", dubai)
	if err != nil {
		t.Fatal(err)
	}
	if w.Start.Hour() != 8 || w.Start.Minute() != 30 || w.End.Hour() != 23 || w.End.Second() != 59 {
		t.Fatalf("window: %v %v", w.Start, w.End)
	}
	if _, err := ParseWindow("2025-03-03", "2025-03-03 18:00:00", "2025-03-03 09:00:00", dubai); err == nil {
		t.Fatalf("inverted window should fail")
	}
	if _, err := ParseWindow("03/03/2025", "", "", dubai); err == nil {
		t.Fatalf("bad date should fail")
	}
}
