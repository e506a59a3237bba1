package customers

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetwatch/internal/model"
	"fleetwatch/internal/reports"
)

var dubai = time.FixedZone("GST", 4*3600)

// idle builds n idle rows for one vehicle/cluster on consecutive Mondays.
func idle(vehicle string, cluster int, lat, lon float64, n int, d time.Duration) []model.StopSegment {
	out := []model.StopSegment{}
	day := time.Date(2025, 3, 3, 10, 0, 0, 0, dubai)
	for i := 0; i < n; i++ {
		start := day.AddDate(0, 0, 7*i)
		out = append(out, model.StopSegment{
			VehicleID: vehicle, Status: model.StatusIdle, Date: start.Format("2006-01-02"),
			Cluster: cluster, Lat: lat, Lon: lon, Address: "Shop " + vehicle,
			Start: start, End: start.Add(d), Duration: d,
		})
	}
	return out
}

func TestCacheKey(t *testing.T) {
	if k := DefaultParams().CacheKey(); k != "cust_0_min4_stop5" {
		t.Fatalf("default key = %s", k)
	}
	p := Params{SegmentAreas: true, MinDuration: 10 * time.Minute, MinStopCount: 3}
	if k := p.CacheKey(); k != "cust_1_min10_stop3" {
		t.Fatalf("key = %s", k)
	}
	half := Params{MinDuration: 4*time.Minute + 30*time.Second, MinStopCount: 5}
	if k := half.CacheKey(); k != "cust_0_min4.5_stop5" {
		t.Fatalf("fractional key = %s", k)
	}
}

func TestServiceKeepsFractionalThresholdsApart(t *testing.T) {
	dir := t.TempDir()
	idlePath := filepath.Join(dir, "idlepoints.csv")
	var buf bytes.Buffer
	if err := reports.WriteIdlePoints(&buf, idle("V1", 0, 25.1, 55.2, 6, 4*time.Minute+15*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(idlePath, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	svc := &Service{IdlePointsPath: idlePath, CacheDir: filepath.Join(dir, "cache"), Loc: dubai}
	ctx := context.Background()

	strict := Params{MinDuration: 4*time.Minute + 30*time.Second, MinStopCount: 5}
	if got, err := svc.Load(ctx, strict); err != nil || len(got) != 0 {
		t.Fatalf("4.5 minute load: %+v %v", got, err)
	}
	got, err := svc.Load(ctx, DefaultParams())
	if err != nil || len(got) != 1 {
		t.Fatalf("4 minute load after 4.5: %+v %v", got, err)
	}
	if svc.CachePath(strict) == svc.CachePath(DefaultParams()) {
		t.Fatalf("tuples share cache %s", svc.CachePath(strict))
	}
}

func TestAggregateFiltersAndGroups(t *testing.T) {
	rows := idle("V1", 0, 25.1, 55.2, 6, 10*time.Minute)
	rows = append(rows, idle("V1", 1, 25.3, 55.4, 6, 2*time.Minute)...)
	rows = append(rows, idle("V2", 0, 25.5, 55.6, 3, 10*time.Minute)...)

	got := Aggregate(rows, DefaultParams())
	if len(got) != 1 {
		t.Fatalf("want 1 point, got %+v", got)
	}
	p := got[0]
	if p.VehicleID != "V1" || p.Weekday != "Monday" || p.StopCount != 6 || math.Abs(p.Lat-25.1) > 1e-9 {
		t.Fatalf("point mismatch: %+v", p)
	}
	if !p.FirstVisit.Before(p.LastVisit) {
		t.Fatalf("visit range: %v %v", p.FirstVisit, p.LastVisit)
	}
}

func TestRaisingMinStopCountNeverAddsPoints(t *testing.T) {
	rows := idle("V1", 0, 25.1, 55.2, 8, 10*time.Minute)
	rows = append(rows, idle("V1", 1, 25.3, 55.4, 5, 10*time.Minute)...)
	rows = append(rows, idle("V2", 0, 25.5, 55.6, 3, 10*time.Minute)...)

	prev := -1
	for n := 1; n <= 9; n++ {
		got := Aggregate(rows, Params{MinDuration: 4 * time.Minute, MinStopCount: n})
		if prev >= 0 && len(got) > prev {
			t.Fatalf("min stop %d produced %d points, more than %d", n, len(got), prev)
		}
		prev = len(got)
	}
	if prev != 0 {
		t.Fatalf("threshold above every group should leave nothing, got %d", prev)
	}
}

func TestSegmentTerritoriesMajority(t *testing.T) {
	points := []model.CustomerPoint{
		{VehicleID: "A", Weekday: "Monday", Lat: 25.00, Lon: 55.00, StopCount: 20},
		{VehicleID: "A", Weekday: "Tuesday", Lat: 25.01, Lon: 55.01, StopCount: 15},
		{VehicleID: "B", Weekday: "Monday", Lat: 25.005, Lon: 55.005, StopCount: 2},
		{VehicleID: "B", Weekday: "Monday", Lat: 26.00, Lon: 56.00, StopCount: 20},
		{VehicleID: "B", Weekday: "Tuesday", Lat: 26.01, Lon: 56.01, StopCount: 10},
		{VehicleID: "B", Weekday: "Friday", Lat: 25.00, Lon: 55.00, StopCount: 99},
	}
	out := SegmentTerritories(points)
	want := []string{"A", "A", "A", "B", "B", "A"}
	for i, w := range want {
		if out[i].VehicleID != w {
			t.Fatalf("point %d owner = %s, want %s (%+v)", i, out[i].VehicleID, w, out)
		}
	}
	if points[2].VehicleID != "B" {
		t.Fatalf("input was mutated")
	}
	again := SegmentTerritories(points)
	for i := range out {
		if out[i].VehicleID != again[i].VehicleID {
			t.Fatalf("non-deterministic at %d", i)
		}
	}
}

func TestSegmentTerritoriesSingleVehicleUnchanged(t *testing.T) {
	points := []model.CustomerPoint{
		{VehicleID: "A", Weekday: "Monday", Lat: 25, Lon: 55, StopCount: 5},
		{VehicleID: "A", Weekday: "Monday", Lat: 26, Lon: 56, StopCount: 5},
	}
	out := SegmentTerritories(points)
	if len(out) != 2 || out[0].VehicleID != "A" || out[1].VehicleID != "A" {
		t.Fatalf("unexpected relabel: %+v", out)
	}
}

func TestMergeEdits(t *testing.T) {
	points := []model.CustomerPoint{{VehicleID: "V1", Weekday: "Monday", Lat: 25.1, Lon: 55.2, StopCount: 7, Address: "Shop"}}
	edits := []model.CustomerEdit{
		{ID: "c1", VehicleID: "V1", Weekday: "Monday", Lat: 25.1000001, Lon: 55.2, Name: "Grocer"},
		{ID: "c2", VehicleID: "V1", Weekday: "Monday", Lat: 25.4, Lon: 55.5},
	}
	out := MergeEdits(points, edits)
	if len(out) != 2 {
		t.Fatalf("want 2 points, got %+v", out)
	}
	if out[0].CustomerID != "c1" || out[0].CustomerName != "Grocer" || out[0].StopCount != 7 {
		t.Fatalf("matched point: %+v", out[0])
	}
	if out[1].Cluster != -1 || out[1].StopCount != 1 || out[1].Address != DefaultEditAddress {
		t.Fatalf("appended point: %+v", out[1])
	}
	if points[0].CustomerID != "" {
		t.Fatalf("computed set was mutated")
	}
}

func TestEditStoreLifecycle(t *testing.T) {
	s := NewEditStore(filepath.Join(t.TempDir(), "edits", "customer_edits.csv"))
	list, err := s.List(nil, nil)
	if err != nil || len(list) != 0 {
		t.Fatalf("empty store: %v %v", list, err)
	}
	e, err := s.Add(model.CustomerEdit{VehicleID: "V1", Weekday: "monday", Lat: 25.1, Lon: 55.2, Description: "Gate 3"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if e.ID == "" || e.Weekday != "Monday" {
		t.Fatalf("added edit: %+v", e)
	}
	if _, err := s.Add(model.CustomerEdit{Weekday: "Monday"}); err == nil {
		t.Fatalf("missing vehicle should fail validation")
	}

	name := "Bakery"
	u, err := s.Update(e.ID, EditPatch{Name: &name})
	if err != nil || u.Name != "Bakery" || u.Description != "Gate 3" {
		t.Fatalf("Update: %+v %v", u, err)
	}
	if _, err := s.Update("nope", EditPatch{}); !errors.Is(err, ErrEditNotFound) {
		t.Fatalf("want ErrEditNotFound, got %v", err)
	}

	reopened := NewEditStore(s.Path)
	list, _ = reopened.List([]string{"V1"}, []string{"Monday"})
	if len(list) != 1 || list[0].Name != "Bakery" {
		t.Fatalf("persisted edits: %+v", list)
	}

	var buf bytes.Buffer
	if err := s.Export(&buf); err != nil {
		t.Fatal(err)
	}
	if n, err := s.Import(&buf); err != nil || n != 1 {
		t.Fatalf("Import: %d %v", n, err)
	}

	if _, err := s.Remove(e.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if list, _ = s.List(nil, nil); len(list) != 0 {
		t.Fatalf("remove should drop every edit with the id: %+v", list)
	}
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
}

func TestEditImportNormalisesWeekday(t *testing.T) {
	s := NewEditStore(filepath.Join(t.TempDir(), "customer_edits.csv"))
	csv := "customer_id,latitude,longitude,vehicle_id,weekday,customer_name,customer_contact,description\n" +
		"c9,25.1,55.2,V1,monday,Grocer,,\n"
	if n, err := s.Import(strings.NewReader(csv)); err != nil || n != 1 {
		t.Fatalf("Import: %d %v", n, err)
	}
	list, err := s.List([]string{"V1"}, []string{"Monday"})
	if err != nil || len(list) != 1 || list[0].Weekday != "Monday" {
		t.Fatalf("imported edit: %+v %v", list, err)
	}
	points := []model.CustomerPoint{{VehicleID: "V1", Weekday: "Monday", Lat: 25.1, Lon: 55.2, StopCount: 7}}
	merged := MergeEdits(points, list)
	if len(merged) != 1 || merged[0].CustomerName != "Grocer" {
		t.Fatalf("imported edit should merge onto the computed point: %+v", merged)
	}
}

func TestServiceCachesAndMerges(t *testing.T) {
	dir := t.TempDir()
	idlePath := filepath.Join(dir, "analysis", "idlepoints.csv")
	if err := os.MkdirAll(filepath.Dir(idlePath), 0o755); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := reports.WriteIdlePoints(&buf, idle("V1", 0, 25.1, 55.2, 5, 10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(idlePath, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	edits := NewEditStore(filepath.Join(dir, "edits.csv"))
	svc := &Service{IdlePointsPath: idlePath, CacheDir: filepath.Join(dir, "cache"), Edits: edits, Loc: dubai}
	ctx := context.Background()

	points, err := svc.Load(ctx, DefaultParams())
	if err != nil || len(points) != 1 {
		t.Fatalf("Load: %+v %v", points, err)
	}
	if _, err := os.Stat(svc.CachePath(DefaultParams())); err != nil {
		t.Fatalf("cache not written: %v", err)
	}
	cached, err := svc.Load(ctx, DefaultParams())
	if err != nil || len(cached) != 1 || cached[0].StopCount != 5 || !cached[0].FirstVisit.Equal(points[0].FirstVisit) {
		t.Fatalf("cached load: %+v %v", cached, err)
	}

	if _, err := edits.Add(model.CustomerEdit{VehicleID: "V1", Weekday: "Monday", Lat: 25.9, Lon: 55.9}); err != nil {
		t.Fatal(err)
	}
	merged, err := svc.LoadMerged(ctx, DefaultParams())
	if err != nil || len(merged) != 2 {
		t.Fatalf("LoadMerged: %+v %v", merged, err)
	}
	sum := Summary(merged)
	if sum.TotalRecords != 2 || len(sum.Rows) != 1 || sum.Rows[0].Stops != 6 || sum.Rows[0].Edited != 1 || sum.Weekdays[0] != "Monday" {
		t.Fatalf("summary: %+v", sum)
	}

	if err := svc.Invalidate(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(svc.CachePath(DefaultParams())); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("cache should be gone: %v", err)
	}
}
