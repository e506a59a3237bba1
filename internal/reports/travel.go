package reports

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fleetwatch/internal/model"
)

// TravelSource serves telemetry windows from the two rolling exports: the
// current file covers today, the past file everything before.
type TravelSource struct {
	CurrentPath string
	PastPath    string
	Loc         *time.Location
	Now         func() time.Time
}

func (s *TravelSource) now() time.Time {
	if s.Now != nil {
		return s.Now().In(s.location())
	}
	return time.Now().In(s.location())
}

func (s *TravelSource) location() *time.Location {
	if s.Loc == nil {
		return time.Local
	}
	return s.Loc
}

// PathFor returns the export covering day: current for today or later, past otherwise.
func (s *TravelSource) PathFor(day time.Time) string {
	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location())
	d := day.In(s.location())
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, s.location())
	if d.Before(today) {
		return s.PastPath
	}
	return s.CurrentPath
}

// Window returns pings for the vehicles (all when empty) whose timestamp falls
// in [start, end], ordered by time. The file is chosen from start's date.
func (s *TravelSource) Window(ctx context.Context, vehicleIDs []string, start, end time.Time) ([]model.Ping, error) {
	path := s.PathFor(start)
	pings, err := LoadPings(path, s.location())
	if err != nil {
		return nil, fmt.Errorf("travel report %s: %w", path, err)
	}
	return FilterWindow(pings, vehicleIDs, start, end), nil
}

// FilterWindow keeps pings for the given vehicles inside [start, end] and sorts
// them by time, preserving source order on ties.
func FilterWindow(pings []model.Ping, vehicleIDs []string, start, end time.Time) []model.Ping {
	want := map[string]struct{}{}
	for _, id := range vehicleIDs {
		want[id] = struct{}{}
	}
	out := []model.Ping{}
	for _, p := range pings {
		if p.Time.IsZero() || p.Time.Before(start) || p.Time.After(end) {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[p.VehicleID]; !ok {
				continue
			}
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// LatestLocation returns the most recent located ping for a vehicle in the current export.
func (s *TravelSource) LatestLocation(ctx context.Context, vehicleID string) (model.Ping, bool) {
	pings, err := LoadPings(s.CurrentPath, s.location())
	if err != nil {
		return model.Ping{}, false
	}
	var best model.Ping
	found := false
	for _, p := range pings {
		if p.VehicleID != vehicleID || !p.HasLocation() || p.Time.IsZero() {
			continue
		}
		if !found || p.Time.After(best.Time) {
			best = p
			found = true
		}
	}
	return best, found
}

// Vehicles lists every vehicle id present in the current export.
func (s *TravelSource) Vehicles(ctx context.Context) ([]string, error) {
	pings, err := LoadPings(s.CurrentPath, s.location())
	if err != nil {
		return nil, err
	}
	return VehicleIDs(pings), nil
}
