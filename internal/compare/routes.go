package compare

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"fleetwatch/internal/geo"
	"fleetwatch/internal/model"
)

// RouteFile reads planned routes from a GeoJSON FeatureCollection on every
// call, so a regenerated file is picked up without a restart.
type RouteFile struct {
	Path string
}

func (f *RouteFile) Routes(ctx context.Context) ([]model.PlannedRoute, error) {
	return LoadRoutes(f.Path)
}

// LoadRoutes parses a planned-route FeatureCollection. Features without a
// LineString geometry are skipped.
func LoadRoutes(path string) ([]model.PlannedRoute, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]model.PlannedRoute, 0, len(fc.Features))
	for _, f := range fc.Features {
		ls, ok := f.Geometry.(orb.LineString)
		if !ok {
			continue
		}
		r := model.PlannedRoute{
			VehicleID: propString(f.Properties, "vehicle_id"),
			Weekday:   propString(f.Properties, "weekday"),
			Coords:    make([][2]float64, 0, len(ls)),
		}
		for _, p := range ls {
			r.Coords = append(r.Coords, [2]float64{p[0], p[1]})
		}
		if v, ok := f.Properties["total_distance_km"].(float64); ok {
			r.TotalDistanceKm = v
		} else {
			r.TotalDistanceKm = geo.Round(geo.PathLength(r.Coords)/1000, 2)
		}
		if names, ok := f.Properties["ordered_street_names"].([]interface{}); ok {
			for _, n := range names {
				r.Streets = append(r.Streets, fmt.Sprint(n))
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// propString renders a property as text; numeric vehicle ids come back as
// float64 from the decoder.
func propString(p geojson.Properties, key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// FindRoute returns the route for a vehicle and weekday, comparing both
// case- and whitespace-insensitively.
func FindRoute(routes []model.PlannedRoute, vehicleID, weekday string) (model.PlannedRoute, bool) {
	vid := strings.TrimSpace(vehicleID)
	day := strings.ToLower(strings.TrimSpace(weekday))
	for _, r := range routes {
		if strings.TrimSpace(r.VehicleID) == vid && strings.ToLower(strings.TrimSpace(r.Weekday)) == day {
			return r, true
		}
	}
	return model.PlannedRoute{}, false
}
