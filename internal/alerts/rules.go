package alerts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fleetwatch/internal/compare"
	"fleetwatch/internal/model"
	"fleetwatch/internal/reports"
	"fleetwatch/internal/store"
)

// Default geofence names.
const (
	DefaultHomeGeofence = "Oxy Office"
	discLayout          = "2006-01-02 15:04"
)

var DefaultAuthorizedGeofences = []string{"Oxy Office", "Staff Accomodation"}

// MapLink and StreetLink point a map client at a coordinate.
func MapLink(lat, lon float64) string {
	return fmt.Sprintf("https://www.google.com/maps/@?api=1&map_action=map&center=%v,%v&zoom=15", lat, lon)
}

func StreetLink(lat, lon float64) string {
	return fmt.Sprintf("https://www.google.com/maps/@?api=1&map_action=pano&viewpoint=%v,%v", lat, lon)
}

// missing reports whether err means the report has not been exported yet.
func missing(err error) bool { return errors.Is(err, os.ErrNotExist) }

func clockOr(t time.Time, fallback string) string {
	if t.IsZero() {
		return fallback
	}
	return t.Format("15:04")
}

func discTime(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.Format(discLayout)
}

// locate appends map links for the vehicle's latest position to label.
// addressLabel replaces label with the ping's address when one is known.
func (e *Engine) locate(ctx context.Context, vehicleID, label string, addressLabel bool) string {
	if e.Locator == nil {
		return label
	}
	p, ok := e.Locator.LatestLocation(ctx, vehicleID)
	if !ok || !p.HasLocation() {
		return label
	}
	if addressLabel && p.Address != "" {
		label = p.Address
	}
	return fmt.Sprintf("%s\nMAP: %s\nSTREET: %s", label, MapLink(p.Lat, p.Lon), StreetLink(p.Lat, p.Lon))
}

func (e *Engine) idleCandidates(ctx context.Context, now time.Time) ([]candidate, error) {
	rows, err := reports.ReadIdleReport(e.Reports.OverIdle, e.location())
	if missing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	limit := time.Duration(e.Thresholds.IdleMinutes) * time.Minute
	var out []candidate
	for _, r := range rows {
		if r.Duration <= limit {
			continue
		}
		r := r
		out = append(out, candidate{
			Type:      model.AlertIdle,
			VehicleID: r.VehicleID,
			Driver:    r.Driver,
			Disc:      discTime(r.IdleFrom),
			message: func(ctx context.Context) string {
				return fmt.Sprintf("🚨 IDLE ALERT\n%s stopped %s\nFrom: %s To: %s\nAt: %s",
					e.Directory.Alias(r.VehicleID), reports.FormatClock(r.Duration),
					clockOr(r.IdleFrom, "N/A"), clockOr(r.IdleTill, "N/A"),
					e.locate(ctx, r.VehicleID, r.Location, true))
			},
		})
	}
	return out, nil
}

func (e *Engine) violationCandidates(ctx context.Context, now time.Time) ([]candidate, error) {
	rows, err := reports.ReadPerformance(e.Reports.Performance, e.location())
	if missing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, r := range rows {
		total := r.Violations()
		if total <= e.Thresholds.Violations {
			continue
		}
		r := r
		markKey := r.Driver + "_" + r.VehicleID
		out = append(out, candidate{
			Type:      model.AlertViolation,
			VehicleID: r.VehicleID,
			Driver:    r.Driver,
			Disc:      strconv.Itoa(total),
			gate: func(ctx context.Context) (bool, error) {
				prev, err := e.highWater(ctx, markKey)
				return total > prev, err
			},
			message: func(ctx context.Context) string {
				return fmt.Sprintf("⚠️ VIOLATION ALERT\n%s (%s)\nTotal: %d (HB:%d HA:%d OS:%d)",
					r.Driver, e.Directory.Alias(r.VehicleID), total, r.HarshBrake, r.HarshAcceleration, r.OverSpeed)
			},
			commit: func(ctx context.Context) error {
				return e.Store.Put(ctx, store.BucketViolations, store.Entry{Key: markKey, Value: strconv.Itoa(total), At: e.now()})
			},
		})
	}
	return out, nil
}

// highWater returns the largest violation total already alerted for a
// driver/vehicle pair, zero when none.
func (e *Engine) highWater(ctx context.Context, key string) (int, error) {
	ent, err := e.Store.Get(ctx, store.BucketViolations, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(ent.Value)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// today compares every aliased vehicle's driving so far today against its plan.
func (e *Engine) today(ctx context.Context, now time.Time, vehicleIDs []string) (compare.Report, error) {
	if e.Comparer == nil {
		return compare.Report{}, errors.New("no route comparer configured")
	}
	rep := e.Comparer.Compare(ctx, compare.Request{VehicleIDs: vehicleIDs, Current: compare.Window{Day: now}})
	if rep.Error != "" {
		return rep, errors.New(rep.Error)
	}
	return rep, nil
}

func (e *Engine) deviationCandidates(ctx context.Context, now time.Time) ([]candidate, error) {
	ids := e.Directory.AliasedVehicles()
	if len(ids) == 0 {
		return nil, nil
	}
	rep, err := e.today(ctx, now, ids)
	if err != nil {
		return nil, err
	}
	day := now.Format("2006-01-02")
	var out []candidate
	for _, res := range rep.Results {
		if res.Label != model.LabelCurrent || res.MaxDeviation <= e.Thresholds.DeviationMetres {
			continue
		}
		res := res
		logKey := res.VehicleID + "_" + day
		out = append(out, candidate{
			Type:      model.AlertRouteDeviation,
			VehicleID: res.VehicleID,
			Disc:      strconv.FormatFloat(res.MaxDeviation, 'f', -1, 64),
			gate: func(ctx context.Context) (bool, error) {
				_, err := e.Store.Get(ctx, store.BucketDeviation, logKey)
				if errors.Is(err, store.ErrNotFound) {
					return true, nil
				}
				return false, err
			},
			message: func(ctx context.Context) string {
				return fmt.Sprintf("🛤️ ROUTE DEVIATION\n%s exceeded %.0fm\nMax deviation: %.0fm\nRoute alignment: %.1f%%\nRoute coverage: %.1f%%\nDistance: %.1fkm (Planned: %.1fkm)\nVisits: %d/%d (%.1f%%)",
					e.Directory.Alias(res.VehicleID), e.Thresholds.DeviationMetres, res.MaxDeviation,
					res.Alignment, res.Coverage, res.ActualDistance, res.PlannedDistance,
					res.VisitedPoints, res.TotalPoints, res.VisitPercentage)
			},
			commit: func(ctx context.Context) error {
				return e.Store.Put(ctx, store.BucketDeviation, store.Entry{Key: logKey, Value: strconv.FormatFloat(res.MaxDeviation, 'f', -1, 64), At: e.now()})
			},
		})
	}
	return out, nil
}

func (e *Engine) homeGeofence() string {
	if e.HomeGeofence == "" {
		return DefaultHomeGeofence
	}
	return e.HomeGeofence
}

func (e *Engine) authorized(name string) bool {
	list := e.AuthorizedGeofences
	if list == nil {
		list = DefaultAuthorizedGeofences
	}
	for _, a := range list {
		if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (e *Engine) earlyReturnCandidates(ctx context.Context, now time.Time) ([]candidate, error) {
	if h := now.Hour(); h < 9 || h >= 16 {
		return nil, nil
	}
	visits, err := reports.ReadGeofence(e.Reports.Geofence, e.location())
	if missing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	perf, err := reports.ReadPerformance(e.Reports.Performance, e.location())
	if missing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	byVehicle := map[string]model.PerformanceRow{}
	for _, p := range perf {
		if _, ok := byVehicle[p.VehicleID]; !ok {
			byVehicle[p.VehicleID] = p
		}
	}
	var out []candidate
	for _, v := range visits {
		if v.Geofence != e.homeGeofence() || v.In.IsZero() || v.Out.IsZero() {
			continue
		}
		if v.Out.Hour() < 9 || v.Out.Hour() >= 16 || v.In.Hour() >= 16 || !sameDay(v.In, v.Out) {
			continue
		}
		p, ok := byVehicle[v.VehicleID]
		if !ok {
			continue
		}
		v := v
		out = append(out, candidate{
			Type:      model.AlertEarlyReturn,
			VehicleID: v.VehicleID,
			Driver:    v.Driver,
			message: func(ctx context.Context) string {
				visited := 0
				if rep, err := e.today(ctx, e.now(), []string{v.VehicleID}); err == nil {
					if r, ok := rep.Get(v.VehicleID, model.LabelCurrent); ok {
						visited = r.VisitedPoints
					}
				}
				return fmt.Sprintf("⏰ EARLY RETURN\n%s (%s) returned at %s\nCustomers: %d\nViolations: HB:%d HA:%d OS:%d",
					e.Directory.Alias(v.VehicleID), v.Driver, v.In.Format("15:04"), visited,
					p.HarshBrake, p.HarshAcceleration, p.OverSpeed)
			},
		})
	}
	return out, nil
}

func (e *Engine) geofenceCandidates(ctx context.Context, now time.Time) ([]candidate, error) {
	visits, err := reports.ReadGeofence(e.Reports.Geofence, e.location())
	if missing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, v := range visits {
		if !v.Out.IsZero() || strings.TrimSpace(v.Geofence) == "" || e.authorized(v.Geofence) {
			continue
		}
		v := v
		out = append(out, candidate{
			Type:      model.AlertUnauthorizedGeofence,
			VehicleID: v.VehicleID,
			Driver:    v.Driver,
			Disc:      v.Geofence + "_" + discTime(v.In),
			message: func(ctx context.Context) string {
				elapsed := v.Elapsed
				if elapsed == "" {
					elapsed = "Unknown"
				}
				return fmt.Sprintf("🚩 UNAUTHORIZED AREA\n%s (%s) in competitor area\nLocation: %s\nSince: %s\nDuration: %s",
					e.Directory.Alias(v.VehicleID), v.Driver, e.locate(ctx, v.VehicleID, v.Geofence, false),
					clockOr(v.In, "Unknown"), elapsed)
			},
		})
	}
	return out, nil
}
