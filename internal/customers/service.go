package customers

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"fleetwatch/internal/model"
	"fleetwatch/internal/reports"
	"fleetwatch/internal/store"
)

var cacheHeader = []string{"Vehicle No", "GeoCluster", "Weekday", "Latitude", "Longitude", "Address", "StopCount", "FirstVisit", "LastVisit"}

// Service computes customer points from the idle-points table, caching each
// parameter tuple as a CSV next to the table. A cache older than the table
// is recomputed.
type Service struct {
	IdlePointsPath string
	CacheDir       string
	Edits          *EditStore
	Loc            *time.Location

	mu sync.Mutex
}

func (s *Service) location() *time.Location {
	if s.Loc == nil {
		return time.Local
	}
	return s.Loc
}

// CachePath returns the cache file for a parameter tuple.
func (s *Service) CachePath(p Params) string {
	return filepath.Join(s.CacheDir, p.CacheKey()+".csv")
}

// Load returns the computed points for p, without edits.
func (s *Service) Load(ctx context.Context, p Params) ([]model.CustomerPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.CachePath(p)
	if fresh(path, s.IdlePointsPath) {
		points, err := readCache(path, s.location())
		if err == nil {
			return points, nil
		}
		log.Printf("customers: ignoring unreadable cache %s: %v", path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := reports.LoadIdlePoints(s.IdlePointsPath, s.location())
	if err != nil {
		return nil, fmt.Errorf("load idle points: %w", err)
	}
	points := Aggregate(rows, p)
	if p.SegmentAreas {
		points = SegmentTerritories(points)
	}

	var buf bytes.Buffer
	if err := writeCache(&buf, points); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.CacheDir, 0o755); err != nil {
		return nil, err
	}
	if err := store.WriteFileAtomic(path, buf.Bytes()); err != nil {
		log.Printf("customers: cache write %s failed: %v", path, err)
	}
	log.Printf("customers: computed %d points for %s", len(points), p.CacheKey())
	return points, nil
}

// LoadMerged returns the computed points for p with the stored edits applied.
func (s *Service) LoadMerged(ctx context.Context, p Params) ([]model.CustomerPoint, error) {
	points, err := s.Load(ctx, p)
	if err != nil {
		return nil, err
	}
	if s.Edits == nil {
		return points, nil
	}
	edits, err := s.Edits.List(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("load edits: %w", err)
	}
	return MergeEdits(points, edits), nil
}

// Invalidate removes every cached tuple.
func (s *Service) Invalidate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches, err := filepath.Glob(filepath.Join(s.CacheDir, "cust_*.csv"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// SummaryRow counts points and stops per vehicle and weekday.
type SummaryRow struct {
	VehicleID string `json:"vehicleId"`
	Weekday   string `json:"weekday"`
	Points    int    `json:"points"`
	Stops     int    `json:"stops"`
	Edited    int    `json:"edited"`
}

// PointSummary describes a customer-point set.
type PointSummary struct {
	TotalRecords int          `json:"total_records"`
	Vehicles     []string     `json:"vehicles"`
	Weekdays     []string     `json:"weekdays"`
	Rows         []SummaryRow `json:"rows"`
}

// Summary groups points by vehicle and weekday, weekdays in calendar order.
func Summary(points []model.CustomerPoint) PointSummary {
	type key struct{ v, d string }
	rows := map[key]*SummaryRow{}
	vehicles := map[string]struct{}{}
	days := map[string]struct{}{}
	for _, p := range points {
		vehicles[p.VehicleID] = struct{}{}
		days[p.Weekday] = struct{}{}
		k := key{p.VehicleID, p.Weekday}
		r := rows[k]
		if r == nil {
			r = &SummaryRow{VehicleID: p.VehicleID, Weekday: p.Weekday}
			rows[k] = r
		}
		r.Points++
		r.Stops += p.StopCount
		if p.CustomerID != "" {
			r.Edited++
		}
	}
	sum := PointSummary{TotalRecords: len(points), Vehicles: []string{}, Weekdays: []string{}, Rows: make([]SummaryRow, 0, len(rows))}
	for v := range vehicles {
		sum.Vehicles = append(sum.Vehicles, v)
	}
	sort.Strings(sum.Vehicles)
	for d := range days {
		sum.Weekdays = append(sum.Weekdays, d)
	}
	sort.Slice(sum.Weekdays, func(i, j int) bool { return weekdayIndex(sum.Weekdays[i]) < weekdayIndex(sum.Weekdays[j]) })
	for _, r := range rows {
		sum.Rows = append(sum.Rows, *r)
	}
	sort.Slice(sum.Rows, func(i, j int) bool {
		a, b := sum.Rows[i], sum.Rows[j]
		if a.VehicleID != b.VehicleID {
			return a.VehicleID < b.VehicleID
		}
		return weekdayIndex(a.Weekday) < weekdayIndex(b.Weekday)
	})
	return sum
}

func weekdayIndex(s string) int {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if d.String() == s {
			return int(d)
		}
	}
	return 7
}

// fresh reports whether the cache exists and is not older than its source.
func fresh(cache, source string) bool {
	ci, err := os.Stat(cache)
	if err != nil {
		return false
	}
	si, err := os.Stat(source)
	if err != nil {
		return true
	}
	return !ci.ModTime().Before(si.ModTime())
}

func writeCache(w io.Writer, points []model.CustomerPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(cacheHeader); err != nil {
		return err
	}
	for _, p := range points {
		rec := []string{
			p.VehicleID,
			strconv.Itoa(p.Cluster),
			p.Weekday,
			strconv.FormatFloat(p.Lat, 'f', -1, 64),
			strconv.FormatFloat(p.Lon, 'f', -1, 64),
			p.Address,
			strconv.Itoa(p.StopCount),
			formatVisit(p.FirstVisit),
			formatVisit(p.LastVisit),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatVisit(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}

func readCache(path string, loc *time.Location) ([]model.CustomerPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows[0]) != len(cacheHeader) {
		return nil, errors.New("unexpected cache header")
	}
	out := make([]model.CustomerPoint, 0, len(rows)-1)
	for _, r := range rows[1:] {
		cluster, _ := strconv.Atoi(r[1])
		lat, err1 := strconv.ParseFloat(r[3], 64)
		lon, err2 := strconv.ParseFloat(r[4], 64)
		count, _ := strconv.Atoi(r[6])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, model.CustomerPoint{
			VehicleID:  strings.TrimSpace(r[0]),
			Cluster:    cluster,
			Weekday:    strings.TrimSpace(r[2]),
			Lat:        lat,
			Lon:        lon,
			Address:    r[5],
			StopCount:  count,
			FirstVisit: reports.ParseTime(r[7], loc),
			LastVisit:  reports.ParseTime(r[8], loc),
		})
	}
	return out, nil
}
