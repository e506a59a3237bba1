package customers

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"fleetwatch/internal/model"
	"fleetwatch/internal/store"
)

// ErrEditNotFound is returned when no edit carries the requested customer id.
var ErrEditNotFound = errors.New("customer edit not found")

// MatchTolerance is the coordinate tolerance, in degrees, for matching an
// edit to a computed point.
const MatchTolerance = 1e-6

// DefaultEditAddress labels edits that did not match any computed point and
// carry no description.
const DefaultEditAddress = "Custom Customer Point"

var editHeader = []string{"customer_id", "latitude", "longitude", "vehicle_id", "weekday", "customer_name", "customer_contact", "description"}

func equalFoldTrim(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// MergeEdits applies edits to a computed point set without mutating it.
// Matching points (same vehicle and weekday, coordinates within
// MatchTolerance) take the edit's identity; unmatched edits are appended as
// cluster -1 points with a single stop.
func MergeEdits(points []model.CustomerPoint, edits []model.CustomerEdit) []model.CustomerPoint {
	out := make([]model.CustomerPoint, len(points))
	copy(out, points)
	for _, e := range edits {
		matched := false
		for i := range out {
			p := &out[i]
			if p.VehicleID != strings.TrimSpace(e.VehicleID) || p.Weekday != e.Weekday {
				continue
			}
			if math.Abs(p.Lat-e.Lat) >= MatchTolerance || math.Abs(p.Lon-e.Lon) >= MatchTolerance {
				continue
			}
			matched = true
			p.CustomerID = e.ID
			p.CustomerName = e.Name
			p.CustomerContact = e.Contact
			p.Description = e.Description
		}
		if matched {
			continue
		}
		addr := e.Description
		if addr == "" {
			addr = DefaultEditAddress
		}
		out = append(out, model.CustomerPoint{
			VehicleID:       strings.TrimSpace(e.VehicleID),
			Cluster:         -1,
			Weekday:         e.Weekday,
			Lat:             e.Lat,
			Lon:             e.Lon,
			Address:         addr,
			StopCount:       1,
			CustomerID:      e.ID,
			CustomerName:    e.Name,
			CustomerContact: e.Contact,
			Description:     e.Description,
		})
	}
	return out
}

// EditStore persists customer edits as a CSV file. Every mutation rewrites
// the whole file atomically; a missing file is an empty edit list.
type EditStore struct {
	Path string

	mu       sync.Mutex
	validate *validator.Validate
}

func NewEditStore(path string) *EditStore {
	return &EditStore{Path: path, validate: validator.New()}
}

// List returns edits filtered by vehicle and weekday; empty filters match all.
func (s *EditStore) List(vehicleIDs, weekdays []string) ([]model.CustomerEdit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	out := []model.CustomerEdit{}
	for _, e := range all {
		if len(vehicleIDs) > 0 && !contains(vehicleIDs, e.VehicleID) {
			continue
		}
		if len(weekdays) > 0 && !contains(weekdays, e.Weekday) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Add validates and appends an edit, generating an id when none was given.
func (s *EditStore) Add(e model.CustomerEdit) (model.CustomerEdit, error) {
	if strings.TrimSpace(e.ID) == "" {
		e.ID = uuid.NewString()
	}
	e.Weekday = weekdayName(e.Weekday)
	if err := s.validate.Struct(e); err != nil {
		return model.CustomerEdit{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return model.CustomerEdit{}, err
	}
	all = append(all, e)
	return e, s.save(all)
}

// EditPatch carries the fields an update may change; nil means unchanged.
type EditPatch struct {
	VehicleID   *string  `json:"vehicleId"`
	Weekday     *string  `json:"weekday"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	Name        *string  `json:"customerName"`
	Contact     *string  `json:"customerContact"`
	Description *string  `json:"description"`
}

// Update applies a patch to every edit with the given id and returns the
// first updated edit.
func (s *EditStore) Update(id string, p EditPatch) (model.CustomerEdit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return model.CustomerEdit{}, err
	}
	var first *model.CustomerEdit
	for i := range all {
		e := &all[i]
		if e.ID != id {
			continue
		}
		if p.VehicleID != nil {
			e.VehicleID = *p.VehicleID
		}
		if p.Weekday != nil {
			e.Weekday = weekdayName(*p.Weekday)
		}
		if p.Lat != nil {
			e.Lat = *p.Lat
		}
		if p.Lon != nil {
			e.Lon = *p.Lon
		}
		if p.Name != nil {
			e.Name = *p.Name
		}
		if p.Contact != nil {
			e.Contact = *p.Contact
		}
		if p.Description != nil {
			e.Description = *p.Description
		}
		if err := s.validate.Struct(*e); err != nil {
			return model.CustomerEdit{}, err
		}
		if first == nil {
			first = e
		}
	}
	if first == nil {
		return model.CustomerEdit{}, ErrEditNotFound
	}
	updated := *first
	return updated, s.save(all)
}

// Remove deletes every edit with the given id and returns the first removed.
func (s *EditStore) Remove(id string) (model.CustomerEdit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return model.CustomerEdit{}, err
	}
	kept := all[:0:0]
	var removed *model.CustomerEdit
	for i := range all {
		if all[i].ID == id {
			if removed == nil {
				removed = &all[i]
			}
			continue
		}
		kept = append(kept, all[i])
	}
	if removed == nil {
		return model.CustomerEdit{}, ErrEditNotFound
	}
	return *removed, s.save(kept)
}

// Clear drops every edit.
func (s *EditStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Export writes the edit file contents, header included, to w.
func (s *EditStore) Export(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return err
	}
	return writeEdits(w, all)
}

// Import appends edits read from a CSV in the export format.
func (s *EditStore) Import(r io.Reader) (int, error) {
	incoming, err := readEdits(r)
	if err != nil {
		return 0, err
	}
	for i := range incoming {
		if incoming[i].ID == "" {
			incoming[i].ID = uuid.NewString()
		}
		incoming[i].Weekday = weekdayName(incoming[i].Weekday)
		if err := s.validate.Struct(incoming[i]); err != nil {
			return 0, fmt.Errorf("row %d: %w", i+2, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(incoming), s.save(append(all, incoming...))
}

func (s *EditStore) load() ([]model.CustomerEdit, error) {
	f, err := os.Open(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return []model.CustomerEdit{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readEdits(f)
}

func (s *EditStore) save(all []model.CustomerEdit) error {
	var buf bytes.Buffer
	if err := writeEdits(&buf, all); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	return store.WriteFileAtomic(s.Path, buf.Bytes())
}

func readEdits(r io.Reader) ([]model.CustomerEdit, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read edits: %w", err)
	}
	out := []model.CustomerEdit{}
	if len(rows) == 0 {
		return out, nil
	}
	idx := map[string]int{}
	for i, h := range rows[0] {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	get := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	for _, row := range rows[1:] {
		lat, _ := strconv.ParseFloat(get(row, "latitude"), 64)
		lon, _ := strconv.ParseFloat(get(row, "longitude"), 64)
		out = append(out, model.CustomerEdit{
			ID:          get(row, "customer_id"),
			VehicleID:   get(row, "vehicle_id"),
			Weekday:     get(row, "weekday"),
			Lat:         lat,
			Lon:         lon,
			Name:        get(row, "customer_name"),
			Contact:     get(row, "customer_contact"),
			Description: get(row, "description"),
		})
	}
	return out, nil
}

func writeEdits(w io.Writer, all []model.CustomerEdit) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(editHeader); err != nil {
		return err
	}
	for _, e := range all {
		rec := []string{
			e.ID,
			strconv.FormatFloat(e.Lat, 'f', -1, 64),
			strconv.FormatFloat(e.Lon, 'f', -1, 64),
			e.VehicleID, e.Weekday, e.Name, e.Contact, e.Description,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
