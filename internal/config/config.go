// Package config loads fleetwatch settings from a YAML file, a .env file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when FLEETWATCH_CONFIG is unset.
const DefaultPath = "settings.yaml"

type Settings struct {
	Port     string `yaml:"port" validate:"required,numeric"`
	TimeZone string `yaml:"timezone" validate:"required"`
	DataDir  string `yaml:"data_dir" validate:"required"`

	Paths      Paths      `yaml:"paths"`
	Store      Store      `yaml:"store"`
	Gateway    Gateway    `yaml:"gateway"`
	Alerts     Alerts     `yaml:"alerts"`
	Preprocess Preprocess `yaml:"preprocess"`
	Customers  Customers  `yaml:"customers"`
	Compare    Compare    `yaml:"compare"`
}

// Paths are resolved against DataDir when relative.
type Paths struct {
	TravelCurrent string `yaml:"travel_current"`
	TravelPast    string `yaml:"travel_past"`
	History       string `yaml:"history"`
	IdlePoints    string `yaml:"idle_points"`
	CustomerCache string `yaml:"customer_cache"`
	CustomerEdits string `yaml:"customer_edits"`
	Routes        string `yaml:"routes"`
	OverIdle      string `yaml:"over_idle"`
	Performance   string `yaml:"performance"`
	Geofence      string `yaml:"geofence"`
	Contacts      string `yaml:"contacts"`
	Aliases       string `yaml:"aliases"`
	State         string `yaml:"state"`
}

type Store struct {
	Backend     string `yaml:"backend" validate:"oneof=memory file postgres redis"`
	DatabaseURL string `yaml:"database_url" validate:"required_if=Backend postgres"`
	RedisURL    string `yaml:"redis_url" validate:"required_if=Backend redis"`
}

type Gateway struct {
	URL    string  `yaml:"url" validate:"omitempty,url"`
	Secret string  `yaml:"secret"`
	RPS    float64 `yaml:"rps" validate:"gte=0"`
}

type Alerts struct {
	IdleMinutes         int      `yaml:"idle_minutes" validate:"gt=0"`
	Violations          int      `yaml:"violations" validate:"gt=0"`
	DeviationMetres     float64  `yaml:"deviation_metres" validate:"gt=0"`
	HomeGeofence        string   `yaml:"home_geofence" validate:"required"`
	AuthorizedGeofences []string `yaml:"authorized_geofences"`
	PollMinutes         int      `yaml:"poll_minutes" validate:"gt=0"`
	QuietStart          int      `yaml:"quiet_start" validate:"gte=0,lte=23"`
	QuietEnd            int      `yaml:"quiet_end" validate:"gte=0,lte=23"`
	PreprocessAt        string   `yaml:"preprocess_at" validate:"datetime=15:04"`
	HousekeepAt         string   `yaml:"housekeep_at" validate:"datetime=15:04"`
	DailyReportAt       string   `yaml:"daily_report_at" validate:"datetime=15:04"`
}

type Preprocess struct {
	WindowDays      int     `yaml:"window_days" validate:"gt=0"`
	ClusterRadius   float64 `yaml:"cluster_radius" validate:"gt=0"`
	TruncateHistory bool    `yaml:"truncate_history"`
}

type Customers struct {
	MinDurationMinutes int  `yaml:"min_duration_minutes" validate:"gte=0"`
	MinStopCount       int  `yaml:"min_stop_count" validate:"gte=1"`
	SegmentAreas       bool `yaml:"segment_areas"`
}

type Compare struct {
	Tolerance   float64 `yaml:"tolerance" validate:"gt=0"`
	VisitRadius float64 `yaml:"visit_radius" validate:"gt=0"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Port:     "8080",
		TimeZone: "Asia/Dubai",
		DataDir:  "data",
		Paths: Paths{
			TravelCurrent: "travelreport/current.csv",
			TravelPast:    "travelreport/past.csv",
			History:       "travelreport/history.csv",
			IdlePoints:    "idle_points.csv",
			CustomerCache: "customer_points",
			CustomerEdits: "customer_edits.csv",
			Routes:        "planned_routes.geojson",
			OverIdle:      "exidlereport/current.csv",
			Performance:   "driverperformance/current.csv",
			Geofence:      "geofence/current.csv",
			Contacts:      "phone_numbers.json",
			Aliases:       "driver_names.json",
			State:         "alerts",
		},
		Store:   Store{Backend: "file"},
		Gateway: Gateway{RPS: 1},
		Alerts: Alerts{
			IdleMinutes:         20,
			Violations:          12,
			DeviationMetres:     4000,
			HomeGeofence:        "Oxy Office",
			AuthorizedGeofences: []string{"Oxy Office", "Staff Accomodation"},
			PollMinutes:         10,
			QuietStart:          21,
			QuietEnd:            9,
			PreprocessAt:        "01:00",
			HousekeepAt:         "07:00",
			DailyReportAt:       "21:30",
		},
		Preprocess: Preprocess{WindowDays: 70, ClusterRadius: 25},
		Customers:  Customers{MinDurationMinutes: 4, MinStopCount: 5},
		Compare:    Compare{Tolerance: 500, VisitRadius: 500},
	}
}

// Load reads .env (if present), the YAML file at FLEETWATCH_CONFIG or
// DefaultPath (if present), applies environment overrides and validates.
func Load() (Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config: .env: %v", err)
	}
	return LoadFile(getEnv("FLEETWATCH_CONFIG", DefaultPath))
}

// LoadFile is Load without the .env step. A missing file yields the defaults.
func LoadFile(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return s, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	s.applyEnv()
	s.resolvePaths()
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func (s *Settings) applyEnv() {
	s.Port = getEnv("PORT", s.Port)
	s.TimeZone = getEnv("FLEETWATCH_TZ", s.TimeZone)
	s.DataDir = getEnv("FLEETWATCH_DATA_DIR", s.DataDir)
	s.Store.Backend = getEnv("FLEETWATCH_STORE", s.Store.Backend)
	s.Store.DatabaseURL = getEnv("DATABASE_URL", s.Store.DatabaseURL)
	s.Store.RedisURL = getEnv("REDIS_URL", s.Store.RedisURL)
	s.Gateway.URL = getEnv("WHATSAPP_SERVER_URL", s.Gateway.URL)
	s.Gateway.Secret = getEnv("WHATSAPP_SECRET", s.Gateway.Secret)
	s.Gateway.RPS = getEnvFloat("GATEWAY_RPS", s.Gateway.RPS)
	s.Preprocess.WindowDays = getEnvInt("PREPROCESS_WINDOW_DAYS", s.Preprocess.WindowDays)
}

func (s *Settings) resolvePaths() {
	for _, p := range []*string{
		&s.Paths.TravelCurrent, &s.Paths.TravelPast, &s.Paths.History, &s.Paths.IdlePoints,
		&s.Paths.CustomerCache, &s.Paths.CustomerEdits, &s.Paths.Routes, &s.Paths.OverIdle,
		&s.Paths.Performance, &s.Paths.Geofence, &s.Paths.Contacts, &s.Paths.Aliases, &s.Paths.State,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(s.DataDir, *p)
		}
	}
}

var validate = validator.New()

// Validate checks struct tags and the time zone.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// Location loads the configured time zone.
func (s Settings) Location() (*time.Location, error) {
	return time.LoadLocation(s.TimeZone)
}

// Clock splits an "HH:MM" setting.
func Clock(v string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock %q: %w", v, err)
	}
	return t.Hour(), t.Minute(), nil
}

// Redacted returns a copy safe to expose on a debug endpoint.
func (s Settings) Redacted() Settings {
	if s.Gateway.Secret != "" {
		s.Gateway.Secret = "***"
	}
	if s.Store.DatabaseURL != "" {
		s.Store.DatabaseURL = "***"
	}
	if s.Store.RedisURL != "" {
		s.Store.RedisURL = "***"
	}
	return s
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
