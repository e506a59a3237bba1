package alerts

import (
	"context"
	"errors"
	"log"
	"time"

	"fleetwatch/internal/metrics"
)

// Job names.
const (
	JobPoll        = "alerts"
	JobPreprocess  = "preprocess"
	JobHousekeep   = "housekeeping"
	JobDailyReport = "daily_report"
)

// Clock is a local time of day.
type Clock struct {
	Hour   int `yaml:"hour" json:"hour" validate:"gte=0,lte=23"`
	Minute int `yaml:"minute" json:"minute" validate:"gte=0,lte=59"`
}

func (c Clock) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, day.Location())
}

// Schedule configures the job times.
type Schedule struct {
	PollInterval time.Duration
	// Polling is skipped from QuietStart until QuietEnd (hours, wrapping midnight).
	QuietStart  int
	QuietEnd    int
	Preprocess  Clock
	Housekeep   Clock
	DailyReport Clock
}

func DefaultSchedule() Schedule {
	return Schedule{
		PollInterval: 10 * time.Minute,
		QuietStart:   21,
		QuietEnd:     9,
		Preprocess:   Clock{Hour: 1},
		Housekeep:    Clock{Hour: 7},
		DailyReport:  Clock{Hour: 21, Minute: 30},
	}
}

// Quiet reports whether t falls in the polling quiet hours.
func (s Schedule) Quiet(t time.Time) bool {
	h := t.Hour()
	if s.QuietStart == s.QuietEnd {
		return false
	}
	if s.QuietStart > s.QuietEnd {
		return h >= s.QuietStart || h < s.QuietEnd
	}
	return h >= s.QuietStart && h < s.QuietEnd
}

// Scheduler drives the engine and the nightly preprocessing from one loop.
type Scheduler struct {
	Engine     *Engine
	Preprocess func(ctx context.Context) error
	Schedule   Schedule
	// Tick is the loop granularity; defaults to one minute.
	Tick time.Duration
	Now  func() time.Time

	lastPoll time.Time
	lastRun  map[string]string
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return s.Engine.now()
}

type daily struct {
	name string
	at   Clock
	run  func(ctx context.Context) error
}

func (s *Scheduler) dailyJobs() []daily {
	jobs := []daily{
		{JobHousekeep, s.Schedule.Housekeep, s.Engine.Housekeep},
		{JobDailyReport, s.Schedule.DailyReport, s.Engine.DailyReport},
	}
	if s.Preprocess != nil {
		jobs = append([]daily{{JobPreprocess, s.Schedule.Preprocess, s.Preprocess}}, jobs...)
	}
	return jobs
}

// Run loops until ctx is cancelled. Daily jobs whose time already passed
// today when Run starts wait for tomorrow.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := s.Tick
	if tick <= 0 {
		tick = time.Minute
	}
	s.prime(s.now())
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	log.Printf("scheduler: started, polling every %s", s.Schedule.PollInterval)
	s.Step(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Step(ctx)
		}
	}
}

func (s *Scheduler) prime(now time.Time) {
	s.lastRun = map[string]string{}
	for _, j := range s.dailyJobs() {
		if !now.Before(j.at.on(now)) {
			s.lastRun[j.name] = now.Format("2006-01-02")
		}
	}
}

// Step runs whatever is due at the current time and returns the job names run.
func (s *Scheduler) Step(ctx context.Context) []string {
	if s.lastRun == nil {
		s.lastRun = map[string]string{}
	}
	now := s.now()
	var ran []string
	interval := s.Schedule.PollInterval
	if interval <= 0 {
		interval = DefaultSchedule().PollInterval
	}
	if !s.Schedule.Quiet(now) && (s.lastPoll.IsZero() || now.Sub(s.lastPoll) >= interval) {
		s.lastPoll = now
		s.runJob(ctx, JobPoll, s.poll)
		ran = append(ran, JobPoll)
	}
	today := now.Format("2006-01-02")
	for _, j := range s.dailyJobs() {
		if s.lastRun[j.name] == today || now.Before(j.at.on(now)) {
			continue
		}
		s.lastRun[j.name] = today
		s.runJob(ctx, j.name, j.run)
		ran = append(ran, j.name)
	}
	return ran
}

func (s *Scheduler) poll(ctx context.Context) error {
	res, err := s.Engine.Poll(ctx)
	log.Printf("scheduler: poll dispatched=%d duplicate=%d suppressed=%d failed=%d",
		res.Total(OutcomeDispatched), res.Total(OutcomeDuplicate), res.Total(OutcomeSuppressed), res.Total(OutcomeFailed))
	return err
}

// RunOnce runs every job immediately, ignoring quiet hours, and returns the
// joined job errors.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	jobs := []daily{{JobPoll, Clock{}, s.poll}}
	if s.Preprocess != nil {
		jobs = append([]daily{{JobPreprocess, Clock{}, s.Preprocess}}, jobs...)
	}
	jobs = append(jobs, daily{JobDailyReport, Clock{}, s.Engine.DailyReport}, daily{JobHousekeep, Clock{}, s.Engine.Housekeep})
	for _, j := range jobs {
		if err := s.runJob(ctx, j.name, j.run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) runJob(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	status := "ok"
	if err != nil {
		status = "error"
		log.Printf("scheduler: %s failed after %s: %v", name, time.Since(start).Round(time.Millisecond), err)
	} else {
		log.Printf("scheduler: %s completed in %s", name, time.Since(start).Round(time.Millisecond))
	}
	metrics.JobRuns.WithLabelValues(name, status).Inc()
	return err
}
