// Package alerts evaluates threshold rules over the fleet reports and
// dispatches deduplicated notifications to the contact directory.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"fleetwatch/internal/compare"
	"fleetwatch/internal/directory"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/model"
	"fleetwatch/internal/notify"
	"fleetwatch/internal/store"
)

// Outcomes of a single alert candidate.
const (
	OutcomeDuplicate  = "duplicate"
	OutcomeSuppressed = "suppressed"
	OutcomeGated      = "gated"
	OutcomeDispatched = "dispatched"
	OutcomeFailed     = "failed"
	OutcomeNoContacts = "no_recipients"
)

// Directory supplies recipients and display names.
type Directory interface {
	Contacts() ([]directory.Contact, error)
	Alias(vehicleID string) string
	AliasedVehicles() []string
}

// Locator returns a vehicle's latest known position.
type Locator interface {
	LatestLocation(ctx context.Context, vehicleID string) (model.Ping, bool)
}

// Comparer runs a route comparison.
type Comparer interface {
	Compare(ctx context.Context, req compare.Request) compare.Report
}

// Publisher receives every dispatched alert.
type Publisher interface {
	PublishAlert(ev model.AlertEvent)
}

// Thresholds configures the rules.
type Thresholds struct {
	IdleMinutes     int
	Violations      int
	DeviationMetres float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{IdleMinutes: 20, Violations: 12, DeviationMetres: 4000}
}

// ReportPaths locates the current report exports.
type ReportPaths struct {
	OverIdle    string
	Performance string
	Geofence    string
}

// Engine runs the alert rules. Store, Sender and Directory are required.
type Engine struct {
	Store      store.Store
	Sender     notify.Sender
	Directory  Directory
	Locator    Locator
	Comparer   Comparer
	Publisher  Publisher
	Reports    ReportPaths
	Thresholds Thresholds
	// AuthorizedGeofences never raise UNAUTHORIZED_GEOFENCE.
	AuthorizedGeofences []string
	// HomeGeofence is the depot whose exit and re-entry is an early return.
	HomeGeofence string
	Loc          *time.Location
	Now          func() time.Time
}

func (e *Engine) now() time.Time {
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	return now.In(e.location())
}

func (e *Engine) location() *time.Location {
	if e.Loc == nil {
		return time.Local
	}
	return e.Loc
}

func (e *Engine) dedup() *Deduper { return &Deduper{KV: e.Store, Now: e.now} }

// candidate is one alert identity produced by a rule.
type candidate struct {
	Type      model.AlertType
	VehicleID string
	Driver    string
	Disc      string
	// gate is an extra rule-specific condition checked after both dedup layers.
	gate    func(ctx context.Context) (bool, error)
	message func(ctx context.Context) string
	// commit runs after at least one successful delivery.
	commit func(ctx context.Context) error
}

// Counts tallies candidate outcomes.
type Counts map[string]int

// PollResult holds the outcome counts per alert type.
type PollResult map[model.AlertType]Counts

func (r PollResult) add(t model.AlertType, outcome string) {
	if r[t] == nil {
		r[t] = Counts{}
	}
	r[t][outcome]++
}

// Total returns how many candidates of any type ended with outcome.
func (r PollResult) Total(outcome string) int {
	n := 0
	for _, c := range r {
		n += c[outcome]
	}
	return n
}

type rule struct {
	t    model.AlertType
	eval func(ctx context.Context, now time.Time) ([]candidate, error)
}

func (e *Engine) rules() []rule {
	return []rule{
		{model.AlertIdle, e.idleCandidates},
		{model.AlertViolation, e.violationCandidates},
		{model.AlertRouteDeviation, e.deviationCandidates},
		{model.AlertEarlyReturn, e.earlyReturnCandidates},
		{model.AlertUnauthorizedGeofence, e.geofenceCandidates},
	}
}

// Poll evaluates every rule once. A failing rule is logged and does not stop
// the others; rule errors are joined into the returned error.
func (e *Engine) Poll(ctx context.Context) (PollResult, error) {
	res := PollResult{}
	var errs []error
	for _, r := range e.rules() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cands, err := r.eval(ctx, e.now())
		if err != nil {
			log.Printf("alerts: %s rule: %v", r.t, err)
			errs = append(errs, fmt.Errorf("%s: %w", r.t, err))
			continue
		}
		for _, c := range cands {
			outcome, err := e.fire(ctx, c)
			if err != nil {
				log.Printf("alerts: %s %s: %v", c.Type, c.VehicleID, err)
				errs = append(errs, fmt.Errorf("%s %s: %w", c.Type, c.VehicleID, err))
			}
			res.add(c.Type, outcome)
			metrics.AlertsEvaluated.WithLabelValues(string(c.Type), outcome).Inc()
		}
	}
	return res, errors.Join(errs...)
}

// fire walks a candidate through the hash layer, the cool-down, the rule
// gate and dispatch. The hash is recorded before dispatch, so a failed send
// is retried only once the hour bucket rolls over.
func (e *Engine) fire(ctx context.Context, c candidate) (string, error) {
	d := e.dedup()
	now := e.now()
	dup, err := d.Duplicate(ctx, AlertHash(c.Type, c.VehicleID, c.Disc, now))
	if err != nil {
		return OutcomeFailed, err
	}
	if dup {
		return OutcomeDuplicate, nil
	}
	key := SentKey(c.Type, c.VehicleID, c.Disc, now)
	recent, err := d.RecentlySent(ctx, key)
	if err != nil {
		return OutcomeFailed, err
	}
	if recent {
		return OutcomeSuppressed, nil
	}
	if c.gate != nil {
		ok, err := c.gate(ctx)
		if err != nil {
			return OutcomeFailed, err
		}
		if !ok {
			return OutcomeGated, nil
		}
	}
	delivered, attempted, err := e.dispatch(ctx, c.Type, c.VehicleID, c.Driver, c.message(ctx))
	if err != nil {
		return OutcomeFailed, err
	}
	if attempted == 0 {
		return OutcomeNoContacts, nil
	}
	if delivered == 0 {
		return OutcomeFailed, nil
	}
	if err := d.MarkSent(ctx, key); err != nil {
		return OutcomeDispatched, err
	}
	if c.commit != nil {
		if err := c.commit(ctx); err != nil {
			return OutcomeDispatched, err
		}
	}
	return OutcomeDispatched, nil
}

// dispatch sends message to every eligible contact and logs each successful
// delivery. It returns the number of deliveries and of attempts.
func (e *Engine) dispatch(ctx context.Context, t model.AlertType, vehicleID, driver, message string) (int, int, error) {
	contacts, err := e.Directory.Contacts()
	if err != nil {
		return 0, 0, fmt.Errorf("contacts: %w", err)
	}
	recipients := directory.Recipients(contacts, t, vehicleID)
	now := e.now()
	day := now.Format("2006-01-02")
	delivered := []string{}
	for _, c := range recipients {
		if err := e.Sender.Send(ctx, c.Phone(), message); err != nil {
			log.Printf("alerts: send %s to %s: %v", t, c.Name(), err)
			continue
		}
		delivered = append(delivered, c.Name())
		entry := model.AlertLogEntry{
			Timestamp:      now.Format(sentLayout),
			Type:           t,
			RecipientPhone: c.Phone(),
			RecipientName:  c.Name(),
			Message:        message,
			VehicleID:      vehicleID,
			DriverName:     driver,
		}
		if err := e.Store.AppendAlert(ctx, day, entry); err != nil {
			log.Printf("alerts: log %s delivery: %v", t, err)
		}
	}
	if len(delivered) > 0 && e.Publisher != nil {
		e.Publisher.PublishAlert(model.AlertEvent{
			ID:         uuid.NewString(),
			Type:       t,
			VehicleID:  vehicleID,
			DriverName: driver,
			Message:    message,
			Recipients: delivered,
			Timestamp:  now,
		})
	}
	return len(delivered), len(recipients), nil
}

// Housekeep prunes delivery logs older than seven days and resets the hash,
// sent and deviation caches.
func (e *Engine) Housekeep(ctx context.Context) error {
	now := e.now()
	before := now.AddDate(0, 0, -7).Format("2006-01-02")
	n, err := e.Store.PruneAlerts(ctx, before)
	if err != nil {
		return fmt.Errorf("prune alert logs: %w", err)
	}
	for _, b := range []string{store.BucketDeviation, store.BucketSent, store.BucketAlertHash} {
		if err := e.Store.Reset(ctx, b); err != nil {
			return fmt.Errorf("reset %s: %w", b, err)
		}
	}
	log.Printf("alerts: housekeeping pruned %d log entries before %s", n, before)
	return nil
}
