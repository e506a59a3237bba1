package alerts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"fleetwatch/internal/compare"
	"fleetwatch/internal/directory"
	"fleetwatch/internal/model"
	"fleetwatch/internal/store"
)

var dubai = time.FixedZone("GST", 4*3600)

func at(day, hour, min int) time.Time { return time.Date(2025, 3, day, hour, min, 0, 0, dubai) }

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type delivery struct{ to, msg string }

type recorder struct {
	mu   sync.Mutex
	sent []delivery
	fail bool
}

func (r *recorder) Send(ctx context.Context, to, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("gateway down")
	}
	r.sent = append(r.sent, delivery{to, msg})
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type staticDir struct {
	contacts []directory.Contact
	aliases  map[string]string
}

func (d staticDir) Contacts() ([]directory.Contact, error) { return d.contacts, nil }

func (d staticDir) Alias(id string) string {
	if a, ok := d.aliases[id]; ok {
		return a
	}
	return id
}

func (d staticDir) AliasedVehicles() []string {
	out := []string{}
	for id := range d.aliases {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type fixedComparer []model.ComparisonResult

func (f fixedComparer) Compare(ctx context.Context, req compare.Request) compare.Report {
	rep := compare.Report{Results: []model.ComparisonResult{}}
	for _, r := range f {
		for _, id := range req.VehicleIDs {
			if r.VehicleID == id {
				rep.Results = append(rep.Results, r)
			}
		}
	}
	return rep
}

type fixedLocator map[string]model.Ping

func (f fixedLocator) LatestLocation(ctx context.Context, id string) (model.Ping, bool) {
	p, ok := f[id]
	return p, ok
}

type feed struct{ events []model.AlertEvent }

func (f *feed) PublishAlert(ev model.AlertEvent) { f.events = append(f.events, ev) }

var contacts = []directory.Contact{
	directory.Admin{ContactName: "Ops", ContactPhone: "971500000001", Alerts: true},
	directory.Admin{ContactName: "Muted", ContactPhone: "971500000002"},
	directory.Driver{ContactName: "Ali", ContactPhone: "971500000003", VehicleID: "V1", Alerts: true},
	directory.Driver{ContactName: "Sam", ContactPhone: "971500000004", VehicleID: "V2", Alerts: true},
}

type fixture struct {
	engine *Engine
	store  *store.Memory
	sender *recorder
	clock  *clock
	feed   *feed
	dir    string
}

func newFixture(t *testing.T, aliases map[string]string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{store: store.NewMemory(), sender: &recorder{}, clock: &clock{t: at(3, 10, 30)}, feed: &feed{}, dir: dir}
	if aliases == nil {
		aliases = map[string]string{}
	}
	f.engine = &Engine{
		Store:     f.store,
		Sender:    f.sender,
		Directory: staticDir{contacts: contacts, aliases: aliases},
		Publisher: f.feed,
		Reports: ReportPaths{
			OverIdle:    filepath.Join(dir, "exidle.csv"),
			Performance: filepath.Join(dir, "performance.csv"),
			Geofence:    filepath.Join(dir, "geofence.csv"),
		},
		Thresholds: DefaultThresholds(),
		Loc:        dubai,
		Now:        f.clock.Now,
	}
	return f
}

func (f *fixture) write(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) poll(t *testing.T) PollResult {
	t.Helper()
	res, err := f.engine.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	return res
}

const idleHeader = "Vehicle Number,Driver,Location,Idle From,Idle Till,Duration\n"
const perfHeader = "Driver,No of Vehicles,KM,Harsh Break,Harsh Acceleration,Over Speed,Login Time,Logout Time\n"
const fenceHeader = "Vehicle No,Driver,Geofence,Type,In Time,Out Time,Elapsed Time Inside The Geofence\n"

func TestDeduperHashAndCooldown(t *testing.T) {
	mr := miniredis.RunT(t)
	backends := map[string]store.KV{
		"memory": store.NewMemory(),
		"redis":  store.NewRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})),
	}
	for name, kv := range backends {
		t.Run(name, func(t *testing.T) { checkDeduper(t, kv) })
	}
}

func checkDeduper(t *testing.T, kv store.KV) {
	ctx := context.Background()
	c := &clock{t: at(3, 10, 5)}
	d := &Deduper{KV: kv, Now: c.Now}
	h := AlertHash(model.AlertIdle, "V1", "2025-03-03 10:00", c.t)
	if dup, _ := d.Duplicate(ctx, h); dup {
		t.Fatalf("first sighting reported as duplicate")
	}
	c.t = at(3, 10, 55)
	if dup, _ := d.Duplicate(ctx, h); !dup {
		t.Fatalf("same hour should be duplicate")
	}
	c.t = at(3, 11, 1)
	if dup, _ := d.Duplicate(ctx, h); dup {
		t.Fatalf("stored bucket from the previous hour should not match")
	}
	if h == AlertHash(model.AlertIdle, "V1", "2025-03-03 10:00", c.t) {
		t.Fatalf("hash should change with the hour")
	}

	c.t = at(3, 10, 5)
	key := SentKey(model.AlertIdle, "V1", "2025-03-03 10:00", c.t)
	if key != "IDLE_V1_2025-03-03 10:00_2025-03-03" {
		t.Fatalf("sent key = %q", key)
	}
	if err := d.MarkSent(ctx, key); err != nil {
		t.Fatal(err)
	}
	c.t = at(3, 10, 50)
	if recent, _ := d.RecentlySent(ctx, key); !recent {
		t.Fatalf("within cool-down")
	}
	c.t = at(3, 11, 6)
	if recent, _ := d.RecentlySent(ctx, key); recent {
		t.Fatalf("cool-down elapsed")
	}
	c.t = at(4, 11, 6)
	if err := d.MarkSent(ctx, "other"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.KV.Get(ctx, store.BucketSent, key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("entries older than a day should be purged, got %v", err)
	}
	if SentKey(model.AlertEarlyReturn, "V1", "", c.t) != "EARLY_V1_2025-03-04" {
		t.Fatalf("early key: %q", SentKey(model.AlertEarlyReturn, "V1", "", c.t))
	}
}

func TestIdleAlertOncePerIdentity(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, f.engine.Reports.OverIdle, idleHeader+"V1,Ali,Al Quoz,2025-03-03 10:00:00,2025-03-03 10:25:00,00:25:00\n")

	res := f.poll(t)
	if res[model.AlertIdle][OutcomeDispatched] != 1 {
		t.Fatalf("day 1: %+v", res)
	}
	if f.sender.count() != 2 {
		t.Fatalf("admin and vehicle driver should receive, got %+v", f.sender.sent)
	}
	want := "🚨 IDLE ALERT\nV1 stopped 00:25:00\nFrom: 10:00 To: 10:25\nAt: Al Quoz"
	if f.sender.sent[0].msg != want {
		t.Fatalf("message:\n%s", f.sender.sent[0].msg)
	}

	f.clock.t = at(3, 10, 40)
	if res := f.poll(t); res[model.AlertIdle][OutcomeDuplicate] != 1 || f.sender.count() != 2 {
		t.Fatalf("repeat poll should be a duplicate: %+v", res)
	}

	logs, err := f.store.ListAlerts(context.Background(), "2025-03-03")
	if err != nil || len(logs["2025-03-03"]) != 2 {
		t.Fatalf("delivery log: %+v %v", logs, err)
	}
	if len(f.feed.events) != 1 || len(f.feed.events[0].Recipients) != 2 {
		t.Fatalf("published events: %+v", f.feed.events)
	}

	// next hour bucket, but still inside the cool-down of the 10:30 send
	f.clock.t = at(3, 11, 10)
	if res := f.poll(t); res[model.AlertIdle][OutcomeSuppressed] != 1 || f.sender.count() != 2 {
		t.Fatalf("cool-down should suppress after the hash rolls over: %+v", res)
	}
	f.clock.t = at(3, 12, 10)
	if res := f.poll(t); res[model.AlertIdle][OutcomeDispatched] != 1 || f.sender.count() != 4 {
		t.Fatalf("rollover plus elapsed cool-down should dispatch again: %+v sent=%d", res, f.sender.count())
	}

	f.clock.t = at(4, 10, 30)
	f.write(t, f.engine.Reports.OverIdle, idleHeader+"V1,Ali,Al Quoz,2025-03-04 10:00:00,2025-03-04 10:15:00,00:15:00\n")
	if res := f.poll(t); len(res[model.AlertIdle]) != 0 || f.sender.count() != 4 {
		t.Fatalf("15 minutes is under threshold: %+v", res)
	}
}

func TestViolationHighWaterMark(t *testing.T) {
	f := newFixture(t, map[string]string{})
	dispatched := 0
	for i, total := range []int{5, 13, 13, 20} {
		f.clock.t = at(3, 10+i, 0)
		f.write(t, f.engine.Reports.Performance, perfHeader+"Ali,V1,80,"+strconv.Itoa(total)+",0,0,,\n")
		res := f.poll(t)
		dispatched += res[model.AlertViolation][OutcomeDispatched]
	}
	if dispatched != 2 {
		t.Fatalf("want 2 violation alerts, got %d", dispatched)
	}
	last := f.sender.sent[len(f.sender.sent)-1].msg
	if last != "⚠️ VIOLATION ALERT\nAli (V1)\nTotal: 20 (HB:20 HA:0 OS:0)" {
		t.Fatalf("message:\n%s", last)
	}
	if hw, _ := f.engine.highWater(context.Background(), "Ali_V1"); hw != 20 {
		t.Fatalf("high-water mark = %d", hw)
	}
}

func TestFailedDeliveryRetriesNextHour(t *testing.T) {
	f := newFixture(t, nil)
	f.sender.fail = true
	f.write(t, f.engine.Reports.OverIdle, idleHeader+"V1,Ali,Al Quoz,2025-03-03 10:00:00,2025-03-03 10:25:00,00:25:00\n")
	if res := f.poll(t); res[model.AlertIdle][OutcomeFailed] != 1 {
		t.Fatalf("failed send: %+v", res)
	}
	key := SentKey(model.AlertIdle, "V1", "2025-03-03 10:00", f.clock.t)
	if _, err := f.store.Get(context.Background(), store.BucketSent, key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed alert must not be marked sent")
	}
	f.sender.fail = false
	f.clock.t = at(3, 10, 45)
	if res := f.poll(t); res[model.AlertIdle][OutcomeDuplicate] != 1 {
		t.Fatalf("retry is bounded by the hour bucket: %+v", res)
	}
	f.clock.t = at(3, 11, 0)
	if res := f.poll(t); res[model.AlertIdle][OutcomeDispatched] != 1 {
		t.Fatalf("retry after rollover: %+v", res)
	}
}

func TestGeofenceRules(t *testing.T) {
	f := newFixture(t, map[string]string{"V1": "Van 1"})
	f.clock.t = at(3, 14, 30)
	f.engine.Comparer = fixedComparer{{VehicleID: "V1", Label: model.LabelCurrent, VisitedPoints: 3, TotalPoints: 5}}
	f.engine.Locator = fixedLocator{"V1": {VehicleID: "V1", Lat: 25.1, Lon: 55.2, Status: model.StatusIdle}}
	f.write(t, f.engine.Reports.Performance, perfHeader+"Ali,V1,80,1,2,3,,\n")
	f.write(t, f.engine.Reports.Geofence, fenceHeader+
		"V1,Ali,Rival Depot,Competitor,2025-03-03 14:00:00,,00:30:00\n"+
		"V2,Sam,Staff Accomodation,,2025-03-03 14:00:00,,\n"+
		"V1,Ali,Oxy Office,,2025-03-03 13:00:00,2025-03-03 14:10:00,01:10:00\n")

	res := f.poll(t)
	if res[model.AlertUnauthorizedGeofence][OutcomeDispatched] != 1 || res[model.AlertEarlyReturn][OutcomeDispatched] != 1 {
		t.Fatalf("poll: %+v", res)
	}
	var early, fence []delivery
	for _, d := range f.sender.sent {
		switch {
		case strings.HasPrefix(d.msg, "⏰ EARLY RETURN"):
			early = append(early, d)
		case strings.HasPrefix(d.msg, "🚩 UNAUTHORIZED AREA"):
			fence = append(fence, d)
		}
	}
	if len(early) != 1 || early[0].to != "971500000001" {
		t.Fatalf("early return is admin-only: %+v", early)
	}
	if early[0].msg != "⏰ EARLY RETURN\nVan 1 (Ali) returned at 13:00\nCustomers: 3\nViolations: HB:1 HA:2 OS:3" {
		t.Fatalf("early message:\n%s", early[0].msg)
	}
	if len(fence) != 2 {
		t.Fatalf("geofence goes to admin and driver: %+v", fence)
	}
	wantLoc := "Location: Rival Depot\nMAP: https://www.google.com/maps/@?api=1&map_action=map&center=25.1,55.2&zoom=15\nSTREET: https://www.google.com/maps/@?api=1&map_action=pano&viewpoint=25.1,55.2\nSince: 14:00\nDuration: 00:30:00"
	if !strings.Contains(fence[0].msg, wantLoc) {
		t.Fatalf("geofence message:\n%s", fence[0].msg)
	}

	f.clock.t = at(3, 16, 5)
	cands, err := f.engine.earlyReturnCandidates(context.Background(), f.clock.t)
	if err != nil || len(cands) != 0 {
		t.Fatalf("early returns are only checked before 16:00: %d %v", len(cands), err)
	}
}

func TestRouteDeviationOncePerDay(t *testing.T) {
	f := newFixture(t, map[string]string{"V1": "Van 1", "V2": "Van 2"})
	f.engine.Comparer = fixedComparer{
		{VehicleID: "V1", Label: model.LabelCurrent, MaxDeviation: 4500, Alignment: 40, Coverage: 35.5, ActualDistance: 52.3, PlannedDistance: 40, VisitedPoints: 2, TotalPoints: 8, VisitPercentage: 25},
		{VehicleID: "V2", Label: model.LabelCurrent, MaxDeviation: 3900},
	}
	res := f.poll(t)
	if res[model.AlertRouteDeviation][OutcomeDispatched] != 1 || f.sender.count() != 1 {
		t.Fatalf("first deviation: %+v %+v", res, f.sender.sent)
	}
	want := "🛤️ ROUTE DEVIATION\nVan 1 exceeded 4000m\nMax deviation: 4500m\nRoute alignment: 40.0%\nRoute coverage: 35.5%\nDistance: 52.3km (Planned: 40.0km)\nVisits: 2/8 (25.0%)"
	if f.sender.sent[0].msg != want {
		t.Fatalf("message:\n%s", f.sender.sent[0].msg)
	}
	f.clock.t = at(3, 13, 0)
	if res := f.poll(t); res[model.AlertRouteDeviation][OutcomeGated] != 1 {
		t.Fatalf("deviation log should gate the same day: %+v", res)
	}
}

func TestHousekeep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_ = f.store.AppendAlert(ctx, "2025-02-20", model.AlertLogEntry{Type: model.AlertIdle})
	_ = f.store.AppendAlert(ctx, "2025-03-02", model.AlertLogEntry{Type: model.AlertIdle})
	for _, b := range []string{store.BucketAlertHash, store.BucketSent, store.BucketDeviation, store.BucketViolations} {
		_ = f.store.Put(ctx, b, store.Entry{Key: "k", Value: "v", At: f.clock.t})
	}
	if err := f.engine.Housekeep(ctx); err != nil {
		t.Fatal(err)
	}
	logs, _ := f.store.ListAlerts(ctx, "")
	if _, ok := logs["2025-02-20"]; ok || len(logs["2025-03-02"]) != 1 {
		t.Fatalf("logs after prune: %+v", logs)
	}
	for _, b := range []string{store.BucketAlertHash, store.BucketSent, store.BucketDeviation} {
		if es, _ := f.store.List(ctx, b); len(es) != 0 {
			t.Fatalf("%s not reset: %+v", b, es)
		}
	}
	if es, _ := f.store.List(ctx, store.BucketViolations); len(es) != 1 {
		t.Fatalf("violation marks survive housekeeping")
	}
}

func TestDailyReport(t *testing.T) {
	f := newFixture(t, map[string]string{"V1": "Van 1", "V2": "Van 2"})
	f.clock.t = at(3, 21, 30)
	f.engine.Comparer = fixedComparer{{VehicleID: "V1", Label: model.LabelCurrent, VisitedPoints: 3, TotalPoints: 5, VisitPercentage: 60, Alignment: 90, Coverage: 85, ActualDistance: 41.26, PlannedDistance: 40}}
	f.write(t, f.engine.Reports.Performance, perfHeader+"Ali,V1,80,2,0,0,,\nSam,V2,60,0,0,0,,\n")
	if err := f.engine.DailyReport(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.sender.count() != 1 || f.sender.sent[0].to != "971500000001" {
		t.Fatalf("daily report goes to enabled admins only: %+v", f.sender.sent)
	}
	msg := f.sender.sent[0].msg
	for _, want := range []string{
		"📊 DAILY REPORT - 2025-03-03\n" + strings.Repeat("=", 40),
		"\n\nVan 1:\nCustomers: 3/5 (60.0%)\nRoute alignment: 90.0%\nRoute coverage: 85.0%\nDistance: 41.3km (Planned: 40.0km)\nViolations: HB:2 HA:0 OS:0",
		"\n\nVan 2:\nCustomers: 0/0 (0.0%)",
		"Violations: None",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("report missing %q:\n%s", want, msg)
		}
	}
	logs, _ := f.store.ListAlerts(context.Background(), "2025-03-03")
	if len(logs["2025-03-03"]) != 1 || logs["2025-03-03"][0].Type != model.AlertDailyReport {
		t.Fatalf("daily report log: %+v", logs)
	}
}

func TestQuietHours(t *testing.T) {
	s := DefaultSchedule()
	for h, want := range map[int]bool{8: true, 9: false, 15: false, 20: false, 21: true, 23: true, 0: true} {
		if got := s.Quiet(at(3, h, 0)); got != want {
			t.Fatalf("hour %d quiet=%v want %v", h, got, want)
		}
	}
}

func TestSchedulerStep(t *testing.T) {
	f := newFixture(t, nil)
	preprocessed := 0
	s := &Scheduler{
		Engine:     f.engine,
		Preprocess: func(ctx context.Context) error { preprocessed++; return nil },
		Schedule:   DefaultSchedule(),
		Now:        f.clock.Now,
	}
	ctx := context.Background()
	f.clock.t = at(3, 8, 0)
	s.prime(f.clock.t)

	steps := []struct {
		t    time.Time
		want string
	}{
		{at(3, 8, 0), ""},
		{at(3, 9, 0), JobPoll},
		{at(3, 9, 5), ""},
		{at(3, 9, 10), JobPoll},
		{at(3, 21, 30), JobDailyReport},
		{at(3, 21, 31), ""},
		{at(4, 1, 0), JobPreprocess},
		{at(4, 7, 0), JobHousekeep},
		{at(4, 9, 0), JobPoll},
	}
	for _, st := range steps {
		f.clock.t = st.t
		got := strings.Join(s.Step(ctx), ",")
		if got != st.want {
			t.Fatalf("%s: ran %q want %q", st.t.Format(time.DateTime), got, st.want)
		}
	}
	if preprocessed != 1 {
		t.Fatalf("preprocess ran %d times", preprocessed)
	}
}

func TestRunOnce(t *testing.T) {
	f := newFixture(t, nil)
	ran := false
	s := &Scheduler{Engine: f.engine, Preprocess: func(ctx context.Context) error { ran = true; return nil }, Schedule: DefaultSchedule()}
	f.clock.t = at(3, 23, 0)
	f.write(t, f.engine.Reports.OverIdle, idleHeader+"V1,Ali,Al Quoz,2025-03-03 22:00:00,2025-03-03 22:30:00,00:30:00\n")
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatalf("preprocess not run")
	}
	// idle alert to admin and driver, daily report to admin
	if f.sender.count() != 3 {
		t.Fatalf("sends: %+v", f.sender.sent)
	}
}
