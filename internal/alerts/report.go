package alerts

import (
	"context"
	"fmt"
	"log"
	"strings"

	"fleetwatch/internal/metrics"
	"fleetwatch/internal/model"
	"fleetwatch/internal/reports"
)

// BuildDailyReport renders the end-of-day summary for every aliased vehicle.
func (e *Engine) BuildDailyReport(ctx context.Context) (string, error) {
	now := e.now()
	ids := e.Directory.AliasedVehicles()
	perf, err := reports.ReadPerformance(e.Reports.Performance, e.location())
	if err != nil && !missing(err) {
		return "", fmt.Errorf("performance report: %w", err)
	}
	rep, err := e.today(ctx, now, ids)
	if err != nil {
		log.Printf("alerts: daily report comparison: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 DAILY REPORT - %s\n%s", now.Format("2006-01-02"), strings.Repeat("=", 40))
	for _, id := range ids {
		var res model.ComparisonResult
		if r, ok := rep.Get(id, model.LabelCurrent); ok {
			res = r
		}
		violations := "None"
		for _, p := range perf {
			if p.VehicleID != id {
				continue
			}
			if p.Violations() > 0 {
				violations = fmt.Sprintf("HB:%d HA:%d OS:%d", p.HarshBrake, p.HarshAcceleration, p.OverSpeed)
			}
			break
		}
		fmt.Fprintf(&b, "\n\n%s:\nCustomers: %d/%d (%.1f%%)\nRoute alignment: %.1f%%\nRoute coverage: %.1f%%\nDistance: %.1fkm (Planned: %.1fkm)\nViolations: %s",
			e.Directory.Alias(id), res.VisitedPoints, res.TotalPoints, res.VisitPercentage,
			res.Alignment, res.Coverage, res.ActualDistance, res.PlannedDistance, violations)
	}
	return b.String(), nil
}

// DailyReport sends the summary to admins. It bypasses deduplication.
func (e *Engine) DailyReport(ctx context.Context) error {
	msg, err := e.BuildDailyReport(ctx)
	if err != nil {
		return err
	}
	delivered, attempted, err := e.dispatch(ctx, model.AlertDailyReport, "", "", msg)
	if err != nil {
		return err
	}
	outcome := OutcomeDispatched
	switch {
	case attempted == 0:
		outcome = OutcomeNoContacts
	case delivered == 0:
		outcome = OutcomeFailed
	}
	metrics.AlertsEvaluated.WithLabelValues(string(model.AlertDailyReport), outcome).Inc()
	log.Printf("alerts: daily report delivered to %d/%d admins", delivered, attempted)
	return nil
}
