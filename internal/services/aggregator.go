package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"scadenze/internal/calendar"
)

// maxTimezoneAhead is the farthest any IANA timezone runs ahead of UTC.
// The store query is widened by this much so owners east of UTC whose
// local day has already started are not missed; the exact per-owner
// check happens here afterwards.
const maxTimezoneAhead = 14 * time.Hour

// DueAggregator collects the per-owner count of schedules that are due or
// overdue inside an aggregation window. It never mutates schedules.
type DueAggregator struct {
	store     ScheduleStore
	timezones TimezoneProvider
}

func NewDueAggregator(store ScheduleStore, timezones TimezoneProvider) *DueAggregator {
	return &DueAggregator{store: store, timezones: timezones}
}

// AggregateDue returns owner id -> number of schedules due in the window.
// A schedule contributes at most one regardless of how overdue it is, and
// schedules already notified for this window (watermark at or past the
// window end) are excluded.
func (a *DueAggregator) AggregateDue(ctx context.Context, w Window) (map[string]int, error) {
	// Coarse cut in UTC; refined per owner timezone below.
	cushion := calendar.LocalDate(w.End.Add(maxTimezoneAhead), time.UTC)
	schedules, err := a.store.ListActiveSchedulesDueBefore(ctx, cushion, w.End)
	if err != nil {
		return nil, fmt.Errorf("load due schedules: %w", err)
	}

	counts := make(map[string]int)
	locations := make(map[string]*time.Location)
	for _, sched := range schedules {
		loc, ok := locations[sched.OwnerID]
		if !ok {
			loc, err = a.timezones.LocationFor(ctx, sched.OwnerID)
			if err != nil {
				slog.WarnContext(ctx, "Failed to resolve owner timezone, assuming UTC",
					"owner_id", sched.OwnerID,
					"error", err)
				loc = time.UTC
			}
			locations[sched.OwnerID] = loc
		}

		if !IsDueOrOverdue(sched.NextDueDate, w, loc) {
			continue
		}
		if !sched.LastNotifiedWindowEnd.Before(w.End) {
			continue
		}
		counts[sched.OwnerID]++
	}

	slog.InfoContext(ctx, "Aggregated due schedules",
		"window_start", w.Start.Format(time.RFC3339),
		"window_end", w.End.Format(time.RFC3339),
		"schedules_checked", len(schedules),
		"owners_due", len(counts))
	return counts, nil
}
