// Package services provides the scheduling engine: due-date computation,
// the recurring-transaction lifecycle, due aggregation, and the batched
// notification dispatcher.
package services

import (
	"time"

	"scadenze/internal/calendar"
	"scadenze/internal/core"
)

// Window is the half-open time range examined by one aggregation and
// dispatch pass.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow returns the aggregation window of the given size ending at now.
func NewWindow(now time.Time, size time.Duration) Window {
	return Window{Start: now.Add(-size), End: now}
}

// NextDueDate computes the first occurrence strictly after the given date.
//
// It returns anchor + k*interval units for the smallest k >= 0 such that
// the result is after `after`. Occurrences are always derived from the
// anchor rather than from the previous due date, so a Jan 31 monthly
// anchor yields Feb 29, Mar 31, Apr 30 instead of drifting to the
// shortest month seen so far.
func NextDueDate(anchor core.Date, unit core.OccurrenceUnit, interval int, after core.Date) core.Date {
	if interval < 1 {
		interval = 1
	}
	if after.Before(anchor) {
		return anchor
	}

	k := estimateSteps(anchor, unit, interval, after)
	for !calendar.AddUnits(anchor, unit, k*interval).After(after) {
		k++
	}
	for k > 0 && calendar.AddUnits(anchor, unit, (k-1)*interval).After(after) {
		k--
	}
	return calendar.AddUnits(anchor, unit, k*interval)
}

// estimateSteps returns a lower-bound guess for the number of interval
// steps between anchor and after, so NextDueDate adjusts in O(1) instead
// of scanning from zero.
func estimateSteps(anchor core.Date, unit core.OccurrenceUnit, interval int, after core.Date) int {
	var units int
	switch unit {
	case core.Day:
		units = int(after.Sub(anchor.Time) / (24 * time.Hour))
	case core.Week:
		units = int(after.Sub(anchor.Time) / (7 * 24 * time.Hour))
	case core.Month:
		units = (after.Year()*12 + int(after.Month())) - (anchor.Year()*12 + int(anchor.Month()))
	case core.Year:
		units = after.Year() - anchor.Year()
	}
	k := units / interval
	// Back off one step; clamped month arithmetic can land exactly on
	// `after`, and the strict inequality is settled by the caller's loop.
	if k > 0 {
		k--
	}
	return k
}

// IsDueInWindow reports whether a schedule's next due date falls inside
// the window as observed in the owner's timezone.
func IsDueInWindow(nextDue core.Date, w Window, loc *time.Location) bool {
	start := calendar.LocalDate(w.Start, loc)
	end := calendar.LocalDate(w.End, loc)
	return !nextDue.Before(start) && !nextDue.After(end)
}

// IsOverdue reports whether a schedule's next due date is strictly before
// the window start as observed in the owner's timezone.
func IsOverdue(nextDue core.Date, w Window, loc *time.Location) bool {
	return nextDue.Before(calendar.LocalDate(w.Start, loc))
}

// IsDueOrOverdue reports whether the schedule should be acted on: its next
// due date is on or before the window end in the owner's timezone. Overdue
// schedules stay actionable until resolved.
func IsDueOrOverdue(nextDue core.Date, w Window, loc *time.Location) bool {
	return !nextDue.After(calendar.LocalDate(w.End, loc))
}
