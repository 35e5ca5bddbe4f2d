// Package calendar provides pure calendar-date helpers for the scheduling
// engine: instant-to-local-date conversion and calendar-clamped date
// arithmetic. It is a leaf dependency of all due-date logic.
package calendar

import (
	"time"

	"scadenze/internal/core"
)

// LocalDate converts an instant to the calendar date observed in loc.
func LocalDate(t time.Time, loc *time.Location) core.Date {
	if loc == nil {
		loc = time.UTC
	}
	year, month, day := t.In(loc).Date()
	return core.NewDate(year, int(month), day)
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddUnits advances a calendar date by n occurrence units.
//
// Day and week steps are exact. Month and year steps keep the original
// day-of-month where possible and clamp to the last valid day of the
// target month otherwise (Jan 31 + 1 month = Feb 28/29). This clamping
// is the canonical rollover behavior for the whole engine; time.AddDate
// is deliberately avoided for months and years because it normalizes
// overflow into the next month instead of clamping.
func AddUnits(d core.Date, unit core.OccurrenceUnit, n int) core.Date {
	switch unit {
	case core.Day:
		return core.Date{Time: d.AddDate(0, 0, n)}
	case core.Week:
		return core.Date{Time: d.AddDate(0, 0, 7*n)}
	case core.Month:
		return addMonthsClamped(d, n)
	case core.Year:
		return addMonthsClamped(d, 12*n)
	default:
		return d
	}
}

func addMonthsClamped(d core.Date, months int) core.Date {
	year, month, day := d.Date()
	// Normalize to a zero-based month index so negative offsets also work.
	idx := year*12 + int(month) - 1 + months
	targetYear := idx / 12
	targetMonth := time.Month(idx%12 + 1)
	if last := DaysIn(targetYear, targetMonth); day > last {
		day = last
	}
	return core.NewDate(targetYear, int(targetMonth), day)
}
