// Package recurrence computes template occurrences and materializes task
// instances from recurring templates.
package recurrence

import (
	"fmt"
	"time"

	"pulse/internal/models"
)

// NextOccurrence returns the occurrence after from. Unknown pattern types
// return from unchanged; use Next to detect them.
func NextOccurrence(p models.RecurrencePattern, from time.Time) time.Time {
	next, _ := Next(p, from)
	return next
}

// Next is NextOccurrence with an error for unknown pattern types.
// Time of day and location are preserved.
func Next(p models.RecurrencePattern, from time.Time) (time.Time, error) {
	interval := p.Interval
	if interval < 1 {
		interval = 1
	}

	switch p.Type {
	case models.RecurDaily:
		return from.AddDate(0, 0, interval), nil
	case models.RecurWeekly:
		return from.AddDate(0, 0, 7*interval), nil
	case models.RecurMonthly:
		y, m, _ := from.Date()
		return withDay(from, y, m+time.Month(interval), dayFor(p, from)), nil
	case models.RecurYearly:
		y, m, _ := from.Date()
		if p.Month != nil && *p.Month >= 1 && *p.Month <= 12 {
			m = time.Month(*p.Month)
		}
		return withDay(from, y+interval, m, dayFor(p, from)), nil
	default:
		return from, fmt.Errorf("unknown recurrence type %q", p.Type)
	}
}

func dayFor(p models.RecurrencePattern, from time.Time) int {
	if p.DayOfMonth != nil && *p.DayOfMonth >= 1 {
		return *p.DayOfMonth
	}
	return from.Day()
}

// withDay builds the date year/month/day on from's clock, clamping day to the
// month's length. month may overflow 12 and is normalized first.
func withDay(from time.Time, year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, from.Location())
	year, month = first.Year(), first.Month()
	if last := daysIn(year, month); day > last {
		day = last
	}
	h, mi, s := from.Clock()
	return time.Date(year, month, day, h, mi, s, from.Nanosecond(), from.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Prime sets a new template's first occurrence when none was given: its due
// date at midnight UTC, or now when it has no due date.
func Prime(t *models.Task, now time.Time) {
	if !t.IsRecurringTemplate || t.RecurrenceNextAt != nil {
		return
	}
	first := now.UTC()
	if d, err := time.Parse(models.DateLayout, t.DueDate); err == nil {
		first = d
	}
	t.RecurrenceNextAt = &first
}
