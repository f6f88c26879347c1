// Package calendar answers two questions for the scheduling path: is a date
// inside an organization's blackout window, and what is the earliest date at
// or after a given one that is not. It is pure arithmetic over the window
// set; the window records themselves are owned by the blackout repository
// and are read-only from here.
package calendar

import (
	"log/slog"
	"time"

	"github.com/aegis-shield/campaign-engine/internal/database"
)

// defaultSearchLimit bounds NextAvailable so pathological window sets (e.g.
// a recurring window covering every day) cannot loop forever.
const defaultSearchLimit = 365

// Calendar evaluates dates against a set of blackout windows
type Calendar struct {
	logger      *slog.Logger
	searchLimit int
}

// New creates a calendar. searchLimit caps how many days NextAvailable will
// scan forward; values <= 0 fall back to the default of 365.
func New(logger *slog.Logger, searchLimit int) *Calendar {
	if searchLimit <= 0 {
		searchLimit = defaultSearchLimit
	}
	return &Calendar{logger: logger, searchLimit: searchLimit}
}

// IsBlackout reports whether date falls inside any of the windows. A window
// with a location scope only applies when locationID matches; an unscoped
// window applies org-wide.
func (c *Calendar) IsBlackout(date time.Time, windows []*database.BlackoutDate, locationID string) bool {
	return c.matchingWindow(date, windows, locationID) != nil
}

// NextAvailable returns the earliest non-blackout date at or after date.
// Each hop jumps past the blocking window's end and re-checks the full set,
// since windows may overlap or abut. If no clear date is found within the
// search limit the original date is returned unchanged and a warning is
// logged; the caller proceeds rather than failing.
func (c *Calendar) NextAvailable(date time.Time, windows []*database.BlackoutDate, locationID string) time.Time {
	candidate := truncateToDay(date)

	for i := 0; i < c.searchLimit; i++ {
		window := c.matchingWindow(candidate, windows, locationID)
		if window == nil {
			return candidate
		}
		candidate = c.dayAfterWindow(candidate, window)
	}

	c.logger.Warn("No available date found within search limit, returning original",
		"date", date.Format("2006-01-02"),
		"windows", len(windows))
	return truncateToDay(date)
}

// matchingWindow returns the first window containing date, or nil
func (c *Calendar) matchingWindow(date time.Time, windows []*database.BlackoutDate, locationID string) *database.BlackoutDate {
	day := truncateToDay(date)

	for _, w := range windows {
		if w.LocationID != nil && *w.LocationID != "" && *w.LocationID != locationID {
			continue
		}
		if c.windowContains(day, w) {
			return w
		}
	}

	return nil
}

func (c *Calendar) windowContains(day time.Time, w *database.BlackoutDate) bool {
	if !w.IsRecurring {
		start := truncateToDay(w.StartDate)
		end := truncateToDay(w.EndDate)
		return !day.Before(start) && !day.After(end)
	}

	pattern := database.RecurringYearly
	if w.RecurringPattern != nil && *w.RecurringPattern != "" {
		pattern = *w.RecurringPattern
	}

	switch pattern {
	case database.RecurringYearly:
		return matchYearly(day, w.StartDate, w.EndDate)
	case database.RecurringQuarterly:
		return matchQuarterly(day, w.StartDate, w.EndDate)
	case database.RecurringMonthly:
		return matchMonthly(day, w.StartDate, w.EndDate)
	}

	return false
}

// matchYearly compares only month/day components. Three shapes: a window
// within a single month, a multi-month window within a year, and a window
// crossing the year boundary (Dec 15 - Jan 5). The boundary-crossing case is
// a disjunction: after the start OR before the end, never a single interval.
func matchYearly(day, start, end time.Time) bool {
	d := monthDay(day)
	s := monthDay(start)
	e := monthDay(end)

	if s <= e {
		return d >= s && d <= e
	}
	return d >= s || d <= e
}

// matchQuarterly compares the date's day offset within its enclosing quarter
// against the window's offsets within its quarter, with the same wrap
// disjunction as the yearly case.
func matchQuarterly(day, start, end time.Time) bool {
	d := quarterOffset(day)
	s := quarterOffset(start)
	e := quarterOffset(end)

	if s <= e {
		return d >= s && d <= e
	}
	return d >= s || d <= e
}

// matchMonthly compares day-of-month, wrapping across the month boundary by
// disjunction (a 28th-to-3rd window matches the 30th and the 2nd).
func matchMonthly(day, start, end time.Time) bool {
	d := day.Day()
	s := start.Day()
	e := end.Day()

	if s <= e {
		return d >= s && d <= e
	}
	return d >= s || d <= e
}

// dayAfterWindow returns the first day after the window occurrence that
// blocks candidate.
func (c *Calendar) dayAfterWindow(candidate time.Time, w *database.BlackoutDate) time.Time {
	if !w.IsRecurring {
		return truncateToDay(w.EndDate).AddDate(0, 0, 1)
	}
	// For recurring windows the stored end date's year is meaningless; step
	// day by day until the occurrence no longer matches.
	next := candidate.AddDate(0, 0, 1)
	for i := 0; i < c.searchLimit && c.windowContains(next, w); i++ {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// monthDay packs month and day into a comparable ordinal (Mar 7 -> 307)
func monthDay(t time.Time) int {
	return int(t.Month())*100 + t.Day()
}

// quarterOffset returns the zero-based day offset of t within its quarter
func quarterOffset(t time.Time) int {
	quarterStartMonth := time.Month(((int(t.Month())-1)/3)*3 + 1)
	quarterStart := time.Date(t.Year(), quarterStartMonth, 1, 0, 0, 0, 0, t.Location())
	return int(truncateToDay(t).Sub(quarterStart).Hours() / 24)
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
