// Package schedule decides when an unattended run should execute and derives
// the date ranges runs operate over.
package schedule

import (
	"fmt"
	"strings"
	"time"
)

// ShouldRun reports whether a scheduled run should execute on today's date.
// configuredDay of 0 means scheduling is disabled. There is no folding: a
// configured day of 31 never fires in a shorter month.
func ShouldRun(today time.Time, configuredDay int) bool {
	if configuredDay < 1 || configuredDay > 31 {
		return false
	}
	return today.Day() == configuredDay
}

// PreviousMonthRange returns the first and last day of the month before now.
func PreviousMonthRange(now time.Time) (time.Time, time.Time) {
	year, month, _ := now.Date()
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	last := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	return first, last
}

// DefaultManualRange returns the manual-mode default window: the first day of
// the previous month through today.
func DefaultManualRange(now time.Time) (time.Time, time.Time) {
	first, _ := PreviousMonthRange(now)
	return first, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseRange parses a FROM:TO range in YYYY-MM-DD:YYYY-MM-DD form.
func ParseRange(s string) (time.Time, time.Time, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("date range must be in form YYYY-MM-DD:YYYY-MM-DD")
	}
	from, err := time.Parse("2006-01-02", parts[0])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q: %w", parts[0], err)
	}
	to, err := time.Parse("2006-01-02", parts[1])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q: %w", parts[1], err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("end date %s is before start date %s", parts[1], parts[0])
	}
	return from, to, nil
}
