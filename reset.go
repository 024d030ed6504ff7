package gate

import "time"

// monthlyWindowDays is the fixed eligibility window for monthly counters.
const monthlyWindowDays = 30

// ResetStatus describes the monthly counter window anchored at a record's
// reset date.
type ResetStatus struct {
	// Eligible reports that the window has elapsed (or was never started)
	// and the monthly counter is due a restart on the next increment.
	Eligible bool

	// DaysSinceReset and DaysUntilReset are whole days relative to the
	// anchor. Both are zero when there is no anchor.
	DaysSinceReset int
	DaysUntilReset int

	// NextReset is the human-facing reset date. Nil when there is no
	// anchor; "now" when the window already elapsed; otherwise the anchor
	// advanced by one calendar month with the day clamped to month length.
	NextReset *time.Time
}

// MonthlyResetStatus computes the 30-day reset eligibility and the displayed
// next-reset date from the same anchor, so the two computations cannot drift.
// The eligibility test uses a fixed 30-day window while NextReset is a
// calendar-month advance; in 28- and 31-day months the two diverge, matching
// the billing display.
func MonthlyResetStatus(resetDate *time.Time, now time.Time) ResetStatus {
	if resetDate == nil {
		return ResetStatus{Eligible: true}
	}

	days := int(now.Sub(*resetDate).Hours() / 24)
	if days >= monthlyWindowDays {
		return ResetStatus{Eligible: true, DaysSinceReset: days, NextReset: &now}
	}

	next := addCalendarMonth(*resetDate)
	return ResetStatus{
		DaysSinceReset: days,
		DaysUntilReset: monthlyWindowDays - days,
		NextReset:      &next,
	}
}

func addCalendarMonth(t time.Time) time.Time {
	year, month := t.Year(), t.Month()
	if month == time.December {
		year, month = year+1, time.January
	} else {
		month++
	}
	day := t.Day()
	if last := lastDayOfMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// lastDayOfMonth returns the number of days in the month; day 0 of the next
// month normalizes to the last day of this one.
func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
