// Package expiry decides which contract cycle to trade.
//
// All dates are calendar days represented as midnight UTC, so differences
// between them are exact multiples of 24 hours regardless of the exchange
// timezone.
package expiry

import (
	"sort"
	"time"
)

// Day truncates t to its calendar day (in t's own location) as midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the calendar day of now in loc.
func Today(now time.Time, loc *time.Location) time.Time {
	if loc != nil {
		now = now.In(loc)
	}
	return Day(now)
}

// DaysUntil returns the whole days from today to exp. Negative if exp is past.
func DaysUntil(today, exp time.Time) int {
	return int(Day(exp).Sub(Day(today)).Hours() / 24)
}

// ActiveCycle returns the first two distinct expiries on or after today.
// With only one available, next equals current. ok is false when none remain.
func ActiveCycle(expiries []time.Time, today time.Time) (current, next time.Time, ok bool) {
	today = Day(today)

	upcoming := make([]time.Time, 0, len(expiries))
	seen := make(map[time.Time]struct{}, len(expiries))
	for _, e := range expiries {
		e = Day(e)
		if e.Before(today) {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		upcoming = append(upcoming, e)
	}
	if len(upcoming) == 0 {
		return time.Time{}, time.Time{}, false
	}
	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].Before(upcoming[j]) })

	current = upcoming[0]
	next = current
	if len(upcoming) > 1 {
		next = upcoming[1]
	}
	return current, next, true
}

// Select rolls from current to next once current is within rolloverDays of today
// (inclusive). When only one cycle exists the rollover is a no-op.
func Select(current, next, today time.Time, rolloverDays int) time.Time {
	if next.Equal(current) {
		return current
	}
	if DaysUntil(today, current) <= rolloverDays {
		return next
	}
	return current
}

// Policy bundles the rollover threshold.
type Policy struct {
	RolloverDays int
}

// Choose applies ActiveCycle then Select. ok is false when no expiry is on or after today.
func (p Policy) Choose(expiries []time.Time, today time.Time) (time.Time, bool) {
	current, next, ok := ActiveCycle(expiries, today)
	if !ok {
		return time.Time{}, false
	}
	return Select(current, next, today, p.RolloverDays), true
}
