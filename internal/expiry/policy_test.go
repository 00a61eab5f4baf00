package expiry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var today = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func plus(days int) time.Time { return today.AddDate(0, 0, days) }

func TestDay_UsesCalendarDateOfLocation(t *testing.T) {
	ist := time.FixedZone("IST", 5*60*60+30*60)
	// 20:00 UTC on the 9th is already the 10th in India
	utcEvening := time.Date(2025, 3, 9, 20, 0, 0, 0, time.UTC)

	assert.Equal(t, today, Today(utcEvening, ist))
	assert.Equal(t, plus(-1), Today(utcEvening, nil))
	assert.Equal(t, today, Day(time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)))
}

func TestDaysUntil(t *testing.T) {
	assert.Equal(t, 0, DaysUntil(today, today))
	assert.Equal(t, 3, DaysUntil(today, plus(3)))
	assert.Equal(t, -2, DaysUntil(today, plus(-2)))
	assert.Equal(t, 1, DaysUntil(today.Add(23*time.Hour), plus(1).Add(time.Hour)))
}

func TestActiveCycle(t *testing.T) {
	tests := []struct {
		name        string
		expiries    []time.Time
		wantCurrent time.Time
		wantNext    time.Time
		wantOK      bool
	}{
		{
			name:   "empty",
			wantOK: false,
		},
		{
			name:     "all in the past",
			expiries: []time.Time{plus(-7), plus(-1)},
			wantOK:   false,
		},
		{
			name:        "single cycle duplicated",
			expiries:    []time.Time{plus(3)},
			wantCurrent: plus(3),
			wantNext:    plus(3),
			wantOK:      true,
		},
		{
			name:        "unsorted with duplicates and past entries",
			expiries:    []time.Time{plus(17), plus(-7), plus(10), plus(3), plus(10), plus(3)},
			wantCurrent: plus(3),
			wantNext:    plus(10),
			wantOK:      true,
		},
		{
			name:        "expiry today counts",
			expiries:    []time.Time{today, plus(7)},
			wantCurrent: today,
			wantNext:    plus(7),
			wantOK:      true,
		},
		{
			name:        "intraday timestamps collapse to days",
			expiries:    []time.Time{plus(3).Add(14*time.Hour + 30*time.Minute), plus(3), plus(10).Add(time.Hour)},
			wantCurrent: plus(3),
			wantNext:    plus(10),
			wantOK:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current, next, ok := ActiveCycle(tt.expiries, today)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantCurrent, current)
			assert.Equal(t, tt.wantNext, next)
		})
	}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name    string
		current time.Time
		next    time.Time
		want    time.Time
	}{
		{"within threshold rolls over", plus(3), plus(10), plus(10)},
		{"at threshold rolls over", plus(5), plus(12), plus(12)},
		{"expiry day rolls over", today, plus(7), plus(7)},
		{"beyond threshold keeps current", plus(6), plus(13), plus(6)},
		{"far out keeps current", plus(20), plus(27), plus(20)},
		{"single cycle near expiry is a no-op", plus(1), plus(1), plus(1)},
		{"single cycle far out", plus(20), plus(20), plus(20)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Select(tt.current, tt.next, today, 5))
		})
	}
}

func TestPolicy_Choose(t *testing.T) {
	p := Policy{RolloverDays: 5}

	got, ok := p.Choose([]time.Time{plus(3), plus(10)}, today)
	assert.True(t, ok)
	assert.Equal(t, plus(10), got)

	got, ok = p.Choose([]time.Time{plus(8), plus(15)}, today)
	assert.True(t, ok)
	assert.Equal(t, plus(8), got)

	_, ok = p.Choose(nil, today)
	assert.False(t, ok)
}
