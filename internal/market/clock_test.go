package market

import (
	"testing"
	"time"

	"github.com/ksred/klear-sweep/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClock(t *testing.T) *Clock {
	t.Helper()
	clock, err := NewClock(config.MarketConfig{
		Timezone: "America/New_York",
		Open:     "09:30",
		Close:    "16:00",
		Holidays: []string{"2025-12-25"},
	})
	require.NoError(t, err)
	return clock
}

func TestClock_IsOpen(t *testing.T) {
	clock := newTestClock(t)
	ny, _ := time.LoadLocation("America/New_York")

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"weekday morning session", time.Date(2025, 1, 15, 10, 0, 0, 0, ny), true},
		{"at open", time.Date(2025, 1, 15, 9, 30, 0, 0, ny), true},
		{"at close", time.Date(2025, 1, 15, 16, 0, 0, 0, ny), false},
		{"pre-market", time.Date(2025, 1, 15, 8, 0, 0, 0, ny), false},
		{"saturday", time.Date(2025, 1, 18, 11, 0, 0, 0, ny), false},
		{"holiday", time.Date(2025, 12, 25, 11, 0, 0, 0, ny), false},
		{"utc input converted", time.Date(2025, 1, 15, 15, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clock.IsOpen(tt.at))
		})
	}
}

func TestClock_NextOpen(t *testing.T) {
	clock := newTestClock(t)
	ny, _ := time.LoadLocation("America/New_York")

	// Friday after close -> Monday open
	next := clock.NextOpen(time.Date(2025, 1, 17, 17, 0, 0, 0, ny))
	assert.True(t, time.Date(2025, 1, 20, 9, 30, 0, 0, ny).Equal(next), "got %s", next)

	// Before open on a trading day -> same day
	next = clock.NextOpen(time.Date(2025, 1, 15, 7, 0, 0, 0, ny))
	assert.True(t, time.Date(2025, 1, 15, 9, 30, 0, 0, ny).Equal(next), "got %s", next)

	// Christmas eve after close skips the holiday
	next = clock.NextOpen(time.Date(2025, 12, 24, 18, 0, 0, 0, ny))
	assert.True(t, time.Date(2025, 12, 26, 9, 30, 0, 0, ny).Equal(next), "got %s", next)

	// Open now -> now
	now := time.Date(2025, 1, 15, 11, 0, 0, 0, ny)
	assert.True(t, now.Equal(clock.NextOpen(now)), "got %s", clock.NextOpen(now))
}

func TestClock_WeekdayDSTShift(t *testing.T) {
	// Cairo springs forward at midnight into Friday 2024-04-26, so that day
	// starts at 01:00 local
	cairo, err := time.LoadLocation("Africa/Cairo")
	require.NoError(t, err)
	if time.Date(2024, 4, 26, 0, 30, 0, 0, cairo).Hour() != 1 {
		t.Skip("zone database predates the 2024 Cairo DST rules")
	}

	clock, err := NewClock(config.MarketConfig{Timezone: "Africa/Cairo", Open: "10:00", Close: "14:30"})
	require.NoError(t, err)

	assert.True(t, clock.IsOpen(time.Date(2024, 4, 26, 10, 15, 0, 0, cairo)))
	assert.False(t, clock.IsOpen(time.Date(2024, 4, 26, 9, 45, 0, 0, cairo)))
	assert.False(t, clock.IsOpen(time.Date(2024, 4, 26, 14, 45, 0, 0, cairo)))

	next := clock.NextOpen(time.Date(2024, 4, 26, 8, 0, 0, 0, cairo))
	assert.True(t, time.Date(2024, 4, 26, 10, 0, 0, 0, cairo).Equal(next), "got %s", next)

	// Thursday after close rolls into the shifted Friday
	next = clock.NextOpen(time.Date(2024, 4, 25, 15, 0, 0, 0, cairo))
	assert.True(t, time.Date(2024, 4, 26, 10, 0, 0, 0, cairo).Equal(next), "got %s", next)
}

func TestClock_NextOpenAcrossUSSpringForward(t *testing.T) {
	clock := newTestClock(t)
	ny, _ := time.LoadLocation("America/New_York")

	next := clock.NextOpen(time.Date(2025, 3, 7, 17, 0, 0, 0, ny))
	assert.True(t, time.Date(2025, 3, 10, 9, 30, 0, 0, ny).Equal(next), "got %s", next)
	assert.Equal(t, 13, next.UTC().Hour())
}

func TestNewClock_Invalid(t *testing.T) {
	_, err := NewClock(config.MarketConfig{Timezone: "UTC", Open: "16:00", Close: "09:30"})
	assert.Error(t, err)

	_, err = NewClock(config.MarketConfig{Timezone: "UTC", Open: "9am", Close: "16:00"})
	assert.Error(t, err)

	_, err = NewClock(config.MarketConfig{Timezone: "UTC", Open: "09:30", Close: "16:00", Holidays: []string{"25/12"}})
	assert.Error(t, err)
}
