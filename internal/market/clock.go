// Package market answers whether the equity session is open.
package market

import (
	"fmt"
	"time"

	"github.com/ksred/klear-sweep/internal/config"
)

// Clock evaluates a single daily session on weekdays, minus holidays
type Clock struct {
	loc      *time.Location
	open     time.Duration // wall clock time of day
	close    time.Duration
	holidays map[string]struct{}
	now      func() time.Time
}

// NewClock builds a clock from market configuration
func NewClock(cfg config.MarketConfig) (*Clock, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load market timezone: %w", err)
	}
	open, err := parseClockTime(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("market open: %w", err)
	}
	closeAt, err := parseClockTime(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("market close: %w", err)
	}
	if closeAt <= open {
		return nil, fmt.Errorf("market close %s must be after open %s", cfg.Close, cfg.Open)
	}

	holidays := make(map[string]struct{}, len(cfg.Holidays))
	for _, day := range cfg.Holidays {
		if _, err := time.Parse(time.DateOnly, day); err != nil {
			return nil, fmt.Errorf("market holiday %q: %w", day, err)
		}
		holidays[day] = struct{}{}
	}

	return &Clock{
		loc:      loc,
		open:     open,
		close:    closeAt,
		holidays: holidays,
		now:      time.Now,
	}, nil
}

// WithNow returns a copy of the clock reading time from fn
func (c *Clock) WithNow(fn func() time.Time) *Clock {
	cp := *c
	cp.now = fn
	return &cp
}

// Now is the clock's current time in the market timezone
func (c *Clock) Now() time.Time {
	return c.now().In(c.loc)
}

// IsOpen reports whether t falls inside a trading session
func (c *Clock) IsOpen(t time.Time) bool {
	t = t.In(c.loc)
	if !c.isTradingDay(t) {
		return false
	}
	return !t.Before(c.at(t, c.open)) && t.Before(c.at(t, c.close))
}

// NextOpen returns t when the market is open, otherwise the start of the next session
func (c *Clock) NextOpen(t time.Time) time.Time {
	t = t.In(c.loc)
	if c.IsOpen(t) {
		return t
	}

	if c.isTradingDay(t) && t.Before(c.at(t, c.open)) {
		return c.at(t, c.open)
	}
	day := t
	for i := 0; i < 366; i++ {
		day = nextDay(day)
		if c.isTradingDay(day) {
			break
		}
	}
	return c.at(day, c.open)
}

// at is the wall clock time of day on the calendar day of t. Building it
// from the calendar keeps sessions right on days a DST shift moves midnight.
func (c *Clock) at(t time.Time, timeOfDay time.Duration) time.Time {
	hour := int(timeOfDay / time.Hour)
	minute := int(timeOfDay % time.Hour / time.Minute)
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, c.loc)
}

func (c *Clock) isTradingDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[t.Format(time.DateOnly)]
	return !holiday
}

// nextDay is noon of the following calendar day, clear of any DST gap
func nextDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 12, 0, 0, 0, t.Location())
}

func parseClockTime(s string) (time.Duration, error) {
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute, nil
}
