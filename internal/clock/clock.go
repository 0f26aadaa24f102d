// Package clock implements the wall-clock, weekday, and trading-hour
// predicates the scheduler drives off of. Grounded on
// original_source/leverage_worker/core/scheduler.py's weekday/trading-hours
// branching and utils/time_utils.py's should_execute_stock signature.
package clock

import (
	"fmt"
	"time"
)

// Clock is a thin seam over time.Now so tests can inject a fixed time.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock backed by the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// IsWeekday reports whether t falls on a weekday (Mon-Fri).
func IsWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// Session is the configured trading window, e.g. 08:59-15:30.
type Session struct {
	Start string // "HH:MM"
	End   string // "HH:MM"
}

// IsTradingHours reports whether t falls within [start, end) local time.
func IsTradingHours(t time.Time, start, end string) (bool, error) {
	startM, err := parseHM(start)
	if err != nil {
		return false, fmt.Errorf("clock: parse trading_start: %w", err)
	}
	endM, err := parseHM(end)
	if err != nil {
		return false, fmt.Errorf("clock: parse trading_end: %w", err)
	}
	nowM := t.Hour()*60 + t.Minute()
	return nowM >= startM && nowM < endM, nil
}

func parseHM(hm string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(hm, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock: out of range %q", hm)
	}
	return h*60 + m, nil
}

// ShouldExecute implements spec.md §4.6 / §8 property 6:
// (now.second - offset) mod interval == 0.
func ShouldExecute(now time.Time, intervalSeconds, offsetSeconds int) bool {
	if intervalSeconds <= 0 {
		return false
	}
	sec := now.Second()
	diff := sec - offsetSeconds
	m := diff % intervalSeconds
	if m < 0 {
		m += intervalSeconds
	}
	return m == 0
}

// TimeUntilMarketOpen returns the h/m/s remaining until start, wrapping to
// the next day when now is already past start.
func TimeUntilMarketOpen(now time.Time, start string) (h, m, s int, err error) {
	startM, err := parseHM(start)
	if err != nil {
		return 0, 0, 0, err
	}
	nowM := now.Hour()*3600 + now.Minute()*60 + now.Second()
	target := startM * 60
	delta := target - nowM
	if delta < 0 {
		delta += 24 * 3600
	}
	return delta / 3600, (delta % 3600) / 60, delta % 60, nil
}
