package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"leverage-worker/internal/clock"
)

func TestMarketOpenCloseFireOncePerDate(t *testing.T) {
	s := New(clock.Real{}, clock.Session{Start: "00:00", End: "23:59"}, nil)

	var opens, closes int32
	s.OnMarketOpen(func() { atomic.AddInt32(&opens, 1) })
	s.OnMarketClose(func() { atomic.AddInt32(&closes, 1) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if atomic.LoadInt32(&opens) > 1 {
		t.Fatalf("market open fired more than once: %d", opens)
	}
}

// fixedClock pins Now to one instant, so the weekday check does not depend
// on the day the test runs.
type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestStockTickDispatchedOnMatchingInterval(t *testing.T) {
	// A Wednesday 10:00 clock and a session covering all day keep the loop
	// "in hours"; interval=1 offset=0 fires every second.
	wednesday := fixedClock{t: time.Date(2026, 7, 29, 10, 0, 0, 0, time.Local)}
	s := New(wednesday, clock.Session{Start: "00:00", End: "23:59"},
		[]StockSchedule{{Symbol: "005930", IntervalSeconds: 1, OffsetSeconds: 0}})

	var ticks int32
	s.OnStockTick(func(symbol string, now time.Time) {
		if symbol == "005930" {
			atomic.AddInt32(&ticks, 1)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if atomic.LoadInt32(&ticks) == 0 {
		t.Fatalf("expected at least one stock tick dispatch")
	}
}
