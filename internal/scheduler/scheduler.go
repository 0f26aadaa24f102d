// Package scheduler implements the time-driven dispatcher (spec.md §4.6):
// weekday/trading-hours edge detection, per-symbol should_execute dispatch,
// and idle/check-fills callbacks. Grounded directly on
// original_source/leverage_worker/core/scheduler.py, read in full before
// the tree loss: weekday check -> 60s sleep, trading-hours edge detection
// with date-guarded market_open/market_close callbacks, and a 1s in-hours
// loop calling should_execute_stock(now, interval, offset) per configured
// symbol.
package scheduler

import (
	"context"
	"time"

	"leverage-worker/internal/clock"
)

// StockSchedule is one symbol's dispatch cadence.
type StockSchedule struct {
	Symbol          string
	IntervalSeconds int
	OffsetSeconds   int
}

// Scheduler is the time-driven dispatcher.
type Scheduler struct {
	clk     clock.Clock
	session clock.Session
	stocks  []StockSchedule

	onStockTick  func(symbol string, now time.Time)
	onMarketOpen func()
	onMarketClose func()
	onIdle       func()
	onCheckFills func()
}

// New constructs a Scheduler over clk/session/stocks. Callbacks are set
// with the On* setters before Run.
func New(clk clock.Clock, session clock.Session, stocks []StockSchedule) *Scheduler {
	return &Scheduler{clk: clk, session: session, stocks: stocks}
}

func (s *Scheduler) OnStockTick(fn func(symbol string, now time.Time)) { s.onStockTick = fn }
func (s *Scheduler) OnMarketOpen(fn func())                           { s.onMarketOpen = fn }
func (s *Scheduler) OnMarketClose(fn func())                          { s.onMarketClose = fn }
func (s *Scheduler) OnIdle(fn func())                                 { s.onIdle = fn }
func (s *Scheduler) OnCheckFills(fn func())                           { s.onCheckFills = fn }

// Run drives the scheduler loop until ctx is cancelled (spec.md §4.6
// "Loop"). wasTradingHours/lastOpenDate/lastCloseDate track the edge and
// date guards across iterations, matching scheduler.py's instance state.
func (s *Scheduler) Run(ctx context.Context) {
	wasTradingHours := false
	lastOpenDate := ""
	lastCloseDate := ""

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := s.clk.Now()

		if !clock.IsWeekday(now) {
			s.sleep(ctx, 60*time.Second)
			continue
		}

		inHours, err := clock.IsTradingHours(now, s.session.Start, s.session.End)
		if err != nil {
			s.sleep(ctx, 60*time.Second)
			continue
		}

		today := now.Format("20060102")

		if inHours && !wasTradingHours && lastOpenDate != today {
			if s.onMarketOpen != nil {
				s.onMarketOpen()
			}
			lastOpenDate = today
		}
		if !inHours && wasTradingHours && lastCloseDate != today {
			if s.onMarketClose != nil {
				s.onMarketClose()
			}
			lastCloseDate = today
		}
		wasTradingHours = inHours

		if !inHours {
			if s.onIdle != nil {
				s.onIdle()
			}
			s.sleep(ctx, 60*time.Second)
			continue
		}

		if s.onCheckFills != nil {
			s.onCheckFills()
		}

		for _, stock := range s.stocks {
			if clock.ShouldExecute(now, stock.IntervalSeconds, stock.OffsetSeconds) && s.onStockTick != nil {
				s.onStockTick(stock.Symbol, now)
			}
		}

		s.sleep(ctx, time.Second)
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
