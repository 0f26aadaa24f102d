// Package lifecycle implements the Lifecycle Controller (spec.md §4.10):
// process startup/shutdown sequencing, the end-of-day liquidation
// procedure, and the tick/order-notice dispatch that fans bus events out to
// the Exit Monitor and per-symbol Scalping Executors. Grounded on the
// teacher's root main() composition (every package wired from one place,
// context-cancelled goroutines, a final blocking signal select) generalized
// from a one-shot main function into a reusable Controller, plus
// original_source/leverage_worker/core/emergency.py for the sentinel-file
// emergency-stop watcher.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"leverage-worker/internal/audit"
	"leverage-worker/internal/clock"
	"leverage-worker/internal/events"
	"leverage-worker/internal/exitmonitor"
	"leverage-worker/internal/gateway"
	"leverage-worker/internal/order"
	"leverage-worker/internal/position"
	"leverage-worker/internal/pricestore"
	"leverage-worker/internal/scalping"
	"leverage-worker/internal/scheduler"
	"leverage-worker/internal/session"
	"leverage-worker/internal/stream"
	"leverage-worker/pkg/db"
	"leverage-worker/pkg/health"
)

// Broker is the subset of the Broker Gateway the Controller drives
// directly, narrowed the same way order.Gateway/scalping.Gateway/
// strategy.HostGateway narrow the rest of the tree's gateway dependency.
type Broker interface {
	EnsureAuthenticated(ctx context.Context, tokenRefreshBefore time.Duration) error
	Positions() position.BrokerBalance
	GetCurrentPrice(symbol string) (int64, error)
	GetDailyCandles(symbol, from, to string) ([]gateway.DailyBar, error)
	GetMinuteCandles(symbol, anchorHMS string) ([]gateway.MinuteBar, error)
}

// Deps bundles every already-constructed component the Controller wires
// together.
type Deps struct {
	Gateway   Broker
	Positions *position.Manager
	Orders    *order.Manager
	Scheduler *scheduler.Scheduler
	Session   *session.Manager
	Audit     *audit.Log
	Health    *health.Registry
	Bus       *events.Bus
	PriceStore *pricestore.Store
	TradingDB *db.Database
	MarketDB  *db.Database
	Symbols   []string
	Clock     clock.Clock

	// HealthServer is optional; nil disables the HTTP surface entirely.
	HealthServer *health.Server
	// Stream is nil when no configured strategy runs in websocket mode.
	Stream *stream.Stream
	// ExitMonitor is nil when no non-scalping strategy needs TP/SL/timeout
	// watching.
	ExitMonitor *exitmonitor.Monitor
	// ScalpingExecutors is keyed by symbol and must be fully populated
	// before Start; the Controller only reads it afterward.
	ScalpingExecutors map[string]*scalping.Executor

	TokenRefreshBefore        time.Duration
	TokenRefreshInterval      time.Duration
	HeartbeatInterval         time.Duration
	HealthCheckInterval       time.Duration
	EmergencyStopPath         string
	EmergencyStopPollInterval time.Duration
}

// LiquidationReport summarizes one RunEODLiquidation pass.
type LiquidationReport struct {
	Total   int
	Filled  int
	Partial int
	Failed  int
}

// Controller owns process startup/shutdown and the bus dispatch loop.
type Controller struct {
	deps Deps

	mu            sync.Mutex
	lastNoticeQty map[string]int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()
}

// New constructs a Controller, filling in spec.md §4.10's named interval
// defaults for anything the caller left zero.
func New(deps Deps) *Controller {
	if deps.TokenRefreshInterval <= 0 {
		deps.TokenRefreshInterval = 5 * time.Minute
	}
	if deps.HeartbeatInterval <= 0 {
		deps.HeartbeatInterval = 10 * time.Second
	}
	if deps.HealthCheckInterval <= 0 {
		deps.HealthCheckInterval = 60 * time.Second
	}
	if deps.EmergencyStopPollInterval <= 0 {
		deps.EmergencyStopPollInterval = 5 * time.Second
	}
	return &Controller{deps: deps, lastNoticeQty: make(map[string]int64)}
}

// DefaultEmergencyStopPath mirrors
// original_source/leverage_worker/core/emergency.py's conventional sentinel
// file location.
func DefaultEmergencyStopPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".leverage_worker", "EMERGENCY_STOP")
}

func (c *Controller) clockNow() time.Time {
	if c.deps.Clock != nil {
		return c.deps.Clock.Now()
	}
	return time.Now()
}

// Start implements spec.md §4.10's startup sequence: crash check, broker
// auth, position sync, order recovery, cache priming, health checks, the
// emergency-stop watcher, bus dispatch, the scheduler loop, the realtime
// stream (if configured), and the session heartbeat — each long-running
// piece as its own goroutine under one cancellable context.
func (c *Controller) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	crashed, err := c.deps.Session.Start()
	if err != nil {
		return fmt.Errorf("lifecycle: session start: %w", err)
	}
	if crashed {
		_ = c.deps.Audit.Append(audit.Record{
			Timestamp: time.Now().Unix(), EventType: audit.EventEmergencyStop,
			Module: "lifecycle", SessionID: c.deps.Session.SessionID(),
			Reason: "prior session left session_state running; crash recovered on start",
		})
	}

	if err := c.deps.Gateway.EnsureAuthenticated(runCtx, c.deps.TokenRefreshBefore); err != nil {
		cancel()
		return fmt.Errorf("lifecycle: initial authentication: %w", err)
	}
	c.wg.Add(1)
	go c.runTokenRefresher(runCtx)

	if err := c.deps.Positions.Load(); err != nil {
		cancel()
		return fmt.Errorf("lifecycle: load positions: %w", err)
	}
	if _, _, err := c.deps.Positions.Sync(c.deps.Gateway.Positions()); err != nil {
		cancel()
		return fmt.Errorf("lifecycle: sync positions with broker: %w", err)
	}

	if err := c.deps.Orders.Load(); err != nil {
		cancel()
		return fmt.Errorf("lifecycle: load orders: %w", err)
	}

	c.primeCaches()

	c.registerHealthChecks()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.deps.Health.Run(runCtx, c.deps.HealthCheckInterval)
	}()
	if c.deps.HealthServer != nil {
		if err := c.deps.HealthServer.Start(); err != nil {
			cancel()
			return fmt.Errorf("lifecycle: start health server: %w", err)
		}
	}

	c.wg.Add(1)
	go c.runEmergencyWatcher(runCtx)

	tickCh, unsubTick := c.deps.Bus.Subscribe(events.EventTick, 256)
	noticeCh, unsubNotice := c.deps.Bus.Subscribe(events.EventOrderNotice, 64)
	c.unsubs = []func(){unsubTick, unsubNotice}
	c.wg.Add(1)
	go c.runDispatch(runCtx, tickCh, noticeCh)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.deps.Scheduler.Run(runCtx)
	}()

	if c.deps.Stream != nil {
		if err := c.deps.Stream.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("lifecycle: start realtime stream: %w", err)
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.deps.Session.Run(runCtx, c.deps.HeartbeatInterval, c.heartbeatSource)
	}()

	return nil
}

// Stop implements spec.md §4.10's shutdown sequence in reverse-dependency
// order: stop accepting new dispatch, stop the health HTTP surface, stop
// the realtime stream, best-effort cancel every resting order, wait for
// every goroutine Start launched to return, then mark the session stopped
// so the next start doesn't read this one as crashed.
func (c *Controller) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	for _, unsub := range c.unsubs {
		unsub()
	}
	if c.deps.HealthServer != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.deps.HealthServer.Stop(shCtx)
		shCancel()
	}
	if c.deps.Stream != nil {
		c.deps.Stream.Stop()
	}
	_ = c.deps.Orders.CancelAllPending()
	c.wg.Wait()

	if err := c.deps.Session.Stop(); err != nil {
		return fmt.Errorf("lifecycle: session stop: %w", err)
	}
	return nil
}

func (c *Controller) heartbeatSource() (activeOrderIDs, positionSymbols []string) {
	active := c.deps.Orders.Active()
	ids := make([]string, len(active))
	for i, o := range active {
		ids[i] = o.OrderID
	}
	positions := c.deps.Positions.GetAll()
	syms := make([]string, len(positions))
	for i, p := range positions {
		syms[i] = p.Symbol
	}
	return ids, syms
}

func (c *Controller) runTokenRefresher(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.deps.TokenRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.deps.Gateway.EnsureAuthenticated(ctx, c.deps.TokenRefreshBefore)
		}
	}
}

// primeCaches implements spec.md §4.10 step 5: seed the Price Store with
// 100+ days of daily candles and a trailing window of minute candles per
// configured symbol, via the Broker Gateway's GetDailyCandles/
// GetMinuteCandles (spec.md §4.1). Best-effort: a symbol that fails to
// prime still gets picked up by the Strategy Host's own
// HasMinimumDailyCandles precondition check before any signal fires.
func (c *Controller) primeCaches() {
	if c.deps.PriceStore == nil {
		return
	}
	now := c.clockNow()
	to := now.Format("20060102")
	from := now.AddDate(0, 0, -150).Format("20060102")

	for _, symbol := range c.deps.Symbols {
		if daily, err := c.deps.Gateway.GetDailyCandles(symbol, from, to); err == nil {
			for _, b := range daily {
				_ = c.deps.PriceStore.UpsertDaily(symbol, b.TradeDate, b.Open, b.High, b.Low, b.Close, b.Volume)
			}
		}

		minute, err := c.deps.Gateway.GetMinuteCandles(symbol, "")
		if err != nil {
			continue
		}
		for _, b := range minute {
			ts, err := minuteTSFor(now, b.TimeHMS)
			if err != nil {
				continue
			}
			_ = c.deps.PriceStore.SeedMinuteCandle(symbol, ts, b.Open, b.High, b.Low, b.Close, b.Volume)
		}
	}
}

func minuteTSFor(now time.Time, hms string) (int64, error) {
	if len(hms) != 6 {
		return 0, fmt.Errorf("lifecycle: malformed HHMMSS %q", hms)
	}
	h, err1 := strconv.Atoi(hms[0:2])
	m, err2 := strconv.Atoi(hms[2:4])
	if err1 != nil || err2 != nil {
		return 0, fmt.Errorf("lifecycle: malformed HHMMSS %q", hms)
	}
	t := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
	return t.Unix(), nil
}

// registerHealthChecks implements spec.md §4.10 step 7 and SPEC_FULL.md
// §12: named probes for broker reachability, both SQLite stores, and
// realtime-stream staleness.
func (c *Controller) registerHealthChecks() {
	c.deps.Health.Register("broker_gateway", func(ctx context.Context) error {
		if len(c.deps.Symbols) == 0 {
			return nil
		}
		_, err := c.deps.Gateway.GetCurrentPrice(c.deps.Symbols[0])
		return err
	})
	c.deps.Health.Register("trading_db", func(ctx context.Context) error {
		return c.deps.TradingDB.DB.PingContext(ctx)
	})
	c.deps.Health.Register("market_db", func(ctx context.Context) error {
		return c.deps.MarketDB.DB.PingContext(ctx)
	})
	if c.deps.Stream != nil {
		c.deps.Health.Register("realtime_stream", func(ctx context.Context) error {
			if !c.deps.Stream.IsOrderNoticeActive() {
				return fmt.Errorf("order-notice feed stale")
			}
			return nil
		})
	}
}

// runEmergencyWatcher implements spec.md §4.10's emergency stop, grounded
// on original_source/leverage_worker/core/emergency.py: poll a sentinel
// file; on the first sighting, its contents become the stop reason, the
// file is removed so the trigger fires exactly once, and every resting
// order is cancelled.
func (c *Controller) runEmergencyWatcher(ctx context.Context) {
	defer c.wg.Done()
	if c.deps.EmergencyStopPath == "" {
		return
	}
	ticker := time.NewTicker(c.deps.EmergencyStopPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := os.ReadFile(c.deps.EmergencyStopPath)
			if err != nil {
				continue
			}
			reason := strings.TrimSpace(string(data))
			if reason == "" {
				reason = "emergency stop file present"
			}
			_ = os.Remove(c.deps.EmergencyStopPath)
			c.triggerEmergencyStop(reason)
		}
	}
}

func (c *Controller) triggerEmergencyStop(reason string) {
	errs := c.deps.Orders.CancelAllPending()
	_ = c.deps.Audit.Append(audit.Record{
		Timestamp: time.Now().Unix(), EventType: audit.EventEmergencyStop,
		Module: "lifecycle", SessionID: c.deps.Session.SessionID(),
		Reason: reason, Status: fmt.Sprintf("cancel_errors=%d", len(errs)),
	})
	c.deps.Bus.Publish(events.EventEmergencyStop, reason)
}

// runDispatch fans EventTick/EventOrderNotice out to the Exit Monitor and
// the per-symbol Scalping Executors. The two can't share a dispatch
// interface — Executor.OnTick is already bound to one symbol while
// Monitor.OnTick takes the symbol as an argument — so the Controller
// drives each directly off the bus subscription.
func (c *Controller) runDispatch(ctx context.Context, tickCh, noticeCh <-chan any) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-tickCh:
			if !ok {
				continue
			}
			tick, ok := payload.(events.TickEvent)
			if !ok {
				continue
			}
			now := c.clockNow()
			if c.deps.ExitMonitor != nil {
				c.deps.ExitMonitor.OnTick(tick.Symbol, tick.Price, now)
			}
			if ex, ok := c.deps.ScalpingExecutors[tick.Symbol]; ok && ex.Active() {
				ex.OnTick(tick.Price, now)
			}
		case payload, ok := <-noticeCh:
			if !ok {
				continue
			}
			notice, ok := payload.(events.OrderNoticeEvent)
			if !ok {
				continue
			}
			ex, exists := c.deps.ScalpingExecutors[notice.Symbol]
			if !exists {
				continue
			}
			if delta := c.orderNoticeDelta(notice.OrderID, notice.FilledQty); delta > 0 {
				ex.OnOrderNotice(notice.Symbol, notice.OrderID, delta, notice.FilledPrice)
			}
		}
	}
}

// orderNoticeDelta converts the wire's cumulative filled quantity (spec.md
// §4.2) into the incremental fill Executor.OnOrderNotice expects, so a
// retransmitted notice can never double-count a fill.
func (c *Controller) orderNoticeDelta(orderID string, cumulative int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.lastNoticeQty[orderID]
	if cumulative <= prev {
		return 0
	}
	c.lastNoticeQty[orderID] = cumulative
	return cumulative - prev
}

// RunEODLiquidation implements spec.md §4.10's end-of-day liquidation
// procedure: liquidation mode blocks new buys, resting orders are
// cancelled, then every open position is submitted as a market sell
// (bounded to 10 concurrent; each PlaceMarketSell call already carries its
// own retry budget), followed by a bounded wait for fills and a final
// broker resync.
func (c *Controller) RunEODLiquidation(ctx context.Context) (LiquidationReport, error) {
	c.deps.Orders.SetLiquidationMode(true)
	defer c.deps.Orders.SetLiquidationMode(false)

	c.deps.Orders.CancelAllPending()

	snapshot := c.deps.Positions.GetAll()
	report := LiquidationReport{}
	held := make([]position.Position, 0, len(snapshot))
	for _, p := range snapshot {
		if p.Quantity > 0 {
			held = append(held, p)
		}
	}
	report.Total = len(held)
	if len(held) == 0 {
		return report, nil
	}

	attemptErr := make(map[string]error, len(held))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, 10)
	for _, p := range held {
		wg.Add(1)
		sem <- struct{}{}
		go func(p position.Position) {
			defer wg.Done()
			defer func() { <-sem }()
			_, err := c.deps.Orders.PlaceMarketSell(p.Symbol, p.Quantity, p.StrategyName, "eod_liquidation")
			mu.Lock()
			attemptErr[p.Symbol] = err
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if err := c.deps.Orders.CheckFills(c.deps.Positions); err != nil {
			break
		}
		if len(c.deps.Orders.Active()) == 0 {
			break
		}
		time.Sleep(time.Second)
	}

	if _, _, err := c.deps.Positions.Sync(c.deps.Gateway.Positions()); err != nil {
		return report, fmt.Errorf("lifecycle: post-liquidation position sync: %w", err)
	}

	stillHeld := make(map[string]bool)
	for _, p := range c.deps.Positions.GetAll() {
		if p.Quantity > 0 {
			stillHeld[p.Symbol] = true
		}
	}
	for _, p := range held {
		switch {
		case attemptErr[p.Symbol] != nil:
			report.Failed++
		case !stillHeld[p.Symbol]:
			report.Filled++
		default:
			report.Partial++
		}
	}

	_ = c.deps.Audit.Append(audit.Record{
		Timestamp: time.Now().Unix(), EventType: audit.EventLiquidation,
		Module: "lifecycle", SessionID: c.deps.Session.SessionID(),
		Status: fmt.Sprintf("total=%d filled=%d partial=%d failed=%d", report.Total, report.Filled, report.Partial, report.Failed),
	})
	return report, nil
}
