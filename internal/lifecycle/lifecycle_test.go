package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"leverage-worker/internal/audit"
	"leverage-worker/internal/clock"
	"leverage-worker/internal/events"
	"leverage-worker/internal/gateway"
	"leverage-worker/internal/order"
	"leverage-worker/internal/position"
	"leverage-worker/internal/pricestore"
	"leverage-worker/internal/scheduler"
	"leverage-worker/internal/session"
	"leverage-worker/pkg/db"
	"leverage-worker/pkg/health"
)

// fakeBroker implements Broker without any network dependency.
type fakeBroker struct {
	mu           sync.Mutex
	price        int64
	priceErr     error
	authErr      error
	authCalls    int
	positionsOut []position.BrokerPosition
}

func (f *fakeBroker) EnsureAuthenticated(ctx context.Context, tokenRefreshBefore time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	return f.authErr
}

func (f *fakeBroker) Positions() position.BrokerBalance { return fakeBrokerBalance{f.positionsOut} }

func (f *fakeBroker) GetCurrentPrice(symbol string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, f.priceErr
}

func (f *fakeBroker) GetDailyCandles(symbol, from, to string) ([]gateway.DailyBar, error) {
	return []gateway.DailyBar{{TradeDate: "20260729", Open: 100, High: 110, Low: 95, Close: 105, Volume: 1000}}, nil
}

func (f *fakeBroker) GetMinuteCandles(symbol, anchorHMS string) ([]gateway.MinuteBar, error) {
	return []gateway.MinuteBar{{TimeHMS: "093000", Open: 100, High: 101, Low: 99, Close: 100, Volume: 10}}, nil
}

type fakeBrokerBalance struct {
	out []position.BrokerPosition
}

func (f fakeBrokerBalance) GetBalance() ([]position.BrokerPosition, error) { return f.out, nil }

// fakeOrderGateway is the narrow order.Gateway fake, same style as
// internal/order's own test fakes.
type fakeOrderGateway struct {
	mu       sync.Mutex
	orderSeq int
	failing  bool
	placed   []order.OrderInfo // reported back as immediately, fully filled
}

func (f *fakeOrderGateway) nextID() string {
	f.orderSeq++
	return "ORD" + string(rune('0'+f.orderSeq))
}

func (f *fakeOrderGateway) GetCurrentPrice(symbol string) (int64, error) { return 70000, nil }
func (f *fakeOrderGateway) GetBestAsk(symbol string) (int64, error)      { return 70000, nil }
func (f *fakeOrderGateway) GetDeposit() (int64, error)                   { return 10_000_000, nil }

func (f *fakeOrderGateway) PlaceMarketOrder(symbol string, side order.Side, qty int64) (order.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return order.OrderResult{}, context.DeadlineExceeded
	}
	id := f.nextID()
	f.placed = append(f.placed, order.OrderInfo{
		OrderID: id, Symbol: symbol, Side: side,
		OrderedQty: qty, FilledQty: qty, FilledPrice: 70000,
	})
	return order.OrderResult{OrderID: id, BranchCode: "01"}, nil
}

func (f *fakeOrderGateway) PlaceLimitOrder(symbol string, side order.Side, qty, price int64) (order.OrderResult, error) {
	return f.PlaceMarketOrder(symbol, side, qty)
}
func (f *fakeOrderGateway) CancelOrder(orderID, branch string, qty int64) error { return nil }
func (f *fakeOrderGateway) ModifyOrder(orderID, branch string, qty, newPrice int64) (string, error) {
	return orderID, nil
}
func (f *fakeOrderGateway) GetOrderStatus(orderID, symbol string, orderedQty int64, side order.Side) (int64, int64, error) {
	return orderedQty, 0, nil
}

// GetTodayOrders reports every order placed so far as immediately, fully
// filled — enough for CheckFills to reconcile it out of the active set
// without a real broker round trip.
func (f *fakeOrderGateway) GetTodayOrders() ([]order.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]order.OrderInfo, len(f.placed))
	copy(out, f.placed)
	return out, nil
}

func (f *fakeOrderGateway) GetBuyableQuantity(symbol string, currentPrice int64) (int64, int64, error) {
	return 100, 10_000_000, nil
}
func (f *fakeOrderGateway) HasPosition(symbol string) (bool, error) { return false, nil }

func openTradingDB(t *testing.T) *db.Database {
	t.Helper()
	dir := t.TempDir()
	d, err := db.Open(filepath.Join(dir, "trading_test.db"))
	if err != nil {
		t.Fatalf("open trading db: %v", err)
	}
	if err := db.ApplyTradingMigrations(d); err != nil {
		t.Fatalf("apply trading migrations: %v", err)
	}
	if err := db.ApplyMarketDataMigrations(d); err != nil {
		t.Fatalf("apply market data migrations: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func newTestController(t *testing.T, broker *fakeBroker, orderGW *fakeOrderGateway) (*Controller, *order.Manager, *position.Manager) {
	t.Helper()
	c, orders, positions, _ := newTestControllerWithStore(t, broker, orderGW)
	return c, orders, positions
}

func newTestControllerWithStore(t *testing.T, broker *fakeBroker, orderGW *fakeOrderGateway) (*Controller, *order.Manager, *position.Manager, *pricestore.Store) {
	t.Helper()
	trading := openTradingDB(t)
	auditLog := audit.New(trading)
	positions := position.New(trading)
	orders := order.New(orderGW, trading, auditLog, "test-session", nil)
	sess := session.New(trading)
	sched := scheduler.New(clock.Real{}, clock.Session{Start: "09:00", End: "15:30"}, nil)
	store := pricestore.New(trading)

	deps := Deps{
		Gateway:                   broker,
		Positions:                 positions,
		Orders:                    orders,
		Scheduler:                 sched,
		Session:                   sess,
		Audit:                     auditLog,
		Health:                    health.NewRegistry(),
		Bus:                       events.NewBus(),
		PriceStore:                store,
		TradingDB:                 trading,
		MarketDB:                  trading,
		Symbols:                   []string{"005930"},
		TokenRefreshInterval:      time.Hour,
		HeartbeatInterval:         time.Hour,
		HealthCheckInterval:       time.Hour,
		EmergencyStopPollInterval: 20 * time.Millisecond,
	}
	return New(deps), orders, positions, store
}

func TestStartDetectsPriorCrash(t *testing.T) {
	trading := openTradingDB(t)
	prior := session.New(trading)
	if _, err := prior.Start(); err != nil {
		t.Fatalf("prior session start: %v", err)
	}
	// prior never calls Stop, simulating a crash.

	auditLog := audit.New(trading)
	positions := position.New(trading)
	orders := order.New(&fakeOrderGateway{}, trading, auditLog, "test-session-2", nil)
	sess := session.New(trading)
	sched := scheduler.New(clock.Real{}, clock.Session{Start: "09:00", End: "15:30"}, nil)

	c := New(Deps{
		Gateway:   &fakeBroker{},
		Positions: positions,
		Orders:    orders,
		Scheduler: sched,
		Session:   sess,
		Audit:     auditLog,
		Health:    health.NewRegistry(),
		Bus:       events.NewBus(),
		TradingDB: trading,
		MarketDB:  trading,
		Symbols:   []string{"005930"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	var found bool
	rows, err := trading.DB.Query(`SELECT detail FROM crash_log`)
	if err != nil {
		t.Fatalf("query crash_log: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		found = true
	}
	if !found {
		t.Fatalf("expected a crash_log row after starting over a running session_state")
	}
}

func TestStartPrimesPriceStoreFromBroker(t *testing.T) {
	broker := &fakeBroker{price: 70000}
	c, _, _, store := newTestControllerWithStore(t, broker, &fakeOrderGateway{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	has, err := store.HasMinimumDailyCandles("005930", 1)
	if err != nil {
		t.Fatalf("has minimum daily candles: %v", err)
	}
	if !has {
		t.Fatalf("expected at least one primed daily candle")
	}
}

func TestStopWritesSessionStopped(t *testing.T) {
	c, _, _ := newTestController(t, &fakeBroker{}, &fakeOrderGateway{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	st, err := c.deps.Session.Load()
	if err != nil {
		t.Fatalf("load session state: %v", err)
	}
	if st.Status != session.StatusStopped {
		t.Fatalf("status = %q, want stopped", st.Status)
	}
}

func TestEmergencyStopFileTriggersCancelAndIsRemoved(t *testing.T) {
	c, orders, _ := newTestController(t, &fakeBroker{}, &fakeOrderGateway{})

	dir := t.TempDir()
	path := filepath.Join(dir, "EMERGENCY_STOP")
	if err := os.WriteFile(path, []byte("operator requested halt"), 0o644); err != nil {
		t.Fatalf("write emergency stop file: %v", err)
	}
	c.deps.EmergencyStopPath = path

	// Seed one active order so CancelAllPending has something to act on.
	if _, err := orders.PlaceMarketSell("005930", 10, "manual", "test"); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected emergency stop file to be removed after trigger")
	}
	if len(orders.Active()) != 0 {
		t.Fatalf("expected emergency stop to cancel the seeded order")
	}
}

func TestRunEODLiquidationSellsEveryHeldPosition(t *testing.T) {
	c, orders, positions := newTestController(t, &fakeBroker{}, &fakeOrderGateway{})
	if _, err := positions.Add("005930", 10, 70000, "scalp", "seed1"); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	if _, err := positions.Add("000660", 5, 120000, "scalp", "seed2"); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	report, err := c.RunEODLiquidation(context.Background())
	if err != nil {
		t.Fatalf("run eod liquidation: %v", err)
	}
	if report.Total != 2 {
		t.Fatalf("report.Total = %d, want 2", report.Total)
	}
	if report.Failed != 0 {
		t.Fatalf("report.Failed = %d, want 0", report.Failed)
	}
	if len(orders.Active()) != 0 {
		t.Fatalf("expected the filled market sells to be reconciled out of the active set, got %d", len(orders.Active()))
	}
}

func TestRunEODLiquidationCountsFailuresWhenBrokerRejects(t *testing.T) {
	gw := &fakeOrderGateway{failing: true}
	c, _, positions := newTestController(t, &fakeBroker{}, gw)
	if _, err := positions.Add("005930", 10, 70000, "scalp", "seed1"); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	report, err := c.RunEODLiquidation(context.Background())
	if err != nil {
		t.Fatalf("run eod liquidation: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("report.Failed = %d, want 1", report.Failed)
	}
}

func TestOrderNoticeDeltaDedupesRetransmission(t *testing.T) {
	c, _, _ := newTestController(t, &fakeBroker{}, &fakeOrderGateway{})

	if d := c.orderNoticeDelta("ORD1", 5); d != 5 {
		t.Fatalf("first delta = %d, want 5", d)
	}
	if d := c.orderNoticeDelta("ORD1", 5); d != 0 {
		t.Fatalf("retransmitted delta = %d, want 0", d)
	}
	if d := c.orderNoticeDelta("ORD1", 8); d != 3 {
		t.Fatalf("widened delta = %d, want 3", d)
	}
}
