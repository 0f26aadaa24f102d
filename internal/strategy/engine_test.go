package strategy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"leverage-worker/internal/order"
	"leverage-worker/internal/position"
	"leverage-worker/internal/pricestore"
	"leverage-worker/pkg/db"
)

func openTestStore(t *testing.T) *pricestore.Store {
	t.Helper()
	dir := t.TempDir()
	d, err := db.Open(filepath.Join(dir, "market_test.db"))
	if err != nil {
		t.Fatalf("open market db: %v", err)
	}
	if err := db.ApplyMarketDataMigrations(d); err != nil {
		t.Fatalf("apply market migrations: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return pricestore.New(d)
}

func openTestPositions(t *testing.T) *position.Manager {
	t.Helper()
	dir := t.TempDir()
	d, err := db.Open(filepath.Join(dir, "trading_test.db"))
	if err != nil {
		t.Fatalf("open trading db: %v", err)
	}
	if err := db.ApplyTradingMigrations(d); err != nil {
		t.Fatalf("apply trading migrations: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return position.New(d)
}

type stubGateway struct {
	price   int64
	buyable int64
}

func (g *stubGateway) GetCurrentPrice(symbol string) (int64, error) { return g.price, nil }
func (g *stubGateway) GetBuyableQuantity(symbol string, currentPrice int64) (int64, int64, error) {
	return g.buyable, g.buyable * currentPrice, nil
}

type stubOrders struct {
	pending    bool
	buyCalls   int
	sellCalls  int
	buyErr     error
	sellErr    error
	lastBuyQty int64
}

func (o *stubOrders) IsPending(symbol string) bool { return o.pending }
func (o *stubOrders) PlaceBuyOrder(symbol string, qty int64, strategy string, checkDeposit bool, signalPrice int64) (string, error) {
	o.buyCalls++
	o.lastBuyQty = qty
	if o.buyErr != nil {
		return "", o.buyErr
	}
	return "order-1", nil
}
func (o *stubOrders) PlaceSellWithFallback(ctx context.Context, symbol string, qty int64, strategy string, limitPrice int64, avgCostSnapshot float64, fallbackSeconds time.Duration) (*order.ManagedOrder, error) {
	o.sellCalls++
	if o.sellErr != nil {
		return nil, o.sellErr
	}
	return &order.ManagedOrder{OrderID: "order-2"}, nil
}

// stubStrategy always returns a fixed signal and records lifecycle calls.
type stubStrategy struct {
	name          string
	mode          string
	canSignal     bool
	signal        TradingSignal
	entryCalls    int
	exitCalls     int
}

func (s *stubStrategy) Name() string                       { return s.name }
func (s *stubStrategy) ExecutionMode() string               { return s.mode }
func (s *stubStrategy) CanGenerateSignal(ctx Context) bool   { return s.canSignal }
func (s *stubStrategy) GenerateSignal(ctx Context) TradingSignal { return s.signal }
func (s *stubStrategy) OnEntry(ctx Context, signal TradingSignal) { s.entryCalls++ }
func (s *stubStrategy) OnExit(ctx Context, signal TradingSignal)  { s.exitCalls++ }

func TestOnStockTickSkipsWhenOrderPending(t *testing.T) {
	gw := &stubGateway{price: 10000, buyable: 1}
	orders := &stubOrders{pending: true}
	h := New(gw, openTestStore(t), openTestPositions(t), orders, nil)
	strat := &stubStrategy{name: "s1", canSignal: true, signal: TradingSignal{Action: ActionBuy, Qty: 1}}
	h.Attach("005930", "s1", strat)

	h.OnStockTick("005930", time.Now())

	if orders.buyCalls != 0 {
		t.Fatalf("expected no buy call while order pending, got %d", orders.buyCalls)
	}
}

func TestOnStockTickRoutesBuySignal(t *testing.T) {
	gw := &stubGateway{price: 10000, buyable: 3}
	orders := &stubOrders{}
	h := New(gw, openTestStore(t), openTestPositions(t), orders, nil)
	strat := &stubStrategy{name: "s1", canSignal: true, signal: TradingSignal{Action: ActionBuy, Qty: 1}}
	h.Attach("005930", "s1", strat)

	h.OnStockTick("005930", time.Now())

	if orders.buyCalls != 1 {
		t.Fatalf("buyCalls = %d, want 1", orders.buyCalls)
	}
	if orders.lastBuyQty != 3 {
		t.Fatalf("lastBuyQty = %d, want 3 (buyable quantity overrides signal qty)", orders.lastBuyQty)
	}
	if strat.entryCalls != 1 {
		t.Fatalf("OnEntry calls = %d, want 1", strat.entryCalls)
	}
}

func TestOnStockTickSkipsWebsocketModeStrategies(t *testing.T) {
	gw := &stubGateway{price: 10000, buyable: 1}
	orders := &stubOrders{}
	h := New(gw, openTestStore(t), openTestPositions(t), orders, nil)
	strat := &stubStrategy{name: "s1", mode: "websocket", canSignal: true, signal: TradingSignal{Action: ActionBuy, Qty: 1}}
	h.Attach("005930", "s1", strat)

	h.OnStockTick("005930", time.Now())

	if orders.buyCalls != 0 {
		t.Fatalf("expected websocket-mode strategy to be skipped by scheduler dispatch, got %d buy calls", orders.buyCalls)
	}
}

func TestOnStockTickSkipsNonOwningStrategyForExit(t *testing.T) {
	gw := &stubGateway{price: 10000, buyable: 1}
	orders := &stubOrders{}
	positions := openTestPositions(t)
	if _, err := positions.Add("005930", 10, 9000, "owner", "o1"); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	h := New(gw, openTestStore(t), positions, orders, nil)
	strat := &stubStrategy{name: "intruder", canSignal: true, signal: TradingSignal{Action: ActionSell, Qty: 10}}
	h.Attach("005930", "intruder", strat)

	h.OnStockTick("005930", time.Now())

	if orders.sellCalls != 0 {
		t.Fatalf("expected non-owning strategy not to trigger a sell, got %d", orders.sellCalls)
	}
}

func TestOnStockTickRoutesSellForOwningStrategy(t *testing.T) {
	gw := &stubGateway{price: 11000, buyable: 1}
	orders := &stubOrders{}
	positions := openTestPositions(t)
	if _, err := positions.Add("005930", 10, 9000, "owner", "o1"); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	h := New(gw, openTestStore(t), positions, orders, nil)
	strat := &stubStrategy{name: "owner", canSignal: true, signal: TradingSignal{Action: ActionSell, Qty: 10}}
	h.Attach("005930", "owner", strat)

	h.OnStockTick("005930", time.Now())

	if orders.sellCalls != 1 {
		t.Fatalf("sellCalls = %d, want 1", orders.sellCalls)
	}
	if strat.exitCalls != 1 {
		t.Fatalf("OnExit calls = %d, want 1", strat.exitCalls)
	}
}
