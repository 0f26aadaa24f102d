package scalping

import (
	"testing"
	"time"

	"leverage-worker/internal/order"
)

type fakeGateway struct {
	buyable      int64
	orderSeq     int
	orders       map[string]*order.OrderInfo
	placeLimitErr error
}

func newFakeGateway(buyable int64) *fakeGateway {
	return &fakeGateway{buyable: buyable, orders: make(map[string]*order.OrderInfo)}
}

func (g *fakeGateway) GetBuyableQuantity(symbol string, currentPrice int64) (int64, int64, error) {
	return g.buyable, g.buyable * currentPrice, nil
}

func (g *fakeGateway) nextID() string {
	g.orderSeq++
	return "ord-" + string(rune('0'+g.orderSeq))
}

func (g *fakeGateway) PlaceLimitOrder(symbol string, side order.Side, qty, price int64) (order.OrderResult, error) {
	if g.placeLimitErr != nil {
		return order.OrderResult{}, g.placeLimitErr
	}
	id := g.nextID()
	g.orders[id] = &order.OrderInfo{OrderID: id, Symbol: symbol, Side: side, OrderedQty: qty}
	return order.OrderResult{OrderID: id, BranchCode: "01"}, nil
}

func (g *fakeGateway) PlaceMarketOrder(symbol string, side order.Side, qty int64) (order.OrderResult, error) {
	id := g.nextID()
	g.orders[id] = &order.OrderInfo{OrderID: id, Symbol: symbol, Side: side, OrderedQty: qty, FilledQty: qty}
	return order.OrderResult{OrderID: id, BranchCode: "01"}, nil
}

func (g *fakeGateway) CancelOrder(orderID, branch string, qty int64) error {
	return nil
}

func (g *fakeGateway) GetTodayOrders() ([]order.OrderInfo, error) {
	out := make([]order.OrderInfo, 0, len(g.orders))
	for _, o := range g.orders {
		out = append(out, *o)
	}
	return out, nil
}

// fillOrder marks orderID as filled at price in the fake gateway's book, as
// if a poll against the broker would observe it.
func (g *fakeGateway) fillOrder(orderID string, qty, price int64) {
	o := g.orders[orderID]
	o.FilledQty = qty
	o.FilledPrice = price
}

func baseConfig() Config {
	cfg := DefaultConfig()
	cfg.MinTicks = 3
	cfg.WindowSeconds = 10
	cfg.PollInterval = 0 // poll every tick in tests
	return cfg
}

func TestActivateEntersMonitoring(t *testing.T) {
	gw := newFakeGateway(10)
	e := New("005930", gw, baseConfig(), nil, nil)
	e.Activate("sma_cross", 10000, time.Now())
	if e.State() != StateMonitoring {
		t.Fatalf("state = %v, want monitoring", e.State())
	}
}

func TestMonitoringTransitionsToBuyPendingOnDip(t *testing.T) {
	gw := newFakeGateway(10)
	e := New("005930", gw, baseConfig(), nil, nil)
	now := time.Now()
	e.Activate("sma_cross", 10000, now)

	// Rising ticks satisfy the uptick-ratio trend gate; percentile stays
	// below the signal price so a buy is submitted. Every tick stays above
	// the 1% SL floor (9900), which would otherwise kill the signal.
	prices := []int64{9910, 9920, 9940, 9960}
	for i, p := range prices {
		e.OnTick(p, now.Add(time.Duration(i)*time.Second))
	}

	if e.State() != StateBuyPending {
		t.Fatalf("state = %v, want buy_pending", e.State())
	}
}

func TestFullCycleReachesCooldownWithPnL(t *testing.T) {
	gw := newFakeGateway(10)
	var results []Result
	e := New("005930", gw, baseConfig(), nil, func(r Result) { results = append(results, r) })
	now := time.Now()
	e.Activate("sma_cross", 10000, now)

	prices := []int64{9910, 9920, 9940, 9960}
	for i, p := range prices {
		now = now.Add(time.Duration(i+1) * time.Second)
		e.OnTick(p, now)
	}
	if e.State() != StateBuyPending {
		t.Fatalf("state = %v, want buy_pending", e.State())
	}

	// Find the buy order the fake gateway just recorded and mark it filled.
	var buyID string
	for id, o := range gw.orders {
		if o.Side == order.SideBuy {
			buyID = id
		}
	}
	gw.fillOrder(buyID, 10, 9960)

	now = now.Add(time.Second)
	e.OnTick(9960, now) // poll picks up the full buy fill, submits the profit-take sell
	if e.State() != StateSellPending {
		t.Fatalf("state = %v, want sell_pending", e.State())
	}

	var sellID string
	for id, o := range gw.orders {
		if o.Side == order.SideSell {
			sellID = id
		}
	}
	gw.fillOrder(sellID, 10, 10050)

	now = now.Add(time.Second)
	e.OnTick(10050, now) // poll picks up the full sell fill
	if e.State() != StateCooldown {
		t.Fatalf("state = %v, want cooldown", e.State())
	}
	if len(results) != 1 {
		t.Fatalf("onCycleResult calls = %d, want 1", len(results))
	}
	if results[0].PnL <= 0 {
		t.Fatalf("PnL = %v, want positive", results[0].PnL)
	}
}

func TestSignalKilledOnTimeout(t *testing.T) {
	gw := newFakeGateway(10)
	cfg := baseConfig()
	cfg.TimeoutMinutes = 0 // expires immediately
	e := New("005930", gw, cfg, nil, nil)
	now := time.Now()
	e.Activate("sma_cross", 10000, now)

	e.OnTick(10000, now.Add(time.Millisecond))

	if e.State() != StateIdle {
		t.Fatalf("state = %v, want idle after timeout kill", e.State())
	}
}

func TestOrderNoticeDedupesDuplicateFills(t *testing.T) {
	gw := newFakeGateway(10)
	e := New("005930", gw, baseConfig(), nil, nil)
	now := time.Now()
	e.Activate("sma_cross", 10000, now)

	prices := []int64{9910, 9920, 9940, 9960}
	for i, p := range prices {
		e.OnTick(p, now.Add(time.Duration(i+1)*time.Second))
	}
	if e.State() != StateBuyPending {
		t.Fatalf("state = %v, want buy_pending", e.State())
	}

	var buyID string
	var orderedQty int64
	for id, o := range gw.orders {
		if o.Side == order.SideBuy {
			buyID = id
			orderedQty = o.OrderedQty
		}
	}

	e.OnOrderNotice("005930", buyID, orderedQty, 9960)
	e.OnOrderNotice("005930", buyID, orderedQty, 9960) // duplicate retransmission

	e.mu.Lock()
	filled := e.cyc.buyFilledQty
	e.mu.Unlock()
	if filled != orderedQty {
		t.Fatalf("buyFilledQty = %d, want %d (duplicate notice must not double count)", filled, orderedQty)
	}
}
