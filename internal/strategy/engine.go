package strategy

import (
	"context"
	"sync"
	"time"

	"leverage-worker/internal/order"
	"leverage-worker/internal/position"
	"leverage-worker/internal/pricestore"
)

// HostGateway is the subset of the Broker Gateway the Strategy Host needs.
type HostGateway interface {
	GetCurrentPrice(symbol string) (int64, error)
	GetBuyableQuantity(symbol string, currentPrice int64) (qty, maxCash int64, err error)
}

// HostOrderManager is the subset of the Order Manager the Strategy Host
// drives (spec.md §4.7 "Signal processing").
type HostOrderManager interface {
	IsPending(symbol string) bool
	PlaceBuyOrder(symbol string, qty int64, strategy string, checkDeposit bool, signalPrice int64) (string, error)
	PlaceSellWithFallback(ctx context.Context, symbol string, qty int64, strategy string, limitPrice int64, avgCostSnapshot float64, fallbackSeconds time.Duration) (*order.ManagedOrder, error)
}

// Notifier is an optional best-effort user notification hook.
type Notifier func(message string)

type attached struct {
	strategyName string
	impl         Strategy
}

// Host is the Strategy Host (spec.md §4.7).
type Host struct {
	mu         sync.Mutex
	bySymbol   map[string][]attached
	tradeCount map[string]int

	gateway   HostGateway
	store     *pricestore.Store
	positions *position.Manager
	orders    HostOrderManager
	notify    Notifier

	sellFallbackSeconds time.Duration
}

// New constructs a Strategy Host.
func New(gateway HostGateway, store *pricestore.Store, positions *position.Manager, orders HostOrderManager, notify Notifier) *Host {
	return &Host{
		bySymbol:            make(map[string][]attached),
		tradeCount:          make(map[string]int),
		gateway:             gateway,
		store:               store,
		positions:           positions,
		orders:              orders,
		notify:              notify,
		sellFallbackSeconds: 10 * time.Second,
	}
}

// Attach instantiates and attaches a strategy to symbol.
func (h *Host) Attach(symbol, strategyName string, impl Strategy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bySymbol[symbol] = append(h.bySymbol[symbol], attached{strategyName: strategyName, impl: impl})
}

// OnStockTick implements spec.md §4.7's per-tick dispatch.
func (h *Host) OnStockTick(symbol string, now time.Time) {
	if h.orders.IsPending(symbol) {
		return
	}

	price, err := h.gateway.GetCurrentPrice(symbol)
	if err != nil {
		return
	}
	minuteTS := now.Truncate(time.Minute).Unix()
	_ = h.store.UpsertMinute(symbol, minuteTS, price, 0)

	h.mu.Lock()
	strategies := append([]attached(nil), h.bySymbol[symbol]...)
	tradeCount := h.tradeCount[symbol]
	h.mu.Unlock()

	minuteCandles, _ := h.store.RecentMinuteCandles(symbol, now.Unix(), 60)
	dailyCandles, _ := h.store.RecentDailyCandles(symbol, 20)

	var pos *position.Position
	if p, ok := h.positions.Get(symbol); ok {
		pos = &p
	}

	ctx := Context{
		Symbol: symbol, CurrentPrice: price, Now: now.Unix(),
		MinuteCandles: minuteCandles, DailyCandles: dailyCandles,
		Position: pos, TodayTradeCount: tradeCount,
	}

	for _, a := range strategies {
		if pos != nil && pos.StrategyName != "" && pos.StrategyName != a.strategyName {
			continue // only the owning strategy may exit
		}
		if a.impl.ExecutionMode() == "websocket" {
			continue // driven by the Scalping Executor, not the scheduler
		}
		if !a.impl.CanGenerateSignal(ctx) {
			continue
		}
		signal := a.impl.GenerateSignal(ctx)
		h.routeSignal(ctx, a.strategyName, a.impl, signal)
	}
}

func (h *Host) routeSignal(ctx Context, strategyName string, impl Strategy, signal TradingSignal) {
	switch signal.Action {
	case ActionBuy:
		qty := signal.Qty
		if buyable, _, err := h.gateway.GetBuyableQuantity(ctx.Symbol, ctx.CurrentPrice); err == nil && buyable > 0 {
			qty = buyable // the full buyable qty replaces signal.Qty; no allocation percent is applied
		}
		orderID, err := h.orders.PlaceBuyOrder(ctx.Symbol, qty, strategyName, true, ctx.CurrentPrice)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.tradeCount[ctx.Symbol]++
		h.mu.Unlock()
		impl.OnEntry(ctx, signal)
		if h.notify != nil {
			h.notify("buy submitted: " + ctx.Symbol + " order=" + orderID)
		}

	case ActionSell:
		if ctx.Position == nil {
			return
		}
		tentativePnL := (float64(ctx.CurrentPrice) - ctx.Position.AvgCost) * float64(ctx.Position.Quantity)
		limitPrice := ctx.CurrentPrice
		if signal.LimitPrice > 0 {
			limitPrice = signal.LimitPrice
		}
		_, err := h.orders.PlaceSellWithFallback(context.Background(), ctx.Symbol, ctx.Position.Quantity,
			strategyName, limitPrice, ctx.Position.AvgCost, h.sellFallbackSeconds)
		if err != nil {
			return
		}
		impl.OnExit(ctx, signal)
		if h.notify != nil && tentativePnL != 0 {
			h.notify("sell submitted: " + ctx.Symbol)
		}
	}
}
