// Package order implements the Order Manager (spec.md §4.5), the largest
// and most complex local component: duplicate suppression on
// pending_stocks, a market buy path, a limit-chase buy loop, a
// limit-first/market-fallback sell path, and generic fill reconciliation.
// Grounded on the teacher's internal/order/{types.go,executor.go,queue.go}
// for the ManagedOrder lifecycle/dispatch shape, and on
// original_source/leverage_worker/trading/order_manager.py (per the
// _INDEX.md inventory, by far the largest original module) for the
// chase-buy and sell-fallback algorithms, which have no direct teacher
// analog.
package order

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"leverage-worker/internal/audit"
	"leverage-worker/internal/position"
	"leverage-worker/internal/workerr"
	"leverage-worker/pkg/db"
)

// State is spec.md §3's ManagedOrder.state.
type State string

const (
	StatePending   State = "pending"
	StateSubmitted State = "submitted"
	StatePartial   State = "partial"
	StateFilled    State = "filled"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateFailed
}

// Side is a buy/sell order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ManagedOrder is spec.md §3's ManagedOrder.
type ManagedOrder struct {
	OrderID                string
	Symbol                 string
	Side                   Side
	OrderedQty             int64
	Price                  int64
	StrategyName           string
	State                  State
	FilledQty              int64
	FilledPrice            int64
	AvgCostSnapshot        float64
	CreatedAt              int64
	UpdatedAt              int64
	BranchCode             string
	SignalPrice            int64
	OriginalQty            int64
	ChaseInProgress        bool
	SellFallbackInProgress bool
	PnL                    int64
	PnLRate                float64
	Reason                 string
}

// OrderResult is the Broker Gateway's response to order submission
// (spec.md §4.1 "OrderResult includes branch_code needed for cancel/modify").
type OrderResult struct {
	OrderID    string
	BranchCode string
}

// OrderInfo is one row of GetTodayOrders (spec.md §4.1).
type OrderInfo struct {
	OrderID     string
	Symbol      string
	Side        Side
	OrderedQty  int64
	FilledQty   int64
	FilledPrice int64
}

// Gateway is the subset of the Broker Gateway contract (spec.md §4.1) the
// Order Manager needs. Kept narrow and local to avoid importing
// internal/gateway; satisfied by *gateway.Gateway.
type Gateway interface {
	GetCurrentPrice(symbol string) (int64, error)
	GetBestAsk(symbol string) (int64, error)
	GetDeposit() (int64, error)
	PlaceMarketOrder(symbol string, side Side, qty int64) (OrderResult, error)
	PlaceLimitOrder(symbol string, side Side, qty, price int64) (OrderResult, error)
	CancelOrder(orderID, branch string, qty int64) error
	ModifyOrder(orderID, branch string, qty, newPrice int64) (newOrderID string, err error)
	GetOrderStatus(orderID, symbol string, orderedQty int64, side Side) (filledQty, unfilledQty int64, err error)
	GetTodayOrders() ([]OrderInfo, error)
	GetBuyableQuantity(symbol string, currentPrice int64) (qty, maxCash int64, err error)
	HasPosition(symbol string) (bool, error)
}

// PositionSink is the subset of the Position Manager the Order Manager
// mutates on fills (spec.md §4.5.5 handleFill).
type PositionSink interface {
	Add(symbol string, deltaQty int64, deltaPrice float64, strategy, orderID string) (position.Position, error)
}

// FillCallback is invoked for every Δqty a fill reconciliation admits.
type FillCallback func(o ManagedOrder, deltaQty int64, avgCostSnapshot float64)

// Manager is the Order Manager.
type Manager struct {
	mu             sync.Mutex
	active         map[string]*ManagedOrder
	pendingStocks  map[string]bool
	liquidationOn  bool

	gateway  Gateway
	trading  *db.Database
	audit    *audit.Log
	sessID   string
	onFill   FillCallback
}

// New constructs an Order Manager bound to the broker gateway, trading
// store, and audit trail.
func New(gateway Gateway, trading *db.Database, auditLog *audit.Log, sessionID string, onFill FillCallback) *Manager {
	return &Manager{
		active:        make(map[string]*ManagedOrder),
		pendingStocks: make(map[string]bool),
		gateway:       gateway,
		trading:       trading,
		audit:         auditLog,
		sessID:        sessionID,
		onFill:        onFill,
	}
}

// SetLiquidationMode toggles the liquidation flag (spec.md §4.5.7); EOD
// liquidation and emergency-stop paths call this.
func (m *Manager) SetLiquidationMode(on bool) {
	m.mu.Lock()
	m.liquidationOn = on
	m.mu.Unlock()
}

func (m *Manager) persistLocked(o *ManagedOrder) error {
	o.UpdatedAt = time.Now().Unix()
	_, err := m.trading.DB.Exec(`
		INSERT INTO managed_orders (
			order_id, symbol, side, ordered_qty, price, strategy_name, state,
			filled_qty, filled_price, avg_cost_snapshot, branch_code, signal_price,
			original_qty, chase_in_progress, sell_fallback_in_progress, pnl, pnl_rate,
			reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			state = excluded.state, filled_qty = excluded.filled_qty,
			filled_price = excluded.filled_price, avg_cost_snapshot = excluded.avg_cost_snapshot,
			branch_code = excluded.branch_code, chase_in_progress = excluded.chase_in_progress,
			sell_fallback_in_progress = excluded.sell_fallback_in_progress,
			pnl = excluded.pnl, pnl_rate = excluded.pnl_rate, reason = excluded.reason,
			updated_at = excluded.updated_at
	`, o.OrderID, o.Symbol, o.Side, o.OrderedQty, o.Price, o.StrategyName, o.State,
		o.FilledQty, o.FilledPrice, o.AvgCostSnapshot, o.BranchCode, o.SignalPrice,
		o.OriginalQty, o.ChaseInProgress, o.SellFallbackInProgress, o.PnL, o.PnLRate,
		o.Reason, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("order: persist %s: %w", o.OrderID, err)
	}
	return nil
}

func (m *Manager) emit(eventType audit.EventType, o ManagedOrder) {
	if m.audit == nil {
		return
	}
	_ = m.audit.Append(audit.Record{
		Timestamp:     time.Now().Unix(),
		EventType:     eventType,
		Module:        "order",
		SessionID:     m.sessID,
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		Side:          string(o.Side),
		Qty:           o.OrderedQty,
		Price:         o.Price,
		Strategy:      o.StrategyName,
		Status:        string(o.State),
		Reason:        o.Reason,
	})
}

// PlaceBuyOrder implements spec.md §4.5.2.
func (m *Manager) PlaceBuyOrder(symbol string, qty int64, strategy string, checkDeposit bool, signalPrice int64) (string, error) {
	m.mu.Lock()
	if m.liquidationOn {
		m.mu.Unlock()
		return "", workerr.Fatal("order.PlaceBuyOrder", fmt.Errorf("liquidation mode active: %w", workerr.ErrLiquidationMode))
	}
	if m.pendingStocks[symbol] {
		m.mu.Unlock()
		return "", workerr.Data("order.PlaceBuyOrder", fmt.Errorf("%s: %w", symbol, workerr.ErrDuplicatePending))
	}
	m.mu.Unlock()

	if checkDeposit {
		price, err := m.gateway.GetCurrentPrice(symbol)
		if err != nil {
			return "", fmt.Errorf("order: current price for deposit check: %w", err)
		}
		deposit, err := m.gateway.GetDeposit()
		if err != nil {
			return "", fmt.Errorf("order: deposit check: %w", err)
		}
		required := int64(math.Ceil(float64(price) * float64(qty) * 1.01))
		if deposit < required {
			return "", workerr.Data("order.PlaceBuyOrder", fmt.Errorf("%w: deposit=%d required=%d", workerr.ErrInsufficientCash, deposit, required))
		}
	}

	result, err := m.gateway.PlaceMarketOrder(symbol, SideBuy, qty)
	if err != nil {
		return "", fmt.Errorf("order: submit market buy %s: %w", symbol, err)
	}

	now := time.Now().Unix()
	o := &ManagedOrder{
		OrderID:      result.OrderID,
		Symbol:       symbol,
		Side:         SideBuy,
		OrderedQty:   qty,
		OriginalQty:  qty,
		StrategyName: strategy,
		State:        StateSubmitted,
		BranchCode:   result.BranchCode,
		SignalPrice:  signalPrice,
		CreatedAt:    now,
	}

	m.mu.Lock()
	m.active[o.OrderID] = o
	m.pendingStocks[symbol] = true
	err = m.persistLocked(o)
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	m.emit(audit.EventOrderSubmit, *o)
	return o.OrderID, nil
}

// PlaceChaseBuy implements spec.md §4.5.3: a bounded limit-chase loop that
// follows the best ask until filled, timed out, or cancelled.
func (m *Manager) PlaceChaseBuy(ctx context.Context, symbol string, targetQty, deposit int64, strategy string, interval time.Duration, maxRetries int, signalPrice int64) (*ManagedOrder, error) {
	m.mu.Lock()
	if m.liquidationOn {
		m.mu.Unlock()
		return nil, workerr.Fatal("order.PlaceChaseBuy", workerr.ErrLiquidationMode)
	}
	if m.pendingStocks[symbol] {
		m.mu.Unlock()
		return nil, workerr.Data("order.PlaceChaseBuy", fmt.Errorf("%s: %w", symbol, workerr.ErrDuplicatePending))
	}
	m.mu.Unlock()

	ask, err := m.gateway.GetBestAsk(symbol)
	if err != nil {
		return nil, fmt.Errorf("order: chase buy best ask: %w", err)
	}
	qty := targetQty
	if maxByCash := deposit / ask; maxByCash < qty {
		qty = maxByCash
	}
	if qty <= 0 {
		return nil, workerr.Data("order.PlaceChaseBuy", fmt.Errorf("%w: deposit too small for ask %d", workerr.ErrInsufficientCash, ask))
	}

	result, err := m.gateway.PlaceLimitOrder(symbol, SideBuy, qty, ask)
	if err != nil {
		return nil, fmt.Errorf("order: chase buy submit: %w", err)
	}

	now := time.Now().Unix()
	o := &ManagedOrder{
		OrderID: result.OrderID, Symbol: symbol, Side: SideBuy,
		OrderedQty: qty, OriginalQty: targetQty, Price: ask, StrategyName: strategy,
		State: StateSubmitted, BranchCode: result.BranchCode, SignalPrice: signalPrice,
		ChaseInProgress: true, CreatedAt: now,
	}
	m.mu.Lock()
	m.active[o.OrderID] = o
	m.pendingStocks[symbol] = true
	err = m.persistLocked(o)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.emit(audit.EventOrderSubmit, *o)

	cumulativeCost := float64(0)
	cumulativeQty := int64(0)
	currentAsk := ask

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return m.cancelChaseAndFinish(o, cumulativeCost, cumulativeQty)
		case <-time.After(interval):
		}

		filled, unfilled, err := m.gateway.GetOrderStatus(o.OrderID, symbol, o.OrderedQty, SideBuy)
		if err != nil {
			return nil, fmt.Errorf("order: chase buy status: %w", err)
		}
		if unfilled == 0 {
			m.admitChaseFill(o, filled, currentAsk, &cumulativeCost, &cumulativeQty)
			return m.finishChaseBuy(o, StateFilled, cumulativeCost, cumulativeQty)
		}
		if filled > 0 {
			m.admitChaseFill(o, filled, currentAsk, &cumulativeCost, &cumulativeQty)
		}

		newAsk, err := m.gateway.GetBestAsk(symbol)
		if err != nil {
			return nil, fmt.Errorf("order: chase buy re-ask: %w", err)
		}
		if newAsk == currentAsk {
			continue
		}

		// Re-check fill status immediately before modifying: a fill may
		// have raced the previous poll.
		filled, unfilled, err = m.gateway.GetOrderStatus(o.OrderID, symbol, o.OrderedQty, SideBuy)
		if err != nil {
			return nil, fmt.Errorf("order: chase buy pre-modify status: %w", err)
		}
		if filled > 0 {
			m.admitChaseFill(o, filled, currentAsk, &cumulativeCost, &cumulativeQty)
		}
		if unfilled == 0 {
			return m.finishChaseBuy(o, StateFilled, cumulativeCost, cumulativeQty)
		}

		remainingCash := deposit - cumulativeCost
		newQty := int64(math.Floor(remainingCash / float64(newAsk)))
		if newQty <= 0 {
			return m.cancelChaseAndFinish(o, cumulativeCost, cumulativeQty)
		}
		newOrderID, err := m.gateway.ModifyOrder(o.OrderID, o.BranchCode, newQty, newAsk)
		if err != nil {
			return nil, fmt.Errorf("order: chase buy modify: %w", err)
		}

		m.mu.Lock()
		delete(m.active, o.OrderID)
		o.OrderID = newOrderID
		o.Price = newAsk
		o.OrderedQty = newQty
		o.FilledQty = 0
		m.active[o.OrderID] = o
		err = m.persistLocked(o)
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		currentAsk = newAsk
	}

	return m.cancelChaseAndFinish(o, cumulativeCost, cumulativeQty)
}

func (m *Manager) admitChaseFill(o *ManagedOrder, totalFilled int64, price int64, cumulativeCost *float64, cumulativeQty *int64) {
	delta := totalFilled - o.FilledQty
	if delta <= 0 {
		return
	}
	o.FilledQty = totalFilled
	o.FilledPrice = price
	*cumulativeCost += float64(delta) * float64(price)
	*cumulativeQty += delta
	if m.onFill != nil {
		m.onFill(*o, delta, o.AvgCostSnapshot)
	}
}

func (m *Manager) finishChaseBuy(o *ManagedOrder, state State, cumulativeCost float64, cumulativeQty int64) (*ManagedOrder, error) {
	m.mu.Lock()
	o.State = state
	o.ChaseInProgress = false
	if state == StateFilled || (state == StatePartial && cumulativeQty > 0) {
		delete(m.active, o.OrderID)
		delete(m.pendingStocks, o.Symbol)
	}
	err := m.persistLocked(o)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.emit(audit.EventOrderFilled, *o)
	return o, nil
}

func (m *Manager) cancelChaseAndFinish(o *ManagedOrder, cumulativeCost float64, cumulativeQty int64) (*ManagedOrder, error) {
	_ = m.gateway.CancelOrder(o.OrderID, o.BranchCode, o.OrderedQty-o.FilledQty)

	// Fills can race with cancel; re-query and admit anything final.
	filled, _, err := m.gateway.GetOrderStatus(o.OrderID, o.Symbol, o.OrderedQty, SideBuy)
	if err == nil && filled > o.FilledQty {
		m.admitChaseFill(o, filled, o.Price, &cumulativeCost, &cumulativeQty)
	}

	state := StateCancelled
	if o.FilledQty > 0 {
		state = StatePartial
	}
	m.mu.Lock()
	o.State = state
	o.ChaseInProgress = false
	delete(m.active, o.OrderID)
	delete(m.pendingStocks, o.Symbol)
	perr := m.persistLocked(o)
	m.mu.Unlock()
	if perr != nil {
		return nil, perr
	}
	if state == StateCancelled {
		m.emit(audit.EventOrderCancelled, *o)
	} else {
		m.emit(audit.EventOrderFilled, *o)
	}
	return o, nil
}

// PlaceSellWithFallback implements spec.md §4.5.4: limit sell first, market
// fallback for any remainder after fallbackSeconds.
func (m *Manager) PlaceSellWithFallback(ctx context.Context, symbol string, qty int64, strategy string, limitPrice int64, avgCostSnapshot float64, fallbackSeconds time.Duration) (*ManagedOrder, error) {
	result, err := m.gateway.PlaceLimitOrder(symbol, SideSell, qty, limitPrice)
	if err != nil {
		return nil, fmt.Errorf("order: sell submit: %w", err)
	}

	now := time.Now().Unix()
	o := &ManagedOrder{
		OrderID: result.OrderID, Symbol: symbol, Side: SideSell,
		OrderedQty: qty, OriginalQty: qty, Price: limitPrice, StrategyName: strategy,
		State: StateSubmitted, BranchCode: result.BranchCode,
		AvgCostSnapshot: avgCostSnapshot, SellFallbackInProgress: true, CreatedAt: now,
	}
	m.mu.Lock()
	m.active[o.OrderID] = o
	m.pendingStocks[symbol] = true
	err = m.persistLocked(o)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.emit(audit.EventOrderSubmit, *o)

	select {
	case <-ctx.Done():
	case <-time.After(fallbackSeconds):
	}

	filled, unfilled, err := m.gateway.GetOrderStatus(o.OrderID, symbol, qty, SideSell)
	if err != nil {
		return nil, fmt.Errorf("order: sell fallback status: %w", err)
	}

	if unfilled == 0 {
		return m.finishSell(o, filled, StateFilled)
	}

	if filled > 0 {
		m.applySellFill(o, filled)
	}
	_ = m.gateway.CancelOrder(o.OrderID, o.BranchCode, unfilled)

	// Fills can still race with cancel.
	postFilled, postUnfilled, err := m.gateway.GetOrderStatus(o.OrderID, symbol, qty, SideSell)
	if err == nil && postFilled > o.FilledQty {
		m.applySellFill(o, postFilled)
		unfilled = postUnfilled
	}

	if unfilled <= 0 {
		return m.finishSell(o, o.FilledQty, StateFilled)
	}

	held, err := m.gateway.HasPosition(symbol)
	if err != nil {
		return nil, fmt.Errorf("order: sell fallback position check: %w", err)
	}
	if !held {
		return m.finishSell(o, o.FilledQty, StatePartial)
	}

	marketResult, err := m.gateway.PlaceMarketOrder(symbol, SideSell, unfilled)
	if err != nil {
		return nil, fmt.Errorf("order: sell fallback market remainder: %w", err)
	}
	remainder := &ManagedOrder{
		OrderID: marketResult.OrderID, Symbol: symbol, Side: SideSell,
		OrderedQty: unfilled, OriginalQty: unfilled, StrategyName: strategy,
		State: StateSubmitted, BranchCode: marketResult.BranchCode,
		AvgCostSnapshot: avgCostSnapshot, CreatedAt: time.Now().Unix(),
	}
	m.mu.Lock()
	delete(m.active, o.OrderID)
	delete(m.pendingStocks, symbol)
	o.State = StatePartial
	perr := m.persistLocked(o)
	m.active[remainder.OrderID] = remainder
	m.pendingStocks[symbol] = true
	perr2 := m.persistLocked(remainder)
	m.mu.Unlock()
	if perr != nil {
		return nil, perr
	}
	if perr2 != nil {
		return nil, perr2
	}
	m.emit(audit.EventOrderSubmit, *remainder)
	return remainder, nil
}

// PlaceMarketSell implements spec.md §4.10's EOD-liquidation market sell:
// an immediate market order with up to 2 retries (0.5s delay) on
// submission failure. Unlike PlaceBuyOrder, it runs even while liquidation
// mode is active, since liquidation is its caller.
func (m *Manager) PlaceMarketSell(symbol string, qty int64, strategy, reason string) (*ManagedOrder, error) {
	var result OrderResult
	var err error
	for attempt := 0; attempt <= 2; attempt++ {
		result, err = m.gateway.PlaceMarketOrder(symbol, SideSell, qty)
		if err == nil {
			break
		}
		if attempt < 2 {
			time.Sleep(500 * time.Millisecond)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("order: market sell %s after retries: %w", symbol, err)
	}

	now := time.Now().Unix()
	o := &ManagedOrder{
		OrderID: result.OrderID, Symbol: symbol, Side: SideSell,
		OrderedQty: qty, OriginalQty: qty, StrategyName: strategy,
		State: StateSubmitted, BranchCode: result.BranchCode,
		Reason: reason, CreatedAt: now,
	}
	m.mu.Lock()
	m.active[o.OrderID] = o
	m.pendingStocks[symbol] = true
	perr := m.persistLocked(o)
	m.mu.Unlock()
	if perr != nil {
		return nil, perr
	}
	m.emit(audit.EventOrderSubmit, *o)
	return o, nil
}

func (m *Manager) applySellFill(o *ManagedOrder, totalFilled int64) {
	delta := totalFilled - o.FilledQty
	if delta <= 0 {
		return
	}
	o.FilledQty = totalFilled
	pnlDelta := int64((float64(o.Price) - o.AvgCostSnapshot) * float64(delta))
	o.PnL += pnlDelta
	if o.AvgCostSnapshot > 0 {
		o.PnLRate = (float64(o.Price) - o.AvgCostSnapshot) / o.AvgCostSnapshot * 100
	}
	if m.onFill != nil {
		m.onFill(*o, -delta, o.AvgCostSnapshot)
	}
}

func (m *Manager) finishSell(o *ManagedOrder, finalFilled int64, state State) (*ManagedOrder, error) {
	if finalFilled > o.FilledQty {
		m.applySellFill(o, finalFilled)
	}
	m.mu.Lock()
	o.State = state
	o.SellFallbackInProgress = false
	delete(m.active, o.OrderID)
	delete(m.pendingStocks, o.Symbol)
	err := m.persistLocked(o)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.emit(audit.EventOrderFilled, *o)
	return o, nil
}

// CheckFills implements spec.md §4.5.5: called on a scheduler tick before
// strategy dispatch. Skips orders whose chase/sell-fallback path is
// reconciling its own fills inline.
func (m *Manager) CheckFills(positions PositionSink) error {
	brokerOrders, err := m.gateway.GetTodayOrders()
	if err != nil {
		return fmt.Errorf("order: check fills: %w", err)
	}
	byID := make(map[string]OrderInfo, len(brokerOrders))
	for _, bo := range brokerOrders {
		byID[bo.OrderID] = bo
	}

	m.mu.Lock()
	var toHandle []struct {
		o     *ManagedOrder
		delta int64
		price int64
	}
	for id, o := range m.active {
		if o.ChaseInProgress || o.SellFallbackInProgress {
			continue
		}
		bo, ok := byID[id]
		if !ok {
			continue
		}
		delta := bo.FilledQty - o.FilledQty
		if delta <= 0 {
			continue
		}
		o.FilledQty = bo.FilledQty
		o.FilledPrice = bo.FilledPrice
		if bo.FilledQty >= o.OrderedQty {
			o.State = StateFilled
		} else {
			o.State = StatePartial
		}
		toHandle = append(toHandle, struct {
			o     *ManagedOrder
			delta int64
			price int64
		}{o, delta, bo.FilledPrice})
	}
	m.mu.Unlock()

	for _, h := range toHandle {
		if err := m.handleFill(h.o, h.delta, h.price, positions); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) handleFill(o *ManagedOrder, delta int64, fillPrice int64, positions PositionSink) error {
	m.emit(audit.EventOrderFilled, *o)

	if o.Side == SideBuy {
		if positions != nil {
			if _, err := positions.Add(o.Symbol, delta, float64(fillPrice), o.StrategyName, o.OrderID); err != nil {
				return fmt.Errorf("order: handle fill add position: %w", err)
			}
		}
	} else {
		pnlDelta := int64((float64(fillPrice) - o.AvgCostSnapshot) * float64(delta))
		m.mu.Lock()
		o.PnL += pnlDelta
		if o.AvgCostSnapshot > 0 {
			o.PnLRate = (float64(fillPrice) - o.AvgCostSnapshot) / o.AvgCostSnapshot * 100
		}
		m.mu.Unlock()
		if positions != nil {
			if _, err := positions.Add(o.Symbol, -delta, float64(fillPrice), o.StrategyName, o.OrderID); err != nil {
				return fmt.Errorf("order: handle fill reduce position: %w", err)
			}
		}
	}

	if m.onFill != nil {
		m.onFill(*o, delta, o.AvgCostSnapshot)
	}

	m.mu.Lock()
	if o.State.Terminal() {
		delete(m.active, o.OrderID)
		delete(m.pendingStocks, o.Symbol)
	}
	err := m.persistLocked(o)
	m.mu.Unlock()
	return err
}

// CancelOrder implements spec.md §4.5.6.
func (m *Manager) CancelOrder(orderID string) error {
	m.mu.Lock()
	o, ok := m.active[orderID]
	m.mu.Unlock()
	if !ok {
		return workerr.Data("order.CancelOrder", fmt.Errorf("%w: %s", workerr.ErrNotFound, orderID))
	}

	if err := m.gateway.CancelOrder(orderID, o.BranchCode, o.OrderedQty-o.FilledQty); err != nil {
		return fmt.Errorf("order: cancel %s: %w", orderID, err)
	}

	m.mu.Lock()
	o.State = StateCancelled
	delete(m.active, orderID)
	delete(m.pendingStocks, o.Symbol)
	err := m.persistLocked(o)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.emit(audit.EventOrderCancelled, *o)
	return nil
}

// CancelAllPending implements spec.md §4.5.6: best-effort cancel of every
// active order; always clears pending_stocks regardless of broker
// responses, so the engine can proceed (e.g., at EOD).
func (m *Manager) CancelAllPending() []error {
	m.mu.Lock()
	orders := make([]*ManagedOrder, 0, len(m.active))
	for _, o := range m.active {
		orders = append(orders, o)
	}
	m.mu.Unlock()

	var errs []error
	for _, o := range orders {
		if err := m.gateway.CancelOrder(o.OrderID, o.BranchCode, o.OrderedQty-o.FilledQty); err != nil {
			errs = append(errs, fmt.Errorf("order: cancel all, %s: %w", o.OrderID, err))
		}
		m.mu.Lock()
		o.State = StateCancelled
		delete(m.active, o.OrderID)
		_ = m.persistLocked(o)
		m.mu.Unlock()
		m.emit(audit.EventOrderCancelled, *o)
	}

	m.mu.Lock()
	m.pendingStocks = make(map[string]bool)
	m.mu.Unlock()
	return errs
}

// Active returns a snapshot of every currently tracked order.
func (m *Manager) Active() []ManagedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ManagedOrder, 0, len(m.active))
	for _, o := range m.active {
		out = append(out, *o)
	}
	return out
}

// IsPending reports whether symbol currently has an in-flight order.
func (m *Manager) IsPending(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingStocks[symbol]
}

// Load restores active (non-terminal) orders from the trading store on
// start, rebuilding pending_stocks (spec.md §7 crash recovery).
func (m *Manager) Load() error {
	rows, err := m.trading.DB.Query(`
		SELECT order_id, symbol, side, ordered_qty, price, strategy_name, state,
		       filled_qty, filled_price, avg_cost_snapshot, branch_code, signal_price,
		       original_qty, chase_in_progress, sell_fallback_in_progress, pnl, pnl_rate,
		       reason, created_at, updated_at
		FROM managed_orders
		WHERE state NOT IN ('filled', 'cancelled', 'failed')
	`)
	if err != nil {
		return fmt.Errorf("order: load: %w", err)
	}
	defer rows.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	for rows.Next() {
		var (
			o           ManagedOrder
			branchCode  sql.NullString
			reason      sql.NullString
			pnl         sql.NullInt64
			pnlRate     sql.NullFloat64
			signalPrice sql.NullInt64
		)
		if err := rows.Scan(&o.OrderID, &o.Symbol, &o.Side, &o.OrderedQty, &o.Price, &o.StrategyName,
			&o.State, &o.FilledQty, &o.FilledPrice, &o.AvgCostSnapshot, &branchCode, &signalPrice,
			&o.OriginalQty, &o.ChaseInProgress, &o.SellFallbackInProgress, &pnl, &pnlRate,
			&reason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return fmt.Errorf("order: scan: %w", err)
		}
		o.BranchCode, o.Reason = branchCode.String, reason.String
		o.PnL, o.PnLRate, o.SignalPrice = pnl.Int64, pnlRate.Float64, signalPrice.Int64
		m.active[o.OrderID] = &o
		m.pendingStocks[o.Symbol] = true
	}
	return rows.Err()
}
