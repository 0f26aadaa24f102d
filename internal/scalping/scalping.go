// Package scalping implements the Scalping Executor (spec.md §4.8): a
// per-symbol, tick-driven micro state machine for limit-order dip buying
// with TP/SL. No direct teacher analog exists (the teacher has no
// limit-chase scalping concept); the state machine is built literally from
// spec.md §4.8's six states and transition table, with per-symbol mutex
// discipline grounded on the teacher's internal/risk/stoploss.go
// StopLossManager (per-symbol locking so a WS reader goroutine and a
// polling goroutine never interleave state changes on the same cycle).
package scalping

import (
	"math"
	"sort"
	"sync"
	"time"

	"leverage-worker/internal/order"
	"leverage-worker/pkg/krxtick"
)

// State is one of the six micro-states spec.md §4.8 defines.
type State string

const (
	StateIdle         State = "idle"
	StateMonitoring   State = "monitoring"
	StateBuyPending   State = "buy_pending"
	StatePositionHeld State = "position_held"
	StateSellPending  State = "sell_pending"
	StateCooldown     State = "cooldown"
)

// ExitReason labels why a cycle's position was closed.
type ExitReason string

const (
	ExitTP         ExitReason = "tp"
	ExitSL         ExitReason = "sl"
	ExitSignalKill ExitReason = "signal_kill" // TP/SL/timeout hit before any fill
)

// Gateway is the subset of the Broker Gateway the executor drives directly
// (bypassing the Order Manager: spec.md §2 "it does not share a position
// with the Position Manager while a scalping cycle is active").
type Gateway interface {
	GetBuyableQuantity(symbol string, currentPrice int64) (qty, maxCash int64, err error)
	PlaceLimitOrder(symbol string, side order.Side, qty, price int64) (order.OrderResult, error)
	PlaceMarketOrder(symbol string, side order.Side, qty int64) (order.OrderResult, error)
	CancelOrder(orderID, branch string, qty int64) error
	GetTodayOrders() ([]order.OrderInfo, error)
}

// Config bundles a cycle's tunables (spec.md §4.8, defaults named there).
type Config struct {
	TPPct           float64
	SLPct           float64
	TimeoutMinutes  int
	WindowSeconds   int     // base window; adaptive widens to 15-60s under volatility
	MinTicks        int
	Percentile      float64 // default 10 (P10)
	TrendGateRatio  float64 // default 0.4
	Allocation      float64 // fraction of broker-buyable qty to commit
	CooldownSeconds int
	MaxCycles       int
	SellProfitPct   float64
	PollInterval    time.Duration // default 3s
	BuyTimeout      time.Duration
}

// DefaultConfig returns spec.md §4.8's named defaults.
func DefaultConfig() Config {
	return Config{
		TPPct: 0.01, SLPct: 0.01, TimeoutMinutes: 30,
		WindowSeconds: 10, MinTicks: 5, Percentile: 10, TrendGateRatio: 0.4,
		Allocation: 1.0, CooldownSeconds: 30, MaxCycles: 3, SellProfitPct: 0.003,
		PollInterval: 3 * time.Second, BuyTimeout: 60 * time.Second,
	}
}

type tickSample struct {
	price int64
	at    time.Time
}

// cycle is the executor's own bookkeeping for one activation, isolated
// from the Position Manager per spec.md §4.8's invariants.
type cycle struct {
	state State

	signalPrice     int64
	tpTarget        int64
	slFloor         int64
	timeoutDeadline time.Time

	window []tickSample

	buyOrderID      string
	buyBranch       string
	buyOrderedQty   int64
	buyFilledQty    int64
	buyFilledPrice  float64
	buyPendingSince time.Time
	lastPoll        time.Time

	sellOrderID     string
	sellBranch      string
	sellOrderedQty  int64
	sellFilledQty   int64
	sellFilledPrice float64

	cooldownUntil time.Time
	cycleCount    int
	strategy      string
	exitReason    ExitReason // why the sell leg was opened; reported on full sell fill
}

// Result is published (via the OnCycleComplete callback) when a cycle
// fully closes out with P/L, or is killed before any fill.
type Result struct {
	Symbol   string
	Strategy string
	Qty      int64
	EntryAvg float64
	ExitAvg  float64
	PnL      float64
	Reason   ExitReason
}

// TransitionFunc is called on every state change for audit/event-bus wiring.
type TransitionFunc func(symbol string, from, to State, reason string)

// Executor drives one symbol's scalping cycles.
type Executor struct {
	mu      sync.Mutex
	symbol  string
	gateway Gateway
	cfg     Config
	cyc     *cycle

	onTransition  TransitionFunc
	onCycleResult func(Result)
}

// New constructs an Executor for symbol.
func New(symbol string, gateway Gateway, cfg Config, onTransition TransitionFunc, onCycleResult func(Result)) *Executor {
	return &Executor{symbol: symbol, gateway: gateway, cfg: cfg, onTransition: onTransition, onCycleResult: onCycleResult}
}

// Active reports whether a cycle is running (idle means no signal active).
func (e *Executor) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cyc != nil && e.cyc.state != StateIdle
}

// State returns the current state (StateIdle if no cycle is active).
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cyc == nil {
		return StateIdle
	}
	return e.cyc.state
}

// Activate transitions idle -> monitoring (spec.md §4.8's first bullet).
func (e *Executor) Activate(strategy string, signalPrice int64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cyc != nil && e.cyc.state != StateIdle {
		return // one cycle at a time per symbol
	}
	e.cyc = &cycle{
		state:           StateIdle,
		strategy:        strategy,
		signalPrice:     signalPrice,
		tpTarget:        int64(float64(signalPrice) * (1 + e.cfg.TPPct)),
		slFloor:         int64(float64(signalPrice) * (1 - e.cfg.SLPct)),
		timeoutDeadline: now.Add(time.Duration(e.cfg.TimeoutMinutes) * time.Minute),
	}
	e.transition(StateMonitoring, "signal_activated")
}

// transition records e.cyc.state -> to, firing onTransition with the state
// observed just before the change. Must be called with e.mu held and e.cyc
// non-nil.
func (e *Executor) transition(to State, reason string) {
	from := e.cyc.state
	e.cyc.state = to
	if e.onTransition != nil {
		e.onTransition(e.symbol, from, to, reason)
	}
}

// OnTick drives the state machine off a single real-time price tick.
func (e *Executor) OnTick(price int64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cyc == nil || e.cyc.state == StateIdle {
		return
	}

	switch e.cyc.state {
	case StateMonitoring:
		e.tickMonitoring(price, now)
	case StateBuyPending:
		e.tickBuyPending(price, now)
	case StatePositionHeld:
		e.tickPositionHeld(price, now)
	case StateSellPending:
		e.tickSellPending(price, now)
	case StateCooldown:
		e.tickCooldown(now)
	}
}

// OnOrderNotice applies the WS order-notice fast path (spec.md §4.8):
// applied before the next tick's poll, with remaining-qty dedupe so a
// retransmitted notice cannot double-count a fill.
func (e *Executor) OnOrderNotice(symbol, orderID string, filledQtyDelta, fillPrice int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.cyc
	if c == nil || symbol != e.symbol || filledQtyDelta <= 0 {
		return
	}
	switch orderID {
	case c.buyOrderID:
		if c.buyFilledQty+filledQtyDelta > c.buyOrderedQty {
			return // duplicate/out-of-range notice, ignore
		}
		c.buyFilledPrice = weightedAvg(c.buyFilledPrice, c.buyFilledQty, float64(fillPrice), filledQtyDelta)
		c.buyFilledQty += filledQtyDelta
	case c.sellOrderID:
		if c.sellFilledQty+filledQtyDelta > c.sellOrderedQty {
			return
		}
		c.sellFilledPrice = weightedAvg(c.sellFilledPrice, c.sellFilledQty, float64(fillPrice), filledQtyDelta)
		c.sellFilledQty += filledQtyDelta
	}
}

func weightedAvg(prevAvg float64, prevQty int64, newPrice float64, newQty int64) float64 {
	total := prevQty + newQty
	if total == 0 {
		return prevAvg
	}
	return (prevAvg*float64(prevQty) + newPrice*float64(newQty)) / float64(total)
}

func (e *Executor) killSignal(reason ExitReason) {
	c := e.cyc
	if c.buyOrderID != "" {
		_ = e.gateway.CancelOrder(c.buyOrderID, c.buyBranch, c.buyOrderedQty-c.buyFilledQty)
		e.pollBuy()
	}
	if c.buyFilledQty > 0 {
		// A cancel-race fill admitted inventory we must still unwind.
		result, err := e.gateway.PlaceMarketOrder(e.symbol, order.SideSell, c.buyFilledQty)
		if err == nil {
			c.sellOrderID, c.sellBranch = result.OrderID, result.BranchCode
		}
	}
	e.transition(StateIdle, string(reason))
	e.cyc = nil
}

func (e *Executor) tickMonitoring(price int64, now time.Time) {
	c := e.cyc
	if signalExpired(c, price, now) {
		e.killSignal(ExitSignalKill)
		return
	}

	c.window = append(c.window, tickSample{price: price, at: now})
	windowSecs := adaptiveWindowSeconds(e.cfg.WindowSeconds, c.window)
	cutoff := now.Add(-time.Duration(windowSecs) * time.Second)
	kept := c.window[:0]
	for _, s := range c.window {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	c.window = kept

	if len(c.window) < e.cfg.MinTicks {
		return
	}

	prices := make([]int64, len(c.window))
	for i, s := range c.window {
		prices[i] = s.price
	}
	buyPrice := krxtick.RoundDown(percentile(prices, e.cfg.Percentile))
	if !trendGateOK(prices, e.cfg.TrendGateRatio) {
		return
	}
	if buyPrice > c.signalPrice {
		return
	}

	buyable, _, err := e.gateway.GetBuyableQuantity(e.symbol, buyPrice)
	if err != nil || buyable <= 0 {
		return
	}
	qty := int64(float64(buyable) * e.cfg.Allocation)
	if qty <= 0 {
		return
	}

	result, err := e.gateway.PlaceLimitOrder(e.symbol, order.SideBuy, qty, buyPrice)
	if err != nil {
		return
	}
	c.buyOrderID, c.buyBranch, c.buyOrderedQty = result.OrderID, result.BranchCode, qty
	c.buyFilledQty, c.buyFilledPrice = 0, 0
	c.buyPendingSince = now
	c.lastPoll = now
	e.transition(StateBuyPending, "dip_detected")
}

func (e *Executor) tickBuyPending(price int64, now time.Time) {
	c := e.cyc
	if signalExpired(c, price, now) {
		e.killSignal(ExitSignalKill)
		return
	}
	if e.cfg.BuyTimeout > 0 && now.Sub(c.buyPendingSince) > e.cfg.BuyTimeout {
		_ = e.gateway.CancelOrder(c.buyOrderID, c.buyBranch, c.buyOrderedQty-c.buyFilledQty)
		e.pollBuy()
		c.buyOrderID = ""
		e.transition(StateMonitoring, "buy_timeout")
		return
	}

	if now.Sub(c.lastPoll) >= e.cfg.PollInterval {
		e.pollBuy()
		c.lastPoll = now
	}

	switch {
	case c.buyFilledQty >= c.buyOrderedQty && c.buyOrderedQty > 0:
		e.submitSell(now)
	case c.buyFilledQty > 0:
		e.transition(StatePositionHeld, "partial_fill")
	}
}

func (e *Executor) tickPositionHeld(price int64, now time.Time) {
	c := e.cyc
	entryAvg := c.buyFilledPrice
	tp := entryAvg * (1 + e.cfg.TPPct)
	sl := entryAvg * (1 - e.cfg.SLPct)

	if float64(price) <= sl || float64(price) >= tp {
		reason := ExitTP
		if float64(price) <= sl {
			reason = ExitSL
		}
		if c.buyOrderID != "" {
			_ = e.gateway.CancelOrder(c.buyOrderID, c.buyBranch, c.buyOrderedQty-c.buyFilledQty)
			e.pollBuy()
		}
		result, err := e.gateway.PlaceMarketOrder(e.symbol, order.SideSell, c.buyFilledQty)
		if err != nil {
			return
		}
		c.sellOrderID, c.sellBranch, c.sellOrderedQty = result.OrderID, result.BranchCode, c.buyFilledQty
		c.sellFilledQty, c.sellFilledPrice = 0, 0
		c.exitReason = reason
		e.transition(StateSellPending, string(reason))
		return
	}

	if now.Sub(c.lastPoll) >= e.cfg.PollInterval {
		e.pollBuy()
		c.lastPoll = now
	}
	if c.buyFilledQty >= c.buyOrderedQty && c.buyOrderedQty > 0 {
		e.submitSell(now)
	}
}

func (e *Executor) submitSell(now time.Time) {
	c := e.cyc
	sellPrice := krxtick.RoundUp(int64(c.buyFilledPrice * (1 + e.cfg.SellProfitPct)))
	result, err := e.gateway.PlaceLimitOrder(e.symbol, order.SideSell, c.buyFilledQty, sellPrice)
	if err != nil {
		return
	}
	c.sellOrderID, c.sellBranch, c.sellOrderedQty = result.OrderID, result.BranchCode, c.buyFilledQty
	c.sellFilledQty, c.sellFilledPrice = 0, 0
	c.lastPoll = now
	c.exitReason = ExitTP
	e.transition(StateSellPending, "buy_filled")
}

func (e *Executor) tickSellPending(price int64, now time.Time) {
	c := e.cyc
	slPrice := c.buyFilledPrice * (1 - e.cfg.SLPct)
	if float64(price) <= slPrice && c.sellFilledQty < c.sellOrderedQty {
		_ = e.gateway.CancelOrder(c.sellOrderID, c.sellBranch, c.sellOrderedQty-c.sellFilledQty)
		e.pollSell()
		remaining := c.sellOrderedQty - c.sellFilledQty
		if remaining > 0 {
			result, err := e.gateway.PlaceMarketOrder(e.symbol, order.SideSell, remaining)
			if err == nil {
				c.sellOrderID, c.sellBranch = result.OrderID, result.BranchCode
			}
		}
		c.exitReason = ExitSL
	}

	if now.Sub(c.lastPoll) >= e.cfg.PollInterval {
		e.pollSell()
		c.lastPoll = now
	}

	if c.sellFilledQty >= c.sellOrderedQty && c.sellOrderedQty > 0 {
		pnl := (c.sellFilledPrice - c.buyFilledPrice) * float64(c.sellOrderedQty)
		if e.onCycleResult != nil {
			e.onCycleResult(Result{
				Symbol: e.symbol, Strategy: c.strategy, Qty: c.sellOrderedQty,
				EntryAvg: c.buyFilledPrice, ExitAvg: c.sellFilledPrice, PnL: pnl,
				Reason: c.exitReason,
			})
		}
		c.cycleCount++
		c.cooldownUntil = now.Add(time.Duration(e.cfg.CooldownSeconds) * time.Second)
		e.transition(StateCooldown, "sell_filled")
	}
}

func (e *Executor) tickCooldown(now time.Time) {
	c := e.cyc
	if now.Before(c.cooldownUntil) {
		return
	}
	if now.Before(c.timeoutDeadline) && c.cycleCount < e.cfg.MaxCycles {
		c.window = nil
		c.buyOrderID, c.sellOrderID = "", ""
		c.buyFilledQty, c.sellFilledQty = 0, 0
		c.exitReason = ""
		e.transition(StateMonitoring, "next_cycle")
		return
	}
	e.transition(StateIdle, "max_cycles_or_expired")
	e.cyc = nil
}

func (e *Executor) pollBuy() {
	c := e.cyc
	if c.buyOrderID == "" {
		return
	}
	orders, err := e.gateway.GetTodayOrders()
	if err != nil {
		return
	}
	for _, o := range orders {
		if o.OrderID == c.buyOrderID {
			if o.FilledQty > c.buyFilledQty {
				c.buyFilledQty = o.FilledQty
				c.buyFilledPrice = float64(o.FilledPrice)
			}
			return
		}
	}
}

func (e *Executor) pollSell() {
	c := e.cyc
	if c.sellOrderID == "" {
		return
	}
	orders, err := e.gateway.GetTodayOrders()
	if err != nil {
		return
	}
	for _, o := range orders {
		if o.OrderID == c.sellOrderID {
			if o.FilledQty > c.sellFilledQty {
				c.sellFilledQty = o.FilledQty
				c.sellFilledPrice = float64(o.FilledPrice)
			}
			return
		}
	}
}

// signalExpired implements spec.md §4.8's "check signal expiry (TP/SL/
// timeout on current price — these kill the signal entirely)", evaluated
// before any fill has been admitted.
func signalExpired(c *cycle, price int64, now time.Time) bool {
	if c.buyFilledQty > 0 {
		return false // once inventory is held, TP/SL is evaluated against held_avg_price instead
	}
	return now.After(c.timeoutDeadline) || price <= c.slFloor || price >= c.tpTarget
}

// percentile computes the Nth percentile of values using linear
// interpolation between the two nearest ranks.
func percentile(values []int64, p float64) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := (p / 100) * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return int64(float64(sorted[lo])*(1-frac) + float64(sorted[hi])*frac)
}

// trendGateOK implements the uptick-ratio filter: the fraction of
// consecutive ticks that moved up must meet the configured threshold.
func trendGateOK(prices []int64, threshold float64) bool {
	if len(prices) < 2 {
		return false
	}
	upticks := 0
	for i := 1; i < len(prices); i++ {
		if prices[i] > prices[i-1] {
			upticks++
		}
	}
	ratio := float64(upticks) / float64(len(prices)-1)
	return ratio >= threshold
}

// adaptiveWindowSeconds widens the monitoring window under higher realized
// volatility (spec.md §4.8 "optionally adaptive 15-60s by realized
// volatility"), measured as the coefficient of variation of the window:
// 60s at CV >= 1%, 30s at CV >= 0.5%, otherwise max(base, 15s). Once two
// samples exist a base below 15s is therefore raised to 15s at any volatility.
func adaptiveWindowSeconds(base int, window []tickSample) int {
	if len(window) < 2 {
		return base
	}
	mean := 0.0
	for _, s := range window {
		mean += float64(s.price)
	}
	mean /= float64(len(window))
	if mean == 0 {
		return base
	}
	var sumSq float64
	for _, s := range window {
		d := float64(s.price) - mean
		sumSq += d * d
	}
	cv := math.Sqrt(sumSq/float64(len(window))) / mean
	switch {
	case cv >= 0.01:
		return 60
	case cv >= 0.005:
		return 30
	case base < 15:
		return 15
	default:
		return base
	}
}
