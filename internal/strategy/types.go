// Package strategy implements the Strategy Host (spec.md §4.7): per-
// (symbol, strategy) instantiation from config, the CanGenerateSignal/
// GenerateSignal/OnEntry/OnExit contract, and signal routing into the
// Order Manager. Grounded on the teacher's internal/strategy/engine.go
// (per-symbol strategy map, OnTick dispatch shape) generalized from a
// price+indicators callback into the richer StrategyContext spec.md §4.7
// requires (minute/daily history, position snapshot, trade count).
package strategy

import (
	"leverage-worker/internal/indicators"
	"leverage-worker/internal/position"
	"leverage-worker/internal/pricestore"
)

// SignalAction is the decision a strategy emits.
type SignalAction string

const (
	ActionHold SignalAction = "hold"
	ActionBuy  SignalAction = "buy"
	ActionSell SignalAction = "sell"
)

// TradingSignal is spec.md §3's TradingSignal.
type TradingSignal struct {
	Action       SignalAction
	Symbol       string
	Qty          int64
	Reason       string
	Confidence   float64
	LimitPrice   int64 // 0 means market/no limit metadata
	UseWebsocket bool  // carried for strategies; the Host does not read it (routing follows ExecutionMode)
}

// Context is the per-tick bundle a strategy evaluates against (spec.md
// §4.7's StrategyContext).
type Context struct {
	Symbol          string
	CurrentPrice    int64
	Now             int64
	MinuteCandles   []pricestore.MinuteCandle
	DailyCandles    []pricestore.DailyCandle
	Position        *position.Position
	TodayTradeCount int
	Indicators      map[string]float64
}

// Strategy is the contract the Strategy Host consumes (spec.md §4.7).
type Strategy interface {
	Name() string
	ExecutionMode() string // "" or "scheduler" (scheduler-driven), "websocket" (Scalping Executor-driven)
	CanGenerateSignal(ctx Context) bool
	GenerateSignal(ctx Context) TradingSignal
	OnEntry(ctx Context, signal TradingSignal)
	OnExit(ctx Context, signal TradingSignal)
}

// Factory builds a Strategy from its YAML parameters. Registered factories
// are looked up by StrategyConfig.Name (spec.md §9 "structured StockConfig
// only" decision, DESIGN.md Open Question).
type Factory func(params map[string]interface{}, indicatorEngine *indicators.Engine) (Strategy, error)
