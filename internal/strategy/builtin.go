package strategy

import (
	"leverage-worker/internal/indicators"
	"leverage-worker/internal/pricestore"
)

// smaCross is a minimal reference strategy so the registry has at least one
// concrete, non-opaque implementation to exercise the Strategy Host and the
// scheduler's tick dispatch end to end. Real strategies (the spec's
// ml_momentum/ml_price_position-shaped models) are treated as opaque per
// spec.md §1 and are not ported (DESIGN.md Open Question decision).
type smaCross struct {
	shortWindow int
	longWindow  int
	qty         int64
}

// NewSMACrossFactory registers the sma_cross strategy: buy when the short
// SMA crosses above the long SMA and no position is held; sell when it
// crosses back below while this strategy owns the position.
func NewSMACrossFactory() Factory {
	return func(params map[string]interface{}, _ *indicators.Engine) (Strategy, error) {
		s := &smaCross{shortWindow: 5, longWindow: 20, qty: 1}
		if v, ok := params["short_window"].(float64); ok {
			s.shortWindow = int(v)
		}
		if v, ok := params["long_window"].(float64); ok {
			s.longWindow = int(v)
		}
		if v, ok := params["qty"].(float64); ok {
			s.qty = int64(v)
		}
		return s, nil
	}
}

func (s *smaCross) Name() string         { return "sma_cross" }
func (s *smaCross) ExecutionMode() string { return "scheduler" }

func (s *smaCross) CanGenerateSignal(ctx Context) bool {
	return len(ctx.MinuteCandles) >= s.longWindow+1
}

// smaOf averages the last n closes of candles, excluding the most recent
// `skip` candles (skip=1 computes the SMA as of the prior tick).
func smaOf(candles []pricestore.MinuteCandle, n, skip int) float64 {
	end := len(candles) - skip
	if end < n {
		return 0
	}
	sum := 0.0
	for _, c := range candles[end-n : end] {
		sum += float64(c.Close)
	}
	return sum / float64(n)
}

func (s *smaCross) GenerateSignal(ctx Context) TradingSignal {
	prevShort := smaOf(ctx.MinuteCandles, s.shortWindow, 1)
	prevLong := smaOf(ctx.MinuteCandles, s.longWindow, 1)
	curShort := smaOf(ctx.MinuteCandles, s.shortWindow, 0)
	curLong := smaOf(ctx.MinuteCandles, s.longWindow, 0)

	crossedUp := prevShort <= prevLong && curShort > curLong
	crossedDown := prevShort >= prevLong && curShort < curLong

	if ctx.Position == nil && crossedUp {
		return TradingSignal{Action: ActionBuy, Symbol: ctx.Symbol, Qty: s.qty, Reason: "sma_cross_up", Confidence: 0.5}
	}
	if ctx.Position != nil && crossedDown {
		return TradingSignal{Action: ActionSell, Symbol: ctx.Symbol, Qty: ctx.Position.Quantity, Reason: "sma_cross_down", Confidence: 0.5}
	}
	return TradingSignal{Action: ActionHold, Symbol: ctx.Symbol}
}

func (s *smaCross) OnEntry(ctx Context, signal TradingSignal) {}
func (s *smaCross) OnExit(ctx Context, signal TradingSignal)  {}
