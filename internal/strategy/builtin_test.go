package strategy

import (
	"testing"

	"leverage-worker/internal/pricestore"
)

func candle(close int64) pricestore.MinuteCandle {
	return pricestore.MinuteCandle{Close: close}
}

func TestSMACrossBuySignalOnUpwardCross(t *testing.T) {
	factory := NewSMACrossFactory()
	s, err := factory(map[string]interface{}{"short_window": float64(2), "long_window": float64(4), "qty": float64(2)}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// Flat then a sharp final uptick so short SMA overtakes long SMA only
	// on the most recent candle.
	candles := []pricestore.MinuteCandle{
		candle(100), candle(100), candle(100), candle(100), candle(130),
	}
	ctx := Context{Symbol: "005930", MinuteCandles: candles}

	if !s.CanGenerateSignal(ctx) {
		t.Fatalf("expected enough candles to generate a signal")
	}
	sig := s.GenerateSignal(ctx)
	if sig.Action != ActionBuy {
		t.Fatalf("action = %v, want buy", sig.Action)
	}
	if sig.Qty != 2 {
		t.Fatalf("qty = %d, want 2", sig.Qty)
	}
}

func TestSMACrossHoldsWithoutCross(t *testing.T) {
	factory := NewSMACrossFactory()
	s, err := factory(map[string]interface{}{"short_window": float64(2), "long_window": float64(4)}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	candles := []pricestore.MinuteCandle{
		candle(100), candle(100), candle(100), candle(100), candle(100),
	}
	ctx := Context{Symbol: "005930", MinuteCandles: candles}
	sig := s.GenerateSignal(ctx)
	if sig.Action != ActionHold {
		t.Fatalf("action = %v, want hold on flat prices", sig.Action)
	}
}

func TestRegistryBuildAndDuplicate(t *testing.T) {
	r := NewRegistry()
	r.Register("sma_cross", NewSMACrossFactory())

	s, err := r.Build("sma_cross", map[string]interface{}{}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if s.Name() != "sma_cross" {
		t.Fatalf("name = %q, want sma_cross", s.Name())
	}

	if _, err := r.Build("unknown", nil, nil); err == nil {
		t.Fatalf("expected error for unregistered strategy")
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	r.Register("sma_cross", NewSMACrossFactory())
}
