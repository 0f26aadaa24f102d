package exitmonitor

import (
	"testing"
	"time"
)

type fakeSubscriber struct {
	subscribed []string
}

func (s *fakeSubscriber) Subscribe(symbol string) { s.subscribed = append(s.subscribed, symbol) }

func TestRegisterSubscribesSymbol(t *testing.T) {
	sub := &fakeSubscriber{}
	m := New(sub, nil)
	m.Register(Registration{Symbol: "005930", AvgPrice: 10000, Qty: 10, EntryTime: time.Now(), TPPct: 0.02, SLPct: 0.01})

	if len(sub.subscribed) != 1 || sub.subscribed[0] != "005930" {
		t.Fatalf("subscribed = %v, want [005930]", sub.subscribed)
	}
	if !m.IsWatching("005930") {
		t.Fatalf("expected 005930 to be watched")
	}
}

func TestOnTickFiresTakeProfitAtThreshold(t *testing.T) {
	var got []ExitSignal
	m := New(nil, func(s ExitSignal) { got = append(got, s) })
	now := time.Now()
	m.Register(Registration{Symbol: "005930", Strategy: "sma_cross", AvgPrice: 10000, Qty: 10, EntryTime: now, TPPct: 0.02, SLPct: 0.01})

	m.OnTick("005930", 10199, now.Add(time.Second)) // below +2% target, no fire
	m.OnTick("005930", 10201, now.Add(2*time.Second)) // above +2% target

	if len(got) != 1 {
		t.Fatalf("exit signals = %d, want 1", len(got))
	}
	if got[0].Reason != ExitTP || !got[0].IsTP {
		t.Fatalf("reason = %v isTP = %v, want tp/true", got[0].Reason, got[0].IsTP)
	}
}

func TestOnTickFiresStopLoss(t *testing.T) {
	var got []ExitSignal
	m := New(nil, func(s ExitSignal) { got = append(got, s) })
	now := time.Now()
	m.Register(Registration{Symbol: "005930", AvgPrice: 10000, Qty: 10, EntryTime: now, TPPct: 0.02, SLPct: 0.01})

	m.OnTick("005930", 9899, now.Add(time.Second)) // -1.01%, below -1% floor

	if len(got) != 1 || got[0].Reason != ExitSL {
		t.Fatalf("got = %+v, want one SL signal", got)
	}
}

func TestOnTickFiresTimeout(t *testing.T) {
	var got []ExitSignal
	m := New(nil, func(s ExitSignal) { got = append(got, s) })
	now := time.Now()
	m.Register(Registration{Symbol: "005930", AvgPrice: 10000, Qty: 10, EntryTime: now, TPPct: 0.5, SLPct: 0.5, MaxHoldingMinutes: 30})

	m.OnTick("005930", 10000, now.Add(31*time.Minute))

	if len(got) != 1 || got[0].Reason != ExitTimeout {
		t.Fatalf("got = %+v, want one timeout signal", got)
	}
}

func TestOnTickSuppressesDuplicateAfterFirstFire(t *testing.T) {
	var got []ExitSignal
	m := New(nil, func(s ExitSignal) { got = append(got, s) })
	now := time.Now()
	m.Register(Registration{Symbol: "005930", AvgPrice: 10000, Qty: 10, EntryTime: now, TPPct: 0.01, SLPct: 0.01})

	m.OnTick("005930", 10200, now.Add(time.Second))
	m.OnTick("005930", 10300, now.Add(2*time.Second))
	m.OnTick("005930", 10400, now.Add(3*time.Second))

	if len(got) != 1 {
		t.Fatalf("exit signals = %d, want 1 (exit_in_progress must suppress repeats)", len(got))
	}
}

func TestUnregisterRemovesWatch(t *testing.T) {
	m := New(nil, nil)
	now := time.Now()
	m.Register(Registration{Symbol: "005930", AvgPrice: 10000, Qty: 10, EntryTime: now, TPPct: 0.01, SLPct: 0.01})
	m.Unregister("005930")

	if m.IsWatching("005930") {
		t.Fatalf("expected 005930 to no longer be watched after Unregister")
	}
}
