package position

import (
	"path/filepath"
	"testing"

	"leverage-worker/pkg/db"
)

func openTestTrading(t *testing.T) *db.Database {
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
	return d
}

// TestAddWeightedAverage is Scenario B: two buys into the same symbol
// average by quantity.
func TestAddWeightedAverage(t *testing.T) {
	m := New(openTestTrading(t))

	if _, err := m.Add("233740", 3, 10000, "scalp", "o1"); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	p, err := m.Add("233740", 2, 10500, "scalp", "o2")
	if err != nil {
		t.Fatalf("add 2: %v", err)
	}

	if p.Quantity != 5 {
		t.Fatalf("quantity = %d, want 5", p.Quantity)
	}
	if p.AvgCost != 10200 {
		t.Fatalf("avg_cost = %v, want 10200", p.AvgCost)
	}
}

func TestAddRemovesOnNonPositiveQuantity(t *testing.T) {
	m := New(openTestTrading(t))
	if _, err := m.Add("005930", 10, 70000, "scalp", "o1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	p, err := m.Add("005930", -10, 70000, "scalp", "o2")
	if err != nil {
		t.Fatalf("reduce to zero: %v", err)
	}
	if p.Quantity != 0 {
		t.Fatalf("quantity = %d, want 0", p.Quantity)
	}
	if _, ok := m.Get("005930"); ok {
		t.Fatalf("expected position removed after quantity reaches zero")
	}
}

type fakeBroker struct {
	positions []BrokerPosition
	err       error
}

func (f fakeBroker) GetBalance() ([]BrokerPosition, error) { return f.positions, f.err }

func TestSyncInsertsUnmanagedAndRemovesAbsent(t *testing.T) {
	m := New(openTestTrading(t))
	if _, err := m.Add("005930", 10, 70000, "scalp", "o1"); err != nil {
		t.Fatalf("add: %v", err)
	}

	broker := fakeBroker{positions: []BrokerPosition{
		{Symbol: "000660", Quantity: 5, CurrentPrice: 120000},
	}}
	discrepancies, ok, err := m.Sync(broker)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !ok {
		t.Fatalf("expected sync to run")
	}
	if len(discrepancies) != 0 {
		t.Fatalf("expected no discrepancies, got %v", discrepancies)
	}

	if _, ok := m.Get("005930"); ok {
		t.Fatalf("expected 005930 removed, absent from broker")
	}
	unmanaged := m.GetUnmanaged()
	if len(unmanaged) != 1 || unmanaged[0].Symbol != "000660" {
		t.Fatalf("expected 000660 admitted unmanaged, got %v", unmanaged)
	}
}

func TestSyncFlagsQuantityDiscrepancy(t *testing.T) {
	m := New(openTestTrading(t))
	if _, err := m.Add("005930", 10, 70000, "scalp", "o1"); err != nil {
		t.Fatalf("add: %v", err)
	}

	broker := fakeBroker{positions: []BrokerPosition{
		{Symbol: "005930", Quantity: 7, CurrentPrice: 71000},
	}}
	discrepancies, _, err := m.Sync(broker)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(discrepancies) != 1 || discrepancies[0].LocalQty != 10 || discrepancies[0].BrokerQty != 7 {
		t.Fatalf("expected a flagged discrepancy, got %v", discrepancies)
	}
	p, _ := m.Get("005930")
	if p.Quantity != 7 {
		t.Fatalf("quantity not corrected to broker truth: %d", p.Quantity)
	}
}

func TestAssignStrategy(t *testing.T) {
	m := New(openTestTrading(t))
	broker := fakeBroker{positions: []BrokerPosition{{Symbol: "005930", Quantity: 10, CurrentPrice: 70000}}}
	if _, _, err := m.Sync(broker); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := m.AssignStrategy("005930", "momentum"); err != nil {
		t.Fatalf("assign strategy: %v", err)
	}
	if got := m.GetByStrategy("momentum"); len(got) != 1 {
		t.Fatalf("expected 1 position under momentum, got %d", len(got))
	}
	if got := m.GetUnmanaged(); len(got) != 0 {
		t.Fatalf("expected no unmanaged positions after assignment, got %d", len(got))
	}
}
