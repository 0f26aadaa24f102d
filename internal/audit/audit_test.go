package audit

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

func TestAppendAndVerifyIntegrity(t *testing.T) {
	l := New(openTestTrading(t))

	records := []Record{
		{Timestamp: 1, EventType: EventOrderSubmit, Module: "order", CorrelationID: "c1", SessionID: "s1",
			Symbol: "005930", OrderID: "o1", Side: "BUY", Qty: 10, Price: 70000, Strategy: "scalp", Status: "submitted"},
		{Timestamp: 2, EventType: EventOrderFilled, Module: "order", CorrelationID: "c1", SessionID: "s1",
			Symbol: "005930", OrderID: "o1", Side: "BUY", Qty: 10, Price: 70000, Strategy: "scalp", Status: "filled",
			Metadata: map[string]any{"fill_time": 2}},
	}
	for _, r := range records {
		if err := l.Append(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	invalid, err := l.VerifyIntegrity()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(invalid) != 0 {
		t.Fatalf("expected no tampered rows, got %v", invalid)
	}
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	d := openTestTrading(t)
	l := New(d)

	if err := l.Append(Record{
		Timestamp: 1, EventType: EventOrderSubmit, Module: "order", CorrelationID: "c1",
		SessionID: "s1", Symbol: "005930", OrderID: "o1", Side: "BUY", Qty: 10, Price: 70000,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := d.DB.Exec(`UPDATE audit_log SET qty = 999 WHERE order_id = 'o1'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	invalid, err := l.VerifyIntegrity()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(invalid) != 1 {
		t.Fatalf("expected exactly one tampered row, got %v", invalid)
	}
}
