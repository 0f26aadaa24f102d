package health

import (
	"context"
	"errors"
	"testing"
)

func TestRunOnceCachesResults(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(ctx context.Context) error { return nil })
	r.Register("gateway", func(ctx context.Context) error { return errors.New("timeout") })

	results := r.RunOnce(context.Background())
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if !results[0].Healthy || results[0].Name != "db" {
		t.Fatalf("db result = %+v", results[0])
	}
	if results[1].Healthy || results[1].Error != "timeout" {
		t.Fatalf("gateway result = %+v", results[1])
	}
}

func TestAllHealthyFalseUntilEveryProbeRuns(t *testing.T) {
	r := NewRegistry()
	if !r.AllHealthy() {
		t.Fatalf("expected AllHealthy true for an empty registry")
	}
	r.Register("db", func(ctx context.Context) error { return nil })
	if r.AllHealthy() {
		t.Fatalf("expected AllHealthy false before any probe has run")
	}
	r.RunOnce(context.Background())
	if !r.AllHealthy() {
		t.Fatalf("expected AllHealthy true after a clean run")
	}
}

func TestAllHealthyFalseWhenAnyProbeFails(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(ctx context.Context) error { return nil })
	r.Register("gateway", func(ctx context.Context) error { return errors.New("down") })
	r.RunOnce(context.Background())

	if r.AllHealthy() {
		t.Fatalf("expected AllHealthy false when one probe fails")
	}
}

func TestSnapshotPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("z_last", func(ctx context.Context) error { return nil })
	r.Register("a_first", func(ctx context.Context) error { return nil })
	r.RunOnce(context.Background())

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Name != "z_last" || snap[1].Name != "a_first" {
		t.Fatalf("snapshot order = %+v, want registration order", snap)
	}
}
