package stats

import (
	"sync"
	"testing"
)

func TestCounterGetOrCreate(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("scheduler.0.schedules")
	b := r.Counter("scheduler.0.schedules")
	if a != b {
		t.Fatalf("expected the same counter for the same name")
	}
	a.Add(3)
	if b.Value() != 3 {
		t.Fatalf("expected 3, got %d", b.Value())
	}
}

func TestSnapshotIncludesCountersAndGauges(t *testing.T) {
	r := NewRegistry()
	r.Counter("slots.rounds").Add(2)
	r.Gauge("slots.filled").Set(4)

	snap := r.Snapshot()
	if snap.Values["slots.rounds"] != 2 || snap.Values["slots.filled"] != 4 {
		t.Fatalf("unexpected snapshot %v", snap.Values)
	}
	names := snap.Names()
	if len(names) != 2 || names[0] != "slots.filled" {
		t.Fatalf("expected sorted names, got %v", names)
	}
}

func TestConcurrentCounterCreation(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Counter("shared").Add(1)
		}()
	}
	wg.Wait()
	if got := r.Counter("shared").Value(); got != 16 {
		t.Fatalf("expected 16, got %d", got)
	}
}
