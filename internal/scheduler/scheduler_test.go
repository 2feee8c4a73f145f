package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sheerbytes/peerctl/internal/stats"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type countingInstance struct {
	ticks    atomic.Int64
	priority int
	onTick   func()
	peers    [2]int
	pieces   [2]int
}

func (c *countingInstance) Schedule() {
	c.ticks.Add(1)
	if c.onTick != nil {
		c.onTick()
	}
}

func (c *countingInstance) SchedulePriority() int { return c.priority }

func (c *countingInstance) PeerCount() (int, int) { return c.peers[0], c.peers[1] }

func (c *countingInstance) PieceCount() (int, int) { return c.pieces[0], c.pieces[1] }

func TestBasicTickCoverage(t *testing.T) {
	clock := newFakeClock()
	s := NewBasic("0", Config{Period: 100 * time.Millisecond}, clock, nil, nil)

	instances := make([]*countingInstance, 5)
	for i := range instances {
		instances[i] = &countingInstance{}
		s.Register(instances[i])
	}

	const total = 10 * time.Second
	now := clock.Now()
	for elapsed := time.Duration(0); elapsed <= total; elapsed += time.Millisecond {
		s.pass(now)
		now = clock.Advance(time.Millisecond)
	}

	want := int64(total / (100 * time.Millisecond))
	for i, inst := range instances {
		got := inst.ticks.Load()
		if got < want-1 || got > want+1 {
			t.Fatalf("instance %d ticked %d times, want %d±1", i, got, want)
		}
	}
}

func TestBasicNoDoubleTickInPass(t *testing.T) {
	clock := newFakeClock()
	s := NewBasic("0", Config{Period: 10 * time.Millisecond}, clock, nil, nil)
	inst := &countingInstance{}
	s.Register(inst)

	// A long stall makes the instance overdue by many periods; one pass must
	// still tick it only once.
	s.pass(clock.Now())
	processed, _ := s.pass(clock.Advance(time.Second))
	if processed != 1 || inst.ticks.Load() != 2 {
		t.Fatalf("expected one tick per pass, processed=%d ticks=%d", processed, inst.ticks.Load())
	}
}

func TestBasicDriftCorrection(t *testing.T) {
	clock := newFakeClock()
	period := 100 * time.Millisecond
	s := NewBasic("0", Config{Period: period}, clock, nil, nil)
	inst := &countingInstance{}

	clock.Advance(30 * time.Millisecond)
	s.Register(inst)
	s.pass(clock.Now())
	ri := s.live[0]
	if ri.target != 130*time.Millisecond {
		t.Fatalf("expected next target 130ms, got %s", ri.target)
	}

	// Stall past several periods.
	now := clock.Advance(470 * time.Millisecond)
	s.pass(now)
	mono := now.Sub(s.epoch)
	want := mono + (230*time.Millisecond)%period
	if ri.target != want {
		t.Fatalf("expected re-target %s, got %s", want, ri.target)
	}
}

func TestBasicUnregisterStopsTicks(t *testing.T) {
	clock := newFakeClock()
	s := NewBasic("0", Config{Period: 10 * time.Millisecond}, clock, nil, nil)
	a := &countingInstance{}
	b := &countingInstance{}
	s.Register(a)
	s.Register(b)
	s.pass(clock.Now())

	s.Unregister(a)
	for i := 0; i < 10; i++ {
		s.pass(clock.Advance(10 * time.Millisecond))
	}
	if a.ticks.Load() != 1 {
		t.Fatalf("expected no ticks after unregister, got %d", a.ticks.Load())
	}
	if b.ticks.Load() != 11 {
		t.Fatalf("expected 11 ticks for b, got %d", b.ticks.Load())
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 registered instance, got %d", s.Len())
	}
}

func TestBasicUnregisterDuringTick(t *testing.T) {
	clock := newFakeClock()
	s := NewBasic("0", Config{Period: 10 * time.Millisecond}, clock, nil, nil)
	victim := &countingInstance{}
	killer := &countingInstance{}
	killer.onTick = func() { s.Unregister(victim) }
	s.Register(killer)
	s.Register(victim)

	s.pass(clock.Now())
	if victim.ticks.Load() != 0 {
		t.Fatalf("victim ticked after being unregistered in the same pass")
	}
}

func TestBasicDuplicateRegisterIgnored(t *testing.T) {
	clock := newFakeClock()
	s := NewBasic("0", Config{}, clock, nil, nil)
	inst := &countingInstance{}
	s.Register(inst)
	s.Register(inst)
	s.pass(clock.Now())
	if len(s.live) != 1 || inst.ticks.Load() != 1 {
		t.Fatalf("expected a single registration, live=%d ticks=%d", len(s.live), inst.ticks.Load())
	}
	s.Unregister(&countingInstance{})
}

func TestBasicPanicIsolation(t *testing.T) {
	clock := newFakeClock()
	s := NewBasic("0", Config{}, clock, nil, nil)
	bad := &countingInstance{onTick: func() { panic("boom") }}
	good := &countingInstance{}
	s.Register(bad)
	s.Register(good)

	processed, _ := s.pass(clock.Now())
	if processed != 2 {
		t.Fatalf("expected both instances processed, got %d", processed)
	}
	if good.ticks.Load() != 1 {
		t.Fatalf("panicking instance starved its neighbour")
	}
}

func TestBasicWaitBoundedByNextTarget(t *testing.T) {
	clock := newFakeClock()
	s := NewBasic("0", Config{Period: 100 * time.Millisecond}, clock, nil, nil)
	_, wait := s.pass(clock.Now())
	if wait != 100*time.Millisecond {
		t.Fatalf("expected empty shard to wait one period, got %s", wait)
	}
	s.Register(&countingInstance{})
	s.pass(clock.Now())
	_, wait = s.pass(clock.Advance(40 * time.Millisecond))
	if wait != 60*time.Millisecond {
		t.Fatalf("expected wait of 60ms, got %s", wait)
	}
}

func TestSamplingIsTimeGated(t *testing.T) {
	clock := newFakeClock()
	reg := stats.NewRegistry()
	s := NewBasic("0", Config{Period: 10 * time.Millisecond, SampleInterval: time.Second}, clock, reg, nil)
	inst := &countingInstance{peers: [2]int{2, 5}, pieces: [2]int{3, 10}}
	s.Register(inst)
	s.pass(clock.Now())

	if got := reg.Gauge("scheduler.0.peers_total").Value(); got != 5 {
		t.Fatalf("expected peers_total 5, got %d", got)
	}
	inst.peers = [2]int{4, 9}
	s.pass(clock.Advance(500 * time.Millisecond))
	if got := reg.Gauge("scheduler.0.peers_total").Value(); got != 5 {
		t.Fatalf("expected sample unchanged before interval, got %d", got)
	}
	s.pass(clock.Advance(500 * time.Millisecond))
	if got := reg.Gauge("scheduler.0.peers_active").Value(); got != 4 {
		t.Fatalf("expected peers_active 4 after interval, got %d", got)
	}
	if got := reg.Gauge("scheduler.0.pieces_total").Value(); got != 10 {
		t.Fatalf("expected pieces_total 10, got %d", got)
	}
}

func TestBasicRunTicksAndStops(t *testing.T) {
	reg := stats.NewRegistry()
	s := NewBasic("0", Config{Period: 5 * time.Millisecond}, nil, reg, nil)
	inst := &countingInstance{}
	s.Register(inst)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
	if inst.ticks.Load() < 5 {
		t.Fatalf("expected the instance to be ticked repeatedly, got %d", inst.ticks.Load())
	}
	if reg.Counter("scheduler.0.waits").Value() == 0 {
		t.Fatalf("expected the idle loop to wait rather than spin")
	}
}
