package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type orderedInstance struct {
	name     string
	priority int
	log      *[]string
	at       *[]time.Duration
	clock    *fakeClock
	epoch    time.Time
}

func (o *orderedInstance) Schedule() {
	*o.log = append(*o.log, o.name)
	*o.at = append(*o.at, o.clock.Now().Sub(o.epoch))
}

func (o *orderedInstance) SchedulePriority() int { return o.priority }

func TestPrioritisedOrderAndSpread(t *testing.T) {
	clock := newFakeClock()
	s := NewPrioritised("0", Config{Period: 100 * time.Millisecond}, clock, nil, nil)

	var log []string
	var at []time.Duration
	for _, spec := range []struct {
		name     string
		priority int
	}{{"c", 3}, {"a", 1}, {"b", 2}, {"z", 0}} {
		s.Register(&orderedInstance{name: spec.name, priority: spec.priority, log: &log, at: &at, clock: clock, epoch: s.epoch})
	}

	now := clock.Now()
	for i := 0; i < 100; i++ {
		s.pass(now)
		now = clock.Advance(time.Millisecond)
	}

	require.Equal(t, []string{"z", "a", "b", "c"}, log)
	require.Equal(t, []time.Duration{0, 25 * time.Millisecond, 50 * time.Millisecond, 75 * time.Millisecond}, at)
}

func TestPrioritisedTickCoverage(t *testing.T) {
	clock := newFakeClock()
	s := NewPrioritised("0", Config{Period: 100 * time.Millisecond}, clock, nil, nil)
	instances := make([]*countingInstance, 7)
	for i := range instances {
		instances[i] = &countingInstance{priority: i}
		s.Register(instances[i])
	}

	const total = 5 * time.Second
	now := clock.Now()
	for elapsed := time.Duration(0); elapsed < total; elapsed += time.Millisecond {
		s.pass(now)
		now = clock.Advance(time.Millisecond)
	}
	want := int64(total / (100 * time.Millisecond))
	for i, inst := range instances {
		got := inst.ticks.Load()
		require.InDeltaf(t, want, got, 1, "instance %d ticked %d times", i, got)
	}
}

func TestPrioritisedCatchUpSnaps(t *testing.T) {
	clock := newFakeClock()
	period := 100 * time.Millisecond
	s := NewPrioritised("0", Config{Period: period, MaxCatchUp: time.Second}, clock, nil, nil)
	a := &countingInstance{priority: 0}
	b := &countingInstance{priority: 1}
	s.Register(a)
	s.Register(b)

	// Stall for five seconds: one pass ticks each once and snaps forward
	// instead of replaying fifty periods.
	now := clock.Advance(5 * time.Second)
	processed, wait := s.pass(now)
	require.Equal(t, 2, processed)
	require.Equal(t, period, wait)
	require.Equal(t, now.Sub(s.epoch)+period, s.periodStart)

	processed, _ = s.pass(clock.Advance(50 * time.Millisecond))
	require.Zero(t, processed)
	processed, _ = s.pass(clock.Advance(50 * time.Millisecond))
	require.Equal(t, 1, processed)
	require.EqualValues(t, 2, a.ticks.Load())
	require.EqualValues(t, 1, b.ticks.Load())
}

func TestPrioritisedSmallLagReplays(t *testing.T) {
	clock := newFakeClock()
	period := 100 * time.Millisecond
	s := NewPrioritised("0", Config{Period: period, MaxCatchUp: time.Second}, clock, nil, nil)
	a := &countingInstance{}
	s.Register(a)

	start := s.periodStart
	s.pass(clock.Advance(300 * time.Millisecond))
	require.Equal(t, start+period, s.periodStart, "lag under max catch-up advances by one period")
}

func TestPrioritisedUpdateScheduleOrdering(t *testing.T) {
	clock := newFakeClock()
	s := NewPrioritised("0", Config{Period: 100 * time.Millisecond}, clock, nil, nil)
	var log []string
	var at []time.Duration
	first := &orderedInstance{name: "first", priority: 0, log: &log, at: &at, clock: clock, epoch: s.epoch}
	second := &orderedInstance{name: "second", priority: 1, log: &log, at: &at, clock: clock, epoch: s.epoch}
	s.Register(first)
	s.Register(second)
	for i := 0; i < 100; i++ {
		s.pass(clock.Now())
		clock.Advance(time.Millisecond)
	}
	require.Equal(t, []string{"first", "second"}, log)

	first.priority = 5
	s.UpdateScheduleOrdering()
	log = nil
	for i := 0; i < 100; i++ {
		s.pass(clock.Now())
		clock.Advance(time.Millisecond)
	}
	require.Equal(t, []string{"second", "first"}, log)
}

func TestPrioritisedWeightedRefill(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{Period: 100 * time.Millisecond, MaxDownloadBytesPerSec: 100 * 1024, RequestLimiting: true, WeightedPriorities: true}
	s := NewPrioritised("0", cfg, clock, nil, nil)

	var levels []int64
	first := &countingInstance{priority: 0}
	second := &countingInstance{priority: 1}
	second.onTick = func() { levels = append(levels, s.Dispenser().Level()) }
	s.Register(first)
	s.Register(second)

	for i := 0; i < 200; i++ {
		s.pass(clock.Now())
		clock.Advance(time.Millisecond)
	}
	// With weighting only the first instance refills, so the second one sees
	// the level as of the period start rather than its own offset.
	require.Equal(t, []int64{0, 10 * 1024}, levels)
}

func TestPrioritisedResortSurvivesClearedChangeFlag(t *testing.T) {
	clock := newFakeClock()
	s := NewPrioritised("0", Config{Period: 100 * time.Millisecond}, clock, nil, nil)
	var log []string
	var at []time.Duration
	first := &orderedInstance{name: "first", priority: 0, log: &log, at: &at, clock: clock, epoch: s.epoch}
	second := &orderedInstance{name: "second", priority: 1, log: &log, at: &at, clock: clock, epoch: s.epoch}
	s.Register(first)
	s.Register(second)
	for i := 0; i < 100; i++ {
		s.pass(clock.Now())
		clock.Advance(time.Millisecond)
	}
	require.Equal(t, []string{"first", "second"}, log)

	// A registration merge that lands right after the ordering update
	// clears the change flag but must not swallow the re-sort.
	first.priority = 5
	s.UpdateScheduleOrdering()
	s.ordered = s.reg.merge(s.ordered)
	require.False(t, s.reg.changed.Load())

	log = nil
	for i := 0; i < 100; i++ {
		s.pass(clock.Now())
		clock.Advance(time.Millisecond)
	}
	require.Equal(t, []string{"second", "first"}, log)
}
