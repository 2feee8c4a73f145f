package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/peerctl/internal/stats"
)

var _ Scheduler = (*Prioritised)(nil)

// Prioritised spreads instances across the period in SchedulePriority order:
// the i-th of n instances is due at period*i/n after the period start.
type Prioritised struct {
	shard
	ordered     []*registeredInstance
	next        int
	periodStart time.Duration
	weighted    atomic.Bool
	resort      atomic.Bool
}

// NewPrioritised creates a priority-ordered shard.
func NewPrioritised(name string, cfg Config, clock Clock, registry *stats.Registry, logger *slog.Logger) *Prioritised {
	s := &Prioritised{shard: newShard(name, cfg, clock, registry, logger)}
	s.weighted.Store(s.cfg.WeightedPriorities)
	s.periodStart = s.clock.Now().Sub(s.epoch)
	return s
}

// Run drives the shard until ctx is cancelled.
func (s *Prioritised) Run(ctx context.Context) {
	s.run(ctx, s.pass)
}

// UpdateScheduleOrdering re-reads every instance's priority on the next pass.
func (s *Prioritised) UpdateScheduleOrdering() {
	s.resort.Store(true)
	s.reg.changed.Store(true)
	s.reg.notify()
}

// SetWeightedPriorities controls token refills: when weighted, only the
// first instance in priority order refills the bucket each period, so it
// gets first claim on fresh tokens.
func (s *Prioritised) SetWeightedPriorities(weighted bool) {
	s.weighted.Store(weighted)
}

func (s *Prioritised) reorder() {
	var resume *registeredInstance
	prev := s.next
	if prev > 0 && prev < len(s.ordered) {
		resume = s.ordered[prev]
	}
	// merge clears changed, so take the resort request after it; a request
	// racing in between is then picked up here rather than lost.
	s.ordered = s.reg.merge(s.ordered)
	resort := s.resort.Swap(false)
	if resort {
		for _, ri := range s.ordered {
			if p, ok := ri.instance.(Prioritized); ok {
				ri.priority = p.SchedulePriority()
			}
		}
	}
	sort.SliceStable(s.ordered, func(i, j int) bool {
		return s.ordered[i].priority < s.ordered[j].priority
	})
	count := len(s.ordered)
	for i, ri := range s.ordered {
		ri.offset = time.Duration(int64(s.cfg.Period) * int64(i) / int64(count))
	}

	// Mid-period, resume with the instance that was up next; if it is gone,
	// stay at the same position.
	s.next = min(prev, count)
	for i, ri := range s.ordered {
		if ri == resume {
			s.next = i
			break
		}
	}
}

func (s *Prioritised) pass(now time.Time) (int, time.Duration) {
	if s.reg.changed.Load() || s.resort.Load() {
		s.reorder()
	}
	mono := now.Sub(s.epoch)
	s.sample(mono, s.ordered)

	if len(s.ordered) == 0 {
		s.dispenser.Refill(now)
		s.periodStart = mono
		s.next = 0
		return 0, s.cfg.Period
	}

	processed := 0
	for s.next < len(s.ordered) {
		ri := s.ordered[s.next]
		due := s.periodStart + ri.offset
		if mono < due {
			return processed, due - mono
		}
		if s.next == 0 || !s.weighted.Load() {
			s.dispenser.Refill(now)
		}
		if !ri.unregistered.Load() {
			s.tick(ri)
			processed++
		}
		s.next++
	}

	s.next = 0
	s.periodStart += s.cfg.Period
	if mono-s.periodStart > s.cfg.MaxCatchUp {
		s.logger.Debug("scheduler behind, skipping missed periods", "behind", mono-s.periodStart)
		s.periodStart = mono + s.cfg.Period
	}
	wait := s.periodStart - mono
	if wait < 0 {
		wait = 0
	}
	return processed, wait
}
