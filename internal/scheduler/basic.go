package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/sheerbytes/peerctl/internal/stats"
)

var _ Scheduler = (*Basic)(nil)

// Basic ticks every live instance once per period in registration order,
// keeping each instance on its own phase.
type Basic struct {
	shard
	live []*registeredInstance
}

// NewBasic creates a basic shard. A nil clock uses the system clock.
func NewBasic(name string, cfg Config, clock Clock, registry *stats.Registry, logger *slog.Logger) *Basic {
	return &Basic{shard: newShard(name, cfg, clock, registry, logger)}
}

// Run drives the shard until ctx is cancelled.
func (s *Basic) Run(ctx context.Context) {
	s.run(ctx, s.pass)
}

// pass runs one loop iteration at now. It returns how many instances were
// ticked and how long until the earliest next target.
func (s *Basic) pass(now time.Time) (int, time.Duration) {
	if s.reg.changed.Load() {
		s.live = s.reg.merge(s.live)
	}
	mono := now.Sub(s.epoch)
	period := s.cfg.Period

	s.dispenser.Refill(now)
	s.sample(mono, s.live)

	processed := 0
	wait := period
	for _, ri := range s.live {
		if ri.unregistered.Load() {
			continue
		}
		if mono >= ri.target {
			s.tick(ri)
			processed++
			ri.target += period
			if ri.target < mono {
				// Fell behind: keep the phase instead of replaying.
				ri.target = mono + ri.target%period
			}
		}
		if d := ri.target - mono; d < wait {
			wait = d
		}
	}
	return processed, wait
}
