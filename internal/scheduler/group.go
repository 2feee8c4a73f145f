package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/sheerbytes/peerctl/internal/stats"
	"github.com/sheerbytes/peerctl/internal/tokenbucket"
)

// GroupConfig configures the set of shards.
type GroupConfig struct {
	Shard         Config
	Parallelism   int
	UsePriorities bool
}

const maxParallelism = 8

// Group owns the scheduler shards. Priority ordering only means something
// within one loop, so UsePriorities always yields a single shard.
type Group struct {
	shards      []Scheduler
	prioritised *Prioritised
}

// NewGroup builds the shards described by cfg.
func NewGroup(cfg GroupConfig, clock Clock, registry *stats.Registry, logger *slog.Logger) *Group {
	g := &Group{}
	if cfg.UsePriorities {
		g.prioritised = NewPrioritised("0", cfg.Shard, clock, registry, logger)
		g.shards = []Scheduler{g.prioritised}
		return g
	}
	n := cfg.Parallelism
	if n < 1 {
		n = 1
	}
	if n > maxParallelism {
		n = maxParallelism
	}
	for i := 0; i < n; i++ {
		g.shards = append(g.shards, NewBasic(strconv.Itoa(i), cfg.Shard, clock, registry, logger))
	}
	return g
}

// Len returns the number of shards.
func (g *Group) Len() int {
	return len(g.shards)
}

// ForPartition returns the shard serving partition id.
func (g *Group) ForPartition(id int) Scheduler {
	return g.shards[uint(id)%uint(len(g.shards))]
}

// Dispenser returns shard 0's dispenser, the one block requesters share.
func (g *Group) Dispenser() *tokenbucket.Dispenser {
	return g.shards[0].Dispenser()
}

// SetMaxDownloadKBps applies a new download limit to every shard.
func (g *Group) SetMaxDownloadKBps(kbps int) {
	for _, s := range g.shards {
		s.Dispenser().SetRate(int64(kbps) * 1024)
	}
}

// SetRequestLimiting toggles request limiting on every shard.
func (g *Group) SetRequestLimiting(enabled bool) {
	for _, s := range g.shards {
		s.Dispenser().SetEnabled(enabled)
	}
}

// UpdateScheduleOrdering re-sorts the prioritised shard, if any.
func (g *Group) UpdateScheduleOrdering() {
	if g.prioritised != nil {
		g.prioritised.UpdateScheduleOrdering()
	}
}

// OverrideWeightedPriorities turns priority weighting of token refills on
// or off at run time.
func (g *Group) OverrideWeightedPriorities(weighted bool) {
	if g.prioritised != nil {
		g.prioritised.SetWeightedPriorities(weighted)
	}
}

// Run starts every shard on its own goroutine and blocks until ctx is done
// and all shards have returned.
func (g *Group) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range g.shards {
		wg.Add(1)
		go func(s Scheduler) {
			defer wg.Done()
			s.Run(ctx)
		}(s)
	}
	wg.Wait()
}
