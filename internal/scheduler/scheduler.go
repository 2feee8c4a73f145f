// Package scheduler ticks registered peer-manager instances on dedicated
// shard loops.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sheerbytes/peerctl/internal/logging"
	"github.com/sheerbytes/peerctl/internal/stats"
	"github.com/sheerbytes/peerctl/internal/tokenbucket"
)

// Instance is ticked once per scheduling period. Implementations must be
// comparable (typically a pointer) since they key the registration map.
type Instance interface {
	Schedule()
}

// Prioritized instances are ordered by SchedulePriority, lower first.
type Prioritized interface {
	SchedulePriority() int
}

// Counted instances report peer and piece counts for periodic sampling.
type Counted interface {
	PeerCount() (active, total int)
	PieceCount() (active, total int)
}

// Scheduler is one shard: a single loop that owns its registrations and its
// request dispenser.
type Scheduler interface {
	Register(inst Instance)
	Unregister(inst Instance)
	Dispenser() *tokenbucket.Dispenser
	Run(ctx context.Context)
}

// Clock supplies monotonic time to the loop.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock (with its monotonic reading).
func SystemClock() Clock { return systemClock{} }

// Config configures a shard.
type Config struct {
	Period                 time.Duration
	MaxCatchUp             time.Duration
	SampleInterval         time.Duration
	MaxDownloadBytesPerSec int64
	RequestLimiting        bool
	WeightedPriorities     bool
}

const (
	defaultPeriod         = 100 * time.Millisecond
	defaultMaxCatchUp     = time.Second
	defaultSampleInterval = time.Second

	unprioritized = int(^uint32(0) >> 1)
)

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = defaultPeriod
	}
	if c.MaxCatchUp <= 0 {
		c.MaxCatchUp = defaultMaxCatchUp
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = defaultSampleInterval
	}
	if c.MaxDownloadBytesPerSec < 0 {
		c.MaxDownloadBytesPerSec = 0
	}
	return c
}

type registeredInstance struct {
	id           string
	instance     Instance
	unregistered atomic.Bool

	// loop-owned
	target   time.Duration
	offset   time.Duration
	priority int
}

// registry holds the copy-on-write instance map and the pending list.
// Callers of register/unregister take mu; the loop only takes it when the
// changed flag says there is something to pick up.
type registry struct {
	mu        sync.Mutex
	instances atomic.Pointer[map[Instance]*registeredInstance]
	pending   []*registeredInstance
	changed   atomic.Bool
	wake      chan struct{}
}

func newRegistry() *registry {
	r := &registry{wake: make(chan struct{}, 1)}
	empty := make(map[Instance]*registeredInstance)
	r.instances.Store(&empty)
	return r
}

func (r *registry) add(ri *registeredInstance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.instances.Load()
	if _, ok := cur[ri.instance]; ok {
		return false
	}
	next := make(map[Instance]*registeredInstance, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[ri.instance] = ri
	r.instances.Store(&next)
	r.pending = append(r.pending, ri)
	r.changed.Store(true)
	r.notify()
	return true
}

func (r *registry) remove(inst Instance) (*registeredInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.instances.Load()
	ri, ok := cur[inst]
	if !ok {
		return nil, false
	}
	ri.unregistered.Store(true)
	next := make(map[Instance]*registeredInstance, len(cur))
	for k, v := range cur {
		if k != inst {
			next[k] = v
		}
	}
	r.instances.Store(&next)
	r.changed.Store(true)
	return ri, true
}

func (r *registry) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// merge drops unregistered entries from live and appends pending ones.
func (r *registry) merge(live []*registeredInstance) []*registeredInstance {
	r.mu.Lock()
	r.changed.Store(false)
	added := r.pending
	r.pending = nil
	r.mu.Unlock()

	next := make([]*registeredInstance, 0, len(live)+len(added))
	for _, ri := range live {
		if !ri.unregistered.Load() {
			next = append(next, ri)
		}
	}
	for _, ri := range added {
		if !ri.unregistered.Load() {
			next = append(next, ri)
		}
	}
	return next
}

func (r *registry) size() int {
	return len(*r.instances.Load())
}

// shard carries what both loop variants share.
type shard struct {
	name      string
	cfg       Config
	clock     Clock
	epoch     time.Time
	reg       *registry
	dispenser *tokenbucket.Dispenser
	logger    *slog.Logger

	lastSample time.Duration
	sampled    bool

	schedules    *stats.Counter
	waits        *stats.Counter
	yields       *stats.Counter
	waitMillis   *stats.Counter
	instances    *stats.Gauge
	peersActive  *stats.Gauge
	peersTotal   *stats.Gauge
	piecesActive *stats.Gauge
	piecesTotal  *stats.Gauge
}

func newShard(name string, cfg Config, clock Clock, registry *stats.Registry, logger *slog.Logger) shard {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = SystemClock()
	}
	if registry == nil {
		registry = stats.NewRegistry()
	}
	logger = logging.Component(logger, "scheduler").With("shard", name)
	dispenser := tokenbucket.New(cfg.MaxDownloadBytesPerSec, logger)
	dispenser.SetEnabled(cfg.RequestLimiting)
	prefix := "scheduler." + name + "."
	return shard{
		name:         name,
		cfg:          cfg,
		clock:        clock,
		epoch:        clock.Now(),
		reg:          newRegistry(),
		dispenser:    dispenser,
		logger:       logger,
		schedules:    registry.Counter(prefix + "schedules"),
		waits:        registry.Counter(prefix + "waits"),
		yields:       registry.Counter(prefix + "yields"),
		waitMillis:   registry.Counter(prefix + "wait_ms"),
		instances:    registry.Gauge(prefix + "instances"),
		peersActive:  registry.Gauge(prefix + "peers_active"),
		peersTotal:   registry.Gauge(prefix + "peers_total"),
		piecesActive: registry.Gauge(prefix + "pieces_active"),
		piecesTotal:  registry.Gauge(prefix + "pieces_total"),
	}
}

// Register adds inst to the shard. Safe from any goroutine.
func (s *shard) Register(inst Instance) {
	ri := &registeredInstance{
		id:       uuid.NewString(),
		instance: inst,
		target:   s.clock.Now().Sub(s.epoch),
		priority: unprioritized,
	}
	if p, ok := inst.(Prioritized); ok {
		ri.priority = p.SchedulePriority()
	}
	if !s.reg.add(ri) {
		s.logger.Warn("instance already registered", "instance", fmt.Sprintf("%T", inst))
		return
	}
	s.logger.Debug("instance registered", "id", ri.id)
}

// Unregister removes inst. No tick starts after Unregister returns; a tick
// already running is not interrupted.
func (s *shard) Unregister(inst Instance) {
	ri, ok := s.reg.remove(inst)
	if !ok {
		s.logger.Warn("unregister of unknown instance", "instance", fmt.Sprintf("%T", inst))
		return
	}
	s.logger.Debug("instance unregistered", "id", ri.id)
}

// Dispenser returns the shard's request-limiting token bucket.
func (s *shard) Dispenser() *tokenbucket.Dispenser {
	return s.dispenser
}

// Len returns the number of registered instances.
func (s *shard) Len() int {
	return s.reg.size()
}

func (s *shard) tick(ri *registeredInstance) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled instance panicked", "id", ri.id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.schedules.Add(1)
	ri.instance.Schedule()
}

// sample publishes aggregate peer and piece counts at most once per
// SampleInterval so the O(n) walk stays off the per-tick path.
func (s *shard) sample(now time.Duration, live []*registeredInstance) {
	if s.sampled && now-s.lastSample < s.cfg.SampleInterval {
		return
	}
	s.sampled = true
	s.lastSample = now
	var peersActive, peersTotal, piecesActive, piecesTotal, count int
	for _, ri := range live {
		if ri.unregistered.Load() {
			continue
		}
		count++
		c, ok := ri.instance.(Counted)
		if !ok {
			continue
		}
		a, t := c.PeerCount()
		peersActive += a
		peersTotal += t
		a, t = c.PieceCount()
		piecesActive += a
		piecesTotal += t
	}
	s.instances.Set(int64(count))
	s.peersActive.Set(int64(peersActive))
	s.peersTotal.Set(int64(peersTotal))
	s.piecesActive.Set(int64(piecesActive))
	s.piecesTotal.Set(int64(piecesTotal))
}

// run drives pass until ctx is done. When a pass ticked nothing the loop
// yields if registrations changed meanwhile, otherwise waits up to wait.
func (s *shard) run(ctx context.Context, pass func(now time.Time) (int, time.Duration)) {
	s.logger.Info("scheduler started", "period", s.cfg.Period)
	defer s.logger.Info("scheduler stopped")
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for ctx.Err() == nil {
		processed, wait := pass(s.clock.Now())
		if processed > 0 {
			continue
		}
		if s.reg.changed.Load() {
			s.yields.Add(1)
			runtime.Gosched()
			continue
		}
		if wait <= 0 {
			continue
		}
		if wait > s.cfg.Period {
			wait = s.cfg.Period
		}
		s.waits.Add(1)
		started := time.Now()
		timer.Reset(wait)
		select {
		case <-ctx.Done():
		case <-s.reg.wake:
		case <-timer.C:
		}
		timer.Stop()
		s.waitMillis.Add(time.Since(started).Milliseconds())
	}
}
