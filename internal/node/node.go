// Package node assembles a loopback swarm: scheduler shards, upload slot
// allocation, QUIC peer links and the stats feed.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/peerctl/internal/config"
	"github.com/sheerbytes/peerctl/internal/logging"
	"github.com/sheerbytes/peerctl/internal/peerlink"
	"github.com/sheerbytes/peerctl/internal/scheduler"
	"github.com/sheerbytes/peerctl/internal/stats"
	"github.com/sheerbytes/peerctl/internal/statsfeed"
	"github.com/sheerbytes/peerctl/internal/swarm"
	"github.com/sheerbytes/peerctl/internal/tokenbucket"
	"github.com/sheerbytes/peerctl/internal/uploadslots"
)

// remoteManualSlots is how many peers each simulated remote unchokes.
const remoteManualSlots = 4

// Node is a local client plus the simulated remote peers it talks to.
type Node struct {
	cfg      config.RunConfig
	id       uuid.UUID
	registry *stats.Registry
	group    *scheduler.Group
	picker   *uploadslots.SessionPicker
	slots    *uploadslots.SlotManager
	listener *peerlink.Listener
	feed     *statsfeed.Server
	logger   *slog.Logger

	torrents []*swarm.Torrent
	remotes  []*swarm.Torrent
}

// New builds the node and connects every loopback peer. Nothing is ticked
// until Run.
func New(ctx context.Context, cfg config.RunConfig, logger *slog.Logger) (*Node, error) {
	logger = logging.Component(logger, "node")
	registry := stats.NewRegistry()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	n := &Node{
		cfg:      cfg,
		id:       peerUUID(cfg.PeerID),
		registry: registry,
		logger:   logger,
		group: scheduler.NewGroup(scheduler.GroupConfig{
			Shard: scheduler.Config{
				Period:                 cfg.SchedulePeriod,
				MaxCatchUp:             cfg.MaxCatchUp,
				MaxDownloadBytesPerSec: int64(cfg.MaxDownloadKBps) * 1024,
				RequestLimiting:        cfg.RequestLimiting,
				WeightedPriorities:     cfg.WeightedPriorities,
			},
			Parallelism:   cfg.SchedulerParallelism,
			UsePriorities: cfg.UsePriorities,
		}, scheduler.SystemClock(), registry, logger),
		picker: uploadslots.NewSessionPicker(rng, logger),
	}
	n.slots = uploadslots.NewSlotManager(n.picker, uploadslots.Config{NormalSlots: cfg.NormalSlots}, registry, logger)
	if cfg.StatsAddr != "" {
		n.feed = statsfeed.New(registry, time.Second, logger)
	}

	listenOpts := peerlink.Options{ID: n.id, Logger: logger}
	if cfg.UploadKBps > 0 {
		bps := cfg.UploadKBps * 1024
		listenOpts.UploadLimiter = rate.NewLimiter(rate.Limit(bps), max(bps, tokenbucket.BlockSize))
	}
	ln, err := peerlink.Listen(cfg.ListenAddr, listenOpts)
	if err != nil {
		return nil, err
	}
	n.listener = ln

	for i, spec := range cfg.Torrents {
		if err := n.addTorrent(ctx, i, spec, rng); err != nil {
			n.Close()
			return nil, fmt.Errorf("torrent %s: %w", spec.Name, err)
		}
	}
	n.logger.Info("node ready",
		"id", n.id.String(),
		"listen", ln.Addr().String(),
		"torrents", len(n.torrents),
		"shards", n.group.Len(),
		"auto_slots", cfg.AutoSlotEnable,
	)
	return n, nil
}

// peerUUID accepts a uuid or derives a stable one from any other string.
func peerUUID(id string) uuid.UUID {
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
}

func (n *Node) addTorrent(ctx context.Context, index int, spec config.TorrentSpec, rng *rand.Rand) error {
	shard := n.group.ForPartition(index)
	tcfg := swarm.Config{
		Name:             spec.Name,
		Blocks:           spec.Blocks,
		Priority:         spec.Priority,
		SchedulePriority: index,
	}
	if !n.cfg.AutoSlotEnable {
		tcfg.ManualSlots = n.cfg.NormalSlots + 1
		tcfg.ManualRoundTicks = roundTicks(n.cfg.RoundPeriod, n.cfg.SchedulePeriod)
	}
	local := swarm.New(tcfg, shard.Dispenser(), rand.New(rand.NewSource(rng.Int63())), n.logger)

	for p := 0; p < n.cfg.PeersPerTorrent; p++ {
		// Every other remote is a seed, so data flows both ways.
		remote := swarm.New(swarm.Config{
			Name:             fmt.Sprintf("%s/remote-%d", spec.Name, p),
			Blocks:           spec.Blocks,
			Seeding:          p%2 == 0,
			SchedulePriority: 1000 + index*n.cfg.PeersPerTorrent + p,
			ManualSlots:      remoteManualSlots,
			ManualRoundTicks: roundTicks(n.cfg.RoundPeriod, n.cfg.SchedulePeriod),
		}, tokenbucket.New(0, n.logger), rand.New(rand.NewSource(rng.Int63())), nil)

		remoteEnd, localEnd, err := peerlink.Pair(ctx, n.listener, peerlink.Options{Logger: n.logger})
		if err != nil {
			return err
		}
		remote.AddLink(remoteEnd)
		local.AddLink(localEnd)
		n.remotes = append(n.remotes, remote)
		shard.Register(remote)
	}

	if n.cfg.AutoSlotEnable {
		local.AttachPicker(n.picker)
	}
	n.torrents = append(n.torrents, local)
	shard.Register(local)
	return nil
}

func roundTicks(round, period time.Duration) int {
	if period <= 0 {
		return 1
	}
	return max(int(round/period), 1)
}

func (n *Node) ID() uuid.UUID { return n.id }

func (n *Node) Registry() *stats.Registry { return n.registry }

func (n *Node) Torrents() []*swarm.Torrent { return n.torrents }

func (n *Node) Slots() *uploadslots.SlotManager { return n.slots }

// Done reports whether every local torrent has finished downloading.
func (n *Node) Done() bool {
	for _, t := range n.torrents {
		if !t.IsSeeding() {
			return false
		}
	}
	return true
}

// Run ticks the swarm until ctx is done, then closes the node.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		feedErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.group.Run(ctx)
	}()
	if n.cfg.AutoSlotEnable {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.slots.Run(ctx, n.cfg.RoundPeriod)
		}()
	}
	if n.feed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.feed.ListenAndServe(ctx, n.cfg.StatsAddr); err != nil {
				feedErr = err
				n.logger.Error("stats feed stopped", "error", err)
				cancel()
			}
		}()
	}

	report := time.NewTicker(5 * time.Second)
	defer report.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-report.C:
			n.logProgress()
		}
	}
	wg.Wait()
	n.Close()
	n.logProgress()
	return feedErr
}

func (n *Node) logProgress() {
	for _, t := range n.torrents {
		active, total := t.PeerCount()
		n.logger.Info("torrent progress",
			"torrent", t.Name(),
			"completed", t.Completed(),
			"seeding", t.IsSeeding(),
			"peers_active", active,
			"peers_total", total,
		)
	}
}

// Close detaches every torrent, closes all links and the listener.
func (n *Node) Close() {
	for _, t := range n.torrents {
		t.Close()
	}
	for _, t := range n.remotes {
		t.Close()
	}
	if n.listener != nil {
		_ = n.listener.Close()
	}
}
