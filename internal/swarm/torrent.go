// Package swarm drives one torrent's peer links from a scheduler shard and
// offers them to the upload slot allocator.
package swarm

import (
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/sheerbytes/peerctl/internal/logging"
	"github.com/sheerbytes/peerctl/internal/tokenbucket"
	"github.com/sheerbytes/peerctl/internal/uploadslots"
)

// Link is the part of a peer connection a torrent drives. *peerlink.Link
// implements it.
type Link interface {
	uploadslots.Peer
	IsChokingMe() bool
	SetInterested(interested bool)
	AnnounceSeed()
	Request(n int) int
	Outstanding() int
	Upload(limit int) int
	Done() <-chan struct{}
	Close() error
}

const (
	defaultRequestBatch = 4
	defaultUploadBatch  = 4
	// defaultManualRoundTicks is 10s at the default 100ms schedule period.
	defaultManualRoundTicks = 100
)

// Config describes one torrent.
type Config struct {
	Name             string
	Blocks           int64
	Seeding          bool
	Priority         int
	SchedulePriority int
	// ManualSlots > 0 makes the torrent choke and unchoke its own peers
	// every ManualRoundTicks ticks instead of leaving it to a SlotManager.
	ManualSlots      int
	ManualRoundTicks int
	RequestBatch     int
	UploadBatch      int
}

// Torrent is a scheduler instance and an upload helper.
type Torrent struct {
	name      string
	blocks    int64
	dispenser *tokenbucket.Dispenser
	logger    *slog.Logger

	requestBatch     int
	uploadBatch      int
	manualSlots      int
	manualRoundTicks int
	schedulePriority int

	mu           sync.Mutex
	links        []Link
	retiredBytes int64
	picker       *uploadslots.SessionPicker

	priority atomic.Int32
	seeding  atomic.Bool
	received atomic.Int64

	// Touched only from Schedule.
	ticks          int
	downloadRanker *uploadslots.DownloadingRanker
	seedRanker     *uploadslots.SeedingRanker
}

// New returns a torrent that takes request tokens from dispenser. The
// dispenser must belong to the shard the torrent is registered with.
func New(cfg Config, dispenser *tokenbucket.Dispenser, rng *rand.Rand, logger *slog.Logger) *Torrent {
	if cfg.RequestBatch <= 0 {
		cfg.RequestBatch = defaultRequestBatch
	}
	if cfg.UploadBatch <= 0 {
		cfg.UploadBatch = defaultUploadBatch
	}
	if cfg.ManualRoundTicks <= 0 {
		cfg.ManualRoundTicks = defaultManualRoundTicks
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	t := &Torrent{
		name:             cfg.Name,
		blocks:           cfg.Blocks,
		dispenser:        dispenser,
		logger:           logging.Component(logger, "swarm").With("torrent", cfg.Name),
		requestBatch:     cfg.RequestBatch,
		uploadBatch:      cfg.UploadBatch,
		manualSlots:      cfg.ManualSlots,
		manualRoundTicks: cfg.ManualRoundTicks,
		schedulePriority: cfg.SchedulePriority,
		downloadRanker:   uploadslots.NewDownloadingRanker(rng),
		seedRanker:       uploadslots.NewSeedingRanker(rng),
	}
	t.priority.Store(int32(cfg.Priority))
	t.seeding.Store(cfg.Seeding || cfg.Blocks <= 0)
	return t
}

func (t *Torrent) Name() string { return t.name }

// AddLink starts driving link.
func (t *Torrent) AddLink(link Link) {
	t.mu.Lock()
	t.links = append(t.links, link)
	t.mu.Unlock()
	if t.seeding.Load() {
		link.AnnounceSeed()
	}
}

// AttachPicker registers the torrent with the slot allocator's picker.
func (t *Torrent) AttachPicker(picker *uploadslots.SessionPicker) {
	t.mu.Lock()
	t.picker = picker
	t.mu.Unlock()
	picker.RegisterHelper(t)
}

// Detach deregisters from the picker, if attached.
func (t *Torrent) Detach() {
	t.mu.Lock()
	picker := t.picker
	t.picker = nil
	t.mu.Unlock()
	if picker != nil {
		picker.DeregisterHelper(t)
	}
}

// SetPriority changes the upload helper priority and tells the picker.
func (t *Torrent) SetPriority(priority int) {
	if int(t.priority.Swap(int32(priority))) == priority {
		return
	}
	t.mu.Lock()
	picker := t.picker
	t.mu.Unlock()
	if picker != nil {
		picker.UpdateHelper(t)
	}
	t.logger.Info("upload priority changed", "priority", priority)
}

func (t *Torrent) Priority() int { return int(t.priority.Load()) }

func (t *Torrent) IsSeeding() bool { return t.seeding.Load() }

// AllPeers returns a snapshot of the live links.
func (t *Torrent) AllPeers() []uploadslots.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make([]uploadslots.Peer, len(t.links))
	for i, link := range t.links {
		peers[i] = link
	}
	return peers
}

func (t *Torrent) SchedulePriority() int { return t.schedulePriority }

// PeerCount reports links we are exchanging data with, and all links.
func (t *Torrent) PeerCount() (active, total int) {
	for _, link := range t.snapshot() {
		if !link.IsChokedByMe() || link.Outstanding() > 0 {
			active++
		}
		total++
	}
	return active, total
}

// PieceCount reports blocks in flight and blocks in the torrent.
func (t *Torrent) PieceCount() (active, total int) {
	for _, link := range t.snapshot() {
		active += link.Outstanding()
	}
	return active, int(t.blocks)
}

// Completed returns the number of blocks received so far.
func (t *Torrent) Completed() int64 {
	return t.received.Load() / tokenbucket.BlockSize
}

func (t *Torrent) snapshot() []Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Link(nil), t.links...)
}

// Schedule runs one tick on the owning shard.
func (t *Torrent) Schedule() {
	t.ticks++
	links := t.prune()

	if !t.seeding.Load() {
		t.download(links)
	}
	if t.manualSlots > 0 && (t.ticks-1)%t.manualRoundTicks == 0 {
		t.manualUnchoke(links)
	}
	for _, link := range links {
		link.Upload(t.uploadBatch)
	}
}

// prune drops closed links and refreshes the received byte count.
func (t *Torrent) prune() []Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	live := t.links[:0]
	var received int64
	for _, link := range t.links {
		select {
		case <-link.Done():
			t.retiredBytes += link.BytesReceived()
			t.logger.Debug("peer link gone")
			continue
		default:
		}
		received += link.BytesReceived()
		live = append(live, link)
	}
	for i := len(live); i < len(t.links); i++ {
		t.links[i] = nil
	}
	t.links = live
	t.received.Store(t.retiredBytes + received)
	return append([]Link(nil), live...)
}

func (t *Torrent) download(links []Link) {
	remaining := t.blocks - t.Completed()
	if remaining <= 0 {
		t.becomeSeed(links)
		return
	}
	for _, link := range links {
		if link.Outstanding() > 0 {
			remaining -= int64(link.Outstanding())
		}
	}
	for _, link := range links {
		link.SetInterested(true)
		if remaining <= 0 || link.IsChokingMe() {
			continue
		}
		want := int(min(int64(t.requestBatch), remaining))
		granted := t.dispenser.Dispense(want, tokenbucket.BlockSize)
		if granted == 0 {
			return
		}
		sent := link.Request(granted)
		if sent < granted {
			t.dispenser.ReturnUnused(granted-sent, tokenbucket.BlockSize)
		}
		remaining -= int64(sent)
	}
}

func (t *Torrent) becomeSeed(links []Link) {
	if t.seeding.Swap(true) {
		return
	}
	for _, link := range links {
		link.SetInterested(false)
		link.AnnounceSeed()
	}
	t.logger.Info("download complete, seeding", "blocks", t.blocks)
}

// manualUnchoke picks upload peers without the slot allocator: the best
// reciprocators while downloading, a random rotation while seeding.
func (t *Torrent) manualUnchoke(links []Link) {
	peers := make([]uploadslots.Peer, len(links))
	for i, link := range links {
		peers[i] = link
	}
	keep := make(map[uploadslots.Peer]bool, t.manualSlots)
	if t.seeding.Load() {
		t.rotateSeedSlots(peers, keep)
	} else {
		for _, peer := range t.downloadRanker.RankPeers(t.manualSlots, peers) {
			keep[peer] = true
		}
	}
	for _, peer := range peers {
		if !keep[peer] && !peer.IsChokedByMe() {
			peer.SendChoke()
		}
	}
	for _, peer := range peers {
		if keep[peer] && peer.IsChokedByMe() {
			peer.SendUnchoke()
		}
	}
}

// rotateSeedSlots fills keep with up to manualSlots peers, preferring
// choked ones so the unchoked set turns over every round.
func (t *Torrent) rotateSeedSlots(peers []uploadslots.Peer, keep map[uploadslots.Peer]bool) {
	candidates := append([]uploadslots.Peer(nil), peers...)
	for len(keep) < t.manualSlots {
		peer := t.seedRanker.NextOptimisticPeer(candidates)
		if peer == nil {
			break
		}
		keep[peer] = true
		for i, c := range candidates {
			if c == peer {
				candidates = append(candidates[:i], candidates[i+1:]...)
				break
			}
		}
	}
	for _, peer := range peers {
		if len(keep) == t.manualSlots {
			break
		}
		if !peer.IsChokedByMe() && uploadslots.IsUnchokable(peer, true) {
			keep[peer] = true
		}
	}
}

// Close detaches the torrent and closes every link.
func (t *Torrent) Close() {
	t.Detach()
	for _, link := range t.snapshot() {
		_ = link.Close()
	}
}
