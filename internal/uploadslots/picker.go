package uploadslots

import (
	"log/slog"
	"math/rand"
	"sync"

	"github.com/sheerbytes/peerctl/internal/logging"
)

// SessionPicker keeps a priority-weighted rotation of upload helpers and
// turns their peers into candidate sessions.
type SessionPicker struct {
	mu       sync.Mutex
	rng      *rand.Rand
	helpers  map[UploadHelper]int
	order    []UploadHelper
	rotation []UploadHelper

	downloading *DownloadingRanker
	seeding     *SeedingRanker
	logger      *slog.Logger
}

// NewSessionPicker returns an empty picker. rng drives both the rotation
// placement and the rankers, so a fixed seed makes picks reproducible.
func NewSessionPicker(rng *rand.Rand, logger *slog.Logger) *SessionPicker {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &SessionPicker{
		rng:         rng,
		helpers:     make(map[UploadHelper]int),
		downloading: NewDownloadingRanker(rng),
		seeding:     NewSeedingRanker(rng),
		logger:      logging.Component(logger, "uploadslots"),
	}
}

// RegisterHelper adds helper with Priority() rotation entries.
func (p *SessionPicker) RegisterHelper(helper UploadHelper) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.helpers[helper]; ok {
		p.logger.Warn("upload helper already registered")
		return
	}
	priority := clampPriority(helper.Priority())
	p.helpers[helper] = priority
	p.order = append(p.order, helper)
	for i := 0; i < priority; i++ {
		p.insert(helper)
	}
}

// DeregisterHelper removes helper and all of its rotation entries.
func (p *SessionPicker) DeregisterHelper(helper UploadHelper) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.helpers[helper]; !ok {
		p.logger.Warn("deregister of unknown upload helper")
		return
	}
	delete(p.helpers, helper)
	for i, h := range p.order {
		if h == helper {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.removeEntries(helper, -1)
}

// UpdateHelper applies a priority change by adding or removing rotation
// entries.
func (p *SessionPicker) UpdateHelper(helper UploadHelper) {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, ok := p.helpers[helper]
	if !ok {
		p.logger.Warn("update of unknown upload helper")
		return
	}
	priority := clampPriority(helper.Priority())
	switch {
	case priority > current:
		for i := current; i < priority; i++ {
			p.insert(helper)
		}
	case priority < current:
		p.removeEntries(helper, current-priority)
	}
	p.helpers[helper] = priority
}

// insert places one entry at a random position so repeated priority
// changes do not cluster a helper's entries.
func (p *SessionPicker) insert(helper UploadHelper) {
	pos := p.rng.Intn(len(p.rotation) + 1)
	p.rotation = append(p.rotation, nil)
	copy(p.rotation[pos+1:], p.rotation[pos:])
	p.rotation[pos] = helper
}

// removeEntries drops up to n entries of helper, or all of them if n < 0.
func (p *SessionPicker) removeEntries(helper UploadHelper, n int) {
	kept := p.rotation[:0]
	for _, h := range p.rotation {
		if h == helper && n != 0 {
			n--
			continue
		}
		kept = append(kept, h)
	}
	for i := len(kept); i < len(p.rotation); i++ {
		p.rotation[i] = nil
	}
	p.rotation = kept
}

// HelperCount returns the number of registered helpers.
func (p *SessionPicker) HelperCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.helpers)
}

// RotationSize returns the number of entries in the rotation.
func (p *SessionPicker) RotationSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rotation)
}

// PickNextOptimisticSession rotates the list and returns a session from the
// first helper that has a candidate, or nil. Each helper is asked at most
// once per call.
func (p *SessionPicker) PickNextOptimisticSession() *UploadSession {
	return p.pickNextOptimisticSession(nil)
}

// pickNextOptimisticSession is PickNextOptimisticSession with the peers
// matching skip hidden from the rankers.
func (p *SessionPicker) pickNextOptimisticSession(skip func(Peer) bool) *UploadSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rotation) == 0 {
		return nil
	}
	empty := make(map[UploadHelper]struct{})
	for i := 0; i < len(p.rotation); i++ {
		helper := p.rotation[0]
		copy(p.rotation, p.rotation[1:])
		p.rotation[len(p.rotation)-1] = helper

		if _, ok := empty[helper]; ok {
			continue
		}
		var (
			peer Peer
			kind SessionType
		)
		candidates := filterPeers(helper.AllPeers(), skip)
		if helper.IsSeeding() {
			peer, kind = p.seeding.NextOptimisticPeer(candidates), SessionSeed
		} else {
			peer, kind = p.downloading.NextOptimisticPeer(candidates), SessionDownload
		}
		if peer == nil {
			empty[helper] = struct{}{}
			continue
		}
		return NewUploadSession(peer, kind)
	}
	return nil
}

// PickBestDownloadSessions ranks the peers of every downloading helper as
// one pool and returns up to maxSessions sessions, best first.
func (p *SessionPicker) PickBestDownloadSessions(maxSessions int) []*UploadSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pool []Peer
	for _, helper := range p.order {
		if !helper.IsSeeding() {
			pool = append(pool, helper.AllPeers()...)
		}
	}
	best := p.downloading.RankPeers(maxSessions, pool)
	if len(best) > maxSessions {
		p.logger.Error("ranker returned too many peers", "kind", "internal", "got", len(best), "max", maxSessions)
		best = best[:maxSessions]
	}
	sessions := make([]*UploadSession, len(best))
	for i, peer := range best {
		sessions[i] = NewUploadSession(peer, SessionDownload)
	}
	return sessions
}

func filterPeers(peers []Peer, skip func(Peer) bool) []Peer {
	if skip == nil {
		return peers
	}
	out := make([]Peer, 0, len(peers))
	for _, peer := range peers {
		if !skip(peer) {
			out = append(out, peer)
		}
	}
	return out
}
