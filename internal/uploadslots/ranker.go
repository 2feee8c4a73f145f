package uploadslots

import (
	"math/rand"
	"sort"
)

// receiveRateFloor is the smoothed receive rate (bytes/s) below which a peer
// is treated as not sending at all.
const receiveRateFloor = 256

type rankedPeer struct {
	peer  Peer
	value int64
}

// largestFirst sorts by value descending, keeping input order on ties.
func largestFirst(ranked []rankedPeer) {
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].value > ranked[j].value })
}

// DownloadingRanker ranks peers of a torrent we are still downloading.
type DownloadingRanker struct {
	rng *rand.Rand
}

// NewDownloadingRanker returns a ranker drawing optimistic picks from rng.
func NewDownloadingRanker(rng *rand.Rand) *DownloadingRanker {
	return &DownloadingRanker{rng: rng}
}

// RankPeers returns at most maxSlots peers, best first. Peers are ranked by
// smoothed receive rate; leftover slots go to peers by total bytes received,
// skipping peers we have already uploaded leechRatio times more to.
func (r *DownloadingRanker) RankPeers(maxSlots int, peers []Peer) []Peer {
	if maxSlots <= 0 {
		return nil
	}
	best := make([]Peer, 0, maxSlots)

	byRate := make([]rankedPeer, 0, len(peers))
	for _, peer := range peers {
		if !IsUnchokable(peer, false) {
			continue
		}
		if rate := peer.SmoothReceiveRate(); rate > receiveRateFloor {
			byRate = append(byRate, rankedPeer{peer: peer, value: rate})
		}
	}
	largestFirst(byRate)
	for _, rp := range byRate {
		if len(best) == maxSlots {
			return best
		}
		best = append(best, rp.peer)
	}
	if len(best) == maxSlots {
		return best
	}

	chosen := make(map[Peer]struct{}, len(best))
	for _, peer := range best {
		chosen[peer] = struct{}{}
	}
	byVolume := make([]rankedPeer, 0, len(peers))
	for _, peer := range peers {
		if _, ok := chosen[peer]; ok {
			continue
		}
		if !IsUnchokable(peer, false) || isLeeching(peer) {
			continue
		}
		byVolume = append(byVolume, rankedPeer{peer: peer, value: peer.BytesReceived()})
	}
	largestFirst(byVolume)
	for _, rp := range byVolume {
		if len(best) == maxSlots {
			break
		}
		best = append(best, rp.peer)
	}
	return best
}

// NextOptimisticPeer picks a choked, unchokable peer that has data we want.
func (r *DownloadingRanker) NextOptimisticPeer(peers []Peer) Peer {
	return nextOptimisticPeer(r.rng, peers, Peer.IsInteresting, true, true)
}

// SeedingRanker picks optimistic peers for a torrent we are seeding. With no
// receive signal to rank on, the pick is a random rotation.
type SeedingRanker struct {
	rng *rand.Rand
}

func NewSeedingRanker(rng *rand.Rand) *SeedingRanker {
	return &SeedingRanker{rng: rng}
}

// NextOptimisticPeer scans from a random start, wrapping once, for an
// unchokable peer we are choking.
func (r *SeedingRanker) NextOptimisticPeer(peers []Peer) Peer {
	n := len(peers)
	if n == 0 {
		return nil
	}
	start := r.rng.Intn(n)
	for i := 0; i < n; i++ {
		peer := peers[(start+i)%n]
		if peer.IsChokedByMe() && IsUnchokable(peer, true) {
			return peer
		}
	}
	return nil
}

// nextOptimisticPeer chooses among choked, unchokable peers accepted by
// filter. Snubbed peers are only considered when nothing else qualifies and
// allowSnubbed is set. With factorReciprocated, the tenth of candidates we
// have uploaded the most to (net of what they sent) is left out.
func nextOptimisticPeer(rng *rand.Rand, peers []Peer, filter func(Peer) bool, factorReciprocated, allowSnubbed bool) Peer {
	collect := func(snubbedOK bool) []Peer {
		out := make([]Peer, 0, len(peers))
		for _, peer := range peers {
			if peer.IsChokedByMe() && IsUnchokable(peer, snubbedOK) && filter(peer) {
				out = append(out, peer)
			}
		}
		return out
	}
	candidates := collect(false)
	if len(candidates) == 0 && allowSnubbed {
		candidates = collect(true)
	}
	n := len(candidates)
	if n == 0 {
		return nil
	}
	if !factorReciprocated || n == 1 {
		return candidates[rng.Intn(n)]
	}

	ranked := make([]rankedPeer, n)
	for i, peer := range candidates {
		ranked[i] = rankedPeer{peer: peer, value: peer.BytesSent() - peer.BytesReceived()}
	}
	largestFirst(ranked)
	skip := (n + 9) / 10
	return ranked[skip+rng.Intn(n-skip)].peer
}
