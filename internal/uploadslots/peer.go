// Package uploadslots decides, round by round, which peer connections may
// use outbound bandwidth: tit-for-tat ranking for regular slots plus a
// rotating optimistic slot.
package uploadslots

import "github.com/sheerbytes/peerctl/internal/tokenbucket"

// Peer is the view of a connection the allocator ranks and (un)chokes.
// Implementations must be comparable; two sessions are the same session
// when they wrap the same Peer value.
type Peer interface {
	// IsInterested reports whether the remote wants data from us.
	IsInterested() bool
	// IsInteresting reports whether the remote has data we want.
	IsInteresting() bool
	IsChokedByMe() bool
	IsSeed() bool
	IsSnubbed() bool

	SmoothReceiveRate() int64
	BytesSent() int64
	BytesReceived() int64

	SendChoke()
	SendUnchoke()
}

// Helper priorities. A helper occupies Priority() entries in the optimistic
// rotation.
const (
	PriorityDisabled = 0
	PriorityLowest   = 1
	PriorityLow      = 2
	PriorityNormal   = 4
	PriorityHigh     = 8
	PriorityHighest  = 16
)

// UploadHelper is a torrent's upload context.
type UploadHelper interface {
	Priority() int
	AllPeers() []Peer
	IsSeeding() bool
}

// IsUnchokable reports whether peer may be given an upload slot at all.
func IsUnchokable(peer Peer, allowSnubbed bool) bool {
	return peer.IsInterested() && !peer.IsSeed() && (allowSnubbed || !peer.IsSnubbed())
}

// leechRatio is how many times more than a peer has sent us we are willing
// to have uploaded to it before it stops ranking on volume.
const leechRatio = 3

func isLeeching(peer Peer) bool {
	return peer.BytesSent()/(peer.BytesReceived()+tokenbucket.BlockSize-1) >= leechRatio
}

func clampPriority(p int) int {
	if p < PriorityDisabled {
		return PriorityDisabled
	}
	if p > PriorityHighest {
		return PriorityHighest
	}
	return p
}
