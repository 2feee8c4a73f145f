package uploadslots

// SessionType tags why a session holds a slot.
type SessionType int

const (
	SessionDownload SessionType = iota
	SessionSeed
)

func (t SessionType) String() string {
	if t == SessionSeed {
		return "seed"
	}
	return "download"
}

// UploadSession pairs a peer with the reason it was picked.
type UploadSession struct {
	peer Peer
	kind SessionType
}

// NewUploadSession returns a session for peer.
func NewUploadSession(peer Peer, kind SessionType) *UploadSession {
	return &UploadSession{peer: peer, kind: kind}
}

func (s *UploadSession) Peer() Peer { return s.peer }

func (s *UploadSession) Type() SessionType { return s.kind }

// IsSameSession reports whether both sessions wrap the same peer,
// regardless of type.
func (s *UploadSession) IsSameSession(other *UploadSession) bool {
	return s != nil && other != nil && s.peer == other.peer
}

// Start unchokes the peer. Calling it on an unchoked peer does nothing.
func (s *UploadSession) Start() {
	if s.peer.IsChokedByMe() {
		s.peer.SendUnchoke()
	}
}

// Stop chokes the peer. Calling it on a choked peer does nothing.
func (s *UploadSession) Stop() {
	if !s.peer.IsChokedByMe() {
		s.peer.SendChoke()
	}
}

// SlotType distinguishes the rotating optimistic slot from normal ones.
type SlotType int

const (
	SlotNormal SlotType = iota
	SlotOptimistic
)

func (t SlotType) String() string {
	if t == SlotOptimistic {
		return "optimistic"
	}
	return "normal"
}

// UploadSlot holds at most one session until ExpireRound.
type UploadSlot struct {
	Type        SlotType
	Session     *UploadSession
	ExpireRound int64
}
