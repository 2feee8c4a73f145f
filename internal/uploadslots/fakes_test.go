package uploadslots

import (
	"github.com/stretchr/testify/mock"
)

type fakePeer struct {
	name        string
	interested  bool
	interesting bool
	seed        bool
	snubbed     bool
	choked      bool
	rate        int64
	sent        int64
	received    int64

	unchokeCalls int
	chokeCalls   int
	events       *[]string
}

func newFakePeer(name string, rate int64) *fakePeer {
	return &fakePeer{name: name, interested: true, interesting: true, choked: true, rate: rate}
}

func (p *fakePeer) IsInterested() bool       { return p.interested }
func (p *fakePeer) IsInteresting() bool      { return p.interesting }
func (p *fakePeer) IsChokedByMe() bool       { return p.choked }
func (p *fakePeer) IsSeed() bool             { return p.seed }
func (p *fakePeer) IsSnubbed() bool          { return p.snubbed }
func (p *fakePeer) SmoothReceiveRate() int64 { return p.rate }
func (p *fakePeer) BytesSent() int64         { return p.sent }
func (p *fakePeer) BytesReceived() int64     { return p.received }

func (p *fakePeer) SendChoke() {
	p.choked = true
	p.chokeCalls++
	if p.events != nil {
		*p.events = append(*p.events, "choke:"+p.name)
	}
}

func (p *fakePeer) SendUnchoke() {
	p.choked = false
	p.unchokeCalls++
	if p.events != nil {
		*p.events = append(*p.events, "unchoke:"+p.name)
	}
}

type staticHelper struct {
	priority int
	seeding  bool
	peers    []Peer
}

func (h *staticHelper) Priority() int    { return h.priority }
func (h *staticHelper) AllPeers() []Peer { return h.peers }
func (h *staticHelper) IsSeeding() bool  { return h.seeding }

func helperWith(priority int, seeding bool, peers ...*fakePeer) *staticHelper {
	h := &staticHelper{priority: priority, seeding: seeding}
	for _, p := range peers {
		h.peers = append(h.peers, p)
	}
	return h
}

type mockHelper struct {
	mock.Mock
}

func (m *mockHelper) Priority() int {
	return m.Called().Int(0)
}

func (m *mockHelper) AllPeers() []Peer {
	args := m.Called()
	if peers, ok := args.Get(0).([]Peer); ok {
		return peers
	}
	return nil
}

func (m *mockHelper) IsSeeding() bool {
	return m.Called().Bool(0)
}
