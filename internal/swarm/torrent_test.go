package swarm

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/peerctl/internal/tokenbucket"
	"github.com/sheerbytes/peerctl/internal/uploadslots"
)

type fakeLink struct {
	interested   bool
	choked       bool
	chokingMe    bool
	seed         bool
	rate         int64
	sent         int64
	received     int64
	amInterested bool
	announced    int
	outstanding  int
	maxOutstand  int
	uploadCalls  []int
	unchokes     int
	chokes       int
	done         chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{interested: true, choked: true, maxOutstand: 16, done: make(chan struct{})}
}

func (l *fakeLink) IsInterested() bool       { return l.interested }
func (l *fakeLink) IsInteresting() bool      { return l.amInterested }
func (l *fakeLink) IsChokedByMe() bool       { return l.choked }
func (l *fakeLink) IsSeed() bool             { return l.seed }
func (l *fakeLink) IsSnubbed() bool          { return false }
func (l *fakeLink) SmoothReceiveRate() int64 { return l.rate }
func (l *fakeLink) BytesSent() int64         { return l.sent }
func (l *fakeLink) BytesReceived() int64     { return l.received }
func (l *fakeLink) SendChoke()               { l.choked = true; l.chokes++ }
func (l *fakeLink) SendUnchoke()             { l.choked = false; l.unchokes++ }
func (l *fakeLink) IsChokingMe() bool        { return l.chokingMe }
func (l *fakeLink) SetInterested(v bool)     { l.amInterested = v }
func (l *fakeLink) AnnounceSeed()            { l.announced++ }
func (l *fakeLink) Outstanding() int         { return l.outstanding }
func (l *fakeLink) Done() <-chan struct{}    { return l.done }
func (l *fakeLink) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

func (l *fakeLink) Request(n int) int {
	n = min(n, l.maxOutstand-l.outstanding)
	if n < 0 {
		n = 0
	}
	l.outstanding += n
	return n
}

func (l *fakeLink) Upload(limit int) int {
	l.uploadCalls = append(l.uploadCalls, limit)
	return 0
}

// deliver completes n outstanding blocks.
func (l *fakeLink) deliver(n int) {
	l.outstanding -= n
	l.received += int64(n) * tokenbucket.BlockSize
}

func newTorrent(cfg Config, d *tokenbucket.Dispenser) *Torrent {
	if d == nil {
		d = tokenbucket.New(0, nil)
	}
	return New(cfg, d, rand.New(rand.NewSource(1)), nil)
}

func TestTorrentRequestsRemainingBlocks(t *testing.T) {
	tor := newTorrent(Config{Name: "t", Blocks: 10, RequestBatch: 4}, nil)
	a, b := newFakeLink(), newFakeLink()
	tor.AddLink(a)
	tor.AddLink(b)

	tor.Schedule()
	require.Equal(t, 4, a.outstanding)
	require.Equal(t, 4, b.outstanding)
	require.True(t, a.amInterested)

	tor.Schedule()
	require.Equal(t, 6, a.outstanding, "only two blocks were left to ask for")
	require.Equal(t, 4, b.outstanding)

	active, total := tor.PieceCount()
	require.Equal(t, 10, active)
	require.Equal(t, 10, total)
}

func TestTorrentSkipsLinksChokingUs(t *testing.T) {
	tor := newTorrent(Config{Name: "t", Blocks: 10}, nil)
	a := newFakeLink()
	a.chokingMe = true
	tor.AddLink(a)
	tor.Schedule()
	require.Zero(t, a.outstanding)
	require.True(t, a.amInterested)
}

func TestTorrentReturnsUnusedTokens(t *testing.T) {
	d := tokenbucket.New(1000, nil)
	start := time.Unix(1000, 0)
	d.Refill(start)
	d.Refill(start.Add(40 * time.Second))
	require.EqualValues(t, 2*tokenbucket.BlockSize, d.Level())

	tor := newTorrent(Config{Name: "t", Blocks: 100, RequestBatch: 4}, d)
	link := newFakeLink()
	link.maxOutstand = 1
	tor.AddLink(link)
	tor.Schedule()

	require.Equal(t, 1, link.outstanding)
	require.EqualValues(t, tokenbucket.BlockSize, d.Level())
}

func TestTorrentStopsWhenBucketEmpty(t *testing.T) {
	d := tokenbucket.New(1000, nil)
	tor := newTorrent(Config{Name: "t", Blocks: 100}, d)
	link := newFakeLink()
	tor.AddLink(link)
	tor.Schedule()
	require.Zero(t, link.outstanding)
}

func TestTorrentBecomesSeed(t *testing.T) {
	tor := newTorrent(Config{Name: "t", Blocks: 4, RequestBatch: 4}, nil)
	link := newFakeLink()
	tor.AddLink(link)
	tor.Schedule()
	require.False(t, tor.IsSeeding())

	link.deliver(4)
	tor.Schedule()
	require.True(t, tor.IsSeeding())
	require.EqualValues(t, 4, tor.Completed())
	require.False(t, link.amInterested)
	require.Equal(t, 1, link.announced)

	tor.Schedule()
	require.Equal(t, 1, link.announced)

	late := newFakeLink()
	tor.AddLink(late)
	require.Equal(t, 1, late.announced)
}

func TestTorrentPrunesClosedLinks(t *testing.T) {
	tor := newTorrent(Config{Name: "t", Blocks: 8, RequestBatch: 2}, nil)
	a, b := newFakeLink(), newFakeLink()
	tor.AddLink(a)
	tor.AddLink(b)
	tor.Schedule()
	a.deliver(2)
	require.NoError(t, a.Close())

	tor.Schedule()
	require.Len(t, tor.AllPeers(), 1)
	require.EqualValues(t, 2, tor.Completed())
	_, total := tor.PeerCount()
	require.Equal(t, 1, total)
}

func TestTorrentUploadsEveryTick(t *testing.T) {
	tor := newTorrent(Config{Name: "t", Seeding: true, UploadBatch: 3}, nil)
	link := newFakeLink()
	tor.AddLink(link)
	tor.Schedule()
	tor.Schedule()
	require.Equal(t, []int{3, 3}, link.uploadCalls)
	require.Zero(t, link.outstanding)
}

func TestManualUnchokePicksFastest(t *testing.T) {
	tor := newTorrent(Config{Name: "t", Blocks: 1000, ManualSlots: 2, ManualRoundTicks: 5}, nil)
	slow, mid, fast := newFakeLink(), newFakeLink(), newFakeLink()
	slow.rate, mid.rate, fast.rate = 1000, 5000, 9000
	for _, l := range []*fakeLink{slow, mid, fast} {
		l.chokingMe = true
		tor.AddLink(l)
	}

	tor.Schedule()
	require.False(t, fast.choked)
	require.False(t, mid.choked)
	require.True(t, slow.choked)

	slow.rate = 20000
	for i := 0; i < 4; i++ {
		tor.Schedule()
	}
	require.True(t, slow.choked, "no reshuffle before the round ends")

	tor.Schedule()
	require.False(t, slow.choked)
	require.False(t, fast.choked)
	require.True(t, mid.choked)
	require.Equal(t, 1, fast.unchokes, "kept peers are not re-unchoked")

	active, total := tor.PeerCount()
	require.Equal(t, 2, active)
	require.Equal(t, 3, total)
}

func TestManualSeedingRotates(t *testing.T) {
	tor := newTorrent(Config{Name: "t", Seeding: true, ManualSlots: 2, ManualRoundTicks: 1}, nil)
	links := []*fakeLink{newFakeLink(), newFakeLink(), newFakeLink(), newFakeLink()}
	for _, l := range links {
		tor.AddLink(l)
	}

	unchoked := func() map[*fakeLink]bool {
		out := map[*fakeLink]bool{}
		for _, l := range links {
			if !l.choked {
				out[l] = true
			}
		}
		return out
	}

	tor.Schedule()
	first := unchoked()
	require.Len(t, first, 2)

	tor.Schedule()
	second := unchoked()
	require.Len(t, second, 2)
	for l := range second {
		require.False(t, first[l], "choked peers are preferred in the next round")
	}
}

func TestTorrentAsUploadHelper(t *testing.T) {
	picker := uploadslots.NewSessionPicker(rand.New(rand.NewSource(1)), nil)
	tor := newTorrent(Config{Name: "t", Blocks: 10, Priority: uploadslots.PriorityNormal}, nil)
	link := newFakeLink()
	link.rate = 9000
	tor.AddLink(link)

	tor.AttachPicker(picker)
	require.Equal(t, 1, picker.HelperCount())
	require.Equal(t, uploadslots.PriorityNormal, picker.RotationSize())

	tor.SetPriority(uploadslots.PriorityHighest)
	require.Equal(t, uploadslots.PriorityHighest, picker.RotationSize())

	best := picker.PickBestDownloadSessions(4)
	require.Len(t, best, 1)
	require.Equal(t, uploadslots.Peer(link), best[0].Peer())

	tor.Close()
	require.Zero(t, picker.HelperCount())
	select {
	case <-link.done:
	default:
		t.Fatal("Close left the link open")
	}
}
