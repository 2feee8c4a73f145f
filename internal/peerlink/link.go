// Package peerlink carries choke, interest and block traffic between two
// peers over a single QUIC stream.
package peerlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/peerctl/internal/bufpool"
	"github.com/sheerbytes/peerctl/internal/logging"
	"github.com/sheerbytes/peerctl/internal/ratemeter"
	"github.com/sheerbytes/peerctl/internal/tokenbucket"
)

// ErrClosed is returned once a link has been closed locally.
var ErrClosed = errors.New("peer link closed")

const (
	DefaultSnubTimeout    = 60 * time.Second
	DefaultMaxOutstanding = 16

	// maxPeerRequests caps how many blocks a remote may queue with us.
	maxPeerRequests = 256
)

var blockPool = bufpool.New(tokenbucket.BlockSize)

// Options configures links made by Dial and Listen.
type Options struct {
	// ID is sent in the hello frame. A zero ID is replaced by a random one.
	ID uuid.UUID
	// UploadLimiter paces outgoing blocks in bytes. It may be shared
	// between links; nil means unlimited.
	UploadLimiter  *rate.Limiter
	SnubTimeout    time.Duration
	MaxOutstanding int
	Now            func() time.Time
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.SnubTimeout <= 0 {
		o.SnubTimeout = DefaultSnubTimeout
	}
	if o.MaxOutstanding <= 0 {
		o.MaxOutstanding = DefaultMaxOutstanding
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Link is one established peer connection. It satisfies uploadslots.Peer.
type Link struct {
	conn     *quic.Conn
	stream   *quic.Stream
	remoteID uuid.UUID
	opts     Options
	logger   *slog.Logger

	writeMu sync.Mutex

	mu             sync.Mutex
	amChoking      bool
	peerChoking    bool
	amInterested   bool
	peerInterested bool
	peerSeed       bool
	seedAnnounced  bool
	peerRequests   int
	outstanding    int
	lastProgress   time.Time
	err            error

	sent     *ratemeter.Meter
	received *ratemeter.Meter

	done      chan struct{}
	closeOnce sync.Once
}

func newLink(conn *quic.Conn, stream *quic.Stream, remoteID uuid.UUID, opts Options) *Link {
	l := &Link{
		conn:         conn,
		stream:       stream,
		remoteID:     remoteID,
		opts:         opts,
		amChoking:    true,
		peerChoking:  true,
		lastProgress: opts.Now(),
		sent:         ratemeter.NewWithNow(ratemeter.DefaultWindow, opts.Now),
		received:     ratemeter.NewWithNow(ratemeter.DefaultWindow, opts.Now),
		done:         make(chan struct{}),
	}
	l.logger = logging.Component(opts.Logger, "peerlink").With("remote_id", remoteID.String())
	go l.readLoop()
	return l
}

func (l *Link) LocalID() uuid.UUID  { return l.opts.ID }
func (l *Link) RemoteID() uuid.UUID { return l.remoteID }

func (l *Link) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

// Done is closed when the link shuts down for any reason.
func (l *Link) Done() <-chan struct{} { return l.done }

// Err returns the reason the link shut down, or nil while it is open.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Link) IsInterested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerInterested
}

// IsInteresting reports whether we want data from the peer.
func (l *Link) IsInteresting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.amInterested
}

func (l *Link) IsChokedByMe() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.amChoking
}

// IsChokingMe reports whether the peer refuses our requests.
func (l *Link) IsChokingMe() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerChoking
}

func (l *Link) IsSeed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerSeed
}

// IsSnubbed reports whether requested blocks have been outstanding for
// longer than the snub timeout without any arriving.
func (l *Link) IsSnubbed() bool {
	now := l.opts.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding > 0 && now.Sub(l.lastProgress) > l.opts.SnubTimeout
}

func (l *Link) SmoothReceiveRate() int64 { return l.received.Rate() }
func (l *Link) BytesSent() int64         { return l.sent.Total() }
func (l *Link) BytesReceived() int64     { return l.received.Total() }

// SendChoke stops uploading to the peer and drops its queued requests.
func (l *Link) SendChoke() {
	l.mu.Lock()
	l.amChoking = true
	l.peerRequests = 0
	l.mu.Unlock()
	l.send(frameChoke, nil)
}

func (l *Link) SendUnchoke() {
	l.mu.Lock()
	l.amChoking = false
	l.mu.Unlock()
	l.send(frameUnchoke, nil)
}

// SetInterested tells the peer whether we want its data. Repeating the
// current state sends nothing.
func (l *Link) SetInterested(interested bool) {
	l.mu.Lock()
	if l.amInterested == interested {
		l.mu.Unlock()
		return
	}
	l.amInterested = interested
	l.mu.Unlock()
	if interested {
		l.send(frameInterested, nil)
	} else {
		l.send(frameNotInterested, nil)
	}
}

// AnnounceSeed tells the peer we hold everything. It is sent once.
func (l *Link) AnnounceSeed() {
	l.mu.Lock()
	if l.seedAnnounced {
		l.mu.Unlock()
		return
	}
	l.seedAnnounced = true
	l.mu.Unlock()
	l.send(frameSeed, nil)
}

// Request asks the peer for up to n blocks and returns how many were asked
// for. Nothing is requested while the peer chokes us, while we are not
// interested, or once MaxOutstanding blocks are in flight.
func (l *Link) Request(n int) int {
	l.mu.Lock()
	if l.err != nil || l.peerChoking || !l.amInterested {
		l.mu.Unlock()
		return 0
	}
	n = min(n, l.opts.MaxOutstanding-l.outstanding)
	if n <= 0 {
		l.mu.Unlock()
		return 0
	}
	if l.outstanding == 0 {
		l.lastProgress = l.opts.Now()
	}
	l.outstanding += n
	l.mu.Unlock()

	if err := l.send(frameRequest, requestPayload(n)); err != nil {
		return 0
	}
	return n
}

// Outstanding returns the number of requested blocks not yet received.
func (l *Link) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding
}

// PendingUploads returns the number of blocks the peer has asked us for.
func (l *Link) PendingUploads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerRequests
}

// Upload sends up to limit requested blocks without blocking and returns how
// many were sent. It stops early when the peer gets choked, runs out of
// requests, or the upload limiter has no budget left.
func (l *Link) Upload(limit int) int {
	sent := 0
	for sent < limit {
		l.mu.Lock()
		ok := l.err == nil && !l.amChoking && l.peerRequests > 0
		l.mu.Unlock()
		if !ok {
			break
		}
		if l.opts.UploadLimiter != nil && !l.opts.UploadLimiter.AllowN(l.opts.Now(), tokenbucket.BlockSize) {
			break
		}
		buf := blockPool.Get()
		err := l.send(frameBlock, *buf)
		blockPool.Put(buf)
		if err != nil {
			break
		}
		l.sent.Add(tokenbucket.BlockSize)
		sent++
		l.mu.Lock()
		if l.peerRequests > 0 {
			l.peerRequests--
		}
		l.mu.Unlock()
	}
	return sent
}

// Close tears the link down. Later operations are no-ops.
func (l *Link) Close() error {
	l.shutdown(ErrClosed)
	return nil
}

func (l *Link) send(t byte, payload []byte) error {
	if err := l.Err(); err != nil {
		return err
	}
	l.writeMu.Lock()
	err := writeFrame(l.stream, t, payload)
	l.writeMu.Unlock()
	if err != nil {
		l.shutdown(err)
		return err
	}
	return nil
}

func (l *Link) shutdown(reason error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = reason
		l.outstanding = 0
		l.peerRequests = 0
		l.mu.Unlock()
		close(l.done)
		if errors.Is(reason, ErrClosed) {
			l.logger.Debug("link closed")
		} else {
			l.logger.Warn("link failed", "error", reason)
		}
		_ = l.conn.CloseWithError(0, "closed")
	})
}

func (l *Link) readLoop() {
	for {
		t, n, err := readHeader(l.stream)
		if err != nil {
			l.shutdown(fmt.Errorf("read frame: %w", err))
			return
		}
		if err := l.handle(t, n); err != nil {
			l.shutdown(err)
			return
		}
	}
}

func (l *Link) handle(t byte, n int) error {
	switch t {
	case frameChoke:
		l.mu.Lock()
		l.peerChoking = true
		l.outstanding = 0
		l.mu.Unlock()
	case frameUnchoke:
		l.mu.Lock()
		l.peerChoking = false
		l.mu.Unlock()
	case frameInterested, frameNotInterested:
		l.mu.Lock()
		l.peerInterested = t == frameInterested
		l.mu.Unlock()
	case frameSeed:
		l.mu.Lock()
		l.peerSeed = true
		l.mu.Unlock()
	case frameRequest:
		if n != 4 {
			return fmt.Errorf("request frame with %d byte payload", n)
		}
		var b [4]byte
		if _, err := io.ReadFull(l.stream, b[:]); err != nil {
			return fmt.Errorf("read request: %w", err)
		}
		count := int(binary.BigEndian.Uint32(b[:]))
		l.mu.Lock()
		// Requests made while choked are dropped, as the peer will
		// re-request after an unchoke.
		if !l.amChoking {
			l.peerRequests = min(l.peerRequests+count, maxPeerRequests)
		}
		l.mu.Unlock()
		return nil
	case frameBlock:
		buf := blockPool.Get()
		_, err := io.ReadFull(l.stream, (*buf)[:n])
		blockPool.Put(buf)
		if err != nil {
			return fmt.Errorf("read block: %w", err)
		}
		l.received.Add(n)
		l.mu.Lock()
		if l.outstanding > 0 {
			l.outstanding--
		}
		l.lastProgress = l.opts.Now()
		l.mu.Unlock()
		return nil
	default:
		l.logger.Warn("skipping unknown frame", "type", frameName(t), "len", n)
	}
	if n > 0 {
		if _, err := io.CopyN(io.Discard, l.stream, int64(n)); err != nil {
			return fmt.Errorf("skip %s payload: %w", frameName(t), err)
		}
	}
	return nil
}
