package peerlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/peerctl/internal/logging"
)

const handshakeTimeout = 5 * time.Second

// Listener accepts inbound peer links.
type Listener struct {
	udp    *net.UDPConn
	ln     *quic.Listener
	opts   Options
	logger *slog.Logger
}

// Listen opens a QUIC listener on addr, e.g. "127.0.0.1:0".
func Listen(addr string, opts Options) (*Listener, error) {
	opts = opts.withDefaults()
	logger := logging.Component(opts.Logger, "peerlink")
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		logger.Error("link listen failed", "error", err, "addr", addr)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := tuneUDP(udp, DefaultUDPBuffer); err != nil {
		logger.Debug("udp buffer tuning denied", "error", err)
	}
	ln, err := quic.Listen(udp, tlsConf, DefaultQUICConfig())
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	logger.Info("link listener started", "addr", ln.Addr(), "id", opts.ID.String())
	return &Listener{udp: udp, ln: ln, opts: opts, logger: logger}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting and releases the socket, which also ends every
// link accepted through it.
func (l *Listener) Close() error {
	return errors.Join(l.ln.Close(), l.udp.Close())
}

// Accept returns the next peer that completes the hello exchange. Peers
// that fail the handshake are logged and skipped.
func (l *Listener) Accept(ctx context.Context) (*Link, error) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			return nil, fmt.Errorf("accept link: %w", err)
		}
		link, err := l.handshake(ctx, conn)
		if err != nil {
			l.logger.Warn("inbound handshake failed", "remote_addr", conn.RemoteAddr(), "error", err)
			_ = conn.CloseWithError(1, "handshake failed")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		l.logger.Info("link accepted", "remote_addr", conn.RemoteAddr(), "remote_id", link.RemoteID().String())
		return link, nil
	}
}

func (l *Listener) handshake(ctx context.Context, conn *quic.Conn) (*Link, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(hctx)
	if err != nil {
		return nil, fmt.Errorf("accept stream: %w", err)
	}
	_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))
	remote, err := readHello(stream)
	if err != nil {
		return nil, err
	}
	_ = stream.SetReadDeadline(time.Time{})
	if err := writeHello(stream, l.opts.ID); err != nil {
		return nil, err
	}
	return newLink(conn, stream, remote, l.opts), nil
}

// Dial connects to a listener at addr and exchanges hellos.
func Dial(ctx context.Context, addr string, opts Options) (*Link, error) {
	opts = opts.withDefaults()
	logger := logging.Component(opts.Logger, "peerlink")
	conn, err := quic.DialAddr(ctx, addr, ClientTLSConfig(), DefaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	link, err := dialHandshake(ctx, conn, opts)
	if err != nil {
		_ = conn.CloseWithError(1, "handshake failed")
		return nil, err
	}
	logger.Info("link established", "remote_addr", addr, "remote_id", link.RemoteID().String())
	return link, nil
}

func dialHandshake(ctx context.Context, conn *quic.Conn, opts Options) (*Link, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := writeHello(stream, opts.ID); err != nil {
		return nil, err
	}
	_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))
	remote, err := readHello(stream)
	if err != nil {
		return nil, err
	}
	_ = stream.SetReadDeadline(time.Time{})
	if remote == opts.ID {
		return nil, errors.New("dialed ourselves")
	}
	return newLink(conn, stream, remote, opts), nil
}

// Pair dials a listener and returns both ends of the resulting link, the
// local end first. It is used to wire loopback swarms and must not race
// other Accept calls on ln.
func Pair(ctx context.Context, ln *Listener, opts Options) (*Link, *Link, error) {
	type accepted struct {
		link *Link
		err  error
	}
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := make(chan accepted, 1)
	go func() {
		link, err := ln.Accept(actx)
		ch <- accepted{link, err}
	}()
	local, err := Dial(ctx, ln.Addr().String(), opts)
	if err != nil {
		return nil, nil, err
	}
	res := <-ch
	if res.err != nil {
		_ = local.Close()
		return nil, nil, res.err
	}
	return local, res.link, nil
}
