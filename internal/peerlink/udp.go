package peerlink

import (
	"errors"
	"net"
)

const (
	// DefaultUDPBuffer is requested for both socket buffers of a listener.
	DefaultUDPBuffer = 4 * 1024 * 1024

	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024
)

// tuneUDP raises the socket buffers on a best-effort basis. Kernels that
// cap the size return an error, which callers only log.
func tuneUDP(conn *net.UDPConn, size int) error {
	size = min(max(size, minUDPBuffer), maxUDPBuffer)
	return errors.Join(conn.SetReadBuffer(size), conn.SetWriteBuffer(size))
}
