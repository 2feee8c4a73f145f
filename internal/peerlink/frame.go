package peerlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sheerbytes/peerctl/internal/tokenbucket"
)

const (
	frameHello         = byte(0x01)
	frameChoke         = byte(0x02)
	frameUnchoke       = byte(0x03)
	frameInterested    = byte(0x04)
	frameNotInterested = byte(0x05)
	frameSeed          = byte(0x06)
	frameRequest       = byte(0x07)
	frameBlock         = byte(0x08)
)

const frameHeaderLen = 5

// maxPayload bounds every frame; blocks are the largest.
const maxPayload = tokenbucket.BlockSize

var errFrameTooLarge = errors.New("frame payload too large")

func frameName(t byte) string {
	switch t {
	case frameHello:
		return "hello"
	case frameChoke:
		return "choke"
	case frameUnchoke:
		return "unchoke"
	case frameInterested:
		return "interested"
	case frameNotInterested:
		return "not-interested"
	case frameSeed:
		return "seed"
	case frameRequest:
		return "request"
	case frameBlock:
		return "block"
	default:
		return fmt.Sprintf("unknown(0x%02x)", t)
	}
}

func writeFrame(w io.Writer, t byte, payload []byte) error {
	if len(payload) > maxPayload {
		return errFrameTooLarge
	}
	var hdr [frameHeaderLen]byte
	hdr[0] = t
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write %s header: %w", frameName(t), err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write %s payload: %w", frameName(t), err)
	}
	return nil
}

// readHeader returns the frame type and payload length.
func readHeader(r io.Reader) (byte, int, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxPayload {
		return 0, 0, fmt.Errorf("%s frame: %w (%d bytes)", frameName(hdr[0]), errFrameTooLarge, n)
	}
	return hdr[0], int(n), nil
}

func writeHello(w io.Writer, id uuid.UUID) error {
	return writeFrame(w, frameHello, id[:])
}

func readHello(r io.Reader) (uuid.UUID, error) {
	t, n, err := readHeader(r)
	if err != nil {
		return uuid.Nil, fmt.Errorf("read hello: %w", err)
	}
	if t != frameHello || n != len(uuid.UUID{}) {
		return uuid.Nil, fmt.Errorf("expected hello, got %s (%d bytes)", frameName(t), n)
	}
	var id uuid.UUID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return uuid.Nil, fmt.Errorf("read hello payload: %w", err)
	}
	return id, nil
}

func requestPayload(count int) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(count))
	return b[:]
}
