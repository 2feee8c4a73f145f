package bufpool

import (
	"sync"
)

// Pool hands out fixed-size block buffers. Buffers travel as *[]byte so
// Put does not allocate.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool of bufSize-byte buffers.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufpool: bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		buf := make([]byte, bufSize)
		return &buf
	}
	return p
}

// Get returns a buffer of exactly BufSize bytes. Contents are not zeroed.
func (p *Pool) Get() *[]byte {
	buf := p.pool.Get().(*[]byte)
	*buf = (*buf)[:p.bufSize]
	return buf
}

// Put returns buf for reuse. Buffers from another pool, or ones resliced
// below BufSize capacity, are dropped.
func (p *Pool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) < p.bufSize {
		return
	}
	*buf = (*buf)[:p.bufSize]
	p.pool.Put(buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
