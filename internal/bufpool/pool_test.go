package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolGetReturnsFullBuffer(t *testing.T) {
	pool := New(16 * 1024)
	buf := pool.Get()
	require.Len(t, *buf, 16*1024)
	require.Equal(t, 16*1024, pool.BufSize())

	*buf = (*buf)[:10]
	pool.Put(buf)
	again := pool.Get()
	require.Len(t, *again, 16*1024)
}

func TestPoolDropsUndersizedBuffers(t *testing.T) {
	pool := New(1024)
	small := make([]byte, 100)
	pool.Put(&small)
	pool.Put(nil)
	for i := 0; i < 10; i++ {
		require.Len(t, *pool.Get(), 1024)
	}
}

func TestPoolRejectsNonPositiveSize(t *testing.T) {
	require.Panics(t, func() { New(0) })
	require.Panics(t, func() { New(-1) })
}

func TestPoolConcurrentUse(t *testing.T) {
	pool := New(512)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(fill byte) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				buf := pool.Get()
				for j := range *buf {
					(*buf)[j] = fill
				}
				for _, b := range *buf {
					if b != fill {
						t.Errorf("buffer shared between goroutines")
						return
					}
				}
				pool.Put(buf)
			}
		}(byte(g))
	}
	wg.Wait()
}
