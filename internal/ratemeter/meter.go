package ratemeter

import (
	"math"
	"sync"
	"time"
)

// DefaultWindow is the smoothing time constant used by New.
const DefaultWindow = 5 * time.Second

// Meter tracks a byte total and an exponentially smoothed rate. The rate
// decays towards zero while no bytes arrive.
type Meter struct {
	mu      sync.Mutex
	window  float64
	total   int64
	pending int64
	lastAt  time.Time
	rateBps float64
	now     func() time.Time
}

// New returns a meter with DefaultWindow smoothing.
func New() *Meter {
	return NewWithNow(DefaultWindow, time.Now)
}

// NewWithNow returns a meter with a custom window and time source (for tests).
func NewWithNow(window time.Duration, now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Meter{window: window.Seconds(), now: now, lastAt: now()}
}

// Add records n bytes.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total += int64(n)
	m.pending += int64(n)
	m.fold(m.now())
}

// Total returns every byte recorded so far.
func (m *Meter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Rate returns the smoothed rate in bytes per second.
func (m *Meter) Rate() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fold(m.now())
	return int64(m.rateBps)
}

// fold merges the bytes seen since the last fold into the smoothed rate.
// Bytes recorded within the same instant wait for the next fold.
func (m *Meter) fold(now time.Time) {
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		if now.Before(m.lastAt) {
			m.lastAt = now
		}
		return
	}
	inst := float64(m.pending) / dt
	weight := 1 - math.Exp(-dt/m.window)
	m.rateBps += weight * (inst - m.rateBps)
	m.pending = 0
	m.lastAt = now
}
