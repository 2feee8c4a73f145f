// Package tokenbucket paces bulk block requests with a token bucket that is
// refilled once per scheduler pass.
package tokenbucket

import (
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/peerctl/internal/logging"
)

const (
	// BlockSize is the size of one block request in bytes.
	BlockSize = 16 * 1024

	// Unlimited is returned by Peek when no rate is configured.
	Unlimited = math.MaxInt32

	responseTime  = time.Second
	minimumChunks = 2

	noPendingRate = -1
)

// Dispenser is a token bucket measured in bytes.
//
// A Dispenser is confined to the goroutine of the scheduler shard that owns
// it: Refill runs on the shard loop and Dispense/ReturnUnused run inside tick
// callbacks on that same loop, so no locking is done. SetRate and SetEnabled
// may be called from anywhere; the change is applied by the next operation
// on the owning goroutine.
type Dispenser struct {
	rate      int64
	threshold int64
	bucket    int64
	lastTime  time.Time
	enabled   bool

	pendingRate    atomic.Int64
	pendingEnabled atomic.Int32

	logger *slog.Logger
}

// New returns a dispenser for rateBytesPerSec. A rate of 0 means unlimited.
func New(rateBytesPerSec int64, logger *slog.Logger) *Dispenser {
	d := &Dispenser{
		enabled: true,
		logger:  logging.Component(logger, "tokenbucket"),
	}
	d.pendingRate.Store(noPendingRate)
	d.pendingEnabled.Store(-1)
	d.applyRate(rateBytesPerSec)
	return d
}

// SetRate changes the configured rate in bytes per second.
func (d *Dispenser) SetRate(rateBytesPerSec int64) {
	if rateBytesPerSec < 0 {
		d.logger.Warn("negative rate clamped to unlimited", "rate", rateBytesPerSec)
		rateBytesPerSec = 0
	}
	d.pendingRate.Store(rateBytesPerSec)
}

// SetEnabled switches request limiting on or off. A disabled dispenser
// behaves as unlimited.
func (d *Dispenser) SetEnabled(enabled bool) {
	if enabled {
		d.pendingEnabled.Store(1)
	} else {
		d.pendingEnabled.Store(0)
	}
}

func (d *Dispenser) applyPending() {
	if e := d.pendingEnabled.Swap(-1); e >= 0 {
		d.enabled = e == 1
	}
	if r := d.pendingRate.Swap(noPendingRate); r != noPendingRate {
		d.applyRate(r)
	}
}

func (d *Dispenser) applyRate(rate int64) {
	if rate < 0 {
		rate = 0
	}
	d.rate = rate
	d.threshold = int64(responseTime/time.Second) * rate
	if lower := int64(minimumChunks * BlockSize); d.threshold < lower {
		d.threshold = lower
	}
	if d.bucket > d.threshold {
		d.bucket = d.threshold
	}
}

func (d *Dispenser) limited() bool {
	return d.enabled && d.rate > 0
}

// Refill adds rate*elapsed tokens, capped at the threshold. A clock that
// moves backwards only re-anchors the bucket.
func (d *Dispenser) Refill(now time.Time) {
	d.applyPending()
	if d.lastTime.IsZero() || !d.limited() {
		d.lastTime = now
		return
	}
	if now.Before(d.lastTime) {
		d.logger.Debug("clock moved backwards, skipping refill", "last", d.lastTime, "now", now)
		d.lastTime = now
		return
	}
	us := now.Sub(d.lastTime).Microseconds()
	if us > math.MaxInt64/d.rate {
		d.bucket = d.threshold
		d.lastTime = now
		return
	}
	added := d.rate * us / 1e6
	if added <= 0 {
		return
	}
	// Advance the anchor only by the time the credited tokens cover, so
	// frequent refills do not drop the fractional remainder.
	spent := added * 1e6 / d.rate
	if spent*d.rate < added*1e6 {
		spent++
	}
	d.bucket += added
	d.lastTime = d.lastTime.Add(time.Duration(spent) * time.Microsecond)
	d.clamp()
}

func (d *Dispenser) clamp() {
	if d.bucket > d.threshold {
		d.bucket = d.threshold
	}
	if d.bucket < 0 {
		d.logger.Warn("token bucket went negative, resetting", "level", d.bucket)
		d.bucket = 0
	}
}

// Dispense grants up to count chunks of chunkSize bytes. It returns 0 when
// not even one chunk is covered.
func (d *Dispenser) Dispense(count, chunkSize int) int {
	d.applyPending()
	if count <= 0 {
		return 0
	}
	if !d.limited() {
		return count
	}
	if chunkSize <= 0 {
		return 0
	}
	size := int64(chunkSize)
	if d.bucket < size {
		return 0
	}
	granted := d.bucket / size
	if granted > int64(count) {
		granted = int64(count)
	}
	d.bucket -= granted * size
	d.clamp()
	return int(granted)
}

// ReturnUnused credits back chunks reserved by Dispense but not used.
func (d *Dispenser) ReturnUnused(count, chunkSize int) {
	d.applyPending()
	if count <= 0 || chunkSize <= 0 || !d.limited() {
		return
	}
	d.bucket += int64(count) * int64(chunkSize)
	d.clamp()
}

// Peek reports how many chunks of chunkSize are available without
// consuming them.
func (d *Dispenser) Peek(chunkSize int) int {
	d.applyPending()
	if !d.limited() {
		return Unlimited
	}
	if chunkSize <= 0 {
		return 0
	}
	return int(d.bucket / int64(chunkSize))
}

// Level returns the current bucket level in bytes.
func (d *Dispenser) Level() int64 {
	return d.bucket
}

// Threshold returns the bucket capacity in bytes.
func (d *Dispenser) Threshold() int64 {
	d.applyPending()
	return d.threshold
}

// Rate returns the configured rate in bytes per second.
func (d *Dispenser) Rate() int64 {
	d.applyPending()
	return d.rate
}
