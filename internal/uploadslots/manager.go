package uploadslots

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/peerctl/internal/logging"
	"github.com/sheerbytes/peerctl/internal/stats"
)

// Slot lifetimes, in rounds.
const (
	ExpireNormal     = 1
	ExpireOptimistic = 3
	ExpireSeed       = 6
)

const (
	DefaultNormalSlots = 3
	DefaultRoundPeriod = 10 * time.Second
)

// Config configures the slot array.
type Config struct {
	NormalSlots int
}

// SlotManager owns one optimistic and NormalSlots normal upload slots and
// reassigns expired ones once per round.
type SlotManager struct {
	mu          sync.Mutex
	picker      *SessionPicker
	slots       []*UploadSlot
	normalSlots int
	round       int64
	logger      *slog.Logger

	rounds   *stats.Counter
	unchokes *stats.Counter
	chokes   *stats.Counter
	filled   *stats.Gauge
}

// NewSlotManager builds the slot array: slot 0 is optimistic, the rest are
// normal.
func NewSlotManager(picker *SessionPicker, cfg Config, registry *stats.Registry, logger *slog.Logger) *SlotManager {
	if cfg.NormalSlots < 1 {
		cfg.NormalSlots = DefaultNormalSlots
	}
	if registry == nil {
		registry = stats.NewRegistry()
	}
	m := &SlotManager{
		picker:      picker,
		normalSlots: cfg.NormalSlots,
		logger:      logging.Component(logger, "uploadslots"),
		rounds:      registry.Counter("slots.rounds"),
		unchokes:    registry.Counter("slots.unchokes"),
		chokes:      registry.Counter("slots.chokes"),
		filled:      registry.Gauge("slots.filled"),
	}
	m.slots = append(m.slots, &UploadSlot{Type: SlotOptimistic})
	for i := 0; i < cfg.NormalSlots; i++ {
		m.slots = append(m.slots, &UploadSlot{Type: SlotNormal})
	}
	return m
}

// Round returns the number of rounds processed.
func (m *SlotManager) Round() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.round
}

// Slots returns a copy of the slot array.
func (m *SlotManager) Slots() []UploadSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UploadSlot, len(m.slots))
	for i, slot := range m.slots {
		out[i] = *slot
	}
	return out
}

// Run processes a round every period until ctx is done.
func (m *SlotManager) Run(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = DefaultRoundPeriod
	}
	m.logger.Info("upload slot allocation started", "period", period, "slots", len(m.slots))
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		m.ProcessRound()
		select {
		case <-ctx.Done():
			m.logger.Info("upload slot allocation stopped", "round", m.Round())
			return
		case <-ticker.C:
		}
	}
}

// ProcessRound runs one allocation pass. Sessions that keep a slot are
// never stopped; stops are issued before starts.
func (m *SlotManager) ProcessRound() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.round++
	round := m.round
	m.rounds.Add(1)

	var toStop []*UploadSession
	var expired []*UploadSlot
	expiringNormal := 0
	for _, slot := range m.slots {
		if slot.ExpireRound > round {
			continue
		}
		if slot.Session != nil {
			toStop = append(toStop, slot.Session)
			slot.Session = nil
		}
		expired = append(expired, slot)
		if slot.Type == SlotNormal {
			expiringNormal++
		}
	}

	best := m.picker.PickBestDownloadSessions(len(m.slots))
	// The sessions about to win the expiring normal slots are not
	// optimistic material.
	reserved := make([]*UploadSession, 0, expiringNormal+1)
	for _, session := range best {
		if len(reserved) == expiringNormal {
			break
		}
		if !m.slotted(session) {
			reserved = append(reserved, session)
		}
	}

	for _, slot := range expired {
		if slot.Type == SlotOptimistic {
			next := m.nextOptimistic(reserved)
			if next != nil && next.Type() == SessionSeed {
				// A seed session goes to a normal slot this round and
				// displaces the last reserved download session.
				if expiringNormal > 0 {
					best = append([]*UploadSession{next}, best...)
					if len(reserved) == expiringNormal {
						reserved = reserved[:len(reserved)-1]
					}
				}
				reserved = append(reserved, next)
				next = m.nextOptimistic(reserved)
			}
			if next != nil {
				slot.Session = next
				slot.ExpireRound = round + ExpireOptimistic
			}
			continue
		}

		var next *UploadSession
		next, best = m.nextBest(best)
		if next == nil {
			next = m.nextOptimistic(reserved)
		}
		if next != nil {
			slot.Session = next
			if next.Type() == SessionSeed {
				slot.ExpireRound = round + ExpireSeed
			} else {
				slot.ExpireRound = round + ExpireNormal
			}
		}
	}

	m.dropDuplicates()

	filled := 0
	for _, slot := range m.slots {
		if slot.Session != nil {
			filled++
		}
	}
	m.filled.Set(int64(filled))

	for _, session := range toStop {
		if m.slotted(session) {
			continue
		}
		if !session.Peer().IsChokedByMe() {
			m.chokes.Add(1)
		}
		session.Stop()
	}
	for _, slot := range m.slots {
		if slot.Session == nil {
			continue
		}
		if slot.Session.Peer().IsChokedByMe() {
			m.unchokes.Add(1)
		}
		slot.Session.Start()
	}
}

// nextBest pops sessions off best until one is not already slotted.
func (m *SlotManager) nextBest(best []*UploadSession) (*UploadSession, []*UploadSession) {
	for len(best) > 0 {
		next := best[0]
		best = best[1:]
		if !m.slotted(next) {
			return next, best
		}
	}
	return nil, best
}

// nextOptimistic draws a session whose peer is neither slotted nor excluded.
func (m *SlotManager) nextOptimistic(exclude []*UploadSession) *UploadSession {
	return m.picker.pickNextOptimisticSession(func(peer Peer) bool {
		for _, slot := range m.slots {
			if slot.Session != nil && slot.Session.Peer() == peer {
				return true
			}
		}
		for _, s := range exclude {
			if s.Peer() == peer {
				return true
			}
		}
		return false
	})
}

func (m *SlotManager) slotted(session *UploadSession) bool {
	for _, slot := range m.slots {
		if slot.Session.IsSameSession(session) {
			return true
		}
	}
	return false
}

// dropDuplicates empties any slot whose peer already holds an earlier slot.
func (m *SlotManager) dropDuplicates() {
	for i, slot := range m.slots {
		if slot.Session == nil {
			continue
		}
		for _, earlier := range m.slots[:i] {
			if earlier.Session.IsSameSession(slot.Session) {
				m.logger.Error("session slotted twice, dropping duplicate", "kind", "internal", "slot", i)
				slot.Session = nil
				break
			}
		}
	}
}
