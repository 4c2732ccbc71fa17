package perfmon

import (
	"fmt"

	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Counters is the hardware side of the performance counters. ReadCounters
// fills dst with the counts since StartCounters.
type Counters interface {
	StartCounters(events []uint8) error
	ReadCounters(dst []uint64)
	StopCounters()
}

// Manager owns the device-wide active slot. At most one Perfmon is active
// at any instant; the same Perfmon may be started again by jobs on other
// queues while it is active and is released when its last user stops.
type Manager struct {
	hw     Counters
	active atomic.Pointer[Perfmon]
	logger *zap.Logger
}

func NewManager(hw Counters, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{hw: hw, logger: logger}
}

func (m *Manager) Create(events []uint8) (*Perfmon, error) {
	return New(events)
}

func (m *Manager) Active() *Perfmon {
	return m.active.Load()
}

// Available reports whether Start(p) could succeed right now.
func (m *Manager) Available(p *Perfmon) bool {
	cur := m.active.Load()
	return cur == nil || cur == p
}

// Start programs the hardware for p and claims the active slot. It fails
// with ErrBusy when another Perfmon holds the slot.
func (m *Manager) Start(p *Perfmon) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m.active.CompareAndSwap(nil, p) {
		if err := m.hw.StartCounters(p.events); err != nil {
			m.active.Store(nil)
			return fmt.Errorf("start counters: %w", err)
		}
		p.users = 1
		m.logger.Debug("perfmon started", zap.Int("counters", len(p.events)))
		return nil
	}
	if m.active.Load() == p {
		p.users++
		return nil
	}
	return fmt.Errorf("%w: another perfmon is active", types.ErrBusy)
}

// Stop releases one use of p. When the last user stops, the counters are
// optionally captured into p and the slot is cleared. Stopping a Perfmon
// that is not active is a no-op.
func (m *Manager) Stop(p *Perfmon, capture bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m.stopLocked(p, capture, false)
}

// StopActive force-stops whatever Perfmon holds the slot, regardless of
// outstanding users. Used by reset and by Perfmon destruction.
func (m *Manager) StopActive(capture bool) {
	p := m.active.Load()
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m.stopLocked(p, capture, true)
}

func (m *Manager) stopLocked(p *Perfmon, capture, force bool) {
	if m.active.Load() != p {
		return
	}
	if !force && p.users > 1 {
		p.users--
		return
	}
	p.users = 0

	if capture {
		deltas := make([]uint64, len(p.events))
		m.hw.ReadCounters(deltas)
		p.accumulate(deltas)
	}
	m.hw.StopCounters()
	m.active.CompareAndSwap(p, nil)
	m.logger.Debug("perfmon stopped", zap.Bool("capture", capture))
}
