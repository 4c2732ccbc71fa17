// Package perfmon manages hardware performance-counter sessions. A Perfmon
// selects a set of counter events and accumulates their values across every
// job it is attached to. Values never reset; a fresh count needs a fresh
// Perfmon.
package perfmon

import (
	"fmt"
	"sync"

	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/atomic"
)

type Perfmon struct {
	refs atomic.Int32

	// mu serializes start/stop bookkeeping and accumulation. Stop can be
	// reached from job completion and from reset at the same time.
	mu     sync.Mutex
	users  int
	events []uint8
	values []uint64

	onFree func(*Perfmon)
}

// New validates the event selection and returns a Perfmon holding one
// reference.
func New(events []uint8) (*Perfmon, error) {
	if len(events) == 0 || len(events) > types.MaxPerfCounters {
		return nil, fmt.Errorf("%w: %d counters requested, want 1..%d",
			types.ErrInvalidArgument, len(events), types.MaxPerfCounters)
	}
	for _, ev := range events {
		if int(ev) >= types.NumPerfEvents {
			return nil, fmt.Errorf("%w: unknown counter event %d", types.ErrInvalidArgument, ev)
		}
	}

	p := &Perfmon{
		events: append([]uint8(nil), events...),
		values: make([]uint64, len(events)),
	}
	p.refs.Store(1)
	return p, nil
}

// Get takes a reference. Taking a reference on a freed Perfmon is a bug.
func (p *Perfmon) Get() *Perfmon {
	if n := p.refs.Inc(); n <= 1 {
		panic(fmt.Sprintf("perfmon: get on released perfmon (refs=%d)", n))
	}
	return p
}

// Put drops a reference and frees the Perfmon with the last one.
func (p *Perfmon) Put() {
	n := p.refs.Dec()
	switch {
	case n < 0:
		panic("perfmon: reference count underflow")
	case n == 0 && p.onFree != nil:
		p.onFree(p)
	}
}

func (p *Perfmon) Refs() int32 {
	return p.refs.Load()
}

func (p *Perfmon) Events() []uint8 {
	return append([]uint8(nil), p.events...)
}

// Values returns a snapshot of the accumulated counters.
func (p *Perfmon) Values() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.values...)
}

func (p *Perfmon) accumulate(deltas []uint64) {
	for i := range p.values {
		if i < len(deltas) {
			p.values[i] += deltas[i]
		}
	}
}
