package perfmon

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ALEYI17/gpusched/pkg/types"
)

// Registry is a session's private id table of Perfmons.
type Registry struct {
	mgr *Manager

	mu       sync.Mutex
	next     uint32
	perfmons map[uint32]*Perfmon
}

func (m *Manager) NewRegistry() *Registry {
	return &Registry{mgr: m, perfmons: make(map[uint32]*Perfmon)}
}

// Create allocates a Perfmon and returns its id. The registry keeps the
// initial reference.
func (r *Registry) Create(events []uint8) (uint32, error) {
	p, err := r.mgr.Create(events)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.perfmons[r.next] = p
	return r.next, nil
}

// Find returns the Perfmon with a reference taken; the caller must Put it.
func (r *Registry) Find(id uint32) (*Perfmon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.perfmons[id]
	if !ok {
		return nil, fmt.Errorf("%w: perfmon %d", types.ErrNotFound, id)
	}
	return p.Get(), nil
}

// Destroy drops the registry's reference. A Perfmon that is active is
// stopped without capturing; jobs still holding it keep it alive.
func (r *Registry) Destroy(id uint32) error {
	r.mu.Lock()
	p, ok := r.perfmons[id]
	delete(r.perfmons, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: perfmon %d", types.ErrNotFound, id)
	}

	r.release(p)
	return nil
}

func (r *Registry) Values(id uint32) ([]uint64, error) {
	p, err := r.Find(id)
	if err != nil {
		return nil, err
	}
	defer p.Put()
	return p.Values(), nil
}

// IDs lists the live ids in ascending order.
func (r *Registry) IDs() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint32, 0, len(r.perfmons))
	for id := range r.perfmons {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close destroys every Perfmon the session still owns.
func (r *Registry) Close() {
	r.mu.Lock()
	perfmons := r.perfmons
	r.perfmons = make(map[uint32]*Perfmon)
	r.mu.Unlock()

	for _, p := range perfmons {
		r.release(p)
	}
}

func (r *Registry) release(p *Perfmon) {
	if r.mgr.Active() == p {
		r.mgr.StopActive(false)
	}
	p.Put()
}
