package perfmon

import (
	"sync"
	"testing"

	"github.com/ALEYI17/gpusched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeCounters struct {
	mu      sync.Mutex
	running []uint8
	starts  int
	stops   int
	reads   int
	delta   uint64
}

func (f *fakeCounters) StartCounters(events []uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = append([]uint8(nil), events...)
	f.starts++
	return nil
}

func (f *fakeCounters) ReadCounters(dst []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	for i := range dst {
		dst[i] = f.delta * uint64(i+1)
	}
}

func (f *fakeCounters) StopCounters() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = nil
	f.stops++
}

func TestNewValidatesSelection(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = New(make([]uint8, types.MaxPerfCounters+1))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = New([]uint8{1, types.NumPerfEvents})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	p, err := New(make([]uint8, types.MaxPerfCounters))
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.Refs())
	assert.Equal(t, make([]uint64, types.MaxPerfCounters), p.Values())
}

func TestRefcountRoundTrip(t *testing.T) {
	p, err := New([]uint8{3})
	require.NoError(t, err)

	var freed int
	p.onFree = func(*Perfmon) { freed++ }

	const n = 5
	for i := 0; i < n; i++ {
		p.Get()
	}
	for i := 0; i < n; i++ {
		p.Put()
		assert.Equal(t, 0, freed, "freed early after put %d", i+1)
	}
	// the creation reference is the last one
	p.Put()
	assert.Equal(t, 1, freed)

	assert.Panics(t, func() { p.Put() })
	assert.Panics(t, func() { p.Get() })
}

func TestSingleActivePerfmon(t *testing.T) {
	hw := &fakeCounters{delta: 10}
	m := NewManager(hw, zaptest.NewLogger(t))

	a, _ := m.Create([]uint8{1, 2})
	b, _ := m.Create([]uint8{4})

	require.NoError(t, m.Start(a))
	assert.Same(t, a, m.Active())

	err := m.Start(b)
	assert.ErrorIs(t, err, types.ErrBusy)
	assert.Same(t, a, m.Active())
	assert.Equal(t, []uint8{1, 2}, hw.running)
	assert.False(t, m.Available(b))
	assert.True(t, m.Available(a))

	m.Stop(a, true)
	assert.Nil(t, m.Active())
	assert.Equal(t, []uint64{10, 20}, a.Values())

	require.NoError(t, m.Start(b))
	m.Stop(b, true)
	assert.Equal(t, []uint64{10}, b.Values())
}

func TestValuesAccumulate(t *testing.T) {
	hw := &fakeCounters{delta: 3}
	m := NewManager(hw, nil)
	p, _ := m.Create([]uint8{5, 6})

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Start(p))
		m.Stop(p, true)
	}
	assert.Equal(t, []uint64{9, 18}, p.Values())

	require.NoError(t, m.Start(p))
	m.Stop(p, false)
	assert.Equal(t, []uint64{9, 18}, p.Values())
}

func TestNestedStartReleasesOnLastStop(t *testing.T) {
	hw := &fakeCounters{delta: 1}
	m := NewManager(hw, nil)
	p, _ := m.Create([]uint8{0})

	require.NoError(t, m.Start(p))
	require.NoError(t, m.Start(p))
	assert.Equal(t, 1, hw.starts)

	m.Stop(p, true)
	assert.Same(t, p, m.Active())
	assert.Equal(t, 0, hw.reads)

	m.Stop(p, true)
	assert.Nil(t, m.Active())
	assert.Equal(t, 1, hw.reads)
	assert.Equal(t, 1, hw.stops)
}

func TestStopInactiveIsNoop(t *testing.T) {
	hw := &fakeCounters{}
	m := NewManager(hw, nil)
	p, _ := m.Create([]uint8{0})

	m.Stop(p, true)
	m.StopActive(true)
	assert.Equal(t, 0, hw.stops)
}

func TestStopActiveForces(t *testing.T) {
	hw := &fakeCounters{delta: 2}
	m := NewManager(hw, nil)
	p, _ := m.Create([]uint8{0})

	require.NoError(t, m.Start(p))
	require.NoError(t, m.Start(p))
	m.StopActive(false)
	assert.Nil(t, m.Active())
	assert.Equal(t, []uint64{0}, p.Values())

	// late stop from the other user finds nothing to do
	m.Stop(p, true)
	assert.Equal(t, 1, hw.stops)
}

func TestRegistry(t *testing.T) {
	hw := &fakeCounters{delta: 1}
	m := NewManager(hw, nil)
	r := m.NewRegistry()

	_, err := r.Create(nil)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	id, err := r.Create([]uint8{1, 2})
	require.NoError(t, err)
	id2, err := r.Create([]uint8{3})
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
	assert.Equal(t, []uint32{id, id2}, r.IDs())

	p, err := r.Find(id)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.Refs())

	require.NoError(t, m.Start(p))
	m.Stop(p, true)
	vals, err := r.Values(id)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, vals)

	_, err = r.Find(99)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = r.Values(99)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, r.Destroy(99), types.ErrNotFound)

	// destroy while a job still holds a reference
	require.NoError(t, r.Destroy(id))
	assert.Equal(t, int32(1), p.Refs())
	_, err = r.Find(id)
	assert.ErrorIs(t, err, types.ErrNotFound)
	p.Put()
}

func TestRegistryDestroyStopsActive(t *testing.T) {
	hw := &fakeCounters{delta: 1}
	m := NewManager(hw, nil)
	r := m.NewRegistry()

	id, _ := r.Create([]uint8{1})
	p, _ := r.Find(id)
	require.NoError(t, m.Start(p))

	require.NoError(t, r.Destroy(id))
	assert.Nil(t, m.Active())
	assert.Equal(t, []uint64{0}, p.Values())
	p.Put()
}

func TestRegistryClose(t *testing.T) {
	m := NewManager(&fakeCounters{}, nil)
	r := m.NewRegistry()
	_, _ = r.Create([]uint8{1})
	_, _ = r.Create([]uint8{2})

	r.Close()
	assert.Empty(t, r.IDs())
}
