package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ALEYI17/gpusched/internal/job"
	"github.com/ALEYI17/gpusched/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

type fakeHW struct {
	submitted chan job.Job

	mu        sync.Mutex
	ca, ra    uint32
	moving    bool
	counters  []uint8
	overflow  []*types.BufferObject
	resetGate chan struct{}

	resets      atomic.Int32
	cleans      atomic.Int32
	invalidates atomic.Int32
}

func newFakeHW() *fakeHW {
	return &fakeHW{submitted: make(chan job.Job, 64), ca: 0x100, ra: 0x200}
}

func (h *fakeHW) Submit(j job.Job) { h.submitted <- j }

func (h *fakeHW) Progress(types.Queue) (uint32, uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.moving {
		h.ca += 4
	}
	return h.ca, h.ra
}

func (h *fakeHW) setMoving(v bool) {
	h.mu.Lock()
	h.moving = v
	h.mu.Unlock()
}

func (h *fakeHW) setResetGate(c chan struct{}) {
	h.mu.Lock()
	h.resetGate = c
	h.mu.Unlock()
}

func (h *fakeHW) Reset(ctx context.Context) error {
	h.resets.Inc()
	h.mu.Lock()
	gate := h.resetGate
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *fakeHW) CleanCaches()      { h.cleans.Inc() }
func (h *fakeHW) InvalidateCaches() { h.invalidates.Inc() }

func (h *fakeHW) SupplyOverflow(bo *types.BufferObject) {
	h.mu.Lock()
	h.overflow = append(h.overflow, bo)
	h.mu.Unlock()
}

func (h *fakeHW) overflows() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.overflow)
}

func (h *fakeHW) StartCounters(events []uint8) error {
	h.mu.Lock()
	h.counters = events
	h.mu.Unlock()
	return nil
}

func (h *fakeHW) ReadCounters(dst []uint64) {
	for i := range dst {
		dst[i] = 10
	}
}

func (h *fakeHW) StopCounters() {
	h.mu.Lock()
	h.counters = nil
	h.mu.Unlock()
}

func (h *fakeHW) activeCounters() []uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counters
}

type fakeBOs struct {
	mu       sync.Mutex
	next     uint32
	live     map[uint32]*types.BufferObject
	released map[uint32]int
}

func newFakeBOs() *fakeBOs {
	return &fakeBOs{live: make(map[uint32]*types.BufferObject), released: make(map[uint32]int)}
}

func (f *fakeBOs) Lookup(handles []uint32) ([]*types.BufferObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.BufferObject, 0, len(handles))
	for _, h := range handles {
		bo, ok := f.live[h]
		if !ok {
			return nil, types.ErrInvalidHandle
		}
		out = append(out, bo)
	}
	return out, nil
}

func (f *fakeBOs) Alloc(size uint32) (*types.BufferObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	bo := &types.BufferObject{Handle: f.next, Size: size}
	f.live[bo.Handle] = bo
	return bo, nil
}

func (f *fakeBOs) Release(bos []*types.BufferObject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, bo := range bos {
		f.released[bo.Handle]++
	}
}

func (f *fakeBOs) releasedCount(handle uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[handle]
}

type fakePT struct {
	restores atomic.Int32
}

func (p *fakePT) Restore() error {
	p.restores.Inc()
	return nil
}

type testDevice struct {
	*Device
	hw  *fakeHW
	bos *fakeBOs
	pt  *fakePT
}

func newTestDevice(t *testing.T, opts Options) *testDevice {
	t.Helper()
	td, stop := startTestDevice(t, opts)
	t.Cleanup(stop)
	return td
}

// startTestDevice runs a device until the returned stop is called.
func startTestDevice(t *testing.T, opts Options) (*testDevice, func()) {
	t.Helper()
	td := &testDevice{hw: newFakeHW(), bos: newFakeBOs(), pt: &fakePT{}}
	opts.Logger = zaptest.NewLogger(t)
	td.Device = New(td.hw, td.bos, td.pt, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- td.Run(ctx) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			require.NoError(t, <-done)
		})
	}
	return td, stop
}

func (td *testDevice) nextSubmit(t *testing.T) job.Job {
	t.Helper()
	select {
	case j := <-td.hw.submitted:
		return j
	case <-time.After(2 * time.Second):
		t.Fatal("no job reached the hardware")
		return nil
	}
}

func (td *testDevice) noSubmit(t *testing.T) {
	t.Helper()
	select {
	case j := <-td.hw.submitted:
		t.Fatalf("unexpected %s job on the hardware", j.Kind())
	case <-time.After(30 * time.Millisecond):
	}
}

// complete raises the completion interrupt for j.
func (td *testDevice) complete(j job.Job) {
	b := j.Common()
	td.OnHardwareComplete(b.Queue(), b.HWFence().Seqno())
}

func (td *testDevice) wait(t *testing.T, j job.Job) (Status, error) {
	t.Helper()
	return td.Wait(context.Background(), j, 2*time.Second)
}
