// Package job defines the unit of GPU work. Every variant embeds Base,
// which carries the reference count, the buffer objects resolved at
// submission, the two completion fences and the optional Perfmon.
package job

import (
	"fmt"
	"sync"
	"time"

	"github.com/ALEYI17/gpusched/internal/fence"
	"github.com/ALEYI17/gpusched/internal/perfmon"
	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/atomic"
)

type State int32

const (
	StateCreated State = iota
	StateQueued
	StateRunning
	StateCompleted
	StateTimedOut
	StateFailed
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	case StateFreed:
		return "freed"
	}
	return "unknown"
}

// Job is what the scheduler moves around. It never needs to know the
// variant.
type Job interface {
	Common() *Base
	Kind() string
	// Progress records the queue's progress registers at a watchdog tick
	// and reports whether the job moved since the previous tick.
	Progress(ca, ra uint32) bool
}

// Releaser returns buffer objects to the buffer-object collaborator.
type Releaser interface {
	Release(bos []*types.BufferObject)
}

// Owner identifies the submitting process.
type Owner struct {
	Pid  int32
	Comm string
}

// Diagnostics holds what the watchdog read from the hardware while the job
// was stuck.
type Diagnostics struct {
	CA, RA   uint32
	Captured bool
}

type Base struct {
	queue    types.Queue
	owner    Owner
	bos      []*types.BufferObject
	releaser Releaser

	hwFence   *fence.Fence
	doneFence *fence.Fence
	deps      []*fence.Fence
	perfmon   *perfmon.Perfmon

	refs  atomic.Int32
	state atomic.Int32

	mu         sync.Mutex
	diag       Diagnostics
	startedAt  time.Time
	finishedAt time.Time

	free func()
}

func (b *Base) init(q types.Queue, owner Owner, bos []*types.BufferObject, rel Releaser) {
	b.queue = q
	b.owner = owner
	b.bos = bos
	b.releaser = rel
	b.refs.Store(1)
}

func (b *Base) Common() *Base { return b }

func (b *Base) Queue() types.Queue           { return b.queue }
func (b *Base) Owner() Owner                 { return b.owner }
func (b *Base) BOs() []*types.BufferObject   { return b.bos }
func (b *Base) HWFence() *fence.Fence        { return b.hwFence }
func (b *Base) DoneFence() *fence.Fence      { return b.doneFence }
func (b *Base) Perfmon() *perfmon.Perfmon    { return b.perfmon }
func (b *Base) Dependencies() []*fence.Fence { return b.deps }
func (b *Base) State() State                 { return State(b.state.Load()) }
func (b *Base) Refs() int32                  { return b.refs.Load() }

// AttachPerfmon stores a reference to p on the job. Hardware is not
// touched until the job runs.
func (b *Base) AttachPerfmon(p *perfmon.Perfmon) {
	b.mustBe(StateCreated)
	if b.perfmon != nil {
		b.perfmon.Put()
	}
	b.perfmon = p.Get()
}

// AddDependency makes the job wait for f before it can be dispatched.
func (b *Base) AddDependency(f *fence.Fence) {
	b.mustBe(StateCreated)
	if f != nil {
		b.deps = append(b.deps, f)
	}
}

// DependencyError returns the first failed dependency, if any.
func (b *Base) DependencyError() error {
	for _, d := range b.deps {
		if d.Signaled() {
			if err := d.Err(); err != nil {
				return fmt.Errorf("%w: %s: %w", types.ErrDependency, d, err)
			}
		}
	}
	return nil
}

// PendingDependency returns the first unsignaled dependency.
func (b *Base) PendingDependency() *fence.Fence {
	for _, d := range b.deps {
		if !d.Signaled() {
			return d
		}
	}
	return nil
}

// Arm assigns the job's fences. Called once, under the submission lock.
func (b *Base) Arm(hw, done *fence.Fence) {
	b.transition(StateCreated, StateQueued)
	b.hwFence = hw
	b.doneFence = done
}

func (b *Base) MarkRunning(now time.Time) {
	b.transition(StateQueued, StateRunning)
	b.mu.Lock()
	b.startedAt = now
	b.mu.Unlock()
}

// Complete signals the done fence. The hardware fence must have signaled
// and any Perfmon must have been stopped before this.
func (b *Base) Complete(now time.Time) {
	if !b.hwFence.Signaled() {
		panic(fmt.Sprintf("job: completing %s before its hardware fence", b.hwFence))
	}
	b.transition(StateRunning, StateCompleted)
	b.mu.Lock()
	b.finishedAt = now
	b.mu.Unlock()
	b.doneFence.Signal()
}

// TimeOut moves a running job to its TimedOut terminal state.
func (b *Base) TimeOut(now time.Time) {
	b.transition(StateRunning, StateTimedOut)
	b.mu.Lock()
	b.finishedAt = now
	b.mu.Unlock()
	b.hwFence.SignalError(types.ErrHardwareTimeout)
	b.doneFence.SignalError(types.ErrHardwareTimeout)
}

// Fail ends a job that never reached the hardware.
func (b *Base) Fail(err error) {
	b.transition(StateQueued, StateFailed)
	b.hwFence.SignalError(err)
	b.doneFence.SignalError(err)
}

// Abort ends a running job that will never be completed, e.g. on
// shutdown. Its fences carry err.
func (b *Base) Abort(now time.Time, err error) {
	b.transition(StateRunning, StateFailed)
	b.mu.Lock()
	b.finishedAt = now
	b.mu.Unlock()
	b.hwFence.SignalError(err)
	b.doneFence.SignalError(err)
}

// Times returns when the job started and finished on the hardware.
func (b *Base) Times() (started, finished time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startedAt, b.finishedAt
}

func (b *Base) Diagnostics() Diagnostics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.diag
}

// recordProgress stores the register pair and reports whether it differs
// from the previous capture.
func (b *Base) recordProgress(ca, ra uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	moved := !b.diag.Captured || b.diag.CA != ca || b.diag.RA != ra
	b.diag = Diagnostics{CA: ca, RA: ra, Captured: true}
	return moved
}

// Progress is the default for queues that cannot report partial progress:
// a tick always counts as a hang.
func (b *Base) Progress(ca, ra uint32) bool {
	b.recordProgress(ca, ra)
	return false
}

// Get takes a reference.
func (b *Base) Get() {
	if n := b.refs.Inc(); n <= 1 {
		panic(fmt.Sprintf("job: get on released %s job (refs=%d)", b.queue, n))
	}
}

// TryGet takes a reference unless the job is already being freed.
func (b *Base) TryGet() bool {
	for {
		n := b.refs.Load()
		if n <= 0 {
			return false
		}
		if b.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Put drops a reference; the last one runs the destructor.
func (b *Base) Put() {
	n := b.refs.Dec()
	if n < 0 {
		panic(fmt.Sprintf("job: %s reference count underflow", b.queue))
	}
	if n > 0 {
		return
	}

	if b.free != nil {
		b.free()
	}
	if b.releaser != nil && len(b.bos) > 0 {
		b.releaser.Release(b.bos)
	}
	b.bos = nil
	if b.perfmon != nil {
		b.perfmon.Put()
		b.perfmon = nil
	}
	b.state.Store(int32(StateFreed))
}

func (b *Base) transition(from, to State) {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		panic(fmt.Sprintf("job: %s job cannot move %s -> %s from %s",
			b.queue, from, to, b.State()))
	}
}

func (b *Base) mustBe(s State) {
	if cur := b.State(); cur != s {
		panic(fmt.Sprintf("job: %s job is %s, want %s", b.queue, cur, s))
	}
}
