// Package fence implements per-queue completion tokens. A fence moves from
// unsignaled to signaled exactly once; later signals are ignored.
package fence

import (
	"context"
	"fmt"
	"sync"

	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/atomic"
)

var nextContextID atomic.Uint64

// Context numbers the fences of one queue. Fences from different contexts
// are not ordered against each other.
type Context struct {
	id    uint64
	queue types.Queue
}

func NewContext(q types.Queue) *Context {
	return &Context{id: nextContextID.Inc(), queue: q}
}

func (c *Context) ID() uint64         { return c.id }
func (c *Context) Queue() types.Queue { return c.queue }

// New creates an unsignaled fence with the given sequence number. Callers
// own seqno allocation.
func (c *Context) New(seqno uint64) *Fence {
	return &Fence{
		context: c.id,
		queue:   c.queue,
		seqno:   seqno,
		done:    make(chan struct{}),
	}
}

type Fence struct {
	context uint64
	queue   types.Queue
	seqno   uint64

	signaled atomic.Bool

	mu        sync.Mutex
	err       error
	done      chan struct{}
	callbacks []func()
}

func (f *Fence) Context() uint64    { return f.context }
func (f *Fence) Queue() types.Queue { return f.queue }
func (f *Fence) Seqno() uint64      { return f.seqno }

func (f *Fence) String() string {
	return fmt.Sprintf("%s:%d#%d", f.queue, f.context, f.seqno)
}

func (f *Fence) Signaled() bool {
	return f.signaled.Load()
}

// Signal marks the fence complete. It reports whether this call performed
// the transition.
func (f *Fence) Signal() bool {
	return f.SignalError(nil)
}

// SignalError marks the fence complete with an error status.
func (f *Fence) SignalError(err error) bool {
	f.mu.Lock()
	if f.signaled.Load() {
		f.mu.Unlock()
		return false
	}
	f.err = err
	f.signaled.Store(true)
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
	return true
}

// Err returns the status the fence was signaled with. It is nil while the
// fence is pending.
func (f *Fence) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Fence) Done() <-chan struct{} {
	return f.done
}

// OnSignal runs fn once the fence signals, from the signaling goroutine.
// If the fence already signaled fn runs before OnSignal returns.
func (f *Fence) OnSignal(fn func()) {
	f.mu.Lock()
	if f.signaled.Load() {
		f.mu.Unlock()
		fn()
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Wait blocks until the fence signals or ctx ends. A fence that signaled
// with an error returns that error; an expired ctx yields ErrTimeout.
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", types.ErrTimeout, f, ctx.Err())
	}
}

// Before reports whether f precedes other on the same fence context.
func (f *Fence) Before(other *Fence) bool {
	if other == nil || f.context != other.context {
		return false
	}
	return f.seqno < other.seqno
}
