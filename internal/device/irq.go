package device

import (
	"context"

	"github.com/ALEYI17/gpusched/internal/job"
	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/zap"
)

// OnHardwareComplete is the completion interrupt for q. It signals the
// hardware fence of the job currently on q when seqno matches; stale,
// duplicate and unknown notifications are ignored.
func (d *Device) OnHardwareComplete(q types.Queue, seqno uint64) {
	if !q.Valid() {
		return
	}

	d.jobMu.Lock()
	cur := d.current[q]
	d.jobMu.Unlock()

	if cur == nil {
		d.metrics.SpuriousInterrupt(q)
		return
	}
	f := cur.Common().HWFence()
	if f.Seqno() != seqno || !f.Signal() {
		d.metrics.SpuriousInterrupt(q)
		d.logger.Debug("ignoring completion",
			zap.Stringer("queue", q),
			zap.Uint64("seqno", seqno),
			zap.Uint64("current", f.Seqno()),
		)
	}
}

// OnOverflowMem is the binner's out-of-memory interrupt. The allocation
// happens on the overflow worker.
func (d *Device) OnOverflowMem() {
	select {
	case d.overflow <- struct{}{}:
	default:
	}
}

func (d *Device) runOverflow(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.overflow:
			if err := d.supplyOverflow(); err != nil {
				d.logger.Warn("binner overflow not served", zap.Error(err))
			}
		}
	}
}

// supplyOverflow gives the binner another tile-memory buffer. The buffer
// belongs to the render job paired with the current bin job and is
// released when that render job is freed.
func (d *Device) supplyOverflow() error {
	bo, err := d.bos.Alloc(d.opts.OverflowSize)
	if err != nil {
		return err
	}

	var render *job.Render
	d.jobMu.Lock()
	if bin, ok := d.current[types.QueueBin].(*job.Bin); ok {
		render = bin.Render()
	}
	d.jobMu.Unlock()

	if render == nil {
		d.bos.Release([]*types.BufferObject{bo})
		return nil
	}
	render.AddOverflow(bo)
	render.Put()
	d.hw.SupplyOverflow(bo)
	return nil
}
