package device

import (
	"fmt"

	"github.com/ALEYI17/gpusched/internal/job"
	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/zap"
)

// RunJob is called by a queue worker to put j on the hardware.
func (d *Device) RunJob(j job.Job) error {
	b := j.Common()
	q := b.Queue()

	if pm := b.Perfmon(); pm != nil {
		if err := d.perfmons.Start(pm); err != nil {
			d.metrics.JobRejected(q, "perfmon_busy")
			return fmt.Errorf("start perfmon for %s job: %w", j.Kind(), err)
		}
	}

	now := d.clock()
	b.MarkRunning(now)
	d.setCurrent(q, j)
	owner := b.Owner()
	d.stats.OnJobDispatch(q, owner.Pid, owner.Comm, now)

	d.logger.Debug("job dispatched",
		zap.Stringer("queue", q),
		zap.String("kind", j.Kind()),
		zap.Uint64("seqno", b.HWFence().Seqno()),
		zap.Int32("pid", owner.Pid),
	)

	if _, ok := j.(*job.CacheClean); ok {
		d.hw.CleanCaches()
		b.HWFence().Signal()
		return nil
	}
	d.hw.Submit(j)
	return nil
}

// FinishJob runs on the queue worker once j's hardware fence signaled.
func (d *Device) FinishJob(j job.Job) {
	b := j.Common()
	q := b.Queue()

	if pm := b.Perfmon(); pm != nil {
		d.perfmons.Stop(pm, true)
	}

	now := d.clock()
	started, _ := b.Times()
	runtime := now.Sub(started)
	d.stats.OnJobComplete(q, b.Owner().Pid, runtime, now)
	d.clearCurrent(q, j)
	b.Complete(now)
	d.metrics.JobFinished(q, "completed", runtime)
}

// TimedOut is the watchdog hook. A job whose progress registers moved since
// the last check keeps running; otherwise a reset is launched.
func (d *Device) TimedOut(j job.Job) bool {
	b := j.Common()
	q := b.Queue()

	ca, ra := d.hw.Progress(q)
	if j.Progress(ca, ra) {
		d.logger.Debug("job still progressing",
			zap.Stringer("queue", q),
			zap.Uint32("ca", ca),
			zap.Uint32("ra", ra),
		)
		return true
	}

	d.logger.Warn("job timed out, resetting GPU",
		zap.Stringer("queue", q),
		zap.String("kind", j.Kind()),
		zap.Uint64("seqno", b.HWFence().Seqno()),
		zap.Int32("pid", b.Owner().Pid),
	)
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		if err := d.Reset(d.runCtx); err != nil {
			d.logger.Error("watchdog reset failed", zap.Stringer("queue", q), zap.Error(err))
		}
	}()
	return false
}

// AbandonJob runs on a queue worker that is shutting down with j still on
// the hardware. Waiters see ErrCanceled unless j finished in the meantime.
func (d *Device) AbandonJob(j job.Job) {
	b := j.Common()
	q := b.Queue()

	d.clearCurrent(q, j)
	if b.HWFence().Signaled() {
		d.FinishJob(j)
		return
	}
	if pm := b.Perfmon(); pm != nil {
		d.perfmons.Stop(pm, false)
	}

	now := d.clock()
	started, _ := b.Times()
	b.Abort(now, types.ErrCanceled)
	d.metrics.JobFinished(q, "canceled", now.Sub(started))
	d.logger.Debug("job abandoned on shutdown",
		zap.Stringer("queue", q),
		zap.String("kind", j.Kind()),
		zap.Uint64("seqno", b.HWFence().Seqno()),
	)
}
