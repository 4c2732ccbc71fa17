package device

import (
	"context"
	"time"

	"github.com/ALEYI17/gpusched/internal/job"
	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Reset recovers the GPU from a hang. Every job on the hardware is marked
// timed out and released; queued jobs are kept and dispatch resumes
// afterwards. Callers arriving while a reset runs share its result.
func (d *Device) Reset(ctx context.Context) error {
	_, err, _ := d.resets.Do("reset", func() (interface{}, error) {
		return nil, d.reset(ctx)
	})
	return err
}

func (d *Device) reset(ctx context.Context) error {
	start := d.clock()

	d.schedMu.Lock()
	d.resetting.Store(true)
	d.schedMu.Unlock()
	defer d.resetting.Store(false)

	var lost []job.Job
	for _, q := range types.Queues() {
		if j := d.queues[q].sched.Park(); j != nil {
			lost = append(lost, j)
		}
	}

	d.perfmons.StopActive(false)
	now := d.clock()
	for _, j := range lost {
		d.abandon(j, now)
	}

	err := multierr.Combine(
		d.hw.Reset(ctx),
		d.pt.Restore(),
	)
	d.hw.InvalidateCaches()

	for _, q := range types.Queues() {
		d.queues[q].sched.Resume()
	}

	d.metrics.Reset(err)
	d.logger.Info("GPU reset",
		zap.Int("lost_jobs", len(lost)),
		zap.Duration("took", d.clock().Sub(start)),
		zap.Error(err),
	)
	return err
}

// abandon ends a job taken off a parked queue. The reset owns the
// scheduler's reference on it.
func (d *Device) abandon(j job.Job, now time.Time) {
	b := j.Common()
	q := b.Queue()

	if !b.Diagnostics().Captured {
		ca, ra := d.hw.Progress(q)
		j.Progress(ca, ra)
	}
	diag := b.Diagnostics()

	started, _ := b.Times()
	d.clearCurrent(q, j)
	b.TimeOut(now)
	d.metrics.JobFinished(q, "timed_out", now.Sub(started))
	d.logger.Warn("job lost to reset",
		zap.Stringer("queue", q),
		zap.String("kind", j.Kind()),
		zap.Uint64("seqno", b.HWFence().Seqno()),
		zap.Int32("pid", b.Owner().Pid),
		zap.Uint32("ca", diag.CA),
		zap.Uint32("ra", diag.RA),
	)
	b.Put()
}
