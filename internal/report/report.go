// Package report logs periodic per-queue usage summaries.
package report

import (
	"context"
	"time"

	"github.com/ALEYI17/gpusched/internal/stats"
	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/zap"
)

type UsageReader interface {
	ReadUsage(q types.Queue) (stats.Snapshot, error)
}

// Summary is one queue's activity since the previous report.
type Summary struct {
	Queue       types.Queue
	Jobs        uint64
	Runtime     time.Duration
	Utilization float64
	// Busiest is the process with the most GPU time on the queue overall.
	Busiest stats.PidStats
}

type Reporter struct {
	reader   UsageReader
	interval time.Duration
	logger   *zap.Logger

	last   [types.MaxQueues]stats.Snapshot
	lastAt time.Time
}

func New(reader UsageReader, interval time.Duration, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{reader: reader, interval: interval, logger: logger, lastAt: time.Now()}
}

// Collect reads every queue and returns what changed since the last call.
// Idle queues are left out.
func (r *Reporter) Collect(now time.Time) ([]Summary, error) {
	elapsed := now.Sub(r.lastAt)
	r.lastAt = now

	var out []Summary
	for _, q := range types.Queues() {
		snap, err := r.reader.ReadUsage(q)
		if err != nil {
			return out, err
		}
		prev := r.last[q]
		r.last[q] = snap

		// Queue totals only grow. A smaller reading comes from a different
		// device behind the reader and is reported in full.
		if snap.JobsSent < prev.JobsSent || snap.Runtime < prev.Runtime {
			prev = stats.Snapshot{}
		}
		s := Summary{
			Queue:   q,
			Jobs:    snap.JobsSent - prev.JobsSent,
			Runtime: snap.Runtime - prev.Runtime,
		}
		if s.Jobs == 0 && s.Runtime == 0 {
			continue
		}
		if elapsed > 0 {
			s.Utilization = float64(s.Runtime) / float64(elapsed)
		}
		for _, p := range snap.Pids {
			if p.Runtime > s.Busiest.Runtime {
				s.Busiest = p
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// Run logs a report every interval until ctx ends.
func (r *Reporter) Run(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// prime the collection window so the first report has data
	if _, err := r.Collect(time.Now()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			summaries, err := r.Collect(now)
			if err != nil {
				return err
			}
			for _, s := range summaries {
				r.logger.Info("queue usage",
					zap.Stringer("queue", s.Queue),
					zap.Uint64("jobs", s.Jobs),
					zap.Duration("runtime", s.Runtime),
					zap.Float64("utilization", s.Utilization),
					zap.Int32("busiest_pid", s.Busiest.Pid),
					zap.String("busiest_comm", s.Busiest.Comm),
				)
			}
		}
	}
}
