// Package device is the job-submission and execution-ordering core. A
// Device owns one scheduler per hardware queue, the per-queue fence
// contexts and seqno counters, the current-job pointers read by the
// interrupt and diagnostic paths, the Perfmon manager, usage statistics
// and the reset coordinator.
//
// Lock order: schedMu, then the schedulers' own locks. Resets are
// serialized outside all of them. jobMu is a leaf and Perfmon locks are
// never held across other locks.
package device

import (
	"context"
	"sync"
	"time"

	"github.com/ALEYI17/gpusched/internal/fence"
	"github.com/ALEYI17/gpusched/internal/job"
	"github.com/ALEYI17/gpusched/internal/metrics"
	"github.com/ALEYI17/gpusched/internal/perfmon"
	"github.com/ALEYI17/gpusched/internal/sched"
	"github.com/ALEYI17/gpusched/internal/stats"
	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	// Version is the hardware generation, e.g. types.Gen42.
	Version       int
	JobTimeout    time.Duration
	StatsWindow   time.Duration
	PurgeInterval time.Duration
	// OverflowSize is the size of each tile-memory buffer handed to the
	// binner on an overflow interrupt.
	OverflowSize uint32

	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Clock   func() time.Time
}

const defaultOverflowSize = 256 * 1024

type queueState struct {
	sched      *sched.Scheduler
	hwFences   *fence.Context
	doneFences *fence.Context
	emitSeqno  uint64
}

type Device struct {
	opts    Options
	hw      Hardware
	bos     BufferManager
	pt      PageTable
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	perfmons *perfmon.Manager
	stats    *stats.Collector

	// schedMu orders submissions so seqnos match push order.
	schedMu sync.Mutex
	queues  [types.MaxQueues]queueState

	// jobMu guards the current-job pointers. Only a queue's worker and a
	// parked-queue reset write them.
	jobMu   sync.Mutex
	current [types.MaxQueues]job.Job

	resets    singleflight.Group
	resetting atomic.Bool
	// watchdog-launched resets
	bg sync.WaitGroup

	overflow chan struct{}
	runCtx   context.Context
	running  atomic.Bool
}

func New(hw Hardware, bos BufferManager, pt PageTable, opts Options) *Device {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Version == 0 {
		opts.Version = types.Gen42
	}
	if opts.OverflowSize == 0 {
		opts.OverflowSize = defaultOverflowSize
	}

	d := &Device{
		opts:     opts,
		hw:       hw,
		bos:      bos,
		pt:       pt,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		perfmons: perfmon.NewManager(hw, opts.Logger.Named("perfmon")),
		stats:    stats.NewCollector(opts.StatsWindow, opts.Clock, opts.Logger.Named("stats")),
		overflow: make(chan struct{}, 1),
		runCtx:   context.Background(),
	}
	for _, q := range types.Queues() {
		d.queues[q] = queueState{
			sched:      sched.New(q, d, opts.JobTimeout, opts.Logger.Named("sched")),
			hwFences:   fence.NewContext(q),
			doneFences: fence.NewContext(q),
		}
	}
	return d
}

// Run drives the queue workers, the overflow worker and the stats purge
// sweep until ctx ends.
func (d *Device) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		panic("device: Run called twice")
	}
	d.runCtx = ctx

	g, ctx := errgroup.WithContext(ctx)
	for _, q := range types.Queues() {
		s := d.queues[q].sched
		g.Go(func() error {
			s.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		d.runOverflow(ctx)
		return nil
	})
	g.Go(func() error {
		d.stats.RunPurge(ctx, d.opts.PurgeInterval)
		return nil
	})

	d.logger.Info("device running", zap.Int("version", d.opts.Version), zap.Duration("job_timeout", d.opts.JobTimeout))
	err := g.Wait()
	// only workers launch background resets, and they have all returned
	d.bg.Wait()
	return err
}

func (d *Device) HasCSD() bool {
	return d.opts.Version >= types.Gen41
}

func (d *Device) Perfmons() *perfmon.Manager {
	return d.perfmons
}

// CurrentJob returns the job running on q with a reference taken, or nil.
func (d *Device) CurrentJob(q types.Queue) job.Job {
	d.jobMu.Lock()
	defer d.jobMu.Unlock()
	j := d.current[q]
	if j == nil || !j.Common().TryGet() {
		return nil
	}
	return j
}

// EmitSeqno returns the last seqno handed out on q.
func (d *Device) EmitSeqno(q types.Queue) uint64 {
	d.schedMu.Lock()
	defer d.schedMu.Unlock()
	return d.queues[q].emitSeqno
}

func (d *Device) setCurrent(q types.Queue, j job.Job) {
	d.jobMu.Lock()
	d.current[q] = j
	d.jobMu.Unlock()
}

func (d *Device) clearCurrent(q types.Queue, j job.Job) {
	d.jobMu.Lock()
	if d.current[q] == j {
		d.current[q] = nil
	}
	d.jobMu.Unlock()
}
