package hardware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ALEYI17/gpusched/internal/job"
	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// LatencyModel estimates how long the hardware takes to run j.
type LatencyModel func(j job.Job) time.Duration

type SimConfig struct {
	// BaseLatency is the fixed cost of any job.
	BaseLatency time.Duration
	// BytesPerSecond scales latency with the size of the job's buffers.
	// Zero ignores buffer size.
	BytesPerSecond uint64
	// HangEvery makes every Nth submitted job hang. Zero never hangs.
	HangEvery uint64
	// OverflowEvery raises the binner overflow interrupt on every Nth bin
	// job. Zero never overflows.
	OverflowEvery uint64
	ResetLatency  time.Duration
	// MemoryLimit caps the bytes of live buffer objects. Zero is unlimited.
	MemoryLimit uint64

	Latency LatencyModel
}

type simJob struct {
	seqno uint64
	hung  bool
	// ca counts up for control lists and down for compute batches.
	ca, ra uint32
}

// SimStats counts what the simulated hardware has seen.
type SimStats struct {
	Submitted uint64
	Completed uint64
	Hung      uint64
	Overflows uint64
	Resets    uint64
	Restores  uint64
	Cleans    uint64
	LiveBOs   int
}

// Sim is an in-process stand-in for the GPU. Jobs complete on timers;
// a reset drops every in-flight job.
type Sim struct {
	cfg    SimConfig
	logger *zap.Logger

	mu      sync.Mutex
	irq     Interrupts
	gen     uint64
	running [types.MaxQueues]*simJob
	timers  map[uint64]*time.Timer
	nextID  uint64
	closed  bool

	counterEvents []uint8
	counterBase   uint64

	boMu       sync.Mutex
	bos        map[uint32]*simBO
	nextHandle uint32
	boBytes    uint64

	submitted atomic.Uint64
	completed atomic.Uint64
	hung      atomic.Uint64
	overflows atomic.Uint64
	resets    atomic.Uint64
	restores  atomic.Uint64
	cleans    atomic.Uint64
}

type simBO struct {
	bo   *types.BufferObject
	refs int
}

func NewSim(cfg SimConfig, logger *zap.Logger) *Sim {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sim{
		cfg:    cfg,
		logger: logger.Named("sim"),
		timers: make(map[uint64]*time.Timer),
		bos:    make(map[uint32]*simBO),
	}
	if s.cfg.Latency == nil {
		s.cfg.Latency = s.defaultLatency
	}
	return s
}

func (s *Sim) defaultLatency(j job.Job) time.Duration {
	d := s.cfg.BaseLatency
	if s.cfg.BytesPerSecond == 0 {
		return d
	}
	var bytes uint64
	for _, bo := range j.Common().BOs() {
		bytes += uint64(bo.Size)
	}
	return d + time.Duration(bytes*uint64(time.Second)/s.cfg.BytesPerSecond)
}

func (s *Sim) Attach(irq Interrupts) {
	s.mu.Lock()
	s.irq = irq
	s.mu.Unlock()
}

func (s *Sim) Submit(j job.Job) {
	b := j.Common()
	q := b.Queue()
	n := s.submitted.Inc()

	sj := &simJob{seqno: b.HWFence().Seqno(), hung: s.cfg.HangEvery > 0 && n%s.cfg.HangEvery == 0}
	switch v := j.(type) {
	case *job.Bin:
		sj.ca, sj.ra = v.Args.Start, v.Args.End
	case *job.Render:
		sj.ca, sj.ra = v.Args.Start, v.Args.End
	case *job.CSD:
		sj.ca = v.Args.Cfg[4] + 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.running[q] = sj
	if sj.hung {
		s.hung.Inc()
		s.logger.Debug("job hangs", zap.Stringer("queue", q), zap.Uint64("seqno", sj.seqno))
		return
	}

	gen := s.gen
	overflow := q == types.QueueBin && s.cfg.OverflowEvery > 0 && n%s.cfg.OverflowEvery == 0
	s.nextID++
	id := s.nextID
	s.timers[id] = time.AfterFunc(s.cfg.Latency(j), func() {
		s.complete(id, q, sj.seqno, gen, overflow)
	})
}

func (s *Sim) complete(id uint64, q types.Queue, seqno, gen uint64, overflow bool) {
	s.mu.Lock()
	delete(s.timers, id)
	cur := s.running[q]
	if s.closed || gen != s.gen || cur == nil || cur.seqno != seqno {
		s.mu.Unlock()
		return
	}
	s.running[q] = nil
	irq := s.irq
	s.mu.Unlock()

	s.completed.Inc()
	if irq == nil {
		return
	}
	if overflow {
		s.overflows.Inc()
		irq.OnOverflowMem()
	}
	irq.OnHardwareComplete(q, seqno)
}

// Progress advances a running job by one step unless it hangs.
func (s *Sim) Progress(q types.Queue) (ca, ra uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sj := s.running[q]
	if sj == nil {
		return 0, 0
	}
	if !sj.hung {
		if q == types.QueueCSD {
			if sj.ca > 0 {
				sj.ca--
			}
		} else {
			sj.ca += 0x40
		}
	}
	return sj.ca, sj.ra
}

func (s *Sim) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.gen++
	s.running = [types.MaxQueues]*simJob{}
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[uint64]*time.Timer)
	s.counterEvents = nil
	s.mu.Unlock()
	s.resets.Inc()

	if s.cfg.ResetLatency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("reset: %w", ctx.Err())
	case <-time.After(s.cfg.ResetLatency):
		return nil
	}
}

func (s *Sim) CleanCaches()      { s.cleans.Inc() }
func (s *Sim) InvalidateCaches() {}

func (s *Sim) SupplyOverflow(bo *types.BufferObject) {
	s.logger.Debug("overflow memory supplied", zap.Uint32("handle", bo.Handle), zap.Uint32("size", bo.Size))
}

func (s *Sim) Restore() error {
	s.restores.Inc()
	return nil
}

// StartCounters begins counting events. Each counter advances by its
// event number plus one per job completed while it runs.
func (s *Sim) StartCounters(events []uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counterEvents != nil {
		return fmt.Errorf("%w: counters already running", types.ErrBusy)
	}
	s.counterEvents = append([]uint8(nil), events...)
	s.counterBase = s.completed.Load()
	return nil
}

func (s *Sim) ReadCounters(dst []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.completed.Load() - s.counterBase
	for i := range dst {
		if i < len(s.counterEvents) {
			dst[i] = jobs * (uint64(s.counterEvents[i]) + 1)
		}
	}
}

func (s *Sim) StopCounters() {
	s.mu.Lock()
	s.counterEvents = nil
	s.mu.Unlock()
}

func (s *Sim) Stats() SimStats {
	s.boMu.Lock()
	live := len(s.bos)
	s.boMu.Unlock()
	return SimStats{
		Submitted: s.submitted.Load(),
		Completed: s.completed.Load(),
		Hung:      s.hung.Load(),
		Overflows: s.overflows.Load(),
		Resets:    s.resets.Load(),
		Restores:  s.restores.Load(),
		Cleans:    s.cleans.Load(),
		LiveBOs:   live,
	}
}

// Close stops every pending completion and reports buffer objects that
// were never released.
func (s *Sim) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.mu.Unlock()

	s.boMu.Lock()
	defer s.boMu.Unlock()
	var err error
	for h, b := range s.bos {
		err = multierr.Append(err, fmt.Errorf("buffer object %d leaked with %d references", h, b.refs))
	}
	return err
}
