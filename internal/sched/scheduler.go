// Package sched runs one worker per hardware queue. Each worker keeps at
// most one job on the hardware, picks the next job round-robin across the
// submitting sessions' entities, and watches the running job with a
// timeout.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/ALEYI17/gpusched/internal/fence"
	"github.com/ALEYI17/gpusched/internal/job"
	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Backend is the device side of the scheduler.
type Backend interface {
	// RunJob hands j to the hardware. On error j was not started and the
	// scheduler fails it.
	RunJob(j job.Job) error
	// FinishJob completes j after its hardware fence signaled.
	FinishJob(j job.Job)
	// TimedOut is called when j overran its timeout. Returning true keeps
	// the job running for another period.
	TimedOut(j job.Job) bool
	// AbandonJob ends j, still on the hardware, when the worker stops.
	AbandonJob(j job.Job)
}

type Scheduler struct {
	queue   types.Queue
	backend Backend
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	entities []*Entity
	rr       int
	paused   bool
	stopped  bool
	// dependency fences that already have a wake-up callback
	armed map[*fence.Fence]struct{}

	kick    chan struct{}
	parkCh  chan chan job.Job
	started atomic.Bool
	exited  chan struct{}
}

// New creates the scheduler for q. A zero timeout disables the watchdog.
func New(q types.Queue, backend Backend, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		queue:   q,
		backend: backend,
		timeout: timeout,
		logger:  logger.With(zap.Stringer("queue", q)),
		armed:   make(map[*fence.Fence]struct{}),
		kick:    make(chan struct{}, 1),
		parkCh:  make(chan chan job.Job),
		exited:  make(chan struct{}),
	}
}

func (s *Scheduler) Queue() types.Queue { return s.queue }

func (s *Scheduler) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Pending counts queued jobs across all entities.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entities {
		n += len(e.jobs)
	}
	return n
}

func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// next pops the job to dispatch. Entities are visited round-robin starting
// after the last one served; an entity whose head still waits on a
// dependency is skipped.
func (s *Scheduler) next() job.Job {
	var (
		picked job.Job
		failed []failedJob
		arm    []*fence.Fence
	)

	s.mu.Lock()
	if !s.paused {
		n := len(s.entities)
		for i := 0; i < n && picked == nil; i++ {
			idx := (s.rr + i) % n
			e := s.entities[idx]
			for len(e.jobs) > 0 {
				head := e.jobs[0]
				b := head.Common()
				if err := b.DependencyError(); err != nil {
					e.pop()
					s.disarm(b)
					failed = append(failed, failedJob{head, err})
					continue
				}
				if dep := b.PendingDependency(); dep != nil {
					if _, ok := s.armed[dep]; !ok {
						s.armed[dep] = struct{}{}
						arm = append(arm, dep)
					}
					break
				}
				picked = e.pop()
				s.disarm(b)
				s.rr = idx + 1
				break
			}
		}
	}
	s.mu.Unlock()

	for _, f := range arm {
		f.OnSignal(s.wake)
	}
	for _, f := range failed {
		s.logger.Debug("dropping job with failed dependency", zap.Error(f.err))
		s.fail(f.job, f.err)
	}
	return picked
}

func (s *Scheduler) disarm(b *job.Base) {
	for _, d := range b.Dependencies() {
		delete(s.armed, d)
	}
}

type failedJob struct {
	job job.Job
	err error
}

// fail ends a job that never ran and drops the scheduler's reference.
func (s *Scheduler) fail(j job.Job, err error) {
	j.Common().Fail(err)
	j.Common().Put()
}

// Run is the queue worker. It returns when ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.started.Store(true)
	defer close(s.exited)

	var (
		cur    job.Job
		hwDone <-chan struct{}
		timer  *time.Timer
		timerC <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC = nil, nil
	}

	for {
		if cur == nil {
			if j := s.next(); j != nil {
				if err := s.backend.RunJob(j); err != nil {
					s.logger.Debug("job not started", zap.String("kind", j.Kind()), zap.Error(err))
					s.fail(j, err)
					continue
				}
				cur = j
				hwDone = j.Common().HWFence().Done()
				if s.timeout > 0 {
					timer = time.NewTimer(s.timeout)
					timerC = timer.C
				}
			}
		}

		select {
		case <-ctx.Done():
			stopTimer()
			if cur != nil {
				s.backend.AbandonJob(cur)
				cur.Common().Put()
			}
			s.drain()
			return
		case <-s.kick:
		case reply := <-s.parkCh:
			stopTimer()
			reply <- cur
			cur, hwDone = nil, nil
		case <-hwDone:
			stopTimer()
			s.backend.FinishJob(cur)
			cur.Common().Put()
			cur, hwDone = nil, nil
		case <-timerC:
			if s.backend.TimedOut(cur) {
				timer.Reset(s.timeout)
				continue
			}
			// the backend has started a reset, which will park us
			timer, timerC = nil, nil
		}
	}
}

// drain stops the scheduler for good and fails every queued job with
// ErrCanceled. Later pushes are refused.
func (s *Scheduler) drain() {
	s.mu.Lock()
	s.stopped = true
	var pending []job.Job
	for _, e := range s.entities {
		for _, j := range e.jobs {
			s.disarm(j.Common())
		}
		pending = append(pending, e.jobs...)
		e.jobs = nil
	}
	s.mu.Unlock()

	if len(pending) > 0 {
		s.logger.Debug("canceling queued jobs on shutdown", zap.Int("jobs", len(pending)))
	}
	for _, j := range pending {
		s.fail(j, types.ErrCanceled)
	}
}

// Park stops dispatching and takes the running job, if any, away from the
// worker. The caller inherits the scheduler's reference on that job. The
// worker stays parked until Resume.
func (s *Scheduler) Park() job.Job {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()

	if !s.started.Load() {
		return nil
	}
	reply := make(chan job.Job, 1)
	select {
	case s.parkCh <- reply:
		return <-reply
	case <-s.exited:
		return nil
	}
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.wake()
}
