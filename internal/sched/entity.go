package sched

import (
	"github.com/ALEYI17/gpusched/internal/job"
	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/atomic"
)

var nextEntityID atomic.Uint64

// Entity is one session's FIFO on a queue.
type Entity struct {
	s      *Scheduler
	id     uint64
	jobs   []job.Job
	closed bool
}

// NewEntity registers a new entity with the scheduler.
func (s *Scheduler) NewEntity() *Entity {
	e := &Entity{s: s, id: nextEntityID.Inc()}
	s.mu.Lock()
	s.entities = append(s.entities, e)
	s.mu.Unlock()
	return e
}

func (e *Entity) ID() uint64 { return e.id }

func (e *Entity) pop() job.Job {
	j := e.jobs[0]
	e.jobs[0] = nil
	e.jobs = e.jobs[1:]
	return j
}

// Push queues an armed job. The scheduler takes over the caller's
// reference.
func (e *Entity) Push(j job.Job) error {
	s := e.s
	s.mu.Lock()
	if e.closed || s.stopped {
		s.mu.Unlock()
		return types.ErrCanceled
	}
	e.jobs = append(e.jobs, j)
	s.mu.Unlock()
	s.wake()
	return nil
}

func (e *Entity) Len() int {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return len(e.jobs)
}

// Close unregisters the entity. Jobs still queued fail with ErrCanceled;
// a job already on the hardware is unaffected.
func (e *Entity) Close() {
	s := e.s
	s.mu.Lock()
	if e.closed {
		s.mu.Unlock()
		return
	}
	e.closed = true
	pending := e.jobs
	e.jobs = nil
	for i, other := range s.entities {
		if other == e {
			s.entities = append(s.entities[:i], s.entities[i+1:]...)
			if s.rr > i {
				s.rr--
			}
			break
		}
	}
	for _, j := range pending {
		s.disarm(j.Common())
	}
	s.mu.Unlock()

	for _, j := range pending {
		s.fail(j, types.ErrCanceled)
	}
}
