package device

import (
	"github.com/ALEYI17/gpusched/internal/job"
	"github.com/ALEYI17/gpusched/internal/perfmon"
	"github.com/ALEYI17/gpusched/internal/sched"
	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Session is one client of the device. It owns a scheduling entity per
// queue and its own Perfmon id space.
type Session struct {
	d        *Device
	owner    job.Owner
	entities [types.MaxQueues]*sched.Entity
	perfmons *perfmon.Registry
	closed   atomic.Bool
}

// OpenSession registers a client. comm is the process name as the kernel
// reports it, NUL padded to types.TaskCommLen.
func (d *Device) OpenSession(pid int32, comm []byte) *Session {
	if len(comm) > types.TaskCommLen {
		comm = comm[:types.TaskCommLen]
	}
	s := &Session{
		d:        d,
		owner:    job.Owner{Pid: pid, Comm: unix.ByteSliceToString(comm)},
		perfmons: d.perfmons.NewRegistry(),
	}
	for _, q := range types.Queues() {
		s.entities[q] = d.queues[q].sched.NewEntity()
	}
	d.logger.Debug("session opened", zap.Int32("pid", pid), zap.String("comm", s.owner.Comm))
	return s
}

func (s *Session) Owner() job.Owner { return s.owner }

// Close cancels every job the session still has queued and destroys its
// Perfmons. Jobs already on the hardware run to completion.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	pending := 0
	for _, e := range s.entities {
		pending += e.Len()
		e.Close()
	}
	s.perfmons.Close()
	s.d.logger.Debug("session closed",
		zap.Int32("pid", s.owner.Pid),
		zap.Int("canceled_jobs", pending),
	)
}

func (s *Session) PerfmonCreate(events []uint8) (uint32, error) {
	return s.perfmons.Create(events)
}

func (s *Session) PerfmonDestroy(id uint32) error {
	return s.perfmons.Destroy(id)
}

func (s *Session) PerfmonGetValues(id uint32) ([]uint64, error) {
	return s.perfmons.Values(id)
}
