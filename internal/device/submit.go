package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ALEYI17/gpusched/internal/fence"
	"github.com/ALEYI17/gpusched/internal/job"
	"github.com/ALEYI17/gpusched/pkg/types"
)

// Submission parameters shared by every job kind.
type Common struct {
	BOHandles []uint32
	// PerfmonID selects a Perfmon from the session; zero means none.
	PerfmonID uint32
	// Deps are fences the job must wait for before it may run.
	Deps []*fence.Fence
}

type BinParams struct {
	Common
	Args job.BinArgs
}

type RenderParams struct {
	Common
	Args job.RenderArgs
	// Bin is an already submitted bin job to pair with, or nil.
	Bin *job.Bin
}

// CLParams describes a bin/render pair. A bin range with Start == End
// submits the render job alone.
type CLParams struct {
	Common
	Bin    job.BinArgs
	Render job.RenderArgs
}

type TFUParams struct {
	Common
	Args job.TFUArgs
}

type CSDParams struct {
	Common
	Args job.CSDArgs
}

// SubmitBin queues a binning job. The returned job carries the caller's
// reference.
func (s *Session) SubmitBin(p BinParams) (*job.Bin, error) {
	if p.Args.Start >= p.Args.End {
		return nil, fmt.Errorf("%w: empty bin control list", types.ErrInvalidArgument)
	}
	bos, err := s.lookup(p.BOHandles)
	if err != nil {
		return nil, err
	}
	j := job.NewBin(s.owner, bos, s.d.bos, p.Args)
	if err := s.submit(j, p.Common); err != nil {
		j.Put()
		return nil, err
	}
	return j, nil
}

// SubmitRender queues a render job, optionally paired with a bin job. A
// paired render job runs only after its bin job completed.
func (s *Session) SubmitRender(p RenderParams) (*job.Render, error) {
	if p.Args.Start >= p.Args.End {
		return nil, fmt.Errorf("%w: empty render control list", types.ErrInvalidArgument)
	}
	if p.Bin != nil && p.Bin.DoneFence() == nil {
		return nil, fmt.Errorf("%w: bin job was not submitted", types.ErrInvalidArgument)
	}
	bos, err := s.lookup(p.BOHandles)
	if err != nil {
		return nil, err
	}
	j := job.NewRender(s.owner, bos, s.d.bos, p.Args, p.Bin)
	if p.Bin != nil {
		j.AddDependency(p.Bin.DoneFence())
	}
	if err := s.submit(j, p.Common); err != nil {
		j.Put()
		return nil, err
	}
	return j, nil
}

// SubmitCL queues the bin/render pair of one frame. bin is nil when the
// bin range is empty.
func (s *Session) SubmitCL(p CLParams) (*job.Bin, *job.Render, error) {
	var bin *job.Bin
	if p.Bin.Start != p.Bin.End {
		var err error
		bin, err = s.SubmitBin(BinParams{Common: p.Common, Args: p.Bin})
		if err != nil {
			return nil, nil, err
		}
	}

	// The render job inherits the bin job's dependencies through the
	// pairing, so only an unpaired render job takes them directly.
	rp := RenderParams{Common: p.Common, Args: p.Render, Bin: bin}
	if bin != nil {
		rp.Deps = nil
	}
	render, err := s.SubmitRender(rp)
	if err != nil {
		if bin != nil {
			bin.Put()
		}
		return nil, nil, err
	}
	return bin, render, nil
}

func (s *Session) SubmitTFU(p TFUParams) (*job.TFU, error) {
	bos, err := s.lookup(p.BOHandles)
	if err != nil {
		return nil, err
	}
	j := job.NewTFU(s.owner, bos, s.d.bos, p.Args)
	if err := s.submit(j, p.Common); err != nil {
		j.Put()
		return nil, err
	}
	return j, nil
}

// SubmitCSD queues a compute dispatch followed by a cache clean on the
// cache-clean queue. Hardware older than 4.1 has no dispatch unit.
func (s *Session) SubmitCSD(p CSDParams) (*job.CSD, error) {
	if !s.d.HasCSD() {
		return nil, fmt.Errorf("%w: compute dispatch needs v%d.%d or newer",
			types.ErrInvalidArgument, types.Gen41/10, types.Gen41%10)
	}
	bos, err := s.lookup(p.BOHandles)
	if err != nil {
		return nil, err
	}
	j := job.NewCSD(s.owner, bos, s.d.bos, p.Args)
	if err := s.submit(j, p.Common); err != nil {
		j.Put()
		return nil, err
	}

	clean := job.NewCacheClean(s.owner)
	clean.AddDependency(j.DoneFence())
	err = s.submit(clean, Common{})
	clean.Put()
	if err != nil {
		j.Put()
		return nil, fmt.Errorf("queue cache clean: %w", err)
	}
	return j, nil
}

func (s *Session) lookup(handles []uint32) ([]*types.BufferObject, error) {
	if len(handles) == 0 {
		return nil, nil
	}
	bos, err := s.d.bos.Lookup(handles)
	if err != nil {
		return nil, fmt.Errorf("lookup buffer objects: %w", err)
	}
	return bos, nil
}

func (s *Session) submit(j job.Job, c Common) error {
	b := j.Common()
	if c.PerfmonID != 0 {
		pm, err := s.perfmons.Find(c.PerfmonID)
		if err != nil {
			return err
		}
		b.AttachPerfmon(pm)
		pm.Put()
	}
	for _, dep := range c.Deps {
		b.AddDependency(dep)
	}
	return s.d.push(s, j)
}

// push assigns j its seqno and hands it to the scheduler. On error the
// caller keeps its reference and j is either still Created or Failed.
func (d *Device) push(s *Session, j job.Job) error {
	b := j.Common()
	q := b.Queue()

	if s.closed.Load() {
		return types.ErrCanceled
	}
	if pm := b.Perfmon(); pm != nil && !d.perfmons.Available(pm) {
		d.metrics.JobRejected(q, "perfmon_busy")
		return fmt.Errorf("%w: another perfmon is active", types.ErrBusy)
	}

	d.schedMu.Lock()
	defer d.schedMu.Unlock()
	if d.resetting.Load() {
		d.metrics.JobRejected(q, "reset")
		return fmt.Errorf("%w: reset in progress", types.ErrBusy)
	}

	qs := &d.queues[q]
	qs.emitSeqno++
	b.Arm(qs.hwFences.New(qs.emitSeqno), qs.doneFences.New(qs.emitSeqno))
	b.Get()
	if err := s.entities[q].Push(j); err != nil {
		b.Fail(err)
		b.Put()
		return err
	}
	d.metrics.JobSubmitted(q)
	return nil
}

type Status int

const (
	StatusCompleted Status = iota
	StatusTimedOut
	StatusStillRunning
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusTimedOut:
		return "timed_out"
	case StatusStillRunning:
		return "still_running"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Wait blocks until j's done fence signals, ctx ends or timeout elapses.
// A zero timeout waits on ctx alone.
func (d *Device) Wait(ctx context.Context, j job.Job, timeout time.Duration) (Status, error) {
	done := j.Common().DoneFence()
	if done == nil {
		return StatusFailed, fmt.Errorf("%w: %s job was never submitted", types.ErrInvalidArgument, j.Kind())
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := done.Wait(ctx)
	switch {
	case err == nil:
		return StatusCompleted, nil
	case errors.Is(err, types.ErrTimeout):
		return StatusStillRunning, err
	case errors.Is(err, types.ErrDependency):
		return StatusFailed, err
	case errors.Is(err, types.ErrHardwareTimeout):
		return StatusTimedOut, err
	default:
		return StatusFailed, err
	}
}
