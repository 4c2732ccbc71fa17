// Package workload drives a device with synthetic clients, each submitting
// bin/render frames with the occasional texture upload and compute
// dispatch.
package workload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ALEYI17/gpusched/internal/config"
	"github.com/ALEYI17/gpusched/internal/device"
	"github.com/ALEYI17/gpusched/internal/fence"
	"github.com/ALEYI17/gpusched/internal/job"
	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	basePid       = 1000
	frameBOSize   = 64 << 10
	textureEvery  = 4
	computeEvery  = 6
	waitTimeout   = 5 * time.Second
	clStart       = 0x10000
	clFrameStride = 0x40
)

// Allocator creates the buffer objects clients render into.
type Allocator interface {
	Alloc(size uint32) (*types.BufferObject, error)
	Release(bos []*types.BufferObject)
}

// Result counts frame outcomes across all clients.
type Result struct {
	Submitted uint64
	Completed uint64
	TimedOut  uint64
	Failed    uint64
	Rejected  uint64
}

type Generator struct {
	dev    *device.Device
	bos    Allocator
	cfg    config.Workload
	logger *zap.Logger
	sem    *semaphore.Weighted

	submitted atomic.Uint64
	completed atomic.Uint64
	timedOut  atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

func New(dev *device.Device, bos Allocator, cfg config.Workload, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	return &Generator{
		dev:    dev,
		bos:    bos,
		cfg:    cfg,
		logger: logger,
		sem:    semaphore.NewWeighted(cfg.MaxInFlight),
	}
}

// Run starts every client and returns once they all finished or ctx ended.
func (g *Generator) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < g.cfg.Sessions; i++ {
		pid := int32(basePid + i)
		eg.Go(func() error {
			return g.client(ctx, pid)
		})
	}
	err := eg.Wait()
	g.logger.Info("workload finished", zap.Any("result", g.Result()))
	return err
}

func (g *Generator) Result() Result {
	return Result{
		Submitted: g.submitted.Load(),
		Completed: g.completed.Load(),
		TimedOut:  g.timedOut.Load(),
		Failed:    g.failed.Load(),
		Rejected:  g.rejected.Load(),
	}
}

func (g *Generator) client(ctx context.Context, pid int32) error {
	logger := g.logger.With(zap.Int32("pid", pid))

	s := g.dev.OpenSession(pid, []byte(fmt.Sprintf("gpuclient%d", pid-basePid)))
	defer s.Close()

	bo, err := g.bos.Alloc(frameBOSize)
	if err != nil {
		return fmt.Errorf("client %d: allocate frame buffer: %w", pid, err)
	}
	defer g.bos.Release([]*types.BufferObject{bo})

	var pm uint32
	if g.cfg.PerfmonEvery > 0 {
		if pm, err = s.PerfmonCreate([]uint8{0, 1, 2, 3}); err != nil {
			return fmt.Errorf("client %d: create perfmon: %w", pid, err)
		}
		defer func() {
			if vals, err := s.PerfmonGetValues(pm); err == nil {
				logger.Debug("perfmon totals", zap.Uint64s("values", vals))
			}
		}()
	}

	var inflight sync.WaitGroup
	defer inflight.Wait()

	interval := g.cfg.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for frame := 1; g.cfg.JobsPerSession == 0 || frame <= g.cfg.JobsPerSession; frame++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		common := device.Common{BOHandles: []uint32{bo.Handle}}
		if pm != 0 && frame%g.cfg.PerfmonEvery == 0 {
			common.PerfmonID = pm
		}
		end := uint32(clStart + frame*clFrameStride)
		bin, render, err := s.SubmitCL(device.CLParams{
			Common: common,
			Bin:    job.BinArgs{Start: clStart, End: end, QMS: frameBOSize},
			Render: job.RenderArgs{Start: end, End: end + clFrameStride},
		})
		if err != nil {
			g.sem.Release(1)
			if errors.Is(err, types.ErrBusy) {
				g.rejected.Inc()
				continue
			}
			return fmt.Errorf("client %d: submit frame %d: %w", pid, frame, err)
		}
		g.submitted.Inc()

		g.extras(s, frame, render)

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer g.sem.Release(1)
			g.await(ctx, render)
			render.Put()
			if bin != nil {
				bin.Put()
			}
		}()
	}
	return nil
}

// extras queues the frame's side work behind its render job. Failures
// only cost the frame its extras.
func (g *Generator) extras(s *device.Session, frame int, render *job.Render) {
	deps := []*fence.Fence{render.DoneFence()}
	if frame%textureEvery == 0 {
		if j, err := s.SubmitTFU(device.TFUParams{Common: device.Common{Deps: deps}}); err == nil {
			j.Put()
		} else {
			g.rejected.Inc()
		}
	}
	if frame%computeEvery == 0 && g.dev.HasCSD() {
		args := job.CSDArgs{Cfg: [7]uint32{0: 1, 1: 1, 2: 1, 4: 3}}
		if j, err := s.SubmitCSD(device.CSDParams{Common: device.Common{Deps: deps}, Args: args}); err == nil {
			j.Put()
		} else {
			g.rejected.Inc()
		}
	}
}

func (g *Generator) await(ctx context.Context, j job.Job) {
	status, err := g.dev.Wait(ctx, j, waitTimeout)
	switch status {
	case device.StatusCompleted:
		g.completed.Inc()
	case device.StatusTimedOut:
		g.timedOut.Inc()
	case device.StatusFailed:
		g.failed.Inc()
		g.logger.Debug("frame failed", zap.Error(err))
	}
}
