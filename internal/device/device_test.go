package device

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ALEYI17/gpusched/internal/fence"
	"github.com/ALEYI17/gpusched/internal/job"
	"github.com/ALEYI17/gpusched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var renderArgs = job.RenderArgs{Start: 0x1000, End: 0x2000}

func TestOrderedCompletion(t *testing.T) {
	td := newTestDevice(t, Options{})
	_, err := td.ReadUsage(types.QueueRender)
	require.NoError(t, err)

	s1 := td.OpenSession(100, []byte("glxgears\x00\x00\x00\x00\x00\x00\x00\x00"))
	s2 := td.OpenSession(200, []byte("kmscube"))

	j1, err := s1.SubmitRender(RenderParams{Args: renderArgs})
	require.NoError(t, err)
	defer j1.Put()
	j2, err := s2.SubmitRender(RenderParams{Args: renderArgs})
	require.NoError(t, err)
	defer j2.Put()

	assert.Equal(t, uint64(1), j1.HWFence().Seqno())
	assert.Equal(t, uint64(2), j2.HWFence().Seqno())
	assert.True(t, j1.DoneFence().Before(j2.DoneFence()))

	assert.Same(t, j1, td.nextSubmit(t))
	td.noSubmit(t)

	td.OnHardwareComplete(types.QueueRender, 1)
	status, err := td.wait(t, j1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)

	assert.Same(t, j2, td.nextSubmit(t))
	// stale and foreign notifications are ignored
	td.OnHardwareComplete(types.QueueRender, 1)
	td.OnHardwareComplete(types.QueueBin, 2)
	td.OnHardwareComplete(types.Queue(42), 2)
	assert.False(t, j2.DoneFence().Signaled())

	td.OnHardwareComplete(types.QueueRender, 2)
	td.OnHardwareComplete(types.QueueRender, 2)
	status, err = td.wait(t, j2)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, job.StateCompleted, j2.State())

	snap, err := td.ReadUsage(types.QueueRender)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.JobsSent)
	assert.Equal(t, int32(200), snap.LastPid)
	require.Len(t, snap.Pids, 2)
	assert.Equal(t, int32(100), snap.Pids[0].Pid)
	assert.Equal(t, "glxgears", snap.Pids[0].Comm)
	assert.Equal(t, "kmscube", snap.Pids[1].Comm)
}

func TestBinJobsFromOneProcess(t *testing.T) {
	td := newTestDevice(t, Options{})
	_, err := td.ReadUsage(types.QueueBin)
	require.NoError(t, err)
	s := td.OpenSession(4242, []byte("weston"))

	jobs := make([]*job.Bin, 3)
	for i := range jobs {
		jobs[i], err = s.SubmitBin(BinParams{Args: job.BinArgs{Start: uint32(0x1000 * (i + 1)), End: uint32(0x1000*(i+1) + 0x80)}})
		require.NoError(t, err)
		defer jobs[i].Put()
	}
	for i, j := range jobs {
		assert.Same(t, j, td.nextSubmit(t))
		td.complete(j)
		status, err := td.wait(t, j)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, status)
		for _, later := range jobs[i+1:] {
			assert.False(t, later.DoneFence().Signaled())
		}
	}

	snap, err := td.ReadUsage(types.QueueBin)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.JobsSent)
	assert.Equal(t, int32(4242), snap.LastPid)
	require.Len(t, snap.Pids, 1)
	assert.Equal(t, uint64(3), snap.Pids[0].JobsSent)
}

func TestSeqnosFollowSubmissionOrder(t *testing.T) {
	td := newTestDevice(t, Options{})

	const workers, perWorker = 8, 10
	var (
		mu     sync.Mutex
		fences []*fence.Fence
		wg     sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		s := td.OpenSession(int32(w+1), nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				j, err := s.SubmitTFU(TFUParams{})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				fences = append(fences, j.DoneFence())
				mu.Unlock()
				j.Put()
			}
		}()
	}
	wg.Wait()

	require.Len(t, fences, workers*perWorker)
	sort.Slice(fences, func(i, j int) bool { return fences[i].Before(fences[j]) })
	for i, f := range fences {
		assert.Equal(t, uint64(i+1), f.Seqno())
	}
	assert.Equal(t, uint64(workers*perWorker), td.EmitSeqno(types.QueueTFU))
	assert.Zero(t, td.EmitSeqno(types.QueueBin))
}

func TestPerfmonBusy(t *testing.T) {
	td := newTestDevice(t, Options{})
	s := td.OpenSession(1, nil)

	p, err := s.PerfmonCreate([]uint8{1, 2})
	require.NoError(t, err)
	q, err := s.PerfmonCreate([]uint8{3})
	require.NoError(t, err)

	j, err := s.SubmitTFU(TFUParams{Common: Common{PerfmonID: p}})
	require.NoError(t, err)
	defer j.Put()
	running := td.nextSubmit(t)
	assert.Equal(t, []uint8{1, 2}, td.hw.activeCounters())

	_, err = s.SubmitTFU(TFUParams{Common: Common{PerfmonID: q}})
	assert.ErrorIs(t, err, types.ErrBusy)

	td.complete(running)
	status, err := td.wait(t, j)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Nil(t, td.Perfmons().Active())

	vals, err := s.PerfmonGetValues(p)
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 10}, vals)

	k, err := s.SubmitTFU(TFUParams{Common: Common{PerfmonID: q}})
	require.NoError(t, err)
	defer k.Put()
	td.complete(td.nextSubmit(t))
	_, err = td.wait(t, k)
	require.NoError(t, err)
	vals, err = s.PerfmonGetValues(q)
	require.NoError(t, err)
	assert.Equal(t, []uint64{10}, vals)

	_, err = s.PerfmonGetValues(999)
	assert.ErrorIs(t, err, types.ErrNotFound)
	require.NoError(t, s.PerfmonDestroy(p))
	assert.ErrorIs(t, s.PerfmonDestroy(p), types.ErrNotFound)
	_, err = s.PerfmonCreate(nil)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestResetRecoversHungJob(t *testing.T) {
	td := newTestDevice(t, Options{})
	s := td.OpenSession(1, nil)
	pm, err := s.PerfmonCreate([]uint8{5})
	require.NoError(t, err)

	hung, err := s.SubmitBin(BinParams{Common: Common{PerfmonID: pm}, Args: job.BinArgs{Start: 0x1000, End: 0x2000}})
	require.NoError(t, err)
	defer hung.Put()
	queued, err := s.SubmitBin(BinParams{Args: job.BinArgs{Start: 0x3000, End: 0x4000}})
	require.NoError(t, err)
	defer queued.Put()
	assert.Same(t, hung, td.nextSubmit(t))

	gate := make(chan struct{})
	td.hw.setResetGate(gate)
	first := make(chan error, 1)
	go func() { first <- td.Reset(context.Background()) }()
	require.Eventually(t, func() bool { return td.hw.resets.Load() == 1 }, time.Second, time.Millisecond)

	_, err = s.SubmitTFU(TFUParams{})
	assert.ErrorIs(t, err, types.ErrBusy)

	second := make(chan error, 1)
	go func() { second <- td.Reset(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(gate)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, int32(1), td.hw.resets.Load())
	assert.Equal(t, int32(1), td.pt.restores.Load())
	assert.Equal(t, int32(1), td.hw.invalidates.Load())

	status, err := td.wait(t, hung)
	assert.ErrorIs(t, err, types.ErrHardwareTimeout)
	assert.Equal(t, StatusTimedOut, status)
	assert.Equal(t, job.StateTimedOut, hung.State())
	diag := hung.Diagnostics()
	assert.True(t, diag.Captured)
	assert.Equal(t, uint32(0x100), diag.CA)
	assert.Equal(t, uint32(0x200), diag.RA)

	assert.Nil(t, td.Perfmons().Active())
	assert.Nil(t, td.hw.activeCounters())
	vals, err := s.PerfmonGetValues(pm)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, vals)

	// dispatch resumes with the job that was still queued
	assert.Same(t, queued, td.nextSubmit(t))
	cur := td.CurrentJob(types.QueueBin)
	require.NotNil(t, cur)
	assert.Same(t, queued, cur)
	cur.Common().Put()

	td.complete(queued)
	status, err = td.wait(t, queued)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Nil(t, td.CurrentJob(types.QueueBin))
}

func TestWatchdogResetsHungJob(t *testing.T) {
	td := newTestDevice(t, Options{JobTimeout: 20 * time.Millisecond})
	s := td.OpenSession(1, nil)

	j, err := s.SubmitRender(RenderParams{Args: renderArgs})
	require.NoError(t, err)
	defer j.Put()
	td.nextSubmit(t)

	status, err := td.wait(t, j)
	assert.ErrorIs(t, err, types.ErrHardwareTimeout)
	assert.Equal(t, StatusTimedOut, status)
	require.Eventually(t, func() bool { return td.pt.restores.Load() == 1 }, time.Second, time.Millisecond)
}

func TestWatchdogSparesProgressingJob(t *testing.T) {
	td := newTestDevice(t, Options{JobTimeout: 10 * time.Millisecond})
	td.hw.setMoving(true)
	s := td.OpenSession(1, nil)

	j, err := s.SubmitRender(RenderParams{Args: renderArgs})
	require.NoError(t, err)
	defer j.Put()
	running := td.nextSubmit(t)

	time.Sleep(60 * time.Millisecond)
	assert.False(t, j.DoneFence().Signaled())

	td.complete(running)
	status, err := td.wait(t, j)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Zero(t, td.hw.resets.Load())
}

func TestWaitStillRunning(t *testing.T) {
	td := newTestDevice(t, Options{})
	s := td.OpenSession(1, nil)

	j, err := s.SubmitTFU(TFUParams{})
	require.NoError(t, err)
	defer j.Put()

	status, err := td.Wait(context.Background(), j, 10*time.Millisecond)
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.Equal(t, StatusStillRunning, status)

	unsubmitted := job.NewTFU(s.Owner(), nil, nil, job.TFUArgs{})
	_, err = td.Wait(context.Background(), unsubmitted, 0)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	unsubmitted.Put()
}

func TestSubmitValidation(t *testing.T) {
	td := newTestDevice(t, Options{Version: types.Gen33})
	s := td.OpenSession(1, nil)

	_, err := s.SubmitBin(BinParams{Args: job.BinArgs{Start: 0x10, End: 0x10}})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = s.SubmitRender(RenderParams{})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = s.SubmitTFU(TFUParams{Common: Common{BOHandles: []uint32{42}}})
	assert.ErrorIs(t, err, types.ErrInvalidHandle)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = s.SubmitTFU(TFUParams{Common: Common{PerfmonID: 7}})
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s.SubmitCSD(CSDParams{})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	bin := job.NewBin(s.Owner(), nil, nil, job.BinArgs{Start: 1, End: 2})
	_, err = s.SubmitRender(RenderParams{Args: renderArgs, Bin: bin})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	bin.Put()

	_, err = td.ReadUsage(types.Queue(-1))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	for _, q := range types.Queues() {
		assert.Zero(t, td.EmitSeqno(q))
	}
}

func TestBuffersReleasedOnFree(t *testing.T) {
	td := newTestDevice(t, Options{})
	s := td.OpenSession(1, nil)
	bo, err := td.bos.Alloc(4096)
	require.NoError(t, err)

	j, err := s.SubmitTFU(TFUParams{Common: Common{BOHandles: []uint32{bo.Handle}}})
	require.NoError(t, err)
	td.complete(td.nextSubmit(t))
	_, err = td.wait(t, j)
	require.NoError(t, err)
	assert.Zero(t, td.bos.releasedCount(bo.Handle))

	j.Put()
	require.Eventually(t, func() bool { return td.bos.releasedCount(bo.Handle) == 1 }, time.Second, time.Millisecond)
}

func TestComputeDispatchCleansCaches(t *testing.T) {
	td := newTestDevice(t, Options{Version: types.Gen42})
	s := td.OpenSession(1, nil)

	csd, err := s.SubmitCSD(CSDParams{Args: job.CSDArgs{Cfg: [7]uint32{4: 3}}})
	require.NoError(t, err)
	defer csd.Put()
	assert.Equal(t, uint64(1), td.EmitSeqno(types.QueueCacheClean))

	running := td.nextSubmit(t)
	assert.Same(t, csd, running)
	td.noSubmit(t)
	assert.Zero(t, td.hw.cleans.Load())

	td.complete(running)
	_, err = td.wait(t, csd)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return td.hw.cleans.Load() == 1 }, time.Second, time.Millisecond)
}

func TestCrossQueueDependency(t *testing.T) {
	td := newTestDevice(t, Options{})
	s := td.OpenSession(1, nil)

	render, err := s.SubmitRender(RenderParams{Args: renderArgs})
	require.NoError(t, err)
	defer render.Put()
	tfu, err := s.SubmitTFU(TFUParams{Common: Common{Deps: []*fence.Fence{render.DoneFence()}}})
	require.NoError(t, err)
	defer tfu.Put()

	assert.Same(t, render, td.nextSubmit(t))
	td.noSubmit(t)
	td.complete(render)
	assert.Same(t, tfu, td.nextSubmit(t))
}

func TestPairedBinRender(t *testing.T) {
	td := newTestDevice(t, Options{})
	s := td.OpenSession(1, nil)

	bin, render, err := s.SubmitCL(CLParams{
		Bin:    job.BinArgs{Start: 0x100, End: 0x200},
		Render: renderArgs,
	})
	require.NoError(t, err)
	require.NotNil(t, bin)
	assert.Same(t, bin, render.Bin())

	assert.Same(t, bin, td.nextSubmit(t))
	td.noSubmit(t)

	td.OnOverflowMem()
	require.Eventually(t, func() bool { return len(render.Overflow()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, td.hw.overflows())
	overflow := render.Overflow()[0]

	td.complete(bin)
	assert.Same(t, render, td.nextSubmit(t))
	td.complete(render)
	_, err = td.wait(t, render)
	require.NoError(t, err)

	bin.Put()
	render.Put()
	require.Eventually(t, func() bool { return td.bos.releasedCount(overflow.Handle) == 1 }, time.Second, time.Millisecond)
}

func TestRenderOnlyCL(t *testing.T) {
	td := newTestDevice(t, Options{})
	s := td.OpenSession(1, nil)

	bin, render, err := s.SubmitCL(CLParams{Render: renderArgs})
	require.NoError(t, err)
	defer render.Put()
	assert.Nil(t, bin)
	assert.Nil(t, render.Bin())
	assert.Same(t, render, td.nextSubmit(t))
}

func TestOverflowWithoutBinJob(t *testing.T) {
	td := newTestDevice(t, Options{})

	td.OnOverflowMem()
	require.Eventually(t, func() bool { return td.bos.releasedCount(1) == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, td.hw.overflows())
}

func TestSessionCloseCancelsQueuedJobs(t *testing.T) {
	td := newTestDevice(t, Options{})
	s := td.OpenSession(1, nil)

	running, err := s.SubmitTFU(TFUParams{})
	require.NoError(t, err)
	defer running.Put()
	queued, err := s.SubmitTFU(TFUParams{})
	require.NoError(t, err)
	defer queued.Put()
	td.nextSubmit(t)

	s.Close()
	status, err := td.wait(t, queued)
	assert.ErrorIs(t, err, types.ErrCanceled)
	assert.Equal(t, StatusFailed, status)

	_, err = s.SubmitTFU(TFUParams{})
	assert.ErrorIs(t, err, types.ErrCanceled)

	td.complete(running)
	status, err = td.wait(t, running)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
}

func TestShutdownCancelsInFlightJobs(t *testing.T) {
	td, stop := startTestDevice(t, Options{})
	t.Cleanup(stop)
	s := td.OpenSession(1, nil)
	bo, err := td.bos.Alloc(4096)
	require.NoError(t, err)

	running, err := s.SubmitTFU(TFUParams{Common: Common{BOHandles: []uint32{bo.Handle}}})
	require.NoError(t, err)
	queued, err := s.SubmitTFU(TFUParams{})
	require.NoError(t, err)
	render, err := s.SubmitRender(RenderParams{Args: renderArgs})
	require.NoError(t, err)
	td.nextSubmit(t)
	td.nextSubmit(t)

	stop()

	for _, j := range []job.Job{running, queued, render} {
		status, err := td.wait(t, j)
		assert.ErrorIs(t, err, types.ErrCanceled, j.Kind())
		assert.Equal(t, StatusFailed, status, j.Kind())
		assert.Equal(t, job.StateFailed, j.Common().State(), j.Kind())
	}

	// a late interrupt for the abandoned job is ignored
	td.complete(running)
	assert.ErrorIs(t, running.DoneFence().Err(), types.ErrCanceled)

	_, err = s.SubmitTFU(TFUParams{})
	assert.ErrorIs(t, err, types.ErrCanceled)

	running.Put()
	assert.Equal(t, 1, td.bos.releasedCount(bo.Handle))
	queued.Put()
	render.Put()
}

func TestPurgeUsesDeviceClock(t *testing.T) {
	now := time.Unix(1000, 0)
	td := newTestDevice(t, Options{
		Clock:         func() time.Time { return now },
		StatsWindow:   time.Second,
		PurgeInterval: 5 * time.Millisecond,
	})
	_, err := td.ReadUsage(types.QueueTFU)
	require.NoError(t, err)

	s := td.OpenSession(7, []byte("vkcube"))
	j, err := s.SubmitTFU(TFUParams{})
	require.NoError(t, err)
	defer j.Put()
	td.complete(td.nextSubmit(t))
	_, err = td.wait(t, j)
	require.NoError(t, err)

	// the device clock never moves, so the pid is never idle
	time.Sleep(50 * time.Millisecond)
	require.Len(t, td.stats.Peek(types.QueueTFU).Pids, 1)
	assert.Equal(t, int32(7), td.stats.Peek(types.QueueTFU).Pids[0].Pid)
}
