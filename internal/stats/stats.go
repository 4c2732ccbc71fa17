// Package stats accounts GPU time per queue and per submitting process.
//
// Accounting is lazy: nothing is recorded for a queue unless ReadUsage was
// called on it within the collection window. Per-process records that see
// no work for a window are purged.
package stats

import (
	"sync"
	"time"

	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/zap"
)

type PidStats struct {
	Pid      int32
	Comm     string
	Runtime  time.Duration
	JobsSent uint64
	PurgeAt  time.Time
}

// Snapshot is a copy of one queue's counters.
type Snapshot struct {
	Queue         types.Queue
	LastExecStart time.Time
	LastExecEnd   time.Time
	Runtime       time.Duration
	JobsSent      uint64
	LastPid       int32
	CollectUntil  time.Time
	Pids          []PidStats
}

// QueueStats is guarded by a single lock; per-pid records share it.
type QueueStats struct {
	mu sync.Mutex

	lastExecStart time.Time
	lastExecEnd   time.Time
	runtime       time.Duration
	jobsSent      uint64
	lastPid       int32

	collectUntil time.Time
	pids         []*PidStats
}

func (s *QueueStats) collecting(now time.Time) bool {
	return now.Before(s.collectUntil)
}

func (s *QueueStats) pid(pid int32) *PidStats {
	for _, p := range s.pids {
		if p.Pid == pid {
			return p
		}
	}
	p := &PidStats{Pid: pid}
	s.pids = append(s.pids, p)
	return p
}

func (s *QueueStats) purge(now time.Time) int {
	kept := s.pids[:0]
	removed := 0
	for _, p := range s.pids {
		if now.Before(p.PurgeAt) {
			kept = append(kept, p)
			continue
		}
		removed++
	}
	for i := len(kept); i < len(s.pids); i++ {
		s.pids[i] = nil
	}
	s.pids = kept
	return removed
}

func (s *QueueStats) snapshot(q types.Queue) Snapshot {
	snap := Snapshot{
		Queue:         q,
		LastExecStart: s.lastExecStart,
		LastExecEnd:   s.lastExecEnd,
		Runtime:       s.runtime,
		JobsSent:      s.jobsSent,
		LastPid:       s.lastPid,
		CollectUntil:  s.collectUntil,
		Pids:          make([]PidStats, 0, len(s.pids)),
	}
	for _, p := range s.pids {
		snap.Pids = append(snap.Pids, *p)
	}
	return snap
}

type Collector struct {
	window time.Duration
	queues [types.MaxQueues]QueueStats
	clock  func() time.Time
	logger *zap.Logger
}

// NewCollector creates a collector whose collection gate and purge grace
// period are both window long. clock drives the periodic purge and must be
// the clock callers pass as now; nil means time.Now.
func NewCollector(window time.Duration, clock func() time.Time, logger *zap.Logger) *Collector {
	if window <= 0 {
		window = types.DefaultStatsWindow
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{window: window, clock: clock, logger: logger}
}

func (c *Collector) Window() time.Duration { return c.window }

func (c *Collector) queue(q types.Queue) *QueueStats {
	if !q.Valid() {
		panic("stats: invalid queue " + q.String())
	}
	return &c.queues[q]
}

// OnJobDispatch records a job starting on q.
func (c *Collector) OnJobDispatch(q types.Queue, pid int32, comm string, now time.Time) {
	s := c.queue(q)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.collecting(now) {
		return
	}

	s.lastExecStart = now
	s.lastPid = pid
	s.jobsSent++

	p := s.pid(pid)
	if comm != "" {
		p.Comm = comm
	}
	p.JobsSent++
	p.PurgeAt = now.Add(c.window)
}

// OnJobComplete charges d of GPU time on q to pid.
func (c *Collector) OnJobComplete(q types.Queue, pid int32, d time.Duration, now time.Time) {
	s := c.queue(q)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.collecting(now) {
		return
	}

	s.lastExecEnd = now
	s.runtime += d
	s.lastPid = pid

	p := s.pid(pid)
	p.Runtime += d
	p.PurgeAt = now.Add(c.window)
}

// ReadUsage returns q's counters and keeps collection armed for another
// window.
func (c *Collector) ReadUsage(q types.Queue, now time.Time) Snapshot {
	s := c.queue(q)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.collectUntil = now.Add(c.window)
	s.purge(now)
	return s.snapshot(q)
}

// Peek returns q's counters without arming collection.
func (c *Collector) Peek(q types.Queue) Snapshot {
	s := c.queue(q)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(q)
}

// Purge drops per-pid records whose deadline has passed and returns how
// many were removed.
func (c *Collector) Purge(q types.Queue, now time.Time) int {
	s := c.queue(q)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purge(now)
}

func (c *Collector) PurgeAll(now time.Time) int {
	n := 0
	for _, q := range types.Queues() {
		n += c.Purge(q, now)
	}
	return n
}
