package types

import "time"

type Queue int

const (
	QueueBin Queue = iota
	QueueRender
	QueueTFU
	QueueCSD
	QueueCacheClean

	MaxQueues = int(QueueCacheClean) + 1
)

func (q Queue) String() string {
	switch q {
	case QueueBin:
		return "bin"
	case QueueRender:
		return "render"
	case QueueTFU:
		return "tfu"
	case QueueCSD:
		return "csd"
	case QueueCacheClean:
		return "cache_clean"
	}
	return "unknown"
}

func (q Queue) Valid() bool {
	return q >= QueueBin && q <= QueueCacheClean
}

// Queues lists every hardware queue in index order.
func Queues() []Queue {
	qs := make([]Queue, 0, MaxQueues)
	for q := QueueBin; q <= QueueCacheClean; q++ {
		qs = append(qs, q)
	}
	return qs
}

const (
	MaxPerfCounters = 32
	NumPerfEvents   = 87

	// TaskCommLen is the size of the fixed process-name buffer handed in
	// by the submission layer.
	TaskCommLen = 16

	DefaultStatsWindow = 70 * time.Second
	DefaultJobTimeout  = 500 * time.Millisecond

	// Hardware generations. CSD exists from 4.1 on.
	Gen33 = 33
	Gen41 = 41
	Gen42 = 42
	Gen71 = 71
)
