package metrics

import (
	"strconv"

	"github.com/ALEYI17/gpusched/internal/stats"
	"github.com/ALEYI17/gpusched/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// UsageReader is the device's usage query.
type UsageReader interface {
	ReadUsage(q types.Queue) (stats.Snapshot, error)
}

// UsageCollector turns usage snapshots into gauges at scrape time. Each
// scrape also keeps the device's collection window open, so a scraped
// device accounts continuously.
type UsageCollector struct {
	reader UsageReader

	queueRuntime *prometheus.Desc
	queueJobs    *prometheus.Desc
	pidRuntime   *prometheus.Desc
	pidJobs      *prometheus.Desc
}

func NewUsageCollector(reader UsageReader) *UsageCollector {
	return &UsageCollector{
		reader: reader,
		queueRuntime: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "runtime_seconds"),
			"GPU time accounted to the queue while collection was enabled.",
			[]string{"queue"}, nil,
		),
		queueJobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "jobs"),
			"Jobs dispatched on the queue while collection was enabled.",
			[]string{"queue"}, nil,
		),
		pidRuntime: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "runtime_seconds"),
			"GPU time accounted to a process on the queue.",
			[]string{"queue", "pid", "comm"}, nil,
		),
		pidJobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "jobs"),
			"Jobs a process dispatched on the queue.",
			[]string{"queue", "pid", "comm"}, nil,
		),
	}
}

func (c *UsageCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.queueRuntime
	descs <- c.queueJobs
	descs <- c.pidRuntime
	descs <- c.pidJobs
}

func (c *UsageCollector) Collect(ch chan<- prometheus.Metric) {
	for _, q := range types.Queues() {
		snap, err := c.reader.ReadUsage(q)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(c.queueRuntime, err)
			continue
		}
		name := q.String()
		ch <- prometheus.MustNewConstMetric(c.queueRuntime, prometheus.GaugeValue, snap.Runtime.Seconds(), name)
		ch <- prometheus.MustNewConstMetric(c.queueJobs, prometheus.GaugeValue, float64(snap.JobsSent), name)
		for _, p := range snap.Pids {
			pid := strconv.Itoa(int(p.Pid))
			ch <- prometheus.MustNewConstMetric(c.pidRuntime, prometheus.GaugeValue, p.Runtime.Seconds(), name, pid, p.Comm)
			ch <- prometheus.MustNewConstMetric(c.pidJobs, prometheus.GaugeValue, float64(p.JobsSent), name, pid, p.Comm)
		}
	}
}
