// Package metrics exports scheduler activity to Prometheus. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/ALEYI17/gpusched/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gpusched"

type Metrics struct {
	submitted   *prometheus.CounterVec
	finished    *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	runtime     *prometheus.HistogramVec
	spuriousIRQ *prometheus.CounterVec
	resets      *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Jobs accepted by the device, per queue.",
			},
			[]string{"queue"},
		),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Jobs that left the hardware, per queue and outcome.",
			},
			[]string{"queue", "outcome"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_rejected_total",
				Help:      "Jobs refused at submission or dispatch, per queue and reason.",
			},
			[]string{"queue", "reason"},
		),
		runtime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_runtime_seconds",
				Help:      "Time jobs spent on the hardware.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"queue"},
		),
		spuriousIRQ: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spurious_interrupts_total",
				Help:      "Completion interrupts that matched no running job.",
			},
			[]string{"queue"},
		),
		resets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resets_total",
				Help:      "GPU resets, by result.",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	if m == nil {
		return
	}
	m.submitted.Describe(descs)
	m.finished.Describe(descs)
	m.rejected.Describe(descs)
	m.runtime.Describe(descs)
	m.spuriousIRQ.Describe(descs)
	m.resets.Describe(descs)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	if m == nil {
		return
	}
	m.submitted.Collect(ch)
	m.finished.Collect(ch)
	m.rejected.Collect(ch)
	m.runtime.Collect(ch)
	m.spuriousIRQ.Collect(ch)
	m.resets.Collect(ch)
}

func (m *Metrics) JobSubmitted(q types.Queue) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(q.String()).Inc()
}

func (m *Metrics) JobFinished(q types.Queue, outcome string, runtime time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(q.String(), outcome).Inc()
	m.runtime.WithLabelValues(q.String()).Observe(runtime.Seconds())
}

func (m *Metrics) JobRejected(q types.Queue, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(q.String(), reason).Inc()
}

func (m *Metrics) SpuriousInterrupt(q types.Queue) {
	if m == nil {
		return
	}
	m.spuriousIRQ.WithLabelValues(q.String()).Inc()
}

// Reset counts one GPU reset; err is the reset's combined result.
func (m *Metrics) Reset(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.resets.WithLabelValues(result).Inc()
}
