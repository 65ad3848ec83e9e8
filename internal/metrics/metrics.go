// Package metrics exposes the daemon's Prometheus instrumentation behind a
// small facade so the scheduler and control channel never touch collector
// types directly.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Wakeup causes recorded on the scheduler loop.
const (
	WakeupDeadline = "deadline"
	WakeupChange   = "change"
)

// Metrics owns a private Prometheus registry with all cronus collectors.
type Metrics struct {
	registry *prometheus.Registry

	executions        *prometheus.CounterVec
	executionDuration prometheus.Histogram
	overlapSkips      prometheus.Counter
	wakeups           *prometheus.CounterVec
	controlRequests   *prometheus.CounterVec
}

// New builds the collector set. jobCount feeds the cronus_jobs gauge and may
// be nil (the gauge then reads zero).
func New(jobCount func() int) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cronus_executions_total",
			Help: "Job executions by outcome status.",
		}, []string{"status"}),
		executionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cronus_execution_duration_seconds",
			Help:    "Wall time of job executions.",
			Buckets: prometheus.DefBuckets,
		}),
		overlapSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cronus_overlap_skips_total",
			Help: "Triggers skipped because the previous execution was still running.",
		}),
		wakeups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cronus_scheduler_wakeups_total",
			Help: "Scheduler loop wakeups by cause.",
		}, []string{"cause"}),
		controlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cronus_control_requests_total",
			Help: "Control channel requests by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cronus_jobs",
			Help: "Number of registered jobs.",
		}, func() float64 {
			if jobCount == nil {
				return 0
			}
			return float64(jobCount())
		}),
		m.executions,
		m.executionDuration,
		m.overlapSkips,
		m.wakeups,
		m.controlRequests,
	)

	return m
}

// ObserveExecution records one finished execution.
func (m *Metrics) ObserveExecution(status string, d time.Duration) {
	m.executions.WithLabelValues(status).Inc()
	m.executionDuration.Observe(d.Seconds())
}

// OverlapSkip records a trigger suppressed by the overlap policy.
func (m *Metrics) OverlapSkip() { m.overlapSkips.Inc() }

// Wakeup records one scheduler loop wakeup.
func (m *Metrics) Wakeup(cause string) { m.wakeups.WithLabelValues(cause).Inc() }

// ControlRequest records one control channel request.
func (m *Metrics) ControlRequest(op string) { m.controlRequests.WithLabelValues(op).Inc() }

// Handler serves the exposition endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
