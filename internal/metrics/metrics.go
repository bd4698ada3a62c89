package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Singleton metrics instance
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for the dispatch engine
type Metrics struct {
	// Dispatch outcomes
	SendsTotal     prometheus.Counter
	SendsFailed    prometheus.Counter
	SendsDeferred  prometheus.Counter
	TasksDropped   prometheus.Counter
	SendDuration   prometheus.Histogram

	// Admission
	AdmissionsAllowed prometheus.Counter
	AdmissionsDenied  prometheus.Counter

	// Pacing
	CeilingWaitDuration prometheus.Histogram

	// Queue
	QueuePending  prometheus.Gauge
	QueueInFlight prometheus.Gauge

	// Scheduling
	RecordsScheduled prometheus.Counter
}

// Get returns the singleton metrics instance
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		SendsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reachinbox_sends_total",
			Help: "Total number of messages delivered to the transport",
		}),
		SendsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reachinbox_sends_failed_total",
			Help: "Total number of transport delivery errors",
		}),
		SendsDeferred: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reachinbox_sends_deferred_total",
			Help: "Total number of sends deferred to the next hour window",
		}),
		TasksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reachinbox_tasks_dropped_total",
			Help: "Total number of tasks dropped because their record was missing",
		}),
		SendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "reachinbox_send_duration_seconds",
			Help:    "Transport delivery duration",
			Buckets: prometheus.DefBuckets,
		}),
		AdmissionsAllowed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reachinbox_admissions_allowed_total",
			Help: "Total number of rate-limiter admissions",
		}),
		AdmissionsDenied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reachinbox_admissions_denied_total",
			Help: "Total number of rate-limiter denials",
		}),
		CeilingWaitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "reachinbox_ceiling_wait_seconds",
			Help:    "Time spent waiting on the global send ceiling",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 10},
		}),
		QueuePending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "reachinbox_queue_pending",
			Help: "Number of tasks waiting for their due time",
		}),
		QueueInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "reachinbox_queue_in_flight",
			Help: "Number of tasks leased to dispatch workers",
		}),
		RecordsScheduled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reachinbox_records_scheduled_total",
			Help: "Total number of send records created by batch scheduling",
		}),
	}
}

// Handler returns the Prometheus exposition handler
func Handler() http.Handler {
	return promhttp.Handler()
}
