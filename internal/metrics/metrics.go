// Package metrics exposes Prometheus instrumentation for the history store
// and its background agents.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives store and agent events.
type Recorder interface {
	SamplePersisted()
	ResetDetected(signal string)
	PollFailed()
	MaintenanceCompleted(d time.Duration, err error)
	RollupsWritten(resolution string, n int)
	RowsPruned(table string, n int64)
	DatabaseSize(bytes int64)
}

// Prometheus is a Recorder backed by client_golang collectors.
type Prometheus struct {
	samplesTotal        prometheus.Counter
	resetsTotal         *prometheus.CounterVec
	pollFailuresTotal   prometheus.Counter
	maintenanceDuration prometheus.Histogram
	maintenanceFailures prometheus.Counter
	rollupsTotal        *prometheus.CounterVec
	prunedTotal         *prometheus.CounterVec
	databaseBytes       prometheus.Gauge
}

// NewPrometheus registers the history collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		samplesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "onwatch_history_samples_total",
			Help: "Total number of raw samples persisted",
		}),
		resetsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onwatch_history_resets_total",
			Help: "Total number of five-hour window resets detected, by signal",
		}, []string{"signal"}),
		pollFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "onwatch_history_poll_failures_total",
			Help: "Total number of failed usage polls",
		}),
		maintenanceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "onwatch_history_maintenance_duration_seconds",
			Help:    "Duration of rollup maintenance transactions in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		maintenanceFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "onwatch_history_maintenance_failures_total",
			Help: "Total number of rolled back maintenance transactions",
		}),
		rollupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onwatch_history_rollups_total",
			Help: "Total number of rollup buckets written, by resolution",
		}, []string{"resolution"}),
		prunedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onwatch_history_pruned_rows_total",
			Help: "Total number of rows deleted by retention, by table",
		}, []string{"table"}),
		databaseBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "onwatch_history_database_bytes",
			Help: "Size of the history database file in bytes",
		}),
	}
}

func (m *Prometheus) SamplePersisted() {
	m.samplesTotal.Inc()
}

func (m *Prometheus) ResetDetected(signal string) {
	m.resetsTotal.WithLabelValues(signal).Inc()
}

func (m *Prometheus) PollFailed() {
	m.pollFailuresTotal.Inc()
}

func (m *Prometheus) MaintenanceCompleted(d time.Duration, err error) {
	if err != nil {
		m.maintenanceFailures.Inc()
		return
	}
	m.maintenanceDuration.Observe(d.Seconds())
}

func (m *Prometheus) RollupsWritten(resolution string, n int) {
	if n > 0 {
		m.rollupsTotal.WithLabelValues(resolution).Add(float64(n))
	}
}

func (m *Prometheus) RowsPruned(table string, n int64) {
	if n > 0 {
		m.prunedTotal.WithLabelValues(table).Add(float64(n))
	}
}

func (m *Prometheus) DatabaseSize(bytes int64) {
	m.databaseBytes.Set(float64(bytes))
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Noop returns a Recorder that discards everything.
func Noop() Recorder {
	return noopRecorder{}
}

type noopRecorder struct{}

func (noopRecorder) SamplePersisted()                             {}
func (noopRecorder) ResetDetected(_ string)                       {}
func (noopRecorder) PollFailed()                                  {}
func (noopRecorder) MaintenanceCompleted(_ time.Duration, _ error) {}
func (noopRecorder) RollupsWritten(_ string, _ int)               {}
func (noopRecorder) RowsPruned(_ string, _ int64)                 {}
func (noopRecorder) DatabaseSize(_ int64)                         {}
