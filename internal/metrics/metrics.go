// Package metrics exposes archive manager activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/and161185/vaultbridge/internal/errs"
)

const namespace = "vaultbridge"

// Metrics records operations and auto-update runs. It satisfies the archive
// manager's Recorder.
type Metrics struct {
	ops         *prometheus.CounterVec
	opDuration  *prometheus.HistogramVec
	unlocked    prometheus.Gauge
	updateRuns  *prometheus.CounterVec
	updateTimes prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Archive manager operations by name and error kind.",
		}, []string{"op", "kind"}),
		opDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Archive manager operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"op"}),
		unlocked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unlocked_sources",
			Help:      "Number of currently unlocked sources.",
		}),
		updateRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_update_runs_total",
			Help:      "Completed auto-update runs by result.",
		}, []string{"result"}),
		updateTimes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auto_update_duration_seconds",
			Help:      "Auto-update run latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// ObserveOp counts one operation; kind is "ok" on success.
func (m *Metrics) ObserveOp(op string, err error, d time.Duration) {
	kind := "ok"
	if err != nil {
		kind = errs.Kind(err)
	}
	m.ops.WithLabelValues(op, kind).Inc()
	m.opDuration.WithLabelValues(op).Observe(d.Seconds())
}

// SetUnlocked sets the unlocked source gauge.
func (m *Metrics) SetUnlocked(n int) { m.unlocked.Set(float64(n)) }

// ObserveUpdate is an auto-update run hook.
func (m *Metrics) ObserveUpdate(err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.updateRuns.WithLabelValues(result).Inc()
	m.updateTimes.Observe(d.Seconds())
}

// Handler serves the metrics of g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
