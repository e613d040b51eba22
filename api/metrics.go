package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/reward-ledger/rewards"
)

// Metrics holds the completion counters. Each server owns its registry so
// tests can build many routers in one process.
type Metrics struct {
	registry *prometheus.Registry

	completions   *prometheus.CounterVec
	pointsGranted prometheus.Counter
	duration      prometheus.Histogram
	reconcile     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		completions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rewards_completions_total",
			Help: "Task completion attempts by outcome (granted or error code).",
		}, []string{"outcome"}),
		pointsGranted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rewards_points_granted_total",
			Help: "Sum of points credited by granted completions.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rewards_complete_duration_seconds",
			Help:    "Latency of the completion operation.",
			Buckets: prometheus.DefBuckets,
		}),
		reconcile: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rewards_reconcile_accounts_total",
			Help: "Accounts found out of sync by reconciliation runs, by action.",
		}, []string{"action"}),
	}
}

// ObserveComplete records one completion attempt.
func (m *Metrics) ObserveComplete(start time.Time, result *rewards.GrantResult, err error) {
	if m == nil {
		return
	}
	m.duration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.completions.WithLabelValues(string(rewards.CodeOf(err))).Inc()
		return
	}
	m.completions.WithLabelValues("granted").Inc()
	m.pointsGranted.Add(float64(result.Entry.Delta))
}

// ObserveDrift records accounts found out of sync.
func (m *Metrics) ObserveDrift(drifts []rewards.Drift) {
	if m == nil {
		return
	}
	for _, d := range drifts {
		action := "detected"
		if d.Repaired {
			action = "repaired"
		}
		m.reconcile.WithLabelValues(action).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
