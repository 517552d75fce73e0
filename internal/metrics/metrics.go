package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for operation counters.
const (
	OutcomeOK          = "ok"
	OutcomeAbsent      = "absent"
	OutcomeFail        = "fail"
	OutcomeCorrupt     = "corrupt"
	OutcomeExhausted   = "exhausted"
	ReplicationOK      = "ok"
	ReplicationFailed  = "failed"
	ReplicationSkipped = "skipped"

	DirectionToPrimary = "to_primary"
	DirectionDownward  = "downward"
)

// Metrics holds the Prometheus collectors for the session store.
type Metrics struct {
	Operations   *prometheus.CounterVec
	Replications *prometheus.CounterVec
	TierSessions *prometheus.GaugeVec
	registry     *prometheus.Registry
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// New creates and registers all metrics (singleton pattern so repeated
// construction in tests never double-registers).
func New() *Metrics {
	metricsOnce.Do(func() {
		registry := prometheus.NewRegistry()

		m := &Metrics{
			Operations: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sessiontier_operations_total",
					Help: "Session operations by operation, serving tier and outcome",
				},
				[]string{"op", "tier", "outcome"},
			),
			Replications: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sessiontier_replications_total",
					Help: "Best-effort cross-tier copies: upward toward the primary after a degraded write, downward at session creation",
				},
				[]string{"direction", "result"},
			),
			TierSessions: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "sessiontier_sessions",
					Help: "Approximate live session count per tier",
				},
				[]string{"tier"},
			),
			registry: registry,
		}

		registry.MustRegister(m.Operations)
		registry.MustRegister(m.Replications)
		registry.MustRegister(m.TierSessions)

		metricsInstance = m
	})
	return metricsInstance
}

// RecordOperation counts one tier attempt outcome.
func (m *Metrics) RecordOperation(op, tier, outcome string) {
	m.Operations.WithLabelValues(op, tier, outcome).Inc()
}

// RecordReplication counts one best-effort copy attempt in the given
// direction ("to_primary" or "downward").
func (m *Metrics) RecordReplication(direction, result string) {
	m.Replications.WithLabelValues(direction, result).Inc()
}

// SetTierSessions updates the per-tier session gauge.
func (m *Metrics) SetTierSessions(tier string, count int64) {
	m.TierSessions.WithLabelValues(tier).Set(float64(count))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
