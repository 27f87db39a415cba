// Package metrics holds the Prometheus collectors for the route pipeline. A
// nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dexroute"

type Metrics struct {
	sourceFetches    *prometheus.CounterVec
	sourceLatency    *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	recommendations  *prometheus.CounterVec
	routeDowngrades  *prometheus.CounterVec
	transactions     *prometheus.CounterVec
	supersededRounds prometheus.Counter
}

// New registers the collector set on reg. Pass prometheus.NewRegistry() in
// tests to keep registrations isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sourceFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_fetches_total",
			Help:      "Liquidity source fetches by source and outcome.",
		}, []string{"source", "status"}),
		sourceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_fetch_seconds",
			Help:      "Liquidity source fetch latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_breaker_state",
			Help:      "Circuit breaker state per source (0=closed, 1=half-open, 2=open).",
		}, []string{"source"}),
		recommendations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommendations_total",
			Help:      "Route recommendations by origin (model or fallback) and fallback cause.",
		}, []string{"origin", "cause"}),
		routeDowngrades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_downgrades_total",
			Help:      "Routes overridden by on-chain validation, by dex and reason.",
		}, []string{"dex", "reason"}),
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrator_transactions_total",
			Help:      "Orchestrator step outcomes by step and outcome.",
		}, []string{"step", "outcome"}),
		supersededRounds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_superseded_total",
			Help:      "Analysis results discarded because a newer request started.",
		}),
	}
}

func (m *Metrics) SourceFetch(source, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.sourceFetches.WithLabelValues(source, status).Inc()
	m.sourceLatency.WithLabelValues(source).Observe(latency.Seconds())
}

func (m *Metrics) BreakerState(source string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(source).Set(float64(state))
}

func (m *Metrics) Recommendation(origin, cause string) {
	if m == nil {
		return
	}
	m.recommendations.WithLabelValues(origin, cause).Inc()
}

func (m *Metrics) RouteDowngrade(dex, reason string) {
	if m == nil {
		return
	}
	m.routeDowngrades.WithLabelValues(dex, reason).Inc()
}

func (m *Metrics) Transaction(step, outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(step, outcome).Inc()
}

func (m *Metrics) Superseded() {
	if m == nil {
		return
	}
	m.supersededRounds.Inc()
}
