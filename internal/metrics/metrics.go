// Package metrics exposes Prometheus instruments for the matching
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	// Decisions counts terminal dispositions by action
	// (auto_sent, suggested, escalated).
	Decisions *prometheus.CounterVec

	// MatchScore observes combined match scores for matched messages.
	MatchScore prometheus.Histogram

	// ProviderDegraded counts requests served with keyword-only ranking
	// because the embedding provider was unavailable.
	ProviderDegraded prometheus.Counter

	// DeliveryFailures counts auto-sent responses that failed delivery
	// after the retry.
	DeliveryFailures prometheus.Counter

	// Feedback counts operator actions (accept, modify, reject).
	Feedback *prometheus.CounterVec

	// ImportRows counts import rows by result
	// (created, merged, degraded, failed).
	ImportRows *prometheus.CounterVec

	// ShadowDivergences counts messages where the shadow pipeline
	// decided differently from the live one.
	ShadowDivergences prometheus.Counter
}

// New registers the instruments with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patternd_match_decisions_total",
			Help: "Terminal dispositions by action.",
		}, []string{"action"}),
		MatchScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "patternd_match_score",
			Help:    "Combined match scores for matched messages.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		ProviderDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "patternd_provider_degraded_total",
			Help: "Requests served with keyword-only ranking.",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "patternd_delivery_failures_total",
			Help: "Auto-sent responses that failed delivery after retry.",
		}),
		Feedback: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patternd_feedback_total",
			Help: "Operator feedback actions.",
		}, []string{"action"}),
		ImportRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patternd_import_rows_total",
			Help: "Import rows by result.",
		}, []string{"result"}),
		ShadowDivergences: factory.NewCounter(prometheus.CounterOpts{
			Name: "patternd_shadow_divergences_total",
			Help: "Messages where the shadow pipeline diverged from live.",
		}),
	}
}

// NewNop returns instruments backed by a private registry, for tests
// and constructors handed a nil Metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
