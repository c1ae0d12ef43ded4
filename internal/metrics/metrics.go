package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SignalsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opsmend_signals_ingested_total",
		Help: "Raw signals accepted at the ingestion boundary",
	})

	BugsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsmend_bugs_detected_total",
		Help: "Bugs created or reopened, by category",
	}, []string{"category"})

	HealAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsmend_heal_attempts_total",
		Help: "Healing attempts by terminal outcome",
	}, []string{"outcome"})

	Escalations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opsmend_escalations_total",
		Help: "Bugs handed off to the issue tracker",
	})

	EscalationDeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opsmend_escalation_delivery_failures_total",
		Help: "Issue tracker deliveries that exhausted their retries",
	})

	ClassificationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "opsmend_classification_duration_seconds",
		Help:    "Latency of one classifier call",
		Buckets: prometheus.DefBuckets,
	})

	ClassificationFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opsmend_classification_fallbacks_total",
		Help: "Classifications served by the rule-based fallback",
	})
)

// MustRegister registers all engine metrics, called once from main.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		SignalsIngested,
		BugsDetected,
		HealAttempts,
		Escalations,
		EscalationDeliveryFailures,
		ClassificationDuration,
		ClassificationFallbacks,
	)
}
