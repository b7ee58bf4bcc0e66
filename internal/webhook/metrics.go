package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricEventsTotal          = "webhook_events_total"
	MetricVerificationFailures = "webhook_verification_failures_total"
	MetricHandlerDuration      = "webhook_handler_duration_seconds"
)

// UnhandledEventType labels events with no registered handler, keeping the
// event_type label bounded.
const UnhandledEventType = "unhandled"

// Metrics contains Prometheus metrics for the webhook pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsTotal          *prometheus.CounterVec
	verificationFailures *prometheus.CounterVec
	handlerDuration      *prometheus.HistogramVec
}

// NewMetrics creates webhook metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEventsTotal,
				Help: "Total number of verified webhook events by type and dispatch outcome",
			},
			[]string{"event_type", "outcome"},
		),
		verificationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerificationFailures,
				Help: "Total number of rejected webhook deliveries by reason",
			},
			[]string{"reason"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHandlerDuration,
				Help:    "Webhook handler duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"event_type"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.eventsTotal,
		m.verificationFailures,
		m.handlerDuration,
	}
}

// IncEvent counts a dispatched event.
func (m *Metrics) IncEvent(eventType string, outcome Outcome) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, string(outcome)).Inc()
}

// IncVerificationFailure counts a rejected delivery.
// reason is one of "missing_signature", "invalid_signature", "malformed_payload".
func (m *Metrics) IncVerificationFailure(reason string) {
	if m == nil {
		return
	}
	m.verificationFailures.WithLabelValues(reason).Inc()
}

// ObserveHandler records handler latency.
func (m *Metrics) ObserveHandler(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(eventType).Observe(seconds)
}
