// Package metrics holds the Prometheus collectors for the delivery engine
// and queue plumbing. Collectors are registered on an injected Registry so
// library users and tests never touch global registration state.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalhook_events_published_total",
			Help: "Total number of events accepted for delivery.",
		},
		[]string{"tenant"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalhook_deliveries_total",
			Help: "Total number of delivery outcomes by status.",
		},
		// status: success, client_error, max_retries_exceeded, validation_failed
		[]string{"tenant", "event_type", "status"},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signalhook_delivery_duration_seconds",
			Help:    "Wall-clock time of a delivery including retries and backoff.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"tenant", "event_type"},
	)

	DeliveryAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signalhook_delivery_attempts",
			Help:    "Number of HTTP attempts used per delivery.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
		[]string{"tenant", "event_type"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalhook_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, connection_refused, dns_error, network
	)

	DLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "signalhook_dlq_total",
			Help: "Total number of deliveries published to the dead letter topic.",
		},
	)
)

// MustRegister registers all collectors on reg.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsPublishedTotal,
		DeliveriesTotal,
		DeliveryDuration,
		DeliveryAttempts,
		RetriesTotal,
		DLQTotal,
	)
}

// Recorder implements the delivery engine's metrics interface on top of
// the package collectors.
type Recorder struct{}

// NewRecorder returns a Recorder. MustRegister must have been called on
// a registry that is actually served for the values to be visible.
func NewRecorder() *Recorder { return &Recorder{} }

// RecordDelivery records a terminal delivery outcome.
func (Recorder) RecordDelivery(tenant, eventType, status string, duration time.Duration, attempts int) {
	DeliveriesTotal.WithLabelValues(tenant, eventType, status).Inc()
	DeliveryDuration.WithLabelValues(tenant, eventType).Observe(duration.Seconds())
	DeliveryAttempts.WithLabelValues(tenant, eventType).Observe(float64(attempts))
}

// RecordValidationFailure counts a destination rejected before any attempt.
func (Recorder) RecordValidationFailure(tenant, eventType string) {
	DeliveriesTotal.WithLabelValues(tenant, eventType, "validation_failed").Inc()
}

// RecordRetry counts one scheduled retry by failure reason.
func (Recorder) RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordEventPublished counts an event accepted by the ingest API.
func RecordEventPublished(tenant string) {
	EventsPublishedTotal.WithLabelValues(tenant).Inc()
}

// RecordDLQ counts a delivery published to the dead letter topic.
func RecordDLQ() {
	DLQTotal.Inc()
}
