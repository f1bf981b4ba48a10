// Package metrics provides Prometheus metrics for the webhook service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bungie_webhooks"

var (
	// PollsTotal counts poller runs by poller and outcome.
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total number of poller runs",
		},
		[]string{"poller", "status"},
	)

	// PollDuration measures poller run duration.
	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of poller runs in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"poller"},
	)

	// EventsTotal counts raised events by name.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of change events raised",
		},
		[]string{"event"},
	)

	// DispatchTotal counts published delivery messages by event and outcome.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of delivery messages published",
		},
		[]string{"event", "status"},
	)

	// DeliveriesTotal counts webhook delivery attempts by event and outcome.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of webhook delivery attempts",
		},
		[]string{"event", "status"},
	)

	// DeliveryDuration measures the outbound webhook call.
	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of outbound webhook calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	// DeadLettersTotal counts messages dropped after exhausting redeliveries.
	DeadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Total number of delivery messages dropped after max attempts",
		},
	)

	// APIEnabled tracks the last observed Bungie API availability.
	APIEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "api_enabled",
			Help:      "Bungie API availability (1 = enabled, 0 = disabled)",
		},
	)
)

// RecordPoll records a poller run.
func RecordPoll(poller, status string, duration float64) {
	PollsTotal.WithLabelValues(poller, status).Inc()
	PollDuration.WithLabelValues(poller).Observe(duration)
}

// RecordEvent records a raised change event.
func RecordEvent(event string) {
	EventsTotal.WithLabelValues(event).Inc()
}

// RecordDispatch records a delivery message publish.
func RecordDispatch(event, status string) {
	DispatchTotal.WithLabelValues(event, status).Inc()
}

// RecordDelivery records an outbound webhook call.
func RecordDelivery(event, status string, duration float64) {
	DeliveriesTotal.WithLabelValues(event, status).Inc()
	DeliveryDuration.WithLabelValues(event).Observe(duration)
}

// RecordDeadLetter records a message dropped after max attempts.
func RecordDeadLetter() {
	DeadLettersTotal.Inc()
}

// SetAPIEnabled sets the API availability gauge.
func SetAPIEnabled(enabled bool) {
	if enabled {
		APIEnabled.Set(1)
		return
	}
	APIEnabled.Set(0)
}
