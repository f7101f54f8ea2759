// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "council_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "council_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// StreamDuration tracks deliberation stream duration end to end.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "council_stream_duration_seconds",
			Help:    "Deliberation stream duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"outcome"},
	)

	// EventsTotal tracks stream events applied by the reducer.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "council_stream_events_total",
			Help: "Total stream events applied",
		},
		[]string{"type"},
	)

	// TokensTotal tracks token fragments received per stage.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "council_stream_tokens_total",
			Help: "Total token fragments received",
		},
		[]string{"stage"},
	)

	// MalformedFramesTotal tracks skipped malformed data lines.
	MalformedFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "council_malformed_frames_total",
			Help: "Total malformed stream lines skipped",
		},
	)

	// StreamsActive tracks active deliberation streams.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "council_streams_active",
			Help: "Number of active deliberation streams",
		},
	)

	// SendFailuresTotal tracks failed send operations by failure kind.
	SendFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "council_send_failures_total",
			Help: "Total failed send operations",
		},
		[]string{"kind"},
	)

	// ConversationsTotal tracks conversations created on the backend.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "council_conversations_total",
			Help: "Total conversations created",
		},
	)

	// ModelStageDuration tracks per-model stage completion time on the backend.
	ModelStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "council_model_stage_duration_seconds",
			Help:    "Per-model stage completion time",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"model", "stage", "status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordEvent records one applied stream event.
func RecordEvent(eventType string) {
	EventsTotal.WithLabelValues(eventType).Inc()
}

// RecordToken records one token fragment for a stage.
func RecordToken(stage string) {
	TokensTotal.WithLabelValues(stage).Inc()
}

// RecordStream records the outcome and duration of one deliberation stream.
func RecordStream(outcome string, seconds float64) {
	StreamDuration.WithLabelValues(outcome).Observe(seconds)
}

// IncrementActiveStreams increments the active stream count.
func IncrementActiveStreams() {
	StreamsActive.Inc()
}

// DecrementActiveStreams decrements the active stream count.
func DecrementActiveStreams() {
	StreamsActive.Dec()
}
