package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Talk request outcomes, used as the "outcome" label
const (
	OutcomeBroadcast   = "broadcast"
	OutcomeInvalid     = "invalid"
	OutcomeFetchFailed = "fetch_failed"
	OutcomeIgnored     = "ignored"
)

// Viewer delivery results, used as the "result" label
const (
	DeliveryQueued     = "queued"
	DeliveryEvicted    = "evicted"
	DeliveryWriteError = "write_error"
)

var (
	// Viewer metrics
	ViewersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "talk_gateway_viewers_connected",
		Help: "Number of currently registered viewer connections",
	})

	viewersRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "talk_gateway_viewers_registered_total",
		Help: "Total number of viewer connections registered",
	})

	viewersUnregistered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talk_gateway_viewers_unregistered_total",
		Help: "Total number of viewer connections removed",
	}, []string{"reason"})

	// Broadcast metrics
	broadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "talk_gateway_broadcasts_total",
		Help: "Total number of broadcasts fanned out to viewers",
	})

	broadcastRecipients = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "talk_gateway_broadcast_recipients",
		Help:    "Number of viewers targeted per broadcast",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})

	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talk_gateway_deliveries_total",
		Help: "Per-viewer delivery attempts by result",
	}, []string{"result"})

	// Talk request metrics
	TalkRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talk_gateway_talk_requests_total",
		Help: "Total number of control requests by outcome",
	}, []string{"outcome"})

	// Fetch metrics
	FetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talk_gateway_fetches_total",
		Help: "Total number of asset fetches by status",
	}, []string{"status"}) // status: "success", "download", "persist", "circuit_open"

	fetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "talk_gateway_fetch_latency_seconds",
		Help:    "Asset fetch latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	fetchBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "talk_gateway_fetch_bytes_total",
		Help: "Total audio bytes written to local storage",
	})

	assetDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "talk_gateway_asset_duration_seconds",
		Help:    "Playback duration of fetched WAV assets",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
	})

	assetsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "talk_gateway_assets_evicted_total",
		Help: "Total number of asset files removed by the retention policy",
	})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "talk_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talk_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// RecordViewerRegistered records a newly registered viewer
func RecordViewerRegistered() {
	viewersRegistered.Inc()
	ViewersConnected.Inc()
}

// RecordViewerUnregistered records a removed viewer and why it was removed
func RecordViewerUnregistered(reason string) {
	viewersUnregistered.WithLabelValues(reason).Inc()
	ViewersConnected.Dec()
}

// RecordBroadcast records one fan-out and how many viewers it targeted
func RecordBroadcast(recipients int) {
	broadcastsTotal.Inc()
	broadcastRecipients.Observe(float64(recipients))
}

// RecordDelivery records a single per-viewer delivery result
func RecordDelivery(result string) {
	DeliveriesTotal.WithLabelValues(result).Inc()
}

// RecordTalkRequest records the outcome of a control request
func RecordTalkRequest(outcome string) {
	TalkRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordFetch records the result of an asset fetch
func RecordFetch(status string, seconds float64, bytes int64) {
	FetchesTotal.WithLabelValues(status).Inc()
	fetchLatency.Observe(seconds)
	if bytes > 0 {
		fetchBytes.Add(float64(bytes))
	}
}

// RecordAssetDuration records the playback length of a fetched asset
func RecordAssetDuration(seconds float64) {
	assetDuration.Observe(seconds)
}

// RecordAssetEvicted records an asset file removed by retention
func RecordAssetEvicted() {
	assetsEvicted.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// ForgetCircuitBreaker drops the series of a breaker that is no longer tracked
func ForgetCircuitBreaker(service string) {
	circuitBreakerState.DeleteLabelValues(service)
	circuitBreakerFailures.DeleteLabelValues(service)
}
