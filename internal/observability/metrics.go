package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ptt_gateway_active_connections",
		Help: "Number of connected push-to-talk controls",
	})

	// Hold metrics
	activeHolds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ptt_gateway_active_holds",
		Help: "Number of controls currently recording",
	})

	holdsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptt_gateway_holds_total",
		Help: "Total number of recording phases started",
	})

	holdDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ptt_gateway_hold_duration_seconds",
		Help:    "Duration of recording phases in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	transcriptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptt_gateway_transcripts_total",
		Help: "Completed holds by outcome",
	}, []string{"outcome"}) // outcome: "sent" or "empty"

	restartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptt_gateway_restarts_total",
		Help: "Recognition restarts within a hold",
	}, []string{"reason"}) // reason: "silence", "network", "busy"

	gesturesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptt_gateway_gestures_suppressed_total",
		Help: "Input signals dropped by gesture normalization",
	}, []string{"reason"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptt_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"kind", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ptt_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ptt_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	audioBytesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ptt_gateway_audio_bytes_total",
		Help: "Total audio bytes forwarded to the transcription engine",
	})
)

// RecordConnectionOpened tracks a new control connection
func RecordConnectionOpened() {
	activeConnections.Inc()
}

// RecordConnectionClosed tracks a closed control connection
func RecordConnectionClosed() {
	activeConnections.Dec()
}

// RecordHoldStart records the start of a recording phase
func RecordHoldStart() {
	activeHolds.Inc()
	holdsTotal.Inc()
}

// RecordHoldEnd records the end of a recording phase that lasted seconds
func RecordHoldEnd(seconds float64) {
	activeHolds.Dec()
	holdDuration.Observe(seconds)
}

// RecordTranscript records whether a completed hold produced text
func RecordTranscript(sent bool) {
	outcome := "sent"
	if !sent {
		outcome = "empty"
	}
	transcriptsTotal.WithLabelValues(outcome).Inc()
}

// RecordRestart records a recognition restart
func RecordRestart(reason string) {
	restartsTotal.WithLabelValues(reason).Inc()
}

// RecordGestureSuppressed records a dropped input signal
func RecordGestureSuppressed(reason string) {
	gesturesSuppressed.WithLabelValues(reason).Inc()
}

// RecordError records an error
func RecordError(kind, component string) {
	errorsTotal.WithLabelValues(kind, component).Inc()
}

// RecordAudioBytes records audio bytes forwarded to the engine
func RecordAudioBytes(bytes int) {
	audioBytesProcessed.Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
