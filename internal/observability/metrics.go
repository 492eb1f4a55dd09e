package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Slot table metrics
	slotsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_gateway_slots_loaded",
		Help: "Number of remote voice slots tracked by the slot table",
	})

	slotLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_slot_lookups_total",
		Help: "Slot table lookups by result",
	}, []string{"result"}) // result: "hit" or "miss"

	slotRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_slot_removals_total",
		Help: "Remote voice slots removed by reason",
	}, []string{"reason"}) // reason: "evicted", "superseded", "orphaned"

	slotDeleteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_slot_delete_failures_total",
		Help: "Remote voice deletes that failed and were skipped",
	}, []string{"reason"})

	// Provisioning metrics
	provisionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_provision_requests_total",
		Help: "Total number of remote voice creations",
	}, []string{"status"})

	provisionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_gateway_provision_latency_seconds",
		Help:    "Remote voice creation latency in seconds",
		Buckets: []float64{0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	// Synthesis metrics
	activeSyntheses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_gateway_active_syntheses",
		Help: "Number of synthesis calls holding the concurrency gate",
	})

	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_synthesis_requests_total",
		Help: "Total number of synthesis requests",
	}, []string{"status"})

	synthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_gateway_synthesis_latency_seconds",
		Help:    "Time until the synthesis response headers arrive, in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Reconciliation metrics
	reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_reconciliations_total",
		Help: "Bootstrap reconciliation attempts by status",
	}, []string{"status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_gateway_audio_bytes_total",
		Help: "Total generated audio bytes stored or streamed",
	})
)

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// GenerationMetrics tracks timings for a single generation request
type GenerationMetrics struct {
	generationID   string
	provisionStart time.Time
	synthesisStart time.Time
	mu             sync.Mutex
}

// NewGenerationMetrics creates a new metrics tracker for a generation
func NewGenerationMetrics(generationID string) *GenerationMetrics {
	return &GenerationMetrics{generationID: generationID}
}

// RecordProvisionStart records the start of a remote voice creation
func (m *GenerationMetrics) RecordProvisionStart() {
	m.mu.Lock()
	m.provisionStart = time.Now()
	m.mu.Unlock()
}

// RecordProvisionEnd records the end of a remote voice creation
func (m *GenerationMetrics) RecordProvisionEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.provisionStart.IsZero() {
		provisionLatency.Observe(time.Since(m.provisionStart).Seconds())
	}
	provisionRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordSynthesisStart records the start of a synthesis call
func (m *GenerationMetrics) RecordSynthesisStart() {
	m.mu.Lock()
	m.synthesisStart = time.Now()
	m.mu.Unlock()
}

// RecordSynthesisEnd records the end of a synthesis call
func (m *GenerationMetrics) RecordSynthesisEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.synthesisStart.IsZero() {
		synthesisLatency.Observe(time.Since(m.synthesisStart).Seconds())
	}
	synthesisRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordError records an error
func (m *GenerationMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordError records an error outside of a generation
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records generated audio bytes
func RecordAudioBytes(bytes int64) {
	audioBytesStored.Add(float64(bytes))
}

// SetSlotsLoaded updates the slot table size gauge
func SetSlotsLoaded(n int) {
	slotsLoaded.Set(float64(n))
}

// RecordSlotLookup records a slot table hit or miss
func RecordSlotLookup(hit bool) {
	if hit {
		slotLookups.WithLabelValues("hit").Inc()
		return
	}
	slotLookups.WithLabelValues("miss").Inc()
}

// RecordSlotRemoval records a remote slot leaving the working set
func RecordSlotRemoval(reason string) {
	slotRemovals.WithLabelValues(reason).Inc()
}

// RecordSlotDeleteFailure records a remote delete that was skipped after failing
func RecordSlotDeleteFailure(reason string) {
	slotDeleteFailures.WithLabelValues(reason).Inc()
}

// SetActiveSyntheses updates the concurrency gate gauge
func SetActiveSyntheses(n int) {
	activeSyntheses.Set(float64(n))
}

// RecordReconciliation records a bootstrap reconciliation attempt
func RecordReconciliation(success bool) {
	reconciliations.WithLabelValues(statusLabel(success)).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
