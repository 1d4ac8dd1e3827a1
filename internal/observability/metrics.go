package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Narration metrics
	narrationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_requests_total",
		Help: "Total number of narration requests by outcome",
	}, []string{"status"}) // status: "cached", "success", "error"

	narrationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "narrator_request_duration_seconds",
		Help:    "End-to-end narration generation time in seconds",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	segmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "narrator_segments_total",
		Help: "Total number of text segments produced by the segmenter",
	})

	segmentationFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "narrator_segmentation_fallbacks_total",
		Help: "Number of times structured segmentation fell back to fixed-width splitting",
	})

	// Render metrics
	renderAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_render_attempts_total",
		Help: "Total number of render attempts by outcome",
	}, []string{"outcome"}) // outcome: "success", "error", "timeout"

	renderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "narrator_render_latency_seconds",
		Help:    "Latency of individual segment renders in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	droppedContainers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_dropped_containers_total",
		Help: "Audio containers dropped during assembly",
	}, []string{"reason"})

	streamRecordsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "narrator_stream_records_skipped_total",
		Help: "Malformed stream records skipped by the frame parser",
	})

	// Cache metrics
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_cache_lookups_total",
		Help: "Cache lookups by result",
	}, []string{"result"}) // result: "hit", "miss"

	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_cache_evictions_total",
		Help: "Cache evictions by reason",
	}, []string{"reason"}) // reason: "expired", "lru"

	cacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narrator_cache_bytes",
		Help: "Aggregate size of cached audio containers",
	})

	// Buffer memory metrics
	managedBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narrator_managed_buffers",
		Help: "Number of decoded audio buffers held by the memory manager",
	})

	managedBufferBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narrator_managed_buffer_bytes",
		Help: "Aggregate size of decoded audio buffers held by the memory manager",
	})

	bufferDisposals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_buffer_disposals_total",
		Help: "Decoded buffer disposals by reason",
	}, []string{"reason"}) // reason: "expired", "inactive", "lru", "explicit"

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "narrator_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// RecordNarration records the outcome and duration of a narration request
func RecordNarration(status string, seconds float64) {
	narrationRequests.WithLabelValues(status).Inc()
	if status != "cached" {
		narrationDuration.Observe(seconds)
	}
}

// RecordSegments records the number of segments produced for a request
func RecordSegments(n int) {
	segmentsTotal.Add(float64(n))
}

// RecordSegmentationFallback records a fallback to fixed-width splitting
func RecordSegmentationFallback() {
	segmentationFallbacks.Inc()
}

// RecordRenderAttempt records one render attempt and its latency
func RecordRenderAttempt(outcome string, seconds float64) {
	renderAttempts.WithLabelValues(outcome).Inc()
	renderLatency.Observe(seconds)
}

// RecordDroppedContainer records a dropped audio container
func RecordDroppedContainer(reason string) {
	droppedContainers.WithLabelValues(reason).Inc()
}

// RecordSkippedRecord records a malformed stream record
func RecordSkippedRecord() {
	streamRecordsSkipped.Inc()
}

// RecordCacheLookup records a cache hit or miss
func RecordCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

// RecordCacheEviction records a cache eviction
func RecordCacheEviction(reason string) {
	cacheEvictions.WithLabelValues(reason).Inc()
}

// SetCacheBytes updates the aggregate cache size gauge
func SetCacheBytes(bytes int64) {
	cacheBytes.Set(float64(bytes))
}

// SetManagedBuffers updates the managed buffer gauges
func SetManagedBuffers(count int, bytes int64) {
	managedBuffers.Set(float64(count))
	managedBufferBytes.Set(float64(bytes))
}

// RecordBufferDisposal records a decoded buffer disposal
func RecordBufferDisposal(reason string, n int) {
	bufferDisposals.WithLabelValues(reason).Add(float64(n))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
