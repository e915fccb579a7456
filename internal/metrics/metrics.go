package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Memory pipeline metrics
	MemoryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memnet_memory_events_total",
			Help: "Total memory pipeline events by type (add, update, noop)",
		},
		[]string{"event"},
	)

	MemorySearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memnet_memory_searches_total",
			Help: "Total memory searches by rerank outcome",
		},
		[]string{"rerank"},
	)

	// Vector store metrics
	VectorStoreRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memnet_vectorstore_requests_total",
			Help: "Total vector store requests by backend, operation and status",
		},
		[]string{"backend", "op", "status"},
	)

	VectorStoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memnet_vectorstore_request_duration_seconds",
			Help:    "Vector store request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memnet_embedding_requests_total",
			Help: "Total embedding requests by model and status (ok, error, lru_hit, cache_hit)",
		},
		[]string{"model", "status"},
	)

	EmbeddingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memnet_embedding_request_duration_seconds",
			Help:    "Embedding request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memnet_llm_requests_total",
			Help: "Total LLM requests by operation (extract, merge, rerank) and status",
		},
		[]string{"op", "status"},
	)

	LLMDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memnet_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memnet_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memnet_circuit_breaker_trips_total",
			Help: "Total circuit breaker transitions to open",
		},
		[]string{"name"},
	)

	// HTTP API metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memnet_http_requests_total",
			Help: "Total HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

// RecordVectorStoreRequest records one store round-trip.
func RecordVectorStoreRequest(backend, op, status string, durationSeconds float64) {
	VectorStoreRequests.WithLabelValues(backend, op, status).Inc()
	VectorStoreDuration.WithLabelValues(backend, op).Observe(durationSeconds)
}

// RecordEmbeddingRequest records one embedding call or cache hit.
func RecordEmbeddingRequest(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingDuration.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordLLMRequest records one LLM call.
func RecordLLMRequest(op, status string, durationSeconds float64) {
	LLMRequests.WithLabelValues(op, status).Inc()
	LLMDuration.WithLabelValues(op).Observe(durationSeconds)
}
