package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Query-level metrics
	QueriesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marq_queries_started_total",
			Help: "Total number of user queries entering the pipeline",
		},
	)

	QueriesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marq_queries_completed_total",
			Help: "Total number of user queries completed",
		},
		[]string{"outcome"}, // answered, clarification, aborted, exhausted
	)

	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marq_query_duration_seconds",
			Help:    "End-to-end query handling duration in seconds",
			Buckets: []float64{1, 2, 5, 10, 20, 45, 90, 180},
		},
	)

	AnswerConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marq_answer_confidence",
			Help:    "Final answer confidence distribution",
			Buckets: []float64{0, 0.2, 0.4, 0.6, 0.8, 0.9, 0.95, 1},
		},
	)

	// Loop metrics
	LoopIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marq_loop_iterations",
			Help:    "Number of accepted sub-tasks per query",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	TaskRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marq_task_retries_total",
			Help: "Total number of sub-task retries under low confidence",
		},
	)

	TasksAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marq_tasks_accepted_total",
			Help: "Total number of sub-tasks accepted past the confidence gate",
		},
		[]string{"intent"},
	)

	TasksDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marq_tasks_dropped_total",
			Help: "Total number of sub-tasks dropped after retry budget exhaustion",
		},
	)

	// Agent (generation) metrics
	AgentCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marq_agent_calls_total",
			Help: "Total number of agent generation calls",
		},
		[]string{"agent", "status"},
	)

	AgentCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marq_agent_call_duration_seconds",
			Help:    "Agent generation call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	// Generation transport metrics
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marq_generation_requests_total",
			Help: "Total structured-output generation requests",
		},
		[]string{"status"},
	)

	GenerationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marq_generation_retries_total",
			Help: "Total transport-level retries of generation requests",
		},
	)

	// Resolver metrics
	WarehouseQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marq_warehouse_queries_total",
			Help: "Total warehouse queries executed",
		},
		[]string{"status"},
	)

	WarehouseQueryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marq_warehouse_query_latency_seconds",
			Help:    "Warehouse query latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marq_vector_search_total",
			Help: "Total semantic searches executed",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marq_vector_search_latency_seconds",
			Help:    "Semantic search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marq_embedding_requests_total",
			Help: "Total embedding requests",
		},
		[]string{"model", "status"},
	)

	CalcEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marq_calc_evaluations_total",
			Help: "Total arithmetic evaluations",
		},
		[]string{"status"},
	)

	// Policy metrics
	PolicyDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marq_policy_denials_total",
			Help: "Total generated actions denied by the query guard",
		},
		[]string{"reason"},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marq_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marq_session_cache_hits_total",
			Help: "Total number of session local-cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marq_session_cache_misses_total",
			Help: "Total number of session local-cache misses",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marq_session_cache_size",
			Help: "Current number of sessions in local cache",
		},
	)
)

// RecordAgentCall records one agent generation call.
func RecordAgentCall(agent, status string, seconds float64) {
	AgentCalls.WithLabelValues(agent, status).Inc()
	if seconds > 0 {
		AgentCallDuration.WithLabelValues(agent).Observe(seconds)
	}
}

// RecordWarehouseQuery records one warehouse query.
func RecordWarehouseQuery(status string, seconds float64) {
	WarehouseQueries.WithLabelValues(status).Inc()
	if seconds > 0 {
		WarehouseQueryLatency.Observe(seconds)
	}
}

// RecordVectorSearch records one semantic search.
func RecordVectorSearch(collection, status string, seconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if seconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(seconds)
	}
}

// RecordEmbedding records one embedding request.
func RecordEmbedding(model, status string, seconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
}

// RecordQuery records a finished query.
func RecordQuery(outcome string, seconds, confidence float64) {
	QueriesCompleted.WithLabelValues(outcome).Inc()
	QueryDuration.Observe(seconds)
	AnswerConfidence.Observe(confidence)
}
