package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central registry of parley's Prometheus collectors.
//
// Tracked surfaces: turn throughput and latency for both loop modes, LLM
// request performance and token spend, per-tool execution patterns,
// streaming event volume, compression activity, RAG index health, reminder
// notifications, and the HTTP API.
type Metrics struct {
	// TurnCounter counts completed turns.
	// Labels: mode (chat|stream), status (success|error)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full-turn latency in seconds.
	// Labels: mode
	TurnDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// StreamEventCounter counts emitted streaming events.
	// Labels: type (START|CONTENT|PROCESSING|TOOL_CALL|TOOL_RESULT|DONE|ERROR)
	StreamEventCounter *prometheus.CounterVec

	// CompressionCounter counts history compressions.
	CompressionCounter prometheus.Counter

	// CompressionTokensSaved accumulates estimated tokens saved.
	CompressionTokensSaved prometheus.Counter

	// RAGSearchCounter counts index searches.
	// Labels: status (success|error)
	RAGSearchCounter *prometheus.CounterVec

	// RAGIndexEntries gauges the current index size.
	RAGIndexEntries prometheus.Gauge

	// RAGIndexStale is 1 when the document directory changed after the
	// last index build.
	RAGIndexStale prometheus.Gauge

	// RemindersNotified counts reminders marked notified by the scheduler.
	RemindersNotified prometheus.Counter

	// HTTPRequestCounter counts API requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures API request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// RepositoryQueryCounter counts repository operations on durable backends.
	// Labels: backend (memory|kv-ttl|sql), operation, status (success|error)
	RepositoryQueryCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors with the default
// Prometheus registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_turns_total",
				Help: "Total completed turns by loop mode and status",
			},
			[]string{"mode", "status"},
		),

		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_turn_duration_seconds",
				Help:    "Full turn latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_llm_request_duration_seconds",
				Help:    "LLM request latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		StreamEventCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_stream_events_total",
				Help: "Total streaming events emitted by type",
			},
			[]string{"type"},
		),

		CompressionCounter: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_compressions_total",
				Help: "Total history compressions performed",
			},
		),

		CompressionTokensSaved: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_compression_tokens_saved_total",
				Help: "Estimated tokens saved by history compression",
			},
		),

		RAGSearchCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_rag_searches_total",
				Help: "Total RAG index searches by status",
			},
			[]string{"status"},
		),

		RAGIndexEntries: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_rag_index_entries",
				Help: "Current number of entries in the RAG index",
			},
		),

		RAGIndexStale: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_rag_index_stale",
				Help: "1 when indexed documents changed since the last build",
			},
		),

		RemindersNotified: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_reminders_notified_total",
				Help: "Total reminders marked notified by scheduler scans",
			},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_http_requests_total",
				Help: "Total HTTP API requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_http_request_duration_seconds",
				Help:    "HTTP API request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		RepositoryQueryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_repository_queries_total",
				Help: "Total conversation repository operations by backend",
			},
			[]string{"backend", "operation", "status"},
		),
	}
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(mode, status string, durationSeconds float64) {
	m.TurnCounter.WithLabelValues(mode, status).Inc()
	m.TurnDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordLLMRequest records one provider call with its token spend.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordStreamEvent counts one emitted streaming event.
func (m *Metrics) RecordStreamEvent(eventType string) {
	m.StreamEventCounter.WithLabelValues(eventType).Inc()
}

// RecordCompression records one compression and its estimated savings.
func (m *Metrics) RecordCompression(tokensSaved int) {
	m.CompressionCounter.Inc()
	if tokensSaved > 0 {
		m.CompressionTokensSaved.Add(float64(tokensSaved))
	}
}

// RecordHTTPRequest records one API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordRepositoryQuery records one repository operation.
func (m *Metrics) RecordRepositoryQuery(backend, operation, status string) {
	m.RepositoryQueryCounter.WithLabelValues(backend, operation, status).Inc()
}
