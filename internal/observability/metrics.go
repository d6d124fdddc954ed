package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stepDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the runtime.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Intent routing metrics
	IntentsRoutedTotal       *prometheus.CounterVec
	IntentShortCircuitsTotal *prometheus.CounterVec
	IntentConflictsTotal     prometheus.Counter

	// Journey metrics
	JourneyExecutionsTotal *prometheus.CounterVec
	JourneyStepDuration    *prometheus.HistogramVec
	JourneyStepRetries     *prometheus.CounterVec
	JourneyActiveCount     *prometheus.GaugeVec

	// Policy metrics
	PolicyDecisionsTotal *prometheus.CounterVec

	// Contract metrics
	ContractsCreatedTotal prometheus.Counter
	ContractsExpiredTotal prometheus.Counter
	RecordsExpiredTotal   prometheus.Counter
	SweepDuration         prometheus.Histogram

	// Exposition metrics
	MCPToolCallsTotal *prometheus.CounterVec

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
	EventsPublishedTotal  *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Routing
		IntentsRoutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_intents_routed_total",
			Help: "Total number of intents routed.",
		}, []string{"solution_id", "journey_id", "status"}),
		IntentShortCircuitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_intent_short_circuits_total",
			Help: "Total number of retried submissions served from the result cache.",
		}, []string{"solution_id", "journey_id"}),
		IntentConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steward_intent_conflicts_total",
			Help: "Total number of correlation IDs reused with different parameters.",
		}),

		// Journeys
		JourneyExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_journey_executions_total",
			Help: "Total number of journey executions.",
		}, []string{"solution_id", "journey_id", "status"}),
		JourneyStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_journey_step_duration_seconds",
			Help:    "Journey step duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"journey_id", "step_id"}),
		JourneyStepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_journey_step_retries_total",
			Help: "Total number of journey step retries.",
		}, []string{"journey_id", "step_id"}),
		JourneyActiveCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "steward_journey_active_executions",
			Help: "Number of in-flight journey executions.",
		}, []string{"journey_id"}),

		// Policy
		PolicyDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_policy_decisions_total",
			Help: "Total number of policy primitive decisions.",
		}, []string{"primitive", "effect"}),

		// Contracts
		ContractsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steward_contracts_created_total",
			Help: "Total number of boundary contracts created.",
		}),
		ContractsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steward_contracts_expired_total",
			Help: "Total number of boundary contracts expired by the sweeper.",
		}),
		RecordsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steward_records_expired_total",
			Help: "Total number of records of fact marked source-expired.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "steward_contract_sweep_duration_seconds",
			Help:    "Contract sweep cycle duration in seconds.",
			Buckets: stepDurationBuckets,
		}),

		// Exposition
		MCPToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_mcp_tool_calls_total",
			Help: "Total number of MCP tool invocations.",
		}, []string{"tool", "status"}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "steward_definitions_loaded",
			Help: "Number of loaded solution definitions.",
		}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_events_published_total",
			Help: "Total number of journey events published.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Routing
		m.IntentsRoutedTotal,
		m.IntentShortCircuitsTotal,
		m.IntentConflictsTotal,
		// Journeys
		m.JourneyExecutionsTotal,
		m.JourneyStepDuration,
		m.JourneyStepRetries,
		m.JourneyActiveCount,
		// Policy
		m.PolicyDecisionsTotal,
		// Contracts
		m.ContractsCreatedTotal,
		m.ContractsExpiredTotal,
		m.RecordsExpiredTotal,
		m.SweepDuration,
		// Exposition
		m.MCPToolCallsTotal,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
		m.EventsPublishedTotal,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers tolerate a nil receiver so components can carry an optional
// *Metrics and record unconditionally.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordIntentRouted records the outcome of one routed intent.
func (m *Metrics) RecordIntentRouted(solutionID, journeyID, status string) {
	if m == nil {
		return
	}
	m.IntentsRoutedTotal.WithLabelValues(solutionID, journeyID, status).Inc()
}

// RecordIntentShortCircuit records a retried submission served from cache.
func (m *Metrics) RecordIntentShortCircuit(solutionID, journeyID string) {
	if m == nil {
		return
	}
	m.IntentShortCircuitsTotal.WithLabelValues(solutionID, journeyID).Inc()
}

// RecordIntentConflict records a correlation ID reused with different params.
func (m *Metrics) RecordIntentConflict() {
	if m == nil {
		return
	}
	m.IntentConflictsTotal.Inc()
}

// RecordJourneyExecution records a journey completion.
func (m *Metrics) RecordJourneyExecution(solutionID, journeyID, status string) {
	if m == nil {
		return
	}
	m.JourneyExecutionsTotal.WithLabelValues(solutionID, journeyID, status).Inc()
}

// JourneyStarted marks one journey execution in flight.
func (m *Metrics) JourneyStarted(journeyID string) {
	if m == nil {
		return
	}
	m.JourneyActiveCount.WithLabelValues(journeyID).Inc()
}

// JourneyFinished marks one journey execution settled.
func (m *Metrics) JourneyFinished(journeyID string) {
	if m == nil {
		return
	}
	m.JourneyActiveCount.WithLabelValues(journeyID).Dec()
}

// RecordJourneyStepDuration records the duration of one journey step.
func (m *Metrics) RecordJourneyStepDuration(journeyID, stepID string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JourneyStepDuration.WithLabelValues(journeyID, stepID).Observe(duration.Seconds())
}

// RecordJourneyStepRetry records one step retry.
func (m *Metrics) RecordJourneyStepRetry(journeyID, stepID string) {
	if m == nil {
		return
	}
	m.JourneyStepRetries.WithLabelValues(journeyID, stepID).Inc()
}

// RecordPolicyDecision records a policy primitive decision.
func (m *Metrics) RecordPolicyDecision(primitive, effect string) {
	if m == nil {
		return
	}
	m.PolicyDecisionsTotal.WithLabelValues(primitive, effect).Inc()
}

// RecordContractCreated records a boundary contract creation.
func (m *Metrics) RecordContractCreated() {
	if m == nil {
		return
	}
	m.ContractsCreatedTotal.Inc()
}

// RecordSweep records the outcome of one sweep cycle.
func (m *Metrics) RecordSweep(duration time.Duration, contractsExpired, recordsExpired int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(duration.Seconds())
	m.ContractsExpiredTotal.Add(float64(contractsExpired))
	m.RecordsExpiredTotal.Add(float64(recordsExpired))
}

// RecordMCPToolCall records an MCP tool invocation.
func (m *Metrics) RecordMCPToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.MCPToolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded solution definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// RecordEventPublished records a journey event publish attempt.
func (m *Metrics) RecordEventPublished(status string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
