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

var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	sweepDurationBuckets = []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300}
)

// Transition outcomes recorded on pipeline_transitions_total.
const (
	OutcomeCommitted = "committed"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
	OutcomeStale     = "stale"
)

// Metrics holds all Prometheus instruments for the pipeline service.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	TransitionsTotal     *prometheus.CounterVec
	TransitionDuration   *prometheus.HistogramVec
	CapacityRejections   *prometheus.CounterVec
	ConflictRetriesTotal *prometheus.CounterVec
	CardsCreatedTotal    *prometheus.CounterVec

	SweepRunsTotal      *prometheus.CounterVec
	SweepDuration       *prometheus.HistogramVec
	AutomationActions   *prometheus.CounterVec
	NotificationsTotal  *prometheus.CounterVec
	CircuitBreakerState prometheus.Gauge
	CardsByBand         *prometheus.GaugeVec

	DefinitionReloadTotal *prometheus.CounterVec
	TenantsLoaded         prometheus.Gauge
}

// InitMetrics creates and registers all instruments on reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_transitions_total",
			Help: "Transition requests by outcome and error code.",
		}, []string{"tenant_id", "outcome", "code"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_transition_duration_seconds",
			Help:    "Time to validate and commit a transition.",
			Buckets: storeDurationBuckets,
		}, []string{"tenant_id"}),
		CapacityRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_capacity_rejections_total",
			Help: "Transitions rejected because the target stage was at its WIP limit.",
		}, []string{"tenant_id", "stage"}),
		ConflictRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_conflict_retries_total",
			Help: "Optimistic-concurrency conflicts that triggered a retry.",
		}, []string{"tenant_id"}),
		CardsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_cards_created_total",
			Help: "Cards created in a tenant's entry stage.",
		}, []string{"tenant_id"}),

		SweepRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_sweep_runs_total",
			Help: "Automation sweeps by tenant and status.",
		}, []string{"tenant_id", "status"}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_sweep_duration_seconds",
			Help:    "Duration of one tenant sweep.",
			Buckets: sweepDurationBuckets,
		}, []string{"tenant_id"}),
		AutomationActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_automation_actions_total",
			Help: "Automation rule actions by rule and status.",
		}, []string{"tenant_id", "rule_id", "status"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_notifications_total",
			Help: "Notification deliveries by driver and status.",
		}, []string{"driver", "status"}),
		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_notifier_circuit_breaker_state",
			Help: "Webhook circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		CardsByBand: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_cards_by_band",
			Help: "Live cards per stage and SLA band observed by the last sweep.",
		}, []string{"tenant_id", "stage", "band"}),

		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_definition_reload_total",
			Help: "Pipeline definition reloads by status.",
		}, []string{"status"}),
		TenantsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_tenants_loaded",
			Help: "Number of tenants with a loaded pipeline definition.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TransitionsTotal,
		m.TransitionDuration,
		m.CapacityRejections,
		m.ConflictRetriesTotal,
		m.CardsCreatedTotal,
		m.SweepRunsTotal,
		m.SweepDuration,
		m.AutomationActions,
		m.NotificationsTotal,
		m.CircuitBreakerState,
		m.CardsByBand,
		m.DefinitionReloadTotal,
		m.TenantsLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so components can run
// without instrumentation in tests and in the CLI.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordTransition records the outcome of one transition request. code is
// empty for committed transitions.
func (m *Metrics) RecordTransition(tenantID, outcome, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(tenantID, outcome, code).Inc()
	m.TransitionDuration.WithLabelValues(tenantID).Observe(duration.Seconds())
}

// RecordCapacityRejection records a WIP-limit rejection.
func (m *Metrics) RecordCapacityRejection(tenantID, stage string) {
	if m == nil {
		return
	}
	m.CapacityRejections.WithLabelValues(tenantID, stage).Inc()
}

// RecordConflictRetry records an optimistic-concurrency retry.
func (m *Metrics) RecordConflictRetry(tenantID string) {
	if m == nil {
		return
	}
	m.ConflictRetriesTotal.WithLabelValues(tenantID).Inc()
}

// RecordCardCreated records a card creation.
func (m *Metrics) RecordCardCreated(tenantID string) {
	if m == nil {
		return
	}
	m.CardsCreatedTotal.WithLabelValues(tenantID).Inc()
}

// RecordSweep records one tenant sweep.
func (m *Metrics) RecordSweep(tenantID, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(tenantID, status).Inc()
	m.SweepDuration.WithLabelValues(tenantID).Observe(duration.Seconds())
}

// RecordAutomationAction records one automation rule action.
func (m *Metrics) RecordAutomationAction(tenantID, ruleID, status string) {
	if m == nil {
		return
	}
	m.AutomationActions.WithLabelValues(tenantID, ruleID, status).Inc()
}

// RecordNotification records a notification delivery attempt.
func (m *Metrics) RecordNotification(driver, status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(driver, status).Inc()
}

// SetCircuitBreakerState sets the webhook breaker gauge.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.Set(state)
}

// SetCardsByBand replaces the band distribution gauge for a tenant.
func (m *Metrics) SetCardsByBand(tenantID string, counts map[string]map[string]int) {
	if m == nil {
		return
	}
	m.CardsByBand.DeletePartialMatch(prometheus.Labels{"tenant_id": tenantID})
	for stage, bands := range counts {
		for band, n := range bands {
			m.CardsByBand.WithLabelValues(tenantID, stage, band).Set(float64(n))
		}
	}
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetTenantsLoaded sets the number of loaded tenants.
func (m *Metrics) SetTenantsLoaded(count int) {
	if m == nil {
		return
	}
	m.TenantsLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled by chi's route pattern
// rather than the raw path, keeping card IDs out of label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
