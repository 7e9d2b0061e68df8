package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	decisionsTotal   *prometheus.CounterVec
	auditRetries     prometheus.Counter
	auditFailures    prometheus.Counter
	chainBreaks      prometheus.Counter
	sessionEvictions prometheus.Counter
	crossTenant      prometheus.Counter
	quotaUsage       *prometheus.GaugeVec
}

// NewMetrics initialises the registry and base collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polyveda_http_requests_total",
		Help: "HTTP requests partitioned by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polyveda_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polyveda_authz_decisions_total",
		Help: "Authorization decisions partitioned by outcome and reason code.",
	}, []string{"decision", "reason"})
	auditRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "polyveda_audit_write_retries_total",
		Help: "Audit record writes retried after transient storage errors.",
	})
	auditFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "polyveda_audit_write_failures_total",
		Help: "Audit record writes abandoned after exhausting retries.",
	})
	chainBreaks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "polyveda_audit_chain_breaks_total",
		Help: "Sequence gaps or hash mismatches found by the audit verifier.",
	})
	evictions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "polyveda_session_evictions_total",
		Help: "Sessions revoked by the per-principal concurrency cap.",
	})
	crossTenant := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "polyveda_cross_tenant_violations_total",
		Help: "Rejected attempts to address resources outside the caller's institution.",
	})
	quotaUsage := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polyveda_institution_user_quota_ratio",
		Help: "Principal count relative to the institution max_users quota.",
	}, []string{"institution"})
	registry.MustRegister(requests, duration, decisions, auditRetries, auditFailures, chainBreaks, evictions, crossTenant, quotaUsage)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		decisionsTotal:   decisions,
		auditRetries:     auditRetries,
		auditFailures:    auditFailures,
		chainBreaks:      chainBreaks,
		sessionEvictions: evictions,
		crossTenant:      crossTenant,
		quotaUsage:       quotaUsage,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveDecision counts an authorization decision.
func (m *Metrics) ObserveDecision(decision, reason string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(decision, reason).Inc()
}

// ObserveAuditRetry counts a retried audit write.
func (m *Metrics) ObserveAuditRetry() {
	if m == nil {
		return
	}
	m.auditRetries.Inc()
}

// ObserveAuditFailure counts an audit write abandoned after retries.
func (m *Metrics) ObserveAuditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

// ObserveChainBreak counts a verifier finding.
func (m *Metrics) ObserveChainBreak() {
	if m == nil {
		return
	}
	m.chainBreaks.Inc()
}

// ObserveSessionEviction counts an LRU session eviction.
func (m *Metrics) ObserveSessionEviction() {
	if m == nil {
		return
	}
	m.sessionEvictions.Inc()
}

// ObserveCrossTenant counts a cross-tenant violation.
func (m *Metrics) ObserveCrossTenant() {
	if m == nil {
		return
	}
	m.crossTenant.Inc()
}

// SetQuotaUsage records the user quota ratio for an institution.
func (m *Metrics) SetQuotaUsage(institution string, ratio float64) {
	if m == nil {
		return
	}
	m.quotaUsage.WithLabelValues(institution).Set(ratio)
}

// Registerer exposes the registry for custom collector registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
