package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exported by the entitlement engine.
// All helper methods are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Permission decisions
	PermissionChecksTotal *prometheus.CounterVec

	// Read cache
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	CacheClearsTotal prometheus.Counter

	// Grant mutations
	GrantsWrittenTotal *prometheus.CounterVec
	GrantsRevokedTotal prometheus.Counter

	// Plan templates and synchronization
	TemplateTransitionsTotal *prometheus.CounterVec
	SyncTenantsTotal         *prometheus.CounterVec
	SyncDuration             prometheus.Histogram

	// Audit trail
	AuditEventsTotal *prometheus.CounterVec

	// Database pool
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
}

// NewMetrics creates and registers all collectors on registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitle_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitle_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitle_permission_checks_total",
				Help: "Permission lookups by outcome",
			},
			[]string{"outcome"},
		),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitle_cache_hits_total",
			Help: "Read cache hits",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitle_cache_misses_total",
			Help: "Read cache misses",
		}),
		CacheClearsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitle_cache_clears_total",
			Help: "Wholesale cache clears triggered by mutations",
		}),
		GrantsWrittenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitle_grants_written_total",
				Help: "Permission grant rows inserted",
			},
			[]string{"operation"},
		),
		GrantsRevokedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitle_grants_revoked_total",
			Help: "Permission grant rows revoked by FORCE synchronization",
		}),
		TemplateTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitle_template_transitions_total",
				Help: "Plan template lifecycle transitions",
			},
			[]string{"action"},
		),
		SyncTenantsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitle_sync_tenants_total",
				Help: "Per-tenant synchronization outcomes",
			},
			[]string{"mode", "outcome"},
		),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "entitle_sync_tenant_duration_seconds",
			Help:    "Duration of a single tenant synchronization",
			Buckets: prometheus.DefBuckets,
		}),
		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitle_audit_events_total",
				Help: "Audit events by delivery outcome",
			},
			[]string{"outcome"},
		),
		DBConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "entitle_db_connections_open",
			Help: "Open connections in the primary pool",
		}),
		DBConnectionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "entitle_db_connections_in_use",
			Help: "Connections currently in use in the primary pool",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionChecksTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheClearsTotal,
		m.GrantsWrittenTotal,
		m.GrantsRevokedTotal,
		m.TemplateTransitionsTotal,
		m.SyncTenantsTotal,
		m.SyncDuration,
		m.AuditEventsTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
	)

	return m
}

func (m *Metrics) PermissionCheck(outcome string) {
	if m == nil {
		return
	}
	m.PermissionChecksTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

func (m *Metrics) CacheClear() {
	if m == nil {
		return
	}
	m.CacheClearsTotal.Inc()
}

func (m *Metrics) GrantsWritten(operation string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.GrantsWrittenTotal.WithLabelValues(operation).Add(float64(n))
}

func (m *Metrics) GrantsRevoked(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.GrantsRevokedTotal.Add(float64(n))
}

func (m *Metrics) TemplateTransition(action string) {
	if m == nil {
		return
	}
	m.TemplateTransitionsTotal.WithLabelValues(action).Inc()
}

// SyncTenant records one per-tenant synchronization outcome
func (m *Metrics) SyncTenant(mode, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.SyncTenantsTotal.WithLabelValues(mode, outcome).Inc()
	m.SyncDuration.Observe(took.Seconds())
}

func (m *Metrics) AuditEvent(outcome string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.WithLabelValues(outcome).Inc()
}

// UpdateDBStats copies pool statistics into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel uses the mux route template so path parameters do not explode cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, gatherer prometheus.Gatherer) {
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
