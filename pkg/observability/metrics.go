package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics for the operations endpoints
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Access-control metrics
	RLSCompilationsTotal     *prometheus.CounterVec
	RLSAssertionFailures     *prometheus.CounterVec
	PermissionDecisionsTotal *prometheus.CounterVec

	// Entity service metrics
	EntityOperationsTotal   *prometheus.CounterVec
	EntityOperationDuration *prometheus.HistogramVec

	// Delete engine metrics
	DeleteTransactionsTotal *prometheus.CounterVec
	DeleteDuration          *prometheus.HistogramVec
	CascadeRowsDeleted      *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen      prometheus.Gauge
	DBConnectionsInUse     prometheus.Gauge
	DBConnectionsIdle      prometheus.Gauge
	DBConnectionsWaitCount prometheus.Gauge

	// Redis metrics
	RedisCommandsTotal *prometheus.CounterVec

	// Audit metrics
	AuditEventsTotal *prometheus.CounterVec
	AuditRowsPurged  prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fieldops_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		RLSCompilationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_rls_compilations_total",
				Help: "Row-level security compilations by resulting policy",
			},
			[]string{"entity", "policy"},
		),
		RLSAssertionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_rls_assertion_failures_total",
				Help: "Results rejected because row-level security was required but not applied",
			},
			[]string{"entity"},
		),
		PermissionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_permission_decisions_total",
				Help: "Permission checks by outcome",
			},
			[]string{"resource", "action", "allowed"},
		),

		EntityOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_entity_operations_total",
				Help: "Entity service operations",
			},
			[]string{"entity", "operation", "status"},
		),
		EntityOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fieldops_entity_operation_duration_seconds",
				Help:    "Entity service operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"entity", "operation"},
		),

		DeleteTransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_delete_transactions_total",
				Help: "Delete transactions by final state",
			},
			[]string{"table", "outcome"},
		),
		DeleteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fieldops_delete_duration_seconds",
				Help:    "Delete transaction duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"table"},
		),
		CascadeRowsDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_cascade_rows_deleted_total",
				Help: "Dependent rows removed by cascading deletes",
			},
			[]string{"table", "dependent"},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fieldops_db_connections_open",
				Help: "Number of open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fieldops_db_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fieldops_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fieldops_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),

		RedisCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_redis_commands_total",
				Help: "Total number of Redis commands",
			},
			[]string{"command", "status"},
		),

		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_audit_events_total",
				Help: "Audit events written",
			},
			[]string{"event_type", "status"},
		),
		AuditRowsPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fieldops_audit_rows_purged_total",
				Help: "Audit rows removed by retention cleanup",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RLSCompilationsTotal,
		m.RLSAssertionFailures,
		m.PermissionDecisionsTotal,
		m.EntityOperationsTotal,
		m.EntityOperationDuration,
		m.DeleteTransactionsTotal,
		m.DeleteDuration,
		m.CascadeRowsDeleted,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.RedisCommandsTotal,
		m.AuditEventsTotal,
		m.AuditRowsPurged,
	)

	return m
}

// RecordEntityOperation records one entity service call. A nil receiver is a no-op.
func (m *Metrics) RecordEntityOperation(entity, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.EntityOperationsTotal.WithLabelValues(entity, operation, statusLabel(err)).Inc()
	m.EntityOperationDuration.WithLabelValues(entity, operation).Observe(time.Since(start).Seconds())
}

// RecordRLSCompilation counts a compilation under its policy label
func (m *Metrics) RecordRLSCompilation(entity, policyLabel string) {
	if m == nil {
		return
	}
	m.RLSCompilationsTotal.WithLabelValues(entity, policyLabel).Inc()
}

// RecordRLSAssertionFailure counts a result rejected by the applied-filter check
func (m *Metrics) RecordRLSAssertionFailure(entity string) {
	if m == nil {
		return
	}
	m.RLSAssertionFailures.WithLabelValues(entity).Inc()
}

// RecordPermissionDecision counts a permission check
func (m *Metrics) RecordPermissionDecision(resource, action string, allowed bool) {
	if m == nil {
		return
	}
	m.PermissionDecisionsTotal.WithLabelValues(resource, action, strconv.FormatBool(allowed)).Inc()
}

// RecordDelete counts a finished delete transaction
func (m *Metrics) RecordDelete(table, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.DeleteTransactionsTotal.WithLabelValues(table, outcome).Inc()
	m.DeleteDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())
}

// RecordCascadeRows adds removed dependent rows
func (m *Metrics) RecordCascadeRows(table, dependent string, rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.CascadeRowsDeleted.WithLabelValues(table, dependent).Add(float64(rows))
}

// RecordRedisCommand counts a Redis command
func (m *Metrics) RecordRedisCommand(command string, err error) {
	if m == nil {
		return
	}
	m.RedisCommandsTotal.WithLabelValues(command, statusLabel(err)).Inc()
}

// RecordAuditEvent counts an audit write
func (m *Metrics) RecordAuditEvent(eventType string, err error) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.WithLabelValues(eventType, statusLabel(err)).Inc()
}

// RecordAuditPurge adds rows removed by retention cleanup
func (m *Metrics) RecordAuditPurge(rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.AuditRowsPurged.Add(float64(rows))
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
