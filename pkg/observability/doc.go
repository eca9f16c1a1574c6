// Package observability provides structured logging, Prometheus metrics, OpenTelemetry
// tracing, health checks and graceful shutdown for fieldops.
//
// # Structured Logging
//
// Logger wraps logrus with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("entity", "work_orders").Info("delete committed")
//
// Request-scoped loggers carry the request id, user id and trace ids:
//
//	observability.FromContext(ctx).WithError(err).Error("list failed")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordDelete("work_orders", "COMMIT", start)
//
// All Record* helpers accept a nil *Metrics, so components can run without metrics.
//
// # Tracing
//
//	ctx, span := observability.StartSpan(ctx, "entity.List", attribute.String("entity", name))
//	defer func() { observability.EndSpan(span, err) }()
//
// InitOTel installs OTLP gRPC exporters; without it the global no-op tracer is used.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(connManager, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
package observability
