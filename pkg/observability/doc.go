// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry export, dependency health checks and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.LoggerConfig{Level: "info"})
//	logger.WithField("user_id", 7).Info("role assigned")
//
// Request handlers pull a correlation-tagged logger from the context:
//
//	observability.FromContext(r.Context()).Warn("audit sink degraded")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// # Tracing
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer providers.Shutdown(ctx)
//	ctx, span := observability.Tracer().Start(ctx, "rbac.guard")
package observability
