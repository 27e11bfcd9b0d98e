// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes and ordered shutdown.
//
// Services take a *Logger and an optional *Metrics. Every Metrics helper is
// nil-safe so unit tests can pass nil:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.SyncTenant("CONSERVATIVE", "synced", time.Since(start))
//
// Spans are started with StartSpan and closed with EndSpan, which records
// the returned error on the span.
package observability
