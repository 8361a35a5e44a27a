// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes and graceful shutdown.
//
// # Structured Logging
//
// Logger wraps logrus with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("org_id", orgID).Info("subscription expired")
//
// Request-scoped loggers carry the request and organization IDs:
//
//	observability.FromContext(r.Context()).WithError(err).Error("webhook rejected")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.ObserveTransition("active", "past_due", "payment_failed")
//
// A nil *Metrics is accepted everywhere and records nothing, which keeps
// unit tests free of registry setup.
//
// # Tracing
//
// InitOTel installs OTLP/gRPC exporters globally; Tracer returns the
// process tracer and is a no-op until then.
//
// # Health
//
// HealthChecker exposes /health/live and /health/ready. The database is a
// critical dependency; Redis and the event archive only degrade readiness.
package observability
