package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Subscription lifecycle
	TransitionsTotal         *prometheus.CounterVec
	TransitionConflictsTotal prometheus.Counter

	// Webhook ingestion
	WebhookEventsTotal    *prometheus.CounterVec
	WebhookDuration       prometheus.Histogram
	UnresolvedEventsTotal prometheus.Counter

	// Usage limiter
	UsageChecksTotal *prometheus.CounterVec

	// Reconciliation sweeps
	SweepItemsTotal *prometheus.CounterVec
	SweepDuration   *prometheus.HistogramVec

	// Plan catalog cache
	PlanCacheHitsTotal   prometheus.Counter
	PlanCacheMissesTotal prometheus.Counter

	// Outbound notifications
	NotificationsTotal *prometheus.CounterVec

	otel *OTelMetrics
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentbill_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rentbill_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentbill_subscription_transitions_total",
				Help: "Subscription status transitions by source status, target status and trigger",
			},
			[]string{"from", "to", "trigger"},
		),
		TransitionConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rentbill_subscription_version_conflicts_total",
				Help: "Optimistic concurrency conflicts retried while writing subscriptions",
			},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentbill_webhook_events_total",
				Help: "Inbound billing events by classified type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		WebhookDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rentbill_webhook_processing_seconds",
				Help:    "Time spent processing an inbound billing event",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		UnresolvedEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rentbill_webhook_unresolved_events_total",
				Help: "Authenticated events that matched no subscription",
			},
		),

		UsageChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentbill_usage_checks_total",
				Help: "Usage limit checks by resource kind and result",
			},
			[]string{"kind", "result"},
		),

		SweepItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentbill_sweep_items_total",
				Help: "Items visited by reconciliation sweeps",
			},
			[]string{"job", "result"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rentbill_sweep_duration_seconds",
				Help:    "Reconciliation sweep duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"job"},
		),

		PlanCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rentbill_plan_cache_hits_total",
				Help: "Plan catalog cache hits",
			},
		),
		PlanCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rentbill_plan_cache_misses_total",
				Help: "Plan catalog cache misses",
			},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentbill_notifications_total",
				Help: "Outbound notifications by kind and delivery status",
			},
			[]string{"kind", "status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TransitionsTotal,
		m.TransitionConflictsTotal,
		m.WebhookEventsTotal,
		m.WebhookDuration,
		m.UnresolvedEventsTotal,
		m.UsageChecksTotal,
		m.SweepItemsTotal,
		m.SweepDuration,
		m.PlanCacheHitsTotal,
		m.PlanCacheMissesTotal,
		m.NotificationsTotal,
	)

	return m
}

// ObserveTransition counts a status change
func (m *Metrics) ObserveTransition(from, to, trigger string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to, trigger).Inc()
	m.otel.recordTransition(from, to, trigger)
}

// ObserveConflict counts a version conflict that forced a retry
func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.TransitionConflictsTotal.Inc()
}

// ObserveWebhook records the outcome of one inbound event
func (m *Metrics) ObserveWebhook(eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	m.WebhookDuration.Observe(elapsed.Seconds())
	if outcome == "unresolved" {
		m.UnresolvedEventsTotal.Inc()
	}
	m.otel.recordWebhook(eventType, outcome)
}

// ObserveUsageCheck records an allowed or rejected limit check
func (m *Metrics) ObserveUsageCheck(kind string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "rejected"
		m.otel.recordUsageRejection(kind)
	}
	m.UsageChecksTotal.WithLabelValues(kind, result).Inc()
}

// ObserveSweep records the item counts and duration of one sweep run
func (m *Metrics) ObserveSweep(job string, processed, changed, failed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SweepItemsTotal.WithLabelValues(job, "processed").Add(float64(processed))
	m.SweepItemsTotal.WithLabelValues(job, "changed").Add(float64(changed))
	m.SweepItemsTotal.WithLabelValues(job, "failed").Add(float64(failed))
	m.SweepDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	m.otel.recordSweepFailures(job, failed)
}

// ObservePlanCache records a plan cache lookup
func (m *Metrics) ObservePlanCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.PlanCacheHitsTotal.Inc()
		return
	}
	m.PlanCacheMissesTotal.Inc()
}

// ObserveNotification records an outbound notification attempt
func (m *Metrics) ObserveNotification(kind string, err error) {
	if m == nil {
		return
	}
	status := "delivered"
	if err != nil {
		status = "failed"
	}
	m.NotificationsTotal.WithLabelValues(kind, status).Inc()
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

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Routes are labelled by their mux path template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := routeTemplate(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
