package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/middleware"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/plans"
	"github.com/platinummonkey/rentbill/pkg/usage"
	"github.com/platinummonkey/rentbill/pkg/webhooks"
)

// SubscriptionService is the lifecycle surface the handlers drive.
// *billing.Service implements it.
type SubscriptionService interface {
	CreateTrial(ctx context.Context, orgID, planID int64) (*billing.Subscription, error)
	GetByOrg(ctx context.Context, orgID int64) (*billing.Subscription, error)
	Entitlement(ctx context.Context, orgID int64) (billing.Entitlement, error)
	ApplyByOrg(ctx context.Context, orgID int64, trigger billing.Trigger, params billing.Params) (*billing.Subscription, error)
	GrantLifetime(ctx context.Context, orgID int64) (*billing.Subscription, error)
	RevokeLifetime(ctx context.Context, orgID int64) (*billing.Subscription, error)
	Deactivate(ctx context.Context, orgID int64) (*billing.Subscription, error)
	AssignPlan(ctx context.Context, orgID, planID int64) (*billing.Subscription, error)
}

// UsageLimiter checks, reserves and records metered usage. *usage.Limiter
// implements it.
type UsageLimiter interface {
	CheckLimit(ctx context.Context, orgID int64, kind plans.Resource) (usage.Decision, error)
	Reserve(ctx context.Context, orgID int64, kind plans.Resource, delta int64) (usage.Decision, error)
	Settle(ctx context.Context, orgID int64, kind plans.Resource, delta int64, keep bool) error
	RecordUsage(ctx context.Context, orgID int64, kind plans.Resource, delta int64) error
	Recount(ctx context.Context, orgID int64) error
}

// CheckoutCreator starts hosted checkouts. *webhooks.Checkout implements it.
type CheckoutCreator interface {
	CreateSession(ctx context.Context, orgID, planID int64, successURL, cancelURL string) (*webhooks.Session, error)
}

// Options carries the optional collaborators of a Server
type Options struct {
	// Checkout enables POST /orgs/{org_id}/checkout
	Checkout CheckoutCreator

	// Webhook serves POST /billing/webhook
	Webhook http.Handler

	// Unresolved enables GET /admin/billing/unresolved-events
	Unresolved webhooks.UnresolvedLister

	// AdminToken enables the /admin routes behind a bearer token.
	// Without it they are not registered.
	AdminToken string

	// RateLimit wraps the organization routes
	RateLimit mux.MiddlewareFunc

	Health   *observability.HealthChecker
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Logger   *observability.Logger
}

// Server represents the billing API server
type Server struct {
	subs    SubscriptionService
	limiter UsageLimiter
	plans   plans.Store
	opts    Options
	logger  *observability.Logger
	router  *mux.Router
}

// NewServer creates a new API server with all routes registered
func NewServer(subs SubscriptionService, limiter UsageLimiter, planStore plans.Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	s := &Server{
		subs:    subs,
		limiter: limiter,
		plans:   planStore,
		opts:    opts,
		logger:  opts.Logger,
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(observability.HTTPMetricsMiddleware(s.opts.Metrics))

	if s.opts.Health != nil {
		observability.RegisterHealthRoutes(s.router, s.opts.Health)
	}
	if s.opts.Registry != nil {
		observability.RegisterMetricsEndpoint(s.router, s.opts.Registry)
	}

	// Public plan catalog
	s.router.HandleFunc("/plans", s.listPlans).Methods(http.MethodGet)
	s.router.HandleFunc("/plans/{plan_id:[0-9]+}", s.getPlan).Methods(http.MethodGet)

	// Processor notifications
	if s.opts.Webhook != nil {
		s.router.Handle("/billing/webhook", s.opts.Webhook).Methods(http.MethodPost)
	}

	orgs := s.router.PathPrefix("/orgs/{org_id:[0-9]+}").Subrouter()
	orgs.Use(middleware.OrgContext)
	if s.opts.RateLimit != nil {
		orgs.Use(s.opts.RateLimit)
	}
	s.registerSubscriptionRoutes(orgs)
	s.registerUsageRoutes(orgs)

	if s.opts.AdminToken != "" {
		admin := s.router.PathPrefix("/admin").Subrouter()
		admin.Use(s.requireAdmin)
		s.registerAdminRoutes(admin)
		s.registerPlanAdminRoutes(admin)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the router so callers can mount extra routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the server wrapped in the request-scoped middleware
// chain: tracing, request IDs, access logs and panic recovery
func (s *Server) Handler() http.Handler {
	var h http.Handler = s
	h = httputil.LoggingMiddleware(h)
	h = middleware.RequestID(s.logger)(h)
	h = httputil.RecoveryMiddleware(h)
	return otelhttp.NewHandler(h, "rentbill.api")
}
