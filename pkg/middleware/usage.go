package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/contextkeys"
	"github.com/platinummonkey/rentbill/pkg/errs"
	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/plans"
	"github.com/platinummonkey/rentbill/pkg/usage"
)

// LimitChecker reserves and settles resource usage. *usage.Limiter
// implements it.
type LimitChecker interface {
	Reserve(ctx context.Context, orgID int64, kind plans.Resource, delta int64) (usage.Decision, error)
	Settle(ctx context.Context, orgID int64, kind plans.Resource, delta int64, keep bool) error
}

// EntitlementReader answers whether an organization may use paid features.
// *billing.Service implements it.
type EntitlementReader interface {
	Entitlement(ctx context.Context, orgID int64) (billing.Entitlement, error)
}

// LimitExceededResponse is the 403 body of a rejected request
type LimitExceededResponse struct {
	Error        string         `json:"error"`
	LimitType    plans.Resource `json:"limitType"`
	CurrentUsage int64          `json:"currentUsage"`
	Limit        int64          `json:"limit"`
}

// EntitlementResponse is the 402 body for an organization without an
// active subscription
type EntitlementResponse struct {
	Error  string         `json:"error"`
	Reason string         `json:"reason"`
	Action string         `json:"action,omitempty"`
	Status billing.Status `json:"status,omitempty"`
}

// GuardOptions configures UsageGuard
type GuardOptions struct {
	// Delta returns how much a request consumes. Nil means 1. Derived
	// counters are recounted once the handler answers.
	Delta func(r *http.Request) int64

	Logger        *observability.Logger
	RecordTimeout time.Duration
}

func isReadOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// UsageGuard reserves the request's usage of kind before the handler runs
// and rejects the request when the reservation does not fit the limit. The
// reservation is kept when the handler answers 2xx and given back otherwise,
// before the response completes. Read-only requests and requests without an
// organization pass through.
func UsageGuard(checker LimitChecker, kind plans.Resource, opts GuardOptions) func(http.Handler) http.Handler {
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 5 * time.Second
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID, ok := contextkeys.GetOrgID(r.Context())
			if !ok || isReadOnly(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			delta := int64(1)
			if opts.Delta != nil {
				delta = opts.Delta(r)
			}

			decision, err := checker.Reserve(r.Context(), orgID, kind, delta)
			switch {
			case errors.Is(err, errs.ErrNotFound):
				httputil.WriteJSON(w, http.StatusPaymentRequired, EntitlementResponse{
					Error:  "subscription_required",
					Reason: billing.ReasonNoSubscription,
					Action: billing.ActionStartTrial,
				})
				return
			case errors.Is(err, errs.ErrInvalidInput):
				httputil.WriteBadRequest(w, err.Error())
				return
			case err != nil:
				opts.Logger.WithError(err).WithField("org_id", orgID).Error("Usage check failed")
				httputil.WriteServiceUnavailable(w, "usage check unavailable")
				return
			case !decision.Allowed:
				httputil.WriteJSON(w, http.StatusForbidden, LimitExceededResponse{
					Error:        "limit_exceeded",
					LimitType:    decision.LimitType,
					CurrentUsage: decision.CurrentUsage,
					Limit:        decision.Limit,
				})
				return
			}

			rec := httputil.NewStatusRecorder(w)
			next.ServeHTTP(rec, r)
			keep := rec.Status() >= 200 && rec.Status() < 300

			// the client may be gone; the reservation still has to settle
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), opts.RecordTimeout)
			defer cancel()
			if err := checker.Settle(ctx, orgID, kind, delta, keep); err != nil {
				opts.Logger.WithError(err).WithFields(map[string]interface{}{
					"org_id": orgID,
					"kind":   string(kind),
					"delta":  delta,
					"kept":   keep,
				}).Error("Failed to settle usage")
			}
		})
	}
}

// RequireEntitlement rejects requests of organizations whose subscription
// does not currently grant access, with 402 and an action hint
func RequireEntitlement(reader EntitlementReader, logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID, ok := contextkeys.GetOrgID(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			e, err := reader.Entitlement(r.Context(), orgID)
			if err != nil {
				logger.WithError(err).WithField("org_id", orgID).Error("Entitlement check failed")
				httputil.WriteServiceUnavailable(w, "entitlement check unavailable")
				return
			}
			if !e.IsActive {
				httputil.WriteJSON(w, http.StatusPaymentRequired, EntitlementResponse{
					Error:  "subscription_inactive",
					Reason: e.Reason,
					Action: e.Action,
					Status: e.Status,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
