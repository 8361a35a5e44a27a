// Package httputil provides HTTP utilities for standardized request/response handling.
//
// Response helpers write JSON bodies with a consistent error envelope:
//
//	httputil.WriteJSON(w, http.StatusOK, entitlement)
//	httputil.WriteCodedError(w, http.StatusPaymentRequired, "subscription_inactive", "renew to continue")
//
// Request helpers parse gorilla/mux path variables and bounded JSON bodies:
//
//	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
//
// LoggingMiddleware and RecoveryMiddleware log through the request-scoped
// observability logger.
package httputil
