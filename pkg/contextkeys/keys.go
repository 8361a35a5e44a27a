// Package contextkeys provides centralized context key definitions
//
// All request-scoped values shared between middleware, handlers and the
// logging layer are keyed here so that producers and consumers agree on type.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/rentbill/pkg/contextkeys"
//	ctx = contextkeys.WithOrgID(ctx, 42)
//	orgID, ok := contextkeys.GetOrgID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// OrgIDKey contains the organization ID the request acts on.
	// Set by: middleware.OrgContext (pkg/middleware/org.go)
	// Required by: usage guard, entitlement guard, org-scoped handlers
	// Type: int64
	OrgIDKey Key = "org_id"

	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: Logger, webhook diagnostics
	// Type: string
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: middleware.RequestID
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithOrgID adds the organization ID to the context
func WithOrgID(ctx context.Context, orgID int64) context.Context {
	return context.WithValue(ctx, OrgIDKey, orgID)
}

// GetOrgID retrieves the organization ID from context
func GetOrgID(ctx context.Context) (int64, bool) {
	orgID, ok := ctx.Value(OrgIDKey).(int64)
	if !ok || orgID <= 0 {
		return 0, false
	}
	return orgID, true
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}
