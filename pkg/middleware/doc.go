// Package middleware provides the HTTP middleware in front of the billing
// API and of the host application's protected routes.
//
// # Components
//
// RequestID: assigns or propagates X-Request-ID and a request-scoped logger
//
//	router.Use(middleware.RequestID(logger))
//
// OrgContext: resolves the organization from the {org_id} path variable or
// the X-Organization-ID header
//
//	router.Use(middleware.OrgContext)
//
// RequireEntitlement: rejects organizations without an active subscription
// with 402 and an action hint
//
//	router.Use(middleware.RequireEntitlement(service, logger))
//
// UsageGuard: rejects a mutating request that would exceed the plan's limit
// with 403 and records usage after the handler succeeds
//
//	router.Handle("/properties", middleware.UsageGuard(limiter, plans.ResourceProperties, middleware.GuardOptions{})(h))
//
// RateLimitMiddleware / DistributedRateLimitMiddleware: token bucket per
// organization (or client IP), in process or shared through Redis
//
// # Ordering
//
// OrgContext must run before RequireEntitlement, UsageGuard and the rate
// limiters; without an organization in the context they pass the request
// through unchanged.
package middleware
