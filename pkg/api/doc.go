// Package api exposes the billing engine over HTTP.
//
// Organization routes live under /orgs/{org_id} and are rate limited per
// organization. Consumption routes for countable resources pass through the
// usage guard, so a request that would exceed the plan limit is rejected
// before its handler runs. The processor posts to /billing/webhook. Operator
// routes under /admin require a bearer token and are not mounted when no
// token is configured.
package api
