package middleware

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/rentbill/pkg/contextkeys"
	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/observability"
)

const (
	// RequestIDHeader carries the request ID in and out
	RequestIDHeader = "X-Request-ID"

	// OrgHeader names the organization on routes without an {org_id} variable
	OrgHeader = "X-Organization-ID"
)

// RequestID propagates the caller's X-Request-ID or assigns a new one, and
// stores a logger carrying it in the request context
func RequestID(logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := contextkeys.WithRequestID(r.Context(), id)
			ctx = observability.WithRequestID(ctx, id)
			ctx = observability.WithLogger(ctx, logger.WithField("request_id", id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OrgContext puts the organization ID from the {org_id} path variable, or
// failing that the X-Organization-ID header, into the request context.
// A present but invalid value is rejected with 400.
func OrgContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := mux.Vars(r)["org_id"]
		if !ok {
			raw = r.Header.Get(OrgHeader)
		}
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		orgID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || orgID <= 0 {
			httputil.WriteBadRequest(w, "invalid organization id")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextkeys.WithOrgID(r.Context(), orgID)))
	})
}
