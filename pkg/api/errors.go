package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/rentbill/pkg/errs"
	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/observability"
)

// statusFor maps the error taxonomy to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrLimitExceeded):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrAlreadyExists), errors.Is(err, errs.ErrInvalidTransition):
		return http.StatusConflict
	case errs.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status. Causes of 5xx
// responses are logged, not echoed.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		observability.FromContext(r.Context()).WithError(err).Error("Request failed")
		httputil.WriteInternalError(w)
	case http.StatusServiceUnavailable:
		observability.FromContext(r.Context()).WithError(err).Warn("Store unavailable")
		w.Header().Set("Retry-After", "5")
		httputil.WriteServiceUnavailable(w, "store unavailable, retry later")
	default:
		httputil.WriteError(w, status, err)
	}
}
