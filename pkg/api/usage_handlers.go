package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/rentbill/pkg/errs"
	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/middleware"
	"github.com/platinummonkey/rentbill/pkg/plans"
)

// UsageRecordedResponse acknowledges a usage change
type UsageRecordedResponse struct {
	LimitType plans.Resource `json:"limitType"`
	Delta     int64          `json:"delta"`
}

func (s *Server) registerUsageRoutes(r *mux.Router) {
	r.HandleFunc("/usage/recount", s.recountUsage).Methods(http.MethodPost)
	r.HandleFunc("/usage/{kind}", s.getUsage).Methods(http.MethodGet)
	r.HandleFunc("/usage/{kind}/release", s.releaseUsage).Methods(http.MethodPost)

	// Consuming a unit goes through the same guard a host route would use:
	// 403 at the limit, usage recorded after success.
	for _, kind := range plans.Resources {
		guard := middleware.UsageGuard(s.limiter, kind, middleware.GuardOptions{
			Delta:  queryDelta,
			Logger: s.logger,
		})
		r.Handle("/usage/"+string(kind), guard(s.consumeUsage(kind))).Methods(http.MethodPost)
	}
}

// queryDelta reads ?delta=, defaulting to 1. An invalid value reserves one
// unit, which the guard gives back when consumeUsage rejects the request.
func queryDelta(r *http.Request) int64 {
	n, err := parseDelta(r)
	if err != nil {
		return 1
	}
	return n
}

func parseDelta(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("delta")
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, errs.Invalid("delta must be a positive integer, got %q", raw)
	}
	return n, nil
}

func usageKind(r *http.Request) (plans.Resource, error) {
	return plans.ParseResource(mux.Vars(r)["kind"])
}

// getUsage handles GET /orgs/{org_id}/usage/{kind}
func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	kind, err := usageKind(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	d, err := s.limiter.CheckLimit(r.Context(), id, kind)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, d)
}

// consumeUsage handles POST /orgs/{org_id}/usage/{kind} behind UsageGuard
func (s *Server) consumeUsage(kind plans.Resource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delta, err := parseDelta(r)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, UsageRecordedResponse{LimitType: kind, Delta: delta})
	})
}

// releaseUsage handles POST /orgs/{org_id}/usage/{kind}/release. Releases
// are never limited.
func (s *Server) releaseUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	kind, err := usageKind(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	delta, err := parseDelta(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if err := s.limiter.RecordUsage(r.Context(), id, kind, -delta); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, UsageRecordedResponse{LimitType: kind, Delta: -delta})
}

// recountUsage handles POST /orgs/{org_id}/usage/recount
func (s *Server) recountUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}

	if err := s.limiter.Recount(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
