package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/webhooks"
)

// AssignPlanRequest is the body of PUT /admin/orgs/{org_id}/plan
type AssignPlanRequest struct {
	PlanID int64 `json:"planId"`
}

// UnresolvedEventsResponse is a page of unresolved processor events
type UnresolvedEventsResponse struct {
	Events     []*webhooks.UnresolvedEvent `json:"events"`
	NextBefore int64                       `json:"nextBefore,omitempty"`
}

// requireAdmin checks the bearer token of admin requests
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	want := []byte(s.opts.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			httputil.WriteUnauthorized(w, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerAdminRoutes(r *mux.Router) {
	orgs := r.PathPrefix("/orgs/{org_id:[0-9]+}").Subrouter()
	orgs.HandleFunc("/activate", s.applyTrigger(billing.TriggerActivate)).Methods(http.MethodPost)
	orgs.HandleFunc("/lifetime", s.grantLifetime).Methods(http.MethodPost)
	orgs.HandleFunc("/lifetime", s.revokeLifetime).Methods(http.MethodDelete)
	orgs.HandleFunc("/deactivate", s.deactivate).Methods(http.MethodPost)
	orgs.HandleFunc("/plan", s.assignPlan).Methods(http.MethodPut)

	if s.opts.Unresolved != nil {
		r.HandleFunc("/billing/unresolved-events", s.listUnresolved).Methods(http.MethodGet)
	}
}

// grantLifetime handles POST /admin/orgs/{org_id}/lifetime
func (s *Server) grantLifetime(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	sub, err := s.subs.GrantLifetime(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// revokeLifetime handles DELETE /admin/orgs/{org_id}/lifetime
func (s *Server) revokeLifetime(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	sub, err := s.subs.RevokeLifetime(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// deactivate handles POST /admin/orgs/{org_id}/deactivate
func (s *Server) deactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	sub, err := s.subs.Deactivate(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// assignPlan handles PUT /admin/orgs/{org_id}/plan
func (s *Server) assignPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	var req AssignPlanRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.PlanID <= 0 {
		httputil.WriteBadRequest(w, "planId is required")
		return
	}

	sub, err := s.subs.AssignPlan(r.Context(), id, req.PlanID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// listUnresolved handles GET /admin/billing/unresolved-events?before=&limit=
func (s *Server) listUnresolved(w http.ResponseWriter, r *http.Request) {
	before, err := httputil.ParseQueryInt(r, "before", 0)
	if err != nil || before < 0 {
		httputil.WriteBadRequest(w, "before must be a non-negative integer")
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil || limit <= 0 {
		httputil.WriteBadRequest(w, "limit must be a positive integer")
		return
	}

	events, err := s.opts.Unresolved.List(r.Context(), int64(before), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []*webhooks.UnresolvedEvent{}
	}
	resp := UnresolvedEventsResponse{Events: events}
	if n := len(events); n > 0 && n >= limit {
		resp.NextBefore = events[n-1].ID
	}
	httputil.WriteSuccess(w, resp)
}
