package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/plans"
)

func (s *Server) registerPlanAdminRoutes(r *mux.Router) {
	r.HandleFunc("/plans", s.listAllPlans).Methods(http.MethodGet)
	r.HandleFunc("/plans", s.createPlan).Methods(http.MethodPost)
	r.HandleFunc("/plans/{plan_id:[0-9]+}", s.updatePlan).Methods(http.MethodPut)
	r.HandleFunc("/plans/{plan_id:[0-9]+}", s.archivePlan).Methods(http.MethodDelete)
}

// listPlans handles GET /plans; only active plans are offered
func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	list, err := s.plans.List(r.Context(), true)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*plans.Plan{}
	}
	httputil.WriteSuccess(w, list)
}

// listAllPlans handles GET /admin/plans, archived plans included
func (s *Server) listAllPlans(w http.ResponseWriter, r *http.Request) {
	list, err := s.plans.List(r.Context(), false)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*plans.Plan{}
	}
	httputil.WriteSuccess(w, list)
}

// getPlan handles GET /plans/{plan_id}
func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "plan_id")
	if !ok {
		return
	}

	plan, err := s.plans.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, plan)
}

// createPlan handles POST /admin/plans. Plans are active unless the body
// says otherwise.
func (s *Server) createPlan(w http.ResponseWriter, r *http.Request) {
	plan := plans.Plan{Active: true}
	if !httputil.ParseJSONOrError(w, r, &plan) {
		return
	}
	plan.ID = 0

	if err := s.plans.Create(r.Context(), &plan); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, &plan)
}

// updatePlan handles PUT /admin/plans/{plan_id}. Subscriptions keep their
// limit snapshot until a plan is assigned again.
func (s *Server) updatePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "plan_id")
	if !ok {
		return
	}
	var plan plans.Plan
	if !httputil.ParseJSONOrError(w, r, &plan) {
		return
	}
	plan.ID = id

	if err := s.plans.Update(r.Context(), &plan); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, &plan)
}

// archivePlan handles DELETE /admin/plans/{plan_id}. Archived plans stay
// readable for existing subscriptions.
func (s *Server) archivePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "plan_id")
	if !ok {
		return
	}

	if err := s.plans.Archive(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
