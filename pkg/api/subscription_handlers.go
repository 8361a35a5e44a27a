package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/errs"
	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/middleware"
)

// StartTrialRequest is the body of POST /orgs/{org_id}/subscription/trial
type StartTrialRequest struct {
	PlanID int64 `json:"planId"`
}

// CheckoutRequest is the body of POST /orgs/{org_id}/checkout
type CheckoutRequest struct {
	PlanID     int64  `json:"planId"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

// FeatureResponse answers GET /orgs/{org_id}/features/{feature}
type FeatureResponse struct {
	Feature string `json:"feature"`
	Enabled bool   `json:"enabled"`
	PlanID  int64  `json:"planId"`
}

func (s *Server) registerSubscriptionRoutes(r *mux.Router) {
	r.HandleFunc("/entitlement", s.getEntitlement).Methods(http.MethodGet)
	r.HandleFunc("/subscription", s.getSubscription).Methods(http.MethodGet)
	r.HandleFunc("/subscription/trial", s.startTrial).Methods(http.MethodPost)
	r.HandleFunc("/subscription/cancel", s.applyTrigger(billing.TriggerCancel)).Methods(http.MethodPost)
	r.HandleFunc("/subscription/reactivate", s.applyTrigger(billing.TriggerReactivate)).Methods(http.MethodPost)

	if s.opts.Checkout != nil {
		r.HandleFunc("/checkout", s.createCheckout).Methods(http.MethodPost)
	}

	features := middleware.RequireEntitlement(s.subs, s.logger)(http.HandlerFunc(s.getFeature))
	r.Handle("/features/{feature}", features).Methods(http.MethodGet)
}

// orgID reads the {org_id} path variable, writing 400 when it is invalid
func orgID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	return httputil.ParsePathInt64OrError(w, r, "org_id")
}

// getEntitlement handles GET /orgs/{org_id}/entitlement
func (s *Server) getEntitlement(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}

	e, err := s.subs.Entitlement(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, e)
}

// getSubscription handles GET /orgs/{org_id}/subscription
func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}

	sub, err := s.subs.GetByOrg(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// startTrial handles POST /orgs/{org_id}/subscription/trial
func (s *Server) startTrial(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	var req StartTrialRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.PlanID <= 0 {
		httputil.WriteBadRequest(w, "planId is required")
		return
	}

	sub, err := s.subs.CreateTrial(r.Context(), id, req.PlanID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, sub)
}

// applyTrigger handles the parameterless lifecycle operations of an organization
func (s *Server) applyTrigger(trigger billing.Trigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := orgID(w, r)
		if !ok {
			return
		}

		sub, err := s.subs.ApplyByOrg(r.Context(), id, trigger, billing.Params{})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		httputil.WriteSuccess(w, sub)
	}
}

// createCheckout handles POST /orgs/{org_id}/checkout
func (s *Server) createCheckout(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	var req CheckoutRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.PlanID <= 0 {
		httputil.WriteBadRequest(w, "planId is required")
		return
	}

	session, err := s.opts.Checkout.CreateSession(r.Context(), id, req.PlanID, req.SuccessURL, req.CancelURL)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, session)
}

// getFeature handles GET /orgs/{org_id}/features/{feature}. Only entitled
// organizations reach it.
func (s *Server) getFeature(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	feature := mux.Vars(r)["feature"]
	if feature == "" {
		writeServiceError(w, r, errs.Invalid("feature is required"))
		return
	}

	sub, err := s.subs.GetByOrg(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	plan, err := s.plans.Get(r.Context(), sub.PlanID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, FeatureResponse{
		Feature: feature,
		Enabled: plan.HasFeature(feature),
		PlanID:  plan.ID,
	})
}
