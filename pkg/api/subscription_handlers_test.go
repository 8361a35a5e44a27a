package api

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/middleware"
	"github.com/platinummonkey/rentbill/pkg/webhooks"
)

func TestEntitlementEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	t.Run("no subscription", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/orgs/7/entitlement", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var e billing.Entitlement
		decode(t, w, &e)
		assert.False(t, e.IsActive)
		assert.Equal(t, billing.ReasonNoSubscription, e.Reason)
		assert.Equal(t, billing.ActionStartTrial, e.Action)
	})

	t.Run("trial then lapse", func(t *testing.T) {
		f.startTrial(t, 7, f.basic.ID)

		var e billing.Entitlement
		decode(t, f.do(t, http.MethodGet, "/orgs/7/entitlement", nil, nil), &e)
		assert.True(t, e.IsActive)
		assert.Equal(t, billing.StatusTrialing, e.Status)
		assert.Equal(t, 14, e.DaysUntilExpiry)

		f.now = t0.Add(15 * 24 * time.Hour)
		decode(t, f.do(t, http.MethodGet, "/orgs/7/entitlement", nil, nil), &e)
		assert.False(t, e.IsActive)
		assert.Equal(t, billing.StatusExpired, e.Status)
		assert.Equal(t, billing.ReasonExpired, e.Reason)
		assert.Equal(t, billing.ActionRenew, e.Action)
	})
}

func TestSubscriptionRoutes(t *testing.T) {
	f := newFixture(t, nil)

	t.Run("unknown organization", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/orgs/1/subscription", nil, nil).Code)
	})

	t.Run("trial validation", func(t *testing.T) {
		tests := []struct {
			name   string
			body   interface{}
			status int
		}{
			{"missing plan", StartTrialRequest{}, http.StatusBadRequest},
			{"unknown plan", StartTrialRequest{PlanID: 999}, http.StatusNotFound},
			{"malformed body", []byte(`{"planId":`), http.StatusBadRequest},
			{"unknown field", []byte(`{"planId":1,"coupon":"x"}`), http.StatusBadRequest},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := f.do(t, http.MethodPost, "/orgs/1/subscription/trial", tt.body, nil)
				assert.Equal(t, tt.status, w.Code, w.Body.String())
			})
		}
	})

	t.Run("trial, cancel, reactivate", func(t *testing.T) {
		f.startTrial(t, 1, f.basic.ID)

		w := f.do(t, http.MethodPost, "/orgs/1/subscription/trial", StartTrialRequest{PlanID: f.basic.ID}, nil)
		assert.Equal(t, http.StatusConflict, w.Code)

		var sub billing.Subscription
		w = f.do(t, http.MethodPost, "/orgs/1/subscription/cancel", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &sub)
		assert.True(t, sub.CancelAtPeriodEnd)
		assert.Equal(t, billing.StatusTrialing, sub.Status)

		w = f.do(t, http.MethodPost, "/orgs/1/subscription/reactivate", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &sub)
		assert.False(t, sub.CancelAtPeriodEnd)

		decode(t, f.do(t, http.MethodGet, "/orgs/1/subscription", nil, nil), &sub)
		assert.Equal(t, int64(1), sub.OrgID)
		assert.Equal(t, f.basic.ID, sub.PlanID)
	})

	t.Run("cancel after expiry is rejected", func(t *testing.T) {
		f.startTrial(t, 2, f.basic.ID)
		f.now = t0.Add(30 * 24 * time.Hour)
		defer func() { f.now = t0 }()

		w := f.do(t, http.MethodPost, "/orgs/2/subscription/cancel", nil, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestCheckoutRoute(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/orgs/3/checkout", CheckoutRequest{
		PlanID:     f.pro.ID,
		SuccessURL: "https://app.example.com/ok",
		CancelURL:  "https://app.example.com/cancel",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var session webhooks.Session
	decode(t, w, &session)
	require.NotEmpty(t, session.Reference)
	u, err := url.Parse(session.URL)
	require.NoError(t, err)
	assert.Equal(t, "pay.example.com", u.Host)
	assert.Equal(t, "pro-yearly", u.Query().Get("product"))
	assert.Equal(t, session.Reference, u.Query().Get("external_reference"))

	t.Run("relative return URL", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/orgs/3/checkout", CheckoutRequest{
			PlanID:     f.pro.ID,
			SuccessURL: "/ok",
			CancelURL:  "https://app.example.com/cancel",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("not registered without checkout", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.Checkout = nil })
		w := f.do(t, http.MethodPost, "/orgs/3/checkout", CheckoutRequest{PlanID: 1}, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestFeatureRouteRequiresEntitlement(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/orgs/4/features/reports", nil, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var denied middleware.EntitlementResponse
	decode(t, w, &denied)
	assert.Equal(t, billing.ReasonNoSubscription, denied.Reason)
	assert.Equal(t, billing.ActionStartTrial, denied.Action)

	f.startTrial(t, 4, f.basic.ID)

	var feature FeatureResponse
	w = f.do(t, http.MethodGet, "/orgs/4/features/reports", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &feature)
	assert.True(t, feature.Enabled)
	assert.Equal(t, f.basic.ID, feature.PlanID)

	decode(t, f.do(t, http.MethodGet, "/orgs/4/features/sso", nil, nil), &feature)
	assert.False(t, feature.Enabled)

	f.now = t0.Add(20 * 24 * time.Hour)
	w = f.do(t, http.MethodGet, "/orgs/4/features/reports", nil, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	decode(t, w, &denied)
	assert.Equal(t, billing.ActionRenew, denied.Action)
	assert.Equal(t, billing.StatusExpired, denied.Status)
}

func TestOrgPathValidation(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/orgs/0/entitlement", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp httputil.ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, "invalid organization id", resp.Error)
}
