package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/plans"
	"github.com/platinummonkey/rentbill/pkg/webhooks"
)

func TestAdminAuthentication(t *testing.T) {
	f := newFixture(t, nil)
	f.startTrial(t, 20, f.basic.ID)

	tests := []struct {
		name   string
		header http.Header
		status int
	}{
		{"no token", nil, http.StatusUnauthorized},
		{"wrong token", http.Header{"Authorization": {"Bearer nope"}}, http.StatusUnauthorized},
		{"wrong scheme", http.Header{"Authorization": {"Basic " + testAdminToken}}, http.StatusUnauthorized},
		{"valid token", http.Header{"Authorization": {"Bearer " + testAdminToken}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/admin/orgs/20/activate", nil, tt.header)
			assert.Equal(t, tt.status, w.Code)
		})
	}

	t.Run("admin routes absent without a token", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.AdminToken = "" })
		w := f.do(t, http.MethodPost, "/admin/orgs/20/activate", nil, http.Header{"Authorization": {"Bearer "}})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAdminLifecycleOperations(t *testing.T) {
	f := newFixture(t, nil)
	f.startTrial(t, 21, f.basic.ID)

	var sub billing.Subscription
	w := f.admin(t, http.MethodPost, "/admin/orgs/21/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &sub)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.Nil(t, sub.TrialEnd)

	w = f.admin(t, http.MethodPut, "/admin/orgs/21/plan", AssignPlanRequest{PlanID: f.pro.ID})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &sub)
	assert.Equal(t, f.pro.ID, sub.PlanID)
	assert.Equal(t, plans.UnlimitedLimits(), sub.Limits)

	w = f.admin(t, http.MethodPost, "/admin/orgs/21/lifetime", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &sub)
	assert.True(t, sub.IsLifetime)

	var e billing.Entitlement
	decode(t, f.do(t, http.MethodGet, "/orgs/21/entitlement", nil, nil), &e)
	assert.True(t, e.IsActive)
	assert.Equal(t, billing.DaysLifetime, e.DaysUntilExpiry)

	w = f.do(t, http.MethodPost, "/orgs/21/subscription/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "lifetime subscriptions cannot be canceled")

	w = f.admin(t, http.MethodDelete, "/admin/orgs/21/lifetime", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &sub)
	assert.False(t, sub.IsLifetime)
	assert.Equal(t, billing.StatusActive, sub.Status)

	w = f.admin(t, http.MethodPost, "/admin/orgs/21/deactivate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &sub)
	assert.Equal(t, billing.StatusInactive, sub.Status)

	decode(t, f.do(t, http.MethodGet, "/orgs/21/entitlement", nil, nil), &e)
	assert.False(t, e.IsActive)
	assert.Equal(t, billing.ActionReactivate, e.Action)
}

func TestAdminOperationErrors(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusNotFound, f.admin(t, http.MethodPost, "/admin/orgs/22/lifetime", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.admin(t, http.MethodPut, "/admin/orgs/22/plan", AssignPlanRequest{}).Code)

	f.startTrial(t, 22, f.basic.ID)
	assert.Equal(t, http.StatusNotFound, f.admin(t, http.MethodPut, "/admin/orgs/22/plan", AssignPlanRequest{PlanID: 404}).Code)
}

func TestPlanRoutes(t *testing.T) {
	f := newFixture(t, nil)

	var list []*plans.Plan
	decode(t, f.do(t, http.MethodGet, "/plans", nil, nil), &list)
	require.Len(t, list, 2)

	w := f.admin(t, http.MethodPost, "/admin/plans", map[string]interface{}{
		"name":         "Team",
		"priceCents":   4900,
		"currency":     "eur",
		"billingCycle": "monthly",
		"features":     []string{"reports", "api"},
		"limits":       plans.Limits{Properties: 20, Tenants: 200, Users: 10, StorageMB: 5000, ExportsPerMonth: 100},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var team plans.Plan
	decode(t, w, &team)
	assert.NotZero(t, team.ID)
	assert.True(t, team.Active)
	assert.Equal(t, "EUR", team.Currency)

	t.Run("create validation", func(t *testing.T) {
		w := f.admin(t, http.MethodPost, "/admin/plans", map[string]interface{}{"name": "Team"})
		assert.Equal(t, http.StatusConflict, w.Code)

		w = f.admin(t, http.MethodPost, "/admin/plans", map[string]interface{}{"name": "Odd", "currency": "DOLLARS"})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = f.admin(t, http.MethodPost, "/admin/plans", map[string]interface{}{"name": "Neg", "limits": map[string]int{"users": -2}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("update", func(t *testing.T) {
		team.PriceCents = 5900
		w := f.admin(t, http.MethodPut, "/admin/plans/"+strconv.FormatInt(team.ID, 10), team)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var got plans.Plan
		decode(t, f.do(t, http.MethodGet, "/plans/"+strconv.FormatInt(team.ID, 10), nil, nil), &got)
		assert.Equal(t, int64(5900), got.PriceCents)

		assert.Equal(t, http.StatusNotFound, f.admin(t, http.MethodPut, "/admin/plans/999", team).Code)
	})

	t.Run("archive hides from the public catalog", func(t *testing.T) {
		require.Equal(t, http.StatusNoContent, f.admin(t, http.MethodDelete, "/admin/plans/"+strconv.FormatInt(team.ID, 10), nil).Code)

		decode(t, f.do(t, http.MethodGet, "/plans", nil, nil), &list)
		assert.Len(t, list, 2)

		decode(t, f.admin(t, http.MethodGet, "/admin/plans", nil), &list)
		assert.Len(t, list, 3)

		w := f.do(t, http.MethodPost, "/orgs/30/subscription/trial", StartTrialRequest{PlanID: team.ID}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "archived plans cannot start trials")
	})

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/plans/999", nil, nil).Code)
}

func (f *fixture) deliver(t *testing.T, id, typ string, data map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"id": id, "type": typ, "data": data})
	require.NoError(t, err)
	sig := webhooks.Sign(testWebhookSecret, id, typ, f.now.Unix(), body)
	return f.do(t, http.MethodPost, "/billing/webhook", body, http.Header{webhooks.SignatureHeader: {sig}})
}

func TestWebhookRouteAndDiagnostics(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/orgs/40/checkout", CheckoutRequest{
		PlanID:     f.pro.ID,
		SuccessURL: "https://app.example.com/ok",
		CancelURL:  "https://app.example.com/cancel",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var session webhooks.Session
	decode(t, w, &session)

	var ack webhooks.AckResponse
	w = f.deliver(t, "evt_1", "order-created", map[string]interface{}{
		"externalId":        "sub_ext_40",
		"externalReference": session.Reference,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &ack)
	assert.Equal(t, webhooks.OutcomeApplied, ack.Outcome)

	w = f.deliver(t, "evt_2", "payment-authorized", map[string]interface{}{"externalId": "sub_ext_40"})
	require.Equal(t, http.StatusOK, w.Code)

	var e billing.Entitlement
	decode(t, f.do(t, http.MethodGet, "/orgs/40/entitlement", nil, nil), &e)
	assert.True(t, e.IsActive)
	assert.Equal(t, billing.StatusActive, e.Status)

	t.Run("replay is acknowledged", func(t *testing.T) {
		w := f.deliver(t, "evt_2", "payment-authorized", map[string]interface{}{"externalId": "sub_ext_40"})
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &ack)
		assert.Equal(t, webhooks.OutcomeDuplicate, ack.Outcome)
	})

	t.Run("bad signature", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/billing/webhook", []byte(`{"id":"evt_x","type":"payment-authorized","data":{}}`),
			http.Header{webhooks.SignatureHeader: {"ts=1,v1=00"}})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unresolved events are listed for operators", func(t *testing.T) {
		w := f.deliver(t, "evt_3", "payment-authorized", map[string]interface{}{"externalId": "sub_missing"})
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &ack)
		assert.Equal(t, webhooks.OutcomeUnresolved, ack.Outcome)

		var page UnresolvedEventsResponse
		w = f.admin(t, http.MethodGet, "/admin/billing/unresolved-events?limit=10", nil)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &page)
		require.Len(t, page.Events, 1)
		assert.Equal(t, "evt_3", page.Events[0].EventID)
		assert.Equal(t, "sub_missing", page.Events[0].ExternalID)
		assert.Zero(t, page.NextBefore)

		assert.Equal(t, http.StatusBadRequest, f.admin(t, http.MethodGet, "/admin/billing/unresolved-events?limit=0", nil).Code)
		assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/admin/billing/unresolved-events", nil, nil).Code)
	})
}
