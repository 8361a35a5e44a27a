package plans

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rentbill/pkg/errs"
)

func TestParseResource(t *testing.T) {
	for _, r := range Resources {
		got, err := ParseResource(string(r))
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}

	got, err := ParseResource(" Properties ")
	require.NoError(t, err)
	assert.Equal(t, ResourceProperties, got)

	_, err = ParseResource("widgets")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestLimitsFor(t *testing.T) {
	l := Limits{Properties: 5, Tenants: 50, Users: 2, StorageMB: 1024, ExportsPerMonth: 10}

	assert.Equal(t, int64(5), l.For(ResourceProperties))
	assert.Equal(t, int64(50), l.For(ResourceTenants))
	assert.Equal(t, int64(2), l.For(ResourceUsers))
	assert.Equal(t, int64(1024), l.For(ResourceStorage))
	assert.Equal(t, int64(10), l.For(ResourceExports))
	assert.Equal(t, Unlimited, l.For("unknown"))

	for _, r := range Resources {
		assert.Equal(t, Unlimited, UnlimitedLimits().For(r))
	}
}

func TestPlanValidate(t *testing.T) {
	valid := func() *Plan {
		return &Plan{
			Name:         "Basic",
			PriceCents:   1900,
			Currency:     "USD",
			BillingCycle: BillingCycleMonthly,
			Limits:       Limits{Properties: 5, Tenants: 50, Users: 2, StorageMB: 500, ExportsPerMonth: 10},
		}
	}

	tests := []struct {
		name    string
		mutate  func(p *Plan)
		wantErr bool
	}{
		{"valid", func(p *Plan) {}, false},
		{"unlimited", func(p *Plan) { p.Limits = UnlimitedLimits() }, false},
		{"missing name", func(p *Plan) { p.Name = "  " }, true},
		{"negative price", func(p *Plan) { p.PriceCents = -1 }, true},
		{"bad currency", func(p *Plan) { p.Currency = "DOLLARS" }, true},
		{"bad cycle", func(p *Plan) { p.BillingCycle = "weekly" }, true},
		{"negative trial", func(p *Plan) { p.TrialDays = -3 }, true},
		{"limit below unlimited", func(p *Plan) { p.Limits.Users = -2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPlanNormalize(t *testing.T) {
	p := &Plan{Name: " Pro ", Currency: "usd"}
	p.normalize()

	assert.Equal(t, "Pro", p.Name)
	assert.Equal(t, "USD", p.Currency)
	assert.Equal(t, BillingCycleMonthly, p.BillingCycle)
	assert.NotNil(t, p.Features)
	assert.False(t, p.HasFeature("reports"))

	p.Features = []string{"reports"}
	assert.True(t, p.HasFeature("reports"))
}
