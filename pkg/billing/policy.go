package billing

import (
	"fmt"
	"time"

	"github.com/platinummonkey/rentbill/pkg/plans"
)

// Policy holds the tunable constants of the lifecycle
type Policy struct {
	TrialDays          int
	MaxFailedPayments  int
	RenewalDays        int // length of a monthly period
	LifetimeRevokeDays int // period assigned when a lifetime grant is revoked
	ExpiryWarningDays  int
	MaxRetries         int // optimistic write attempts per transition
}

// DefaultPolicy returns the standard lifecycle constants
func DefaultPolicy() Policy {
	return Policy{
		TrialDays:          14,
		MaxFailedPayments:  3,
		RenewalDays:        30,
		LifetimeRevokeDays: 30,
		ExpiryWarningDays:  7,
		MaxRetries:         5,
	}
}

// Validate rejects non-positive values
func (p Policy) Validate() error {
	if p.TrialDays <= 0 || p.MaxFailedPayments <= 0 || p.RenewalDays <= 0 ||
		p.LifetimeRevokeDays <= 0 || p.ExpiryWarningDays <= 0 || p.MaxRetries <= 0 {
		return fmt.Errorf("billing policy values must be positive: %+v", p)
	}
	return nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// PeriodEnd returns the end of a paid period starting at start
func (p Policy) PeriodEnd(start time.Time, cycle plans.BillingCycle) time.Time {
	if cycle == plans.BillingCycleYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.Add(days(p.RenewalDays))
}

// TrialLength returns the trial duration for a plan, falling back to the
// policy default when the plan does not set one
func (p Policy) TrialLength(plan *plans.Plan) time.Duration {
	if plan != nil && plan.TrialDays > 0 {
		return days(plan.TrialDays)
	}
	return days(p.TrialDays)
}
