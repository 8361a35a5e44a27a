package billing

import (
	"time"

	"github.com/platinummonkey/rentbill/pkg/errs"
)

// Machine computes subscription transitions. It holds no state and never
// performs I/O, so the query path and every writer share one definition of
// what a subscription looks like at a given instant.
type Machine struct {
	policy Policy
}

// NewMachine creates a Machine for the given policy
func NewMachine(policy Policy) *Machine {
	return &Machine{policy: policy}
}

// Policy returns the machine's lifecycle constants
func (m *Machine) Policy() Policy {
	return m.policy
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// Evaluate applies the time-based transitions that are due at now
func (m *Machine) Evaluate(sub Subscription, now time.Time) Subscription {
	if sub.IsLifetime {
		if sub.Status != StatusActive {
			sub.Status = StatusActive
			sub.EndedAt = nil
			sub.TrialStart, sub.TrialEnd = nil, nil
		}
		return sub
	}

	switch sub.Status {
	case StatusTrialing:
		end := sub.CurrentPeriodEnd
		if sub.TrialEnd != nil {
			end = *sub.TrialEnd
		}
		if !now.Before(end) {
			sub = lapse(sub, end)
		}
	case StatusActive:
		if !now.Before(sub.CurrentPeriodEnd) {
			sub = lapse(sub, sub.CurrentPeriodEnd)
		}
	case StatusPastDue:
		switch {
		case sub.FailedPaymentAttempts >= m.policy.MaxFailedPayments:
			sub.Status = StatusExpired
			sub.EndedAt = timePtr(now)
		case !now.Before(sub.CurrentPeriodEnd):
			sub.Status = StatusExpired
			sub.EndedAt = timePtr(sub.CurrentPeriodEnd)
		}
	}
	return sub
}

// lapse ends an entitled subscription at the given instant: canceled when
// the customer asked for it, expired otherwise
func lapse(sub Subscription, at time.Time) Subscription {
	if sub.CancelAtPeriodEnd {
		sub.Status = StatusCanceled
	} else {
		sub.Status = StatusExpired
	}
	sub.EndedAt = timePtr(at)
	sub.TrialStart, sub.TrialEnd = nil, nil
	return sub
}

// Apply evaluates sub, applies trigger, then evaluates again. On error the
// evaluated input is returned unchanged by the trigger.
func (m *Machine) Apply(sub Subscription, trigger Trigger, now time.Time, params Params) (Subscription, error) {
	sub = m.Evaluate(sub, now)

	var (
		next Subscription
		err  error
	)
	switch trigger {
	case TriggerEvaluate:
		next = sub
	case TriggerActivate:
		next, err = m.activate(sub, now, params)
	case TriggerPaymentSucceeded:
		next = m.paymentSucceeded(sub, now, params)
	case TriggerPaymentFailed:
		next = paymentFailed(sub)
	case TriggerCancel:
		next, err = cancel(sub, now)
	case TriggerReactivate:
		next, err = m.reactivate(sub, now, params)
	case TriggerExpire:
		next = expire(sub, now)
	case TriggerSync:
		next = syncPeriod(sub, now, params)
	case TriggerLink:
		next, err = link(sub, params)
	case TriggerGrantLifetime:
		next = grantLifetime(sub)
	case TriggerRevokeLifetime:
		next = m.revokeLifetime(sub, now)
	case TriggerDeactivate:
		next = deactivate(sub, now)
	case TriggerAssignPlan:
		next, err = assignPlan(sub, params)
	default:
		return sub, &TransitionError{From: sub.Status, Trigger: trigger, Reason: "unknown trigger"}
	}
	if err != nil {
		return sub, err
	}
	return m.Evaluate(next, now), nil
}

// startFresh begins a new paid period, used when a non-entitled or trial
// subscription becomes active
func (m *Machine) startFresh(sub Subscription, now time.Time, params Params) Subscription {
	sub.Status = StatusActive
	if params.hasPeriod() {
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd = params.PeriodStart, params.PeriodEnd
	} else {
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = m.policy.PeriodEnd(now, params.Cycle)
	}
	sub.TrialStart, sub.TrialEnd = nil, nil
	sub.FailedPaymentAttempts = 0
	sub.CancelAtPeriodEnd = false
	sub.CanceledAt = nil
	sub.EndedAt = nil
	return sub
}

// renew extends a paid period without losing days already paid for
func (m *Machine) renew(sub Subscription, now time.Time, params Params) Subscription {
	sub.Status = StatusActive
	sub.FailedPaymentAttempts = 0
	if params.hasPeriod() {
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd = params.PeriodStart, params.PeriodEnd
		return sub
	}
	from := now
	if sub.CurrentPeriodEnd.After(now) {
		from = sub.CurrentPeriodEnd
	}
	sub.CurrentPeriodStart = now
	sub.CurrentPeriodEnd = m.policy.PeriodEnd(from, params.Cycle)
	return sub
}

// activate converts a trial or a pending checkout into a paid subscription.
// Ended subscriptions leave their terminal state only through reactivate or
// a successful payment.
func (m *Machine) activate(sub Subscription, now time.Time, params Params) (Subscription, error) {
	switch {
	case sub.IsLifetime, sub.Status == StatusActive:
		return sub, nil
	case sub.Status == StatusCanceled, sub.Status == StatusExpired:
		return sub, &TransitionError{From: sub.Status, Trigger: TriggerActivate, Reason: "ended subscriptions are restarted by reactivate"}
	}
	return m.paymentSucceeded(sub, now, params), nil
}

func (m *Machine) paymentSucceeded(sub Subscription, now time.Time, params Params) Subscription {
	switch {
	case sub.IsLifetime:
		sub.FailedPaymentAttempts = 0
		return sub
	case sub.Status == StatusActive || sub.Status == StatusPastDue:
		return m.renew(sub, now, params)
	default:
		return m.startFresh(sub, now, params)
	}
}

func paymentFailed(sub Subscription) Subscription {
	if sub.IsLifetime {
		return sub
	}
	switch sub.Status {
	case StatusActive, StatusTrialing:
		sub.Status = StatusPastDue
		sub.TrialStart, sub.TrialEnd = nil, nil
		sub.FailedPaymentAttempts++
	case StatusPastDue:
		sub.FailedPaymentAttempts++
	}
	return sub
}

func cancel(sub Subscription, now time.Time) (Subscription, error) {
	if sub.IsLifetime {
		return sub, &TransitionError{From: sub.Status, Trigger: TriggerCancel, Reason: "lifetime subscriptions cannot be canceled"}
	}
	switch sub.Status {
	case StatusActive, StatusTrialing, StatusPastDue:
		if !sub.CancelAtPeriodEnd {
			sub.CancelAtPeriodEnd = true
			sub.CanceledAt = timePtr(now)
		}
		return sub, nil
	case StatusCanceled:
		return sub, nil
	default:
		return sub, &TransitionError{From: sub.Status, Trigger: TriggerCancel}
	}
}

func (m *Machine) reactivate(sub Subscription, now time.Time, params Params) (Subscription, error) {
	if sub.IsLifetime {
		return sub, nil
	}
	switch sub.Status {
	case StatusActive, StatusTrialing:
		sub.CancelAtPeriodEnd = false
		sub.CanceledAt = nil
		return sub, nil
	case StatusPastDue:
		return sub, &TransitionError{From: sub.Status, Trigger: TriggerReactivate, Reason: "outstanding payment must succeed first"}
	default:
		return m.startFresh(sub, now, Params{Cycle: params.Cycle}), nil
	}
}

// expire ends the subscription now; a pending cancellation makes it canceled
func expire(sub Subscription, now time.Time) Subscription {
	if sub.IsLifetime || sub.Status.terminal() {
		return sub
	}
	return lapse(sub, now)
}

func syncPeriod(sub Subscription, now time.Time, params Params) Subscription {
	if sub.Status.terminal() {
		return sub
	}
	if params.hasPeriod() {
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd = params.PeriodStart, params.PeriodEnd
		if sub.Status == StatusTrialing {
			sub.TrialEnd = timePtr(params.PeriodEnd)
		}
	}
	if params.CancelAtPeriodEnd != nil && *params.CancelAtPeriodEnd != sub.CancelAtPeriodEnd {
		sub.CancelAtPeriodEnd = *params.CancelAtPeriodEnd
		if sub.CancelAtPeriodEnd {
			sub.CanceledAt = timePtr(now)
		} else {
			sub.CanceledAt = nil
		}
	}
	return sub
}

// link attaches the processor's identifier and promotes a pending plan
func link(sub Subscription, params Params) (Subscription, error) {
	if params.ExternalID == "" {
		return sub, errs.Invalid("link requires an external id")
	}
	sub.ExternalID = params.ExternalID
	if sub.PendingPlanID != nil {
		if params.Limits == nil {
			return sub, errs.Invalid("limits of pending plan %d are required", *sub.PendingPlanID)
		}
		sub.PlanID = *sub.PendingPlanID
		sub.Limits = *params.Limits
		sub.PendingPlanID = nil
		sub.CheckoutReference = ""
	}
	return sub, nil
}

func grantLifetime(sub Subscription) Subscription {
	sub.IsLifetime = true
	sub.Status = StatusActive
	sub.TrialStart, sub.TrialEnd = nil, nil
	sub.CancelAtPeriodEnd = false
	sub.CanceledAt = nil
	sub.EndedAt = nil
	sub.FailedPaymentAttempts = 0
	return sub
}

func (m *Machine) revokeLifetime(sub Subscription, now time.Time) Subscription {
	if !sub.IsLifetime {
		return sub
	}
	sub.IsLifetime = false
	sub.Status = StatusActive
	sub.CurrentPeriodStart = now
	sub.CurrentPeriodEnd = now.Add(days(m.policy.LifetimeRevokeDays))
	return sub
}

func deactivate(sub Subscription, now time.Time) Subscription {
	if sub.Status == StatusInactive && !sub.IsLifetime {
		return sub
	}
	sub.Status = StatusInactive
	sub.IsLifetime = false
	sub.CancelAtPeriodEnd = false
	sub.TrialStart, sub.TrialEnd = nil, nil
	sub.EndedAt = timePtr(now)
	return sub
}

func assignPlan(sub Subscription, params Params) (Subscription, error) {
	if params.PlanID <= 0 || params.Limits == nil {
		return sub, errs.Invalid("assign_plan requires a plan and its limits")
	}
	sub.PlanID = params.PlanID
	sub.Limits = *params.Limits
	if sub.PendingPlanID != nil && *sub.PendingPlanID == params.PlanID {
		sub.PendingPlanID = nil
		sub.CheckoutReference = ""
	}
	return sub, nil
}
