package billing

import (
	"time"

	"github.com/platinummonkey/rentbill/pkg/plans"
)

// Status is the lifecycle state of a subscription
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusExpired, StatusInactive:
		return true
	}
	return false
}

// Entitled reports whether the status grants access to paid features
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// terminal statuses are left only by reactivation or a new payment
func (s Status) terminal() bool {
	return s == StatusCanceled || s == StatusExpired || s == StatusInactive
}

// Usage holds the metered counters of a subscription
type Usage struct {
	Properties       int64     `json:"properties"`
	Tenants          int64     `json:"tenants"`
	Users            int64     `json:"users"`
	StorageMB        int64     `json:"storageMb"`
	ExportsThisMonth int64     `json:"exportsThisMonth"`
	LastReset        time.Time `json:"lastReset"`
}

// For returns the counter for a resource as of now. Exports counted in a
// previous calendar month read as zero.
func (u Usage) For(r plans.Resource, now time.Time) int64 {
	switch r {
	case plans.ResourceProperties:
		return u.Properties
	case plans.ResourceTenants:
		return u.Tenants
	case plans.ResourceUsers:
		return u.Users
	case plans.ResourceStorage:
		return u.StorageMB
	case plans.ResourceExports:
		if u.LastReset.Before(MonthStart(now)) {
			return 0
		}
		return u.ExportsThisMonth
	}
	return 0
}

// MonthStart returns midnight UTC on the first day of t's month
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Subscription is the single billing record of an organization
type Subscription struct {
	ID                    int64        `json:"id"`
	OrgID                 int64        `json:"orgId"`
	PlanID                int64        `json:"planId"`
	Status                Status       `json:"status"`
	CurrentPeriodStart    time.Time    `json:"currentPeriodStart"`
	CurrentPeriodEnd      time.Time    `json:"currentPeriodEnd"`
	TrialStart            *time.Time   `json:"trialStart,omitempty"`
	TrialEnd              *time.Time   `json:"trialEnd,omitempty"`
	CancelAtPeriodEnd     bool         `json:"cancelAtPeriodEnd"`
	CanceledAt            *time.Time   `json:"canceledAt,omitempty"`
	EndedAt               *time.Time   `json:"endedAt,omitempty"`
	IsLifetime            bool         `json:"isLifetime"`
	FailedPaymentAttempts int          `json:"failedPaymentAttempts"`
	ExternalID            string       `json:"externalId,omitempty"`
	Limits                plans.Limits `json:"limits"`
	Usage                 Usage        `json:"usage"`
	PendingPlanID         *int64       `json:"pendingPlanId,omitempty"`
	CheckoutReference     string       `json:"checkoutReference,omitempty"`
	Version               int64        `json:"version"`
	CreatedAt             time.Time    `json:"createdAt"`
	UpdatedAt             time.Time    `json:"updatedAt"`
}

// IsEntitled reports whether sub may use paid features
func IsEntitled(sub Subscription) bool {
	return sub.Status.Entitled()
}

// Trigger is an event that may move a subscription between statuses
type Trigger string

const (
	TriggerActivate         Trigger = "activate"
	TriggerPaymentSucceeded Trigger = "payment_succeeded"
	TriggerPaymentFailed    Trigger = "payment_failed"
	TriggerCancel           Trigger = "cancel"
	TriggerReactivate       Trigger = "reactivate"
	TriggerExpire           Trigger = "expire"
	TriggerSync             Trigger = "sync"
	TriggerLink             Trigger = "link"
	TriggerGrantLifetime    Trigger = "grant_lifetime"
	TriggerRevokeLifetime   Trigger = "revoke_lifetime"
	TriggerDeactivate       Trigger = "deactivate"
	TriggerAssignPlan       Trigger = "assign_plan"

	// TriggerEvaluate applies no event; it persists time-based transitions
	TriggerEvaluate Trigger = "evaluate"
)

// Params carries trigger-specific inputs. Unused fields are ignored.
type Params struct {
	// Cycle of the subscription's plan, used when a fresh period is assigned
	Cycle plans.BillingCycle

	// PlanID and Limits for assign_plan, and for link when a pending plan is promoted
	PlanID int64
	Limits *plans.Limits

	// ExternalID for link
	ExternalID string

	// Processor-reported period for sync and payment_succeeded
	PeriodStart time.Time
	PeriodEnd   time.Time

	// CancelAtPeriodEnd for sync; nil leaves it unchanged
	CancelAtPeriodEnd *bool
}

func (p Params) hasPeriod() bool {
	return !p.PeriodStart.IsZero() && p.PeriodEnd.After(p.PeriodStart)
}

// Entitlement answers "may this organization use paid features now"
type Entitlement struct {
	IsActive        bool   `json:"isActive"`
	Reason          string `json:"reason,omitempty"`
	DaysUntilExpiry int    `json:"daysUntilExpiry"`
	Status          Status `json:"status"`
	Action          string `json:"action,omitempty"`
}

// Entitlement reasons and suggested actions
const (
	ReasonNoSubscription = "no_subscription"
	ReasonExpired        = "subscription_expired"
	ReasonCanceled       = "subscription_canceled"
	ReasonPastDue        = "payment_past_due"
	ReasonInactive       = "subscription_inactive"

	ActionStartTrial          = "start_trial"
	ActionRenew               = "renew_subscription"
	ActionReactivate          = "reactivate_subscription"
	ActionUpdatePaymentMethod = "update_payment_method"
)

// DaysLifetime is reported as DaysUntilExpiry for lifetime subscriptions
const DaysLifetime = -1
