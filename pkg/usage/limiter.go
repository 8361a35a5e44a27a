// Package usage enforces per-organization resource limits.
//
// Limits come from the plan snapshot stored on the subscription. Counters
// for properties, tenants and users are recomputed from the host
// application's records on every change; exports and storage are tracked
// incrementally with atomic store updates.
//
// Reserve before mutating, settle after:
//
//	d, err := limiter.Reserve(ctx, orgID, plans.ResourceProperties, 1)
//	if err != nil || !d.Allowed {
//		return ...
//	}
//	err = createProperty(...)
//	limiter.Settle(ctx, orgID, plans.ResourceProperties, 1, err == nil)
//
// A reservation is a conditional increment in the store, so concurrent
// requests can never push a counter past its limit together.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/errs"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/plans"
)

// Counter counts the authoritative records of the host application
type Counter interface {
	CountProperties(ctx context.Context, orgID int64) (int64, error)
	CountTenants(ctx context.Context, orgID int64) (int64, error)
	CountUsers(ctx context.Context, orgID int64) (int64, error)
}

// Decision is the outcome of a limit check
type Decision struct {
	Allowed      bool           `json:"allowed"`
	LimitType    plans.Resource `json:"limitType"`
	CurrentUsage int64          `json:"currentUsage"`
	Limit        int64          `json:"limit"`
}

// LimitExceededError is returned by Enforce when a resource is at its limit
type LimitExceededError struct {
	LimitType    plans.Resource
	CurrentUsage int64
	Limit        int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded: %d of %d used", e.LimitType, e.CurrentUsage, e.Limit)
}

func (e *LimitExceededError) Is(target error) bool {
	return target == errs.ErrLimitExceeded
}

// IsLimitExceeded checks if an error is a limit exceeded error
func IsLimitExceeded(err error) bool {
	var le *LimitExceededError
	return errors.As(err, &le)
}

// Options configures a Limiter
type Options struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Limiter checks and records resource usage
type Limiter struct {
	store   billing.Store
	counter Counter
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewLimiter creates a Limiter. counter may be nil, in which case derived
// counters are tracked incrementally like exports.
func NewLimiter(store billing.Store, counter Counter, opts Options) *Limiter {
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Limiter{
		store:   store,
		counter: counter,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// CheckLimit reports whether one more unit of kind fits the organization's
// limit. It returns ErrNotFound when the organization has no subscription.
func (l *Limiter) CheckLimit(ctx context.Context, orgID int64, kind plans.Resource) (Decision, error) {
	if _, err := plans.ParseResource(string(kind)); err != nil {
		return Decision{}, err
	}
	sub, err := l.store.GetByOrg(ctx, orgID)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		LimitType:    kind,
		CurrentUsage: sub.Usage.For(kind, l.now()),
		Limit:        sub.Limits.For(kind),
	}
	d.Allowed = d.Limit == plans.Unlimited || d.CurrentUsage < d.Limit
	l.metrics.ObserveUsageCheck(string(kind), d.Allowed)
	return d, nil
}

// Enforce is CheckLimit returning a *LimitExceededError when not allowed
func (l *Limiter) Enforce(ctx context.Context, orgID int64, kind plans.Resource) error {
	d, err := l.CheckLimit(ctx, orgID, kind)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &LimitExceededError{LimitType: kind, CurrentUsage: d.CurrentUsage, Limit: d.Limit}
	}
	return nil
}

// Reserve claims delta units of kind when they fit the organization's
// limit. The returned Decision is not allowed when they do not; its
// CurrentUsage is then the unchanged counter. Every allowed reservation must
// be followed by Settle.
func (l *Limiter) Reserve(ctx context.Context, orgID int64, kind plans.Resource, delta int64) (Decision, error) {
	if _, err := plans.ParseResource(string(kind)); err != nil {
		return Decision{}, err
	}
	if delta <= 0 {
		return Decision{}, errs.Invalid("delta must be positive, got %d", delta)
	}
	sub, err := l.store.GetByOrg(ctx, orgID)
	if err != nil {
		return Decision{}, err
	}
	value, ok, err := l.store.ReserveUsage(ctx, orgID, kind, delta)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:      ok,
		LimitType:    kind,
		CurrentUsage: value,
		Limit:        sub.Limits.For(kind),
	}
	l.metrics.ObserveUsageCheck(string(kind), d.Allowed)
	return d, nil
}

// Settle completes an allowed reservation. A kept reservation stands, and
// derived counters are refreshed from the host records. A dropped one is
// given back.
func (l *Limiter) Settle(ctx context.Context, orgID int64, kind plans.Resource, delta int64, keep bool) error {
	if l.countFunc(kind) != nil {
		return l.RecordUsage(ctx, orgID, kind, 0)
	}
	if keep {
		return nil
	}
	return l.RecordUsage(ctx, orgID, kind, -delta)
}

// RecordUsage applies a change of delta units. Derived counters ignore
// delta and are recounted; tracked counters never drop below zero.
func (l *Limiter) RecordUsage(ctx context.Context, orgID int64, kind plans.Resource, delta int64) error {
	if _, err := plans.ParseResource(string(kind)); err != nil {
		return err
	}

	if count := l.countFunc(kind); count != nil {
		n, err := count(ctx, orgID)
		if err != nil {
			return fmt.Errorf("failed to count %s for org %d: %w", kind, orgID, err)
		}
		return l.store.SetUsage(ctx, orgID, kind, n)
	}

	value, err := l.store.AddUsage(ctx, orgID, kind, delta)
	if err != nil {
		return err
	}
	l.logger.WithFields(map[string]interface{}{
		"org_id": orgID,
		"kind":   string(kind),
		"delta":  delta,
		"value":  value,
	}).Debug("Usage recorded")
	return nil
}

// Recount recomputes every derived counter of an organization
func (l *Limiter) Recount(ctx context.Context, orgID int64) error {
	var errList []error
	for _, kind := range []plans.Resource{plans.ResourceProperties, plans.ResourceTenants, plans.ResourceUsers} {
		count := l.countFunc(kind)
		if count == nil {
			return nil
		}
		n, err := count(ctx, orgID)
		if err == nil {
			err = l.store.SetUsage(ctx, orgID, kind, n)
		}
		if err != nil {
			errList = append(errList, fmt.Errorf("%s: %w", kind, err))
		}
	}
	return errors.Join(errList...)
}

func (l *Limiter) countFunc(kind plans.Resource) func(context.Context, int64) (int64, error) {
	if l.counter == nil {
		return nil
	}
	switch kind {
	case plans.ResourceProperties:
		return l.counter.CountProperties
	case plans.ResourceTenants:
		return l.counter.CountTenants
	case plans.ResourceUsers:
		return l.counter.CountUsers
	}
	return nil
}
