package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/rentbill/pkg/async"
	"github.com/platinummonkey/rentbill/pkg/errs"
	"github.com/platinummonkey/rentbill/pkg/notify"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/plans"
)

// PlanReader resolves plans for limit snapshots and billing cycles
type PlanReader interface {
	Get(ctx context.Context, id int64) (*plans.Plan, error)
}

// ServiceOptions configures a Service. Zero values fall back to defaults.
type ServiceOptions struct {
	Policy   Policy
	Sink     notify.OrgStatusSink
	Notifier notify.Notifier
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Now      func() time.Time

	// SideEffectTimeout bounds each asynchronous sink call
	SideEffectTimeout time.Duration
}

// Service is the only writer of subscription lifecycle state. Every
// operation loads the record, runs it through the Machine and writes it
// back under optimistic concurrency, retrying on version conflicts.
type Service struct {
	store    Store
	plans    PlanReader
	machine  *Machine
	sink     notify.OrgStatusSink
	notifier notify.Notifier
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	timeout  time.Duration
}

// NewService creates a Service
func NewService(store Store, planReader PlanReader, opts ServiceOptions) *Service {
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Sink == nil || opts.Notifier == nil {
		logSink := notify.NewLogSink(opts.Logger)
		if opts.Sink == nil {
			opts.Sink = logSink
		}
		if opts.Notifier == nil {
			opts.Notifier = logSink
		}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = 10 * time.Second
	}
	return &Service{
		store:    store,
		plans:    planReader,
		machine:  NewMachine(opts.Policy),
		sink:     opts.Sink,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		timeout:  opts.SideEffectTimeout,
	}
}

// Machine returns the transition function used by the service
func (s *Service) Machine() *Machine {
	return s.machine
}

// Now returns the service clock
func (s *Service) Now() time.Time {
	return s.now()
}

// CreateTrial starts a trial on planID for an organization without a
// subscription
func (s *Service) CreateTrial(ctx context.Context, orgID, planID int64) (*Subscription, error) {
	ctx, span := observability.Tracer().Start(ctx, "billing.CreateTrial",
		trace.WithAttributes(attribute.Int64("org.id", orgID), attribute.Int64("plan.id", planID)))
	defer span.End()

	if _, err := s.store.GetByOrg(ctx, orgID); err == nil {
		return nil, fmt.Errorf("subscription for org %d: %w", orgID, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, recordSpanError(span, err)
	}

	plan, err := s.plans.Get(ctx, planID)
	if err != nil {
		return nil, recordSpanError(span, err)
	}
	if !plan.Active {
		return nil, errs.Invalid("plan %d is archived", planID)
	}

	now := s.now()
	trialEnd := now.Add(s.machine.policy.TrialLength(plan))
	sub := &Subscription{
		OrgID:              orgID,
		PlanID:             planID,
		Status:             StatusTrialing,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   trialEnd,
		TrialStart:         timePtr(now),
		TrialEnd:           timePtr(trialEnd),
		Limits:             plan.Limits,
		Usage:              Usage{LastReset: now},
	}
	if err := s.store.Create(ctx, sub); err != nil {
		return nil, recordSpanError(span, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"org_id":    orgID,
		"plan_id":   planID,
		"trial_end": trialEnd,
	}).Info("Trial started")
	s.afterTransition(ctx, nil, *sub, "create_trial")
	return sub, nil
}

// Apply applies trigger to the subscription with the given ID
func (s *Service) Apply(ctx context.Context, id int64, trigger Trigger, params Params) (*Subscription, error) {
	sub, _, err := s.applyTrigger(ctx, func(ctx context.Context) (*Subscription, error) {
		return s.store.GetByID(ctx, id)
	}, trigger, params)
	return sub, err
}

// ApplyByOrg applies trigger to an organization's subscription
func (s *Service) ApplyByOrg(ctx context.Context, orgID int64, trigger Trigger, params Params) (*Subscription, error) {
	sub, _, err := s.applyTrigger(ctx, func(ctx context.Context) (*Subscription, error) {
		return s.store.GetByOrg(ctx, orgID)
	}, trigger, params)
	return sub, err
}

// ApplyByExternalID applies trigger to the subscription linked to a
// processor identifier
func (s *Service) ApplyByExternalID(ctx context.Context, externalID string, trigger Trigger, params Params) (*Subscription, error) {
	sub, _, err := s.applyTrigger(ctx, func(ctx context.Context) (*Subscription, error) {
		return s.store.GetByExternalID(ctx, externalID)
	}, trigger, params)
	return sub, err
}

// Reconcile persists any time-based transition that is due and reports
// whether the record changed
func (s *Service) Reconcile(ctx context.Context, id int64) (bool, error) {
	_, changed, err := s.applyTrigger(ctx, func(ctx context.Context) (*Subscription, error) {
		return s.store.GetByID(ctx, id)
	}, TriggerEvaluate, Params{})
	return changed, err
}

// Cancel schedules cancellation at the end of the current period
func (s *Service) Cancel(ctx context.Context, id int64) (*Subscription, error) {
	return s.Apply(ctx, id, TriggerCancel, Params{})
}

// Reactivate undoes a pending cancellation or restarts an ended subscription
func (s *Service) Reactivate(ctx context.Context, id int64) (*Subscription, error) {
	return s.Apply(ctx, id, TriggerReactivate, Params{})
}

// Activate converts a trial or pending subscription into a paid one. Ended
// subscriptions are restarted with Reactivate.
func (s *Service) Activate(ctx context.Context, id int64) (*Subscription, error) {
	return s.Apply(ctx, id, TriggerActivate, Params{})
}

// GrantLifetime exempts an organization from time-based expiry
func (s *Service) GrantLifetime(ctx context.Context, orgID int64) (*Subscription, error) {
	return s.ApplyByOrg(ctx, orgID, TriggerGrantLifetime, Params{})
}

// RevokeLifetime returns an organization to normal evaluation with a fresh period
func (s *Service) RevokeLifetime(ctx context.Context, orgID int64) (*Subscription, error) {
	return s.ApplyByOrg(ctx, orgID, TriggerRevokeLifetime, Params{})
}

// Deactivate disables an organization's subscription administratively
func (s *Service) Deactivate(ctx context.Context, orgID int64) (*Subscription, error) {
	return s.ApplyByOrg(ctx, orgID, TriggerDeactivate, Params{})
}

// AssignPlan moves an organization to planID and refreshes its limit snapshot
func (s *Service) AssignPlan(ctx context.Context, orgID, planID int64) (*Subscription, error) {
	return s.ApplyByOrg(ctx, orgID, TriggerAssignPlan, Params{PlanID: planID})
}

// SetPendingPlan records a checkout in progress. Organizations without a
// subscription get an inactive placeholder that a later payment activates.
func (s *Service) SetPendingPlan(ctx context.Context, orgID, planID int64, reference string) (*Subscription, error) {
	plan, err := s.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, errs.Invalid("plan %d is archived", planID)
	}

	if _, err := s.store.GetByOrg(ctx, orgID); errors.Is(err, ErrNotFound) {
		now := s.now()
		sub := &Subscription{
			OrgID:              orgID,
			PlanID:             planID,
			Status:             StatusInactive,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   s.machine.policy.PeriodEnd(now, plan.BillingCycle),
			Limits:             plan.Limits,
			Usage:              Usage{LastReset: now},
			PendingPlanID:      &planID,
			CheckoutReference:  reference,
		}
		err := s.store.Create(ctx, sub)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrAlreadyExists) {
			return nil, err
		}
		// created concurrently; fall through to the update path
	} else if err != nil {
		return nil, err
	}

	sub, _, err := s.mutate(ctx, "SetPendingPlan", func(ctx context.Context) (*Subscription, error) {
		return s.store.GetByOrg(ctx, orgID)
	}, func(ctx context.Context, cur Subscription, now time.Time) (Subscription, error) {
		cur = s.machine.Evaluate(cur, now)
		cur.PendingPlanID = &planID
		cur.CheckoutReference = reference
		return cur, nil
	}, "set_pending_plan")
	return sub, err
}

// GetByOrg returns an organization's subscription as of now. Due
// time-based transitions are reflected in the result even before the
// scheduler persists them.
func (s *Service) GetByOrg(ctx context.Context, orgID int64) (*Subscription, error) {
	sub, err := s.store.GetByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	view := s.machine.Evaluate(*sub, s.now())
	return &view, nil
}

// Entitlement reports whether an organization may use paid features now
func (s *Service) Entitlement(ctx context.Context, orgID int64) (Entitlement, error) {
	sub, err := s.GetByOrg(ctx, orgID)
	if errors.Is(err, ErrNotFound) {
		return EntitlementOf(nil, s.now()), nil
	}
	if err != nil {
		return Entitlement{}, err
	}
	return EntitlementOf(sub, s.now()), nil
}

// EntitlementOf derives the entitlement answer from an evaluated
// subscription; nil means the organization has none
func EntitlementOf(sub *Subscription, now time.Time) Entitlement {
	if sub == nil {
		return Entitlement{
			Reason: ReasonNoSubscription,
			Status: StatusInactive,
			Action: ActionStartTrial,
		}
	}
	e := Entitlement{IsActive: IsEntitled(*sub), Status: sub.Status}
	switch {
	case sub.IsLifetime:
		e.DaysUntilExpiry = DaysLifetime
	case sub.Status == StatusExpired:
		e.Reason, e.Action = ReasonExpired, ActionRenew
	case sub.Status == StatusCanceled:
		e.Reason, e.Action = ReasonCanceled, ActionReactivate
	case sub.Status == StatusInactive:
		e.Reason, e.Action = ReasonInactive, ActionReactivate
	case sub.Status == StatusPastDue:
		e.Reason, e.Action = ReasonPastDue, ActionUpdatePaymentMethod
	default:
		end := sub.CurrentPeriodEnd
		if sub.Status == StatusTrialing && sub.TrialEnd != nil {
			end = *sub.TrialEnd
		}
		e.DaysUntilExpiry = daysUntil(now, end)
	}
	return e
}

func daysUntil(now, end time.Time) int {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

type loadFunc func(ctx context.Context) (*Subscription, error)

type changeFunc func(ctx context.Context, cur Subscription, now time.Time) (Subscription, error)

func (s *Service) applyTrigger(ctx context.Context, load loadFunc, trigger Trigger, params Params) (*Subscription, bool, error) {
	return s.mutate(ctx, "Apply", load, func(ctx context.Context, cur Subscription, now time.Time) (Subscription, error) {
		p, err := s.resolveParams(ctx, cur, trigger, params)
		if err != nil {
			return cur, err
		}
		return s.machine.Apply(cur, trigger, now, p)
	}, trigger)
}

// resolveParams fills in the plan-derived inputs a trigger needs
func (s *Service) resolveParams(ctx context.Context, cur Subscription, trigger Trigger, params Params) (Params, error) {
	switch trigger {
	case TriggerActivate, TriggerPaymentSucceeded, TriggerReactivate:
		if params.Cycle == "" {
			plan, err := s.plans.Get(ctx, cur.PlanID)
			if err != nil {
				return params, fmt.Errorf("failed to resolve billing cycle: %w", err)
			}
			params.Cycle = plan.BillingCycle
		}
	case TriggerLink:
		if cur.PendingPlanID != nil && params.Limits == nil {
			plan, err := s.plans.Get(ctx, *cur.PendingPlanID)
			if err != nil {
				return params, fmt.Errorf("failed to resolve pending plan: %w", err)
			}
			limits := plan.Limits
			params.Limits = &limits
		}
	case TriggerAssignPlan:
		plan, err := s.plans.Get(ctx, params.PlanID)
		if err != nil {
			return params, err
		}
		if !plan.Active {
			return params, errs.Invalid("plan %d is archived", params.PlanID)
		}
		limits := plan.Limits
		params.Limits = &limits
	}
	return params, nil
}

// mutate runs one optimistic read-modify-write, retrying on conflicts up
// to Policy.MaxRetries attempts
func (s *Service) mutate(ctx context.Context, op string, load loadFunc, change changeFunc, trigger Trigger) (*Subscription, bool, error) {
	ctx, span := observability.Tracer().Start(ctx, "billing."+op,
		trace.WithAttributes(attribute.String("billing.trigger", string(trigger))))
	defer span.End()

	for attempt := 1; ; attempt++ {
		cur, err := load(ctx)
		if err != nil {
			return nil, false, recordSpanError(span, err)
		}
		span.SetAttributes(attribute.Int64("org.id", cur.OrgID), attribute.Int64("subscription.id", cur.ID))

		next, err := change(ctx, *cur, s.now())
		if err != nil {
			return nil, false, recordSpanError(span, err)
		}
		if reflect.DeepEqual(*cur, next) {
			return cur, false, nil
		}

		err = s.store.Update(ctx, &next)
		if errors.Is(err, ErrConflict) && attempt < s.machine.policy.MaxRetries {
			s.metrics.ObserveConflict()
			s.logger.WithFields(map[string]interface{}{
				"subscription_id": cur.ID,
				"trigger":         string(trigger),
				"attempt":         attempt,
			}).Debug("Version conflict, retrying transition")
			continue
		}
		if err != nil {
			return nil, false, recordSpanError(span, err)
		}

		s.afterTransition(ctx, cur, next, trigger)
		return &next, true, nil
	}
}

// afterTransition records metrics and dispatches side effects. Sinks run
// asynchronously and their failures are only logged.
func (s *Service) afterTransition(ctx context.Context, prev *Subscription, next Subscription, trigger Trigger) {
	from := Status("")
	wasEntitled := false
	wasLifetime := false
	if prev != nil {
		from = prev.Status
		wasEntitled = prev.Status.Entitled()
		wasLifetime = prev.IsLifetime
	}

	if from != next.Status {
		s.metrics.ObserveTransition(string(from), string(next.Status), string(trigger))
		s.logger.WithFields(map[string]interface{}{
			"org_id":          next.OrgID,
			"subscription_id": next.ID,
			"from":            string(from),
			"to":              string(next.Status),
			"trigger":         string(trigger),
		}).Info("Subscription transitioned")
	}

	orgID := next.OrgID
	switch {
	case from != next.Status && next.Status.terminal():
		async.SafeGo(s.logger, ctx, s.timeout, "deactivate organization", func(ctx context.Context) error {
			return s.sink.SetOrganizationActive(ctx, orgID, false)
		})
	case !wasEntitled && next.Status.Entitled():
		async.SafeGo(s.logger, ctx, s.timeout, "activate organization", func(ctx context.Context) error {
			return s.sink.SetOrganizationActive(ctx, orgID, true)
		})
	}

	if trigger == TriggerGrantLifetime && !wasLifetime {
		async.SafeGo(s.logger, ctx, s.timeout, "notify lifetime grant", func(ctx context.Context) error {
			return s.notifier.Notify(ctx, orgID, notify.KindLifetimeGranted, map[string]interface{}{
				"subscriptionId": next.ID,
				"planId":         next.PlanID,
			})
		})
	}
}

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
