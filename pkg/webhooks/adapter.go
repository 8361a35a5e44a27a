package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/errs"
	"github.com/platinummonkey/rentbill/pkg/observability"
)

// Outcome describes what happened to an acknowledged notification
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeUnresolved  Outcome = "unresolved"
	OutcomeUnknownType Outcome = "unknown_type"
)

// Applier applies subscription triggers. *billing.Service implements it.
type Applier interface {
	ApplyByOrg(ctx context.Context, orgID int64, trigger billing.Trigger, params billing.Params) (*billing.Subscription, error)
	ApplyByExternalID(ctx context.Context, externalID string, trigger billing.Trigger, params billing.Params) (*billing.Subscription, error)
}

// Result is returned for every acknowledged notification
type Result struct {
	Outcome      Outcome
	EventID      string
	EventType    EventType
	Reason       string
	Subscription *billing.Subscription
}

// AdapterOptions configures an Adapter
type AdapterOptions struct {
	Idempotency IdempotencyStore
	Recorder    UnresolvedRecorder
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Now         func() time.Time

	// ClaimTimeout bounds confirming or releasing a claim. Default 5s.
	ClaimTimeout time.Duration
}

// Adapter turns authenticated processor notifications into subscription
// triggers
type Adapter struct {
	applier      Applier
	verifier     *Verifier
	refs         *ReferenceCodec
	claims       IdempotencyStore
	recorder     UnresolvedRecorder
	logger       *observability.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	claimTimeout time.Duration
}

// NewAdapter creates an Adapter. Without an idempotency store claims are
// kept in process; without a recorder unresolved events are only logged.
func NewAdapter(applier Applier, verifier *Verifier, refs *ReferenceCodec, opts AdapterOptions) *Adapter {
	a := &Adapter{
		applier:      applier,
		verifier:     verifier,
		refs:         refs,
		claims:       opts.Idempotency,
		recorder:     opts.Recorder,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
		claimTimeout: opts.ClaimTimeout,
	}
	if a.logger == nil {
		a.logger = observability.NewNopLogger()
	}
	if a.claims == nil {
		a.claims = NewMemoryIdempotency(0, DefaultIdempotencyTTL)
	}
	if a.recorder == nil {
		a.recorder = NewLogRecorder(a.logger)
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	if a.claimTimeout <= 0 {
		a.claimTimeout = 5 * time.Second
	}
	return a
}

// Handle authenticates and processes one notification.
//
// Errors: errs.ErrInvalidInput for a body that does not parse,
// errs.ErrUnauthenticated for a bad signature, and a retryable error
// (errs.IsRetryable) when the store is unavailable. Every other case is
// acknowledged with a Result.
func (a *Adapter) Handle(ctx context.Context, signature string, body []byte) (Result, error) {
	start := time.Now()
	ctx, span := observability.Tracer().Start(ctx, "webhooks.Handle")
	defer span.End()

	res, err := a.handle(ctx, signature, body)

	span.SetAttributes(
		attribute.String("webhook.event_id", res.EventID),
		attribute.String("webhook.event_type", string(res.EventType)),
		attribute.String("webhook.outcome", string(res.Outcome)),
	)
	outcome := string(res.Outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome = errorOutcome(err)
	}
	eventType := string(res.EventType)
	if eventType == "" {
		eventType = "unknown"
	}
	a.metrics.ObserveWebhook(eventType, outcome, time.Since(start))
	return res, err
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, errs.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, errs.ErrInvalidInput):
		return "malformed"
	case errs.IsRetryable(err):
		return "retry"
	default:
		return "error"
	}
}

func (a *Adapter) handle(ctx context.Context, signature string, body []byte) (Result, error) {
	ev, err := ParseEvent(body)
	if err != nil {
		return Result{}, err
	}
	res := Result{EventID: ev.ID, EventType: EventType(ev.Type)}

	if err := a.verifier.Verify(signature, ev.ID, ev.Type, body); err != nil {
		a.logger.WithError(err).WithField("event_id", ev.ID).Warn("Rejected webhook with invalid signature")
		return res, err
	}

	eventType, known := Classify(ev.Type)
	res.EventType = eventType
	if !known {
		a.logger.WithFields(map[string]interface{}{
			"event_id":   ev.ID,
			"event_type": ev.Type,
		}).Info("Acknowledged webhook with unknown event type")
		res.Outcome = OutcomeUnknownType
		return res, nil
	}

	key := IdempotencyKey(ev, body)
	won, err := a.claims.Claim(ctx, key)
	if err != nil {
		return res, err
	}
	if !won {
		a.logger.WithField("event_id", ev.ID).Debug("Skipping replayed webhook")
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	sub, err := a.apply(ctx, ev, eventType)
	log := a.logger.WithFields(map[string]interface{}{
		"event_id":    ev.ID,
		"event_type":  string(eventType),
		"external_id": ev.Data.ExternalID,
	})
	switch {
	case err == nil:
		a.confirm(ctx, key)
		res.Outcome = OutcomeApplied
		res.Subscription = sub
		log.WithField("status", string(sub.Status)).Info("Applied webhook")
		return res, nil

	case errors.Is(err, errs.ErrInvalidTransition):
		a.confirm(ctx, key)
		res.Outcome = OutcomeIgnored
		res.Reason = err.Error()
		log.WithError(err).Info("Ignored webhook not valid for the subscription's status")
		return res, nil

	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrInvalidInput), errors.Is(err, errs.ErrUnauthenticated):
		res.Outcome = OutcomeUnresolved
		res.Reason = err.Error()
		rec := &UnresolvedEvent{
			EventID:    ev.ID,
			EventType:  string(eventType),
			ExternalID: ev.Data.ExternalID,
			Reason:     res.Reason,
			Payload:    body,
			ReceivedAt: a.now().UTC(),
		}
		if recErr := a.recorder.Record(ctx, rec); recErr != nil {
			a.release(ctx, key)
			return res, errs.Unavailable("record unresolved webhook", recErr)
		}
		a.confirm(ctx, key)
		log.WithField("reason", res.Reason).Warn("Recorded unresolved webhook")
		return res, nil

	default:
		a.release(ctx, key)
		log.WithError(err).Error("Failed to apply webhook")
		return res, err
	}
}

// claimCtx detaches claim bookkeeping from the request. A processor that
// hangs up mid-event must still find the claim released on redelivery.
func (a *Adapter) claimCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), a.claimTimeout)
}

func (a *Adapter) release(ctx context.Context, key string) {
	ctx, cancel := a.claimCtx(ctx)
	defer cancel()
	if err := a.claims.Release(ctx, key); err != nil {
		a.logger.WithError(err).WithField("key", key).Error("Failed to release webhook claim")
	}
}

// confirm keeps a settled event's claim for the full TTL. On failure the
// claim lapses and a redelivery is applied again, which the state machine
// treats as a no-op.
func (a *Adapter) confirm(ctx context.Context, key string) {
	ctx, cancel := a.claimCtx(ctx)
	defer cancel()
	if err := a.claims.Confirm(ctx, key); err != nil {
		a.logger.WithError(err).WithField("key", key).Error("Failed to confirm webhook claim")
	}
}

// apply resolves the subscription an event refers to and applies its
// trigger. A checkout completion is matched by its reference token first;
// everything else by the processor id, falling back to the token.
func (a *Adapter) apply(ctx context.Context, ev *Event, eventType EventType) (*billing.Subscription, error) {
	trigger := eventType.Trigger()
	params := ev.params()
	externalID := ev.Data.ExternalID
	reference := ev.Data.ExternalReference

	if eventType == EventOrderCreated && reference != "" {
		return a.applyByReference(ctx, reference, trigger, params)
	}
	if externalID != "" {
		sub, err := a.applier.ApplyByExternalID(ctx, externalID, trigger, params)
		if errors.Is(err, errs.ErrNotFound) && reference != "" {
			return a.applyByReference(ctx, reference, trigger, params)
		}
		return sub, err
	}
	if reference != "" {
		return a.applyByReference(ctx, reference, trigger, params)
	}
	return nil, fmt.Errorf("%w: notification names no subscription", errs.ErrNotFound)
}

func (a *Adapter) applyByReference(ctx context.Context, token string, trigger billing.Trigger, params billing.Params) (*billing.Subscription, error) {
	if a.refs == nil {
		return nil, fmt.Errorf("%w: no reference codec configured", errs.ErrNotFound)
	}
	ref, err := a.refs.Decode(token)
	if err != nil {
		return nil, err
	}
	return a.applier.ApplyByOrg(ctx, ref.OrgID, trigger, params)
}
