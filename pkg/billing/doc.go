// Package billing owns the subscription record of each organization and the
// state machine that moves it between statuses.
//
// # Statuses
//
//	trialing ──activate/payment──▶ active ──payment_failed──▶ past_due
//	   │                            │  ▲                          │
//	   │ trial ends                 │  └──payment_succeeded───────┘
//	   ▼                            ▼ period ends
//	expired ◀───────────────────────┴──── (canceled if cancel-at-period-end)
//
// Every writer (admin actions, payment webhooks, the reconciliation
// scheduler) goes through Machine.Apply, which evaluates time-based
// transitions, applies the trigger, and evaluates again. Machine is pure;
// Service adds persistence with optimistic concurrency and the side effects
// (organization status sink, notifications).
//
// Only active and trialing subscriptions are entitled to paid features.
// A lifetime grant pins a subscription to active regardless of dates.
//
// # Usage
//
//	svc := billing.NewService(store, catalog, billing.ServiceOptions{Policy: billing.DefaultPolicy()})
//	sub, err := svc.CreateTrial(ctx, orgID, planID)
//	ent, err := svc.Entitlement(ctx, orgID)
package billing
