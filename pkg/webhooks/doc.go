// Package webhooks ingests payment-processor notifications and turns them
// into subscription triggers.
//
// # Ingestion
//
// Every notification is authenticated before anything else happens. The
// processor signs a canonical manifest of the event:
//
//	id:<event id>;type:<event type>;ts:<unix seconds>;body:<hex sha256 of body>;
//
// with HMAC-SHA256 and sends it as
//
//	X-Signature: ts=1718000000,v1=5257a869e7ecebeda32affa62cdca3fa51cad7e77a0e56ff536d0ce8e108d8bd
//
// Authenticated events are claimed in an idempotency store keyed by the
// event ID (or the body hash when the processor omits one), classified,
// resolved to a subscription and applied through billing.Service. Events
// that cannot be resolved are acknowledged and recorded as unresolved
// diagnostics so the processor stops retrying.
//
// # Event mapping
//
//	order-created         -> link (attach processor id, promote pending plan)
//	payment-authorized    -> activate
//	payment-received      -> payment_succeeded
//	subscription-canceled -> cancel (at period end)
//	subscription-expired  -> expire
//	payment-failed        -> payment_failed
//	subscription-updated  -> sync
//
// # Checkout
//
// Checkout.CreateSession records the plan the organization is buying and
// returns the processor's hosted checkout URL carrying a signed reference
// token. The order-created notification echoes the token back, which is how
// the new processor subscription is matched to the organization.
package webhooks
