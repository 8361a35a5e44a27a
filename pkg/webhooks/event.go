package webhooks

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/errs"
)

// EventType is the normalized kind of a processor notification
type EventType string

const (
	EventOrderCreated         EventType = "order-created"
	EventPaymentAuthorized    EventType = "payment-authorized"
	EventPaymentReceived      EventType = "payment-received"
	EventSubscriptionCanceled EventType = "subscription-canceled"
	EventSubscriptionExpired  EventType = "subscription-expired"
	EventPaymentFailed        EventType = "payment-failed"
	EventSubscriptionUpdated  EventType = "subscription-updated"
)

var triggers = map[EventType]billing.Trigger{
	EventOrderCreated:         billing.TriggerLink,
	EventPaymentAuthorized:    billing.TriggerActivate,
	EventPaymentReceived:      billing.TriggerPaymentSucceeded,
	EventSubscriptionCanceled: billing.TriggerCancel,
	EventSubscriptionExpired:  billing.TriggerExpire,
	EventPaymentFailed:        billing.TriggerPaymentFailed,
	EventSubscriptionUpdated:  billing.TriggerSync,
}

// processor spellings that differ from the canonical names
var aliases = map[string]EventType{
	"subscription-cancelled": EventSubscriptionCanceled,
	"payment-succeeded":      EventPaymentReceived,
	"payment-declined":       EventPaymentFailed,
}

// Classify maps a processor event type to an EventType. Case and the
// separators "_" and "." are ignored.
func Classify(raw string) (EventType, bool) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.NewReplacer("_", "-", ".", "-").Replace(norm)
	if t, ok := aliases[norm]; ok {
		return t, true
	}
	t := EventType(norm)
	_, ok := triggers[t]
	return t, ok
}

// Trigger returns the subscription trigger for an event type
func (t EventType) Trigger() billing.Trigger {
	return triggers[t]
}

// Event is a processor notification
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	Data      EventData `json:"data"`
}

// EventData carries the fields the adapter reads from a notification
type EventData struct {
	// ExternalID is the processor's subscription or order identifier
	ExternalID string `json:"externalId"`

	// ExternalReference is the token issued by Checkout.CreateSession
	ExternalReference string `json:"externalReference,omitempty"`

	PeriodStart       *time.Time `json:"periodStart,omitempty"`
	PeriodEnd         *time.Time `json:"periodEnd,omitempty"`
	CancelAtPeriodEnd *bool      `json:"cancelAtPeriodEnd,omitempty"`
}

// ParseEvent decodes a notification body
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, errs.Invalid("malformed notification: %v", err)
	}
	if strings.TrimSpace(ev.Type) == "" {
		return nil, errs.Invalid("notification has no type")
	}
	return &ev, nil
}

// IdempotencyKey identifies the logical event across redeliveries
func IdempotencyKey(ev *Event, body []byte) string {
	if ev.ID != "" {
		return "id:" + ev.ID
	}
	sum := sha256.Sum256(body)
	return "body:" + hex.EncodeToString(sum[:])
}

// params converts the event payload into trigger parameters
func (ev *Event) params() billing.Params {
	p := billing.Params{
		ExternalID:        ev.Data.ExternalID,
		CancelAtPeriodEnd: ev.Data.CancelAtPeriodEnd,
	}
	if ev.Data.PeriodStart != nil && ev.Data.PeriodEnd != nil {
		p.PeriodStart = ev.Data.PeriodStart.UTC()
		p.PeriodEnd = ev.Data.PeriodEnd.UTC()
	}
	return p
}
