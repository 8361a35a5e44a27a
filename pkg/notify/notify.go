// Package notify delivers lifecycle side effects to the host application:
// flipping an organization's active flag and emitting customer-facing
// notifications. Delivery is best-effort; callers never fail a transition
// because a sink is down.
package notify

import (
	"context"

	"github.com/platinummonkey/rentbill/pkg/observability"
)

// Notification kinds
const (
	KindLifetimeGranted      = "lifetime_granted"
	KindSubscriptionExpiring = "subscription_expiring"
	KindOrganizationStatus   = "organization_status"
)

// OrgStatusSink toggles whether an organization may use the application
type OrgStatusSink interface {
	SetOrganizationActive(ctx context.Context, orgID int64, active bool) error
}

// Notifier sends a notification of the given kind to an organization
type Notifier interface {
	Notify(ctx context.Context, orgID int64, kind string, payload map[string]interface{}) error
}

// LogSink records side effects in the log instead of delivering them
type LogSink struct {
	logger *observability.Logger
}

// NewLogSink creates a LogSink
func NewLogSink(logger *observability.Logger) *LogSink {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) SetOrganizationActive(ctx context.Context, orgID int64, active bool) error {
	s.logger.WithFields(map[string]interface{}{
		"org_id": orgID,
		"active": active,
	}).Info("Organization status changed")
	return nil
}

func (s *LogSink) Notify(ctx context.Context, orgID int64, kind string, payload map[string]interface{}) error {
	s.logger.WithFields(map[string]interface{}{
		"org_id":  orgID,
		"kind":    kind,
		"payload": payload,
	}).Info("Notification")
	return nil
}
