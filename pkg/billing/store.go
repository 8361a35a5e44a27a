package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/rentbill/pkg/errs"
	"github.com/platinummonkey/rentbill/pkg/plans"
	"github.com/platinummonkey/rentbill/pkg/storage"
)

// Page selects a slice of a keyset-paginated listing
type Page struct {
	AfterID int64
	Limit   int
}

// DefaultPageSize is used when Page.Limit is not positive
const DefaultPageSize = 100

func (p Page) limit() int {
	if p.Limit <= 0 {
		return DefaultPageSize
	}
	return p.Limit
}

// Store persists subscriptions.
//
// Update writes the lifecycle columns only and is guarded by Version: it
// fails with ErrConflict when the stored version differs, and bumps Version
// on success. Usage counters are written exclusively through AddUsage,
// ReserveUsage, SetUsage and ResetExports, which are atomic at the row
// level.
//
// ReserveUsage adds a positive delta only when the counter stays within the
// row's own limit for the resource. It returns the new value and true, or
// the unchanged value and false when the delta does not fit.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByID(ctx context.Context, id int64) (*Subscription, error)
	GetByOrg(ctx context.Context, orgID int64) (*Subscription, error)
	GetByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error

	AddUsage(ctx context.Context, orgID int64, r plans.Resource, delta int64) (int64, error)
	ReserveUsage(ctx context.Context, orgID int64, r plans.Resource, delta int64) (int64, bool, error)
	SetUsage(ctx context.Context, orgID int64, r plans.Resource, value int64) error
	ResetExports(ctx context.Context, id int64, now time.Time) (bool, error)

	ListDueForEvaluation(ctx context.Context, now time.Time, page Page) ([]*Subscription, error)
	ListUsageResetDue(ctx context.Context, monthStart time.Time, page Page) ([]*Subscription, error)
	ListExpiringSoon(ctx context.Context, now, until time.Time, page Page) ([]*Subscription, error)
}

// validateRecord checks the invariants every stored subscription holds
func validateRecord(sub *Subscription) error {
	if sub.OrgID <= 0 {
		return errs.Invalid("organization id must be positive")
	}
	if sub.PlanID <= 0 {
		return errs.Invalid("plan id must be positive")
	}
	if !sub.Status.Valid() {
		return errs.Invalid("unknown status %q", sub.Status)
	}
	if !sub.CurrentPeriodEnd.After(sub.CurrentPeriodStart) {
		return errs.Invalid("period end must be after period start")
	}
	if sub.Status == StatusTrialing && sub.TrialEnd == nil {
		return errs.Invalid("trialing subscription requires a trial end")
	}
	return sub.Limits.Validate()
}

func usageColumn(r plans.Resource) (string, error) {
	switch r {
	case plans.ResourceProperties:
		return "usage_properties", nil
	case plans.ResourceTenants:
		return "usage_tenants", nil
	case plans.ResourceUsers:
		return "usage_users", nil
	case plans.ResourceStorage:
		return "usage_storage_mb", nil
	case plans.ResourceExports:
		return "usage_exports", nil
	}
	return "", errs.Invalid("unknown resource %q", r)
}

// limitColumn returns the plan snapshot column bounding a usage counter
func limitColumn(r plans.Resource) (string, error) {
	switch r {
	case plans.ResourceProperties:
		return "limit_properties", nil
	case plans.ResourceTenants:
		return "limit_tenants", nil
	case plans.ResourceUsers:
		return "limit_users", nil
	case plans.ResourceStorage:
		return "limit_storage_mb", nil
	case plans.ResourceExports:
		return "limit_exports", nil
	}
	return "", errs.Invalid("unknown resource %q", r)
}

const subscriptionColumns = `
	id, org_id, plan_id, status, current_period_start, current_period_end,
	trial_start, trial_end, cancel_at_period_end, canceled_at, ended_at,
	is_lifetime, failed_payment_attempts, external_id,
	limit_properties, limit_tenants, limit_users, limit_storage_mb, limit_exports,
	usage_properties, usage_tenants, usage_users, usage_storage_mb, usage_exports, usage_last_reset,
	pending_plan_id, checkout_reference, version, created_at, updated_at
`

// SQLStore implements Store on postgres or sqlite
type SQLStore struct {
	db  *storage.DB
	now func() time.Time
}

// NewSQLStore creates a subscription store over db
func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the clock used for timestamps and the export month
func (s *SQLStore) WithClock(now func() time.Time) *SQLStore {
	s.now = now
	return s
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	var trialStart, trialEnd, canceledAt, endedAt sql.NullTime
	var pending sql.NullInt64
	err := row.Scan(
		&sub.ID, &sub.OrgID, &sub.PlanID, &sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&trialStart, &trialEnd, &sub.CancelAtPeriodEnd, &canceledAt, &endedAt,
		&sub.IsLifetime, &sub.FailedPaymentAttempts, &sub.ExternalID,
		&sub.Limits.Properties, &sub.Limits.Tenants, &sub.Limits.Users, &sub.Limits.StorageMB, &sub.Limits.ExportsPerMonth,
		&sub.Usage.Properties, &sub.Usage.Tenants, &sub.Usage.Users, &sub.Usage.StorageMB, &sub.Usage.ExportsThisMonth, &sub.Usage.LastReset,
		&pending, &sub.CheckoutReference, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	sub.Usage.LastReset = sub.Usage.LastReset.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	sub.TrialStart = fromNullTime(trialStart)
	sub.TrialEnd = fromNullTime(trialEnd)
	sub.CanceledAt = fromNullTime(canceledAt)
	sub.EndedAt = fromNullTime(endedAt)
	if pending.Valid {
		id := pending.Int64
		sub.PendingPlanID = &id
	}
	return &sub, nil
}

func (s *SQLStore) getOne(ctx context.Context, db *sql.DB, what, where string, arg interface{}) (*Subscription, error) {
	row := db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where+` = $1`, arg)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription for %s %v: %w", what, arg, ErrNotFound)
	}
	if err != nil {
		return nil, errs.Unavailable("get subscription", err)
	}
	return sub, nil
}

// Create inserts sub as version 1 and fills its ID and timestamps
func (s *SQLStore) Create(ctx context.Context, sub *Subscription) error {
	if err := validateRecord(sub); err != nil {
		return err
	}
	now := s.now()
	if sub.Usage.LastReset.IsZero() {
		sub.Usage.LastReset = now
	}

	err := s.db.Primary.QueryRowContext(ctx, `
		INSERT INTO subscriptions (
			org_id, plan_id, status, current_period_start, current_period_end,
			trial_start, trial_end, cancel_at_period_end, canceled_at, ended_at,
			is_lifetime, failed_payment_attempts, external_id,
			limit_properties, limit_tenants, limit_users, limit_storage_mb, limit_exports,
			usage_last_reset, pending_plan_id, checkout_reference, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, 1, $22, $22)
		RETURNING id
	`,
		sub.OrgID, sub.PlanID, string(sub.Status), sub.CurrentPeriodStart.UTC(), sub.CurrentPeriodEnd.UTC(),
		nullTime(sub.TrialStart), nullTime(sub.TrialEnd), sub.CancelAtPeriodEnd, nullTime(sub.CanceledAt), nullTime(sub.EndedAt),
		sub.IsLifetime, sub.FailedPaymentAttempts, sub.ExternalID,
		sub.Limits.Properties, sub.Limits.Tenants, sub.Limits.Users, sub.Limits.StorageMB, sub.Limits.ExportsPerMonth,
		sub.Usage.LastReset.UTC(), nullInt64(sub.PendingPlanID), sub.CheckoutReference, now,
	).Scan(&sub.ID)
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("subscription for org %d: %w", sub.OrgID, ErrAlreadyExists)
	}
	if err != nil {
		return errs.Unavailable("create subscription", err)
	}
	sub.Version = 1
	sub.CreatedAt, sub.UpdatedAt = now, now
	return nil
}

// GetByID reads from the primary since callers use it for read-modify-write
func (s *SQLStore) GetByID(ctx context.Context, id int64) (*Subscription, error) {
	return s.getOne(ctx, s.db.Primary, "id", "id", id)
}

func (s *SQLStore) GetByOrg(ctx context.Context, orgID int64) (*Subscription, error) {
	return s.getOne(ctx, s.db.Primary, "org", "org_id", orgID)
}

func (s *SQLStore) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	if externalID == "" {
		return nil, fmt.Errorf("subscription for empty external id: %w", ErrNotFound)
	}
	return s.getOne(ctx, s.db.Primary, "external id", "external_id", externalID)
}

// Update writes the lifecycle columns of sub if its Version is current
func (s *SQLStore) Update(ctx context.Context, sub *Subscription) error {
	if err := validateRecord(sub); err != nil {
		return err
	}
	now := s.now()
	res, err := s.db.Primary.ExecContext(ctx, `
		UPDATE subscriptions SET
			plan_id = $1, status = $2, current_period_start = $3, current_period_end = $4,
			trial_start = $5, trial_end = $6, cancel_at_period_end = $7, canceled_at = $8, ended_at = $9,
			is_lifetime = $10, failed_payment_attempts = $11, external_id = $12,
			limit_properties = $13, limit_tenants = $14, limit_users = $15, limit_storage_mb = $16, limit_exports = $17,
			pending_plan_id = $18, checkout_reference = $19,
			version = version + 1, updated_at = $20
		WHERE id = $21 AND version = $22
	`,
		sub.PlanID, string(sub.Status), sub.CurrentPeriodStart.UTC(), sub.CurrentPeriodEnd.UTC(),
		nullTime(sub.TrialStart), nullTime(sub.TrialEnd), sub.CancelAtPeriodEnd, nullTime(sub.CanceledAt), nullTime(sub.EndedAt),
		sub.IsLifetime, sub.FailedPaymentAttempts, sub.ExternalID,
		sub.Limits.Properties, sub.Limits.Tenants, sub.Limits.Users, sub.Limits.StorageMB, sub.Limits.ExportsPerMonth,
		nullInt64(sub.PendingPlanID), sub.CheckoutReference,
		now, sub.ID, sub.Version,
	)
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("external id %q: %w", sub.ExternalID, ErrAlreadyExists)
	}
	if err != nil {
		return errs.Unavailable("update subscription", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Unavailable("update subscription", err)
	}
	if n == 0 {
		// either the row is gone or another writer bumped the version
		if _, getErr := s.GetByID(ctx, sub.ID); errors.Is(getErr, ErrNotFound) {
			return getErr
		}
		return fmt.Errorf("subscription %d at version %d: %w", sub.ID, sub.Version, ErrConflict)
	}
	sub.Version++
	sub.UpdatedAt = now
	return nil
}

// AddUsage atomically adds delta to a counter, clamping at zero, and
// returns the new value. Export counters from a previous month are reset
// first.
func (s *SQLStore) AddUsage(ctx context.Context, orgID int64, r plans.Resource, delta int64) (int64, error) {
	col, err := usageColumn(r)
	if err != nil {
		return 0, err
	}
	now := s.now()
	greatest := s.db.Dialect.Greatest()

	var query string
	var args []interface{}
	if r == plans.ResourceExports {
		query = fmt.Sprintf(`
			UPDATE subscriptions SET
				usage_exports = %s(CASE WHEN usage_last_reset < $1 THEN 0 ELSE usage_exports END + $2, 0),
				usage_last_reset = CASE WHEN usage_last_reset < $1 THEN $3 ELSE usage_last_reset END,
				updated_at = $3
			WHERE org_id = $4
			RETURNING usage_exports
		`, greatest)
		args = []interface{}{MonthStart(now), delta, now, orgID}
	} else {
		query = fmt.Sprintf(`
			UPDATE subscriptions SET %[1]s = %[2]s(%[1]s + $1, 0), updated_at = $2
			WHERE org_id = $3
			RETURNING %[1]s
		`, col, greatest)
		args = []interface{}{delta, now, orgID}
	}

	var value int64
	err = s.db.Primary.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("subscription for org %d: %w", orgID, ErrNotFound)
	}
	if err != nil {
		return 0, errs.Unavailable("add usage", err)
	}
	return value, nil
}

// ReserveUsage adds delta to a counter in a single conditional UPDATE, so
// concurrent reservations can never overshoot the limit together
func (s *SQLStore) ReserveUsage(ctx context.Context, orgID int64, r plans.Resource, delta int64) (int64, bool, error) {
	col, err := usageColumn(r)
	if err != nil {
		return 0, false, err
	}
	limitCol, _ := limitColumn(r)
	if delta <= 0 {
		return 0, false, errs.Invalid("reserved usage must be positive, got %d", delta)
	}
	now := s.now()

	var query string
	var args []interface{}
	if r == plans.ResourceExports {
		query = `
			UPDATE subscriptions SET
				usage_exports = CASE WHEN usage_last_reset < $1 THEN 0 ELSE usage_exports END + $2,
				usage_last_reset = CASE WHEN usage_last_reset < $1 THEN $3 ELSE usage_last_reset END,
				updated_at = $3
			WHERE org_id = $4
				AND (limit_exports < 0 OR CASE WHEN usage_last_reset < $1 THEN 0 ELSE usage_exports END + $2 <= limit_exports)
			RETURNING usage_exports
		`
		args = []interface{}{MonthStart(now), delta, now, orgID}
	} else {
		query = fmt.Sprintf(`
			UPDATE subscriptions SET %[1]s = %[1]s + $1, updated_at = $2
			WHERE org_id = $3 AND (%[2]s < 0 OR %[1]s + $1 <= %[2]s)
			RETURNING %[1]s
		`, col, limitCol)
		args = []interface{}{delta, now, orgID}
	}

	var value int64
	err = s.db.Primary.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		// either there is no subscription or the delta does not fit
		sub, getErr := s.GetByOrg(ctx, orgID)
		if getErr != nil {
			return 0, false, getErr
		}
		return sub.Usage.For(r, now), false, nil
	}
	if err != nil {
		return 0, false, errs.Unavailable("reserve usage", err)
	}
	return value, true, nil
}

// SetUsage overwrites a counter with a recomputed value
func (s *SQLStore) SetUsage(ctx context.Context, orgID int64, r plans.Resource, value int64) error {
	col, err := usageColumn(r)
	if err != nil {
		return err
	}
	if value < 0 {
		value = 0
	}
	res, err := s.db.Primary.ExecContext(ctx,
		fmt.Sprintf(`UPDATE subscriptions SET %s = $1, updated_at = $2 WHERE org_id = $3`, col),
		value, s.now(), orgID)
	if err != nil {
		return errs.Unavailable("set usage", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription for org %d: %w", orgID, ErrNotFound)
	}
	return nil
}

// ResetExports zeroes the export counter if it was last reset before the
// month containing now. It reports whether a reset happened.
func (s *SQLStore) ResetExports(ctx context.Context, id int64, now time.Time) (bool, error) {
	now = now.UTC()
	res, err := s.db.Primary.ExecContext(ctx, `
		UPDATE subscriptions SET usage_exports = 0, usage_last_reset = $1, updated_at = $1
		WHERE id = $2 AND usage_last_reset < $3
	`, now, id, MonthStart(now))
	if err != nil {
		return false, errs.Unavailable("reset exports", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Unavailable("reset exports", err)
	}
	return n > 0, nil
}

func (s *SQLStore) list(ctx context.Context, op, where string, page Page, args ...interface{}) ([]*Subscription, error) {
	// where uses placeholders from $2; $1 is the keyset cursor
	all := append([]interface{}{page.AfterID}, args...)
	all = append(all, page.limit())
	query := fmt.Sprintf(`SELECT %s FROM subscriptions WHERE id > $1 AND %s ORDER BY id LIMIT $%d`,
		subscriptionColumns, where, len(all))

	rows, err := s.db.Reader().QueryContext(ctx, query, all...)
	if err != nil {
		return nil, errs.Unavailable(op, err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Unavailable(op, err)
	}
	return out, nil
}

// ListDueForEvaluation returns non-lifetime subscriptions in an entitled or
// past_due status whose period or trial has ended, plus every past_due row
func (s *SQLStore) ListDueForEvaluation(ctx context.Context, now time.Time, page Page) ([]*Subscription, error) {
	return s.list(ctx, "list due subscriptions", `
		status IN ('trialing', 'active', 'past_due') AND NOT is_lifetime
		AND (current_period_end <= $2 OR trial_end <= $2 OR status = 'past_due')
	`, page, now.UTC())
}

// ListUsageResetDue returns subscriptions whose export counter predates monthStart
func (s *SQLStore) ListUsageResetDue(ctx context.Context, monthStart time.Time, page Page) ([]*Subscription, error) {
	return s.list(ctx, "list usage reset due", `usage_last_reset < $2`, page, monthStart.UTC())
}

// ListExpiringSoon returns active subscriptions that will lapse in (now, until]
func (s *SQLStore) ListExpiringSoon(ctx context.Context, now, until time.Time, page Page) ([]*Subscription, error) {
	return s.list(ctx, "list expiring subscriptions", `
		status = 'active' AND NOT cancel_at_period_end AND NOT is_lifetime
		AND current_period_end > $2 AND current_period_end <= $3
	`, page, now.UTC(), until.UTC())
}
