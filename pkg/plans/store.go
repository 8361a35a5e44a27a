package plans

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/rentbill/pkg/errs"
	"github.com/platinummonkey/rentbill/pkg/storage"
)

// Store persists plans
type Store interface {
	Get(ctx context.Context, id int64) (*Plan, error)
	GetByName(ctx context.Context, name string) (*Plan, error)
	List(ctx context.Context, activeOnly bool) ([]*Plan, error)
	Create(ctx context.Context, plan *Plan) error
	Update(ctx context.Context, plan *Plan) error
	Archive(ctx context.Context, id int64) error
}

const planColumns = `
	id, name, price_cents, currency, billing_cycle, features,
	limit_properties, limit_tenants, limit_users, limit_storage_mb, limit_exports,
	active, sort_order, trial_days, processor_code, created_at, updated_at
`

// SQLStore implements Store on postgres or sqlite
type SQLStore struct {
	db  *storage.DB
	now func() time.Time
}

// NewSQLStore creates a plan store over db
func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	p := &Plan{}
	var features string
	err := row.Scan(
		&p.ID, &p.Name, &p.PriceCents, &p.Currency, &p.BillingCycle, &features,
		&p.Limits.Properties, &p.Limits.Tenants, &p.Limits.Users, &p.Limits.StorageMB, &p.Limits.ExportsPerMonth,
		&p.Active, &p.SortOrder, &p.TrialDays, &p.ProcessorCode, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(features), &p.Features); err != nil {
		return nil, fmt.Errorf("failed to unmarshal features of plan %d: %w", p.ID, err)
	}
	return p, nil
}

// Get retrieves a plan by ID
func (s *SQLStore) Get(ctx context.Context, id int64) (*Plan, error) {
	row := s.db.Reader().QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, errs.Unavailable("get plan", err)
	}
	return p, nil
}

// GetByName retrieves a plan by its unique name
func (s *SQLStore) GetByName(ctx context.Context, name string) (*Plan, error) {
	row := s.db.Reader().QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE name = $1`, name)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, errs.Unavailable("get plan by name", err)
	}
	return p, nil
}

// List returns plans ordered for display
func (s *SQLStore) List(ctx context.Context, activeOnly bool) ([]*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	var args []interface{}
	if activeOnly {
		query += ` WHERE active = $1`
		args = append(args, true)
	}
	query += ` ORDER BY sort_order, id`

	rows, err := s.db.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Unavailable("list plans", err)
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Unavailable("list plans", err)
	}
	return out, nil
}

// Create inserts a plan and fills its ID and timestamps
func (s *SQLStore) Create(ctx context.Context, p *Plan) error {
	p.normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	features, err := json.Marshal(p.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}

	now := s.now()
	err = s.db.Primary.QueryRowContext(ctx, `
		INSERT INTO plans (
			name, price_cents, currency, billing_cycle, features,
			limit_properties, limit_tenants, limit_users, limit_storage_mb, limit_exports,
			active, sort_order, trial_days, processor_code, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`,
		p.Name, p.PriceCents, p.Currency, p.BillingCycle, string(features),
		p.Limits.Properties, p.Limits.Tenants, p.Limits.Users, p.Limits.StorageMB, p.Limits.ExportsPerMonth,
		p.Active, p.SortOrder, p.TrialDays, p.ProcessorCode, now, now,
	).Scan(&p.ID)
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("plan %q: %w", p.Name, ErrAlreadyExists)
	}
	if err != nil {
		return errs.Unavailable("create plan", err)
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

// Update overwrites the mutable fields of an existing plan
func (s *SQLStore) Update(ctx context.Context, p *Plan) error {
	p.normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	features, err := json.Marshal(p.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}

	now := s.now()
	res, err := s.db.Primary.ExecContext(ctx, `
		UPDATE plans SET
			name = $1, price_cents = $2, currency = $3, billing_cycle = $4, features = $5,
			limit_properties = $6, limit_tenants = $7, limit_users = $8, limit_storage_mb = $9, limit_exports = $10,
			active = $11, sort_order = $12, trial_days = $13, processor_code = $14, updated_at = $15
		WHERE id = $16
	`,
		p.Name, p.PriceCents, p.Currency, p.BillingCycle, string(features),
		p.Limits.Properties, p.Limits.Tenants, p.Limits.Users, p.Limits.StorageMB, p.Limits.ExportsPerMonth,
		p.Active, p.SortOrder, p.TrialDays, p.ProcessorCode, now, p.ID,
	)
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("plan %q: %w", p.Name, ErrAlreadyExists)
	}
	if err != nil {
		return errs.Unavailable("update plan", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plan %d: %w", p.ID, ErrNotFound)
	}
	p.UpdatedAt = now
	return nil
}

// Archive deactivates a plan. Plans are never deleted since subscriptions
// reference them.
func (s *SQLStore) Archive(ctx context.Context, id int64) error {
	res, err := s.db.Primary.ExecContext(ctx,
		`UPDATE plans SET active = $1, updated_at = $2 WHERE id = $3`, false, s.now(), id)
	if err != nil {
		return errs.Unavailable("archive plan", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plan %d: %w", id, ErrNotFound)
	}
	return nil
}
