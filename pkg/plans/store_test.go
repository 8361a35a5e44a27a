package plans

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rentbill/pkg/errs"
	"github.com/platinummonkey/rentbill/pkg/storage"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	raw, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "plans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	db := storage.NewDB(raw, nil, storage.SQLite)
	_, err = storage.Migrate(context.Background(), db, storage.Migrations())
	require.NoError(t, err)
	return NewSQLStore(db)
}

func basicPlan() *Plan {
	return &Plan{
		Name:         "Basic",
		PriceCents:   1900,
		Currency:     "usd",
		BillingCycle: BillingCycleMonthly,
		Features:     []string{"reports"},
		Limits:       Limits{Properties: 5, Tenants: 50, Users: 2, StorageMB: 500, ExportsPerMonth: 10},
		Active:       true,
		SortOrder:    1,
	}
}

// storeContract runs the same behaviour checks against every Store
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		p := basicPlan()
		require.NoError(t, s.Create(ctx, p))
		assert.NotZero(t, p.ID)
		assert.False(t, p.CreatedAt.IsZero())

		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Basic", got.Name)
		assert.Equal(t, "USD", got.Currency)
		assert.Equal(t, []string{"reports"}, got.Features)
		assert.Equal(t, p.Limits, got.Limits)
		assert.True(t, got.Active)

		byName, err := s.GetByName(ctx, "Basic")
		require.NoError(t, err)
		assert.Equal(t, p.ID, byName.ID)
	})

	t.Run("missing plan", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, 999)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetByName(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Archive(ctx, 999), ErrNotFound)

		p := basicPlan()
		p.ID = 999
		assert.ErrorIs(t, s.Update(ctx, p), ErrNotFound)
	})

	t.Run("duplicate name", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, basicPlan()))
		assert.ErrorIs(t, s.Create(ctx, basicPlan()), ErrAlreadyExists)
	})

	t.Run("invalid plan", func(t *testing.T) {
		s := newStore(t)
		p := basicPlan()
		p.BillingCycle = "weekly"
		assert.ErrorIs(t, s.Create(ctx, p), errs.ErrInvalidInput)
	})

	t.Run("update, archive and list", func(t *testing.T) {
		s := newStore(t)
		basic := basicPlan()
		require.NoError(t, s.Create(ctx, basic))

		pro := basicPlan()
		pro.Name = "Pro"
		pro.SortOrder = 0
		pro.Limits = UnlimitedLimits()
		require.NoError(t, s.Create(ctx, pro))

		basic.PriceCents = 2900
		require.NoError(t, s.Update(ctx, basic))
		got, err := s.Get(ctx, basic.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2900), got.PriceCents)

		all, err := s.List(ctx, false)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "Pro", all[0].Name)

		require.NoError(t, s.Archive(ctx, pro.ID))
		active, err := s.List(ctx, true)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "Basic", active[0].Name)
	})
}

func TestSQLStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return newSQLiteStore(t) })
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLStore_DriverErrorsAreUnavailable(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	s := NewSQLStore(storage.NewDB(raw, nil, storage.Postgres))
	mock.ExpectQuery("SELECT (.+) FROM plans WHERE id = \\$1").
		WithArgs(int64(1)).
		WillReturnError(errors.New("connection reset"))

	_, err = s.Get(context.Background(), 1)
	assert.ErrorIs(t, err, errs.ErrStoreUnavailable)
	assert.True(t, errs.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
