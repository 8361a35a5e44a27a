package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewDB(db, nil, SQLite)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"default sqlite", func(c *Config) {}, false},
		{"memory", func(c *Config) { c.Driver = DriverMemory }, false},
		{"postgres without url", func(c *Config) { c.Driver = DriverPostgres }, true},
		{"postgres with url", func(c *Config) {
			c.Driver = DriverPostgres
			c.PostgresURL = "postgres://localhost/rentbill"
		}, false},
		{"postgres pool inverted", func(c *Config) {
			c.Driver = DriverPostgres
			c.PostgresURL = "postgres://localhost/rentbill"
			c.PostgresMinConns = 30
		}, true},
		{"sqlite without path", func(c *Config) { c.SQLitePath = "" }, true},
		{"unknown driver", func(c *Config) { c.Driver = "mongo" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDialectGreatest(t *testing.T) {
	assert.Equal(t, "GREATEST", Postgres.Greatest())
	assert.Equal(t, "MAX", SQLite.Greatest())
}

func TestDBReader(t *testing.T) {
	primary := &sql.DB{}
	replica := &sql.DB{}

	assert.Same(t, primary, NewDB(primary, nil, Postgres).Reader())
	assert.Same(t, replica, NewDB(primary, func() *sql.DB { return replica }, Postgres).Reader())
	assert.Same(t, primary, NewDB(primary, func() *sql.DB { return nil }, Postgres).Reader())
}

func TestMigrateSQLite(t *testing.T) {
	db := openTestSQLite(t)
	ctx := context.Background()

	ran, err := Migrate(ctx, db, Migrations())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ran)

	// second run is a no-op
	ran, err = Migrate(ctx, db, Migrations())
	require.NoError(t, err)
	assert.Empty(t, ran)

	var count int
	require.NoError(t, db.Primary.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 3, count)

	for _, table := range []string{"plans", "subscriptions", "unresolved_events"} {
		var name string
		err := db.Primary.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = $1", table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestMigrateFailureRollsBack(t *testing.T) {
	db := openTestSQLite(t)
	ctx := context.Background()

	bad := []Migration{
		{Version: 1, Description: "ok", SQLite: "CREATE TABLE a (id INTEGER)"},
		{Version: 2, Description: "broken", SQLite: "CREATE TABLE ("},
	}
	ran, err := Migrate(ctx, db, bad)
	require.Error(t, err)
	assert.Equal(t, []int{1}, ran)

	var count int
	require.NoError(t, db.Primary.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestIsUniqueViolation(t *testing.T) {
	db := openTestSQLite(t)
	ctx := context.Background()
	_, err := Migrate(ctx, db, Migrations())
	require.NoError(t, err)

	insert := `INSERT INTO plans (name, created_at, updated_at) VALUES ($1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`
	_, err = db.Primary.ExecContext(ctx, insert, "Basic")
	require.NoError(t, err)
	_, err = db.Primary.ExecContext(ctx, insert, "Basic")
	require.Error(t, err)

	assert.True(t, IsUniqueViolation(err))
	assert.True(t, IsUniqueViolation(fmt.Errorf("create plan: %w", err)))
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
	assert.False(t, IsUniqueViolation(nil))
}
