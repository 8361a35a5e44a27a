package storage

import (
	"context"
	"fmt"
)

// Migration is one versioned schema change, written for each dialect
type Migration struct {
	Version     int
	Description string
	Postgres    string
	SQLite      string
}

func (m Migration) statement(d Dialect) string {
	if d == SQLite {
		return m.SQLite
	}
	return m.Postgres
}

// Migrate applies every migration not yet recorded in schema_migrations.
// It returns the versions it applied.
func Migrate(ctx context.Context, db *DB, migrations []Migration) ([]int, error) {
	_, err := db.Primary.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.Primary.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var ran []int
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		tx, err := db.Primary.BeginTx(ctx, nil)
		if err != nil {
			return ran, fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.statement(db.Dialect)); err != nil {
			tx.Rollback()
			return ran, fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return ran, fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return ran, fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
		ran = append(ran, m.Version)
	}

	return ran, nil
}
