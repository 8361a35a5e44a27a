package storage

// Migrations returns the schema for plans, subscriptions and webhook
// diagnostics in version order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create plans table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS plans (
					id BIGSERIAL PRIMARY KEY,
					name TEXT NOT NULL UNIQUE,
					price_cents BIGINT NOT NULL DEFAULT 0 CHECK (price_cents >= 0),
					currency TEXT NOT NULL DEFAULT 'USD',
					billing_cycle TEXT NOT NULL DEFAULT 'monthly',
					features TEXT NOT NULL DEFAULT '[]',
					limit_properties BIGINT NOT NULL DEFAULT -1,
					limit_tenants BIGINT NOT NULL DEFAULT -1,
					limit_users BIGINT NOT NULL DEFAULT -1,
					limit_storage_mb BIGINT NOT NULL DEFAULT -1,
					limit_exports BIGINT NOT NULL DEFAULT -1,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					sort_order INTEGER NOT NULL DEFAULT 0,
					trial_days INTEGER NOT NULL DEFAULT 0,
					processor_code TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_plans_active_sort ON plans(active, sort_order);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS plans (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL UNIQUE,
					price_cents INTEGER NOT NULL DEFAULT 0 CHECK (price_cents >= 0),
					currency TEXT NOT NULL DEFAULT 'USD',
					billing_cycle TEXT NOT NULL DEFAULT 'monthly',
					features TEXT NOT NULL DEFAULT '[]',
					limit_properties INTEGER NOT NULL DEFAULT -1,
					limit_tenants INTEGER NOT NULL DEFAULT -1,
					limit_users INTEGER NOT NULL DEFAULT -1,
					limit_storage_mb INTEGER NOT NULL DEFAULT -1,
					limit_exports INTEGER NOT NULL DEFAULT -1,
					active BOOLEAN NOT NULL DEFAULT 1,
					sort_order INTEGER NOT NULL DEFAULT 0,
					trial_days INTEGER NOT NULL DEFAULT 0,
					processor_code TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_plans_active_sort ON plans(active, sort_order);
			`,
		},
		{
			Version:     2,
			Description: "Create subscriptions table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id BIGSERIAL PRIMARY KEY,
					org_id BIGINT NOT NULL UNIQUE,
					plan_id BIGINT NOT NULL REFERENCES plans(id),
					status TEXT NOT NULL,
					current_period_start TIMESTAMP NOT NULL,
					current_period_end TIMESTAMP NOT NULL,
					trial_start TIMESTAMP,
					trial_end TIMESTAMP,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					canceled_at TIMESTAMP,
					ended_at TIMESTAMP,
					is_lifetime BOOLEAN NOT NULL DEFAULT FALSE,
					failed_payment_attempts INTEGER NOT NULL DEFAULT 0,
					external_id TEXT NOT NULL DEFAULT '',
					limit_properties BIGINT NOT NULL DEFAULT -1,
					limit_tenants BIGINT NOT NULL DEFAULT -1,
					limit_users BIGINT NOT NULL DEFAULT -1,
					limit_storage_mb BIGINT NOT NULL DEFAULT -1,
					limit_exports BIGINT NOT NULL DEFAULT -1,
					usage_properties BIGINT NOT NULL DEFAULT 0 CHECK (usage_properties >= 0),
					usage_tenants BIGINT NOT NULL DEFAULT 0 CHECK (usage_tenants >= 0),
					usage_users BIGINT NOT NULL DEFAULT 0 CHECK (usage_users >= 0),
					usage_storage_mb BIGINT NOT NULL DEFAULT 0 CHECK (usage_storage_mb >= 0),
					usage_exports BIGINT NOT NULL DEFAULT 0 CHECK (usage_exports >= 0),
					usage_last_reset TIMESTAMP NOT NULL,
					pending_plan_id BIGINT REFERENCES plans(id),
					checkout_reference TEXT NOT NULL DEFAULT '',
					version BIGINT NOT NULL DEFAULT 1,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					CHECK (current_period_end > current_period_start)
				);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_external_id
					ON subscriptions(external_id) WHERE external_id <> '';
				CREATE INDEX IF NOT EXISTS idx_subscriptions_status_period
					ON subscriptions(status, current_period_end);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_usage_reset
					ON subscriptions(usage_last_reset);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					org_id INTEGER NOT NULL UNIQUE,
					plan_id INTEGER NOT NULL REFERENCES plans(id),
					status TEXT NOT NULL,
					current_period_start TIMESTAMP NOT NULL,
					current_period_end TIMESTAMP NOT NULL,
					trial_start TIMESTAMP,
					trial_end TIMESTAMP,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT 0,
					canceled_at TIMESTAMP,
					ended_at TIMESTAMP,
					is_lifetime BOOLEAN NOT NULL DEFAULT 0,
					failed_payment_attempts INTEGER NOT NULL DEFAULT 0,
					external_id TEXT NOT NULL DEFAULT '',
					limit_properties INTEGER NOT NULL DEFAULT -1,
					limit_tenants INTEGER NOT NULL DEFAULT -1,
					limit_users INTEGER NOT NULL DEFAULT -1,
					limit_storage_mb INTEGER NOT NULL DEFAULT -1,
					limit_exports INTEGER NOT NULL DEFAULT -1,
					usage_properties INTEGER NOT NULL DEFAULT 0 CHECK (usage_properties >= 0),
					usage_tenants INTEGER NOT NULL DEFAULT 0 CHECK (usage_tenants >= 0),
					usage_users INTEGER NOT NULL DEFAULT 0 CHECK (usage_users >= 0),
					usage_storage_mb INTEGER NOT NULL DEFAULT 0 CHECK (usage_storage_mb >= 0),
					usage_exports INTEGER NOT NULL DEFAULT 0 CHECK (usage_exports >= 0),
					usage_last_reset TIMESTAMP NOT NULL,
					pending_plan_id INTEGER REFERENCES plans(id),
					checkout_reference TEXT NOT NULL DEFAULT '',
					version INTEGER NOT NULL DEFAULT 1,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					CHECK (current_period_end > current_period_start)
				);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_external_id
					ON subscriptions(external_id) WHERE external_id <> '';
				CREATE INDEX IF NOT EXISTS idx_subscriptions_status_period
					ON subscriptions(status, current_period_end);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_usage_reset
					ON subscriptions(usage_last_reset);
			`,
		},
		{
			Version:     3,
			Description: "Create unresolved webhook events table",
			Postgres: `
				CREATE TABLE IF NOT EXISTS unresolved_events (
					id BIGSERIAL PRIMARY KEY,
					event_id TEXT NOT NULL,
					event_type TEXT NOT NULL,
					external_id TEXT NOT NULL DEFAULT '',
					reason TEXT NOT NULL,
					payload TEXT NOT NULL,
					received_at TIMESTAMP NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_unresolved_events_received ON unresolved_events(received_at DESC);
			`,
			SQLite: `
				CREATE TABLE IF NOT EXISTS unresolved_events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					event_id TEXT NOT NULL,
					event_type TEXT NOT NULL,
					external_id TEXT NOT NULL DEFAULT '',
					reason TEXT NOT NULL,
					payload TEXT NOT NULL,
					received_at TIMESTAMP NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_unresolved_events_received ON unresolved_events(received_at DESC);
			`,
		},
	}
}
