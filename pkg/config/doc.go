// Package config loads rentbill configuration from RENTBILL_* environment
// variables and validates it before any component starts.
//
// Server:
//
//	RENTBILL_HOST="0.0.0.0"
//	RENTBILL_PORT="8080"
//	RENTBILL_ADMIN_TOKEN="..."          # bearer token for admin and plan routes
//
// Storage:
//
//	RENTBILL_STORAGE_DRIVER="sqlite"     # postgres, sqlite, memory
//	RENTBILL_SQLITE_PATH="rentbill.db"
//	RENTBILL_POSTGRES_URL="postgres://localhost/rentbill"
//	RENTBILL_POSTGRES_REPLICA_URLS="postgres://replica1/rentbill,postgres://replica2/rentbill"
//	RENTBILL_REDIS_URL="redis://localhost:6379"
//	RENTBILL_S3_BUCKET="rentbill-events"
//
// Billing policy:
//
//	RENTBILL_TRIAL_DAYS="14"
//	RENTBILL_MAX_FAILED_PAYMENTS="3"
//	RENTBILL_RENEWAL_DAYS="30"
//	RENTBILL_LIFETIME_REVOKE_DAYS="30"
//	RENTBILL_EXPIRY_WARNING_DAYS="7"
//
// Webhooks and checkout:
//
//	RENTBILL_WEBHOOK_SECRET="whsec_..."  # comma separated during rotation
//	RENTBILL_WEBHOOK_TOLERANCE="5m"
//	RENTBILL_WEBHOOK_IDEMPOTENCY_TTL="72h"
//	RENTBILL_WEBHOOK_ARCHIVE_S3="false"
//	RENTBILL_CHECKOUT_URL="https://pay.example.com/checkout"
//	RENTBILL_CHECKOUT_REFERENCE_SECRET="..."
//
// Scheduler (standard five-field cron, UTC):
//
//	RENTBILL_SCHEDULER_ENABLED="true"
//	RENTBILL_EXPIRY_SWEEP_SCHEDULE="0 3 * * *"
//	RENTBILL_USAGE_RESET_SCHEDULE="5 0 1 * *"
//	RENTBILL_EXPIRY_WARNINGS_SCHEDULE="0 9 * * *"
//
// Host notifications:
//
//	RENTBILL_NOTIFY_URL="https://app.internal/hooks/billing"
//	RENTBILL_NOTIFY_SECRET="..."
//
// Observability:
//
//	RENTBILL_LOG_LEVEL="info"
//	RENTBILL_METRICS_ENABLED="true"
//	RENTBILL_OTEL_ENABLED="false"
//	RENTBILL_OTEL_ENDPOINT="localhost:4317"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatalf("Failed to load config: %v", err)
//	}
package config
