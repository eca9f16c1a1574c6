// Package config loads fieldops configuration from FIELDOPS_* environment variables.
//
// Database:
//
//	FIELDOPS_POSTGRES_URL="postgres://localhost/fieldops?sslmode=disable"
//	FIELDOPS_POSTGRES_REPLICA_URLS="postgres://replica1/fieldops,postgres://replica2/fieldops"
//	FIELDOPS_POSTGRES_MAX_CONNS="20"
//	FIELDOPS_POSTGRES_MIN_CONNS="2"
//
// Access control:
//
//	FIELDOPS_METADATA_PATH="/etc/fieldops/entities.yaml"  # empty uses the built-in registry
//	FIELDOPS_FIELD_MASK_CACHE_SIZE="512"
//
// Deletion events:
//
//	FIELDOPS_REDIS_URL="redis://localhost:6379/0"  # empty disables publishing
//	FIELDOPS_REDIS_CHANNEL="fieldops:deleted"
//
// Audit:
//
//	FIELDOPS_AUDIT_RETENTION_DAYS="365"
//	FIELDOPS_AUDIT_CLEANUP_SCHEDULE="@daily"  # standard cron syntax
//
// Observability:
//
//	FIELDOPS_LOG_LEVEL="info"  # debug, info, warn, error
//	FIELDOPS_METRICS_ENABLED="true"
//	FIELDOPS_HEALTH_PORT="9090"
//	FIELDOPS_OTEL_ENABLED="true"
//	FIELDOPS_OTEL_ENDPOINT="otel-collector:4317"
//
// LoadConfig validates the result; the postgres URL is the only setting without a default.
package config
