package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldops/fieldops/pkg/apperrors"
	"github.com/fieldops/fieldops/pkg/observability"
)

// Schema creates the audit_logs table used by DBLogger
const Schema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
	event_type VARCHAR(100) NOT NULL,
	status VARCHAR(20) NOT NULL,
	user_id BIGINT,
	resource_type VARCHAR(63),
	resource_id VARCHAR(255),
	action VARCHAR(20),
	metadata JSONB
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id);
`

// DBLogger implements audit logging to PostgreSQL database
type DBLogger struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// NewDBLogger creates a new database-based audit logger and ensures its table exists.
// metrics may be nil.
func NewDBLogger(ctx context.Context, db *sql.DB, metrics *observability.Metrics) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db, metrics: metrics}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_logs table: %w", err)
	}

	return logger, nil
}

// Log inserts event and sets its ID
func (l *DBLogger) Log(ctx context.Context, event *AuditEvent) (err error) {
	defer func() { l.metrics.RecordAuditEvent(string(event.EventType), err) }()

	var metadata sql.NullString
	if doc, ok := event.metadataDocument(); ok {
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	const query = `
		INSERT INTO audit_logs (
			timestamp, event_type, status, user_id,
			resource_type, resource_id, action, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		event.Timestamp, string(event.EventType), string(event.Status), event.UserID,
		nullString(event.ResourceType), nullString(event.ResourceID), nullString(event.Action), metadata,
	).Scan(&event.ID)
	if err != nil {
		return apperrors.Storage("insert audit event", "audit_logs", err)
	}

	return nil
}

// Cleanup removes audit rows older than the retention period
func (l *DBLogger) Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error) {
	if policy.RetentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", policy.RetentionDays)
	}

	result, err := l.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE timestamp < $1", policy.Cutoff(time.Now().UTC()))
	if err != nil {
		return 0, apperrors.Storage("purge audit events", "audit_logs", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, apperrors.Storage("purge audit events", "audit_logs", err)
	}

	l.metrics.RecordAuditPurge(rows)
	return rows, nil
}

// Close is a no-op; the connection pool is owned by the caller
func (l *DBLogger) Close() error {
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
