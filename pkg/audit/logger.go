package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/fieldops/pkg/contextkeys"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close closes the logger and flushes any buffered logs
	Close() error
}

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return contextkeys.WithAuditLogger(ctx, logger)
}

// FromContext retrieves the audit logger from context, or a no-op logger
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NoopLogger()
}

// NoopLogger returns a logger that drops every event
func NoopLogger() Logger {
	return noOpLogger{}
}

type noOpLogger struct{}

func (noOpLogger) Log(context.Context, *AuditEvent) error { return nil }
func (noOpLogger) Close() error                          { return nil }

// NewEvent builds an event stamped with the acting user and request id
// found in ctx. A request id is generated when none is present.
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *AuditEvent {
	event := &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
	if event.RequestID == "" {
		event.RequestID = uuid.NewString()
	}
	if userID, ok := contextkeys.GetUserID(ctx); ok {
		event.UserID = &userID
	}
	return event
}

// ResourceEvent builds an event about one record
func ResourceEvent(ctx context.Context, eventType EventType, status EventStatus, resourceType string, resourceID interface{}, action string) *AuditEvent {
	event := NewEvent(ctx, eventType, status)
	event.ResourceType = resourceType
	event.ResourceID = FormatResourceID(resourceID)
	event.Action = action
	return event
}

// FormatResourceID renders a primary key the way resource_id stores it
func FormatResourceID(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprint(v)
	}
}

// LogSuccess logs a successful event about a record through the context logger
func LogSuccess(ctx context.Context, eventType EventType, resourceType string, resourceID interface{}, action string, metadata map[string]interface{}) error {
	event := ResourceEvent(ctx, eventType, EventStatusSuccess, resourceType, resourceID, action)
	for k, v := range metadata {
		event.Metadata[k] = v
	}
	return FromContext(ctx).Log(ctx, event)
}

// LogDenied logs an access denied event
func LogDenied(ctx context.Context, resourceType string, resourceID interface{}, action, reason string, metadata map[string]interface{}) error {
	event := ResourceEvent(ctx, EventTypeAccessDenied, EventStatusDenied, resourceType, resourceID, action)
	event.Message = fmt.Sprintf("Access denied: %s", reason)
	for k, v := range metadata {
		event.Metadata[k] = v
	}
	return FromContext(ctx).Log(ctx, event)
}
