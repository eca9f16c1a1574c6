package audit

import "time"

// EventType represents the category of audit event
type EventType string

const (
	// Data mutation events
	EventTypeDataCreate EventType = "data.create"
	EventTypeDataUpdate EventType = "data.update"
	EventTypeDataDelete EventType = "data.delete"

	// Authorization events
	EventTypeAccessDenied EventType = "authz.access_denied"

	// Maintenance events
	EventTypeRetentionPurge EventType = "audit.retention_purge"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// AuditEvent is one row of audit_logs. ResourceType and ResourceID form the
// polymorphic reference that the cascading delete engine purges when the
// referenced record goes away.
type AuditEvent struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	UserID *int64 `json:"user_id,omitempty"`

	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	Action       string `json:"action,omitempty"`

	RequestID    string                 `json:"request_id,omitempty"`
	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// metadataDocument folds the free-form columns into the metadata JSONB value
func (e *AuditEvent) metadataDocument() (map[string]interface{}, bool) {
	doc := make(map[string]interface{}, len(e.Metadata)+3)
	for k, v := range e.Metadata {
		doc[k] = v
	}
	if e.RequestID != "" {
		doc["request_id"] = e.RequestID
	}
	if e.Message != "" {
		doc["message"] = e.Message
	}
	if e.ErrorMessage != "" {
		doc["error"] = e.ErrorMessage
	}
	return doc, len(doc) > 0
}

// RetentionPolicy bounds how long audit rows are kept
type RetentionPolicy struct {
	RetentionDays int
}

// Cutoff returns the oldest timestamp kept as of now
func (p RetentionPolicy) Cutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.RetentionDays)
}
