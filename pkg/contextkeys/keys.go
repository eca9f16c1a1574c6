// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here so that key usage
// stays discoverable and typos cannot create a second key.
//
// USAGE PATTERN:
//
//	import "github.com/fieldops/fieldops/pkg/contextkeys"
//	ctx = contextkeys.WithSecurityContext(ctx, sc)
//	sc, _ := ctx.Value(contextkeys.SecurityContextKey).(*rls.SecurityContext)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// SecurityContextKey contains *rls.SecurityContext
	// Set by: the authorization layer once the caller is authenticated
	// Required by: entity.Service, cascade hooks
	// Type: *rls.SecurityContext
	SecurityContextKey Key = "security_context"

	// RequestIDKey contains request ID string (UUID)
	// Set by: HTTP middleware, observability layer
	// Used by: Logger, audit trail, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// UserIDKey contains the acting user id
	// Set by: the authorization layer
	// Used by: Logger, audit trail
	// Type: int64
	UserIDKey Key = "user_id"

	// LoggerKey contains *observability.Logger
	// Set by: Observability middleware
	// Used by: code that needs structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"

	// AuditLoggerKey contains audit.Logger interface
	// Set by: service wiring in cmd/fieldops
	// Used by: entity.Service and cascade.Engine to record audit events
	// Type: audit.Logger
	AuditLoggerKey Key = "audit_logger"
)

// WithSecurityContext adds the request security context
func WithSecurityContext(ctx context.Context, sc interface{}) context.Context {
	return context.WithValue(ctx, SecurityContextKey, sc)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithAuditLogger adds audit logger to the context
func WithAuditLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	return userID, ok
}
