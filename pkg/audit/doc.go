// Package audit records who changed what in fieldops.
//
// Events land in the audit_logs table, the same table exposed as the
// audit_logs entity and purged polymorphically by the cascading delete
// engine through its resource_type and resource_id columns.
//
// # Usage
//
//	dbLogger, err := audit.NewDBLogger(ctx, cm.Primary(), metrics)
//	logger := audit.NewMultiLogger(dbLogger, audit.NewStructuredLogger(appLogger))
//	ctx = audit.WithLogger(ctx, logger)
//
//	audit.LogSuccess(ctx, audit.EventTypeDataCreate, "work_orders", id, "create", nil)
//
// Code that has no logger in its context gets a no-op logger from FromContext.
//
// # Retention
//
// DBLogger.Cleanup deletes rows older than RetentionPolicy.RetentionDays.
// cmd/fieldops schedules it with a cron expression from configuration.
package audit
