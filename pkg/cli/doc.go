// Package cli provides the fieldops command-line interface.
//
// # Commands
//
// serve: run the health, readiness and metrics endpoints, the audit retention
// schedule and the deletion event subscriber
//
//	fieldops serve
//
// list, get, create, update, delete: run entity operations as a given caller.
// Row-level security, field masks and audit apply exactly as for any other
// caller of the entity service.
//
//	fieldops list -entity work_orders -as-role customer -as-user 9 -customer-profile 42 \
//		-filter status=pending -filter priority:in=high,urgent -sort created_at:desc
//	fieldops get -entity work_orders -id 7 -as-role technician -as-user 7 -technician-profile 5
//	fieldops create -entity work_orders -as-role customer -as-user 9 -customer-profile 42 \
//		-data '{"title": "No heat on floor 2", "priority": "high"}'
//	fieldops delete -entity roles -id 9 -as-role admin -as-user 1 -reason "merged into dispatcher"
//
// policy: print the row policy label, compiled fragment and allowed operations
// for every entity and role; -watch reprints whenever the registry file changes
//
//	fieldops policy -metadata ./registry.yaml -entity work_orders -watch
//
// validate: check a registry file
//
//	fieldops validate -metadata ./registry.yaml -strict
//
// audit-cleanup: purge expired audit rows once
//
//	fieldops audit-cleanup -retention-days 90
//
// # Configuration
//
// Commands that touch the database read the FIELDOPS_* environment variables
// described in package config.
package cli
