// Package cascade deletes a record together with its dependent rows and audit
// history in one database transaction.
//
// Each delete walks a fixed state machine and records the states it visited in
// a Trail:
//
//	BEGIN -> FETCH -> HOOK -> CASCADE_DEPENDENTS -> CASCADE_AUDIT -> DELETE_TARGET -> COMMIT
//	              \-> NOT_FOUND | PROTECTED           any failure -> ROLLBACK
//
// The target row is locked with SELECT ... FOR UPDATE, optionally narrowed by a
// row-level security fragment. A pre-delete hook receives the live transaction,
// so its writes are atomic with the delete; its errors are returned unwrapped.
// Audit events and deletion notifications are emitted only after COMMIT and
// never fail a committed delete.
package cascade
