package cascade

import (
	"context"
	"fmt"

	"github.com/fieldops/fieldops/pkg/apperrors"
	"github.com/fieldops/fieldops/pkg/audit"
	"github.com/fieldops/fieldops/pkg/policy"
	"github.com/fieldops/fieldops/pkg/storage/postgres"
)

// BlockIfReferenced aborts a delete while rows of table still point at the
// record through column. The count runs inside the delete transaction.
func BlockIfReferenced(table, column string) HookFunc {
	return func(ctx context.Context, _ postgres.Record, hc HookContext) error {
		if !policy.IsIdentifier(table) || !policy.IsIdentifier(column) {
			return apperrors.NewValidationError(apperrors.CodeInvalidMetadata, column, "invalid reference %s.%s", table, column)
		}

		var n int64
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = $1", table, column)
		if err := hc.Tx.QueryRowContext(ctx, query, hc.ID).Scan(&n); err != nil {
			return apperrors.Storage("count references", table, err)
		}
		if n > 0 {
			return &apperrors.ConflictError{
				Table:  hc.Table,
				ID:     hc.ID,
				Reason: fmt.Sprintf("still referenced by %d %s row(s)", n, table),
			}
		}
		return nil
	}
}

// BlockSelfDelete aborts a delete of the acting user's own record
func BlockSelfDelete() HookFunc {
	return func(_ context.Context, _ postgres.Record, hc HookContext) error {
		actor := hc.Options.Actor.UserID
		if actor > 0 && audit.FormatResourceID(hc.ID) == audit.FormatResourceID(actor) {
			return &apperrors.ConflictError{Table: hc.Table, ID: hc.ID, Reason: "users cannot delete themselves"}
		}
		return nil
	}
}

// Chain runs hooks in order and stops at the first error
func Chain(hooks ...HookFunc) HookFunc {
	return func(ctx context.Context, record postgres.Record, hc HookContext) error {
		for _, h := range hooks {
			if h == nil {
				continue
			}
			if err := h(ctx, record, hc); err != nil {
				return err
			}
		}
		return nil
	}
}
