package cascade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fieldops/fieldops/pkg/apperrors"
	"github.com/fieldops/fieldops/pkg/audit"
	"github.com/fieldops/fieldops/pkg/events"
	"github.com/fieldops/fieldops/pkg/metadata"
	"github.com/fieldops/fieldops/pkg/observability"
	"github.com/fieldops/fieldops/pkg/policy"
	"github.com/fieldops/fieldops/pkg/rls"
	"github.com/fieldops/fieldops/pkg/storage/postgres"
)

// Options are scoped to one delete call
type Options struct {
	// Actor is the caller performing the delete; zero for system jobs
	Actor rls.Identity
	// Force bypasses system protection
	Force  bool
	Reason string
	Extra  map[string]interface{}
}

// HookContext is handed to a pre-delete hook. Tx is the live delete transaction;
// anything the hook writes through it commits or rolls back with the delete.
type HookContext struct {
	Tx      postgres.Querier
	Options Options
	Record  postgres.Record
	Table   string
	ID      interface{}
}

// HookFunc runs after the target row is fetched and locked. A returned error
// aborts the delete and reaches the caller unchanged.
type HookFunc func(ctx context.Context, record postgres.Record, hc HookContext) error

// Request describes one delete
type Request struct {
	Table        string
	ID           interface{}
	BeforeDelete HookFunc
	Options      Options

	// ProtectedValues replaces the protected values declared in metadata when set
	ProtectedValues []string

	// ProtectedValue is the target's current value of the protected field when
	// the caller already knows it. When nil the engine reads it before opening
	// a transaction.
	ProtectedValue interface{}

	// Filter is a row-level security fragment compiled for a find-by-id
	// lookup ($1 is the id). A nil Filter fetches without row filtering.
	Filter *rls.FilterResult
}

// Result is returned by a committed delete
type Result struct {
	// Record is the row as fetched before deletion
	Record postgres.Record
	// Removed counts deleted dependent rows per dependent table
	Removed map[string]int64
	Trail   Trail
}

// Config wires an Engine. Only DB and Registry are required.
type Config struct {
	DB        *sql.DB
	Registry  *metadata.Registry
	Metrics   *observability.Metrics
	Logger    *observability.Logger
	Audit     audit.Logger
	Publisher events.Publisher

	// OnComplete, when set, receives the trail of every finished delete
	OnComplete func(table string, trail Trail, err error)
}

// Engine executes deletes as single transactions that also remove dependent
// and audit rows. It holds no per-call state and is safe for concurrent use.
type Engine struct {
	db         *sql.DB
	registry   *metadata.Registry
	metrics    *observability.Metrics
	logger     *observability.Logger
	audit      audit.Logger
	publisher  events.Publisher
	onComplete func(string, Trail, error)
}

// NewEngine creates a delete engine
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.DB == nil {
		return nil, errors.New("cascade: database is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("cascade: metadata registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NoopPublisher{}
	}
	return &Engine{
		db:         cfg.DB,
		registry:   cfg.Registry,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.WithField("component", "cascade"),
		audit:      cfg.Audit,
		publisher:  cfg.Publisher,
		onComplete: cfg.OnComplete,
	}, nil
}

// plan is the metadata-derived shape of one delete
type plan struct {
	table      string
	label      string
	pk         string
	protection *metadata.SystemProtection
	dependents []metadata.Dependent
	audits     []metadata.Dependent
}

func (e *Engine) plan(req Request) (plan, error) {
	if !policy.IsIdentifier(req.Table) {
		return plan{}, apperrors.NewValidationError(apperrors.CodeUnknownEntity, "table", "invalid table name %q", req.Table)
	}
	if req.ID == nil {
		return plan{}, apperrors.NewValidationError(apperrors.CodeInvalidValue, "id", "id is required")
	}

	p := plan{table: req.Table, pk: "id"}
	entity, ok := e.registry.LookupTable(req.Table)
	if ok {
		p.label = entity.Name
		p.pk = entity.PrimaryKey
		p.protection = entity.SystemProtected
		for _, dep := range entity.Dependents {
			if dep.Audit {
				p.audits = append(p.audits, dep)
			} else {
				p.dependents = append(p.dependents, dep)
			}
		}
	}

	if req.ProtectedValues != nil && p.protection != nil {
		override := *p.protection
		override.ProtectedValues = req.ProtectedValues
		p.protection = &override
	}
	return p, nil
}

// blocks reports whether protection forbids deleting a row whose protected field holds value
func (p plan) blocks(opts Options, value interface{}) bool {
	return p.protection != nil && p.protection.PreventDelete && !opts.Force && p.protection.Protects(value)
}

// Delete runs the delete state machine:
//
//	BEGIN -> FETCH -> HOOK -> CASCADE_DEPENDENTS -> CASCADE_AUDIT -> DELETE_TARGET -> COMMIT
//
// FETCH may end in NOT_FOUND or PROTECTED, and every failure after BEGIN rolls
// back. Protection is checked before any transaction opens and again against
// the locked row, so a key spelled differently from the stored one cannot slip
// past. The connection is released on every path.
func (e *Engine) Delete(ctx context.Context, req Request) (result *Result, err error) {
	start := time.Now()
	var trail Trail

	ctx, span := observability.StartSpan(ctx, "cascade.Delete",
		attribute.String("db.table", req.Table))
	defer func() {
		observability.EndSpan(span, err)
		e.finish(req.Table, trail, start, err)
	}()

	p, err := e.plan(req)
	if err != nil {
		return nil, err
	}

	if err := e.precheck(ctx, p, req); err != nil {
		if apperrors.IsProtected(err) {
			trail = append(trail, StateProtected)
		}
		return nil, err
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, apperrors.Storage("acquire connection", p.table, err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Storage("begin", p.table, err)
	}
	trail = append(trail, StateBegin)

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			e.logger.WithError(rbErr).WithField("table", p.table).Error("Rollback failed")
		}
		trail = append(trail, StateRollback)
	}()

	trail = append(trail, StateFetch)
	record, err := e.fetch(ctx, tx, p, req)
	if err != nil {
		return nil, err
	}
	if record == nil {
		trail = append(trail, StateNotFound)
		return nil, &apperrors.NotFoundError{Entity: p.label, ID: req.ID}
	}

	if p.protection != nil && p.blocks(req.Options, record[p.protection.Field]) {
		trail = append(trail, StateProtected)
		return nil, &apperrors.ProtectedResourceError{
			Table: p.table,
			ID:    req.ID,
			Field: p.protection.Field,
			Value: record[p.protection.Field],
		}
	}

	// the stored key value keeps its column type for dependent lookups
	id := record[p.pk]
	if id == nil {
		id = req.ID
	}

	if req.BeforeDelete != nil {
		trail = append(trail, StateHook)
		snapshot := record.Clone()
		hc := HookContext{Tx: tx, Options: req.Options, Record: snapshot, Table: p.table, ID: id}
		if err := req.BeforeDelete(ctx, snapshot, hc); err != nil {
			return nil, err
		}
	}

	removed := make(map[string]int64, len(p.dependents)+len(p.audits))

	trail = append(trail, StateCascadeDependents)
	if err := e.cascade(ctx, tx, p.dependents, id, removed); err != nil {
		return nil, err
	}

	trail = append(trail, StateCascadeAudit)
	if err := e.cascade(ctx, tx, p.audits, id, removed); err != nil {
		return nil, err
	}

	trail = append(trail, StateDeleteTarget)
	res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = $1", p.table, p.pk), id)
	if err != nil {
		return nil, apperrors.Storage("delete", p.table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, &apperrors.NotFoundError{Entity: p.label, ID: id}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Storage("commit", p.table, err)
	}
	committed = true
	trail = append(trail, StateCommit)

	e.afterCommit(ctx, p, req, id, removed)

	return &Result{Record: record, Removed: removed, Trail: trail}, nil
}

// precheck rejects a protected target before a transaction is opened. The
// protected value comes from the request, the key itself, or a pre-read of
// the row; a row the pre-read cannot see is left for FETCH to report.
func (e *Engine) precheck(ctx context.Context, p plan, req Request) error {
	if p.protection == nil || !p.protection.PreventDelete || req.Options.Force {
		return nil
	}

	value := req.ProtectedValue
	if value == nil && p.protection.Field == p.pk {
		value = req.ID
	}
	if value == nil {
		where, args := lookup(p, req)
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", p.protection.Field, p.table, where)
		err := e.db.QueryRowContext(ctx, query, args...).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return apperrors.Storage("protection lookup", p.table, err)
		}
	}

	if !p.blocks(req.Options, value) {
		return nil
	}
	return &apperrors.ProtectedResourceError{Table: p.table, ID: req.ID, Field: p.protection.Field, Value: value}
}

// lookup renders the find-by-id condition with the request's row filter
func lookup(p plan, req Request) (string, []interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s.%s = $1", p.table, p.pk)
	args := []interface{}{req.ID}
	if req.Filter != nil && req.Filter.Clause != "" {
		b.WriteString(" AND ")
		b.WriteString(req.Filter.Clause)
		args = append(args, req.Filter.Params...)
	}
	return b.String(), args
}

func (e *Engine) fetch(ctx context.Context, tx *sql.Tx, p plan, req Request) (postgres.Record, error) {
	where, args := lookup(p, req)
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s FOR UPDATE", p.table, where)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Storage("fetch", p.table, err)
	}
	records, err := postgres.ScanRecords(rows)
	if err != nil {
		return nil, apperrors.Storage("fetch", p.table, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func (e *Engine) cascade(ctx context.Context, tx *sql.Tx, deps []metadata.Dependent, id interface{}, removed map[string]int64) error {
	for _, dep := range deps {
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", dep.Table, dep.ForeignKey)
		args := []interface{}{id}
		if dep.Polymorphic != nil {
			query += fmt.Sprintf(" AND %s = $2", dep.Polymorphic.TypeColumn)
			args = []interface{}{audit.FormatResourceID(id), dep.Polymorphic.TypeValue}
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return apperrors.Storage("cascade delete", dep.Table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed[dep.Table] += n
		}
	}
	return nil
}

// afterCommit reports a committed delete. Failures here are logged and never
// undo or fail the delete.
func (e *Engine) afterCommit(ctx context.Context, p plan, req Request, id interface{}, removed map[string]int64) {
	for table, n := range removed {
		e.metrics.RecordCascadeRows(p.table, table, n)
	}

	logger := observability.UpdateLoggerWithTraceContext(ctx, e.logger).WithFields(map[string]interface{}{
		"table":   p.table,
		"id":      id,
		"removed": removed,
	})
	if req.Options.Force {
		logger = logger.WithField("force", true)
	}
	logger.Info("Record deleted")

	if err := e.auditLogger(ctx).Log(ctx, deleteEvent(ctx, p.table, id, req.Options, removed)); err != nil {
		logger.WithError(err).Warn("Failed to write delete audit event")
	}

	deletion := events.Deletion{
		Table:      p.table,
		ID:         audit.FormatResourceID(id),
		Dependents: removed,
		DeletedAt:  time.Now().UTC(),
	}
	if req.Options.Actor.UserID > 0 {
		actor := req.Options.Actor.UserID
		deletion.ActorID = &actor
	}
	if err := e.publisher.PublishDeletion(ctx, deletion); err != nil {
		logger.WithError(err).Warn("Failed to publish deletion")
	}
}

func (e *Engine) auditLogger(ctx context.Context) audit.Logger {
	if e.audit != nil {
		return e.audit
	}
	return audit.FromContext(ctx)
}

func deleteEvent(ctx context.Context, table string, id interface{}, opts Options, removed map[string]int64) *audit.AuditEvent {
	event := audit.ResourceEvent(ctx, audit.EventTypeDataDelete, audit.EventStatusSuccess, table, id, "delete")
	if opts.Actor.UserID > 0 {
		actor := opts.Actor.UserID
		event.UserID = &actor
	}
	event.Message = opts.Reason
	event.Metadata["removed"] = removed
	if opts.Force {
		event.Metadata["force"] = true
	}
	for k, v := range opts.Extra {
		event.Metadata[k] = v
	}
	return event
}

func (e *Engine) finish(table string, trail Trail, start time.Time, err error) {
	outcome := trail.Outcome()
	if len(trail) == 0 && apperrors.IsValidation(err) {
		outcome = "INVALID"
	}
	e.metrics.RecordDelete(table, outcome, start)

	if err != nil {
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"table": table,
			"trail": trail.String(),
		}).Debug("Delete aborted")
	}
	if e.onComplete != nil {
		e.onComplete(table, trail, err)
	}
}
