package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fieldops/fieldops/pkg/apperrors"
	"github.com/fieldops/fieldops/pkg/audit"
	"github.com/fieldops/fieldops/pkg/cascade"
	"github.com/fieldops/fieldops/pkg/contextkeys"
	"github.com/fieldops/fieldops/pkg/metadata"
	"github.com/fieldops/fieldops/pkg/observability"
	"github.com/fieldops/fieldops/pkg/policy"
	"github.com/fieldops/fieldops/pkg/rbac"
	"github.com/fieldops/fieldops/pkg/rls"
	"github.com/fieldops/fieldops/pkg/storage/postgres"
)

// Config wires a Service. Registry, Resolver and Connections are required.
type Config struct {
	Registry    *metadata.Registry
	Resolver    *rbac.Resolver
	Connections *postgres.ConnectionManager

	// Masks defaults to a cache of rbac.DefaultFieldMaskCacheSize entries
	Masks *rbac.FieldMaskCache
	// Engine defaults to an engine on the primary connection
	Engine *cascade.Engine

	Metrics *observability.Metrics
	Logger  *observability.Logger
	// Audit defaults to the logger carried by the request context
	Audit audit.Logger
}

// ListResult is one page of a List call
type ListResult struct {
	Records []postgres.Record
	Total   int64
	Limit   int
	Offset  int

	// RLSApplied marks that the row filter of the caller was part of the query
	RLSApplied bool
	// Policy is the audit label of the row filter
	Policy string
}

// Service runs list, get, create, update and delete for any registered entity.
// Every call requires a security context; permission checks run before any query.
type Service struct {
	registry    *metadata.Registry
	resolver    *rbac.Resolver
	masks       *rbac.FieldMaskCache
	connections *postgres.ConnectionManager
	engine      *cascade.Engine
	metrics     *observability.Metrics
	logger      *observability.Logger
	audit       audit.Logger

	mu    sync.RWMutex
	hooks map[string]cascade.HookFunc
}

// NewService creates an entity service
func NewService(cfg Config) (*Service, error) {
	if cfg.Registry == nil {
		return nil, errors.New("entity: metadata registry is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("entity: permission resolver is required")
	}
	if cfg.Connections == nil || cfg.Connections.Primary() == nil {
		return nil, errors.New("entity: database connections are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}

	if cfg.Masks == nil {
		masks, err := rbac.NewFieldMaskCache(cfg.Resolver, rbac.DefaultFieldMaskCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create field mask cache: %w", err)
		}
		cfg.Masks = masks
	}

	if cfg.Engine == nil {
		engine, err := cascade.NewEngine(cascade.Config{
			DB:       cfg.Connections.Primary(),
			Registry: cfg.Registry,
			Metrics:  cfg.Metrics,
			Logger:   cfg.Logger,
			Audit:    cfg.Audit,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create delete engine: %w", err)
		}
		cfg.Engine = engine
	}

	return &Service{
		registry:    cfg.Registry,
		resolver:    cfg.Resolver,
		masks:       cfg.Masks,
		connections: cfg.Connections,
		engine:      cfg.Engine,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.WithField("component", "entity"),
		audit:       cfg.Audit,
		hooks:       make(map[string]cascade.HookFunc),
	}, nil
}

// RegisterHook adds pre-delete hooks for an entity. Hooks run in registration order.
func (s *Service) RegisterHook(entity string, hooks ...cascade.HookFunc) error {
	if _, err := s.registry.Resolve(entity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.hooks[entity]; ok {
		hooks = append([]cascade.HookFunc{existing}, hooks...)
	}
	s.hooks[entity] = cascade.Chain(hooks...)
	return nil
}

func (s *Service) hook(entity string) cascade.HookFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hooks[entity]
}

// List returns one page of the rows of an entity visible to the caller
func (s *Service) List(ctx context.Context, sc *rls.SecurityContext, name string, q Query) (result *ListResult, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "entity.List", attribute.String("entity", name))
	defer func() {
		observability.EndSpan(span, err)
		s.metrics.RecordEntityOperation(name, "list", start, err)
	}()

	e, sc, err := s.authorize(ctx, sc, name, nil, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	if err := s.checkFields(sc, e, q.fields(), rbac.ActionRead); err != nil {
		return nil, err
	}
	limit, offset, err := q.page()
	if err != nil {
		return nil, err
	}
	conds, args, err := conditions(e, q.Filters)
	if err != nil {
		return nil, err
	}
	order, err := orderBy(e, q.Sort)
	if err != nil {
		return nil, err
	}

	filter := s.compile(sc, e, len(args))
	if filter.Clause != "" {
		conds = append(conds, filter.Clause)
		args = append(args, filter.Params...)
	}
	whereSQL := where(conds)

	db := s.connections.Replica()
	var total int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+e.TableName+whereSQL, args...).Scan(&total); err != nil {
		return nil, apperrors.Storage("count", e.TableName, err)
	}

	pageArgs := make([]interface{}, 0, len(args)+2)
	pageArgs = append(pageArgs, args...)
	pageArgs = append(pageArgs, limit, offset)
	query := fmt.Sprintf("SELECT * FROM %s%s %s LIMIT $%d OFFSET $%d",
		e.TableName, whereSQL, order, len(args)+1, len(args)+2)

	records, err := s.query(ctx, db, "list", e.TableName, query, pageArgs)
	if err != nil {
		return nil, err
	}
	if err := s.assertApplied(sc, e, filter.Applied); err != nil {
		return nil, err
	}

	for i, r := range records {
		records[i] = s.FilterFields(sc.Role, e, r)
	}
	return &ListResult{
		Records:    records,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		RLSApplied: filter.Applied,
		Policy:     policy.Describe(sc.EffectivePolicy()),
	}, nil
}

// Get returns one row by primary key. Rows hidden by the row filter are not found.
func (s *Service) Get(ctx context.Context, sc *rls.SecurityContext, name string, id interface{}) (record postgres.Record, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "entity.Get", attribute.String("entity", name))
	defer func() {
		observability.EndSpan(span, err)
		s.metrics.RecordEntityOperation(name, "get", start, err)
	}()

	e, sc, err := s.authorize(ctx, sc, name, id, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidValue, e.PrimaryKey, "id is required")
	}

	filter := s.compile(sc, e, 1)
	conds := []string{qualified(e, e.PrimaryKey) + " = $1"}
	args := []interface{}{id}
	if filter.Clause != "" {
		conds = append(conds, filter.Clause)
		args = append(args, filter.Params...)
	}

	records, err := s.query(ctx, s.connections.Replica(), "get", e.TableName,
		"SELECT * FROM "+e.TableName+where(conds), args)
	if err != nil {
		return nil, err
	}
	if err := s.assertApplied(sc, e, filter.Applied); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &apperrors.NotFoundError{Entity: e.Name, ID: id}
	}
	return s.FilterFields(sc.Role, e, records[0]), nil
}

// Create inserts a row. For ownership-filtered roles the owner column is set
// from the security context.
func (s *Service) Create(ctx context.Context, sc *rls.SecurityContext, name string, values map[string]interface{}) (record postgres.Record, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "entity.Create", attribute.String("entity", name))
	defer func() {
		observability.EndSpan(span, err)
		s.metrics.RecordEntityOperation(name, "create", start, err)
	}()

	e, sc, err := s.authorize(ctx, sc, name, nil, rbac.ActionCreate)
	if err != nil {
		return nil, err
	}
	row, err := s.checkWrite(sc, e, values, rbac.ActionCreate)
	if err != nil {
		return nil, err
	}
	if err := s.stampOwner(sc, e, row, rbac.ActionCreate); err != nil {
		return nil, err
	}
	if err := checkRequired(e, row); err != nil {
		return nil, err
	}

	cols := sortedKeys(row)
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = row[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		e.TableName, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	records, err := s.query(ctx, s.connections.Primary(), "insert", e.TableName, query, args)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, apperrors.Storage("insert", e.TableName, errors.New("no row returned"))
	}

	created := records[0]
	s.recordMutation(ctx, sc, e, audit.EventTypeDataCreate, created[e.PrimaryKey], "create", cols)
	return s.FilterFields(sc.Role, e, created), nil
}

// Update changes fields of one row visible to the caller. Rows hidden by the
// row filter are not found. Changing the protected field of a system-protected
// row fails.
func (s *Service) Update(ctx context.Context, sc *rls.SecurityContext, name string, id interface{}, values map[string]interface{}) (record postgres.Record, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "entity.Update", attribute.String("entity", name))
	defer func() {
		observability.EndSpan(span, err)
		s.metrics.RecordEntityOperation(name, "update", start, err)
	}()

	e, sc, err := s.authorize(ctx, sc, name, id, rbac.ActionUpdate)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidValue, e.PrimaryKey, "id is required")
	}
	row, err := s.checkWrite(sc, e, values, rbac.ActionUpdate)
	if err != nil {
		return nil, err
	}
	if err := s.stampOwner(sc, e, row, rbac.ActionUpdate); err != nil {
		return nil, err
	}

	cols := sortedKeys(row)
	sets := make([]string, 0, len(cols)+1)
	args := []interface{}{id}
	for _, c := range cols {
		args = append(args, row[c])
		sets = append(sets, fmt.Sprintf("%s = $%d", c, len(args)))
	}
	if _, ok := e.Field("updated_at"); ok {
		sets = append(sets, "updated_at = NOW()")
	}

	filter := s.compile(sc, e, len(args))
	conds := []string{qualified(e, e.PrimaryKey) + " = $1"}
	if filter.Clause != "" {
		conds = append(conds, filter.Clause)
		args = append(args, filter.Params...)
	}
	query := fmt.Sprintf("UPDATE %s SET %s%s RETURNING *", e.TableName, strings.Join(sets, ", "), where(conds))

	var records []postgres.Record
	if guardsUpdate(e, row) {
		records, err = s.updateProtected(ctx, sc, e, id, query, args)
	} else {
		records, err = s.query(ctx, s.connections.Primary(), "update", e.TableName, query, args)
	}
	if err != nil {
		return nil, err
	}
	if err := s.assertApplied(sc, e, filter.Applied); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &apperrors.NotFoundError{Entity: e.Name, ID: id}
	}

	s.recordMutation(ctx, sc, e, audit.EventTypeDataUpdate, id, "update", cols)
	return s.FilterFields(sc.Role, e, records[0]), nil
}

// updateProtected locks the row, rejects changes to a protected row and runs
// the update in the same transaction
func (s *Service) updateProtected(ctx context.Context, sc *rls.SecurityContext, e *metadata.Entity, id interface{}, query string, args []interface{}) ([]postgres.Record, error) {
	prot := e.SystemProtected

	tx, err := s.connections.Primary().BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Storage("begin", e.TableName, err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.WithError(err).WithField("table", e.TableName).Error("Rollback failed")
		}
	}()

	find := rls.CompileForFindByID(sc, e)
	lock := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", prot.Field, e.TableName, qualified(e, e.PrimaryKey))
	lockArgs := []interface{}{id}
	if find.Clause != "" {
		lock += " AND " + find.Clause
		lockArgs = append(lockArgs, find.Params...)
	}
	lock += " FOR UPDATE"

	var current interface{}
	err = tx.QueryRowContext(ctx, lock, lockArgs...).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("lock", e.TableName, err)
	}
	if prot.Protects(current) {
		if b, ok := current.([]byte); ok {
			current = string(b)
		}
		return nil, &apperrors.ProtectedResourceError{Table: e.TableName, ID: id, Field: prot.Field, Value: current}
	}

	records, err := s.query(ctx, tx, "update", e.TableName, query, args)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Storage("commit", e.TableName, err)
	}
	return records, nil
}

// Delete removes one row visible to the caller together with its dependents.
// Hooks registered for the entity run inside the delete transaction.
func (s *Service) Delete(ctx context.Context, sc *rls.SecurityContext, name string, id interface{}, opts cascade.Options) (record postgres.Record, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "entity.Delete", attribute.String("entity", name))
	defer func() {
		observability.EndSpan(span, err)
		s.metrics.RecordEntityOperation(name, "delete", start, err)
	}()

	e, sc, err := s.authorize(ctx, sc, name, id, rbac.ActionDelete)
	if err != nil {
		return nil, err
	}

	filter := s.compile(sc, e, 1)
	// checked before the delete runs; a committed delete cannot be withdrawn
	if err := s.assertApplied(sc, e, filter.Applied); err != nil {
		return nil, err
	}
	if opts.Actor == (rls.Identity{}) {
		opts.Actor = sc.Identity()
	}

	result, err := s.engine.Delete(ctx, cascade.Request{
		Table:        e.TableName,
		ID:           id,
		BeforeDelete: s.hook(e.Name),
		Options:      opts,
		Filter:       &filter,
	})
	if err != nil {
		return nil, err
	}
	return s.FilterFields(sc.Role, e, result.Record), nil
}

// FilterFields returns the columns of record that role may read. Sensitive and
// undeclared columns are always dropped.
func (s *Service) FilterFields(role rbac.Role, e *metadata.Entity, record postgres.Record) postgres.Record {
	if record == nil {
		return nil
	}
	mask := s.masks.Mask(role, e.Name, rbac.ActionRead, e.FieldNames())
	out := make(postgres.Record, len(record))
	for k, v := range record {
		if metadata.IsSensitive(e, k) || !mask.Allows(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// authorize resolves the entity, binds sc to it and checks the resource permission
func (s *Service) authorize(ctx context.Context, sc *rls.SecurityContext, name string, id interface{}, action rbac.Action) (*metadata.Entity, *rls.SecurityContext, error) {
	e, err := s.registry.Resolve(name)
	if err != nil {
		return nil, nil, err
	}
	if sc == nil {
		return nil, nil, apperrors.NewValidationError(apperrors.CodeMissingContext, "",
			"security context is required to %s %s", action, e.Name)
	}
	if sc.Resource != e.Name {
		sc = sc.ForEntity(s.registry, e)
	}

	decision := s.resolver.Decide(sc.Role, e.Name, action)
	s.metrics.RecordPermissionDecision(e.Name, string(action), decision.Allowed)
	if !decision.Allowed {
		s.recordDenied(ctx, sc, e, id, action, decision.Reason)
		return nil, nil, &apperrors.PermissionDeniedError{Role: string(sc.Role), Resource: e.Name, Action: string(action)}
	}
	return e, sc, nil
}

// checkFields requires action permission on every named field
func (s *Service) checkFields(sc *rls.SecurityContext, e *metadata.Entity, fields []string, action rbac.Action) error {
	for _, f := range fields {
		if !s.resolver.HasFieldPermission(sc.Role, e.Name, f, action) {
			return &apperrors.PermissionDeniedError{Role: string(sc.Role), Resource: e.Name, Action: string(action), Field: f}
		}
	}
	return nil
}

// checkWrite validates caller values and returns them as a new row
func (s *Service) checkWrite(sc *rls.SecurityContext, e *metadata.Entity, values map[string]interface{}, action rbac.Action) (postgres.Record, error) {
	if len(values) == 0 {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidValue, "", "no fields to write")
	}

	row := make(postgres.Record, len(values))
	for _, name := range sortedKeys(values) {
		field, ok := e.Field(name)
		if !ok {
			return nil, apperrors.NewValidationError(apperrors.CodeUnknownField, name, "unknown field on %s", e.Name)
		}
		if field.ReadOnly || name == e.PrimaryKey || !s.resolver.HasFieldPermission(sc.Role, e.Name, name, action) {
			return nil, &apperrors.PermissionDeniedError{Role: string(sc.Role), Resource: e.Name, Action: string(action), Field: name}
		}
		if err := checkValue(field, values[name]); err != nil {
			return nil, err
		}
		row[name] = values[name]
	}
	return row, nil
}

// stampOwner enforces the ownership column of field-filtered roles. Create sets
// it from the context; neither create nor update may point it at another owner.
// Roles whose rows are denied or governed by a parent entity cannot write.
func (s *Service) stampOwner(sc *rls.SecurityContext, e *metadata.Entity, row postgres.Record, action rbac.Action) error {
	denied := func(field string) error {
		return &apperrors.PermissionDeniedError{Role: string(sc.Role), Resource: e.Name, Action: string(action), Field: field}
	}

	switch p := policy.Normalize(sc.EffectivePolicy()).(type) {
	case policy.NoFilter:
		return nil
	case policy.FieldReference:
		owner, ok := sc.Value(p.ContextKey)
		if !ok {
			return denied(p.Column)
		}
		if v, present := row[p.Column]; present && audit.FormatResourceID(v) != strconv.FormatInt(owner, 10) {
			return denied(p.Column)
		}
		// a row that is its own owner is matched by its key, which is never written
		if action == rbac.ActionCreate && p.Column != e.PrimaryKey {
			row[p.Column] = owner
		}
		return nil
	default:
		return denied("")
	}
}

func (s *Service) compile(sc *rls.SecurityContext, e *metadata.Entity, offset int) rls.FilterResult {
	s.metrics.RecordRLSCompilation(e.Name, policy.Describe(sc.EffectivePolicy()))
	return rls.Compile(sc, e, offset)
}

func (s *Service) assertApplied(sc *rls.SecurityContext, e *metadata.Entity, applied bool) error {
	err := rls.ValidateApplied(sc, applied)
	if err != nil {
		s.metrics.RecordRLSAssertionFailure(e.Name)
		s.logger.WithError(err).WithField("entity", e.Name).Error("Row-level security assertion failed")
	}
	return err
}

func (s *Service) query(ctx context.Context, q postgres.Querier, op, table, query string, args []interface{}) ([]postgres.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Storage(op, table, err)
	}
	records, err := postgres.ScanRecords(rows)
	if err != nil {
		return nil, apperrors.Storage(op, table, err)
	}
	return records, nil
}

func (s *Service) auditLogger(ctx context.Context) audit.Logger {
	if s.audit != nil {
		return s.audit
	}
	return audit.FromContext(ctx)
}

// auditContext carries the service audit sink and the acting user for the audit helpers
func (s *Service) auditContext(ctx context.Context, sc *rls.SecurityContext) context.Context {
	ctx = audit.WithLogger(ctx, s.auditLogger(ctx))
	if sc.UserID > 0 {
		ctx = contextkeys.WithUserID(ctx, sc.UserID)
	}
	return ctx
}

func (s *Service) recordMutation(ctx context.Context, sc *rls.SecurityContext, e *metadata.Entity, eventType audit.EventType, id interface{}, action string, fields []string) {
	err := audit.LogSuccess(s.auditContext(ctx, sc), eventType, e.TableName, id, action, map[string]interface{}{"fields": fields})
	if err != nil {
		s.logger.WithError(err).WithField("entity", e.Name).Warn("Failed to write audit event")
	}
}

func (s *Service) recordDenied(ctx context.Context, sc *rls.SecurityContext, e *metadata.Entity, id interface{}, action rbac.Action, reason string) {
	err := audit.LogDenied(s.auditContext(ctx, sc), e.TableName, id, string(action), reason, map[string]interface{}{"role": string(sc.Role)})
	if err != nil {
		s.logger.WithError(err).WithField("entity", e.Name).Warn("Failed to write audit event")
	}
}

// guardsUpdate reports whether row changes the protected field of an immutable entity
func guardsUpdate(e *metadata.Entity, row postgres.Record) bool {
	prot := e.SystemProtected
	if prot == nil || !prot.Immutable {
		return false
	}
	_, ok := row[prot.Field]
	return ok
}

func checkValue(field *metadata.Field, v interface{}) error {
	if v == nil {
		if field.Required {
			return apperrors.NewValidationError(apperrors.CodeInvalidValue, field.Name, "field is required")
		}
		return nil
	}
	if field.Type == metadata.TypeEnum && len(field.Values) > 0 {
		s, ok := v.(string)
		if !ok {
			return apperrors.NewValidationError(apperrors.CodeInvalidValue, field.Name, "expected one of %s", strings.Join(field.Values, ", "))
		}
		for _, allowed := range field.Values {
			if s == allowed {
				return nil
			}
		}
		return apperrors.NewValidationError(apperrors.CodeInvalidValue, field.Name, "%q is not one of %s", s, strings.Join(field.Values, ", "))
	}
	return nil
}

func checkRequired(e *metadata.Entity, row postgres.Record) error {
	for _, f := range e.Fields {
		if !f.Required || f.ReadOnly || f.Name == e.PrimaryKey {
			continue
		}
		if v, ok := row[f.Name]; !ok || v == nil {
			return apperrors.NewValidationError(apperrors.CodeInvalidValue, f.Name, "field is required")
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
