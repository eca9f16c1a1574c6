package entity

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldops/pkg/apperrors"
	"github.com/fieldops/fieldops/pkg/audit"
	"github.com/fieldops/fieldops/pkg/cascade"
	"github.com/fieldops/fieldops/pkg/metadata"
	"github.com/fieldops/fieldops/pkg/observability"
	"github.com/fieldops/fieldops/pkg/rbac"
	"github.com/fieldops/fieldops/pkg/rls"
	"github.com/fieldops/fieldops/pkg/storage/postgres"
)

func int64Ptr(v int64) *int64 { return &v }

var (
	customer   = rls.Identity{UserID: 9, Role: rbac.RoleCustomer, CustomerProfileID: int64Ptr(42)}
	technician = rls.Identity{UserID: 7, Role: rbac.RoleTechnician, TechnicianProfileID: int64Ptr(5)}
	manager    = rls.Identity{UserID: 3, Role: rbac.RoleManager}
	admin      = rls.Identity{UserID: 1, Role: rbac.RoleAdmin}
)

type recordingAudit struct {
	mu     sync.Mutex
	events []*audit.AuditEvent
}

func (r *recordingAudit) Log(_ context.Context, e *audit.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAudit) Close() error { return nil }

type fixture struct {
	svc      *Service
	mock     sqlmock.Sqlmock
	registry *metadata.Registry
	metrics  *observability.Metrics
	audit    *recordingAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := metadata.Default()
	f := &fixture{
		mock:     mock,
		registry: reg,
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		audit:    &recordingAudit{},
	}
	f.svc, err = NewService(Config{
		Registry:    reg,
		Resolver:    rbac.NewResolver(reg.Hierarchy(), reg.PermissionMatrix()),
		Connections: postgres.NewConnectionManagerFromDB(db, nil, nil),
		Metrics:     f.metrics,
		Audit:       f.audit,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) sc(entity string, id rls.Identity) *rls.SecurityContext {
	return rls.NewSecurityContext(f.registry, f.registry.MustLookup(entity), id)
}

func TestNewService(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	reg := metadata.Default()
	resolver := rbac.NewResolver(reg.Hierarchy(), reg.PermissionMatrix())
	conns := postgres.NewConnectionManagerFromDB(db, nil, nil)

	_, err = NewService(Config{Resolver: resolver, Connections: conns})
	assert.EqualError(t, err, "entity: metadata registry is required")
	_, err = NewService(Config{Registry: reg, Connections: conns})
	assert.EqualError(t, err, "entity: permission resolver is required")
	_, err = NewService(Config{Registry: reg, Resolver: resolver})
	assert.EqualError(t, err, "entity: database connections are required")

	svc, err := NewService(Config{Registry: reg, Resolver: resolver, Connections: conns})
	require.NoError(t, err)
	assert.NotNil(t, svc.masks)
	assert.NotNil(t, svc.engine)
}

func TestList_CustomerFilteredAndMasked(t *testing.T) {
	f := newFixture(t)
	where := "WHERE work_orders.status = $1 AND work_orders.priority = ANY($2) AND work_orders.customer_id = $3"

	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM work_orders " + where)).
		WithArgs("pending", pq.Array([]string{"high", "urgent"}), int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(11)))
	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM work_orders " + where + " ORDER BY work_orders.created_at DESC LIMIT $4 OFFSET $5")).
		WithArgs("pending", pq.Array([]string{"high", "urgent"}), int64(42), 10, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "customer_id", "internal_notes", "legacy_flag"}).
			AddRow(int64(7), "Replace compressor", int64(42), "gate code 1234", true))

	page, err := f.svc.List(context.Background(), f.sc("work_orders", customer), "work_orders", Query{
		Filters: []Filter{
			{Field: "status", Op: OpEq, Value: "pending"},
			{Field: "priority", Op: OpIn, Value: []string{"high", "urgent"}},
		},
		Sort:   []Sort{{Field: "created_at", Desc: true}},
		Limit:  10,
		Offset: 10,
	})
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())

	assert.Equal(t, int64(11), page.Total)
	assert.Equal(t, 10, page.Limit)
	assert.True(t, page.RLSApplied)
	assert.Equal(t, "filter_by_customer_id_via_customerProfileId", page.Policy)
	require.Len(t, page.Records, 1)
	assert.Equal(t, postgres.Record{"id": int64(7), "title": "Replace compressor", "customer_id": int64(42)}, page.Records[0])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RLSCompilationsTotal.WithLabelValues("work_orders", "filter_by_customer_id_via_customerProfileId")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EntityOperationsTotal.WithLabelValues("work_orders", "list", "success")))
}

func TestList_RebindsContextToEntity(t *testing.T) {
	f := newFixture(t)

	// a context built for users carries the users policy; listing technicians
	// must use the technicians policy instead
	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM technicians WHERE technicians.id = $1")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM technicians WHERE technicians.id = $1 ORDER BY technicians.id ASC LIMIT $2 OFFSET $3")).
		WithArgs(int64(5), DefaultLimit, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "hourly_rate"}).AddRow(int64(5), "55.00"))

	page, err := f.svc.List(context.Background(), f.sc("users", technician), "technicians", Query{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.NotContains(t, page.Records[0], "hourly_rate")
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestList_DeniedRowsStillQueryNothing(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM contracts WHERE 1=0")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM contracts WHERE 1=0 ORDER BY contracts.id ASC LIMIT $1 OFFSET $2")).
		WithArgs(DefaultLimit, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	page, err := f.svc.List(context.Background(), f.sc("contracts", technician), "contracts", Query{})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Equal(t, "deny_all", page.Policy)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestList_RejectedBeforeQuery(t *testing.T) {
	tests := []struct {
		name  string
		sc    func(f *fixture) *rls.SecurityContext
		ent   string
		query Query
		check func(t *testing.T, err error)
	}{
		{
			name: "missing security context",
			sc:   func(*fixture) *rls.SecurityContext { return nil },
			ent:  "work_orders",
			check: func(t *testing.T, err error) {
				assert.Equal(t, apperrors.CodeMissingContext, validationCode(t, err))
			},
		},
		{
			name: "unknown entity",
			sc:   func(f *fixture) *rls.SecurityContext { return f.sc("work_orders", admin) },
			ent:  "spaceships",
			check: func(t *testing.T, err error) {
				assert.Equal(t, apperrors.CodeUnknownEntity, validationCode(t, err))
			},
		},
		{
			name: "role below read requirement",
			sc:   func(f *fixture) *rls.SecurityContext { return f.sc("inventory_items", customer) },
			ent:  "inventory_items",
			check: func(t *testing.T, err error) {
				assert.True(t, apperrors.IsPermissionDenied(err))
			},
		},
		{
			name:  "filter on unlisted field",
			sc:    func(f *fixture) *rls.SecurityContext { return f.sc("work_orders", admin) },
			ent:   "work_orders",
			query: Query{Filters: []Filter{{Field: "description", Op: OpEq, Value: "x"}}},
			check: func(t *testing.T, err error) {
				assert.Equal(t, apperrors.CodeUnknownFilterField, validationCode(t, err))
			},
		},
		{
			name:  "sort on unlisted field",
			sc:    func(f *fixture) *rls.SecurityContext { return f.sc("work_orders", admin) },
			ent:   "work_orders",
			query: Query{Sort: []Sort{{Field: "description"}}},
			check: func(t *testing.T, err error) {
				assert.Equal(t, apperrors.CodeUnknownSortField, validationCode(t, err))
			},
		},
		{
			name:  "negative offset",
			sc:    func(f *fixture) *rls.SecurityContext { return f.sc("work_orders", admin) },
			ent:   "work_orders",
			query: Query{Offset: -1},
			check: func(t *testing.T, err error) {
				assert.Equal(t, apperrors.CodeInvalidValue, validationCode(t, err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.List(context.Background(), tt.sc(f), tt.ent, tt.query)
			require.Error(t, err)
			tt.check(t, err)
			require.NoError(t, f.mock.ExpectationsWereMet())
		})
	}
}

func TestList_DeniedIsAudited(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.List(context.Background(), f.sc("inventory_items", customer), "inventory_items", Query{})
	require.Error(t, err)

	require.Len(t, f.audit.events, 1)
	event := f.audit.events[0]
	assert.Equal(t, audit.EventTypeAccessDenied, event.EventType)
	assert.Equal(t, audit.EventStatusDenied, event.Status)
	assert.Equal(t, "read", event.Action)
	assert.Equal(t, "customer", event.Metadata["role"])
	assert.Contains(t, event.Message, "Access denied: ")
	require.NotNil(t, event.UserID)
	assert.Equal(t, int64(9), *event.UserID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PermissionDecisionsTotal.WithLabelValues("inventory_items", "read", "false")))
}

func TestList_StorageError(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM roles")).WillReturnError(errors.New("connection refused"))

	_, err := f.svc.List(context.Background(), f.sc("roles", admin), "roles", Query{})
	var storageErr *apperrors.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "count", storageErr.Op)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EntityOperationsTotal.WithLabelValues("roles", "list", "error")))
}

func TestGet(t *testing.T) {
	t.Run("technician sees assigned order", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM work_orders WHERE work_orders.id = $1 AND work_orders.assigned_technician_id = $2")).
			WithArgs(int64(7), int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "internal_notes"}).AddRow(int64(7), "gate code 1234"))

		record, err := f.svc.Get(context.Background(), f.sc("work_orders", technician), "work_orders", int64(7))
		require.NoError(t, err)
		assert.Equal(t, "gate code 1234", record["internal_notes"])
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("hidden row is not found", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM work_orders WHERE work_orders.id = $1 AND work_orders.customer_id = $2")).
			WithArgs(int64(8), int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := f.svc.Get(context.Background(), f.sc("work_orders", customer), "work_orders", int64(8))
		var notFound *apperrors.NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "work_orders", notFound.Entity)
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("sensitive columns are stripped", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM users WHERE users.id = $1")).
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "refresh_token"}).
				AddRow(int64(2), "ops@example.com", "$2a$10$abc", "tok"))

		record, err := f.svc.Get(context.Background(), f.sc("users", admin), "users", int64(2))
		require.NoError(t, err)
		assert.Equal(t, postgres.Record{"id": int64(2), "email": "ops@example.com"}, record)
	})

	t.Run("shorthand policy filters on own id", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM users WHERE users.id = $1 AND users.id = $2")).
			WithArgs(int64(2), int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := f.svc.Get(context.Background(), f.sc("users", technician), "users", int64(2))
		assert.True(t, apperrors.IsNotFound(err))
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("nil id", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Get(context.Background(), f.sc("users", admin), "users", nil)
		assert.Equal(t, apperrors.CodeInvalidValue, validationCode(t, err))
	})
}

func TestCreate_StampsOwner(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO work_orders (customer_id, priority, title) VALUES ($1, $2, $3) RETURNING *")).
		WithArgs(int64(42), "high", "No heat on floor 2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "priority", "title", "internal_notes"}).
			AddRow(int64(31), int64(42), "high", "No heat on floor 2", nil))

	record, err := f.svc.Create(context.Background(), f.sc("work_orders", customer), "work_orders", map[string]interface{}{
		"title":    "No heat on floor 2",
		"priority": "high",
	})
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())
	assert.Equal(t, int64(31), record["id"])
	assert.NotContains(t, record, "internal_notes")

	require.Len(t, f.audit.events, 1)
	event := f.audit.events[0]
	assert.Equal(t, audit.EventTypeDataCreate, event.EventType)
	assert.Equal(t, "31", event.ResourceID)
	assert.Equal(t, []string{"customer_id", "priority", "title"}, event.Metadata["fields"])
	require.NotNil(t, event.UserID)
	assert.Equal(t, int64(9), *event.UserID)
}

func TestCreate_Rejections(t *testing.T) {
	noProfile := rls.Identity{UserID: 10, Role: rbac.RoleCustomer}
	dispatcher := rls.Identity{UserID: 4, Role: rbac.RoleDispatcher}

	tests := []struct {
		name     string
		entity   string
		identity rls.Identity
		values   map[string]interface{}
		check    func(t *testing.T, err error)
	}{
		{
			name:     "other owner",
			entity:   "work_orders",
			identity: customer,
			values:   map[string]interface{}{"title": "x", "customer_id": 99},
			check:    func(t *testing.T, err error) { assert.True(t, apperrors.IsPermissionDenied(err)) },
		},
		{
			name:     "owner value missing from context",
			entity:   "work_orders",
			identity: noProfile,
			values:   map[string]interface{}{"title": "x"},
			check:    func(t *testing.T, err error) { assert.True(t, apperrors.IsPermissionDenied(err)) },
		},
		{
			name:     "unknown field",
			entity:   "work_orders",
			identity: customer,
			values:   map[string]interface{}{"title": "x", "colour": "red"},
			check: func(t *testing.T, err error) {
				assert.Equal(t, apperrors.CodeUnknownField, validationCode(t, err))
			},
		},
		{
			name:     "primary key",
			entity:   "work_orders",
			identity: dispatcher,
			values:   map[string]interface{}{"id": 5, "title": "x", "customer_id": 1},
			check:    func(t *testing.T, err error) { assert.True(t, apperrors.IsPermissionDenied(err)) },
		},
		{
			name:     "field write role",
			entity:   "work_orders",
			identity: customer,
			values:   map[string]interface{}{"title": "x", "assigned_technician_id": 5},
			check: func(t *testing.T, err error) {
				var denied *apperrors.PermissionDeniedError
				require.ErrorAs(t, err, &denied)
				assert.Equal(t, "assigned_technician_id", denied.Field)
			},
		},
		{
			name:     "enum value",
			entity:   "work_orders",
			identity: dispatcher,
			values:   map[string]interface{}{"title": "x", "customer_id": 1, "status": "paused"},
			check: func(t *testing.T, err error) {
				assert.Equal(t, apperrors.CodeInvalidValue, validationCode(t, err))
			},
		},
		{
			name:     "required field",
			entity:   "work_orders",
			identity: dispatcher,
			values:   map[string]interface{}{"customer_id": 1},
			check: func(t *testing.T, err error) {
				var ve *apperrors.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, "title", ve.Field)
			},
		},
		{
			name:     "parent governed rows",
			entity:   "work_order_notes",
			identity: technician,
			values:   map[string]interface{}{"work_order_id": 7, "body": "done"},
			check:    func(t *testing.T, err error) { assert.True(t, apperrors.IsPermissionDenied(err)) },
		},
		{
			name:     "no values",
			entity:   "work_orders",
			identity: dispatcher,
			values:   nil,
			check: func(t *testing.T, err error) {
				assert.Equal(t, apperrors.CodeInvalidValue, validationCode(t, err))
			},
		},
		{
			name:     "role below create requirement",
			entity:   "invoices",
			identity: technician,
			values:   map[string]interface{}{"invoice_number": "INV-1"},
			check:    func(t *testing.T, err error) { assert.True(t, apperrors.IsPermissionDenied(err)) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Create(context.Background(), f.sc(tt.entity, tt.identity), tt.entity, tt.values)
			require.Error(t, err)
			tt.check(t, err)
			require.NoError(t, f.mock.ExpectationsWereMet())
		})
	}
}

func TestCreate_StorageErrorKeepsDriverError(t *testing.T) {
	f := newFixture(t)
	fk := &pq.Error{Code: "23503", Message: "insert violates foreign key constraint"}
	f.mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO work_orders (customer_id, title) VALUES ($1, $2) RETURNING *")).
		WithArgs(1, "x").
		WillReturnError(fk)

	_, err := f.svc.Create(context.Background(), f.sc("work_orders", manager), "work_orders", map[string]interface{}{
		"title":       "x",
		"customer_id": 1,
	})
	assert.True(t, errors.Is(err, apperrors.ErrStorage))
	assert.True(t, apperrors.IsForeignKeyViolation(err))
	assert.Empty(t, f.audit.events)
}

func TestUpdate(t *testing.T) {
	t.Run("technician updates assigned order", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectQuery(regexp.QuoteMeta("UPDATE work_orders SET status = $2, updated_at = NOW() WHERE work_orders.id = $1 AND work_orders.assigned_technician_id = $3 RETURNING *")).
			WithArgs(int64(7), "in_progress", int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(int64(7), "in_progress"))

		record, err := f.svc.Update(context.Background(), f.sc("work_orders", technician), "work_orders", int64(7),
			map[string]interface{}{"status": "in_progress"})
		require.NoError(t, err)
		assert.Equal(t, "in_progress", record["status"])
		require.Len(t, f.audit.events, 1)
		assert.Equal(t, audit.EventTypeDataUpdate, f.audit.events[0].EventType)
		assert.Equal(t, "7", f.audit.events[0].ResourceID)
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("hidden row is not found", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectQuery(regexp.QuoteMeta("UPDATE work_orders SET status = $2, updated_at = NOW() WHERE work_orders.id = $1 AND work_orders.assigned_technician_id = $3 RETURNING *")).
			WithArgs(int64(8), "completed", int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := f.svc.Update(context.Background(), f.sc("work_orders", technician), "work_orders", int64(8),
			map[string]interface{}{"status": "completed"})
		assert.True(t, apperrors.IsNotFound(err))
		assert.Empty(t, f.audit.events)
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("owner column cannot move", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Update(context.Background(), f.sc("notifications", technician), "notifications", int64(3),
			map[string]interface{}{"user_id": 8})
		assert.True(t, apperrors.IsPermissionDenied(err))
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("owner column may be restated", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectQuery(regexp.QuoteMeta("UPDATE notifications SET is_read = $2, user_id = $3 WHERE notifications.id = $1 AND notifications.user_id = $4 RETURNING *")).
			WithArgs(int64(3), true, float64(7), int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "is_read"}).AddRow(int64(3), true))

		_, err := f.svc.Update(context.Background(), f.sc("notifications", technician), "notifications", int64(3),
			map[string]interface{}{"user_id": float64(7), "is_read": true})
		require.NoError(t, err)
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("role below update requirement", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Update(context.Background(), f.sc("technicians", customer), "technicians", int64(5),
			map[string]interface{}{"status": "off_duty"})
		assert.True(t, apperrors.IsPermissionDenied(err))
	})
}

func TestUpdate_ProtectedField(t *testing.T) {
	lock := regexp.QuoteMeta("SELECT name FROM roles WHERE roles.id = $1 FOR UPDATE")
	rename := regexp.QuoteMeta("UPDATE roles SET name = $2, updated_at = NOW() WHERE roles.id = $1 RETURNING *")

	t.Run("system role keeps its name", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(lock).WithArgs(int64(2)).WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("admin"))
		f.mock.ExpectRollback()

		_, err := f.svc.Update(context.Background(), f.sc("roles", admin), "roles", int64(2), map[string]interface{}{"name": "superuser"})
		var protected *apperrors.ProtectedResourceError
		require.ErrorAs(t, err, &protected)
		assert.Equal(t, "name", protected.Field)
		assert.Equal(t, "admin", protected.Value)
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("custom role can be renamed", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(lock).WithArgs(int64(9)).WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("regional_lead"))
		f.mock.ExpectQuery(rename).WithArgs(int64(9), "area_lead").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(9), "area_lead"))
		f.mock.ExpectCommit()

		record, err := f.svc.Update(context.Background(), f.sc("roles", admin), "roles", int64(9), map[string]interface{}{"name": "area_lead"})
		require.NoError(t, err)
		assert.Equal(t, "area_lead", record["name"])
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("missing role", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(lock).WithArgs(int64(404)).WillReturnRows(sqlmock.NewRows([]string{"name"}))
		f.mock.ExpectRollback()

		_, err := f.svc.Update(context.Background(), f.sc("roles", admin), "roles", int64(404), map[string]interface{}{"name": "x"})
		assert.True(t, apperrors.IsNotFound(err))
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("other fields skip the lock", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectQuery(regexp.QuoteMeta("UPDATE roles SET description = $2, updated_at = NOW() WHERE roles.id = $1 RETURNING *")).
			WithArgs(int64(2), "Full access").
			WillReturnRows(sqlmock.NewRows([]string{"id", "description"}).AddRow(int64(2), "Full access"))

		_, err := f.svc.Update(context.Background(), f.sc("roles", admin), "roles", int64(2), map[string]interface{}{"description": "Full access"})
		require.NoError(t, err)
		require.NoError(t, f.mock.ExpectationsWereMet())
	})
}

func TestDelete(t *testing.T) {
	t.Run("manager deletes work order", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM work_orders WHERE work_orders.id = $1 FOR UPDATE")).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "title", "internal_notes"}).AddRow(int64(7), "Fix chiller", "n/a"))
		f.mock.ExpectExec(regexp.QuoteMeta("DELETE FROM work_order_notes WHERE work_order_id = $1")).
			WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectExec(regexp.QuoteMeta("DELETE FROM audit_logs WHERE resource_id = $1 AND resource_type = $2")).
			WithArgs("7", "work_orders").WillReturnResult(sqlmock.NewResult(0, 2))
		f.mock.ExpectExec(regexp.QuoteMeta("DELETE FROM work_orders WHERE id = $1")).
			WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectCommit()

		record, err := f.svc.Delete(context.Background(), f.sc("work_orders", manager), "work_orders", int64(7), cascade.Options{})
		require.NoError(t, err)
		assert.Equal(t, "Fix chiller", record["title"])
		require.Len(t, f.audit.events, 1)
		require.NotNil(t, f.audit.events[0].UserID)
		assert.Equal(t, int64(3), *f.audit.events[0].UserID)
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("role below delete requirement", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Delete(context.Background(), f.sc("work_orders", customer), "work_orders", int64(7), cascade.Options{})
		assert.True(t, apperrors.IsPermissionDenied(err))
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("registered hooks run in the transaction", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.svc.RegisterHook("roles", cascade.BlockIfReferenced("users", "role_id")))

		f.mock.ExpectQuery(regexp.QuoteMeta("SELECT name FROM roles WHERE roles.id = $1")).
			WithArgs(int64(9)).
			WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("regional_lead"))
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM roles WHERE roles.id = $1 FOR UPDATE")).
			WithArgs(int64(9)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(9), "regional_lead"))
		f.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM users WHERE role_id = $1")).
			WithArgs(int64(9)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))
		f.mock.ExpectRollback()

		_, err := f.svc.Delete(context.Background(), f.sc("roles", admin), "roles", int64(9), cascade.Options{})
		assert.True(t, apperrors.IsConflict(err))
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("protected user", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Delete(context.Background(), f.sc("users", admin), "users", int64(1), cascade.Options{})
		assert.True(t, apperrors.IsProtected(err))
		require.NoError(t, f.mock.ExpectationsWereMet())
	})
}

func TestRegisterHook(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.svc.RegisterHook("spaceships", cascade.BlockSelfDelete()))

	var calls []string
	hook := func(name string) cascade.HookFunc {
		return func(context.Context, postgres.Record, cascade.HookContext) error {
			calls = append(calls, name)
			return nil
		}
	}
	require.NoError(t, f.svc.RegisterHook("users", hook("first")))
	require.NoError(t, f.svc.RegisterHook("users", hook("second"), hook("third")))

	require.NoError(t, f.svc.hook("users")(context.Background(), nil, cascade.HookContext{}))
	assert.Equal(t, []string{"first", "second", "third"}, calls)
	assert.Nil(t, f.svc.hook("roles"))
}

func TestFilterFields(t *testing.T) {
	f := newFixture(t)
	customers := f.registry.MustLookup("customers")
	record := postgres.Record{
		"id":            int64(42),
		"company_name":  "Acme",
		"credit_limit":  "50000.00",
		"password_hash": "x",
		"unlisted":      1,
	}

	assert.Equal(t, postgres.Record{"id": int64(42), "company_name": "Acme"},
		f.svc.FilterFields(rbac.RoleCustomer, customers, record))
	assert.Equal(t, postgres.Record{"id": int64(42), "company_name": "Acme", "credit_limit": "50000.00"},
		f.svc.FilterFields(rbac.RoleDispatcher, customers, record))
	assert.Nil(t, f.svc.FilterFields(rbac.RoleAdmin, customers, nil))
}
