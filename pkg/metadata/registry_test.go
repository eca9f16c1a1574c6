package metadata

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldops/pkg/apperrors"
	"github.com/fieldops/fieldops/pkg/policy"
	"github.com/fieldops/fieldops/pkg/rbac"
)

func TestDefault(t *testing.T) {
	reg := Default()

	assert.Equal(t, []string{
		"audit_logs", "contracts", "customers", "inventory_items", "invoices",
		"notifications", "roles", "technicians", "users", "work_order_notes", "work_orders",
	}, reg.Names())
	assert.Empty(t, reg.Warnings())

	wo, ok := reg.Lookup("work_orders")
	require.True(t, ok)
	assert.Equal(t, "work_orders", wo.TableName)
	assert.Equal(t, "id", wo.PrimaryKey)
	assert.True(t, wo.HasRLS())
	assert.Len(t, wo.Dependents, 2)

	byTable, ok := reg.LookupTable("work_orders")
	require.True(t, ok)
	assert.Same(t, wo, byTable)

	_, ok = reg.Lookup("timesheets")
	assert.False(t, ok)
}

func TestRegistry_Resolve(t *testing.T) {
	reg := Default()

	e, err := reg.Resolve("invoices")
	require.NoError(t, err)
	assert.Equal(t, "invoices", e.Name)

	_, err = reg.Resolve("timesheets")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	assert.Panics(t, func() { reg.MustLookup("timesheets") })
}

func TestRegistry_PolicyFor(t *testing.T) {
	reg := Default()
	wo := reg.MustLookup("work_orders")

	assert.Equal(t, policy.NoFilter{}, reg.PolicyFor(wo, rbac.RoleAdmin))
	assert.Equal(t, policy.FieldReference{Column: "customer_id", ContextKey: policy.ContextCustomerProfileID},
		reg.PolicyFor(wo, rbac.RoleCustomer))
	assert.Equal(t, policy.FieldReference{Column: "assigned_technician_id", ContextKey: policy.ContextTechnicianProfileID},
		reg.PolicyFor(wo, rbac.RoleTechnician))

	// roles outside the declared set are denied
	assert.Equal(t, policy.DenyAll{}, reg.PolicyFor(wo, "guest"))

	// entities without declarations are unfiltered
	inv := reg.MustLookup("inventory_items")
	assert.False(t, inv.HasRLS())
	assert.Equal(t, policy.NoFilter{}, reg.PolicyFor(inv, rbac.RoleCustomer))

	notes := reg.MustLookup("work_order_notes")
	assert.Equal(t, policy.ParentDerived{}, reg.PolicyFor(notes, rbac.RoleCustomer))

	notifications := reg.MustLookup("notifications")
	assert.Equal(t, policy.FieldShorthand{Column: "user_id"}, reg.PolicyFor(notifications, rbac.RoleTechnician))

	assert.Equal(t, policy.DenyAll{}, reg.PolicyFor(reg.MustLookup("contracts"), rbac.RoleTechnician))
	assert.Equal(t, policy.DenyAll{}, reg.PolicyFor(nil, rbac.RoleAdmin))
}

func TestRegistry_PermissionMatrix(t *testing.T) {
	reg := Default()
	resolver := rbac.NewResolver(reg.Hierarchy(), reg.PermissionMatrix())
	require.NoError(t, resolver.Validate())

	assert.True(t, resolver.HasPermission(rbac.RoleCustomer, "work_orders", rbac.ActionRead))
	assert.False(t, resolver.HasPermission(rbac.RoleDispatcher, "work_orders", rbac.ActionDelete))
	assert.False(t, resolver.HasPermission(rbac.RoleAdmin, "audit_logs", rbac.ActionCreate))

	assert.False(t, resolver.HasFieldPermission(rbac.RoleCustomer, "work_orders", "internal_notes", rbac.ActionRead))
	assert.True(t, resolver.HasFieldPermission(rbac.RoleTechnician, "work_orders", "internal_notes", rbac.ActionRead))
	assert.False(t, resolver.HasFieldPermission(rbac.RoleTechnician, "work_orders", "assigned_technician_id", rbac.ActionUpdate))
	assert.True(t, resolver.HasFieldPermission(rbac.RoleDispatcher, "work_orders", "assigned_technician_id", rbac.ActionCreate))
}

func TestRegistry_SensitiveFields(t *testing.T) {
	reg := Default()
	users := reg.MustLookup("users")

	fields := reg.SensitiveFields(users)
	assert.Contains(t, fields, "password_hash")
	assert.Contains(t, fields, "refresh_token")

	assert.True(t, IsSensitive(users, "password_hash"))
	assert.True(t, IsSensitive(nil, "api_key_hash"))
	assert.False(t, IsSensitive(users, "email"))
}

func TestSystemProtection_Protects(t *testing.T) {
	reg := Default()

	roles := reg.MustLookup("roles")
	assert.True(t, roles.SystemProtected.Protects("admin"))
	assert.True(t, roles.SystemProtected.Protects([]byte("customer")))
	assert.False(t, roles.SystemProtected.Protects("auditor"))

	users := reg.MustLookup("users")
	assert.True(t, users.SystemProtected.Protects(int64(1)))
	assert.False(t, users.SystemProtected.Protects(2))

	var none *SystemProtection
	assert.False(t, none.Protects("admin"))
}

func TestLoad_MalformedPolicyFailsClosed(t *testing.T) {
	doc := `
entities:
  tickets:
    fields:
      - {name: id, type: integer}
      - {name: owner_id, type: integer}
    rls:
      admin: null
      manager: 17
      customer: owner_id
    permissions: {read: customer}
`
	reg, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, reg.Warnings(), 1)
	assert.ErrorIs(t, reg.Warnings()[0], policy.ErrMalformedPolicy)

	e := reg.MustLookup("tickets")
	assert.Equal(t, "tickets", e.TableName)
	assert.Equal(t, "id", e.PrimaryKey)
	assert.Equal(t, policy.NoFilter{}, reg.PolicyFor(e, rbac.RoleAdmin))
	assert.Equal(t, policy.DenyAll{}, reg.PolicyFor(e, rbac.RoleManager))
	assert.Equal(t, policy.FieldShorthand{Column: "owner_id"}, reg.PolicyFor(e, rbac.RoleCustomer))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "unknown role in rls",
			doc: `
entities:
  tickets:
    fields: [{name: id, type: integer}]
    rls: {superuser: null}
    permissions: {read: customer}
`,
		},
		{
			name: "unknown permission role",
			doc: `
entities:
  tickets:
    fields: [{name: id, type: integer}]
    permissions: {read: superuser}
`,
		},
		{
			name: "unknown action",
			doc: `
entities:
  tickets:
    fields: [{name: id, type: integer}]
    permissions: {publish: admin}
`,
		},
		{
			name: "bad table name",
			doc: `
entities:
  tickets:
    table: "tickets; drop table users"
    fields: [{name: id, type: integer}]
    permissions: {read: admin}
`,
		},
		{
			name: "bad dependent",
			doc: `
entities:
  tickets:
    fields: [{name: id, type: integer}]
    permissions: {read: admin}
    dependents: [{table: "a b", foreignKey: ticket_id}]
`,
		},
		{
			name: "polymorphic without value",
			doc: `
entities:
  tickets:
    fields: [{name: id, type: integer}]
    permissions: {read: admin}
    dependents: [{table: audit_logs, foreignKey: resource_id, polymorphic: {typeColumn: resource_type}}]
`,
		},
		{
			name: "protection on unknown field",
			doc: `
entities:
  tickets:
    fields: [{name: id, type: integer}]
    permissions: {read: admin}
    systemProtected: {field: name, values: [x], preventDelete: true}
`,
		},
		{
			name: "relationship to unknown entity",
			doc: `
entities:
  tickets:
    fields: [{name: id, type: integer}]
    permissions: {read: admin}
    relationships: [{name: owner, kind: belongs_to, entity: owners, foreignKey: owner_id}]
`,
		},
		{
			name: "duplicate field",
			doc: `
entities:
  tickets:
    fields: [{name: id, type: integer}, {name: id, type: string}]
    permissions: {read: admin}
`,
		},
		{
			name: "unknown key",
			doc: `
entities:
  tickets:
    fields: [{name: id, type: integer}]
    permisions: {read: admin}
`,
		},
		{
			name: "duplicate hierarchy role",
			doc: `
hierarchy: [admin, admin]
entities: {}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_CustomHierarchy(t *testing.T) {
	doc := `
hierarchy: [owner, member]
entities:
  projects:
    fields: [{name: id, type: integer}, {name: owner_id, type: integer}]
    rls:
      owner: null
      member: owner_id
    permissions: {read: member, delete: owner}
`
	reg, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	assert.True(t, reg.Hierarchy().Satisfies("owner", "member"))

	resolver := rbac.NewResolver(reg.Hierarchy(), reg.PermissionMatrix())
	assert.Equal(t, []rbac.Action{rbac.ActionRead}, resolver.AllowedOperations("member", "projects"))
}

func TestNewRegistry_Duplicates(t *testing.T) {
	a := &Entity{Name: "a", TableName: "t", PrimaryKey: "id"}
	b := &Entity{Name: "b", TableName: "t", PrimaryKey: "id"}

	_, err := NewRegistry(nil, a, b)
	assert.Error(t, err)

	_, err = NewRegistry(nil, a, a)
	assert.Error(t, err)

	_, err = NewRegistry(nil, &Entity{Name: "c", TableName: "c"})
	assert.Error(t, err)
}

func TestEntity_Accessors(t *testing.T) {
	wo := Default().MustLookup("work_orders")

	f, ok := wo.Field("status")
	require.True(t, ok)
	assert.Equal(t, TypeEnum, f.Type)
	assert.True(t, f.Filterable)

	_, ok = wo.Field("nope")
	assert.False(t, ok)

	assert.Equal(t, "id", wo.FieldNames()[0])

	rel, ok := wo.Relationship("customer")
	require.True(t, ok)
	assert.Equal(t, BelongsTo, rel.Kind)
}
