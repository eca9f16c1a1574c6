package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fieldops/fieldops/pkg/apperrors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		raw       interface{}
		expected  Policy
		malformed bool
	}{
		{name: "null", raw: nil, expected: NoFilter{}},
		{name: "false", raw: false, expected: DenyAll{}},
		{name: "parent marker", raw: "$parent", expected: ParentDerived{}},
		{name: "shorthand", raw: "user_id", expected: FieldShorthand{Column: "user_id"}},
		{
			name:     "reference",
			raw:      map[string]interface{}{"field": "customer_id", "value": "customerProfileId"},
			expected: FieldReference{Column: "customer_id", ContextKey: ContextCustomerProfileID},
		},
		{
			name:     "reference with long keys",
			raw:      map[string]interface{}{"column": "assigned_technician_id", "contextKey": "technicianProfileId"},
			expected: FieldReference{Column: "assigned_technician_id", ContextKey: ContextTechnicianProfileID},
		},
		{
			name:     "reference without key defaults to user id",
			raw:      map[string]interface{}{"field": "owner_id"},
			expected: FieldReference{Column: "owner_id", ContextKey: ContextUserID},
		},
		{name: "true", raw: true, expected: DenyAll{}, malformed: true},
		{name: "number", raw: 42, expected: DenyAll{}, malformed: true},
		{name: "empty string", raw: "", expected: DenyAll{}, malformed: true},
		{name: "injection attempt", raw: "id OR 1=1", expected: DenyAll{}, malformed: true},
		{name: "object missing column", raw: map[string]interface{}{"value": "userId"}, expected: DenyAll{}, malformed: true},
		{name: "list", raw: []interface{}{"a"}, expected: DenyAll{}, malformed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.raw)
			assert.Equal(t, tt.expected, p)
			if tt.malformed {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedPolicy)
				assert.ErrorIs(t, err, apperrors.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAllowsAccess(t *testing.T) {
	assert.True(t, AllowsAccess(NoFilter{}))
	assert.True(t, AllowsAccess(ParentDerived{}))
	assert.True(t, AllowsAccess(FieldShorthand{Column: "user_id"}))
	assert.True(t, AllowsAccess(FieldReference{Column: "customer_id", ContextKey: ContextCustomerProfileID}))
	assert.False(t, AllowsAccess(DenyAll{}))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "all_records", Describe(NoFilter{}))
	assert.Equal(t, "all_records", Describe(nil))
	assert.Equal(t, "deny_all", Describe(DenyAll{}))
	assert.Equal(t, "parent_entity_access", Describe(ParentDerived{}))
	assert.Equal(t, "filter_by_user_id", Describe(FieldShorthand{Column: "user_id"}))
	assert.Equal(t, "filter_by_customer_id_via_customerProfileId",
		Describe(FieldReference{Column: "customer_id", ContextKey: ContextCustomerProfileID}))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, FieldReference{Column: "user_id", ContextKey: ContextUserID}, Normalize(FieldShorthand{Column: "user_id"}))
	assert.Equal(t, DenyAll{}, Normalize(DenyAll{}))
}

func TestIsIdentifier(t *testing.T) {
	assert.True(t, IsIdentifier("work_orders"))
	assert.True(t, IsIdentifier("_x1"))
	assert.False(t, IsIdentifier("1abc"))
	assert.False(t, IsIdentifier("a.b"))
	assert.False(t, IsIdentifier("a;drop"))
	assert.False(t, IsIdentifier(""))
}

func TestSpec_YAML(t *testing.T) {
	doc := `
admin: null
customer: {field: customer_id, value: customerProfileId}
technician: "$parent"
dispatcher: false
manager: owner_id
broken: 17
`
	var specs map[string]Spec
	require.NoError(t, yaml.Unmarshal([]byte(doc), &specs))

	assert.Equal(t, NoFilter{}, specs["admin"].Resolve())
	assert.Equal(t, FieldReference{Column: "customer_id", ContextKey: ContextCustomerProfileID}, specs["customer"].Resolve())
	assert.Equal(t, ParentDerived{}, specs["technician"].Resolve())
	assert.Equal(t, DenyAll{}, specs["dispatcher"].Resolve())
	assert.Equal(t, FieldShorthand{Column: "owner_id"}, specs["manager"].Resolve())

	assert.Equal(t, DenyAll{}, specs["broken"].Resolve())
	assert.ErrorIs(t, specs["broken"].Err, ErrMalformedPolicy)

	out, err := yaml.Marshal(map[string]Spec{
		"a": {Policy: DenyAll{}},
		"b": {Policy: FieldReference{Column: "customer_id", ContextKey: ContextCustomerProfileID}},
	})
	require.NoError(t, err)

	var back map[string]Spec
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, DenyAll{}, back["a"].Resolve())
	assert.Equal(t, FieldReference{Column: "customer_id", ContextKey: ContextCustomerProfileID}, back["b"].Resolve())
}
