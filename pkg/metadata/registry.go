package metadata

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fieldops/fieldops/pkg/apperrors"
	"github.com/fieldops/fieldops/pkg/policy"
	"github.com/fieldops/fieldops/pkg/rbac"
)

// AlwaysSensitive lists columns that never leave the service, whatever the role
var AlwaysSensitive = []string{
	"password",
	"password_hash",
	"refresh_token",
	"reset_token",
	"api_key_hash",
}

// Registry holds every entity definition. It is built once and never mutated,
// so concurrent readers need no synchronization.
type Registry struct {
	hierarchy *rbac.Hierarchy
	entities  map[string]*Entity
	byTable   map[string]*Entity
	names     []string
	warnings  []error
}

// NewRegistry validates the entities and builds a registry.
// A nil hierarchy selects rbac.DefaultHierarchy.
func NewRegistry(hierarchy *rbac.Hierarchy, entities ...*Entity) (*Registry, error) {
	if hierarchy == nil {
		hierarchy = rbac.DefaultHierarchy()
	}

	r := &Registry{
		hierarchy: hierarchy,
		entities:  make(map[string]*Entity, len(entities)),
		byTable:   make(map[string]*Entity, len(entities)),
	}

	for _, e := range entities {
		if e == nil {
			continue
		}
		if _, dup := r.entities[e.Name]; dup {
			return nil, invalid(e.Name, "duplicate entity")
		}
		if other, dup := r.byTable[e.TableName]; dup && e.TableName != "" {
			return nil, invalid(e.Name, "table %q already used by entity %q", e.TableName, other.Name)
		}
		r.entities[e.Name] = e
		r.byTable[e.TableName] = e
		r.names = append(r.names, e.Name)
	}
	sort.Strings(r.names)

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup returns the entity registered under name
func (r *Registry) Lookup(name string) (*Entity, bool) {
	e, ok := r.entities[name]
	return e, ok
}

// MustLookup returns the named entity or panics. Intended for wiring code.
func (r *Registry) MustLookup(name string) *Entity {
	e, ok := r.entities[name]
	if !ok {
		panic(fmt.Sprintf("metadata: unknown entity %q", name))
	}
	return e
}

// Resolve returns the named entity or an unknown_entity validation error
func (r *Registry) Resolve(name string) (*Entity, error) {
	e, ok := r.entities[name]
	if !ok {
		return nil, apperrors.NewValidationError(apperrors.CodeUnknownEntity, "", "unknown entity %q", name)
	}
	return e, nil
}

// LookupTable returns the entity stored in table
func (r *Registry) LookupTable(table string) (*Entity, bool) {
	e, ok := r.byTable[table]
	return e, ok
}

// Names returns entity names in sorted order
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Hierarchy returns the role hierarchy the registry was validated against
func (r *Registry) Hierarchy() *rbac.Hierarchy {
	return r.hierarchy
}

// Warnings returns non-fatal problems found while loading, such as malformed
// policies that were replaced by DenyAll
func (r *Registry) Warnings() []error {
	return r.warnings
}

// PolicyFor returns the row filter for role on entity.
//
// An entity without RLS declarations is unfiltered. An entity with declarations
// denies every role it does not list.
func (r *Registry) PolicyFor(e *Entity, role rbac.Role) policy.Policy {
	if e == nil {
		return policy.DenyAll{}
	}
	if e.RLS == nil {
		return policy.NoFilter{}
	}
	p, ok := e.RLS[role]
	if !ok {
		return policy.DenyAll{}
	}
	if p == nil {
		return policy.NoFilter{}
	}
	return p
}

// PermissionMatrix builds the resolver matrix from entity permissions and field roles.
// Write roles apply to both create and update.
func (r *Registry) PermissionMatrix() rbac.Matrix {
	m := make(rbac.Matrix, len(r.entities))
	for _, name := range r.names {
		e := r.entities[name]
		rules := rbac.ResourceRules{
			Operations: make(map[rbac.Action]rbac.Role, len(e.Permissions)),
		}
		for action, role := range e.Permissions {
			rules.Operations[action] = role
		}
		for _, f := range e.Fields {
			if f.ReadRole == "" && f.WriteRole == "" {
				continue
			}
			if rules.Fields == nil {
				rules.Fields = make(map[string]map[rbac.Action]rbac.Role)
			}
			fr := make(map[rbac.Action]rbac.Role, 3)
			if f.ReadRole != "" {
				fr[rbac.ActionRead] = f.ReadRole
			}
			if f.WriteRole != "" {
				fr[rbac.ActionCreate] = f.WriteRole
				fr[rbac.ActionUpdate] = f.WriteRole
			}
			rules.Fields[f.Name] = fr
		}
		m[name] = rules
	}
	return m
}

// SensitiveFields returns the sorted set of columns stripped from every response
// for the entity
func (r *Registry) SensitiveFields(e *Entity) []string {
	set := make(map[string]struct{}, len(AlwaysSensitive))
	for _, f := range AlwaysSensitive {
		set[f] = struct{}{}
	}
	if e != nil {
		for _, f := range e.Fields {
			if f.Sensitive {
				set[f.Name] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// IsSensitive reports whether field must always be stripped for the entity
func IsSensitive(e *Entity, field string) bool {
	for _, f := range AlwaysSensitive {
		if f == field {
			return true
		}
	}
	if e != nil {
		if f, ok := e.Field(field); ok {
			return f.Sensitive
		}
	}
	return false
}

// Validate checks every entity against the structural rules of the registry
func (r *Registry) Validate() error {
	var errs []error
	for _, name := range r.names {
		if err := r.validateEntity(r.entities[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) validateEntity(e *Entity) error {
	if e.Name == "" {
		return invalid("", "entity name is required")
	}
	if e.TableName == "" {
		return invalid(e.Name, "table name is required")
	}
	if !policy.IsIdentifier(e.TableName) {
		return invalid(e.Name, "invalid table name %q", e.TableName)
	}
	if e.PrimaryKey == "" {
		return invalid(e.Name, "primary key is required")
	}
	if !policy.IsIdentifier(e.PrimaryKey) {
		return invalid(e.Name, "invalid primary key %q", e.PrimaryKey)
	}

	seen := make(map[string]struct{}, len(e.Fields))
	for _, f := range e.Fields {
		if !policy.IsIdentifier(f.Name) {
			return invalid(e.Name, "invalid field name %q", f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return invalid(e.Name, "duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		for _, role := range []rbac.Role{f.ReadRole, f.WriteRole} {
			if role != "" && !r.hierarchy.Contains(role) {
				return invalid(e.Name, "field %q references unknown role %q", f.Name, role)
			}
		}
	}

	for role, p := range e.RLS {
		if !r.hierarchy.Contains(role) {
			return invalid(e.Name, "row policy for unknown role %q", role)
		}
		switch v := p.(type) {
		case policy.FieldShorthand:
			if !policy.IsIdentifier(v.Column) {
				return invalid(e.Name, "row policy for %q has invalid column %q", role, v.Column)
			}
		case policy.FieldReference:
			if !policy.IsIdentifier(v.Column) {
				return invalid(e.Name, "row policy for %q has invalid column %q", role, v.Column)
			}
		}
	}

	for action, role := range e.Permissions {
		if _, err := rbac.ParseAction(string(action)); err != nil {
			return invalid(e.Name, "%v", err)
		}
		if !r.hierarchy.Contains(role) {
			return invalid(e.Name, "permission %s requires unknown role %q", action, role)
		}
	}

	for _, rel := range e.Relationships {
		if rel.Kind != BelongsTo && rel.Kind != HasMany {
			return invalid(e.Name, "relationship %q has unknown kind %q", rel.Name, rel.Kind)
		}
		if !policy.IsIdentifier(rel.ForeignKey) {
			return invalid(e.Name, "relationship %q has invalid foreign key %q", rel.Name, rel.ForeignKey)
		}
		if _, ok := r.entities[rel.Entity]; !ok {
			return invalid(e.Name, "relationship %q targets unknown entity %q", rel.Name, rel.Entity)
		}
	}

	for _, d := range e.Dependents {
		if !policy.IsIdentifier(d.Table) || !policy.IsIdentifier(d.ForeignKey) {
			return invalid(e.Name, "dependent %s.%s is not a valid table/column", d.Table, d.ForeignKey)
		}
		if d.Polymorphic != nil {
			if !policy.IsIdentifier(d.Polymorphic.TypeColumn) {
				return invalid(e.Name, "dependent %s has invalid type column %q", d.Table, d.Polymorphic.TypeColumn)
			}
			if d.Polymorphic.TypeValue == "" {
				return invalid(e.Name, "dependent %s has empty type value", d.Table)
			}
		}
	}

	if sp := e.SystemProtected; sp != nil {
		if sp.Field != e.PrimaryKey {
			if _, ok := e.Field(sp.Field); !ok {
				return invalid(e.Name, "system protection references unknown field %q", sp.Field)
			}
		}
		if len(sp.ProtectedValues) == 0 {
			return invalid(e.Name, "system protection lists no values")
		}
	}

	return nil
}

func invalid(entity, format string, args ...interface{}) error {
	return apperrors.NewValidationError(apperrors.CodeInvalidMetadata, entity, format, args...)
}
