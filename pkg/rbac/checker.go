package rbac

import (
	"fmt"

	"github.com/fieldops/fieldops/pkg/apperrors"
)

// Checker answers permission questions for a role on a resource
type Checker interface {
	// HasPermission checks whether role may perform action on resource
	HasPermission(role Role, resource string, action Action) bool

	// HasFieldPermission checks whether role may perform action on a single field
	HasFieldPermission(role Role, resource, field string, action Action) bool

	// AllowedOperations lists the actions role may perform on resource
	AllowedOperations(role Role, resource string) []Action
}

// Resolver evaluates permissions against a role hierarchy and a permission matrix.
// It never mutates its inputs after construction and is safe for concurrent use.
type Resolver struct {
	hierarchy *Hierarchy
	matrix    Matrix
}

var _ Checker = (*Resolver)(nil)

// NewResolver creates a resolver. A nil hierarchy selects DefaultHierarchy.
func NewResolver(hierarchy *Hierarchy, matrix Matrix) *Resolver {
	if hierarchy == nil {
		hierarchy = DefaultHierarchy()
	}
	if matrix == nil {
		matrix = Matrix{}
	}
	return &Resolver{hierarchy: hierarchy, matrix: matrix}
}

// Hierarchy returns the role hierarchy used by the resolver
func (r *Resolver) Hierarchy() *Hierarchy {
	return r.hierarchy
}

// HasPermission checks whether role may perform action on resource.
// A (resource, action) pair absent from the matrix is denied.
func (r *Resolver) HasPermission(role Role, resource string, action Action) bool {
	return r.Decide(role, resource, action).Allowed
}

// HasFieldPermission checks whether role may perform action on a single field.
// An explicit field rule wins; otherwise the resource-level rule applies.
func (r *Resolver) HasFieldPermission(role Role, resource, field string, action Action) bool {
	return r.DecideField(role, resource, field, action).Allowed
}

// AllowedOperations lists the actions role may perform on resource in canonical order
func (r *Resolver) AllowedOperations(role Role, resource string) []Action {
	allowed := make([]Action, 0, 4)
	for _, action := range Actions() {
		if r.HasPermission(role, resource, action) {
			allowed = append(allowed, action)
		}
	}
	return allowed
}

// Check returns a PermissionDeniedError when role may not perform action on resource
func (r *Resolver) Check(role Role, resource string, action Action) error {
	if r.HasPermission(role, resource, action) {
		return nil
	}
	return &apperrors.PermissionDeniedError{
		Role:     string(role),
		Resource: resource,
		Action:   string(action),
	}
}

// CheckField returns a PermissionDeniedError when role may not perform action on field
func (r *Resolver) CheckField(role Role, resource, field string, action Action) error {
	if r.HasFieldPermission(role, resource, field, action) {
		return nil
	}
	return &apperrors.PermissionDeniedError{
		Role:     string(role),
		Resource: resource,
		Action:   string(action),
		Field:    field,
	}
}

// Decide evaluates a resource-level permission and explains the outcome
func (r *Resolver) Decide(role Role, resource string, action Action) Decision {
	rules, ok := r.matrix[resource]
	if !ok {
		return Decision{Reason: fmt.Sprintf("no permission rules for resource %q", resource)}
	}
	required, ok := rules.Operations[action]
	if !ok {
		return Decision{Reason: fmt.Sprintf("no rule for %s", Permission{Resource: resource, Action: action})}
	}
	return r.compare(role, required)
}

// DecideField evaluates a field-level permission and explains the outcome
func (r *Resolver) DecideField(role Role, resource, field string, action Action) Decision {
	rules, ok := r.matrix[resource]
	if !ok {
		return Decision{Reason: fmt.Sprintf("no permission rules for resource %q", resource)}
	}
	if fieldRules, ok := rules.Fields[field]; ok {
		if required, ok := fieldRules[action]; ok {
			return r.compare(role, required)
		}
	}
	return r.Decide(role, resource, action)
}

func (r *Resolver) compare(role, required Role) Decision {
	if !r.hierarchy.Contains(role) {
		return Decision{Reason: fmt.Sprintf("unknown role %q", role), RequiredRole: required}
	}
	if !r.hierarchy.Contains(required) {
		return Decision{Reason: fmt.Sprintf("rule requires unknown role %q", required), RequiredRole: required}
	}
	if r.hierarchy.Satisfies(role, required) {
		return Decision{Allowed: true, Reason: fmt.Sprintf("role %s satisfies %s", role, required), RequiredRole: required}
	}
	return Decision{Reason: fmt.Sprintf("role %s is below required role %s", role, required), RequiredRole: required}
}

// Validate checks that every role referenced by the matrix is part of the hierarchy
func (r *Resolver) Validate() error {
	for resource, rules := range r.matrix {
		for action, role := range rules.Operations {
			if !r.hierarchy.Contains(role) {
				return fmt.Errorf("%s requires unknown role %q", Permission{Resource: resource, Action: action}, role)
			}
		}
		for field, fieldRules := range rules.Fields {
			for action, role := range fieldRules {
				if !r.hierarchy.Contains(role) {
					return fmt.Errorf("%s.%s requires unknown role %q", Permission{Resource: resource, Action: action}, field, role)
				}
			}
		}
	}
	return nil
}
