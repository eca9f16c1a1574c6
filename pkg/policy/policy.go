// Package policy defines the row-level security filter policy attached to a
// (role, resource) pair.
//
// A Policy is one of exactly five shapes:
//
//	NoFilter{}                         all rows visible
//	DenyAll{}                          no rows visible
//	ParentDerived{}                    visibility decided by an already-authorized parent
//	FieldShorthand{Column}             Column = acting user id
//	FieldReference{Column, ContextKey} Column = value named by ContextKey
//
// The interface is sealed: only this package can add a shape. Every switch over a
// Policy must end in a default branch that denies.
package policy

import (
	"fmt"
	"strings"
)

// ContextKey names a value carried by a security context
type ContextKey string

const (
	ContextUserID              ContextKey = "userId"
	ContextCustomerProfileID   ContextKey = "customerProfileId"
	ContextTechnicianProfileID ContextKey = "technicianProfileId"
)

// ParentMarker is the configuration literal for ParentDerived
const ParentMarker = "$parent"

// Policy is a row-level security filter policy
type Policy interface {
	policy()
}

// NoFilter makes every row visible
type NoFilter struct{}

// DenyAll makes no row visible
type DenyAll struct{}

// ParentDerived marks a sub-entity whose access is governed by its parent entity.
// It must be resolved before reaching the filter compiler.
type ParentDerived struct{}

// FieldShorthand compares Column against the acting user's id
type FieldShorthand struct {
	Column string
}

// FieldReference compares Column against the context value named by ContextKey
type FieldReference struct {
	Column     string
	ContextKey ContextKey
}

func (NoFilter) policy()       {}
func (DenyAll) policy()        {}
func (ParentDerived) policy()  {}
func (FieldShorthand) policy() {}
func (FieldReference) policy() {}

// Normalize rewrites a shorthand into the equivalent reference against the user id.
// Other shapes are returned unchanged.
func Normalize(p Policy) Policy {
	if s, ok := p.(FieldShorthand); ok {
		return FieldReference{Column: s.Column, ContextKey: ContextUserID}
	}
	return p
}

// AllowsAccess reports whether the policy can ever expose a row.
// Only DenyAll returns false.
func AllowsAccess(p Policy) bool {
	_, deny := p.(DenyAll)
	return !deny
}

// Describe returns a human-readable audit label for the policy
func Describe(p Policy) string {
	switch v := p.(type) {
	case nil, NoFilter:
		return "all_records"
	case DenyAll:
		return "deny_all"
	case ParentDerived:
		return "parent_entity_access"
	case FieldShorthand:
		return "filter_by_" + v.Column
	case FieldReference:
		return fmt.Sprintf("filter_by_%s_via_%s", v.Column, v.ContextKey)
	default:
		return "deny_all"
	}
}

// Parse converts the loosely typed configuration form of a policy into a Policy.
//
//	nil             -> NoFilter
//	false           -> DenyAll
//	"$parent"       -> ParentDerived
//	"col"           -> FieldShorthand{col}
//	{field, value}  -> FieldReference (also accepts {column, contextKey})
//
// Any other shape yields DenyAll together with ErrMalformedPolicy, so callers may
// report the problem while still failing closed.
func Parse(raw interface{}) (Policy, error) {
	switch v := raw.(type) {
	case nil:
		return NoFilter{}, nil
	case Policy:
		return v, nil
	case bool:
		if !v {
			return DenyAll{}, nil
		}
		return DenyAll{}, malformed("boolean true is not a policy")
	case string:
		s := strings.TrimSpace(v)
		switch {
		case s == ParentMarker:
			return ParentDerived{}, nil
		case s == "":
			return DenyAll{}, malformed("empty column name")
		case !IsIdentifier(s):
			return DenyAll{}, malformed(fmt.Sprintf("invalid column name %q", s))
		}
		return FieldShorthand{Column: s}, nil
	case map[string]interface{}:
		return parseReference(v)
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, val := range v {
			ks, ok := k.(string)
			if !ok {
				return DenyAll{}, malformed("non-string key in policy object")
			}
			m[ks] = val
		}
		return parseReference(m)
	default:
		return DenyAll{}, malformed(fmt.Sprintf("unsupported policy type %T", raw))
	}
}

func parseReference(m map[string]interface{}) (Policy, error) {
	column := firstString(m, "field", "column")
	if column == "" {
		return DenyAll{}, malformed("policy object is missing a column")
	}
	if !IsIdentifier(column) {
		return DenyAll{}, malformed(fmt.Sprintf("invalid column name %q", column))
	}
	key := firstString(m, "value", "contextKey")
	if key == "" {
		key = string(ContextUserID)
	}
	return FieldReference{Column: column, ContextKey: ContextKey(key)}, nil
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// IsIdentifier reports whether s is a plain SQL identifier (letters, digits, underscore,
// not starting with a digit). Only such names are ever interpolated into SQL.
func IsIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
