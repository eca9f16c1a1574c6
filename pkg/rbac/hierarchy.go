package rbac

import (
	"errors"
	"fmt"
)

// Hierarchy is a strict total order of roles. A role satisfies a requirement when
// its rank is greater than or equal to the required role's rank.
type Hierarchy struct {
	order []Role
	rank  map[Role]int
}

// NewHierarchy builds a hierarchy from roles listed highest rank first
func NewHierarchy(highestFirst ...Role) (*Hierarchy, error) {
	if len(highestFirst) == 0 {
		return nil, errors.New("role hierarchy must contain at least one role")
	}

	h := &Hierarchy{
		order: make([]Role, len(highestFirst)),
		rank:  make(map[Role]int, len(highestFirst)),
	}
	copy(h.order, highestFirst)

	for i, role := range highestFirst {
		if role == "" {
			return nil, errors.New("role hierarchy contains an empty role name")
		}
		if _, dup := h.rank[role]; dup {
			return nil, fmt.Errorf("role %q appears twice in hierarchy", role)
		}
		h.rank[role] = len(highestFirst) - i
	}

	return h, nil
}

// DefaultHierarchy returns admin > manager > dispatcher > technician > customer
func DefaultHierarchy() *Hierarchy {
	h, _ := NewHierarchy(RoleAdmin, RoleManager, RoleDispatcher, RoleTechnician, RoleCustomer)
	return h
}

// Rank returns the rank of a role; unknown roles report false
func (h *Hierarchy) Rank(role Role) (int, bool) {
	r, ok := h.rank[role]
	return r, ok
}

// Contains reports whether the role is part of the hierarchy
func (h *Hierarchy) Contains(role Role) bool {
	_, ok := h.rank[role]
	return ok
}

// Satisfies reports whether role meets the required minimum role.
// Unknown roles never satisfy and unknown requirements are never met.
func (h *Hierarchy) Satisfies(role, required Role) bool {
	have, ok := h.rank[role]
	if !ok {
		return false
	}
	need, ok := h.rank[required]
	if !ok {
		return false
	}
	return have >= need
}

// Roles returns the roles highest rank first
func (h *Hierarchy) Roles() []Role {
	out := make([]Role, len(h.order))
	copy(out, h.order)
	return out
}
