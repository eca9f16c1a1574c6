// Package rbac resolves role-based permissions for fieldops resources.
//
// # Overview
//
// Roles form a strict total order. The default hierarchy is:
//
//	admin > manager > dispatcher > technician > customer
//
// A role satisfies a requirement when its rank is greater than or equal to the rank
// of the required role.
//
// # Permission Matrix
//
// The matrix maps each resource to the minimum role required for each action:
//
//	matrix := rbac.Matrix{
//		"work_orders": {
//			Operations: map[rbac.Action]rbac.Role{
//				rbac.ActionCreate: rbac.RoleDispatcher,
//				rbac.ActionRead:   rbac.RoleCustomer,
//				rbac.ActionUpdate: rbac.RoleTechnician,
//				rbac.ActionDelete: rbac.RoleManager,
//			},
//			Fields: map[string]map[rbac.Action]rbac.Role{
//				"internal_notes": {rbac.ActionRead: rbac.RoleTechnician},
//			},
//		},
//	}
//
// Any (resource, action) pair missing from the matrix is denied. Field rules
// override the resource rule for that field only; fields without a rule inherit it.
//
// # Usage
//
//	resolver := rbac.NewResolver(rbac.DefaultHierarchy(), matrix)
//	if err := resolver.Check(rbac.RoleCustomer, "work_orders", rbac.ActionDelete); err != nil {
//		// *apperrors.PermissionDeniedError
//	}
//
//	resolver.AllowedOperations(rbac.RoleTechnician, "work_orders")
//	// [read update]
//
// The resolver holds no mutable state and may be shared across goroutines.
// FieldMaskCache memoizes per-role field masks for output filtering.
package rbac
