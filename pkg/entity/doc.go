// Package entity provides a generic, metadata-driven data service.
//
// Service combines three checks on every call: the role permission from the
// rbac resolver (before any SQL runs), the row filter compiled by package rls
// (conjoined with caller filters without placeholder collisions), and field
// masking of every returned row. A call whose row filter was required but not
// applied fails instead of returning data.
//
//	sc := rls.NewSecurityContext(registry, registry.MustLookup("work_orders"), identity)
//	page, err := svc.List(ctx, sc, "work_orders", entity.Query{
//		Filters: []entity.Filter{{Field: "status", Op: entity.OpEq, Value: "pending"}},
//		Sort:    []entity.Sort{{Field: "scheduled_start"}},
//	})
//
// Deletes are delegated to the cascade engine with the caller's row filter
// applied to the locked fetch.
package entity
