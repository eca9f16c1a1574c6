package rls

import (
	"context"

	"github.com/fieldops/fieldops/pkg/contextkeys"
	"github.com/fieldops/fieldops/pkg/metadata"
	"github.com/fieldops/fieldops/pkg/policy"
	"github.com/fieldops/fieldops/pkg/rbac"
)

// Identity is an already-authenticated caller
type Identity struct {
	UserID              int64
	Role                rbac.Role
	CustomerProfileID   *int64
	TechnicianProfileID *int64
}

// SecurityContext carries the resolved row policy and the identifiers it may
// reference for one request on one resource.
//
// A nil Policy is treated as NoFilter.
type SecurityContext struct {
	Policy              policy.Policy
	UserID              int64
	CustomerProfileID   *int64
	TechnicianProfileID *int64
	Role                rbac.Role
	Resource            string
}

// NewSecurityContext resolves the row policy of id.Role on entity and builds the
// request context. Non-positive profile ids are dropped.
func NewSecurityContext(reg *metadata.Registry, entity *metadata.Entity, id Identity) *SecurityContext {
	sc := &SecurityContext{
		Policy:              reg.PolicyFor(entity, id.Role),
		UserID:              id.UserID,
		CustomerProfileID:   positive(id.CustomerProfileID),
		TechnicianProfileID: positive(id.TechnicianProfileID),
		Role:                id.Role,
	}
	if entity != nil {
		sc.Resource = entity.Name
	}
	return sc
}

// Value returns the identifier named by key. Missing and non-positive values are absent.
func (sc *SecurityContext) Value(key policy.ContextKey) (int64, bool) {
	if sc == nil {
		return 0, false
	}
	var v int64
	switch key {
	case policy.ContextUserID:
		v = sc.UserID
	case policy.ContextCustomerProfileID:
		if sc.CustomerProfileID == nil {
			return 0, false
		}
		v = *sc.CustomerProfileID
	case policy.ContextTechnicianProfileID:
		if sc.TechnicianProfileID == nil {
			return 0, false
		}
		v = *sc.TechnicianProfileID
	default:
		return 0, false
	}
	if v <= 0 {
		return 0, false
	}
	return v, true
}

// EffectivePolicy returns the context policy with nil mapped to NoFilter
func (sc *SecurityContext) EffectivePolicy() policy.Policy {
	if sc == nil || sc.Policy == nil {
		return policy.NoFilter{}
	}
	return sc.Policy
}

// ForEntity returns a copy of the context bound to another entity's policy
func (sc *SecurityContext) ForEntity(reg *metadata.Registry, entity *metadata.Entity) *SecurityContext {
	return NewSecurityContext(reg, entity, sc.Identity())
}

// Identity returns the caller identity carried by the context
func (sc *SecurityContext) Identity() Identity {
	return Identity{
		UserID:              sc.UserID,
		Role:                sc.Role,
		CustomerProfileID:   sc.CustomerProfileID,
		TechnicianProfileID: sc.TechnicianProfileID,
	}
}

func positive(p *int64) *int64 {
	if p == nil || *p <= 0 {
		return nil
	}
	v := *p
	return &v
}

// WithSecurityContext stores sc in ctx
func WithSecurityContext(ctx context.Context, sc *SecurityContext) context.Context {
	return contextkeys.WithSecurityContext(ctx, sc)
}

// FromContext returns the security context stored in ctx
func FromContext(ctx context.Context) (*SecurityContext, bool) {
	sc, ok := ctx.Value(contextkeys.SecurityContextKey).(*SecurityContext)
	return sc, ok && sc != nil
}
