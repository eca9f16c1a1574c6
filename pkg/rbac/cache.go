package rbac

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultFieldMaskCacheSize is used when a non-positive size is requested
const DefaultFieldMaskCacheSize = 512

// FieldMask is the set of fields a role may act on
type FieldMask map[string]struct{}

// Allows reports whether field is in the mask
func (m FieldMask) Allows(field string) bool {
	_, ok := m[field]
	return ok
}

type maskKey struct {
	role     Role
	resource string
	action   Action
}

// FieldMaskCache memoizes field masks per (role, resource, action).
// Masks depend only on static configuration, so entries never go stale.
type FieldMaskCache struct {
	resolver *Resolver
	cache    *lru.Cache[maskKey, FieldMask]
}

// NewFieldMaskCache creates a bounded cache in front of resolver
func NewFieldMaskCache(resolver *Resolver, size int) (*FieldMaskCache, error) {
	if size <= 0 {
		size = DefaultFieldMaskCacheSize
	}
	cache, err := lru.New[maskKey, FieldMask](size)
	if err != nil {
		return nil, err
	}
	return &FieldMaskCache{resolver: resolver, cache: cache}, nil
}

// Mask returns the subset of fields role may act on. The fields of a resource must
// be the same on every call for a given resource.
func (c *FieldMaskCache) Mask(role Role, resource string, action Action, fields []string) FieldMask {
	key := maskKey{role: role, resource: resource, action: action}
	if mask, ok := c.cache.Get(key); ok {
		return mask
	}

	mask := make(FieldMask, len(fields))
	for _, field := range fields {
		if c.resolver.HasFieldPermission(role, resource, field, action) {
			mask[field] = struct{}{}
		}
	}
	c.cache.Add(key, mask)
	return mask
}

// Len returns the number of cached masks
func (c *FieldMaskCache) Len() int {
	return c.cache.Len()
}

// Purge drops every cached mask
func (c *FieldMaskCache) Purge() {
	c.cache.Purge()
}
