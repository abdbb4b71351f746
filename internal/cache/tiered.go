package cache

import (
	"context"
	"time"
)

// TieredCache routes large values to an object-store backed tier and
// everything else to the primary cache. This lets a single large cached
// response (e.g. a long completion with embedded base64 data) bypass
// Redis/in-memory storage limits without changing how callers use Cache.
type TieredCache struct {
	primary      Cache
	object       Cache
	minSizeBytes int
}

// NewTieredCache wraps primary with object for values at or above
// minSizeBytes. If object is nil, TieredCache behaves exactly like primary.
func NewTieredCache(primary, object Cache, minSizeBytes int) *TieredCache {
	return &TieredCache{primary: primary, object: object, minSizeBytes: minSizeBytes}
}

func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := c.primary.Get(ctx, key); ok {
		return v, true
	}
	if c.object == nil {
		return nil, false
	}
	return c.object.Get(ctx, key)
}

func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.object != nil && len(value) >= c.minSizeBytes {
		return c.object.Set(ctx, key, value, ttl)
	}
	return c.primary.Set(ctx, key, value, ttl)
}

func (c *TieredCache) Delete(ctx context.Context, key string) error {
	if err := c.primary.Delete(ctx, key); err != nil {
		return err
	}
	if c.object == nil {
		return nil
	}
	return c.object.Delete(ctx, key)
}
