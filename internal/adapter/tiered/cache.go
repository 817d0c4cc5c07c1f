// Package tiered layers a process-local cache level in front of a shared
// one so tenant-resolution results resolved on one node propagate to the
// rest of the cluster.
package tiered

import (
	"context"
	"errors"
	"time"

	"github.com/angelitosystems/tenancy/internal/port/cache"
)

// Cache reads through a local level into a shared level. Lookups consult
// the local level first and backfill it on a shared hit; writes and
// invalidations reach both levels, so no node keeps serving a tenant
// address the cluster has dropped.
type Cache struct {
	local       cache.Cache
	shared      cache.Cache
	backfillTTL time.Duration
}

// New combines a local and a shared cache level. backfillTTL bounds how
// long a shared-level hit lives in the local level.
func New(local, shared cache.Cache, backfillTTL time.Duration) *Cache {
	return &Cache{local: local, shared: shared, backfillTTL: backfillTTL}
}

// Get returns the cached value, preferring the local level. A shared
// hit is copied into the local level for subsequent lookups.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if val, ok, err := c.local.Get(ctx, key); err != nil || ok {
		return val, ok, err
	}

	val, ok, err := c.shared.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = c.local.Set(ctx, key, val, c.backfillTTL)
	return val, true, nil
}

// Set writes the shared level first, then the local one. A failed shared
// write leaves the local level untouched, so this node cannot serve a
// result the rest of the cluster never saw.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.shared.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.local.Set(ctx, key, value, ttl)
}

// Delete drops the key from both levels, attempting the second even when
// the first fails.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return errors.Join(
		c.local.Delete(ctx, key),
		c.shared.Delete(ctx, key),
	)
}
