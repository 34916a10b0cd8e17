package rbac

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/oarkflow/rbac/logger"
)

// SharedCache is the optional distributed tier. Get returns (nil, nil) on a
// miss. Implementations live outside this package (see stores.RedisSharedCache).
type SharedCache interface {
	Get(ctx context.Context, userID string) (*EffectiveSet, error)
	Set(ctx context.Context, userID string, set *EffectiveSet, ttl time.Duration) error
	Delete(ctx context.Context, userID string) error
}

// LocalCacheConfig sizes the ristretto tier.
type LocalCacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

func (c LocalCacheConfig) withDefaults() LocalCacheConfig {
	if c.NumCounters <= 0 {
		c.NumCounters = 1 << 16
	}
	if c.MaxCost <= 0 {
		c.MaxCost = 1 << 14 // entries, cost 1 each
	}
	if c.BufferItems <= 0 {
		c.BufferItems = 64
	}
	return c
}

// Cache is the two-tier store of resolved effective permission sets: a fast
// ristretto tier in front of an optional shared tier. Every hit is validated
// against the live role version counters; the TTL ceiling bounds staleness
// even if a version bump is somehow missed.
type Cache struct {
	local    *ristretto.Cache
	shared   SharedCache
	versions VersionReader
	ttl      time.Duration
	clock    Clock
	log      logger.Logger
}

func newCache(versions VersionReader, cfg LocalCacheConfig, ttl time.Duration, shared SharedCache, clock Clock, log logger.Logger) (*Cache, error) {
	cfg = cfg.withDefaults()
	local, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		local:    local,
		shared:   shared,
		versions: versions,
		ttl:      ttl,
		clock:    clock,
		log:      log,
	}, nil
}

// Get returns a fresh effective set for the user, or reports a miss. A local
// hit whose version snapshot no longer matches the ledger is dropped; a
// shared-tier hit that validates is promoted into the local tier.
func (c *Cache) Get(ctx context.Context, userID string) (*EffectiveSet, bool) {
	if v, ok := c.local.Get(userID); ok {
		set := v.(*EffectiveSet)
		if c.fresh(ctx, set) {
			return set, true
		}
		c.local.Del(userID)
	}
	if c.shared == nil {
		return nil, false
	}
	set, err := c.shared.Get(ctx, userID)
	if err != nil {
		c.log.Error("shared cache read failed", "user", userID, "err", err)
		return nil, false
	}
	if set == nil || !c.fresh(ctx, set) {
		return nil, false
	}
	c.local.SetWithTTL(userID, set, 1, c.remainingTTL(set))
	return set, true
}

// Put stores a freshly computed set in both tiers. A cancelled context skips
// the write entirely so an aborted resolution leaves no partial state.
func (c *Cache) Put(ctx context.Context, set *EffectiveSet) {
	if ctx.Err() != nil {
		return
	}
	c.local.SetWithTTL(set.UserID, set, 1, c.ttl)
	if c.shared == nil {
		return
	}
	if err := c.shared.Set(ctx, set.UserID, set, c.ttl); err != nil {
		c.log.Error("shared cache write failed", "user", set.UserID, "err", err)
	}
}

// Invalidate point-deletes one user's entry from both tiers. Used for
// override and membership changes, which move no role version counter.
func (c *Cache) Invalidate(ctx context.Context, userID string) {
	c.local.Del(userID)
	if c.shared == nil {
		return
	}
	if err := c.shared.Delete(ctx, userID); err != nil {
		c.log.Error("shared cache delete failed", "user", userID, "err", err)
	}
}

// DropLocal evicts only the local tier. Used when a sibling process already
// removed the shared entry and broadcast the eviction.
func (c *Cache) DropLocal(userID string) {
	c.local.Del(userID)
}

func (c *Cache) Close() {
	c.local.Close()
}

func (c *Cache) fresh(ctx context.Context, set *EffectiveSet) bool {
	if c.clock().After(set.ComputedAt.Add(c.ttl)) {
		return false
	}
	if len(set.RoleVersions) == 0 {
		// A deny-all snapshot has no role dependencies to go stale on;
		// membership changes evict it directly.
		return true
	}
	current, err := c.versions.RoleVersions(ctx, roleIDs(set.RoleVersions))
	if err != nil {
		// Cannot prove freshness: treat as a miss and fail closed upstream.
		c.log.Error("version check failed", "user", set.UserID, "err", err)
		return false
	}
	return versionsCurrent(set.RoleVersions, current)
}

func (c *Cache) remainingTTL(set *EffectiveSet) time.Duration {
	rem := set.ComputedAt.Add(c.ttl).Sub(c.clock())
	if rem <= 0 {
		return time.Millisecond
	}
	return rem
}
