package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oarkflow/rbac/logger"
)

// Binding mutations are detected purely through the role version stamp: the
// cached entry is not point-invalidated, it fails validation on next read.
func TestCachedEntryGoesStaleOnUnbind(t *testing.T) {
	env := newTestEnv(t)
	perm := env.definePerm(t, "invoice", "read", ScopeOwn)
	role := env.defineRole(t, "clerk", 1)
	env.bind(t, role.ID, perm.ID)
	env.assign(t, "user-1", role.ID)
	ctx := context.Background()

	d, err := env.engine.Check(ctx, "user-1", "invoice", "read", ScopeOwn)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed() {
		t.Fatalf("expected allow, got %s (%s)", d.Outcome, d.Reason)
	}
	env.engine.cache.local.Wait()

	if _, err := env.engine.UnbindPermission(ctx, role.ID, perm.ID); err != nil {
		t.Fatalf("unbind: %v", err)
	}

	d, err = env.engine.Check(ctx, "user-1", "invoice", "read", ScopeOwn)
	if err != nil {
		t.Fatalf("check after unbind: %v", err)
	}
	if d.Allowed() {
		t.Fatal("version bump must invalidate the cached allow")
	}
}

func TestCachedEntryExpiresAtTTL(t *testing.T) {
	env := newTestEnv(t, WithCacheTTL(10*time.Second))
	role := env.defineRole(t, "clerk", 1)
	env.assign(t, "user-1", role.ID)
	ctx := context.Background()

	if _, err := env.engine.Check(ctx, "user-1", "invoice", "read", ScopeOwn); err != nil {
		t.Fatalf("check: %v", err)
	}
	env.engine.cache.local.Wait()

	set, ok := env.engine.cache.Get(ctx, "user-1")
	if !ok || set == nil {
		t.Fatal("expected a cached entry inside the TTL")
	}

	env.clock.Advance(11 * time.Second)
	if _, ok := env.engine.cache.Get(ctx, "user-1"); ok {
		t.Fatal("entry past the TTL ceiling must be a miss")
	}
}

// A deny-all snapshot carries no role versions; it stays valid until evicted
// by a membership change.
func TestEmptySnapshotCachedAndEvictedOnAssign(t *testing.T) {
	env := newTestEnv(t)
	perm := env.definePerm(t, "invoice", "read", ScopeOwn)
	role := env.defineRole(t, "clerk", 1)
	env.bind(t, role.ID, perm.ID)
	ctx := context.Background()

	d, err := env.engine.Check(ctx, "user-1", "invoice", "read", ScopeOwn)
	if err != nil || d.Allowed() {
		t.Fatalf("expected deny for unassigned user, got %v %v", d, err)
	}
	env.engine.cache.local.Wait()

	if _, ok := env.engine.cache.Get(ctx, "user-1"); !ok {
		t.Fatal("deny-all snapshot must be cacheable")
	}

	env.assign(t, "user-1", role.ID)
	d, err = env.engine.Check(ctx, "user-1", "invoice", "read", ScopeOwn)
	if err != nil {
		t.Fatalf("check after assign: %v", err)
	}
	if !d.Allowed() {
		t.Fatalf("assignment must take effect immediately, got %s (%s)", d.Outcome, d.Reason)
	}
}

type countingVersionReader struct {
	VersionReader
	calls int
	fail  bool
}

func (c *countingVersionReader) RoleVersions(ctx context.Context, roleIDs []string) (map[string]int64, error) {
	c.calls++
	if c.fail {
		return nil, errors.New("version read failed")
	}
	return c.VersionReader.RoleVersions(ctx, roleIDs)
}

// A failed version check cannot prove freshness, so the hit degrades to a
// miss rather than serving possibly-stale state.
func TestVersionCheckFailureIsAMiss(t *testing.T) {
	catalog := NewMemoryCatalogStore()
	clock := newFakeClock()
	versions := &countingVersionReader{VersionReader: catalog}
	cache, err := newCache(versions, LocalCacheConfig{}, 30*time.Second, nil, clock.Now, logger.NewNullLogger())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cache.Close()
	ctx := context.Background()

	set := &EffectiveSet{
		UserID:       "user-1",
		Grants:       map[GrantKey]Grant{},
		Denies:       map[GrantKey]string{},
		RoleVersions: map[string]int64{"role-1": 1},
		ComputedAt:   clock.Now(),
	}
	cache.Put(ctx, set)
	cache.local.Wait()

	versions.fail = true
	if _, ok := cache.Get(ctx, "user-1"); ok {
		t.Fatal("unverifiable entry must be treated as a miss")
	}
}

// A snapshot that references a since-deleted role can never validate.
func TestMissingRoleVersionInvalidates(t *testing.T) {
	catalog := NewMemoryCatalogStore()
	clock := newFakeClock()
	cache, err := newCache(catalog, LocalCacheConfig{}, 30*time.Second, nil, clock.Now, logger.NewNullLogger())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cache.Close()
	ctx := context.Background()

	set := &EffectiveSet{
		UserID:       "user-1",
		Grants:       map[GrantKey]Grant{},
		Denies:       map[GrantKey]string{},
		RoleVersions: map[string]int64{"ghost-role": 3},
		ComputedAt:   clock.Now(),
	}
	cache.Put(ctx, set)
	cache.local.Wait()

	if _, ok := cache.Get(ctx, "user-1"); ok {
		t.Fatal("snapshot of a deleted role must be a miss")
	}
}
