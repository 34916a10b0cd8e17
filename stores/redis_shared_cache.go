package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/rbac"
)

const effectiveSetPrefix = "rbac:eset:"

// RedisSharedCache is the shared cache tier. Entries carry the role version
// snapshot, so a stale entry read by another process still fails the version
// check there; Redis only has to bound the window, not guarantee freshness.
type RedisSharedCache struct {
	client *redis.Client
}

func NewRedisSharedCache(client *redis.Client) *RedisSharedCache {
	return &RedisSharedCache{client: client}
}

// effectiveSetWire flattens the struct-keyed maps of EffectiveSet into
// JSON-friendly slices.
type effectiveSetWire struct {
	UserID       string           `json:"user_id"`
	Grants       []rbac.Grant     `json:"grants"`
	Denies       []denyWire       `json:"denies,omitempty"`
	RoleVersions map[string]int64 `json:"role_versions,omitempty"`
	ComputedAt   time.Time        `json:"computed_at"`
}

type denyWire struct {
	Resource     string `json:"resource"`
	Action       string `json:"action"`
	PermissionID string `json:"permission_id"`
}

func toWire(set *rbac.EffectiveSet) *effectiveSetWire {
	w := &effectiveSetWire{
		UserID:       set.UserID,
		Grants:       make([]rbac.Grant, 0, len(set.Grants)),
		RoleVersions: set.RoleVersions,
		ComputedAt:   set.ComputedAt,
	}
	for _, g := range set.Grants {
		w.Grants = append(w.Grants, g)
	}
	for k, permID := range set.Denies {
		w.Denies = append(w.Denies, denyWire{Resource: k.Resource, Action: k.Action, PermissionID: permID})
	}
	return w
}

func fromWire(w *effectiveSetWire) *rbac.EffectiveSet {
	set := &rbac.EffectiveSet{
		UserID:       w.UserID,
		Grants:       make(map[rbac.GrantKey]rbac.Grant, len(w.Grants)),
		Denies:       make(map[rbac.GrantKey]string, len(w.Denies)),
		RoleVersions: w.RoleVersions,
		ComputedAt:   w.ComputedAt,
	}
	if set.RoleVersions == nil {
		set.RoleVersions = map[string]int64{}
	}
	for _, g := range w.Grants {
		set.Grants[rbac.GrantKey{Resource: g.Resource, Action: g.Action}] = g
	}
	for _, d := range w.Denies {
		set.Denies[rbac.GrantKey{Resource: d.Resource, Action: d.Action}] = d.PermissionID
	}
	return set
}

func (c *RedisSharedCache) Get(ctx context.Context, userID string) (*rbac.EffectiveSet, error) {
	data, err := c.client.Get(ctx, effectiveSetPrefix+userID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var w effectiveSetWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return fromWire(&w), nil
}

func (c *RedisSharedCache) Set(ctx context.Context, userID string, set *rbac.EffectiveSet, ttl time.Duration) error {
	data, err := json.Marshal(toWire(set))
	if err != nil {
		return err
	}
	return c.client.Set(ctx, effectiveSetPrefix+userID, data, ttl).Err()
}

func (c *RedisSharedCache) Delete(ctx context.Context, userID string) error {
	return c.client.Del(ctx, effectiveSetPrefix+userID).Err()
}

// RedisInvalidationBus fans point invalidations out to every process holding
// a local cache tier. The payload is just the user id.
type RedisInvalidationBus struct {
	client  *redis.Client
	channel string
}

func NewRedisInvalidationBus(client *redis.Client, channel string) *RedisInvalidationBus {
	return &RedisInvalidationBus{client: client, channel: channel}
}

func (b *RedisInvalidationBus) Publish(ctx context.Context, userID string) error {
	return b.client.Publish(ctx, b.channel, userID).Err()
}

// Listen subscribes to the invalidation channel and calls fn for each user id
// until ctx is cancelled.
func (b *RedisInvalidationBus) Listen(ctx context.Context, fn func(userID string)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}
