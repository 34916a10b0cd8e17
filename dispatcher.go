package rbac

import (
	"context"

	"github.com/oarkflow/rbac/logger"
)

// Broadcaster fans point invalidations out to sibling processes so their
// local tiers converge faster than the TTL ceiling. Performance only: the
// version check and TTL keep correctness without it.
type Broadcaster interface {
	Publish(ctx context.Context, userID string) error
}

// Dispatcher reacts to store mutation outcomes. It is called in-process,
// after the mutation committed, which guarantees ordering with the write:
// no message bus sits between a mutation and its invalidation.
type Dispatcher struct {
	cache       *Cache
	assignments AssignmentStore
	hook        func(Event)
	broadcast   Broadcaster
	clock       Clock
	log         logger.Logger
}

func newDispatcher(cache *Cache, assignments AssignmentStore, hook func(Event), broadcast Broadcaster, clock Clock, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		cache:       cache,
		assignments: assignments,
		hook:        hook,
		broadcast:   broadcast,
		clock:       clock,
		log:         log,
	}
}

// RoleChanged announces a binding or hierarchy mutation. The version bump
// already happened inside the store transaction, so stale cache entries
// self-detect on their next read; nothing is evicted here.
func (d *Dispatcher) RoleChanged(ctx context.Context, roleID string) {
	d.emit(Event{Type: EventRoleChanged, RoleID: roleID, Timestamp: d.clock()})
}

// AssignmentChanged evicts the one affected user and announces the change.
func (d *Dispatcher) AssignmentChanged(ctx context.Context, userID string) {
	d.invalidateUser(ctx, userID)
	d.emit(Event{Type: EventAssignmentChanged, UserID: userID, Timestamp: d.clock()})
}

// OverrideChanged evicts the one affected user and announces the change.
// Overrides are per-user; they are not worth a version-ledger entry.
func (d *Dispatcher) OverrideChanged(ctx context.Context, userID string) {
	d.invalidateUser(ctx, userID)
	d.emit(Event{Type: EventOverrideChanged, UserID: userID, Timestamp: d.clock()})
}

// InvalidateByRole proactively evicts every user currently assigned the
// role. Optional: lazy version-check misses already keep reads correct, but
// operators may prefer eager eviction after a large rebinding.
func (d *Dispatcher) InvalidateByRole(ctx context.Context, roleID string) (int, error) {
	users, err := d.assignments.ListUsersForRole(ctx, roleID)
	if err != nil {
		return 0, &StoreUnavailableError{Op: "invalidate by role", Err: err}
	}
	for _, u := range users {
		d.invalidateUser(ctx, u)
	}
	return len(users), nil
}

func (d *Dispatcher) invalidateUser(ctx context.Context, userID string) {
	d.cache.Invalidate(ctx, userID)
	if d.broadcast == nil {
		return
	}
	if err := d.broadcast.Publish(ctx, userID); err != nil {
		d.log.Error("invalidation broadcast failed", "user", userID, "err", err)
	}
}

func (d *Dispatcher) emit(ev Event) {
	if d.hook == nil {
		return
	}
	d.hook(ev)
}
