package rbac

import (
	"context"
	"time"
)

// Assignment administration. Membership changes move no role version counter
// (they change who holds a role, not what the role grants), so each call
// point-invalidates the one affected user's cache entry instead.

// AssignRole grants userID the role until expiresAt (zero = no expiry).
// Assigning a role the user already actively holds refreshes the expiry
// idempotently rather than duplicating or erroring.
func (e *Engine) AssignRole(ctx context.Context, userID, roleID string, expiresAt time.Time, assignedBy string) error {
	if userID == "" || roleID == "" {
		return errValidation("user and role are required")
	}
	now := e.clock()
	if !expiresAt.IsZero() && !expiresAt.After(now) {
		return errValidation("expiry must be in the future")
	}
	if _, err := e.catalog.GetRole(ctx, roleID); err != nil {
		return err
	}
	a := &UserRoleAssignment{
		UserID:     userID,
		RoleID:     roleID,
		AssignedAt: now,
		ExpiresAt:  expiresAt,
		AssignedBy: assignedBy,
	}
	rec := &AuditRecord{Action: "assign_role", Actor: assignedBy, UserID: userID, RoleID: roleID}
	if !expiresAt.IsZero() {
		rec.Detail = map[string]any{"expires_at": expiresAt}
	}
	err := e.withAudit(rec, func() error {
		return e.assignments.UpsertAssignment(ctx, a)
	})
	if err != nil {
		return err
	}
	e.dispatcher.AssignmentChanged(ctx, userID)
	return nil
}

// RevokeRole removes the assignment. Revoking a non-existent assignment is a
// no-op success.
func (e *Engine) RevokeRole(ctx context.Context, userID, roleID string) error {
	if userID == "" || roleID == "" {
		return errValidation("user and role are required")
	}
	var found bool
	rec := &AuditRecord{Action: "revoke_role", UserID: userID, RoleID: roleID}
	err := e.withAudit(rec, func() error {
		var err error
		found, err = e.assignments.DeleteAssignment(ctx, userID, roleID)
		return err
	})
	if err != nil {
		return err
	}
	if found {
		e.dispatcher.AssignmentChanged(ctx, userID)
	} else {
		// The row may have expired but still be cached inside its TTL window.
		e.cache.Invalidate(ctx, userID)
	}
	return nil
}

// GrantOverride installs a direct per-user allow or deny for one permission.
// At most one override is active per (user, permission); re-granting
// replaces it.
func (e *Engine) GrantOverride(ctx context.Context, userID, permissionID string, allow bool, reason string, expiresAt time.Time, grantedBy string) error {
	if userID == "" || permissionID == "" {
		return errValidation("user and permission are required")
	}
	now := e.clock()
	if !expiresAt.IsZero() && !expiresAt.After(now) {
		return errValidation("expiry must be in the future")
	}
	if _, err := e.catalog.GetPermission(ctx, permissionID); err != nil {
		return err
	}
	o := &UserPermissionOverride{
		UserID:       userID,
		PermissionID: permissionID,
		Allow:        allow,
		Reason:       reason,
		ExpiresAt:    expiresAt,
		GrantedBy:    grantedBy,
		CreatedAt:    now,
	}
	rec := &AuditRecord{Action: "grant_override", Actor: grantedBy, UserID: userID, PermissionID: permissionID, Detail: map[string]any{
		"allow": allow, "reason": reason,
	}}
	err := e.withAudit(rec, func() error {
		return e.assignments.UpsertOverride(ctx, o)
	})
	if err != nil {
		return err
	}
	e.dispatcher.OverrideChanged(ctx, userID)
	return nil
}

// RevokeOverride removes the override for (user, permission). Revoking an
// absent override is a no-op success.
func (e *Engine) RevokeOverride(ctx context.Context, userID, permissionID string) error {
	if userID == "" || permissionID == "" {
		return errValidation("user and permission are required")
	}
	var found bool
	rec := &AuditRecord{Action: "revoke_override", UserID: userID, PermissionID: permissionID}
	err := e.withAudit(rec, func() error {
		var err error
		found, err = e.assignments.DeleteOverride(ctx, userID, permissionID)
		return err
	})
	if err != nil {
		return err
	}
	if found {
		e.dispatcher.OverrideChanged(ctx, userID)
	} else {
		e.cache.Invalidate(ctx, userID)
	}
	return nil
}
