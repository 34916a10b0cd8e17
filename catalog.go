package rbac

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Catalog administration. Every successful binding or hierarchy mutation
// bumps the owning role's version counter atomically with the write; the
// dispatcher then only has to announce the change.

// DefineRole creates a role. Names are unique; a duplicate is a ConflictError.
func (e *Engine) DefineRole(ctx context.Context, name string, priority int) (*Role, error) {
	return e.defineRole(ctx, name, priority, false)
}

// DefineSystemRole creates a role whose bindings are append-only: unbind is
// rejected, preventing privilege lockout on bootstrap roles.
func (e *Engine) DefineSystemRole(ctx context.Context, name string, priority int) (*Role, error) {
	return e.defineRole(ctx, name, priority, true)
}

func (e *Engine) defineRole(ctx context.Context, name string, priority int, system bool) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errValidation("role name is required")
	}
	now := e.clock()
	role := &Role{
		ID:        uuid.NewString(),
		Name:      name,
		Priority:  priority,
		IsSystem:  system,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec := &AuditRecord{Action: "define_role", RoleID: role.ID, Detail: map[string]any{"name": name, "system": system}}
	err := e.withAudit(rec, func() error {
		return e.catalog.CreateRole(ctx, role)
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// DefinePermission registers a (resource, action, scope) triple. The triple
// is unique; a duplicate is a ConflictError.
func (e *Engine) DefinePermission(ctx context.Context, resource, action string, scope Scope) (*Permission, error) {
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if resource == "" || action == "" {
		return nil, errValidation("resource and action are required")
	}
	if !scope.Valid() {
		return nil, errValidation("invalid scope")
	}
	perm := &Permission{
		ID:       uuid.NewString(),
		Resource: resource,
		Action:   action,
		Scope:    scope,
	}
	rec := &AuditRecord{Action: "define_permission", PermissionID: perm.ID, Detail: map[string]any{
		"resource": resource, "action": action, "scope": scope.String(),
	}}
	err := e.withAudit(rec, func() error {
		return e.catalog.CreatePermission(ctx, perm)
	})
	if err != nil {
		return nil, err
	}
	return perm, nil
}

// BindPermission attaches a permission to a role. Binding an already-bound
// pair is a no-op success; the role version only moves when the binding set
// does. Returns the role's current version stamp.
func (e *Engine) BindPermission(ctx context.Context, roleID, permissionID string) (int64, error) {
	if roleID == "" || permissionID == "" {
		return 0, errValidation("role and permission are required")
	}
	if _, err := e.catalog.GetPermission(ctx, permissionID); err != nil {
		return 0, err
	}
	var (
		changed bool
		version int64
	)
	rec := &AuditRecord{Action: "bind_permission", RoleID: roleID, PermissionID: permissionID}
	err := e.withAudit(rec, func() error {
		var err error
		changed, version, err = e.catalog.BindPermission(ctx, roleID, permissionID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if changed {
		e.dispatcher.RoleChanged(ctx, roleID)
	}
	return version, nil
}

// UnbindPermission detaches a permission from a role. System-role bindings
// are append-only: unbind is a ConflictError. Unbinding an absent pair is a
// no-op success.
func (e *Engine) UnbindPermission(ctx context.Context, roleID, permissionID string) (int64, error) {
	if roleID == "" || permissionID == "" {
		return 0, errValidation("role and permission are required")
	}
	role, err := e.catalog.GetRole(ctx, roleID)
	if err != nil {
		return 0, err
	}
	if role.IsSystem {
		return 0, errConflict("bindings of system role %q are append-only", role.Name)
	}
	var (
		changed bool
		version int64
	)
	rec := &AuditRecord{Action: "unbind_permission", RoleID: roleID, PermissionID: permissionID}
	err = e.withAudit(rec, func() error {
		var err error
		changed, version, err = e.catalog.UnbindPermission(ctx, roleID, permissionID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if changed {
		e.dispatcher.RoleChanged(ctx, roleID)
	}
	return version, nil
}

// SetRoleParent links a role under a parent whose effective permission set it
// inherits. Cycles are rejected here, at mutation time, never at resolve
// time. An empty parentID clears the edge. Returns the new version stamp.
func (e *Engine) SetRoleParent(ctx context.Context, roleID, parentID string) (int64, error) {
	if roleID == "" {
		return 0, errValidation("role is required")
	}
	if roleID == parentID {
		return 0, errValidation("role cannot inherit from itself")
	}
	role, err := e.catalog.GetRole(ctx, roleID)
	if err != nil {
		return 0, err
	}
	if parentID != "" {
		visited := map[string]bool{roleID: true}
		for cur := parentID; cur != ""; {
			if visited[cur] {
				return 0, errValidation("hierarchy cycle through role %s", cur)
			}
			visited[cur] = true
			parent, err := e.catalog.GetRole(ctx, cur)
			if err != nil {
				return 0, err
			}
			cur = parent.ParentID
		}
	}
	var version int64
	rec := &AuditRecord{Action: "set_role_parent", RoleID: roleID, Detail: map[string]any{"parent_id": parentID}}
	err = e.withAudit(rec, func() error {
		var err error
		version, err = e.catalog.SetRoleParent(ctx, roleID, parentID, role.Version)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.dispatcher.RoleChanged(ctx, roleID)
	return version, nil
}
