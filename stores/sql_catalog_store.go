package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rbac"
)

// SQLCatalogStore persists roles, permissions and bindings in SQL (squealx).
// Version counters are colocated with the role row; every binding or
// hierarchy mutation bumps the counter in the same statement batch, and
// concurrent mutations are fenced with a compare-and-swap on the version.
type SQLCatalogStore struct {
	db *squealx.DB
}

func NewSQLCatalogStore(db *squealx.DB) *SQLCatalogStore {
	return &SQLCatalogStore{db: db}
}

func (s *SQLCatalogStore) CreateRole(ctx context.Context, r *rbac.Role) error {
	if existing, err := s.GetRoleByName(ctx, r.Name); err == nil && existing != nil {
		return &rbac.ConflictError{Msg: fmt.Sprintf("role name %q already exists", r.Name)}
	}
	q := `INSERT INTO roles(id, name, priority, parent_id, is_system, version, created_at, updated_at)
		VALUES(:id, :name, :priority, :parent_id, :is_system, :version, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         r.ID,
		"name":       r.Name,
		"priority":   r.Priority,
		"parent_id":  nullStrOrNil(r.ParentID),
		"is_system":  boolToInt(r.IsSystem),
		"version":    r.Version,
		"created_at": r.CreatedAt,
		"updated_at": r.UpdatedAt,
	})
	return err
}

const roleColumns = `id, name, priority, COALESCE(parent_id, ''), is_system, version, created_at, updated_at`

func (s *SQLCatalogStore) GetRole(ctx context.Context, id string) (*rbac.Role, error) {
	return s.getRoleWhere(ctx, `id = :key`, id)
}

func (s *SQLCatalogStore) GetRoleByName(ctx context.Context, name string) (*rbac.Role, error) {
	return s.getRoleWhere(ctx, `name = :key`, name)
}

func (s *SQLCatalogStore) getRoleWhere(ctx context.Context, where, key string) (*rbac.Role, error) {
	q := `SELECT ` + roleColumns + ` FROM roles WHERE ` + where
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"key": key})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &rbac.NotFoundError{Kind: "role", ID: key}
	}
	return scanRole(r)
}

func scanRole(r interface{ Scan(...any) error }) (*rbac.Role, error) {
	var (
		role               rbac.Role
		isSystem           int
		createdRaw, updRaw any
	)
	if err := r.Scan(&role.ID, &role.Name, &role.Priority, &role.ParentID, &isSystem, &role.Version, &createdRaw, &updRaw); err != nil {
		return nil, err
	}
	role.IsSystem = isSystem != 0
	role.CreatedAt = scanTime(createdRaw)
	role.UpdatedAt = scanTime(updRaw)
	return &role, nil
}

func (s *SQLCatalogStore) ListRoles(ctx context.Context) ([]*rbac.Role, error) {
	q := `SELECT ` + roleColumns + ` FROM roles ORDER BY name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.Role, 0)
	for r.Next() {
		role, err := scanRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

func (s *SQLCatalogStore) SetRoleParent(ctx context.Context, roleID, parentID string, version int64) (int64, error) {
	q := `UPDATE roles SET parent_id = :parent_id, version = version + 1, updated_at = :now
		WHERE id = :id AND version = :version`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":        roleID,
		"parent_id": nullStrOrNil(parentID),
		"version":   version,
		"now":       time.Now(),
	})
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRole(ctx, roleID); err != nil {
			return 0, err
		}
		return 0, &rbac.ConflictError{Msg: fmt.Sprintf("role %s version moved past %d", roleID, version)}
	}
	return s.roleVersion(ctx, roleID)
}

func (s *SQLCatalogStore) CreatePermission(ctx context.Context, p *rbac.Permission) error {
	if existing, err := s.FindPermission(ctx, p.Resource, p.Action, p.Scope); err == nil && existing != nil {
		return &rbac.ConflictError{Msg: fmt.Sprintf("permission (%s, %s, %s) already exists", p.Resource, p.Action, p.Scope)}
	}
	q := `INSERT INTO permissions(id, resource, action, scope) VALUES(:id, :resource, :action, :scope)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":       p.ID,
		"resource": p.Resource,
		"action":   p.Action,
		"scope":    int(p.Scope),
	})
	return err
}

func (s *SQLCatalogStore) GetPermission(ctx context.Context, id string) (*rbac.Permission, error) {
	q := `SELECT id, resource, action, scope FROM permissions WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &rbac.NotFoundError{Kind: "permission", ID: id}
	}
	return scanPermission(r)
}

func (s *SQLCatalogStore) FindPermission(ctx context.Context, resource, action string, scope rbac.Scope) (*rbac.Permission, error) {
	q := `SELECT id, resource, action, scope FROM permissions
		WHERE resource = :resource AND action = :action AND scope = :scope`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"resource": resource,
		"action":   action,
		"scope":    int(scope),
	})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &rbac.NotFoundError{Kind: "permission", ID: resource + ":" + action + ":" + scope.String()}
	}
	return scanPermission(r)
}

func scanPermission(r interface{ Scan(...any) error }) (*rbac.Permission, error) {
	var (
		perm  rbac.Permission
		scope int
	)
	if err := r.Scan(&perm.ID, &perm.Resource, &perm.Action, &scope); err != nil {
		return nil, err
	}
	perm.Scope = rbac.Scope(scope)
	return &perm, nil
}

func (s *SQLCatalogStore) ListPermissions(ctx context.Context) ([]*rbac.Permission, error) {
	q := `SELECT id, resource, action, scope FROM permissions ORDER BY resource, action, scope`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.Permission, 0)
	for r.Next() {
		p, err := scanPermission(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLCatalogStore) BindPermission(ctx context.Context, roleID, permissionID string) (bool, int64, error) {
	version, err := s.roleVersion(ctx, roleID)
	if err != nil {
		return false, 0, err
	}
	if _, err := s.GetPermission(ctx, permissionID); err != nil {
		return false, 0, err
	}
	q := `INSERT INTO role_permissions(role_id, permission_id, created_at)
		VALUES(:role_id, :permission_id, :created_at) ON CONFLICT DO NOTHING`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"role_id":       roleID,
		"permission_id": permissionID,
		"created_at":    time.Now(),
	})
	if err != nil {
		return false, 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, version, nil
	}
	newVersion, err := s.bumpRole(ctx, roleID)
	if err != nil {
		return false, 0, err
	}
	return true, newVersion, nil
}

func (s *SQLCatalogStore) UnbindPermission(ctx context.Context, roleID, permissionID string) (bool, int64, error) {
	version, err := s.roleVersion(ctx, roleID)
	if err != nil {
		return false, 0, err
	}
	q := `DELETE FROM role_permissions WHERE role_id = :role_id AND permission_id = :permission_id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"role_id":       roleID,
		"permission_id": permissionID,
	})
	if err != nil {
		return false, 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, version, nil
	}
	newVersion, err := s.bumpRole(ctx, roleID)
	if err != nil {
		return false, 0, err
	}
	return true, newVersion, nil
}

func (s *SQLCatalogStore) RolePermissions(ctx context.Context, roleID string) ([]*rbac.Permission, error) {
	q := `SELECT p.id, p.resource, p.action, p.scope FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = :role_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"role_id": roleID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.Permission, 0)
	for r.Next() {
		p, err := scanPermission(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLCatalogStore) RoleVersions(ctx context.Context, roleIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(roleIDs))
	for _, id := range roleIDs {
		v, err := s.roleVersion(ctx, id)
		if err != nil {
			if rbac.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}

func (s *SQLCatalogStore) roleVersion(ctx context.Context, roleID string) (int64, error) {
	q := `SELECT version FROM roles WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": roleID})
	if err != nil {
		return 0, err
	}
	defer r.Close()
	if !r.Next() {
		return 0, &rbac.NotFoundError{Kind: "role", ID: roleID}
	}
	var v int64
	if err := r.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *SQLCatalogStore) bumpRole(ctx context.Context, roleID string) (int64, error) {
	q := `UPDATE roles SET version = version + 1, updated_at = :now WHERE id = :id`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": roleID, "now": time.Now()}); err != nil {
		return 0, err
	}
	return s.roleVersion(ctx, roleID)
}
