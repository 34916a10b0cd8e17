package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rbac"
)

// SQLAssignmentStore persists user->role assignments and per-user permission
// overrides. Upserts replace the mutable columns in place so that at most one
// row exists per (user, role) and per (user, permission).
type SQLAssignmentStore struct {
	db *squealx.DB
}

func NewSQLAssignmentStore(db *squealx.DB) *SQLAssignmentStore {
	return &SQLAssignmentStore{db: db}
}

func (s *SQLAssignmentStore) UpsertAssignment(ctx context.Context, a *rbac.UserRoleAssignment) error {
	q := `INSERT INTO user_role_assignments(user_id, role_id, assigned_at, expires_at, assigned_by)
		VALUES(:user_id, :role_id, :assigned_at, :expires_at, :assigned_by)
		ON CONFLICT(user_id, role_id) DO UPDATE SET
			expires_at = excluded.expires_at,
			assigned_by = excluded.assigned_by`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"user_id":     a.UserID,
		"role_id":     a.RoleID,
		"assigned_at": a.AssignedAt,
		"expires_at":  nullTimeOrNil(a.ExpiresAt),
		"assigned_by": a.AssignedBy,
	})
	return err
}

func (s *SQLAssignmentStore) DeleteAssignment(ctx context.Context, userID, roleID string) (bool, error) {
	q := `DELETE FROM user_role_assignments WHERE user_id = :user_id AND role_id = :role_id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "role_id": roleID})
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLAssignmentStore) ListAssignments(ctx context.Context, userID string) ([]*rbac.UserRoleAssignment, error) {
	q := `SELECT user_id, role_id, assigned_at, expires_at, assigned_by
		FROM user_role_assignments WHERE user_id = :user_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.UserRoleAssignment, 0)
	for r.Next() {
		var (
			a                      rbac.UserRoleAssignment
			assignedRaw, expireRaw any
			assignedBy             *string
		)
		if err := r.Scan(&a.UserID, &a.RoleID, &assignedRaw, &expireRaw, &assignedBy); err != nil {
			return nil, err
		}
		a.AssignedAt = scanTime(assignedRaw)
		a.ExpiresAt = scanTime(expireRaw)
		if assignedBy != nil {
			a.AssignedBy = *assignedBy
		}
		out = append(out, &a)
	}
	return out, nil
}

func (s *SQLAssignmentStore) ListUsersForRole(ctx context.Context, roleID string) ([]string, error) {
	q := `SELECT DISTINCT user_id FROM user_role_assignments WHERE role_id = :role_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"role_id": roleID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]string, 0)
	for r.Next() {
		var userID string
		if err := r.Scan(&userID); err != nil {
			return nil, err
		}
		out = append(out, userID)
	}
	return out, nil
}

func (s *SQLAssignmentStore) UpsertOverride(ctx context.Context, o *rbac.UserPermissionOverride) error {
	q := `INSERT INTO user_permission_overrides(user_id, permission_id, allow, reason, expires_at, granted_by, created_at)
		VALUES(:user_id, :permission_id, :allow, :reason, :expires_at, :granted_by, :created_at)
		ON CONFLICT(user_id, permission_id) DO UPDATE SET
			allow = excluded.allow,
			reason = excluded.reason,
			expires_at = excluded.expires_at,
			granted_by = excluded.granted_by,
			created_at = excluded.created_at`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"user_id":       o.UserID,
		"permission_id": o.PermissionID,
		"allow":         boolToInt(o.Allow),
		"reason":        o.Reason,
		"expires_at":    nullTimeOrNil(o.ExpiresAt),
		"granted_by":    o.GrantedBy,
		"created_at":    o.CreatedAt,
	})
	return err
}

func (s *SQLAssignmentStore) DeleteOverride(ctx context.Context, userID, permissionID string) (bool, error) {
	q := `DELETE FROM user_permission_overrides WHERE user_id = :user_id AND permission_id = :permission_id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "permission_id": permissionID})
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLAssignmentStore) ListOverrides(ctx context.Context, userID string) ([]*rbac.UserPermissionOverride, error) {
	q := `SELECT user_id, permission_id, allow, reason, expires_at, granted_by, created_at
		FROM user_permission_overrides WHERE user_id = :user_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.UserPermissionOverride, 0)
	for r.Next() {
		var (
			o                      rbac.UserPermissionOverride
			allow                  int
			expireRaw, createdRaw  any
			reasonCol, grantedBCol *string
		)
		if err := r.Scan(&o.UserID, &o.PermissionID, &allow, &reasonCol, &expireRaw, &grantedBCol, &createdRaw); err != nil {
			return nil, err
		}
		o.Allow = allow != 0
		o.ExpiresAt = scanTime(expireRaw)
		o.CreatedAt = scanTime(createdRaw)
		if reasonCol != nil {
			o.Reason = *reasonCol
		}
		if grantedBCol != nil {
			o.GrantedBy = *grantedBCol
		}
		out = append(out, &o)
	}
	return out, nil
}

// PurgeExpired deletes expired assignment and override rows in bounded
// batches. The row-value subquery keeps each DELETE within the limit so a
// large backlog never holds a long write lock.
func (s *SQLAssignmentStore) PurgeExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	total := 0
	n, err := s.purgeTable(ctx, "user_role_assignments", "role_id", before, limit)
	if err != nil {
		return total, err
	}
	total += n
	if limit > 0 && total >= limit {
		return total, nil
	}
	remaining := limit
	if limit > 0 {
		remaining = limit - total
	}
	n, err = s.purgeTable(ctx, "user_permission_overrides", "permission_id", before, remaining)
	if err != nil {
		return total, err
	}
	return total + n, nil
}

func (s *SQLAssignmentStore) purgeTable(ctx context.Context, table, secondKey string, before time.Time, limit int) (int, error) {
	q := `DELETE FROM ` + table + ` WHERE (user_id, ` + secondKey + `) IN (
			SELECT user_id, ` + secondKey + ` FROM ` + table + `
			WHERE expires_at IS NOT NULL AND expires_at <= :before
			LIMIT :limit)`
	args := map[string]any{"before": before, "limit": limit}
	if limit <= 0 {
		q = `DELETE FROM ` + table + ` WHERE expires_at IS NOT NULL AND expires_at <= :before`
		args = map[string]any{"before": before}
	}
	res, err := s.db.NamedExecContext(ctx, q, args)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
