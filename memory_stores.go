package rbac

import (
	"context"
	"sync"
	"time"
)

// In-memory stores, used by tests and demos. The SQL implementations live in
// the stores package.

type tripleKey struct {
	resource string
	action   string
	scope    Scope
}

// MemoryCatalogStore keeps roles, permissions and bindings in maps guarded by
// a single mutex, which makes every version bump trivially atomic with its
// mutation.
type MemoryCatalogStore struct {
	mu       sync.RWMutex
	roles    map[string]*Role
	byName   map[string]string
	perms    map[string]*Permission
	byTriple map[tripleKey]string
	bindings map[string]map[string]bool // role ID -> permission ID set
}

func NewMemoryCatalogStore() *MemoryCatalogStore {
	return &MemoryCatalogStore{
		roles:    make(map[string]*Role),
		byName:   make(map[string]string),
		perms:    make(map[string]*Permission),
		byTriple: make(map[tripleKey]string),
		bindings: make(map[string]map[string]bool),
	}
}

func (s *MemoryCatalogStore) CreateRole(ctx context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[r.Name]; ok {
		return errConflict("role name %q already exists", r.Name)
	}
	cp := *r
	s.roles[r.ID] = &cp
	s.byName[r.Name] = r.ID
	s.bindings[r.ID] = make(map[string]bool)
	return nil
}

func (s *MemoryCatalogStore) GetRole(ctx context.Context, id string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, errNotFound("role", id)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryCatalogStore) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, errNotFound("role", name)
	}
	cp := *s.roles[id]
	return &cp, nil
}

func (s *MemoryCatalogStore) ListRoles(ctx context.Context) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.roles))
	for _, r := range s.roles {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryCatalogStore) SetRoleParent(ctx context.Context, roleID, parentID string, version int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return 0, errNotFound("role", roleID)
	}
	if r.Version != version {
		return 0, errConflict("role %s version moved (have %d, want %d)", roleID, r.Version, version)
	}
	if parentID != "" {
		if _, ok := s.roles[parentID]; !ok {
			return 0, errNotFound("role", parentID)
		}
	}
	r.ParentID = parentID
	r.Version++
	r.UpdatedAt = time.Now()
	return r.Version, nil
}

func (s *MemoryCatalogStore) CreatePermission(ctx context.Context, p *Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tripleKey{p.Resource, p.Action, p.Scope}
	if _, ok := s.byTriple[key]; ok {
		return errConflict("permission (%s, %s, %s) already exists", p.Resource, p.Action, p.Scope)
	}
	cp := *p
	s.perms[p.ID] = &cp
	s.byTriple[key] = p.ID
	return nil
}

func (s *MemoryCatalogStore) GetPermission(ctx context.Context, id string) (*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.perms[id]
	if !ok {
		return nil, errNotFound("permission", id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryCatalogStore) FindPermission(ctx context.Context, resource, action string, scope Scope) (*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTriple[tripleKey{resource, action, scope}]
	if !ok {
		return nil, errNotFound("permission", resource+":"+action+":"+scope.String())
	}
	cp := *s.perms[id]
	return &cp, nil
}

func (s *MemoryCatalogStore) ListPermissions(ctx context.Context) ([]*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Permission, 0, len(s.perms))
	for _, p := range s.perms {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryCatalogStore) BindPermission(ctx context.Context, roleID, permissionID string) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return false, 0, errNotFound("role", roleID)
	}
	if _, ok := s.perms[permissionID]; !ok {
		return false, 0, errNotFound("permission", permissionID)
	}
	if s.bindings[roleID][permissionID] {
		return false, r.Version, nil
	}
	s.bindings[roleID][permissionID] = true
	r.Version++
	r.UpdatedAt = time.Now()
	return true, r.Version, nil
}

func (s *MemoryCatalogStore) UnbindPermission(ctx context.Context, roleID, permissionID string) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return false, 0, errNotFound("role", roleID)
	}
	if !s.bindings[roleID][permissionID] {
		return false, r.Version, nil
	}
	delete(s.bindings[roleID], permissionID)
	r.Version++
	r.UpdatedAt = time.Now()
	return true, r.Version, nil
}

func (s *MemoryCatalogStore) RolePermissions(ctx context.Context, roleID string) ([]*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.roles[roleID]; !ok {
		return nil, errNotFound("role", roleID)
	}
	out := make([]*Permission, 0, len(s.bindings[roleID]))
	for permID := range s.bindings[roleID] {
		if p, ok := s.perms[permID]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryCatalogStore) RoleVersions(ctx context.Context, roleIDs []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(roleIDs))
	for _, id := range roleIDs {
		if r, ok := s.roles[id]; ok {
			out[id] = r.Version
		}
	}
	return out, nil
}

// MemoryAssignmentStore keeps user->role assignments and overrides in nested
// maps. Listing returns rows as stored; expiry is the resolver's concern.
type MemoryAssignmentStore struct {
	mu          sync.RWMutex
	assignments map[string]map[string]*UserRoleAssignment     // user -> role -> row
	overrides   map[string]map[string]*UserPermissionOverride // user -> permission -> row
}

func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{
		assignments: make(map[string]map[string]*UserRoleAssignment),
		overrides:   make(map[string]map[string]*UserPermissionOverride),
	}
}

func (s *MemoryAssignmentStore) UpsertAssignment(ctx context.Context, a *UserRoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.assignments[a.UserID]
	if !ok {
		rows = make(map[string]*UserRoleAssignment)
		s.assignments[a.UserID] = rows
	}
	if existing, ok := rows[a.RoleID]; ok {
		// refresh expiry in place; the original assignment instant stays
		existing.ExpiresAt = a.ExpiresAt
		existing.AssignedBy = a.AssignedBy
		return nil
	}
	cp := *a
	rows[a.RoleID] = &cp
	return nil
}

func (s *MemoryAssignmentStore) DeleteAssignment(ctx context.Context, userID, roleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.assignments[userID]
	if !ok {
		return false, nil
	}
	if _, ok := rows[roleID]; !ok {
		return false, nil
	}
	delete(rows, roleID)
	return true, nil
}

func (s *MemoryAssignmentStore) ListAssignments(ctx context.Context, userID string) ([]*UserRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*UserRoleAssignment, 0, len(s.assignments[userID]))
	for _, a := range s.assignments[userID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryAssignmentStore) ListUsersForRole(ctx context.Context, roleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	for userID, rows := range s.assignments {
		if _, ok := rows[roleID]; ok {
			out = append(out, userID)
		}
	}
	return out, nil
}

func (s *MemoryAssignmentStore) UpsertOverride(ctx context.Context, o *UserPermissionOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.overrides[o.UserID]
	if !ok {
		rows = make(map[string]*UserPermissionOverride)
		s.overrides[o.UserID] = rows
	}
	cp := *o
	rows[o.PermissionID] = &cp
	return nil
}

func (s *MemoryAssignmentStore) DeleteOverride(ctx context.Context, userID, permissionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.overrides[userID]
	if !ok {
		return false, nil
	}
	if _, ok := rows[permissionID]; !ok {
		return false, nil
	}
	delete(rows, permissionID)
	return true, nil
}

func (s *MemoryAssignmentStore) ListOverrides(ctx context.Context, userID string) ([]*UserPermissionOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*UserPermissionOverride, 0, len(s.overrides[userID]))
	for _, o := range s.overrides[userID] {
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryAssignmentStore) PurgeExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for _, rows := range s.assignments {
		for roleID, a := range rows {
			if purged >= limit {
				return purged, nil
			}
			if !a.ExpiresAt.IsZero() && !a.ExpiresAt.After(before) {
				delete(rows, roleID)
				purged++
			}
		}
	}
	for _, rows := range s.overrides {
		for permID, o := range rows {
			if purged >= limit {
				return purged, nil
			}
			if !o.ExpiresAt.IsZero() && !o.ExpiresAt.After(before) {
				delete(rows, permID)
				purged++
			}
		}
	}
	return purged, nil
}

// MemoryAuditStore appends records to a slice.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	records []*AuditRecord
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{records: make([]*AuditRecord, 0)}
}

func (s *MemoryAuditStore) Append(ctx context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryAuditStore) List(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditRecord, 0)
	for _, rec := range s.records {
		if filter.Kind != "" && rec.Kind != filter.Kind {
			continue
		}
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		if filter.Action != "" && rec.Action != filter.Action {
			continue
		}
		if !filter.Since.IsZero() && rec.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && rec.Timestamp.After(filter.Until) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
