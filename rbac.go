package rbac

import (
	"context"
	"fmt"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Scope is the breadth of a grant. The ordering is total:
// a grant at a broader scope satisfies a request at any narrower scope
// for the same (resource, action).
type Scope uint8

const (
	ScopeOwn Scope = iota + 1
	ScopeDepartment
	ScopeAll
)

func (s Scope) Valid() bool {
	return s >= ScopeOwn && s <= ScopeAll
}

// Covers reports whether a grant at scope s satisfies a request at scope req.
func (s Scope) Covers(req Scope) bool {
	return s >= req
}

func (s Scope) String() string {
	switch s {
	case ScopeOwn:
		return "own"
	case ScopeDepartment:
		return "department"
	case ScopeAll:
		return "all"
	}
	return fmt.Sprintf("scope(%d)", uint8(s))
}

// ParseScope converts the wire form ("own", "department", "all") to a Scope.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "own":
		return ScopeOwn, nil
	case "department":
		return ScopeDepartment, nil
	case "all":
		return ScopeAll, nil
	}
	return 0, errValidation("unknown scope %q", s)
}

// Role is a named collection of permission bindings. Version is a monotonic
// counter bumped on every binding or hierarchy mutation; cached effective
// sets record the versions they were computed from and self-detect staleness.
type Role struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Priority  int       `json:"priority"` // display/tie-break metadata only
	ParentID  string    `json:"parent_id,omitempty"`
	IsSystem  bool      `json:"is_system"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Permission identifies an action on a resource type at a scope.
// The (resource, action, scope) triple is unique.
type Permission struct {
	ID       string `json:"id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Scope    Scope  `json:"scope"`
}

func (p *Permission) Key() GrantKey {
	return GrantKey{Resource: p.Resource, Action: p.Action}
}

// GrantKey identifies the (resource, action) pair a grant or deny applies to.
// Scope is deliberately not part of the key: the broadest scope wins per pair.
type GrantKey struct {
	Resource string
	Action   string
}

func (k GrantKey) String() string {
	return k.Resource + ":" + k.Action
}

// UserRoleAssignment ties a user to a role, optionally until ExpiresAt.
// A zero ExpiresAt means the assignment does not expire.
type UserRoleAssignment struct {
	UserID     string    `json:"user_id"`
	RoleID     string    `json:"role_id"`
	AssignedAt time.Time `json:"assigned_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	AssignedBy string    `json:"assigned_by"`
}

// Active reports whether the assignment is in effect at the given instant.
// Expired rows are treated as absent regardless of physical deletion.
func (a *UserRoleAssignment) Active(now time.Time) bool {
	return a.ExpiresAt.IsZero() || a.ExpiresAt.After(now)
}

// UserPermissionOverride is a direct per-user allow or deny that bypasses
// role-derived grants. A deny override is absolute. At most one override is
// active per (user, permission); re-granting replaces it.
type UserPermissionOverride struct {
	UserID       string    `json:"user_id"`
	PermissionID string    `json:"permission_id"`
	Allow        bool      `json:"allow"`
	Reason       string    `json:"reason"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	GrantedBy    string    `json:"granted_by"`
	CreatedAt    time.Time `json:"created_at"`
}

func (o *UserPermissionOverride) Active(now time.Time) bool {
	return o.ExpiresAt.IsZero() || o.ExpiresAt.After(now)
}

// Grant is one resolved entry of a user's effective permission set: the
// broadest scope held for a (resource, action) pair and where it came from.
type Grant struct {
	Resource  string   `json:"resource"`
	Action    string   `json:"action"`
	Scope     Scope    `json:"scope"`                // broadest scope from any source
	RoleScope Scope    `json:"role_scope,omitempty"` // broadest role-derived scope
	Roles     []string `json:"roles,omitempty"`      // contributing role IDs, highest priority first
	Override  bool     `json:"override,omitempty"`   // an allow override contributes
}

// EffectiveSet is the cached result of resolving one user: the additive union
// of all held roles' grants with overrides applied, stamped with the exact
// role versions it was computed from.
type EffectiveSet struct {
	UserID       string
	Grants       map[GrantKey]Grant
	Denies       map[GrantKey]string // key -> permission ID of the deny override
	RoleVersions map[string]int64
	ComputedAt   time.Time
}

// Decide answers a scoped query from the resolved set. A deny override wins
// over any grant; otherwise the pair's grant allows when its scope covers the
// requested scope.
func (s *EffectiveSet) Decide(resource, action string, scope Scope, at time.Time) *Decision {
	d := &Decision{Outcome: OutcomeDeny, Timestamp: at}
	key := GrantKey{Resource: resource, Action: action}
	if permID, denied := s.Denies[key]; denied {
		d.Source = SourceOverride
		d.Reason = "deny override " + permID
		return d
	}
	g, ok := s.Grants[key]
	if !ok {
		d.Reason = "no grant for " + key.String()
		return d
	}
	if !g.Scope.Covers(scope) {
		d.Reason = fmt.Sprintf("granted scope %s does not cover %s", g.Scope, scope)
		return d
	}
	d.Outcome = OutcomeAllow
	if g.RoleScope.Covers(scope) {
		d.Source = SourceRole
		d.Roles = g.Roles
	} else {
		d.Source = SourceOverride
	}
	return d
}

// Outcome is a decision result. PermissionDenied is a normal outcome, not an
// error; Undetermined means the stores could not be consulted and must be
// treated as a hard failure by callers, never as an allow.
type Outcome string

const (
	OutcomeAllow        Outcome = "allow"
	OutcomeDeny         Outcome = "deny"
	OutcomeUndetermined Outcome = "undetermined"
)

// Decision sources.
const (
	SourceRole     = "role"
	SourceOverride = "override"
)

// Decision is the answer to a permission check.
type Decision struct {
	Outcome   Outcome   `json:"outcome"`
	Source    string    `json:"source,omitempty"`
	Roles     []string  `json:"roles,omitempty"` // roles that granted, when Source == "role"
	Reason    string    `json:"reason,omitempty"`
	Trace     []string  `json:"trace,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Allowed is a convenience for callers that only need the boolean answer.
// Undetermined maps to false (fail closed).
func (d *Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}

// ============================================================================
// MUTATION EVENTS
// ============================================================================

// EventType classifies a mutation for external collaborators.
type EventType string

const (
	EventRoleChanged       EventType = "role_changed"
	EventAssignmentChanged EventType = "assignment_changed"
	EventOverrideChanged   EventType = "override_changed"
)

// Event is emitted after a successful mutation. Transport is up to the
// consumer; the engine only calls an in-process hook.
type Event struct {
	Type      EventType `json:"type"`
	RoleID    string    `json:"role_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// CatalogStore persists roles, permissions and role->permission bindings.
// Implementations must bump the owning role's version atomically with every
// binding or hierarchy mutation, and surface concurrent mutations on the same
// role as a ConflictError.
type CatalogStore interface {
	CreateRole(ctx context.Context, r *Role) error
	GetRole(ctx context.Context, id string) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	// SetRoleParent updates the hierarchy edge using a compare-and-swap on the
	// role's version; it returns the new version.
	SetRoleParent(ctx context.Context, roleID, parentID string, version int64) (int64, error)

	CreatePermission(ctx context.Context, p *Permission) error
	GetPermission(ctx context.Context, id string) (*Permission, error)
	FindPermission(ctx context.Context, resource, action string, scope Scope) (*Permission, error)
	ListPermissions(ctx context.Context) ([]*Permission, error)

	// BindPermission and UnbindPermission are idempotent; changed reports
	// whether the binding set actually moved (and the version with it).
	BindPermission(ctx context.Context, roleID, permissionID string) (changed bool, version int64, err error)
	UnbindPermission(ctx context.Context, roleID, permissionID string) (changed bool, version int64, err error)
	RolePermissions(ctx context.Context, roleID string) ([]*Permission, error)

	VersionReader
}

// AssignmentStore persists user->role assignments and per-user overrides.
// Listing returns rows as stored, including expired ones; expiry is applied
// lazily at resolution time.
type AssignmentStore interface {
	UpsertAssignment(ctx context.Context, a *UserRoleAssignment) error
	DeleteAssignment(ctx context.Context, userID, roleID string) (bool, error)
	ListAssignments(ctx context.Context, userID string) ([]*UserRoleAssignment, error)
	ListUsersForRole(ctx context.Context, roleID string) ([]string, error)

	UpsertOverride(ctx context.Context, o *UserPermissionOverride) error
	DeleteOverride(ctx context.Context, userID, permissionID string) (bool, error)
	ListOverrides(ctx context.Context, userID string) ([]*UserPermissionOverride, error)

	// PurgeExpired removes up to limit rows whose expiry is at or before the
	// given instant. Hygiene only: lazy expiry already excludes those rows.
	PurgeExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// AuditKind distinguishes administrative mutations from sampled decisions.
type AuditKind string

const (
	AuditMutation AuditKind = "mutation"
	AuditDecision AuditKind = "decision"
)

// AuditRecord is an immutable, append-only trail entry.
type AuditRecord struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Kind         AuditKind      `json:"kind"`
	Actor        string         `json:"actor,omitempty"`
	Action       string         `json:"action"`
	UserID       string         `json:"user_id,omitempty"`
	RoleID       string         `json:"role_id,omitempty"`
	PermissionID string         `json:"permission_id,omitempty"`
	Outcome      string         `json:"outcome,omitempty"`
	Critical     bool           `json:"critical,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// AuditFilter selects audit records.
type AuditFilter struct {
	Kind   AuditKind
	UserID string
	Action string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// AuditStore persists the audit trail. Records are never mutated or deleted
// by this engine.
type AuditStore interface {
	Append(ctx context.Context, rec *AuditRecord) error
	List(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error)
}
