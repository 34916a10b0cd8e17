package rbac

import (
	"context"
	"fmt"
	"sort"
)

// Check answers "may userID perform action on resource at scope, right now".
// A storage failure degrades to Undetermined plus a critical audit entry; it
// never resolves to an allow.
func (e *Engine) Check(ctx context.Context, userID, resource, action string, scope Scope) (*Decision, error) {
	if userID == "" || resource == "" || action == "" {
		return nil, errValidation("user, resource and action are required")
	}
	if !scope.Valid() {
		return nil, errValidation("invalid scope")
	}
	set, err := e.effectiveSet(ctx, userID)
	if err != nil {
		d := &Decision{Outcome: OutcomeUndetermined, Reason: err.Error(), Timestamp: e.clock()}
		e.auditDecision(userID, resource, action, scope, d, true)
		return d, err
	}
	d := set.Decide(resource, action, scope, e.clock())
	if e.sampleRate > 0 && e.sample() < e.sampleRate {
		e.auditDecision(userID, resource, action, scope, d, false)
	}
	return d, nil
}

// EffectivePermissions returns the user's full resolved grant set, sorted by
// resource then action. Pairs shadowed by a deny override are excluded.
func (e *Engine) EffectivePermissions(ctx context.Context, userID string) ([]Grant, error) {
	if userID == "" {
		return nil, errValidation("user is required")
	}
	set, err := e.effectiveSet(ctx, userID)
	if err != nil {
		return nil, err
	}
	grants := make([]Grant, 0, len(set.Grants))
	for key, g := range set.Grants {
		if _, denied := set.Denies[key]; denied {
			continue
		}
		grants = append(grants, g)
	}
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].Resource != grants[j].Resource {
			return grants[i].Resource < grants[j].Resource
		}
		return grants[i].Action < grants[j].Action
	})
	return grants, nil
}

// Explain resolves the user fresh (bypassing the cache) and returns the
// decision with a human-readable trace of every contribution.
func (e *Engine) Explain(ctx context.Context, userID, resource, action string, scope Scope) (*Decision, error) {
	if userID == "" || resource == "" || action == "" {
		return nil, errValidation("user, resource and action are required")
	}
	if !scope.Valid() {
		return nil, errValidation("invalid scope")
	}
	trace := make([]string, 0, 8)
	set, err := e.resolve(ctx, userID, &trace)
	if err != nil {
		d := &Decision{Outcome: OutcomeUndetermined, Reason: err.Error(), Trace: trace, Timestamp: e.clock()}
		return d, err
	}
	d := set.Decide(resource, action, scope, e.clock())
	trace = append(trace, fmt.Sprintf("decision %s:%s@%s -> %s (%s)", resource, action, scope, d.Outcome, d.Reason))
	d.Trace = trace
	return d, nil
}

// effectiveSet returns a fresh set from cache or resolves one, collapsing
// concurrent misses for the same user into a single store read.
func (e *Engine) effectiveSet(ctx context.Context, userID string) (*EffectiveSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if set, ok := e.cache.Get(ctx, userID); ok {
		return set, nil
	}
	v, err, _ := e.group.Do(userID, func() (any, error) {
		if set, ok := e.cache.Get(ctx, userID); ok {
			return set, nil
		}
		set, err := e.resolve(ctx, userID, nil)
		if err != nil {
			return nil, err
		}
		e.cache.Put(ctx, set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*EffectiveSet), nil
}

// resolve computes the effective permission set from the stores:
//
//  1. active assignments, expanded through the role hierarchy;
//  2. additive union of every held role's grants, broadest scope per
//     (resource, action) pair; priority never suppresses a grant;
//  3. overrides applied on top: deny is absolute, allow adds a grant
//     exactly as a role would.
//
// The role versions read here become the cache entry's staleness stamp.
func (e *Engine) resolve(ctx context.Context, userID string, trace *[]string) (*EffectiveSet, error) {
	now := e.clock()
	set := &EffectiveSet{
		UserID:       userID,
		Grants:       make(map[GrantKey]Grant),
		Denies:       make(map[GrantKey]string),
		RoleVersions: make(map[string]int64),
		ComputedAt:   now,
	}

	var assignments []*UserRoleAssignment
	err := e.withStoreRetry(ctx, "list assignments", func(ctx context.Context) error {
		var err error
		assignments, err = e.assignments.ListAssignments(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Expand held roles through the parent hierarchy. Cycles are rejected at
	// SetRoleParent time; the visited map is the resolve-time guard against a
	// corrupted store.
	held := make(map[string]*Role)
	order := make([]*Role, 0, len(assignments))
	for _, a := range assignments {
		if !a.Active(now) {
			continue
		}
		for id := a.RoleID; id != ""; {
			if _, ok := held[id]; ok {
				break
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			role, err := e.getRole(ctx, id)
			if err != nil {
				if IsNotFound(err) {
					break // dangling assignment or parent edge
				}
				return nil, err
			}
			held[id] = role
			order = append(order, role)
			id = role.ParentID
		}
	}
	if trace != nil {
		for _, r := range order {
			*trace = append(*trace, fmt.Sprintf("role %s (%s) v%d priority=%d", r.Name, r.ID, r.Version, r.Priority))
		}
	}

	for _, role := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		perms, err := e.rolePermissions(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		set.RoleVersions[role.ID] = role.Version
		for _, p := range perms {
			mergeRoleGrant(set, p, role)
			if trace != nil {
				*trace = append(*trace, fmt.Sprintf("  grant %s:%s@%s via %s", p.Resource, p.Action, p.Scope, role.Name))
			}
		}
	}

	var overrides []*UserPermissionOverride
	err = e.withStoreRetry(ctx, "list overrides", func(ctx context.Context) error {
		var err error
		overrides, err = e.assignments.ListOverrides(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		if !o.Active(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		perm, err := e.getPermission(ctx, o.PermissionID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		key := perm.Key()
		if !o.Allow {
			set.Denies[key] = perm.ID
			if trace != nil {
				*trace = append(*trace, fmt.Sprintf("  deny override %s:%s (%s)", perm.Resource, perm.Action, o.Reason))
			}
			continue
		}
		g, ok := set.Grants[key]
		if !ok {
			g = Grant{Resource: perm.Resource, Action: perm.Action}
		}
		if perm.Scope > g.Scope {
			g.Scope = perm.Scope
		}
		g.Override = true
		set.Grants[key] = g
		if trace != nil {
			*trace = append(*trace, fmt.Sprintf("  allow override %s:%s@%s (%s)", perm.Resource, perm.Action, perm.Scope, o.Reason))
		}
	}

	sortGrantSources(set, held)
	return set, nil
}

// mergeRoleGrant folds one role-derived permission into the union.
func mergeRoleGrant(set *EffectiveSet, p *Permission, role *Role) {
	key := p.Key()
	g, ok := set.Grants[key]
	if !ok {
		g = Grant{Resource: p.Resource, Action: p.Action}
	}
	if p.Scope > g.Scope {
		g.Scope = p.Scope
	}
	if p.Scope > g.RoleScope {
		g.RoleScope = p.Scope
	}
	present := false
	for _, id := range g.Roles {
		if id == role.ID {
			present = true
			break
		}
	}
	if !present {
		g.Roles = append(g.Roles, role.ID)
	}
	set.Grants[key] = g
}

// sortGrantSources orders each grant's contributing roles by priority (desc)
// then name, so "which role granted this" reads stably in audit output.
func sortGrantSources(set *EffectiveSet, held map[string]*Role) {
	for key, g := range set.Grants {
		if len(g.Roles) < 2 {
			continue
		}
		sort.Slice(g.Roles, func(i, j int) bool {
			a, b := held[g.Roles[i]], held[g.Roles[j]]
			if a == nil || b == nil {
				return g.Roles[i] < g.Roles[j]
			}
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.Name < b.Name
		})
		set.Grants[key] = g
	}
}

func (e *Engine) getRole(ctx context.Context, id string) (*Role, error) {
	var role *Role
	err := e.withStoreRetry(ctx, "get role", func(ctx context.Context) error {
		var err error
		role, err = e.catalog.GetRole(ctx, id)
		return err
	})
	return role, err
}

func (e *Engine) getPermission(ctx context.Context, id string) (*Permission, error) {
	var perm *Permission
	err := e.withStoreRetry(ctx, "get permission", func(ctx context.Context) error {
		var err error
		perm, err = e.catalog.GetPermission(ctx, id)
		return err
	})
	return perm, err
}

func (e *Engine) rolePermissions(ctx context.Context, roleID string) ([]*Permission, error) {
	var perms []*Permission
	err := e.withStoreRetry(ctx, "role permissions", func(ctx context.Context) error {
		var err error
		perms, err = e.catalog.RolePermissions(ctx, roleID)
		return err
	})
	return perms, err
}
