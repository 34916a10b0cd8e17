package stores

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/rbac"
)

func newTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestSQLCatalogRoleRoundtrip(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLCatalogStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	role := &rbac.Role{ID: "r1", Name: "clerk", Priority: 10, Version: 1, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateRole(ctx, role); err != nil {
		t.Fatalf("create role: %v", err)
	}

	got, err := store.GetRole(ctx, "r1")
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if got.Name != "clerk" || got.Priority != 10 || got.Version != 1 || got.IsSystem {
		t.Fatalf("unexpected role: %+v", got)
	}

	byName, err := store.GetRoleByName(ctx, "clerk")
	if err != nil || byName.ID != "r1" {
		t.Fatalf("get by name: %+v %v", byName, err)
	}

	if err := store.CreateRole(ctx, &rbac.Role{ID: "r2", Name: "clerk", Version: 1}); !rbac.IsConflict(err) {
		t.Fatalf("expected conflict on duplicate name, got %v", err)
	}
	if _, err := store.GetRole(ctx, "missing"); !rbac.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLCatalogBindBumpsVersion(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLCatalogStore(db)
	ctx := context.Background()

	if err := store.CreateRole(ctx, &rbac.Role{ID: "r1", Name: "clerk", Version: 1}); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := store.CreatePermission(ctx, &rbac.Permission{ID: "p1", Resource: "invoice", Action: "read", Scope: rbac.ScopeOwn}); err != nil {
		t.Fatalf("create permission: %v", err)
	}

	changed, v, err := store.BindPermission(ctx, "r1", "p1")
	if err != nil || !changed || v != 2 {
		t.Fatalf("bind: changed=%v v=%d err=%v", changed, v, err)
	}

	// Idempotent rebind: no change, no bump.
	changed, v, err = store.BindPermission(ctx, "r1", "p1")
	if err != nil || changed || v != 2 {
		t.Fatalf("rebind: changed=%v v=%d err=%v", changed, v, err)
	}

	perms, err := store.RolePermissions(ctx, "r1")
	if err != nil || len(perms) != 1 || perms[0].ID != "p1" {
		t.Fatalf("role permissions: %+v %v", perms, err)
	}

	changed, v, err = store.UnbindPermission(ctx, "r1", "p1")
	if err != nil || !changed || v != 3 {
		t.Fatalf("unbind: changed=%v v=%d err=%v", changed, v, err)
	}

	versions, err := store.RoleVersions(ctx, []string{"r1", "ghost"})
	if err != nil {
		t.Fatalf("role versions: %v", err)
	}
	if versions["r1"] != 3 {
		t.Fatalf("expected version 3, got %+v", versions)
	}
	if _, ok := versions["ghost"]; ok {
		t.Fatal("unknown roles must be omitted, not zero-valued")
	}
}

func TestSQLCatalogSetRoleParentCAS(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLCatalogStore(db)
	ctx := context.Background()

	if err := store.CreateRole(ctx, &rbac.Role{ID: "child", Name: "child", Version: 1}); err != nil {
		t.Fatalf("create child: %v", err)
	}
	if err := store.CreateRole(ctx, &rbac.Role{ID: "parent", Name: "parent", Version: 1}); err != nil {
		t.Fatalf("create parent: %v", err)
	}

	v, err := store.SetRoleParent(ctx, "child", "parent", 1)
	if err != nil || v != 2 {
		t.Fatalf("set parent: v=%d err=%v", v, err)
	}
	got, err := store.GetRole(ctx, "child")
	if err != nil || got.ParentID != "parent" {
		t.Fatalf("parent edge not persisted: %+v %v", got, err)
	}

	// Stale version loses the race.
	if _, err := store.SetRoleParent(ctx, "child", "", 1); !rbac.IsConflict(err) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}
	if _, err := store.SetRoleParent(ctx, "ghost", "", 1); !rbac.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	// Clearing the edge with the current version.
	if _, err := store.SetRoleParent(ctx, "child", "", 2); err != nil {
		t.Fatalf("clear parent: %v", err)
	}
	got, _ = store.GetRole(ctx, "child")
	if got.ParentID != "" {
		t.Fatalf("expected cleared parent, got %q", got.ParentID)
	}
}

func TestSQLCatalogPermissionTripleUnique(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLCatalogStore(db)
	ctx := context.Background()

	p := &rbac.Permission{ID: "p1", Resource: "invoice", Action: "read", Scope: rbac.ScopeOwn}
	if err := store.CreatePermission(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := &rbac.Permission{ID: "p2", Resource: "invoice", Action: "read", Scope: rbac.ScopeOwn}
	if err := store.CreatePermission(ctx, dup); !rbac.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	found, err := store.FindPermission(ctx, "invoice", "read", rbac.ScopeOwn)
	if err != nil || found.ID != "p1" {
		t.Fatalf("find: %+v %v", found, err)
	}
}

func TestSQLAssignmentUpsertRefreshesRow(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLAssignmentStore(db)
	ctx := context.Background()

	assigned := time.Now().UTC().Truncate(time.Second)
	first := &rbac.UserRoleAssignment{
		UserID: "u1", RoleID: "r1",
		AssignedAt: assigned,
		ExpiresAt:  assigned.Add(time.Hour),
		AssignedBy: "admin",
	}
	if err := store.UpsertAssignment(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	refreshed := *first
	refreshed.ExpiresAt = assigned.Add(2 * time.Hour)
	refreshed.AssignedBy = "other"
	if err := store.UpsertAssignment(ctx, &refreshed); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	rows, err := store.ListAssignments(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("upsert must keep a single row, got %d", len(rows))
	}
	if !rows[0].ExpiresAt.Equal(refreshed.ExpiresAt) || rows[0].AssignedBy != "other" {
		t.Fatalf("row not refreshed: %+v", rows[0])
	}

	users, err := store.ListUsersForRole(ctx, "r1")
	if err != nil || len(users) != 1 || users[0] != "u1" {
		t.Fatalf("users for role: %+v %v", users, err)
	}

	found, err := store.DeleteAssignment(ctx, "u1", "r1")
	if err != nil || !found {
		t.Fatalf("delete: found=%v err=%v", found, err)
	}
	found, err = store.DeleteAssignment(ctx, "u1", "r1")
	if err != nil || found {
		t.Fatalf("redelete must be a no-op: found=%v err=%v", found, err)
	}
}

func TestSQLOverrideRoundtrip(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLAssignmentStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	o := &rbac.UserPermissionOverride{
		UserID: "u1", PermissionID: "p1",
		Allow: false, Reason: "incident",
		GrantedBy: "sec", CreatedAt: now,
	}
	if err := store.UpsertOverride(ctx, o); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Re-granting replaces in place.
	o2 := *o
	o2.Allow = true
	o2.Reason = "cleared"
	if err := store.UpsertOverride(ctx, &o2); err != nil {
		t.Fatalf("replace: %v", err)
	}

	rows, err := store.ListOverrides(ctx, "u1")
	if err != nil || len(rows) != 1 {
		t.Fatalf("list: %+v %v", rows, err)
	}
	if !rows[0].Allow || rows[0].Reason != "cleared" {
		t.Fatalf("replacement lost: %+v", rows[0])
	}
	if !rows[0].ExpiresAt.IsZero() {
		t.Fatalf("null expiry must scan as zero, got %v", rows[0].ExpiresAt)
	}
}

func TestSQLPurgeExpiredHonorsLimit(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLAssignmentStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	expired := now.Add(-time.Hour)
	for _, userID := range []string{"u1", "u2", "u3"} {
		a := &rbac.UserRoleAssignment{UserID: userID, RoleID: "r1", AssignedAt: now.Add(-2 * time.Hour), ExpiresAt: expired}
		if err := store.UpsertAssignment(ctx, a); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	keeper := &rbac.UserRoleAssignment{UserID: "u4", RoleID: "r1", AssignedAt: now}
	if err := store.UpsertAssignment(ctx, keeper); err != nil {
		t.Fatalf("upsert keeper: %v", err)
	}
	o := &rbac.UserPermissionOverride{UserID: "u1", PermissionID: "p1", Allow: true, ExpiresAt: expired, CreatedAt: now}
	if err := store.UpsertOverride(ctx, o); err != nil {
		t.Fatalf("upsert override: %v", err)
	}

	n, err := store.PurgeExpired(ctx, now, 2)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Fatalf("limit must cap the batch, got %d", n)
	}
	n, err = store.PurgeExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("purge rest: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected the remaining 2 rows, got %d", n)
	}

	// The row without expiry survives every sweep.
	rows, err := store.ListAssignments(ctx, "u4")
	if err != nil || len(rows) != 1 {
		t.Fatalf("keeper must survive: %+v %v", rows, err)
	}
}

func TestSQLAuditAppendAndFilter(t *testing.T) {
	db := newTestDB(t)
	store := NewSQLAuditStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	recs := []*rbac.AuditRecord{
		{ID: "a1", Timestamp: base, Kind: rbac.AuditMutation, Action: "define_role", RoleID: "r1", Outcome: "ok"},
		{ID: "a2", Timestamp: base.Add(time.Second), Kind: rbac.AuditDecision, Action: "check", UserID: "u1", Outcome: "undetermined", Critical: true, Detail: map[string]any{"resource": "invoice"}},
		{ID: "a3", Timestamp: base.Add(2 * time.Second), Kind: rbac.AuditMutation, Action: "assign_role", UserID: "u1", RoleID: "r1", Outcome: "ok"},
	}
	for _, rec := range recs {
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("append %s: %v", rec.ID, err)
		}
	}

	got, err := store.List(ctx, rbac.AuditFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records for u1, got %d", len(got))
	}
	// Newest first.
	if got[0].ID != "a3" || got[1].ID != "a2" {
		t.Fatalf("expected newest first, got %s %s", got[0].ID, got[1].ID)
	}

	got, err = store.List(ctx, rbac.AuditFilter{Kind: rbac.AuditDecision})
	if err != nil || len(got) != 1 {
		t.Fatalf("kind filter: %+v %v", got, err)
	}
	if !got[0].Critical || got[0].Detail["resource"] != "invoice" {
		t.Fatalf("detail roundtrip lost: %+v", got[0])
	}

	got, err = store.List(ctx, rbac.AuditFilter{Since: base.Add(time.Second), Limit: 1})
	if err != nil || len(got) != 1 {
		t.Fatalf("since+limit: %+v %v", got, err)
	}
}
