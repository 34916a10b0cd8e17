package rbac

import "context"

// VersionReader exposes the per-role monotonic counters that make cache
// invalidation cheap: a catalog mutation only moves the role's counter, and
// stale entries self-detect on their next read. The cache never needs to know
// which users a catalog change affects.
type VersionReader interface {
	// RoleVersions returns the current version for each requested role.
	// Roles that no longer exist are omitted from the result.
	RoleVersions(ctx context.Context, roleIDs []string) (map[string]int64, error)
}

// versionsCurrent reports whether a cached snapshot still matches the live
// counters. A role missing from current (deleted since the snapshot was
// taken) counts as a mismatch.
func versionsCurrent(snapshot, current map[string]int64) bool {
	for id, v := range snapshot {
		cv, ok := current[id]
		if !ok || cv != v {
			return false
		}
	}
	return true
}

// roleIDs extracts the keys of a version snapshot.
func roleIDs(snapshot map[string]int64) []string {
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	return ids
}
