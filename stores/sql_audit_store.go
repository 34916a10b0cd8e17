package stores

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rbac"
)

// SQLAuditStore appends immutable audit rows. Nothing here updates or
// deletes; retention is an operator concern outside the engine.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

func (s *SQLAuditStore) Append(ctx context.Context, rec *rbac.AuditRecord) error {
	var detail any
	if len(rec.Detail) > 0 {
		b, err := json.Marshal(rec.Detail)
		if err != nil {
			return err
		}
		detail = string(b)
	}
	q := `INSERT INTO audit_log(id, timestamp, kind, actor, action, user_id, role_id, permission_id, outcome, critical, detail_json)
		VALUES(:id, :timestamp, :kind, :actor, :action, :user_id, :role_id, :permission_id, :outcome, :critical, :detail_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            rec.ID,
		"timestamp":     rec.Timestamp,
		"kind":          string(rec.Kind),
		"actor":         rec.Actor,
		"action":        rec.Action,
		"user_id":       rec.UserID,
		"role_id":       rec.RoleID,
		"permission_id": rec.PermissionID,
		"outcome":       rec.Outcome,
		"critical":      boolToInt(rec.Critical),
		"detail_json":   detail,
	})
	return err
}

func (s *SQLAuditStore) List(ctx context.Context, filter rbac.AuditFilter) ([]*rbac.AuditRecord, error) {
	var (
		conds []string
		args  = map[string]any{}
	)
	if filter.Kind != "" {
		conds = append(conds, "kind = :kind")
		args["kind"] = string(filter.Kind)
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = :user_id")
		args["user_id"] = filter.UserID
	}
	if filter.Action != "" {
		conds = append(conds, "action = :action")
		args["action"] = filter.Action
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "timestamp >= :since")
		args["since"] = filter.Since
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "timestamp <= :until")
		args["until"] = filter.Until
	}
	q := `SELECT id, timestamp, kind, actor, action, user_id, role_id, permission_id, outcome, critical, detail_json FROM audit_log`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		args["limit"] = filter.Limit
	}
	r, err := s.db.NamedQueryContext(ctx, q, args)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rbac.AuditRecord, 0)
	for r.Next() {
		var (
			rec                     rbac.AuditRecord
			kind                    string
			tsRaw                   any
			critical                int
			actor, outcome          *string
			userID, roleID, permID  *string
			detailJSON              *string
		)
		if err := r.Scan(&rec.ID, &tsRaw, &kind, &actor, &rec.Action, &userID, &roleID, &permID, &outcome, &critical, &detailJSON); err != nil {
			return nil, err
		}
		rec.Timestamp = scanTime(tsRaw)
		rec.Kind = rbac.AuditKind(kind)
		rec.Critical = critical != 0
		if actor != nil {
			rec.Actor = *actor
		}
		if outcome != nil {
			rec.Outcome = *outcome
		}
		if userID != nil {
			rec.UserID = *userID
		}
		if roleID != nil {
			rec.RoleID = *roleID
		}
		if permID != nil {
			rec.PermissionID = *permID
		}
		if detailJSON != nil && *detailJSON != "" {
			_ = json.Unmarshal([]byte(*detailJSON), &rec.Detail)
		}
		out = append(out, &rec)
	}
	return out, nil
}
