package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/oarkflow/rbac/logger"
)

func TestMutationsAreAudited(t *testing.T) {
	env := newTestEnv(t)
	perm := env.definePerm(t, "invoice", "read", ScopeOwn)
	role := env.defineRole(t, "clerk", 1)
	env.bind(t, role.ID, perm.ID)
	env.assign(t, "user-1", role.ID)

	env.engine.audit.Flush(time.Second)
	recs, err := env.audit.List(context.Background(), AuditFilter{Kind: AuditMutation})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	actions := make(map[string]int)
	for _, r := range recs {
		actions[r.Action]++
		if r.ID == "" || r.Timestamp.IsZero() {
			t.Fatalf("record missing identity: %+v", r)
		}
		if r.Outcome != "ok" {
			t.Fatalf("successful mutation must record ok, got %+v", r)
		}
	}
	for _, want := range []string{"define_permission", "define_role", "bind_permission", "assign_role"} {
		if actions[want] != 1 {
			t.Fatalf("expected one %s record, got %+v", want, actions)
		}
	}
}

func TestFailedMutationAuditedWithErrorClass(t *testing.T) {
	env := newTestEnv(t)
	env.defineRole(t, "admin", 1)
	if _, err := env.engine.DefineRole(context.Background(), "admin", 2); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	env.engine.audit.Flush(time.Second)
	recs, err := env.audit.List(context.Background(), AuditFilter{Kind: AuditMutation, Action: "define_role"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("both attempts must be recorded, got %d", len(recs))
	}
	outcomes := map[string]bool{}
	for _, r := range recs {
		outcomes[r.Outcome] = true
	}
	if !outcomes["ok"] || !outcomes["conflict"] {
		t.Fatalf("expected ok and conflict outcomes, got %+v", outcomes)
	}
}

func TestDecisionSampling(t *testing.T) {
	env := newTestEnv(t, WithDecisionSampling(1.0))
	env.engine.sample = func() float64 { return 0.5 }
	role := env.defineRole(t, "clerk", 1)
	env.assign(t, "user-1", role.ID)

	if _, err := env.engine.Check(context.Background(), "user-1", "invoice", "read", ScopeOwn); err != nil {
		t.Fatalf("check: %v", err)
	}
	env.engine.audit.Flush(time.Second)
	recs, err := env.audit.List(context.Background(), AuditFilter{Kind: AuditDecision})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("sampled decision must be recorded, got %d", len(recs))
	}
	if recs[0].Critical {
		t.Fatal("a routine sampled decision is not critical")
	}
	if recs[0].Detail["resource"] != "invoice" {
		t.Fatalf("decision detail missing: %+v", recs[0].Detail)
	}
}

func TestSamplingDisabledRecordsNothing(t *testing.T) {
	env := newTestEnv(t)
	role := env.defineRole(t, "clerk", 1)
	env.assign(t, "user-1", role.ID)

	if _, err := env.engine.Check(context.Background(), "user-1", "invoice", "read", ScopeOwn); err != nil {
		t.Fatalf("check: %v", err)
	}
	env.engine.audit.Flush(time.Second)
	recs, err := env.audit.List(context.Background(), AuditFilter{Kind: AuditDecision})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("sampling off must record no routine decisions, got %d", len(recs))
	}
}

func TestAuditSinkDropsWhenFullWithoutBlocking(t *testing.T) {
	store := &blockingAuditStore{release: make(chan struct{})}
	sink := newAuditSink(store, 1, logger.NewNullLogger())
	defer func() {
		close(store.release)
		sink.Close()
	}()

	// First record occupies the worker, second fills the buffer, the rest
	// must drop instead of blocking the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			sink.enqueue(&AuditRecord{ID: "r", Action: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue must never block")
	}
}

type blockingAuditStore struct {
	release chan struct{}
}

func (s *blockingAuditStore) Append(ctx context.Context, rec *AuditRecord) error {
	<-s.release
	return nil
}

func (s *blockingAuditStore) List(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	return nil, nil
}

func TestAuditLogQueryPassthrough(t *testing.T) {
	env := newTestEnv(t)
	env.defineRole(t, "clerk", 1)
	env.engine.audit.Flush(time.Second)

	recs, err := env.engine.AuditLog(context.Background(), AuditFilter{Action: "define_role"})
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
}
