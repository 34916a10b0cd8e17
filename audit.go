package rbac

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/rbac/logger"
)

// auditSink delivers records asynchronously, at-least-once effort: a full
// buffer or a failing store never blocks or fails the calling operation.
type auditSink struct {
	store   AuditStore
	ch      chan *AuditRecord
	wg      sync.WaitGroup
	log     logger.Logger
	dropped int64
	mu      sync.Mutex
	closed  bool
}

func newAuditSink(store AuditStore, buffer int, log logger.Logger) *auditSink {
	s := &auditSink{
		store: store,
		ch:    make(chan *AuditRecord, buffer),
		log:   log,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *auditSink) run() {
	defer s.wg.Done()
	bg := context.Background()
	for rec := range s.ch {
		if err := s.store.Append(bg, rec); err != nil {
			// one redelivery attempt, then log and move on
			if err := s.store.Append(bg, rec); err != nil {
				s.log.Error("audit append failed", "action", rec.Action, "id", rec.ID, "err", err)
			}
		}
	}
}

// enqueue never blocks: when the buffer is full the record is dropped and
// counted, which is preferable to stalling a mutation or a decision.
func (s *auditSink) enqueue(rec *AuditRecord) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.ch <- rec:
		s.mu.Unlock()
	default:
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		s.log.Error("audit buffer full, record dropped", "action", rec.Action, "dropped_total", n)
	}
}

// Close drains queued records and stops the worker.
func (s *auditSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.wg.Wait()
}

// withAudit runs a mutation and records its outcome, success or failure,
// without ever letting audit delivery affect the mutation result.
func (e *Engine) withAudit(rec *AuditRecord, fn func() error) error {
	err := fn()
	rec.ID = uuid.NewString()
	rec.Timestamp = e.clock()
	rec.Kind = AuditMutation
	if err != nil {
		rec.Outcome = errorClass(err)
	} else {
		rec.Outcome = "ok"
	}
	e.audit.enqueue(rec)
	return err
}

// auditDecision records a query decision. Undetermined outcomes are marked
// critical and always recorded; allowed/denied decisions arrive here only
// when sampling selected them.
func (e *Engine) auditDecision(userID, resource, action string, scope Scope, d *Decision, critical bool) {
	rec := &AuditRecord{
		ID:        uuid.NewString(),
		Timestamp: e.clock(),
		Kind:      AuditDecision,
		Action:    "check",
		UserID:    userID,
		Outcome:   string(d.Outcome),
		Critical:  critical,
		Detail: map[string]any{
			"resource": resource,
			"action":   action,
			"scope":    scope.String(),
			"source":   d.Source,
			"reason":   d.Reason,
		},
	}
	e.audit.enqueue(rec)
}

func errorClass(err error) string {
	switch {
	case IsValidation(err):
		return "validation_error"
	case IsConflict(err):
		return "conflict"
	case IsNotFound(err):
		return "not_found"
	case IsStoreUnavailable(err):
		return "store_unavailable"
	default:
		return "error"
	}
}

// Flush blocks until every record queued so far has been handed to the
// store. Intended for tests and orderly shutdown.
func (s *auditSink) Flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.ch) == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
