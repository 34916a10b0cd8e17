package rbac

import (
	"context"
	"time"

	"github.com/oarkflow/rbac/logger"
)

// Sweeper purges expired assignment and override rows in the background.
// Hygiene only: lazy expiry already excludes those rows from every decision,
// so the sweep can run concurrently with live traffic without affecting
// correctness; it only bounds storage growth.
type Sweeper struct {
	assignments AssignmentStore
	interval    time.Duration
	batch       int
	clock       Clock
	log         logger.Logger
	stop        chan struct{}
	done        chan struct{}
}

// StartSweeper launches the background expiry sweep. Stop it via
// Sweeper.Stop or Engine.Close.
func (e *Engine) StartSweeper(interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 500
	}
	s := &Sweeper{
		assignments: e.assignments,
		interval:    interval,
		batch:       batch,
		clock:       e.clock,
		log:         e.log,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	e.sweeper = s
	go s.run()
	return s
}

// PurgeExpired runs a single foreground sweep, for admin tooling that wants
// expired rows gone now rather than waiting for the background cadence.
func (e *Engine) PurgeExpired(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	s := &Sweeper{assignments: e.assignments, batch: batch, clock: e.clock, log: e.log}
	return s.RunOnce(ctx)
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			n, err := s.RunOnce(context.Background())
			if err != nil {
				s.log.Error("expiry sweep failed", "err", err)
				continue
			}
			if n > 0 {
				s.log.Info("expiry sweep purged rows", "count", n)
			}
		}
	}
}

// RunOnce purges expired rows in batches until a batch comes back short.
// Idempotent: rerunning deletes nothing new.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.clock()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.assignments.PurgeExpired(ctx, now, s.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.batch {
			return total, nil
		}
	}
}

// Stop terminates the background loop and waits for it to exit.
func (s *Sweeper) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}
