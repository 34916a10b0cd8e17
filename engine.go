package rbac

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oarkflow/rbac/logger"
)

// Clock abstracts time for tests; all expiry and TTL decisions go through it.
type Clock func() time.Time

// Engine wires the catalog, assignment store, resolver, two-tier cache,
// invalidation dispatcher and audit sink into the query and mutation API.
type Engine struct {
	catalog     CatalogStore
	assignments AssignmentStore
	cache       *Cache
	dispatcher  *Dispatcher
	audit       *auditSink

	log          logger.Logger
	clock        Clock
	group        singleflight.Group
	storeTimeout time.Duration
	sampleRate   float64
	sample       func() float64

	// construction-time knobs consumed by NewEngine
	localCfg    LocalCacheConfig
	cacheTTL    time.Duration
	shared      SharedCache
	hook        func(Event)
	broadcaster Broadcaster
	auditBuffer int

	sweeper *Sweeper
}

// EngineOption configures the engine at construction time.
type EngineOption func(e *Engine) error

// WithLogger installs a Logger on the engine.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.log = l
		return nil
	}
}

// WithClock replaces the time source (tests).
func WithClock(c Clock) EngineOption {
	return func(e *Engine) error {
		e.clock = c
		return nil
	}
}

// WithCacheTTL sets the staleness ceiling for cached effective sets.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl <= 0 {
			return errValidation("cache ttl must be positive")
		}
		e.cacheTTL = ttl
		return nil
	}
}

// WithLocalCache sizes the ristretto tier.
func WithLocalCache(cfg LocalCacheConfig) EngineOption {
	return func(e *Engine) error {
		e.localCfg = cfg
		return nil
	}
}

// WithSharedCache attaches a distributed cache tier.
func WithSharedCache(sc SharedCache) EngineOption {
	return func(e *Engine) error {
		e.shared = sc
		return nil
	}
}

// WithEventHook installs the in-process mutation event consumer.
func WithEventHook(fn func(Event)) EngineOption {
	return func(e *Engine) error {
		e.hook = fn
		return nil
	}
}

// WithBroadcaster fans point invalidations out to sibling processes.
func WithBroadcaster(b Broadcaster) EngineOption {
	return func(e *Engine) error {
		e.broadcaster = b
		return nil
	}
}

// WithStoreTimeout bounds each store call on the query hot path.
func WithStoreTimeout(d time.Duration) EngineOption {
	return func(e *Engine) error {
		if d <= 0 {
			return errValidation("store timeout must be positive")
		}
		e.storeTimeout = d
		return nil
	}
}

// WithDecisionSampling audits the given fraction of decisions (0 disables;
// Undetermined outcomes are always audited).
func WithDecisionSampling(rate float64) EngineOption {
	return func(e *Engine) error {
		if rate < 0 || rate > 1 {
			return errValidation("sample rate must be within [0,1]")
		}
		e.sampleRate = rate
		return nil
	}
}

// WithAuditBuffer sizes the async audit channel.
func WithAuditBuffer(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return errValidation("audit buffer must be positive")
		}
		e.auditBuffer = n
		return nil
	}
}

// NewEngine constructs an engine over the given stores.
func NewEngine(catalog CatalogStore, assignments AssignmentStore, auditStore AuditStore, opts ...EngineOption) (*Engine, error) {
	if catalog == nil || assignments == nil || auditStore == nil {
		return nil, errValidation("catalog, assignment and audit stores are required")
	}
	e := &Engine{
		catalog:      catalog,
		assignments:  assignments,
		log:          logger.NewNullLogger(),
		clock:        time.Now,
		storeTimeout: 2 * time.Second,
		cacheTTL:     30 * time.Second,
		auditBuffer:  1024,
		sample:       rand.Float64,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	cache, err := newCache(catalog, e.localCfg, e.cacheTTL, e.shared, e.clock, e.log)
	if err != nil {
		return nil, err
	}
	e.cache = cache
	e.dispatcher = newDispatcher(cache, assignments, e.hook, e.broadcaster, e.clock, e.log)
	e.audit = newAuditSink(auditStore, e.auditBuffer, e.log)
	return e, nil
}

// Dispatcher exposes the invalidation dispatcher for operators (bulk
// eviction, remote invalidation wiring).
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// DropLocal evicts one user from the local cache tier only; the remote
// invalidation listener calls this when a sibling process broadcast an
// eviction it already applied to the shared tier.
func (e *Engine) DropLocal(userID string) {
	e.cache.DropLocal(userID)
}

// AuditLog queries the audit trail.
func (e *Engine) AuditLog(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	return e.audit.store.List(ctx, filter)
}

// Close stops the background workers and releases the local cache. The
// audit sink is drained first so queued records are not lost.
func (e *Engine) Close() {
	if e.sweeper != nil {
		e.sweeper.Stop()
	}
	e.audit.Close()
	e.cache.Close()
}

// withStoreRetry runs fn with a per-attempt timeout and at most one retry,
// then degrades to StoreUnavailableError. Cancellation is surfaced as-is so
// callers can distinguish a disconnecting client from a down store.
func (e *Engine) withStoreRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		// Domain errors are definitive answers from the store, not outages.
		if IsNotFound(err) || IsValidation(err) || IsConflict(err) {
			return err
		}
		last = err
	}
	return &StoreUnavailableError{Op: op, Err: last}
}
