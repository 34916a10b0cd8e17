package stores

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/rbac"
)

// NewEngineFromConfig builds a fully wired engine from file/env config:
// SQL stores over the configured driver, and when redis is enabled, the
// shared cache tier plus the cross-process invalidation bus. The returned
// cleanup stops the bus listener and closes every connection; call it after
// Engine.Close.
func NewEngineFromConfig(cfg *rbac.Config, opts ...rbac.EngineOption) (*rbac.Engine, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if cfg.Store.Driver != "sqlite" {
		return nil, nil, fmt.Errorf("driver %q needs a caller-managed pool, use NewEngineFromDB", cfg.Store.Driver)
	}
	raw, err := sql.Open("sqlite", cfg.Store.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.Store.DSN == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		raw.SetMaxOpenConns(1)
	}
	db := squealx.NewDb(raw, "sqlite", "rbac")
	engine, cleanup, err := buildEngine(cfg, db, opts...)
	if err != nil {
		raw.Close()
		return nil, nil, err
	}
	wrapped := func() error {
		err := cleanup()
		if cerr := raw.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return engine, wrapped, nil
}

// NewEngineFromDB wires the engine over an existing squealx pool, for
// drivers this package does not link (postgres via pgx, etc).
func NewEngineFromDB(cfg *rbac.Config, db *squealx.DB, opts ...rbac.EngineOption) (*rbac.Engine, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return buildEngine(cfg, db, opts...)
}

func buildEngine(cfg *rbac.Config, db *squealx.DB, opts ...rbac.EngineOption) (*rbac.Engine, func() error, error) {
	if err := Migrate(db); err != nil {
		return nil, nil, err
	}
	catalog := NewSQLCatalogStore(db)
	assignments := NewSQLAssignmentStore(db)
	audit := NewSQLAuditStore(db)

	base := []rbac.EngineOption{
		rbac.WithCacheTTL(cfg.CacheTTL()),
		rbac.WithStoreTimeout(cfg.StoreTimeout()),
	}
	if cfg.Engine.AuditBuffer > 0 {
		base = append(base, rbac.WithAuditBuffer(cfg.Engine.AuditBuffer))
	}
	if cfg.Engine.DecisionSampleRate > 0 {
		base = append(base, rbac.WithDecisionSampling(cfg.Engine.DecisionSampleRate))
	}
	if cfg.Engine.LocalNumCounters > 0 || cfg.Engine.LocalMaxCost > 0 {
		base = append(base, rbac.WithLocalCache(rbac.LocalCacheConfig{
			NumCounters: cfg.Engine.LocalNumCounters,
			MaxCost:     cfg.Engine.LocalMaxCost,
		}))
	}

	var (
		client *redis.Client
		bus    *RedisInvalidationBus
	)
	if cfg.Redis.Addr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		bus = NewRedisInvalidationBus(client, cfg.Redis.Channel)
		base = append(base,
			rbac.WithSharedCache(NewRedisSharedCache(client)),
			rbac.WithBroadcaster(bus),
		)
	}

	engine, err := rbac.NewEngine(catalog, assignments, audit, append(base, opts...)...)
	if err != nil {
		if client != nil {
			client.Close()
		}
		return nil, nil, err
	}

	if cfg.Engine.SweepIntervalMS > 0 {
		engine.StartSweeper(cfg.SweepInterval(), cfg.Engine.SweepBatch)
	}

	stopListen := func() {}
	if bus != nil {
		var ctx context.Context
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		stopListen = cancel
		go func() {
			_ = bus.Listen(ctx, engine.DropLocal)
		}()
	}

	cleanup := func() error {
		stopListen()
		if client != nil {
			return client.Close()
		}
		return nil
	}
	return engine, cleanup, nil
}
