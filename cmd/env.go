package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/config"
	"github.com/sells-group/catalog-sync/internal/consolidate"
	"github.com/sells-group/catalog-sync/internal/extract"
	"github.com/sells-group/catalog-sync/internal/fetcher"
	"github.com/sells-group/catalog-sync/internal/ledger"
	"github.com/sells-group/catalog-sync/internal/maintenance"
	"github.com/sells-group/catalog-sync/internal/pipeline"
	"github.com/sells-group/catalog-sync/internal/resilience"
	"github.com/sells-group/catalog-sync/internal/runlock"
	"github.com/sells-group/catalog-sync/internal/store"
	"github.com/sells-group/catalog-sync/internal/taxonomy"
	"github.com/sells-group/catalog-sync/internal/unknowns"
)

// appEnv holds the store and every component built on it.
type appEnv struct {
	Store        store.Store
	Policy       resilience.Policy
	Deferral     resilience.DeferConfig
	Ledger       *ledger.Ledger
	Consolidator *consolidate.Consolidator
	Tracker      *unknowns.Tracker
	Pipeline     *pipeline.Pipeline
	Ingester     *pipeline.Ingester
	Sweeper      *maintenance.Sweeper

	redis *redis.Client
}

// Close releases the store and the lock backend.
func (e *appEnv) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured backend and applies migrations.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	opts := store.Options{SettleWindow: time.Duration(c.Store.SettleWindowMs) * time.Millisecond}

	var st store.Store
	var err error
	switch c.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(c.Store.SQLitePath, opts)
	case "postgres":
		st, err = store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		}, opts)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// storePolicy is the resilience policy every store call goes through. One
// breaker is shared so repeated unreachable-store errors fail fast
// everywhere.
func storePolicy(c *config.Config) resilience.Policy {
	r := c.Pipeline.Retry
	return resilience.Policy{
		Timeout: time.Duration(c.Pipeline.CallTimeoutSecs) * time.Second,
		Retry:   resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction),
		Breaker: resilience.NewBreaker("store", resilience.FromCircuitConfig(
			c.Pipeline.Circuit.FailureThreshold,
			c.Pipeline.Circuit.ResetTimeoutSecs,
		)),
	}
}

// taxonomySource selects where runs read their taxonomy from.
func taxonomySource(c *config.Config, st store.Store) (pipeline.SnapshotSource, error) {
	switch c.Taxonomy.Source {
	case "store":
		return pipeline.StoredSnapshot{Store: st, Version: c.Taxonomy.Version}, nil
	case "file":
		snap, err := taxonomy.Load(c.Taxonomy.Path)
		if err != nil {
			return nil, err
		}
		logTaxonomy(snap)
		return pipeline.StaticSnapshot{Snap: snap}, nil
	default:
		snap, err := taxonomy.Default()
		if err != nil {
			return nil, err
		}
		logTaxonomy(snap)
		return pipeline.StaticSnapshot{Snap: snap}, nil
	}
}

func logTaxonomy(snap *taxonomy.Snapshot) {
	zap.L().Info("taxonomy loaded", zap.String("version", snap.Version()), zap.Int("rules", len(snap.Rules())))
	for _, w := range snap.Warnings() {
		zap.L().Warn("taxonomy warning", zap.String("warning", w))
	}
}

// initEnv validates the configuration, opens the store and wires the
// pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	env := &appEnv{
		Store:    st,
		Policy:   storePolicy(cfg),
		Deferral: resilience.FromDeferConfig(cfg.Pipeline.Deferred.MaxAttempts, cfg.Pipeline.Deferred.InitialBackoffSecs, cfg.Pipeline.Deferred.MaxBackoffSecs),
	}

	src, err := taxonomySource(cfg, st)
	if err != nil {
		env.Close()
		return nil, err
	}

	var locker runlock.Locker = runlock.NewLocal()
	if cfg.Pipeline.Lock == "redis" {
		env.redis, err = runlock.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			env.Close()
			return nil, err
		}
		locker = runlock.NewRedis(env.redis, "", time.Duration(cfg.Pipeline.LockTTLSecs)*time.Second)
	}

	env.Ledger = ledger.New(st, ledger.WithPolicy(env.Policy), ledger.WithDeferral(env.Deferral))
	env.Consolidator = consolidate.New(st, consolidate.Config{
		Workers:  cfg.Pipeline.Workers,
		Policy:   env.Policy,
		Deferral: env.Deferral,
	})
	env.Tracker = unknowns.New(st, unknowns.WithPolicy(env.Policy), unknowns.WithDeferral(env.Deferral))
	env.Pipeline = pipeline.New(pipeline.Deps{
		Staging:      st,
		Ledger:       env.Ledger,
		Consolidator: env.Consolidator,
		Tracker:      env.Tracker,
		Taxonomy:     src,
		Locker:       locker,
	}, pipeline.Config{
		TriggerTimeout: time.Duration(cfg.Pipeline.TriggerTimeoutSecs) * time.Second,
		Policy:         env.Policy,
	})

	extractors, err := extract.FromConfig(cfg.Vendors)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Ingester = pipeline.NewIngester(env.Pipeline, fetcher.NewResolver(cfg.Fetch), extractors)

	env.Sweeper = maintenance.NewSweeper(st, env.Ledger, env.Consolidator, env.Tracker, env.Pipeline, maintenance.SweepConfig{
		GracePeriod: time.Duration(cfg.Reconcile.GracePeriodMins) * time.Minute,
		BatchSize:   cfg.Reconcile.BatchSize,
		RatePerSec:  cfg.Reconcile.RatePerSec,
		Workers:     cfg.Reconcile.Workers,
		Deferral:    env.Deferral,
	})
	return env, nil
}
