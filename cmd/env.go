package main

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kenshin-ledger/internal/config"
	"github.com/sells-group/kenshin-ledger/internal/fetcher"
	"github.com/sells-group/kenshin-ledger/internal/ingest"
	"github.com/sells-group/kenshin-ledger/internal/judge"
	"github.com/sells-group/kenshin-ledger/internal/ledger"
	"github.com/sells-group/kenshin-ledger/internal/normalize"
	"github.com/sells-group/kenshin-ledger/internal/reconcile"
	"github.com/sells-group/kenshin-ledger/internal/reference"
	"github.com/sells-group/kenshin-ledger/internal/runs"
	"github.com/sells-group/kenshin-ledger/internal/store"
)

// storeConfig maps the store section onto the store package's settings.
func storeConfig(c config.StoreConfig) store.Config {
	sc := store.Config{Driver: c.Driver}
	switch strings.ToLower(c.Driver) {
	case "postgres", "postgresql", "pgx":
		sc.DSN = c.DatabaseURL
		sc.Pool = &store.PoolConfig{MaxConns: int32(c.MaxConns), MinConns: int32(c.MinConns)}
	default:
		sc.DSN = c.SQLitePath
	}
	return sc
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, storeConfig(cfg.Store))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// env holds everything the ingest, judge, events, and serve commands need.
type env struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Runs      *runs.Coordinator
	Reconcile *reconcile.Service
	locker    *ledger.RedisLocker
}

// Close releases the store and the lock client.
func (e *env) Close() {
	if e.locker != nil {
		_ = e.locker.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the configuration for mode and wires the ledgers.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*env, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	e := &env{Store: st}

	var opts []ledger.Option
	if cfg.Lock.RedisURL != "" {
		ttl := time.Duration(cfg.Lock.TTLSecs) * time.Second
		e.locker, err = ledger.NewRedisLocker(ctx, cfg.Lock.RedisURL, ttl)
		if err != nil {
			e.Close()
			return nil, err
		}
		opts = append(opts, ledger.WithLocker(e.locker))
		zap.L().Info("using redis hash locks", zap.Duration("ttl", ttl))
	}

	e.Ledger = ledger.New(st, opts...)
	e.Runs = runs.New(st)
	e.Reconcile = reconcile.NewService(st, reconcile.NewMatcher(st, reconcile.MatchConfig{
		ExcludedEventTypes: cfg.Match.ExcludedEventTypes,
		RequireBirthDate:   cfg.Match.RequireBirthDate,
	}))
	return e, nil
}

// pipeline loads the reference snapshot fresh and builds an ingest pipeline
// over env.
func (e *env) pipeline(referencePath string, workers int, reprocess bool) (*ingest.Pipeline, error) {
	if referencePath == "" {
		referencePath = cfg.Ingest.ReferencePath
	}
	snap, err := reference.LoadFile(referencePath)
	if err != nil {
		return nil, err
	}
	jdg, err := judge.New(snap)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = cfg.Ingest.Workers
	}
	zap.L().Info("reference snapshot loaded",
		zap.String("path", referencePath),
		zap.String("version", snap.Version()),
	)
	return ingest.New(ingest.Config{
		Workers:        workers,
		FilesPerSecond: cfg.Ingest.FilesPerSecond,
		SourceSystem:   cfg.Ingest.SourceSystem,
		SourceTable:    cfg.Ingest.SourceTable,
		EventType:      cfg.Ingest.EventType,
		Reprocess:      reprocess || cfg.Ingest.Reprocess,
		RetryAttempts:  cfg.Ingest.Retries,
	}, e.Runs, e.Ledger, fetcher.NewCDAExtractor(), normalize.NewEngine(snap), jdg, e.Reconcile), nil
}
