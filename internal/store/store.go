// Package store persists the content ledger, the reconciliation ledger, and
// runs in SQLite or Postgres.
package store

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kenshin-ledger/internal/ledger"
	"github.com/sells-group/kenshin-ledger/internal/model"
	"github.com/sells-group/kenshin-ledger/internal/reconcile"
	"github.com/sells-group/kenshin-ledger/internal/runs"
)

// ErrNotFound is returned by getters for unknown keys.
var ErrNotFound = eris.New("store: not found")

// Store is everything the pipeline persists.
type Store interface {
	ledger.Store
	reconcile.Store
	reconcile.SubscriberIndex
	runs.Store

	// PutSubscribers upserts identity master records by ID.
	PutSubscribers(ctx context.Context, subs []model.Subscriber) (int, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and tunes the backing database.
type Config struct {
	Driver string      `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string      `yaml:"dsn" mapstructure:"dsn"`
	Pool   *PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// Open connects to the configured database. It does not migrate.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "kenshin.db"
		}
		return NewSQLite(dsn)
	case "postgres", "postgresql", "pgx":
		if cfg.DSN == "" {
			return nil, eris.New("store: postgres dsn is required")
		}
		return NewPostgres(ctx, cfg.DSN, cfg.Pool)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
