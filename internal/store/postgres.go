package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/kenshin-ledger/internal/db"
	"github.com/sells-group/kenshin-ledger/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	*sqlStore
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return NewPostgresWithPool(pool), nil
}

// NewPostgresWithPool wraps an existing pool. Tests pass a pgxmock pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{
		sqlStore: &sqlStore{c: pgConn{pool: pool}},
		pool:     pool,
		closeFn:  pool.Close,
	}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	lock := fmt.Sprintf("SELECT pg_advisory_xact_lock(%d)", migrationLockID)
	return eris.Wrap(migrate(ctx, s.c, "migrations/postgres", lock), "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

var itemUpsert = db.UpsertConfig{
	Table: "item_values",
	Columns: []string{
		"xml_hash", "item_code", "occurrence", "raw_value", "presence", "null_flavor", "value_type",
		"unit", "code_system", "code_value", "code_display", "run_id", "superseded_by_run_id",
		"normalization", "updated_at",
	},
	ConflictKeys: []string{"xml_hash", "item_code", "occurrence"},
}

// ReplaceItemValues stages the document's values with COPY and merges them
// in one statement, then supersedes rows from other runs.
func (s *PostgresStore) ReplaceItemValues(ctx context.Context, xmlHash, runID string, values []model.ItemValue, at time.Time) (int64, error) {
	rows := make([][]any, 0, len(values))
	for _, v := range values {
		rows = append(rows, []any{
			v.XmlHash, v.ItemCode, v.Occurrence, v.RawValue, string(v.Presence), v.NullFlavor, v.ValueType,
			v.Unit, v.CodeSystem, v.CodeValue, v.CodeDisplay, v.RunID, nil,
			nil, at,
		})
	}

	var superseded int64
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := db.BulkUpsert(ctx, tx, itemUpsert, rows); err != nil {
			return eris.Wrap(err, "postgres: upsert item values")
		}
		n, err := supersede(ctx, pgConn{pool: s.pool, tx: tx}, xmlHash, runID, at)
		superseded = n
		return err
	})
	return superseded, err
}
