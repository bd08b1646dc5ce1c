package store

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// migrationLockID keys the Postgres advisory lock held while migrating.
const migrationLockID = 8675309

// migrate applies every .sql file under dir not yet recorded in
// schema_migrations, in lexicographic order, inside one transaction.
func migrate(ctx context.Context, c conn, dir, lockSQL string) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return eris.Wrapf(err, "store: read migration dir %s", dir)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	return c.inTx(ctx, func(q querier) error {
		if lockSQL != "" {
			if _, err := q.exec(ctx, lockSQL); err != nil {
				return eris.Wrap(err, "store: acquire migration lock")
			}
		}
		if _, err := q.exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
			return eris.Wrap(err, "store: ensure migration table")
		}

		applied, err := appliedMigrations(ctx, q)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			name := entry.Name()
			if applied[name] {
				continue
			}
			data, err := migrationFS.ReadFile(dir + "/" + name)
			if err != nil {
				return eris.Wrapf(err, "store: read migration %s", name)
			}

			log.Info("applying migration", zap.String("file", name))
			if _, err := q.exec(ctx, string(data)); err != nil {
				return eris.Wrapf(err, "store: apply migration %s", name)
			}
			if _, err := q.exec(ctx,
				`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`,
				name, time.Now().UTC(),
			); err != nil {
				return eris.Wrapf(err, "store: record migration %s", name)
			}
		}
		return nil
	})
}

func appliedMigrations(ctx context.Context, q querier) (map[string]bool, error) {
	rs, err := q.query(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return nil, eris.Wrap(err, "store: query applied migrations")
	}
	defer rs.Close()

	applied := make(map[string]bool)
	for rs.Next() {
		var name string
		if err := rs.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "store: scan migration row")
		}
		applied[name] = true
	}
	return applied, rs.Err()
}
