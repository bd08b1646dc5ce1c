package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/kenshin-ledger/internal/db"
)

// errNoRows is the driver-neutral "no rows" error.
var errNoRows = eris.New("store: no rows")

type row interface {
	Scan(dest ...any) error
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// querier runs SQL written with ? placeholders.
type querier interface {
	exec(ctx context.Context, q string, args ...any) (int64, error)
	queryRow(ctx context.Context, q string, args ...any) row
	query(ctx context.Context, q string, args ...any) (rows, error)
}

// conn is a querier that can open transactions.
type conn interface {
	querier
	inTx(ctx context.Context, fn func(q querier) error) error
}

// --- database/sql (SQLite) ---

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqlConn struct {
	q  sqlQuerier
	db *sql.DB
}

func (c sqlConn) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := c.q.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c sqlConn) queryRow(ctx context.Context, q string, args ...any) row {
	return sqlRow{c.q.QueryRowContext(ctx, q, args...)}
}

func (c sqlConn) query(ctx context.Context, q string, args ...any) (rows, error) {
	r, err := c.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{r}, nil
}

func (c sqlConn) inTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "store: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(sqlConn{q: tx, db: c.db}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "store: commit tx")
}

type sqlRow struct{ r *sql.Row }

func (r sqlRow) Scan(dest ...any) error {
	err := r.r.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return errNoRows
	}
	return err
}

type sqlRows struct{ r *sql.Rows }

func (r sqlRows) Next() bool             { return r.r.Next() }
func (r sqlRows) Scan(dest ...any) error { return r.r.Scan(dest...) }
func (r sqlRows) Err() error             { return r.r.Err() }
func (r sqlRows) Close()                 { _ = r.r.Close() }

// --- pgx (Postgres) ---

type pgConn struct {
	pool db.Pool
	tx   pgx.Tx
}

func (c pgConn) exec(ctx context.Context, q string, args ...any) (int64, error) {
	q = rebind(q)
	if c.tx != nil {
		tag, err := c.tx.Exec(ctx, q, args...)
		return tag.RowsAffected(), err
	}
	tag, err := c.pool.Exec(ctx, q, args...)
	return tag.RowsAffected(), err
}

func (c pgConn) queryRow(ctx context.Context, q string, args ...any) row {
	q = rebind(q)
	if c.tx != nil {
		return pgRow{c.tx.QueryRow(ctx, q, args...)}
	}
	return pgRow{c.pool.QueryRow(ctx, q, args...)}
}

func (c pgConn) query(ctx context.Context, q string, args ...any) (rows, error) {
	q = rebind(q)
	var r pgx.Rows
	var err error
	if c.tx != nil {
		r, err = c.tx.Query(ctx, q, args...)
	} else {
		r, err = c.pool.Query(ctx, q, args...)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (c pgConn) inTx(ctx context.Context, fn func(q querier) error) error {
	if c.tx != nil {
		return fn(c)
	}
	return db.WithTx(ctx, c.pool, func(tx pgx.Tx) error {
		return fn(pgConn{pool: c.pool, tx: tx})
	})
}

type pgRow struct{ r pgx.Row }

func (r pgRow) Scan(dest ...any) error {
	err := r.r.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return errNoRows
	}
	return err
}

// rebind turns ? placeholders into $1, $2, ...
func rebind(q string) string {
	if !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
