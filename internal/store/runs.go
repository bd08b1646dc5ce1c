package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

func (s *sqlStore) CreateRun(ctx context.Context, r model.Run) error {
	_, err := s.c.exec(ctx, `
		INSERT INTO runs (id, phase, source, input, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Phase), r.Source, r.Input, string(r.Status), r.StartedAt)
	return eris.Wrap(err, "store: create run")
}

const runColumns = `id, phase, source, input, status, started_at, finished_at,
	files, seen, inserted, updated, unchanged, skipped, errors, notes`

func scanRun(r row) (*model.Run, error) {
	var run model.Run
	var phase, status string
	c := &run.Counters
	if err := r.Scan(&run.ID, &phase, &run.Source, &run.Input, &status, &run.StartedAt, &run.FinishedAt,
		&c.Files, &c.Seen, &c.Inserted, &c.Updated, &c.Unchanged, &c.Skipped, &c.Errors, &run.Notes); err != nil {
		return nil, err
	}
	run.Phase, run.Status = model.RunPhase(phase), model.RunStatus(status)
	return &run, nil
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.c.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "store: get run %s", id)
	}
	return r, nil
}

func (s *sqlStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rs, err := s.c.query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list runs")
	}
	defer rs.Close()

	var out []model.Run
	for rs.Next() {
		r, err := scanRun(rs)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan run")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rs.Err(), "store: list runs")
}

// AddCounter only touches running runs. The column name comes from the
// closed Counter set, never from input.
func (s *sqlStore) AddCounter(ctx context.Context, id string, c model.Counter, n int64) (bool, error) {
	if !c.Valid() {
		return false, eris.Errorf("store: unknown counter %q", c)
	}
	col := string(c)
	rows, err := s.c.exec(ctx, `UPDATE runs SET `+col+` = `+col+` + ? WHERE id = ? AND status = ?`,
		n, id, string(model.RunStatusRunning))
	if err != nil {
		return false, eris.Wrapf(err, "store: add %s", col)
	}
	return rows == 1, nil
}

func (s *sqlStore) InsertRunError(ctx context.Context, e model.RunError) (bool, error) {
	var applied bool
	err := s.c.inTx(ctx, func(q querier) error {
		n, err := q.exec(ctx, `UPDATE runs SET errors = errors + 1 WHERE id = ? AND status = ?`,
			e.RunID, string(model.RunStatusRunning))
		if err != nil || n == 0 {
			return err
		}
		if _, err := q.exec(ctx, `
			INSERT INTO run_errors (run_id, kind, source, source_row, field, field_value, code, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.RunID, string(e.Kind), e.Source, e.SourceRow, e.Field, e.FieldValue, e.Code, e.Message, e.CreatedAt,
		); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, eris.Wrap(err, "store: insert run error")
}

func (s *sqlStore) RunErrors(ctx context.Context, runID string, limit int) ([]model.RunError, error) {
	if limit <= 0 {
		limit = 1000
	}
	rs, err := s.c.query(ctx, `
		SELECT id, run_id, kind, source, source_row, field, field_value, code, message, created_at
		FROM run_errors WHERE run_id = ? ORDER BY id LIMIT ?`, runID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: run errors")
	}
	defer rs.Close()

	var out []model.RunError
	for rs.Next() {
		var e model.RunError
		var kind string
		if err := rs.Scan(&e.ID, &e.RunID, &kind, &e.Source, &e.SourceRow, &e.Field, &e.FieldValue,
			&e.Code, &e.Message, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan run error")
		}
		e.Kind = model.ErrorKind(kind)
		out = append(out, e)
	}
	return out, eris.Wrap(rs.Err(), "store: run errors")
}

func (s *sqlStore) FinishRun(ctx context.Context, id string, status model.RunStatus, at time.Time) (bool, error) {
	n, err := s.c.exec(ctx, `UPDATE runs SET status = ?, finished_at = ? WHERE id = ? AND status = ?`,
		string(status), at, id, string(model.RunStatusRunning))
	if err != nil {
		return false, eris.Wrap(err, "store: finish run")
	}
	return n == 1, nil
}

func (s *sqlStore) AppendNote(ctx context.Context, id, note string) error {
	n, err := s.c.exec(ctx, `
		UPDATE runs SET notes = CASE WHEN notes = '' THEN ? ELSE notes || ? END WHERE id = ?`,
		note, "\n"+note, id)
	return updated(n, err, "store: append note %s", id)
}
