package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kenshin-ledger/internal/model"
	"github.com/sells-group/kenshin-ledger/internal/reconcile"
)

func (s *sqlStore) InsertEvent(ctx context.Context, e model.Event, initial model.MatchTransition) (string, bool, error) {
	e.ID = newID(e.ID)
	subject, err := jsonArg(e.Subject)
	if err != nil {
		return "", false, err
	}

	var id string
	var created bool
	err = s.c.inTx(ctx, func(q querier) error {
		n, err := q.exec(ctx, `
			INSERT INTO events (id, source_system, source_table, source_record_id, event_type, event_date,
				person_key, person_key_type, subject, xml_hash, insurer_number, match_status,
				version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (source_system, source_table, source_record_id) DO NOTHING`,
			e.ID, e.Source.System, e.Source.Table, e.Source.RecordID, e.EventType, e.EventDate,
			e.PersonKey, e.PersonKeyType, subject, e.XmlHash, e.InsurerNumber, string(e.Status),
			e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			return eris.Wrap(err, "store: insert event")
		}
		if n == 0 {
			return q.queryRow(ctx, `
				SELECT id FROM events WHERE source_system = ? AND source_table = ? AND source_record_id = ?`,
				e.Source.System, e.Source.Table, e.Source.RecordID).Scan(&id)
		}
		id, created = e.ID, true
		initial.EventID = e.ID
		return insertTransition(ctx, q, initial)
	})
	if err != nil {
		return "", false, eris.Wrap(err, "store: insert event")
	}
	return id, created, nil
}

func (s *sqlStore) RefreshEvent(ctx context.Context, e model.Event) (string, error) {
	subject, err := jsonArg(e.Subject)
	if err != nil {
		return "", err
	}
	var id string
	err = s.c.inTx(ctx, func(q querier) error {
		if err := q.queryRow(ctx, `
			SELECT id FROM events WHERE source_system = ? AND source_table = ? AND source_record_id = ?`,
			e.Source.System, e.Source.Table, e.Source.RecordID).Scan(&id); err != nil {
			return err
		}
		_, err := q.exec(ctx, `
			UPDATE events SET event_type = ?, event_date = ?, person_key = ?, person_key_type = ?,
				subject = ?, xml_hash = ?, insurer_number = ?, updated_at = ?
			WHERE id = ?`,
			e.EventType, e.EventDate, e.PersonKey, e.PersonKeyType,
			subject, e.XmlHash, e.InsurerNumber, e.UpdatedAt, id)
		return err
	})
	if err != nil {
		return "", notFound(err, "store: refresh event %s/%s/%s", e.Source.System, e.Source.Table, e.Source.RecordID)
	}
	return id, nil
}

const eventColumns = `id, source_system, source_table, source_record_id, event_type, event_date,
	person_key, person_key_type, subject, xml_hash, insurer_number, match_status, match_reason,
	match_confidence, candidate_ids, person_id, person_id_final, reviewed_by, reviewed_at, review_note,
	version, created_at, updated_at`

func scanEvent(r row) (*model.Event, error) {
	var e model.Event
	var status string
	var subject, candidates *string
	err := r.Scan(
		&e.ID, &e.Source.System, &e.Source.Table, &e.Source.RecordID, &e.EventType, &e.EventDate,
		&e.PersonKey, &e.PersonKeyType, &subject, &e.XmlHash, &e.InsurerNumber, &status, &e.MatchReason,
		&e.MatchConfidence, &candidates, &e.PersonID, &e.PersonIDFinal, &e.ReviewedBy, &e.ReviewedAt, &e.ReviewNote,
		&e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = model.MatchStatus(status)
	if err := jsonScan(subject, &e.Subject); err != nil {
		return nil, err
	}
	if err := jsonScan(candidates, &e.CandidateIDs); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *sqlStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(s.c.queryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "store: get event %s", id)
	}
	return e, nil
}

func (s *sqlStore) ListEvents(ctx context.Context, f reconcile.EventFilter) ([]model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		q += ` AND match_status = ?`
		args = append(args, string(f.Status))
	}
	if f.EventType != "" {
		q += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	q += ` ORDER BY created_at, id`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rs, err := s.c.query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list events")
	}
	defer rs.Close()

	var out []model.Event
	for rs.Next() {
		e, err := scanEvent(rs)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan event")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rs.Err(), "store: list events")
}

func (s *sqlStore) ApplyChange(ctx context.Context, c reconcile.Change) (bool, error) {
	var candidates *string
	if c.CandidateIDs != nil {
		v, err := jsonArg(c.CandidateIDs)
		if err != nil {
			return false, err
		}
		candidates = &v
	}

	var applied bool
	err := s.c.inTx(ctx, func(q querier) error {
		n, err := q.exec(ctx, `
			UPDATE events SET match_status = ?, match_reason = ?, match_confidence = ?, candidate_ids = ?,
				person_id = ?, person_id_final = ?, reviewed_by = ?, reviewed_at = ?, review_note = ?,
				version = version + 1, updated_at = ?
			WHERE id = ? AND version = ? AND match_status = ?`,
			string(c.To), c.MatchReason, c.MatchConfidence, candidates,
			c.PersonID, c.PersonIDFinal, c.ReviewedBy, c.ReviewedAt, c.ReviewNote,
			c.Transition.OccurredAt, c.EventID, c.FromVersion, string(c.From),
		)
		if err != nil {
			return eris.Wrap(err, "store: apply change")
		}
		if n == 0 {
			return nil
		}
		applied = true
		t := c.Transition
		t.EventID = c.EventID
		return insertTransition(ctx, q, t)
	})
	return applied, err
}

func insertTransition(ctx context.Context, q querier, t model.MatchTransition) error {
	if t.OccurredAt.IsZero() {
		t.OccurredAt = time.Now().UTC()
	}
	_, err := q.exec(ctx, `
		INSERT INTO event_match_history (event_id, from_status, to_status, actor, actor_name, reason,
			person_id, run_id, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.EventID, string(t.From), string(t.To), string(t.Actor), t.ActorName, t.Reason,
		t.PersonID, t.RunID, t.OccurredAt)
	return eris.Wrap(err, "store: insert transition")
}

func (s *sqlStore) History(ctx context.Context, eventID string) ([]model.MatchTransition, error) {
	rs, err := s.c.query(ctx, `
		SELECT id, event_id, from_status, to_status, actor, actor_name, reason, person_id, run_id, occurred_at
		FROM event_match_history WHERE event_id = ? ORDER BY id`, eventID)
	if err != nil {
		return nil, eris.Wrap(err, "store: history")
	}
	defer rs.Close()

	var out []model.MatchTransition
	for rs.Next() {
		var t model.MatchTransition
		var from, to, actor string
		if err := rs.Scan(&t.ID, &t.EventID, &from, &to, &actor, &t.ActorName, &t.Reason,
			&t.PersonID, &t.RunID, &t.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "store: scan transition")
		}
		t.From, t.To, t.Actor = model.MatchStatus(from), model.MatchStatus(to), model.Actor(actor)
		out = append(out, t)
	}
	return out, eris.Wrap(rs.Err(), "store: history")
}
