package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// sqlStore implements the queries shared by both drivers. SQL is written
// with ? placeholders; the Postgres conn rebinds them.
type sqlStore struct {
	c conn
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// jsonArg encodes v for a TEXT/JSONB column.
func jsonArg(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal json")
	}
	return string(b), nil
}

func jsonScan(src *string, dst any) error {
	if src == nil || *src == "" {
		return nil
	}
	return eris.Wrap(json.Unmarshal([]byte(*src), dst), "store: unmarshal json")
}

func notFound(err error, format string, args ...any) error {
	if eris.Is(err, errNoRows) {
		return eris.Wrapf(ErrNotFound, format, args...)
	}
	return eris.Wrapf(err, format, args...)
}

// --- zips ---

func (s *sqlStore) InsertZip(ctx context.Context, rec model.ZipRecord) (string, bool, error) {
	rec.ID = newID(rec.ID)
	n, err := s.c.exec(ctx, `
		INSERT INTO zip_records (id, hash, name, path_hint, structural_status, error_code, error_message,
			data_dir_count, data_xml_count, first_seen_run_id, first_seen_at, last_seen_run_id, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO NOTHING`,
		rec.ID, rec.Hash, rec.Name, rec.PathHint, string(rec.Status), string(rec.ErrorCode), rec.ErrorMessage,
		rec.DataDirCount, rec.XMLCount, rec.FirstSeenRunID, rec.FirstSeenAt, rec.LastSeenRunID, rec.LastSeenAt,
	)
	if err != nil {
		return "", false, eris.Wrap(err, "store: insert zip")
	}
	if n == 1 {
		return rec.ID, true, nil
	}
	var id string
	if err := s.c.queryRow(ctx, `SELECT id FROM zip_records WHERE hash = ?`, rec.Hash).Scan(&id); err != nil {
		return "", false, notFound(err, "store: zip %s after conflict", rec.Hash)
	}
	return id, false, nil
}

func (s *sqlStore) TouchZip(ctx context.Context, hash, runID string, at time.Time) (string, bool, error) {
	return s.touch(ctx, "zip_records", hash, runID, at)
}

func (s *sqlStore) touch(ctx context.Context, table, hash, runID string, at time.Time) (string, bool, error) {
	var id string
	err := s.c.inTx(ctx, func(q querier) error {
		n, err := q.exec(ctx, `UPDATE `+table+` SET last_seen_run_id = ?, last_seen_at = ? WHERE hash = ?`, runID, at, hash)
		if err != nil || n == 0 {
			return err
		}
		return q.queryRow(ctx, `SELECT id FROM `+table+` WHERE hash = ?`, hash).Scan(&id)
	})
	if err != nil {
		return "", false, eris.Wrapf(err, "store: touch %s", table)
	}
	return id, id != "", nil
}

const zipColumns = `id, hash, name, path_hint, structural_status, error_code, error_message,
	data_dir_count, data_xml_count, first_seen_run_id, first_seen_at, last_seen_run_id, last_seen_at`

func (s *sqlStore) GetZip(ctx context.Context, hash string) (*model.ZipRecord, error) {
	var z model.ZipRecord
	var status, code string
	err := s.c.queryRow(ctx, `SELECT `+zipColumns+` FROM zip_records WHERE hash = ?`, hash).Scan(
		&z.ID, &z.Hash, &z.Name, &z.PathHint, &status, &code, &z.ErrorMessage,
		&z.DataDirCount, &z.XMLCount, &z.FirstSeenRunID, &z.FirstSeenAt, &z.LastSeenRunID, &z.LastSeenAt,
	)
	if err != nil {
		return nil, notFound(err, "store: get zip %s", hash)
	}
	z.Status, z.ErrorCode = model.StructuralStatus(status), model.StructuralCode(code)
	return &z, nil
}

// --- xml records ---

func (s *sqlStore) InsertXml(ctx context.Context, rec model.XmlRecord) (string, bool, error) {
	rec.ID = newID(rec.ID)
	n, err := s.c.exec(ctx, `
		INSERT INTO xml_records (id, zip_hash, inner_path, inner_path_hash, hash, size, mtime,
			status, items_status, first_seen_run_id, first_seen_at, last_seen_run_id, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		rec.ID, rec.ZipHash, rec.InnerPath, rec.InnerPathHash, rec.Hash, rec.Size, rec.MTime,
		string(model.ProcessPending), string(model.ProcessPending),
		rec.FirstSeenRunID, rec.FirstSeenAt, rec.LastSeenRunID, rec.LastSeenAt,
	)
	if err != nil {
		return "", false, eris.Wrap(err, "store: insert xml")
	}
	if n == 1 {
		return rec.ID, true, nil
	}
	var id string
	err = s.c.queryRow(ctx, `SELECT id FROM xml_records WHERE hash = ?`, rec.Hash).Scan(&id)
	switch {
	case eris.Is(err, errNoRows):
		// The path slot is held by different content.
		return "", false, nil
	case err != nil:
		return "", false, eris.Wrap(err, "store: xml after conflict")
	}
	return id, false, nil
}

func (s *sqlStore) TouchXml(ctx context.Context, hash, runID string, at time.Time) (string, bool, error) {
	return s.touch(ctx, "xml_records", hash, runID, at)
}

func (s *sqlStore) XmlAtPath(ctx context.Context, zipHash, innerPathHash string) (string, bool, error) {
	var hash string
	err := s.c.queryRow(ctx, `SELECT hash FROM xml_records WHERE zip_hash = ? AND inner_path_hash = ?`,
		zipHash, innerPathHash).Scan(&hash)
	switch {
	case eris.Is(err, errNoRows):
		return "", false, nil
	case err != nil:
		return "", false, eris.Wrap(err, "store: xml at path")
	}
	return hash, true, nil
}

const xmlColumns = `id, zip_hash, inner_path, inner_path_hash, hash, size, mtime,
	status, error_code, error_message, identity, subject, category, payload, extracted_run_id, extracted_at,
	items_status, items_error, items_run_id, items_extracted_at, item_count, judgment,
	reconcile_status, reconciled_run_id, reconciled_at,
	first_seen_run_id, first_seen_at, last_seen_run_id, last_seen_at`

func scanXml(r row) (*model.XmlRecord, error) {
	var x model.XmlRecord
	var status, itemsStatus, reconcileStatus string
	var identity, subject, payload, judgment *string
	err := r.Scan(
		&x.ID, &x.ZipHash, &x.InnerPath, &x.InnerPathHash, &x.Hash, &x.Size, &x.MTime,
		&status, &x.ErrorCode, &x.ErrorMessage, &identity, &subject, &x.Category, &payload, &x.ExtractedRunID, &x.ExtractedAt,
		&itemsStatus, &x.ItemsError, &x.ItemsRunID, &x.ItemsExtractedAt, &x.ItemCount, &judgment,
		&reconcileStatus, &x.ReconciledRunID, &x.ReconciledAt,
		&x.FirstSeenRunID, &x.FirstSeenAt, &x.LastSeenRunID, &x.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	x.Status, x.ItemsStatus = model.ProcessStatus(status), model.ProcessStatus(itemsStatus)
	x.ReconcileStatus = model.ProcessStatus(reconcileStatus)
	if err := jsonScan(identity, &x.Identity); err != nil {
		return nil, err
	}
	if err := jsonScan(subject, &x.Subject); err != nil {
		return nil, err
	}
	if err := jsonScan(payload, &x.Payload); err != nil {
		return nil, err
	}
	if judgment != nil {
		x.Judgment = &model.LegalJudgment{}
		if err := jsonScan(judgment, x.Judgment); err != nil {
			return nil, err
		}
	}
	return &x, nil
}

func (s *sqlStore) GetXml(ctx context.Context, hash string) (*model.XmlRecord, error) {
	x, err := scanXml(s.c.queryRow(ctx, `SELECT `+xmlColumns+` FROM xml_records WHERE hash = ?`, hash))
	if err != nil {
		return nil, notFound(err, "store: get xml %s", hash)
	}
	return x, nil
}

func (s *sqlStore) ListXml(ctx context.Context, zipHash string) ([]model.XmlRecord, error) {
	rs, err := s.c.query(ctx, `SELECT `+xmlColumns+` FROM xml_records WHERE zip_hash = ? ORDER BY inner_path`, zipHash)
	if err != nil {
		return nil, eris.Wrap(err, "store: list xml")
	}
	defer rs.Close()

	var out []model.XmlRecord
	for rs.Next() {
		x, err := scanXml(rs)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan xml")
		}
		out = append(out, *x)
	}
	return out, eris.Wrap(rs.Err(), "store: list xml")
}

func (s *sqlStore) XmlHashes(ctx context.Context, onlyExtracted bool) ([]string, error) {
	q := `SELECT hash FROM xml_records`
	var args []any
	if onlyExtracted {
		q += ` WHERE status = ? AND items_status = ?`
		args = append(args, string(model.ProcessOK), string(model.ProcessOK))
	}
	q += ` ORDER BY hash`
	return s.strings(ctx, "store: xml hashes", q, args...)
}

func (s *sqlStore) strings(ctx context.Context, op, q string, args ...any) ([]string, error) {
	rs, err := s.c.query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, op)
	}
	defer rs.Close()

	var out []string
	for rs.Next() {
		var v string
		if err := rs.Scan(&v); err != nil {
			return nil, eris.Wrap(err, op)
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rs.Err(), op)
}

func (s *sqlStore) UpdateXmlExtraction(ctx context.Context, hash, runID string, out model.ExtractionOutcome, at time.Time) error {
	identity, err := jsonArg(out.Identity)
	if err != nil {
		return err
	}
	subject, err := jsonArg(out.Subject)
	if err != nil {
		return err
	}
	var payload *string
	if len(out.Payload) > 0 {
		p, err := jsonArg(out.Payload)
		if err != nil {
			return err
		}
		payload = &p
	}
	n, err := s.c.exec(ctx, `
		UPDATE xml_records SET status = ?, error_code = ?, error_message = ?, document_id = ?,
			identity = ?, subject = ?, category = ?, payload = ?, extracted_run_id = ?, extracted_at = ?,
			reconcile_status = ?
		WHERE hash = ?`,
		string(out.Status), out.ErrorCode, out.ErrorMessage, out.Identity.DocumentID,
		identity, subject, out.Category, payload, runID, at,
		string(model.ProcessPending), hash,
	)
	return updated(n, err, "store: update extraction %s", hash)
}

func (s *sqlStore) MarkXmlReconciled(ctx context.Context, hash, runID string, at time.Time) error {
	n, err := s.c.exec(ctx, `
		UPDATE xml_records SET reconcile_status = ?, reconciled_run_id = ?, reconciled_at = ?
		WHERE hash = ?`,
		string(model.ProcessOK), runID, at, hash,
	)
	return updated(n, err, "store: mark reconciled %s", hash)
}

func (s *sqlStore) UpdateXmlItemsStatus(ctx context.Context, hash, runID string, status model.ProcessStatus, msg string, count int, at time.Time) error {
	n, err := s.c.exec(ctx, `
		UPDATE xml_records SET items_status = ?, items_error = ?, items_run_id = ?, items_extracted_at = ?,
			item_count = CASE WHEN ? = 'ok' THEN ? ELSE item_count END
		WHERE hash = ?`,
		string(status), msg, runID, at, string(status), count, hash,
	)
	return updated(n, err, "store: update items status %s", hash)
}

func (s *sqlStore) SaveJudgment(ctx context.Context, hash string, j model.LegalJudgment) error {
	doc, err := jsonArg(j)
	if err != nil {
		return err
	}
	n, err := s.c.exec(ctx, `
		UPDATE xml_records SET judgment = ?, identity_complete = ?, method_complete = ?,
			judged_run_id = ?, judged_at = ?
		WHERE hash = ?`,
		doc, j.IdentityComplete, j.MethodComplete, j.JudgedRunID, j.JudgedAt, hash,
	)
	return updated(n, err, "store: save judgment %s", hash)
}

func updated(n int64, err error, format string, args ...any) error {
	if err != nil {
		return eris.Wrapf(err, format, args...)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, format, args...)
	}
	return nil
}

// --- item values ---

func (s *sqlStore) ItemOccurrences(ctx context.Context, xmlHash, itemCode, runID string) ([]int, error) {
	rs, err := s.c.query(ctx, `
		SELECT occurrence FROM item_values
		WHERE xml_hash = ? AND item_code = ? AND run_id = ?
		ORDER BY occurrence`, xmlHash, itemCode, runID)
	if err != nil {
		return nil, eris.Wrap(err, "store: item occurrences")
	}
	defer rs.Close()

	var out []int
	for rs.Next() {
		var o int
		if err := rs.Scan(&o); err != nil {
			return nil, eris.Wrap(err, "store: scan occurrence")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rs.Err(), "store: item occurrences")
}

// upsertItemSQL clears superseded and normalization on re-extraction.
const upsertItemSQL = `
	INSERT INTO item_values (xml_hash, item_code, occurrence, raw_value, presence, null_flavor, value_type,
		unit, code_system, code_value, code_display, run_id, superseded_by_run_id, normalization, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)
	ON CONFLICT (xml_hash, item_code, occurrence) DO UPDATE SET
		raw_value = excluded.raw_value, presence = excluded.presence, null_flavor = excluded.null_flavor,
		value_type = excluded.value_type, unit = excluded.unit, code_system = excluded.code_system,
		code_value = excluded.code_value, code_display = excluded.code_display, run_id = excluded.run_id,
		superseded_by_run_id = NULL, normalization = NULL, updated_at = excluded.updated_at`

func upsertItem(ctx context.Context, q querier, v model.ItemValue, at time.Time) error {
	_, err := q.exec(ctx, upsertItemSQL,
		v.XmlHash, v.ItemCode, v.Occurrence, v.RawValue, string(v.Presence), v.NullFlavor, v.ValueType,
		v.Unit, v.CodeSystem, v.CodeValue, v.CodeDisplay, v.RunID, at,
	)
	return eris.Wrapf(err, "store: upsert item %s #%d", v.ItemCode, v.Occurrence)
}

func (s *sqlStore) UpsertItemValue(ctx context.Context, v model.ItemValue) error {
	return upsertItem(ctx, s.c, v, time.Now().UTC())
}

func (s *sqlStore) ReplaceItemValues(ctx context.Context, xmlHash, runID string, values []model.ItemValue, at time.Time) (int64, error) {
	var superseded int64
	err := s.c.inTx(ctx, func(q querier) error {
		for _, v := range values {
			if err := upsertItem(ctx, q, v, at); err != nil {
				return err
			}
		}
		n, err := supersede(ctx, q, xmlHash, runID, at)
		superseded = n
		return err
	})
	return superseded, err
}

func supersede(ctx context.Context, q querier, xmlHash, runID string, at time.Time) (int64, error) {
	n, err := q.exec(ctx, `
		UPDATE item_values SET superseded_by_run_id = ?, updated_at = ?
		WHERE xml_hash = ? AND run_id <> ? AND superseded_by_run_id IS NULL`,
		runID, at, xmlHash, runID)
	return n, eris.Wrap(err, "store: supersede items")
}

func (s *sqlStore) ItemValues(ctx context.Context, xmlHash string) ([]model.ItemValue, error) {
	rs, err := s.c.query(ctx, `
		SELECT xml_hash, item_code, occurrence, raw_value, presence, null_flavor, value_type,
			unit, code_system, code_value, code_display, run_id, normalization
		FROM item_values
		WHERE xml_hash = ? AND superseded_by_run_id IS NULL
		ORDER BY item_code, occurrence`, xmlHash)
	if err != nil {
		return nil, eris.Wrap(err, "store: item values")
	}
	defer rs.Close()

	var out []model.ItemValue
	for rs.Next() {
		var v model.ItemValue
		var presence string
		var norm *string
		if err := rs.Scan(&v.XmlHash, &v.ItemCode, &v.Occurrence, &v.RawValue, &presence, &v.NullFlavor, &v.ValueType,
			&v.Unit, &v.CodeSystem, &v.CodeValue, &v.CodeDisplay, &v.RunID, &norm); err != nil {
			return nil, eris.Wrap(err, "store: scan item value")
		}
		v.Presence = model.Presence(presence)
		if norm != nil {
			v.Normalization = &model.Normalization{}
			if err := jsonScan(norm, v.Normalization); err != nil {
				return nil, err
			}
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rs.Err(), "store: item values")
}

func (s *sqlStore) SaveNormalization(ctx context.Context, key model.ItemKey, n model.Normalization) error {
	doc, err := jsonArg(n)
	if err != nil {
		return err
	}
	rows, err := s.c.exec(ctx, `
		UPDATE item_values SET normalization = ?
		WHERE xml_hash = ? AND item_code = ? AND occurrence = ?`,
		doc, key.XmlHash, key.ItemCode, key.Occurrence)
	return updated(rows, err, "store: save normalization %s/%s#%d", key.XmlHash, key.ItemCode, key.Occurrence)
}

// --- sightings ---

func (s *sqlStore) RecordSighting(ctx context.Context, sg model.Sighting) error {
	_, err := s.c.exec(ctx, `
		INSERT INTO sightings (run_id, kind, hash, action, message, seen_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sg.RunID, string(sg.Kind), sg.Hash, string(sg.Action), sg.Message, sg.SeenAt)
	return eris.Wrap(err, "store: record sighting")
}

func (s *sqlStore) Sightings(ctx context.Context, runID string) ([]model.Sighting, error) {
	rs, err := s.c.query(ctx, `
		SELECT run_id, kind, hash, action, message, seen_at FROM sightings
		WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "store: sightings")
	}
	defer rs.Close()

	var out []model.Sighting
	for rs.Next() {
		var sg model.Sighting
		var kind, action string
		if err := rs.Scan(&sg.RunID, &kind, &sg.Hash, &action, &sg.Message, &sg.SeenAt); err != nil {
			return nil, eris.Wrap(err, "store: scan sighting")
		}
		sg.Kind, sg.Action = model.SightingKind(kind), model.SightingAction(action)
		out = append(out, sg)
	}
	return out, eris.Wrap(rs.Err(), "store: sightings")
}
