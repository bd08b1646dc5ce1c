// Package ledger registers archives, XML members, and extracted item values
// by content hash. Registration is exactly-once per hash: a re-scan only
// moves last-seen forward, and nothing is ever deleted.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// Sentinel errors.
var (
	ErrOccurrenceGap       = eris.New("ledger: occurrence gap")
	ErrOccurrenceDuplicate = eris.New("ledger: duplicate occurrence")
	ErrPathCollision       = eris.New("ledger: path collision")
)

// Registration is the outcome of registering one hash.
type Registration struct {
	ID        string
	IsNew     bool
	Collision bool
}

// Ledger is the content ledger.
type Ledger struct {
	store Store
	locks Locker
	now   func() time.Time
	log   *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLocker replaces the default in-process locker.
func WithLocker(l Locker) Option {
	return func(lg *Ledger) { lg.locks = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// New returns a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		locks: NewLocalLocker(),
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "ledger")),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// RegisterZip records a sighting of an archive. The first sighting creates
// the record with its structural findings; later ones only touch last-seen.
func (l *Ledger) RegisterZip(ctx context.Context, runID, hash, name, pathHint string, f model.StructuralFindings) (Registration, error) {
	if hash == "" {
		return Registration{}, eris.New("ledger: zip hash is required")
	}
	unlock, err := l.locks.Lock(ctx, "zip:"+hash)
	if err != nil {
		return Registration{}, err
	}
	defer unlock()

	now := l.now()
	id, found, err := l.store.TouchZip(ctx, hash, runID, now)
	if err != nil {
		return Registration{}, eris.Wrapf(err, "ledger: touch zip %s", hash)
	}
	if found {
		return Registration{ID: id}, l.sight(ctx, runID, model.SightingZip, hash, model.SightingSeen, "")
	}

	code := model.ParseStructuralCode(string(f.Code))
	f.Code = code
	rec := model.ZipRecord{
		Hash:           hash,
		Name:           name,
		PathHint:       pathHint,
		Status:         f.Status(),
		ErrorCode:      code,
		ErrorMessage:   model.ClipMessage(f.Message),
		DataDirCount:   f.DataDirCount,
		XMLCount:       f.XMLCount,
		FirstSeenRunID: runID,
		FirstSeenAt:    now,
		LastSeenRunID:  runID,
		LastSeenAt:     now,
	}
	id, created, err := l.store.InsertZip(ctx, rec)
	if err != nil {
		return Registration{}, eris.Wrapf(err, "ledger: insert zip %s", hash)
	}
	if !created {
		// Another process inserted between our touch and insert.
		id, _, err = l.store.TouchZip(ctx, hash, runID, now)
		if err != nil {
			return Registration{}, eris.Wrapf(err, "ledger: touch zip %s", hash)
		}
		return Registration{ID: id}, l.sight(ctx, runID, model.SightingZip, hash, model.SightingSeen, "")
	}

	l.log.Debug("zip registered",
		zap.String("hash", hash),
		zap.String("run_id", runID),
		zap.String("structural_status", string(rec.Status)),
	)
	return Registration{ID: id, IsNew: true}, l.sight(ctx, runID, model.SightingZip, hash, model.SightingNew, "")
}

// RegisterXmlMember records a sighting of one XML member. Content identity is
// the XML hash; (zip hash, normalized inner path) is a secondary identity.
// Two different contents at the same path slot are a path collision: the
// second is not registered and ErrPathCollision is returned.
func (l *Ledger) RegisterXmlMember(ctx context.Context, runID, zipHash, innerPath, xmlHash string, size int64, mtime *time.Time) (Registration, error) {
	if xmlHash == "" {
		return Registration{}, eris.New("ledger: xml hash is required")
	}
	norm := NormalizePath(innerPath)
	pathHash := PathHash(norm)

	unlock, err := l.locks.Lock(ctx, "xml:"+xmlHash)
	if err != nil {
		return Registration{}, err
	}
	defer unlock()

	now := l.now()
	for attempt := 0; attempt < 2; attempt++ {
		id, found, err := l.store.TouchXml(ctx, xmlHash, runID, now)
		if err != nil {
			return Registration{}, eris.Wrapf(err, "ledger: touch xml %s", xmlHash)
		}
		if found {
			return Registration{ID: id}, l.sight(ctx, runID, model.SightingXml, xmlHash, model.SightingSeen, "")
		}

		rec := model.XmlRecord{
			ZipHash:        zipHash,
			InnerPath:      norm,
			InnerPathHash:  pathHash,
			Hash:           xmlHash,
			Size:           size,
			MTime:          mtime,
			Status:         model.ProcessPending,
			ItemsStatus:    model.ProcessPending,
			FirstSeenRunID: runID,
			FirstSeenAt:    now,
			LastSeenRunID:  runID,
			LastSeenAt:     now,
		}
		id, created, err := l.store.InsertXml(ctx, rec)
		if err != nil {
			return Registration{}, eris.Wrapf(err, "ledger: insert xml %s", xmlHash)
		}
		if created {
			return Registration{ID: id, IsNew: true}, l.sight(ctx, runID, model.SightingXml, xmlHash, model.SightingNew, "")
		}

		other, taken, err := l.store.XmlAtPath(ctx, zipHash, pathHash)
		if err != nil {
			return Registration{}, eris.Wrapf(err, "ledger: lookup path %s", norm)
		}
		if taken && other != xmlHash {
			msg := "path " + norm + " already holds " + other
			l.log.Warn("xml path collision",
				zap.String("zip_hash", zipHash),
				zap.String("inner_path", norm),
				zap.String("hash", xmlHash),
				zap.String("existing_hash", other),
			)
			if err := l.sight(ctx, runID, model.SightingXml, xmlHash, model.SightingCollision, msg); err != nil {
				return Registration{}, err
			}
			return Registration{Collision: true}, eris.Wrapf(ErrPathCollision, "%s in zip %s", norm, zipHash)
		}
		// Lost an insert race on the hash itself; touch again.
	}
	return Registration{}, eris.Errorf("ledger: register xml %s: no row after insert conflict", xmlHash)
}

func (l *Ledger) sight(ctx context.Context, runID string, kind model.SightingKind, hash string, action model.SightingAction, msg string) error {
	err := l.store.RecordSighting(ctx, model.Sighting{
		RunID:   runID,
		Kind:    kind,
		Hash:    hash,
		Action:  action,
		Message: model.ClipMessage(msg),
		SeenAt:  l.now(),
	})
	return eris.Wrapf(err, "ledger: record %s sighting", kind)
}

// RegisterItemValue stores a single item value. Within one run, occurrences
// of an item in a document must be dense from 1: a repeat is
// ErrOccurrenceDuplicate and a skip is ErrOccurrenceGap.
//
// It only adds or overwrites the one row. Values from earlier runs stay
// current and the document's item-extraction status and count are left
// alone; a full re-extraction goes through CommitItemExtraction, which
// supersedes what the new run no longer produces.
func (l *Ledger) RegisterItemValue(ctx context.Context, v model.ItemValue) error {
	if v.XmlHash == "" || v.ItemCode == "" {
		return eris.New("ledger: item value needs xml hash and item code")
	}
	unlock, err := l.locks.Lock(ctx, "xml:"+v.XmlHash)
	if err != nil {
		return err
	}
	defer unlock()

	existing, err := l.store.ItemOccurrences(ctx, v.XmlHash, v.ItemCode, v.RunID)
	if err != nil {
		return eris.Wrapf(err, "ledger: occurrences of %s", v.ItemCode)
	}
	next := 1
	for _, o := range existing {
		if o == v.Occurrence {
			return eris.Wrapf(ErrOccurrenceDuplicate, "%s #%d in %s", v.ItemCode, v.Occurrence, v.XmlHash)
		}
		if o >= next {
			next = o + 1
		}
	}
	if v.Occurrence != next {
		return eris.Wrapf(ErrOccurrenceGap, "%s #%d in %s, want #%d", v.ItemCode, v.Occurrence, v.XmlHash, next)
	}
	if v.Presence == "" {
		v.Presence = presenceOf(v.RawValue)
	}
	return eris.Wrapf(l.store.UpsertItemValue(ctx, v), "ledger: upsert %s #%d", v.ItemCode, v.Occurrence)
}

// RecordExtraction writes the document-level extraction sub-record.
func (l *Ledger) RecordExtraction(ctx context.Context, xmlHash, runID string, out model.ExtractionOutcome) error {
	out.ErrorMessage = model.ClipMessage(out.ErrorMessage)
	err := l.store.UpdateXmlExtraction(ctx, xmlHash, runID, out, l.now())
	return eris.Wrapf(err, "ledger: record extraction %s", xmlHash)
}

// FailItemExtraction marks the item-extraction sub-record as failed. Values
// from earlier runs stay as they are.
func (l *Ledger) FailItemExtraction(ctx context.Context, xmlHash, runID, msg string) error {
	err := l.store.UpdateXmlItemsStatus(ctx, xmlHash, runID, model.ProcessError, model.ClipMessage(msg), 0, l.now())
	return eris.Wrapf(err, "ledger: fail item extraction %s", xmlHash)
}

// SaveJudgment overwrites the legal judgment sub-record of a document.
func (l *Ledger) SaveJudgment(ctx context.Context, xmlHash string, j model.LegalJudgment) error {
	return eris.Wrapf(l.store.SaveJudgment(ctx, xmlHash, j), "ledger: save judgment %s", xmlHash)
}

// MarkReconciled records that the document's event was recorded and matched
// by runID. It is the last import step for a document.
func (l *Ledger) MarkReconciled(ctx context.Context, xmlHash, runID string) error {
	return eris.Wrapf(l.store.MarkXmlReconciled(ctx, xmlHash, runID, l.now()), "ledger: mark reconciled %s", xmlHash)
}

// SaveNormalization writes the normalization sub-record of one item value.
func (l *Ledger) SaveNormalization(ctx context.Context, key model.ItemKey, n model.Normalization) error {
	n.Error = model.ClipMessage(n.Error)
	err := l.store.SaveNormalization(ctx, key, n)
	return eris.Wrapf(err, "ledger: save normalization %s/%s#%d", key.XmlHash, key.ItemCode, key.Occurrence)
}

// Zip returns the archive registered under hash.
func (l *Ledger) Zip(ctx context.Context, hash string) (*model.ZipRecord, error) {
	return l.store.GetZip(ctx, hash)
}

// Xml returns the XML record registered under hash.
func (l *Ledger) Xml(ctx context.Context, hash string) (*model.XmlRecord, error) {
	return l.store.GetXml(ctx, hash)
}

// Documents lists registered XML hashes in hash order, optionally only those
// with stored values.
func (l *Ledger) Documents(ctx context.Context, onlyExtracted bool) ([]string, error) {
	hashes, err := l.store.XmlHashes(ctx, onlyExtracted)
	return hashes, eris.Wrap(err, "ledger: list documents")
}

// ItemValues returns the current (non-superseded) values of a document.
func (l *Ledger) ItemValues(ctx context.Context, xmlHash string) ([]model.ItemValue, error) {
	return l.store.ItemValues(ctx, xmlHash)
}

// NormalizePath turns an archive member name into the canonical inner path:
// forward slashes, cleaned, relative.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// PathHash is the hex sha256 of a normalized inner path.
func PathHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func presenceOf(raw string) model.Presence {
	if strings.TrimSpace(raw) == "" {
		return model.PresenceEmpty
	}
	return model.PresencePopulated
}
