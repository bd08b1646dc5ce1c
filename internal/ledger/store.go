package ledger

import (
	"context"
	"time"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// Store is the persistence the content ledger needs. Implementations enforce
// the content-hash and path uniqueness with constraints; the ledger only
// orders the calls.
type Store interface {
	// InsertZip creates rec unless its hash exists. created is false when
	// another writer got there first.
	InsertZip(ctx context.Context, rec model.ZipRecord) (id string, created bool, err error)
	// TouchZip moves last_seen forward. found is false for unknown hashes.
	TouchZip(ctx context.Context, hash, runID string, at time.Time) (id string, found bool, err error)
	GetZip(ctx context.Context, hash string) (*model.ZipRecord, error)

	// InsertXml creates rec unless its content hash or (zip hash, inner path
	// hash) already exists.
	InsertXml(ctx context.Context, rec model.XmlRecord) (id string, created bool, err error)
	TouchXml(ctx context.Context, hash, runID string, at time.Time) (id string, found bool, err error)
	// XmlAtPath returns the content hash registered at a path slot.
	XmlAtPath(ctx context.Context, zipHash, innerPathHash string) (hash string, found bool, err error)
	GetXml(ctx context.Context, hash string) (*model.XmlRecord, error)
	ListXml(ctx context.Context, zipHash string) ([]model.XmlRecord, error)
	// XmlHashes lists every registered document hash, optionally only those
	// whose extraction sub-records both succeeded.
	XmlHashes(ctx context.Context, onlyExtracted bool) ([]string, error)

	// UpdateXmlExtraction also resets the reconcile marker to pending.
	UpdateXmlExtraction(ctx context.Context, hash, runID string, out model.ExtractionOutcome, at time.Time) error
	UpdateXmlItemsStatus(ctx context.Context, hash, runID string, status model.ProcessStatus, msg string, count int, at time.Time) error
	SaveJudgment(ctx context.Context, hash string, j model.LegalJudgment) error
	MarkXmlReconciled(ctx context.Context, hash, runID string, at time.Time) error

	// ItemOccurrences lists the occurrences of one item written by runID.
	ItemOccurrences(ctx context.Context, xmlHash, itemCode, runID string) ([]int, error)
	UpsertItemValue(ctx context.Context, v model.ItemValue) error
	// ReplaceItemValues upserts values for a document and marks rows from
	// other runs that values does not cover as superseded by runID.
	ReplaceItemValues(ctx context.Context, xmlHash, runID string, values []model.ItemValue, at time.Time) (superseded int64, err error)
	ItemValues(ctx context.Context, xmlHash string) ([]model.ItemValue, error)
	SaveNormalization(ctx context.Context, key model.ItemKey, n model.Normalization) error

	RecordSighting(ctx context.Context, s model.Sighting) error
	Sightings(ctx context.Context, runID string) ([]model.Sighting, error)
}
