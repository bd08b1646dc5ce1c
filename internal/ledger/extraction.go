package ledger

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// ItemExtraction collects the item values of one document for one run and
// is committed as a unit.
type ItemExtraction struct {
	XmlHash string
	RunID   string

	values []model.ItemValue
	next   map[string]int
}

// NewItemExtraction starts a batch for xmlHash under runID.
func NewItemExtraction(xmlHash, runID string) *ItemExtraction {
	return &ItemExtraction{XmlHash: xmlHash, RunID: runID, next: map[string]int{}}
}

// Add appends one value. Occurrences of each item must arrive in order
// starting at 1.
func (x *ItemExtraction) Add(v model.ItemValue) error {
	if v.ItemCode == "" {
		return eris.New("ledger: item code is required")
	}
	want := x.next[v.ItemCode] + 1
	switch {
	case v.Occurrence < want:
		return eris.Wrapf(ErrOccurrenceDuplicate, "%s #%d", v.ItemCode, v.Occurrence)
	case v.Occurrence > want:
		return eris.Wrapf(ErrOccurrenceGap, "%s #%d, want #%d", v.ItemCode, v.Occurrence, want)
	}
	v.XmlHash = x.XmlHash
	v.RunID = x.RunID
	if v.Presence == "" {
		v.Presence = presenceOf(v.RawValue)
	}
	x.next[v.ItemCode] = v.Occurrence
	x.values = append(x.values, v)
	return nil
}

// AddExtracted numbers items with AssignOccurrences and adds them.
func (x *ItemExtraction) AddExtracted(items []model.ExtractedItem) error {
	for _, v := range AssignOccurrences(x.XmlHash, items) {
		if err := x.Add(v); err != nil {
			return err
		}
	}
	return nil
}

// Values returns the collected values in insertion order.
func (x *ItemExtraction) Values() []model.ItemValue { return x.values }

// Len is the number of collected values.
func (x *ItemExtraction) Len() int { return len(x.values) }

// AssignOccurrences numbers items per item code in document order, from 1.
func AssignOccurrences(xmlHash string, items []model.ExtractedItem) []model.ItemValue {
	seen := make(map[string]int, len(items))
	out := make([]model.ItemValue, 0, len(items))
	for _, it := range items {
		seen[it.ItemCode]++
		presence := it.Presence
		if presence == "" {
			presence = presenceOf(it.RawValue)
		}
		out = append(out, model.ItemValue{
			XmlHash:     xmlHash,
			ItemCode:    it.ItemCode,
			Occurrence:  seen[it.ItemCode],
			RawValue:    it.RawValue,
			Presence:    presence,
			NullFlavor:  it.NullFlavor,
			ValueType:   it.ValueType,
			Unit:        it.Unit,
			CodeSystem:  it.CodeSystem,
			CodeValue:   it.CodeValue,
			CodeDisplay: it.CodeDisplay,
		})
	}
	return out
}

// CommitItemExtraction writes the batch. Values the new extraction no longer
// produces are marked superseded, never deleted, and the document's
// item-extraction sub-record is set to ok.
func (l *Ledger) CommitItemExtraction(ctx context.Context, x *ItemExtraction) error {
	unlock, err := l.locks.Lock(ctx, "xml:"+x.XmlHash)
	if err != nil {
		return err
	}
	defer unlock()

	now := l.now()
	superseded, err := l.store.ReplaceItemValues(ctx, x.XmlHash, x.RunID, x.values, now)
	if err != nil {
		return eris.Wrapf(err, "ledger: commit items %s", x.XmlHash)
	}
	if err := l.store.UpdateXmlItemsStatus(ctx, x.XmlHash, x.RunID, model.ProcessOK, "", len(x.values), now); err != nil {
		return eris.Wrapf(err, "ledger: items status %s", x.XmlHash)
	}
	if superseded > 0 {
		l.log.Info("superseded stale item values",
			zap.String("xml_hash", x.XmlHash),
			zap.String("run_id", x.RunID),
			zap.Int64("rows", superseded),
		)
	}
	return nil
}
