package normalize

import (
	"errors"
	"time"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// Value normalizes one stored item value. Failures never drop the value: the
// returned record carries the raw text and the reason, and the caller logs a
// normalization error against the run.
func (e *Engine) Value(v model.ItemValue, runID string) model.Normalization {
	n := e.value(v)
	n.SnapshotVersion = e.snap.Version()
	n.RunID = runID
	n.NormalizedAt = time.Now().UTC()
	observe(n.Status)
	return n
}

func (e *Engine) value(v model.ItemValue) model.Normalization {
	item, ok := e.snap.ExamItem(v.ItemCode)
	if !ok {
		return model.Normalization{Status: model.NormalizeNoMaster, Value: v.RawValue, Error: "no exam item for " + v.ItemCode}
	}
	rule := e.Rule(item.ValueType)

	switch v.Presence {
	case model.PresenceEmpty:
		return model.Normalization{Status: model.NormalizeEmpty}
	case model.PresenceNullFlavor:
		if !rule.AllowNullFlavor {
			return model.Normalization{Status: model.NormalizeUnparsable, Value: v.NullFlavor, Error: "null flavor not permitted for " + string(item.ValueType)}
		}
		return model.Normalization{Status: model.NormalizeNullFlavor, Value: v.NullFlavor}
	}

	switch item.ValueType {
	case model.ValueTypePQ:
		return e.quantity(rule, item, v)
	case model.ValueTypeCD, model.ValueTypeCO:
		system := v.CodeSystem
		if system == "" {
			system = item.CodingSystem
		}
		if system == "" {
			return text(rule, v.RawValue)
		}
		raw := v.CodeValue
		if raw == "" {
			raw = v.RawValue
		}
		return coded(e, item.ValueType, system, raw)
	default:
		return text(rule, v.RawValue)
	}
}

func (e *Engine) quantity(rule model.NormalizationRule, item model.ExamItem, v model.ItemValue) model.Normalization {
	token := Token(rule, v.RawValue)
	if rule.AllowNullFlavor && IsNullFlavor(token) {
		return model.Normalization{Status: model.NormalizeNullFlavor, Value: token}
	}

	q, err := ParseQuantity(v.RawValue)
	if err != nil {
		return model.Normalization{Status: model.NormalizeUnparsable, Value: v.RawValue, Error: err.Error()}
	}

	rawUnit := v.Unit
	if rawUnit == "" {
		rawUnit = q.Unit
	}
	u := ReconcileUnit(rule.UnitPolicy, rawUnit, item)
	return model.Normalization{
		Status:       model.NormalizeOK,
		Value:        q.Value,
		Unit:         u.Unit,
		UnitMismatch: u.Mismatch,
		Confidence:   ConfidenceLiteral,
	}
}

func coded(e *Engine, vt model.ValueType, system, raw string) model.Normalization {
	r, err := e.Normalize(vt, system, raw)
	switch {
	case errors.Is(err, ErrAmbiguous):
		return model.Normalization{Status: model.NormalizeAmbiguous, Value: raw, Error: err.Error()}
	case err != nil:
		return model.Normalization{Status: model.NormalizeNotFound, Value: raw, Error: err.Error()}
	}

	switch r.Outcome {
	case OutcomeNullFlavor:
		return model.Normalization{Status: model.NormalizeNullFlavor, Value: r.Token}
	case OutcomeEmpty:
		return model.Normalization{Status: model.NormalizeEmpty}
	}
	return model.Normalization{
		Status:     model.NormalizeOK,
		Code:       r.Code,
		Display:    r.Display,
		Value:      raw,
		VariantID:  r.VariantID,
		Confidence: r.Confidence,
	}
}

func text(rule model.NormalizationRule, raw string) model.Normalization {
	s := Token(model.NormalizationRule{Trim: rule.Trim, FoldWidth: rule.FoldWidth}, raw)
	s = CompactText(s)
	if s == "" {
		return model.Normalization{Status: model.NormalizeEmpty}
	}
	if rule.AllowNullFlavor && IsNullFlavor(s) {
		return model.Normalization{Status: model.NormalizeNullFlavor, Value: s}
	}
	return model.Normalization{Status: model.NormalizeOK, Value: s, Confidence: ConfidenceLiteral}
}
