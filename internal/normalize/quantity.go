package normalize

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// ErrUnparsable is returned when a quantity carries no usable number.
var ErrUnparsable = eris.New("normalize: unparsable quantity")

var (
	numberRe    = regexp.MustCompile(`[-+]?[0-9]+(?:\.[0-9]+)?`)
	thousandsRe = regexp.MustCompile(`([0-9]),([0-9]{3})\b`)
)

// symbolOnly are placeholders labs write when a measurement was impossible.
var symbolOnly = map[string]bool{"-": true, "ー": true, "―": true, "×": true, "*": true, "＊": true}

// Quantity is a parsed physical quantity.
type Quantity struct {
	Value string
	Unit  string // trailing text after the number, if any
}

// ParseQuantity extracts the first number of raw. Full-width digits are
// folded, thousands separators dropped, and any trailing text is returned as
// the attached unit.
func ParseQuantity(raw string) (Quantity, error) {
	s := CompactText(FoldWidth(strings.TrimSpace(raw)))
	if s == "" {
		return Quantity{}, eris.Wrap(ErrUnparsable, "empty value")
	}
	if symbolOnly[s] {
		return Quantity{}, eris.Wrapf(ErrUnparsable, "symbol only %q", raw)
	}

	for thousandsRe.MatchString(s) {
		s = thousandsRe.ReplaceAllString(s, "$1$2")
	}

	loc := numberRe.FindStringIndex(s)
	if loc == nil {
		return Quantity{}, eris.Wrapf(ErrUnparsable, "not numeric %q", raw)
	}
	return Quantity{
		Value: strings.TrimPrefix(s[loc[0]:loc[1]], "+"),
		Unit:  strings.TrimSpace(s[loc[1]:]),
	}, nil
}

// UnitResult is the outcome of the unit post-step.
type UnitResult struct {
	Unit     string
	Mismatch bool
}

// ReconcileUnit applies policy to the unit that came with a value. The
// mismatch flag is raised whenever a raw unit is present and differs from
// the reference unit the policy compares against.
func ReconcileUnit(policy model.UnitPolicy, rawUnit string, item model.ExamItem) UnitResult {
	rawUnit = strings.TrimSpace(rawUnit)

	switch policy {
	case model.UnitPolicyMasterUnit:
		return substitute(rawUnit, item.DisplayUnit)
	case model.UnitPolicyUCUM:
		ref := item.UCUMUnit
		if ref == "" {
			ref = item.DisplayUnit
		}
		return substitute(rawUnit, ref)
	case model.UnitPolicyDetectOnly:
		return UnitResult{Unit: rawUnit, Mismatch: conflicts(rawUnit, item.DisplayUnit, item.UCUMUnit)}
	default:
		return UnitResult{Unit: rawUnit}
	}
}

func substitute(rawUnit, ref string) UnitResult {
	if ref == "" {
		return UnitResult{Unit: rawUnit}
	}
	return UnitResult{Unit: ref, Mismatch: conflicts(rawUnit, ref)}
}

// conflicts reports whether rawUnit differs from every non-empty reference unit.
func conflicts(rawUnit string, refs ...string) bool {
	if rawUnit == "" {
		return false
	}
	folded := FoldWidth(rawUnit)
	compared := false
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if FoldWidth(ref) == folded {
			return false
		}
		compared = true
	}
	return compared
}
