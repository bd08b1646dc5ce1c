// Package normalize resolves raw extracted values into canonical codes using
// the variant dictionary of a reference snapshot.
package normalize

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kenshin-ledger/internal/model"
	"github.com/sells-group/kenshin-ledger/internal/reference"
)

var (
	// ErrNotFound means no active variant matched the raw value.
	ErrNotFound = eris.New("normalize: no matching variant")
	// ErrAmbiguous means the best matches disagree and nothing breaks the tie.
	ErrAmbiguous = eris.New("normalize: ambiguous variant match")
)

// Outcome classifies a normalization result.
type Outcome string

const (
	OutcomeMatched    Outcome = "matched"
	OutcomeNullFlavor Outcome = "null_flavor"
	OutcomeEmpty      Outcome = "empty"
	OutcomeNotFound   Outcome = "not_found"
	OutcomeAmbiguous  Outcome = "ambiguous"
)

// MatchKind records which lookup produced a match.
type MatchKind string

const (
	MatchLiteral     MatchKind = "literal"
	MatchPassthrough MatchKind = "canonical"
	MatchToken       MatchKind = "token"
)

// Confidence by match kind.
const (
	ConfidenceLiteral = 1.0
	ConfidenceToken   = 0.8
)

// Result is the outcome of Engine.Normalize.
type Result struct {
	Outcome    Outcome
	Code       string
	Display    string
	VariantID  int64
	Confidence float64
	Match      MatchKind
	Token      string
	Candidates []int64 // tied variant ids when Outcome is ambiguous
}

// defaultRule applies when a snapshot has no rule for a value type.
var defaultRule = model.NormalizationRule{Trim: true, UnitPolicy: model.UnitPolicyIgnore}

// Engine normalizes values against one reference snapshot. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	snap *reference.Snapshot
}

// NewEngine returns an engine bound to snap.
func NewEngine(snap *reference.Snapshot) *Engine {
	return &Engine{snap: snap}
}

// Snapshot returns the reference snapshot the engine reads.
func (e *Engine) Snapshot() *reference.Snapshot { return e.snap }

// Rule returns the normalization rule for vt, falling back to trim-only.
func (e *Engine) Rule(vt model.ValueType) model.NormalizationRule {
	if r, ok := e.snap.Rule(vt); ok {
		return r
	}
	r := defaultRule
	r.ValueType = vt
	return r
}

// Normalize resolves raw within codingSystem. A literal raw match beats a
// raw value that is already an active canonical code, which beats a match
// on the folded token. Within a tier the lowest priority wins, then the
// canonical entry; a remaining tie across different codes is ErrAmbiguous.
func (e *Engine) Normalize(vt model.ValueType, codingSystem, raw string) (Result, error) {
	rule := e.Rule(vt)
	token := Token(rule, raw)

	if rule.AllowNullFlavor && IsNullFlavor(token) {
		return Result{Outcome: OutcomeNullFlavor, Token: strings.ToUpper(strings.TrimSpace(token))}, nil
	}
	if strings.TrimSpace(token) == "" {
		return Result{Outcome: OutcomeEmpty, Token: token}, nil
	}

	active := activeVariants(e.snap.Variants(codingSystem))
	trimmed := strings.TrimSpace(raw)

	tiers := []struct {
		kind  MatchKind
		match func(model.VariantEntry) bool
	}{
		{MatchLiteral, func(v model.VariantEntry) bool { return v.RawValue == raw }},
		{MatchPassthrough, func(v model.VariantEntry) bool { return v.Canonical && v.Code == trimmed }},
		{MatchToken, func(v model.VariantEntry) bool {
			return v.RawTokenNorm != "" && Token(rule, v.RawTokenNorm) == token
		}},
	}

	for _, tier := range tiers {
		var hits []model.VariantEntry
		for _, v := range active {
			if tier.match(v) {
				hits = append(hits, v)
			}
		}
		if len(hits) == 0 {
			continue
		}
		best, tied := pick(hits)
		if len(tied) > 0 {
			ids := make([]int64, 0, len(tied)+1)
			ids = append(ids, best.ID)
			for _, t := range tied {
				ids = append(ids, t.ID)
			}
			return Result{Outcome: OutcomeAmbiguous, Token: token, Match: tier.kind, Candidates: ids},
				eris.Wrapf(ErrAmbiguous, "%s %q: variants %v", codingSystem, raw, ids)
		}
		conf := ConfidenceLiteral
		if tier.kind == MatchToken {
			conf = ConfidenceToken
		}
		return Result{
			Outcome:    OutcomeMatched,
			Code:       best.Code,
			Display:    best.Display,
			VariantID:  best.ID,
			Confidence: conf,
			Match:      tier.kind,
			Token:      token,
		}, nil
	}

	return Result{Outcome: OutcomeNotFound, Token: token},
		eris.Wrapf(ErrNotFound, "%s %q (token %q)", codingSystem, raw, token)
}

func activeVariants(vs []model.VariantEntry) []model.VariantEntry {
	out := make([]model.VariantEntry, 0, len(vs))
	for _, v := range vs {
		if v.Active {
			out = append(out, v)
		}
	}
	return out
}

// pick orders hits by priority, then canonical flag, then id, and returns the
// winner plus any entries that tie with it on priority and canonical flag
// while mapping to a different code.
func pick(hits []model.VariantEntry) (model.VariantEntry, []model.VariantEntry) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Canonical != b.Canonical {
			return a.Canonical
		}
		return a.ID < b.ID
	})

	best := hits[0]
	var tied []model.VariantEntry
	for _, h := range hits[1:] {
		if h.Priority != best.Priority || h.Canonical != best.Canonical {
			break
		}
		if h.Code != best.Code {
			tied = append(tied, h)
		}
	}
	return best, tied
}
