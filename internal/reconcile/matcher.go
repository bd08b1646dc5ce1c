package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kenshin-ledger/internal/model"
	"github.com/sells-group/kenshin-ledger/internal/normalize"
)

// MatchConfig tunes automatic matching.
type MatchConfig struct {
	ExcludedEventTypes []string
	RequireBirthDate   bool
}

// Decision is the outcome of automatic matching.
type Decision struct {
	Status     model.MatchStatus
	PersonID   string
	Candidates []string
	Reason     string
	Confidence float64
}

// Matcher decides AUTO_MATCH or NEEDS_REVIEW for a NEW event, or leaves it
// NEW when no subscriber is indexed for it yet. Candidate
// sets are sorted by subscriber id so the same inputs always give the same
// decision.
type Matcher struct {
	index    SubscriberIndex
	cfg      MatchConfig
	excluded map[string]bool
}

// NewMatcher returns a Matcher over index.
func NewMatcher(index SubscriberIndex, cfg MatchConfig) *Matcher {
	ex := make(map[string]bool, len(cfg.ExcludedEventTypes))
	for _, t := range cfg.ExcludedEventTypes {
		ex[t] = true
	}
	return &Matcher{index: index, cfg: cfg, excluded: ex}
}

// Excluded reports whether events of this type are out of scope by policy.
func (m *Matcher) Excluded(eventType string) bool {
	return m.excluded[eventType]
}

// Candidates returns the subscribers an event could belong to. Insurance
// card keys are preferred; the person key is the fallback.
func (m *Matcher) Candidates(ctx context.Context, e *model.Event) ([]model.Subscriber, string, error) {
	s := e.Subject
	insurer := s.InsurerNumber
	if insurer == "" {
		insurer = e.InsurerNumber
	}

	var subs []model.Subscriber
	var basis string
	switch {
	case insurer != "" && s.InsuranceSymbol != "" && s.InsuranceNumber != "":
		found, err := m.index.ByInsurance(ctx,
			normalize.InsurerNumberKey(insurer),
			normalize.InsuranceSymbolKey(s.InsuranceSymbol),
			normalize.DigitsKey(s.InsuranceNumber),
		)
		if err != nil {
			return nil, "", eris.Wrap(err, "reconcile: lookup by insurance")
		}
		subs, basis = found, "insurance"
		if b := normalize.DigitsKey(s.BranchNumber); b != "" {
			subs = filter(subs, func(c model.Subscriber) bool {
				cb := normalize.DigitsKey(c.BranchNumber)
				return cb == "" || cb == b
			})
		}
	case e.PersonKey != "":
		found, err := m.index.ByPersonKey(ctx, e.PersonKey)
		if err != nil {
			return nil, "", eris.Wrap(err, "reconcile: lookup by person key")
		}
		subs, basis = found, "person_key"
	default:
		return nil, "", nil
	}

	if s.BirthDate != "" {
		subs = filter(subs, func(c model.Subscriber) bool { return c.BirthDate == s.BirthDate })
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs, basis, nil
}

// Decide matches e against the subscriber index.
func (m *Matcher) Decide(ctx context.Context, e *model.Event) (Decision, error) {
	subs, basis, err := m.Candidates(ctx, e)
	if err != nil {
		return Decision{}, err
	}
	ids := make([]string, 0, len(subs))
	for _, c := range subs {
		ids = append(ids, c.ID)
	}

	review := func(reason string) Decision {
		return Decision{Status: model.MatchNeedsReview, Candidates: ids, Reason: reason}
	}

	switch {
	case basis == "":
		return Decision{Status: model.MatchNew, Reason: "no identity keys"}, nil
	case len(subs) == 0:
		return Decision{Status: model.MatchNew, Reason: "no candidate by " + basis}, nil
	case m.cfg.RequireBirthDate && e.Subject.BirthDate == "":
		return review("birth date missing"), nil
	case len(subs) > 1:
		return review(fmt.Sprintf("%d candidates by %s", len(subs), basis)), nil
	}

	c := subs[0]
	if k := normalize.KanaKey(e.Subject.KanaName); k != "" && c.KanaName != "" && normalize.KanaKey(c.KanaName) != k {
		return review("kana differs from sole candidate"), nil
	}
	return Decision{
		Status:     model.MatchAuto,
		PersonID:   c.ID,
		Candidates: ids,
		Reason:     "unique by " + basis,
		Confidence: 1,
	}, nil
}

func filter(in []model.Subscriber, keep func(model.Subscriber) bool) []model.Subscriber {
	out := in[:0:0]
	for _, s := range in {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}
