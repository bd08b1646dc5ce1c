// Package reference holds the curated reference data the engine reads: exam
// items, normalization rules, the variant dictionary, and item groups. A
// Snapshot is immutable once built and is identified by a content version.
package reference

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// ErrInvalid is returned when reference content is internally inconsistent.
var ErrInvalid = eris.New("reference: invalid snapshot")

// Content is the serializable body of a snapshot.
type Content struct {
	ExamItems []model.ExamItem          `json:"exam_items" yaml:"exam_items"`
	Rules     []model.NormalizationRule `json:"rules" yaml:"rules"`
	Variants  []model.VariantEntry      `json:"variants" yaml:"variants"`
	Groups    []model.ItemGroup         `json:"groups" yaml:"groups"`
}

// Snapshot is a validated, indexed, read-only view of reference Content.
type Snapshot struct {
	content  Content
	version  string
	items    map[string]model.ExamItem
	rules    map[model.ValueType]model.NormalizationRule
	variants map[string][]model.VariantEntry
}

// New validates c and builds its indexes.
func New(c Content) (*Snapshot, error) {
	s := &Snapshot{
		content:  c,
		items:    make(map[string]model.ExamItem, len(c.ExamItems)),
		rules:    make(map[model.ValueType]model.NormalizationRule, len(c.Rules)),
		variants: make(map[string][]model.VariantEntry),
	}

	var errs []error
	for _, it := range c.ExamItems {
		if !it.ValueType.Valid() {
			errs = append(errs, eris.Wrapf(ErrInvalid, "exam item %s: unknown value type %q", it.Code, it.ValueType))
			continue
		}
		if _, dup := s.items[it.Code]; dup {
			errs = append(errs, eris.Wrapf(ErrInvalid, "exam item %s: duplicate code", it.Code))
			continue
		}
		s.items[it.Code] = it
	}

	for _, r := range c.Rules {
		if _, dup := s.rules[r.ValueType]; dup {
			errs = append(errs, eris.Wrapf(ErrInvalid, "rule %s: duplicate value type", r.ValueType))
			continue
		}
		if r.UnitPolicy == "" {
			r.UnitPolicy = model.UnitPolicyIgnore
		}
		s.rules[r.ValueType] = r
	}

	seenIDs := make(map[int64]bool, len(c.Variants))
	for _, v := range c.Variants {
		if seenIDs[v.ID] {
			errs = append(errs, eris.Wrapf(ErrInvalid, "variant %d: duplicate id", v.ID))
			continue
		}
		seenIDs[v.ID] = true
		s.variants[v.CodingSystem] = append(s.variants[v.CodingSystem], v)
	}
	for k := range s.variants {
		vs := s.variants[k]
		sort.SliceStable(vs, func(i, j int) bool { return vs[i].ID < vs[j].ID })
	}

	groupCodes := make(map[string]bool, len(c.Groups))
	for i := range c.Groups {
		g := &c.Groups[i]
		if groupCodes[g.Code] {
			errs = append(errs, eris.Wrapf(ErrInvalid, "group %s: duplicate code", g.Code))
			continue
		}
		groupCodes[g.Code] = true
		for j := range g.Identity {
			if err := checkIdentity(g.Code, &g.Identity[j]); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	b, err := json.Marshal(c)
	if err != nil {
		return nil, eris.Wrap(err, "reference: encode content")
	}
	sum := sha256.Sum256(b)
	s.version = hex.EncodeToString(sum[:])

	return s, nil
}

func checkIdentity(group string, m *model.IdentityMember) error {
	switch m.Kind {
	case model.IdentityDirect:
		if m.ItemCode == "" {
			return eris.Wrapf(ErrInvalid, "group %s identity %s: direct member needs item_code", group, m.Key)
		}
	case model.IdentityCondition:
		if m.Condition == "" {
			return eris.Wrapf(ErrInvalid, "group %s identity %s: condition member needs condition", group, m.Key)
		}
	case model.IdentityPresence:
		if len(m.Namecodes) == 0 {
			return eris.Wrapf(ErrInvalid, "group %s identity %s: presence member needs namecodes", group, m.Key)
		}
		if m.Policy == "" {
			m.Policy = model.PresenceAnyNonEmpty
		}
		if m.Policy != model.PresenceAnyNonEmpty {
			return eris.Wrapf(ErrInvalid, "group %s identity %s: unknown policy %q", group, m.Key, m.Policy)
		}
	default:
		return eris.Wrapf(ErrInvalid, "group %s identity %s: unknown kind %q", group, m.Key, m.Kind)
	}
	return nil
}

// Version is the hex sha256 of the snapshot content. Two snapshots with the
// same content share a version.
func (s *Snapshot) Version() string { return s.version }

// Content returns the snapshot body.
func (s *Snapshot) Content() Content { return s.content }

// ExamItem returns the item definition for code.
func (s *Snapshot) ExamItem(code string) (model.ExamItem, bool) {
	it, ok := s.items[code]
	return it, ok
}

// Rule returns the normalization rule for a value type.
func (s *Snapshot) Rule(vt model.ValueType) (model.NormalizationRule, bool) {
	r, ok := s.rules[vt]
	return r, ok
}

// Variants returns every entry for a coding system, active or not, ordered by id.
func (s *Snapshot) Variants(codingSystem string) []model.VariantEntry {
	return s.variants[codingSystem]
}

// ActiveGroups returns the active groups relevant to a document category.
func (s *Snapshot) ActiveGroups(category string) []model.ItemGroup {
	var out []model.ItemGroup
	for _, g := range s.content.Groups {
		if g.Active && g.AppliesTo(category) {
			out = append(out, g)
		}
	}
	return out
}

// Conditions returns every identity condition expression in the snapshot.
func (s *Snapshot) Conditions() []string {
	var out []string
	for _, g := range s.content.Groups {
		for _, m := range g.Identity {
			if m.Kind == model.IdentityCondition {
				out = append(out, m.Condition)
			}
		}
	}
	return out
}
