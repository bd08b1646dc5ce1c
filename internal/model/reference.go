package model

// ValueType is the HL7 data type of an exam item.
type ValueType string

const (
	ValueTypePQ ValueType = "PQ" // physical quantity
	ValueTypeCD ValueType = "CD" // coded
	ValueTypeCO ValueType = "CO" // coded ordinal
	ValueTypeST ValueType = "ST" // text
)

// Valid reports whether t is a known value type.
func (t ValueType) Valid() bool {
	switch t {
	case ValueTypePQ, ValueTypeCD, ValueTypeCO, ValueTypeST:
		return true
	}
	return false
}

// ExamItem is a statutory item definition.
type ExamItem struct {
	Code           string    `json:"code" yaml:"code"`
	Name           string    `json:"name" yaml:"name"`
	ValueType      ValueType `json:"value_type" yaml:"value_type"`
	DisplayUnit    string    `json:"display_unit,omitempty" yaml:"display_unit"`
	UCUMUnit       string    `json:"ucum_unit,omitempty" yaml:"ucum_unit"`
	CodingSystem   string    `json:"coding_system,omitempty" yaml:"coding_system"`
	ExtractionHint string    `json:"extraction_hint,omitempty" yaml:"extraction_hint"`
	Active         bool      `json:"active" yaml:"active"`
}

// UnitPolicy governs the unit post-step of normalization.
type UnitPolicy string

const (
	UnitPolicyIgnore     UnitPolicy = "ignore"
	UnitPolicyMasterUnit UnitPolicy = "master_unit"
	UnitPolicyUCUM       UnitPolicy = "ucum"
	UnitPolicyDetectOnly UnitPolicy = "detect_mismatch"
)

// NormalizationRule is the preprocessing policy for one value type.
type NormalizationRule struct {
	ValueType       ValueType  `json:"value_type" yaml:"value_type"`
	Trim            bool       `json:"trim" yaml:"trim"`
	FoldWidth       bool       `json:"fold_width" yaml:"fold_width"`
	FoldPlus        bool       `json:"fold_plus" yaml:"fold_plus"`
	AllowNullFlavor bool       `json:"allow_null_flavor" yaml:"allow_null_flavor"`
	UnitPolicy      UnitPolicy `json:"unit_policy" yaml:"unit_policy"`
}

// VariantEntry maps a raw value within a coding system to a canonical code.
// Inactive entries are kept for audit and never matched.
type VariantEntry struct {
	ID           int64  `json:"id" yaml:"id"`
	CodingSystem string `json:"coding_system" yaml:"coding_system"`
	RawValue     string `json:"raw_value" yaml:"raw_value"`
	RawTokenNorm string `json:"raw_token_norm" yaml:"raw_token_norm"`
	Code         string `json:"code" yaml:"code"`
	Display      string `json:"display,omitempty" yaml:"display"`
	Canonical    bool   `json:"canonical" yaml:"canonical"`
	Priority     int    `json:"priority" yaml:"priority"`
	Active       bool   `json:"active" yaml:"active"`
}

// MemberKind says whether a group member names an item or a method.
type MemberKind string

const (
	MemberKindItem   MemberKind = "item"
	MemberKindMethod MemberKind = "method"
)

// MemberRole is the part a member plays in a group.
type MemberRole string

const (
	RolePresenceKey MemberRole = "PRESENCE_KEY"
	RoleResultValue MemberRole = "RESULT_VALUE"
	RoleAuxiliary   MemberRole = "AUXILIARY"
)

// GroupMember is one item or method code in an ItemGroup.
type GroupMember struct {
	Kind     MemberKind `json:"kind" yaml:"kind"`
	Code     string     `json:"code" yaml:"code"`
	Role     MemberRole `json:"role" yaml:"role"`
	Priority int        `json:"priority" yaml:"priority"`
	Required bool       `json:"required" yaml:"required"`
}

// IdentityKind selects how an identity requirement is evaluated.
type IdentityKind string

const (
	IdentityDirect    IdentityKind = "direct"
	IdentityCondition IdentityKind = "condition"
	IdentityPresence  IdentityKind = "presence"
)

// PresencePolicy is the rule applied to a disjunctive namecode set.
type PresencePolicy string

const PresenceAnyNonEmpty PresencePolicy = "ANY_NONEMPTY"

// IdentityMember declares what must be present for a group to be complete.
type IdentityMember struct {
	Key       string         `json:"key" yaml:"key"`
	Kind      IdentityKind   `json:"kind" yaml:"kind"`
	ItemCode  string         `json:"item_code,omitempty" yaml:"item_code"`
	Condition string         `json:"condition,omitempty" yaml:"condition"`
	Namecodes []string       `json:"namecodes,omitempty" yaml:"namecodes"`
	Policy    PresencePolicy `json:"policy,omitempty" yaml:"policy"`
	Required  bool           `json:"required" yaml:"required"`
}

// ItemGroup is a named completeness rule-set.
type ItemGroup struct {
	Code       string           `json:"code" yaml:"code"`
	Name       string           `json:"name" yaml:"name"`
	Categories []string         `json:"categories,omitempty" yaml:"categories"`
	Active     bool             `json:"active" yaml:"active"`
	Members    []GroupMember    `json:"members" yaml:"members"`
	Identity   []IdentityMember `json:"identity" yaml:"identity"`
}

// AppliesTo reports whether g is relevant to documents of category. A group
// without categories applies to every document.
func (g ItemGroup) AppliesTo(category string) bool {
	if len(g.Categories) == 0 {
		return true
	}
	for _, c := range g.Categories {
		if c == category {
			return true
		}
	}
	return false
}
