package model

import "time"

// JudgeView names one of the two completeness models.
type JudgeView string

const (
	ViewIdentity JudgeView = "identity"
	ViewMethod   JudgeView = "method"
)

// GroupVerdict is the completeness outcome of one group under one view.
type GroupVerdict struct {
	GroupCode     string    `json:"group_code"`
	View          JudgeView `json:"view"`
	RequiredCount int       `json:"required_count"`
	PresentCount  int       `json:"present_count"`
	Complete      bool      `json:"complete"`
	Missing       []string  `json:"missing"`
}

// LegalJudgment is the versioned completeness sub-record of an XmlRecord.
// Identity and method completeness are reported separately.
type LegalJudgment struct {
	DocumentID       string         `json:"document_id,omitempty"`
	Category         string         `json:"category,omitempty"`
	IdentityComplete bool           `json:"identity_complete"`
	MethodComplete   bool           `json:"method_complete"`
	RequiredMethods  int            `json:"required_methods"`
	PresentMethods   int            `json:"present_methods"`
	MissingIdentity  []string       `json:"missing_identity"`
	MissingMethods   []string       `json:"missing_methods"`
	Groups           []GroupVerdict `json:"groups"`
	SnapshotVersion  string         `json:"snapshot_version"`
	JudgedRunID      string         `json:"judged_run_id"`
	JudgedAt         time.Time      `json:"judged_at"`
}
