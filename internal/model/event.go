package model

import "time"

// MatchStatus is the reconciliation state of an Event.
type MatchStatus string

const (
	MatchNew         MatchStatus = "NEW"
	MatchAuto        MatchStatus = "AUTO_MATCH"
	MatchNeedsReview MatchStatus = "NEEDS_REVIEW"
	MatchConfirmed   MatchStatus = "CONFIRMED"
	MatchOverridden  MatchStatus = "OVERRIDDEN"
	MatchOutOfScope  MatchStatus = "OUT_OF_SCOPE"
)

// MatchStatuses lists every state.
var MatchStatuses = []MatchStatus{
	MatchNew, MatchAuto, MatchNeedsReview, MatchConfirmed, MatchOverridden, MatchOutOfScope,
}

// ParseMatchStatus returns the status named s, or false.
func ParseMatchStatus(s string) (MatchStatus, bool) {
	for _, m := range MatchStatuses {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// Actor identifies who drives a transition.
type Actor string

const (
	ActorSystem   Actor = "system"
	ActorPolicy   Actor = "policy"
	ActorReviewer Actor = "reviewer"
	ActorAdmin    Actor = "admin"
)

// Human reports whether a is a person rather than the engine.
func (a Actor) Human() bool {
	return a == ActorReviewer || a == ActorAdmin
}

// SourceKey is the idempotency key of an Event.
type SourceKey struct {
	System   string `json:"source_system"`
	Table    string `json:"source_table"`
	RecordID string `json:"source_record_id"`
}

// Event is one normalized occurrence extracted from a source system.
type Event struct {
	ID     string    `json:"id"`
	Source SourceKey `json:"source"`

	EventType     string      `json:"event_type"`
	EventDate     string      `json:"event_date,omitempty"`
	PersonKey     string      `json:"person_key,omitempty"`
	PersonKeyType string      `json:"person_key_type,omitempty"`
	Subject       SubjectHint `json:"subject"`
	XmlHash       string      `json:"xml_hash,omitempty"`

	Status          MatchStatus `json:"match_status"`
	MatchReason     string      `json:"match_reason,omitempty"`
	MatchConfidence float64     `json:"match_confidence,omitempty"`
	CandidateIDs    []string    `json:"candidate_ids,omitempty"`
	InsurerNumber   string      `json:"insurer_number,omitempty"`
	PersonID        string      `json:"person_id,omitempty"`

	PersonIDFinal string     `json:"person_id_final,omitempty"`
	ReviewedBy    string     `json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`
	ReviewNote    string     `json:"review_note,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscriber is an identity master record.
type Subscriber struct {
	ID              string `json:"id"`
	InsurerNumber   string `json:"insurer_number"`
	InsuranceSymbol string `json:"insurance_symbol"`
	InsuranceNumber string `json:"insurance_number"`
	BranchNumber    string `json:"branch_number,omitempty"`
	BirthDate       string `json:"birth_date"`
	KanaName        string `json:"kana_name,omitempty"`
	Gender          string `json:"gender,omitempty"`
	PersonKey       string `json:"person_key,omitempty"`
}

// MatchTransition is one audited change of an Event's match status.
type MatchTransition struct {
	ID         int64       `json:"id"`
	EventID    string      `json:"event_id"`
	From       MatchStatus `json:"from_status"`
	To         MatchStatus `json:"to_status"`
	Actor      Actor       `json:"actor"`
	ActorName  string      `json:"actor_name,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	PersonID   string      `json:"person_id,omitempty"`
	RunID      string      `json:"run_id,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}
