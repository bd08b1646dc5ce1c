package reconcile

import (
	"context"
	"time"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// EventFilter narrows ListEvents.
type EventFilter struct {
	Status    model.MatchStatus
	EventType string
	Limit     int
	Offset    int
}

// Change is one guarded update of an event's match state. It applies only
// while the stored row still has FromVersion and From.
type Change struct {
	EventID     string
	FromVersion int64
	From        model.MatchStatus
	To          model.MatchStatus

	MatchReason     string
	MatchConfidence float64
	CandidateIDs    []string
	PersonID        string
	PersonIDFinal   string
	ReviewedBy      string
	ReviewedAt      *time.Time
	ReviewNote      string

	Transition model.MatchTransition
}

// Store is the persistence the reconciliation ledger needs.
type Store interface {
	// InsertEvent creates e unless its source key exists, recording initial
	// as the first history entry. created is false on replay.
	InsertEvent(ctx context.Context, e model.Event, initial model.MatchTransition) (id string, created bool, err error)
	// RefreshEvent updates the descriptive attributes of an existing event.
	// Match state is never touched.
	RefreshEvent(ctx context.Context, e model.Event) (id string, err error)
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error)
	// ApplyChange writes c and its transition atomically. applied is false
	// when the version guard did not match.
	ApplyChange(ctx context.Context, c Change) (applied bool, err error)
	History(ctx context.Context, eventID string) ([]model.MatchTransition, error)
}

// SubscriberIndex looks up subscriber candidates by comparison keys.
type SubscriberIndex interface {
	ByInsurance(ctx context.Context, insurerKey, symbolKey, numberKey string) ([]model.Subscriber, error)
	ByPersonKey(ctx context.Context, personKey string) ([]model.Subscriber, error)
}
