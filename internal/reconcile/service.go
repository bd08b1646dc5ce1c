// Package reconcile records source events exactly once and drives each
// through the match-status lifecycle against the subscriber master. Every
// status change is guarded by the event version and appended to history.
package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// EventInput is an event as extracted from a source system.
type EventInput struct {
	Source        model.SourceKey
	EventType     string
	EventDate     string
	PersonKey     string
	PersonKeyType string
	Subject       model.SubjectHint
	XmlHash       string
	InsurerNumber string
	RunID         string
}

// Review carries the human side of a transition.
type Review struct {
	// Version is the event version the reviewer saw. Zero means the current one.
	Version  int64
	Reviewer string
	Reason   string
	PersonID string
}

// Service is the reconciliation ledger.
type Service struct {
	store   Store
	matcher *Matcher
	now     func() time.Time
	log     *zap.Logger
}

// NewService returns a Service.
func NewService(store Store, matcher *Matcher) *Service {
	return &Service{
		store:   store,
		matcher: matcher,
		now:     func() time.Time { return time.Now().UTC() },
		log:     zap.L().With(zap.String("component", "reconcile")),
	}
}

// RecordEvent stores in once per source key. A replay returns the existing
// id with created=false and refreshes only the descriptive attributes.
func (s *Service) RecordEvent(ctx context.Context, in EventInput) (string, bool, error) {
	if in.Source.System == "" || in.Source.Table == "" || in.Source.RecordID == "" {
		return "", false, eris.New("reconcile: source system, table, and record id are required")
	}
	now := s.now()
	e := model.Event{
		Source:        in.Source,
		EventType:     in.EventType,
		EventDate:     in.EventDate,
		PersonKey:     in.PersonKey,
		PersonKeyType: in.PersonKeyType,
		Subject:       in.Subject,
		XmlHash:       in.XmlHash,
		InsurerNumber: in.InsurerNumber,
		Status:        model.MatchNew,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	id, created, err := s.store.InsertEvent(ctx, e, model.MatchTransition{
		To:         model.MatchNew,
		Actor:      model.ActorSystem,
		Reason:     "recorded",
		RunID:      in.RunID,
		OccurredAt: now,
	})
	if err != nil {
		return "", false, eris.Wrapf(err, "reconcile: record event %s/%s/%s", in.Source.System, in.Source.Table, in.Source.RecordID)
	}
	if created {
		transitionsTotal.WithLabelValues("", string(model.MatchNew), string(model.ActorSystem)).Inc()
		return id, true, nil
	}

	id, err = s.store.RefreshEvent(ctx, e)
	if err != nil {
		return "", false, eris.Wrap(err, "reconcile: refresh replayed event")
	}
	return id, false, nil
}

// Event returns one event.
func (s *Service) Event(ctx context.Context, id string) (*model.Event, error) {
	return s.store.GetEvent(ctx, id)
}

// Events lists events.
func (s *Service) Events(ctx context.Context, f EventFilter) ([]model.Event, error) {
	return s.store.ListEvents(ctx, f)
}

// History returns the transitions of an event, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]model.MatchTransition, error) {
	return s.store.History(ctx, id)
}

// Match runs automatic matching. It acts only on NEW events; anything else is
// returned unchanged, so reviewed events are never overwritten. An event with
// no candidate subscriber is left NEW without a transition.
func (s *Service) Match(ctx context.Context, id, runID string) (*model.Event, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != model.MatchNew {
		return e, nil
	}

	if s.matcher.Excluded(e.EventType) {
		c := s.change(e, model.MatchOutOfScope, model.ActorPolicy, "", "event type "+e.EventType+" excluded", runID)
		c.MatchReason = c.Transition.Reason
		return s.apply(ctx, e, c)
	}

	d, err := s.matcher.Decide(ctx, e)
	if err != nil {
		return nil, err
	}
	if d.Status == model.MatchNew {
		// Stays NEW with no person so a later Match can pick up subscribers
		// loaded after the event arrived.
		s.log.Debug("event left unmatched",
			zap.String("event_id", e.ID),
			zap.String("reason", d.Reason),
		)
		return e, nil
	}
	c := s.change(e, d.Status, model.ActorSystem, "", d.Reason, runID)
	c.MatchReason = d.Reason
	c.MatchConfidence = d.Confidence
	c.CandidateIDs = d.Candidates
	c.PersonID = d.PersonID
	c.Transition.PersonID = d.PersonID
	return s.apply(ctx, e, c)
}

// Confirm accepts a match. PersonID may be empty to accept the proposed
// person, or name one of the candidates.
func (s *Service) Confirm(ctx context.Context, id string, r Review) (*model.Event, error) {
	e, err := s.load(ctx, id, r)
	if err != nil {
		return nil, err
	}
	person := r.PersonID
	if person == "" {
		person = e.PersonID
	}
	if person == "" {
		return nil, eris.Wrapf(ErrPersonRequired, "confirm %s", id)
	}
	if person != e.PersonID && !contains(e.CandidateIDs, person) {
		return nil, eris.Wrapf(ErrNotCandidate, "confirm %s as %s", id, person)
	}
	c := s.change(e, model.MatchConfirmed, model.ActorReviewer, r.Reviewer, r.Reason, "")
	s.review(&c, r, person)
	return s.apply(ctx, e, c)
}

// Override assigns a person chosen by the reviewer. A reason is required.
func (s *Service) Override(ctx context.Context, id string, r Review) (*model.Event, error) {
	if strings.TrimSpace(r.Reason) == "" {
		return nil, eris.Wrapf(ErrReasonRequired, "override %s", id)
	}
	if r.PersonID == "" {
		return nil, eris.Wrapf(ErrPersonRequired, "override %s", id)
	}
	e, err := s.load(ctx, id, r)
	if err != nil {
		return nil, err
	}
	c := s.change(e, model.MatchOverridden, model.ActorReviewer, r.Reviewer, r.Reason, "")
	s.review(&c, r, r.PersonID)
	return s.apply(ctx, e, c)
}

// MarkOutOfScope closes an event as not needing a subscriber.
func (s *Service) MarkOutOfScope(ctx context.Context, id string, r Review) (*model.Event, error) {
	e, err := s.load(ctx, id, r)
	if err != nil {
		return nil, err
	}
	c := s.change(e, model.MatchOutOfScope, model.ActorReviewer, r.Reviewer, r.Reason, "")
	s.review(&c, r, "")
	return s.apply(ctx, e, c)
}

// Reopen is the administrative escape hatch: a terminal event goes back to
// NEEDS_REVIEW and loses its final person. A reason is required.
func (s *Service) Reopen(ctx context.Context, id string, r Review) (*model.Event, error) {
	if strings.TrimSpace(r.Reason) == "" {
		return nil, eris.Wrapf(ErrReasonRequired, "reopen %s", id)
	}
	e, err := s.load(ctx, id, r)
	if err != nil {
		return nil, err
	}
	c := s.change(e, model.MatchNeedsReview, model.ActorAdmin, r.Reviewer, r.Reason, "")
	s.review(&c, r, "")
	return s.apply(ctx, e, c)
}

func (s *Service) load(ctx context.Context, id string, r Review) (*model.Event, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Version != 0 && r.Version != e.Version {
		return nil, eris.Wrapf(ErrConflict, "event %s is at version %d, not %d", id, e.Version, r.Version)
	}
	return e, nil
}

func (s *Service) change(e *model.Event, to model.MatchStatus, actor model.Actor, actorName, reason, runID string) Change {
	now := s.now()
	return Change{
		EventID:         e.ID,
		FromVersion:     e.Version,
		From:            e.Status,
		To:              to,
		MatchReason:     e.MatchReason,
		MatchConfidence: e.MatchConfidence,
		CandidateIDs:    e.CandidateIDs,
		PersonID:        e.PersonID,
		PersonIDFinal:   e.PersonIDFinal,
		ReviewedBy:      e.ReviewedBy,
		ReviewedAt:      e.ReviewedAt,
		ReviewNote:      e.ReviewNote,
		Transition: model.MatchTransition{
			EventID:    e.ID,
			From:       e.Status,
			To:         to,
			Actor:      actor,
			ActorName:  actorName,
			Reason:     model.ClipMessage(reason),
			RunID:      runID,
			OccurredAt: now,
		},
	}
}

func (s *Service) review(c *Change, r Review, personFinal string) {
	at := c.Transition.OccurredAt
	c.PersonIDFinal = personFinal
	c.ReviewedBy = r.Reviewer
	c.ReviewedAt = &at
	c.ReviewNote = model.ClipMessage(r.Reason)
	c.Transition.PersonID = personFinal
}

func (s *Service) apply(ctx context.Context, e *model.Event, c Change) (*model.Event, error) {
	if err := checkTransition(c.From, c.To, c.Transition.Actor); err != nil {
		return nil, eris.Wrapf(err, "event %s", e.ID)
	}
	applied, err := s.store.ApplyChange(ctx, c)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: apply %s -> %s", c.From, c.To)
	}
	if !applied {
		return nil, eris.Wrapf(ErrConflict, "event %s version %d", e.ID, c.FromVersion)
	}
	transitionsTotal.WithLabelValues(string(c.From), string(c.To), string(c.Transition.Actor)).Inc()
	s.log.Info("match status changed",
		zap.String("event_id", e.ID),
		zap.String("from", string(c.From)),
		zap.String("to", string(c.To)),
		zap.String("actor", string(c.Transition.Actor)),
	)
	return s.store.GetEvent(ctx, e.ID)
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
