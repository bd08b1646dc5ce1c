package reconcile

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// Sentinel errors.
var (
	ErrTransition     = eris.New("reconcile: transition not allowed")
	ErrConflict       = eris.New("reconcile: event changed concurrently")
	ErrReasonRequired = eris.New("reconcile: reason required")
	ErrPersonRequired = eris.New("reconcile: person id required")
	ErrNotCandidate   = eris.New("reconcile: person is not a candidate")
)

type edge struct {
	from, to model.MatchStatus
}

// transitions is the allowed table. Reopen is handled separately.
var transitions = map[edge][]model.Actor{
	{model.MatchNew, model.MatchAuto}:        {model.ActorSystem},
	{model.MatchNew, model.MatchNeedsReview}: {model.ActorSystem},
	{model.MatchNew, model.MatchOutOfScope}:  {model.ActorPolicy},

	{model.MatchAuto, model.MatchConfirmed}:  {model.ActorReviewer, model.ActorAdmin},
	{model.MatchAuto, model.MatchOverridden}: {model.ActorReviewer, model.ActorAdmin},
	{model.MatchAuto, model.MatchOutOfScope}: {model.ActorReviewer, model.ActorAdmin},

	{model.MatchNeedsReview, model.MatchConfirmed}:  {model.ActorReviewer, model.ActorAdmin},
	{model.MatchNeedsReview, model.MatchOverridden}: {model.ActorReviewer, model.ActorAdmin},
	{model.MatchNeedsReview, model.MatchOutOfScope}: {model.ActorReviewer, model.ActorAdmin},

	{model.MatchConfirmed, model.MatchOverridden}: {model.ActorReviewer, model.ActorAdmin},
}

// Terminal reports whether s ends the lifecycle. Only an administrative
// reopen leaves a terminal state.
func Terminal(s model.MatchStatus) bool {
	switch s {
	case model.MatchConfirmed, model.MatchOverridden, model.MatchOutOfScope:
		return true
	}
	return false
}

// CanTransition reports whether actor may move an event from one status to
// another.
func CanTransition(from, to model.MatchStatus, actor model.Actor) bool {
	if actor == model.ActorAdmin && to == model.MatchNeedsReview && Terminal(from) {
		return true
	}
	for _, a := range transitions[edge{from, to}] {
		if a == actor {
			return true
		}
	}
	return false
}

func checkTransition(from, to model.MatchStatus, actor model.Actor) error {
	if CanTransition(from, to, actor) {
		return nil
	}
	return eris.Wrapf(ErrTransition, "%s -> %s by %s", from, to, actor)
}
