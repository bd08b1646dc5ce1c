// Package judge decides statutory completeness of a document from the item
// groups of a reference snapshot. Each group is judged twice, once by its
// identity members and once by its required methods, and both verdicts are
// reported.
package judge

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kenshin-ledger/internal/model"
	"github.com/sells-group/kenshin-ledger/internal/reference"
)

const conditionCostLimit = 10_000

// Judge evaluates item groups against document facts. It is safe for
// concurrent use once built.
type Judge struct {
	snap     *reference.Snapshot
	programs map[string]cel.Program
	log      *zap.Logger
}

// New compiles every identity condition in snap. A condition that does not
// compile, or does not yield a bool, fails the whole snapshot.
func New(snap *reference.Snapshot) (*Judge, error) {
	env, err := cel.NewEnv(
		cel.Variable("values", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("presence", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, eris.Wrap(err, "judge: create cel env")
	}

	j := &Judge{
		snap:     snap,
		programs: make(map[string]cel.Program),
		log:      zap.L().With(zap.String("component", "judge")),
	}
	for _, expr := range snap.Conditions() {
		if _, ok := j.programs[expr]; ok {
			continue
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, eris.Wrapf(issues.Err(), "judge: compile condition %q", expr)
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, eris.Errorf("judge: condition %q yields %s, want bool", expr, ast.OutputType())
		}
		prg, err := env.Program(ast, cel.CostLimit(conditionCostLimit))
		if err != nil {
			return nil, eris.Wrapf(err, "judge: program for condition %q", expr)
		}
		j.programs[expr] = prg
	}
	return j, nil
}

// Snapshot returns the reference snapshot the judge was built from.
func (j *Judge) Snapshot() *reference.Snapshot { return j.snap }

// Judge returns an identity and a method verdict for every active group
// relevant to category.
func (j *Judge) Judge(documentID, category string, f Facts) []model.GroupVerdict {
	var out []model.GroupVerdict
	var act map[string]any
	for _, g := range j.snap.ActiveGroups(category) {
		id := model.GroupVerdict{GroupCode: g.Code, View: model.ViewIdentity, Missing: []string{}}
		for _, m := range g.Identity {
			if !m.Required {
				continue
			}
			id.RequiredCount++
			if m.Kind == model.IdentityCondition && act == nil {
				act = f.activation()
			}
			if j.satisfied(documentID, m, f, act) {
				id.PresentCount++
				continue
			}
			id.Missing = append(id.Missing, missingLabel(m))
		}
		id.Complete = id.PresentCount == id.RequiredCount

		meth := model.GroupVerdict{GroupCode: g.Code, View: model.ViewMethod, Missing: []string{}}
		for _, m := range g.Members {
			if m.Kind != model.MemberKindMethod || !m.Required {
				continue
			}
			meth.RequiredCount++
			if f.Populated(m.Code) {
				meth.PresentCount++
				continue
			}
			meth.Missing = append(meth.Missing, m.Code)
		}
		meth.Complete = meth.PresentCount == meth.RequiredCount

		out = append(out, id, meth)
	}
	return out
}

func (j *Judge) satisfied(documentID string, m model.IdentityMember, f Facts, act map[string]any) bool {
	switch m.Kind {
	case model.IdentityDirect:
		return f.Populated(m.ItemCode)
	case model.IdentityPresence:
		for _, code := range m.Namecodes {
			if f.Populated(code) {
				return true
			}
		}
		return false
	case model.IdentityCondition:
		prg, ok := j.programs[m.Condition]
		if !ok {
			return false
		}
		val, _, err := prg.Eval(act)
		if err != nil {
			// Missing map keys land here; the member is simply unsatisfied.
			j.log.Debug("condition not satisfied",
				zap.String("document_id", documentID),
				zap.String("member", m.Key),
				zap.Error(err),
			)
			return false
		}
		b, ok := val.Value().(bool)
		return ok && b
	}
	return false
}

func missingLabel(m model.IdentityMember) string {
	switch m.Kind {
	case model.IdentityDirect:
		return m.ItemCode
	case model.IdentityPresence:
		if m.Key != "" {
			return m.Key
		}
		return strings.Join(m.Namecodes, "|")
	}
	return m.Key
}

// Aggregate folds group verdicts into the legal completeness sub-record of a
// document. A document with no applicable group is complete under neither view.
func (j *Judge) Aggregate(documentID, category string, verdicts []model.GroupVerdict, runID string) model.LegalJudgment {
	lj := model.LegalJudgment{
		DocumentID:      documentID,
		Category:        category,
		MissingIdentity: []string{},
		MissingMethods:  []string{},
		Groups:          verdicts,
		SnapshotVersion: j.snap.Version(),
		JudgedRunID:     runID,
		JudgedAt:        time.Now().UTC(),
	}
	if len(verdicts) == 0 {
		return lj
	}

	lj.IdentityComplete, lj.MethodComplete = true, true
	seen := map[string]bool{}
	for _, v := range verdicts {
		switch v.View {
		case model.ViewIdentity:
			lj.IdentityComplete = lj.IdentityComplete && v.Complete
			lj.MissingIdentity = appendUnique(lj.MissingIdentity, seen, "i:", v.Missing)
		case model.ViewMethod:
			lj.MethodComplete = lj.MethodComplete && v.Complete
			lj.RequiredMethods += v.RequiredCount
			lj.PresentMethods += v.PresentCount
			lj.MissingMethods = appendUnique(lj.MissingMethods, seen, "m:", v.Missing)
		}
	}
	return lj
}

// Document judges and aggregates in one step.
func (j *Judge) Document(documentID, category string, f Facts, runID string) model.LegalJudgment {
	return j.Aggregate(documentID, category, j.Judge(documentID, category, f), runID)
}

func appendUnique(dst []string, seen map[string]bool, ns string, codes []string) []string {
	for _, c := range codes {
		if seen[ns+c] {
			continue
		}
		seen[ns+c] = true
		dst = append(dst, c)
	}
	return dst
}
