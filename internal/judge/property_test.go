package judge

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sells-group/kenshin-ledger/internal/model"
	"github.com/sells-group/kenshin-ledger/internal/reference"
)

var codes = []string{"A", "B", "D", "MS", "M1", "M2"}

// absent, empty, null flavor, populated
var presences = []model.Presence{"", model.PresenceEmpty, model.PresenceNullFlavor, model.PresencePopulated}

func TestProperty_JudgingIsMonotonic(t *testing.T) {
	g := coreGroup()
	g.Identity = append(g.Identity,
		model.IdentityMember{Key: "doc", Kind: model.IdentityPresence, Namecodes: []string{"D", "MS"}, Required: true},
		model.IdentityMember{Key: "pair", Kind: model.IdentityCondition, Condition: `"A" in values && presence["M1"] == "populated"`, Required: true},
	)
	snap, err := reference.New(reference.Content{Groups: []model.ItemGroup{g}})
	if err != nil {
		t.Fatal(err)
	}
	j, err := New(snap)
	if err != nil {
		t.Fatal(err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("populating one more code never loses completeness", prop.ForAll(
		func(ps []int, pick int) bool {
			before := map[string]model.Presence{}
			for i, p := range ps {
				if presences[p] != "" {
					before[codes[i]] = presences[p]
				}
			}
			after := map[string]model.Presence{}
			for k, v := range before {
				after[k] = v
			}
			after[codes[pick]] = model.PresencePopulated

			vb := j.Judge("d", "tokutei", FactsOf(before))
			va := j.Judge("d", "tokutei", FactsOf(after))
			for i := range vb {
				if va[i].PresentCount < vb[i].PresentCount {
					return false
				}
				if vb[i].Complete && !va[i].Complete {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(len(codes), gen.IntRange(0, len(presences)-1)),
		gen.IntRange(0, len(codes)-1),
	))

	properties.TestingRun(t)
}
