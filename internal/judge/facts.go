package judge

import (
	"sort"
	"strings"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// Facts is what a document actually carries, keyed by item code. A code with
// no stored value is absent; otherwise it is empty, null_flavor, or populated,
// taking the strongest presence across occurrences.
type Facts struct {
	presence map[string]model.Presence
	values   map[string]string
}

// NewFacts builds facts from a document's stored item values.
func NewFacts(values []model.ItemValue) Facts {
	sorted := make([]model.ItemValue, len(values))
	copy(sorted, values)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ItemCode != sorted[j].ItemCode {
			return sorted[i].ItemCode < sorted[j].ItemCode
		}
		return sorted[i].Occurrence < sorted[j].Occurrence
	})

	f := Facts{
		presence: make(map[string]model.Presence, len(sorted)),
		values:   make(map[string]string, len(sorted)),
	}
	for _, v := range sorted {
		f.add(v.ItemCode, v.Presence, v.RawValue)
	}
	return f
}

// FactsOf builds facts from a plain code → presence map. Populated codes get
// a placeholder value.
func FactsOf(presence map[string]model.Presence) Facts {
	f := Facts{
		presence: make(map[string]model.Presence, len(presence)),
		values:   make(map[string]string, len(presence)),
	}
	for code, p := range presence {
		f.add(code, p, code)
	}
	return f
}

func (f *Facts) add(code string, p model.Presence, raw string) {
	if rank(p) > rank(f.presence[code]) {
		f.presence[code] = p
	}
	if p == model.PresencePopulated {
		if _, ok := f.values[code]; !ok {
			f.values[code] = strings.TrimSpace(raw)
		}
	}
}

func rank(p model.Presence) int {
	switch p {
	case model.PresencePopulated:
		return 3
	case model.PresenceNullFlavor:
		return 2
	case model.PresenceEmpty:
		return 1
	}
	return 0
}

// Presence returns the presence of code; ok is false when it is absent.
func (f Facts) Presence(code string) (model.Presence, bool) {
	p, ok := f.presence[code]
	return p, ok
}

// Populated reports whether code has a non-empty, non-null-flavor value.
func (f Facts) Populated(code string) bool {
	return f.presence[code] == model.PresencePopulated
}

// Value is the first populated value of code in document order.
func (f Facts) Value(code string) (string, bool) {
	v, ok := f.values[code]
	return v, ok
}

func (f Facts) activation() map[string]any {
	presence := make(map[string]string, len(f.presence))
	for k, p := range f.presence {
		presence[k] = string(p)
	}
	values := make(map[string]string, len(f.values))
	for k, v := range f.values {
		values[k] = v
	}
	return map[string]any{"values": values, "presence": presence}
}
