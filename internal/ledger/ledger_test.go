package ledger

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestLedger(s *memStore) *Ledger {
	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return New(s, WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t0 = t0.Add(time.Second)
		return t0
	}))
}

func TestRegisterZip_SecondRunOnlyTouches(t *testing.T) {
	s := newMemStore()
	l := newTestLedger(s)
	ctx := context.Background()

	r1, err := l.RegisterZip(ctx, "run-1", "A1", "batch.zip", "/share/in", model.StructuralFindings{DataDirCount: 1, XMLCount: 3})
	require.NoError(t, err)
	assert.True(t, r1.IsNew)

	r2, err := l.RegisterZip(ctx, "run-2", "A1", "renamed.zip", "/elsewhere", model.StructuralFindings{XMLCount: 99})
	require.NoError(t, err)
	assert.False(t, r2.IsNew)
	assert.Equal(t, r1.ID, r2.ID)

	z, err := l.Zip(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, model.StructuralOK, z.Status)
	assert.Equal(t, 3, z.XMLCount)
	assert.Equal(t, "batch.zip", z.Name)
	assert.Equal(t, "run-1", z.FirstSeenRunID)
	assert.Equal(t, "run-2", z.LastSeenRunID)
	assert.True(t, z.LastSeenAt.After(z.FirstSeenAt))

	assert.Equal(t, []model.SightingAction{model.SightingNew}, s.actions("run-1"))
	assert.Equal(t, []model.SightingAction{model.SightingSeen}, s.actions("run-2"))
}

func TestRegisterZip_UnknownCodeBecomesUnexpected(t *testing.T) {
	s := newMemStore()
	l := newTestLedger(s)

	_, err := l.RegisterZip(context.Background(), "run-1", "B2", "x.zip", "", model.StructuralFindings{Code: "ZIP_WHATEVER", Message: "boom"})
	require.NoError(t, err)

	z, _ := l.Zip(context.Background(), "B2")
	assert.Equal(t, model.StructuralError, z.Status)
	assert.Equal(t, model.StructuralCodeUnexpected, z.ErrorCode)
	assert.Equal(t, "boom", z.ErrorMessage)
}

func TestRegisterZip_LostInsertRace(t *testing.T) {
	s := newMemStore()
	s.raceZip = true
	l := newTestLedger(s)

	r, err := l.RegisterZip(context.Background(), "run-1", "C3", "x.zip", "", model.StructuralFindings{})
	require.NoError(t, err)
	assert.False(t, r.IsNew)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, []model.SightingAction{model.SightingSeen}, s.actions("run-1"))
}

func TestRegisterZip_ConcurrentExactlyOneWinner(t *testing.T) {
	s := newMemStore()
	l := newTestLedger(s)

	var wg sync.WaitGroup
	results := make([]Registration, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := l.RegisterZip(context.Background(), "run-1", "D4", "x.zip", "", model.StructuralFindings{})
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		if r.IsNew {
			created++
		}
		assert.Equal(t, results[0].ID, r.ID)
	}
	assert.Equal(t, 1, created)
}

func TestRegisterXmlMember(t *testing.T) {
	s := newMemStore()
	l := newTestLedger(s)
	ctx := context.Background()

	r, err := l.RegisterXmlMember(ctx, "run-1", "Z", `DATA\h0001.xml`, "X1", 120, nil)
	require.NoError(t, err)
	assert.True(t, r.IsNew)

	x, err := l.Xml(ctx, "X1")
	require.NoError(t, err)
	assert.Equal(t, "DATA/h0001.xml", x.InnerPath)
	assert.Equal(t, PathHash("DATA/h0001.xml"), x.InnerPathHash)
	assert.Equal(t, model.ProcessPending, x.Status)

	// Same content inside a different archive is the same record.
	r2, err := l.RegisterXmlMember(ctx, "run-2", "Z2", "DATA/other.xml", "X1", 120, nil)
	require.NoError(t, err)
	assert.False(t, r2.IsNew)
	assert.Equal(t, r.ID, r2.ID)
	x, _ = l.Xml(ctx, "X1")
	assert.Equal(t, "Z", x.ZipHash)
	assert.Equal(t, "run-2", x.LastSeenRunID)
}

func TestRegisterXmlMember_PathCollision(t *testing.T) {
	s := newMemStore()
	l := newTestLedger(s)
	ctx := context.Background()

	_, err := l.RegisterXmlMember(ctx, "run-1", "Z", "DATA/a.xml", "X1", 1, nil)
	require.NoError(t, err)

	r, err := l.RegisterXmlMember(ctx, "run-1", "Z", "./DATA//a.xml", "X2", 1, nil)
	require.ErrorIs(t, err, ErrPathCollision)
	assert.True(t, r.Collision)
	assert.False(t, r.IsNew)

	_, err = l.Xml(ctx, "X2")
	assert.Error(t, err)
	assert.Equal(t, []model.SightingAction{model.SightingNew, model.SightingCollision}, s.actions("run-1"))
}

func TestRegisterItemValue_DenseOccurrences(t *testing.T) {
	s := newMemStore()
	l := newTestLedger(s)
	ctx := context.Background()

	v := model.ItemValue{XmlHash: "X1", ItemCode: "HT", RunID: "run-1", RawValue: "170"}

	v.Occurrence = 2
	assert.ErrorIs(t, l.RegisterItemValue(ctx, v), ErrOccurrenceGap)

	v.Occurrence = 1
	require.NoError(t, l.RegisterItemValue(ctx, v))
	assert.ErrorIs(t, l.RegisterItemValue(ctx, v), ErrOccurrenceDuplicate)

	v.Occurrence = 3
	assert.ErrorIs(t, l.RegisterItemValue(ctx, v), ErrOccurrenceGap)
	v.Occurrence = 2
	require.NoError(t, l.RegisterItemValue(ctx, v))

	// A later run starts numbering again.
	v.RunID, v.Occurrence = "run-2", 1
	require.NoError(t, l.RegisterItemValue(ctx, v))

	vals, err := l.ItemValues(ctx, "X1")
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, model.PresencePopulated, vals[0].Presence)
}

func TestRegisterItemValue_LeavesExtractionAlone(t *testing.T) {
	s := newMemStore()
	l := newTestLedger(s)
	ctx := context.Background()
	_, err := l.RegisterXmlMember(ctx, "run-1", "Z", "DATA/a.xml", "X1", 1, nil)
	require.NoError(t, err)

	first := NewItemExtraction("X1", "run-1")
	require.NoError(t, first.AddExtracted([]model.ExtractedItem{
		{ItemCode: "A", RawValue: "1"},
		{ItemCode: "B", RawValue: "x"},
	}))
	require.NoError(t, l.CommitItemExtraction(ctx, first))

	require.NoError(t, l.RegisterItemValue(ctx, model.ItemValue{XmlHash: "X1", ItemCode: "A", Occurrence: 1, RunID: "run-2", RawValue: "9"}))

	vals, err := l.ItemValues(ctx, "X1")
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, "run-2", vals[0].RunID)
	assert.Equal(t, "9", vals[0].RawValue)
	assert.Equal(t, "run-1", vals[1].RunID, "earlier values are not superseded")

	x, err := l.Xml(ctx, "X1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", x.ItemsRunID)
	assert.Equal(t, 2, x.ItemCount)

	second := NewItemExtraction("X1", "run-2")
	require.NoError(t, second.AddExtracted([]model.ExtractedItem{{ItemCode: "A", RawValue: "9"}}))
	require.NoError(t, l.CommitItemExtraction(ctx, second))
	vals, err = l.ItemValues(ctx, "X1")
	require.NoError(t, err)
	require.Len(t, vals, 1)
}

func TestAssignOccurrences(t *testing.T) {
	got := AssignOccurrences("X", []model.ExtractedItem{
		{ItemCode: "A", RawValue: "1"},
		{ItemCode: "B", RawValue: ""},
		{ItemCode: "A", RawValue: "2"},
		{ItemCode: "A", Presence: model.PresenceNullFlavor, NullFlavor: "UNK"},
	})
	require.Len(t, got, 4)
	assert.Equal(t, 1, got[0].Occurrence)
	assert.Equal(t, 1, got[1].Occurrence)
	assert.Equal(t, model.PresenceEmpty, got[1].Presence)
	assert.Equal(t, 2, got[2].Occurrence)
	assert.Equal(t, 3, got[3].Occurrence)
	assert.Equal(t, model.PresenceNullFlavor, got[3].Presence)
	assert.Equal(t, "X", got[3].XmlHash)
}

func TestItemExtraction_Add(t *testing.T) {
	x := NewItemExtraction("X", "run-1")
	require.NoError(t, x.Add(model.ItemValue{ItemCode: "A", Occurrence: 1}))
	assert.ErrorIs(t, x.Add(model.ItemValue{ItemCode: "A", Occurrence: 1}), ErrOccurrenceDuplicate)
	assert.ErrorIs(t, x.Add(model.ItemValue{ItemCode: "A", Occurrence: 3}), ErrOccurrenceGap)
	require.NoError(t, x.Add(model.ItemValue{ItemCode: "A", Occurrence: 2}))
	assert.Error(t, x.Add(model.ItemValue{Occurrence: 1}))
	assert.Equal(t, 2, x.Len())
	assert.Equal(t, "run-1", x.Values()[1].RunID)
}

func TestCommitItemExtraction_SupersedesStaleRows(t *testing.T) {
	s := newMemStore()
	l := newTestLedger(s)
	ctx := context.Background()
	_, err := l.RegisterXmlMember(ctx, "run-1", "Z", "DATA/a.xml", "X1", 1, nil)
	require.NoError(t, err)

	first := NewItemExtraction("X1", "run-1")
	require.NoError(t, first.AddExtracted([]model.ExtractedItem{
		{ItemCode: "A", RawValue: "1"},
		{ItemCode: "A", RawValue: "2"},
		{ItemCode: "B", RawValue: "x"},
	}))
	require.NoError(t, l.CommitItemExtraction(ctx, first))

	second := NewItemExtraction("X1", "run-2")
	require.NoError(t, second.AddExtracted([]model.ExtractedItem{{ItemCode: "A", RawValue: "1"}}))
	require.NoError(t, l.CommitItemExtraction(ctx, second))

	vals, err := l.ItemValues(ctx, "X1")
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "run-2", vals[0].RunID)
	assert.Len(t, s.items, 3, "superseded rows are kept")

	x, _ := l.Xml(ctx, "X1")
	assert.Equal(t, model.ProcessOK, x.ItemsStatus)
	assert.Equal(t, 1, x.ItemCount)
	assert.Equal(t, "run-2", x.ItemsRunID)
}

func TestFailItemExtraction_ClipsMessage(t *testing.T) {
	s := newMemStore()
	l := newTestLedger(s)
	ctx := context.Background()
	_, err := l.RegisterXmlMember(ctx, "run-1", "Z", "DATA/a.xml", "X1", 1, nil)
	require.NoError(t, err)

	require.NoError(t, l.FailItemExtraction(ctx, "X1", "run-1", strings.Repeat("検", model.MaxMessageLen+50)))
	x, _ := l.Xml(ctx, "X1")
	assert.Equal(t, model.ProcessError, x.ItemsStatus)
	assert.Len(t, []rune(x.ItemsError), model.MaxMessageLen)
}

func TestRecordExtractionAndJudgment(t *testing.T) {
	s := newMemStore()
	l := newTestLedger(s)
	ctx := context.Background()
	_, err := l.RegisterXmlMember(ctx, "run-1", "Z", "DATA/a.xml", "X1", 1, nil)
	require.NoError(t, err)

	require.NoError(t, l.RecordExtraction(ctx, "X1", "run-1", model.ExtractionOutcome{
		Status:   model.ProcessOK,
		Identity: model.DocumentIdentity{DocumentID: "doc-1"},
		Category: "tokutei",
	}))
	require.NoError(t, l.SaveJudgment(ctx, "X1", model.LegalJudgment{DocumentID: "doc-1", MethodComplete: true, JudgedRunID: "run-1"}))
	require.NoError(t, l.SaveJudgment(ctx, "X1", model.LegalJudgment{DocumentID: "doc-1", MethodComplete: false, JudgedRunID: "run-2"}))

	x, _ := l.Xml(ctx, "X1")
	assert.Equal(t, "doc-1", x.Identity.DocumentID)
	assert.Equal(t, "run-1", x.ExtractedRunID)
	require.NotNil(t, x.Judgment)
	assert.Equal(t, "run-2", x.Judgment.JudgedRunID)
	assert.False(t, x.Judgment.MethodComplete)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"DATA/a.xml", "DATA/a.xml"},
		{`DATA\sub\a.xml`, "DATA/sub/a.xml"},
		{"/DATA/./a.xml", "DATA/a.xml"},
		{"DATA//x/../a.xml", "DATA/a.xml"},
		{"../../a.xml", "a.xml"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.in))
		})
	}
}
