package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/kenshin-ledger/internal/ledger"
	"github.com/sells-group/kenshin-ledger/internal/model"
	"github.com/sells-group/kenshin-ledger/internal/reconcile"
	"github.com/sells-group/kenshin-ledger/internal/runs"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func startRun(t *testing.T, st Store) string {
	t.Helper()
	r, err := runs.New(st).Start(context.Background(), model.RunPhaseImport, "test", "")
	require.NoError(t, err)
	return r.ID
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))

	var n int
	require.NoError(t, st.c.queryRow(context.Background(), `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)
}

// --- Content ledger ---

func TestSQLite_RegisterZip_FirstSightingThenTouch(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	l := ledger.New(st)
	run1, run2 := startRun(t, st), startRun(t, st)

	reg, err := l.RegisterZip(ctx, run1, "zh1", "a.zip", "in/a.zip", model.StructuralFindings{DataDirCount: 1, XMLCount: 2})
	require.NoError(t, err)
	assert.True(t, reg.IsNew)

	again, err := l.RegisterZip(ctx, run2, "zh1", "renamed.zip", "", model.StructuralFindings{Code: model.StructuralCodePassword})
	require.NoError(t, err)
	assert.False(t, again.IsNew)
	assert.Equal(t, reg.ID, again.ID)

	z, err := st.GetZip(ctx, "zh1")
	require.NoError(t, err)
	assert.Equal(t, "a.zip", z.Name)
	assert.Equal(t, model.StructuralOK, z.Status)
	assert.Equal(t, 2, z.XMLCount)
	assert.Equal(t, run1, z.FirstSeenRunID)
	assert.Equal(t, run2, z.LastSeenRunID)

	s1, err := st.Sightings(ctx, run1)
	require.NoError(t, err)
	require.Len(t, s1, 1)
	assert.Equal(t, model.SightingNew, s1[0].Action)
	s2, err := st.Sightings(ctx, run2)
	require.NoError(t, err)
	require.Len(t, s2, 1)
	assert.Equal(t, model.SightingSeen, s2[0].Action)
}

func TestSQLite_InsertZip_Conflict(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	rec := model.ZipRecord{Hash: "zh", Status: model.StructuralOK, FirstSeenRunID: "r", FirstSeenAt: now, LastSeenRunID: "r", LastSeenAt: now}

	id1, created, err := st.InsertZip(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)
	id2, created, err := st.InsertZip(ctx, rec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)
}

func TestSQLite_GetZip_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetZip(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_RegisterZip_Concurrent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	l := ledger.New(st)
	runID := startRun(t, st)

	var wg sync.WaitGroup
	results := make([]ledger.Registration, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.RegisterZip(ctx, runID, "same", "a.zip", "", model.StructuralFindings{})
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].IsNew {
			created++
		}
		assert.Equal(t, results[0].ID, results[i].ID)
	}
	assert.Equal(t, 1, created)
}

func TestSQLite_RegisterXml_PathCollision(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	l := ledger.New(st)
	runID := startRun(t, st)

	_, err := l.RegisterZip(ctx, runID, "zh", "a.zip", "", model.StructuralFindings{XMLCount: 1})
	require.NoError(t, err)

	first, err := l.RegisterXmlMember(ctx, runID, "zh", `DATA\h1.xml`, "x1", 10, nil)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	dup, err := l.RegisterXmlMember(ctx, runID, "zh", "DATA/h1.xml", "x1", 10, nil)
	require.NoError(t, err)
	assert.False(t, dup.IsNew)
	assert.Equal(t, first.ID, dup.ID)

	coll, err := l.RegisterXmlMember(ctx, runID, "zh", "/DATA/h1.xml", "x2", 11, nil)
	assert.ErrorIs(t, err, ledger.ErrPathCollision)
	assert.True(t, coll.Collision)

	_, err = st.GetXml(ctx, "x2")
	assert.ErrorIs(t, err, ErrNotFound)

	x, err := st.GetXml(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, "DATA/h1.xml", x.InnerPath)
	assert.Equal(t, model.ProcessPending, x.Status)
	assert.Nil(t, x.Judgment)

	list, err := st.ListXml(ctx, "zh")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLite_ExtractionAndJudgment(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	l := ledger.New(st)
	runID := startRun(t, st)

	_, err := l.RegisterXmlMember(ctx, runID, "zh", "DATA/h1.xml", "x1", 10, nil)
	require.NoError(t, err)

	err = l.RecordExtraction(ctx, "x1", runID, model.ExtractionOutcome{
		Status:   model.ProcessOK,
		Identity: model.DocumentIdentity{DocumentID: "doc-1", InsurerNumber: "06123456", ExamDate: "2024-04-01"},
		Subject:  model.SubjectHint{InsuranceSymbol: "A12", KanaName: "ヤマダ タロウ"},
		Category: "tokutei",
		Payload:  map[string]any{"title": "健診結果"},
	})
	require.NoError(t, err)

	x := model.ExtractedItem{ItemCode: "9N001000000000001", RawValue: "170.2", Presence: model.PresencePopulated}
	xe := ledger.NewItemExtraction("x1", runID)
	require.NoError(t, xe.AddExtracted([]model.ExtractedItem{x, x}))
	require.NoError(t, l.CommitItemExtraction(ctx, xe))

	j := model.LegalJudgment{
		DocumentID:       "doc-1",
		IdentityComplete: true,
		MissingIdentity:  []string{},
		MissingMethods:   []string{"M2"},
		SnapshotVersion:  "v1",
		JudgedRunID:      runID,
		JudgedAt:         time.Now().UTC(),
	}
	require.NoError(t, l.SaveJudgment(ctx, "x1", j))

	got, err := st.GetXml(ctx, "x1")
	require.NoError(t, err)
	assert.True(t, got.Extracted())
	assert.False(t, got.Processed())
	assert.Equal(t, model.ProcessPending, got.ReconcileStatus)
	assert.Equal(t, "doc-1", got.Identity.DocumentID)
	assert.Equal(t, "ヤマダ タロウ", got.Subject.KanaName)
	assert.Equal(t, "健診結果", got.Payload["title"])
	assert.Equal(t, 2, got.ItemCount)
	require.NotNil(t, got.Judgment)
	assert.True(t, got.Judgment.IdentityComplete)
	assert.False(t, got.Judgment.MethodComplete)
	assert.Equal(t, []string{"M2"}, got.Judgment.MissingMethods)

	hashes, err := l.Documents(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"x1"}, hashes)

	require.NoError(t, l.MarkReconciled(ctx, "x1", runID))
	got, err = st.GetXml(ctx, "x1")
	require.NoError(t, err)
	assert.True(t, got.Processed())
	assert.Equal(t, runID, got.ReconciledRunID)
	require.NotNil(t, got.ReconciledAt)

	// Re-extraction starts the document over.
	require.NoError(t, l.RecordExtraction(ctx, "x1", runID, model.ExtractionOutcome{Status: model.ProcessOK}))
	got, err = st.GetXml(ctx, "x1")
	require.NoError(t, err)
	assert.False(t, got.Processed())

	assert.ErrorIs(t, l.MarkReconciled(ctx, "nope", runID), ErrNotFound)
}

func TestSQLite_FailItemExtractionKeepsCount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	l := ledger.New(st)
	runID := startRun(t, st)

	_, err := l.RegisterXmlMember(ctx, runID, "zh", "DATA/h1.xml", "x1", 10, nil)
	require.NoError(t, err)
	xe := ledger.NewItemExtraction("x1", runID)
	require.NoError(t, xe.AddExtracted([]model.ExtractedItem{{ItemCode: "A", RawValue: "1"}}))
	require.NoError(t, l.CommitItemExtraction(ctx, xe))

	require.NoError(t, l.FailItemExtraction(ctx, "x1", runID, "bad xml"))
	got, err := st.GetXml(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, model.ProcessError, got.ItemsStatus)
	assert.Equal(t, "bad xml", got.ItemsError)
	assert.Equal(t, 1, got.ItemCount)

	hashes, err := l.Documents(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, hashes)
}

func TestSQLite_UpdateUnknownXml(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.SaveJudgment(context.Background(), "nope", model.LegalJudgment{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ItemOccurrencesAreDense(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	l := ledger.New(st)

	v := model.ItemValue{XmlHash: "x1", ItemCode: "A", RawValue: "1", RunID: "r1"}
	v.Occurrence = 1
	require.NoError(t, l.RegisterItemValue(ctx, v))
	v.Occurrence = 1
	assert.ErrorIs(t, l.RegisterItemValue(ctx, v), ledger.ErrOccurrenceDuplicate)
	v.Occurrence = 3
	assert.ErrorIs(t, l.RegisterItemValue(ctx, v), ledger.ErrOccurrenceGap)
	v.Occurrence, v.RawValue = 2, " "
	require.NoError(t, l.RegisterItemValue(ctx, v))

	occ, err := st.ItemOccurrences(ctx, "x1", "A", "r1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, occ)

	vals, err := st.ItemValues(ctx, "x1")
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, model.PresenceEmpty, vals[1].Presence)
}

func TestSQLite_ReplaceItemValuesSupersedes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := []model.ItemValue{
		{XmlHash: "x1", ItemCode: "A", Occurrence: 1, RawValue: "1", Presence: model.PresencePopulated, RunID: "r1"},
		{XmlHash: "x1", ItemCode: "B", Occurrence: 1, RawValue: "2", Presence: model.PresencePopulated, RunID: "r1"},
	}
	n, err := st.ReplaceItemValues(ctx, "x1", "r1", old, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	key := model.ItemKey{XmlHash: "x1", ItemCode: "A", Occurrence: 1}
	require.NoError(t, st.SaveNormalization(ctx, key, model.Normalization{Status: model.NormalizeOK, Value: "1"}))

	fresh := []model.ItemValue{
		{XmlHash: "x1", ItemCode: "A", Occurrence: 1, RawValue: "9", Presence: model.PresencePopulated, RunID: "r2"},
	}
	n, err = st.ReplaceItemValues(ctx, "x1", "r2", fresh, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	vals, err := st.ItemValues(ctx, "x1")
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "9", vals[0].RawValue)
	assert.Equal(t, "r2", vals[0].RunID)
	assert.Nil(t, vals[0].Normalization)
}

func TestSQLite_SaveNormalization(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	l := ledger.New(st)

	require.NoError(t, l.RegisterItemValue(ctx, model.ItemValue{XmlHash: "x1", ItemCode: "UG", Occurrence: 1, RawValue: "＋１", RunID: "r1"}))
	key := model.ItemKey{XmlHash: "x1", ItemCode: "UG", Occurrence: 1}
	require.NoError(t, l.SaveNormalization(ctx, key, model.Normalization{Status: model.NormalizeOK, Code: "POS1", Confidence: 0.8, SnapshotVersion: "v1"}))

	vals, err := l.ItemValues(ctx, "x1")
	require.NoError(t, err)
	require.Len(t, vals, 1)
	require.NotNil(t, vals[0].Normalization)
	assert.Equal(t, "POS1", vals[0].Normalization.Code)
	assert.Equal(t, "＋１", vals[0].RawValue)

	err = st.SaveNormalization(ctx, model.ItemKey{XmlHash: "x1", ItemCode: "UG", Occurrence: 2}, model.Normalization{})
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Reconciliation ---

func newService(t *testing.T, st Store, cfg reconcile.MatchConfig) *reconcile.Service {
	t.Helper()
	return reconcile.NewService(st, reconcile.NewMatcher(st, cfg))
}

func TestSQLite_EventLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.PutSubscribers(ctx, []model.Subscriber{
		{ID: "P1", InsurerNumber: "06123456", InsuranceSymbol: "Ａ－１２", InsuranceNumber: "9001", BirthDate: "1980-01-02", KanaName: "ヤマダ タロウ"},
		{ID: "P2", InsurerNumber: "06123456", InsuranceSymbol: "B", InsuranceNumber: "9001", BirthDate: "1980-01-02"},
	})
	require.NoError(t, err)

	svc := newService(t, st, reconcile.MatchConfig{})
	in := reconcile.EventInput{
		Source:    model.SourceKey{System: "MEDI", Table: "medi_xml_receipts", RecordID: "9001"},
		EventType: "kenshin",
		Subject: model.SubjectHint{
			InsurerNumber: "06123456", InsuranceSymbol: "A-12", InsuranceNumber: "９００１",
			BirthDate: "1980-01-02", KanaName: "ﾔﾏﾀﾞﾀﾛｳ",
		},
		InsurerNumber: "06123456",
		RunID:         "r1",
	}
	id, created, err := svc.RecordEvent(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)

	replayID, created, err := svc.RecordEvent(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, replayID)

	e, err := svc.Match(ctx, id, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.MatchAuto, e.Status)
	assert.Equal(t, "P1", e.PersonID)
	assert.Equal(t, int64(2), e.Version)

	e, err = svc.Confirm(ctx, id, reconcile.Review{Version: e.Version, Reviewer: "alice"})
	require.NoError(t, err)
	assert.Equal(t, model.MatchConfirmed, e.Status)
	assert.Equal(t, "P1", e.PersonIDFinal)
	assert.Equal(t, "alice", e.ReviewedBy)
	require.NotNil(t, e.ReviewedAt)

	_, err = svc.Confirm(ctx, id, reconcile.Review{Version: 2, Reviewer: "bob"})
	assert.ErrorIs(t, err, reconcile.ErrConflict)

	hist, err := svc.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, model.MatchStatus(""), hist[0].From)
	assert.Equal(t, model.MatchNew, hist[0].To)
	assert.Equal(t, model.MatchAuto, hist[1].To)
	assert.Equal(t, model.MatchConfirmed, hist[2].To)

	list, err := svc.Events(ctx, reconcile.EventFilter{Status: model.MatchConfirmed})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestSQLite_ApplyChange_VersionGuard(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, created, err := st.InsertEvent(ctx, model.Event{
		Source: model.SourceKey{System: "S", Table: "T", RecordID: "1"}, Status: model.MatchNew,
		CreatedAt: now, UpdatedAt: now,
	}, model.MatchTransition{To: model.MatchNew, Actor: model.ActorSystem, OccurredAt: now})
	require.NoError(t, err)
	require.True(t, created)

	c := reconcile.Change{
		EventID: id, FromVersion: 1, From: model.MatchNew, To: model.MatchNeedsReview,
		CandidateIDs: []string{"P1", "P2"},
		Transition:   model.MatchTransition{From: model.MatchNew, To: model.MatchNeedsReview, Actor: model.ActorSystem, OccurredAt: now},
	}
	ok, err := st.ApplyChange(ctx, c)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.ApplyChange(ctx, c)
	require.NoError(t, err)
	assert.False(t, ok)

	e, err := st.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.MatchNeedsReview, e.Status)
	assert.Equal(t, []string{"P1", "P2"}, e.CandidateIDs)
	assert.Equal(t, int64(2), e.Version)

	hist, err := st.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestSQLite_RefreshEventUnknown(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.RefreshEvent(context.Background(), model.Event{Source: model.SourceKey{System: "S", Table: "T", RecordID: "x"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Subscribers(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.PutSubscribers(ctx, []model.Subscriber{
		{ID: "P2", InsurerNumber: "０６１２３４５６", InsuranceSymbol: "a 1", InsuranceNumber: "12-3", PersonKey: "K"},
		{ID: "P1", InsurerNumber: "06123456", InsuranceSymbol: "ａ１", InsuranceNumber: "123", PersonKey: "K"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	subs, err := st.ByInsurance(ctx, "06123456", "ａ１", "123")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "P1", subs[0].ID)

	subs, err = st.ByPersonKey(ctx, "K")
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	subs, err = st.ByPersonKey(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, subs)

	_, err = st.PutSubscribers(ctx, []model.Subscriber{{InsurerNumber: "1"}})
	assert.Error(t, err)
}

// --- Runs ---

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := runs.New(st)

	r, err := c.Start(ctx, model.RunPhaseImport, "dir", "/in")
	require.NoError(t, err)
	require.NoError(t, c.Add(ctx, r.ID, model.CounterFiles, 3))
	require.NoError(t, c.Add(ctx, r.ID, model.CounterInserted, 2))
	require.NoError(t, c.RecordError(ctx, r.ID, model.RunError{
		Kind: model.ErrorKindExtraction, Source: "a.zip", SourceRow: "DATA/h1.xml", Code: "XML_PARSE", Message: "bad",
	}))
	require.NoError(t, c.Note(ctx, r.ID, "first"))
	require.NoError(t, c.Note(ctx, r.ID, "second"))

	done, err := c.Finish(ctx, r.ID, runs.DecideStatus(true, model.RunCounters{Errors: 1}))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, done.Status)
	require.NotNil(t, done.FinishedAt)
	assert.Equal(t, int64(3), done.Counters.Files)
	assert.Equal(t, int64(2), done.Counters.Inserted)
	assert.Equal(t, int64(1), done.Counters.Errors)
	assert.Equal(t, "first\nsecond", done.Notes)

	assert.ErrorIs(t, c.Add(ctx, r.ID, model.CounterSeen, 1), runs.ErrRunClosed)
	_, err = c.Finish(ctx, r.ID, model.RunStatusSuccess)
	assert.ErrorIs(t, err, runs.ErrRunClosed)

	errs, err := c.Errors(ctx, r.ID, 0)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "DATA/h1.xml", errs[0].SourceRow)

	list, err := c.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLite_AddCounterRejectsUnknown(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.AddCounter(context.Background(), "r", model.Counter("files; DROP TABLE runs"), 1)
	assert.Error(t, err)
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	st, err := Open(ctx, Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "o.db")})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = Open(ctx, Config{Driver: "postgres"})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Driver: "oracle"})
	assert.Error(t, err)
}
