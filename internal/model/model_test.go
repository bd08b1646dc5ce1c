package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStructuralCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want StructuralCode
	}{
		{"", StructuralCodeNone},
		{"ZIP_PASSWORD", StructuralCodePassword},
		{"ZIP_LONG_PATH", StructuralCodeLongPath},
		{"ZIP_DATA_DIR_MISSING", StructuralCodeDataDirMissing},
		{"ZIP_DATA_DIR_DUPLICATE", StructuralCodeDataDirDuplicate},
		{"ZIP_DATA_DIR_EMPTY", StructuralCodeDataDirEmpty},
		{"ZIP_EXTRACT_FAILED", StructuralCodeExtractFailed},
		{"ZIP_UNEXPECTED", StructuralCodeUnexpected},
		{"ZIP_CRC_MISMATCH", StructuralCodeUnexpected},
		{"zip_password", StructuralCodeUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseStructuralCode(tt.in))
		})
	}
}

func TestStructuralFindingsStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StructuralOK, StructuralFindings{XMLCount: 3}.Status())
	assert.Equal(t, StructuralError, StructuralFindings{Code: StructuralCodePassword}.Status())
}

func TestRunStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusSuccess.Terminal())
	assert.True(t, RunStatusPartial.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
}

func TestCounterValid(t *testing.T) {
	t.Parallel()

	for _, c := range Counters {
		assert.True(t, c.Valid(), c)
	}
	assert.False(t, Counter("deleted").Valid())
}

func TestRunCountersGet(t *testing.T) {
	t.Parallel()

	c := RunCounters{Files: 1, Seen: 2, Inserted: 3, Updated: 4, Unchanged: 5, Skipped: 6, Errors: 7}
	for i, name := range Counters {
		assert.Equal(t, int64(i+1), c.Get(name), name)
	}
}

func TestParseMatchStatus(t *testing.T) {
	t.Parallel()

	s, ok := ParseMatchStatus("NEEDS_REVIEW")
	assert.True(t, ok)
	assert.Equal(t, MatchNeedsReview, s)

	_, ok = ParseMatchStatus("needs_review")
	assert.False(t, ok)
}

func TestItemGroupAppliesTo(t *testing.T) {
	t.Parallel()

	all := ItemGroup{Code: "g"}
	assert.True(t, all.AppliesTo("tokutei"))

	scoped := ItemGroup{Code: "g", Categories: []string{"tokutei", "hoken"}}
	assert.True(t, scoped.AppliesTo("hoken"))
	assert.False(t, scoped.AppliesTo("jigyo"))
}

func TestXmlRecordProcessed(t *testing.T) {
	t.Parallel()

	x := &XmlRecord{Status: ProcessOK, ItemsStatus: ProcessPending, ReconcileStatus: ProcessPending}
	assert.False(t, x.Extracted())
	assert.False(t, x.Processed())
	x.ItemsStatus = ProcessOK
	assert.True(t, x.Extracted())
	assert.False(t, x.Processed())
	x.ReconcileStatus = ProcessOK
	assert.True(t, x.Processed())
}
