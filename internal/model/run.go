package model

import "time"

// RunPhase identifies which half of the pipeline a run executes.
type RunPhase string

const (
	RunPhaseImport RunPhase = "import"
	RunPhaseApply  RunPhase = "apply"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether the status closes a run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusPartial, RunStatusFailed:
		return true
	default:
		return false
	}
}

// Counter names one of the monotonic run counters.
type Counter string

const (
	CounterFiles     Counter = "files"
	CounterSeen      Counter = "seen"
	CounterInserted  Counter = "inserted"
	CounterUpdated   Counter = "updated"
	CounterUnchanged Counter = "unchanged"
	CounterSkipped   Counter = "skipped"
	CounterErrors    Counter = "errors"
)

// Counters lists every counter in column order.
var Counters = []Counter{
	CounterFiles, CounterSeen, CounterInserted, CounterUpdated,
	CounterUnchanged, CounterSkipped, CounterErrors,
}

// Valid reports whether c is a known counter.
func (c Counter) Valid() bool {
	for _, k := range Counters {
		if k == c {
			return true
		}
	}
	return false
}

// RunCounters holds the per-run tallies.
type RunCounters struct {
	Files     int64 `json:"files"`
	Seen      int64 `json:"seen"`
	Inserted  int64 `json:"inserted"`
	Updated   int64 `json:"updated"`
	Unchanged int64 `json:"unchanged"`
	Skipped   int64 `json:"skipped"`
	Errors    int64 `json:"errors"`
}

// Get returns the value of the named counter.
func (c RunCounters) Get(name Counter) int64 {
	switch name {
	case CounterFiles:
		return c.Files
	case CounterSeen:
		return c.Seen
	case CounterInserted:
		return c.Inserted
	case CounterUpdated:
		return c.Updated
	case CounterUnchanged:
		return c.Unchanged
	case CounterSkipped:
		return c.Skipped
	case CounterErrors:
		return c.Errors
	}
	return 0
}

// Run is one bounded execution of the import or apply phase.
type Run struct {
	ID         string      `json:"id"`
	Phase      RunPhase    `json:"phase"`
	Source     string      `json:"source"`
	Input      string      `json:"input,omitempty"`
	Status     RunStatus   `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Counters   RunCounters `json:"counters"`
	Notes      string      `json:"notes,omitempty"`
}

// ErrorKind classifies run errors by the stage that raised them.
type ErrorKind string

const (
	ErrorKindStructural     ErrorKind = "structural"
	ErrorKindValidation     ErrorKind = "validation"
	ErrorKindExtraction     ErrorKind = "extraction"
	ErrorKindNormalization  ErrorKind = "normalization"
	ErrorKindReconciliation ErrorKind = "reconciliation"
	ErrorKindRun            ErrorKind = "run"
)

// RunError is one entry of a run's error log. Source, SourceRow, and Field
// together locate the failing input precisely enough to reprocess it.
type RunError struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Kind       ErrorKind `json:"kind"`
	Source     string    `json:"source,omitempty"`
	SourceRow  string    `json:"source_row,omitempty"`
	Field      string    `json:"field,omitempty"`
	FieldValue string    `json:"field_value,omitempty"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// MaxMessageLen bounds stored error messages, in runes.
const MaxMessageLen = 2000

// ClipMessage trims s to MaxMessageLen runes.
func ClipMessage(s string) string {
	if len(s) <= MaxMessageLen {
		return s
	}
	r := []rune(s)
	if len(r) <= MaxMessageLen {
		return s
	}
	return string(r[:MaxMessageLen-1]) + "…"
}
