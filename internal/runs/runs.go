// Package runs owns import and apply runs: their counters, error log, and
// the single transition from running to a terminal status.
package runs

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// Sentinel errors.
var (
	ErrRunClosed       = eris.New("runs: run is closed")
	ErrNegativeCounter = eris.New("runs: counters never decrease")
)

// Store is the persistence the coordinator needs. Every mutating call
// applies only while the run is still running and reports whether it did.
type Store interface {
	CreateRun(ctx context.Context, r model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)
	AddCounter(ctx context.Context, id string, c model.Counter, n int64) (applied bool, err error)
	// InsertRunError appends e and increments the errors counter.
	InsertRunError(ctx context.Context, e model.RunError) (applied bool, err error)
	RunErrors(ctx context.Context, runID string, limit int) ([]model.RunError, error)
	FinishRun(ctx context.Context, id string, status model.RunStatus, at time.Time) (applied bool, err error)
	// AppendNote is allowed on closed runs.
	AppendNote(ctx context.Context, id, note string) error
}

// Coordinator manages runs.
type Coordinator struct {
	store Store
	now   func() time.Time
	log   *zap.Logger
}

// New returns a Coordinator.
func New(store Store) *Coordinator {
	return &Coordinator{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "runs")),
	}
}

// Start creates a running run.
func (c *Coordinator) Start(ctx context.Context, phase model.RunPhase, source, input string) (*model.Run, error) {
	if phase != model.RunPhaseImport && phase != model.RunPhaseApply {
		return nil, eris.Errorf("runs: unknown phase %q", phase)
	}
	r := model.Run{
		ID:        uuid.NewString(),
		Phase:     phase,
		Source:    source,
		Input:     input,
		Status:    model.RunStatusRunning,
		StartedAt: c.now(),
	}
	if err := c.store.CreateRun(ctx, r); err != nil {
		return nil, eris.Wrap(err, "runs: create")
	}
	runsStarted.WithLabelValues(string(phase)).Inc()
	c.log.Info("run started",
		zap.String("run_id", r.ID),
		zap.String("phase", string(phase)),
		zap.String("source", source),
	)
	return &r, nil
}

// Add increments a counter.
func (c *Coordinator) Add(ctx context.Context, runID string, counter model.Counter, n int64) error {
	if n < 0 {
		return eris.Wrapf(ErrNegativeCounter, "%s by %d", counter, n)
	}
	if !counter.Valid() {
		return eris.Errorf("runs: unknown counter %q", counter)
	}
	if n == 0 {
		return nil
	}
	ok, err := c.store.AddCounter(ctx, runID, counter, n)
	if err != nil {
		return eris.Wrapf(err, "runs: add %s", counter)
	}
	if !ok {
		return eris.Wrapf(ErrRunClosed, "run %s", runID)
	}
	counterTotal.WithLabelValues(string(counter)).Add(float64(n))
	return nil
}

// RecordError appends an entry to the run's error log and counts it.
func (c *Coordinator) RecordError(ctx context.Context, runID string, e model.RunError) error {
	e.RunID = runID
	e.Message = model.ClipMessage(e.Message)
	e.FieldValue = model.ClipMessage(e.FieldValue)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	ok, err := c.store.InsertRunError(ctx, e)
	if err != nil {
		return eris.Wrap(err, "runs: record error")
	}
	if !ok {
		return eris.Wrapf(ErrRunClosed, "run %s", runID)
	}
	errorsTotal.WithLabelValues(string(e.Kind)).Inc()
	c.log.Warn("run error",
		zap.String("run_id", runID),
		zap.String("kind", string(e.Kind)),
		zap.String("source", e.Source),
		zap.String("source_row", e.SourceRow),
		zap.String("field", e.Field),
		zap.String("code", e.Code),
		zap.String("message", e.Message),
	)
	return nil
}

// Finish closes a run with a terminal status. A run closes exactly once.
func (c *Coordinator) Finish(ctx context.Context, runID string, status model.RunStatus) (*model.Run, error) {
	if !status.Terminal() {
		return nil, eris.Errorf("runs: %q is not a terminal status", status)
	}
	ok, err := c.store.FinishRun(ctx, runID, status, c.now())
	if err != nil {
		return nil, eris.Wrap(err, "runs: finish")
	}
	if !ok {
		return nil, eris.Wrapf(ErrRunClosed, "run %s", runID)
	}
	r, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "runs: reload")
	}
	runsFinished.WithLabelValues(string(r.Phase), string(status)).Inc()
	if r.FinishedAt != nil {
		runDuration.WithLabelValues(string(r.Phase)).Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
	}
	c.log.Info("run finished",
		zap.String("run_id", runID),
		zap.String("status", string(status)),
		zap.Int64("seen", r.Counters.Seen),
		zap.Int64("inserted", r.Counters.Inserted),
		zap.Int64("errors", r.Counters.Errors),
	)
	return r, nil
}

// Note appends an administrative note. Notes are the only change allowed
// after a run closes.
func (c *Coordinator) Note(ctx context.Context, runID, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return eris.New("runs: empty note")
	}
	return eris.Wrap(c.store.AppendNote(ctx, runID, model.ClipMessage(note)), "runs: note")
}

// Get returns one run.
func (c *Coordinator) Get(ctx context.Context, runID string) (*model.Run, error) {
	return c.store.GetRun(ctx, runID)
}

// List returns the most recent runs first.
func (c *Coordinator) List(ctx context.Context, limit int) ([]model.Run, error) {
	return c.store.ListRuns(ctx, limit)
}

// Errors returns a run's error log in insertion order.
func (c *Coordinator) Errors(ctx context.Context, runID string, limit int) ([]model.RunError, error) {
	return c.store.RunErrors(ctx, runID, limit)
}

// DecideStatus picks the terminal status of a run: failed if it could not
// complete its unit of work, partial if individual records failed, success
// otherwise.
func DecideStatus(completed bool, counters model.RunCounters) model.RunStatus {
	switch {
	case !completed:
		return model.RunStatusFailed
	case counters.Errors > 0:
		return model.RunStatusPartial
	default:
		return model.RunStatusSuccess
	}
}
