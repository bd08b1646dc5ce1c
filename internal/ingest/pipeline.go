// Package ingest drives one import run end to end: every archive is
// registered, its XML members are extracted, normalized and judged, and each
// judged document is recorded as an event and matched. Per-file and per-item
// failures go to the run's error log; only storage failures that survive
// retries, or cancellation, fail the run.
package ingest

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/kenshin-ledger/internal/fetcher"
	"github.com/sells-group/kenshin-ledger/internal/judge"
	"github.com/sells-group/kenshin-ledger/internal/ledger"
	"github.com/sells-group/kenshin-ledger/internal/model"
	"github.com/sells-group/kenshin-ledger/internal/normalize"
	"github.com/sells-group/kenshin-ledger/internal/reconcile"
	"github.com/sells-group/kenshin-ledger/internal/resilience"
	"github.com/sells-group/kenshin-ledger/internal/runs"
)

// Error codes written to the run error log by the pipeline itself.
const (
	CodePathCollision   = "XML_PATH_COLLISION"
	CodeInvalidDocument = "XML_INVALID"
	CodeReadFailed      = "XML_READ_FAILED"
	CodeItemError       = "ITEM_EXTRACT_FAILED"
	CodeRunAborted      = "RUN_ABORTED"
)

// Config tunes a Pipeline.
type Config struct {
	Workers        int
	FilesPerSecond float64
	SourceSystem   string
	SourceTable    string
	EventType      string
	Reprocess      bool
	RetryAttempts  int
}

// RunInput describes the run being started.
type RunInput struct {
	Source string
	Input  string
}

// Pipeline wires the engine components for one process.
type Pipeline struct {
	cfg       Config
	runs      *runs.Coordinator
	ledger    *ledger.Ledger
	extractor fetcher.Extractor
	norm      *normalize.Engine
	judge     *judge.Judge
	reconcile *reconcile.Service
	limiter   *rate.Limiter
	retry     resilience.RetryConfig
	log       *zap.Logger
}

// New returns a Pipeline. The reference snapshot behind norm and jdg is
// fixed for the pipeline's lifetime; build a new pipeline per run to pick up
// curation changes.
func New(cfg Config, rc *runs.Coordinator, lg *ledger.Ledger, ex fetcher.Extractor,
	norm *normalize.Engine, jdg *judge.Judge, rs *reconcile.Service) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SourceSystem == "" {
		cfg.SourceSystem = "KENSHIN"
	}
	if cfg.SourceTable == "" {
		cfg.SourceTable = "xml_records"
	}
	if cfg.EventType == "" {
		cfg.EventType = "kenshin"
	}
	limit := rate.Inf
	if cfg.FilesPerSecond > 0 {
		limit = rate.Limit(cfg.FilesPerSecond)
	}
	return &Pipeline{
		cfg:       cfg,
		runs:      rc,
		ledger:    lg,
		extractor: ex,
		norm:      norm,
		judge:     jdg,
		reconcile: rs,
		limiter:   rate.NewLimiter(limit, 1),
		retry:     resilience.StorageRetryConfig(cfg.RetryAttempts),
		log:       zap.L().With(zap.String("component", "ingest")),
	}
}

// Run executes an import run over archives and returns the closed run. The
// returned error is non-nil only when the run failed as a whole.
func (p *Pipeline) Run(ctx context.Context, in RunInput, archives []model.ArchiveDescriptor) (*model.Run, error) {
	run, err := p.runs.Start(ctx, model.RunPhaseImport, in.Source, in.Input)
	if err != nil {
		return nil, err
	}
	log := p.log.With(zap.String("run_id", run.ID))
	log.Info("import started", zap.Int("archives", len(archives)))

	runErr := p.process(ctx, run.ID, archives)
	return p.finish(ctx, run.ID, runErr)
}

func (p *Pipeline) process(ctx context.Context, runID string, archives []model.ArchiveDescriptor) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	members, mctx := errgroup.WithContext(ctx)
	members.SetLimit(p.cfg.Workers)
	files, fctx := errgroup.WithContext(ctx)
	files.SetLimit(p.cfg.Workers)

	for i := range archives {
		a := archives[i]
		files.Go(func() error {
			if err := p.archive(fctx, runID, a, members, mctx); err != nil {
				cancel(err)
				return err
			}
			return nil
		})
	}
	ferr := files.Wait()
	merr := members.Wait()
	if ferr != nil {
		return ferr
	}
	if merr != nil {
		return merr
	}
	return ctx.Err()
}

// finish closes the run. A cancelled context still gets its run closed as
// failed.
func (p *Pipeline) finish(ctx context.Context, runID string, runErr error) (*model.Run, error) {
	closeCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		msg := runErr.Error()
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			msg = "run cancelled: " + msg
		}
		if err := p.runs.RecordError(closeCtx, runID, model.RunError{
			Kind:    model.ErrorKindRun,
			Code:    CodeRunAborted,
			Message: msg,
		}); err != nil {
			p.log.Error("record run failure", zap.String("run_id", runID), zap.Error(err))
		}
	}

	cur, err := p.runs.Get(closeCtx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: reload run")
	}
	status := runs.DecideStatus(runErr == nil, cur.Counters)
	run, err := p.runs.Finish(closeCtx, runID, status)
	if err != nil {
		return nil, err
	}
	if runErr != nil {
		return run, eris.Wrap(runErr, "ingest: run failed")
	}
	return run, nil
}

// archive registers one archive and queues its members. Structural problems
// are logged against the run and never stop other archives.
func (p *Pipeline) archive(ctx context.Context, runID string, a model.ArchiveDescriptor, members *errgroup.Group, mctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := p.runs.Add(ctx, runID, model.CounterFiles, 1); err != nil {
		return err
	}

	err := p.store(ctx, "register zip", func(ctx context.Context) error {
		_, err := p.ledger.RegisterZip(ctx, runID, a.Hash, a.Name, a.Path, a.Findings)
		return err
	})
	if err != nil {
		return err
	}
	if a.Findings.Code != model.StructuralCodeNone {
		code := model.ParseStructuralCode(string(a.Findings.Code))
		if err := p.runs.RecordError(ctx, runID, model.RunError{
			Kind:    model.ErrorKindStructural,
			Source:  a.Name,
			Code:    string(code),
			Message: a.Findings.Message,
		}); err != nil {
			return err
		}
	}

	for i := range a.Members {
		m := a.Members[i]
		members.Go(func() error {
			return p.member(mctx, runID, a, m)
		})
	}
	return nil
}

func (p *Pipeline) member(ctx context.Context, runID string, a model.ArchiveDescriptor, m model.MemberDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log := p.log.With(zap.String("run_id", runID), zap.String("zip", a.Name), zap.String("inner_path", m.InnerPath))
	if err := p.runs.Add(ctx, runID, model.CounterSeen, 1); err != nil {
		return err
	}
	source := a.Name + ":" + ledger.NormalizePath(m.InnerPath)

	var reg ledger.Registration
	err := p.store(ctx, "register xml", func(ctx context.Context) error {
		var err error
		reg, err = p.ledger.RegisterXmlMember(ctx, runID, a.Hash, m.InnerPath, m.Hash, m.Size, m.MTime)
		return err
	})
	if errors.Is(err, ledger.ErrPathCollision) {
		if err := p.runs.Add(ctx, runID, model.CounterSkipped, 1); err != nil {
			return err
		}
		return p.runs.RecordError(ctx, runID, model.RunError{
			Kind:       model.ErrorKindStructural,
			Source:     source,
			FieldValue: m.Hash,
			Code:       CodePathCollision,
			Message:    err.Error(),
		})
	}
	if err != nil {
		return err
	}

	counter := model.CounterInserted
	if !reg.IsNew {
		rec, err := p.ledger.Xml(ctx, m.Hash)
		if err != nil {
			return eris.Wrapf(err, "ingest: load xml %s", m.Hash)
		}
		if rec.Processed() && !p.cfg.Reprocess {
			log.Debug("already processed", zap.String("hash", m.Hash))
			return p.runs.Add(ctx, runID, model.CounterUnchanged, 1)
		}
		counter = model.CounterUpdated
	}
	if err := p.runs.Add(ctx, runID, counter, 1); err != nil {
		return err
	}
	return p.document(ctx, runID, source, m)
}

// document extracts, stores, normalizes, judges, and reconciles one XML.
// The document counts as processed only after the final step.
func (p *Pipeline) document(ctx context.Context, runID, source string, m model.MemberDescriptor) error {
	x, readErr := p.extractor.Extract(ctx, m)
	if readErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.recordOutcome(ctx, runID, m.Hash, model.ExtractionOutcome{
			Status: model.ProcessError, ErrorCode: CodeReadFailed, ErrorMessage: readErr.Error(),
		}); err != nil {
			return err
		}
		return p.runs.RecordError(ctx, runID, model.RunError{
			Kind: model.ErrorKindExtraction, Source: source, Code: CodeReadFailed, Message: readErr.Error(),
		})
	}
	if !x.Valid {
		if err := p.recordOutcome(ctx, runID, m.Hash, model.ExtractionOutcome{
			Status: model.ProcessError, ErrorCode: CodeInvalidDocument, ErrorMessage: x.ValidationError,
		}); err != nil {
			return err
		}
		return p.runs.RecordError(ctx, runID, model.RunError{
			Kind: model.ErrorKindValidation, Source: source, Code: CodeInvalidDocument, Message: x.ValidationError,
		})
	}

	if err := p.recordOutcome(ctx, runID, m.Hash, model.ExtractionOutcome{
		Status:   model.ProcessOK,
		Identity: x.Identity,
		Subject:  x.Subject,
		Category: x.Category,
		Payload:  x.Payload,
	}); err != nil {
		return err
	}
	for _, ie := range x.ItemErrors {
		if err := p.runs.RecordError(ctx, runID, model.RunError{
			Kind:       model.ErrorKindExtraction,
			Source:     source,
			Field:      ie.ItemCode,
			FieldValue: ie.RawValue,
			Code:       CodeItemError,
			Message:    ie.Message,
		}); err != nil {
			return err
		}
	}

	batch := ledger.NewItemExtraction(m.Hash, runID)
	if addErr := batch.AddExtracted(x.Items); addErr != nil {
		if err := p.store(ctx, "fail items", func(ctx context.Context) error {
			return p.ledger.FailItemExtraction(ctx, m.Hash, runID, addErr.Error())
		}); err != nil {
			return err
		}
		return p.runs.RecordError(ctx, runID, model.RunError{
			Kind: model.ErrorKindExtraction, Source: source, Code: CodeItemError, Message: addErr.Error(),
		})
	}
	if err := p.store(ctx, "commit items", func(ctx context.Context) error {
		return p.ledger.CommitItemExtraction(ctx, batch)
	}); err != nil {
		return err
	}

	values, err := p.normalize(ctx, runID, source, m.Hash)
	if err != nil {
		return err
	}
	if err := p.judgeDocument(ctx, runID, m.Hash, x.Identity.DocumentID, x.Category, values); err != nil {
		return err
	}
	if err := p.recordEvent(ctx, runID, source, m.Hash, x); err != nil {
		return err
	}
	// Until this marker is written a later run picks the document up again.
	return p.store(ctx, "mark reconciled", func(ctx context.Context) error {
		return p.ledger.MarkReconciled(ctx, m.Hash, runID)
	})
}

func (p *Pipeline) recordOutcome(ctx context.Context, runID, hash string, out model.ExtractionOutcome) error {
	return p.store(ctx, "record extraction", func(ctx context.Context) error {
		return p.ledger.RecordExtraction(ctx, hash, runID, out)
	})
}

// normalize writes a normalization sub-record for every current value of a
// document. Values that fail to normalize stay raw and are logged.
func (p *Pipeline) normalize(ctx context.Context, runID, source, hash string) ([]model.ItemValue, error) {
	values, err := p.ledger.ItemValues(ctx, hash)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: item values %s", hash)
	}
	for i := range values {
		v := &values[i]
		n := p.norm.Value(*v, runID)
		if err := p.store(ctx, "save normalization", func(ctx context.Context) error {
			return p.ledger.SaveNormalization(ctx, v.Key(), n)
		}); err != nil {
			return nil, err
		}
		v.Normalization = &n
		if normalizationFailed(n.Status) {
			if err := p.runs.RecordError(ctx, runID, model.RunError{
				Kind:       model.ErrorKindNormalization,
				Source:     source,
				SourceRow:  hash,
				Field:      v.ItemCode,
				FieldValue: v.RawValue,
				Code:       "NORMALIZE_" + strings.ToUpper(string(n.Status)),
				Message:    n.Error,
			}); err != nil {
				return nil, err
			}
		}
	}
	return values, nil
}

func normalizationFailed(s model.NormalizeStatus) bool {
	switch s {
	case model.NormalizeNotFound, model.NormalizeAmbiguous, model.NormalizeUnparsable, model.NormalizeNoMaster:
		return true
	}
	return false
}

func (p *Pipeline) judgeDocument(ctx context.Context, runID, hash, documentID, category string, values []model.ItemValue) error {
	j := p.judge.Document(documentID, category, judge.NewFacts(values), runID)
	return p.store(ctx, "save judgment", func(ctx context.Context) error {
		return p.ledger.SaveJudgment(ctx, hash, j)
	})
}

// recordEvent records the document as a source event and runs automatic
// matching on it. The source record id is the CDA document id, so a
// corrected resubmission of the same document refreshes the same event.
func (p *Pipeline) recordEvent(ctx context.Context, runID, source, hash string, x *model.Extraction) error {
	recordID := x.Identity.DocumentID
	if recordID == "" {
		recordID = hash
	}
	keyType := ""
	if x.Identity.PersonKey != "" {
		keyType = "insurance"
	}
	in := reconcile.EventInput{
		Source:        model.SourceKey{System: p.cfg.SourceSystem, Table: p.cfg.SourceTable, RecordID: recordID},
		EventType:     p.cfg.EventType,
		EventDate:     x.Identity.ExamDate,
		PersonKey:     x.Identity.PersonKey,
		PersonKeyType: keyType,
		Subject:       x.Subject,
		XmlHash:       hash,
		InsurerNumber: x.Identity.InsurerNumber,
		RunID:         runID,
	}

	var id string
	if err := p.store(ctx, "record event", func(ctx context.Context) error {
		var err error
		id, _, err = p.reconcile.RecordEvent(ctx, in)
		return err
	}); err != nil {
		return err
	}

	var e *model.Event
	err := p.store(ctx, "match event", func(ctx context.Context) error {
		var err error
		e, err = p.reconcile.Match(ctx, id, runID)
		return err
	})
	switch {
	case errors.Is(err, reconcile.ErrConflict):
		// A reviewer got there first; their decision stands.
		return nil
	case err != nil:
		return err
	}
	if e.Status == model.MatchNeedsReview {
		p.log.Debug("event needs review",
			zap.String("run_id", runID),
			zap.String("event_id", id),
			zap.String("source", source),
			zap.Strings("candidates", e.CandidateIDs),
		)
	}
	return nil
}

// store runs fn with the storage retry policy.
func (p *Pipeline) store(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg := p.retry
	cfg.OnRetry = resilience.RetryLogger(op)
	return resilience.Do(ctx, cfg, fn)
}
