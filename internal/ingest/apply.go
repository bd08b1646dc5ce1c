package ingest

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/kenshin-ledger/internal/model"
	"github.com/sells-group/kenshin-ledger/internal/store"
)

// Rejudge is an apply run: the stored values of each document are
// normalized and judged again against the pipeline's reference snapshot.
// Nothing is re-extracted. With no hashes every document with stored values
// is rejudged.
func (p *Pipeline) Rejudge(ctx context.Context, in RunInput, hashes []string) (*model.Run, error) {
	run, err := p.runs.Start(ctx, model.RunPhaseApply, in.Source, in.Input)
	if err != nil {
		return nil, err
	}
	p.log.Info("apply started", zap.String("run_id", run.ID), zap.Int("documents", len(hashes)))

	runErr := p.rejudgeAll(ctx, run.ID, hashes)
	return p.finish(ctx, run.ID, runErr)
}

func (p *Pipeline) rejudgeAll(ctx context.Context, runID string, hashes []string) error {
	if len(hashes) == 0 {
		all, err := p.ledger.Documents(ctx, true)
		if err != nil {
			return err
		}
		hashes = all
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, h := range hashes {
		g.Go(func() error {
			return p.rejudge(gctx, runID, h)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (p *Pipeline) rejudge(ctx context.Context, runID, hash string) error {
	if err := p.runs.Add(ctx, runID, model.CounterSeen, 1); err != nil {
		return err
	}
	rec, err := p.ledger.Xml(ctx, hash)
	if eris.Is(err, store.ErrNotFound) {
		if err := p.runs.Add(ctx, runID, model.CounterSkipped, 1); err != nil {
			return err
		}
		return p.runs.RecordError(ctx, runID, model.RunError{
			Kind: model.ErrorKindValidation, SourceRow: hash, Code: "XML_NOT_FOUND", Message: "no document with this hash",
		})
	}
	if err != nil {
		return eris.Wrapf(err, "ingest: load xml %s", hash)
	}
	if !rec.Extracted() {
		return p.runs.Add(ctx, runID, model.CounterSkipped, 1)
	}

	source := rec.ZipHash + ":" + rec.InnerPath
	values, err := p.normalize(ctx, runID, source, hash)
	if err != nil {
		return err
	}
	before := rec.Judgment
	if err := p.judgeDocument(ctx, runID, hash, rec.Identity.DocumentID, rec.Category, values); err != nil {
		return err
	}
	after, err := p.ledger.Xml(ctx, hash)
	if err != nil {
		return eris.Wrapf(err, "ingest: reload xml %s", hash)
	}
	if sameVerdict(before, after.Judgment) {
		return p.runs.Add(ctx, runID, model.CounterUnchanged, 1)
	}
	return p.runs.Add(ctx, runID, model.CounterUpdated, 1)
}

func sameVerdict(a, b *model.LegalJudgment) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IdentityComplete == b.IdentityComplete &&
		a.MethodComplete == b.MethodComplete &&
		a.PresentMethods == b.PresentMethods &&
		a.RequiredMethods == b.RequiredMethods &&
		a.SnapshotVersion == b.SnapshotVersion
}
