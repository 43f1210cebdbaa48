package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-sync/internal/extract"
	"github.com/sells-group/catalog-sync/internal/fetcher"
	"github.com/sells-group/catalog-sync/internal/ledger"
	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/store"
)

// StepExtract is recorded when a source document cannot be fetched or read.
const StepExtract = "extract"

// DocumentFetcher makes a source descriptor available on local disk.
type DocumentFetcher interface {
	Fetch(ctx context.Context, source string) (*fetcher.Document, error)
}

// ExtractorSource resolves the extractor of a vendor.
type ExtractorSource interface {
	For(vendor string) (extract.Extractor, error)
}

// Ingester runs documents end to end: fetch, extract, trigger, process.
type Ingester struct {
	pipeline   *Pipeline
	fetcher    DocumentFetcher
	extractors ExtractorSource
	log        *zap.Logger
}

// NewIngester creates an Ingester.
func NewIngester(p *Pipeline, f DocumentFetcher, e ExtractorSource) *Ingester {
	return &Ingester{
		pipeline:   p,
		fetcher:    f,
		extractors: e,
		log:        zap.L().With(zap.String("component", "pipeline.ingest")),
	}
}

// IngestJob names one document to ingest.
type IngestJob struct {
	RunID  string
	Vendor string
	Source string
}

// IngestResult is the outcome of one job.
type IngestResult struct {
	Job IngestJob
	Run *model.Run
	Err error
}

// Extract fetches and reads a document.
func (i *Ingester) Extract(ctx context.Context, vendor, source string) ([]model.RawRecord, error) {
	ex, err := i.extractors.For(vendor)
	if err != nil {
		return nil, err
	}
	doc, err := i.fetcher.Fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	defer doc.Cleanup()

	return ex.Extract(ctx, doc.Path)
}

// Stage fetches, extracts and stages one document, leaving the run in the
// staged state. A run id that already got past staging is returned as is
// without fetching the document again. A document that cannot be read
// leaves a failed run behind.
func (i *Ingester) Stage(ctx context.Context, job IngestJob) (*model.Run, error) {
	p := i.pipeline
	log := i.log.With(zap.String("run_id", job.RunID), zap.String("vendor", job.Vendor))

	existing, err := p.deps.Ledger.Current(ctx, job.RunID)
	switch {
	case err == nil && existing.Vendor != job.Vendor:
		return nil, eris.Wrapf(ledger.ErrRunCollision, "pipeline: run %s belongs to %s", job.RunID, existing.Vendor)
	case err == nil && existing.Status != model.RunStatusCreated:
		log.Info("pipeline: run already staged", zap.String("status", string(existing.Status)))
		return existing, nil
	case err != nil && !eris.Is(err, store.ErrNotFound):
		return nil, eris.Wrap(err, "pipeline: look up run")
	}

	var recs []model.RawRecord
	err = p.step(log, StepExtract, func() error {
		var err error
		recs, err = i.Extract(ctx, job.Vendor, job.Source)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(err, "pipeline: extract cancelled")
		}
		return i.extractFailed(ctx, job, err)
	}

	return p.Trigger(ctx, TriggerRequest{
		RunID:   job.RunID,
		Vendor:  job.Vendor,
		Source:  job.Source,
		Records: recs,
	})
}

// Ingest stages one document and processes the run.
func (i *Ingester) Ingest(ctx context.Context, job IngestJob) (*model.Run, error) {
	run, err := i.Stage(ctx, job)
	if err != nil {
		return run, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	return i.pipeline.Process(ctx, run.ID)
}

func (i *Ingester) extractFailed(ctx context.Context, job IngestJob, cause error) (*model.Run, error) {
	p := i.pipeline
	run, _, err := p.deps.Ledger.Create(ctx, job.RunID, job.Vendor, job.Source)
	if err != nil {
		return nil, eris.Wrapf(cause, "pipeline: extract %s (run not recorded: %v)", job.Source, err)
	}
	if run.Status.Terminal() {
		return run, eris.Wrapf(cause, "pipeline: extract %s", job.Source)
	}
	return run, p.fail(ctx, run, StepExtract, cause)
}

// IngestAll runs jobs concurrently, at most workers at a time. A failed job
// does not stop the others; only cancellation returns an error.
func (i *Ingester) IngestAll(ctx context.Context, jobs []IngestJob, workers int) ([]IngestResult, error) {
	if workers <= 0 {
		workers = 1
	}
	results := make([]IngestResult, len(jobs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for n, job := range jobs {
		g.Go(func() error {
			run, err := i.Ingest(gctx, job)
			mu.Lock()
			results[n] = IngestResult{Job: job, Run: run, Err: err}
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, eris.Wrap(err, "pipeline: ingest cancelled")
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	i.log.Info("pipeline: ingest complete", zap.Int("jobs", len(jobs)), zap.Int("failed", failed))
	return results, nil
}
