package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/model"
)

// Handoff continues a staged run outside the caller's request. It reports
// false when the run was already handed off.
type Handoff interface {
	Dispatch(ctx context.Context, runID string) (bool, error)
}

// Background processes runs on goroutines bound to a base context, so
// cancelling a request does not stop the run it submitted.
type Background struct {
	base     context.Context
	pipeline *Pipeline
	log      *zap.Logger

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

// NewBackground creates an in-process Handoff. Cancelling base stops
// in-flight runs where they are; the ledger keeps their progress.
func NewBackground(base context.Context, p *Pipeline) *Background {
	return &Background{
		base:     base,
		pipeline: p,
		log:      zap.L().With(zap.String("component", "pipeline.background")),
		running:  make(map[string]bool),
	}
}

// Dispatch starts processing runID unless it is already in flight here.
func (b *Background) Dispatch(_ context.Context, runID string) (bool, error) {
	if err := b.base.Err(); err != nil {
		return false, eris.Wrap(err, "pipeline: background closed")
	}
	b.mu.Lock()
	if b.running[runID] {
		b.mu.Unlock()
		return false, nil
	}
	b.running[runID] = true
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer func() {
			b.mu.Lock()
			delete(b.running, runID)
			b.mu.Unlock()
		}()
		run, err := b.pipeline.Process(b.base, runID)
		if err != nil {
			b.log.Error("pipeline: background run failed", zap.String("run_id", runID), zap.Error(err))
			return
		}
		b.log.Info("pipeline: background run finished",
			zap.String("run_id", runID),
			zap.String("status", string(run.Status)),
		)
	}()
	return true, nil
}

// Wait blocks until every dispatched run returned.
func (b *Background) Wait() { b.wg.Wait() }

// Submitter stages documents synchronously and hands the runs off.
type Submitter struct {
	ingester *Ingester
	handoff  Handoff
	log      *zap.Logger
}

// NewSubmitter creates a Submitter.
func NewSubmitter(i *Ingester, h Handoff) *Submitter {
	return &Submitter{
		ingester: i,
		handoff:  h,
		log:      zap.L().With(zap.String("component", "pipeline.submit")),
	}
}

// Submit stages job and dispatches its processing. It returns the staged
// run; terminal runs are returned without dispatch. A staged run whose
// dispatch failed is left for a later submit or the reconciliation sweep.
func (s *Submitter) Submit(ctx context.Context, job IngestJob) (*model.Run, error) {
	run, err := s.ingester.Stage(ctx, job)
	if err != nil {
		return run, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	started, err := s.handoff.Dispatch(ctx, run.ID)
	if err != nil {
		return run, eris.Wrapf(err, "pipeline: hand off run %s", run.ID)
	}
	s.log.Info("pipeline: run submitted",
		zap.String("run_id", run.ID),
		zap.String("vendor", run.Vendor),
		zap.Bool("dispatched", started),
	)
	return run, nil
}
