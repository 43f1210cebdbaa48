// Package pipeline drives a run through staging, harmonization and
// consolidation, recording every step in the run ledger.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/consolidate"
	"github.com/sells-group/catalog-sync/internal/harmonize"
	"github.com/sells-group/catalog-sync/internal/ledger"
	"github.com/sells-group/catalog-sync/internal/metrics"
	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/resilience"
	"github.com/sells-group/catalog-sync/internal/runlock"
	"github.com/sells-group/catalog-sync/internal/unknowns"
)

// Steps recorded as error_step on failed runs.
const (
	StepStage       = "stage"
	StepHarmonize   = "harmonize"
	StepConsolidate = "consolidate"
	StepTrack       = "track_unknowns"
)

// ErrNotStaged rejects processing a run whose records never reached
// staging.
var ErrNotStaged = eris.New("pipeline: run has not been staged")

// Staging is the staging buffer the pipeline reads and appends to.
type Staging interface {
	AppendStaged(ctx context.Context, runID string, recs []model.StagedRecord) ([]model.StagedRecord, error)
	ListStaged(ctx context.Context, runID string) ([]model.StagedRecord, error)
	CountStaged(ctx context.Context, runID string) (int, error)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Staging      Staging
	Ledger       *ledger.Ledger
	Consolidator *consolidate.Consolidator
	Tracker      *unknowns.Tracker
	Taxonomy     SnapshotSource
	Locker       runlock.Locker
}

// Config tunes a Pipeline.
type Config struct {
	// TriggerTimeout bounds the synchronous part of a run. Default: 30s.
	TriggerTimeout time.Duration
	// Policy wraps the pipeline's own staging calls.
	Policy resilience.Policy
}

// Pipeline orchestrates runs.
type Pipeline struct {
	deps Deps
	cfg  Config
	log  *zap.Logger
}

// New creates a Pipeline. A nil Locker defaults to an in-process one.
func New(deps Deps, cfg Config) *Pipeline {
	if cfg.TriggerTimeout <= 0 {
		cfg.TriggerTimeout = 30 * time.Second
	}
	if cfg.Policy.Timeout == 0 && cfg.Policy.Retry.MaxAttempts == 0 {
		cfg.Policy = resilience.DefaultPolicy()
	}
	if deps.Locker == nil {
		deps.Locker = runlock.NewLocal()
	}
	return &Pipeline{
		deps: deps,
		cfg:  cfg,
		log:  zap.L().With(zap.String("component", "pipeline")),
	}
}

// TriggerRequest starts a run.
type TriggerRequest struct {
	RunID   string
	Vendor  string
	Source  string
	Records []model.RawRecord
}

// Trigger creates the run, validates and stages its records and leaves it
// in the staged state. It is bounded by Config.TriggerTimeout. Triggering
// an id that is already staged returns the stored run untouched.
func (p *Pipeline) Trigger(ctx context.Context, req TriggerRequest) (*model.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TriggerTimeout)
	defer cancel()

	log := p.log.With(zap.String("run_id", req.RunID), zap.String("vendor", req.Vendor))
	log.Info("pipeline: trigger", zap.Int("records", len(req.Records)))

	run, resumed, err := p.deps.Ledger.Create(ctx, req.RunID, req.Vendor, req.Source)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	if resumed && run.Status != model.RunStatusCreated {
		log.Info("pipeline: run already staged", zap.String("status", string(run.Status)))
		return run, nil
	}

	if resumed {
		n, err := resilience.CallVal(ctx, p.cfg.Policy, func(ctx context.Context) (int, error) {
			return p.deps.Staging.CountStaged(ctx, run.ID)
		})
		if err != nil {
			return run, p.fail(ctx, run, StepStage, err)
		}
		if n > 0 {
			run.Metrics.Staged = n
			log.Info("pipeline: staging found from an earlier trigger", zap.Int("staged", n))
			return run, p.advance(ctx, run, model.RunStatusStaged, "staging already present")
		}
	}

	staged, skipped := Validate(req.RunID, req.Vendor, req.Records)
	for _, s := range skipped {
		log.Debug("pipeline: record skipped",
			zap.Int("index", s.Index),
			zap.String("supplier_code", s.Record.SupplierCode),
			zap.Error(s.Err),
		)
	}
	run.Metrics.Extracted = len(req.Records)
	run.Metrics.Skipped = len(skipped)

	if len(staged) > 0 {
		// A retried append may duplicate records whose first attempt committed
		// unseen; duplicates reduce to the same catalog row.
		_, err := resilience.CallVal(ctx, p.cfg.Policy, func(ctx context.Context) ([]model.StagedRecord, error) {
			return p.deps.Staging.AppendStaged(ctx, run.ID, staged)
		})
		if err != nil {
			if ctx.Err() != nil {
				return run, eris.Wrap(err, "pipeline: trigger cancelled")
			}
			return run, p.fail(ctx, run, StepStage, err)
		}
	}
	run.Metrics.Staged = len(staged)

	if err := p.advance(ctx, run, model.RunStatusStaged, ""); err != nil {
		return run, err
	}
	log.Info("pipeline: run staged",
		zap.Int("staged", run.Metrics.Staged),
		zap.Int("skipped", run.Metrics.Skipped),
	)
	return run, nil
}

// Process harmonizes and consolidates a staged run and completes it. It
// resumes from the run's current status and is a no-op on terminal runs.
// Cancellation leaves the ledger where it was.
func (p *Pipeline) Process(ctx context.Context, runID string) (*model.Run, error) {
	release, err := p.deps.Locker.Acquire(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: lock run %s", runID)
	}
	defer release()

	run, err := p.deps.Ledger.Current(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load run")
	}
	log := p.log.With(zap.String("run_id", run.ID), zap.String("vendor", run.Vendor))

	switch {
	case run.Status.Terminal():
		log.Info("pipeline: run already terminal", zap.String("status", string(run.Status)))
		return run, nil
	case run.Status == model.RunStatusCreated:
		return run, eris.Wrapf(ErrNotStaged, "pipeline: run %s", run.ID)
	}
	log.Info("pipeline: processing run", zap.String("status", string(run.Status)))

	if !run.Status.Reached(model.RunStatusHarmonizing) {
		if err := p.advance(ctx, run, model.RunStatusHarmonizing, ""); err != nil {
			return run, err
		}
	}

	var w *work
	if err := p.step(log, StepHarmonize, func() error {
		w, err = p.harmonize(ctx, run.ID)
		return err
	}); err != nil {
		return run, p.abort(ctx, run, StepHarmonize, err)
	}
	run.Metrics.Unknown = len(w.sightings)

	if !run.Status.Reached(model.RunStatusConsolidating) {
		if err := p.advance(ctx, run, model.RunStatusConsolidating, ""); err != nil {
			return run, err
		}
	}

	var res consolidate.Result
	if err := p.step(log, StepConsolidate, func() error {
		res, err = p.deps.Consolidator.Consolidate(ctx, w.canonical)
		return err
	}); err != nil {
		return run, p.abort(ctx, run, StepConsolidate, err)
	}
	mergeCatalogMetrics(&run.Metrics, res)

	var ures unknowns.Result
	if err := p.step(log, StepTrack, func() error {
		ures, err = p.deps.Tracker.Record(ctx, w.sightings)
		return err
	}); err != nil {
		return run, p.abort(ctx, run, StepTrack, err)
	}
	run.Metrics.Deferred += ures.Deferred

	if res.Failed > 0 {
		cause := eris.Errorf("pipeline: %d catalog keys failed", res.Failed)
		if len(res.Errors) > 0 {
			cause = eris.Wrapf(res.Errors[0], "pipeline: %d catalog keys failed, first", res.Failed)
		}
		return run, p.abort(ctx, run, StepConsolidate, cause)
	}
	if ures.Failed > 0 {
		return run, p.abort(ctx, run, StepTrack, eris.Errorf("pipeline: %d unknown keys failed", ures.Failed))
	}

	msg := "consolidated"
	if run.Metrics.Deferred > 0 {
		msg = "consolidated with deferred writes"
	}
	if err := p.advance(ctx, run, model.RunStatusCompleted, msg); err != nil {
		return run, err
	}
	metrics.ObserveRun(run)
	log.Info("pipeline: run complete",
		zap.Int("inserted", run.Metrics.Inserted),
		zap.Int("updated", run.Metrics.Updated),
		zap.Int("unchanged", run.Metrics.Unchanged),
		zap.Int("deferred", run.Metrics.Deferred),
		zap.Int("unknown", run.Metrics.Unknown),
		zap.Duration("duration", run.Duration()),
	)
	return run, nil
}

// mergeCatalogMetrics folds a consolidation result into the counts a
// resumed run already carries. Keys the earlier pass wrote come back
// unchanged, so they stay counted as written.
func mergeCatalogMetrics(m *model.RunMetrics, res consolidate.Result) {
	carried := m.Inserted + m.Updated
	m.Inserted += res.Inserted
	m.Updated += res.Updated
	m.Unchanged = max(res.Unchanged-carried, 0)
	m.Deferred = res.Deferred
}

// Run triggers and processes a run in one call.
func (p *Pipeline) Run(ctx context.Context, req TriggerRequest) (*model.Run, error) {
	if _, err := p.Trigger(ctx, req); err != nil {
		return nil, err
	}
	return p.Process(ctx, req.RunID)
}

// ReplayResult reports what a replay wrote.
type ReplayResult struct {
	Staged       int
	Catalog      consolidate.Result
	Unknowns     unknowns.Result
	Unclassified int
}

// Replay re-harmonizes and re-consolidates the staged records of a run
// without touching the ledger. Replaying a run already applied writes
// nothing.
func (p *Pipeline) Replay(ctx context.Context, runID string) (ReplayResult, error) {
	var out ReplayResult

	release, err := p.deps.Locker.Acquire(ctx, runID)
	if err != nil {
		return out, eris.Wrapf(err, "pipeline: lock run %s", runID)
	}
	defer release()

	run, err := p.deps.Ledger.Current(ctx, runID)
	if err != nil {
		return out, eris.Wrap(err, "pipeline: load run")
	}
	if run.Status == model.RunStatusCreated {
		return out, eris.Wrapf(ErrNotStaged, "pipeline: run %s", run.ID)
	}

	w, err := p.harmonize(ctx, runID)
	if err != nil {
		return out, err
	}
	out.Staged = len(w.staged)
	out.Unclassified = w.stats.Unclassified

	if out.Catalog, err = p.deps.Consolidator.Consolidate(ctx, w.canonical); err != nil {
		return out, eris.Wrap(err, "pipeline: replay consolidate")
	}
	if out.Unknowns, err = p.deps.Tracker.Record(ctx, w.sightings); err != nil {
		return out, eris.Wrap(err, "pipeline: replay unknowns")
	}
	p.log.Info("pipeline: replay complete",
		zap.String("run_id", runID),
		zap.Int("staged", out.Staged),
		zap.Int("inserted", out.Catalog.Inserted),
		zap.Int("updated", out.Catalog.Updated),
		zap.Int("unchanged", out.Catalog.Unchanged),
	)
	return out, nil
}

// Expected returns the catalog records the run leaves behind once applied:
// its staged records harmonized and reduced to one per key.
func (p *Pipeline) Expected(ctx context.Context, runID string) ([]model.CanonicalRecord, error) {
	w, err := p.harmonize(ctx, runID)
	if err != nil {
		return nil, err
	}
	return consolidate.Reduce(w.canonical), nil
}

type work struct {
	staged    []model.StagedRecord
	canonical []model.CanonicalRecord
	sightings []model.Sighting
	stats     harmonize.Stats
}

func (p *Pipeline) harmonize(ctx context.Context, runID string) (*work, error) {
	snap, err := p.deps.Taxonomy.Snapshot(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load taxonomy")
	}
	staged, err := resilience.CallVal(ctx, p.cfg.Policy, func(ctx context.Context) ([]model.StagedRecord, error) {
		return p.deps.Staging.ListStaged(ctx, runID)
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: read staging")
	}

	h := harmonize.New(snap, nil)
	canon, stats := h.HarmonizeAll(staged)
	return &work{
		staged:    staged,
		canonical: canon,
		sightings: unknowns.Collect(snap, staged, canon),
		stats:     stats,
	}, nil
}

// step times fn and logs its outcome.
func (p *Pipeline) step(log *zap.Logger, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start).Milliseconds()
	if err != nil {
		log.Error("pipeline: step failed",
			zap.String("step", name),
			zap.Int64("duration_ms", duration),
			zap.Error(err),
		)
		return err
	}
	log.Info("pipeline: step complete",
		zap.String("step", name),
		zap.Int64("duration_ms", duration),
	)
	return nil
}

// advance moves the run forward. A deferred status row is logged and
// ignored: the data is in place and the replay sweep fixes the row.
func (p *Pipeline) advance(ctx context.Context, run *model.Run, to model.RunStatus, msg string) error {
	err := p.deps.Ledger.Advance(ctx, run, to, msg)
	if eris.Is(err, ledger.ErrStatusStale) {
		p.log.Warn("pipeline: run status is stale",
			zap.String("run_id", run.ID),
			zap.String("status", string(to)),
		)
		return nil
	}
	return eris.Wrapf(err, "pipeline: advance run %s to %s", run.ID, to)
}

// abort fails the run unless ctx ended, in which case the ledger is left
// for the reconciliation sweep or the next Process call.
func (p *Pipeline) abort(ctx context.Context, run *model.Run, step string, cause error) error {
	if ctx.Err() != nil {
		return eris.Wrapf(cause, "pipeline: %s cancelled", step)
	}
	return p.fail(ctx, run, step, cause)
}

func (p *Pipeline) fail(ctx context.Context, run *model.Run, step string, cause error) error {
	err := p.deps.Ledger.Fail(ctx, run, step, cause)
	switch {
	case err == nil:
	case eris.Is(err, ledger.ErrStatusStale):
		p.log.Warn("pipeline: failure status is stale", zap.String("run_id", run.ID))
	default:
		p.log.Error("pipeline: could not record failure",
			zap.String("run_id", run.ID),
			zap.String("step", step),
			zap.Error(err),
		)
	}
	if run.Status == model.RunStatusFailed {
		metrics.ObserveRun(run)
	}
	return eris.Wrapf(cause, "pipeline: run %s failed at %s", run.ID, step)
}
