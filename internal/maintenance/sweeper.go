// Package maintenance keeps the catalog consistent after the fact: it
// settles runs that stopped moving, replays deferred writes and watches
// the health of the pipeline.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-sync/internal/consolidate"
	"github.com/sells-group/catalog-sync/internal/ledger"
	"github.com/sells-group/catalog-sync/internal/metrics"
	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/resilience"
	"github.com/sells-group/catalog-sync/internal/store"
	"github.com/sells-group/catalog-sync/internal/unknowns"
)

// parkedFor pushes a mutation that exhausted its attempts out of the
// replay window. It stays in the queue for inspection.
const parkedFor = 100 * 365 * 24 * time.Hour

// Store is the persistence the sweeper reads directly.
type Store interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListDueDeferred(ctx context.Context, now time.Time, limit int) ([]model.DeferredMutation, error)
	RescheduleDeferred(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error
	DeleteDeferred(ctx context.Context, id int64) error
}

// RunOutput derives the catalog records a run is expected to leave behind.
type RunOutput interface {
	Expected(ctx context.Context, runID string) ([]model.CanonicalRecord, error)
}

// SweepConfig tunes a Sweeper.
type SweepConfig struct {
	// GracePeriod is how long a non-terminal run may sit untouched before
	// it is reconciled. Default: 30m.
	GracePeriod time.Duration
	// BatchSize bounds runs and mutations handled per sweep. Default: 100.
	BatchSize int
	// RatePerSec limits store calls made by a sweep. Default: 50.
	RatePerSec float64
	// Workers reconciles runs concurrently. Default: 4.
	Workers  int
	Deferral resilience.DeferConfig
	Now      func() time.Time
}

// Sweeper reconciles stuck runs and replays deferred mutations. Writes go
// through the components owning each entity.
type Sweeper struct {
	store        Store
	ledger       *ledger.Ledger
	consolidator *consolidate.Consolidator
	tracker      *unknowns.Tracker
	output       RunOutput
	limiter      *rate.Limiter
	cfg          SweepConfig
	log          *zap.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(st Store, l *ledger.Ledger, c *consolidate.Consolidator, t *unknowns.Tracker, out RunOutput, cfg SweepConfig) *Sweeper {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Deferral.MaxAttempts == 0 {
		cfg.Deferral = resilience.DefaultDeferConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		store:        st,
		ledger:       l,
		consolidator: c,
		tracker:      t,
		output:       out,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		cfg:          cfg,
		log:          zap.L().With(zap.String("component", "maintenance.sweeper")),
	}
}

// ReconcileReport summarizes a reconciliation sweep.
type ReconcileReport struct {
	Examined  int
	Completed int
	Failed    int
	Skipped   int
}

// Reconcile settles runs left in a non-terminal state for longer than the
// grace period. A staged run whose expected output is fully present in the
// catalog completed its work, whoever wrote the rows; any other run is
// failed.
func (s *Sweeper) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	cutoff := s.cfg.Now().UTC().Add(-s.cfg.GracePeriod)

	if err := s.limiter.Wait(ctx); err != nil {
		return report, eris.Wrap(err, "maintenance: reconcile")
	}
	runs, err := s.store.ListRuns(ctx, store.RunFilter{
		NonTerminal:   true,
		UpdatedBefore: cutoff,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return report, eris.Wrap(err, "maintenance: list stuck runs")
	}
	report.Examined = len(runs)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i := range runs {
		runID := runs[i].ID
		g.Go(func() error {
			to, err := s.reconcileRun(gctx, runID, cutoff)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.log.Error("maintenance: reconcile run failed", zap.String("run_id", runID), zap.Error(err))
			}
			mu.Lock()
			defer mu.Unlock()
			switch to {
			case model.RunStatusCompleted:
				report.Completed++
			case model.RunStatusFailed:
				report.Failed++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, eris.Wrap(err, "maintenance: reconcile cancelled")
	}

	if report.Examined > 0 {
		s.log.Info("maintenance: reconcile complete",
			zap.Int("examined", report.Examined),
			zap.Int("completed", report.Completed),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped),
		)
	}
	return report, nil
}

// reconcileRun returns the status the run was settled to, or "" when it
// was left alone.
func (s *Sweeper) reconcileRun(ctx context.Context, runID string, cutoff time.Time) (model.RunStatus, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	run, err := s.ledger.Current(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status.Terminal() {
		// Only the row is behind; the deferred status write will catch up.
		return "", nil
	}
	events, err := s.ledger.History(ctx, runID)
	if err != nil {
		return "", err
	}
	if n := len(events); n > 0 && events[n-1].At.After(cutoff) {
		return "", nil
	}

	to, msg, err := s.judge(ctx, run)
	if err != nil {
		return "", err
	}

	err = s.ledger.Reconcile(ctx, run, to, msg)
	if err != nil && !eris.Is(err, ledger.ErrStatusStale) {
		return "", err
	}
	metrics.ObserveReconciled(to)
	s.log.Info("maintenance: run reconciled",
		zap.String("run_id", runID),
		zap.String("status", string(to)),
		zap.String("message", msg),
	)
	return to, nil
}

// judge decides the terminal status of a stuck run from the catalog. Every
// (vendor, natural_key) the run reduces to must be present with a row at
// least as recent as the run's record, or with the same content.
func (s *Sweeper) judge(ctx context.Context, run *model.Run) (model.RunStatus, string, error) {
	if !run.Status.Reached(model.RunStatusStaged) {
		return model.RunStatusFailed, fmt.Sprintf("reconciled: abandoned while %s", run.Status), nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", "", err
	}
	expected, err := s.output.Expected(ctx, run.ID)
	if err != nil {
		return "", "", eris.Wrapf(err, "maintenance: expected output of run %s", run.ID)
	}
	if len(expected) == 0 {
		return model.RunStatusCompleted, "reconciled: nothing to consolidate", nil
	}

	missing := 0
	for i := range expected {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", "", err
		}
		ok, err := s.consolidator.Applied(ctx, expected[i])
		if err != nil {
			return "", "", err
		}
		if !ok {
			missing++
		}
	}
	if missing > 0 {
		return model.RunStatusFailed, fmt.Sprintf("reconciled: abandoned while %s, %d of %d keys missing from catalog",
			run.Status, missing, len(expected)), nil
	}
	return model.RunStatusCompleted, fmt.Sprintf("reconciled: %d keys present in catalog", len(expected)), nil
}

// ReplayReport summarizes a deferred-mutation replay.
type ReplayReport struct {
	Due         int
	Applied     int
	Dropped     int
	Rescheduled int
	Parked      int
}

// ReplayDeferred applies due mutations in queue order. A failed replay is
// rescheduled with backoff and parked once it runs out of attempts.
func (s *Sweeper) ReplayDeferred(ctx context.Context) (ReplayReport, error) {
	var report ReplayReport

	if err := s.limiter.Wait(ctx); err != nil {
		return report, eris.Wrap(err, "maintenance: replay deferred")
	}
	due, err := s.store.ListDueDeferred(ctx, s.cfg.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return report, eris.Wrap(err, "maintenance: list due mutations")
	}
	report.Due = len(due)

	for i := range due {
		m := due[i]
		if err := s.limiter.Wait(ctx); err != nil {
			return report, eris.Wrap(err, "maintenance: replay deferred")
		}

		applied, err := s.apply(ctx, m)
		switch {
		case err == nil:
			if derr := s.store.DeleteDeferred(ctx, m.ID); derr != nil {
				return report, eris.Wrapf(derr, "maintenance: delete mutation %d", m.ID)
			}
			result := "applied"
			if applied {
				report.Applied++
			} else {
				report.Dropped++
				result = "dropped"
			}
			metrics.ObserveDeferred(m.Kind, result)
		case ctx.Err() != nil:
			return report, eris.Wrap(ctx.Err(), "maintenance: replay deferred")
		default:
			parked, rerr := s.reschedule(ctx, m, err)
			if rerr != nil {
				return report, rerr
			}
			if parked {
				report.Parked++
			} else {
				report.Rescheduled++
			}
		}
	}

	if report.Due > 0 {
		s.log.Info("maintenance: deferred replay complete",
			zap.Int("due", report.Due),
			zap.Int("applied", report.Applied),
			zap.Int("dropped", report.Dropped),
			zap.Int("rescheduled", report.Rescheduled),
			zap.Int("parked", report.Parked),
		)
	}
	return report, nil
}

var errUnreplayable = eris.New("maintenance: mutation cannot be replayed")

// apply hands a mutation to the component that owns its target. applied is
// false when the owner decided the write was no longer needed.
func (s *Sweeper) apply(ctx context.Context, m model.DeferredMutation) (applied bool, err error) {
	switch m.Kind {
	case model.MutationCatalogUpsert:
		var rec model.CanonicalRecord
		if err := json.Unmarshal(m.Payload, &rec); err != nil {
			return false, eris.Wrapf(errUnreplayable, "maintenance: decode mutation %d: %v", m.ID, err)
		}
		o, err := s.consolidator.Replay(ctx, &rec)
		if err != nil {
			return false, err
		}
		return o == consolidate.OutcomeInserted || o == consolidate.OutcomeUpdated, nil

	case model.MutationUnknownSighting:
		var sighting model.Sighting
		if err := json.Unmarshal(m.Payload, &sighting); err != nil {
			return false, eris.Wrapf(errUnreplayable, "maintenance: decode mutation %d: %v", m.ID, err)
		}
		o, err := s.tracker.Replay(ctx, sighting)
		if err != nil {
			return false, err
		}
		return o != unknowns.OutcomeSkipped, nil

	case model.MutationRunStatus:
		var run model.Run
		if err := json.Unmarshal(m.Payload, &run); err != nil {
			return false, eris.Wrapf(errUnreplayable, "maintenance: decode mutation %d: %v", m.ID, err)
		}
		applied, err := s.ledger.ReplayStatus(ctx, &run)
		if err == nil && applied && run.Status.Terminal() {
			metrics.ObserveRun(&run)
		}
		return applied, err

	default:
		return false, eris.Wrapf(errUnreplayable, "maintenance: mutation %d has unknown kind %q", m.ID, m.Kind)
	}
}

func (s *Sweeper) reschedule(ctx context.Context, m model.DeferredMutation, cause error) (parked bool, err error) {
	attempts := m.Attempts + 1
	now := s.cfg.Now().UTC()
	next := s.cfg.Deferral.NextAttempt(attempts, now)
	lastErr := cause.Error()

	parked = eris.Is(cause, errUnreplayable) || !s.cfg.Deferral.CanRetry(attempts)
	if parked {
		next = now.Add(parkedFor)
		lastErr = "parked: " + lastErr
		s.log.Error("maintenance: deferred mutation parked",
			zap.Int64("id", m.ID),
			zap.String("kind", string(m.Kind)),
			zap.String("target", m.Target),
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		metrics.ObserveDeferred(m.Kind, "parked")
	} else {
		s.log.Warn("maintenance: deferred mutation rescheduled",
			zap.Int64("id", m.ID),
			zap.String("kind", string(m.Kind)),
			zap.String("reason", resilience.Classify(cause)),
			zap.Time("next_attempt_at", next),
		)
		metrics.ObserveDeferred(m.Kind, "rescheduled")
	}

	if err := s.store.RescheduleDeferred(ctx, m.ID, attempts, next, lastErr); err != nil {
		return parked, eris.Wrapf(err, "maintenance: reschedule mutation %d", m.ID)
	}
	return parked, nil
}
