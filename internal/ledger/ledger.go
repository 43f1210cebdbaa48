// Package ledger owns the lifecycle of ingestion runs. Every transition is
// appended to the run's event history before the run row is updated, so the
// history stays complete even when the row update has to be deferred.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/resilience"
	"github.com/sells-group/catalog-sync/internal/store"
)

var (
	// ErrRunCollision means a run id is already used by another vendor.
	ErrRunCollision = eris.New("ledger: run id collision")
	// ErrInvalidTransition rejects a transition the state machine forbids.
	ErrInvalidTransition = eris.New("ledger: invalid transition")
	// ErrStatusStale means the transition was recorded as an event but the
	// run row update was deferred. Callers log it and carry on.
	ErrStatusStale = eris.New("ledger: run status update deferred")
)

// Store is the persistence the ledger needs.
type Store interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	UpdateRun(ctx context.Context, run *model.Run) error
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	AppendRunEvent(ctx context.Context, ev *model.RunEvent) error
	ListRunEvents(ctx context.Context, runID string) ([]model.RunEvent, error)
	EnqueueDeferred(ctx context.Context, m *model.DeferredMutation) error
}

// Ledger records run transitions.
type Ledger struct {
	store    Store
	policy   resilience.Policy
	deferral resilience.DeferConfig
	now      func() time.Time
	log      *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPolicy sets the retry and timeout policy for store calls.
func WithPolicy(p resilience.Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

// WithDeferral sets the replay schedule of deferred status writes.
func WithDeferral(c resilience.DeferConfig) Option {
	return func(l *Ledger) { l.deferral = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New returns a Ledger over st.
func New(st Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    st,
		policy:   resilience.DefaultPolicy(),
		deferral: resilience.DefaultDeferConfig(),
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "ledger")),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Create registers a run. If the id exists for the same vendor the stored
// run is returned with resumed set; for another vendor it fails with
// ErrRunCollision.
func (l *Ledger) Create(ctx context.Context, runID, vendor, source string) (run *model.Run, resumed bool, err error) {
	run = &model.Run{ID: runID, Vendor: vendor, Source: source, Status: model.RunStatusCreated}

	err = l.policy.Call(ctx, func(ctx context.Context) error {
		return l.store.CreateRun(ctx, run)
	})
	if eris.Is(err, store.ErrConflict) {
		existing, gerr := l.Current(ctx, runID)
		if gerr != nil {
			return nil, false, gerr
		}
		if existing.Vendor != vendor {
			return nil, false, eris.Wrapf(ErrRunCollision, "ledger: run %s belongs to vendor %q, not %q",
				runID, existing.Vendor, vendor)
		}
		l.log.Info("resuming existing run", zap.String("run_id", runID), zap.String("status", string(existing.Status)))
		return existing, true, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "ledger: create run %s", runID)
	}

	if err := l.appendEvent(ctx, run, "run created"); err != nil {
		return nil, false, err
	}
	return run, false, nil
}

// Get returns the last durably written state of a run.
func (l *Ledger) Get(ctx context.Context, runID string) (*model.Run, error) {
	run, err := resilience.CallVal(ctx, l.policy, func(ctx context.Context) (*model.Run, error) {
		return l.store.GetRun(ctx, runID)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: get run %s", runID)
	}
	return run, nil
}

// Current returns the run as its event history says it is. Events are
// appends and always durable, while the row may lag behind a deferred
// update; the latest event is laid over the row when it is further along.
func (l *Ledger) Current(ctx context.Context, runID string) (*model.Run, error) {
	run, err := l.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := l.History(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return run, nil
	}
	last := events[len(events)-1]
	if last.Status == run.Status || !Supersedes(last.Status, run.Status) {
		return run, nil
	}

	run.Status = last.Status
	run.StatusMessage = last.Message
	run.Metrics = last.Metrics
	if last.Error != "" {
		run.Error = last.Error
	}
	at := last.At
	if run.StartedAt == nil && last.Status != model.RunStatusCreated {
		run.StartedAt = &at
	}
	if last.Status.Terminal() && run.CompletedAt == nil {
		run.CompletedAt = &at
	}
	return run, nil
}

// List returns runs matching filter.
func (l *Ledger) List(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	runs, err := resilience.CallVal(ctx, l.policy, func(ctx context.Context) ([]model.Run, error) {
		return l.store.ListRuns(ctx, filter)
	})
	return runs, eris.Wrap(err, "ledger: list runs")
}

// History returns the audit events of a run.
func (l *Ledger) History(ctx context.Context, runID string) ([]model.RunEvent, error) {
	events, err := resilience.CallVal(ctx, l.policy, func(ctx context.Context) ([]model.RunEvent, error) {
		return l.store.ListRunEvents(ctx, runID)
	})
	return events, eris.Wrapf(err, "ledger: history of run %s", runID)
}

// Advance moves run to status to, which must be its current status or the
// next one on the success path. run is updated in place, including when the
// row write is deferred and ErrStatusStale is returned.
func (l *Ledger) Advance(ctx context.Context, run *model.Run, to model.RunStatus, message string) error {
	if run.Status.Terminal() && to != run.Status {
		return eris.Wrapf(ErrInvalidTransition, "ledger: run %s is %s", run.ID, run.Status)
	}
	if to != run.Status && run.Status.Next() != to {
		return eris.Wrapf(ErrInvalidTransition, "ledger: run %s cannot move from %s to %s", run.ID, run.Status, to)
	}

	now := l.now().UTC()
	if run.StartedAt == nil && to != model.RunStatusCreated {
		run.StartedAt = &now
	}
	if to == model.RunStatusCompleted && run.CompletedAt == nil {
		run.CompletedAt = &now
	}
	run.Status = to
	run.StatusMessage = message
	return l.record(ctx, run, message)
}

// Fail marks a non-terminal run failed at step. Metrics gathered so far are
// kept.
func (l *Ledger) Fail(ctx context.Context, run *model.Run, step string, cause error) error {
	if run.Status.Terminal() {
		return eris.Wrapf(ErrInvalidTransition, "ledger: run %s is already %s", run.ID, run.Status)
	}
	now := l.now().UTC()
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.CompletedAt = &now
	run.Status = model.RunStatusFailed
	run.ErrorStep = step
	run.Error = "unknown error"
	if cause != nil {
		run.Error = cause.Error()
	}
	run.StatusMessage = "failed during " + step
	return l.record(ctx, run, run.StatusMessage)
}

// Reconcile settles a stuck run directly to a terminal status. It skips the
// state walk because nothing is driving the run anymore.
func (l *Ledger) Reconcile(ctx context.Context, run *model.Run, to model.RunStatus, message string) error {
	if !to.Terminal() {
		return eris.Wrapf(ErrInvalidTransition, "ledger: reconcile run %s to non-terminal %s", run.ID, to)
	}
	if run.Status.Terminal() {
		return eris.Wrapf(ErrInvalidTransition, "ledger: run %s is already %s", run.ID, run.Status)
	}
	now := l.now().UTC()
	run.CompletedAt = &now
	if to == model.RunStatusFailed {
		run.Error = message
		run.ErrorStep = string(run.Status)
	}
	run.Status = to
	run.StatusMessage = message
	return l.record(ctx, run, message)
}

// ReplayStatus applies a deferred run row write unless the stored row has
// already moved past it. applied is false when the write was dropped.
func (l *Ledger) ReplayStatus(ctx context.Context, want *model.Run) (applied bool, err error) {
	current, err := l.store.GetRun(ctx, want.ID)
	if err != nil {
		return false, eris.Wrapf(err, "ledger: replay status of run %s", want.ID)
	}
	if !Supersedes(want.Status, current.Status) {
		return false, nil
	}
	if err := l.store.UpdateRun(ctx, want); err != nil {
		return false, eris.Wrapf(err, "ledger: replay status of run %s", want.ID)
	}
	return true, nil
}

// Supersedes reports whether a write of status next may overwrite a row
// holding status current without moving the run backwards.
func Supersedes(next, current model.RunStatus) bool {
	if current.Terminal() {
		return next == current
	}
	if next == model.RunStatusFailed {
		return true
	}
	return next.Reached(current)
}

func (l *Ledger) appendEvent(ctx context.Context, run *model.Run, message string) error {
	ev := &model.RunEvent{
		RunID:   run.ID,
		Status:  run.Status,
		Message: message,
		Metrics: run.Metrics,
		Error:   run.Error,
		At:      l.now().UTC(),
	}
	err := l.policy.Call(ctx, func(ctx context.Context) error {
		return l.store.AppendRunEvent(ctx, ev)
	})
	return eris.Wrapf(err, "ledger: append %s event for run %s", run.Status, run.ID)
}

func (l *Ledger) record(ctx context.Context, run *model.Run, message string) error {
	if err := l.appendEvent(ctx, run, message); err != nil {
		return err
	}

	row := *run
	err := l.policy.Call(ctx, func(ctx context.Context) error {
		return l.store.UpdateRun(ctx, &row)
	})
	if err == nil {
		run.UpdatedAt = row.UpdatedAt
		return nil
	}
	if !resilience.IsRecentlyWritten(err) {
		return eris.Wrapf(err, "ledger: update run %s", run.ID)
	}

	payload, merr := json.Marshal(run)
	if merr != nil {
		return eris.Wrap(merr, "ledger: marshal deferred status")
	}
	now := l.now().UTC()
	m := &model.DeferredMutation{
		Kind:          model.MutationRunStatus,
		RunID:         run.ID,
		Target:        run.ID,
		Payload:       payload,
		NextAttemptAt: l.deferral.NextAttempt(0, now),
		LastError:     err.Error(),
		CreatedAt:     now,
	}
	if derr := l.policy.Call(ctx, func(ctx context.Context) error {
		return l.store.EnqueueDeferred(ctx, m)
	}); derr != nil {
		return eris.Wrapf(derr, "ledger: defer status of run %s", run.ID)
	}

	l.log.Warn("run status update deferred",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int64("mutation_id", m.ID),
	)
	return eris.Wrapf(ErrStatusStale, "ledger: run %s status %s", run.ID, run.Status)
}
