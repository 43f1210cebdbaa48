package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/resilience"
	"github.com/sells-group/catalog-sync/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fastPolicy() resilience.Policy {
	return resilience.Policy{
		Timeout: time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	}
}

func setup(t *testing.T, settle time.Duration) (*Ledger, *store.SQLiteStore, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)}
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"), store.Options{
		SettleWindow: settle,
		Now:          clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	return New(st, WithPolicy(fastPolicy()), WithClock(clk.Now)), st, clk
}

func TestLedger_HappyPath(t *testing.T) {
	ctx := context.Background()
	l, _, _ := setup(t, 0)

	run, resumed, err := l.Create(ctx, "run-1", "MARÉE OUEST", "file:///tmp/prices.csv")
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, model.RunStatusCreated, run.Status)

	steps := []model.RunStatus{
		model.RunStatusStaged,
		model.RunStatusHarmonizing,
		model.RunStatusConsolidating,
		model.RunStatusCompleted,
	}
	for _, s := range steps {
		run.Metrics.Staged = 3
		require.NoError(t, l.Advance(ctx, run, s, "step "+string(s)))
	}

	got, err := l.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, 3, got.Metrics.Staged)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	events, err := l.History(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, model.RunStatusCreated, events[0].Status)
	assert.Equal(t, model.RunStatusCompleted, events[4].Status)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestLedger_CreateResumesSameVendor(t *testing.T) {
	ctx := context.Background()
	l, _, _ := setup(t, 0)

	run, _, err := l.Create(ctx, "run-1", "NORDIC", "")
	require.NoError(t, err)
	require.NoError(t, l.Advance(ctx, run, model.RunStatusStaged, ""))

	again, resumed, err := l.Create(ctx, "run-1", "NORDIC", "")
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, model.RunStatusStaged, again.Status)
}

func TestLedger_CreateCollision(t *testing.T) {
	ctx := context.Background()
	l, _, _ := setup(t, 0)

	_, _, err := l.Create(ctx, "run-1", "NORDIC", "")
	require.NoError(t, err)

	_, _, err = l.Create(ctx, "run-1", "OTHER", "")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrRunCollision))
}

func TestLedger_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	l, _, _ := setup(t, 0)

	run, _, err := l.Create(ctx, "run-1", "NORDIC", "")
	require.NoError(t, err)

	err = l.Advance(ctx, run, model.RunStatusHarmonizing, "")
	assert.True(t, eris.Is(err, ErrInvalidTransition), "skipping a step must fail")

	require.NoError(t, l.Advance(ctx, run, model.RunStatusStaged, ""))
	require.NoError(t, l.Advance(ctx, run, model.RunStatusStaged, "resumed"), "rewriting the current status is allowed")

	err = l.Advance(ctx, run, model.RunStatusCreated, "")
	assert.True(t, eris.Is(err, ErrInvalidTransition), "moving backwards must fail")

	require.NoError(t, l.Fail(ctx, run, "harmonize", errors.New("boom")))
	err = l.Advance(ctx, run, model.RunStatusHarmonizing, "")
	assert.True(t, eris.Is(err, ErrInvalidTransition))
	err = l.Fail(ctx, run, "harmonize", errors.New("again"))
	assert.True(t, eris.Is(err, ErrInvalidTransition))
}

func TestLedger_FailKeepsMetrics(t *testing.T) {
	ctx := context.Background()
	l, _, _ := setup(t, 0)

	run, _, err := l.Create(ctx, "run-1", "NORDIC", "")
	require.NoError(t, err)
	run.Metrics.Extracted = 12
	run.Metrics.Staged = 10
	require.NoError(t, l.Advance(ctx, run, model.RunStatusStaged, ""))
	require.NoError(t, l.Fail(ctx, run, "consolidate", errors.New("store unavailable")))

	got, err := l.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, "consolidate", got.ErrorStep)
	assert.Equal(t, "store unavailable", got.Error)
	assert.Equal(t, 10, got.Metrics.Staged)
	assert.NotNil(t, got.CompletedAt)
}

func TestLedger_DefersStatusWhileSettling(t *testing.T) {
	ctx := context.Background()
	l, st, clk := setup(t, 5*time.Second)

	run, _, err := l.Create(ctx, "run-1", "NORDIC", "")
	require.NoError(t, err)

	err = l.Advance(ctx, run, model.RunStatusStaged, "staged 4 records")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrStatusStale))
	assert.Equal(t, model.RunStatusStaged, run.Status, "in-memory run still advances")

	// The event is durable even though the row is not.
	events, err := l.History(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.RunStatusStaged, events[1].Status)

	row, err := l.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCreated, row.Status)

	due, err := st.ListDueDeferred(ctx, clk.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, model.MutationRunStatus, due[0].Kind)

	var want model.Run
	require.NoError(t, json.Unmarshal(due[0].Payload, &want))
	assert.Equal(t, model.RunStatusStaged, want.Status)

	clk.Advance(10 * time.Second)
	applied, err := l.ReplayStatus(ctx, &want)
	require.NoError(t, err)
	assert.True(t, applied)

	row, err = l.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusStaged, row.Status)
}

func TestLedger_ReplayStatusDropsRegression(t *testing.T) {
	ctx := context.Background()
	l, _, _ := setup(t, 0)

	run, _, err := l.Create(ctx, "run-1", "NORDIC", "")
	require.NoError(t, err)
	stale := *run
	stale.Status = model.RunStatusStaged

	for _, s := range []model.RunStatus{
		model.RunStatusStaged, model.RunStatusHarmonizing,
		model.RunStatusConsolidating, model.RunStatusCompleted,
	} {
		require.NoError(t, l.Advance(ctx, run, s, ""))
	}

	applied, err := l.ReplayStatus(ctx, &stale)
	require.NoError(t, err)
	assert.False(t, applied)

	row, err := l.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, row.Status)
}

func TestLedger_Reconcile(t *testing.T) {
	ctx := context.Background()
	l, _, _ := setup(t, 0)

	run, _, err := l.Create(ctx, "run-1", "NORDIC", "")
	require.NoError(t, err)
	require.NoError(t, l.Advance(ctx, run, model.RunStatusStaged, ""))

	err = l.Reconcile(ctx, run, model.RunStatusHarmonizing, "")
	assert.True(t, eris.Is(err, ErrInvalidTransition))

	require.NoError(t, l.Reconcile(ctx, run, model.RunStatusFailed, "abandoned"))
	row, err := l.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, row.Status)
	assert.Equal(t, "staged", row.ErrorStep)
}

func TestSupersedes(t *testing.T) {
	tests := []struct {
		next, current model.RunStatus
		want          bool
	}{
		{model.RunStatusStaged, model.RunStatusCreated, true},
		{model.RunStatusStaged, model.RunStatusStaged, true},
		{model.RunStatusStaged, model.RunStatusHarmonizing, false},
		{model.RunStatusFailed, model.RunStatusConsolidating, true},
		{model.RunStatusStaged, model.RunStatusCompleted, false},
		{model.RunStatusFailed, model.RunStatusCompleted, false},
		{model.RunStatusCompleted, model.RunStatusCompleted, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.next)+"_over_"+string(tt.current), func(t *testing.T) {
			assert.Equal(t, tt.want, Supersedes(tt.next, tt.current))
		})
	}
}

func TestLedger_CurrentOverlaysEvents(t *testing.T) {
	ctx := context.Background()
	l, _, _ := setup(t, 5*time.Second)

	run, _, err := l.Create(ctx, "run-1", "NORDIC", "")
	require.NoError(t, err)
	run.Metrics.Staged = 7
	err = l.Advance(ctx, run, model.RunStatusStaged, "staged")
	require.True(t, eris.Is(err, ErrStatusStale))

	row, err := l.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCreated, row.Status)

	cur, err := l.Current(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusStaged, cur.Status)
	assert.Equal(t, 7, cur.Metrics.Staged)
	assert.NotNil(t, cur.StartedAt)

	// A resumed Create sees the same view.
	again, resumed, err := l.Create(ctx, "run-1", "NORDIC", "")
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, model.RunStatusStaged, again.Status)
}
