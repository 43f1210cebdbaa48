package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/resilience"
)

// testClock is a settable clock for settle-window tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestSQLiteStore(t *testing.T, opts ...Options) *SQLiteStore {
	t.Helper()
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath, o)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func ptr(f float64) *float64 { return &f }

func sampleRecord(runID, code string, price float64) model.CanonicalRecord {
	return model.CanonicalRecord{
		NaturalKey:    code + "_2026-01-01",
		Vendor:        "MARÉE OUEST",
		EffectiveDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		SupplierCode:  code,
		ProductName:   "FILET DE BAR",
		Price:         ptr(price),
		Category:      "BAR",
		Family:        "POISSON",
		Species:       "BAR",
		Cut:           "FILET",
		RunID:         runID,
		Seq:           1,
		IngestedAt:    time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC),
		Source:        model.SourceStaging,
	}
}

// --- Runs ---

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := &model.Run{ID: "r1", Vendor: "ACME", Source: "acme.csv"}
	require.NoError(t, st.CreateRun(ctx, run))
	assert.Equal(t, model.RunStatusCreated, run.Status)
	assert.False(t, run.CreatedAt.IsZero())

	err := st.CreateRun(ctx, &model.Run{ID: "r1", Vendor: "OTHER"})
	assert.ErrorIs(t, err, ErrConflict)

	started := time.Now().UTC().Truncate(time.Microsecond)
	run.Status = model.RunStatusStaged
	run.StartedAt = &started
	run.Metrics = model.RunMetrics{Extracted: 3, Staged: 2, Skipped: 1}
	require.NoError(t, st.UpdateRun(ctx, run))

	got, err := st.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusStaged, got.Status)
	assert.Equal(t, "acme.csv", got.Source)
	assert.Equal(t, 2, got.Metrics.Staged)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Nil(t, got.CompletedAt)

	_, err = st.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = st.UpdateRun(ctx, &model.Run{ID: "missing", Status: model.RunStatusFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_UpdateRun_SettleWindow(t *testing.T) {
	clock := newTestClock()
	st := newTestSQLiteStore(t, Options{SettleWindow: 2 * time.Second, Now: clock.Now})
	ctx := context.Background()

	run := &model.Run{ID: "r1", Vendor: "ACME"}
	require.NoError(t, st.CreateRun(ctx, run))

	run.Status = model.RunStatusStaged
	err := st.UpdateRun(ctx, run)
	require.Error(t, err)
	assert.True(t, resilience.IsRecentlyWritten(err))

	clock.Advance(2 * time.Second)
	require.NoError(t, st.UpdateRun(ctx, run))

	got, err := st.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusStaged, got.Status)
}

func TestSQLite_ListRuns(t *testing.T) {
	clock := newTestClock()
	st := newTestSQLiteStore(t, Options{Now: clock.Now})
	ctx := context.Background()

	for _, r := range []*model.Run{
		{ID: "a", Vendor: "ACME"},
		{ID: "b", Vendor: "ACME", Status: model.RunStatusCompleted},
		{ID: "c", Vendor: "OTHER", Status: model.RunStatusHarmonizing},
	} {
		require.NoError(t, st.CreateRun(ctx, r))
		clock.Advance(time.Minute)
	}

	runs, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].ID)

	runs, err = st.ListRuns(ctx, RunFilter{Vendor: "ACME"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = st.ListRuns(ctx, RunFilter{NonTerminal: true})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = st.ListRuns(ctx, RunFilter{NonTerminal: true, UpdatedBefore: clock.Now().Add(-2 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "a", runs[0].ID)

	runs, err = st.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "b", runs[0].ID)
}

func TestSQLite_RunEvents(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, &model.Run{ID: "r1", Vendor: "ACME"}))

	for _, status := range []model.RunStatus{model.RunStatusCreated, model.RunStatusStaged, model.RunStatusFailed} {
		ev := &model.RunEvent{RunID: "r1", Status: status, Metrics: model.RunMetrics{Staged: 4}}
		if status == model.RunStatusFailed {
			ev.Error = "store unreachable"
		}
		require.NoError(t, st.AppendRunEvent(ctx, ev))
	}

	events, err := st.ListRunEvents(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	assert.Equal(t, model.RunStatusFailed, events[2].Status)
	assert.Equal(t, "store unreachable", events[2].Error)
	assert.Equal(t, 4, events[0].Metrics.Staged)
}

// --- Staging ---

func TestSQLite_Staging(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	recs := []model.StagedRecord{
		{RawRecord: model.RawRecord{Vendor: "ACME", SupplierCode: "A1", EffectiveDate: "01/01/2026", Price: "10,00"}, NaturalKey: "A1_2026-01-01"},
		{RawRecord: model.RawRecord{Vendor: "ACME", SupplierCode: "A1", EffectiveDate: "01/01/2026", Price: "12,00"}, NaturalKey: "A1_2026-01-01"},
	}
	staged, err := st.AppendStaged(ctx, "r1", recs)
	require.NoError(t, err)
	require.Len(t, staged, 2)
	assert.Equal(t, int64(1), staged[0].Seq)
	assert.Equal(t, int64(2), staged[1].Seq)
	assert.Equal(t, "r1", staged[0].RunID)
	assert.Empty(t, recs[0].RunID, "input slice must not be modified")

	more, err := st.AppendStaged(ctx, "r1", recs[:1])
	require.NoError(t, err)
	assert.Equal(t, int64(3), more[0].Seq)

	list, err := st.ListStaged(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "12,00", list[1].Price)
	assert.Equal(t, "A1_2026-01-01", list[1].NaturalKey)
	assert.Empty(t, list[0].Quality)

	n, err := st.CountStaged(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = st.CountStaged(ctx, "r2")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// --- Catalog ---

func TestSQLite_Catalog(t *testing.T) {
	clock := newTestClock()
	st := newTestSQLiteStore(t, Options{SettleWindow: time.Second, Now: clock.Now})
	ctx := context.Background()

	rec := sampleRecord("r1", "A1", 10)
	require.NoError(t, st.InsertCatalog(ctx, &rec))

	dup := sampleRecord("r2", "A1", 11)
	assert.ErrorIs(t, st.InsertCatalog(ctx, &dup), ErrConflict)

	got, err := st.GetCatalog(ctx, rec.Vendor, rec.NaturalKey)
	require.NoError(t, err)
	assert.True(t, got.SameContent(rec))
	assert.Equal(t, model.SourceStaging, got.Source)
	assert.Empty(t, got.Method)

	// Still settling.
	err = st.ReplaceCatalog(ctx, &dup)
	assert.True(t, resilience.IsRecentlyWritten(err))

	clock.Advance(time.Second)
	dup.Price = nil
	require.NoError(t, st.ReplaceCatalog(ctx, &dup))

	got, err = st.GetCatalog(ctx, rec.Vendor, rec.NaturalKey)
	require.NoError(t, err)
	assert.Nil(t, got.Price)
	assert.Equal(t, "r2", got.RunID)

	_, err = st.GetCatalog(ctx, rec.Vendor, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	missing := sampleRecord("r2", "ZZ", 1)
	assert.ErrorIs(t, st.ReplaceCatalog(ctx, &missing), ErrNotFound)
}

// --- Unknown entities ---

func TestSQLite_Unknowns(t *testing.T) {
	clock := newTestClock()
	st := newTestSQLiteStore(t, Options{SettleWindow: time.Second, Now: clock.Now})
	ctx := context.Background()

	u := &model.UnknownEntity{
		ID: "u1", Vendor: "ACME", SupplierCode: "X9", RawName: "MYSTERE",
		FirstSeen: clock.Now(), LastSeen: clock.Now(), OccurrenceCount: 2,
		RunIDs: []string{"r1"}, SamplePayload: json.RawMessage(`{"supplier_code":"X9"}`),
	}
	require.NoError(t, st.InsertUnknown(ctx, u))

	dup := *u
	dup.ID = "u2"
	assert.ErrorIs(t, st.InsertUnknown(ctx, &dup), ErrConflict)

	open, err := st.GetOpenUnknown(ctx, "ACME", "X9")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, open.RunIDs)
	assert.JSONEq(t, `{"supplier_code":"X9"}`, string(open.SamplePayload))

	open.OccurrenceCount = 3
	assert.True(t, resilience.IsRecentlyWritten(st.UpdateUnknown(ctx, open)))
	clock.Advance(time.Second)

	now := clock.Now()
	open.Resolved = true
	open.ResolvedAt = &now
	open.ResolvedTo = "BAR"
	require.NoError(t, st.UpdateUnknown(ctx, open))

	_, err = st.GetOpenUnknown(ctx, "ACME", "X9")
	assert.ErrorIs(t, err, ErrNotFound)

	seen, err := st.ResolvedUnknownSeenIn(ctx, "ACME", "X9", "r1")
	require.NoError(t, err)
	assert.True(t, seen)
	seen, err = st.ResolvedUnknownSeenIn(ctx, "ACME", "X9", "r2")
	require.NoError(t, err)
	assert.False(t, seen)

	// A resolved entity no longer blocks a new open one.
	require.NoError(t, st.InsertUnknown(ctx, &dup))

	got, err := st.GetUnknown(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, "BAR", got.ResolvedTo)
	require.NotNil(t, got.ResolvedAt)

	list, err := st.ListUnknowns(ctx, UnknownFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "u2", list[0].ID)

	list, err = st.ListUnknowns(ctx, UnknownFilter{IncludeResolved: true})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "u1", list[0].ID, "higher occurrence count ranks first")
}

// --- Deferred mutations ---

func TestSQLite_DeferredQueue(t *testing.T) {
	clock := newTestClock()
	st := newTestSQLiteStore(t, Options{Now: clock.Now})
	ctx := context.Background()

	first := &model.DeferredMutation{Kind: model.MutationCatalogUpsert, RunID: "r1", Target: "ACME/A1_2026-01-01", Payload: json.RawMessage(`{}`)}
	later := &model.DeferredMutation{Kind: model.MutationRunStatus, RunID: "r1", Target: "r1", Payload: json.RawMessage(`{}`),
		NextAttemptAt: clock.Now().Add(time.Hour)}
	require.NoError(t, st.EnqueueDeferred(ctx, first))
	require.NoError(t, st.EnqueueDeferred(ctx, later))
	assert.Less(t, first.ID, later.ID)

	due, err := st.ListDueDeferred(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, model.MutationCatalogUpsert, due[0].Kind)

	require.NoError(t, st.RescheduleDeferred(ctx, first.ID, 1, clock.Now().Add(2*time.Hour), "row was written too recently"))
	due, err = st.ListDueDeferred(ctx, clock.Now().Add(90*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, later.ID, due[0].ID)

	require.NoError(t, st.DeleteDeferred(ctx, later.ID))
	n, err := st.CountDeferred(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, st.RescheduleDeferred(ctx, 999, 1, clock.Now(), ""), ErrNotFound)
}

// --- Taxonomy ---

func TestSQLite_Taxonomy(t *testing.T) {
	clock := newTestClock()
	st := newTestSQLiteStore(t, Options{Now: clock.Now})
	ctx := context.Background()

	_, err := st.LoadTaxonomy(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.SaveTaxonomy(ctx, TaxonomyVersion{
		Version:  "v1",
		Document: []byte("version: v1\n"),
		Rules:    []TaxonomyRule{{Position: 0, RawCategory: "BAR", CanonicalFamily: "POISSON"}},
	}))
	clock.Advance(time.Minute)
	require.NoError(t, st.SaveTaxonomy(ctx, TaxonomyVersion{
		Version:  "v2",
		Document: []byte("version: v2\n"),
		Rules: []TaxonomyRule{
			{Position: 0, RawCategory: "ANCHOIS", CanonicalFamily: "POISSON"},
			{Position: 1, RawCategory: "ANCHOIS", CutFilter: "FILET", CanonicalFamily: "EPICERIE"},
		},
	}))

	latest, err := st.LoadTaxonomy(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "v2", latest.Version)
	require.Len(t, latest.Rules, 2)
	assert.Equal(t, "FILET", latest.Rules[1].CutFilter)

	v1, err := st.LoadTaxonomy(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "version: v1\n", string(v1.Document))

	// Republishing replaces rules.
	require.NoError(t, st.SaveTaxonomy(ctx, TaxonomyVersion{Version: "v1", Document: []byte("version: v1\n")}))
	v1, err = st.LoadTaxonomy(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, v1.Rules)
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
