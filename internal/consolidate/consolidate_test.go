package consolidate

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

var t0 = time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC)

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

func fastConfig(now func() time.Time) Config {
	return Config{
		Workers: 2,
		Policy: resilience.Policy{
			Timeout: time.Second,
			Retry:   resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		},
		Now: now,
	}
}

func newSQLite(t *testing.T, settle time.Duration, clk *clock) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "catalog.db"), store.Options{SettleWindow: settle, Now: clk.Now})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func price(f float64) *float64 { return &f }

func record(code string, p float64, seq int64) model.CanonicalRecord {
	return model.CanonicalRecord{
		NaturalKey:    code + "_2026-01-01",
		Vendor:        "NORDIC",
		EffectiveDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		SupplierCode:  code,
		ProductName:   "SAUMON ENTIER",
		Price:         price(p),
		Category:      "SAUMON",
		Family:        "POISSON",
		Species:       "SAUMON",
		RunID:         "run-1",
		Seq:           seq,
		IngestedAt:    t0,
		Source:        model.SourceStaging,
	}
}

func TestReduce(t *testing.T) {
	a1 := record("A1", 10, 1)
	a1b := record("A1", 11, 3)
	b2 := record("B2", 20, 2)
	other := record("A1", 12, 4)
	other.Vendor = "ATLANTIC"
	nokey := record("", 1, 5)
	nokey.NaturalKey = ""

	out := Reduce([]model.CanonicalRecord{a1b, b2, a1, other, nokey})
	require.Len(t, out, 3)
	assert.Equal(t, "ATLANTIC", out[0].Vendor)
	assert.Equal(t, "A1_2026-01-01", out[1].NaturalKey)
	assert.Equal(t, 11.0, *out[1].Price, "higher seq wins")
	assert.Equal(t, "B2_2026-01-01", out[2].NaturalKey)
}

func TestReduce_IngestedAtBeforeSeq(t *testing.T) {
	early := record("A1", 10, 9)
	late := record("A1", 11, 1)
	late.IngestedAt = t0.Add(time.Minute)

	out := Reduce([]model.CanonicalRecord{late, early})
	require.Len(t, out, 1)
	assert.Equal(t, 11.0, *out[0].Price)
}

func TestConsolidate_Idempotent(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	st := newSQLite(t, 0, clk)
	c := New(st, fastConfig(clk.Now))

	recs := []model.CanonicalRecord{record("A1", 10, 1), record("B2", 20, 2), record("A1", 12, 3)}

	res, err := c.Consolidate(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Zero(t, res.Updated)

	res, err = c.Consolidate(ctx, recs)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Zero(t, res.Updated)
	assert.Equal(t, 2, res.Unchanged)

	got, err := st.GetCatalog(ctx, "NORDIC", "A1_2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, 12.0, *got.Price)
}

func TestConsolidate_ReplacesChangedRow(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	st := newSQLite(t, 0, clk)
	c := New(st, fastConfig(clk.Now))

	_, err := c.Consolidate(ctx, []model.CanonicalRecord{record("A1", 10, 1)})
	require.NoError(t, err)

	changed := record("A1", 10, 1)
	changed.RunID = "run-2"
	changed.Cut = "FILET"
	res, err := c.Consolidate(ctx, []model.CanonicalRecord{changed})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	got, err := st.GetCatalog(ctx, "NORDIC", "A1_2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, "FILET", got.Cut)
	assert.Equal(t, "run-2", got.RunID)
}

func TestConsolidate_DefersWhileSettling(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	st := newSQLite(t, 5*time.Second, clk)
	c := New(st, fastConfig(clk.Now))

	_, err := c.Consolidate(ctx, []model.CanonicalRecord{record("A1", 10, 1)})
	require.NoError(t, err)

	res, err := c.Consolidate(ctx, []model.CanonicalRecord{record("A1", 15, 2), record("B2", 20, 3)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 1, res.Inserted, "other keys are unaffected")

	due, err := st.ListDueDeferred(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, model.MutationCatalogUpsert, due[0].Kind)
	assert.Equal(t, "NORDIC/A1_2026-01-01", due[0].Target)

	var rec model.CanonicalRecord
	require.NoError(t, json.Unmarshal(due[0].Payload, &rec))

	clk.Advance(10 * time.Second)
	o, err := c.Replay(ctx, &rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, o)

	got, err := st.GetCatalog(ctx, "NORDIC", "A1_2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, 15.0, *got.Price)
}

func TestReplay_DropsOlderRecord(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	st := newSQLite(t, 0, clk)
	c := New(st, fastConfig(clk.Now))

	newer := record("A1", 30, 1)
	newer.IngestedAt = t0.Add(time.Hour)
	_, err := c.Consolidate(ctx, []model.CanonicalRecord{newer})
	require.NoError(t, err)

	o, err := c.Replay(ctx, ptrRecord(record("A1", 10, 7)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuperseded, o)

	got, err := st.GetCatalog(ctx, "NORDIC", "A1_2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, 30.0, *got.Price)
}

func TestApplied(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	st := newSQLite(t, 0, clk)
	c := New(st, fastConfig(clk.Now))

	stored := record("A1", 10, 1)
	require.NoError(t, st.InsertCatalog(ctx, &stored))

	later := record("A1", 10, 1)
	later.RunID = "run-2"
	later.IngestedAt = t0.Add(time.Hour)
	changed := later
	changed.Price = price(11)
	older := record("A1", 9, 1)
	older.IngestedAt = t0.Add(-time.Hour)

	tests := []struct {
		name string
		rec  model.CanonicalRecord
		want bool
	}{
		{"same row", stored, true},
		{"later run, same content", later, true},
		{"later run, new price", changed, false},
		{"older record, row moved on", older, true},
		{"absent key", record("B2", 10, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Applied(ctx, tt.rec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func ptrRecord(r model.CanonicalRecord) *model.CanonicalRecord { return &r }

func TestMergeLegacy(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: t0}
	st := newSQLite(t, 0, clk)
	c := New(st, fastConfig(clk.Now))

	legacy := record("L9", 7, 0)
	legacy.IngestedAt = time.Time{}
	res, err := c.MergeLegacy(ctx, "legacy-import", []model.CanonicalRecord{legacy})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	got, err := st.GetCatalog(ctx, "NORDIC", "L9_2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, model.SourceLegacy, got.Source)
	assert.Equal(t, "legacy-import", got.RunID)
}

// flakyStore injects failures in front of an in-memory catalog.
type flakyStore struct {
	mu        sync.Mutex
	rows      map[string]model.CanonicalRecord
	conflicts int
	failKey   string
	deferred  []model.DeferredMutation
}

func newFlakyStore() *flakyStore {
	return &flakyStore{rows: make(map[string]model.CanonicalRecord)}
}

func (f *flakyStore) GetCatalog(_ context.Context, vendor, key string) (*model.CanonicalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[vendor+"/"+key]
	if !ok {
		return nil, eris.Wrap(store.ErrNotFound, "fake")
	}
	return &r, nil
}

func (f *flakyStore) InsertCatalog(_ context.Context, rec *model.CanonicalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.NaturalKey == f.failKey {
		return errors.New("check constraint violated")
	}
	if f.conflicts > 0 {
		f.conflicts--
		// Another writer got there first.
		winner := *rec
		winner.Price = price(99)
		f.rows[rec.Vendor+"/"+rec.NaturalKey] = winner
		return eris.Wrap(store.ErrConflict, "fake")
	}
	f.rows[rec.Vendor+"/"+rec.NaturalKey] = *rec
	return nil
}

func (f *flakyStore) ReplaceCatalog(_ context.Context, rec *model.CanonicalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[rec.Vendor+"/"+rec.NaturalKey] = *rec
	return nil
}

func (f *flakyStore) EnqueueDeferred(_ context.Context, m *model.DeferredMutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deferred = append(f.deferred, *m)
	return nil
}

func TestApply_InsertConflictRedecides(t *testing.T) {
	st := newFlakyStore()
	st.conflicts = 1
	c := New(st, fastConfig(func() time.Time { return t0 }))

	o, err := c.Apply(context.Background(), ptrRecord(record("A1", 10, 1)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, o, "the row written by the other writer differs and is replaced")
	assert.Equal(t, 10.0, *st.rows["NORDIC/A1_2026-01-01"].Price)
}

func TestConsolidate_PermanentFailureIsolated(t *testing.T) {
	st := newFlakyStore()
	st.failKey = "BAD_2026-01-01"
	c := New(st, fastConfig(func() time.Time { return t0 }))

	res, err := c.Consolidate(context.Background(), []model.CanonicalRecord{
		record("BAD", 1, 1), record("A1", 10, 2), record("B2", 20, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "BAD_2026-01-01")
	assert.Empty(t, st.deferred)
}

func TestConsolidate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(newFlakyStore(), fastConfig(func() time.Time { return t0 }))

	_, err := c.Consolidate(ctx, []model.CanonicalRecord{record("A1", 10, 1)})
	require.Error(t, err)
}
