package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-sync/internal/consolidate"
	"github.com/sells-group/catalog-sync/internal/ledger"
	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/resilience"
	"github.com/sells-group/catalog-sync/internal/runlock"
	"github.com/sells-group/catalog-sync/internal/store"
	"github.com/sells-group/catalog-sync/internal/taxonomy"
	"github.com/sells-group/catalog-sync/internal/unknowns"
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

type harness struct {
	p      *Pipeline
	store  *store.SQLiteStore
	ledger *ledger.Ledger
	locker *runlock.Local
	clock  *clock
}

func fastPolicy() resilience.Policy {
	return resilience.Policy{
		Timeout: 5 * time.Second,
		Retry:   resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}
}

func newHarness(t *testing.T, settle time.Duration) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)}
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"), store.Options{SettleWindow: settle, Now: clk.Now})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	snap, err := taxonomy.Default()
	require.NoError(t, err)

	h := &harness{store: st, clock: clk, locker: runlock.NewLocal()}
	h.ledger = ledger.New(st, ledger.WithPolicy(fastPolicy()), ledger.WithClock(clk.Now))
	h.p = New(Deps{
		Staging:      st,
		Ledger:       h.ledger,
		Consolidator: consolidate.New(st, consolidate.Config{Policy: fastPolicy(), Now: clk.Now}),
		Tracker:      unknowns.New(st, unknowns.WithPolicy(fastPolicy()), unknowns.WithClock(clk.Now)),
		Taxonomy:     StaticSnapshot{Snap: snap},
		Locker:       h.locker,
	}, Config{Policy: fastPolicy()})
	return h
}

func raw(code, date, name, price, category, cut string) model.RawRecord {
	return model.RawRecord{
		EffectiveDate: date,
		ProductName:   name,
		SupplierCode:  code,
		Price:         price,
		Category:      category,
		Cut:           cut,
	}
}
