// Package consolidate merges harmonized records into the production catalog.
//
// Consolidation has two phases. Reduce keeps, for every (vendor,
// natural_key), the record ingested last. Apply then writes each survivor:
// absent keys are inserted, keys whose content differs are fully replaced
// and identical keys are left alone, so a second pass over the same run
// writes nothing.
package consolidate

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/resilience"
	"github.com/sells-group/catalog-sync/internal/store"
)

// maxConflictRetries bounds how often an insert that lost a race to another
// writer re-reads the row and decides again.
const maxConflictRetries = 3

// Outcome is what happened to one catalog key.
type Outcome string

const (
	OutcomeInserted   Outcome = "inserted"
	OutcomeUpdated    Outcome = "updated"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeDeferred   Outcome = "deferred"
	OutcomeFailed     Outcome = "failed"
)

// Result counts outcomes of a consolidation pass.
type Result struct {
	Inserted  int
	Updated   int
	Unchanged int
	Deferred  int
	Failed    int
	// Errors holds the per-key failures, at most one per failed key.
	Errors []error
}

func (r *Result) add(o Outcome, err error) {
	switch o {
	case OutcomeInserted:
		r.Inserted++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeUnchanged, OutcomeSuperseded:
		r.Unchanged++
	case OutcomeDeferred:
		r.Deferred++
	case OutcomeFailed:
		r.Failed++
		if err != nil {
			r.Errors = append(r.Errors, err)
		}
	}
}

// Store is the catalog persistence the consolidator needs.
type Store interface {
	GetCatalog(ctx context.Context, vendor, naturalKey string) (*model.CanonicalRecord, error)
	InsertCatalog(ctx context.Context, rec *model.CanonicalRecord) error
	ReplaceCatalog(ctx context.Context, rec *model.CanonicalRecord) error
	EnqueueDeferred(ctx context.Context, m *model.DeferredMutation) error
}

// Config tunes a Consolidator.
type Config struct {
	// Workers is the number of keys applied concurrently. Default: 4.
	Workers  int
	Policy   resilience.Policy
	Deferral resilience.DeferConfig
	// Now overrides time.Now for deferred mutation scheduling.
	Now func() time.Time
}

// Consolidator owns writes to the production catalog.
type Consolidator struct {
	store Store
	cfg   Config
	log   *zap.Logger
}

// New returns a Consolidator. Zero Config fields take defaults.
func New(st Store, cfg Config) *Consolidator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Policy.Retry.MaxAttempts == 0 && cfg.Policy.Timeout == 0 {
		cfg.Policy = resilience.DefaultPolicy()
	}
	if cfg.Deferral.MaxAttempts == 0 {
		cfg.Deferral = resilience.DefaultDeferConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Consolidator{
		store: st,
		cfg:   cfg,
		log:   zap.L().With(zap.String("component", "consolidate")),
	}
}

// Reduce keeps the latest record per (vendor, natural_key), by ingestion
// time and then staging sequence. Records without a natural key are
// dropped. The result is ordered by vendor and key.
func Reduce(recs []model.CanonicalRecord) []model.CanonicalRecord {
	type key struct{ vendor, naturalKey string }
	latest := make(map[key]model.CanonicalRecord, len(recs))
	for _, r := range recs {
		if r.NaturalKey == "" {
			continue
		}
		k := key{r.Vendor, r.NaturalKey}
		if cur, ok := latest[k]; !ok || r.Newer(cur) {
			latest[k] = r
		}
	}

	out := make([]model.CanonicalRecord, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Vendor != out[j].Vendor {
			return out[i].Vendor < out[j].Vendor
		}
		return out[i].NaturalKey < out[j].NaturalKey
	})
	return out
}

// Consolidate reduces recs and applies every surviving key. A failure on
// one key is counted and does not stop the others; the returned error is
// only set when ctx ends.
func (c *Consolidator) Consolidate(ctx context.Context, recs []model.CanonicalRecord) (Result, error) {
	reduced := Reduce(recs)

	var (
		mu  sync.Mutex
		res Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)

	for i := range reduced {
		rec := reduced[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			o, err := c.Apply(gctx, &rec)
			mu.Lock()
			res.add(o, err)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, eris.Wrap(err, "consolidate: cancelled")
	}

	c.log.Info("consolidation complete",
		zap.Int("records", len(recs)),
		zap.Int("keys", len(reduced)),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("deferred", res.Deferred),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// MergeLegacy consolidates records that are already canonical, such as a
// historical catalog export, tagging them with the legacy source.
func (c *Consolidator) MergeLegacy(ctx context.Context, runID string, recs []model.CanonicalRecord) (Result, error) {
	now := c.cfg.Now().UTC()
	for i := range recs {
		recs[i].Source = model.SourceLegacy
		recs[i].RunID = runID
		if recs[i].IngestedAt.IsZero() {
			recs[i].IngestedAt = now
		}
		if recs[i].Seq == 0 {
			recs[i].Seq = int64(i + 1)
		}
	}
	return c.Consolidate(ctx, recs)
}

// Apply writes one record. Soft failures that outlast the retry policy are
// queued as deferred mutations and reported as OutcomeDeferred.
func (c *Consolidator) Apply(ctx context.Context, rec *model.CanonicalRecord) (Outcome, error) {
	o, err := resilience.CallVal(ctx, c.cfg.Policy, func(ctx context.Context) (Outcome, error) {
		return c.decide(ctx, rec, false)
	})
	if err == nil {
		return o, nil
	}
	if !resilience.IsTransient(err) {
		c.log.Error("catalog write failed",
			zap.String("vendor", rec.Vendor),
			zap.String("natural_key", rec.NaturalKey),
			zap.Error(err),
		)
		return OutcomeFailed, eris.Wrapf(err, "consolidate: %s/%s", rec.Vendor, rec.NaturalKey)
	}
	if derr := c.deferWrite(ctx, rec, err); derr != nil {
		return OutcomeFailed, derr
	}
	return OutcomeDeferred, nil
}

// Replay applies a deferred write once, without retries. A record older
// than the row now in the catalog is dropped as superseded.
func (c *Consolidator) Replay(ctx context.Context, rec *model.CanonicalRecord) (Outcome, error) {
	o, err := c.decide(ctx, rec, true)
	return o, eris.Wrapf(err, "consolidate: replay %s/%s", rec.Vendor, rec.NaturalKey)
}

// Applied reports whether the catalog already reflects rec: its key is
// present and the row is either at least as recent or carries the same
// content. A row superseded by a later run counts as applied.
func (c *Consolidator) Applied(ctx context.Context, rec model.CanonicalRecord) (bool, error) {
	row, err := resilience.CallVal(ctx, c.cfg.Policy, func(ctx context.Context) (*model.CanonicalRecord, error) {
		return c.store.GetCatalog(ctx, rec.Vendor, rec.NaturalKey)
	})
	switch {
	case eris.Is(err, store.ErrNotFound):
		return false, nil
	case err != nil:
		return false, eris.Wrapf(err, "consolidate: check %s/%s", rec.Vendor, rec.NaturalKey)
	}
	return !rec.Newer(*row) || row.SameContent(rec), nil
}

func (c *Consolidator) decide(ctx context.Context, rec *model.CanonicalRecord, guardOlder bool) (Outcome, error) {
	for range maxConflictRetries {
		existing, err := c.store.GetCatalog(ctx, rec.Vendor, rec.NaturalKey)
		switch {
		case eris.Is(err, store.ErrNotFound):
			row := *rec
			err := c.store.InsertCatalog(ctx, &row)
			if eris.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return "", err
			}
			return OutcomeInserted, nil
		case err != nil:
			return "", err
		}

		if guardOlder && existing.Newer(*rec) {
			return OutcomeSuperseded, nil
		}
		if existing.SameContent(*rec) {
			return OutcomeUnchanged, nil
		}
		row := *rec
		if err := c.store.ReplaceCatalog(ctx, &row); err != nil {
			return "", err
		}
		return OutcomeUpdated, nil
	}
	return "", eris.Errorf("consolidate: %s/%s kept conflicting after %d attempts",
		rec.Vendor, rec.NaturalKey, maxConflictRetries)
}

func (c *Consolidator) deferWrite(ctx context.Context, rec *model.CanonicalRecord, cause error) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "consolidate: marshal deferred record")
	}
	now := c.cfg.Now().UTC()
	m := &model.DeferredMutation{
		Kind:          model.MutationCatalogUpsert,
		RunID:         rec.RunID,
		Target:        rec.Vendor + "/" + rec.NaturalKey,
		Payload:       payload,
		NextAttemptAt: c.cfg.Deferral.NextAttempt(0, now),
		LastError:     cause.Error(),
		CreatedAt:     now,
	}
	if err := c.cfg.Policy.Call(ctx, func(ctx context.Context) error {
		return c.store.EnqueueDeferred(ctx, m)
	}); err != nil {
		return eris.Wrapf(err, "consolidate: defer %s", m.Target)
	}
	c.log.Warn("catalog write deferred",
		zap.String("target", m.Target),
		zap.String("run_id", rec.RunID),
		zap.String("reason", resilience.Classify(cause)),
		zap.Time("next_attempt_at", m.NextAttemptAt),
	)
	return nil
}
