// Package unknowns tracks supplier codes the taxonomy could not resolve so
// that curators can review them.
package unknowns

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/resilience"
	"github.com/sells-group/catalog-sync/internal/store"
	"github.com/sells-group/catalog-sync/internal/taxonomy"
)

const maxConflictRetries = 3

// ErrAlreadyResolved rejects resolving an entity twice.
var ErrAlreadyResolved = eris.New("unknowns: entity already resolved")

// Outcome is what happened to one sighting.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeUpdated  Outcome = "updated"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDeferred Outcome = "deferred"
	OutcomeFailed   Outcome = "failed"
)

// Result counts outcomes of a Record call.
type Result struct {
	Created  int
	Updated  int
	Skipped  int
	Deferred int
	Failed   int
}

// Total is the number of distinct unknown keys seen.
func (r Result) Total() int {
	return r.Created + r.Updated + r.Skipped + r.Deferred + r.Failed
}

// Store is the persistence the tracker needs.
type Store interface {
	GetOpenUnknown(ctx context.Context, vendor, supplierCode string) (*model.UnknownEntity, error)
	ResolvedUnknownSeenIn(ctx context.Context, vendor, supplierCode, runID string) (bool, error)
	GetUnknown(ctx context.Context, id string) (*model.UnknownEntity, error)
	InsertUnknown(ctx context.Context, u *model.UnknownEntity) error
	UpdateUnknown(ctx context.Context, u *model.UnknownEntity) error
	ListUnknowns(ctx context.Context, filter store.UnknownFilter) ([]model.UnknownEntity, error)
	EnqueueDeferred(ctx context.Context, m *model.DeferredMutation) error
}

// Tracker owns writes to unknown entities.
type Tracker struct {
	store    Store
	policy   resilience.Policy
	deferral resilience.DeferConfig
	now      func() time.Time
	newID    func() string
	log      *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPolicy sets the retry and timeout policy for store calls.
func WithPolicy(p resilience.Policy) Option { return func(t *Tracker) { t.policy = p } }

// WithDeferral sets the replay schedule of deferred sightings.
func WithDeferral(c resilience.DeferConfig) Option { return func(t *Tracker) { t.deferral = c } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// New returns a Tracker over st.
func New(st Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:    st,
		policy:   resilience.DefaultPolicy(),
		deferral: resilience.DefaultDeferConfig(),
		now:      time.Now,
		newID:    uuid.NewString,
		log:      zap.L().With(zap.String("component", "unknowns")),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// IsUnknown reports whether a harmonized record needs curation: its family
// is unclassified, or the vendor has a code registry that lacks its code.
func IsUnknown(snap *taxonomy.Snapshot, rec model.CanonicalRecord) bool {
	if rec.Family == model.Unclassified {
		return true
	}
	return snap.HasRegistry(rec.Vendor) && !snap.KnownCode(rec.Vendor, rec.SupplierCode)
}

// Collect groups the unknown records of a run into one sighting per vendor
// and supplier code. staged and canon must be parallel slices, as returned
// by the harmonizer. Raw name and sample come from the latest record.
func Collect(snap *taxonomy.Snapshot, staged []model.StagedRecord, canon []model.CanonicalRecord) []model.Sighting {
	type key struct{ vendor, code string }
	type agg struct {
		model.Sighting
		latest model.StagedRecord
	}
	groups := make(map[key]*agg)

	for i := range canon {
		if i >= len(staged) {
			break
		}
		c := canon[i]
		if c.SupplierCode == "" || !IsUnknown(snap, c) {
			continue
		}
		raw := staged[i]
		k := key{c.Vendor, c.SupplierCode}
		g, ok := groups[k]
		if !ok {
			g = &agg{
				Sighting: model.Sighting{
					Vendor:       c.Vendor,
					SupplierCode: c.SupplierCode,
					RunID:        raw.RunID,
					FirstSeen:    raw.IngestedAt,
					LastSeen:     raw.IngestedAt,
				},
				latest: raw,
			}
			groups[k] = g
		}
		g.Count++
		if raw.IngestedAt.Before(g.FirstSeen) {
			g.FirstSeen = raw.IngestedAt
		}
		if raw.IngestedAt.After(g.LastSeen) {
			g.LastSeen = raw.IngestedAt
		}
		if newerStaged(raw, g.latest) {
			g.latest = raw
		}
	}

	out := make([]model.Sighting, 0, len(groups))
	for _, g := range groups {
		s := g.Sighting
		s.RawName = g.latest.ProductName
		if sample, err := json.Marshal(g.latest.RawRecord); err == nil {
			s.Sample = sample
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Vendor != out[j].Vendor {
			return out[i].Vendor < out[j].Vendor
		}
		return out[i].SupplierCode < out[j].SupplierCode
	})
	return out
}

func newerStaged(a, b model.StagedRecord) bool {
	if !a.IngestedAt.Equal(b.IngestedAt) {
		return a.IngestedAt.After(b.IngestedAt)
	}
	return a.Seq > b.Seq
}

// Record applies the sightings of a run. A failing key does not stop the
// others; the error is only set when ctx ends.
func (t *Tracker) Record(ctx context.Context, sightings []model.Sighting) (Result, error) {
	var res Result
	for i := range sightings {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "unknowns: cancelled")
		}
		o, _ := t.Apply(ctx, sightings[i])
		switch o {
		case OutcomeCreated:
			res.Created++
		case OutcomeUpdated:
			res.Updated++
		case OutcomeSkipped:
			res.Skipped++
		case OutcomeDeferred:
			res.Deferred++
		default:
			res.Failed++
		}
	}
	if len(sightings) > 0 {
		t.log.Info("unknown entities recorded",
			zap.Int("keys", len(sightings)),
			zap.Int("created", res.Created),
			zap.Int("updated", res.Updated),
			zap.Int("skipped", res.Skipped),
			zap.Int("deferred", res.Deferred),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

// Apply writes one sighting, deferring it when the entity row keeps
// settling past the retry policy.
func (t *Tracker) Apply(ctx context.Context, s model.Sighting) (Outcome, error) {
	o, err := resilience.CallVal(ctx, t.policy, func(ctx context.Context) (Outcome, error) {
		return t.decide(ctx, s)
	})
	if err == nil {
		return o, nil
	}
	if !resilience.IsTransient(err) {
		t.log.Error("unknown entity write failed",
			zap.String("vendor", s.Vendor),
			zap.String("supplier_code", s.SupplierCode),
			zap.Error(err),
		)
		return OutcomeFailed, eris.Wrapf(err, "unknowns: %s/%s", s.Vendor, s.SupplierCode)
	}
	if derr := t.deferSighting(ctx, s, err); derr != nil {
		return OutcomeFailed, derr
	}
	return OutcomeDeferred, nil
}

// Replay applies a deferred sighting once, without retries.
func (t *Tracker) Replay(ctx context.Context, s model.Sighting) (Outcome, error) {
	o, err := t.decide(ctx, s)
	return o, eris.Wrapf(err, "unknowns: replay %s/%s", s.Vendor, s.SupplierCode)
}

func (t *Tracker) decide(ctx context.Context, s model.Sighting) (Outcome, error) {
	for range maxConflictRetries {
		open, err := t.store.GetOpenUnknown(ctx, s.Vendor, s.SupplierCode)
		switch {
		case eris.Is(err, store.ErrNotFound):
			// A curator may have resolved the entity after this run was
			// counted; its sighting must not reopen it.
			seen, err := t.store.ResolvedUnknownSeenIn(ctx, s.Vendor, s.SupplierCode, s.RunID)
			if err != nil {
				return "", err
			}
			if seen {
				return OutcomeSkipped, nil
			}
			u := &model.UnknownEntity{
				ID:              t.newID(),
				Vendor:          s.Vendor,
				SupplierCode:    s.SupplierCode,
				RawName:         s.RawName,
				FirstSeen:       s.FirstSeen,
				LastSeen:        s.LastSeen,
				OccurrenceCount: s.Count,
				RunIDs:          []string{s.RunID},
				SamplePayload:   s.Sample,
			}
			err := t.store.InsertUnknown(ctx, u)
			if eris.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return "", err
			}
			return OutcomeCreated, nil
		case err != nil:
			return "", err
		}

		if open.SeenIn(s.RunID) {
			return OutcomeSkipped, nil
		}
		open.OccurrenceCount += s.Count
		open.RunIDs = append(open.RunIDs, s.RunID)
		if s.FirstSeen.Before(open.FirstSeen) {
			open.FirstSeen = s.FirstSeen
		}
		if !s.LastSeen.Before(open.LastSeen) {
			open.LastSeen = s.LastSeen
			open.RawName = s.RawName
			open.SamplePayload = s.Sample
		}
		if err := t.store.UpdateUnknown(ctx, open); err != nil {
			return "", err
		}
		return OutcomeUpdated, nil
	}
	return "", eris.Errorf("unknowns: %s/%s kept conflicting after %d attempts",
		s.Vendor, s.SupplierCode, maxConflictRetries)
}

func (t *Tracker) deferSighting(ctx context.Context, s model.Sighting, cause error) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return eris.Wrap(err, "unknowns: marshal deferred sighting")
	}
	now := t.now().UTC()
	m := &model.DeferredMutation{
		Kind:          model.MutationUnknownSighting,
		RunID:         s.RunID,
		Target:        s.Vendor + "/" + s.SupplierCode,
		Payload:       payload,
		NextAttemptAt: t.deferral.NextAttempt(0, now),
		LastError:     cause.Error(),
		CreatedAt:     now,
	}
	if err := t.policy.Call(ctx, func(ctx context.Context) error {
		return t.store.EnqueueDeferred(ctx, m)
	}); err != nil {
		return eris.Wrapf(err, "unknowns: defer %s", m.Target)
	}
	t.log.Warn("unknown entity write deferred",
		zap.String("target", m.Target),
		zap.String("run_id", s.RunID),
		zap.Time("next_attempt_at", m.NextAttemptAt),
	)
	return nil
}

// ListOpen returns entities for curation, most frequent first.
func (t *Tracker) ListOpen(ctx context.Context, filter store.UnknownFilter) ([]model.UnknownEntity, error) {
	out, err := resilience.CallVal(ctx, t.policy, func(ctx context.Context) ([]model.UnknownEntity, error) {
		return t.store.ListUnknowns(ctx, filter)
	})
	return out, eris.Wrap(err, "unknowns: list")
}

// Get returns one entity.
func (t *Tracker) Get(ctx context.Context, id string) (*model.UnknownEntity, error) {
	u, err := resilience.CallVal(ctx, t.policy, func(ctx context.Context) (*model.UnknownEntity, error) {
		return t.store.GetUnknown(ctx, id)
	})
	return u, eris.Wrapf(err, "unknowns: get %s", id)
}

// Resolve marks an entity as mapped to target. A later sighting of the
// same code opens a new entity.
func (t *Tracker) Resolve(ctx context.Context, id, target string) (*model.UnknownEntity, error) {
	if target == "" {
		return nil, eris.New("unknowns: resolution target is required")
	}
	u, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Resolved {
		return nil, eris.Wrapf(ErrAlreadyResolved, "unknowns: %s resolved to %q", id, u.ResolvedTo)
	}

	now := t.now().UTC()
	u.Resolved = true
	u.ResolvedAt = &now
	u.ResolvedTo = target
	if err := t.policy.Call(ctx, func(ctx context.Context) error {
		return t.store.UpdateUnknown(ctx, u)
	}); err != nil {
		return nil, eris.Wrapf(err, "unknowns: resolve %s", id)
	}
	t.log.Info("unknown entity resolved",
		zap.String("id", id),
		zap.String("vendor", u.Vendor),
		zap.String("supplier_code", u.SupplierCode),
		zap.String("resolved_to", target),
	)
	return u, nil
}
