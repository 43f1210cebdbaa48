package maintenance

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/store"
)

// scanLimit bounds the rows read per collection.
const scanLimit = 10000

// HealthSnapshot holds a point-in-time view of pipeline health.
type HealthSnapshot struct {
	// Runs created within the lookback window.
	RunsTotal     int     `json:"runs_total"`
	RunsCompleted int     `json:"runs_completed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsActive    int     `json:"runs_active"`
	FailRate      float64 `json:"fail_rate"`
	Records       int     `json:"records"`
	Deferred      int     `json:"deferred"`

	DeferredDepth int `json:"deferred_depth"`
	OpenUnknowns  int `json:"open_unknowns"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// HealthSource is the persistence the collector reads.
type HealthSource interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	CountDeferred(ctx context.Context) (int, error)
	ListUnknowns(ctx context.Context, filter store.UnknownFilter) ([]model.UnknownEntity, error)
}

// Collector gathers health figures from the store.
type Collector struct {
	store HealthSource
	now   func() time.Time
}

// NewCollector creates a Collector.
func NewCollector(st HealthSource) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*HealthSnapshot, error) {
	now := c.now().UTC()
	snap := &HealthSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "maintenance: list runs")
	}
	for i := range runs {
		r := &runs[i]
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		snap.Records += r.Metrics.Staged
		snap.Deferred += r.Metrics.Deferred
		switch {
		case r.Status == model.RunStatusCompleted:
			snap.RunsCompleted++
		case r.Status == model.RunStatusFailed:
			snap.RunsFailed++
		default:
			snap.RunsActive++
		}
	}
	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	depth, err := c.store.CountDeferred(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "maintenance: count deferred mutations")
	}
	snap.DeferredDepth = depth

	open, err := c.store.ListUnknowns(ctx, store.UnknownFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "maintenance: list open unknowns")
	}
	snap.OpenUnknowns = len(open)

	return snap, nil
}
