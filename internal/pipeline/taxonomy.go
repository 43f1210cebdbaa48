package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-sync/internal/store"
	"github.com/sells-group/catalog-sync/internal/taxonomy"
)

// SnapshotSource yields the taxonomy snapshot a run harmonizes against.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*taxonomy.Snapshot, error)
}

// StaticSnapshot always returns the same snapshot.
type StaticSnapshot struct {
	Snap *taxonomy.Snapshot
}

// Snapshot implements SnapshotSource.
func (s StaticSnapshot) Snapshot(context.Context) (*taxonomy.Snapshot, error) {
	if s.Snap == nil {
		return nil, eris.New("pipeline: no taxonomy snapshot configured")
	}
	return s.Snap, nil
}

// TaxonomyLoader reads published taxonomy versions.
type TaxonomyLoader interface {
	LoadTaxonomy(ctx context.Context, version string) (*store.TaxonomyVersion, error)
}

// StoredSnapshot loads a published taxonomy for every run, so a push takes
// effect on the next run without a restart. An empty Version follows the
// latest publication.
type StoredSnapshot struct {
	Store   TaxonomyLoader
	Version string
}

// Snapshot implements SnapshotSource.
func (s StoredSnapshot) Snapshot(ctx context.Context) (*taxonomy.Snapshot, error) {
	tv, err := s.Store.LoadTaxonomy(ctx, s.Version)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load taxonomy %q", s.Version)
	}
	snap, err := taxonomy.Parse(tv.Document)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse taxonomy %s", tv.Version)
	}
	return snap, nil
}
