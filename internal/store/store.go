// Package store persists the catalog pipeline: runs and their audit events,
// the staging buffer, the production catalog, unknown entities, deferred
// mutations and published taxonomies.
//
// In-place updates of catalog, unknown-entity and run rows are subject to a
// settle window. An update that targets a row written less than SettleWindow
// ago fails with resilience.ErrRecentlyWritten. Appends never do.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/resilience"
)

var (
	// ErrNotFound is returned when a run, catalog row or entity is missing.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when an insert races another writer for the
	// same identity.
	ErrConflict = eris.New("store: row already exists")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status        model.RunStatus `json:"status,omitempty"`
	Vendor        string          `json:"vendor,omitempty"`
	NonTerminal   bool            `json:"non_terminal,omitempty"`
	UpdatedBefore time.Time       `json:"updated_before,omitempty"`
	Limit         int             `json:"limit,omitempty"`
	Offset        int             `json:"offset,omitempty"`
}

// UnknownFilter specifies criteria for listing unknown entities. Results
// are ordered by occurrence count then last sighting, most frequent first.
type UnknownFilter struct {
	Vendor          string `json:"vendor,omitempty"`
	IncludeResolved bool   `json:"include_resolved,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	Offset          int    `json:"offset,omitempty"`
}

// Store defines the persistence interface for the catalog pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	UpdateRun(ctx context.Context, run *model.Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	AppendRunEvent(ctx context.Context, ev *model.RunEvent) error
	ListRunEvents(ctx context.Context, runID string) ([]model.RunEvent, error)

	// Staging buffer
	AppendStaged(ctx context.Context, runID string, recs []model.StagedRecord) ([]model.StagedRecord, error)
	ListStaged(ctx context.Context, runID string) ([]model.StagedRecord, error)
	CountStaged(ctx context.Context, runID string) (int, error)

	// Production catalog
	GetCatalog(ctx context.Context, vendor, naturalKey string) (*model.CanonicalRecord, error)
	InsertCatalog(ctx context.Context, rec *model.CanonicalRecord) error
	ReplaceCatalog(ctx context.Context, rec *model.CanonicalRecord) error

	// Unknown entities
	GetOpenUnknown(ctx context.Context, vendor, supplierCode string) (*model.UnknownEntity, error)
	ResolvedUnknownSeenIn(ctx context.Context, vendor, supplierCode, runID string) (bool, error)
	GetUnknown(ctx context.Context, id string) (*model.UnknownEntity, error)
	InsertUnknown(ctx context.Context, u *model.UnknownEntity) error
	UpdateUnknown(ctx context.Context, u *model.UnknownEntity) error
	ListUnknowns(ctx context.Context, filter UnknownFilter) ([]model.UnknownEntity, error)

	// Deferred mutations
	EnqueueDeferred(ctx context.Context, m *model.DeferredMutation) error
	ListDueDeferred(ctx context.Context, now time.Time, limit int) ([]model.DeferredMutation, error)
	RescheduleDeferred(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error
	DeleteDeferred(ctx context.Context, id int64) error
	CountDeferred(ctx context.Context) (int, error)

	// Taxonomy versions
	SaveTaxonomy(ctx context.Context, tax TaxonomyVersion) error
	LoadTaxonomy(ctx context.Context, version string) (*TaxonomyVersion, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// TaxonomyVersion is a published taxonomy document. Rules are denormalized
// for querying; Document is the authoritative YAML.
type TaxonomyVersion struct {
	Version   string
	Document  []byte
	Rules     []TaxonomyRule
	CreatedAt time.Time
}

// TaxonomyRule is one rule row of a published taxonomy.
type TaxonomyRule struct {
	Position         int
	RawCategory      string
	CutFilter        string
	CanonicalFamily  string
	CanonicalSpecies string
}

// Options tune behavior shared by both backends.
type Options struct {
	// SettleWindow is how long a freshly written row rejects in-place
	// updates. Zero disables the check.
	SettleWindow time.Duration
	// Now overrides the clock. Tests use it to step through the window.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC().Truncate(time.Microsecond)
	}
	return time.Now().UTC().Truncate(time.Microsecond)
}

// settledBefore is the newest updated_at an in-place update may overwrite.
func (o Options) settledBefore(now time.Time) time.Time {
	if o.SettleWindow <= 0 {
		return now.AddDate(100, 0, 0)
	}
	return now.Add(-o.SettleWindow)
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// catalogTextColumns are the nullable text columns of price_catalog, in the
// order catalogText returns their fields.
var catalogTextColumns = []string{
	"supplier_code", "product_name", "category", "family", "species",
	"method", "quality", "cut", "preparation", "state", "color", "origin",
	"production_type", "size", "conservation", "trim", "label",
}

func catalogText(r *model.CanonicalRecord) []*string {
	return []*string{
		&r.SupplierCode, &r.ProductName, &r.Category, &r.Family, &r.Species,
		&r.Method, &r.Quality, &r.Cut, &r.Preparation, &r.State, &r.Color, &r.Origin,
		&r.ProductionType, &r.Size, &r.Conservation, &r.Trim, &r.Label,
	}
}

// catalogColumns lists every price_catalog column in scan and insert order.
var catalogColumns = func() []string {
	cols := []string{"vendor", "natural_key", "effective_date", "price"}
	cols = append(cols, catalogTextColumns...)
	return append(cols, "run_id", "seq", "ingested_at", "source", "created_at", "updated_at")
}()

// stagedRawColumns are the raw text columns of staged_records.
var stagedRawColumns = []string{
	"vendor", "effective_date", "raw_product_name", "supplier_code", "raw_price",
	"raw_quality", "raw_category", "raw_cut", "raw_method", "raw_state",
	"raw_origin", "raw_size", "raw_conservation", "raw_trim", "raw_label",
}

func stagedRaw(r *model.RawRecord) []*string {
	return []*string{
		&r.Vendor, &r.EffectiveDate, &r.ProductName, &r.SupplierCode, &r.Price,
		&r.Quality, &r.Category, &r.Cut, &r.Method, &r.State,
		&r.Origin, &r.Size, &r.Conservation, &r.Trim, &r.Label,
	}
}

var stagedColumns = func() []string {
	cols := []string{"run_id", "seq", "natural_key"}
	cols = append(cols, stagedRawColumns...)
	return append(cols, "ingested_at")
}()

const (
	runColumns      = "run_id, vendor, source_descriptor, status, status_message, metrics, error, error_step, created_at, started_at, completed_at, updated_at"
	eventColumns    = "run_id, seq, status, message, metrics, error, at"
	unknownColumns  = "id, vendor, supplier_code, raw_name, first_seen, last_seen, occurrence_count, run_ids, sample_payload, resolved, resolved_at, resolved_to, updated_at"
	deferredColumns = "id, kind, run_id, target, payload, attempts, next_attempt_at, last_error, created_at"
)

// nullStr maps the empty string to SQL NULL.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// settleMiss explains an update that matched no row: the row is either
// missing or still inside its settle window.
func settleMiss(exists bool, what, id string) error {
	if exists {
		return eris.Wrapf(resilience.ErrRecentlyWritten, "store: update %s %s", what, id)
	}
	return eris.Wrapf(ErrNotFound, "store: %s %s", what, id)
}

func joinColumns(cols []string) string {
	return strings.Join(cols, ", ")
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
