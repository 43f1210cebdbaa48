package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/catalog-sync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix nanoseconds so settle-window comparisons stay exact.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes writers and keeps the pragmas in effect.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, opts: opts}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	run_id            TEXT PRIMARY KEY,
	vendor            TEXT NOT NULL,
	source_descriptor TEXT,
	status            TEXT NOT NULL DEFAULT 'created',
	status_message    TEXT,
	metrics           TEXT NOT NULL DEFAULT '{}',
	error             TEXT,
	error_step        TEXT,
	created_at        INTEGER NOT NULL,
	started_at        INTEGER,
	completed_at      INTEGER,
	updated_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status_updated ON runs(status, updated_at);

CREATE TABLE IF NOT EXISTS run_events (
	run_id  TEXT NOT NULL REFERENCES runs(run_id),
	seq     INTEGER NOT NULL,
	status  TEXT NOT NULL,
	message TEXT,
	metrics TEXT NOT NULL DEFAULT '{}',
	error   TEXT,
	at      INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS staged_records (
	run_id           TEXT NOT NULL,
	seq              INTEGER NOT NULL,
	natural_key      TEXT NOT NULL,
	vendor           TEXT NOT NULL,
	effective_date   TEXT,
	raw_product_name TEXT,
	supplier_code    TEXT,
	raw_price        TEXT,
	raw_quality      TEXT,
	raw_category     TEXT,
	raw_cut          TEXT,
	raw_method       TEXT,
	raw_state        TEXT,
	raw_origin       TEXT,
	raw_size         TEXT,
	raw_conservation TEXT,
	raw_trim         TEXT,
	raw_label        TEXT,
	ingested_at      INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_staged_records_key ON staged_records(run_id, natural_key);

CREATE TABLE IF NOT EXISTS price_catalog (
	vendor          TEXT NOT NULL,
	natural_key     TEXT NOT NULL,
	effective_date  TEXT NOT NULL,
	price           REAL,
	supplier_code   TEXT,
	product_name    TEXT,
	category        TEXT,
	family          TEXT,
	species         TEXT,
	method          TEXT,
	quality         TEXT,
	cut             TEXT,
	preparation     TEXT,
	state           TEXT,
	color           TEXT,
	origin          TEXT,
	production_type TEXT,
	size            TEXT,
	conservation    TEXT,
	trim            TEXT,
	label           TEXT,
	run_id          TEXT NOT NULL,
	seq             INTEGER NOT NULL DEFAULT 0,
	ingested_at     INTEGER NOT NULL,
	source          TEXT NOT NULL DEFAULT 'staging',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (vendor, natural_key)
);

CREATE INDEX IF NOT EXISTS idx_price_catalog_run_id ON price_catalog(run_id);

CREATE TABLE IF NOT EXISTS unknown_entities (
	id               TEXT PRIMARY KEY,
	vendor           TEXT NOT NULL,
	supplier_code    TEXT NOT NULL,
	raw_name         TEXT,
	first_seen       INTEGER NOT NULL,
	last_seen        INTEGER NOT NULL,
	occurrence_count INTEGER NOT NULL DEFAULT 0,
	run_ids          TEXT NOT NULL DEFAULT '[]',
	sample_payload   TEXT,
	resolved         INTEGER NOT NULL DEFAULT 0,
	resolved_at      INTEGER,
	resolved_to      TEXT,
	updated_at       INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_unknown_entities_open
	ON unknown_entities(vendor, supplier_code) WHERE resolved = 0;

CREATE TABLE IF NOT EXISTS deferred_mutations (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	kind            TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	target          TEXT NOT NULL,
	payload         TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	last_error      TEXT,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deferred_mutations_due ON deferred_mutations(next_attempt_at);

CREATE TABLE IF NOT EXISTS taxonomy_versions (
	version    TEXT PRIMARY KEY,
	document   TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS taxonomy_rules (
	version           TEXT NOT NULL REFERENCES taxonomy_versions(version),
	position          INTEGER NOT NULL,
	raw_category      TEXT NOT NULL,
	cut_filter        TEXT NOT NULL DEFAULT '',
	canonical_family  TEXT NOT NULL,
	canonical_species TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (version, position)
);
`

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteDate = "2006-01-02"

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func sqliteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func checkRowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, eris.Wrap(err, "sqlite: check row exists")
	}
	return n > 0, nil
}

type scannable interface {
	Scan(dest ...any) error
}

// --- Runs ---

// CreateRun inserts a run. An existing run id yields ErrConflict.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metrics")
	}
	now := s.opts.now()
	if run.Status == "" {
		run.Status = model.RunStatusCreated
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Vendor, nullStr(run.Source), string(run.Status), nullStr(run.StatusMessage), string(metrics),
		nullStr(run.Error), nullStr(run.ErrorStep), nanos(now), nullNanos(run.StartedAt), nullNanos(run.CompletedAt), nanos(now),
	)
	if err != nil {
		if sqliteUnique(err) {
			return eris.Wrapf(ErrConflict, "sqlite: run %s", run.ID)
		}
		return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

// GetRun returns a run or ErrNotFound.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
		}
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

// UpdateRun overwrites the mutable columns of a run row.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metrics")
	}
	now := s.opts.now()

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, status_message = ?, metrics = ?, error = ?, error_step = ?,
		 started_at = ?, completed_at = ?, updated_at = ?
		 WHERE run_id = ? AND updated_at <= ?`,
		string(run.Status), nullStr(run.StatusMessage), string(metrics), nullStr(run.Error), nullStr(run.ErrorStep),
		nullNanos(run.StartedAt), nullNanos(run.CompletedAt), nanos(now), run.ID, nanos(s.opts.settledBefore(now)),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", run.ID)
	}
	ok, err := checkRowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		found, err := s.exists(ctx, `SELECT COUNT(*) FROM runs WHERE run_id = ?`, run.ID)
		if err != nil {
			return err
		}
		return settleMiss(found, "run", run.ID)
	}
	run.UpdatedAt = now
	return nil
}

// ListRuns returns runs matching filter, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Vendor != "" {
		query += ` AND vendor = ?`
		args = append(args, filter.Vendor)
	}
	if filter.NonTerminal {
		query += ` AND status NOT IN ('completed', 'failed')`
	}
	if !filter.UpdatedBefore.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, nanos(filter.UpdatedBefore))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status, metrics string
	var source, message, errStr, step sql.NullString
	var created, updated int64
	var started, completed sql.NullInt64

	err := row.Scan(&r.ID, &r.Vendor, &source, &status, &message, &metrics,
		&errStr, &step, &created, &started, &completed, &updated)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.Source = source.String
	r.StatusMessage = message.String
	r.Error = errStr.String
	r.ErrorStep = step.String
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	if metrics != "" {
		if err := json.Unmarshal([]byte(metrics), &r.Metrics); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal metrics")
		}
	}
	return &r, nil
}

// AppendRunEvent appends an audit event and assigns its sequence number.
func (s *SQLiteStore) AppendRunEvent(ctx context.Context, ev *model.RunEvent) error {
	metrics, err := json.Marshal(ev.Metrics)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metrics")
	}
	if ev.At.IsZero() {
		ev.At = s.opts.now()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var last int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id = ?`, ev.RunID,
		).Scan(&last); err != nil {
			return eris.Wrapf(err, "sqlite: last event seq for run %s", ev.RunID)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.RunID, last+1, string(ev.Status), nullStr(ev.Message), string(metrics), nullStr(ev.Error), nanos(ev.At),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: append event for run %s", ev.RunID)
		}
		ev.Seq = last + 1
		return nil
	})
}

// ListRunEvents returns a run's events in order.
func (s *SQLiteStore) ListRunEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM run_events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list events for run %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var events []model.RunEvent
	for rows.Next() {
		var ev model.RunEvent
		var status, metrics string
		var message, errStr sql.NullString
		var at int64
		if err := rows.Scan(&ev.RunID, &ev.Seq, &status, &message, &metrics, &errStr, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		ev.Status = model.RunStatus(status)
		ev.Message = message.String
		ev.Error = errStr.String
		ev.At = fromNanos(at)
		if err := json.Unmarshal([]byte(metrics), &ev.Metrics); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal event metrics")
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- Staging ---

// AppendStaged stamps recs with sequence numbers following the run's last
// staged record and an ingestion time, then inserts them.
func (s *SQLiteStore) AppendStaged(ctx context.Context, runID string, recs []model.StagedRecord) ([]model.StagedRecord, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	out := make([]model.StagedRecord, len(recs))
	copy(out, recs)

	insert := fmt.Sprintf(`INSERT INTO staged_records (%s) VALUES (%s)`,
		joinColumns(stagedColumns), strings.TrimSuffix(strings.Repeat("?, ", len(stagedColumns)), ", "))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var last int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM staged_records WHERE run_id = ?`, runID,
		).Scan(&last); err != nil {
			return eris.Wrapf(err, "sqlite: last staged seq for run %s", runID)
		}

		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare staged insert")
		}
		defer stmt.Close() //nolint:errcheck

		now := s.opts.now()
		for i := range out {
			out[i].RunID = runID
			out[i].Seq = last + int64(i) + 1
			out[i].IngestedAt = now

			vals := []any{out[i].RunID, out[i].Seq, out[i].NaturalKey}
			for _, p := range stagedRaw(&out[i].RawRecord) {
				vals = append(vals, nullStr(*p))
			}
			vals = append(vals, nanos(now))
			if _, err := stmt.ExecContext(ctx, vals...); err != nil {
				return eris.Wrapf(err, "sqlite: insert staged record %d for run %s", out[i].Seq, runID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListStaged returns a run's staged records ordered by seq.
func (s *SQLiteStore) ListStaged(ctx context.Context, runID string) ([]model.StagedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+joinColumns(stagedColumns)+` FROM staged_records WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list staged for run %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.StagedRecord
	for rows.Next() {
		var r model.StagedRecord
		var ingested int64
		raw := make([]sql.NullString, len(stagedRawColumns))
		dest := []any{&r.RunID, &r.Seq, &r.NaturalKey}
		for i := range raw {
			dest = append(dest, &raw[i])
		}
		dest = append(dest, &ingested)
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan staged record")
		}
		for i, p := range stagedRaw(&r.RawRecord) {
			*p = raw[i].String
		}
		r.IngestedAt = fromNanos(ingested)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list staged iterate")
}

// CountStaged returns the number of staged records of a run.
func (s *SQLiteStore) CountStaged(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM staged_records WHERE run_id = ?`, runID).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count staged for run %s", runID)
}

// --- Catalog ---

// GetCatalog returns the catalog row for a vendor and natural key.
func (s *SQLiteStore) GetCatalog(ctx context.Context, vendor, naturalKey string) (*model.CanonicalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+joinColumns(catalogColumns)+` FROM price_catalog WHERE vendor = ? AND natural_key = ?`,
		vendor, naturalKey)
	r, err := scanSQLiteCatalog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: catalog %s/%s", vendor, naturalKey)
		}
		return nil, eris.Wrapf(err, "sqlite: get catalog %s/%s", vendor, naturalKey)
	}
	return r, nil
}

func scanSQLiteCatalog(row scannable) (*model.CanonicalRecord, error) {
	var r model.CanonicalRecord
	var date, source string
	var price sql.NullFloat64
	var ingested, created, updated int64
	text := make([]sql.NullString, len(catalogTextColumns))

	dest := []any{&r.Vendor, &r.NaturalKey, &date, &price}
	for i := range text {
		dest = append(dest, &text[i])
	}
	dest = append(dest, &r.RunID, &r.Seq, &ingested, &source, &created, &updated)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	d, err := time.Parse(sqliteDate, date)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse effective_date %q", date)
	}
	r.EffectiveDate = d
	if price.Valid {
		p := price.Float64
		r.Price = &p
	}
	for i, p := range catalogText(&r) {
		*p = text[i].String
	}
	r.IngestedAt = fromNanos(ingested)
	r.Source = model.Source(source)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	return &r, nil
}

func sqliteCatalogContent(rec *model.CanonicalRecord) []any {
	vals := []any{rec.EffectiveDate.Format(sqliteDate), rec.Price}
	for _, p := range catalogText(rec) {
		vals = append(vals, nullStr(*p))
	}
	return append(vals, rec.RunID, rec.Seq, nanos(rec.IngestedAt), string(rec.Source))
}

// InsertCatalog inserts a new catalog row. ErrConflict means another writer
// created the row first.
func (s *SQLiteStore) InsertCatalog(ctx context.Context, rec *model.CanonicalRecord) error {
	now := s.opts.now()
	vals := append([]any{rec.Vendor, rec.NaturalKey}, sqliteCatalogContent(rec)...)
	vals = append(vals, nanos(now), nanos(now))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO price_catalog (`+joinColumns(catalogColumns)+`) VALUES (`+
			strings.TrimSuffix(strings.Repeat("?, ", len(catalogColumns)), ", ")+`)`,
		vals...)
	if err != nil {
		if sqliteUnique(err) {
			return eris.Wrapf(ErrConflict, "sqlite: catalog %s/%s", rec.Vendor, rec.NaturalKey)
		}
		return eris.Wrapf(err, "sqlite: insert catalog %s/%s", rec.Vendor, rec.NaturalKey)
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

var sqliteCatalogReplaceSQL = func() string {
	cols := append([]string{"effective_date", "price"}, catalogTextColumns...)
	cols = append(cols, "run_id", "seq", "ingested_at", "source", "updated_at")
	set := make([]string, len(cols))
	for i, c := range cols {
		set[i] = c + " = ?"
	}
	return `UPDATE price_catalog SET ` + strings.Join(set, ", ") +
		` WHERE vendor = ? AND natural_key = ? AND updated_at <= ?`
}()

// ReplaceCatalog fully replaces an existing catalog row.
func (s *SQLiteStore) ReplaceCatalog(ctx context.Context, rec *model.CanonicalRecord) error {
	now := s.opts.now()
	vals := sqliteCatalogContent(rec)
	vals = append(vals, nanos(now), rec.Vendor, rec.NaturalKey, nanos(s.opts.settledBefore(now)))

	res, err := s.db.ExecContext(ctx, sqliteCatalogReplaceSQL, vals...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: replace catalog %s/%s", rec.Vendor, rec.NaturalKey)
	}
	ok, err := checkRowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		found, err := s.exists(ctx,
			`SELECT COUNT(*) FROM price_catalog WHERE vendor = ? AND natural_key = ?`, rec.Vendor, rec.NaturalKey)
		if err != nil {
			return err
		}
		return settleMiss(found, "catalog", rec.Vendor+"/"+rec.NaturalKey)
	}
	rec.UpdatedAt = now
	return nil
}

// --- Unknown entities ---

// GetOpenUnknown returns the unresolved entity for a vendor and code.
func (s *SQLiteStore) GetOpenUnknown(ctx context.Context, vendor, supplierCode string) (*model.UnknownEntity, error) {
	u, err := scanSQLiteUnknown(s.db.QueryRowContext(ctx,
		`SELECT `+unknownColumns+` FROM unknown_entities WHERE vendor = ? AND supplier_code = ? AND resolved = 0`,
		vendor, supplierCode))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: open unknown %s/%s", vendor, supplierCode)
		}
		return nil, eris.Wrapf(err, "sqlite: get open unknown %s/%s", vendor, supplierCode)
	}
	return u, nil
}

// ResolvedUnknownSeenIn reports whether a resolved entity for the vendor and
// code already counted a sighting from runID.
func (s *SQLiteStore) ResolvedUnknownSeenIn(ctx context.Context, vendor, supplierCode, runID string) (bool, error) {
	var seen bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM unknown_entities u, json_each(u.run_ids) r
			WHERE u.vendor = ? AND u.supplier_code = ? AND u.resolved = 1 AND r.value = ?)`,
		vendor, supplierCode, runID).Scan(&seen)
	return seen, eris.Wrapf(err, "sqlite: resolved unknown %s/%s", vendor, supplierCode)
}

// GetUnknown returns an entity by id.
func (s *SQLiteStore) GetUnknown(ctx context.Context, id string) (*model.UnknownEntity, error) {
	u, err := scanSQLiteUnknown(s.db.QueryRowContext(ctx,
		`SELECT `+unknownColumns+` FROM unknown_entities WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: unknown %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get unknown %s", id)
	}
	return u, nil
}

func scanSQLiteUnknown(row scannable) (*model.UnknownEntity, error) {
	var u model.UnknownEntity
	var rawName, sample, resolvedTo sql.NullString
	var runIDs string
	var first, last, updated int64
	var resolvedAt sql.NullInt64

	err := row.Scan(&u.ID, &u.Vendor, &u.SupplierCode, &rawName, &first, &last,
		&u.OccurrenceCount, &runIDs, &sample, &u.Resolved, &resolvedAt, &resolvedTo, &updated)
	if err != nil {
		return nil, err
	}
	u.RawName = rawName.String
	u.ResolvedTo = resolvedTo.String
	u.FirstSeen = fromNanos(first)
	u.LastSeen = fromNanos(last)
	u.UpdatedAt = fromNanos(updated)
	u.ResolvedAt = timePtr(resolvedAt)
	if sample.Valid && sample.String != "" {
		u.SamplePayload = json.RawMessage(sample.String)
	}
	if err := json.Unmarshal([]byte(runIDs), &u.RunIDs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run_ids")
	}
	return &u, nil
}

func sqliteUnknownFields(u *model.UnknownEntity) ([]any, error) {
	ids, err := json.Marshal(runIDs(u.RunIDs))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal run_ids")
	}
	var sample any
	if len(u.SamplePayload) > 0 {
		sample = string(u.SamplePayload)
	}
	return []any{
		nullStr(u.RawName), nanos(u.FirstSeen), nanos(u.LastSeen), u.OccurrenceCount, string(ids),
		sample, u.Resolved, nullNanos(u.ResolvedAt), nullStr(u.ResolvedTo),
	}, nil
}

// InsertUnknown inserts a new entity. A concurrent open entity for the same
// key yields ErrConflict.
func (s *SQLiteStore) InsertUnknown(ctx context.Context, u *model.UnknownEntity) error {
	fields, err := sqliteUnknownFields(u)
	if err != nil {
		return err
	}
	now := s.opts.now()
	vals := append([]any{u.ID, u.Vendor, u.SupplierCode}, fields...)
	vals = append(vals, nanos(now))

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO unknown_entities (`+unknownColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, vals...)
	if err != nil {
		if sqliteUnique(err) {
			return eris.Wrapf(ErrConflict, "sqlite: unknown %s/%s", u.Vendor, u.SupplierCode)
		}
		return eris.Wrapf(err, "sqlite: insert unknown %s/%s", u.Vendor, u.SupplierCode)
	}
	u.UpdatedAt = now
	return nil
}

// UpdateUnknown overwrites the mutable columns of an entity.
func (s *SQLiteStore) UpdateUnknown(ctx context.Context, u *model.UnknownEntity) error {
	fields, err := sqliteUnknownFields(u)
	if err != nil {
		return err
	}
	now := s.opts.now()
	vals := append(fields, nanos(now), u.ID, nanos(s.opts.settledBefore(now)))

	res, err := s.db.ExecContext(ctx,
		`UPDATE unknown_entities SET raw_name = ?, first_seen = ?, last_seen = ?, occurrence_count = ?,
		 run_ids = ?, sample_payload = ?, resolved = ?, resolved_at = ?, resolved_to = ?, updated_at = ?
		 WHERE id = ? AND updated_at <= ?`, vals...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update unknown %s", u.ID)
	}
	ok, err := checkRowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		found, err := s.exists(ctx, `SELECT COUNT(*) FROM unknown_entities WHERE id = ?`, u.ID)
		if err != nil {
			return err
		}
		return settleMiss(found, "unknown", u.ID)
	}
	u.UpdatedAt = now
	return nil
}

// ListUnknowns returns entities ranked for curation.
func (s *SQLiteStore) ListUnknowns(ctx context.Context, filter UnknownFilter) ([]model.UnknownEntity, error) {
	query := `SELECT ` + unknownColumns + ` FROM unknown_entities WHERE 1=1`
	var args []any
	if !filter.IncludeResolved {
		query += ` AND resolved = 0`
	}
	if filter.Vendor != "" {
		query += ` AND vendor = ?`
		args = append(args, filter.Vendor)
	}
	query += ` ORDER BY occurrence_count DESC, last_seen DESC LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unknowns")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.UnknownEntity
	for rows.Next() {
		u, err := scanSQLiteUnknown(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unknown")
		}
		out = append(out, *u)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list unknowns iterate")
}

// --- Deferred mutations ---

// EnqueueDeferred stores a mutation for later replay and assigns its id.
func (s *SQLiteStore) EnqueueDeferred(ctx context.Context, m *model.DeferredMutation) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.opts.now()
	}
	if m.NextAttemptAt.IsZero() {
		m.NextAttemptAt = m.CreatedAt
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deferred_mutations (kind, run_id, target, payload, attempts, next_attempt_at, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.Kind), m.RunID, m.Target, string(m.Payload), m.Attempts, nanos(m.NextAttemptAt),
		nullStr(m.LastError), nanos(m.CreatedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: enqueue deferred %s %s", m.Kind, m.Target)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: deferred id")
	}
	m.ID = id
	return nil
}

// ListDueDeferred returns mutations due at now, oldest first.
func (s *SQLiteStore) ListDueDeferred(ctx context.Context, now time.Time, limit int) ([]model.DeferredMutation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deferredColumns+` FROM deferred_mutations WHERE next_attempt_at <= ? ORDER BY id LIMIT ?`,
		nanos(now), listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list deferred")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DeferredMutation
	for rows.Next() {
		var m model.DeferredMutation
		var kind, payload string
		var lastErr sql.NullString
		var next, created int64
		if err := rows.Scan(&m.ID, &kind, &m.RunID, &m.Target, &payload, &m.Attempts,
			&next, &lastErr, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan deferred")
		}
		m.Kind = model.MutationKind(kind)
		m.Payload = json.RawMessage(payload)
		m.LastError = lastErr.String
		m.NextAttemptAt = fromNanos(next)
		m.CreatedAt = fromNanos(created)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list deferred iterate")
}

// RescheduleDeferred records a failed replay.
func (s *SQLiteStore) RescheduleDeferred(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deferred_mutations SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		attempts, nanos(next), nullStr(lastErr), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reschedule deferred %d", id)
	}
	ok, err := checkRowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrapf(ErrNotFound, "sqlite: deferred %d", id)
	}
	return nil
}

// DeleteDeferred removes an applied mutation.
func (s *SQLiteStore) DeleteDeferred(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deferred_mutations WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: delete deferred %d", id)
}

// CountDeferred returns the queue length.
func (s *SQLiteStore) CountDeferred(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deferred_mutations`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count deferred")
}

// --- Taxonomy ---

// SaveTaxonomy publishes a taxonomy version, replacing its rules.
func (s *SQLiteStore) SaveTaxonomy(ctx context.Context, tax TaxonomyVersion) error {
	if tax.CreatedAt.IsZero() {
		tax.CreatedAt = s.opts.now()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO taxonomy_versions (version, document, created_at) VALUES (?, ?, ?)
			 ON CONFLICT (version) DO UPDATE SET document = excluded.document`,
			tax.Version, string(tax.Document), nanos(tax.CreatedAt))
		if err != nil {
			return eris.Wrapf(err, "sqlite: save taxonomy %s", tax.Version)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM taxonomy_rules WHERE version = ?`, tax.Version); err != nil {
			return eris.Wrapf(err, "sqlite: clear taxonomy rules %s", tax.Version)
		}
		for _, r := range tax.Rules {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO taxonomy_rules (version, position, raw_category, cut_filter, canonical_family, canonical_species)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				tax.Version, r.Position, r.RawCategory, r.CutFilter, r.CanonicalFamily, r.CanonicalSpecies)
			if err != nil {
				return eris.Wrapf(err, "sqlite: save taxonomy rule %d", r.Position)
			}
		}
		return nil
	})
}

// LoadTaxonomy returns a published version, or the latest one when version
// is empty.
func (s *SQLiteStore) LoadTaxonomy(ctx context.Context, version string) (*TaxonomyVersion, error) {
	query := `SELECT version, document, created_at FROM taxonomy_versions WHERE version = ?`
	args := []any{version}
	if version == "" {
		query = `SELECT version, document, created_at FROM taxonomy_versions ORDER BY created_at DESC LIMIT 1`
		args = nil
	}

	var tax TaxonomyVersion
	var doc string
	var created int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&tax.Version, &doc, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: taxonomy %q", version)
		}
		return nil, eris.Wrapf(err, "sqlite: load taxonomy %q", version)
	}
	tax.Document = []byte(doc)
	tax.CreatedAt = fromNanos(created)

	rows, err := s.db.QueryContext(ctx,
		`SELECT position, raw_category, cut_filter, canonical_family, canonical_species
		 FROM taxonomy_rules WHERE version = ? ORDER BY position`, tax.Version)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load taxonomy rules %s", tax.Version)
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var r TaxonomyRule
		if err := rows.Scan(&r.Position, &r.RawCategory, &r.CutFilter, &r.CanonicalFamily, &r.CanonicalSpecies); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan taxonomy rule")
		}
		tax.Rules = append(tax.Rules, r)
	}
	return &tax, eris.Wrap(rows.Err(), "sqlite: load taxonomy rules iterate")
}
