package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-sync/internal/db"
	"github.com/sells-group/catalog-sync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	opts    Options
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection. They cover the
// per-key reads and writes of consolidation.
var preparedStatements = map[string]string{
	"get_catalog":      `SELECT ` + joinColumns(catalogColumns) + ` FROM price_catalog WHERE vendor = $1 AND natural_key = $2`,
	"get_open_unknown": `SELECT ` + unknownColumns + ` FROM unknown_entities WHERE vendor = $1 AND supplier_code = $2 AND NOT resolved`,
	"get_run":          `SELECT ` + runColumns + ` FROM runs WHERE run_id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, opts Options) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, opts: opts}, nil
}

// Pool returns the underlying pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	run_id            TEXT PRIMARY KEY,
	vendor            TEXT NOT NULL,
	source_descriptor TEXT,
	status            TEXT NOT NULL DEFAULT 'created',
	status_message    TEXT,
	metrics           JSONB NOT NULL DEFAULT '{}',
	error             TEXT,
	error_step        TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status_updated ON runs(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_runs_vendor ON runs(vendor);

CREATE TABLE IF NOT EXISTS run_events (
	run_id  TEXT NOT NULL REFERENCES runs(run_id),
	seq     BIGINT NOT NULL,
	status  TEXT NOT NULL,
	message TEXT,
	metrics JSONB NOT NULL DEFAULT '{}',
	error   TEXT,
	at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS staged_records (
	run_id           TEXT NOT NULL,
	seq              BIGINT NOT NULL,
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
	ingested_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_staged_records_key ON staged_records(run_id, natural_key);

CREATE TABLE IF NOT EXISTS price_catalog (
	vendor          TEXT NOT NULL,
	natural_key     TEXT NOT NULL,
	effective_date  DATE NOT NULL,
	price           DOUBLE PRECISION,
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
	seq             BIGINT NOT NULL DEFAULT 0,
	ingested_at     TIMESTAMPTZ NOT NULL,
	source          TEXT NOT NULL DEFAULT 'staging',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (vendor, natural_key)
);

CREATE INDEX IF NOT EXISTS idx_price_catalog_run_id ON price_catalog(run_id);
CREATE INDEX IF NOT EXISTS idx_price_catalog_family ON price_catalog(family);

CREATE TABLE IF NOT EXISTS unknown_entities (
	id               TEXT PRIMARY KEY,
	vendor           TEXT NOT NULL,
	supplier_code    TEXT NOT NULL,
	raw_name         TEXT,
	first_seen       TIMESTAMPTZ NOT NULL,
	last_seen        TIMESTAMPTZ NOT NULL,
	occurrence_count INTEGER NOT NULL DEFAULT 0,
	run_ids          TEXT[] NOT NULL DEFAULT '{}',
	sample_payload   JSONB,
	resolved         BOOLEAN NOT NULL DEFAULT false,
	resolved_at      TIMESTAMPTZ,
	resolved_to      TEXT,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_unknown_entities_open
	ON unknown_entities(vendor, supplier_code) WHERE NOT resolved;
CREATE INDEX IF NOT EXISTS idx_unknown_entities_rank
	ON unknown_entities(occurrence_count DESC, last_seen DESC);

CREATE TABLE IF NOT EXISTS deferred_mutations (
	id              BIGSERIAL PRIMARY KEY,
	kind            TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	target          TEXT NOT NULL,
	payload         JSONB NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	last_error      TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_deferred_mutations_due ON deferred_mutations(next_attempt_at);

CREATE TABLE IF NOT EXISTS taxonomy_versions (
	version    TEXT PRIMARY KEY,
	document   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
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

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&ok); err != nil {
		return false, eris.Wrap(err, "postgres: check row exists")
	}
	return ok, nil
}

// --- Runs ---

// CreateRun inserts a run. An existing run id yields ErrConflict.
func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metrics")
	}
	now := s.opts.now()
	if run.Status == "" {
		run.Status = model.RunStatusCreated
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.Vendor, nullStr(run.Source), string(run.Status), nullStr(run.StatusMessage), metrics,
		nullStr(run.Error), nullStr(run.ErrorStep), now, run.StartedAt, run.CompletedAt, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "postgres: run %s", run.ID)
		}
		return eris.Wrapf(err, "postgres: insert run %s", run.ID)
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

// GetRun returns a run or ErrNotFound.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

// UpdateRun overwrites the mutable columns of a run row.
func (s *PostgresStore) UpdateRun(ctx context.Context, run *model.Run) error {
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metrics")
	}
	now := s.opts.now()

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, status_message = $3, metrics = $4, error = $5, error_step = $6,
		 started_at = $7, completed_at = $8, updated_at = $9
		 WHERE run_id = $1 AND updated_at <= $10`,
		run.ID, string(run.Status), nullStr(run.StatusMessage), metrics, nullStr(run.Error), nullStr(run.ErrorStep),
		run.StartedAt, run.CompletedAt, now, s.opts.settledBefore(now),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		ok, err := s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE run_id = $1)`, run.ID)
		if err != nil {
			return err
		}
		return settleMiss(ok, "run", run.ID)
	}
	run.UpdatedAt = now
	return nil
}

// ListRuns returns runs matching filter, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Vendor != "" {
		query += fmt.Sprintf(` AND vendor = $%d`, argIdx)
		args = append(args, filter.Vendor)
		argIdx++
	}
	if filter.NonTerminal {
		query += ` AND status NOT IN ('completed', 'failed')`
	}
	if !filter.UpdatedBefore.IsZero() {
		query += fmt.Sprintf(` AND updated_at < $%d`, argIdx)
		args = append(args, filter.UpdatedBefore)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status string
	var source, message, errStr, step *string
	var metrics []byte

	err := row.Scan(&r.ID, &r.Vendor, &source, &status, &message, &metrics,
		&errStr, &step, &r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.Source = derefStr(source)
	r.StatusMessage = derefStr(message)
	r.Error = derefStr(errStr)
	r.ErrorStep = derefStr(step)
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &r.Metrics); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal metrics")
		}
	}
	return &r, nil
}

// AppendRunEvent appends an audit event and assigns its sequence number.
func (s *PostgresStore) AppendRunEvent(ctx context.Context, ev *model.RunEvent) error {
	metrics, err := json.Marshal(ev.Metrics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metrics")
	}
	if ev.At.IsZero() {
		ev.At = s.opts.now()
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO run_events (`+eventColumns+`)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6 FROM run_events WHERE run_id = $1
		 RETURNING seq`,
		ev.RunID, string(ev.Status), nullStr(ev.Message), metrics, nullStr(ev.Error), ev.At,
	).Scan(&ev.Seq)
	return eris.Wrapf(err, "postgres: append event for run %s", ev.RunID)
}

// ListRunEvents returns a run's events in order.
func (s *PostgresStore) ListRunEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM run_events WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list events for run %s", runID)
	}
	defer rows.Close()

	var events []model.RunEvent
	for rows.Next() {
		var ev model.RunEvent
		var status string
		var message, errStr *string
		var metrics []byte
		if err := rows.Scan(&ev.RunID, &ev.Seq, &status, &message, &metrics, &errStr, &ev.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		ev.Status = model.RunStatus(status)
		ev.Message = derefStr(message)
		ev.Error = derefStr(errStr)
		if len(metrics) > 0 {
			if err := json.Unmarshal(metrics, &ev.Metrics); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal event metrics")
			}
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

// --- Staging ---

// AppendStaged stamps recs with sequence numbers following the run's last
// staged record and an ingestion time, then COPYs them into staging.
func (s *PostgresStore) AppendStaged(ctx context.Context, runID string, recs []model.StagedRecord) ([]model.StagedRecord, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	out := make([]model.StagedRecord, len(recs))
	copy(out, recs)

	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, runID); err != nil {
			return eris.Wrapf(err, "postgres: lock staging for run %s", runID)
		}
		var last int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM staged_records WHERE run_id = $1`, runID,
		).Scan(&last); err != nil {
			return eris.Wrapf(err, "postgres: last staged seq for run %s", runID)
		}

		now := s.opts.now()
		rows := make([][]any, len(out))
		for i := range out {
			out[i].RunID = runID
			out[i].Seq = last + int64(i) + 1
			out[i].IngestedAt = now
			rows[i] = stagedValues(&out[i])
		}
		_, err := db.CopyFrom(ctx, tx, "staged_records", stagedColumns, rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func stagedValues(r *model.StagedRecord) []any {
	vals := []any{r.RunID, r.Seq, r.NaturalKey}
	for _, p := range stagedRaw(&r.RawRecord) {
		vals = append(vals, nullStr(*p))
	}
	return append(vals, r.IngestedAt)
}

// ListStaged returns a run's staged records ordered by seq.
func (s *PostgresStore) ListStaged(ctx context.Context, runID string) ([]model.StagedRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+joinColumns(stagedColumns)+` FROM staged_records WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list staged for run %s", runID)
	}
	defer rows.Close()

	var out []model.StagedRecord
	for rows.Next() {
		var r model.StagedRecord
		raw := make([]*string, len(stagedRawColumns))
		dest := []any{&r.RunID, &r.Seq, &r.NaturalKey}
		for i := range raw {
			dest = append(dest, &raw[i])
		}
		dest = append(dest, &r.IngestedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan staged record")
		}
		for i, p := range stagedRaw(&r.RawRecord) {
			*p = derefStr(raw[i])
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list staged iterate")
}

// CountStaged returns the number of staged records of a run.
func (s *PostgresStore) CountStaged(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM staged_records WHERE run_id = $1`, runID).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count staged for run %s", runID)
}

// --- Catalog ---

// GetCatalog returns the catalog row for a vendor and natural key.
func (s *PostgresStore) GetCatalog(ctx context.Context, vendor, naturalKey string) (*model.CanonicalRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+joinColumns(catalogColumns)+` FROM price_catalog WHERE vendor = $1 AND natural_key = $2`,
		vendor, naturalKey)
	r, err := scanPgCatalog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: catalog %s/%s", vendor, naturalKey)
		}
		return nil, eris.Wrapf(err, "postgres: get catalog %s/%s", vendor, naturalKey)
	}
	return r, nil
}

func scanPgCatalog(row pgx.Row) (*model.CanonicalRecord, error) {
	var r model.CanonicalRecord
	var source string
	text := make([]*string, len(catalogTextColumns))
	dest := []any{&r.Vendor, &r.NaturalKey, &r.EffectiveDate, &r.Price}
	for i := range text {
		dest = append(dest, &text[i])
	}
	dest = append(dest, &r.RunID, &r.Seq, &r.IngestedAt, &source, &r.CreatedAt, &r.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	for i, p := range catalogText(&r) {
		*p = derefStr(text[i])
	}
	r.Source = model.Source(source)
	return &r, nil
}

// InsertCatalog inserts a new catalog row. ErrConflict means another writer
// created the row first.
func (s *PostgresStore) InsertCatalog(ctx context.Context, rec *model.CanonicalRecord) error {
	now := s.opts.now()
	vals := []any{rec.Vendor, rec.NaturalKey, rec.EffectiveDate, rec.Price}
	for _, p := range catalogText(rec) {
		vals = append(vals, nullStr(*p))
	}
	vals = append(vals, rec.RunID, rec.Seq, rec.IngestedAt, string(rec.Source), now, now)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_catalog (`+joinColumns(catalogColumns)+`) VALUES (`+placeholders(1, len(catalogColumns))+`)`,
		vals...)
	if err != nil {
		if isUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "postgres: catalog %s/%s", rec.Vendor, rec.NaturalKey)
		}
		return eris.Wrapf(err, "postgres: insert catalog %s/%s", rec.Vendor, rec.NaturalKey)
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

// catalogReplaceSQL overwrites every content and provenance column.
var catalogReplaceSQL = func() string {
	cols := append([]string{"effective_date", "price"}, catalogTextColumns...)
	cols = append(cols, "run_id", "seq", "ingested_at", "source", "updated_at")
	set := make([]string, len(cols))
	for i, c := range cols {
		set[i] = fmt.Sprintf("%s = $%d", c, i+3)
	}
	return fmt.Sprintf(`UPDATE price_catalog SET %s WHERE vendor = $1 AND natural_key = $2 AND updated_at <= $%d`,
		strings.Join(set, ", "), len(cols)+3)
}()

// ReplaceCatalog fully replaces an existing catalog row.
func (s *PostgresStore) ReplaceCatalog(ctx context.Context, rec *model.CanonicalRecord) error {
	now := s.opts.now()
	vals := []any{rec.Vendor, rec.NaturalKey, rec.EffectiveDate, rec.Price}
	for _, p := range catalogText(rec) {
		vals = append(vals, nullStr(*p))
	}
	vals = append(vals, rec.RunID, rec.Seq, rec.IngestedAt, string(rec.Source), now, s.opts.settledBefore(now))

	tag, err := s.pool.Exec(ctx, catalogReplaceSQL, vals...)
	if err != nil {
		return eris.Wrapf(err, "postgres: replace catalog %s/%s", rec.Vendor, rec.NaturalKey)
	}
	if tag.RowsAffected() == 0 {
		ok, err := s.exists(ctx,
			`SELECT EXISTS (SELECT 1 FROM price_catalog WHERE vendor = $1 AND natural_key = $2)`,
			rec.Vendor, rec.NaturalKey)
		if err != nil {
			return err
		}
		return settleMiss(ok, "catalog", rec.Vendor+"/"+rec.NaturalKey)
	}
	rec.UpdatedAt = now
	return nil
}

func placeholders(start, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(ps, ", ")
}

// --- Unknown entities ---

// GetOpenUnknown returns the unresolved entity for a vendor and code.
func (s *PostgresStore) GetOpenUnknown(ctx context.Context, vendor, supplierCode string) (*model.UnknownEntity, error) {
	u, err := scanPgUnknown(s.pool.QueryRow(ctx,
		`SELECT `+unknownColumns+` FROM unknown_entities WHERE vendor = $1 AND supplier_code = $2 AND NOT resolved`,
		vendor, supplierCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: open unknown %s/%s", vendor, supplierCode)
		}
		return nil, eris.Wrapf(err, "postgres: get open unknown %s/%s", vendor, supplierCode)
	}
	return u, nil
}

// ResolvedUnknownSeenIn reports whether a resolved entity for the vendor and
// code already counted a sighting from runID.
func (s *PostgresStore) ResolvedUnknownSeenIn(ctx context.Context, vendor, supplierCode, runID string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM unknown_entities
		  WHERE vendor = $1 AND supplier_code = $2 AND resolved AND $3 = ANY(run_ids))`,
		vendor, supplierCode, runID).Scan(&seen)
	return seen, eris.Wrapf(err, "postgres: resolved unknown %s/%s", vendor, supplierCode)
}

// GetUnknown returns an entity by id.
func (s *PostgresStore) GetUnknown(ctx context.Context, id string) (*model.UnknownEntity, error) {
	u, err := scanPgUnknown(s.pool.QueryRow(ctx,
		`SELECT `+unknownColumns+` FROM unknown_entities WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: unknown %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get unknown %s", id)
	}
	return u, nil
}

func scanPgUnknown(row pgx.Row) (*model.UnknownEntity, error) {
	var u model.UnknownEntity
	var rawName, resolvedTo *string
	var sample []byte
	err := row.Scan(&u.ID, &u.Vendor, &u.SupplierCode, &rawName, &u.FirstSeen, &u.LastSeen,
		&u.OccurrenceCount, &u.RunIDs, &sample, &u.Resolved, &u.ResolvedAt, &resolvedTo, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.RawName = derefStr(rawName)
	u.ResolvedTo = derefStr(resolvedTo)
	if len(sample) > 0 {
		u.SamplePayload = sample
	}
	return &u, nil
}

// InsertUnknown inserts a new entity. A concurrent open entity for the same
// key yields ErrConflict.
func (s *PostgresStore) InsertUnknown(ctx context.Context, u *model.UnknownEntity) error {
	now := s.opts.now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO unknown_entities (`+unknownColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		u.ID, u.Vendor, u.SupplierCode, nullStr(u.RawName), u.FirstSeen, u.LastSeen, u.OccurrenceCount,
		runIDs(u.RunIDs), jsonOrNil(u.SamplePayload), u.Resolved, u.ResolvedAt, nullStr(u.ResolvedTo), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "postgres: unknown %s/%s", u.Vendor, u.SupplierCode)
		}
		return eris.Wrapf(err, "postgres: insert unknown %s/%s", u.Vendor, u.SupplierCode)
	}
	u.UpdatedAt = now
	return nil
}

// UpdateUnknown overwrites the mutable columns of an entity.
func (s *PostgresStore) UpdateUnknown(ctx context.Context, u *model.UnknownEntity) error {
	now := s.opts.now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE unknown_entities SET raw_name = $2, first_seen = $3, last_seen = $4, occurrence_count = $5,
		 run_ids = $6, sample_payload = $7, resolved = $8, resolved_at = $9, resolved_to = $10, updated_at = $11
		 WHERE id = $1 AND updated_at <= $12`,
		u.ID, nullStr(u.RawName), u.FirstSeen, u.LastSeen, u.OccurrenceCount, runIDs(u.RunIDs),
		jsonOrNil(u.SamplePayload), u.Resolved, u.ResolvedAt, nullStr(u.ResolvedTo), now, s.opts.settledBefore(now),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update unknown %s", u.ID)
	}
	if tag.RowsAffected() == 0 {
		ok, err := s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM unknown_entities WHERE id = $1)`, u.ID)
		if err != nil {
			return err
		}
		return settleMiss(ok, "unknown", u.ID)
	}
	u.UpdatedAt = now
	return nil
}

// ListUnknowns returns entities ranked for curation.
func (s *PostgresStore) ListUnknowns(ctx context.Context, filter UnknownFilter) ([]model.UnknownEntity, error) {
	query := `SELECT ` + unknownColumns + ` FROM unknown_entities WHERE true`
	args := []any{}
	argIdx := 1

	if !filter.IncludeResolved {
		query += ` AND NOT resolved`
	}
	if filter.Vendor != "" {
		query += fmt.Sprintf(` AND vendor = $%d`, argIdx)
		args = append(args, filter.Vendor)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY occurrence_count DESC, last_seen DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unknowns")
	}
	defer rows.Close()

	var out []model.UnknownEntity
	for rows.Next() {
		u, err := scanPgUnknown(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan unknown")
		}
		out = append(out, *u)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list unknowns iterate")
}

func runIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func jsonOrNil(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// --- Deferred mutations ---

// EnqueueDeferred stores a mutation for later replay and assigns its id.
func (s *PostgresStore) EnqueueDeferred(ctx context.Context, m *model.DeferredMutation) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.opts.now()
	}
	if m.NextAttemptAt.IsZero() {
		m.NextAttemptAt = m.CreatedAt
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO deferred_mutations (kind, run_id, target, payload, attempts, next_attempt_at, last_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		string(m.Kind), m.RunID, m.Target, []byte(m.Payload), m.Attempts, m.NextAttemptAt, nullStr(m.LastError), m.CreatedAt,
	).Scan(&m.ID)
	return eris.Wrapf(err, "postgres: enqueue deferred %s %s", m.Kind, m.Target)
}

// ListDueDeferred returns mutations due at now, oldest first.
func (s *PostgresStore) ListDueDeferred(ctx context.Context, now time.Time, limit int) ([]model.DeferredMutation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deferredColumns+` FROM deferred_mutations WHERE next_attempt_at <= $1 ORDER BY id LIMIT $2`,
		now, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list deferred")
	}
	defer rows.Close()

	var out []model.DeferredMutation
	for rows.Next() {
		var m model.DeferredMutation
		var kind string
		var payload []byte
		var lastErr *string
		if err := rows.Scan(&m.ID, &kind, &m.RunID, &m.Target, &payload, &m.Attempts,
			&m.NextAttemptAt, &lastErr, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan deferred")
		}
		m.Kind = model.MutationKind(kind)
		m.Payload = payload
		m.LastError = derefStr(lastErr)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list deferred iterate")
}

// RescheduleDeferred records a failed replay.
func (s *PostgresStore) RescheduleDeferred(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deferred_mutations SET attempts = $2, next_attempt_at = $3, last_error = $4 WHERE id = $1`,
		id, attempts, next, nullStr(lastErr))
	if err != nil {
		return eris.Wrapf(err, "postgres: reschedule deferred %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: deferred %d", id)
	}
	return nil
}

// DeleteDeferred removes an applied mutation.
func (s *PostgresStore) DeleteDeferred(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM deferred_mutations WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: delete deferred %d", id)
}

// CountDeferred returns the queue length.
func (s *PostgresStore) CountDeferred(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deferred_mutations`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count deferred")
}

// --- Taxonomy ---

// SaveTaxonomy publishes a taxonomy version. Rules are merged with a bulk
// upsert so republishing a version is idempotent.
func (s *PostgresStore) SaveTaxonomy(ctx context.Context, tax TaxonomyVersion) error {
	if tax.CreatedAt.IsZero() {
		tax.CreatedAt = s.opts.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO taxonomy_versions (version, document, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (version) DO UPDATE SET document = EXCLUDED.document`,
		tax.Version, string(tax.Document), tax.CreatedAt)
	if err != nil {
		return eris.Wrapf(err, "postgres: save taxonomy %s", tax.Version)
	}

	rows := make([][]any, len(tax.Rules))
	for i, r := range tax.Rules {
		rows[i] = []any{tax.Version, r.Position, r.RawCategory, r.CutFilter, r.CanonicalFamily, r.CanonicalSpecies}
	}
	_, err = db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:         "taxonomy_rules",
		Columns:       []string{"version", "position", "raw_category", "cut_filter", "canonical_family", "canonical_species"},
		ConflictKeys:  []string{"version", "position"},
		OnlyIfChanged: true,
	}, rows)
	return eris.Wrapf(err, "postgres: save taxonomy rules %s", tax.Version)
}

// LoadTaxonomy returns a published version, or the latest one when version
// is empty.
func (s *PostgresStore) LoadTaxonomy(ctx context.Context, version string) (*TaxonomyVersion, error) {
	query := `SELECT version, document, created_at FROM taxonomy_versions WHERE version = $1`
	args := []any{version}
	if version == "" {
		query = `SELECT version, document, created_at FROM taxonomy_versions ORDER BY created_at DESC LIMIT 1`
		args = nil
	}

	var tax TaxonomyVersion
	var doc string
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&tax.Version, &doc, &tax.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: taxonomy %q", version)
		}
		return nil, eris.Wrapf(err, "postgres: load taxonomy %q", version)
	}
	tax.Document = []byte(doc)

	rows, err := s.pool.Query(ctx,
		`SELECT position, raw_category, cut_filter, canonical_family, canonical_species
		 FROM taxonomy_rules WHERE version = $1 ORDER BY position`, tax.Version)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load taxonomy rules %s", tax.Version)
	}
	defer rows.Close()
	for rows.Next() {
		var r TaxonomyRule
		if err := rows.Scan(&r.Position, &r.RawCategory, &r.CutFilter, &r.CanonicalFamily, &r.CanonicalSpecies); err != nil {
			return nil, eris.Wrap(err, "postgres: scan taxonomy rule")
		}
		tax.Rules = append(tax.Rules, r)
	}
	return &tax, eris.Wrap(rows.Err(), "postgres: load taxonomy rules iterate")
}
