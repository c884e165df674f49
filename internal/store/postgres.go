package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/agrisubsidy/harvest-cli/internal/db"
	"github.com/agrisubsidy/harvest-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS raw_pages (
	id               TEXT PRIMARY KEY,
	run_id           TEXT,
	source_site      TEXT NOT NULL,
	source_url       TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	language         TEXT NOT NULL DEFAULT '',
	raw_html         TEXT NOT NULL DEFAULT '',
	raw_text         TEXT NOT NULL DEFAULT '',
	text_markdown    TEXT NOT NULL DEFAULT '',
	content_hash     TEXT NOT NULL DEFAULT '',
	attachment_paths JSONB NOT NULL DEFAULT '[]',
	attachment_count INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'scraped',
	scrape_timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT raw_pages_site_url_key UNIQUE (source_site, source_url)
);

CREATE TABLE IF NOT EXISTS harvest_runs (
	id                 TEXT PRIMARY KEY,
	source_sites       JSONB NOT NULL DEFAULT '[]',
	status             TEXT NOT NULL DEFAULT 'running',
	pages_discovered   INTEGER NOT NULL DEFAULT 0,
	pages_inserted     INTEGER NOT NULL DEFAULT 0,
	duplicates         INTEGER NOT NULL DEFAULT 0,
	skipped            INTEGER NOT NULL DEFAULT 0,
	errors             INTEGER NOT NULL DEFAULT 0,
	orphans_reconciled INTEGER NOT NULL DEFAULT 0,
	error              TEXT NOT NULL DEFAULT '',
	started_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS extraction_attempts (
	id                 TEXT PRIMARY KEY,
	document_id        TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
	local_confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	extraction_method  TEXT NOT NULL DEFAULT '',
	tokens_used        INTEGER,
	processing_time_ms BIGINT,
	extracted_fields   JSONB NOT NULL DEFAULT '{}',
	mapped_fields      JSONB NOT NULL DEFAULT '{}',
	validation_errors  JSONB NOT NULL DEFAULT '[]',
	unmapped_fields    JSONB NOT NULL DEFAULT '[]',
	error_message      TEXT,
	ai_attempted       BOOLEAN NOT NULL DEFAULT false,
	ai_error           TEXT NOT NULL DEFAULT '',
	model              TEXT NOT NULL DEFAULT '',
	cost_usd           DOUBLE PRECISION NOT NULL DEFAULT 0,
	input              JSONB NOT NULL DEFAULT '{}',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS async_jobs (
	id            TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL,
	attempt_id    TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'queued',
	error_message TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_raw_pages_run_id ON raw_pages(run_id);
CREATE INDEX IF NOT EXISTS idx_raw_pages_site_ts ON raw_pages(source_site, scrape_timestamp);
CREATE INDEX IF NOT EXISTS idx_raw_pages_orphans ON raw_pages(scrape_timestamp) WHERE run_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_attempts_document ON extraction_attempts(document_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_document ON async_jobs(document_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Raw pages ---

const pgPageColumns = `id, run_id, source_site, source_url, title, language, raw_html, raw_text,
	text_markdown, content_hash, attachment_paths, attachment_count, status, scrape_timestamp`

func (s *PostgresStore) InsertRawPage(ctx context.Context, p *model.RawPage) error {
	paths, err := encodeStrings(p.AttachmentPaths)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attachment paths")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO raw_pages (`+pgPageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT ON CONSTRAINT raw_pages_site_url_key DO NOTHING`,
		p.ID, p.RunID, p.SourceSite, p.SourceURL, p.Title, p.Language, p.RawHTML, p.RawText,
		p.TextMarkdown, p.ContentHash, paths, p.AttachmentCount, string(p.Status), p.ScrapeTimestamp,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return eris.Wrapf(ErrDuplicate, "postgres: insert page %s", p.SourceURL)
		}
		return eris.Wrapf(err, "postgres: insert page %s", p.SourceURL)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrDuplicate, "postgres: insert page %s", p.SourceURL)
	}
	return nil
}

func (s *PostgresStore) GetRawPage(ctx context.Context, id string) (*model.RawPage, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgPageColumns+` FROM raw_pages WHERE id = $1`, id)
	p, err := scanPgPage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get page %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get page %s", id)
	}
	return p, nil
}

func (s *PostgresStore) PageExists(ctx context.Context, sourceSite, sourceURL string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM raw_pages WHERE source_site = $1 AND source_url = $2)`,
		sourceSite, sourceURL,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "postgres: page exists")
	}
	return exists, nil
}

func (s *PostgresStore) ListRawPages(ctx context.Context, f model.PageFilter) ([]model.RawPage, error) {
	query := `SELECT ` + pgPageColumns + ` FROM raw_pages WHERE 1=1`
	var args []any
	if f.SourceSite != "" {
		args = append(args, f.SourceSite)
		query += fmt.Sprintf(` AND source_site = $%d`, len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if f.RunID != "" {
		args = append(args, f.RunID)
		query += fmt.Sprintf(` AND run_id = $%d`, len(args))
	}
	query += ` ORDER BY scrape_timestamp DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pages")
	}
	defer rows.Close()

	var pages []model.RawPage
	for rows.Next() {
		p, err := scanPgPage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan page")
		}
		pages = append(pages, *p)
	}
	return pages, eris.Wrap(rows.Err(), "postgres: iterate pages")
}

func (s *PostgresStore) UpdatePageStatus(ctx context.Context, id string, status model.PageStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE raw_pages SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update page status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: page %s", id)
	}
	return nil
}

func (s *PostgresStore) BackfillRunID(ctx context.Context, sourceSites []string, runID string, since time.Time) (int, error) {
	if len(sourceSites) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE raw_pages SET run_id = $1
		WHERE run_id IS NULL AND scrape_timestamp >= $2 AND source_site = ANY($3)`,
		runID, since, sourceSites,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: backfill run id")
	}
	return int(tag.RowsAffected()), nil
}

func scanPgPage(row pgx.Row) (*model.RawPage, error) {
	var (
		p      model.RawPage
		status string
		paths  []byte
	)
	err := row.Scan(&p.ID, &p.RunID, &p.SourceSite, &p.SourceURL, &p.Title, &p.Language, &p.RawHTML, &p.RawText,
		&p.TextMarkdown, &p.ContentHash, &paths, &p.AttachmentCount, &status, &p.ScrapeTimestamp)
	if err != nil {
		return nil, err
	}
	p.Status = model.PageStatus(status)
	if p.AttachmentPaths, err = decodeStrings(paths); err != nil {
		return nil, eris.Wrap(err, "unmarshal attachment paths")
	}
	return &p, nil
}

// --- Harvest runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, r *model.HarvestRun) error {
	sites, err := encodeStrings(r.SourceSites)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal source sites")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO harvest_runs (id, source_sites, status, started_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET source_sites = EXCLUDED.source_sites, status = EXCLUDED.status,
			started_at = EXCLUDED.started_at, finished_at = NULL, error = ''`,
		r.ID, sites, string(r.Status), r.StartedAt,
	)
	return eris.Wrapf(err, "postgres: create run %s", r.ID)
}

func (s *PostgresStore) FinishRun(ctx context.Context, r *model.HarvestRun) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE harvest_runs SET status = $1, pages_discovered = $2, pages_inserted = $3, duplicates = $4,
			skipped = $5, errors = $6, orphans_reconciled = $7, error = $8, finished_at = $9
		WHERE id = $10`,
		string(r.Status), r.PagesDiscovered, r.PagesInserted, r.Duplicates,
		r.Skipped, r.Errors, r.OrphansReconciled, r.Error, r.FinishedAt, r.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", r.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", r.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.HarvestRun, error) {
	var (
		r      model.HarvestRun
		sites  []byte
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, source_sites, status, pages_discovered, pages_inserted, duplicates, skipped, errors,
			orphans_reconciled, error, started_at, finished_at
		FROM harvest_runs WHERE id = $1`, id,
	).Scan(&r.ID, &sites, &status, &r.PagesDiscovered, &r.PagesInserted, &r.Duplicates, &r.Skipped, &r.Errors,
		&r.OrphansReconciled, &r.Error, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	r.Status = model.RunStatus(status)
	if r.SourceSites, err = decodeStrings(sites); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal source sites")
	}
	return &r, nil
}

// --- Extraction attempts ---

const pgAttemptColumns = `id, document_id, status, confidence, local_confidence, extraction_method,
	tokens_used, processing_time_ms, extracted_fields, mapped_fields, validation_errors, unmapped_fields,
	error_message, ai_attempted, ai_error, model, cost_usd, input, created_at, updated_at`

func (s *PostgresStore) CreateAttempt(ctx context.Context, a *model.ExtractionAttempt) error {
	j, err := encodeAttempt(a)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO extraction_attempts (`+pgAttemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		a.ID, a.DocumentID, string(a.Status), a.Confidence, a.LocalConfidence, string(a.ExtractionMethod),
		a.TokensUsed, a.ProcessingTimeMs, j.extracted, j.mapped, j.validation, j.unmapped,
		a.ErrorMessage, a.AIAttempted, a.AIError, a.Model, a.CostUSD, j.input, a.CreatedAt, a.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: create attempt %s", a.ID)
}

func (s *PostgresStore) UpdateAttempt(ctx context.Context, a *model.ExtractionAttempt) error {
	j, err := encodeAttempt(a)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE extraction_attempts SET status = $1, confidence = $2, local_confidence = $3, extraction_method = $4,
			tokens_used = $5, processing_time_ms = $6, extracted_fields = $7, mapped_fields = $8,
			validation_errors = $9, unmapped_fields = $10, error_message = $11, ai_attempted = $12,
			ai_error = $13, model = $14, cost_usd = $15, updated_at = $16
		WHERE id = $17 AND status NOT IN ('completed', 'failed')`,
		string(a.Status), a.Confidence, a.LocalConfidence, string(a.ExtractionMethod),
		a.TokensUsed, a.ProcessingTimeMs, j.extracted, j.mapped,
		j.validation, j.unmapped, a.ErrorMessage, a.AIAttempted,
		a.AIError, a.Model, a.CostUSD, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update attempt %s", a.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrFinal(ctx, "extraction_attempts", "attempt", a.ID)
	}
	return nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (*model.ExtractionAttempt, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgAttemptColumns+` FROM extraction_attempts WHERE id = $1`, id)
	a, err := scanPgAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get attempt %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get attempt %s", id)
	}
	return a, nil
}

// LatestAttempt returns the current attempt for a document, or nil when the
// document has none.
func (s *PostgresStore) LatestAttempt(ctx context.Context, documentID string) (*model.ExtractionAttempt, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgAttemptColumns+` FROM extraction_attempts
		WHERE document_id = $1 ORDER BY created_at DESC LIMIT 1`, documentID)
	a, err := scanPgAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest attempt %s", documentID)
	}
	return a, nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, f AttemptFilter) ([]model.ExtractionAttempt, error) {
	query := `SELECT ` + pgAttemptColumns + ` FROM extraction_attempts WHERE 1=1`
	var args []any
	if len(f.DocumentIDs) > 0 {
		args = append(args, f.DocumentIDs)
		query += fmt.Sprintf(` AND document_id = ANY($%d)`, len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	var out []model.ExtractionAttempt
	for rows.Next() {
		a, err := scanPgAttempt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate attempts")
}

func scanPgAttempt(row pgx.Row) (*model.ExtractionAttempt, error) {
	var (
		a              model.ExtractionAttempt
		status, method string
		j              attemptJSON
	)
	err := row.Scan(&a.ID, &a.DocumentID, &status, &a.Confidence, &a.LocalConfidence, &method,
		&a.TokensUsed, &a.ProcessingTimeMs, &j.extracted, &j.mapped, &j.validation, &j.unmapped,
		&a.ErrorMessage, &a.AIAttempted, &a.AIError, &a.Model, &a.CostUSD, &j.input, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = model.AttemptStatus(status)
	a.ExtractionMethod = model.ExtractionMethod(method)
	if err := decodeAttempt(&a, j); err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Async jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.AsyncJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO async_jobs (id, document_id, attempt_id, status, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.DocumentID, job.AttemptID, string(job.Status), job.ErrorMessage, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: create job %s", job.ID)
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.AsyncJob) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE async_jobs SET status = $1, attempt_id = $2, error_message = $3, updated_at = $4
		WHERE id = $5 AND status NOT IN ('completed', 'failed')`,
		string(job.Status), job.AttemptID, job.ErrorMessage, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrFinal(ctx, "async_jobs", "job", job.ID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.AsyncJob, error) {
	var (
		job    model.AsyncJob
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, document_id, attempt_id, status, error_message, created_at, updated_at
		FROM async_jobs WHERE id = $1`, id,
	).Scan(&job.ID, &job.DocumentID, &job.AttemptID, &status, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	job.Status = model.JobStatus(status)
	return &job, nil
}

func (s *PostgresStore) missingOrFinal(ctx context.Context, table, entity, id string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return eris.Wrapf(err, "postgres: check %s %s", entity, id)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "postgres: %s %s", entity, id)
	}
	return eris.Wrapf(ErrFinal, "postgres: %s %s", entity, id)
}
