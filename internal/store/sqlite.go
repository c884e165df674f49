package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/agrisubsidy/harvest-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps the pragmas below in force and serialises writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
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
	attachment_paths TEXT NOT NULL DEFAULT '[]',
	attachment_count INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'scraped',
	scrape_timestamp DATETIME NOT NULL,
	UNIQUE (source_site, source_url)
);

CREATE TABLE IF NOT EXISTS harvest_runs (
	id                 TEXT PRIMARY KEY,
	source_sites       TEXT NOT NULL DEFAULT '[]',
	status             TEXT NOT NULL DEFAULT 'running',
	pages_discovered   INTEGER NOT NULL DEFAULT 0,
	pages_inserted     INTEGER NOT NULL DEFAULT 0,
	duplicates         INTEGER NOT NULL DEFAULT 0,
	skipped            INTEGER NOT NULL DEFAULT 0,
	errors             INTEGER NOT NULL DEFAULT 0,
	orphans_reconciled INTEGER NOT NULL DEFAULT 0,
	error              TEXT NOT NULL DEFAULT '',
	started_at         DATETIME NOT NULL,
	finished_at        DATETIME
);

CREATE TABLE IF NOT EXISTS extraction_attempts (
	id                 TEXT PRIMARY KEY,
	document_id        TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	confidence         REAL NOT NULL DEFAULT 0,
	local_confidence   REAL NOT NULL DEFAULT 0,
	extraction_method  TEXT NOT NULL DEFAULT '',
	tokens_used        INTEGER,
	processing_time_ms INTEGER,
	extracted_fields   TEXT NOT NULL DEFAULT '{}',
	mapped_fields      TEXT NOT NULL DEFAULT '{}',
	validation_errors  TEXT NOT NULL DEFAULT '[]',
	unmapped_fields    TEXT NOT NULL DEFAULT '[]',
	error_message      TEXT,
	ai_attempted       BOOLEAN NOT NULL DEFAULT 0,
	ai_error           TEXT NOT NULL DEFAULT '',
	model              TEXT NOT NULL DEFAULT '',
	cost_usd           REAL NOT NULL DEFAULT 0,
	input              TEXT NOT NULL DEFAULT '{}',
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS async_jobs (
	id            TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL,
	attempt_id    TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'queued',
	error_message TEXT,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_pages_run_id ON raw_pages(run_id);
CREATE INDEX IF NOT EXISTS idx_raw_pages_site_ts ON raw_pages(source_site, scrape_timestamp);
CREATE INDEX IF NOT EXISTS idx_raw_pages_status ON raw_pages(status);
CREATE INDEX IF NOT EXISTS idx_attempts_document ON extraction_attempts(document_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_document ON async_jobs(document_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Raw pages ---

const sqlitePageColumns = `id, run_id, source_site, source_url, title, language, raw_html, raw_text,
	text_markdown, content_hash, attachment_paths, attachment_count, status, scrape_timestamp`

func (s *SQLiteStore) InsertRawPage(ctx context.Context, p *model.RawPage) error {
	paths, err := encodeStrings(p.AttachmentPaths)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attachment paths")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_pages (`+sqlitePageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_site, source_url) DO NOTHING`,
		p.ID, p.RunID, p.SourceSite, p.SourceURL, p.Title, p.Language, p.RawHTML, p.RawText,
		p.TextMarkdown, p.ContentHash, string(paths), p.AttachmentCount, string(p.Status), p.ScrapeTimestamp.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return eris.Wrapf(ErrDuplicate, "sqlite: insert page %s", p.SourceURL)
		}
		return eris.Wrapf(err, "sqlite: insert page %s", p.SourceURL)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrDuplicate, "sqlite: insert page %s", p.SourceURL)
	}
	return nil
}

func (s *SQLiteStore) GetRawPage(ctx context.Context, id string) (*model.RawPage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqlitePageColumns+` FROM raw_pages WHERE id = ?`, id)
	p, err := scanSQLitePage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get page %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get page %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) PageExists(ctx context.Context, sourceSite, sourceURL string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM raw_pages WHERE source_site = ? AND source_url = ?`,
		sourceSite, sourceURL,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: page exists")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListRawPages(ctx context.Context, f model.PageFilter) ([]model.RawPage, error) {
	query := `SELECT ` + sqlitePageColumns + ` FROM raw_pages WHERE 1=1`
	var args []any
	if f.SourceSite != "" {
		query += ` AND source_site = ?`
		args = append(args, f.SourceSite)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	query += ` ORDER BY scrape_timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pages")
	}
	defer rows.Close()

	var pages []model.RawPage
	for rows.Next() {
		p, err := scanSQLitePage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan page")
		}
		pages = append(pages, *p)
	}
	return pages, eris.Wrap(rows.Err(), "sqlite: iterate pages")
}

func (s *SQLiteStore) UpdatePageStatus(ctx context.Context, id string, status model.PageStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE raw_pages SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update page status %s", id)
	}
	return checkRowsAffected(res, "page", id)
}

func (s *SQLiteStore) BackfillRunID(ctx context.Context, sourceSites []string, runID string, since time.Time) (int, error) {
	if len(sourceSites) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sourceSites)), ",")
	args := []any{runID, since.UTC()}
	for _, site := range sourceSites {
		args = append(args, site)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE raw_pages SET run_id = ?
		WHERE run_id IS NULL AND scrape_timestamp >= ? AND source_site IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: backfill run id")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

func scanSQLitePage(row interface{ Scan(...any) error }) (*model.RawPage, error) {
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

func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.HarvestRun) error {
	sites, err := encodeStrings(r.SourceSites)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal source sites")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO harvest_runs (id, source_sites, status, started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET source_sites = excluded.source_sites, status = excluded.status,
			started_at = excluded.started_at, finished_at = NULL, error = ''`,
		r.ID, string(sites), string(r.Status), r.StartedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: create run %s", r.ID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, r *model.HarvestRun) error {
	var finished any
	if r.FinishedAt != nil {
		finished = r.FinishedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE harvest_runs SET status = ?, pages_discovered = ?, pages_inserted = ?, duplicates = ?,
			skipped = ?, errors = ?, orphans_reconciled = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		string(r.Status), r.PagesDiscovered, r.PagesInserted, r.Duplicates,
		r.Skipped, r.Errors, r.OrphansReconciled, r.Error, finished, r.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", r.ID)
	}
	return checkRowsAffected(res, "run", r.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.HarvestRun, error) {
	var (
		r      model.HarvestRun
		sites  []byte
		status string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_sites, status, pages_discovered, pages_inserted, duplicates, skipped, errors,
			orphans_reconciled, error, started_at, finished_at
		FROM harvest_runs WHERE id = ?`, id,
	).Scan(&r.ID, &sites, &status, &r.PagesDiscovered, &r.PagesInserted, &r.Duplicates, &r.Skipped, &r.Errors,
		&r.OrphansReconciled, &r.Error, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}
	r.Status = model.RunStatus(status)
	if r.SourceSites, err = decodeStrings(sites); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal source sites")
	}
	return &r, nil
}

// --- Extraction attempts ---

const sqliteAttemptColumns = `id, document_id, status, confidence, local_confidence, extraction_method,
	tokens_used, processing_time_ms, extracted_fields, mapped_fields, validation_errors, unmapped_fields,
	error_message, ai_attempted, ai_error, model, cost_usd, input, created_at, updated_at`

func (s *SQLiteStore) CreateAttempt(ctx context.Context, a *model.ExtractionAttempt) error {
	j, err := encodeAttempt(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extraction_attempts (`+sqliteAttemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DocumentID, string(a.Status), a.Confidence, a.LocalConfidence, string(a.ExtractionMethod),
		a.TokensUsed, a.ProcessingTimeMs, string(j.extracted), string(j.mapped), string(j.validation), string(j.unmapped),
		a.ErrorMessage, a.AIAttempted, a.AIError, a.Model, a.CostUSD, string(j.input), a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: create attempt %s", a.ID)
}

func (s *SQLiteStore) UpdateAttempt(ctx context.Context, a *model.ExtractionAttempt) error {
	j, err := encodeAttempt(a)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_attempts SET status = ?, confidence = ?, local_confidence = ?, extraction_method = ?,
			tokens_used = ?, processing_time_ms = ?, extracted_fields = ?, mapped_fields = ?, validation_errors = ?,
			unmapped_fields = ?, error_message = ?, ai_attempted = ?, ai_error = ?, model = ?, cost_usd = ?,
			updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		string(a.Status), a.Confidence, a.LocalConfidence, string(a.ExtractionMethod),
		a.TokensUsed, a.ProcessingTimeMs, string(j.extracted), string(j.mapped), string(j.validation),
		string(j.unmapped), a.ErrorMessage, a.AIAttempted, a.AIError, a.Model, a.CostUSD,
		a.UpdatedAt.UTC(), a.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update attempt %s", a.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.missingOrFinal(ctx, "extraction_attempts", "attempt", a.ID)
	}
	return nil
}

func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*model.ExtractionAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAttemptColumns+` FROM extraction_attempts WHERE id = ?`, id)
	a, err := scanSQLiteAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get attempt %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get attempt %s", id)
	}
	return a, nil
}

// LatestAttempt returns the current attempt for a document, or nil when the
// document has none.
func (s *SQLiteStore) LatestAttempt(ctx context.Context, documentID string) (*model.ExtractionAttempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAttemptColumns+` FROM extraction_attempts
		WHERE document_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, documentID)
	a, err := scanSQLiteAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest attempt %s", documentID)
	}
	return a, nil
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, f AttemptFilter) ([]model.ExtractionAttempt, error) {
	query := `SELECT ` + sqliteAttemptColumns + ` FROM extraction_attempts WHERE 1=1`
	var args []any
	if len(f.DocumentIDs) > 0 {
		query += ` AND document_id IN (` + strings.TrimSuffix(strings.Repeat("?,", len(f.DocumentIDs)), ",") + `)`
		for _, id := range f.DocumentIDs {
			args = append(args, id)
		}
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close()

	var out []model.ExtractionAttempt
	for rows.Next() {
		a, err := scanSQLiteAttempt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate attempts")
}

func scanSQLiteAttempt(row interface{ Scan(...any) error }) (*model.ExtractionAttempt, error) {
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

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.AsyncJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO async_jobs (id, document_id, attempt_id, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.DocumentID, job.AttemptID, string(job.Status), job.ErrorMessage,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: create job %s", job.ID)
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.AsyncJob) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE async_jobs SET status = ?, attempt_id = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		string(job.Status), job.AttemptID, job.ErrorMessage, job.UpdatedAt.UTC(), job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.missingOrFinal(ctx, "async_jobs", "job", job.ID)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.AsyncJob, error) {
	var (
		job    model.AsyncJob
		status string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, document_id, attempt_id, status, error_message, created_at, updated_at
		FROM async_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.DocumentID, &job.AttemptID, &status, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	job.Status = model.JobStatus(status)
	return &job, nil
}

// missingOrFinal explains why a guarded update touched no rows.
func (s *SQLiteStore) missingOrFinal(ctx context.Context, table, entity, id string) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&n); err != nil {
		return eris.Wrapf(err, "sqlite: check %s %s", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return eris.Wrapf(ErrFinal, "sqlite: %s %s", entity, id)
}

// checkRowsAffected returns ErrNotFound when an update matched nothing.
func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}
