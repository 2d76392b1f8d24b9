package reportstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/7and1/thedoorpost/internal/analyzer"
)

// PgxIface is the subset of pgxpool.Pool the durable store needs. pgxmock
// satisfies it in tests.
type PgxIface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const createReportsTable = `
CREATE TABLE IF NOT EXISTS reports (
	id              TEXT PRIMARY KEY,
	url             TEXT NOT NULL,
	score           INTEGER NOT NULL,
	summary         TEXT NOT NULL,
	screenshot_path TEXT NOT NULL DEFAULT '',
	image_url       TEXT NOT NULL DEFAULT '',
	user_email      TEXT NOT NULL DEFAULT '',
	data            JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS reports_url_idx ON reports (url, created_at DESC);
CREATE INDEX IF NOT EXISTS reports_user_email_idx ON reports (user_email);
CREATE INDEX IF NOT EXISTS reports_score_idx ON reports (score DESC, created_at DESC);
`

// Postgres implements Durable on a pgx connection pool.
type Postgres struct {
	db PgxIface
}

// NewPostgres wraps the pool.
func NewPostgres(db PgxIface) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the reports schema if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, createReportsTable); err != nil {
		return fmt.Errorf("migrate reports table: %w", err)
	}
	return nil
}

const insertReportSQL = `
INSERT INTO reports (id, url, score, summary, screenshot_path, image_url, user_email, data, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Insert stores one immutable report row.
func (p *Postgres) Insert(ctx context.Context, report analyzer.StoredReport) error {
	data, err := json.Marshal(report.Data)
	if err != nil {
		return fmt.Errorf("encode report data: %w", err)
	}
	_, err = p.db.Exec(ctx, insertReportSQL,
		report.ID, report.URL, report.Score, report.Summary,
		report.ScreenshotPath, report.ImageURL, report.UserEmail,
		data, report.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert report %s: %w", report.ID, err)
	}
	return nil
}

const selectReportColumns = `id, url, score, summary, screenshot_path, image_url, user_email, data, created_at`

// GetByURL returns the most recent report for the URL.
func (p *Postgres) GetByURL(ctx context.Context, url string) (analyzer.StoredReport, error) {
	row := p.db.QueryRow(ctx,
		`SELECT `+selectReportColumns+` FROM reports WHERE url = $1 ORDER BY created_at DESC LIMIT 1`, url)
	return scanReport(row)
}

// GetByID returns the report with the given ID.
func (p *Postgres) GetByID(ctx context.Context, id string) (analyzer.StoredReport, error) {
	row := p.db.QueryRow(ctx,
		`SELECT `+selectReportColumns+` FROM reports WHERE id = $1`, id)
	return scanReport(row)
}

// Delete removes the row and returns it so callers can clean up the cache
// and screenshot.
func (p *Postgres) Delete(ctx context.Context, id string) (analyzer.StoredReport, error) {
	row := p.db.QueryRow(ctx,
		`DELETE FROM reports WHERE id = $1 RETURNING `+selectReportColumns, id)
	return scanReport(row)
}

// ListByEmail returns all reports submitted with the email.
func (p *Postgres) ListByEmail(ctx context.Context, email string) ([]analyzer.StoredReport, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+selectReportColumns+` FROM reports WHERE user_email = $1`, email)
	if err != nil {
		return nil, fmt.Errorf("list reports by email: %w", err)
	}
	return collectReports(rows)
}

// ListBest returns up to limit reports scoring at or above minScore, best
// first.
func (p *Postgres) ListBest(ctx context.Context, minScore, limit int) ([]analyzer.StoredReport, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+selectReportColumns+` FROM reports WHERE score >= $1 ORDER BY score DESC, created_at DESC LIMIT $2`,
		minScore, limit)
	if err != nil {
		return nil, fmt.Errorf("list best reports: %w", err)
	}
	return collectReports(rows)
}

// ListLowScoring returns up to limit reports scoring at or below maxScore,
// newest first.
func (p *Postgres) ListLowScoring(ctx context.Context, maxScore, limit int) ([]analyzer.StoredReport, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+selectReportColumns+` FROM reports WHERE score <= $1 ORDER BY created_at DESC LIMIT $2`,
		maxScore, limit)
	if err != nil {
		return nil, fmt.Errorf("list low scoring reports: %w", err)
	}
	return collectReports(rows)
}

func collectReports(rows pgx.Rows) ([]analyzer.StoredReport, error) {
	defer rows.Close()
	var reports []analyzer.StoredReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return reports, nil
}

func scanReport(row pgx.Row) (analyzer.StoredReport, error) {
	var report analyzer.StoredReport
	var data []byte
	err := row.Scan(&report.ID, &report.URL, &report.Score, &report.Summary,
		&report.ScreenshotPath, &report.ImageURL, &report.UserEmail,
		&data, &report.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return analyzer.StoredReport{}, analyzer.ErrNotFound
		}
		return analyzer.StoredReport{}, fmt.Errorf("scan report: %w", err)
	}
	if err := json.Unmarshal(data, &report.Data); err != nil {
		return analyzer.StoredReport{}, fmt.Errorf("decode report data: %w", err)
	}
	return report, nil
}
