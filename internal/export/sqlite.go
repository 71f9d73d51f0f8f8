package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/spigell/doc-evaluator/internal/evaluation"
)

// ErrNotFound is returned when a report id is unknown.
var ErrNotFound = errors.New("report not found")

// SQLiteStore keeps reports in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// ReportSummary is one row of the report listing.
type ReportSummary struct {
	ID         string
	Name       string
	SourceFile string
	Score      float64
	Rating     string
	Status     string
	CreatedAt  time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
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
CREATE TABLE IF NOT EXISTS evaluations (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	source_file TEXT NOT NULL,
	score       REAL NOT NULL,
	rating      TEXT NOT NULL,
	status      TEXT NOT NULL,
	report      TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS unable_to_evaluate (
	evaluation_id TEXT NOT NULL REFERENCES evaluations(id),
	field_name    TEXT NOT NULL,
	reason        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_name ON evaluations(name);
CREATE INDEX IF NOT EXISTS idx_unable_to_evaluate_evaluation_id ON unable_to_evaluate(evaluation_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Export saves the report and returns its id.
func (s *SQLiteStore) Export(ctx context.Context, report *evaluation.Report, name string) (string, error) {
	return s.SaveReport(ctx, report, name)
}

// SaveReport stores the report with its ledger in one transaction. The run id
// is reused as the row id when present.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *evaluation.Report, name string) (string, error) {
	if report == nil {
		return "", eris.New("sqlite: report is required")
	}

	id := report.Metadata.RunID
	if id == "" {
		id = uuid.New().String()
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal report")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO evaluations (id, name, source_file, score, rating, status, report, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, name, report.Metadata.SourceFile, report.Overall.Score, report.Overall.Rating, report.Status, string(reportJSON), time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: insert evaluation %s", id)
	}

	for _, entry := range report.Summary.UnableToEvaluate {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO unable_to_evaluate (evaluation_id, field_name, reason) VALUES (?, ?, ?)`,
			id, entry.FieldName, entry.Reason,
		); err != nil {
			return "", eris.Wrapf(err, "sqlite: insert ledger entry %s", entry.FieldName)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", eris.Wrap(err, "sqlite: commit")
	}
	return id, nil
}

// GetReport loads a stored report.
func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*evaluation.Report, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM evaluations WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get report %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get report %s", id)
	}

	var report evaluation.Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal report %s", id)
	}
	return &report, nil
}

// ListReports returns the most recent reports first.
func (s *SQLiteStore) ListReports(ctx context.Context, limit int) ([]ReportSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, source_file, score, rating, status, created_at FROM evaluations ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reports")
	}
	defer rows.Close()

	var out []ReportSummary
	for rows.Next() {
		var r ReportSummary
		if err := rows.Scan(&r.ID, &r.Name, &r.SourceFile, &r.Score, &r.Rating, &r.Status, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan report")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate reports")
}

// UnableToEvaluate returns the ledger rows stored for a report.
func (s *SQLiteStore) UnableToEvaluate(ctx context.Context, id string) ([]evaluation.CannotEvaluateEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field_name, reason FROM unable_to_evaluate WHERE evaluation_id = ? ORDER BY rowid`,
		id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list ledger %s", id)
	}
	defer rows.Close()

	var out []evaluation.CannotEvaluateEntry
	for rows.Next() {
		var entry evaluation.CannotEvaluateEntry
		if err := rows.Scan(&entry.FieldName, &entry.Reason); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger entry")
		}
		out = append(out, entry)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate ledger")
}
