// Package sqlite is a single-file storage backend for keisan built on the
// pure-Go modernc SQLite driver. It implements the same definition, value and
// company contracts as the PostgreSQL store, for local use and fast tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ashita-ai/keisan/internal/model"
	"github.com/ashita-ai/keisan/internal/storage"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS companies (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metrics (
	id            TEXT PRIMARY KEY,
	company_id    TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	name          TEXT NOT NULL,
	is_calculated INTEGER NOT NULL DEFAULT 0,
	formula       TEXT,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_company ON metrics(company_id, is_calculated);

CREATE TABLE IF NOT EXISTS metric_values (
	metric_id          TEXT NOT NULL REFERENCES metrics(id) ON DELETE CASCADE,
	period_date        TEXT NOT NULL,
	value              REAL,
	is_manual_override INTEGER NOT NULL DEFAULT 0,
	updated_at         TEXT NOT NULL,
	PRIMARY KEY (metric_id, period_date)
);
`

// Store is a SQLite-backed metrics store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
// Use MemoryPath for a throwaway database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == MemoryPath {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// A single connection avoids "database is locked" errors and keeps an
	// in-memory database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %q: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	logger.Info("sqlite: store ready", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateCompany inserts a company and returns its id.
func (s *Store) CreateCompany(ctx context.Context, name string) (uuid.UUID, error) {
	id := uuid.New()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO companies (id, name, created_at) VALUES (?, ?, ?)`,
		id.String(), name, formatTime(time.Now()),
	); err != nil {
		return uuid.Nil, fmt.Errorf("sqlite: create company: %w", err)
	}
	return id, nil
}

// ListCompanyIDs returns the ids of companies that own at least one
// calculated metric, oldest first.
func (s *Store) ListCompanyIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id FROM companies c
		 WHERE EXISTS (SELECT 1 FROM metrics m WHERE m.company_id = c.id AND m.is_calculated = 1)
		 ORDER BY c.created_at, c.id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list companies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan company: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse company id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateMetric inserts a metric definition. A zero ID is replaced with a new one.
func (s *Store) CreateMetric(ctx context.Context, m model.MetricDefinition) (model.MetricDefinition, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	var formula sql.NullString
	if m.IsCalculated {
		formula = sql.NullString{String: m.Formula, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (id, company_id, name, is_calculated, formula, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.CompanyID.String(), m.Name, m.IsCalculated, formula, formatTime(m.CreatedAt),
	); err != nil {
		return model.MetricDefinition{}, fmt.Errorf("sqlite: create metric: %w", err)
	}
	return m, nil
}

// DeleteMetric removes a metric and, through the foreign key, its values.
func (s *Store) DeleteMetric(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM metrics WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("sqlite: delete metric: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: delete metric %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ListCalculatedMetrics returns the company's calculated metric definitions.
func (s *Store) ListCalculatedMetrics(ctx context.Context, companyID uuid.UUID) ([]model.MetricDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company_id, name, is_calculated, COALESCE(formula, ''), created_at
		 FROM metrics WHERE company_id = ? AND is_calculated = 1
		 ORDER BY created_at, id`,
		companyID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list calculated metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []model.MetricDefinition
	for rows.Next() {
		var (
			d                  model.MetricDefinition
			id, company, ctime string
		)
		if err := rows.Scan(&id, &company, &d.Name, &d.IsCalculated, &d.Formula, &ctime); err != nil {
			return nil, fmt.Errorf("sqlite: scan metric: %w", err)
		}
		if d.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse metric id: %w", err)
		}
		if d.CompanyID, err = uuid.Parse(company); err != nil {
			return nil, fmt.Errorf("sqlite: parse company id: %w", err)
		}
		if d.CreatedAt, err = parseTime(ctime); err != nil {
			return nil, fmt.Errorf("sqlite: parse created_at: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// LoadMetricValues returns the values of metricIDs owned by companyID, within
// rng when its bounds are set, ordered by metric and period.
func (s *Store) LoadMetricValues(ctx context.Context, companyID uuid.UUID, metricIDs []uuid.UUID, rng model.DateRange) ([]model.MetricValue, error) {
	if len(metricIDs) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(metricIDs)+3)
	args = append(args, companyID.String())
	marks := make([]string, len(metricIDs))
	for i, id := range metricIDs {
		marks[i] = "?"
		args = append(args, id.String())
	}

	query := `SELECT v.metric_id, v.period_date, v.value, v.is_manual_override
		FROM metric_values v JOIN metrics m ON m.id = v.metric_id
		WHERE m.company_id = ? AND v.metric_id IN (` + strings.Join(marks, ", ") + `)`
	if rng.Start != "" {
		query += ` AND v.period_date >= ?`
		args = append(args, string(rng.Start))
	}
	if rng.End != "" {
		query += ` AND v.period_date <= ?`
		args = append(args, string(rng.End))
	}
	query += ` ORDER BY v.metric_id, v.period_date`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load metric values: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var values []model.MetricValue
	for rows.Next() {
		var (
			v      model.MetricValue
			id     string
			period string
			value  sql.NullFloat64
		)
		if err := rows.Scan(&id, &period, &value, &v.IsManualOverride); err != nil {
			return nil, fmt.Errorf("sqlite: scan metric value: %w", err)
		}
		if v.MetricID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse metric id: %w", err)
		}
		v.Period = model.Period(period)
		if value.Valid {
			f := value.Float64
			v.Value = &f
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// UpsertMetricValues writes values keyed by (metric id, period), replacing
// existing rows. With preserveOverrides, existing rows flagged as manual
// overrides are left untouched. It returns the number of rows written.
func (s *Store) UpsertMetricValues(ctx context.Context, values []model.MetricValue, preserveOverrides bool) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}

	query := `INSERT INTO metric_values (metric_id, period_date, value, is_manual_override, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (metric_id, period_date) DO UPDATE SET
			value = excluded.value,
			is_manual_override = excluded.is_manual_override,
			updated_at = excluded.updated_at`
	if preserveOverrides {
		query += ` WHERE metric_values.is_manual_override = 0`
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := formatTime(time.Now())
	var written int64
	for _, v := range values {
		var value sql.NullFloat64
		if v.Value != nil {
			value = sql.NullFloat64{Float64: *v.Value, Valid: true}
		}
		res, err := stmt.ExecContext(ctx, v.MetricID.String(), string(v.Period), value, v.IsManualOverride, now)
		if err != nil {
			return 0, fmt.Errorf("sqlite: upsert metric value %s@%s: %w", v.MetricID, v.Period, err)
		}
		n, _ := res.RowsAffected()
		written += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit upsert: %w", err)
	}
	return written, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Join(errors.New("invalid timestamp"), err)
	}
	return t, nil
}
