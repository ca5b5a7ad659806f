package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/keisan/internal/model"
)

// CreateCompany inserts a company and returns its id.
func (db *DB) CreateCompany(ctx context.Context, name string) (uuid.UUID, error) {
	id := uuid.New()
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO companies (id, name, created_at) VALUES ($1, $2, $3)`,
		id, name, time.Now().UTC(),
	); err != nil {
		return uuid.Nil, fmt.Errorf("storage: create company: %w", err)
	}
	return id, nil
}

// ListCompanyIDs returns the ids of companies that own at least one
// calculated metric, oldest first.
func (db *DB) ListCompanyIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT c.id FROM companies c
		 WHERE EXISTS (SELECT 1 FROM metrics m WHERE m.company_id = c.id AND m.is_calculated)
		 ORDER BY c.created_at, c.id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list companies: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: list companies: %w", err)
	}
	return ids, nil
}

// CreateMetric inserts a metric definition. A zero ID is replaced with a new one.
func (db *DB) CreateMetric(ctx context.Context, m model.MetricDefinition) (model.MetricDefinition, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	var formula *string
	if m.IsCalculated {
		formula = &m.Formula
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO metrics (id, company_id, name, is_calculated, formula, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.CompanyID, m.Name, m.IsCalculated, formula, m.CreatedAt,
	); err != nil {
		return model.MetricDefinition{}, fmt.Errorf("storage: create metric: %w", err)
	}
	return m, nil
}

// UpdateFormula replaces a calculated metric's stored formula.
func (db *DB) UpdateFormula(ctx context.Context, companyID, metricID uuid.UUID, formula string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE metrics SET formula = $1 WHERE id = $2 AND company_id = $3 AND is_calculated`,
		formula, metricID, companyID,
	)
	if err != nil {
		return fmt.Errorf("storage: update formula: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: calculated metric %s: %w", metricID, ErrNotFound)
	}
	return nil
}

// DeleteMetric removes a metric and, through the foreign key, its values.
func (db *DB) DeleteMetric(ctx context.Context, companyID, metricID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM metrics WHERE id = $1 AND company_id = $2`, metricID, companyID)
	if err != nil {
		return fmt.Errorf("storage: delete metric: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: metric %s: %w", metricID, ErrNotFound)
	}
	return nil
}

// ListCalculatedMetrics returns the company's calculated metric definitions.
func (db *DB) ListCalculatedMetrics(ctx context.Context, companyID uuid.UUID) ([]model.MetricDefinition, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, company_id, name, is_calculated, COALESCE(formula, ''), created_at
		 FROM metrics
		 WHERE company_id = $1 AND is_calculated
		 ORDER BY created_at, id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("storage: list calculated metrics: %w", err)
	}
	defer rows.Close()

	var defs []model.MetricDefinition
	for rows.Next() {
		var d model.MetricDefinition
		if err := rows.Scan(&d.ID, &d.CompanyID, &d.Name, &d.IsCalculated, &d.Formula, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan metric: %w", err)
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list calculated metrics: %w", err)
	}
	return defs, nil
}
