package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/keisan/internal/model"
)

const (
	upsertMaxRetries = 3
	upsertBaseDelay  = 50 * time.Millisecond
)

// LoadMetricValues returns the values of metricIDs owned by companyID, within
// rng when its bounds are set, ordered by metric and period.
func (db *DB) LoadMetricValues(ctx context.Context, companyID uuid.UUID, metricIDs []uuid.UUID, rng model.DateRange) ([]model.MetricValue, error) {
	if len(metricIDs) == 0 {
		return nil, nil
	}

	where, args, err := buildValueWhereClause(companyID, metricIDs, rng)
	if err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx,
		`SELECT v.metric_id, v.period_date, v.value, v.is_manual_override
		 FROM metric_values v
		 JOIN metrics m ON m.id = v.metric_id
		 WHERE `+where+`
		 ORDER BY v.metric_id, v.period_date`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: load metric values: %w", err)
	}
	defer rows.Close()

	var values []model.MetricValue
	for rows.Next() {
		var (
			v      model.MetricValue
			period time.Time
		)
		if err := rows.Scan(&v.MetricID, &period, &v.Value, &v.IsManualOverride); err != nil {
			return nil, fmt.Errorf("storage: scan metric value: %w", err)
		}
		v.Period = model.PeriodFromTime(period)
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: load metric values: %w", err)
	}
	return values, nil
}

func buildValueWhereClause(companyID uuid.UUID, metricIDs []uuid.UUID, rng model.DateRange) (string, []any, error) {
	conditions := []string{"m.company_id = $1", "v.metric_id = ANY($2)"}
	args := []any{companyID, metricIDs}
	idx := 3

	if rng.Start != "" {
		start, err := rng.Start.Time()
		if err != nil {
			return "", nil, fmt.Errorf("storage: range start: %w", err)
		}
		conditions = append(conditions, fmt.Sprintf("v.period_date >= $%d", idx))
		args = append(args, start)
		idx++
	}
	if rng.End != "" {
		end, err := rng.End.Time()
		if err != nil {
			return "", nil, fmt.Errorf("storage: range end: %w", err)
		}
		conditions = append(conditions, fmt.Sprintf("v.period_date <= $%d", idx))
		args = append(args, end)
	}
	return strings.Join(conditions, " AND "), args, nil
}

// UpsertMetricValues writes values keyed by (metric id, period), replacing
// existing rows. With preserveOverrides, existing rows flagged as manual
// overrides are left untouched. Rows are written in batches, each batch in
// its own statement retried on serialization failure or deadlock. It returns
// the number of rows inserted or updated.
func (db *DB) UpsertMetricValues(ctx context.Context, values []model.MetricValue, preserveOverrides bool) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	values = lastPerKey(values)
	query := upsertValuesSQL(preserveOverrides)

	var written int64
	for start := 0; start < len(values); start += db.upsertBatchSize {
		batch := values[start:min(start+db.upsertBatchSize, len(values))]
		cols, err := valueColumns(batch)
		if err != nil {
			return written, err
		}

		policy := RetryPolicy{
			MaxRetries: upsertMaxRetries,
			BaseDelay:  upsertBaseDelay,
			OnRetry: func(attempt int, reason string, wait time.Duration) {
				db.logger.Warn("storage: retrying metric value upsert",
					"reason", reason, "attempt", attempt, "batch_offset", start,
					"batch_rows", len(batch), "wait_ms", wait.Milliseconds())
			},
		}
		err = WithRetry(ctx, policy, func() error {
			tag, err := db.pool.Exec(ctx, query, cols.metricIDs, cols.periods, cols.values, cols.overrides)
			if err != nil {
				return err
			}
			written += tag.RowsAffected()
			return nil
		})
		if err != nil {
			return written, fmt.Errorf("storage: upsert metric values: %w", err)
		}
	}
	return written, nil
}

func upsertValuesSQL(preserveOverrides bool) string {
	q := `INSERT INTO metric_values (metric_id, period_date, value, is_manual_override, updated_at)
		SELECT t.metric_id, t.period_date, t.value, t.is_manual_override, now()
		FROM unnest($1::uuid[], $2::date[], $3::float8[], $4::bool[])
			AS t(metric_id, period_date, value, is_manual_override)
		ON CONFLICT (metric_id, period_date) DO UPDATE SET
			value = EXCLUDED.value,
			is_manual_override = EXCLUDED.is_manual_override,
			updated_at = EXCLUDED.updated_at`
	if preserveOverrides {
		q += `
		WHERE NOT metric_values.is_manual_override`
	}
	return q
}

// lastPerKey drops earlier duplicates of a (metric, period) key. A single
// INSERT ... ON CONFLICT statement cannot touch the same row twice.
func lastPerKey(values []model.MetricValue) []model.MetricValue {
	type key struct {
		id     uuid.UUID
		period model.Period
	}
	last := make(map[key]int, len(values))
	for i, v := range values {
		last[key{v.MetricID, v.Period}] = i
	}
	if len(last) == len(values) {
		return values
	}
	out := make([]model.MetricValue, 0, len(last))
	for i, v := range values {
		if last[key{v.MetricID, v.Period}] == i {
			out = append(out, v)
		}
	}
	return out
}

// valueBatch is a column-oriented view of a batch for unnest.
type valueBatch struct {
	metricIDs []uuid.UUID
	periods   []time.Time
	values    []*float64
	overrides []bool
}

func valueColumns(batch []model.MetricValue) (valueBatch, error) {
	cols := valueBatch{
		metricIDs: make([]uuid.UUID, len(batch)),
		periods:   make([]time.Time, len(batch)),
		values:    make([]*float64, len(batch)),
		overrides: make([]bool, len(batch)),
	}
	for i, v := range batch {
		t, err := v.Period.Time()
		if err != nil {
			return valueBatch{}, fmt.Errorf("storage: metric value %s: %w", v.MetricID, err)
		}
		cols.metricIDs[i] = v.MetricID
		cols.periods[i] = t
		cols.values[i] = v.Value
		cols.overrides[i] = v.IsManualOverride
	}
	return cols, nil
}
