package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PeriodLayout is the ISO calendar date format used for period keys.
// Zero-padded dates sort chronologically as plain strings.
const PeriodLayout = "2006-01-02"

// Period is the time-series key of a metric value: an ISO date string.
type Period string

// ParsePeriod validates s as an ISO calendar date.
func ParsePeriod(s string) (Period, error) {
	if _, err := time.Parse(PeriodLayout, s); err != nil {
		return "", fmt.Errorf("invalid period %q: expected YYYY-MM-DD", s)
	}
	return Period(s), nil
}

// PeriodFromTime formats t as a period key.
func PeriodFromTime(t time.Time) Period {
	return Period(t.Format(PeriodLayout))
}

// Time parses the period back into a UTC date.
func (p Period) Time() (time.Time, error) {
	return time.Parse(PeriodLayout, string(p))
}

// YearStart returns January 1 of the period's year.
func (p Period) YearStart() Period {
	if len(p) < 4 {
		return p
	}
	return Period(string(p[:4]) + "-01-01")
}

// DateRange bounds a value load. Empty bounds are open.
type DateRange struct {
	Start Period
	End   Period
}

// Contains reports whether p falls inside the range, bounds inclusive.
func (r DateRange) Contains(p Period) bool {
	if r.Start != "" && p < r.Start {
		return false
	}
	if r.End != "" && p > r.End {
		return false
	}
	return true
}

// MetricValue is one observation of a metric. A nil Value means "no data for
// this period", which is distinct from zero.
type MetricValue struct {
	MetricID         uuid.UUID `json:"metric_id"`
	Period           Period    `json:"period_date"`
	Value            *float64  `json:"value"`
	IsManualOverride bool      `json:"is_manual_override"`
}

// MetricDefinition is a named series. Calculated metrics carry their formula
// in its stored (serialized) form.
type MetricDefinition struct {
	ID           uuid.UUID `json:"id"`
	CompanyID    uuid.UUID `json:"company_id"`
	Name         string    `json:"name"`
	IsCalculated bool      `json:"is_calculated"`
	Formula      string    `json:"formula,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Series maps periods to computed values; nil entries mark periods that could
// not be resolved.
type Series map[Period]*float64

// Results maps calculated metric ids to their series.
type Results map[uuid.UUID]Series

// Count returns the number of (metric, period) entries.
func (r Results) Count() int {
	n := 0
	for _, s := range r {
		n += len(s)
	}
	return n
}

// CalculationEvent is published after calculated values are persisted.
type CalculationEvent struct {
	CompanyID    uuid.UUID   `json:"company_id"`
	MetricIDs    []uuid.UUID `json:"metric_ids"`
	ValueCount   int         `json:"value_count"`
	CalculatedAt time.Time   `json:"calculated_at"`
}
