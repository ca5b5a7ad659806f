package calc

import (
	"github.com/google/uuid"

	"github.com/ashita-ai/keisan/internal/model"
)

// ValueIndex holds source metric values keyed by metric id and period.
// A missing entry and a stored nil value both read as "no data".
type ValueIndex map[uuid.UUID]map[model.Period]*float64

// NewValueIndex indexes values. Later rows for the same (metric, period) win.
func NewValueIndex(values []model.MetricValue) ValueIndex {
	ix := make(ValueIndex)
	for _, v := range values {
		series, ok := ix[v.MetricID]
		if !ok {
			series = make(map[model.Period]*float64)
			ix[v.MetricID] = series
		}
		series[v.Period] = v.Value
	}
	return ix
}

// Get returns the value of metric id at p, or nil when there is none.
func (ix ValueIndex) Get(id uuid.UUID, p model.Period) *float64 {
	series, ok := ix[id]
	if !ok {
		return nil
	}
	return series[p]
}

// Set records a value, creating the metric's series if needed.
func (ix ValueIndex) Set(id uuid.UUID, p model.Period, v *float64) {
	series, ok := ix[id]
	if !ok {
		series = make(map[model.Period]*float64)
		ix[id] = series
	}
	series[p] = v
}
