package calc

import (
	"github.com/ashita-ai/keisan/internal/model"
)

// PeriodError records a failed evaluation at one period.
type PeriodError struct {
	Period model.Period
	Err    error
}

// EvaluatePeriods evaluates f independently at each period. A failure at one
// period resolves that period to nil and is reported in the returned errors;
// it never stops the remaining periods.
func EvaluatePeriods(f model.Formula, periods []model.Period, ix ValueIndex, ps PeriodSet) (model.Series, []PeriodError) {
	series := make(model.Series, len(periods))
	var errs []PeriodError
	for _, p := range periods {
		v, err := Evaluate(f, p, ix, ps)
		if err != nil {
			errs = append(errs, PeriodError{Period: p, Err: err})
			series[p] = nil
			continue
		}
		series[p] = v
	}
	return series, errs
}

// Preview evaluates an unsaved formula at caller-chosen periods. The period
// set used by windowed operations comes from the loaded source values, so a
// requested period that has no source data yields nil for position-based
// operations.
func Preview(f model.Formula, periods []model.Period, values []model.MetricValue) (model.Series, []PeriodError) {
	return EvaluatePeriods(f, periods, NewValueIndex(values), PeriodSetFromValues(values))
}
