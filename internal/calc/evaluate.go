// Package calc evaluates calculated-metric formulas over irregular time series.
//
// Evaluation is pure: callers load source values once, build a ValueIndex and
// a PeriodSet from them, and evaluate each formula at each period. A nil
// result means the period could not be resolved (missing operands, division
// by zero, or an evaluation failure); no operation substitutes zero for
// missing data.
package calc

import (
	"errors"
	"fmt"
	"math"

	"github.com/ashita-ai/keisan/internal/model"
)

// ErrEvaluation is returned (wrapped) when a formula fails at a period for a
// reason other than missing data.
var ErrEvaluation = errors.New("calc: evaluation failed")

// Evaluate computes f at period p and rounds the result to f.DecimalPlaces.
// Panics inside an operation are recovered and returned as ErrEvaluation.
func Evaluate(f model.Formula, p model.Period, ix ValueIndex, ps PeriodSet) (result *float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %s at %s: %v", ErrEvaluation, opName(f.Op), p, r)
		}
	}()

	if f.Op == nil {
		return nil, fmt.Errorf("%w: formula has no operation", ErrEvaluation)
	}

	raw, err := evaluate(f.Op, p, ix, ps)
	if err != nil || raw == nil {
		return nil, err
	}
	// Inf and NaN cannot be represented in results; treat them as unresolved.
	if math.IsInf(*raw, 0) || math.IsNaN(*raw) {
		return nil, nil
	}
	v := Round(*raw, f.DecimalPlaces)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil, nil
	}
	return &v, nil
}

func evaluate(op model.Operation, p model.Period, ix ValueIndex, ps PeriodSet) (*float64, error) {
	switch op := op.(type) {
	case model.Division:
		n, d := ix.Get(op.Numerator, p), ix.Get(op.Denominator, p)
		if n == nil || d == nil || *d == 0 {
			return nil, nil
		}
		v := *n / *d
		if op.MultiplyBy100 {
			v *= 100
		}
		return &v, nil

	case model.Multiplication:
		l, r := ix.Get(op.Left, p), ix.Get(op.Right, p)
		if l == nil || r == nil {
			return nil, nil
		}
		v := *l * *r
		return &v, nil

	case model.Difference:
		a, b := ix.Get(op.Minuend, p), ix.Get(op.Subtrahend, p)
		if a == nil || b == nil {
			return nil, nil
		}
		v := *a - *b
		return &v, nil

	case model.Sum:
		var acc accumulator
		for _, id := range op.MetricIDs {
			acc.add(ix.Get(id, p))
		}
		return acc.result(), nil

	case model.Cumulative:
		var acc accumulator
		for _, q := range ps.Through(p) {
			acc.add(ix.Get(op.Source, q))
		}
		return acc.result(), nil

	case model.YearToDate:
		var acc accumulator
		for _, q := range ps.YearToDate(p) {
			acc.add(ix.Get(op.Source, q))
		}
		return acc.result(), nil

	case model.RollingAverage:
		var acc accumulator
		for _, q := range ps.Window(p, op.Periods) {
			acc.add(ix.Get(op.Source, q))
		}
		return acc.mean(), nil

	case model.PercentageChange:
		prev, ok := ps.Previous(p)
		if !ok {
			return nil, nil
		}
		cur, before := ix.Get(op.Source, p), ix.Get(op.Source, prev)
		if cur == nil || before == nil || *before == 0 {
			return nil, nil
		}
		v := (*cur - *before) / math.Abs(*before) * 100
		return &v, nil

	default:
		return nil, fmt.Errorf("%w: unsupported operation %T", ErrEvaluation, op)
	}
}

// accumulator sums optional values and remembers whether any were present,
// so a sum of no contributions is nil rather than zero.
type accumulator struct {
	sum      float64
	count    int
	hasValue bool
}

func (a *accumulator) add(v *float64) {
	if v == nil {
		return
	}
	a.sum += *v
	a.count++
	a.hasValue = true
}

func (a *accumulator) result() *float64 {
	if !a.hasValue {
		return nil
	}
	v := a.sum
	return &v
}

func (a *accumulator) mean() *float64 {
	if !a.hasValue {
		return nil
	}
	v := a.sum / float64(a.count)
	return &v
}

// Round rounds v half-up to places decimal places by scaling, rounding and
// unscaling. Negative places are treated as zero. Values too large to scale
// are returned unchanged; at that magnitude they carry no fractional digits.
func Round(v float64, places int) float64 {
	if places < 0 {
		places = 0
	}
	scale := math.Pow(10, float64(places))
	scaled := v*scale + 0.5
	if math.IsInf(scaled, 0) || math.IsNaN(scaled) {
		return v
	}
	return math.Floor(scaled) / scale
}

func opName(op model.Operation) string {
	if op == nil {
		return "<nil>"
	}
	return string(op.Type())
}
