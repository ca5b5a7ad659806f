package calc

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keisan/internal/model"
)

func ptr(v float64) *float64 { return &v }

// fixture builds an index and period set from per-metric series literals.
func fixture(series map[uuid.UUID]map[model.Period]*float64) (ValueIndex, PeriodSet) {
	var values []model.MetricValue
	for id, s := range series {
		for p, v := range s {
			values = append(values, model.MetricValue{MetricID: id, Period: p, Value: v})
		}
	}
	return NewValueIndex(values), PeriodSetFromValues(values)
}

func TestEvaluateBinaryOperations(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	const p = model.Period("2024-03-01")

	tests := []struct {
		name string
		op   model.Operation
		a, b *float64
		want *float64
	}{
		{"division", model.Division{Numerator: a, Denominator: b}, ptr(10), ptr(4), ptr(2.5)},
		{"division percent", model.Division{Numerator: a, Denominator: b, MultiplyBy100: true}, ptr(1), ptr(3), ptr(33.33)},
		{"division by zero", model.Division{Numerator: a, Denominator: b}, ptr(10), ptr(0), nil},
		{"division null numerator", model.Division{Numerator: a, Denominator: b}, nil, ptr(4), nil},
		{"division null denominator", model.Division{Numerator: a, Denominator: b}, ptr(10), nil, nil},
		{"zero numerator", model.Division{Numerator: a, Denominator: b}, ptr(0), ptr(5), ptr(0)},
		{"multiplication", model.Multiplication{Left: a, Right: b}, ptr(3), ptr(1.5), ptr(4.5)},
		{"multiplication null", model.Multiplication{Left: a, Right: b}, ptr(3), nil, nil},
		{"difference", model.Difference{Minuend: a, Subtrahend: b}, ptr(3), ptr(5), ptr(-2)},
		{"difference null", model.Difference{Minuend: a, Subtrahend: b}, nil, ptr(5), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ix, ps := fixture(map[uuid.UUID]map[model.Period]*float64{
				a: {p: tt.a},
				b: {p: tt.b},
			})
			got, err := Evaluate(model.NewFormula(tt.op), p, ix, ps)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func TestEvaluateSumSkipsNulls(t *testing.T) {
	t.Parallel()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	const p = model.Period("2024-01-01")
	f := model.NewFormula(model.Sum{MetricIDs: []uuid.UUID{a, b, c}})

	ix, ps := fixture(map[uuid.UUID]map[model.Period]*float64{
		a: {p: ptr(5)},
		b: {p: nil},
	})
	got, err := Evaluate(f, p, ix, ps)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 5.0, *got)

	ix, ps = fixture(map[uuid.UUID]map[model.Period]*float64{
		a: {p: nil},
		b: {p: nil},
	})
	got, err = Evaluate(f, p, ix, ps)
	require.NoError(t, err)
	assert.Nil(t, got, "no contributions must be null, not zero")

	ix, ps = fixture(map[uuid.UUID]map[model.Period]*float64{
		a: {p: ptr(5)},
		b: {p: ptr(-5)},
	})
	got, err = Evaluate(f, p, ix, ps)
	require.NoError(t, err)
	require.NotNil(t, got, "a zero total with contributions is still a value")
	assert.Equal(t, 0.0, *got)
}

func TestEvaluateCumulative(t *testing.T) {
	t.Parallel()
	src := uuid.New()
	f := model.NewFormula(model.Cumulative{Source: src})
	series := map[model.Period]*float64{
		"2024-01-01": ptr(10),
		"2024-02-01": nil,
		"2024-03-01": ptr(5),
	}
	ix, ps := fixture(map[uuid.UUID]map[model.Period]*float64{src: series})

	got, err := Evaluate(f, "2024-02-01", ix, ps)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 10.0, *got)

	got, err = Evaluate(f, "2024-03-01", ix, ps)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 15.0, *got)

	// Appending a later period must not change earlier cumulative values.
	series["2024-04-01"] = ptr(100)
	ix, ps = fixture(map[uuid.UUID]map[model.Period]*float64{src: series})
	got, err = Evaluate(f, "2024-03-01", ix, ps)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 15.0, *got)

	ix, ps = fixture(map[uuid.UUID]map[model.Period]*float64{src: {"2024-01-01": nil}})
	got, err = Evaluate(f, "2024-01-01", ix, ps)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEvaluateYearToDate(t *testing.T) {
	t.Parallel()
	src := uuid.New()
	f := model.NewFormula(model.YearToDate{Source: src})
	ix, ps := fixture(map[uuid.UUID]map[model.Period]*float64{src: {
		"2023-12-01": ptr(1000),
		"2024-01-01": ptr(10),
		"2024-02-01": ptr(20),
		"2024-03-01": nil,
		"2025-01-01": ptr(7),
	}})

	tests := []struct {
		period model.Period
		want   *float64
	}{
		{"2023-12-01", ptr(1000)},
		{"2024-01-01", ptr(10)},
		{"2024-03-01", ptr(30)},
		{"2025-01-01", ptr(7)},
	}
	for _, tt := range tests {
		got, err := Evaluate(f, tt.period, ix, ps)
		require.NoError(t, err)
		require.NotNil(t, got, tt.period)
		assert.Equal(t, *tt.want, *got, tt.period)
	}
}

func TestEvaluateRollingAverage(t *testing.T) {
	t.Parallel()
	src := uuid.New()
	f := model.NewFormula(model.RollingAverage{Source: src, Periods: 3})
	ix, ps := fixture(map[uuid.UUID]map[model.Period]*float64{src: {
		"2024-01-01": ptr(10),
		"2024-02-01": nil,
		"2024-03-01": ptr(20),
		"2024-04-01": nil,
		"2024-05-01": nil,
		"2024-06-01": nil,
	}})

	got, err := Evaluate(f, "2024-03-01", ix, ps)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 15.0, *got, "average of the non-null values in the window")

	got, err = Evaluate(f, "2024-01-01", ix, ps)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 10.0, *got, "partial window at the start of the series")

	got, err = Evaluate(f, "2024-06-01", ix, ps)
	require.NoError(t, err)
	assert.Nil(t, got, "window with no values")

	got, err = Evaluate(f, "2024-07-01", ix, ps)
	require.NoError(t, err)
	assert.Nil(t, got, "target absent from the period set")
}

func TestEvaluatePercentageChange(t *testing.T) {
	t.Parallel()
	src := uuid.New()
	f := model.NewFormula(model.PercentageChange{Source: src})
	ix, ps := fixture(map[uuid.UUID]map[model.Period]*float64{src: {
		"2024-01-01": ptr(100),
		"2024-02-01": ptr(150),
		"2024-03-01": ptr(0),
		"2024-04-01": ptr(10),
		"2024-05-01": ptr(-50),
		"2024-06-01": ptr(-25),
	}})

	tests := []struct {
		name   string
		period model.Period
		want   *float64
	}{
		{"first period", "2024-01-01", nil},
		{"increase", "2024-02-01", ptr(50)},
		{"drop to zero", "2024-03-01", ptr(-100)},
		{"previous zero", "2024-04-01", nil},
		{"negative previous uses absolute value", "2024-06-01", ptr(50)},
		{"absent target", "2024-07-01", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(f, tt.period, ix, ps)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func TestEvaluatePercentageChangeUsesPositionNotCalendar(t *testing.T) {
	t.Parallel()
	src, other := uuid.New(), uuid.New()
	f := model.NewFormula(model.PercentageChange{Source: src})
	// The period set includes 2024-02-01 from another metric, so the source's
	// previous value at that position is missing.
	ix, ps := fixture(map[uuid.UUID]map[model.Period]*float64{
		src:   {"2024-01-01": ptr(100), "2024-03-01": ptr(150)},
		other: {"2024-02-01": ptr(1)},
	})
	got, err := Evaluate(f, "2024-03-01", ix, ps)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEvaluateRounding(t *testing.T) {
	t.Parallel()
	a, b := uuid.New(), uuid.New()
	const p = model.Period("2024-01-01")
	ix, ps := fixture(map[uuid.UUID]map[model.Period]*float64{
		a: {p: ptr(100)},
		b: {p: ptr(3)},
	})

	f := model.Formula{Op: model.Division{Numerator: a, Denominator: b}, DecimalPlaces: 2}
	got, err := Evaluate(f, p, ix, ps)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 33.33, *got)

	f.DecimalPlaces = 0
	got, err = Evaluate(f, p, ix, ps)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 33.0, *got)
}

func TestEvaluateLargeValuesStayFinite(t *testing.T) {
	t.Parallel()
	src := uuid.New()
	ix, ps := fixture(map[uuid.UUID]map[model.Period]*float64{
		src: {"2024-01-01": ptr(1e300), "2024-02-01": ptr(1e300)},
	})

	f := model.Formula{Op: model.Cumulative{Source: src}, DecimalPlaces: 10}
	got, err := Evaluate(f, "2024-01-01", ix, ps)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1e300, *got)

	// The running total overflows; an unrepresentable result is unresolved.
	f.Op = model.Sum{MetricIDs: []uuid.UUID{src, src, src}}
	ix[src]["2024-01-01"] = ptr(math.MaxFloat64)
	got, err = Evaluate(f, "2024-01-01", ix, ps)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRound(t *testing.T) {
	t.Parallel()
	tests := []struct {
		v      float64
		places int
		want   float64
	}{
		{33.33333, 2, 33.33},
		{33.33333, 0, 33},
		{2.5, 0, 3},
		{-2.5, 0, -2},
		{0.125, 2, 0.13},
		{1234.5678, 1, 1234.6},
		{7, -1, 7},
		{1e300, 10, 1e300},
		{-1e300, 10, -1e300},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Round(tt.v, tt.places), "Round(%v, %d)", tt.v, tt.places)
	}
}

func TestEvaluateNilOperation(t *testing.T) {
	t.Parallel()
	_, err := Evaluate(model.Formula{}, "2024-01-01", ValueIndex{}, NewPeriodSet())
	require.ErrorIs(t, err, ErrEvaluation)
}

func TestEvaluatePeriodsIsolatesFailures(t *testing.T) {
	t.Parallel()
	src := uuid.New()
	ix, ps := fixture(map[uuid.UUID]map[model.Period]*float64{src: {
		"2024-01-01": ptr(1),
		"2024-02-01": ptr(2),
	}})

	series, errs := EvaluatePeriods(model.NewFormula(model.Cumulative{Source: src}), ps.Periods(), ix, ps)
	assert.Empty(t, errs)
	require.Len(t, series, 2)
	assert.Equal(t, 3.0, *series["2024-02-01"])

	series, errs = EvaluatePeriods(model.Formula{}, ps.Periods(), ix, ps)
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0].Err, ErrEvaluation)
	require.Len(t, series, 2)
	assert.Nil(t, series["2024-01-01"])
	assert.Nil(t, series["2024-02-01"])
}

func TestPreview(t *testing.T) {
	t.Parallel()
	src := uuid.New()
	values := []model.MetricValue{
		{MetricID: src, Period: "2024-01-01", Value: ptr(100)},
		{MetricID: src, Period: "2024-02-01", Value: ptr(150)},
	}
	series, errs := Preview(model.NewFormula(model.PercentageChange{Source: src}),
		[]model.Period{"2024-01-01", "2024-02-01", "2024-09-01"}, values)
	assert.Empty(t, errs)
	require.Len(t, series, 3)
	assert.Nil(t, series["2024-01-01"])
	assert.Equal(t, 50.0, *series["2024-02-01"])
	assert.Nil(t, series["2024-09-01"])
}

// B = A / C where C is zero in the second period.
func TestDivisionScenario(t *testing.T) {
	t.Parallel()
	a, c := uuid.New(), uuid.New()
	ix, ps := fixture(map[uuid.UUID]map[model.Period]*float64{
		a: {"2024-01-01": ptr(100), "2024-02-01": ptr(200)},
		c: {"2024-01-01": ptr(50), "2024-02-01": ptr(0)},
	})
	series, errs := EvaluatePeriods(model.NewFormula(model.Division{Numerator: a, Denominator: c}), ps.Periods(), ix, ps)
	assert.Empty(t, errs)
	require.NotNil(t, series["2024-01-01"])
	assert.Equal(t, 2.0, *series["2024-01-01"])
	assert.Nil(t, series["2024-02-01"])
}
