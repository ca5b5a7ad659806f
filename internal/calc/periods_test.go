package calc

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/keisan/internal/model"
)

func TestNewPeriodSetSortsAndDedupes(t *testing.T) {
	t.Parallel()
	ps := NewPeriodSet("2024-03-01", "2024-01-01", "2024-03-01", "2023-12-31")
	assert.Equal(t, []model.Period{"2023-12-31", "2024-01-01", "2024-03-01"}, ps.Periods())
	assert.Equal(t, 3, ps.Len())

	i, ok := ps.IndexOf("2024-01-01")
	assert.True(t, ok)
	assert.Equal(t, 1, i)
	_, ok = ps.IndexOf("2024-02-01")
	assert.False(t, ok)
}

func TestPeriodSetFromValuesIgnoresValueContent(t *testing.T) {
	t.Parallel()
	id := uuid.New()
	ps := PeriodSetFromValues([]model.MetricValue{
		{MetricID: id, Period: "2024-02-01", Value: nil},
		{MetricID: uuid.New(), Period: "2024-01-01", Value: ptr(1)},
	})
	assert.Equal(t, []model.Period{"2024-01-01", "2024-02-01"}, ps.Periods())
}

func TestPeriodSetPrevious(t *testing.T) {
	t.Parallel()
	ps := NewPeriodSet("2024-01-01", "2024-05-01")

	prev, ok := ps.Previous("2024-05-01")
	assert.True(t, ok)
	assert.Equal(t, model.Period("2024-01-01"), prev)

	_, ok = ps.Previous("2024-01-01")
	assert.False(t, ok)
	_, ok = ps.Previous("2024-03-01")
	assert.False(t, ok)
}

func TestPeriodSetWindow(t *testing.T) {
	t.Parallel()
	ps := NewPeriodSet("2024-01-01", "2024-02-01", "2024-03-01", "2024-04-01")

	tests := []struct {
		name   string
		target model.Period
		n      int
		want   []model.Period
	}{
		{"full window", "2024-04-01", 3, []model.Period{"2024-02-01", "2024-03-01", "2024-04-01"}},
		{"truncated at start", "2024-02-01", 3, []model.Period{"2024-01-01", "2024-02-01"}},
		{"single", "2024-03-01", 1, []model.Period{"2024-03-01"}},
		{"absent target", "2024-05-01", 3, nil},
		{"non-positive size", "2024-03-01", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ps.Window(tt.target, tt.n))
		})
	}
}

func TestPeriodSetThroughAndYearToDate(t *testing.T) {
	t.Parallel()
	ps := NewPeriodSet("2023-11-01", "2023-12-01", "2024-01-01", "2024-02-01", "2024-03-01")

	assert.Equal(t, []model.Period{"2023-11-01", "2023-12-01", "2024-01-01", "2024-02-01"}, ps.Through("2024-02-01"))
	assert.Equal(t, []model.Period{"2023-11-01", "2023-12-01", "2024-01-01"}, ps.Through("2024-01-15"), "target need not be present")
	assert.Empty(t, ps.Through("2020-01-01"))

	assert.Equal(t, []model.Period{"2024-01-01", "2024-02-01"}, ps.YearToDate("2024-02-01"))
	assert.Equal(t, []model.Period{"2023-11-01", "2023-12-01"}, ps.YearToDate("2023-12-01"))
	assert.Empty(t, ps.YearToDate("2025-01-01"))
}
