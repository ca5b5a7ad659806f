package calc

import (
	"slices"
	"sort"

	"github.com/ashita-ai/keisan/internal/model"
)

// PeriodSet is the sorted, de-duplicated universe of periods an evaluation
// runs over. It is built once per evaluation from the loaded source values and
// passed to every operation that needs to locate neighboring periods.
type PeriodSet struct {
	periods []model.Period
	index   map[model.Period]int
}

// NewPeriodSet builds a set from periods in any order, dropping duplicates.
func NewPeriodSet(periods ...model.Period) PeriodSet {
	sorted := slices.Clone(periods)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	index := make(map[model.Period]int, len(sorted))
	for i, p := range sorted {
		index[p] = i
	}
	return PeriodSet{periods: sorted, index: index}
}

// PeriodSetFromValues builds the set of distinct periods present in values.
func PeriodSetFromValues(values []model.MetricValue) PeriodSet {
	periods := make([]model.Period, 0, len(values))
	for _, v := range values {
		periods = append(periods, v.Period)
	}
	return NewPeriodSet(periods...)
}

// Len returns the number of periods.
func (s PeriodSet) Len() int { return len(s.periods) }

// Periods returns the periods in ascending order. The slice must not be modified.
func (s PeriodSet) Periods() []model.Period { return s.periods }

// IndexOf returns the position of p, or false if p is not in the set.
func (s PeriodSet) IndexOf(p model.Period) (int, bool) {
	i, ok := s.index[p]
	return i, ok
}

// Previous returns the period immediately before p in the set. It reports
// false when p is absent or is the first period.
func (s PeriodSet) Previous(p model.Period) (model.Period, bool) {
	i, ok := s.index[p]
	if !ok || i == 0 {
		return "", false
	}
	return s.periods[i-1], true
}

// Window returns up to n periods ending at p, inclusive, counted by position
// in the set rather than calendar distance. It returns nil when p is absent.
func (s PeriodSet) Window(p model.Period, n int) []model.Period {
	i, ok := s.index[p]
	if !ok || n < 1 {
		return nil
	}
	start := max(i-n+1, 0)
	return s.periods[start : i+1]
}

// Through returns every period <= p. p itself need not be in the set.
func (s PeriodSet) Through(p model.Period) []model.Period {
	end := sort.Search(len(s.periods), func(i int) bool { return s.periods[i] > p })
	return s.periods[:end]
}

// YearToDate returns every period in [January 1 of p's year, p].
func (s PeriodSet) YearToDate(p model.Period) []model.Period {
	through := s.Through(p)
	yearStart := p.YearStart()
	start := sort.Search(len(through), func(i int) bool { return through[i] >= yearStart })
	return through[start:]
}
