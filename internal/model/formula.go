package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidFormula is returned (wrapped) when a formula cannot be decoded or
// is missing an operand its operation requires.
var ErrInvalidFormula = errors.New("invalid formula")

// DefaultDecimalPlaces is the rounding precision used when a formula does not
// set decimalPlaces.
const DefaultDecimalPlaces = 2

// MaxDecimalPlaces bounds decimalPlaces so the rounding scale stays exact.
const MaxDecimalPlaces = 10

// OperationType is the wire discriminator of a formula.
type OperationType string

const (
	OpDivision         OperationType = "division"
	OpMultiplication   OperationType = "multiplication"
	OpSum              OperationType = "sum"
	OpDifference       OperationType = "difference"
	OpCumulative       OperationType = "cumulative"
	OpRollingAverage   OperationType = "rolling_average"
	OpYearToDate       OperationType = "year_to_date"
	OpPercentageChange OperationType = "percentage_change"
)

// Operation is one of the eight formula variants. The set is closed: only the
// types in this file implement it.
type Operation interface {
	Type() OperationType
	// Sources lists the metric ids the operation reads, in operand order.
	Sources() []uuid.UUID
	isOperation()
}

// Division computes Numerator / Denominator, optionally scaled to a percentage.
type Division struct {
	Numerator     uuid.UUID
	Denominator   uuid.UUID
	MultiplyBy100 bool
}

// Multiplication computes Left x Right.
type Multiplication struct {
	Left  uuid.UUID
	Right uuid.UUID
}

// Sum adds the listed metrics at the same period.
type Sum struct {
	MetricIDs []uuid.UUID
}

// Difference computes Minuend - Subtrahend.
type Difference struct {
	Minuend    uuid.UUID
	Subtrahend uuid.UUID
}

// Cumulative sums Source over every period up to and including the target.
type Cumulative struct {
	Source uuid.UUID
}

// RollingAverage averages Source over the last Periods positions of the
// period set, ending at the target.
type RollingAverage struct {
	Source  uuid.UUID
	Periods int
}

// YearToDate sums Source from January 1 of the target's year through the target.
type YearToDate struct {
	Source uuid.UUID
}

// PercentageChange compares Source at the target with the preceding period.
type PercentageChange struct {
	Source uuid.UUID
}

func (Division) Type() OperationType         { return OpDivision }
func (Multiplication) Type() OperationType   { return OpMultiplication }
func (Sum) Type() OperationType              { return OpSum }
func (Difference) Type() OperationType       { return OpDifference }
func (Cumulative) Type() OperationType       { return OpCumulative }
func (RollingAverage) Type() OperationType   { return OpRollingAverage }
func (YearToDate) Type() OperationType       { return OpYearToDate }
func (PercentageChange) Type() OperationType { return OpPercentageChange }

func (o Division) Sources() []uuid.UUID         { return []uuid.UUID{o.Numerator, o.Denominator} }
func (o Multiplication) Sources() []uuid.UUID   { return []uuid.UUID{o.Left, o.Right} }
func (o Sum) Sources() []uuid.UUID              { return append([]uuid.UUID(nil), o.MetricIDs...) }
func (o Difference) Sources() []uuid.UUID       { return []uuid.UUID{o.Minuend, o.Subtrahend} }
func (o Cumulative) Sources() []uuid.UUID       { return []uuid.UUID{o.Source} }
func (o RollingAverage) Sources() []uuid.UUID   { return []uuid.UUID{o.Source} }
func (o YearToDate) Sources() []uuid.UUID       { return []uuid.UUID{o.Source} }
func (o PercentageChange) Sources() []uuid.UUID { return []uuid.UUID{o.Source} }

func (Division) isOperation()         {}
func (Multiplication) isOperation()   {}
func (Sum) isOperation()              {}
func (Difference) isOperation()       {}
func (Cumulative) isOperation()       {}
func (RollingAverage) isOperation()   {}
func (YearToDate) isOperation()       {}
func (PercentageChange) isOperation() {}

// Formula is a calculated metric's definition: an operation plus the number of
// decimal places its results are rounded to.
type Formula struct {
	Op            Operation
	DecimalPlaces int
}

// NewFormula wraps op with the default precision.
func NewFormula(op Operation) Formula {
	return Formula{Op: op, DecimalPlaces: DefaultDecimalPlaces}
}

// Sources returns the distinct metric ids the formula reads.
func (f Formula) Sources() []uuid.UUID {
	if f.Op == nil {
		return nil
	}
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, id := range f.Op.Sources() {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// References reports whether the formula reads metric id.
func (f Formula) References(id uuid.UUID) bool {
	for _, src := range f.Sources() {
		if src == id {
			return true
		}
	}
	return false
}

// formulaJSON is the loosely-typed wire and storage form. Which operand fields
// are meaningful depends on Type.
type formulaJSON struct {
	Type           OperationType `json:"type"`
	Numerator      *uuid.UUID    `json:"numerator,omitempty"`
	Denominator    *uuid.UUID    `json:"denominator,omitempty"`
	MetricIDs      []uuid.UUID   `json:"metricIds,omitempty"`
	SourceMetricID *uuid.UUID    `json:"sourceMetricId,omitempty"`
	RollingPeriods *int          `json:"rollingPeriods,omitempty"`
	MultiplyBy100  bool          `json:"multiplyBy100,omitempty"`
	DecimalPlaces  *int          `json:"decimalPlaces,omitempty"`
}

// ParseFormula decodes a stored formula string.
func ParseFormula(text string) (Formula, error) {
	if strings.TrimSpace(text) == "" {
		return Formula{}, fmt.Errorf("model: empty formula: %w", ErrInvalidFormula)
	}
	var f Formula
	if err := json.Unmarshal([]byte(text), &f); err != nil {
		if errors.Is(err, ErrInvalidFormula) {
			return Formula{}, err
		}
		return Formula{}, fmt.Errorf("model: decode formula: %v: %w", err, ErrInvalidFormula)
	}
	if f.Op == nil {
		return Formula{}, fmt.Errorf("model: formula type is required: %w", ErrInvalidFormula)
	}
	return f, nil
}

// UnmarshalJSON decodes the wire form and validates the operands required by
// the operation type.
func (f *Formula) UnmarshalJSON(data []byte) error {
	var w formulaJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("model: decode formula: %v: %w", err, ErrInvalidFormula)
	}

	op, err := w.operation()
	if err != nil {
		return err
	}

	places := DefaultDecimalPlaces
	if w.DecimalPlaces != nil {
		places = *w.DecimalPlaces
	}
	if places < 0 || places > MaxDecimalPlaces {
		return fmt.Errorf("model: decimalPlaces must be between 0 and %d: %w", MaxDecimalPlaces, ErrInvalidFormula)
	}

	*f = Formula{Op: op, DecimalPlaces: places}
	return nil
}

func (w formulaJSON) operation() (Operation, error) {
	pair := func() (uuid.UUID, uuid.UUID, error) {
		if w.Numerator == nil || w.Denominator == nil {
			return uuid.Nil, uuid.Nil, fmt.Errorf("model: %s requires numerator and denominator: %w", w.Type, ErrInvalidFormula)
		}
		return *w.Numerator, *w.Denominator, nil
	}
	source := func() (uuid.UUID, error) {
		if w.SourceMetricID == nil {
			return uuid.Nil, fmt.Errorf("model: %s requires sourceMetricId: %w", w.Type, ErrInvalidFormula)
		}
		return *w.SourceMetricID, nil
	}

	switch w.Type {
	case OpDivision:
		n, d, err := pair()
		if err != nil {
			return nil, err
		}
		return Division{Numerator: n, Denominator: d, MultiplyBy100: w.MultiplyBy100}, nil
	case OpMultiplication:
		l, r, err := pair()
		if err != nil {
			return nil, err
		}
		return Multiplication{Left: l, Right: r}, nil
	case OpDifference:
		a, b, err := pair()
		if err != nil {
			return nil, err
		}
		return Difference{Minuend: a, Subtrahend: b}, nil
	case OpSum:
		if len(w.MetricIDs) == 0 {
			return nil, fmt.Errorf("model: sum requires at least one metric id: %w", ErrInvalidFormula)
		}
		return Sum{MetricIDs: append([]uuid.UUID(nil), w.MetricIDs...)}, nil
	case OpCumulative:
		src, err := source()
		if err != nil {
			return nil, err
		}
		return Cumulative{Source: src}, nil
	case OpYearToDate:
		src, err := source()
		if err != nil {
			return nil, err
		}
		return YearToDate{Source: src}, nil
	case OpPercentageChange:
		src, err := source()
		if err != nil {
			return nil, err
		}
		return PercentageChange{Source: src}, nil
	case OpRollingAverage:
		src, err := source()
		if err != nil {
			return nil, err
		}
		if w.RollingPeriods == nil || *w.RollingPeriods < 1 {
			return nil, fmt.Errorf("model: rolling_average requires rollingPeriods >= 1: %w", ErrInvalidFormula)
		}
		return RollingAverage{Source: src, Periods: *w.RollingPeriods}, nil
	case "":
		return nil, fmt.Errorf("model: formula type is required: %w", ErrInvalidFormula)
	default:
		return nil, fmt.Errorf("model: unknown formula type %q: %w", w.Type, ErrInvalidFormula)
	}
}

// MarshalJSON encodes the formula in the same wire form UnmarshalJSON accepts.
func (f Formula) MarshalJSON() ([]byte, error) {
	if f.Op == nil {
		return nil, fmt.Errorf("model: encode formula without operation: %w", ErrInvalidFormula)
	}
	places := f.DecimalPlaces
	w := formulaJSON{Type: f.Op.Type(), DecimalPlaces: &places}

	switch op := f.Op.(type) {
	case Division:
		w.Numerator, w.Denominator = &op.Numerator, &op.Denominator
		w.MultiplyBy100 = op.MultiplyBy100
	case Multiplication:
		w.Numerator, w.Denominator = &op.Left, &op.Right
	case Difference:
		w.Numerator, w.Denominator = &op.Minuend, &op.Subtrahend
	case Sum:
		w.MetricIDs = op.MetricIDs
	case Cumulative:
		w.SourceMetricID = &op.Source
	case YearToDate:
		w.SourceMetricID = &op.Source
	case PercentageChange:
		w.SourceMetricID = &op.Source
	case RollingAverage:
		w.SourceMetricID = &op.Source
		w.RollingPeriods = &op.Periods
	}
	return json.Marshal(w)
}
