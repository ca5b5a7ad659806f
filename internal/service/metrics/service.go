// Package metrics provides the calculate and preview operations shared by the
// HTTP function endpoint, the MCP tools and the scheduled recompute loop.
//
// Each call loads everything it needs up front, evaluates in memory, and
// optionally writes the computed values back in one batch.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/keisan/internal/calc"
	"github.com/ashita-ai/keisan/internal/model"
	"github.com/ashita-ai/keisan/internal/telemetry"
)

// DefinitionStore reads calculated metric definitions.
type DefinitionStore interface {
	ListCalculatedMetrics(ctx context.Context, companyID uuid.UUID) ([]model.MetricDefinition, error)
}

// ValueStore reads and writes metric values keyed by (metric id, period).
type ValueStore interface {
	LoadMetricValues(ctx context.Context, companyID uuid.UUID, metricIDs []uuid.UUID, rng model.DateRange) ([]model.MetricValue, error)
	UpsertMetricValues(ctx context.Context, values []model.MetricValue, preserveOverrides bool) (int64, error)
}

// Store is the persistence surface the service needs.
type Store interface {
	DefinitionStore
	ValueStore
}

// CompanyLister enumerates the companies the scheduled recompute covers.
type CompanyLister interface {
	ListCompanyIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Notifier publishes a recompute event after values are persisted.
type Notifier interface {
	NotifyCalculated(ctx context.Context, event model.CalculationEvent) error
}

// Options tunes service behavior.
type Options struct {
	// PreserveManualOverrides makes stored results skip rows a human has
	// flagged as manual overrides. The default overwrites them.
	PreserveManualOverrides bool

	// SkipCyclicFormulas drops metrics whose formula depends on itself. By
	// default they are evaluated against the values already stored for the
	// metrics on the cycle, and a warning is logged.
	SkipCyclicFormulas bool
}

// Service evaluates calculated metrics.
type Service struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	opts     Options
	tracer   trace.Tracer

	calculateDuration metric.Float64Histogram
	calculatedValues  metric.Int64Counter
	previewDuration   metric.Float64Histogram
	skippedMetrics    metric.Int64Counter
}

// New creates a metrics Service. notifier may be nil.
func New(store Store, notifier Notifier, logger *slog.Logger, opts Options) *Service {
	meter := telemetry.Meter("keisan/metrics")
	calcDur, _ := meter.Float64Histogram("keisan.calculate.duration",
		metric.WithDescription("Time to run a calculate pass (ms)"),
		metric.WithUnit("ms"),
	)
	values, _ := meter.Int64Counter("keisan.calculate.values",
		metric.WithDescription("Calculated (metric, period) values produced"),
	)
	previewDur, _ := meter.Float64Histogram("keisan.preview.duration",
		metric.WithDescription("Time to evaluate a formula preview (ms)"),
		metric.WithUnit("ms"),
	)
	skipped, _ := meter.Int64Counter("keisan.calculate.skipped",
		metric.WithDescription("Calculated metrics skipped for invalid or cyclic formulas"),
	)
	return &Service{
		store:             store,
		notifier:          notifier,
		logger:            logger,
		opts:              opts,
		tracer:            telemetry.Tracer("keisan/metrics"),
		calculateDuration: calcDur,
		calculatedValues:  values,
		previewDuration:   previewDur,
		skippedMetrics:    skipped,
	}
}

// Calculate evaluates the company's calculated metrics (all of them, or the
// requested subset) at every period present among their source values.
//
// Definitions whose formula cannot be parsed, or whose formula depends on
// itself through other calculated metrics, are logged and left out of the
// results. Evaluation failures at a single period resolve to nil. Load and
// store failures abort the call.
func (s *Service) Calculate(ctx context.Context, p model.CalculateParams) (model.Results, error) {
	if p.CompanyID == uuid.Nil {
		return nil, fmt.Errorf("metrics: company scope is required: %w", model.ErrInvalidRequest)
	}

	ctx, span := s.tracer.Start(ctx, "metrics.Calculate", trace.WithAttributes(
		attribute.String("keisan.company_id", p.CompanyID.String()),
		attribute.Int("keisan.requested_metrics", len(p.MetricIDs)),
		attribute.Bool("keisan.store_results", p.StoreResults),
	))
	defer span.End()
	start := time.Now()

	results, err := s.calculate(ctx, p)
	s.calculateDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Bool("store_results", p.StoreResults)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("keisan.values", results.Count()))
	return results, nil
}

func (s *Service) calculate(ctx context.Context, p model.CalculateParams) (model.Results, error) {
	defs, err := s.store.ListCalculatedMetrics(ctx, p.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("metrics: load definitions: %w", err)
	}

	formulas := s.parseDefinitions(ctx, defs)
	selected := s.selectMetrics(ctx, formulas, p.MetricIDs)
	results := make(model.Results, len(selected))
	if len(selected) == 0 {
		return results, nil
	}

	var sources []uuid.UUID
	for _, id := range selected {
		sources = append(sources, formulas[id].Sources()...)
	}
	slices.SortFunc(sources, compareUUID)
	sources = slices.Compact(sources)

	values, err := s.store.LoadMetricValues(ctx, p.CompanyID, sources, p.Range)
	if err != nil {
		return nil, fmt.Errorf("metrics: load source values: %w", err)
	}
	ix := calc.NewValueIndex(values)
	ps := calc.PeriodSetFromValues(values)

	for _, id := range selected {
		series, errs := calc.EvaluatePeriods(formulas[id], ps.Periods(), ix, ps)
		for _, pe := range errs {
			s.logger.Warn("metrics: evaluation failed, period resolves to null",
				"company_id", p.CompanyID, "metric_id", id, "period", pe.Period, "error", pe.Err)
		}
		results[id] = series
	}

	count := results.Count()
	s.calculatedValues.Add(ctx, int64(count))
	s.logger.Debug("metrics: calculated",
		"company_id", p.CompanyID, "metrics", len(selected), "periods", ps.Len(), "values", count)

	if !p.StoreResults || count == 0 {
		return results, nil
	}

	written, err := s.store.UpsertMetricValues(ctx, flatten(results), s.opts.PreserveManualOverrides)
	if err != nil {
		return nil, fmt.Errorf("metrics: store results: %w", err)
	}
	s.logger.Info("metrics: stored calculated values",
		"company_id", p.CompanyID, "values", count, "rows_written", written)

	s.notify(ctx, model.CalculationEvent{
		CompanyID:    p.CompanyID,
		MetricIDs:    selected,
		ValueCount:   count,
		CalculatedAt: time.Now().UTC(),
	})
	return results, nil
}

// parseDefinitions decodes every stored formula. A definition that fails to
// parse is logged and dropped; it does not affect the others.
func (s *Service) parseDefinitions(ctx context.Context, defs []model.MetricDefinition) map[uuid.UUID]model.Formula {
	formulas := make(map[uuid.UUID]model.Formula, len(defs))
	for _, d := range defs {
		if !d.IsCalculated {
			continue
		}
		f, err := model.ParseFormula(d.Formula)
		if err != nil {
			s.skippedMetrics.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_formula")))
			s.logger.Warn("metrics: skipping metric with invalid formula",
				"metric_id", d.ID, "name", d.Name, "error", err)
			continue
		}
		formulas[d.ID] = f
	}
	return formulas
}

// selectMetrics returns the metrics to evaluate in a stable order: the
// requested ids that have a usable formula, or every usable formula when none
// were requested. Metrics on a dependency cycle are dropped when
// SkipCyclicFormulas is set and logged either way.
func (s *Service) selectMetrics(ctx context.Context, formulas map[uuid.UUID]model.Formula, requested []uuid.UUID) []uuid.UUID {
	cyclic := calc.CyclicMetrics(formulas)

	var candidates []uuid.UUID
	if len(requested) > 0 {
		for _, id := range requested {
			if _, ok := formulas[id]; ok {
				candidates = append(candidates, id)
			}
		}
	} else {
		for id := range formulas {
			candidates = append(candidates, id)
		}
	}
	slices.SortFunc(candidates, compareUUID)
	candidates = slices.Compact(candidates)

	selected := candidates[:0]
	for _, id := range candidates {
		if cyclic[id] {
			if s.opts.SkipCyclicFormulas {
				s.skippedMetrics.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "cycle")))
				s.logger.Warn("metrics: skipping metric whose formula depends on itself", "metric_id", id)
				continue
			}
			s.logger.Warn("metrics: formula depends on itself; evaluating against stored values", "metric_id", id)
		}
		selected = append(selected, id)
	}
	return selected
}

// Preview evaluates an unsaved formula at the requested periods. Source values
// are loaded for the formula's operands within the company; nothing is
// written.
func (s *Service) Preview(ctx context.Context, p model.PreviewParams) (model.Series, error) {
	if p.CompanyID == uuid.Nil {
		return nil, fmt.Errorf("metrics: company scope is required: %w", model.ErrInvalidRequest)
	}
	if p.Formula.Op == nil {
		return nil, fmt.Errorf("metrics: formula is required: %w", model.ErrInvalidRequest)
	}

	ctx, span := s.tracer.Start(ctx, "metrics.Preview", trace.WithAttributes(
		attribute.String("keisan.company_id", p.CompanyID.String()),
		attribute.String("keisan.formula_type", string(p.Formula.Op.Type())),
		attribute.Int("keisan.periods", len(p.Periods)),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		s.previewDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	values, err := s.store.LoadMetricValues(ctx, p.CompanyID, p.Formula.Sources(), model.DateRange{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("metrics: load source values: %w", err)
	}

	series, errs := calc.Preview(p.Formula, p.Periods, values)
	for _, pe := range errs {
		s.logger.Warn("metrics: preview evaluation failed, period resolves to null",
			"company_id", p.CompanyID, "period", pe.Period, "error", pe.Err)
	}
	return series, nil
}

// RecomputeAll runs a storing calculate pass for every company the lister
// returns. A failure for one company is logged and does not stop the others;
// the joined errors are returned.
func (s *Service) RecomputeAll(ctx context.Context, lister CompanyLister) (int, error) {
	ids, err := lister.ListCompanyIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("metrics: list companies: %w", err)
	}

	var errs []error
	total := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		results, err := s.Calculate(ctx, model.CalculateParams{CompanyID: id, StoreResults: true})
		if err != nil {
			s.logger.Error("metrics: recompute failed", "company_id", id, "error", err)
			errs = append(errs, fmt.Errorf("company %s: %w", id, err))
			continue
		}
		total += results.Count()
	}
	return total, errors.Join(errs...)
}

func (s *Service) notify(ctx context.Context, event model.CalculationEvent) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyCalculated(ctx, event); err != nil {
		s.logger.Warn("metrics: notify failed", "company_id", event.CompanyID, "error", err)
	}
}

// flatten converts results into upsert rows in a deterministic order. Rows are
// never marked as manual overrides.
func flatten(results model.Results) []model.MetricValue {
	ids := make([]uuid.UUID, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, compareUUID)

	values := make([]model.MetricValue, 0, results.Count())
	for _, id := range ids {
		series := results[id]
		periods := make([]model.Period, 0, len(series))
		for p := range series {
			periods = append(periods, p)
		}
		slices.Sort(periods)
		for _, p := range periods {
			values = append(values, model.MetricValue{MetricID: id, Period: p, Value: series[p]})
		}
	}
	return values
}

func compareUUID(a, b uuid.UUID) int {
	return slices.Compare(a[:], b[:])
}
