package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/keisan/internal/model"
)

const formulaTypesURI = "keisan://formulas/types"

// formulaTypeDoc describes one formula type for agents composing formulas.
type formulaTypeDoc struct {
	Type        model.OperationType `json:"type"`
	Fields      []string            `json:"fields"`
	Description string              `json:"description"`
}

var formulaTypes = []formulaTypeDoc{
	{model.OpDivision, []string{"numerator", "denominator", "multiplyBy100?"},
		"numerator / denominator per period; null when either is missing or the denominator is 0"},
	{model.OpMultiplication, []string{"numerator", "denominator"},
		"product of the two operands per period"},
	{model.OpSum, []string{"metricIds"},
		"sum of the present operands per period; null only when all are missing"},
	{model.OpDifference, []string{"numerator", "denominator"},
		"numerator minus denominator per period"},
	{model.OpCumulative, []string{"sourceMetricId"},
		"running total of the source through each period"},
	{model.OpRollingAverage, []string{"sourceMetricId", "rollingPeriods"},
		"mean of the present values among the last rollingPeriods periods"},
	{model.OpYearToDate, []string{"sourceMetricId"},
		"total of the source from January 1 of the period's year through the period"},
	{model.OpPercentageChange, []string{"sourceMetricId"},
		"change against the previous period in percent; null for the first period or a zero base"},
}

func (s *Server) registerResources() {
	// keisan://formulas/types: the formula catalog.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			formulaTypesURI,
			"Formula Types",
			mcplib.WithResourceDescription("Every formula type with its required fields. All formulas also accept decimalPlaces (default 2)."),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleFormulaTypes,
	)

	// keisan://companies/{id}/calculated-metrics: saved calculated metrics.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"keisan://companies/{id}/calculated-metrics",
			"Calculated Metrics",
			mcplib.WithTemplateDescription("A company's calculated metrics with their parsed formulas"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleCalculatedMetrics,
	)
}

func (s *Server) handleFormulaTypes(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(formulaTypes, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal formula types: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// calculatedMetric is the resource view of a definition. Formula is the parsed
// formula, or absent with Error set when the stored text does not parse.
type calculatedMetric struct {
	ID      uuid.UUID      `json:"id"`
	Name    string         `json:"name"`
	Formula *model.Formula `json:"formula,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func (s *Server) handleCalculatedMetrics(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	companyID, err := parseCompanyURI(uri)
	if err != nil {
		return nil, err
	}

	defs, err := s.defs.ListCalculatedMetrics(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("mcp: list calculated metrics: %w", err)
	}

	out := make([]calculatedMetric, 0, len(defs))
	for _, d := range defs {
		cm := calculatedMetric{ID: d.ID, Name: d.Name}
		if f, err := model.ParseFormula(d.Formula); err != nil {
			cm.Error = err.Error()
		} else {
			cm.Formula = &f
		}
		out = append(out, cm)
	}

	data, err := json.MarshalIndent(map[string]any{
		"company_id": companyID,
		"metrics":    out,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal calculated metrics: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseCompanyURI extracts the company id from
// keisan://companies/{id}/calculated-metrics.
func parseCompanyURI(uri string) (uuid.UUID, error) {
	const prefix, suffix = "keisan://companies/", "/calculated-metrics"
	if !strings.HasPrefix(uri, prefix) || !strings.HasSuffix(uri, suffix) {
		return uuid.Nil, fmt.Errorf("mcp: invalid calculated metrics URI: %s", uri)
	}
	id, err := model.ParseCompanyID(strings.TrimSuffix(strings.TrimPrefix(uri, prefix), suffix))
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: %s: %w", uri, err)
	}
	return id, nil
}
