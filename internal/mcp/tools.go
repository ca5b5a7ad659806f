package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/keisan/internal/model"
)

func (s *Server) registerTools() {
	// keisan_preview: evaluate an unsaved formula.
	s.mcpServer.AddTool(
		mcplib.NewTool("keisan_preview",
			mcplib.WithDescription(`Evaluate an unsaved formula against a company's stored metric values.

WHEN TO USE: While drafting or changing a calculated metric, to see what it
would produce before saving it. Nothing is written.

The formula is the same JSON object stored on a calculated metric, for example
{"type":"division","numerator":"<uuid>","denominator":"<uuid>","multiplyBy100":true}.
Read keisan://formulas/types for every type and its fields.

WHAT YOU GET BACK: {period: number|null} for each requested period. null means
no data, a zero denominator or a missing previous period.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("company_id",
				mcplib.Description("Company UUID whose metric values are read"),
				mcplib.Required(),
			),
			mcplib.WithString("formula",
				mcplib.Description("Formula JSON, as a string or an object"),
				mcplib.Required(),
			),
			mcplib.WithArray("periods",
				mcplib.Description("Period dates to evaluate (YYYY-MM-DD)"),
				mcplib.WithStringItems(),
				mcplib.Required(),
			),
		),
		s.handlePreview,
	)

	// keisan_calculate: evaluate saved calculated metrics.
	s.mcpServer.AddTool(
		mcplib.NewTool("keisan_calculate",
			mcplib.WithDescription(`Evaluate a company's saved calculated metrics at every period their sources cover.

WHEN TO USE: To read current calculated series, or with store_results=true to
refresh the stored values after source data changed.

Metrics whose formula is invalid or depends on itself are skipped.

WHAT YOU GET BACK: {metricId: {period: number|null}}.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("company_id",
				mcplib.Description("Company UUID"),
				mcplib.Required(),
			),
			mcplib.WithArray("metric_ids",
				mcplib.Description("Calculated metric UUIDs to evaluate. Omit for all of the company's calculated metrics."),
				mcplib.WithStringItems(),
			),
			mcplib.WithString("start_date",
				mcplib.Description("Inclusive lower bound on source periods (YYYY-MM-DD)"),
			),
			mcplib.WithString("end_date",
				mcplib.Description("Inclusive upper bound on source periods (YYYY-MM-DD)"),
			),
			mcplib.WithBoolean("store_results",
				mcplib.Description("Write the results back to the metric value store"),
				mcplib.DefaultBool(false),
			),
		),
		s.handleCalculate,
	)
}

func (s *Server) handlePreview(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	formula, err := formulaArgument(request.GetArguments()["formula"])
	if err != nil {
		return errorResult(err.Error()), nil
	}

	params, err := model.CalculateMetricsRequest{
		Action:         model.ActionPreview,
		CompanyID:      request.GetString("company_id", ""),
		Formula:        formula,
		PreviewPeriods: request.GetStringSlice("periods", nil),
	}.PreviewParams()
	if err != nil {
		return errorResult(err.Error()), nil
	}

	series, err := s.svc.Preview(ctx, params)
	if err != nil {
		return s.serviceErrorResult("preview", err), nil
	}
	return jsonResult(series)
}

func (s *Server) handleCalculate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	params, err := model.CalculateMetricsRequest{
		Action:       model.ActionCalculate,
		CompanyID:    request.GetString("company_id", ""),
		MetricIDs:    request.GetStringSlice("metric_ids", nil),
		StartDate:    request.GetString("start_date", ""),
		EndDate:      request.GetString("end_date", ""),
		StoreResults: request.GetBool("store_results", false),
	}.CalculateParams()
	if err != nil {
		return errorResult(err.Error()), nil
	}

	results, err := s.svc.Calculate(ctx, params)
	if err != nil {
		return s.serviceErrorResult("calculate", err), nil
	}
	return jsonResult(results)
}

// formulaArgument accepts the formula as a JSON string or as an already
// decoded object.
func formulaArgument(v any) (json.RawMessage, error) {
	switch f := v.(type) {
	case nil:
		return nil, errors.New("formula is required")
	case string:
		return json.RawMessage(f), nil
	default:
		raw, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("formula: %w", err)
		}
		return raw, nil
	}
}

// serviceErrorResult reports validation failures verbatim and hides I/O
// details behind a generic message.
func (s *Server) serviceErrorResult(op string, err error) *mcplib.CallToolResult {
	if errors.Is(err, model.ErrInvalidRequest) {
		return errorResult(err.Error())
	}
	s.logger.Error("mcp: "+op+" failed", "error", err)
	return errorResult(op + " failed: internal error")
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
