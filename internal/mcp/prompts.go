package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// author-formula: guides an agent from a metric idea to a previewed formula.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("author-formula",
			mcplib.WithPromptDescription("Turn a described metric into a formula and check it with keisan_preview"),
			mcplib.WithArgument("company_id",
				mcplib.ArgumentDescription("Company UUID the metric belongs to"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("goal",
				mcplib.ArgumentDescription("What the metric should measure, e.g. 'cost per lead' or 'trailing 3 month average of sessions'"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleAuthorFormulaPrompt,
	)
}

func (s *Server) handleAuthorFormulaPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	companyID := strings.TrimSpace(request.Params.Arguments["company_id"])
	goal := strings.TrimSpace(request.Params.Arguments["goal"])
	if companyID == "" || goal == "" {
		return nil, fmt.Errorf("company_id and goal arguments are required")
	}

	var types strings.Builder
	for _, ft := range formulaTypes {
		fmt.Fprintf(&types, "- %s (%s): %s\n", ft.Type, strings.Join(ft.Fields, ", "), ft.Description)
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Author a formula for: %s", goal),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Build a calculated metric formula for company %s that measures: %s

1. READ keisan://companies/%s/calculated-metrics to see existing calculated
   metrics. Reuse one as an operand instead of duplicating it, but never make
   a formula depend on itself.

2. PICK one formula type:
%s
   Every formula also accepts decimalPlaces (0-10, default 2).

3. CALL keisan_preview with company_id="%s", the formula JSON and a few
   recent periods (YYYY-MM-DD). Check that the values are plausible and that
   nulls appear only where data is genuinely missing.

4. REPORT the final formula JSON together with the previewed values.`,
						companyID, goal, companyID, types.String(), companyID),
				},
			},
		},
	}, nil
}
