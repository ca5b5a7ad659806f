package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidRequest is returned (wrapped) for requests that fail validation
// before any work is done.
var ErrInvalidRequest = errors.New("invalid request")

// Request limits. They keep a single call from loading an unbounded number of
// series or evaluating an unbounded number of preview periods.
const (
	MaxMetricIDs      = 500
	MaxPreviewPeriods = 1000
)

// Action selects the calculate-metrics entry operation.
type Action string

const (
	ActionCalculate Action = "calculate"
	ActionPreview   Action = "preview"
)

// CalculateMetricsRequest is the JSON body accepted by the calculate-metrics
// function. Field names follow the function's public contract.
type CalculateMetricsRequest struct {
	Action    Action `json:"action"`
	CompanyID string `json:"companyId"`

	// Calculate mode.
	MetricIDs    []string `json:"metricIds,omitempty"`
	StartDate    string   `json:"startDate,omitempty"`
	EndDate      string   `json:"endDate,omitempty"`
	StoreResults bool     `json:"storeResults,omitempty"`

	// Preview mode.
	Formula        json.RawMessage `json:"formula,omitempty"`
	PreviewPeriods []string        `json:"previewPeriods,omitempty"`
}

// CalculateParams is a validated calculate request.
type CalculateParams struct {
	CompanyID    uuid.UUID
	MetricIDs    []uuid.UUID
	Range        DateRange
	StoreResults bool
}

// PreviewParams is a validated preview request.
type PreviewParams struct {
	CompanyID uuid.UUID
	Formula   Formula
	Periods   []Period
}

// ParseCompanyID validates the tenant scope.
func ParseCompanyID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, fmt.Errorf("companyId is required: %w", ErrInvalidRequest)
	}
	id, err := uuid.Parse(s)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("companyId must be a valid UUID: %w", ErrInvalidRequest)
	}
	return id, nil
}

// ParseMetricIDs validates a list of metric ids.
func ParseMetricIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) > MaxMetricIDs {
		return nil, fmt.Errorf("metricIds exceeds maximum of %d: %w", MaxMetricIDs, ErrInvalidRequest)
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for i, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("metricIds[%d] must be a valid UUID: %w", i, ErrInvalidRequest)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CalculateParams validates the request for calculate mode.
func (r CalculateMetricsRequest) CalculateParams() (CalculateParams, error) {
	companyID, err := ParseCompanyID(r.CompanyID)
	if err != nil {
		return CalculateParams{}, err
	}
	ids, err := ParseMetricIDs(r.MetricIDs)
	if err != nil {
		return CalculateParams{}, err
	}

	var rng DateRange
	if r.StartDate != "" {
		if rng.Start, err = ParsePeriod(r.StartDate); err != nil {
			return CalculateParams{}, fmt.Errorf("startDate: %v: %w", err, ErrInvalidRequest)
		}
	}
	if r.EndDate != "" {
		if rng.End, err = ParsePeriod(r.EndDate); err != nil {
			return CalculateParams{}, fmt.Errorf("endDate: %v: %w", err, ErrInvalidRequest)
		}
	}
	if rng.Start != "" && rng.End != "" && rng.Start > rng.End {
		return CalculateParams{}, fmt.Errorf("startDate must not be after endDate: %w", ErrInvalidRequest)
	}

	return CalculateParams{
		CompanyID:    companyID,
		MetricIDs:    ids,
		Range:        rng,
		StoreResults: r.StoreResults,
	}, nil
}

// PreviewParams validates the request for preview mode.
func (r CalculateMetricsRequest) PreviewParams() (PreviewParams, error) {
	companyID, err := ParseCompanyID(r.CompanyID)
	if err != nil {
		return PreviewParams{}, err
	}
	if len(r.Formula) == 0 || string(r.Formula) == "null" {
		return PreviewParams{}, fmt.Errorf("formula is required for preview: %w", ErrInvalidRequest)
	}
	if len(r.PreviewPeriods) == 0 {
		return PreviewParams{}, fmt.Errorf("previewPeriods is required for preview: %w", ErrInvalidRequest)
	}
	if len(r.PreviewPeriods) > MaxPreviewPeriods {
		return PreviewParams{}, fmt.Errorf("previewPeriods exceeds maximum of %d: %w", MaxPreviewPeriods, ErrInvalidRequest)
	}

	formula, err := ParseFormula(string(r.Formula))
	if err != nil {
		return PreviewParams{}, fmt.Errorf("%v: %w", err, ErrInvalidRequest)
	}

	periods := make([]Period, 0, len(r.PreviewPeriods))
	for i, s := range r.PreviewPeriods {
		p, err := ParsePeriod(s)
		if err != nil {
			return PreviewParams{}, fmt.Errorf("previewPeriods[%d]: %v: %w", i, err, ErrInvalidRequest)
		}
		periods = append(periods, p)
	}

	return PreviewParams{CompanyID: companyID, Formula: formula, Periods: periods}, nil
}

// ResultsResponse is the success envelope of the calculate-metrics function.
type ResultsResponse struct {
	Results any `json:"results"`
}

// ErrorResponse is the failure envelope of the calculate-metrics function.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ErrorCode constants for API error responses.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Storage   string `json:"storage"`
	Backend   string `json:"backend"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
