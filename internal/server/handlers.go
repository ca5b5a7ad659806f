package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/keisan/internal/model"
	"github.com/ashita-ai/keisan/internal/service/metrics"
)

// Pinger reports storage reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	metricsSvc          *metrics.Service
	db                  Pinger
	backend             string
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte

	pingGroup singleflight.Group
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, OpenAPISpec.
type HandlersDeps struct {
	MetricsSvc          *metrics.Service
	DB                  Pinger
	Backend             string
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		metricsSvc:          d.MetricsSvc,
		db:                  d.DB,
		backend:             d.Backend,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleCalculateMetrics handles POST /functions/v1/calculate-metrics.
// The action field selects calculate or preview.
func (h *Handlers) HandleCalculateMetrics(w http.ResponseWriter, r *http.Request) {
	var req model.CalculateMetricsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}

	switch req.Action {
	case model.ActionCalculate:
		params, err := req.CalculateParams()
		if err != nil {
			writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		results, err := h.metricsSvc.Calculate(r.Context(), params)
		if err != nil {
			h.writeServiceError(w, r, "calculate failed", err)
			return
		}
		writeJSON(w, http.StatusOK, model.ResultsResponse{Results: results})

	case model.ActionPreview:
		params, err := req.PreviewParams()
		if err != nil {
			writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		series, err := h.metricsSvc.Preview(r.Context(), params)
		if err != nil {
			h.writeServiceError(w, r, "preview failed", err)
			return
		}
		writeJSON(w, http.StatusOK, model.ResultsResponse{Results: series})

	case "":
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, "action is required")
	default:
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput,
			`unknown action "`+string(req.Action)+`": expected "calculate" or "preview"`)
	}
}

// writeServiceError maps service errors to the function error shape.
// Validation failures surface their message; anything else is logged and
// reported generically.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if errors.Is(err, model.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		h.logger.Warn(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "request cancelled or timed out")
		return
	}
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
}

// HandleSubscribe handles GET /v1/subscribe?companyId= (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event stream not available")
		return
	}
	companyID, err := model.ParseCompanyID(r.URL.Query().Get("companyId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Idle streams must outlive the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(companyID)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.ping() != nil {
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:  status,
		Version: h.version,
		Storage: storageStatus,
		Backend: h.backend,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}
	writeJSON(w, httpStatus, resp)
}

// ping checks storage. Concurrent health checks share one round trip; the
// check runs on its own context because singleflight reuses the first
// caller's, and a cancelled caller must not fail the others.
func (h *Handlers) ping() error {
	if h.db == nil {
		return errors.New("no storage configured")
	}
	_, err, _ := h.pingGroup.Do("ping", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return nil, h.db.Ping(ctx)
	})
	return err
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
